// Package notify delivers outcome notifications to owners, exactly once per
// (request, status) pair even across crash-recovery replays.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/example/courtsched/internal/queue"
)

// Notifier is the outbound collaborator boundary. Implementations must be
// safe for concurrent use.
type Notifier interface {
	NotifyOutcome(ctx context.Context, owner queue.Owner, requestID string, status queue.Status, detail string) error
}

// Ledger remembers delivered (request, status) pairs. MarkDelivered returns
// false when the pair was already present.
type Ledger interface {
	MarkDelivered(ctx context.Context, requestID string, status queue.Status) (bool, error)
}

// Dedup wraps a Notifier with a Ledger so replays after a crash are dropped
// before they reach the owner.
type Dedup struct {
	next   Notifier
	ledger Ledger
	log    *slog.Logger
}

func NewDedup(next Notifier, ledger Ledger, log *slog.Logger) *Dedup {
	return &Dedup{next: next, ledger: ledger, log: log.With("component", "notify")}
}

// dedupable statuses are the terminal transitions, which happen at most once
// per request. Interim statuses are a fresh fact every time: a request bumped
// back to the waitlist in a later cycle must be told again.
func dedupable(status queue.Status) bool {
	switch status {
	case queue.StatusConfirmed, queue.StatusFailed, queue.StatusCancelled, queue.StatusCompleted:
		return true
	}
	return false
}

func (d *Dedup) NotifyOutcome(ctx context.Context, owner queue.Owner, requestID string, status queue.Status, detail string) error {
	if !dedupable(status) {
		return d.next.NotifyOutcome(ctx, owner, requestID, status, detail)
	}
	fresh, err := d.ledger.MarkDelivered(ctx, requestID, status)
	if err != nil {
		return fmt.Errorf("notification ledger: %w", err)
	}
	if !fresh {
		d.log.Debug("duplicate outcome suppressed", "request", requestID, "status", status)
		return nil
	}
	return d.next.NotifyOutcome(ctx, owner, requestID, status, detail)
}

// LogNotifier writes outcomes to the log. Default sink when no publisher is
// configured.
type LogNotifier struct {
	Log *slog.Logger
}

func (n *LogNotifier) NotifyOutcome(_ context.Context, owner queue.Owner, requestID string, status queue.Status, detail string) error {
	n.Log.Info("outcome", "owner", owner.ID, "channel", owner.Channel, "request", requestID, "status", status, "detail", detail)
	return nil
}
