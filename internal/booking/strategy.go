package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/courtsched/internal/executor"
	"github.com/example/courtsched/internal/pool"
	"github.com/example/courtsched/internal/queue"
)

// Strategy is the default interaction strategy: fetch the court's
// availability, find the requested time, submit the booking.
type Strategy struct {
	client *Client
}

var _ executor.InteractionStrategy = (*Strategy)(nil)

func NewStrategy(c *Client) *Strategy {
	return &Strategy{client: c}
}

func (s *Strategy) PerformInteraction(ctx context.Context, worker *pool.Slot, req queue.Request) executor.InteractionOutcome {
	sess, ok := worker.Session.(*Session)
	if !ok {
		return executor.InteractionOutcome{Err: fmt.Errorf("worker %s holds a foreign session", worker.ID)}
	}

	date := req.TargetDate.Format("2006-01-02")
	slots, err := s.client.fetchAvailability(ctx, sess.Court(), date)
	if err != nil {
		// An unpublished day is as transient as a flaky fetch; retry around
		// the opening instant either way.
		return executor.InteractionOutcome{Transient: true, Err: err}
	}

	var target *availabilitySlot
	for i := range slots {
		if slots[i].Time == req.TargetTime {
			target = &slots[i]
			break
		}
	}
	if target == nil {
		return executor.InteractionOutcome{Transient: true, Err: fmt.Errorf("time %s not listed for court %d", req.TargetTime, sess.Court())}
	}
	if !target.Available {
		// Usually means the window has not opened; flips to available at the
		// opening instant, so keep trying.
		return executor.InteractionOutcome{Transient: true, Err: fmt.Errorf("time %s on court %d not yet bookable", req.TargetTime, sess.Court())}
	}

	ref, err := s.client.submitBooking(ctx, bookingSubmission{
		SlotID:  target.SlotID,
		Court:   sess.Court(),
		Date:    date,
		Time:    req.TargetTime,
		OwnerID: req.Owner.ID,
	})
	if err != nil {
		if errors.Is(err, ErrSlotTaken) {
			return executor.InteractionOutcome{Err: err} // permanent for this slot
		}
		return executor.InteractionOutcome{Transient: true, Err: err}
	}

	return executor.InteractionOutcome{Success: true, ConfirmationRef: ref}
}
