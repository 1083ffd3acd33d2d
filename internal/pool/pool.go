// Package pool owns the fixed set of booking sessions, one per court.
// Acquisition, maintenance and recovery all funnel through the per-slot
// critical flag so nothing ever touches a session an in-flight attempt is
// using.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is one stateful connection to the booking surface, pre-positioned
// on a court.
type Session interface {
	Ready(ctx context.Context) error
	Refresh(ctx context.Context) error
	VerifyConfirmation(ctx context.Context, ref string) error
	Close(ctx context.Context) error
}

// SessionFactory creates sessions. Injected so tests run without the booking
// surface.
type SessionFactory func(ctx context.Context, court int) (Session, error)

type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthCritical Health = "critical"
	HealthFailed   Health = "failed"
)

var (
	// ErrBusy: every slot for the court is owned by an in-flight attempt.
	ErrBusy = errors.New("worker busy")
	// ErrUnavailable: no usable slot for the court (unhealthy, under
	// maintenance, or not bound). Distinct from ErrBusy so callers can fall
	// back to another preference instead of waiting.
	ErrUnavailable = errors.New("worker unavailable")
)

// Slot is one member of the pool. All state behind the pool mutex.
type Slot struct {
	ID            string
	Court         int
	Session       Session
	Health        Health
	LastCheckedAt time.Time

	busy        bool
	critical    bool
	maintaining bool
}

type Pool struct {
	mu      sync.Mutex
	slots   []*Slot
	factory SessionFactory
	log     *slog.Logger
}

func New(ctx context.Context, courts []int, factory SessionFactory, log *slog.Logger) (*Pool, error) {
	p := &Pool{factory: factory, log: log.With("component", "pool")}
	for _, court := range courts {
		slot := &Slot{
			ID:     uuid.New().String(),
			Court:  court,
			Health: HealthFailed,
		}
		sess, err := factory(ctx, court)
		if err != nil {
			// Keep the slot; recovery will rebuild it.
			p.log.Error("session start failed", "court", court, "error", err)
		} else {
			slot.Session = sess
			slot.Health = HealthHealthy
			slot.LastCheckedAt = time.Now()
		}
		p.slots = append(p.slots, slot)
	}
	return p, nil
}

// Courts returns the bound court of every slot, healthy or not.
func (p *Pool) Courts() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, 0, len(p.slots))
	for _, s := range p.slots {
		out = append(out, s.Court)
	}
	return out
}

// AcquirableCourts returns courts whose slot could be acquired right now.
// The allocator plans against this set.
func (p *Pool) AcquirableCourts() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []int
	for _, s := range p.slots {
		if s.acquirable() {
			out = append(out, s.Court)
		}
	}
	return out
}

func (s *Slot) acquirable() bool {
	return !s.busy && !s.maintaining && !s.critical &&
		(s.Health == HealthHealthy || s.Health == HealthDegraded)
}

// Acquire claims the slot bound to court for one attempt. Non-blocking:
// ErrBusy and ErrUnavailable are immediate outcomes, never a wait.
func (p *Pool) Acquire(court int) (*Slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	bound := false
	for _, s := range p.slots {
		if s.Court != court {
			continue
		}
		bound = true
		if s.busy {
			continue
		}
		if !s.acquirable() {
			return nil, ErrUnavailable
		}
		s.busy = true
		return s, nil
	}
	if bound {
		return nil, ErrBusy
	}
	return nil, ErrUnavailable
}

// Release returns a slot after an attempt. Clears the critical flag too, so
// an abandoned attempt cannot wedge maintenance forever.
func (p *Pool) Release(workerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if s.ID == workerID {
			s.busy = false
			s.critical = false
			return
		}
	}
}

// MarkCritical toggles the per-slot critical-operation flag. Setting it fails
// if maintenance currently holds the slot; maintenance likewise refuses a
// flagged slot. This is the single mutual-exclusion point between attempts
// and anything that resets session state.
func (p *Pool) MarkCritical(workerID string, inProgress bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if s.ID != workerID {
			continue
		}
		if inProgress && s.maintaining {
			return fmt.Errorf("worker %s under maintenance: %w", workerID, ErrUnavailable)
		}
		s.critical = inProgress
		return nil
	}
	return fmt.Errorf("worker %s: %w", workerID, ErrUnavailable)
}

// IsCritical reports the flag; recovery polls this while waiting.
func (p *Pool) IsCritical(workerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if s.ID == workerID {
			return s.critical
		}
	}
	return false
}

// ForceClearCritical is recovery's escape hatch for a stuck attempt; the
// caller logs the override.
func (p *Pool) ForceClearCritical(workerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if s.ID == workerID {
			s.critical = false
			return
		}
	}
}

// MarkHealth sets a slot's health directly. The scheduler uses it to flag a
// worker suspect after abandoning an attempt.
func (p *Pool) MarkHealth(workerID string, h Health) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if s.ID == workerID {
			s.Health = h
			return
		}
	}
}

// HealthSnapshot returns worker id -> health for every slot.
func (p *Pool) HealthSnapshot() map[string]Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Health, len(p.slots))
	for _, s := range p.slots {
		out[s.ID] = s.Health
	}
	return out
}

// CheckHealth pings every non-busy, non-critical slot and updates health.
// A failed ping degrades; a second consecutive failure goes critical.
func (p *Pool) CheckHealth(ctx context.Context) {
	for _, s := range p.snapshotSlots() {
		p.mu.Lock()
		skip := s.busy || s.critical || s.Session == nil
		p.mu.Unlock()
		if skip {
			continue
		}

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := s.Session.Ready(pingCtx)
		cancel()

		p.mu.Lock()
		s.LastCheckedAt = time.Now()
		switch {
		case err == nil:
			s.Health = HealthHealthy
		case s.Health == HealthHealthy:
			s.Health = HealthDegraded
		default:
			s.Health = HealthCritical
		}
		health := s.Health
		p.mu.Unlock()
		if err != nil {
			p.log.Warn("health check failed", "worker", s.ID, "court", s.Court, "health", health, "error", err)
		}
	}
}

func (p *Pool) snapshotSlots() []*Slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Slot, len(p.slots))
	copy(out, p.slots)
	return out
}

// RecreateSlot tears down and rebuilds exactly one slot's session. Refuses a
// slot whose critical flag is set.
func (p *Pool) RecreateSlot(ctx context.Context, workerID string) error {
	p.mu.Lock()
	var slot *Slot
	for _, s := range p.slots {
		if s.ID == workerID {
			slot = s
			break
		}
	}
	if slot == nil {
		p.mu.Unlock()
		return fmt.Errorf("worker %s: %w", workerID, ErrUnavailable)
	}
	if slot.critical || slot.busy {
		p.mu.Unlock()
		return fmt.Errorf("worker %s owned by an in-flight attempt", workerID)
	}
	slot.maintaining = true
	old := slot.Session
	p.mu.Unlock()

	if old != nil {
		_ = old.Close(ctx)
	}
	sess, err := p.factory(ctx, slot.Court)

	p.mu.Lock()
	defer p.mu.Unlock()
	slot.maintaining = false
	if err != nil {
		slot.Session = nil
		slot.Health = HealthFailed
		return fmt.Errorf("recreate worker %s (court %d): %w", workerID, slot.Court, err)
	}
	slot.Session = sess
	slot.Health = HealthHealthy
	slot.busy = false
	slot.LastCheckedAt = time.Now()
	return nil
}

// RecreateAll rebuilds every slot, skipping none. Used by full-pool recovery.
func (p *Pool) RecreateAll(ctx context.Context) error {
	var firstErr error
	for _, s := range p.snapshotSlots() {
		if err := p.RecreateSlot(ctx, s.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// EmergencySlot stands up a single worker outside the pool's lifecycle, used
// to salvage an in-progress batch when the pool cannot be trusted. The caller
// owns the returned slot; it is never tracked, maintained, or recovered.
func (p *Pool) EmergencySlot(ctx context.Context, court int) (*Slot, error) {
	sess, err := p.factory(ctx, court)
	if err != nil {
		return nil, fmt.Errorf("emergency worker (court %d): %w", court, err)
	}
	return &Slot{
		ID:            "emergency-" + uuid.New().String(),
		Court:         court,
		Session:       sess,
		Health:        HealthHealthy,
		LastCheckedAt: time.Now(),
	}, nil
}
