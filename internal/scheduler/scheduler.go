// Package scheduler runs the control loop: claim ready requests, allocate
// workers by priority, fire attempts concurrently around the opening instant,
// record outcomes, promote the waitlist on failure.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/courtsched/internal/allocator"
	"github.com/example/courtsched/internal/executor"
	"github.com/example/courtsched/internal/notify"
	"github.com/example/courtsched/internal/pool"
	"github.com/example/courtsched/internal/queue"
	"github.com/example/courtsched/internal/recovery"
)

// Store is the slice of the reservation queue the scheduler drives. The pgx
// repo satisfies it; tests use an in-memory fake.
type Store interface {
	FindReady(ctx context.Context, now time.Time, lead time.Duration) ([]queue.Request, error)
	Transition(ctx context.Context, id string, to queue.Status, detail string) error
	Confirm(ctx context.Context, id, confirmationRef string) error
	RecordAttempts(ctx context.Context, id string, tries int, lastErr *string) error
	PendingCancellations(ctx context.Context) ([]queue.Request, error)
	WaitlistedForSlot(ctx context.Context, date time.Time, hhmm string) ([]queue.Request, error)
	CompletablePast(ctx context.Context, now time.Time) ([]queue.Request, error)
}

type Scheduler struct {
	Queue    Store
	Pool     *pool.Pool
	Exec     *executor.Executor
	Recovery *recovery.Service
	Notifier notify.Notifier

	Interval     time.Duration
	Lead         time.Duration
	BatchTimeout time.Duration

	Log *slog.Logger

	wg sync.WaitGroup

	// emergency is the standalone worker recovery stood up for the current
	// cycle; claimed by at most one attempt and closed at cycle end otherwise.
	emMu      sync.Mutex
	emergency *pool.Slot
}

// Run polls until ctx is done. Cycles never overlap: a tick finishes dispatch
// and recording before the next one starts, which keeps the queue effectively
// single-writer.
func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.Interval)
	defer t.Stop()

	// kick immediately
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-t.C:
			s.tick(ctx)
		}
	}
}

type cycleStats struct {
	ready      int
	confirmed  int
	waitlisted int
	failed     int
	cancelled  int
	bumped     int
	promoted   int
	completed  int
}

func (s *Scheduler) tick(ctx context.Context) {
	start := time.Now()
	var stats cycleStats

	// Cancellations queued by the front end apply between cycles, never
	// mid-dispatch.
	s.applyCancellations(ctx, &stats)
	s.completePastSlots(ctx, &stats)

	s.Pool.CheckHealth(ctx)
	poolExhausted := false
	if needed, failed := s.Recovery.NeedsRecovery(); needed {
		res, err := s.Recovery.Recover(ctx, failed)
		switch {
		case errors.Is(err, recovery.ErrPoolExhausted):
			poolExhausted = true
			s.Log.Error("pool exhausted, failing this cycle's requests", "workers", failed)
		case err != nil:
			s.Log.Error("recovery failed", "error", err)
		case res.Emergency != nil:
			s.adoptEmergency(ctx, res.Emergency)
		}
	}

	ready, err := s.Queue.FindReady(ctx, time.Now(), s.Lead)
	if err != nil {
		s.Log.Error("ready query failed", "error", err)
		return
	}
	stats.ready = len(ready)

	for _, group := range groupBySlot(ready) {
		if poolExhausted {
			s.failUnavailable(ctx, group, &stats)
			continue
		}
		s.dispatchSlot(ctx, group, &stats)
	}
	s.retireEmergency(ctx)

	if stats.ready > 0 || stats.cancelled > 0 || stats.completed > 0 {
		s.Log.Info("cycle complete",
			"took", time.Since(start),
			"ready", stats.ready,
			"confirmed", stats.confirmed,
			"waitlisted", stats.waitlisted,
			"failed", stats.failed,
			"bumped", stats.bumped,
			"promoted", stats.promoted,
			"cancelled", stats.cancelled,
			"completed", stats.completed,
		)
	}
}

// failUnavailable closes out one slot group when no worker can be produced
// this cycle. Terminal for the affected requests; owners see a generic detail,
// never recovery internals.
func (s *Scheduler) failUnavailable(ctx context.Context, group []queue.Request, stats *cycleStats) {
	const detail = "resource temporarily unavailable"
	for _, req := range group {
		if req.Status == queue.StatusPending {
			if err := s.Queue.Transition(ctx, req.ID, queue.StatusScheduled, ""); err != nil {
				s.logTransitionErr(req.ID, queue.StatusScheduled, err)
				continue
			}
		}
		if err := s.Queue.Transition(ctx, req.ID, queue.StatusFailed, detail); err != nil {
			s.logTransitionErr(req.ID, queue.StatusFailed, err)
			continue
		}
		stats.failed++
		s.notifyOutcome(ctx, req.Owner, req.ID, queue.StatusFailed, detail)
	}
}

// completePastSlots closes out confirmed and failed requests whose slot has
// started; nothing can change for them anymore.
func (s *Scheduler) completePastSlots(ctx context.Context, stats *cycleStats) {
	past, err := s.Queue.CompletablePast(ctx, time.Now())
	if err != nil {
		s.Log.Error("completion query failed", "error", err)
		return
	}
	for _, req := range past {
		if err := s.Queue.Transition(ctx, req.ID, queue.StatusCompleted, ""); err != nil {
			s.logTransitionErr(req.ID, queue.StatusCompleted, err)
			continue
		}
		stats.completed++
	}
}

// groupBySlot partitions requests by (date, time) key, preserving the ready
// ordering inside each group.
func groupBySlot(reqs []queue.Request) [][]queue.Request {
	index := map[string]int{}
	var groups [][]queue.Request
	for _, r := range reqs {
		key := r.SlotKey()
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], r)
	}
	return groups
}

func (s *Scheduler) applyCancellations(ctx context.Context, stats *cycleStats) {
	pending, err := s.Queue.PendingCancellations(ctx)
	if err != nil {
		s.Log.Error("cancellation query failed", "error", err)
		return
	}
	for _, req := range pending {
		if err := s.Queue.Transition(ctx, req.ID, queue.StatusCancelled, "cancelled by owner"); err != nil {
			s.logTransitionErr(req.ID, queue.StatusCancelled, err)
			continue
		}
		stats.cancelled++
		s.notifyOutcome(ctx, req.Owner, req.ID, queue.StatusCancelled, "cancelled by owner")
	}
}

func (s *Scheduler) dispatchSlot(ctx context.Context, group []queue.Request, stats *cycleStats) {
	// Claim everything first so a late arrival for this slot is visible as
	// such: anything submitted after this point joins via the late check or
	// the next cycle.
	claimed := make([]queue.Request, 0, len(group))
	for _, req := range group {
		if req.Status == queue.StatusPending {
			if err := s.Queue.Transition(ctx, req.ID, queue.StatusScheduled, ""); err != nil {
				s.logTransitionErr(req.ID, queue.StatusScheduled, err)
				continue
			}
			req.Status = queue.StatusScheduled
		}
		claimed = append(claimed, req)
	}
	if len(claimed) == 0 {
		return
	}

	courts := s.Pool.AcquirableCourts()
	if c, ok := s.peekEmergencyCourt(); ok {
		courts = append(courts, c)
	}
	plan := allocator.Compute(claimed, courts)
	plan = s.foldLateArrivals(ctx, claimed, plan, courts, stats)

	for _, req := range plan.Waitlisted {
		if req.Status == queue.StatusWaitlisted {
			continue // already waiting from an earlier cycle
		}
		if err := s.Queue.Transition(ctx, req.ID, queue.StatusWaitlisted, ""); err != nil {
			s.logTransitionErr(req.ID, queue.StatusWaitlisted, err)
			continue
		}
		stats.waitlisted++
		s.notifyOutcome(ctx, req.Owner, req.ID, queue.StatusWaitlisted, "all workers allocated to higher-priority requests")
	}

	if len(plan.Confirmed) == 0 {
		return
	}

	// Concurrent dispatch: one worker per request, awaited together under a
	// hard batch timeout.
	batchCtx, cancel := context.WithTimeout(ctx, s.BatchTimeout)
	defer cancel()

	var mu sync.Mutex
	failures := 0

	g, gctx := errgroup.WithContext(batchCtx)
	for _, a := range plan.Confirmed {
		a := a
		g.Go(func() error {
			ok := s.dispatchOne(gctx, a, stats, &mu)
			if !ok {
				mu.Lock()
				failures++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if failures > 0 {
		s.promoteWaitlist(ctx, plan.Confirmed[0].Request, failures, stats)
	}
}

// foldLateArrivals picks up requests for this slot submitted between claim
// and dispatch. A higher-tier arrival displaces the lowest-priority confirmed
// entry; the displaced request is re-waitlisted ahead of its tier peers.
func (s *Scheduler) foldLateArrivals(ctx context.Context, claimed []queue.Request, plan allocator.Plan, courts []int, stats *cycleStats) allocator.Plan {
	fresh, err := s.Queue.FindReady(ctx, time.Now(), s.Lead)
	if err != nil {
		s.Log.Error("late-arrival query failed", "error", err)
		return plan
	}
	known := make(map[string]bool, len(claimed))
	for _, r := range claimed {
		known[r.ID] = true
	}
	key := claimed[0].SlotKey()

	for _, req := range fresh {
		if known[req.ID] || req.SlotKey() != key {
			continue
		}
		if err := s.Queue.Transition(ctx, req.ID, queue.StatusScheduled, ""); err != nil {
			s.logTransitionErr(req.ID, queue.StatusScheduled, err)
			continue
		}
		req.Status = queue.StatusScheduled
		plan = allocator.HandleLateArrival(req, plan, courts)
		for _, bumped := range plan.Bumped {
			stats.bumped++
			if err := s.Queue.Transition(ctx, bumped.ID, queue.StatusWaitlisted, ""); err != nil {
				s.logTransitionErr(bumped.ID, queue.StatusWaitlisted, err)
				continue
			}
			// Keep the plan's copy in step so the waitlist pass below does
			// not re-transition it.
			for i := range plan.Waitlisted {
				if plan.Waitlisted[i].ID == bumped.ID {
					plan.Waitlisted[i].Status = queue.StatusWaitlisted
				}
			}
			s.notifyOutcome(ctx, bumped.Owner, bumped.ID, queue.StatusWaitlisted, "displaced by a higher-priority request")
		}
		plan.Bumped = nil
	}
	return plan
}

// adoptEmergency takes ownership of the standalone worker recovery produced;
// a previous unclaimed one is closed first.
func (s *Scheduler) adoptEmergency(ctx context.Context, slot *pool.Slot) {
	s.emMu.Lock()
	old := s.emergency
	s.emergency = slot
	s.emMu.Unlock()
	if old != nil && old.Session != nil {
		_ = old.Session.Close(ctx)
	}
	s.Log.Warn("cycle will dispatch on an emergency worker", "worker", slot.ID, "court", slot.Court)
}

func (s *Scheduler) peekEmergencyCourt() (int, bool) {
	s.emMu.Lock()
	defer s.emMu.Unlock()
	if s.emergency == nil {
		return 0, false
	}
	return s.emergency.Court, true
}

// claimEmergency hands the standalone worker to at most one attempt, and only
// when its court serves the request.
func (s *Scheduler) claimEmergency(court int, prefs []int) *pool.Slot {
	s.emMu.Lock()
	defer s.emMu.Unlock()
	if s.emergency == nil {
		return nil
	}
	if s.emergency.Court != court && !containsCourt(prefs, s.emergency.Court) {
		return nil
	}
	slot := s.emergency
	s.emergency = nil
	return slot
}

// retireEmergency closes an adopted worker nothing claimed this cycle.
func (s *Scheduler) retireEmergency(ctx context.Context) {
	s.emMu.Lock()
	slot := s.emergency
	s.emergency = nil
	s.emMu.Unlock()
	if slot != nil && slot.Session != nil {
		_ = slot.Session.Close(ctx)
	}
}

func containsCourt(courts []int, c int) bool {
	for _, v := range courts {
		if v == c {
			return true
		}
	}
	return false
}

// dispatchOne runs a single attempt end to end. Returns false when the
// request ended in failure (so the caller can promote the waitlist).
func (s *Scheduler) dispatchOne(ctx context.Context, a allocator.Assignment, stats *cycleStats, mu *sync.Mutex) bool {
	req := a.Request

	slot, emergency := s.acquireWithFallback(a)
	if slot == nil {
		if err := s.Queue.Transition(context.WithoutCancel(ctx), req.ID, queue.StatusWaitlisted, ""); err != nil {
			s.logTransitionErr(req.ID, queue.StatusWaitlisted, err)
			return true
		}
		mu.Lock()
		stats.waitlisted++
		mu.Unlock()
		s.notifyOutcome(ctx, req.Owner, req.ID, queue.StatusWaitlisted, "no worker available for the requested courts")
		return true
	}

	if !emergency {
		if err := s.Pool.MarkCritical(slot.ID, true); err != nil {
			s.Pool.Release(slot.ID)
			s.Log.Error("could not flag worker critical", "worker", slot.ID, "error", err)
			return true
		}
	}

	deadline, _ := ctx.Deadline()
	results := make(chan executor.Attempt, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		att := s.Exec.Run(ctx, slot, req, req.OpenAt, deadline)
		if emergency {
			// The pool never tracks this worker; this goroutine is its
			// only owner, so the session dies with the attempt.
			_ = slot.Session.Close(context.WithoutCancel(ctx))
		}
		results <- att
	}()

	select {
	case att := <-results:
		if !emergency {
			s.Pool.Release(slot.ID) // also clears the critical flag
		}
		return s.recordAttempt(context.WithoutCancel(ctx), req, att, stats, mu)

	case <-ctx.Done():
		// Abandon, don't wait: a stuck interaction must not block the cycle.
		// The worker is suspect until a health check proves otherwise.
		if !emergency {
			s.Pool.ForceClearCritical(slot.ID)
			s.Pool.Release(slot.ID)
			s.Pool.MarkHealth(slot.ID, pool.HealthCritical)
		}
		s.Log.Warn("attempt abandoned at batch timeout", "request", req.ID, "worker", slot.ID)

		bg := context.WithoutCancel(ctx)
		if err := s.Queue.Transition(bg, req.ID, queue.StatusFailed, "attempt timed out"); err != nil {
			s.logTransitionErr(req.ID, queue.StatusFailed, err)
			return false
		}
		mu.Lock()
		stats.failed++
		mu.Unlock()
		s.notifyOutcome(bg, req.Owner, req.ID, queue.StatusFailed, "attempt timed out")
		return false
	}
}

// acquireWithFallback claims a worker on the planned court, then falls back
// through the request's remaining preferences, then the cycle's emergency
// worker. Busy and unavailable are immediate signals, never waits. The second
// return reports an emergency (pool-untracked) claim.
func (s *Scheduler) acquireWithFallback(a allocator.Assignment) (*pool.Slot, bool) {
	slot, err := s.Pool.Acquire(a.Court)
	if err == nil {
		return slot, false
	}
	for _, c := range a.Request.CourtPrefs {
		if c == a.Court {
			continue
		}
		if slot, err := s.Pool.Acquire(c); err == nil {
			return slot, false
		}
	}
	if em := s.claimEmergency(a.Court, a.Request.CourtPrefs); em != nil {
		return em, true
	}
	return nil, false
}

func (s *Scheduler) recordAttempt(ctx context.Context, req queue.Request, att executor.Attempt, stats *cycleStats, mu *sync.Mutex) bool {
	var lastErr *string
	if att.ErrorDetail != "" {
		lastErr = &att.ErrorDetail
	}
	if err := s.Queue.RecordAttempts(ctx, req.ID, att.Tries, lastErr); err != nil {
		s.Log.Error("recording attempts failed", "request", req.ID, "error", err)
	}

	if att.Outcome == executor.OutcomeSuccess {
		if err := s.Queue.Confirm(ctx, req.ID, att.ConfirmationRef); err != nil {
			s.logTransitionErr(req.ID, queue.StatusConfirmed, err)
			return false
		}
		mu.Lock()
		stats.confirmed++
		mu.Unlock()
		s.notifyOutcome(ctx, req.Owner, req.ID, queue.StatusConfirmed, att.ConfirmationRef)
		return true
	}

	detail := att.ErrorDetail
	if detail == "" {
		detail = "booking attempt failed"
	}
	if err := s.Queue.Transition(ctx, req.ID, queue.StatusFailed, detail); err != nil {
		s.logTransitionErr(req.ID, queue.StatusFailed, err)
		return false
	}
	mu.Lock()
	stats.failed++
	mu.Unlock()
	s.notifyOutcome(ctx, req.Owner, req.ID, queue.StatusFailed, detail)
	return false
}

// promoteWaitlist moves up to n waitlisted peers of the failed slot back to
// scheduled; the next cycle re-allocates them.
func (s *Scheduler) promoteWaitlist(ctx context.Context, sample queue.Request, n int, stats *cycleStats) {
	waiting, err := s.Queue.WaitlistedForSlot(ctx, sample.TargetDate, sample.TargetTime)
	if err != nil {
		s.Log.Error("waitlist query failed", "error", err)
		return
	}
	for i, req := range waiting {
		if i >= n {
			break
		}
		if err := s.Queue.Transition(ctx, req.ID, queue.StatusScheduled, ""); err != nil {
			s.logTransitionErr(req.ID, queue.StatusScheduled, err)
			continue
		}
		stats.promoted++
		s.Log.Info("waitlist promotion", "request", req.ID, "slot", req.SlotKey())
	}
}

func (s *Scheduler) notifyOutcome(ctx context.Context, owner queue.Owner, requestID string, status queue.Status, detail string) {
	if err := s.Notifier.NotifyOutcome(ctx, owner, requestID, status, detail); err != nil {
		s.Log.Error("notification failed", "request", requestID, "status", status, "error", err)
	}
}

// logTransitionErr treats invalid transitions as the programming errors they
// are; everything else is an operational failure.
func (s *Scheduler) logTransitionErr(id string, to queue.Status, err error) {
	var ite *queue.InvalidTransitionError
	if errors.As(err, &ite) {
		s.Log.Error("INVALID TRANSITION", "request", id, "to", to, "error", err)
		return
	}
	s.Log.Error("transition failed", "request", id, "to", to, "error", err)
}
