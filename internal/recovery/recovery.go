// Package recovery repairs the worker pool with escalating strategies, each
// strictly more disruptive than the last. Recovery never races an in-flight
// attempt: it waits on the slot's critical flag, bounded, then forces through.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/courtsched/internal/pool"
)

// ErrPoolExhausted: every strategy including EMERGENCY failed. Surfaced to
// owners as a generic failure, never as a strategy name.
var ErrPoolExhausted = errors.New("worker pool exhausted")

// Attempt records one strategy invocation.
type Attempt struct {
	Strategy string
	At       time.Time
	Success  bool
	Detail   string
}

// Result is the outcome of one Recover call.
type Result struct {
	StrategyUsed string
	Recovered    []string
	// Emergency holds the standalone worker when the EMERGENCY strategy had
	// to salvage the batch; nil otherwise.
	Emergency *pool.Slot
}

// Strategy is one rung of the ladder.
type Strategy interface {
	Name() string
	// Recover repairs the given workers; returning nil means the pool is
	// usable again.
	Recover(ctx context.Context, p *pool.Pool, failed []string) (*pool.Slot, error)
}

// Service coordinates detection and repair. One Recover runs at a time; the
// scheduler calls it between cycles so it never overlaps dispatch.
type Service struct {
	pool         *pool.Pool
	strategies   []Strategy
	criticalWait time.Duration
	log          *slog.Logger

	mu       sync.Mutex
	attempts []Attempt
	counts   map[string]int
}

func NewService(p *pool.Pool, criticalWait time.Duration, log *slog.Logger) *Service {
	return &Service{
		pool: p,
		strategies: []Strategy{
			individualStrategy{},
			partialStrategy{stagger: 2 * time.Second},
			fullStrategy{},
			emergencyStrategy{},
		},
		criticalWait: criticalWait,
		log:          log.With("component", "recovery"),
		counts:       map[string]int{},
	}
}

// SetStrategies overrides the ladder for testing.
func (s *Service) SetStrategies(strategies []Strategy) {
	s.strategies = strategies
}

// NeedsRecovery reports whether any worker is critical or failed, and which.
func (s *Service) NeedsRecovery() (bool, []string) {
	var failed []string
	for id, h := range s.pool.HealthSnapshot() {
		if h == pool.HealthCritical || h == pool.HealthFailed {
			failed = append(failed, id)
		}
	}
	return len(failed) > 0, failed
}

// Recover walks the ladder until a strategy succeeds. Before touching any
// slot it waits for its critical flag to clear, bounded by criticalWait;
// past that it clears the flag itself and logs the override, since a stuck
// attempt must not block recovery forever.
func (s *Service) Recover(ctx context.Context, failed []string) (Result, error) {
	s.awaitCriticalClear(ctx, failed)

	for _, strat := range s.strategies {
		emergency, err := strat.Recover(ctx, s.pool, failed)
		s.record(strat.Name(), err)
		if err != nil {
			s.log.Warn("recovery strategy failed", "strategy", strat.Name(), "error", err)
			continue
		}
		s.log.Info("recovery succeeded", "strategy", strat.Name(), "workers", failed)
		return Result{StrategyUsed: strat.Name(), Recovered: failed, Emergency: emergency}, nil
	}
	return Result{}, fmt.Errorf("recovering %v: %w", failed, ErrPoolExhausted)
}

func (s *Service) awaitCriticalClear(ctx context.Context, workers []string) {
	deadline := time.Now().Add(s.criticalWait)
	for _, id := range workers {
		for s.pool.IsCritical(id) {
			if time.Now().After(deadline) {
				s.log.Error("forced override of critical flag", "worker", id, "waited", s.criticalWait)
				s.pool.ForceClearCritical(id)
				break
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(250 * time.Millisecond):
			}
		}
	}
}

func (s *Service) record(strategy string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := Attempt{Strategy: strategy, At: time.Now(), Success: err == nil}
	if err != nil {
		a.Detail = err.Error()
	}
	s.attempts = append(s.attempts, a)
	if err == nil {
		s.counts[strategy]++
	}
}

// Stats returns successful recoveries per strategy.
func (s *Service) Stats() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

// History returns the recorded attempts, newest last.
func (s *Service) History() []Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Attempt, len(s.attempts))
	copy(out, s.attempts)
	return out
}
