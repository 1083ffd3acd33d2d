package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/example/courtsched/internal/pool"
)

const (
	StrategyIndividual = "individual"
	StrategyPartial    = "partial"
	StrategyFull       = "full"
	StrategyEmergency  = "emergency"
)

// individualStrategy recreates exactly the failed slots, one at a time.
type individualStrategy struct{}

func (individualStrategy) Name() string { return StrategyIndividual }

func (individualStrategy) Recover(ctx context.Context, p *pool.Pool, failed []string) (*pool.Slot, error) {
	for _, id := range failed {
		if err := p.RecreateSlot(ctx, id); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// partialStrategy recreates the failed slots plus any slot that has drifted
// from healthy, with a stagger so the booking surface does not see a
// thundering-herd reconnect.
type partialStrategy struct {
	stagger time.Duration
}

func (partialStrategy) Name() string { return StrategyPartial }

func (s partialStrategy) Recover(ctx context.Context, p *pool.Pool, failed []string) (*pool.Slot, error) {
	targets := map[string]bool{}
	for _, id := range failed {
		targets[id] = true
	}
	// Slots sharing the failure signature: anything not healthy.
	for id, h := range p.HealthSnapshot() {
		if h != pool.HealthHealthy {
			targets[id] = true
		}
	}

	first := true
	for id := range targets {
		if !first {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.stagger):
			}
		}
		first = false
		if err := p.RecreateSlot(ctx, id); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// fullStrategy tears down and rebuilds the entire pool. Slot bindings and
// the session factory survive; only session state is lost.
type fullStrategy struct{}

func (fullStrategy) Name() string { return StrategyFull }

func (fullStrategy) Recover(ctx context.Context, p *pool.Pool, _ []string) (*pool.Slot, error) {
	return nil, p.RecreateAll(ctx)
}

// emergencyStrategy stands up one standalone worker outside the pool, enough
// to salvage an attempt already in progress when the pool itself cannot be
// trusted.
type emergencyStrategy struct{}

func (emergencyStrategy) Name() string { return StrategyEmergency }

func (emergencyStrategy) Recover(ctx context.Context, p *pool.Pool, failed []string) (*pool.Slot, error) {
	courts := p.Courts()
	if len(courts) == 0 {
		return nil, fmt.Errorf("no courts bound")
	}
	slot, err := p.EmergencySlot(ctx, courts[0])
	if err != nil {
		return nil, err
	}
	return slot, nil
}
