package pool

import (
	"context"
	"time"
)

// MaintenanceConfig tunes the background session refresh.
type MaintenanceConfig struct {
	Interval time.Duration // how often a refresh pass runs
	Stagger  time.Duration // gap between slots within a pass
}

// RunMaintenance periodically refreshes idle sessions so they do not go stale
// between booking windows. Slots are refreshed one at a time with a stagger;
// busy or critical-flagged slots are skipped, never waited on. Blocks until
// ctx is done.
func (p *Pool) RunMaintenance(ctx context.Context, cfg MaintenanceConfig) {
	t := time.NewTicker(cfg.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.refreshPass(ctx, cfg.Stagger)
		}
	}
}

func (p *Pool) refreshPass(ctx context.Context, stagger time.Duration) {
	for i, s := range p.snapshotSlots() {
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(stagger):
			}
		}
		p.refreshSlot(ctx, s)
	}
}

func (p *Pool) refreshSlot(ctx context.Context, s *Slot) {
	p.mu.Lock()
	if s.busy || s.critical || s.maintaining || s.Session == nil {
		p.mu.Unlock()
		return
	}
	s.maintaining = true
	sess := s.Session
	p.mu.Unlock()

	refreshCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err := sess.Refresh(refreshCtx)
	cancel()

	p.mu.Lock()
	s.maintaining = false
	if err != nil && s.Health == HealthHealthy {
		s.Health = HealthDegraded
	}
	p.mu.Unlock()
	if err != nil {
		p.log.Warn("session refresh failed", "worker", s.ID, "court", s.Court, "error", err)
	}
}
