package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"
)

type fakeSession struct {
	mu         sync.Mutex
	readyErr   error
	refreshErr error
	refreshes  int
	closed     bool
}

func (f *fakeSession) Ready(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readyErr
}

func (f *fakeSession) Refresh(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return f.refreshErr
}

func (f *fakeSession) VerifyConfirmation(ctx context.Context, ref string) error { return nil }

func (f *fakeSession) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPool(t *testing.T, courts ...int) *Pool {
	t.Helper()
	if len(courts) == 0 {
		courts = []int{1, 2, 3}
	}
	p, err := New(context.Background(), courts, func(ctx context.Context, court int) (Session, error) {
		return &fakeSession{}, nil
	}, testLogger())
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	return p
}

func TestAcquireRelease(t *testing.T) {
	p := newTestPool(t)

	slot, err := p.Acquire(2)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if slot.Court != 2 {
		t.Errorf("court: got %d, want 2", slot.Court)
	}

	if _, err := p.Acquire(2); !errors.Is(err, ErrBusy) {
		t.Errorf("second acquire: got %v, want ErrBusy", err)
	}

	p.Release(slot.ID)
	if _, err := p.Acquire(2); err != nil {
		t.Errorf("acquire after release: %v", err)
	}
}

func TestAcquireUnboundCourt(t *testing.T) {
	p := newTestPool(t)
	if _, err := p.Acquire(9); !errors.Is(err, ErrUnavailable) {
		t.Errorf("got %v, want ErrUnavailable", err)
	}
}

func TestAcquireUnhealthySlot(t *testing.T) {
	p := newTestPool(t, 1)
	snap := p.HealthSnapshot()
	for id := range snap {
		p.MarkHealth(id, HealthCritical)
	}
	if _, err := p.Acquire(1); !errors.Is(err, ErrUnavailable) {
		t.Errorf("got %v, want ErrUnavailable", err)
	}
}

func TestCriticalFlagBlocksAcquire(t *testing.T) {
	p := newTestPool(t, 1)
	slot, err := p.Acquire(1)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := p.MarkCritical(slot.ID, true); err != nil {
		t.Fatalf("mark critical: %v", err)
	}
	p.Release(slot.ID) // release clears busy AND the critical flag

	if p.IsCritical(slot.ID) {
		t.Error("release must clear the critical flag")
	}

	if err := p.MarkCritical(slot.ID, true); err != nil {
		t.Fatalf("re-flag: %v", err)
	}
	// busy is false but the flag holds the slot
	if _, err := p.Acquire(1); !errors.Is(err, ErrUnavailable) {
		t.Errorf("acquire of flagged slot: got %v, want ErrUnavailable", err)
	}
	if err := p.MarkCritical(slot.ID, false); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := p.Acquire(1); err != nil {
		t.Errorf("acquire after clear: %v", err)
	}
}

func TestRecreateRefusesCriticalSlot(t *testing.T) {
	p := newTestPool(t, 1)
	slot, _ := p.Acquire(1)
	if err := p.MarkCritical(slot.ID, true); err != nil {
		t.Fatalf("mark critical: %v", err)
	}
	if err := p.RecreateSlot(context.Background(), slot.ID); err == nil {
		t.Error("recreate must refuse a critical-flagged slot")
	}
}

func TestRecreateSlotReplacesSession(t *testing.T) {
	ctx := context.Background()
	var created int
	p, err := New(ctx, []int{1}, func(ctx context.Context, court int) (Session, error) {
		created++
		return &fakeSession{}, nil
	}, testLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	var id string
	for wid := range p.HealthSnapshot() {
		id = wid
	}
	p.MarkHealth(id, HealthFailed)

	if err := p.RecreateSlot(ctx, id); err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if created != 2 {
		t.Errorf("sessions created: got %d, want 2", created)
	}
	if h := p.HealthSnapshot()[id]; h != HealthHealthy {
		t.Errorf("health after recreate: got %s, want healthy", h)
	}
}

func TestRecreateFailureMarksFailed(t *testing.T) {
	ctx := context.Background()
	fail := false
	p, err := New(ctx, []int{1}, func(ctx context.Context, court int) (Session, error) {
		if fail {
			return nil, fmt.Errorf("surface down")
		}
		return &fakeSession{}, nil
	}, testLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	var id string
	for wid := range p.HealthSnapshot() {
		id = wid
	}
	fail = true
	if err := p.RecreateSlot(ctx, id); err == nil {
		t.Fatal("expected recreate error")
	}
	if h := p.HealthSnapshot()[id]; h != HealthFailed {
		t.Errorf("health: got %s, want failed", h)
	}
	if _, err := p.Acquire(1); !errors.Is(err, ErrUnavailable) {
		t.Errorf("acquire of failed slot: got %v, want ErrUnavailable", err)
	}
}

func TestCheckHealthDegradesThenCritical(t *testing.T) {
	ctx := context.Background()
	sess := &fakeSession{}
	p, err := New(ctx, []int{1}, func(ctx context.Context, court int) (Session, error) {
		return sess, nil
	}, testLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	var id string
	for wid := range p.HealthSnapshot() {
		id = wid
	}

	sess.mu.Lock()
	sess.readyErr = fmt.Errorf("timeout")
	sess.mu.Unlock()

	p.CheckHealth(ctx)
	if h := p.HealthSnapshot()[id]; h != HealthDegraded {
		t.Fatalf("after one failure: got %s, want degraded", h)
	}
	p.CheckHealth(ctx)
	if h := p.HealthSnapshot()[id]; h != HealthCritical {
		t.Fatalf("after two failures: got %s, want critical", h)
	}

	sess.mu.Lock()
	sess.readyErr = nil
	sess.mu.Unlock()
	p.CheckHealth(ctx)
	if h := p.HealthSnapshot()[id]; h != HealthHealthy {
		t.Fatalf("after recovery: got %s, want healthy", h)
	}
}

func TestMaintenanceSkipsBusyAndCritical(t *testing.T) {
	ctx := context.Background()
	sessions := map[int]*fakeSession{}
	p, err := New(ctx, []int{1, 2}, func(ctx context.Context, court int) (Session, error) {
		s := &fakeSession{}
		sessions[court] = s
		return s, nil
	}, testLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	slot, err := p.Acquire(1)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := p.MarkCritical(slot.ID, true); err != nil {
		t.Fatalf("mark critical: %v", err)
	}

	p.refreshPass(ctx, 0)

	if sessions[1].refreshes != 0 {
		t.Error("maintenance refreshed a critical-flagged slot")
	}
	if sessions[2].refreshes != 1 {
		t.Errorf("idle slot refreshes: got %d, want 1", sessions[2].refreshes)
	}
}

func TestMarkCriticalFailsDuringMaintenance(t *testing.T) {
	p := newTestPool(t, 1)
	slot := p.snapshotSlots()[0]

	p.mu.Lock()
	slot.maintaining = true
	p.mu.Unlock()

	if err := p.MarkCritical(slot.ID, true); err == nil {
		t.Error("mark critical must fail while maintenance holds the slot")
	}
}

func TestEmergencySlotOutsidePool(t *testing.T) {
	p := newTestPool(t, 1)
	slot, err := p.EmergencySlot(context.Background(), 1)
	if err != nil {
		t.Fatalf("emergency: %v", err)
	}
	if _, tracked := p.HealthSnapshot()[slot.ID]; tracked {
		t.Error("emergency slot must not join the pool")
	}
	if slot.Session == nil || slot.Health != HealthHealthy {
		t.Error("emergency slot not usable")
	}
}

// Property: under randomized interleavings of acquire/release, maintenance
// and critical flagging, no slot ever has two concurrent owners and
// maintenance never touches a critical or busy slot.
func TestNoConcurrentOwnersProperty(t *testing.T) {
	p := newTestPool(t, 1, 2, 3)
	ctx := context.Background()

	var ownersMu sync.Mutex
	owners := map[string]int{}

	enter := func(id string) {
		ownersMu.Lock()
		owners[id]++
		if owners[id] > 1 {
			ownersMu.Unlock()
			t.Errorf("slot %s has concurrent owners", id)
			return
		}
		ownersMu.Unlock()
	}
	leave := func(id string) {
		ownersMu.Lock()
		owners[id]--
		ownersMu.Unlock()
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 200; i++ {
				court := 1 + rng.Intn(3)
				switch rng.Intn(3) {
				case 0: // attempt path
					slot, err := p.Acquire(court)
					if err != nil {
						continue
					}
					enter(slot.ID)
					_ = p.MarkCritical(slot.ID, true)
					time.Sleep(time.Duration(rng.Intn(100)) * time.Microsecond)
					leave(slot.ID)
					p.Release(slot.ID)
				case 1: // maintenance path
					for _, s := range p.snapshotSlots() {
						p.refreshSlot(ctx, s)
					}
				case 2: // recovery path
					for id := range p.HealthSnapshot() {
						if p.IsCritical(id) {
							continue
						}
						_ = p.RecreateSlot(ctx, id)
					}
				}
			}
		}(int64(g))
	}
	wg.Wait()
}
