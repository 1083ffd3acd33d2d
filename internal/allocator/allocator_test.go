package allocator

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/example/courtsched/internal/queue"
)

var baseTime = time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

func req(id string, tier queue.Tier, createdOffset time.Duration, prefs ...int) queue.Request {
	if len(prefs) == 0 {
		prefs = []int{1, 2, 3}
	}
	return queue.Request{
		ID:         id,
		Tier:       tier,
		CreatedAt:  baseTime.Add(createdOffset),
		CourtPrefs: prefs,
		Status:     queue.StatusScheduled,
	}
}

func TestComputeFCFSWithinTier(t *testing.T) {
	reqs := []queue.Request{
		req("C", queue.TierStandard, 3*time.Minute),
		req("A", queue.TierStandard, 1*time.Minute),
		req("B", queue.TierStandard, 2*time.Minute),
	}
	plan := Compute(reqs, []int{1, 2})

	got := plan.ConfirmedIDs()
	if len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Fatalf("confirmed: got %v, want [A B]", got)
	}
	if len(plan.Waitlisted) != 1 || plan.Waitlisted[0].ID != "C" {
		t.Fatalf("waitlisted: got %v, want [C]", plan.Waitlisted)
	}
}

func TestComputeTierOrdering(t *testing.T) {
	// Earlier created_at never beats a higher tier.
	reqs := []queue.Request{
		req("std-early", queue.TierStandard, 0),
		req("adm-late", queue.TierAdmin, 60*time.Minute),
		req("elev-mid", queue.TierElevated, 30*time.Minute),
	}
	plan := Compute(reqs, []int{1, 2, 3})

	got := plan.ConfirmedIDs()
	want := []string{"adm-late", "elev-mid", "std-early"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("confirmed order: got %v, want %v", got, want)
		}
	}
}

// Property: confirmed output is non-decreasing in (tier rank, created_at, id)
// and never exceeds the worker count, for arbitrary inputs.
func TestComputeOrderingProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	tiers := []queue.Tier{queue.TierAdmin, queue.TierElevated, queue.TierStandard}

	for trial := 0; trial < 200; trial++ {
		n := rng.Intn(12)
		var reqs []queue.Request
		for i := 0; i < n; i++ {
			reqs = append(reqs, req(
				fmt.Sprintf("r%02d", i),
				tiers[rng.Intn(3)],
				time.Duration(rng.Intn(5))*time.Minute, // deliberate created_at ties
			))
		}
		workerCount := 1 + rng.Intn(4)
		courts := make([]int, workerCount)
		for i := range courts {
			courts[i] = i + 1
		}
		// everyone accepts every court in this trial
		for i := range reqs {
			reqs[i].CourtPrefs = courts
		}

		plan := Compute(reqs, courts)

		if len(plan.Confirmed) > workerCount {
			t.Fatalf("trial %d: over-allocated %d > %d", trial, len(plan.Confirmed), workerCount)
		}
		for i := 1; i < len(plan.Confirmed); i++ {
			a, b := plan.Confirmed[i-1].Request, plan.Confirmed[i].Request
			if Less(b, a) {
				t.Fatalf("trial %d: confirmed not ordered at %d: %s before %s", trial, i, a.ID, b.ID)
			}
		}
	}
}

func TestComputeTieBreakByID(t *testing.T) {
	reqs := []queue.Request{
		req("bbb", queue.TierStandard, 0),
		req("aaa", queue.TierStandard, 0),
	}
	plan := Compute(reqs, []int{1})
	if plan.Confirmed[0].Request.ID != "aaa" {
		t.Fatalf("tie-break: got %s, want aaa", plan.Confirmed[0].Request.ID)
	}
}

func TestComputeAssignsFirstFreePreference(t *testing.T) {
	reqs := []queue.Request{
		req("first", queue.TierStandard, 0, 2, 1),
		req("second", queue.TierStandard, time.Minute, 2, 3),
	}
	plan := Compute(reqs, []int{1, 2, 3})

	if plan.Confirmed[0].Court != 2 {
		t.Errorf("first: got court %d, want 2", plan.Confirmed[0].Court)
	}
	// court 2 taken, falls through to its next preference
	if plan.Confirmed[1].Court != 3 {
		t.Errorf("second: got court %d, want 3", plan.Confirmed[1].Court)
	}
}

func TestComputeWaitlistsWhenPreferencesTaken(t *testing.T) {
	reqs := []queue.Request{
		req("holder", queue.TierAdmin, 0, 1),
		req("blocked", queue.TierStandard, time.Minute, 1), // only wants court 1
	}
	plan := Compute(reqs, []int{1, 2})

	if len(plan.Confirmed) != 1 {
		t.Fatalf("confirmed: got %d, want 1", len(plan.Confirmed))
	}
	if len(plan.Waitlisted) != 1 || plan.Waitlisted[0].ID != "blocked" {
		t.Fatalf("waitlisted: got %v, want [blocked]", plan.Waitlisted)
	}
}

// Three workers, five standard requests A..E in creation order.
func TestScenarioFiveStandardThreeWorkers(t *testing.T) {
	var reqs []queue.Request
	for i, id := range []string{"A", "B", "C", "D", "E"} {
		reqs = append(reqs, req(id, queue.TierStandard, time.Duration(i)*time.Minute))
	}
	plan := Compute(reqs, []int{1, 2, 3})

	got := plan.ConfirmedIDs()
	if fmt.Sprint(got) != "[A B C]" {
		t.Fatalf("confirmed: got %v, want [A B C]", got)
	}
	if len(plan.Waitlisted) != 2 || plan.Waitlisted[0].ID != "D" || plan.Waitlisted[1].ID != "E" {
		t.Fatalf("waitlisted: got %v, want [D E]", plan.Waitlisted)
	}
}

// Same, then admin F arrives before dispatch: C (latest created among
// confirmed) is bumped and retains priority over D and E on the waitlist.
func TestScenarioLateAdminBumpsLatestConfirmed(t *testing.T) {
	var reqs []queue.Request
	for i, id := range []string{"A", "B", "C", "D", "E"} {
		reqs = append(reqs, req(id, queue.TierStandard, time.Duration(i)*time.Minute))
	}
	courts := []int{1, 2, 3}
	plan := Compute(reqs, courts)

	f := req("F", queue.TierAdmin, 10*time.Minute)
	plan = HandleLateArrival(f, plan, courts)

	got := plan.ConfirmedIDs()
	if fmt.Sprint(got) != "[F A B]" {
		t.Fatalf("confirmed: got %v, want [F A B]", got)
	}
	if len(plan.Bumped) != 1 || plan.Bumped[0].ID != "C" {
		t.Fatalf("bumped: got %v, want [C]", plan.Bumped)
	}
	wl := make([]string, 0, len(plan.Waitlisted))
	for _, r := range plan.Waitlisted {
		wl = append(wl, r.ID)
	}
	if fmt.Sprint(wl) != "[C D E]" {
		t.Fatalf("waitlisted: got %v, want [C D E]", wl)
	}
}

func TestScenarioElevatedBumpsOnlyStandard(t *testing.T) {
	reqs := []queue.Request{
		req("adm", queue.TierAdmin, 0),
		req("std1", queue.TierStandard, time.Minute),
		req("std2", queue.TierStandard, 2*time.Minute),
	}
	courts := []int{1, 2, 3}
	plan := Compute(reqs, courts)

	late := req("elev", queue.TierElevated, 30*time.Minute)
	plan = HandleLateArrival(late, plan, courts)

	if len(plan.Bumped) != 1 || plan.Bumped[0].ID != "std2" {
		t.Fatalf("bumped: got %v, want [std2]", plan.Bumped)
	}
	got := plan.ConfirmedIDs()
	if fmt.Sprint(got) != "[adm elev std1]" {
		t.Fatalf("confirmed: got %v, want [adm elev std1]", got)
	}
}

func TestLateArrivalWithFreeCapacityBumpsNobody(t *testing.T) {
	reqs := []queue.Request{
		req("A", queue.TierStandard, 0),
	}
	courts := []int{1, 2}
	plan := Compute(reqs, courts)

	late := req("B", queue.TierElevated, time.Minute)
	plan = HandleLateArrival(late, plan, courts)

	if len(plan.Bumped) != 0 {
		t.Fatalf("bumped: got %v, want none", plan.Bumped)
	}
	if len(plan.Confirmed) != 2 {
		t.Fatalf("confirmed: got %d, want 2", len(plan.Confirmed))
	}
}

func TestLateArrivalLowerTierJoinsWaitlist(t *testing.T) {
	reqs := []queue.Request{
		req("A", queue.TierElevated, 0),
	}
	courts := []int{1}
	plan := Compute(reqs, courts)

	late := req("B", queue.TierStandard, time.Minute)
	plan = HandleLateArrival(late, plan, courts)

	if len(plan.Bumped) != 0 {
		t.Fatalf("bumped: got %v, want none", plan.Bumped)
	}
	if len(plan.Waitlisted) != 1 || plan.Waitlisted[0].ID != "B" {
		t.Fatalf("waitlisted: got %v, want [B]", plan.Waitlisted)
	}
}
