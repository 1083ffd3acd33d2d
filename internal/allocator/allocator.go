// Package allocator decides which requests competing for one slot get a
// worker. Three tiers, strict FCFS within a tier, deterministic tie-break on
// id so repeated passes over the same set always agree.
package allocator

import (
	"sort"

	"github.com/example/courtsched/internal/queue"
)

// Assignment binds a confirmed request to the court it will be attempted on.
type Assignment struct {
	Request queue.Request
	Court   int
}

// Plan is the ephemeral result of one allocation pass for a single slot key.
// It is recomputed whenever the competing set changes and never persisted.
type Plan struct {
	Confirmed  []Assignment
	Waitlisted []queue.Request
	Bumped     []queue.Request
}

// ConfirmedIDs is a convenience for tests and logging.
func (p Plan) ConfirmedIDs() []string {
	ids := make([]string, 0, len(p.Confirmed))
	for _, a := range p.Confirmed {
		ids = append(ids, a.Request.ID)
	}
	return ids
}

// Less is the single comparator everything in this package sorts by:
// tier rank, then created_at, then id.
func Less(a, b queue.Request) bool {
	if a.Tier.Rank() != b.Tier.Rank() {
		return a.Tier.Rank() < b.Tier.Rank()
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func sortRequests(reqs []queue.Request) []queue.Request {
	out := make([]queue.Request, len(reqs))
	copy(out, reqs)
	sort.SliceStable(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out
}

// Compute produces the confirmed/waitlisted split for one slot given the
// courts currently acquirable (one worker per court). Each confirmed request
// gets its first preference with remaining capacity; a request none of whose
// preferred courts are left is waitlisted and the court goes to the next in
// line.
func Compute(reqs []queue.Request, courts []int) Plan {
	free := make(map[int]bool, len(courts))
	for _, c := range courts {
		free[c] = true
	}
	remaining := len(courts)

	var plan Plan
	for _, req := range sortRequests(reqs) {
		if remaining == 0 {
			plan.Waitlisted = append(plan.Waitlisted, req)
			continue
		}
		assigned := false
		for _, c := range req.CourtPrefs {
			if free[c] {
				free[c] = false
				remaining--
				plan.Confirmed = append(plan.Confirmed, Assignment{Request: req, Court: c})
				assigned = true
				break
			}
		}
		if !assigned {
			plan.Waitlisted = append(plan.Waitlisted, req)
		}
	}
	return plan
}

// HandleLateArrival folds a request that arrived after planning into an
// existing plan. The whole competing set is re-ranked with the same
// comparator, so a higher-tier arrival displaces the lowest-priority,
// latest-created confirmed entry; everyone already dispatched this cycle is
// unaffected because the scheduler only consults the plan before dispatch.
// Bumped requests keep their original created_at, which places them ahead of
// waitlisted peers of the same tier.
func HandleLateArrival(late queue.Request, current Plan, courts []int) Plan {
	all := make([]queue.Request, 0, len(current.Confirmed)+len(current.Waitlisted)+1)
	for _, a := range current.Confirmed {
		all = append(all, a.Request)
	}
	all = append(all, current.Waitlisted...)
	all = append(all, late)

	next := Compute(all, courts)

	confirmed := make(map[string]bool, len(next.Confirmed))
	for _, a := range next.Confirmed {
		confirmed[a.Request.ID] = true
	}
	for _, a := range current.Confirmed {
		if !confirmed[a.Request.ID] {
			next.Bumped = append(next.Bumped, a.Request)
		}
	}
	return next
}
