package queue

import (
	"fmt"
	"time"
)

// ValidationError rejects a malformed request at submission; it never enters
// the queue.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validate checks a request against the courts the worker pool is bound to.
// Unsatisfiable court preferences are rejected here, not at allocation time.
func (r Request) Validate(now time.Time, poolCourts []int) error {
	if r.Owner.ID == "" {
		return &ValidationError{Field: "owner", Reason: "required"}
	}
	if !r.Tier.Valid() {
		return &ValidationError{Field: "tier", Reason: fmt.Sprintf("unknown tier %q", r.Tier)}
	}
	if len(r.CourtPrefs) == 0 {
		return &ValidationError{Field: "court_prefs", Reason: "at least one court required"}
	}
	bound := make(map[int]bool, len(poolCourts))
	for _, c := range poolCourts {
		bound[c] = true
	}
	satisfiable := false
	for _, c := range r.CourtPrefs {
		if c < 1 {
			return &ValidationError{Field: "court_prefs", Reason: fmt.Sprintf("invalid court %d", c)}
		}
		if bound[c] {
			satisfiable = true
		}
	}
	if !satisfiable {
		return &ValidationError{Field: "court_prefs", Reason: "no requested court is served by the pool"}
	}
	if r.TargetDate.IsZero() {
		return &ValidationError{Field: "target_date", Reason: "required"}
	}
	if r.SlotStartAt.IsZero() {
		return &ValidationError{Field: "target_time", Reason: "required"}
	}
	if !r.SlotStartAt.After(now) {
		return &ValidationError{Field: "target_time", Reason: "slot start is in the past"}
	}
	return nil
}
