package queue

import (
	"errors"
	"testing"
)

var allStatuses = []Status{
	StatusPending, StatusScheduled, StatusConfirmed,
	StatusWaitlisted, StatusFailed, StatusCancelled, StatusCompleted,
}

func TestValidTransitions(t *testing.T) {
	valid := []struct{ from, to Status }{
		{StatusPending, StatusScheduled},
		{StatusScheduled, StatusConfirmed},
		{StatusScheduled, StatusWaitlisted},
		{StatusScheduled, StatusFailed},
		{StatusWaitlisted, StatusScheduled},
		{StatusConfirmed, StatusCompleted},
		{StatusFailed, StatusCompleted},
		{StatusPending, StatusCancelled},
		{StatusScheduled, StatusCancelled},
		{StatusWaitlisted, StatusCancelled},
		{StatusConfirmed, StatusCancelled},
		{StatusFailed, StatusCancelled},
	}
	for _, tc := range valid {
		if err := ValidateTransition(tc.from, tc.to); err != nil {
			t.Errorf("%s -> %s: unexpected error %v", tc.from, tc.to, err)
		}
	}
}

// State machine closure: every edge not explicitly listed is rejected.
func TestInvalidTransitionsRejected(t *testing.T) {
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			err := ValidateTransition(from, to)
			if validTransitions[from][to] {
				continue
			}
			if err == nil {
				t.Errorf("%s -> %s: expected rejection", from, to)
				continue
			}
			var ite *InvalidTransitionError
			if !errors.As(err, &ite) {
				t.Errorf("%s -> %s: wrong error type %T", from, to, err)
			}
		}
	}
}

func TestTerminalStatesHaveNoOutgoingEdges(t *testing.T) {
	for _, from := range []Status{StatusCancelled, StatusCompleted} {
		for _, to := range allStatuses {
			if err := ValidateTransition(from, to); err == nil {
				t.Errorf("terminal %s has outgoing edge to %s", from, to)
			}
		}
	}
}

func TestTerminal(t *testing.T) {
	if !StatusCancelled.Terminal() || !StatusCompleted.Terminal() {
		t.Error("cancelled and completed must be terminal")
	}
	for _, s := range []Status{StatusPending, StatusScheduled, StatusConfirmed, StatusWaitlisted, StatusFailed} {
		if s.Terminal() {
			t.Errorf("%s must not be terminal", s)
		}
	}
}

func TestTierRankOrdering(t *testing.T) {
	if !TierAdmin.Outranks(TierElevated) || !TierElevated.Outranks(TierStandard) {
		t.Error("tier ranking broken")
	}
	if TierStandard.Outranks(TierStandard) {
		t.Error("a tier must not outrank itself")
	}
}
