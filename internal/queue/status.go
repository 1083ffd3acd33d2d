package queue

import "fmt"

// Status is the lifecycle state of a request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusScheduled  Status = "scheduled"
	StatusConfirmed  Status = "confirmed"
	StatusWaitlisted Status = "waitlisted"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusCompleted  Status = "completed"
)

// validTransitions is the full edge set; anything else is a programming error.
// Every non-terminal state may be cancelled by its owner.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusScheduled: true,
		StatusCancelled: true,
	},
	StatusScheduled: {
		StatusConfirmed:  true,
		StatusWaitlisted: true,
		StatusFailed:     true,
		StatusCancelled:  true,
	},
	StatusWaitlisted: {
		StatusScheduled: true, // promoted after a confirmed peer fails
		StatusCancelled: true,
	},
	StatusConfirmed: {
		StatusCompleted: true,
		StatusCancelled: true,
	},
	StatusFailed: {
		StatusCompleted: true,
		StatusCancelled: true,
	},
}

var terminalStatuses = map[Status]bool{
	StatusCancelled: true,
	StatusCompleted: true,
}

// recordedStatuses are the transitions written to the outcome history.
var recordedStatuses = map[Status]bool{
	StatusConfirmed: true,
	StatusFailed:    true,
	StatusCancelled: true,
}

func (s Status) Terminal() bool {
	return terminalStatuses[s]
}

// InvalidTransitionError reports an edge outside the state machine. Callers
// must treat it as a bug, never as a retryable condition.
type InvalidTransitionError struct {
	From, To Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// ValidateTransition checks the edge from -> to against the state machine.
func ValidateTransition(from, to Status) error {
	if validTransitions[from][to] {
		return nil
	}
	return &InvalidTransitionError{From: from, To: to}
}
