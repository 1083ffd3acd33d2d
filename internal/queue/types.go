package queue

import (
	"fmt"
	"strings"
	"time"
)

// Tier is the priority class governing allocation order.
type Tier string

const (
	TierAdmin    Tier = "admin"
	TierElevated Tier = "elevated"
	TierStandard Tier = "standard"
)

// Rank orders tiers for sorting; lower ranks allocate first.
func (t Tier) Rank() int {
	switch t {
	case TierAdmin:
		return 0
	case TierElevated:
		return 1
	case TierStandard:
		return 2
	default:
		return 3
	}
}

func (t Tier) Valid() bool {
	return t == TierAdmin || t == TierElevated || t == TierStandard
}

// Outranks reports whether t is strictly higher priority than other.
func (t Tier) Outranks(other Tier) bool {
	return t.Rank() < other.Rank()
}

// Owner identifies a user and the channel outcomes are delivered to.
type Owner struct {
	ID      string
	Channel string
}

// Request is one user's desire to acquire a court slot.
type Request struct {
	ID              string
	Owner           Owner
	TargetDate      time.Time // date component only
	TargetTime      string    // HH:MM
	CourtPrefs      []int     // ordered, never empty
	Tier            Tier
	Status          Status
	SlotStartAt     time.Time
	OpenAt          time.Time // SlotStartAt minus the booking window
	AttemptCount    int
	LastError       *string
	ConfirmationRef *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SlotKey groups requests competing for the same slot.
func (r Request) SlotKey() string {
	return r.TargetDate.Format("2006-01-02") + "T" + r.TargetTime
}

// SlotStart computes the slot start instant in loc from the date/time pair.
func SlotStart(date time.Time, hhmm string, loc *time.Location) (time.Time, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid target time %q (want HH:MM)", hhmm)
	}
	return time.Date(date.Year(), date.Month(), date.Day(), t.Hour(), t.Minute(), 0, 0, loc), nil
}

func joinCourts(courts []int) string {
	parts := make([]string, 0, len(courts))
	for _, c := range courts {
		parts = append(parts, fmt.Sprintf("%d", c))
	}
	return strings.Join(parts, ",")
}

func parseCourts(s string) []int {
	var out []int
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(p, "%d", &n); err == nil {
			out = append(out, n)
		}
	}
	return out
}

// Outcome is one row of the terminal-outcome history.
type Outcome struct {
	RequestID  string
	OwnerID    string
	Status     Status
	Detail     string
	RecordedAt time.Time
}
