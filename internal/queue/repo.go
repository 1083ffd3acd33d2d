package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/courtsched/internal/db"
)

// Repo is the durable reservation queue. It is the single writer of request
// status; all mutation goes through Transition/Confirm so the state machine
// holds everywhere.
type Repo struct {
	db         *db.DB
	loc        *time.Location
	window     time.Duration
	poolCourts []int
}

func NewRepo(d *db.DB, loc *time.Location, window time.Duration, poolCourts []int) *Repo {
	return &Repo{db: d, loc: loc, window: window, poolCourts: poolCourts}
}

// Submission is the raw inbound shape from the front-end boundary.
type Submission struct {
	Owner      Owner
	TargetDate string // YYYY-MM-DD
	TargetTime string // HH:MM
	CourtPrefs []int
	Tier       Tier
}

// Enqueue validates a submission, builds the request record and persists it
// as pending. Returns the stored request.
func (r *Repo) Enqueue(ctx context.Context, sub Submission) (Request, error) {
	date, err := time.ParseInLocation("2006-01-02", sub.TargetDate, r.loc)
	if err != nil {
		return Request{}, &ValidationError{Field: "target_date", Reason: "want YYYY-MM-DD"}
	}
	start, err := SlotStart(date, sub.TargetTime, r.loc)
	if err != nil {
		return Request{}, &ValidationError{Field: "target_time", Reason: "want HH:MM"}
	}

	now := time.Now().In(r.loc)
	req := Request{
		ID:          uuid.New().String(),
		Owner:       sub.Owner,
		TargetDate:  date,
		TargetTime:  sub.TargetTime,
		CourtPrefs:  sub.CourtPrefs,
		Tier:        sub.Tier,
		Status:      StatusPending,
		SlotStartAt: start,
		OpenAt:      start.Add(-r.window),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := req.Validate(now, r.poolCourts); err != nil {
		return Request{}, err
	}

	err = r.db.Exec(ctx, `
INSERT INTO reservation_requests(id,owner_id,owner_channel,target_date,target_time,court_prefs,tier,status,slot_start_at,open_at,created_at,updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)`,
		req.ID, req.Owner.ID, req.Owner.Channel, req.TargetDate, req.TargetTime,
		joinCourts(req.CourtPrefs), string(req.Tier), string(req.Status),
		req.SlotStartAt, req.OpenAt, now,
	)
	if err != nil {
		return Request{}, fmt.Errorf("enqueue: %w", err)
	}
	return req, nil
}

const requestColumns = `id,owner_id,owner_channel,target_date,target_time,court_prefs,tier,status,slot_start_at,open_at,attempt_count,last_error,confirmation_ref,created_at,updated_at`

func scanRequest(row db.Row) (Request, error) {
	var req Request
	var prefs, tier, status string
	if err := row.Scan(
		&req.ID, &req.Owner.ID, &req.Owner.Channel, &req.TargetDate, &req.TargetTime,
		&prefs, &tier, &status, &req.SlotStartAt, &req.OpenAt,
		&req.AttemptCount, &req.LastError, &req.ConfirmationRef, &req.CreatedAt, &req.UpdatedAt,
	); err != nil {
		return Request{}, err
	}
	req.CourtPrefs = parseCourts(prefs)
	req.Tier = Tier(tier)
	req.Status = Status(status)
	return req, nil
}

func (r *Repo) Get(ctx context.Context, id string) (Request, error) {
	req, err := scanRequest(r.db.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM reservation_requests WHERE id=$1`, id))
	if err != nil {
		return Request{}, db.WrapNotFound(err)
	}
	return req, nil
}

func (r *Repo) ListForOwner(ctx context.Context, ownerID string) ([]Request, error) {
	return r.queryRequests(ctx,
		`SELECT `+requestColumns+` FROM reservation_requests WHERE owner_id=$1 ORDER BY created_at DESC`,
		ownerID)
}

// FindReady returns requests whose opening instant, less the scheduler lead,
// has arrived and whose slot has not yet started. Ordered for deterministic
// allocation: tier rank, then created_at, then id.
func (r *Repo) FindReady(ctx context.Context, now time.Time, lead time.Duration) ([]Request, error) {
	return r.queryRequests(ctx, `
SELECT `+requestColumns+`
FROM reservation_requests
WHERE status IN ('pending','scheduled')
  AND open_at <= $1
  AND slot_start_at > $2
ORDER BY CASE tier WHEN 'admin' THEN 0 WHEN 'elevated' THEN 1 ELSE 2 END, created_at ASC, id ASC`,
		now.Add(lead), now)
}

// WaitlistedForSlot returns the waitlist for one slot in allocation order.
func (r *Repo) WaitlistedForSlot(ctx context.Context, date time.Time, hhmm string) ([]Request, error) {
	return r.queryRequests(ctx, `
SELECT `+requestColumns+`
FROM reservation_requests
WHERE status='waitlisted' AND target_date=$1 AND target_time=$2
ORDER BY CASE tier WHEN 'admin' THEN 0 WHEN 'elevated' THEN 1 ELSE 2 END, created_at ASC, id ASC`,
		date, hhmm)
}

func (r *Repo) queryRequests(ctx context.Context, sql string, args ...any) ([]Request, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// Transition moves a request along the state machine, durably, inside one
// transaction. Terminal-ish statuses (confirmed/failed/cancelled) also append
// to the outcome history. An edge outside the machine returns
// *InvalidTransitionError and leaves the row unchanged.
func (r *Repo) Transition(ctx context.Context, id string, to Status, detail string) error {
	return r.db.InTx(ctx, func(tx db.Tx) error {
		var from Status
		var ownerID string
		if err := tx.QueryRow(ctx,
			`SELECT status, owner_id FROM reservation_requests WHERE id=$1 FOR UPDATE`, id,
		).Scan(&from, &ownerID); err != nil {
			return db.WrapNotFound(err)
		}
		if err := ValidateTransition(from, to); err != nil {
			return err
		}

		switch to {
		case StatusFailed:
			if err := tx.Exec(ctx,
				`UPDATE reservation_requests SET status=$2, last_error=$3, cancel_requested=FALSE, updated_at=now() WHERE id=$1`,
				id, string(to), detail); err != nil {
				return err
			}
		default:
			if err := tx.Exec(ctx,
				`UPDATE reservation_requests SET status=$2, updated_at=now() WHERE id=$1`,
				id, string(to)); err != nil {
				return err
			}
		}

		if recordedStatuses[to] {
			return tx.Exec(ctx,
				`INSERT INTO reservation_outcomes(request_id, owner_id, status, detail) VALUES ($1,$2,$3,$4)`,
				id, ownerID, string(to), detail)
		}
		return nil
	})
}

// Confirm is Transition(scheduled -> confirmed) plus the confirmation
// reference from the successful attempt.
func (r *Repo) Confirm(ctx context.Context, id, confirmationRef string) error {
	return r.db.InTx(ctx, func(tx db.Tx) error {
		var from Status
		var ownerID string
		if err := tx.QueryRow(ctx,
			`SELECT status, owner_id FROM reservation_requests WHERE id=$1 FOR UPDATE`, id,
		).Scan(&from, &ownerID); err != nil {
			return db.WrapNotFound(err)
		}
		if err := ValidateTransition(from, StatusConfirmed); err != nil {
			return err
		}
		if err := tx.Exec(ctx,
			`UPDATE reservation_requests SET status=$2, confirmation_ref=$3, last_error=NULL, updated_at=now() WHERE id=$1`,
			id, string(StatusConfirmed), confirmationRef); err != nil {
			return err
		}
		return tx.Exec(ctx,
			`INSERT INTO reservation_outcomes(request_id, owner_id, status, detail) VALUES ($1,$2,$3,$4)`,
			id, ownerID, string(StatusConfirmed), confirmationRef)
	})
}

// RecordAttempts bumps the attempt counter after an executor run.
func (r *Repo) RecordAttempts(ctx context.Context, id string, tries int, lastErr *string) error {
	return r.db.Exec(ctx,
		`UPDATE reservation_requests SET attempt_count=attempt_count+$2, last_error=COALESCE($3,last_error), updated_at=now() WHERE id=$1`,
		id, tries, lastErr)
}

// RequestCancellation flags a request for cancellation. The scheduler applies
// flags at the start of its next cycle; a cycle in progress is never
// interrupted. Returns false when the request is unknown, terminal, or owned
// by someone else (and the caller is not an admin).
func (r *Repo) RequestCancellation(ctx context.Context, id, callerOwner string, admin bool) (bool, error) {
	req, err := r.Get(ctx, id)
	if err != nil {
		if db.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if req.Status.Terminal() {
		return false, nil
	}
	if req.Owner.ID != callerOwner && !admin {
		return false, nil
	}
	err = r.db.Exec(ctx,
		`UPDATE reservation_requests SET cancel_requested=TRUE, updated_at=now() WHERE id=$1`, id)
	return err == nil, err
}

// CompletablePast returns confirmed or failed requests whose slot has already
// started. The scheduler closes them out as completed; until the slot starts
// they stay cancellable.
func (r *Repo) CompletablePast(ctx context.Context, now time.Time) ([]Request, error) {
	return r.queryRequests(ctx, `
SELECT `+requestColumns+`
FROM reservation_requests
WHERE status IN ('confirmed','failed') AND slot_start_at <= $1
ORDER BY slot_start_at ASC`, now)
}

// PendingCancellations returns non-terminal requests flagged for cancellation.
func (r *Repo) PendingCancellations(ctx context.Context) ([]Request, error) {
	return r.queryRequests(ctx, `
SELECT `+requestColumns+`
FROM reservation_requests
WHERE cancel_requested AND status NOT IN ('cancelled','completed')
ORDER BY created_at ASC`)
}

// OutcomesForOwner reads the terminal-outcome history for one owner.
func (r *Repo) OutcomesForOwner(ctx context.Context, ownerID string) ([]Outcome, error) {
	rows, err := r.db.Query(ctx, `
SELECT request_id, owner_id, status, detail, recorded_at
FROM reservation_outcomes
WHERE owner_id=$1
ORDER BY recorded_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var o Outcome
		var status string
		if err := rows.Scan(&o.RequestID, &o.OwnerID, &status, &o.Detail, &o.RecordedAt); err != nil {
			return nil, err
		}
		o.Status = Status(status)
		out = append(out, o)
	}
	return out, rows.Err()
}

// PoolCourts exposes the courts the repo validates preferences against.
func (r *Repo) PoolCourts() []int { return r.poolCourts }
