package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/courtsched/internal/db"
	"github.com/example/courtsched/internal/pool"
	"github.com/example/courtsched/internal/queue"
	"github.com/example/courtsched/internal/recovery"
)

type fakeQueue struct {
	reqs       map[string]queue.Request
	enqueueErr error
	cancelled  []string
}

func (f *fakeQueue) Enqueue(_ context.Context, sub queue.Submission) (queue.Request, error) {
	if f.enqueueErr != nil {
		return queue.Request{}, f.enqueueErr
	}
	date, _ := time.Parse("2006-01-02", sub.TargetDate)
	r := queue.Request{
		ID:         "req-new",
		Owner:      sub.Owner,
		TargetDate: date,
		TargetTime: sub.TargetTime,
		CourtPrefs: sub.CourtPrefs,
		Tier:       sub.Tier,
		Status:     queue.StatusPending,
		CreatedAt:  time.Now(),
	}
	f.reqs[r.ID] = r
	return r, nil
}

func (f *fakeQueue) Get(_ context.Context, id string) (queue.Request, error) {
	r, ok := f.reqs[id]
	if !ok {
		return queue.Request{}, fmt.Errorf("request %s: %w", id, db.ErrNotFound)
	}
	return r, nil
}

func (f *fakeQueue) ListForOwner(_ context.Context, ownerID string) ([]queue.Request, error) {
	var out []queue.Request
	for _, r := range f.reqs {
		if r.Owner.ID == ownerID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeQueue) RequestCancellation(_ context.Context, id, callerOwner string, admin bool) (bool, error) {
	r, ok := f.reqs[id]
	if !ok {
		return false, nil
	}
	if r.Owner.ID != callerOwner && !admin {
		return false, nil
	}
	f.cancelled = append(f.cancelled, id)
	return true, nil
}

type stubSession struct{}

func (stubSession) Ready(ctx context.Context) error                          { return nil }
func (stubSession) Refresh(ctx context.Context) error                        { return nil }
func (stubSession) VerifyConfirmation(ctx context.Context, ref string) error { return nil }
func (stubSession) Close(ctx context.Context) error                          { return nil }

func newTestServer(t *testing.T) (*Server, *fakeQueue) {
	t.Helper()
	p, err := pool.New(context.Background(), []int{1, 2}, func(ctx context.Context, court int) (pool.Session, error) {
		return stubSession{}, nil
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	q := &fakeQueue{reqs: map[string]queue.Request{}}
	s := &Server{
		Queue:    q,
		Pool:     p,
		Recovery: recovery.NewService(p, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil))),
		IsAdmin:  func(owner string) bool { return owner == "admin-1" },
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return s, q
}

func do(t *testing.T, s *Server, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != "" {
		req.Header.Set(echoContentType, "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	return rec
}

const echoContentType = "Content-Type"

func TestSubmitCreatesRequest(t *testing.T) {
	s, q := newTestServer(t)
	body := `{"owner_id":"owner-1","target_date":"2026-09-01","target_time":"18:00","court_prefs":[2,1]}`

	rec := do(t, s, http.MethodPost, "/requests", body, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status: got %d, want 201 (%s)", rec.Code, rec.Body)
	}

	var view struct {
		ID   string `json:"id"`
		Tier string `json:"tier"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Tier != "standard" {
		t.Errorf("tier default: got %q, want standard", view.Tier)
	}
	if _, ok := q.reqs[view.ID]; !ok {
		t.Error("request not stored")
	}
}

func TestSubmitValidationErrorIs400(t *testing.T) {
	s, q := newTestServer(t)
	q.enqueueErr = &queue.ValidationError{Field: "court_prefs", Reason: "empty"}

	rec := do(t, s, http.MethodPost, "/requests", `{"owner_id":"owner-1"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", rec.Code)
	}
}

func TestGetUnknownRequestIs404(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/requests/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: got %d, want 404", rec.Code)
	}
}

func TestListRequiresOwner(t *testing.T) {
	s, _ := newTestServer(t)
	if rec := do(t, s, http.MethodGet, "/requests", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/requests?owner=owner-1", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
}

func TestCancelAuthorization(t *testing.T) {
	s, q := newTestServer(t)
	q.reqs["req-1"] = queue.Request{ID: "req-1", Owner: queue.Owner{ID: "owner-1"}, Status: queue.StatusPending}

	// no header
	if rec := do(t, s, http.MethodDelete, "/requests/req-1", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing header: got %d, want 400", rec.Code)
	}
	// wrong owner
	rec := do(t, s, http.MethodDelete, "/requests/req-1", "", map[string]string{"X-Owner-ID": "owner-2"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("wrong owner: got %d, want 404", rec.Code)
	}
	// admin override
	rec = do(t, s, http.MethodDelete, "/requests/req-1", "", map[string]string{"X-Owner-ID": "admin-1"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("admin: got %d, want 202", rec.Code)
	}
	if len(q.cancelled) != 1 || q.cancelled[0] != "req-1" {
		t.Errorf("cancelled: got %v", q.cancelled)
	}
}

func TestPoolStatus(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/pool", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	var body struct {
		Workers map[string]string `json:"workers"`
		Courts  []int             `json:"courts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Workers) != 2 || len(body.Courts) != 2 {
		t.Errorf("snapshot: got %d workers, %d courts, want 2/2", len(body.Workers), len(body.Courts))
	}
}
