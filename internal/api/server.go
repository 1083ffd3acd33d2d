// Package api is the inbound boundary for the front-end collaborator: submit,
// cancel and list reservation requests over JSON.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/example/courtsched/internal/db"
	"github.com/example/courtsched/internal/pool"
	"github.com/example/courtsched/internal/queue"
	"github.com/example/courtsched/internal/recovery"
)

// Queue is the slice of the reservation queue the API needs; the pgx repo
// satisfies it.
type Queue interface {
	Enqueue(ctx context.Context, sub queue.Submission) (queue.Request, error)
	Get(ctx context.Context, id string) (queue.Request, error)
	ListForOwner(ctx context.Context, ownerID string) ([]queue.Request, error)
	RequestCancellation(ctx context.Context, id, callerOwner string, admin bool) (bool, error)
}

type Server struct {
	Queue    Queue
	Pool     *pool.Pool
	Recovery *recovery.Service
	IsAdmin  func(owner string) bool
	Log      *slog.Logger
}

func (s *Server) Routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	e.GET("/healthz", s.health)
	e.GET("/pool", s.poolStatus)
	e.POST("/requests", s.submit)
	e.GET("/requests", s.list)
	e.GET("/requests/:id", s.get)
	e.DELETE("/requests/:id", s.cancel)

	return e
}

// Start runs the server until ctx is done.
func (s *Server) Start(ctx context.Context, addr string) error {
	e := s.Routes()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(shutdownCtx)
	}()
	if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) health(c echo.Context) error {
	return c.String(http.StatusOK, "ok\n")
}

func (s *Server) poolStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"workers":    s.Pool.HealthSnapshot(),
		"courts":     s.Pool.Courts(),
		"recoveries": s.Recovery.Stats(),
	})
}

type submitRequest struct {
	OwnerID      string `json:"owner_id"`
	OwnerChannel string `json:"owner_channel"`
	TargetDate   string `json:"target_date"` // YYYY-MM-DD
	TargetTime   string `json:"target_time"` // HH:MM
	CourtPrefs   []int  `json:"court_prefs"`
	Tier         string `json:"tier"`
}

type requestView struct {
	ID              string    `json:"id"`
	OwnerID         string    `json:"owner_id"`
	TargetDate      string    `json:"target_date"`
	TargetTime      string    `json:"target_time"`
	CourtPrefs      []int     `json:"court_prefs"`
	Tier            string    `json:"tier"`
	Status          string    `json:"status"`
	OpenAt          time.Time `json:"open_at"`
	AttemptCount    int       `json:"attempt_count"`
	LastError       *string   `json:"last_error,omitempty"`
	ConfirmationRef *string   `json:"confirmation_ref,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

func viewOf(r queue.Request) requestView {
	return requestView{
		ID:              r.ID,
		OwnerID:         r.Owner.ID,
		TargetDate:      r.TargetDate.Format("2006-01-02"),
		TargetTime:      r.TargetTime,
		CourtPrefs:      r.CourtPrefs,
		Tier:            string(r.Tier),
		Status:          string(r.Status),
		OpenAt:          r.OpenAt,
		AttemptCount:    r.AttemptCount,
		LastError:       r.LastError,
		ConfirmationRef: r.ConfirmationRef,
		CreatedAt:       r.CreatedAt,
	}
}

func (s *Server) submit(c echo.Context) error {
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Tier == "" {
		req.Tier = string(queue.TierStandard)
	}

	stored, err := s.Queue.Enqueue(c.Request().Context(), queue.Submission{
		Owner:      queue.Owner{ID: req.OwnerID, Channel: req.OwnerChannel},
		TargetDate: req.TargetDate,
		TargetTime: req.TargetTime,
		CourtPrefs: req.CourtPrefs,
		Tier:       queue.Tier(req.Tier),
	})
	if err != nil {
		var ve *queue.ValidationError
		if errors.As(err, &ve) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": ve.Error()})
		}
		s.Log.Error("enqueue failed", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "could not store request"})
	}
	return c.JSON(http.StatusCreated, viewOf(stored))
}

func (s *Server) list(c echo.Context) error {
	owner := c.QueryParam("owner")
	if owner == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "owner query parameter required"})
	}
	reqs, err := s.Queue.ListForOwner(c.Request().Context(), owner)
	if err != nil {
		s.Log.Error("list failed", "owner", owner, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "could not list requests"})
	}
	views := make([]requestView, 0, len(reqs))
	for _, r := range reqs {
		views = append(views, viewOf(r))
	}
	return c.JSON(http.StatusOK, views)
}

func (s *Server) get(c echo.Context) error {
	req, err := s.Queue.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if db.IsNotFound(err) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown request"})
		}
		s.Log.Error("get failed", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "could not load request"})
	}
	return c.JSON(http.StatusOK, viewOf(req))
}

// cancel flags the request; the scheduler applies it at the start of the next
// cycle. Owner must match unless the caller is on the admin allow-list.
func (s *Server) cancel(c echo.Context) error {
	caller := c.Request().Header.Get("X-Owner-ID")
	if caller == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "X-Owner-ID header required"})
	}
	ok, err := s.Queue.RequestCancellation(c.Request().Context(), c.Param("id"), caller, s.IsAdmin(caller))
	if err != nil {
		s.Log.Error("cancel failed", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "could not cancel request"})
	}
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no cancellable request for this owner"})
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "cancellation queued"})
}
