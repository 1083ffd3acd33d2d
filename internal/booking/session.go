package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/courtsched/internal/pool"
)

// Session is one live connection pre-positioned on a court. Implements
// pool.Session; the pool owns its lifecycle.
type Session struct {
	client *Client
	court  int
}

var _ pool.Session = (*Session)(nil)

// NewSessionFactory adapts the client into the pool's injection point.
func NewSessionFactory(c *Client) pool.SessionFactory {
	return func(ctx context.Context, court int) (pool.Session, error) {
		s := &Session{client: c, court: court}
		if err := s.Ready(ctx); err != nil {
			return nil, fmt.Errorf("positioning session on court %d: %w", court, err)
		}
		return s, nil
	}
}

func (s *Session) Court() int { return s.court }

func (s *Session) Ready(ctx context.Context) error {
	return s.client.Ping(ctx)
}

// Refresh re-reads the court's availability so the session's view does not
// go stale between booking windows.
func (s *Session) Refresh(ctx context.Context) error {
	date := time.Now().Format("2006-01-02")
	_, err := s.client.fetchAvailability(ctx, s.court, date)
	if errors.Is(err, errNoSlots) {
		return nil // an empty day is still a fresh view
	}
	return err
}

func (s *Session) VerifyConfirmation(ctx context.Context, ref string) error {
	return s.client.getBooking(ctx, ref)
}

func (s *Session) Close(ctx context.Context) error {
	return nil // stateless HTTP session; nothing held server-side
}
