// Package booking talks to the court-booking surface over HTTP and provides
// the default interaction strategy the executor drives. Everything here is
// behind the pool.Session and executor.InteractionStrategy boundaries, so the
// core never depends on this surface's specifics.
package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

type Credentials struct {
	APIKey string
}

type Client struct {
	hc      *http.Client
	baseURL string
	creds   Credentials
}

func New(baseURL string, creds Credentials) *Client {
	return &Client{
		hc:      &http.Client{Timeout: 60 * time.Second},
		baseURL: baseURL,
		creds:   creds,
	}
}

// Ping checks the surface is reachable and the key is accepted.
func (c *Client) Ping(ctx context.Context) error {
	status, body, err := c.do(ctx, http.MethodGet, "/api/v1/ping", nil, nil)
	if err != nil {
		return err
	}
	if status >= 400 {
		var r struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &r)
		if r.Message != "" {
			return fmt.Errorf("ping failed: %s (status=%d)", r.Message, status)
		}
		return fmt.Errorf("ping failed (status=%d)", status)
	}
	return nil
}

type availabilitySlot struct {
	Time      string `json:"time"` // HH:MM
	SlotID    string `json:"slot_id"`
	Available bool   `json:"available"`
}

type availabilityResponse struct {
	Court int                `json:"court"`
	Date  string             `json:"date"`
	Slots []availabilitySlot `json:"slots"`
}

func (c *Client) fetchAvailability(ctx context.Context, court int, date string) ([]availabilitySlot, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/api/v1/availability", map[string]string{
		"court": strconv.Itoa(court),
		"date":  date,
	}, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("fetch availability (status=%d)", status)
	}
	var res availabilityResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, err
	}
	if len(res.Slots) == 0 {
		return nil, errNoSlots
	}
	return res.Slots, nil
}

type bookingSubmission struct {
	SlotID  string `json:"slot_id"`
	Court   int    `json:"court"`
	Date    string `json:"date"`
	Time    string `json:"time"`
	OwnerID string `json:"owner_id"`
}

type bookingResponse struct {
	BookingRef string `json:"booking_ref"`
	Message    string `json:"message"`
}

// ErrSlotTaken is the surface's definitive "someone else got it" answer;
// not retryable on the same slot.
var ErrSlotTaken = errors.New("slot already taken")

var errNoSlots = errors.New("no slots published for date")

func (c *Client) submitBooking(ctx context.Context, sub bookingSubmission) (string, error) {
	jb, err := json.Marshal(sub)
	if err != nil {
		return "", err
	}
	status, body, err := c.do(ctx, http.MethodPost, "/api/v1/bookings", nil, jb)
	if err != nil {
		return "", err
	}
	var res bookingResponse
	_ = json.Unmarshal(body, &res)
	switch {
	case status == http.StatusConflict:
		return "", ErrSlotTaken
	case status >= 400:
		if res.Message != "" {
			return "", fmt.Errorf("booking rejected: %s (status=%d)", res.Message, status)
		}
		return "", fmt.Errorf("booking rejected (status=%d)", status)
	case res.BookingRef == "":
		return "", errors.New("booking accepted without a reference")
	}
	return res.BookingRef, nil
}

func (c *Client) getBooking(ctx context.Context, ref string) error {
	status, _, err := c.do(ctx, http.MethodGet, "/api/v1/bookings/"+ref, nil, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("confirmation %s not found (status=%d)", ref, status)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query map[string]string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("content-type", "application/json")
	}
	req.Header.Set("authorization", "Bearer "+c.creds.APIKey)
	req.Header.Set("cache-control", "no-cache")

	if query != nil {
		q := req.URL.Query()
		for k, v := range query {
			q.Add(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return res.StatusCode, nil, err
	}
	return res.StatusCode, b, nil
}
