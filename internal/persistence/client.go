// Package persistence is the HTTP client the core services use to hand
// decided outcomes (mutual matches, follow-ups, abuse reports) to the
// matchstore service. Persistence is strictly after the fact: a storage
// failure is logged and retried, never surfaced into a room's lifecycle.
package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	defaultTimeout = 5 * time.Second
	maxAttempts    = 3
	retryBackoff   = 500 * time.Millisecond
)

// Client talks to the matchstore HTTP service.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the matchstore service at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// RecordLike persists a decided mutual match. Idempotent server-side, keyed
// by room id.
func (c *Client) RecordLike(ctx context.Context, roomID, participantA, participantB string) error {
	return c.post(ctx, "/likes", map[string]string{
		"room_id":       roomID,
		"participant_a": participantA,
		"participant_b": participantB,
	})
}

// ScheduleFollowUp schedules a re-engagement nudge for one side of a
// mutual match.
func (c *Client) ScheduleFollowUp(ctx context.Context, roomID, participantID, peerID string, at time.Time) error {
	return c.post(ctx, "/follow-ups", map[string]interface{}{
		"room_id":        roomID,
		"participant_id": participantID,
		"peer_id":        peerID,
		"scheduled_for":  at.Format(time.RFC3339),
	})
}

// RecordReport persists an abuse report for moderator review.
func (c *Client) RecordReport(ctx context.Context, reporterID, reportedID, roomID, reason string) error {
	return c.post(ctx, "/reports", map[string]string{
		"reporter_id": reporterID,
		"reported_id": reportedID,
		"room_id":     roomID,
		"reason":      reason,
	})
}

// post sends the payload with a bounded retry. 4xx responses are not
// retried; the request will not get better.
func (c *Client) post(ctx context.Context, path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("persistence: marshal %s: %w", path, err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt-1) * retryBackoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("persistence: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return fmt.Errorf("persistence: %s rejected: %s", path, resp.Status)
		default:
			lastErr = fmt.Errorf("persistence: %s: %s", path, resp.Status)
		}
	}
	return fmt.Errorf("persistence: %s failed after %d attempts: %w", path, maxAttempts, lastErr)
}
