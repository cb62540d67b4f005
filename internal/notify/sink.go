package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Notification is what the on-call side receives.
type Notification struct {
	JobID     string    `json:"job_id"`
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	UserName  string    `json:"user_name"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

func notificationFor(j *Job) Notification {
	return Notification{
		JobID:     j.ID,
		Type:      "agents_needed",
		SessionID: j.SessionID,
		UserName:  j.UserName,
		Text:      fmt.Sprintf("%s is waiting for an agent in session %s", j.UserName, j.SessionID),
		CreatedAt: j.CreatedAt,
	}
}

type Sink interface {
	Deliver(ctx context.Context, n Notification) error
}

// WebhookSink POSTs notifications as JSON.
type WebhookSink struct {
	url    string
	client *http.Client
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *WebhookSink) Deliver(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", n.JobID)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("webhook status=%d body=%s", resp.StatusCode, string(b))
	}
	return nil
}

// LogSink only logs; used when no webhook is configured.
type LogSink struct{}

func (LogSink) Deliver(ctx context.Context, n Notification) error {
	slog.InfoContext(ctx, "agents needed", "job_id", n.JobID, "session_id", n.SessionID, "user_name", n.UserName)
	return nil
}

// SinkFor picks the webhook sink when url is set.
func SinkFor(url string) Sink {
	if url == "" {
		return LogSink{}
	}
	return NewWebhookSink(url)
}
