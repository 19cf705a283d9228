// Package notify posts workflow events to a single operator-configured
// webhook endpoint. Blocked settlements and authorised releases are the
// moments the middle office wants to hear about immediately; everything else
// stays in the activity log.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of notification event
type EventType string

const (
	EventReleaseAuthorized EventType = "release.authorized"
	EventReleaseRequested  EventType = "release.requested"
	EventGroupBreached     EventType = "group.breached"
)

// Event is one outbound notification.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Webhook delivers events to one HTTPS endpoint, signing payloads with a
// shared secret. Delivery is fire-and-forget with a few retries; the
// activity log remains the system of record.
type Webhook struct {
	url     string
	secret  string
	client  *http.Client
	logger  *slog.Logger
	retries int
}

// NewWebhook creates a webhook sender. An empty url disables delivery.
func NewWebhook(url, secret string, logger *slog.Logger) *Webhook {
	return &Webhook{
		url:    url,
		secret: secret,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:  logger,
		retries: 3,
	}
}

// Enabled reports whether a target URL is configured.
func (w *Webhook) Enabled() bool {
	return w.url != ""
}

// ReleaseAuthorized implements approval.Notifier.
func (w *Webhook) ReleaseAuthorized(ctx context.Context, businessID string, version int64, authorizedBy string) {
	w.Dispatch(ctx, EventReleaseAuthorized, map[string]interface{}{
		"businessId":   businessID,
		"version":      version,
		"authorizedBy": authorizedBy,
	})
}

// Dispatch sends one event asynchronously.
func (w *Webhook) Dispatch(ctx context.Context, t EventType, data map[string]interface{}) {
	if !w.Enabled() {
		return
	}
	event := &Event{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	// Send async to avoid blocking the workflow.
	go w.send(context.WithoutCancel(ctx), event)
}

func (w *Webhook) send(ctx context.Context, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		w.logger.Error("webhook marshal failed", "event", string(event.Type), "error", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt <= w.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
		if lastErr = w.post(ctx, event, payload); lastErr == nil {
			w.logger.Debug("webhook delivered", "event", string(event.Type), "id", event.ID)
			return
		}
	}
	w.logger.Warn("webhook delivery failed",
		"event", string(event.Type), "id", event.ID, "error", lastErr)
}

func (w *Webhook) post(ctx context.Context, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, "POST", w.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Payguard-Event", string(event.Type))
	req.Header.Set("X-Payguard-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	if w.secret != "" {
		req.Header.Set("X-Payguard-Signature", Sign(payload, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 of payload. Receivers verify it against
// the X-Payguard-Signature header.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
