// Package notify posts pipeline lifecycle events to a configured webhook URL.
// Delivery is best-effort: a failed webhook never fails the pipeline operation
// that produced the event.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agentmesh/trustplane/internal/config"
	"github.com/rs/zerolog/log"
)

// EventType describes what happened.
type EventType string

const (
	EventScanCompleted    EventType = "scan_completed"
	EventIncidentOpened   EventType = "incident_opened"
	EventIncidentResolved EventType = "incident_resolved"
)

// Event is the webhook payload.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// NewEvent creates an Event with the given type and payload fields.
func NewEvent(eventType EventType, payload map[string]interface{}) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Publisher sends events to a webhook URL with HMAC-SHA256 signing.
// A Publisher with no URL configured is a no-op, so callers never need to
// guard their Publish calls.
type Publisher struct {
	url    string
	secret string
	client *http.Client
}

// NewPublisher creates a webhook publisher from config.
func NewPublisher(cfg config.NotifyConfig) *Publisher {
	return &Publisher{
		url:    cfg.WebhookURL,
		secret: cfg.Secret,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// Publish posts the event as JSON to the webhook URL with up to 3 attempts.
func (p *Publisher) Publish(ctx context.Context, event Event) error {
	if p.url == "" {
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt*2) * time.Second):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "TrustPlane-Webhook/1.0")
		req.Header.Set("X-TrustPlane-Event", string(event.Type))
		if p.secret != "" {
			mac := hmac.New(sha256.New, []byte(p.secret))
			mac.Write(body)
			req.Header.Set("X-TrustPlane-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
		}

		resp, err := p.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, p.url)
	}
	return fmt.Errorf("webhook failed after 3 attempts: %w", lastErr)
}

// PublishAsync publishes in the background and logs failures. Used by engines
// whose cycle must not block on webhook delivery.
func (p *Publisher) PublishAsync(event Event) {
	if p.url == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.Publish(ctx, event); err != nil {
			log.Warn().Err(err).Str("event", string(event.Type)).Msg("webhook delivery failed")
		}
	}()
}
