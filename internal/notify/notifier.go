// Package notify emits engine events to an external observer as JSON
// webhooks. Emission is fire-and-forget: failures are logged and
// counted but never block or roll back the caller.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Event kinds posted to the webhook.
const (
	EventCallAssigned       = "CALL_ASSIGNED"
	EventCallCompleted      = "CALL_COMPLETED"
	EventSystemSaturated    = "SYSTEM_SATURATED"
	EventAgentStatusChanged = "AGENT_STATUS_CHANGED"
	EventHealthCheck        = "HEALTH_CHECK"
)

// Config holds notifier configuration.
type Config struct {
	// URL is the webhook endpoint. Empty disables emission.
	URL string
	// Timeout is the hard per-request timeout (default 5s).
	Timeout time.Duration
	// OnFailure is invoked once per failed delivery (optional).
	OnFailure func()
}

// Notifier posts event payloads to a configured URL.
type Notifier struct {
	url       string
	client    *http.Client
	onFailure func()
}

// NewNotifier creates a notifier. A nil-safe no-op notifier is returned
// when the URL is empty.
func NewNotifier(cfg Config) *Notifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{
		url:       cfg.URL,
		client:    &http.Client{Timeout: timeout},
		onFailure: cfg.OnFailure,
	}
}

// Emit posts the event asynchronously. The caller never observes the
// outcome; delivery failures are logged and counted.
func (n *Notifier) Emit(event map[string]interface{}) {
	if n == nil || n.url == "" {
		return
	}
	go func() {
		if err := n.send(context.Background(), event); err != nil {
			log.Printf("webhook delivery failed: %v", err)
			if n.onFailure != nil {
				n.onFailure()
			}
		}
	}()
}

// HealthCheck posts a HEALTH_CHECK event synchronously and reports
// whether the endpoint answered 200.
func (n *Notifier) HealthCheck(ctx context.Context) bool {
	if n == nil || n.url == "" {
		return false
	}
	event := map[string]interface{}{
		"event_type": EventHealthCheck,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	return n.send(ctx, event) == nil
}

func (n *Notifier) send(ctx context.Context, event map[string]interface{}) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Source", "call-assignment-system")
	req.Header.Set("X-Event-Timestamp", time.Now().UTC().Format(time.RFC3339))

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", event["event_type"], err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("post %s: unexpected status %d", event["event_type"], resp.StatusCode)
	}
	return nil
}
