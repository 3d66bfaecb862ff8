// Package notifier pushes terminal-task events to an external webhook.
// Delivery is fire-and-forget from the pipeline's point of view: failures
// are logged by the caller, never raised into task handling.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Event is a structured terminal-state notification.
type Event struct {
	Kind   string `json:"kind"` // completed, failed, cancelled
	Title  string `json:"title"`
	Author string `json:"author,omitempty"`
	Note   string `json:"note,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// WebhookNotifier POSTs each event as JSON to a configured URL.
type WebhookNotifier struct {
	WebhookURL string

	httpClient *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		WebhookURL: url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, ev Event) error {
	if n.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}
