package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// WebhookConfig configures a webhook target.
type WebhookConfig struct {
	URL     string
	Secret  string        // sent as a bearer token when set
	Retries int           // extra attempts on 5xx, 429 or transport errors; 0 means 2, negative means none
	Backoff time.Duration // wait before the first retry, doubled each time; default 500ms
}

// webhookEnvelope is the request body. ID stays the same across retries so
// the receiver can drop duplicates.
type webhookEnvelope struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Alert  Alert  `json:"alert"`
}

// WebhookNotifier POSTs alerts to an HTTP endpoint.
type WebhookNotifier struct {
	cfg    WebhookConfig
	client *http.Client
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(cfg WebhookConfig) *WebhookNotifier {
	if cfg.Retries < 0 {
		cfg.Retries = 0
	} else if cfg.Retries == 0 {
		cfg.Retries = 2
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	return &WebhookNotifier{cfg: cfg, client: &http.Client{Timeout: 10 * time.Second}}
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	if alert.Time.IsZero() {
		alert.Time = time.Now().UTC()
	}
	env := webhookEnvelope{ID: uuid.NewString(), Source: "tradewatch", Alert: alert}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	wait := w.cfg.Backoff
	for attempt := 0; ; attempt++ {
		retry, err := w.post(ctx, env.ID, body)
		if err == nil {
			log.Printf("[webhook] alert %s delivered: %s", env.ID, alert.Title)
			return nil
		}
		if !retry || attempt >= w.cfg.Retries {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("webhook: %w (last error: %v)", ctx.Err(), err)
		case <-time.After(wait):
		}
		wait *= 2
	}
}

// post makes one delivery attempt and reports whether a failure is worth
// retrying.
func (w *WebhookNotifier) post(ctx context.Context, id string, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Alert-ID", id)
	if w.cfg.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.Secret)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("webhook: send: %w", err)
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return true, fmt.Errorf("webhook: status %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("webhook: rejected with status %d", resp.StatusCode)
	}
}
