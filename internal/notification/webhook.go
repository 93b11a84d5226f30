package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"quotefeed/internal/resilience"
)

// webhookPayload is the JSON body posted for every alert.
type webhookPayload struct {
	Service string `json:"service"`
	Level   string `json:"level"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Key     string `json:"key,omitempty"`
	TS      string `json:"ts"`
}

// deliveryError carries the receiver's status so 5xx and 429 replies are
// retried.
type deliveryError struct{ status int }

func (e *deliveryError) Error() string   { return fmt.Sprintf("webhook: unexpected status %d", e.status) }
func (e *deliveryError) HTTPStatus() int { return e.status }

// WebhookNotifier posts alerts to an HTTP endpoint, retrying transient
// failures.
type WebhookNotifier struct {
	url     string
	service string
	client  *http.Client
	retry   resilience.RetryPolicy
	log     *slog.Logger
}

// NewWebhookNotifier creates a notifier that POSTs JSON alerts to url,
// tagged with service.
func NewWebhookNotifier(url, service string, logger *slog.Logger) *WebhookNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		url:     url,
		service: service,
		client:  &http.Client{Timeout: 10 * time.Second},
		retry:   resilience.RetryPolicy{MaxRetries: 2, Min: 200 * time.Millisecond, Max: 2 * time.Second, Factor: 2},
		log:     logger,
	}
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(webhookPayload{
		Service: w.service,
		Level:   string(alert.Level),
		Title:   alert.Title,
		Message: alert.Message,
		Key:     alert.Key,
		TS:      time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	attempts := 0
	err = w.retry.Do(ctx, func(ctx context.Context) error {
		attempts++
		return w.post(ctx, body)
	})
	if err != nil {
		w.log.Warn("alert delivery failed", "title", alert.Title, "attempts", attempts, "error", err)
		return err
	}
	w.log.Debug("alert delivered", "title", alert.Title, "level", string(alert.Level), "attempts", attempts)
	return nil
}

func (w *WebhookNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &deliveryError{status: resp.StatusCode}
	}
	return nil
}
