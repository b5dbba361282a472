package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mbd888/atelier/internal/circuitbreaker"
	"github.com/mbd888/atelier/internal/retry"
)

// WebhookNotifier POSTs events to one endpoint, signed with HMAC-SHA256.
type WebhookNotifier struct {
	url         string
	secret      string
	client      *http.Client
	maxAttempts int
	baseDelay   time.Duration
	breaker     *circuitbreaker.Breaker
}

// NewWebhookNotifier creates a webhook sink. An empty secret sends unsigned payloads.
func NewWebhookNotifier(url, secret string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		secret: secret,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		maxAttempts: 3,
		baseDelay:   500 * time.Millisecond,
		breaker:     circuitbreaker.New(5, time.Minute),
	}
}

// WithRetry overrides the retry policy.
func (w *WebhookNotifier) WithRetry(maxAttempts int, baseDelay time.Duration) *WebhookNotifier {
	w.maxAttempts = maxAttempts
	w.baseDelay = baseDelay
	return w
}

// WithBreaker replaces the endpoint circuit breaker.
func (w *WebhookNotifier) WithBreaker(b *circuitbreaker.Breaker) *WebhookNotifier {
	w.breaker = b
	return w
}

// Notify delivers one event. While the endpoint's circuit is open, events
// are dropped with circuitbreaker.ErrOpen instead of being attempted.
func (w *WebhookNotifier) Notify(ctx context.Context, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	return w.breaker.Do(w.url, func() error {
		return retry.Do(ctx, w.maxAttempts, w.baseDelay, func() error {
			return w.send(ctx, event, payload)
		})
	})
}

func (w *WebhookNotifier) send(ctx context.Context, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Atelier-Event", string(event.Type))
	req.Header.Set("X-Atelier-Delivery", event.ID)
	req.Header.Set("X-Atelier-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	if w.secret != "" {
		req.Header.Set("X-Atelier-Signature", Sign(payload, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return retry.Permanent(fmt.Errorf("webhook rejected with status %d", resp.StatusCode))
	default:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
}

// Sign returns the hex HMAC-SHA256 of payload, as sent in X-Atelier-Signature.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
