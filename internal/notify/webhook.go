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

	"github.com/djlord-it/contentguard/internal/circuitbreaker"
	"github.com/djlord-it/contentguard/internal/domain"
)

const (
	HeaderNotificationID = "X-ContentGuard-Notification-ID"
	HeaderSignature      = "X-ContentGuard-Signature"
)

// WebhookPayload is the JSON body posted for each notification.
type WebhookPayload struct {
	ID        string          `json:"id"`
	Recipient string          `json:"recipient"`
	Level     domain.Level    `json:"level"`
	Subject   string          `json:"subject"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt string          `json:"created_at"`
	Attempt   int             `json:"attempt"`
}

// WebhookTransport posts notifications to a single URL, signed with
// HMAC-SHA256 and guarded by a circuit breaker.
type WebhookTransport struct {
	client  *http.Client
	url     string
	secret  string
	breaker *circuitbreaker.CircuitBreaker // optional, nil = disabled
}

func NewWebhookTransport(url, secret string) *WebhookTransport {
	return &WebhookTransport{
		client: &http.Client{Timeout: 30 * time.Second},
		url:    url,
		secret: secret,
	}
}

func (w *WebhookTransport) WithBreaker(cb *circuitbreaker.CircuitBreaker) *WebhookTransport {
	w.breaker = cb
	return w
}

func (w *WebhookTransport) WithClient(c *http.Client) *WebhookTransport {
	w.client = c
	return w
}

// Send posts the notification. Non-2xx responses are errors; 4xx other than
// 408 and 429 are validation failures since repeating them cannot succeed.
func (w *WebhookTransport) Send(ctx context.Context, n domain.Notification) error {
	if w.breaker != nil {
		if err := w.breaker.Allow(w.url); err != nil {
			return domain.NewError(domain.KindResourceExhausted, "webhook", err)
		}
	}
	err := w.post(ctx, n)
	if w.breaker != nil {
		if err != nil && domain.Classify(err) == domain.KindTransient {
			w.breaker.RecordFailure(w.url)
		} else if err == nil {
			w.breaker.RecordSuccess(w.url)
		}
	}
	return err
}

func (w *WebhookTransport) post(ctx context.Context, n domain.Notification) error {
	body, err := json.Marshal(WebhookPayload{
		ID:        n.ID,
		Recipient: n.Recipient,
		Level:     n.Level,
		Subject:   n.Subject,
		Data:      n.Payload,
		CreatedAt: n.CreatedAt.UTC().Format(time.RFC3339),
		Attempt:   n.Attempt + 1,
	})
	if err != nil {
		return domain.NewError(domain.KindValidation, "webhook", fmt.Errorf("marshal: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return domain.NewError(domain.KindValidation, "webhook", fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderNotificationID, n.ID)
	req.Header.Set(HeaderSignature, computeSignature(w.secret, body))

	resp, err := w.client.Do(req)
	if err != nil {
		return domain.NewError(domain.KindTransient, "webhook", fmt.Errorf("send: %w", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return statusError("webhook", resp.StatusCode)
}

// statusError classifies an HTTP status code. 2xx is success.
func statusError(op string, code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return domain.NewError(domain.KindResourceExhausted, op, fmt.Errorf("%w: status %d", domain.ErrResourceExhausted, code))
	case code == http.StatusRequestTimeout || code >= 500:
		return domain.NewError(domain.KindTransient, op, fmt.Errorf("status %d", code))
	}
	return domain.NewError(domain.KindValidation, op, fmt.Errorf("status %d", code))
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for receivers to verify incoming webhooks.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := computeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
