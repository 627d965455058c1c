// Package remote adapts the external collaborators (platform scanners, the
// content matcher, the hosting contact resolver and the delisting checker)
// to the interfaces the engine consumes. Each speaks JSON over HTTP to a
// single base endpoint, classifies failures into the domain error kinds and
// sits behind a per-service circuit breaker.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/djlord-it/contentguard/internal/circuitbreaker"
	"github.com/djlord-it/contentguard/internal/domain"
	"github.com/djlord-it/contentguard/internal/metrics"
)

// MetricsSink defines the interface for recording remote call metrics.
type MetricsSink interface {
	RemoteCallCompleted(service string, statusClass string, duration time.Duration)
}

// Client is the shared HTTP plumbing for one external service.
type Client struct {
	service string
	base    string
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker // optional, nil = disabled
	metrics MetricsSink                    // optional, nil = disabled
}

func NewClient(service, baseURL string) *Client {
	return &Client{
		service: service,
		base:    strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

func (c *Client) WithBreaker(cb *circuitbreaker.CircuitBreaker) *Client {
	c.breaker = cb
	return c
}

// WithMetrics attaches a metrics sink to the client.
func (c *Client) WithMetrics(sink MetricsSink) *Client {
	c.metrics = sink
	return c
}

// statusError is returned for non-2xx responses.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// do sends one request and decodes a JSON response into out (when non-nil).
// A 404 is reported through found=false rather than as an error when
// allowNotFound is set.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any, allowNotFound bool) (found bool, err error) {
	if c.breaker != nil {
		if err := c.breaker.Allow(c.service); err != nil {
			return false, domain.NewError(domain.KindResourceExhausted, c.service, err)
		}
	}

	start := time.Now()
	code, err := c.roundTrip(ctx, method, path, query, in, out)
	if c.metrics != nil {
		c.metrics.RemoteCallCompleted(c.service, statusClass(code, err), time.Since(start))
	}

	if allowNotFound && code == http.StatusNotFound {
		c.recordBreaker(nil)
		return false, nil
	}
	err = c.classify(code, err)
	c.recordBreaker(err)
	return err == nil, err
}

func (c *Client) recordBreaker(err error) {
	if c.breaker == nil {
		return
	}
	if err == nil {
		c.breaker.RecordSuccess(c.service)
	} else if domain.Classify(err) == domain.KindTransient {
		c.breaker.RecordFailure(c.service)
	}
}

func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, in, out any) (int, error) {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, domain.NewError(domain.KindValidation, c.service, fmt.Errorf("marshal: %w", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return 0, domain.NewError(domain.KindValidation, c.service, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, &statusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out != nil {
		if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(out); err != nil {
			return resp.StatusCode, domain.NewError(domain.KindTransient, c.service, fmt.Errorf("decode response: %w", err))
		}
	}
	return resp.StatusCode, nil
}

// classify maps a transport result onto the failure taxonomy: 429 is
// resource exhaustion, 408 and 5xx are transient, other 4xx are validation.
// Network errors and timeouts are transient.
func (c *Client) classify(code int, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*domain.Error); ok {
		return err
	}
	switch {
	case code == http.StatusTooManyRequests:
		return domain.NewError(domain.KindResourceExhausted, c.service, fmt.Errorf("%w: %v", domain.ErrResourceExhausted, err))
	case code == http.StatusRequestTimeout || code >= 500 || code == 0:
		return domain.NewError(domain.KindTransient, c.service, err)
	}
	return domain.NewError(domain.KindValidation, c.service, err)
}

func statusClass(code int, err error) string {
	if code != 0 {
		return metrics.ClassifyStatus(code, nil)
	}
	return metrics.ClassifyStatus(0, err)
}
