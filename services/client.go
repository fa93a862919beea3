// Package services holds the HTTP plumbing shared by the third-party
// analysis clients: trace propagation, rate limiting, error decoding and
// per-call metrics.
package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/authexity/scraper/metrics"
)

// ErrNotConfigured is returned by a client whose credentials are missing
var ErrNotConfigured = errors.New("service is not configured")

// maxErrorBody caps how much of an error response is kept
const maxErrorBody = 4096

// APIError is a non-2xx response from a third-party service
type APIError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s API error: %d %s", e.Service, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%s API error: %d %s: %s", e.Service, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// Config contains transport settings common to every client
type Config struct {
	Timeout   time.Duration
	RateLimit float64 // Requests per second; zero or less means unlimited
	Burst     int
}

// DefaultConfig returns default transport settings
func DefaultConfig() Config {
	return Config{
		Timeout:   30 * time.Second,
		RateLimit: 5,
		Burst:     5,
	}
}

// Client performs rate-limited, traced requests on behalf of one named service
type Client struct {
	name       string
	httpClient *http.Client
	limiter    *rate.Limiter
	metrics    *metrics.Metrics
}

// NewClient creates a Client. m may be nil.
func NewClient(name string, config Config, m *metrics.Metrics) *Client {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if config.RateLimit > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}

	return &Client{
		name: name,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: limiter,
		metrics: m,
	}
}

// Name returns the service name used in errors and metrics
func (c *Client) Name() string {
	return c.name
}

// Do waits for the rate limiter, sends req and returns the response when the
// status is 2xx. Any other status is returned as an *APIError with the body closed.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		c.metrics.ObserveExternal(c.name, "rate_limited")
		return nil, fmt.Errorf("%s rate limit wait failed: %w", c.name, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.ObserveExternal(c.name, "error")
		slog.Warn("external request failed", "service", c.name, "url", redact(req), "error", err)
		return nil, fmt.Errorf("%s request failed: %w", c.name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.metrics.ObserveExternal(c.name, "http_error")
		slog.Warn("external request rejected", "service", c.name, "status", resp.StatusCode)
		return nil, &APIError{
			Service:    c.name,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	c.metrics.ObserveExternal(c.name, "success")
	return resp, nil
}

// DoJSON sends req and decodes a 2xx JSON body into out
func (c *Client) DoJSON(req *http.Request, out any) error {
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", c.name, err)
	}
	return nil
}

// redact drops the query string, which may carry credentials
func redact(req *http.Request) string {
	u := *req.URL
	u.RawQuery = ""
	return u.String()
}
