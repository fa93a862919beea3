// Package fetch retrieves raw HTML for a URL with a bounded timeout and a
// browser-like client identity. Failures are returned as typed results.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/authexity/scraper/metrics"
	"github.com/authexity/scraper/models"
)

const (
	// DefaultTimeout bounds a single fetch including the body read
	DefaultTimeout = 8 * time.Second
	// DefaultUserAgent is a common desktop browser string; some sites reject requests without one
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	// DefaultMaxBodyBytes caps how much of a page is read
	DefaultMaxBodyBytes = 10 * 1024 * 1024
)

// ErrBlockedAddress is returned when a request would reach a loopback, private or link-local address
var ErrBlockedAddress = errors.New("destination address is not publicly routable")

// sharedAddressSpace is the carrier-grade NAT range, not covered by netip.Addr.IsPrivate
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// Config contains fetcher configuration
type Config struct {
	Timeout      time.Duration
	UserAgent    string
	MaxBodyBytes int64
	// AllowPrivateHosts permits loopback, private and link-local destinations
	AllowPrivateHosts bool
}

// DefaultConfig returns default fetcher configuration
func DefaultConfig() Config {
	return Config{
		Timeout:      DefaultTimeout,
		UserAgent:    DefaultUserAgent,
		MaxBodyBytes: DefaultMaxBodyBytes,
	}
}

// Fetcher performs outbound page requests
type Fetcher struct {
	config      Config
	httpClient  *http.Client
	probeClient *http.Client // never follows redirects
	metrics     *metrics.Metrics
	tracer      trace.Tracer
}

// New creates a Fetcher. m may be nil.
func New(config Config, m *metrics.Metrics) *Fetcher {
	defaults := DefaultConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.UserAgent == "" {
		config.UserAgent = defaults.UserAgent
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaults.MaxBodyBytes
	}

	transport := newTransport(config.AllowPrivateHosts)

	return &Fetcher{
		config: config,
		httpClient: &http.Client{
			Transport: transport,
		},
		probeClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		metrics: m,
		tracer:  otel.Tracer("github.com/authexity/scraper/fetch"),
	}
}

// Option adjusts a single request
type Option func(*requestOptions)

type requestOptions struct {
	timeout time.Duration
	headers http.Header
}

// WithTimeout overrides the configured timeout for one request
func WithTimeout(d time.Duration) Option {
	return func(o *requestOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithHeader sets a request header, replacing the default identity when key is User-Agent
func WithHeader(key, value string) Option {
	return func(o *requestOptions) {
		o.headers.Set(key, value)
	}
}

// Fetch retrieves targetURL. It never panics and never returns an error:
// timeouts, transport failures and non-2xx responses are reported in the result.
func (f *Fetcher) Fetch(ctx context.Context, targetURL string, opts ...Option) (result models.FetchResult) {
	start := time.Now()
	result = models.FetchResult{URL: targetURL, FetchedAt: start}

	ctx, span := f.tracer.Start(ctx, "fetch.page", trace.WithAttributes(attribute.String("url.full", targetURL)))
	defer func() {
		if r := recover(); r != nil {
			result.Status = models.FetchNetworkError
			result.Body = ""
			result.Error = fmt.Sprintf("fetch aborted: %v", r)
		}
		result.Duration = time.Since(start)
		f.metrics.ObserveFetch(string(result.Status), result.Duration)

		span.SetAttributes(attribute.String("fetch.status", string(result.Status)))
		if result.StatusCode != 0 {
			span.SetAttributes(attribute.Int("http.response.status_code", result.StatusCode))
		}
		if result.Status != models.FetchOK {
			span.SetStatus(codes.Error, result.Error)
		}
		span.End()
	}()

	o := requestOptions{timeout: f.config.Timeout, headers: http.Header{}}
	o.headers.Set("User-Agent", f.config.UserAgent)
	o.headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	o.headers.Set("Accept-Language", "en-US,en;q=0.9")
	for _, opt := range opts {
		opt(&o)
	}

	if err := validateURL(targetURL, f.config.AllowPrivateHosts); err != nil {
		result.Status = models.FetchNetworkError
		result.Error = err.Error()
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		result.Status = models.FetchNetworkError
		result.Error = fmt.Sprintf("failed to create request: %v", err)
		return result
	}
	req.Header = o.headers

	resp, err := f.httpClient.Do(req)
	if err != nil {
		result.Status = classify(err)
		result.Error = fmt.Sprintf("failed to fetch URL: %v", err)
		return result
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	result.ContentType = resp.Header.Get("Content-Type")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result.Status = models.FetchHTTPError
		result.Error = fmt.Sprintf("HTTP error: %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
		return result
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxBodyBytes))
	if err != nil {
		result.Status = classify(err)
		result.Error = fmt.Sprintf("failed to read response: %v", err)
		return result
	}

	result.Status = models.FetchOK
	result.Body = string(body)
	return result
}

// Probe issues a HEAD request without following redirects and returns the
// Location header (possibly empty) and the response status.
func (f *Fetcher) Probe(ctx context.Context, targetURL string) (string, int, error) {
	if err := validateURL(targetURL, f.config.AllowPrivateHosts); err != nil {
		return "", 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, targetURL, nil)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)

	resp, err := f.probeClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("failed to probe URL: %w", err)
	}
	defer resp.Body.Close()

	return resp.Header.Get("Location"), resp.StatusCode, nil
}

func validateURL(targetURL string, allowPrivate bool) error {
	parsed, err := url.Parse(targetURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL must be http or https")
	}
	if parsed.Host == "" {
		return fmt.Errorf("invalid URL: missing host")
	}
	if allowPrivate {
		return nil
	}

	host := strings.TrimSuffix(strings.ToLower(parsed.Hostname()), ".")
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, host)
	}
	if ip, err := netip.ParseAddr(host); err == nil && !isPublicAddr(ip) {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, ip)
	}
	return nil
}

// newTransport wraps a clone of the default transport with tracing. Unless
// allowPrivate is set, every dial is checked against the resolved address so
// redirects and DNS names cannot reach internal hosts.
func newTransport(allowPrivate bool) http.RoundTripper {
	base := http.DefaultTransport.(*http.Transport).Clone()
	if !allowPrivate {
		dialer := &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
			Control:   guardDial,
		}
		base.DialContext = dialer.DialContext
	}
	return otelhttp.NewTransport(base)
}

func guardDial(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip, err := netip.ParseAddr(host)
	if err != nil || !isPublicAddr(ip) {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, host)
	}
	return nil
}

func isPublicAddr(ip netip.Addr) bool {
	ip = ip.Unmap()
	switch {
	case ip.IsLoopback(), ip.IsPrivate(), ip.IsUnspecified(),
		ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast(),
		ip.IsInterfaceLocalMulticast(), ip.IsMulticast():
		return false
	case sharedAddressSpace.Contains(ip):
		return false
	}
	return true
}

// classify maps a transport error to a fetch status
func classify(err error) models.FetchStatus {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.FetchTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.FetchTimeout
	}
	return models.FetchNetworkError
}
