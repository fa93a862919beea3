// Package resolve unwraps search-provider redirect URLs into the destination
// they point at, and derives the display domain and favicon for a URL.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/cases"

	"github.com/authexity/scraper/links"
	"github.com/authexity/scraper/metrics"
	"github.com/authexity/scraper/models"
)

// Method names the strategy that produced a resolution
type Method string

const (
	MethodDirect     Method = "direct"
	MethodQuery      Method = "query"
	MethodText       Method = "text"
	MethodPublisher  Method = "publisher"
	MethodProbe      Method = "probe"
	MethodUnresolved Method = "unresolved"
)

// DefaultFaviconServiceURL is the favicon-by-domain lookup template
const DefaultFaviconServiceURL = "https://www.google.com/s2/favicons?domain={domain}&sz=64"

// DefaultProxyHosts identify URLs served by a search provider's redirect layer
var DefaultProxyHosts = []string{
	"vertexaisearch.cloud.google.com",
	"google.com/url",
	"grounding-api-redirect",
}

// Publisher maps an outlet name, as it appears in titles, to its canonical domain
type Publisher struct {
	Name   string
	Domain string
}

// DefaultPublishers is checked in order; multi-word names come before names they contain.
var DefaultPublishers = []Publisher{
	{Name: "New York Times", Domain: "nytimes.com"},
	{Name: "Washington Post", Domain: "washingtonpost.com"},
	{Name: "Wall Street Journal", Domain: "wsj.com"},
	{Name: "Associated Press", Domain: "apnews.com"},
	{Name: "Financial Times", Domain: "ft.com"},
	{Name: "The Guardian", Domain: "theguardian.com"},
	{Name: "Al Jazeera", Domain: "aljazeera.com"},
	{Name: "Express Tribune", Domain: "tribune.com.pk"},
	{Name: "Tribune", Domain: "tribune.com.pk"},
	{Name: "Reuters", Domain: "reuters.com"},
	{Name: "Bloomberg", Domain: "bloomberg.com"},
	{Name: "Forbes", Domain: "forbes.com"},
	{Name: "CNN", Domain: "cnn.com"},
	{Name: "BBC", Domain: "bbc.com"},
	{Name: "NPR", Domain: "npr.org"},
}

// knownTLDs limits bare-domain detection in titles to plausible hosts
var knownTLDs = map[string]bool{
	"com": true, "org": true, "net": true, "edu": true, "gov": true,
	"io": true, "co": true, "ai": true, "info": true, "news": true,
	"uk": true, "pk": true, "in": true, "us": true, "de": true,
	"fr": true, "au": true, "ca": true, "eu": true, "me": true, "tv": true,
}

var domainToken = regexp.MustCompile(`(?i)\b(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)+([a-z]{2,})\b`)

var errNoMatch = errors.New("no match")

// Prober reads the redirect target of a URL without following it
type Prober interface {
	Probe(ctx context.Context, targetURL string) (location string, status int, err error)
}

// Config contains resolver configuration
type Config struct {
	ProxyHosts        []string
	FaviconServiceURL string
	Publishers        []Publisher
}

// DefaultConfig returns default resolver configuration
func DefaultConfig() Config {
	return Config{
		ProxyHosts:        DefaultProxyHosts,
		FaviconServiceURL: DefaultFaviconServiceURL,
		Publishers:        DefaultPublishers,
	}
}

// Input is a URL together with the text that accompanied it
type Input struct {
	URL     string
	Title   string
	Snippet string
}

// Resolution is the outcome of Resolve. URL is never empty when Input.URL isn't.
type Resolution struct {
	URL        string
	Domain     string
	FaviconURL string
	Method     Method
	Resolved   bool
	Failure    *models.Failure
}

// Resolver runs the fallback chain for proxy URLs
type Resolver struct {
	config  Config
	prober  Prober
	metrics *metrics.Metrics
	tracer  trace.Tracer
	steps   []step
}

type step struct {
	method Method
	run    func(ctx context.Context, in Input) (string, error)
}

// New creates a Resolver. prober and m may be nil; without a prober the live probe step is skipped.
func New(config Config, prober Prober, m *metrics.Metrics) *Resolver {
	if len(config.ProxyHosts) == 0 {
		config.ProxyHosts = DefaultProxyHosts
	}
	if config.FaviconServiceURL == "" {
		config.FaviconServiceURL = DefaultFaviconServiceURL
	}
	if len(config.Publishers) == 0 {
		config.Publishers = DefaultPublishers
	}

	r := &Resolver{
		config:  config,
		prober:  prober,
		metrics: m,
		tracer:  otel.Tracer("github.com/authexity/scraper/resolve"),
	}
	r.steps = []step{
		{MethodQuery, r.fromQuery},
		{MethodText, r.fromText},
		{MethodPublisher, r.fromPublisher},
		{MethodProbe, r.fromProbe},
	}
	return r
}

// IsProxy reports whether rawURL contains one of the configured proxy host markers
func (r *Resolver) IsProxy(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	for _, host := range r.config.ProxyHosts {
		if host != "" && strings.Contains(lower, strings.ToLower(host)) {
			return true
		}
	}
	return false
}

// Resolve returns the real destination for in.URL. Absolute non-proxy URLs
// pass through unchanged. Anything else runs the strategy chain; when every
// strategy fails the original URL is returned with Resolved=false.
func (r *Resolver) Resolve(ctx context.Context, in Input) Resolution {
	ctx, span := r.tracer.Start(ctx, "resolve.url")
	defer span.End()

	if links.IsAbsoluteHTTP(in.URL) && !r.IsProxy(in.URL) {
		r.metrics.ObserveResolution(string(MethodDirect))
		span.SetAttributes(attribute.String("resolve.method", string(MethodDirect)))
		return r.finish(in.URL, MethodDirect)
	}

	for _, s := range r.steps {
		resolved, err := r.runStep(ctx, s, in)
		if err != nil {
			slog.Debug("resolution step failed", "method", s.method, "url", in.URL, "error", err)
			continue
		}
		r.metrics.ObserveResolution(string(s.method))
		span.SetAttributes(attribute.String("resolve.method", string(s.method)))
		return r.finish(resolved, s.method)
	}

	r.metrics.ObserveResolution(string(MethodUnresolved))
	span.SetAttributes(attribute.String("resolve.method", string(MethodUnresolved)))

	res := Resolution{
		URL:      in.URL,
		Domain:   Domain(in.URL),
		Method:   MethodUnresolved,
		Resolved: false,
		Failure:  models.NewFailure(models.ResolutionFailure, "no strategy recovered a destination for %q", in.URL),
	}
	if res.Domain != "" {
		res.FaviconURL = r.FaviconURL(res.Domain)
	}
	return res
}

func (r *Resolver) finish(resolved string, method Method) Resolution {
	domain := Domain(resolved)
	res := Resolution{
		URL:      resolved,
		Domain:   domain,
		Method:   method,
		Resolved: true,
	}
	if domain != "" {
		res.FaviconURL = r.FaviconURL(domain)
	}
	return res
}

// runStep isolates a strategy so that a panic in one falls through to the next
func (r *Resolver) runStep(ctx context.Context, s step, in Input) (resolved string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			resolved = ""
			err = fmt.Errorf("%s step panicked: %v", s.method, rec)
		}
	}()
	resolved, err = s.run(ctx, in)
	if err == nil && !links.IsAbsoluteHTTP(resolved) {
		return "", fmt.Errorf("%s step produced a non-absolute URL %q", s.method, resolved)
	}
	return resolved, err
}

// queryKeys are checked in priority order
var queryKeys = []string{"url", "redirect", "q"}

func (r *Resolver) fromQuery(_ context.Context, in Input) (string, error) {
	parsed, err := url.Parse(in.URL)
	if err != nil {
		return "", fmt.Errorf("failed to parse URL: %w", err)
	}
	query := parsed.Query()
	for _, key := range queryKeys {
		if value := query.Get(key); links.IsAbsoluteHTTP(value) {
			return value, nil
		}
	}
	return "", errNoMatch
}

func (r *Resolver) fromText(_ context.Context, in Input) (string, error) {
	for _, text := range []string{in.Title, in.Snippet} {
		for _, candidate := range links.Extract(text) {
			if !r.IsProxy(candidate) {
				return candidate, nil
			}
		}
	}

	for _, text := range []string{in.Title, in.Snippet} {
		for _, match := range domainToken.FindAllStringSubmatch(text, -1) {
			if !knownTLDs[strings.ToLower(match[1])] {
				continue
			}
			candidate := "https://" + strings.ToLower(match[0])
			if r.IsProxy(candidate) {
				continue
			}
			return candidate, nil
		}
	}
	return "", errNoMatch
}

func (r *Resolver) fromPublisher(_ context.Context, in Input) (string, error) {
	if in.Title == "" {
		return "", errNoMatch
	}
	fold := cases.Fold()
	title := fold.String(in.Title)
	for _, p := range r.config.Publishers {
		if p.Name == "" || p.Domain == "" {
			continue
		}
		if strings.Contains(title, fold.String(p.Name)) {
			return "https://" + p.Domain, nil
		}
	}
	return "", errNoMatch
}

func (r *Resolver) fromProbe(ctx context.Context, in Input) (string, error) {
	if r.prober == nil {
		return "", errors.New("no prober configured")
	}
	location, status, err := r.prober.Probe(ctx, in.URL)
	if err != nil {
		return "", err
	}
	if !links.IsAbsoluteHTTP(location) {
		return "", fmt.Errorf("status %d without an absolute Location", status)
	}
	return location, nil
}

// Domain returns the host of rawURL with a leading "www." removed.
// The prefix check is case-sensitive. It returns "" when rawURL has no host.
func Domain(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(parsed.Hostname(), "www.")
}

// FaviconURL expands the favicon service template for domain
func (r *Resolver) FaviconURL(domain string) string {
	return strings.ReplaceAll(r.config.FaviconServiceURL, "{domain}", url.QueryEscape(domain))
}
