// Package scraper ties the extraction pipeline together: links found in text
// are fetched, their metadata extracted and redirect URLs unwrapped, with
// every record processed concurrently and returned in input order.
package scraper

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/authexity/scraper/extract"
	"github.com/authexity/scraper/fetch"
	"github.com/authexity/scraper/links"
	"github.com/authexity/scraper/metrics"
	"github.com/authexity/scraper/models"
	"github.com/authexity/scraper/resolve"
)

// Config contains scraper configuration
type Config struct {
	Fetch          fetch.Config
	Resolve        resolve.Config
	MaxConcurrency int           // Records processed at once per call
	CacheTTL       time.Duration // Zero disables the preview cache
}

// DefaultConfig returns default scraper configuration
func DefaultConfig() Config {
	return Config{
		Fetch:          fetch.DefaultConfig(),
		Resolve:        resolve.DefaultConfig(),
		MaxConcurrency: 8,
		CacheTTL:       time.Hour,
	}
}

// PageFetcher retrieves pages and probes redirects. *fetch.Fetcher implements it.
type PageFetcher interface {
	Fetch(ctx context.Context, targetURL string, opts ...fetch.Option) models.FetchResult
	Probe(ctx context.Context, targetURL string) (string, int, error)
}

// Option configures a Scraper
type Option func(*Scraper)

// WithMetrics records pipeline metrics on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scraper) {
		s.metrics = m
	}
}

// WithFetcher replaces the HTTP fetcher
func WithFetcher(f PageFetcher) Option {
	return func(s *Scraper) {
		s.fetcher = f
	}
}

// Scraper handles link discovery, page previews and citation resolution
type Scraper struct {
	config   Config
	fetcher  PageFetcher
	resolver *resolve.Resolver
	cache    *previewCache
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

// New creates a new Scraper instance
func New(config Config, opts ...Option) *Scraper {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultConfig().MaxConcurrency
	}

	s := &Scraper{
		config: config,
		tracer: otel.Tracer("github.com/authexity/scraper"),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.fetcher == nil {
		s.fetcher = fetch.New(config.Fetch, s.metrics)
	}
	s.resolver = resolve.New(config.Resolve, s.fetcher, s.metrics)
	if config.CacheTTL > 0 {
		s.cache = newPreviewCache(config.CacheTTL)
	}

	return s
}

// Resolver returns the redirect resolver used for citations
func (s *Scraper) Resolver() *resolve.Resolver {
	return s.resolver
}

// Scrape fetches a single page and extracts its metadata. Successful
// extractions are served from the preview cache until they expire.
func (s *Scraper) Scrape(ctx context.Context, targetURL string) models.PageMetadata {
	if page, ok := s.cache.get(targetURL); ok {
		s.metrics.ObserveCache("hit")
		return page
	}
	if s.cache != nil {
		s.metrics.ObserveCache("miss")
	}

	ctx, span := s.tracer.Start(ctx, "scraper.scrape", trace.WithAttributes(attribute.String("url.full", targetURL)))
	defer span.End()

	result := s.fetcher.Fetch(ctx, targetURL)
	page := extract.Extract(result)
	if page.Failure != nil {
		slog.Warn("page preview degraded", "url", targetURL, "kind", page.Failure.Kind, "detail", page.Failure.Detail)
		span.SetAttributes(attribute.String("scraper.failure", string(page.Failure.Kind)))
		return page
	}

	s.cache.set(targetURL, page)
	return page
}

// PreviewLinks scrapes every URL concurrently and builds a citation card for
// each one. Both slices have the same length and order as urls.
func (s *Scraper) PreviewLinks(ctx context.Context, urls []string) ([]models.PageMetadata, []models.ResolvedCitation) {
	pages := make([]models.PageMetadata, len(urls))
	citations := make([]models.ResolvedCitation, len(urls))

	ctx, span := s.tracer.Start(ctx, "scraper.preview_links", trace.WithAttributes(attribute.Int("scraper.count", len(urls))))
	defer span.End()

	var g errgroup.Group
	g.SetLimit(s.config.MaxConcurrency)

	for i, u := range urls {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("link preview panicked", "url", u, "panic", r)
					failure := models.NewFailure(models.ParseFailure, "preview aborted: %v", r)
					pages[i] = models.PageMetadata{
						SourceURL:     u,
						Images:        []models.ImageRef{},
						OutboundLinks: []models.OutboundLink{},
						Failure:       failure,
					}
					citations[i] = unresolvedCitation(u, u, failure)
				}
			}()

			pages[i] = s.Scrape(ctx, u)
			citations[i] = s.citationFromPage(ctx, u, pages[i])
			return nil
		})
	}

	// Workers never return errors; a failed record is carried in its own result.
	_ = g.Wait()
	return pages, citations
}

// ResolveCitations unwraps every grounding chunk concurrently. The output has
// one entry per input in the same order; duplicates are kept.
func (s *Scraper) ResolveCitations(ctx context.Context, chunks []models.GroundingChunk) []models.ResolvedCitation {
	citations := make([]models.ResolvedCitation, len(chunks))

	ctx, span := s.tracer.Start(ctx, "scraper.resolve_citations", trace.WithAttributes(attribute.Int("scraper.count", len(chunks))))
	defer span.End()

	var g errgroup.Group
	g.SetLimit(s.config.MaxConcurrency)

	for i, chunk := range chunks {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("citation resolution panicked", "url", chunk.URI, "panic", r)
					citations[i] = unresolvedCitation(chunk.URI, displayTitle(chunk.Title, "", chunk.URI),
						models.NewFailure(models.ResolutionFailure, "resolution aborted: %v", r))
				}
			}()

			citations[i] = s.resolveChunk(ctx, chunk)
			return nil
		})
	}

	_ = g.Wait()
	return citations
}

// AnalyzeText finds the links in text and previews each one
func (s *Scraper) AnalyzeText(ctx context.Context, text string) models.TextAnalysis {
	found := links.Extract(text)
	analysis := models.TextAnalysis{
		ID:         uuid.New().String(),
		FoundLinks: len(found) > 0,
		Links:      found,
		Pages:      []models.PageMetadata{},
		Citations:  []models.ResolvedCitation{},
	}
	if len(found) == 0 {
		analysis.Message = "No links found in the message"
		return analysis
	}

	analysis.Pages, analysis.Citations = s.PreviewLinks(ctx, found)
	return analysis
}

func (s *Scraper) resolveChunk(ctx context.Context, chunk models.GroundingChunk) models.ResolvedCitation {
	res := s.resolver.Resolve(ctx, resolve.Input{
		URL:     chunk.URI,
		Title:   chunk.Title,
		Snippet: chunk.Snippet,
	})

	return models.ResolvedCitation{
		DisplayTitle: displayTitle(chunk.Title, res.Domain, res.URL),
		RealURL:      res.URL,
		OriginalURL:  chunk.URI,
		Domain:       res.Domain,
		FaviconURL:   res.FaviconURL,
		Confidence:   clampConfidence(chunk.Confidence),
		Snippet:      chunk.Snippet,
		PublishDate:  chunk.PublishDate,
		Resolved:     res.Resolved,
		Method:       string(res.Method),
		Failure:      res.Failure,
	}
}

// citationFromPage builds a card for a locally discovered link from its extracted metadata
func (s *Scraper) citationFromPage(ctx context.Context, rawURL string, page models.PageMetadata) models.ResolvedCitation {
	res := s.resolver.Resolve(ctx, resolve.Input{
		URL:     rawURL,
		Title:   page.Title,
		Snippet: page.Description,
	})

	favicon := page.Favicon
	if favicon == "" {
		favicon = res.FaviconURL
	}

	failure := res.Failure
	if failure == nil {
		failure = page.Failure
	}

	return models.ResolvedCitation{
		DisplayTitle: displayTitle(page.Title, res.Domain, res.URL),
		RealURL:      res.URL,
		OriginalURL:  rawURL,
		Domain:       res.Domain,
		FaviconURL:   favicon,
		Snippet:      page.Description,
		ImageURL:     page.OGImage,
		PublishDate:  page.PublishedDate,
		Resolved:     res.Resolved,
		Method:       string(res.Method),
		Failure:      failure,
	}
}

func unresolvedCitation(rawURL, title string, failure *models.Failure) models.ResolvedCitation {
	return models.ResolvedCitation{
		DisplayTitle: title,
		RealURL:      rawURL,
		OriginalURL:  rawURL,
		Domain:       resolve.Domain(rawURL),
		Resolved:     false,
		Method:       string(resolve.MethodUnresolved),
		Failure:      failure,
	}
}

func displayTitle(title, domain, fallback string) string {
	switch {
	case title != "":
		return title
	case domain != "":
		return domain
	default:
		return fallback
	}
}

func clampConfidence(c *float64) *float64 {
	if c == nil {
		return nil
	}
	v := *c
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return &v
}

