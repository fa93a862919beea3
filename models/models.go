package models

import "time"

// FetchStatus classifies the outcome of a single page fetch
type FetchStatus string

const (
	FetchOK           FetchStatus = "ok"
	FetchTimeout      FetchStatus = "timeout"
	FetchNetworkError FetchStatus = "network_error"
	FetchHTTPError    FetchStatus = "http_error"
)

// FetchResult is the outcome of one fetch attempt. It is never retried automatically.
type FetchResult struct {
	URL         string        `json:"url"`
	Status      FetchStatus   `json:"status"`
	StatusCode  int           `json:"status_code,omitempty"`
	ContentType string        `json:"content_type,omitempty"`
	Body        string        `json:"-"`
	Error       string        `json:"error,omitempty"`
	FetchedAt   time.Time     `json:"fetched_at"`
	Duration    time.Duration `json:"duration"`
}

// OK reports whether the fetch produced a usable body
func (r FetchResult) OK() bool {
	return r.Status == FetchOK
}

// ImageRef is an image found on a page
type ImageRef struct {
	URL string `json:"url"`
	Alt string `json:"alt"`
}

// OutboundLink is an anchor found on a page
type OutboundLink struct {
	URL  string `json:"url"`
	Text string `json:"text"`
}

// PageMetadata is the normalized record extracted from a fetched HTML document.
// All URL fields are absolute.
type PageMetadata struct {
	SourceURL     string         `json:"source_url"`
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	SiteName      string         `json:"site_name,omitempty"`
	Images        []ImageRef     `json:"images"`
	Favicon       string         `json:"favicon,omitempty"`
	Author        string         `json:"author,omitempty"`
	PublishedDate *time.Time     `json:"published_date,omitempty"`
	OGImage       string         `json:"og_image,omitempty"`
	OGType        string         `json:"og_type,omitempty"`
	CanonicalURL  string         `json:"canonical_url,omitempty"`
	OutboundLinks []OutboundLink `json:"links"`
	TextExcerpt   string         `json:"text_excerpt"`
	ContentHTML   string         `json:"content_html,omitempty"`
	Failure       *Failure       `json:"failure,omitempty"` // Set when the record is degraded
}

// GroundingChunk is a raw citation returned by a search-augmented model call
type GroundingChunk struct {
	Title       string     `json:"title"`
	URI         string     `json:"uri"`
	Snippet     string     `json:"snippet,omitempty"`
	Confidence  *float64   `json:"confidence,omitempty"`
	PublishDate *time.Time `json:"publish_date,omitempty"`
}

// ResolvedCitation is a display-ready card for one source.
// RealURL is never empty: when no resolution strategy succeeds it carries the original URL.
type ResolvedCitation struct {
	DisplayTitle string     `json:"display_title"`
	RealURL      string     `json:"real_url"`
	OriginalURL  string     `json:"original_url"`
	Domain       string     `json:"domain,omitempty"`
	FaviconURL   string     `json:"favicon_url,omitempty"`
	Confidence   *float64   `json:"confidence,omitempty"` // 0.0 to 1.0
	Snippet      string     `json:"snippet,omitempty"`
	ImageURL     string     `json:"image_url,omitempty"`
	PublishDate  *time.Time `json:"publish_date,omitempty"`
	Resolved     bool       `json:"resolved"`
	Method       string     `json:"method"` // Resolution strategy that produced RealURL
	Failure      *Failure   `json:"failure,omitempty"`
}

// TextAnalysis is the result of scanning free text for links and previewing each one
type TextAnalysis struct {
	ID         string             `json:"id"`
	FoundLinks bool               `json:"found_links"`
	Message    string             `json:"message,omitempty"`
	Links      []string           `json:"links"`
	Pages      []PageMetadata     `json:"pages"`
	Citations  []ResolvedCitation `json:"citations"`
}
