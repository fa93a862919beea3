// Package extract turns a fetched HTML page into structured PageMetadata.
package extract

import (
	"log/slog"
	"mime"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/dyatlov/go-opengraph/opengraph"
	"golang.org/x/net/html"

	"github.com/authexity/scraper/models"
)

const (
	// MaxImages is the number of <img> references kept per page
	MaxImages = 10
	// MaxLinks is the number of outbound anchors kept per page
	MaxLinks = 10
	// MaxExcerptChars is the hard cut applied to the plain-text excerpt
	MaxExcerptChars = 5000
)

// mainContentSelectors are tried in order; the first one present in the document wins
var mainContentSelectors = []string{
	"article",
	".article",
	".post-content",
	".entry-content",
	"main",
	"#content",
	".content",
}

const (
	contentNoise = "script, style, noscript, iframe"
	bodyNoise    = "script, style, noscript, iframe, nav, footer, header, aside"
)

var tagPattern = regexp.MustCompile(`<\s*[a-zA-Z!/]`)

// dateLayouts lists the publish date formats seen in meta tags
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
	"January 2, 2006",
	"Jan 2, 2006",
}

// Extract builds PageMetadata from a fetch result. A failed fetch yields a
// degraded record carrying a fetch failure; a body that is not markup yields
// one carrying a parse failure. Extract never panics.
func Extract(result models.FetchResult) models.PageMetadata {
	if !result.OK() {
		detail := result.Error
		if detail == "" {
			detail = string(result.Status)
		}
		return degraded(result.URL, models.NewFailure(models.FetchFailure, "%s", detail))
	}
	if !isMarkupType(result.ContentType) {
		return degraded(result.URL, models.NewFailure(models.ParseFailure, "unparseable document: content type %q", result.ContentType))
	}
	return FromHTML(result.URL, result.Body)
}

// FromHTML extracts metadata from body, resolving relative references against pageURL.
func FromHTML(pageURL, body string) (meta models.PageMetadata) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("metadata extraction panicked", "url", pageURL, "panic", r)
			meta = degraded(pageURL, models.NewFailure(models.ParseFailure, "unparseable document: %v", r))
		}
	}()

	base, err := url.Parse(pageURL)
	if err != nil || !base.IsAbs() {
		return degraded(pageURL, models.NewFailure(models.ParseFailure, "invalid page URL %q", pageURL))
	}

	if strings.TrimSpace(body) == "" || !tagPattern.MatchString(body) {
		return degraded(pageURL, models.NewFailure(models.ParseFailure, "unparseable document"))
	}

	root, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return degraded(pageURL, models.NewFailure(models.ParseFailure, "unparseable document: %v", err))
	}
	doc := goquery.NewDocumentFromNode(root)

	og := opengraph.NewOpenGraph()
	if err := og.ProcessHTML(strings.NewReader(body)); err != nil {
		slog.Debug("open graph parse failed", "url", pageURL, "error", err)
	}

	metas := collectMeta(doc)

	meta = models.PageMetadata{
		SourceURL:     pageURL,
		Images:        []models.ImageRef{},
		OutboundLinks: []models.OutboundLink{},
	}

	// scalar og:* values come from collectMeta, which keeps the first of duplicated tags
	meta.Title = firstNonEmpty(metas.get("og:title", "twitter:title"), doc.Find("title").First().Text())
	meta.Description = metas.get("og:description", "twitter:description", "description")
	meta.SiteName = metas.get("og:site_name")
	meta.OGType = metas.get("og:type")
	meta.Author = metas.get("author", "article:author")

	var ogImage string
	if len(og.Images) > 0 && og.Images[0] != nil {
		ogImage = og.Images[0].URL
	}
	if image := firstNonEmpty(ogImage, metas.get("og:image", "twitter:image", "twitter:image:src")); image != "" {
		meta.OGImage = resolveURL(base, image)
	}

	canonical := firstNonEmpty(metas.get("og:url"), attrOf(doc.Find(`link[rel="canonical"]`).First(), "href"))
	if canonical != "" {
		meta.CanonicalURL = resolveURL(base, canonical)
	}

	if og.Article != nil && og.Article.PublishedTime != nil {
		published := *og.Article.PublishedTime
		meta.PublishedDate = &published
	} else if published, ok := parseDate(metas.get("article:published_time", "date", "published_date")); ok {
		meta.PublishedDate = &published
	}

	meta.ContentHTML, meta.TextExcerpt = mainContent(doc)
	meta.Images = extractImages(doc, base)
	meta.OutboundLinks = extractLinks(doc, base)
	meta.Favicon = extractFavicon(doc, base)

	return meta
}

func degraded(pageURL string, failure *models.Failure) models.PageMetadata {
	return models.PageMetadata{
		SourceURL:     pageURL,
		Images:        []models.ImageRef{},
		OutboundLinks: []models.OutboundLink{},
		Failure:       failure,
	}
}

// isMarkupType accepts an empty or unparseable content type so that the body check decides
func isMarkupType(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return true
	}
	return strings.Contains(mediaType, "html") ||
		strings.Contains(mediaType, "xml") ||
		mediaType == "text/plain"
}

// metaTags maps a lowercased property or name attribute to its first non-empty content
type metaTags map[string]string

func collectMeta(doc *goquery.Document) metaTags {
	tags := metaTags{}
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		content := strings.TrimSpace(attrOf(s, "content"))
		if content == "" {
			return
		}
		for _, key := range []string{"property", "name"} {
			k := strings.ToLower(strings.TrimSpace(attrOf(s, key)))
			if k == "" {
				continue
			}
			if _, exists := tags[k]; !exists {
				tags[k] = content
			}
		}
	})
	return tags
}

// get returns the content of the first key present
func (m metaTags) get(keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			return v
		}
	}
	return ""
}

// mainContent returns the serialized candidate and its plain-text excerpt
func mainContent(doc *goquery.Document) (string, string) {
	for _, selector := range mainContentSelectors {
		match := doc.Find(selector).First()
		if match.Length() == 0 {
			continue
		}
		candidate := match.Clone()
		candidate.Find(contentNoise).Remove()
		inner, err := candidate.Html()
		if err == nil && strings.TrimSpace(inner) != "" {
			return inner, excerpt(candidate)
		}
		// an empty container falls through to the body
		break
	}

	body := doc.Find("body").First()
	if body.Length() == 0 {
		return "", ""
	}
	candidate := body.Clone()
	candidate.Find(bodyNoise).Remove()
	inner, err := candidate.Html()
	if err != nil {
		return "", excerpt(candidate)
	}
	return inner, excerpt(candidate)
}

// excerpt joins the text nodes of s with single spaces and cuts at MaxExcerptChars
func excerpt(s *goquery.Selection) string {
	var parts []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			parts = append(parts, strings.Fields(n.Data)...)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range s.Nodes {
		walk(n)
	}
	text := strings.Join(parts, " ")

	runes := []rune(text)
	if len(runes) > MaxExcerptChars {
		return string(runes[:MaxExcerptChars])
	}
	return text
}

func extractImages(doc *goquery.Document, base *url.URL) []models.ImageRef {
	images := []models.ImageRef{}
	doc.Find("img").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		src := strings.TrimSpace(attrOf(s, "src"))
		if src == "" {
			return true
		}
		resolved := resolveURL(base, src)
		if resolved == "" {
			return true
		}
		images = append(images, models.ImageRef{
			URL: resolved,
			Alt: attrOf(s, "alt"),
		})
		return len(images) < MaxImages
	})
	return images
}

func extractLinks(doc *goquery.Document, base *url.URL) []models.OutboundLink {
	links := []models.OutboundLink{}
	doc.Find("a").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href := strings.TrimSpace(attrOf(s, "href"))
		text := strings.Join(strings.Fields(s.Text()), " ")
		if href == "" || text == "" {
			return true
		}
		if strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
			return true
		}
		resolved := resolveURL(base, href)
		if resolved == "" {
			return true
		}
		links = append(links, models.OutboundLink{URL: resolved, Text: text})
		return len(links) < MaxLinks
	})
	return links
}

// extractFavicon prefers rel="icon" over rel="shortcut icon" and defaults to /favicon.ico
func extractFavicon(doc *goquery.Document, base *url.URL) string {
	var icon, shortcut string
	doc.Find("link[rel]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(attrOf(s, "href"))
		if href == "" {
			return
		}
		switch strings.ToLower(strings.Join(strings.Fields(attrOf(s, "rel")), " ")) {
		case "icon":
			if icon == "" {
				icon = href
			}
		case "shortcut icon":
			if shortcut == "" {
				shortcut = href
			}
		}
	})

	favicon := resolveURL(base, firstNonEmpty(icon, shortcut, "/favicon.ico"))
	if favicon == "" {
		return resolveURL(base, "/favicon.ico")
	}
	return favicon
}

// resolveURL resolves a potentially relative URL against a base URL.
// It returns "" when href does not parse.
func resolveURL(base *url.URL, href string) string {
	parsed, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return base.ResolveReference(parsed).String()
}

func parseDate(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func attrOf(s *goquery.Selection, name string) string {
	v, _ := s.Attr(name)
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

