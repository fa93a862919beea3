// Package gemini calls the Gemini generateContent REST endpoint, optionally
// with Google Search grounding, and returns the text plus its grounding chunks.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/authexity/scraper/metrics"
	"github.com/authexity/scraper/models"
	"github.com/authexity/scraper/services"
)

const (
	// DefaultBaseURL is the public generative language API root
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	// DefaultModel is used when no model is configured
	DefaultModel = "gemini-2.0-flash"
	// ServiceName labels errors and metrics
	ServiceName = "gemini"
)

// ErrEmptyResponse is returned when the model produced no text
var ErrEmptyResponse = errors.New("gemini response contained no text")

// Config contains Gemini client configuration
type Config struct {
	APIKey    string
	Model     string
	BaseURL   string
	Transport services.Config
}

// DefaultConfig returns default client configuration without credentials
func DefaultConfig() Config {
	return Config{
		Model:     DefaultModel,
		BaseURL:   DefaultBaseURL,
		Transport: services.DefaultConfig(),
	}
}

// Request is a single-turn prompt
type Request struct {
	Prompt string
	Search bool // Attach the google_search tool
}

// Response is the model text and the web sources it was grounded on
type Response struct {
	Text   string
	Chunks []models.GroundingChunk
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type tool struct {
	GoogleSearch *struct{} `json:"google_search,omitempty"`
}

type generateRequest struct {
	Contents []content `json:"contents"`
	Tools    []tool    `json:"tools,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content           content `json:"content"`
		GroundingMetadata *struct {
			GroundingChunks []struct {
				Web *struct {
					URI   string `json:"uri"`
					Title string `json:"title"`
				} `json:"web"`
			} `json:"groundingChunks"`
			GroundingSupports []struct {
				Segment struct {
					Text string `json:"text"`
				} `json:"segment"`
				GroundingChunkIndices []int     `json:"groundingChunkIndices"`
				ConfidenceScores      []float64 `json:"confidenceScores"`
			} `json:"groundingSupports"`
		} `json:"groundingMetadata"`
	} `json:"candidates"`
}

// Client talks to the Gemini API
type Client struct {
	config Config
	api    *services.Client
}

// New creates a Client. m may be nil.
func New(config Config, m *metrics.Metrics) *Client {
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &Client{
		config: config,
		api:    services.NewClient(ServiceName, config.Transport, m),
	}
}

// Configured reports whether an API key is present
func (c *Client) Configured() bool {
	return c != nil && c.config.APIKey != ""
}

// Generate sends the prompt and returns the concatenated candidate text
func (c *Client) Generate(ctx context.Context, r Request) (*Response, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("%s: %w", ServiceName, services.ErrNotConfigured)
	}

	body := generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: r.Prompt}}}},
	}
	if r.Search {
		body.Tools = []tool{{GoogleSearch: &struct{}{}}}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", c.config.BaseURL, url.PathEscape(c.config.Model))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-Api-Key", c.config.APIKey)

	var resp generateResponse
	if err := c.api.DoJSON(req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Candidates) == 0 {
		return nil, ErrEmptyResponse
	}

	candidate := resp.Candidates[0]
	var texts []string
	for _, p := range candidate.Content.Parts {
		if t := strings.TrimSpace(p.Text); t != "" {
			texts = append(texts, t)
		}
	}
	if len(texts) == 0 {
		return nil, ErrEmptyResponse
	}

	out := &Response{
		Text:   strings.Join(texts, "\n"),
		Chunks: []models.GroundingChunk{},
	}
	if candidate.GroundingMetadata == nil {
		return out, nil
	}

	meta := candidate.GroundingMetadata
	chunks := make([]models.GroundingChunk, len(meta.GroundingChunks))
	for i, gc := range meta.GroundingChunks {
		if gc.Web != nil {
			chunks[i] = models.GroundingChunk{Title: gc.Web.Title, URI: gc.Web.URI}
		}
	}

	// Supports attribute answer segments to chunks; the first segment becomes
	// the snippet and the highest score the confidence.
	for _, support := range meta.GroundingSupports {
		for j, idx := range support.GroundingChunkIndices {
			if idx < 0 || idx >= len(chunks) {
				continue
			}
			if chunks[idx].Snippet == "" {
				chunks[idx].Snippet = strings.TrimSpace(support.Segment.Text)
			}
			if j < len(support.ConfidenceScores) {
				score := support.ConfidenceScores[j]
				if chunks[idx].Confidence == nil || score > *chunks[idx].Confidence {
					chunks[idx].Confidence = &score
				}
			}
		}
	}

	for _, chunk := range chunks {
		if chunk.URI != "" {
			out.Chunks = append(out.Chunks, chunk)
		}
	}
	return out, nil
}
