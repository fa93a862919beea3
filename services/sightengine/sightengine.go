// Package sightengine calls the Sightengine text and image moderation APIs.
package sightengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/authexity/scraper/metrics"
	"github.com/authexity/scraper/services"
)

const (
	// DefaultBaseURL is the public API host
	DefaultBaseURL = "https://api.sightengine.com"
	// ServiceName labels errors and metrics
	ServiceName = "sightengine"

	// DefaultTextModels are the text classifiers requested when none are given
	DefaultTextModels = "general,self-harm"
	// StatusSuccess is the status field of an accepted request
	StatusSuccess = "success"
)

// Config contains Sightengine client configuration
type Config struct {
	APIUser   string
	APISecret string
	BaseURL   string
	Transport services.Config
}

// DefaultConfig returns default client configuration without credentials
func DefaultConfig() Config {
	return Config{
		BaseURL:   DefaultBaseURL,
		Transport: services.DefaultConfig(),
	}
}

// TextResult is a decoded text moderation response. Classes holds the
// numeric moderation_classes entries keyed by class name.
type TextResult struct {
	Status  string             `json:"status"`
	Classes map[string]float64 `json:"classes"`
	Error   string             `json:"error,omitempty"`
}

// Successful reports whether the API accepted the request
func (r *TextResult) Successful() bool {
	return r.Status == StatusSuccess
}

type textResponse struct {
	Status            string                     `json:"status"`
	ModerationClasses map[string]json.RawMessage `json:"moderation_classes"`
	Error             *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Client talks to the Sightengine 1.0 API
type Client struct {
	config Config
	api    *services.Client
}

// New creates a Client. m may be nil.
func New(config Config, m *metrics.Metrics) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &Client{
		config: config,
		api:    services.NewClient(ServiceName, config.Transport, m),
	}
}

// Configured reports whether credentials are present
func (c *Client) Configured() bool {
	return c != nil && c.config.APIUser != "" && c.config.APISecret != ""
}

// ModerateText classifies text with the general and self-harm models
func (c *Client) ModerateText(ctx context.Context, text, lang string) (*TextResult, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("%s: %w", ServiceName, services.ErrNotConfigured)
	}
	if lang == "" {
		lang = "en"
	}

	fields := map[string]string{
		"text":   text,
		"lang":   lang,
		"models": DefaultTextModels,
		"mode":   "ml",
	}
	req, err := c.multipartRequest(ctx, "/1.0/text/check.json", fields, nil)
	if err != nil {
		return nil, err
	}

	var resp textResponse
	if err := c.api.DoJSON(req, &resp); err != nil {
		return nil, err
	}

	result := &TextResult{
		Status:  resp.Status,
		Classes: make(map[string]float64, len(resp.ModerationClasses)),
	}
	for name, raw := range resp.ModerationClasses {
		var score float64
		// "available" lists class names rather than a score
		if err := json.Unmarshal(raw, &score); err != nil {
			continue
		}
		result.Classes[name] = score
	}
	if resp.Error != nil {
		result.Error = resp.Error.Message
	}
	return result, nil
}

// Media is an uploaded image
type Media struct {
	Filename string
	Data     []byte
}

// CheckImage runs the named image models and returns the decoded response as-is
func (c *Client) CheckImage(ctx context.Context, media Media, models []string) (map[string]any, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("%s: %w", ServiceName, services.ErrNotConfigured)
	}
	if len(media.Data) == 0 {
		return nil, fmt.Errorf("%s: empty image", ServiceName)
	}
	if len(models) == 0 {
		return nil, fmt.Errorf("%s: at least one model is required", ServiceName)
	}

	fields := map[string]string{"models": strings.Join(models, ",")}
	req, err := c.multipartRequest(ctx, "/1.0/check.json", fields, &media)
	if err != nil {
		return nil, err
	}

	var resp map[string]any
	if err := c.api.DoJSON(req, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) multipartRequest(ctx context.Context, path string, fields map[string]string, media *Media) (*http.Request, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	fields["api_user"] = c.config.APIUser
	fields["api_secret"] = c.config.APISecret
	for key, value := range fields {
		if err := w.WriteField(key, value); err != nil {
			return nil, fmt.Errorf("failed to write form field %s: %w", key, err)
		}
	}

	if media != nil {
		filename := media.Filename
		if filename == "" {
			filename = "upload"
		}
		part, err := w.CreateFormFile("media", filename)
		if err != nil {
			return nil, fmt.Errorf("failed to create media part: %w", err)
		}
		if _, err := part.Write(media.Data); err != nil {
			return nil, fmt.Errorf("failed to write media: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req, nil
}
