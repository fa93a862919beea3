// Package virustotal submits URLs to VirusTotal and reads back the engine verdicts.
package virustotal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/authexity/scraper/metrics"
	"github.com/authexity/scraper/services"
)

const (
	// DefaultBaseURL is the public API host
	DefaultBaseURL = "https://www.virustotal.com"
	// ServiceName labels errors and metrics
	ServiceName = "virustotal"

	statusCompleted = "completed"
)

// Config contains VirusTotal client configuration
type Config struct {
	APIKey       string
	BaseURL      string
	Transport    services.Config
	PollInterval time.Duration // Wait between analysis polls
	MaxPolls     int           // Analysis reads before returning a pending report
}

// DefaultConfig returns default client configuration without credentials
func DefaultConfig() Config {
	return Config{
		BaseURL:      DefaultBaseURL,
		Transport:    services.DefaultConfig(),
		PollInterval: 2 * time.Second,
		MaxPolls:     3,
	}
}

// Stats counts engine verdicts by category
type Stats struct {
	Malicious  int `json:"malicious"`
	Suspicious int `json:"suspicious"`
	Harmless   int `json:"harmless"`
	Undetected int `json:"undetected"`
	Timeout    int `json:"timeout"`
}

// Total is the number of engines that answered
func (s Stats) Total() int {
	return s.Malicious + s.Suspicious + s.Harmless + s.Undetected + s.Timeout
}

// EngineResult is one engine's verdict
type EngineResult struct {
	EngineName string `json:"engine_name"`
	Category   string `json:"category"`
	Result     string `json:"result"`
	Method     string `json:"method"`
}

// URLReport is a completed or pending URL analysis
type URLReport struct {
	URL        string                  `json:"url"`
	AnalysisID string                  `json:"analysis_id"`
	Status     string                  `json:"status"`
	Stats      Stats                   `json:"stats"`
	Results    map[string]EngineResult `json:"results,omitempty"`
}

// Completed reports whether the engines have finished
func (r *URLReport) Completed() bool {
	return r.Status == statusCompleted
}

type submitResponse struct {
	Data struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"data"`
}

type analysisResponse struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			Status  string                  `json:"status"`
			Stats   Stats                   `json:"stats"`
			Results map[string]EngineResult `json:"results"`
		} `json:"attributes"`
	} `json:"data"`
}

// Client talks to the VirusTotal v3 API
type Client struct {
	config Config
	api    *services.Client
}

// New creates a Client. m may be nil.
func New(config Config, m *metrics.Metrics) *Client {
	defaults := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.MaxPolls <= 0 {
		config.MaxPolls = 1
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

// CheckURL submits target for scanning and returns the analysis. When the
// engines have not finished after MaxPolls reads the report is returned with
// its current status.
func (c *Client) CheckURL(ctx context.Context, target string) (*URLReport, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("%s: %w", ServiceName, services.ErrNotConfigured)
	}

	analysisID, err := c.submit(ctx, target)
	if err != nil {
		return nil, err
	}

	var report *URLReport
	for poll := 0; poll < c.config.MaxPolls; poll++ {
		if poll > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.config.PollInterval):
			}
		}

		report, err = c.analysis(ctx, analysisID)
		if err != nil {
			return nil, err
		}
		report.URL = target
		if report.Completed() {
			break
		}
	}

	return report, nil
}

func (c *Client) submit(ctx context.Context, target string) (string, error) {
	form := url.Values{"url": {target}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/api/v3/urls", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("x-apikey", c.config.APIKey)

	var resp submitResponse
	if err := c.api.DoJSON(req, &resp); err != nil {
		return "", err
	}
	if resp.Data.ID == "" {
		return "", fmt.Errorf("%s: submission returned no analysis id", ServiceName)
	}
	return resp.Data.ID, nil
}

func (c *Client) analysis(ctx context.Context, id string) (*URLReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/api/v3/analyses/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-apikey", c.config.APIKey)

	var resp analysisResponse
	if err := c.api.DoJSON(req, &resp); err != nil {
		return nil, err
	}

	return &URLReport{
		AnalysisID: id,
		Status:     resp.Data.Attributes.Status,
		Stats:      resp.Data.Attributes.Stats,
		Results:    resp.Data.Attributes.Results,
	}, nil
}
