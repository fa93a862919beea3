// Package verdict turns raw service responses into user-facing reports:
// URL safety from VirusTotal, text and image moderation from Sightengine,
// and scam detection and fact checking from Gemini.
package verdict

import (
	"context"
	"errors"
	"fmt"

	"github.com/authexity/scraper/metrics"
	"github.com/authexity/scraper/models"
	"github.com/authexity/scraper/services"
	"github.com/authexity/scraper/services/gemini"
	"github.com/authexity/scraper/services/sightengine"
	"github.com/authexity/scraper/services/virustotal"
)

// ErrModelOutput is returned when a model response could not be turned into a report
var ErrModelOutput = errors.New("model returned an unusable response")

// InputError rejects a request before any service is called
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// URLScanner submits URLs for a reputation scan. *virustotal.Client implements it.
type URLScanner interface {
	CheckURL(ctx context.Context, target string) (*virustotal.URLReport, error)
}

// Moderator classifies text and images. *sightengine.Client implements it.
type Moderator interface {
	ModerateText(ctx context.Context, text, lang string) (*sightengine.TextResult, error)
	CheckImage(ctx context.Context, media sightengine.Media, models []string) (map[string]any, error)
}

// Generator runs a prompt against a language model. *gemini.Client implements it.
type Generator interface {
	Generate(ctx context.Context, r gemini.Request) (*gemini.Response, error)
}

// Analyzer previews the links in a message and resolves model citations.
// *scraper.Scraper implements it.
type Analyzer interface {
	AnalyzeText(ctx context.Context, text string) models.TextAnalysis
	ResolveCitations(ctx context.Context, chunks []models.GroundingChunk) []models.ResolvedCitation
}

// Config contains verdict thresholds
type Config struct {
	Safety              SafetyPolicy
	ModerationThreshold float64 // Class scores above this are flagged
	Language            string  // Text moderation language
}

// DefaultConfig returns default verdict configuration
func DefaultConfig() Config {
	return Config{
		Safety:              DefaultSafetyPolicy(),
		ModerationThreshold: DefaultModerationThreshold,
		Language:            "en",
	}
}

// Option configures a Service
type Option func(*Service)

// WithURLScanner enables URL safety checks
func WithURLScanner(s URLScanner) Option {
	return func(v *Service) {
		v.scanner = s
	}
}

// WithModerator enables text and image moderation
func WithModerator(m Moderator) Option {
	return func(v *Service) {
		v.moderator = m
	}
}

// WithGenerator enables scam detection and fact checking
func WithGenerator(g Generator) Option {
	return func(v *Service) {
		v.model = g
	}
}

// WithMetrics records normalisation outcomes on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Service) {
		v.metrics = m
	}
}

// Service produces verdicts. Services left unset report services.ErrNotConfigured.
type Service struct {
	config    Config
	analyzer  Analyzer
	scanner   URLScanner
	moderator Moderator
	model     Generator
	metrics   *metrics.Metrics
}

// New creates a verdict Service around analyzer
func New(config Config, analyzer Analyzer, opts ...Option) *Service {
	if config.Language == "" {
		config.Language = DefaultConfig().Language
	}

	v := &Service{
		config:   config,
		analyzer: analyzer,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func notConfigured(name string) error {
	return fmt.Errorf("%s: %w", name, services.ErrNotConfigured)
}
