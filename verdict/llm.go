package verdict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/authexity/scraper/llmjson"
	"github.com/authexity/scraper/models"
	"github.com/authexity/scraper/services/gemini"
)

// linkContentChars bounds each page excerpt sent to the model
const linkContentChars = 1500

const scamPrompt = `You are a spam detection system. Analyze this SMS message and the content of links it contains.
Return a JSON object with:
- spamScore (0-100)
- dangerScore (0-100)
- warnings (array)

Pay special attention to phishing attempts, suspicious links, and misleading content.

MESSAGE:
%s

WEBSITE CONTENT FROM LINKS:
%s`

const factCheckPrompt = `You are a fact checking system. Search the web and assess the statement below.
Return a JSON object with:
- verdict (one of "true", "false", "misleading", "unverified")
- confidence (0.0-1.0)
- explanation (string)

STATEMENT:
%s`

// ScamReport is the model's assessment of a message
type ScamReport struct {
	SpamScore   float64  `json:"spamScore"`
	DangerScore float64  `json:"dangerScore"`
	Warnings    []string `json:"warnings"`
}

// Validate checks both scores are within 0..100
func (r ScamReport) Validate() error {
	if r.SpamScore < 0 || r.SpamScore > 100 {
		return fmt.Errorf("spamScore %v out of range", r.SpamScore)
	}
	if r.DangerScore < 0 || r.DangerScore > 100 {
		return fmt.Errorf("dangerScore %v out of range", r.DangerScore)
	}
	return nil
}

// ScamCheck is a scam report together with the previewed links it was based on
type ScamCheck struct {
	ScamReport
	AnalysisID string                    `json:"analysisId"`
	Links      []models.ResolvedCitation `json:"links"`
}

// Fact check verdicts
const (
	VerdictTrue       = "true"
	VerdictFalse      = "false"
	VerdictMisleading = "misleading"
	VerdictUnverified = "unverified"
)

// FactCheckReport is the model's assessment of a statement
type FactCheckReport struct {
	Verdict     string  `json:"verdict"`
	Confidence  float64 `json:"confidence"`
	Explanation string  `json:"explanation"`
}

// Validate checks the verdict is known and confidence is within 0..1
func (r FactCheckReport) Validate() error {
	switch strings.ToLower(strings.TrimSpace(r.Verdict)) {
	case VerdictTrue, VerdictFalse, VerdictMisleading, VerdictUnverified:
	default:
		return fmt.Errorf("unknown verdict %q", r.Verdict)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence %v out of range", r.Confidence)
	}
	return nil
}

// FactCheckResult is a fact check report with its resolved sources
type FactCheckResult struct {
	FactCheckReport
	Statement string                    `json:"statement"`
	Sources   []models.ResolvedCitation `json:"sources"`
}

// DetectScam previews the links in message and asks the model to score it
func (v *Service) DetectScam(ctx context.Context, message string) (*ScamCheck, error) {
	if v.model == nil {
		return nil, notConfigured(gemini.ServiceName)
	}
	if strings.TrimSpace(message) == "" {
		return nil, &InputError{Field: "message", Reason: "must not be empty"}
	}

	analysis := v.analyzer.AnalyzeText(ctx, message)
	prompt := fmt.Sprintf(scamPrompt, message, linkContent(analysis.Pages))

	resp, err := v.model.Generate(ctx, gemini.Request{Prompt: prompt})
	if err != nil {
		return nil, err
	}

	report, err := decode[ScamReport](v, resp.Text)
	if err != nil {
		return nil, err
	}
	if report.Warnings == nil {
		report.Warnings = []string{}
	}

	return &ScamCheck{
		ScamReport: report,
		AnalysisID: analysis.ID,
		Links:      analysis.Citations,
	}, nil
}

// FactCheck asks the search-grounded model about statement and resolves the
// sources it cites
func (v *Service) FactCheck(ctx context.Context, statement string) (*FactCheckResult, error) {
	if v.model == nil {
		return nil, notConfigured(gemini.ServiceName)
	}
	if strings.TrimSpace(statement) == "" {
		return nil, &InputError{Field: "statement", Reason: "must not be empty"}
	}

	resp, err := v.model.Generate(ctx, gemini.Request{
		Prompt: fmt.Sprintf(factCheckPrompt, statement),
		Search: true,
	})
	if err != nil {
		return nil, err
	}

	report, err := decode[FactCheckReport](v, resp.Text)
	if err != nil {
		return nil, err
	}
	report.Verdict = strings.ToLower(strings.TrimSpace(report.Verdict))

	return &FactCheckResult{
		FactCheckReport: report,
		Statement:       statement,
		Sources:         v.analyzer.ResolveCitations(ctx, resp.Chunks),
	}, nil
}

func decode[T any](v *Service, text string) (T, error) {
	value, strategy, err := llmjson.Decode[T](text)
	v.metrics.ObserveNormalize(string(strategy))
	if err != nil {
		var parseErr *llmjson.ParseError
		if errors.As(err, &parseErr) {
			slog.Warn("model response not parseable", "excerpt", parseErr.Excerpt)
		} else {
			slog.Warn("model response rejected", "strategy", strategy, "error", err)
		}
		return value, fmt.Errorf("%w: %w", ErrModelOutput, err)
	}
	return value, nil
}

func linkContent(pages []models.PageMetadata) string {
	var b strings.Builder
	for _, page := range pages {
		if page.Failure != nil {
			fmt.Fprintf(&b, "URL: %s\n(unavailable: %s)\n\n", page.SourceURL, page.Failure.Detail)
			continue
		}
		excerpt := page.TextExcerpt
		if runes := []rune(excerpt); len(runes) > linkContentChars {
			excerpt = string(runes[:linkContentChars])
		}
		fmt.Fprintf(&b, "URL: %s\nTitle: %s\nDescription: %s\nContent: %s\n\n",
			page.SourceURL, page.Title, page.Description, excerpt)
	}
	if b.Len() == 0 {
		return "No links found in the message"
	}
	return strings.TrimSpace(b.String())
}
