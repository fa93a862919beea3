package verdict

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authexity/scraper/llmjson"
	"github.com/authexity/scraper/metrics"
	"github.com/authexity/scraper/models"
	"github.com/authexity/scraper/services"
	"github.com/authexity/scraper/services/gemini"
	"github.com/authexity/scraper/services/sightengine"
	"github.com/authexity/scraper/services/virustotal"
)

type stubScanner struct {
	report *virustotal.URLReport
	err    error
}

func (s *stubScanner) CheckURL(_ context.Context, target string) (*virustotal.URLReport, error) {
	if s.err != nil {
		return nil, s.err
	}
	r := *s.report
	r.URL = target
	return &r, nil
}

type stubModerator struct {
	text     *sightengine.TextResult
	image    map[string]any
	err      error
	lastLang string
}

func (s *stubModerator) ModerateText(_ context.Context, _, lang string) (*sightengine.TextResult, error) {
	s.lastLang = lang
	return s.text, s.err
}

func (s *stubModerator) CheckImage(context.Context, sightengine.Media, []string) (map[string]any, error) {
	return s.image, s.err
}

type stubGenerator struct {
	resp    *gemini.Response
	err     error
	request gemini.Request
}

func (s *stubGenerator) Generate(_ context.Context, r gemini.Request) (*gemini.Response, error) {
	s.request = r
	return s.resp, s.err
}

type stubAnalyzer struct {
	analysis models.TextAnalysis
	chunks   []models.GroundingChunk
}

func (s *stubAnalyzer) AnalyzeText(context.Context, string) models.TextAnalysis {
	return s.analysis
}

func (s *stubAnalyzer) ResolveCitations(_ context.Context, chunks []models.GroundingChunk) []models.ResolvedCitation {
	s.chunks = chunks
	out := make([]models.ResolvedCitation, len(chunks))
	for i, c := range chunks {
		out[i] = models.ResolvedCitation{DisplayTitle: c.Title, RealURL: c.URI, OriginalURL: c.URI, Resolved: true}
	}
	return out
}

func TestSafetyScore(t *testing.T) {
	p := DefaultSafetyPolicy()

	tests := []struct {
		name  string
		stats virustotal.Stats
		want  int
	}{
		{"no engines", virustotal.Stats{}, 0},
		{"all harmless", virustotal.Stats{Harmless: 70}, 100},
		{"mixed", virustotal.Stats{Harmless: 60, Undetected: 7, Malicious: 2, Suspicious: 1}, 74},
		{"clamped at zero", virustotal.Stats{Harmless: 1, Malicious: 30}, 0},
		{"undetected only", virustotal.Stats{Undetected: 10}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Score(tt.stats))
		})
	}
}

func TestSafetyThresholds(t *testing.T) {
	strict := DefaultSafetyPolicy()
	assert.True(t, strict.Safe(virustotal.Stats{Harmless: 50}))
	assert.False(t, strict.Safe(virustotal.Stats{Harmless: 50, Malicious: 1}))
	assert.False(t, strict.Safe(virustotal.Stats{Harmless: 50, Suspicious: 1}))

	lenient := SafetyPolicy{MaliciousThreshold: 2, SuspiciousThreshold: 3}
	assert.True(t, lenient.Safe(virustotal.Stats{Malicious: 2, Suspicious: 3}))
	assert.False(t, lenient.Safe(virustotal.Stats{Malicious: 3}))
}

func TestCheckURL(t *testing.T) {
	scanner := &stubScanner{report: &virustotal.URLReport{
		Status: "completed",
		Stats:  virustotal.Stats{Harmless: 60, Undetected: 7, Malicious: 2, Suspicious: 1},
		Results: map[string]virustotal.EngineResult{
			"Fortinet":  {Category: "malicious"},
			"BitDefend": {Category: "suspicious"},
			"Avira":     {Category: "harmless"},
			"ESET":      {Category: "malicious"},
		},
	}}
	v := New(DefaultConfig(), &stubAnalyzer{}, WithURLScanner(scanner))

	safety, err := v.CheckURL(context.Background(), "https://phish.example.com/login")

	require.NoError(t, err)
	assert.Equal(t, "https://phish.example.com/login", safety.URL)
	assert.False(t, safety.Safe)
	assert.Equal(t, 74, safety.Score)
	assert.Equal(t, []string{"BitDefend", "ESET", "Fortinet"}, safety.FlaggedEngines)
	assert.Equal(t, []string{"URL flagged as malicious", "URL flagged as suspicious"}, safety.Warnings)
}

func TestCheckURLSafe(t *testing.T) {
	scanner := &stubScanner{report: &virustotal.URLReport{
		Status: "completed",
		Stats:  virustotal.Stats{Harmless: 70},
	}}
	v := New(DefaultConfig(), &stubAnalyzer{}, WithURLScanner(scanner))

	safety, err := v.CheckURL(context.Background(), "https://example.com")

	require.NoError(t, err)
	assert.True(t, safety.Safe)
	assert.Equal(t, 100, safety.Score)
	assert.Empty(t, safety.Warnings)
	assert.NotNil(t, safety.FlaggedEngines)
}

func TestCheckURLPending(t *testing.T) {
	scanner := &stubScanner{report: &virustotal.URLReport{Status: "queued"}}
	v := New(DefaultConfig(), &stubAnalyzer{}, WithURLScanner(scanner))

	safety, err := v.CheckURL(context.Background(), "https://example.com")

	require.NoError(t, err)
	assert.False(t, safety.Safe)
	assert.Equal(t, 0, safety.Score)
	assert.Equal(t, []string{"Analysis still in progress"}, safety.Warnings)
}

func TestCheckURLErrors(t *testing.T) {
	v := New(DefaultConfig(), &stubAnalyzer{})
	_, err := v.CheckURL(context.Background(), "https://example.com")
	assert.True(t, errors.Is(err, services.ErrNotConfigured))

	v = New(DefaultConfig(), &stubAnalyzer{}, WithURLScanner(&stubScanner{}))
	_, err = v.CheckURL(context.Background(), "example.com")
	var inputErr *InputError
	require.True(t, errors.As(err, &inputErr))
	assert.Equal(t, "url", inputErr.Field)

	apiErr := &services.APIError{Service: "virustotal", StatusCode: 429}
	v = New(DefaultConfig(), &stubAnalyzer{}, WithURLScanner(&stubScanner{err: apiErr}))
	_, err = v.CheckURL(context.Background(), "https://example.com")
	assert.ErrorIs(t, err, apiErr)
}

func TestModerateText(t *testing.T) {
	moderator := &stubModerator{text: &sightengine.TextResult{
		Status: "success",
		Classes: map[string]float64{
			"sexual":    0.01,
			"insulting": 0.6,
			"toxic":     0.7,
			"violent":   0.05,
		},
	}}
	v := New(DefaultConfig(), &stubAnalyzer{}, WithModerator(moderator))

	result, err := v.ModerateText(context.Background(), "That was Insulting and TOXIC behaviour")

	require.NoError(t, err)
	assert.Equal(t, "en", moderator.lastLang)
	assert.Equal(t, []string{"insulting", "toxic"}, result.FlaggedWords)
	assert.Equal(t, float64(100), result.Score)
	assert.Equal(t, "That was **** and **** behaviour", result.SanitizedText)
	assert.Equal(t, []string{"Text contains inappropriate content"}, result.Warnings)
}

func TestModerateTextBelowThreshold(t *testing.T) {
	moderator := &stubModerator{text: &sightengine.TextResult{
		Status:  "success",
		Classes: map[string]float64{"toxic": 0.2, "sexual": 0.01},
	}}
	cfg := DefaultConfig()
	cfg.ModerationThreshold = 0.1
	v := New(cfg, &stubAnalyzer{}, WithModerator(moderator))

	result, err := v.ModerateText(context.Background(), "hello there")

	require.NoError(t, err)
	assert.Equal(t, []string{"toxic"}, result.FlaggedWords)
	assert.InDelta(t, 20.0, result.Score, 1e-9)
	assert.Equal(t, "hello there", result.SanitizedText)

	moderator.text.Classes = map[string]float64{"toxic": 0.01}
	result, err = v.ModerateText(context.Background(), "hello there")
	require.NoError(t, err)
	assert.Empty(t, result.FlaggedWords)
	assert.Zero(t, result.Score)
	assert.Empty(t, result.Warnings)
}

func TestModerateTextDegrades(t *testing.T) {
	failing := &stubModerator{err: errors.New("connection refused")}
	v := New(DefaultConfig(), &stubAnalyzer{}, WithModerator(failing))

	result, err := v.ModerateText(context.Background(), "hello")
	require.NoError(t, err)
	assert.Zero(t, result.Score)
	assert.Equal(t, "hello", result.SanitizedText)
	assert.Equal(t, []string{"Failed to analyze: connection refused"}, result.Warnings)

	unsuccessful := &stubModerator{text: &sightengine.TextResult{Status: "failure", Error: "quota"}}
	v = New(DefaultConfig(), &stubAnalyzer{}, WithModerator(unsuccessful))

	result, err = v.ModerateText(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []string{"API returned an unsuccessful status"}, result.Warnings)
}

func TestModerateTextNotConfigured(t *testing.T) {
	v := New(DefaultConfig(), &stubAnalyzer{}, WithModerator(&stubModerator{
		err: services.ErrNotConfigured,
	}))
	_, err := v.ModerateText(context.Background(), "hello")
	assert.ErrorIs(t, err, services.ErrNotConfigured)

	v = New(DefaultConfig(), &stubAnalyzer{})
	_, err = v.ModerateText(context.Background(), "hello")
	assert.ErrorIs(t, err, services.ErrNotConfigured)
}

func TestModerateImage(t *testing.T) {
	moderator := &stubModerator{image: map[string]any{"status": "success"}}
	v := New(DefaultConfig(), &stubAnalyzer{}, WithModerator(moderator))

	result, err := v.ModerateImage(context.Background(), sightengine.Media{Filename: "a.png", Data: []byte("png")}, []string{"nudity-2.1"})
	require.NoError(t, err)
	assert.Equal(t, "success", result["status"])

	_, err = v.ModerateImage(context.Background(), sightengine.Media{}, []string{"nudity-2.1"})
	var inputErr *InputError
	assert.True(t, errors.As(err, &inputErr))
}

func TestDetectScam(t *testing.T) {
	analyzer := &stubAnalyzer{analysis: models.TextAnalysis{
		ID:         "analysis-1",
		FoundLinks: true,
		Links:      []string{"https://prize.example.com"},
		Pages: []models.PageMetadata{{
			SourceURL:   "https://prize.example.com",
			Title:       "You won!",
			Description: "Claim your prize",
			TextExcerpt: "Enter your bank details to claim",
		}},
		Citations: []models.ResolvedCitation{{RealURL: "https://prize.example.com", Resolved: true}},
	}}
	model := &stubGenerator{resp: &gemini.Response{
		Text: "Here you go:\n```json\n{\"spamScore\": 92, \"dangerScore\": 88, \"warnings\": [\"Requests bank details\"]}\n```",
	}}
	m := metrics.New()
	v := New(DefaultConfig(), analyzer, WithGenerator(model), WithMetrics(m))

	check, err := v.DetectScam(context.Background(), "Congrats! Visit https://prize.example.com")

	require.NoError(t, err)
	assert.Equal(t, float64(92), check.SpamScore)
	assert.Equal(t, float64(88), check.DangerScore)
	assert.Equal(t, []string{"Requests bank details"}, check.Warnings)
	assert.Equal(t, "analysis-1", check.AnalysisID)
	assert.Len(t, check.Links, 1)

	assert.False(t, model.request.Search)
	assert.Contains(t, model.request.Prompt, "MESSAGE:\nCongrats! Visit https://prize.example.com")
	assert.Contains(t, model.request.Prompt, "Title: You won!")
	assert.Contains(t, model.request.Prompt, "Content: Enter your bank details to claim")

	expected := `
# HELP authexity_json_normalize_total Model output normalizations by strategy (failed when none worked).
# TYPE authexity_json_normalize_total counter
authexity_json_normalize_total{strategy="fenced"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "authexity_json_normalize_total"))
}

func TestDetectScamNoLinks(t *testing.T) {
	model := &stubGenerator{resp: &gemini.Response{Text: `{"spamScore": 5, "dangerScore": 0}`}}
	v := New(DefaultConfig(), &stubAnalyzer{}, WithGenerator(model))

	check, err := v.DetectScam(context.Background(), "See you at lunch")

	require.NoError(t, err)
	assert.NotNil(t, check.Warnings)
	assert.Contains(t, model.request.Prompt, "WEBSITE CONTENT FROM LINKS:\nNo links found in the message")
}

func TestDetectScamUnparseable(t *testing.T) {
	model := &stubGenerator{resp: &gemini.Response{Text: "I cannot help with that request."}}
	v := New(DefaultConfig(), &stubAnalyzer{}, WithGenerator(model))

	_, err := v.DetectScam(context.Background(), "hello")

	assert.ErrorIs(t, err, ErrModelOutput)
	assert.ErrorIs(t, err, llmjson.ErrUnparseable)
	var parseErr *llmjson.ParseError
	require.True(t, errors.As(err, &parseErr))
	assert.Equal(t, "I cannot help with that request.", parseErr.Excerpt)
}

func TestDetectScamOutOfRange(t *testing.T) {
	model := &stubGenerator{resp: &gemini.Response{Text: `{"spamScore": 140, "dangerScore": 10}`}}
	v := New(DefaultConfig(), &stubAnalyzer{}, WithGenerator(model))

	_, err := v.DetectScam(context.Background(), "hello")

	assert.ErrorIs(t, err, ErrModelOutput)
	assert.ErrorIs(t, err, llmjson.ErrInvalid)
}

func TestDetectScamErrors(t *testing.T) {
	v := New(DefaultConfig(), &stubAnalyzer{})
	_, err := v.DetectScam(context.Background(), "hello")
	assert.ErrorIs(t, err, services.ErrNotConfigured)

	v = New(DefaultConfig(), &stubAnalyzer{}, WithGenerator(&stubGenerator{}))
	_, err = v.DetectScam(context.Background(), "   ")
	var inputErr *InputError
	assert.True(t, errors.As(err, &inputErr))

	modelErr := errors.New("upstream unavailable")
	v = New(DefaultConfig(), &stubAnalyzer{}, WithGenerator(&stubGenerator{err: modelErr}))
	_, err = v.DetectScam(context.Background(), "hello")
	assert.ErrorIs(t, err, modelErr)
}

func TestFactCheck(t *testing.T) {
	confidence := 0.8
	model := &stubGenerator{resp: &gemini.Response{
		Text: `{"verdict": "False", "confidence": 0.93, "explanation": "Satellite imagery shows a sphere."}`,
		Chunks: []models.GroundingChunk{
			{Title: "nasa.gov", URI: "https://vertexaisearch.cloud.google.com/grounding-api-redirect/A", Confidence: &confidence},
		},
	}}
	analyzer := &stubAnalyzer{}
	v := New(DefaultConfig(), analyzer, WithGenerator(model))

	result, err := v.FactCheck(context.Background(), "The Earth is flat")

	require.NoError(t, err)
	assert.True(t, model.request.Search)
	assert.Contains(t, model.request.Prompt, "The Earth is flat")
	assert.Equal(t, VerdictFalse, result.Verdict)
	assert.Equal(t, 0.93, result.Confidence)
	assert.Equal(t, "The Earth is flat", result.Statement)
	require.Len(t, result.Sources, 1)
	assert.Equal(t, "nasa.gov", result.Sources[0].DisplayTitle)
	assert.Equal(t, model.resp.Chunks, analyzer.chunks)
}

func TestFactCheckInvalidReport(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"unknown verdict", `{"verdict": "probably", "confidence": 0.5}`},
		{"confidence above one", `{"verdict": "true", "confidence": 85}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &stubGenerator{resp: &gemini.Response{Text: tt.text}}
			v := New(DefaultConfig(), &stubAnalyzer{}, WithGenerator(model))

			_, err := v.FactCheck(context.Background(), "statement")

			assert.ErrorIs(t, err, ErrModelOutput)
			assert.ErrorIs(t, err, llmjson.ErrInvalid)
		})
	}
}
