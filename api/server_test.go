package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authexity/scraper/metrics"
	"github.com/authexity/scraper/models"
	"github.com/authexity/scraper/services"
	"github.com/authexity/scraper/services/gemini"
	"github.com/authexity/scraper/services/sightengine"
	"github.com/authexity/scraper/services/virustotal"
	"github.com/authexity/scraper/verdict"
)

type stubPipeline struct{}

func (stubPipeline) Scrape(_ context.Context, targetURL string) models.PageMetadata {
	return models.PageMetadata{SourceURL: targetURL, Title: "Example Domain"}
}

func (stubPipeline) AnalyzeText(_ context.Context, text string) models.TextAnalysis {
	return models.TextAnalysis{
		ID:         "analysis-1",
		FoundLinks: strings.Contains(text, "http"),
		Links:      []string{},
		Pages:      []models.PageMetadata{},
		Citations:  []models.ResolvedCitation{},
	}
}

func (stubPipeline) ResolveCitations(_ context.Context, chunks []models.GroundingChunk) []models.ResolvedCitation {
	out := make([]models.ResolvedCitation, len(chunks))
	for i, c := range chunks {
		out[i] = models.ResolvedCitation{DisplayTitle: c.Title, RealURL: c.URI, OriginalURL: c.URI}
	}
	return out
}

type stubScanner struct{ err error }

func (s stubScanner) CheckURL(_ context.Context, target string) (*virustotal.URLReport, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &virustotal.URLReport{URL: target, Status: "completed", Stats: virustotal.Stats{Harmless: 70}}, nil
}

type stubModerator struct{}

func (stubModerator) ModerateText(context.Context, string, string) (*sightengine.TextResult, error) {
	return &sightengine.TextResult{Status: "success", Classes: map[string]float64{"toxic": 0.9}}, nil
}

func (stubModerator) CheckImage(_ context.Context, media sightengine.Media, models []string) (map[string]any, error) {
	return map[string]any{"status": "success", "filename": media.Filename, "models": strings.Join(models, ",")}, nil
}

type stubGenerator struct{ text string }

func (g stubGenerator) Generate(context.Context, gemini.Request) (*gemini.Response, error) {
	return &gemini.Response{Text: g.text}, nil
}

func setupTestServer(t *testing.T, opts ...verdict.Option) (*Server, *metrics.Metrics) {
	t.Helper()

	m := metrics.New()
	v := verdict.New(verdict.DefaultConfig(), stubPipeline{}, opts...)
	config := DefaultConfig()
	config.CORSEnabled = false

	return NewServer(config, stubPipeline{}, v, m), m
}

func do(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	return out
}

func TestHandleHealth(t *testing.T) {
	server, _ := setupTestServer(t)

	w := do(t, server, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])

	w = do(t, server, http.MethodPost, "/health", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleAnalyze(t *testing.T) {
	server, _ := setupTestServer(t)

	tests := []struct {
		name           string
		method         string
		body           interface{}
		wantStatusCode int
		wantErrMsg     string
	}{
		{"valid request", http.MethodPost, AnalyzeRequest{Text: "see https://example.com"}, http.StatusOK, ""},
		{"missing text", http.MethodPost, AnalyzeRequest{}, http.StatusBadRequest, "text is required"},
		{"invalid body", http.MethodPost, "not an object", http.StatusBadRequest, "invalid request body"},
		{"wrong method", http.MethodGet, nil, http.StatusMethodNotAllowed, "method not allowed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, server, tt.method, "/api/analyze", tt.body)
			assert.Equal(t, tt.wantStatusCode, w.Code)

			resp := decode(t, w)
			if tt.wantErrMsg != "" {
				assert.Equal(t, tt.wantErrMsg, resp["error"])
				return
			}
			assert.Equal(t, "analysis-1", resp["id"])
			assert.Equal(t, true, resp["found_links"])
		})
	}
}

func TestHandlePreview(t *testing.T) {
	server, _ := setupTestServer(t, verdict.WithURLScanner(stubScanner{}))

	w := do(t, server, http.MethodGet, "/api/preview?url=https://example.com", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp PreviewResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "Example Domain", resp.Page.Title)
	require.NotNil(t, resp.Security)
	assert.True(t, resp.Security.Safe)
	assert.Equal(t, 100, resp.Security.Score)

	w = do(t, server, http.MethodGet, "/api/preview?url=example.com", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, server, http.MethodGet, "/api/preview", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlePreviewWithoutScanner(t *testing.T) {
	server, _ := setupTestServer(t)

	w := do(t, server, http.MethodGet, "/api/preview?url=https://example.com", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp PreviewResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Nil(t, resp.Security)
	assert.Empty(t, resp.Warnings)
}

func TestHandlePreviewScannerFailure(t *testing.T) {
	server, _ := setupTestServer(t, verdict.WithURLScanner(stubScanner{err: errors.New("boom")}))

	w := do(t, server, http.MethodGet, "/api/preview?url=https://example.com", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp PreviewResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Nil(t, resp.Security)
	assert.Equal(t, []string{"Security check unavailable"}, resp.Warnings)
}

func TestHandleResolveCitations(t *testing.T) {
	server, _ := setupTestServer(t)

	body := ResolveCitationsRequest{Citations: []models.GroundingChunk{
		{Title: "a.com", URI: "https://a.com/1"},
		{Title: "a.com", URI: "https://a.com/1"},
	}}
	w := do(t, server, http.MethodPost, "/api/citations/resolve", body)
	require.Equal(t, http.StatusOK, w.Code)

	var resp ResolveCitationsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 2, resp.Count)
	assert.Len(t, resp.Citations, 2)
}

func TestServiceRoutesNotConfigured(t *testing.T) {
	server, _ := setupTestServer(t)

	tests := []struct {
		path string
		body interface{}
	}{
		{"/api/security-check", SecurityCheckRequest{URL: "https://example.com"}},
		{"/api/moderate/text", ModerateTextRequest{Text: "hello"}},
		{"/api/scam-check", ScamCheckRequest{Message: "hello"}},
		{"/api/fact-check", FactCheckRequest{Statement: "the sky is blue"}},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := do(t, server, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusServiceUnavailable, w.Code)
			assert.Contains(t, decode(t, w)["error"], "not configured")
		})
	}
}

func TestHandleSecurityCheck(t *testing.T) {
	server, _ := setupTestServer(t, verdict.WithURLScanner(stubScanner{}))

	w := do(t, server, http.MethodPost, "/api/security-check", SecurityCheckRequest{URL: "https://example.com"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["safe"])

	w = do(t, server, http.MethodPost, "/api/security-check", SecurityCheckRequest{URL: "ftp://example.com"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, server, http.MethodPost, "/api/security-check", SecurityCheckRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleSecurityCheckUpstreamError(t *testing.T) {
	apiErr := &services.APIError{Service: "virustotal", StatusCode: http.StatusTooManyRequests}
	server, _ := setupTestServer(t, verdict.WithURLScanner(stubScanner{err: apiErr}))

	w := do(t, server, http.MethodPost, "/api/security-check", SecurityCheckRequest{URL: "https://example.com"})

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "virustotal request failed", decode(t, w)["error"])
}

func TestHandleModerateText(t *testing.T) {
	server, _ := setupTestServer(t, verdict.WithModerator(stubModerator{}))

	w := do(t, server, http.MethodPost, "/api/moderate/text", ModerateTextRequest{Text: "so toxic"})
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode(t, w)
	assert.Equal(t, "so ****", resp["sanitized_text"])
	assert.Equal(t, float64(90), resp["moderation_score"])
}

func TestHandleModerateImage(t *testing.T) {
	server, _ := setupTestServer(t, verdict.WithModerator(stubModerator{}))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("media", "cat.jpg")
	require.NoError(t, err)
	_, err = part.Write([]byte("jpeg-bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("models", "nudity-2.1, weapon"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/moderate/image", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "cat.jpg", resp["filename"])
	assert.Equal(t, "nudity-2.1,weapon", resp["models"])
}

func TestHandleModerateImageMissingMedia(t *testing.T) {
	server, _ := setupTestServer(t, verdict.WithModerator(stubModerator{}))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("models", "weapon"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/moderate/image", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "media file is required", decode(t, w)["error"])
}

func TestHandleScamCheck(t *testing.T) {
	model := stubGenerator{text: "```json\n{\"spamScore\": 80, \"dangerScore\": 60, \"warnings\": [\"Urgency\"]}\n```"}
	server, _ := setupTestServer(t, verdict.WithGenerator(model))

	w := do(t, server, http.MethodPost, "/api/scam-check", ScamCheckRequest{Message: "Act now!"})
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode(t, w)
	assert.Equal(t, float64(80), resp["spamScore"])
	assert.Equal(t, float64(60), resp["dangerScore"])
	assert.Equal(t, "analysis-1", resp["analysisId"])
}

func TestHandleScamCheckSystemError(t *testing.T) {
	server, _ := setupTestServer(t, verdict.WithGenerator(stubGenerator{text: "Sorry, I can't do that."}))

	w := do(t, server, http.MethodPost, "/api/scam-check", ScamCheckRequest{Message: "Act now!"})

	assert.Equal(t, http.StatusBadGateway, w.Code)
	var resp SystemError
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "system_error", resp.Error)
	assert.Equal(t, "Sorry, I can't do that.", resp.Excerpt)
	assert.NotEmpty(t, resp.Detail)
}

func TestHandleFactCheck(t *testing.T) {
	model := stubGenerator{text: `{"verdict": "true", "confidence": 0.9, "explanation": "Rayleigh scattering."}`}
	server, _ := setupTestServer(t, verdict.WithGenerator(model))

	w := do(t, server, http.MethodPost, "/api/fact-check", FactCheckRequest{Statement: "The sky is blue"})
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode(t, w)
	assert.Equal(t, "true", resp["verdict"])
	assert.Equal(t, "The sky is blue", resp["statement"])

	w = do(t, server, http.MethodPost, "/api/fact-check", FactCheckRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	v := verdict.New(verdict.DefaultConfig(), stubPipeline{})
	server := NewServer(DefaultConfig(), stubPipeline{}, v, nil)

	w := do(t, server, http.MethodOptions, "/api/analyze", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestMetrics(t *testing.T) {
	server, m := setupTestServer(t)

	do(t, server, http.MethodGet, "/health", nil)
	do(t, server, http.MethodGet, "/health", nil)
	do(t, server, http.MethodGet, "/nope", nil)

	expected := `
# HELP authexity_http_requests_total API requests served.
# TYPE authexity_http_requests_total counter
authexity_http_requests_total{code="200",route="/health"} 2
authexity_http_requests_total{code="404",route="unmatched"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "authexity_http_requests_total"))

	w := do(t, server, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "authexity_http_requests_total")
}
