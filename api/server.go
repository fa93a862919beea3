package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/authexity/scraper/links"
	"github.com/authexity/scraper/llmjson"
	"github.com/authexity/scraper/metrics"
	"github.com/authexity/scraper/models"
	"github.com/authexity/scraper/services"
	"github.com/authexity/scraper/services/sightengine"
	"github.com/authexity/scraper/verdict"
)

// Pipeline is the extraction pipeline behind the API. *scraper.Scraper implements it.
type Pipeline interface {
	Scrape(ctx context.Context, targetURL string) models.PageMetadata
	AnalyzeText(ctx context.Context, text string) models.TextAnalysis
	ResolveCitations(ctx context.Context, chunks []models.GroundingChunk) []models.ResolvedCitation
}

// Server represents the API server
type Server struct {
	config   Config
	pipeline Pipeline
	verdicts *verdict.Service
	metrics  *metrics.Metrics
	server   *http.Server
	mux      *http.ServeMux
}

// Config contains server configuration
type Config struct {
	Addr           string
	CORSEnabled    bool
	RequestTimeout time.Duration // Per-request budget for pipeline and service calls
	MaxBodyBytes   int64         // JSON request bodies
	MaxUploadBytes int64         // Multipart image uploads
}

// DefaultConfig returns default server configuration
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		CORSEnabled:    true,
		RequestTimeout: 2 * time.Minute,
		MaxBodyBytes:   1 << 20,
		MaxUploadBytes: 10 << 20,
	}
}

// NewServer creates a new API server. m may be nil; a nil verdicts answers
// 503 on every service-backed route.
func NewServer(config Config, pipeline Pipeline, verdicts *verdict.Service, m *metrics.Metrics) *Server {
	defaults := DefaultConfig()
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaults.MaxBodyBytes
	}
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = defaults.MaxUploadBytes
	}
	if verdicts == nil {
		verdicts = verdict.New(verdict.DefaultConfig(), pipeline)
	}

	s := &Server{
		config:   config,
		pipeline: pipeline,
		verdicts: verdicts,
		metrics:  m,
		mux:      http.NewServeMux(),
	}

	s.registerRoutes()

	s.server = &http.Server{
		Addr:         config.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: config.RequestTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// registerRoutes sets up all API routes
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/analyze", s.handleAnalyze)
	s.mux.HandleFunc("/api/preview", s.handlePreview)
	s.mux.HandleFunc("/api/citations/resolve", s.handleResolveCitations)
	s.mux.HandleFunc("/api/security-check", s.handleSecurityCheck)
	s.mux.HandleFunc("/api/moderate/text", s.handleModerateText)
	s.mux.HandleFunc("/api/moderate/image", s.handleModerateImage)
	s.mux.HandleFunc("/api/scam-check", s.handleScamCheck)
	s.mux.HandleFunc("/api/fact-check", s.handleFactCheck)
	s.mux.Handle("/metrics", s.metrics.Handler())
}

// Handler returns the routed handler wrapped in tracing, CORS and logging middleware
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.middleware(s.mux), "authexity-api")
}

// Start starts the API server
func (s *Server) Start() error {
	slog.Info("starting API server", "addr", s.config.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down API server")
	return s.server.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// middleware applies common middleware to all routes
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.CORSEnabled {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		// Pattern is set by the mux; unmatched paths share one label
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.ObserveHTTP(route, strconv.Itoa(rec.status), elapsed)

		// Skip health checks to reduce noise
		if r.URL.Path != "/health" {
			slog.Info("request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", elapsed.Milliseconds(),
			)
		}
	})
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now(),
	})
}

// AnalyzeRequest represents a free-text analysis request
type AnalyzeRequest struct {
	Text string `json:"text"`
}

// handleAnalyze finds and previews the links in a message
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req AnalyzeRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "text is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	respondJSON(w, http.StatusOK, s.pipeline.AnalyzeText(ctx, req.Text))
}

// PreviewResponse is a single page preview with an optional safety verdict
type PreviewResponse struct {
	Page     models.PageMetadata `json:"page"`
	Security *verdict.URLSafety  `json:"security,omitempty"`
	Warnings []string            `json:"warnings,omitempty"`
}

// handlePreview scrapes one URL and, when a scanner is configured, checks it
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	target := r.URL.Query().Get("url")
	if target == "" {
		respondError(w, http.StatusBadRequest, "url is required")
		return
	}
	if !links.IsAbsoluteHTTP(target) {
		respondError(w, http.StatusBadRequest, "url must be an absolute http(s) URL")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	resp := PreviewResponse{Page: s.pipeline.Scrape(ctx, target)}

	if r.URL.Query().Get("security") != "false" {
		safety, err := s.verdicts.CheckURL(ctx, target)
		switch {
		case err == nil:
			resp.Security = safety
		case errors.Is(err, services.ErrNotConfigured):
		default:
			slog.Warn("security check failed", "url", target, "error", err)
			resp.Warnings = append(resp.Warnings, "Security check unavailable")
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// ResolveCitationsRequest carries raw citations from a search-grounded model
type ResolveCitationsRequest struct {
	Citations []models.GroundingChunk `json:"citations"`
}

// ResolveCitationsResponse holds one resolved citation per input, in order
type ResolveCitationsResponse struct {
	Citations []models.ResolvedCitation `json:"citations"`
	Count     int                       `json:"count"`
}

// handleResolveCitations unwraps redirect URLs into display-ready cards
func (s *Server) handleResolveCitations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req ResolveCitationsRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	citations := s.pipeline.ResolveCitations(ctx, req.Citations)
	respondJSON(w, http.StatusOK, ResolveCitationsResponse{
		Citations: citations,
		Count:     len(citations),
	})
}

// SecurityCheckRequest represents a URL safety request
type SecurityCheckRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleSecurityCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req SecurityCheckRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.URL == "" {
		respondError(w, http.StatusBadRequest, "url is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	safety, err := s.verdicts.CheckURL(ctx, req.URL)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, safety)
}

// ModerateTextRequest represents a text moderation request
type ModerateTextRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleModerateText(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req ModerateTextRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	result, err := s.verdicts.ModerateText(ctx, req.Text)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// handleModerateImage forwards a multipart upload (media, models) to image moderation
func (s *Server) handleModerateImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.config.MaxUploadBytes); err != nil {
		respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, header, err := r.FormFile("media")
	if err != nil {
		respondError(w, http.StatusBadRequest, "media file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read media file")
		return
	}

	var modelNames []string
	for _, value := range r.MultipartForm.Value["models"] {
		for _, name := range strings.Split(value, ",") {
			if name = strings.TrimSpace(name); name != "" {
				modelNames = append(modelNames, name)
			}
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	result, err := s.verdicts.ModerateImage(ctx, sightengine.Media{Filename: header.Filename, Data: data}, modelNames)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// ScamCheckRequest represents a scam detection request
type ScamCheckRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleScamCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req ScamCheckRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	check, err := s.verdicts.DetectScam(ctx, req.Message)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, check)
}

// FactCheckRequest represents a fact check request
type FactCheckRequest struct {
	Statement string `json:"statement"`
}

func (s *Server) handleFactCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req FactCheckRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	result, err := s.verdicts.FactCheck(ctx, req.Statement)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// decodeBody reads a size-limited JSON body, answering 400 on failure
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// SystemError is returned when a model response could not be normalized
type SystemError struct {
	Error   string `json:"error"`
	Detail  string `json:"detail"`
	Excerpt string `json:"excerpt,omitempty"`
}

// respondServiceError maps verdict and service errors to HTTP statuses
func respondServiceError(w http.ResponseWriter, err error) {
	var (
		inputErr *verdict.InputError
		parseErr *llmjson.ParseError
		apiErr   *services.APIError
	)

	switch {
	case errors.As(err, &inputErr):
		respondError(w, http.StatusBadRequest, inputErr.Error())
	case errors.Is(err, services.ErrNotConfigured):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, verdict.ErrModelOutput):
		resp := SystemError{Error: "system_error", Detail: err.Error()}
		if errors.As(err, &parseErr) {
			resp.Excerpt = parseErr.Excerpt
		}
		slog.Error("model output rejected", "error", err)
		respondJSON(w, http.StatusBadGateway, resp)
	case errors.As(err, &apiErr):
		slog.Error("upstream service error", "service", apiErr.Service, "status", apiErr.StatusCode)
		respondError(w, http.StatusBadGateway, apiErr.Service+" request failed")
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		slog.Error("request failed", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}
