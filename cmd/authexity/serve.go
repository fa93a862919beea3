package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/authexity/scraper"
	"github.com/authexity/scraper/api"
	"github.com/authexity/scraper/metrics"
	"github.com/authexity/scraper/services/gemini"
	"github.com/authexity/scraper/services/sightengine"
	"github.com/authexity/scraper/services/virustotal"
	"github.com/authexity/scraper/tracing"
	"github.com/authexity/scraper/verdict"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE:  runServe,
	}

	cmd.Flags().String("port", "8080", "server port")
	cmd.Flags().Bool("cors", true, "send permissive CORS headers")
	cmd.Flags().Duration("fetch-timeout", 8*time.Second, "per-page fetch timeout")
	cmd.Flags().Int("max-concurrency", 8, "pages fetched at once per request")
	cmd.Flags().Duration("cache-ttl", time.Hour, "preview cache lifetime (0 disables)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, os.Stdout)
	if err != nil {
		return err
	}
	logger := slog.Default()
	logger.Info("authexity service initializing", "version", version)

	tp, err := tracing.InitTracer(cmd.Context(), tracing.Config{
		ServiceName:    "authexity",
		ServiceVersion: version,
		Endpoint:       cfg.OTLPEndpoint,
		Insecure:       true,
	})
	if err != nil {
		logger.Warn("failed to initialize tracer, continuing without tracing", "error", err)
	} else {
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				logger.Error("error shutting down tracer", "error", err)
			}
		}()
		logger.Info("tracing initialized", "otlp_endpoint", cfg.OTLPEndpoint)
	}

	m := metrics.New()
	pipeline := scraper.New(cfg.Scraper, scraper.WithMetrics(m))

	vt := virustotal.New(cfg.VirusTotal, m)
	se := sightengine.New(cfg.Sightengine, m)
	gm := gemini.New(cfg.Gemini, m)
	verdicts := verdict.New(cfg.Verdict, pipeline,
		verdict.WithURLScanner(vt),
		verdict.WithModerator(se),
		verdict.WithGenerator(gm),
		verdict.WithMetrics(m),
	)

	server := api.NewServer(cfg.API(), pipeline, verdicts, m)

	go func() {
		logger.Info("authexity service starting",
			"port", cfg.Port,
			"cors_enabled", cfg.CORSEnabled,
			"max_concurrency", cfg.Scraper.MaxConcurrency,
			"fetch_timeout", cfg.Scraper.Fetch.Timeout.String(),
			"virustotal_configured", vt.Configured(),
			"sightengine_configured", se.Configured(),
			"gemini_configured", gm.Configured(),
		)

		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down gracefully")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return err
	}

	logger.Info("server stopped")
	return nil
}
