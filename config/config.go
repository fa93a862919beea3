// Package config loads service configuration from defaults, an optional
// .env file, the process environment, an optional config file and command
// line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/authexity/scraper"
	"github.com/authexity/scraper/api"
	"github.com/authexity/scraper/fetch"
	"github.com/authexity/scraper/resolve"
	"github.com/authexity/scraper/services"
	"github.com/authexity/scraper/services/gemini"
	"github.com/authexity/scraper/services/sightengine"
	"github.com/authexity/scraper/services/virustotal"
	"github.com/authexity/scraper/verdict"
)

// Environment keys
const (
	KeyPort                = "PORT"
	KeyLogLevel            = "LOG_LEVEL"
	KeyCORSEnabled         = "CORS_ENABLED"
	KeyFetchTimeout        = "FETCH_TIMEOUT"
	KeyFetchUserAgent      = "FETCH_USER_AGENT"
	KeyFetchMaxBodyBytes   = "FETCH_MAX_BODY_BYTES"
	KeyAllowPrivateHosts   = "FETCH_ALLOW_PRIVATE_HOSTS"
	KeyMaxConcurrency      = "MAX_CONCURRENCY"
	KeyPreviewCacheTTL     = "PREVIEW_CACHE_TTL"
	KeyProxyHosts          = "PROXY_HOSTS"
	KeyFaviconServiceURL   = "FAVICON_SERVICE_URL"
	KeyVirusTotalAPIKey    = "VIRUSTOTAL_API_KEY"
	KeyVirusTotalBaseURL   = "VIRUSTOTAL_BASE_URL"
	KeySightengineUser     = "SIGHTENGINE_API_USER"
	KeySightengineSecret   = "SIGHTENGINE_API_SECRET"
	KeySightengineBaseURL  = "SIGHTENGINE_BASE_URL"
	KeyGeminiAPIKey        = "GEMINI_API_KEY"
	KeyGeminiModel         = "GEMINI_MODEL"
	KeyGeminiBaseURL       = "GEMINI_BASE_URL"
	KeyExternalRateLimit   = "EXTERNAL_RATE_LIMIT"
	KeyMaliciousThreshold  = "SAFETY_MALICIOUS_THRESHOLD"
	KeySuspiciousThreshold = "SAFETY_SUSPICIOUS_THRESHOLD"
	KeyMaliciousWeight     = "SAFETY_MALICIOUS_WEIGHT"
	KeySuspiciousWeight    = "SAFETY_SUSPICIOUS_WEIGHT"
	KeyModerationThreshold = "MODERATION_THRESHOLD"
	KeyOTLPEndpoint        = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// flagKeys maps command line flag names to the keys they override
var flagKeys = map[string]string{
	"port":            KeyPort,
	"log-level":       KeyLogLevel,
	"cors":            KeyCORSEnabled,
	"fetch-timeout":   KeyFetchTimeout,
	"max-concurrency": KeyMaxConcurrency,
	"cache-ttl":       KeyPreviewCacheTTL,
}

// Config is the fully resolved service configuration
type Config struct {
	Port         string
	LogLevel     slog.Level
	CORSEnabled  bool
	OTLPEndpoint string

	Scraper     scraper.Config
	VirusTotal  virustotal.Config
	Sightengine sightengine.Config
	Gemini      gemini.Config
	Verdict     verdict.Config
}

// API returns the HTTP server configuration
func (c *Config) API() api.Config {
	cfg := api.DefaultConfig()
	cfg.Addr = ":" + c.Port
	cfg.CORSEnabled = c.CORSEnabled
	return cfg
}

func setDefaults(v *viper.Viper) {
	fetchDefaults := fetch.DefaultConfig()
	scraperDefaults := scraper.DefaultConfig()
	safety := verdict.DefaultSafetyPolicy()
	transport := services.DefaultConfig()

	v.SetDefault(KeyPort, "8080")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyCORSEnabled, true)
	v.SetDefault(KeyFetchTimeout, fetchDefaults.Timeout)
	v.SetDefault(KeyFetchUserAgent, fetchDefaults.UserAgent)
	v.SetDefault(KeyFetchMaxBodyBytes, fetchDefaults.MaxBodyBytes)
	v.SetDefault(KeyAllowPrivateHosts, fetchDefaults.AllowPrivateHosts)
	v.SetDefault(KeyMaxConcurrency, scraperDefaults.MaxConcurrency)
	v.SetDefault(KeyPreviewCacheTTL, scraperDefaults.CacheTTL)
	v.SetDefault(KeyProxyHosts, strings.Join(resolve.DefaultProxyHosts, ","))
	v.SetDefault(KeyFaviconServiceURL, resolve.DefaultFaviconServiceURL)
	v.SetDefault(KeyVirusTotalBaseURL, virustotal.DefaultBaseURL)
	v.SetDefault(KeySightengineBaseURL, sightengine.DefaultBaseURL)
	v.SetDefault(KeyGeminiModel, gemini.DefaultModel)
	v.SetDefault(KeyGeminiBaseURL, gemini.DefaultBaseURL)
	v.SetDefault(KeyExternalRateLimit, transport.RateLimit)
	v.SetDefault(KeyMaliciousThreshold, safety.MaliciousThreshold)
	v.SetDefault(KeySuspiciousThreshold, safety.SuspiciousThreshold)
	v.SetDefault(KeyMaliciousWeight, safety.MaliciousWeight)
	v.SetDefault(KeySuspiciousWeight, safety.SuspiciousWeight)
	v.SetDefault(KeyModerationThreshold, verdict.DefaultModerationThreshold)
}

// Load resolves configuration. envFiles are read with godotenv; when none are
// given ./.env is used if present. Values from env files never override the
// process environment. flags may be nil.
func Load(flags *pflag.FlagSet, envFiles ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if err := loadEnvFiles(v, envFiles); err != nil {
		return nil, err
	}
	v.AutomaticEnv()

	if flags != nil {
		if f := flags.Lookup("config"); f != nil && f.Value.String() != "" {
			v.SetConfigFile(f.Value.String())
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind %s flag: %w", name, err)
				}
			}
		}
	}

	return build(v)
}

func loadEnvFiles(v *viper.Viper, files []string) error {
	optional := len(files) == 0
	if optional {
		files = []string{".env"}
	}

	values, err := godotenv.Read(files...)
	if err != nil {
		if optional && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read env file: %w", err)
	}

	// Layered above defaults and below the environment
	for key, value := range values {
		v.SetDefault(strings.ToUpper(key), value)
	}
	return nil
}

func build(v *viper.Viper) (*Config, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(v.GetString(KeyLogLevel))); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", KeyLogLevel, err)
	}

	port := v.GetString(KeyPort)
	if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
		return nil, fmt.Errorf("invalid %s: %q", KeyPort, port)
	}

	fetchTimeout := v.GetDuration(KeyFetchTimeout)
	if fetchTimeout <= 0 {
		return nil, fmt.Errorf("invalid %s: must be positive", KeyFetchTimeout)
	}
	maxConcurrency := v.GetInt(KeyMaxConcurrency)
	if maxConcurrency <= 0 {
		return nil, fmt.Errorf("invalid %s: must be positive", KeyMaxConcurrency)
	}
	cacheTTL := v.GetDuration(KeyPreviewCacheTTL)
	if cacheTTL < 0 {
		return nil, fmt.Errorf("invalid %s: must not be negative", KeyPreviewCacheTTL)
	}

	moderationThreshold := v.GetFloat64(KeyModerationThreshold)
	if moderationThreshold < 0 || moderationThreshold > 1 {
		return nil, fmt.Errorf("invalid %s: must be within 0..1", KeyModerationThreshold)
	}
	safety := verdict.SafetyPolicy{
		MaliciousThreshold:  v.GetInt(KeyMaliciousThreshold),
		SuspiciousThreshold: v.GetInt(KeySuspiciousThreshold),
		MaliciousWeight:     v.GetFloat64(KeyMaliciousWeight),
		SuspiciousWeight:    v.GetFloat64(KeySuspiciousWeight),
	}
	if safety.MaliciousThreshold < 0 || safety.SuspiciousThreshold < 0 ||
		safety.MaliciousWeight < 0 || safety.SuspiciousWeight < 0 {
		return nil, fmt.Errorf("invalid safety policy: thresholds and weights must not be negative")
	}

	transport := services.DefaultConfig()
	transport.RateLimit = v.GetFloat64(KeyExternalRateLimit)

	resolveConfig := resolve.DefaultConfig()
	resolveConfig.ProxyHosts = splitList(v.GetString(KeyProxyHosts))
	resolveConfig.FaviconServiceURL = v.GetString(KeyFaviconServiceURL)

	cfg := &Config{
		Port:         port,
		LogLevel:     level,
		CORSEnabled:  v.GetBool(KeyCORSEnabled),
		OTLPEndpoint: v.GetString(KeyOTLPEndpoint),
		Scraper: scraper.Config{
			Fetch: fetch.Config{
				Timeout:           fetchTimeout,
				UserAgent:         v.GetString(KeyFetchUserAgent),
				MaxBodyBytes:      v.GetInt64(KeyFetchMaxBodyBytes),
				AllowPrivateHosts: v.GetBool(KeyAllowPrivateHosts),
			},
			Resolve:        resolveConfig,
			MaxConcurrency: maxConcurrency,
			CacheTTL:       cacheTTL,
		},
		VirusTotal: virustotal.Config{
			APIKey:       v.GetString(KeyVirusTotalAPIKey),
			BaseURL:      v.GetString(KeyVirusTotalBaseURL),
			Transport:    transport,
			PollInterval: virustotal.DefaultConfig().PollInterval,
			MaxPolls:     virustotal.DefaultConfig().MaxPolls,
		},
		Sightengine: sightengine.Config{
			APIUser:   v.GetString(KeySightengineUser),
			APISecret: v.GetString(KeySightengineSecret),
			BaseURL:   v.GetString(KeySightengineBaseURL),
			Transport: transport,
		},
		Gemini: gemini.Config{
			APIKey:    v.GetString(KeyGeminiAPIKey),
			Model:     v.GetString(KeyGeminiModel),
			BaseURL:   v.GetString(KeyGeminiBaseURL),
			Transport: transport,
		},
		Verdict: verdict.Config{
			Safety:              safety,
			ModerationThreshold: moderationThreshold,
			Language:            verdict.DefaultConfig().Language,
		},
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
