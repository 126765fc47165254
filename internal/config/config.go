// Package config loads the pipeline configuration: a strict JSON file layered
// over defaults, environment overrides on top, then validation. Unknown file
// keys are rejected so typos surface at startup instead of silently falling
// back to defaults.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	apperrors "github.com/johnayoung/go-kline-pipeline/internal/errors"
	"github.com/johnayoung/go-kline-pipeline/internal/interval"
)

// Environment overrides. These adjust values from the file; they never
// introduce configuration the file could not express.
const (
	EnvDBPath    = "KLINES_DB_PATH"
	EnvLogLevel  = "KLINES_LOG_LEVEL"
	EnvLogFile   = "KLINES_LOG_FILE"
	EnvBaseURL   = "KLINES_BASE_URL"
	EnvStartDate = "KLINES_START_DATE"
)

// Config is the complete pipeline configuration.
type Config struct {
	DBPath    string          `json:"dbPath"`
	Symbols   []string        `json:"symbols"`
	Intervals []string        `json:"intervals"`
	Bootstrap BootstrapConfig `json:"bootstrap"`
	RateLimit RateLimitConfig `json:"rateLimit"`
	HTTP      HTTPConfig      `json:"http"`
	LogLevel  string          `json:"logLevel"`

	// Derived and environment-only values, never read from the file.
	StartMs int64  `json:"-"`
	BaseURL string `json:"-"`
	LogFile string `json:"-"`
}

// BootstrapConfig bounds historical backfill.
type BootstrapConfig struct {
	// StartDate is the inclusive history start, RFC3339 or YYYY-MM-DD (UTC).
	StartDate string `json:"startDate"`
}

// RateLimitConfig shapes exchange request admission and retries.
type RateLimitConfig struct {
	RequestsPerMinute int         `json:"requestsPerMinute"`
	MaxConcurrent     int         `json:"maxConcurrent"`
	Retry             RetryConfig `json:"retry"`
}

// RetryConfig tunes the transient-failure backoff.
type RetryConfig struct {
	BaseMs     int64 `json:"baseMs"`
	MaxMs      int64 `json:"maxMs"`
	MaxRetries int   `json:"maxRetries"`
}

// HTTPConfig tunes the exchange HTTP client.
type HTTPConfig struct {
	TimeoutMs int64 `json:"timeoutMs"`
}

// Default returns a configuration that validates on its own. File values are
// decoded over it, so keys absent from the file keep these values.
func Default() *Config {
	return &Config{
		DBPath:    "./data/klines.db",
		Symbols:   []string{"BTCUSDT"},
		Intervals: []string{"1h"},
		Bootstrap: BootstrapConfig{StartDate: "2024-01-01"},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 1200,
			MaxConcurrent:     1,
			Retry: RetryConfig{
				BaseMs:     1000,
				MaxMs:      60_000,
				MaxRetries: 5,
			},
		},
		HTTP:     HTTPConfig{TimeoutMs: 15_000},
		LogLevel: "info",
	}
}

// Load reads the file at path over the defaults, applies environment
// overrides, and validates the result. Every failure, a missing file
// included, is a config-kind error.
func Load(path string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// A .env file is a local-run convenience; absence is fine.
	_ = godotenv.Load()

	cfg := Default()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, apperrors.NewConfigError("load_config", err)
	}
	applyEnv(cfg)
	if err := cfg.validate(); err != nil {
		return nil, apperrors.NewConfigError("validate_config", err)
	}

	logger.Debug("configuration loaded",
		"path", path,
		"db_path", cfg.DBPath,
		"symbols", cfg.Symbols,
		"intervals", cfg.Intervals,
		"log_level", cfg.LogLevel)

	return cfg, nil
}

// loadFromFile decodes the JSON file over cfg, rejecting unknown keys. A
// missing file is an error, never a silent fall-back to defaults.
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays the recognized environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(EnvLogFile); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv(EnvBaseURL); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv(EnvStartDate); v != "" {
		cfg.Bootstrap.StartDate = v
	}
}

// validate checks every field, collecting all problems into one error so a
// broken file is fixed in one pass. Symbols are normalized to upper case and
// the start date is resolved to epoch milliseconds as side effects.
func (c *Config) validate() error {
	var problems []string

	if c.DBPath == "" {
		problems = append(problems, "dbPath is required")
	}

	if len(c.Symbols) == 0 {
		problems = append(problems, "symbols must list at least one symbol")
	}
	for i, s := range c.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			problems = append(problems, fmt.Sprintf("symbols[%d] is empty", i))
			continue
		}
		c.Symbols[i] = s
	}

	if len(c.Intervals) == 0 {
		problems = append(problems, "intervals must list at least one interval")
	}
	for i, code := range c.Intervals {
		if !interval.IsSupported(code) {
			problems = append(problems, fmt.Sprintf("intervals[%d]: unsupported interval %q (supported: %s)",
				i, code, strings.Join(interval.Supported(), ", ")))
		}
	}

	if c.Bootstrap.StartDate == "" {
		problems = append(problems, "bootstrap.startDate is required")
	} else if ms, err := parseStartDate(c.Bootstrap.StartDate); err != nil {
		problems = append(problems, fmt.Sprintf("bootstrap.startDate: %v", err))
	} else {
		c.StartMs = ms
	}

	if c.RateLimit.RequestsPerMinute <= 0 {
		problems = append(problems, "rateLimit.requestsPerMinute must be greater than 0")
	}
	if c.RateLimit.MaxConcurrent <= 0 {
		problems = append(problems, "rateLimit.maxConcurrent must be greater than 0")
	}
	if c.RateLimit.Retry.BaseMs <= 0 {
		problems = append(problems, "rateLimit.retry.baseMs must be greater than 0")
	}
	if c.RateLimit.Retry.MaxMs < c.RateLimit.Retry.BaseMs {
		problems = append(problems, "rateLimit.retry.maxMs must be at least baseMs")
	}
	if c.RateLimit.Retry.MaxRetries < 0 {
		problems = append(problems, "rateLimit.retry.maxRetries must not be negative")
	}
	if c.HTTP.TimeoutMs <= 0 {
		problems = append(problems, "http.timeoutMs must be greater than 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, "logLevel must be one of: debug, info, warn, error")
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(problems, "\n- "))
	}
	return nil
}

// parseStartDate accepts RFC3339 or a bare date taken as UTC midnight.
func parseStartDate(s string) (int64, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC().UnixMilli(), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UnixMilli(), nil
	}
	return 0, fmt.Errorf("invalid date %q (want RFC3339 or YYYY-MM-DD)", s)
}

// HTTPTimeout returns http.timeoutMs as a duration.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutMs) * time.Millisecond
}

// RetryBase returns rateLimit.retry.baseMs as a duration.
func (c *Config) RetryBase() time.Duration {
	return time.Duration(c.RateLimit.Retry.BaseMs) * time.Millisecond
}

// RetryMax returns rateLimit.retry.maxMs as a duration.
func (c *Config) RetryMax() time.Duration {
	return time.Duration(c.RateLimit.Retry.MaxMs) * time.Millisecond
}
