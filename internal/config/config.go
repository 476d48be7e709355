package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr      = ":8080"
	defaultDBPath          = "pipeline.db"
	defaultMaxConcurrency  = 4
	defaultMaxRuns         = 2
	defaultStepTimeout     = 10 * time.Minute
	defaultRetryAttempts   = 1
	defaultRetryBackoff    = time.Second
	defaultRetryMaxBackoff = 30 * time.Second
	defaultGracePeriod     = 5 * time.Second

	envListenAddr      = "PIPELINE_LISTEN_ADDR"
	envDBPath          = "PIPELINE_DB_PATH"
	envLogLevel        = "PIPELINE_LOG_LEVEL"
	envMaxConcurrency  = "PIPELINE_MAX_CONCURRENCY"
	envMaxRuns         = "PIPELINE_MAX_RUNS"
	envStepTimeout     = "PIPELINE_STEP_TIMEOUT"
	envRetryAttempts   = "PIPELINE_RETRY_ATTEMPTS"
	envRetryBackoff    = "PIPELINE_RETRY_BACKOFF"
	envRetryMaxBackoff = "PIPELINE_RETRY_MAX_BACKOFF"
	envGracePeriod     = "PIPELINE_GRACE_PERIOD"
	envUsername        = "PIPELINE_USERNAME"
	envPassword        = "PIPELINE_PASSWORD"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// MaxConcurrency bounds simultaneously running steps within one run.
	MaxConcurrency int
	// MaxRuns bounds simultaneously running runs on a server.
	MaxRuns int

	StepTimeout     time.Duration
	RetryAttempts   int
	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration
	GracePeriod     time.Duration

	Username string
	Password string
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed values fall back to the default.
func Load() Config {
	cfg := Config{
		ListenAddr:      defaultListenAddr,
		DBPath:          defaultDBPath,
		LogLevel:        slog.LevelInfo,
		MaxConcurrency:  defaultMaxConcurrency,
		MaxRuns:         defaultMaxRuns,
		StepTimeout:     defaultStepTimeout,
		RetryAttempts:   defaultRetryAttempts,
		RetryBackoff:    defaultRetryBackoff,
		RetryMaxBackoff: defaultRetryMaxBackoff,
		GracePeriod:     defaultGracePeriod,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = ParseLogLevel(v)
	}
	cfg.MaxConcurrency = positiveInt(envMaxConcurrency, cfg.MaxConcurrency)
	cfg.MaxRuns = positiveInt(envMaxRuns, cfg.MaxRuns)
	cfg.RetryAttempts = positiveInt(envRetryAttempts, cfg.RetryAttempts)
	cfg.StepTimeout = duration(envStepTimeout, cfg.StepTimeout)
	cfg.RetryBackoff = duration(envRetryBackoff, cfg.RetryBackoff)
	cfg.RetryMaxBackoff = duration(envRetryMaxBackoff, cfg.RetryMaxBackoff)
	cfg.GracePeriod = duration(envGracePeriod, cfg.GracePeriod)
	if cfg.RetryMaxBackoff < cfg.RetryBackoff {
		cfg.RetryMaxBackoff = cfg.RetryBackoff
	}

	cfg.Username = os.Getenv(envUsername)
	cfg.Password = os.Getenv(envPassword)

	return cfg
}

// ParseLogLevel maps a level name to a slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func positiveInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// duration parses a Go duration; zero is accepted and disables the setting.
func duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def
	}
	return d
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// NewConsoleLogger creates a human-readable logger for interactive commands.
func NewConsoleLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
