// Package config loads pipeline settings from the environment.
// A .env file is honored in development via godotenv; real deployments set
// the variables directly.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/folkg/auto-coach/pkg/logger"
)

// Config holds every tunable the pipeline reads at startup.
type Config struct {
	// RedisAddr is the host:port of the durable store.
	RedisAddr string

	// APIKey protects the invocation surface. Empty disables auth (dev mode).
	APIKey string

	// ServerAddr and WorkerMetricsAddr are the HTTP listen addresses.
	ServerAddr        string
	WorkerMetricsAddr string

	// ProviderBaseURL is the root of the third-party sports API.
	ProviderBaseURL string

	// ProviderTimeout bounds a single outbound provider call.
	ProviderTimeout time.Duration

	// DeniedIsThrottle classifies the provider's ambiguous "request denied"
	// status as a throttling signal. It may also mask auth or payload
	// problems, so it is a knob rather than a constant.
	DeniedIsThrottle bool

	// TaskDeadline is how long after dispatch a task may still be attempted.
	TaskDeadline time.Duration

	// MaxParallelCap bounds how far the adaptive ceiling may recover.
	MaxParallelCap int

	// SweepInterval is the cadence of the deadline sweeper in the worker.
	SweepInterval time.Duration
}

// Load reads the environment (and an optional .env file) into a Config.
func Load() Config {
	if err := godotenv.Load(); err == nil {
		logger.Log.Debug().Msg("Loaded .env file")
	}

	return Config{
		RedisAddr:         getString("REDIS_ADDR", "127.0.0.1:6379"),
		APIKey:            os.Getenv("API_KEY"),
		ServerAddr:        getString("SERVER_ADDR", ":8081"),
		WorkerMetricsAddr: getString("WORKER_METRICS_ADDR", ":8080"),
		ProviderBaseURL:   getString("PROVIDER_BASE_URL", "https://fantasysports.yahooapis.com/fantasy/v2"),
		ProviderTimeout:   getDuration("PROVIDER_TIMEOUT", 10*time.Second),
		DeniedIsThrottle:  getBool("PROVIDER_DENIED_IS_THROTTLE", true),
		TaskDeadline:      getDuration("TASK_DEADLINE", 4*time.Minute),
		MaxParallelCap:    getInt("RATE_MAX_PARALLEL_CAP", 10),
		SweepInterval:     getDuration("SWEEP_INTERVAL", 30*time.Second),
	}
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		logger.Log.Warn().Str("key", key).Str("value", v).Msg("Invalid int in env, using default")
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		logger.Log.Warn().Str("key", key).Str("value", v).Msg("Invalid bool in env, using default")
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		logger.Log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration in env, using default")
	}
	return fallback
}
