// Package config loads daemon configuration from the environment, with an
// optional .env file in the data directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds the runtime configuration for the tomed daemon.
type Config struct {
	// ListenHost and ListenPort are where the UI boundary API is served.
	ListenHost string
	ListenPort int

	// DataDir holds persisted state: license record, chat history, logs.
	DataDir string

	// ResourcesDir is the packaged-bundle location for sidecar executables.
	// When empty or missing, executable resolution falls back to DevBinDir.
	ResourcesDir string
	DevBinDir    string

	// Base URLs of the three local services. Overridable for externally-run
	// instances.
	BackendURL  string
	VectorDBURL string
	LLMURL      string

	// Health-poll tuning for managed sidecars.
	HealthInterval   time.Duration
	HealthMaxRetries int
	StopGracePeriod  time.Duration

	// Streaming relay tuning.
	StreamIdleTimeout    time.Duration
	StreamMalformedLimit int

	// Update feed for the external updater collaborator.
	UpdateFeedURL string

	LogLevel  string
	LogFormat string
	LogFile   string
}

const (
	defaultListenHost = "127.0.0.1"
	defaultListenPort = 7450

	defaultBackendURL  = "http://127.0.0.1:7451"
	defaultVectorDBURL = "http://127.0.0.1:6333"
	defaultLLMURL      = "http://127.0.0.1:11434"

	defaultHealthInterval   = 500 * time.Millisecond
	defaultHealthRetries    = 20
	defaultStopGracePeriod  = 5 * time.Second
	defaultStreamIdle       = 60 * time.Second
	defaultMalformedLimit   = 20
	defaultUpdateFeedURL    = "https://updates.tomedesk.app/stable/latest.json"
)

// Load builds the configuration from defaults, the data-dir .env file, and
// environment variable overrides, in that order of precedence.
func Load() (*Config, error) {
	dataDir := strings.TrimSpace(os.Getenv("TOME_DATA_DIR"))
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".tome")
	}

	// .env values never override variables already set in the environment.
	envPath := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			log.Warn().Err(err).Str("path", envPath).Msg("Failed to load .env file")
		}
	}

	cfg := &Config{
		ListenHost:           envString("TOME_LISTEN_HOST", defaultListenHost),
		ListenPort:           envInt("TOME_LISTEN_PORT", defaultListenPort),
		DataDir:              dataDir,
		ResourcesDir:         envString("TOME_RESOURCES_DIR", ""),
		DevBinDir:            envString("TOME_DEV_BIN_DIR", ""),
		BackendURL:           envString("TOME_BACKEND_URL", defaultBackendURL),
		VectorDBURL:          envString("TOME_VECTORDB_URL", defaultVectorDBURL),
		LLMURL:               envString("TOME_LLM_URL", defaultLLMURL),
		HealthInterval:       envDuration("TOME_HEALTH_INTERVAL", defaultHealthInterval),
		HealthMaxRetries:     envInt("TOME_HEALTH_RETRIES", defaultHealthRetries),
		StopGracePeriod:      envDuration("TOME_STOP_GRACE_PERIOD", defaultStopGracePeriod),
		StreamIdleTimeout:    envDuration("TOME_STREAM_IDLE_TIMEOUT", defaultStreamIdle),
		StreamMalformedLimit: envInt("TOME_STREAM_MALFORMED_LIMIT", defaultMalformedLimit),
		UpdateFeedURL:        envString("TOME_UPDATE_FEED_URL", defaultUpdateFeedURL),
		LogLevel:             envString("TOME_LOG_LEVEL", "info"),
		LogFormat:            envString("TOME_LOG_FORMAT", "auto"),
		LogFile:              envString("TOME_LOG_FILE", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("invalid listen port %d", c.ListenPort)
	}
	if c.HealthMaxRetries <= 0 {
		return fmt.Errorf("health retry count must be positive, got %d", c.HealthMaxRetries)
	}
	if c.StreamMalformedLimit < 0 {
		return fmt.Errorf("malformed record limit must not be negative, got %d", c.StreamMalformedLimit)
	}
	for name, u := range map[string]string{
		"TOME_BACKEND_URL":  c.BackendURL,
		"TOME_VECTORDB_URL": c.VectorDBURL,
		"TOME_LLM_URL":      c.LLMURL,
	} {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("%s must be an http(s) URL, got %q", name, u)
		}
	}
	return nil
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer in environment, using default")
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration in environment, using default")
		return fallback
	}
	return d
}
