package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TOME_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.ListenHost)
	assert.Equal(t, 7450, cfg.ListenPort)
	assert.Equal(t, "http://127.0.0.1:7451", cfg.BackendURL)
	assert.Equal(t, "http://127.0.0.1:6333", cfg.VectorDBURL)
	assert.Equal(t, "http://127.0.0.1:11434", cfg.LLMURL)
	assert.Equal(t, 500*time.Millisecond, cfg.HealthInterval)
	assert.Equal(t, 20, cfg.HealthMaxRetries)
	assert.Equal(t, 5*time.Second, cfg.StopGracePeriod)
	assert.Equal(t, 60*time.Second, cfg.StreamIdleTimeout)
	assert.Equal(t, 20, cfg.StreamMalformedLimit)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TOME_DATA_DIR", t.TempDir())
	t.Setenv("TOME_LISTEN_PORT", "9999")
	t.Setenv("TOME_BACKEND_URL", "http://127.0.0.1:8080")
	t.Setenv("TOME_HEALTH_INTERVAL", "250ms")
	t.Setenv("TOME_HEALTH_RETRIES", "5")
	t.Setenv("TOME_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.ListenPort)
	assert.Equal(t, "http://127.0.0.1:8080", cfg.BackendURL)
	assert.Equal(t, 250*time.Millisecond, cfg.HealthInterval)
	assert.Equal(t, 5, cfg.HealthMaxRetries)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadReadsDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("TOME_LISTEN_PORT=7777\n"), 0o600))

	t.Setenv("TOME_DATA_DIR", dir)
	// godotenv only fills unset variables, so clear any ambient value.
	os.Unsetenv("TOME_LISTEN_PORT")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.ListenPort)
}

func TestInvalidnumericFallsBackToDefault(t *testing.T) {
	t.Setenv("TOME_DATA_DIR", t.TempDir())
	t.Setenv("TOME_HEALTH_RETRIES", "many")
	t.Setenv("TOME_STREAM_IDLE_TIMEOUT", "whenever")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.HealthMaxRetries)
	assert.Equal(t, 60*time.Second, cfg.StreamIdleTimeout)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.ListenPort = 0 }},
		{"port out of range", func(c *Config) { c.ListenPort = 70000 }},
		{"zero retries", func(c *Config) { c.HealthMaxRetries = 0 }},
		{"negative malformed limit", func(c *Config) { c.StreamMalformedLimit = -1 }},
		{"bad backend url", func(c *Config) { c.BackendURL = "localhost:7451" }},
		{"bad llm url", func(c *Config) { c.LLMURL = "tcp://somewhere" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TOME_DATA_DIR", t.TempDir())
			cfg, err := Load()
			require.NoError(t, err)

			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
