package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate runs the test in an empty working directory so no ambient
// config.yaml leaks in.
func isolate(t *testing.T) {
	t.Helper()
	orig, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(orig) })
	t.Setenv(ConfigPathEnvVar, "")
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8765", cfg.Server.Addr())
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Realtime.CascadeWave1)
	assert.Equal(t, 1000*time.Millisecond, cfg.Realtime.CascadeWave2)
	assert.Equal(t, 1200*time.Millisecond, cfg.Realtime.CascadeWave3)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "centinela:events", cfg.Redis.Channel)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadFromFile(t *testing.T) {
	isolate(t)
	yaml := `
server:
  port: 9100
  allowed_origins:
    - https://ops.example.com
realtime:
  cascade_wave1: 250ms
logging:
  level: debug
`
	require.NoError(t, os.WriteFile("config.yaml", []byte(yaml), 0o600))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, []string{"https://ops.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 250*time.Millisecond, cfg.Realtime.CascadeWave1)
	assert.Equal(t, 1000*time.Millisecond, cfg.Realtime.CascadeWave2, "untouched keys keep their defaults")
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadFromExplicitPath(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "centinela.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9200\n"), 0o600))
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Server.Port)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	isolate(t)
	require.NoError(t, os.WriteFile("config.yaml", []byte("server:\n  port: 9100\n"), 0o600))
	t.Setenv("CENTINELA_SERVER_PORT", "9300")
	t.Setenv("CENTINELA_LOGGING_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9300, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestEnvironmentMultiWordKeys(t *testing.T) {
	isolate(t)
	// Only the first underscore splits section from key, so multi-word
	// keys survive the mapping.
	t.Setenv("CENTINELA_SERVER_SHUTDOWN_TIMEOUT", "5s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.Server.Port = 0 }},
		{"port too large", func(c *Config) { c.Server.Port = 70000 }},
		{"redis without addr", func(c *Config) { c.Redis.Enabled = true; c.Redis.Addr = "" }},
		{"redis without channel", func(c *Config) { c.Redis.Enabled = true; c.Redis.Channel = "" }},
		{"negative cascade delay", func(c *Config) { c.Realtime.CascadeWave2 = -time.Second }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, defaultConfig().Validate())
}
