// Package config loads the centinela configuration from layered
// sources: built-in defaults, an optional YAML file, then
// CENTINELA_-prefixed environment variables. Precedence is
// ENV > file > defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where a config file is searched, in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/centinela/config.yaml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CENTINELA_CONFIG"

// envPrefix namespaces environment overrides, e.g.
// CENTINELA_SERVER_PORT=9090 -> server.port.
const envPrefix = "CENTINELA_"

// Config is the full application configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Realtime RealtimeConfig `koanf:"realtime"`
	Redis    RedisConfig    `koanf:"redis"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig covers the HTTP listener.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	AllowedOrigins  []string      `koanf:"allowed_origins"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Addr renders the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RealtimeConfig tunes the delivery core.
type RealtimeConfig struct {
	// Cascade wave delays after the original dispatch-request send.
	CascadeWave1 time.Duration `koanf:"cascade_wave1"`
	CascadeWave2 time.Duration `koanf:"cascade_wave2"`
	CascadeWave3 time.Duration `koanf:"cascade_wave3"`
	// ExtraAliases extends the built-in role alias table with
	// deployment-specific spellings (canonical role -> aliases).
	ExtraAliases map[string][]string `koanf:"extra_aliases"`
}

// RedisConfig covers the optional inbound publish backbone.
type RedisConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	// Channel is the pub/sub channel external publishers write wire
	// envelopes to.
	Channel string `koanf:"channel"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8765,
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: 10 * time.Second,
		},
		Realtime: RealtimeConfig{
			CascadeWave1: 500 * time.Millisecond,
			CascadeWave2: 1000 * time.Millisecond,
			CascadeWave3: 1200 * time.Millisecond,
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "127.0.0.1:6379",
			Channel: "centinela:events",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, file and environment.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// Only the first underscore separates the section from the key, so
	// CENTINELA_SERVER_ALLOWED_ORIGINS maps to server.allowed_origins.
	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		parts := strings.SplitN(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", 2)
		return strings.Join(parts, ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("config: redis backbone enabled without an address")
	}
	if c.Redis.Enabled && c.Redis.Channel == "" {
		return fmt.Errorf("config: redis backbone enabled without a channel")
	}
	for _, d := range []time.Duration{c.Realtime.CascadeWave1, c.Realtime.CascadeWave2, c.Realtime.CascadeWave3} {
		if d < 0 {
			return fmt.Errorf("config: cascade delays must not be negative")
		}
	}
	return nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
