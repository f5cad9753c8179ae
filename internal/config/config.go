// ABOUTME: Configuration loading and parsing for loom-gateway.
// ABOUTME: YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete loom-gateway configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds server address configuration.
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds the state database configuration.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RuntimeConfig holds routing and liveness timing configuration.
type RuntimeConfig struct {
	RPCTimeout    time.Duration `yaml:"-"`
	WorkerTimeout time.Duration `yaml:"-"`
	PurgeInterval time.Duration `yaml:"-"`

	// BroadcastEvents delivers events to every connection supporting a
	// matching agent type instead of exactly one. Default false.
	BroadcastEvents bool `yaml:"broadcast_events"`

	// Raw string values for YAML unmarshaling
	RPCTimeoutRaw    string `yaml:"rpc_timeout"`
	WorkerTimeoutRaw string `yaml:"worker_timeout"`
	PurgeIntervalRaw string `yaml:"purge_interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns a configuration suitable for local development.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			GRPCAddr: "localhost:50051",
			HTTPAddr: "localhost:8080",
		},
		Database: DatabaseConfig{Path: ":memory:"},
		Runtime: RuntimeConfig{
			RPCTimeout:    30 * time.Second,
			WorkerTimeout: 60 * time.Second,
			PurgeInterval: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Path: "/metrics"},
	}
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded, and
// duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first validation failure.
func (c *Config) Validate() error {
	if c.Server.GRPCAddr == "" {
		return fmt.Errorf("server.grpc_addr is required")
	}
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Runtime.RPCTimeout <= 0 {
		return fmt.Errorf("runtime.rpc_timeout must be positive")
	}
	if c.Runtime.WorkerTimeout <= 0 {
		return fmt.Errorf("runtime.worker_timeout must be positive")
	}
	if c.Runtime.PurgeInterval <= 0 {
		return fmt.Errorf("runtime.purge_interval must be positive")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Runtime.RPCTimeoutRaw, "rpc_timeout", &cfg.Runtime.RPCTimeout},
		{cfg.Runtime.WorkerTimeoutRaw, "worker_timeout", &cfg.Runtime.WorkerTimeout},
		{cfg.Runtime.PurgeIntervalRaw, "purge_interval", &cfg.Runtime.PurgeInterval},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
