// Package config loads and validates the conversation server's configuration
// from a YAML file, with environment variable overrides and optional
// hot-reload via fsnotify.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Version       int                 `yaml:"version"`
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Auth          AuthConfig          `yaml:"auth"`
	Session       SessionConfig       `yaml:"session"`
	LLM           LLMConfig           `yaml:"llm"`
	Tools         ToolsConfig         `yaml:"tools"`
	Speech        SpeechConfig        `yaml:"speech"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// Load reads, expands, validates, and defaults the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}

	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromReader parses configuration from an already-open reader, applying
// the same env overrides, defaults, and validation as Load. Used by tests
// and by callers that have the config bytes in hand already.
func LoadFromReader(r io.Reader) (*Config, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	applyServerDefaults(&cfg.Server)
	applyDatabaseDefaults(&cfg.Database)
	applyAuthDefaults(&cfg.Auth)
	applySessionDefaults(&cfg.Session)
	applyLLMDefaults(&cfg.LLM)
	applyToolsDefaults(&cfg.Tools)
	applyLoggingDefaults(&cfg.Logging)
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = 8080
	}
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = 9090
	}
}

func applyDatabaseDefaults(cfg *DatabaseConfig) {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
}

func applyAuthDefaults(cfg *AuthConfig) {
	if cfg.TokenExpiry == 0 {
		cfg.TokenExpiry = 24 * time.Hour
	}
}

func applySessionDefaults(cfg *SessionConfig) {
	if cfg.DefaultAgentID == "" {
		cfg.DefaultAgentID = "main"
	}
	if cfg.HistoryWindow == 0 {
		cfg.HistoryWindow = 50
	}
	if cfg.HotTierCapacity == 0 {
		cfg.HotTierCapacity = 10000
	}
	if cfg.IdleTTL == 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	if cfg.Reset.Mode == "" {
		cfg.Reset.Mode = "never"
	}
}

func applyLLMDefaults(cfg *LLMConfig) {
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = "anthropic"
	}
	if cfg.Bedrock.DefaultContextWindow == 0 {
		cfg.Bedrock.DefaultContextWindow = 32000
	}
	if cfg.Bedrock.DefaultMaxTokens == 0 {
		cfg.Bedrock.DefaultMaxTokens = 4096
	}
}

func applyToolsDefaults(cfg *ToolsConfig) {
	if cfg.Execution.MaxIterations == 0 {
		cfg.Execution.MaxIterations = 5
	}
	if cfg.Execution.Parallelism == 0 {
		cfg.Execution.Parallelism = 4
	}
	if cfg.Execution.Timeout == 0 {
		cfg.Execution.Timeout = 30 * time.Second
	}
	if cfg.Execution.MaxAttempts == 0 {
		cfg.Execution.MaxAttempts = 2
	}
	if cfg.Execution.RetryBackoff == 0 {
		cfg.Execution.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.Cache.DefaultTTL == 0 {
		cfg.Cache.DefaultTTL = 5 * time.Minute
	}
	if cfg.WebFetch.MaxChars == 0 {
		cfg.WebFetch.MaxChars = 10000
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
}

// envPrefix is the environment variable prefix for configuration overrides.
const envPrefix = "CONVERSA_"

func applyEnvOverrides(cfg *Config) {
	if value := envValue("HOST"); value != "" {
		cfg.Server.Host = value
	}
	if value := envValue("HTTP_PORT"); value != "" {
		if port, err := strconv.Atoi(value); err == nil {
			cfg.Server.HTTPPort = port
		}
	}
	if value := envValue("METRICS_PORT"); value != "" {
		if port, err := strconv.Atoi(value); err == nil {
			cfg.Server.MetricsPort = port
		}
	}
	if value := envValue("DATABASE_URL"); value != "" {
		cfg.Database.URL = value
	}
	if value := envValue("JWT_SECRET"); value != "" {
		cfg.Auth.JWTSecret = value
	}
	if value := envValue("TOKEN_EXPIRY"); value != "" {
		if dur, err := time.ParseDuration(value); err == nil {
			cfg.Auth.TokenExpiry = dur
		}
	}
	if value := envValue("LLM_DEFAULT_PROVIDER"); value != "" {
		cfg.LLM.DefaultProvider = value
	}
	if value := envValue("MAX_TOOL_ITERATIONS"); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			cfg.Tools.Execution.MaxIterations = n
		}
	}
	if value := envValue("LOG_LEVEL"); value != "" {
		cfg.Logging.Level = value
	}
}

// envValue looks up a CONVERSA_-prefixed environment variable, trimmed of whitespace.
func envValue(name string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + name))
}
