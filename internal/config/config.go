// ABOUTME: Configuration loading and parsing for batchline
// ABOUTME: Supports YAML files with environment variable expansion, defaults and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete batchline configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Batching BatchingConfig `yaml:"batching"`
	Memory   MemoryConfig   `yaml:"memory"`
	Learning LearningConfig `yaml:"learning"`
	Patterns PatternsConfig `yaml:"patterns"`
	AI       AIConfig       `yaml:"ai"`
	Outbound OutboundConfig `yaml:"outbound"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// BatchingConfig controls when accumulated messages are flushed for dispatch.
type BatchingConfig struct {
	QuietWindow     time.Duration `yaml:"-"`
	MaxWindow       time.Duration `yaml:"-"`
	RetryBackoff    time.Duration `yaml:"-"`
	DispatchTimeout time.Duration `yaml:"-"`
	FallbackText    string        `yaml:"fallback_text"`

	// Raw string values for YAML unmarshaling
	QuietWindowRaw     string `yaml:"quiet_window"`
	MaxWindowRaw       string `yaml:"max_window"`
	RetryBackoffRaw    string `yaml:"retry_backoff"`
	DispatchTimeoutRaw string `yaml:"dispatch_timeout"`
}

// MemoryConfig selects the memory backend and its retention.
type MemoryConfig struct {
	Backend  string `yaml:"backend"` // "memory" or "redis"
	RedisURL string `yaml:"redis_url"`
	MaxTurns int    `yaml:"max_turns"`

	TurnTTL       time.Duration `yaml:"-"`
	SummaryTTL    time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	TurnTTLRaw       string `yaml:"turn_ttl"`
	SummaryTTLRaw    string `yaml:"summary_ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// LearningConfig tunes the pattern learning engine and its schedule.
type LearningConfig struct {
	Schedule        string `yaml:"schedule"` // cron expression; empty disables scheduled runs
	MinSamples      int    `yaml:"min_samples"`
	MinOccurrence   int    `yaml:"min_occurrence"`
	ApprovalSamples int    `yaml:"approval_samples"`
	MaxCandidates   int    `yaml:"max_candidates"`
	Concurrency     int    `yaml:"concurrency"`

	Lookback    time.Duration `yaml:"-"`
	LookbackRaw string        `yaml:"lookback"`
}

// PatternsConfig tunes pattern application and retirement.
type PatternsConfig struct {
	MaxApplied  int `yaml:"max_applied"`  // K
	RetireAfter int `yaml:"retire_after"` // consecutive declining evaluations
}

// AIConfig configures the OpenAI-compatible completion endpoint.
type AIConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// OutboundConfig configures where replies are delivered. With no webhook_url
// replies are only logged.
type OutboundConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// IngestConfig bounds inbound traffic.
type IngestConfig struct {
	DedupeSize    int     `yaml:"dedupe_size"`
	RatePerSecond float64 `yaml:"rate_per_second"` // 0 disables limiting
	Burst         int     `yaml:"burst"`

	DedupeTTL    time.Duration `yaml:"-"`
	DedupeTTLRaw string        `yaml:"dedupe_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values and omitted values
// take their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration bytes. See Load.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// DefaultPath returns the config file location: $BATCHLINE_CONFIG if set,
// otherwise $XDG_CONFIG_HOME/batchline/config.yaml (falling back to
// ~/.config when XDG_CONFIG_HOME is unset).
func DefaultPath() string {
	if p := os.Getenv("BATCHLINE_CONFIG"); p != "" {
		return p
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "batchline", "config.yaml")
}

func (c *Config) applyDefaults() {
	setDefault(&c.Server.HTTPAddr, ":8080")

	setDefault(&c.Batching.QuietWindow, 800*time.Millisecond)
	setDefault(&c.Batching.MaxWindow, 2*time.Second)
	setDefault(&c.Batching.RetryBackoff, 500*time.Millisecond)
	setDefault(&c.Batching.DispatchTimeout, 30*time.Second)
	setDefault(&c.Batching.FallbackText, "Thanks for your message! We'll get back to you shortly.")

	setDefault(&c.Memory.Backend, "memory")
	setDefault(&c.Memory.MaxTurns, 20)
	setDefault(&c.Memory.TurnTTL, 24*time.Hour)
	setDefault(&c.Memory.SummaryTTL, 30*24*time.Hour)
	setDefault(&c.Memory.SweepInterval, 5*time.Minute)

	setDefault(&c.Learning.Lookback, 30*24*time.Hour)
	setDefault(&c.Learning.MinSamples, 20)
	setDefault(&c.Learning.MinOccurrence, 3)
	setDefault(&c.Learning.ApprovalSamples, 30)
	setDefault(&c.Learning.MaxCandidates, 20)
	setDefault(&c.Learning.Concurrency, 4)

	setDefault(&c.Patterns.MaxApplied, 2)
	setDefault(&c.Patterns.RetireAfter, 3)

	setDefault(&c.AI.Model, "gpt-4o-mini")
	setDefault(&c.AI.Timeout, 20*time.Second)

	setDefault(&c.Ingest.DedupeTTL, 10*time.Minute)
	setDefault(&c.Ingest.DedupeSize, 10000)

	setDefault(&c.Logging.Level, "info")
	setDefault(&c.Logging.Format, "text")
}

func setDefault[T comparable](dst *T, v T) {
	var zero T
	if *dst == zero {
		*dst = v
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Batching.QuietWindow <= 0 || c.Batching.MaxWindow <= 0 {
		return fmt.Errorf("batching windows must be positive")
	}
	if c.Batching.MaxWindow < c.Batching.QuietWindow {
		return fmt.Errorf("batching.max_window (%s) must not be shorter than batching.quiet_window (%s)",
			c.Batching.MaxWindow, c.Batching.QuietWindow)
	}

	switch c.Memory.Backend {
	case "memory":
	case "redis":
		if c.Memory.RedisURL == "" {
			return fmt.Errorf("memory.redis_url is required when memory.backend is redis")
		}
	default:
		return fmt.Errorf("memory.backend must be memory or redis, got %q", c.Memory.Backend)
	}
	if c.Memory.MaxTurns < 2 {
		return fmt.Errorf("memory.max_turns must be at least 2")
	}

	if c.Learning.ApprovalSamples < c.Learning.MinSamples {
		return fmt.Errorf("learning.approval_samples must be >= learning.min_samples")
	}
	if c.Patterns.MaxApplied < 0 {
		return fmt.Errorf("patterns.max_applied must not be negative")
	}

	if c.AI.BaseURL == "" {
		return fmt.Errorf("ai.base_url is required")
	}

	if c.Ingest.RatePerSecond < 0 {
		return fmt.Errorf("ingest.rate_per_second must not be negative")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"batching.quiet_window", cfg.Batching.QuietWindowRaw, &cfg.Batching.QuietWindow},
		{"batching.max_window", cfg.Batching.MaxWindowRaw, &cfg.Batching.MaxWindow},
		{"batching.retry_backoff", cfg.Batching.RetryBackoffRaw, &cfg.Batching.RetryBackoff},
		{"batching.dispatch_timeout", cfg.Batching.DispatchTimeoutRaw, &cfg.Batching.DispatchTimeout},
		{"memory.turn_ttl", cfg.Memory.TurnTTLRaw, &cfg.Memory.TurnTTL},
		{"memory.summary_ttl", cfg.Memory.SummaryTTLRaw, &cfg.Memory.SummaryTTL},
		{"memory.sweep_interval", cfg.Memory.SweepIntervalRaw, &cfg.Memory.SweepInterval},
		{"learning.lookback", cfg.Learning.LookbackRaw, &cfg.Learning.Lookback},
		{"ai.timeout", cfg.AI.TimeoutRaw, &cfg.AI.Timeout},
		{"ingest.dedupe_ttl", cfg.Ingest.DedupeTTLRaw, &cfg.Ingest.DedupeTTL},
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
