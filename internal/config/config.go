// Package config handles counselor agent configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. COUNSELOR_PORT.
const EnvPrefix = "COUNSELOR_"

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/counselor/config.yaml, /etc/counselor/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "counselor", "config.yaml"))
	}

	paths = append(paths, "/etc/counselor/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all counselor agent configuration.
type Config struct {
	Listen   ListenConfig   `yaml:"listen" envPrefix:"LISTEN_"`
	Database DatabaseConfig `yaml:"database" envPrefix:"DATABASE_"`
	Models   ModelsConfig   `yaml:"models" envPrefix:"MODELS_"`
	Agent    AgentConfig    `yaml:"agent" envPrefix:"AGENT_"`
	Cache    CacheConfig    `yaml:"cache" envPrefix:"CACHE_"`
	Auth     AuthConfig     `yaml:"auth" envPrefix:"AUTH_"`
	Tracing  TracingConfig  `yaml:"tracing" envPrefix:"TRACING_"`

	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"` // text or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address" env:"ADDRESS"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port" env:"PORT"`
}

// DatabaseConfig selects where records live. Conversations and the
// confirmation ledger always use the SQLite file; student records move
// to Postgres when PostgresDSN is set.
type DatabaseConfig struct {
	Path        string `yaml:"path" env:"PATH"`
	PostgresDSN string `yaml:"postgres_dsn" env:"POSTGRES_DSN"`
}

// ModelsConfig defines the completion providers.
type ModelsConfig struct {
	Default     string        `yaml:"default" env:"DEFAULT"`
	OllamaURL   string        `yaml:"ollama_url" env:"OLLAMA_URL"`
	OpenAIKey   string        `yaml:"openai_api_key" env:"OPENAI_API_KEY"`
	OpenAIURL   string        `yaml:"openai_base_url" env:"OPENAI_BASE_URL"`
	Temperature float64       `yaml:"temperature" env:"TEMPERATURE"`
	MaxTokens   int           `yaml:"max_tokens" env:"MAX_TOKENS"`
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT"`
	Available   []ModelConfig `yaml:"available"`
}

// ModelConfig routes a model name to its provider.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // ollama or openai
}

// AgentConfig tunes the agent loop.
type AgentConfig struct {
	MaxToolRounds       int           `yaml:"max_tool_rounds" env:"MAX_TOOL_ROUNDS"`
	MaxTransientRetries int           `yaml:"max_transient_retries" env:"MAX_TRANSIENT_RETRIES"`
	RetryBaseDelay      time.Duration `yaml:"retry_base_delay" env:"RETRY_BASE_DELAY"`
	MaxHistory          int           `yaml:"max_history" env:"MAX_HISTORY"`
	MaxRunsPerHour      int           `yaml:"max_runs_per_hour" env:"MAX_RUNS_PER_HOUR"`
	ExtractInsights     bool          `yaml:"extract_insights" env:"EXTRACT_INSIGHTS"`
	InsightTTL          time.Duration `yaml:"insight_ttl" env:"INSIGHT_TTL"`
	ConfirmationTTL     time.Duration `yaml:"confirmation_ttl" env:"CONFIRMATION_TTL"`
}

// CacheConfig defines the response cache and request queue.
type CacheConfig struct {
	Backend       string        `yaml:"backend" env:"BACKEND"` // memory, redis or none
	RedisURL      string        `yaml:"redis_url" env:"REDIS_URL"`
	TTL           time.Duration `yaml:"ttl" env:"TTL"`
	MaxConcurrent int           `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
}

// AuthConfig defines bearer token verification.
type AuthConfig struct {
	Secret   string        `yaml:"secret" env:"SECRET"`
	Issuer   string        `yaml:"issuer" env:"ISSUER"`
	TokenTTL time.Duration `yaml:"token_ttl" env:"TOKEN_TTL"`
}

// TracingConfig defines OTLP trace export. An empty endpoint disables it.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint" env:"ENDPOINT"`
	SampleRatio float64 `yaml:"sample_ratio" env:"SAMPLE_RATIO"`
}

// Load reads configuration from a YAML file, applies COUNSELOR_*
// environment overrides and fills defaults. It does not validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := seed()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := seed()
	cfg.applyDefaults()
	return cfg
}

// seed returns the starting point for decoding. It holds the defaults
// whose zero value is a meaningful setting, so applyDefaults cannot fill
// them in afterwards.
func seed() *Config {
	return &Config{Agent: AgentConfig{ExtractInsights: true}}
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Database.Path == "" {
		c.Database.Path = "counselor.db"
	}
	if c.Models.Default == "" {
		c.Models.Default = "qwen3:8b"
	}
	if c.Models.OllamaURL == "" && c.Models.OpenAIKey == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	if c.Models.Temperature == 0 {
		c.Models.Temperature = 0.3
	}
	if c.Models.MaxTokens == 0 {
		c.Models.MaxTokens = 2048
	}
	if c.Models.Timeout == 0 {
		c.Models.Timeout = 5 * time.Minute
	}
	if c.Agent.MaxToolRounds == 0 {
		c.Agent.MaxToolRounds = 5
	}
	if c.Agent.MaxTransientRetries == 0 {
		c.Agent.MaxTransientRetries = 2
	}
	if c.Agent.RetryBaseDelay == 0 {
		c.Agent.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.Agent.MaxHistory == 0 {
		c.Agent.MaxHistory = 40
	}
	if c.Agent.InsightTTL == 0 {
		c.Agent.InsightTTL = 14 * 24 * time.Hour
	}
	if c.Agent.ConfirmationTTL == 0 {
		c.Agent.ConfirmationTTL = 24 * time.Hour
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 5 * time.Minute
	}
	if c.Cache.MaxConcurrent == 0 {
		c.Cache.MaxConcurrent = 2
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "counselor-agent"
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 12 * time.Hour
	}
	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = 1
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}
	for _, m := range c.Models.Available {
		switch m.Provider {
		case "ollama":
			if c.Models.OllamaURL == "" {
				errs = append(errs, fmt.Errorf("model %q uses ollama but models.ollama_url is empty", m.Name))
			}
		case "openai":
			if c.Models.OpenAIKey == "" {
				errs = append(errs, fmt.Errorf("model %q uses openai but models.openai_api_key is empty", m.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("model %q has unknown provider %q", m.Name, m.Provider))
		}
	}
	if c.Models.Temperature < 0 || c.Models.Temperature > 2 {
		errs = append(errs, fmt.Errorf("models.temperature %.2f out of range [0, 2]", c.Models.Temperature))
	}
	if c.Agent.MaxToolRounds < 1 {
		errs = append(errs, errors.New("agent.max_tool_rounds must be at least 1"))
	}
	switch c.Cache.Backend {
	case "memory", "none":
	case "redis":
		if c.Cache.RedisURL == "" {
			errs = append(errs, errors.New("cache.redis_url is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.backend %q must be memory, redis or none", c.Cache.Backend))
	}
	if c.Cache.MaxConcurrent < 1 {
		errs = append(errs, errors.New("cache.max_concurrent must be at least 1"))
	}
	if s := c.Auth.Secret; s != "" && len(s) < 16 {
		errs = append(errs, errors.New("auth.secret must be at least 16 bytes"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio %.2f out of range [0, 1]", c.Tracing.SampleRatio))
	}
	return errors.Join(errs...)
}

// ProviderFor returns the configured provider of model, defaulting to
// ollama when an Ollama URL is set and openai otherwise.
func (c *Config) ProviderFor(model string) string {
	for _, m := range c.Models.Available {
		if strings.EqualFold(m.Name, model) {
			return m.Provider
		}
	}
	if c.Models.OllamaURL != "" {
		return "ollama"
	}
	return "openai"
}
