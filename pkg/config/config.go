// Package config defines the broker configuration and its YAML loader.
//
// Configuration is loaded from a YAML file with ${ENV_VAR} expansion.
// A .env file next to the working directory is honored when present.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root broker configuration.
type Config struct {
	Server   ServerConfig                 `yaml:"server"`
	Database DatabaseConfig               `yaml:"database"`
	LLMs     map[string]LLMProviderConfig `yaml:"llms"`
	Broker   BrokerConfig                 `yaml:"broker"`
	Auth     AuthConfig                   `yaml:"auth"`
	Logging  LoggingConfig                `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig configures the relational store backing the source
// registry and conversation history.
type DatabaseConfig struct {
	// Driver is one of: sqlite, postgres, mysql.
	Driver string `yaml:"driver"`
	// DSN is the driver-specific connection string.
	DSN string `yaml:"dsn"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// LLMProviderConfig configures one LLM provider entry.
type LLMProviderConfig struct {
	// Type is "anthropic" or "openai".
	Type        string  `yaml:"type"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Host        string  `yaml:"host"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	// Timeout is the per-request timeout in seconds.
	Timeout    int `yaml:"timeout"`
	MaxRetries int `yaml:"max_retries"`
	// RetryDelay is the base backoff delay in seconds.
	RetryDelay int `yaml:"retry_delay"`
}

// BrokerConfig configures the local-agent broker.
type BrokerConfig struct {
	// AgentMaxAge is the staleness threshold after which unresponsive
	// agents are reaped and their tasks re-enqueued.
	AgentMaxAge time.Duration `yaml:"agent_max_age"`
	// ReapInterval is the reaper tick period.
	ReapInterval time.Duration `yaml:"reap_interval"`
	// CapabilityBundles maps coarse capability tags to extra bundle names
	// that satisfy them (e.g. khoros-atlassian for jira_operations).
	CapabilityBundles []string `yaml:"capability_bundles"`
}

// AuthConfig configures principal validation for the query endpoint.
// When JWKSURL is empty, requests are accepted with the X-User-ID header
// as the principal (deployments behind a trusted gateway).
type AuthConfig struct {
	JWKSURL  string `yaml:"jwks_url"`
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
}

// LoggingConfig configures the slog logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-[^}]*)?\}`)

// expandEnv substitutes ${VAR} and ${VAR:-default} references.
func expandEnv(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, def := groups[1], groups[2]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		if def != "" {
			return def[2:] // strip ":-"
		}
		return ""
	})
}

// Load reads, expands, and validates the configuration at path.
func Load(path string) (*Config, error) {
	// Best effort; missing .env is fine.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults fills unset fields with defaults.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "scintilla.db"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = time.Hour
	}
	if c.Broker.AgentMaxAge == 0 {
		c.Broker.AgentMaxAge = 15 * time.Minute
	}
	if c.Broker.ReapInterval == 0 {
		c.Broker.ReapInterval = time.Minute
	}
	if len(c.Broker.CapabilityBundles) == 0 {
		c.Broker.CapabilityBundles = []string{"khoros-atlassian"}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "simple"
	}

	for name, llm := range c.LLMs {
		if llm.MaxTokens == 0 {
			llm.MaxTokens = 4096
		}
		if llm.Timeout == 0 {
			llm.Timeout = 120
		}
		if llm.MaxRetries == 0 {
			llm.MaxRetries = 1
		}
		if llm.RetryDelay == 0 {
			llm.RetryDelay = 2
		}
		c.LLMs[name] = llm
	}
}

// Validate checks the configuration for unusable values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port out of range: %d", c.Server.Port)
	}

	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported database driver: %s (supported: sqlite, postgres, mysql)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required for driver %s", c.Database.Driver)
	}

	for name, llm := range c.LLMs {
		switch llm.Type {
		case "anthropic", "openai":
		default:
			return fmt.Errorf("llm %q: unsupported type %q (supported: anthropic, openai)", name, llm.Type)
		}
		if llm.Model == "" {
			return fmt.Errorf("llm %q: model is required", name)
		}
	}

	if c.Auth.JWKSURL != "" && c.Auth.Issuer == "" {
		return fmt.Errorf("auth issuer is required when jwks_url is set")
	}

	return nil
}
