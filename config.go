package quotarouter

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	Listen          string           `yaml:"listen"`
	MaxAttempts     int              `yaml:"max_attempts"`
	Cooldown        time.Duration    `yaml:"cooldown"`
	InvokeTimeout   time.Duration    `yaml:"invoke_timeout"`
	SelectionPolicy string           `yaml:"selection_policy"`
	Quota           QuotaConfig      `yaml:"quota"`
	Audit           AuditConfig      `yaml:"audit"`
	Log             LogConfig        `yaml:"log"`
	Providers       []ProviderConfig `yaml:"providers"`
}

// Selection policy names.
const (
	PolicyLeastUtilized = "least_utilized"
	PolicyPriority      = "priority"
)

// Counter store backends.
const (
	QuotaBackendMemory   = "memory"
	QuotaBackendRedis    = "redis"
	QuotaBackendPostgres = "postgres"
)

// QuotaConfig selects and configures the counter store.
type QuotaConfig struct {
	Backend       string        `yaml:"backend"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	PostgresDSN   string        `yaml:"postgres_dsn"`
	KeyPrefix     string        `yaml:"key_prefix"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// AuditConfig configures dispatch record persistence. An empty DSN disables it.
type AuditConfig struct {
	DSN           string        `yaml:"dsn"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	QueueSize     int           `yaml:"queue_size"`
	Retention     time.Duration `yaml:"retention"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // console or json
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// ProviderConfig configures one upstream endpoint: its quota descriptor
// plus the client settings used to reach it.
type ProviderConfig struct {
	ID             string `yaml:"id"`
	Kind           string `yaml:"kind"`
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	PerMinuteLimit int64  `yaml:"per_minute_limit"`
	PerDayLimit    int64  `yaml:"per_day_limit"`
	Priority       int    `yaml:"priority"`
	Active         *bool  `yaml:"active"`

	// Extra is merged into openai request bodies (temperature, max_tokens, ...)
	// and into gemini generationConfig (temperature, maxOutputTokens, ...).
	Extra map[string]any `yaml:"extra"`
}

// Provider kinds understood by the binary.
const (
	ProviderKindOpenAI = "openai"
	ProviderKindMock   = "mock"
	ProviderKindGemini = "gemini"
)

// Descriptor returns the registry descriptor for this provider. Active
// defaults to true when unset.
func (p ProviderConfig) Descriptor() ProviderDescriptor {
	active := true
	if p.Active != nil {
		active = *p.Active
	}
	return ProviderDescriptor{
		ID:             p.ID,
		PerMinuteLimit: p.PerMinuteLimit,
		PerDayLimit:    p.PerDayLimit,
		Priority:       p.Priority,
		Active:         active,
	}
}

// Descriptors returns the registry descriptors in configuration order.
func (c Config) Descriptors() []ProviderDescriptor {
	out := make([]ProviderDescriptor, len(c.Providers))
	for i, p := range c.Providers {
		out[i] = p.Descriptor()
	}
	return out
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("quotarouter: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config bytes, applies defaults and validates.
func ParseConfig(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, &ConfigError{Msg: fmt.Sprintf("parse: %v", err)}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.Cooldown == 0 {
		c.Cooldown = defaultCooldown
	}
	if c.InvokeTimeout == 0 {
		c.InvokeTimeout = defaultInvokeTimeout
	}
	if c.SelectionPolicy == "" {
		c.SelectionPolicy = PolicyLeastUtilized
	}
	if c.Quota.Backend == "" {
		c.Quota.Backend = QuotaBackendMemory
	}
	if c.Quota.SweepInterval == 0 {
		c.Quota.SweepInterval = time.Minute
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	for i := range c.Providers {
		if c.Providers[i].Kind == "" {
			c.Providers[i].Kind = ProviderKindOpenAI
		}
	}
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if len(c.Providers) == 0 {
		return configErrorf("providers", "at least one provider is required")
	}
	if c.MaxAttempts < 0 {
		return configErrorf("max_attempts", "must not be negative")
	}
	if c.Cooldown < 0 {
		return configErrorf("cooldown", "must not be negative")
	}
	if c.InvokeTimeout < 0 {
		return configErrorf("invoke_timeout", "must not be negative")
	}
	if c.Quota.SweepInterval < 0 {
		return configErrorf("quota.sweep_interval", "must not be negative")
	}
	if c.Audit.FlushInterval < 0 {
		return configErrorf("audit.flush_interval", "must not be negative")
	}
	if c.Audit.Retention < 0 {
		return configErrorf("audit.retention", "must not be negative")
	}

	switch c.SelectionPolicy {
	case "", PolicyLeastUtilized, PolicyPriority:
	default:
		return configErrorf("selection_policy", "unknown policy %q", c.SelectionPolicy)
	}

	switch c.Quota.Backend {
	case "", QuotaBackendMemory:
	case QuotaBackendRedis:
		if c.Quota.RedisAddr == "" {
			return configErrorf("quota.redis_addr", "required for redis backend")
		}
	case QuotaBackendPostgres:
		if c.Quota.PostgresDSN == "" {
			return configErrorf("quota.postgres_dsn", "required for postgres backend")
		}
	default:
		return configErrorf("quota.backend", "unknown backend %q", c.Quota.Backend)
	}

	if dsn := c.Audit.DSN; dsn != "" &&
		!strings.HasPrefix(dsn, "sqlite://") &&
		!strings.HasPrefix(dsn, "postgres://") &&
		!strings.HasPrefix(dsn, "postgresql://") {
		return configErrorf("audit.dsn", "unsupported scheme (use sqlite:// or postgres://)")
	}

	for i, p := range c.Providers {
		field := fmt.Sprintf("providers[%d]", i)
		switch p.Kind {
		case "", ProviderKindOpenAI:
			if p.BaseURL == "" {
				return configErrorf(field, "provider %q: base_url is required", p.ID)
			}
		case ProviderKindGemini:
			if p.Model == "" {
				return configErrorf(field, "provider %q: model is required for gemini", p.ID)
			}
		case ProviderKindMock:
		default:
			return configErrorf(field, "provider %q: unknown kind %q", p.ID, p.Kind)
		}
	}

	// Descriptor checks (ids, uniqueness, limits) are shared with the registry.
	_, err := NewRegistry(c.Descriptors())
	return err
}
