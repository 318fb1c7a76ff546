package quotarouter_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qr "github.com/ineyio/quotarouter"
)

const sampleConfig = `
listen: ":9090"
max_attempts: 4
cooldown: 45s
selection_policy: priority
quota:
  backend: redis
  redis_addr: localhost:6379
providers:
  - id: fast
    base_url: https://api.example.com/v1
    api_key: ${QR_TEST_KEY}
    model: small
    per_minute_limit: 2
    per_day_limit: 100
    priority: 1
  - id: local
    kind: mock
    per_minute_limit: 1000
    per_day_limit: 100000
    priority: 2
    active: false
`

func TestParseConfig(t *testing.T) {
	t.Setenv("QR_TEST_KEY", "sk-secret")

	cfg, err := qr.ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, 4, cfg.MaxAttempts)
	assert.Equal(t, 45*time.Second, cfg.Cooldown)
	assert.Equal(t, 60*time.Second, cfg.InvokeTimeout)
	assert.Equal(t, qr.PolicyPriority, cfg.SelectionPolicy)
	assert.Equal(t, qr.QuotaBackendRedis, cfg.Quota.Backend)
	assert.Equal(t, time.Minute, cfg.Quota.SweepInterval)
	assert.Equal(t, "info", cfg.Log.Level)

	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "sk-secret", cfg.Providers[0].APIKey)
	assert.Equal(t, qr.ProviderKindOpenAI, cfg.Providers[0].Kind)

	descs := cfg.Descriptors()
	assert.True(t, descs[0].Active)
	assert.False(t, descs[1].Active)
	assert.EqualValues(t, 2, descs[0].PerMinuteLimit)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quotarouter.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := qr.LoadConfig(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Providers, 2)

	_, err = qr.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() qr.Config {
		cfg := qr.Config{
			Providers: []qr.ProviderConfig{
				{ID: "p1", BaseURL: "http://localhost", PerMinuteLimit: 1, PerDayLimit: 1},
			},
		}
		cfg.ApplyDefaults()
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*qr.Config)
		field  string
	}{
		{"no providers", func(c *qr.Config) { c.Providers = nil }, "providers"},
		{"negative attempts", func(c *qr.Config) { c.MaxAttempts = -1 }, "max_attempts"},
		{"unknown policy", func(c *qr.Config) { c.SelectionPolicy = "random" }, "selection_policy"},
		{"unknown backend", func(c *qr.Config) { c.Quota.Backend = "etcd" }, "quota.backend"},
		{"redis without addr", func(c *qr.Config) { c.Quota.Backend = qr.QuotaBackendRedis }, "quota.redis_addr"},
		{"postgres without dsn", func(c *qr.Config) { c.Quota.Backend = qr.QuotaBackendPostgres }, "quota.postgres_dsn"},
		{"audit scheme", func(c *qr.Config) { c.Audit.DSN = "mysql://localhost" }, "audit.dsn"},
		{"openai without url", func(c *qr.Config) { c.Providers[0].BaseURL = "" }, "providers[0]"},
		{"negative sweep interval", func(c *qr.Config) { c.Quota.SweepInterval = -time.Second }, "quota.sweep_interval"},
		{"negative flush interval", func(c *qr.Config) { c.Audit.FlushInterval = -time.Second }, "audit.flush_interval"},
		{"negative retention", func(c *qr.Config) { c.Audit.Retention = -time.Hour }, "audit.retention"},
		{"gemini without model", func(c *qr.Config) { c.Providers[0].Kind = qr.ProviderKindGemini }, "providers[0]"},
		{"unknown kind", func(c *qr.Config) { c.Providers[0].Kind = "grpc" }, "providers[0]"},
		{"zero limit", func(c *qr.Config) { c.Providers[0].PerDayLimit = 0 }, "providers[0]"},
		{"duplicate id", func(c *qr.Config) { c.Providers = append(c.Providers, c.Providers[0]) }, "providers[1]"},
	}

	require.NoError(t, valid().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, qr.ErrConfig)
			var cerr *qr.ConfigError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tt.field, cerr.Field)
		})
	}
}

func TestParseConfig_RejectsNegativeSweepInterval(t *testing.T) {
	_, err := qr.ParseConfig([]byte(`
quota:
  sweep_interval: -1s
providers:
  - id: p1
    kind: mock
    per_minute_limit: 1
    per_day_limit: 1
`))
	var cerr *qr.ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "quota.sweep_interval", cerr.Field)
}

func TestConfig_ValidateGemini(t *testing.T) {
	cfg := qr.Config{
		Providers: []qr.ProviderConfig{
			{ID: "g1", Kind: qr.ProviderKindGemini, Model: "gemini-2.0-flash", PerMinuteLimit: 15, PerDayLimit: 1500},
		},
	}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
}

func TestParseConfig_Malformed(t *testing.T) {
	_, err := qr.ParseConfig([]byte("providers: [oops"))
	require.ErrorIs(t, err, qr.ErrConfig)
}

func TestLoadConfig_ExampleFile(t *testing.T) {
	t.Setenv("GROQ_API_KEY", "gsk-test")
	t.Setenv("CEREBRAS_API_KEY", "csk-test")
	t.Setenv("GEMINI_API_KEY", "gem-test")

	cfg, err := qr.LoadConfig("quotarouter.example.yaml")
	require.NoError(t, err)

	require.Len(t, cfg.Providers, 4)
	assert.Equal(t, qr.PolicyLeastUtilized, cfg.SelectionPolicy)
	assert.Equal(t, "gsk-test", cfg.Providers[0].APIKey)
	assert.Equal(t, 0.7, cfg.Providers[0].Extra["temperature"])
	assert.Equal(t, qr.ProviderKindGemini, cfg.Providers[1].Kind)
	assert.Equal(t, "gem-test", cfg.Providers[1].APIKey)
	assert.Equal(t, qr.ProviderKindOpenAI, cfg.Providers[2].Kind)
	assert.Equal(t, 720*time.Hour, cfg.Audit.Retention)

	descs := cfg.Descriptors()
	assert.False(t, descs[3].Active)
}
