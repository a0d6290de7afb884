// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"axonflow/gateway/gateway/ratelimit"
)

const minimalConfig = `
default_policy: chat-default
policies:
  - name: chat-default
    backends:
      - name: openai-primary
        address: https://api.openai.com
        model: gpt-4o
`

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8084, cfg.Server.Port)
	assert.Equal(t, 9090, cfg.Server.MetricsPort)
	assert.Equal(t, 60*time.Second, cfg.Server.RequestTimeout())
	assert.Equal(t, 100, cfg.Server.ConnectionPoolSize)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSAllowedOrigins)

	assert.Equal(t, AuthModeNone, cfg.Auth.Mode)

	assert.False(t, cfg.RateLimit.Enabled)
	assert.Equal(t, float64(10), cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, 20, cfg.RateLimit.BurstSize)
	assert.Equal(t, 300, cfg.RateLimit.IdleTTLSecs)

	assert.True(t, cfg.Cache.IsEnabled())
	assert.Equal(t, CacheBackendMemory, cfg.Cache.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL())
	assert.Equal(t, 1000, cfg.Cache.MaxSize)

	retry := cfg.Retry.ToExecutorConfig()
	assert.Equal(t, 2, retry.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, retry.InitialBackoff)
	assert.Equal(t, 5*time.Second, retry.MaxBackoff)

	breaker := cfg.CircuitBreaker.ToBreakerConfig()
	assert.True(t, breaker.Enabled)
	assert.Equal(t, 5, breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, breaker.ResetTimeout)

	assert.Equal(t, "round_robin", cfg.LoadBalancing.Strategy)
	assert.Equal(t, "chat-default", cfg.DefaultPolicy)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalConfig), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "chat-default", cfg.DefaultPolicy)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestParseConfigRejectsUnknownFields(t *testing.T) {
	_, err := ParseConfig([]byte(minimalConfig + "\nunknown_section:\n  value: 1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestParseConfigEnvInterpolation(t *testing.T) {
	t.Setenv("TEST_GW_KEY", "sk-secret-123")

	cfg, err := ParseConfig([]byte(`
default_policy: chat-default
policies:
  - name: chat-default
    backends:
      - name: openai-primary
        address: ${TEST_GW_ADDR:-https://api.openai.com}
        api_key: ${TEST_GW_KEY}
        model: gpt-4o
`))
	require.NoError(t, err)
	assert.Equal(t, "sk-secret-123", cfg.Policies[0].Backends[0].APIKey)
	assert.Equal(t, "https://api.openai.com", cfg.Policies[0].Backends[0].Address, "unset variable uses its default")

	t.Setenv("TEST_GW_ADDR", "https://proxy.internal")
	cfg, err = ParseConfig([]byte(`
default_policy: chat-default
policies:
  - name: chat-default
    backends:
      - name: openai-primary
        address: ${TEST_GW_ADDR:-https://api.openai.com}
        model: gpt-4o
`))
	require.NoError(t, err)
	assert.Equal(t, "https://proxy.internal", cfg.Policies[0].Backends[0].Address, "set variable wins over its default")
}

func TestParseConfigMissingEnvVar(t *testing.T) {
	_, err := ParseConfig([]byte(`
default_policy: chat-default
policies:
  - name: chat-default
    backends:
      - name: openai-primary
        address: https://api.openai.com
        api_key: ${TEST_GW_DEFINITELY_UNSET}
        model: gpt-4o
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undefined environment variables")
	assert.Contains(t, err.Error(), "TEST_GW_DEFINITELY_UNSET")
}

func TestParseConfigEnvOverrides(t *testing.T) {
	t.Setenv("GATEWAY_HOST", "127.0.0.1")
	t.Setenv("GATEWAY_PORT", "9999")
	t.Setenv("GATEWAY_API_KEYS", "key-a, key-b,")
	t.Setenv("DATABASE_URL", "postgres://gw:pw@db:5432/usage")

	cfg, err := ParseConfig([]byte(strings.Replace(minimalConfig, "default_policy:",
		"auth:\n  mode: api_key\n  api_keys: [placeholder]\ndefault_policy:", 1)))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, []string{"key-a", "key-b"}, cfg.Auth.APIKeys)
	assert.Equal(t, "postgres://gw:pw@db:5432/usage", cfg.Usage.DSN)
	assert.Equal(t, "postgres", cfg.Usage.Driver, "driver inferred from the DSN scheme")
}

func TestInferUsageDriver(t *testing.T) {
	assert.Equal(t, "postgres", inferUsageDriver("postgres://u:p@h/db"))
	assert.Equal(t, "postgres", inferUsageDriver("postgresql://u:p@h/db"))
	assert.Equal(t, "mysql", inferUsageDriver("mysql://u:p@h/db"))
	assert.Equal(t, "", inferUsageDriver("sqlserver://u:p@h/db"))
}

func TestValidateErrors(t *testing.T) {
	base := func() *Config {
		cfg, err := ParseConfig([]byte(minimalConfig))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "server.port",
		},
		{
			name:    "port collision",
			mutate:  func(c *Config) { c.Server.MetricsPort = c.Server.Port },
			wantErr: "must differ",
		},
		{
			name:    "unknown auth mode",
			mutate:  func(c *Config) { c.Auth.Mode = "oauth" },
			wantErr: "auth.mode",
		},
		{
			name:    "api_key mode without keys",
			mutate:  func(c *Config) { c.Auth.Mode = AuthModeAPIKey },
			wantErr: "auth.api_keys",
		},
		{
			name:    "jwt mode without secret",
			mutate:  func(c *Config) { c.Auth.Mode = AuthModeJWT },
			wantErr: "auth.jwt_secret",
		},
		{
			name: "rate limit zero rps",
			mutate: func(c *Config) {
				c.RateLimit.Enabled = true
				c.RateLimit.RequestsPerSecond = -1
			},
			wantErr: "requests_per_second",
		},
		{
			name:    "unknown cache backend",
			mutate:  func(c *Config) { c.Cache.Backend = "memcached" },
			wantErr: "cache.backend",
		},
		{
			name:    "redis cache without url",
			mutate:  func(c *Config) { c.Cache.Backend = CacheBackendRedis },
			wantErr: "cache.redis_url",
		},
		{
			name: "negative retries",
			mutate: func(c *Config) {
				n := -1
				c.Retry.MaxRetries = &n
			},
			wantErr: "retry.max_retries",
		},
		{
			name:    "backoff inversion",
			mutate:  func(c *Config) { c.Retry.MaxBackoffMs = 10 },
			wantErr: "retry.max_backoff_ms",
		},
		{
			name:    "unknown strategy",
			mutate:  func(c *Config) { c.LoadBalancing.Strategy = "least_conn" },
			wantErr: "load_balancing.strategy",
		},
		{
			name:    "unknown usage driver",
			mutate:  func(c *Config) { c.Usage.Driver = "oracle" },
			wantErr: "usage.driver",
		},
		{
			name:    "usage driver without dsn",
			mutate:  func(c *Config) { c.Usage.Driver = "postgres" },
			wantErr: "usage.dsn",
		},
		{
			name:    "default policy unresolved",
			mutate:  func(c *Config) { c.DefaultPolicy = "nope" },
			wantErr: "default_policy",
		},
		{
			name: "duplicate policy names",
			mutate: func(c *Config) {
				c.Policies = append(c.Policies, c.Policies[0])
			},
			wantErr: "duplicate policy name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestToPoliciesWeights(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
default_policy: chat-default
policies:
  - name: chat-default
    backends:
      - name: primary
        address: https://a.example.com
        model: gpt-4o
      - name: heavy
        address: https://b.example.com
        model: gpt-4o
        weight: 3
      - name: drained
        address: https://c.example.com
        model: gpt-4o
        weight: 0
`))
	require.NoError(t, err)

	policies := cfg.ToPolicies()
	require.Len(t, policies, 1)
	require.Len(t, policies[0].Backends, 3)
	assert.Equal(t, 1.0, policies[0].Backends[0].Weight, "unset weight defaults to 1")
	assert.Equal(t, 3.0, policies[0].Backends[1].Weight)
	assert.Equal(t, 0.0, policies[0].Backends[2].Weight, "explicit zero weight is preserved")
}

func TestToPoliciesClassifierTimeout(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
default_policy: smart
policies:
  - name: smart
    classifier:
      url: http://classifier:8000/classify
    backends:
      - name: fast
        label: default
        address: https://fast.example.com
        model: gpt-4o-mini
`))
	require.NoError(t, err)

	policies := cfg.ToPolicies()
	require.NotNil(t, policies[0].Classifier)
	assert.Equal(t, 2*time.Second, policies[0].Classifier.Timeout, "classifier timeout defaults to 2s")
}

func TestToLimiterConfigScope(t *testing.T) {
	rl := RateLimitConfig{Enabled: true, RequestsPerSecond: 5, BurstSize: 10, IdleTTLSecs: 60}
	assert.Equal(t, ratelimit.ScopePerIP, rl.ToLimiterConfig().Scope, "per_ip is the default scope")

	perIP := false
	rl.PerIP = &perIP
	assert.Equal(t, ratelimit.ScopeGlobal, rl.ToLimiterConfig().Scope)

	perIP = true
	assert.Equal(t, ratelimit.ScopePerIP, rl.ToLimiterConfig().Scope)
	assert.Equal(t, time.Minute, rl.ToLimiterConfig().IdleTTL)
}

func TestSanitized(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
auth:
  mode: api_key
  api_keys: [sk-live-1, sk-live-2]
cache:
  backend: redis
  redis_url: redis://:hunter2@cache:6379/0
usage:
  driver: postgres
  dsn: postgres://gw:pw@db:5432/usage
default_policy: chat-default
policies:
  - name: chat-default
    agent:
      address: https://router.example.com
      api_key: sk-agent
      model: gpt-4o-mini
    backends:
      - name: openai-primary
        address: https://api.openai.com
        api_key: sk-backend
        model: gpt-4o
`))
	require.NoError(t, err)

	got := cfg.Sanitized()

	assert.Equal(t, []string{"[REDACTED]", "[REDACTED]"}, got.Auth.APIKeys)
	assert.Equal(t, "[REDACTED]", got.Usage.DSN)
	assert.Equal(t, "[REDACTED]", got.Cache.RedisURL)
	assert.Equal(t, "[REDACTED]", got.Policies[0].Agent.APIKey)
	assert.Equal(t, "[REDACTED]", got.Policies[0].Backends[0].APIKey)

	// The original stays untouched.
	assert.Equal(t, "sk-live-1", cfg.Auth.APIKeys[0])
	assert.Equal(t, "sk-agent", cfg.Policies[0].Agent.APIKey)
	assert.Equal(t, "sk-backend", cfg.Policies[0].Backends[0].APIKey)
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "[REDACTED]", redactURL("redis://:pw@host:6379"))
	assert.Equal(t, "redis://host:6379", redactURL("redis://host:6379"))
	assert.Equal(t, "", redactURL(""))
}

func TestPolicyNames(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
default_policy: zeta
policies:
  - name: zeta
    backends:
      - name: b1
        address: https://a.example.com
        model: m1
  - name: alpha
    backends:
      - name: b2
        address: https://b.example.com
        model: m2
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "zeta"}, cfg.PolicyNames())
}
