// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"axonflow/gateway/gateway/policy"
	"axonflow/gateway/gateway/ratelimit"
	"axonflow/gateway/gateway/routing"
)

// Auth modes.
const (
	AuthModeNone   = "none"
	AuthModeAPIKey = "api_key"
	AuthModeJWT    = "jwt"
)

// Cache backends.
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

const redacted = "[REDACTED]"

// Config is the gateway's complete configuration, decoded from YAML
// after environment interpolation.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Auth           AuthConfig           `yaml:"auth"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Cache          CacheConfig          `yaml:"cache"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	LoadBalancing  LoadBalancingConfig  `yaml:"load_balancing"`
	Usage          UsageConfig          `yaml:"usage"`
	DefaultPolicy  string               `yaml:"default_policy"`
	Policies       []PolicyConfig       `yaml:"policies"`
}

// ServerConfig holds listener and HTTP client settings.
type ServerConfig struct {
	Host               string   `yaml:"host"`
	Port               int      `yaml:"port"`
	MetricsPort        int      `yaml:"metrics_port"`
	RequestTimeoutSecs int      `yaml:"request_timeout_secs"`
	ConnectionPoolSize int      `yaml:"connection_pool_size"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
}

// RequestTimeout returns the upstream request deadline.
func (s ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSecs) * time.Second
}

// AuthConfig controls the authentication middleware.
type AuthConfig struct {
	Mode      string   `yaml:"mode"`
	APIKeys   []string `yaml:"api_keys,omitempty"`
	JWTSecret string   `yaml:"jwt_secret,omitempty"`
}

// RateLimitConfig controls admission rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
	PerIP             *bool   `yaml:"per_ip,omitempty"`
	IdleTTLSecs       int     `yaml:"idle_ttl_secs"`
	RedisURL          string  `yaml:"redis_url,omitempty"`
}

// ToLimiterConfig converts to the ratelimit package's config.
func (r RateLimitConfig) ToLimiterConfig() ratelimit.Config {
	scope := ratelimit.ScopePerIP
	if r.PerIP != nil && !*r.PerIP {
		scope = ratelimit.ScopeGlobal
	}
	return ratelimit.Config{
		Enabled:           r.Enabled,
		RequestsPerSecond: r.RequestsPerSecond,
		BurstSize:         r.BurstSize,
		Scope:             scope,
		IdleTTL:           time.Duration(r.IdleTTLSecs) * time.Second,
	}
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Enabled  *bool  `yaml:"enabled,omitempty"`
	Backend  string `yaml:"backend"`
	TTLSecs  int    `yaml:"ttl_secs"`
	MaxSize  int    `yaml:"max_size"`
	RedisURL string `yaml:"redis_url,omitempty"`
}

// IsEnabled reports whether caching is on. Absent means enabled.
func (c CacheConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// TTL returns the entry lifetime.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSecs) * time.Second
}

// RetryConfig controls upstream retries.
type RetryConfig struct {
	MaxRetries       *int `yaml:"max_retries,omitempty"`
	InitialBackoffMs int  `yaml:"initial_backoff_ms"`
	MaxBackoffMs     int  `yaml:"max_backoff_ms"`
}

// ToExecutorConfig converts to the routing package's retry config.
func (r RetryConfig) ToExecutorConfig() routing.RetryConfig {
	retries := 2
	if r.MaxRetries != nil {
		retries = *r.MaxRetries
	}
	return routing.RetryConfig{
		MaxRetries:     retries,
		InitialBackoff: time.Duration(r.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(r.MaxBackoffMs) * time.Millisecond,
	}
}

// CircuitBreakerConfig controls per-backend circuit breaking.
type CircuitBreakerConfig struct {
	Enabled          *bool `yaml:"enabled,omitempty"`
	FailureThreshold int   `yaml:"failure_threshold"`
	ResetTimeoutSecs int   `yaml:"reset_timeout_secs"`
}

// ToBreakerConfig converts to the routing package's breaker config.
func (c CircuitBreakerConfig) ToBreakerConfig() routing.BreakerConfig {
	return routing.BreakerConfig{
		Enabled:          c.Enabled == nil || *c.Enabled,
		FailureThreshold: c.FailureThreshold,
		ResetTimeout:     time.Duration(c.ResetTimeoutSecs) * time.Second,
	}
}

// LoadBalancingConfig selects the balancing strategy.
type LoadBalancingConfig struct {
	Strategy string `yaml:"strategy"`
}

// UsageConfig controls usage accounting. An empty driver disables it.
type UsageConfig struct {
	Driver string `yaml:"driver,omitempty"`
	DSN    string `yaml:"dsn,omitempty"`
}

// PolicyConfig is one routing policy as written in YAML.
type PolicyConfig struct {
	Name       string            `yaml:"name"`
	Classifier *ClassifierConfig `yaml:"classifier,omitempty"`
	Agent      *AgentConfig      `yaml:"agent,omitempty"`
	Backends   []BackendConfig   `yaml:"backends"`
}

// ClassifierConfig points at a label classifier sidecar.
type ClassifierConfig struct {
	URL       string `yaml:"url"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// AgentConfig points at an agent model that picks backends by name.
type AgentConfig struct {
	Address      string `yaml:"address"`
	APIKey       string `yaml:"api_key,omitempty"`
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt,omitempty"`
}

// BackendConfig is one upstream target as written in YAML.
type BackendConfig struct {
	Name        string   `yaml:"name"`
	Label       string   `yaml:"label,omitempty"`
	Description string   `yaml:"description,omitempty"`
	Address     string   `yaml:"address"`
	APIKey      string   `yaml:"api_key,omitempty"`
	Model       string   `yaml:"model"`
	Weight      *float64 `yaml:"weight,omitempty"`
}

// LoadConfig reads, interpolates, decodes, defaults, and validates a
// gateway configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes configuration from raw YAML bytes.
func ParseConfig(data []byte) (*Config, error) {
	expanded, err := interpolateEnv(string(data))
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8084
	}
	if c.Server.MetricsPort == 0 {
		c.Server.MetricsPort = 9090
	}
	if c.Server.RequestTimeoutSecs == 0 {
		c.Server.RequestTimeoutSecs = 60
	}
	if c.Server.ConnectionPoolSize == 0 {
		c.Server.ConnectionPoolSize = 100
	}
	if len(c.Server.CORSAllowedOrigins) == 0 {
		c.Server.CORSAllowedOrigins = []string{"*"}
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = AuthModeNone
	}

	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.BurstSize == 0 {
		c.RateLimit.BurstSize = 20
	}
	if c.RateLimit.IdleTTLSecs == 0 {
		c.RateLimit.IdleTTLSecs = 300
	}

	if c.Cache.Backend == "" {
		c.Cache.Backend = CacheBackendMemory
	}
	if c.Cache.TTLSecs == 0 {
		c.Cache.TTLSecs = 300
	}
	if c.Cache.MaxSize == 0 {
		c.Cache.MaxSize = 1000
	}

	if c.Retry.InitialBackoffMs == 0 {
		c.Retry.InitialBackoffMs = 100
	}
	if c.Retry.MaxBackoffMs == 0 {
		c.Retry.MaxBackoffMs = 5000
	}

	if c.CircuitBreaker.FailureThreshold == 0 {
		c.CircuitBreaker.FailureThreshold = 5
	}
	if c.CircuitBreaker.ResetTimeoutSecs == 0 {
		c.CircuitBreaker.ResetTimeoutSecs = 30
	}

	if c.LoadBalancing.Strategy == "" {
		c.LoadBalancing.Strategy = string(routing.StrategyRoundRobin)
	}

	for i := range c.Policies {
		if cl := c.Policies[i].Classifier; cl != nil && cl.TimeoutMs == 0 {
			cl.TimeoutMs = 2000
		}
	}
}

// applyEnvOverrides lets deployment environments adjust a baked config
// image without editing the file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GATEWAY_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("GATEWAY_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.MetricsPort = port
		}
	}
	if v := os.Getenv("GATEWAY_REDIS_URL"); v != "" {
		c.Cache.RedisURL = v
		c.RateLimit.RedisURL = v
	}
	if v := os.Getenv("GATEWAY_API_KEYS"); v != "" {
		var keys []string
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
		if len(keys) > 0 {
			c.Auth.APIKeys = keys
		}
	}
	if v := os.Getenv("GATEWAY_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Usage.DSN = v
	}
	if c.Usage.Driver == "" && c.Usage.DSN != "" {
		c.Usage.Driver = inferUsageDriver(c.Usage.DSN)
	}
}

// inferUsageDriver guesses the database driver from a DSN scheme.
func inferUsageDriver(dsn string) string {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres"
	case strings.HasPrefix(dsn, "mysql://"):
		return "mysql"
	}
	return ""
}

// Validate checks the configuration, including every policy.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.MetricsPort < 1 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("server.metrics_port %d out of range", c.Server.MetricsPort)
	}
	if c.Server.Port == c.Server.MetricsPort {
		return fmt.Errorf("server.port and server.metrics_port must differ")
	}

	switch c.Auth.Mode {
	case AuthModeNone:
	case AuthModeAPIKey:
		if len(c.Auth.APIKeys) == 0 {
			return fmt.Errorf("auth.mode %q requires at least one entry in auth.api_keys", AuthModeAPIKey)
		}
	case AuthModeJWT:
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.mode %q requires auth.jwt_secret", AuthModeJWT)
		}
	default:
		return fmt.Errorf("auth.mode %q is not one of none, api_key, jwt", c.Auth.Mode)
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limit.requests_per_second must be positive")
		}
		if c.RateLimit.BurstSize < 1 {
			return fmt.Errorf("rate_limit.burst_size must be at least 1")
		}
	}

	switch c.Cache.Backend {
	case CacheBackendMemory:
	case CacheBackendRedis:
		if c.Cache.IsEnabled() && c.Cache.RedisURL == "" {
			return fmt.Errorf("cache.backend %q requires cache.redis_url", CacheBackendRedis)
		}
	default:
		return fmt.Errorf("cache.backend %q is not one of memory, redis", c.Cache.Backend)
	}

	if c.Retry.MaxRetries != nil && *c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if c.Retry.InitialBackoffMs < 1 {
		return fmt.Errorf("retry.initial_backoff_ms must be positive")
	}
	if c.Retry.MaxBackoffMs < c.Retry.InitialBackoffMs {
		return fmt.Errorf("retry.max_backoff_ms must not be below retry.initial_backoff_ms")
	}

	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be at least 1")
	}
	if c.CircuitBreaker.ResetTimeoutSecs < 1 {
		return fmt.Errorf("circuit_breaker.reset_timeout_secs must be positive")
	}

	if !routing.IsValidStrategy(routing.Strategy(c.LoadBalancing.Strategy)) {
		return fmt.Errorf("load_balancing.strategy %q is not one of %s, %s, %s",
			c.LoadBalancing.Strategy, routing.StrategyRoundRobin, routing.StrategyRandom, routing.StrategyWeightedRandom)
	}

	switch c.Usage.Driver {
	case "", "postgres", "mysql":
	default:
		return fmt.Errorf("usage.driver %q is not one of postgres, mysql", c.Usage.Driver)
	}
	if c.Usage.Driver != "" && c.Usage.DSN == "" {
		return fmt.Errorf("usage.driver %q requires usage.dsn", c.Usage.Driver)
	}

	if len(c.Policies) == 0 {
		return fmt.Errorf("at least one policy is required")
	}
	policies := c.ToPolicies()
	names := make(map[string]bool, len(policies))
	for i := range policies {
		if err := policies[i].Validate(); err != nil {
			return err
		}
		if names[policies[i].Name] {
			return fmt.Errorf("duplicate policy name %q", policies[i].Name)
		}
		names[policies[i].Name] = true
	}
	if c.DefaultPolicy == "" {
		return fmt.Errorf("default_policy is required")
	}
	if !names[c.DefaultPolicy] {
		return fmt.Errorf("default_policy %q does not match any policy", c.DefaultPolicy)
	}

	return nil
}

// ToPolicies converts the YAML policy catalogue into the policy
// package's immutable form. Backend weight defaults to 1; an explicit
// zero is preserved.
func (c *Config) ToPolicies() []policy.Policy {
	out := make([]policy.Policy, 0, len(c.Policies))
	for _, pc := range c.Policies {
		p := policy.Policy{Name: pc.Name}
		if pc.Classifier != nil {
			p.Classifier = &policy.ClassifierEndpoint{
				URL:     pc.Classifier.URL,
				Timeout: time.Duration(pc.Classifier.TimeoutMs) * time.Millisecond,
			}
		}
		if pc.Agent != nil {
			p.Agent = &policy.AgentModel{
				Address:      pc.Agent.Address,
				APIKey:       pc.Agent.APIKey,
				Model:        pc.Agent.Model,
				SystemPrompt: pc.Agent.SystemPrompt,
			}
		}
		for _, bc := range pc.Backends {
			weight := 1.0
			if bc.Weight != nil {
				weight = *bc.Weight
			}
			p.Backends = append(p.Backends, policy.Backend{
				Name:        bc.Name,
				Label:       bc.Label,
				Description: bc.Description,
				Address:     bc.Address,
				APIKey:      bc.APIKey,
				Model:       bc.Model,
				Weight:      weight,
			})
		}
		out = append(out, p)
	}
	return out
}

// PolicyNames returns the configured policy names, sorted.
func (c *Config) PolicyNames() []string {
	names := make([]string, 0, len(c.Policies))
	for _, p := range c.Policies {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	return names
}

// Sanitized returns a deep copy safe to print or serve: credentials and
// connection strings with embedded secrets are masked.
func (c *Config) Sanitized() *Config {
	cp := *c

	if len(c.Auth.APIKeys) > 0 {
		cp.Auth.APIKeys = make([]string, len(c.Auth.APIKeys))
		for i := range cp.Auth.APIKeys {
			cp.Auth.APIKeys[i] = redacted
		}
	}
	if c.Auth.JWTSecret != "" {
		cp.Auth.JWTSecret = redacted
	}
	if c.Usage.DSN != "" {
		cp.Usage.DSN = redacted
	}
	cp.Cache.RedisURL = redactURL(c.Cache.RedisURL)
	cp.RateLimit.RedisURL = redactURL(c.RateLimit.RedisURL)

	cp.Policies = make([]PolicyConfig, len(c.Policies))
	copy(cp.Policies, c.Policies)
	for i := range cp.Policies {
		if ag := cp.Policies[i].Agent; ag != nil && ag.APIKey != "" {
			agCopy := *ag
			agCopy.APIKey = redacted
			cp.Policies[i].Agent = &agCopy
		}
		backends := make([]BackendConfig, len(cp.Policies[i].Backends))
		copy(backends, cp.Policies[i].Backends)
		for j := range backends {
			if backends[j].APIKey != "" {
				backends[j].APIKey = redacted
			}
		}
		cp.Policies[i].Backends = backends
	}

	return &cp
}

// redactURL masks connection URLs that embed credentials.
func redactURL(u string) string {
	if strings.Contains(u, "@") {
		return redacted
	}
	return u
}

// envVarRegex matches ${VAR_NAME} references, with an optional
// ${VAR_NAME:-default} fallback.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// interpolateEnv expands environment variable references in the raw
// config text. A reference with neither a value nor a default is an
// error, so a missing credential fails at boot instead of surfacing as
// an empty key on the first request.
func interpolateEnv(content string) (string, error) {
	var missing []string
	expanded := envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		varName := match[2 : len(match)-1]

		defaultVal := ""
		hasDefault := false
		if idx := strings.Index(varName, ":-"); idx != -1 {
			defaultVal = varName[idx+2:]
			hasDefault = true
			varName = varName[:idx]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		if hasDefault {
			return defaultVal
		}

		missing = append(missing, varName)
		return ""
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("config references undefined environment variables: %s", strings.Join(missing, ", "))
	}
	return expanded, nil
}
