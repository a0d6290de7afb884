// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"axonflow/gateway/common/usage"
	"axonflow/gateway/gateway/cache"
	"axonflow/gateway/gateway/classify"
	"axonflow/gateway/gateway/policy"
	"axonflow/gateway/gateway/ratelimit"
	"axonflow/gateway/gateway/routing"
	"axonflow/gateway/gateway/upstream"
	"axonflow/gateway/shared/logger"
)

// Package-level components, wired once by initializeComponents and
// read-only afterwards.
var (
	cfg              *Config
	gwLogger         *logger.Logger
	gatewayRegistry  *policy.Registry
	circuitBreaker   *routing.CircuitBreaker
	loadBalancer     *routing.LoadBalancer
	retryExecutor    *routing.Executor
	cacheStore       cache.Store
	limiterConfig    ratelimit.Config
	rateLimiter      *ratelimit.RedisLimiter
	classifierClient *classify.Client
	upstreamClient   *upstream.Client
	usageRecorder    *usage.Recorder
	statsCollector   *StatsCollector
)

// Run is the exported entry point for the gateway service.
//
// It loads the configuration, wires all components (policy registry,
// circuit breaker, load balancer, cache, rate limiter, usage recorder),
// sets up HTTP routes, and starts both listeners. The function blocks
// until the server shuts down.
//
// Environment variables used:
//   - GATEWAY_CONFIG: path to the YAML config (default: gateway.yaml)
//   - GATEWAY_HOST / GATEWAY_PORT / GATEWAY_METRICS_PORT: listener overrides
//   - GATEWAY_REDIS_URL: Redis URL for cache and rate limiting
//   - GATEWAY_API_KEYS / GATEWAY_JWT_SECRET: auth credential overrides
//   - DATABASE_URL: usage accounting database
//   - LOG_LEVEL: minimum log level (default: INFO)
func Run() {
	log.Println("Starting AxonFlow LLM Gateway...")

	initializeComponents()

	r := mux.NewRouter()

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	// Health checks
	r.HandleFunc("/health", healthHandler).Methods("GET")
	r.HandleFunc("/health/readiness", readinessHandler).Methods("GET")

	// Main proxy endpoint
	r.HandleFunc("/v1/chat/completions", chatCompletionsHandler).Methods("POST")

	// Introspection
	r.HandleFunc("/v1/policies", policiesHandler).Methods("GET")
	r.HandleFunc("/v1/policies/{name}", policyHandler).Methods("GET")
	r.HandleFunc("/v1/metrics", statsHandler).Methods("GET")

	r.Use(newAuthMiddleware(cfg.Auth))

	handler := c.Handler(r)

	// Prometheus exposition gets its own listener so scrapes never
	// share a port with client traffic.
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort)
		log.Printf("Metrics listener on %s", addr)
		if err := http.ListenAndServe(addr, metricsMux); err != nil {
			log.Printf("Metrics listener failed: %v", err)
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("AxonFlow LLM Gateway listening on %s", addr)
	log.Fatal(server.ListenAndServe())
}

func initializeComponents() {
	configPath := getEnv("GATEWAY_CONFIG", "gateway.yaml")
	loaded, err := LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config %s: %v", configPath, err)
	}
	cfg = loaded

	gwLogger = logger.New("gateway")

	registry, err := policy.NewRegistry(cfg.ToPolicies(), cfg.DefaultPolicy)
	if err != nil {
		log.Fatalf("Invalid policy catalogue: %v", err)
	}
	gatewayRegistry = registry
	log.Printf("Loaded %d policies (default: %s)", len(cfg.Policies), cfg.DefaultPolicy)

	circuitBreaker = routing.NewCircuitBreaker(cfg.CircuitBreaker.ToBreakerConfig(),
		routing.WithTransitionListener(onBreakerTransition))
	loadBalancer = routing.NewLoadBalancer(routing.Strategy(cfg.LoadBalancing.Strategy), circuitBreaker)
	retryExecutor = routing.NewExecutor(cfg.Retry.ToExecutorConfig(), loadBalancer, circuitBreaker,
		routing.WithRetryListener(onRetry))

	upstreamClient = upstream.NewClient(cfg.Server.RequestTimeout(), cfg.Server.ConnectionPoolSize)
	classifierClient = classify.NewClient()

	initCache()
	initRateLimit()
	initUsage()

	statsCollector = NewStatsCollector()

	go cacheMetricsUpdater()
}

// onBreakerTransition feeds state changes into prometheus and the log.
// It runs under the breaker's entry lock, so it must stay cheap and
// never call back into the breaker.
func onBreakerTransition(backend string, from, to routing.State) {
	breakerTransitionMetrics(backend, from, to)
	gwLogger.Warn("", "", "circuit breaker transition", map[string]interface{}{
		"backend": backend,
		"from":    from.String(),
		"to":      to.String(),
	})
}

func onRetry(policyName string, attempt int, backend string, wait time.Duration, err error) {
	promRetriesTotal.WithLabelValues(policyName).Inc()
	gwLogger.Warn("", "", "retrying upstream call", map[string]interface{}{
		"policy":  policyName,
		"attempt": attempt,
		"backend": backend,
		"wait_ms": wait.Milliseconds(),
		"error":   err.Error(),
	})
}

func initCache() {
	cacheCfg := cache.Config{
		Enabled:    cfg.Cache.IsEnabled(),
		TTL:        cfg.Cache.TTL(),
		MaxEntries: cfg.Cache.MaxSize,
	}

	if cacheCfg.Enabled && cfg.Cache.Backend == CacheBackendRedis {
		client, err := connectRedis(cfg.Cache.RedisURL)
		if err != nil {
			log.Printf("Warning: Failed to initialize Redis cache: %v", err)
			log.Println("Falling back to in-memory response cache")
		} else {
			cacheStore = cache.NewRedisStore(client, cacheCfg)
			log.Println("Redis response cache enabled")
			return
		}
	}
	cacheStore = cache.NewMemoryStore(cacheCfg)
}

func initRateLimit() {
	limiterConfig = cfg.RateLimit.ToLimiterConfig()
	local := ratelimit.NewLimiter(limiterConfig)

	var client *redis.Client
	if cfg.RateLimit.Enabled && cfg.RateLimit.RedisURL != "" {
		c, err := connectRedis(cfg.RateLimit.RedisURL)
		if err != nil {
			log.Printf("Warning: Failed to initialize Redis rate limiting: %v", err)
			log.Println("Falling back to in-memory rate limiting")
		} else {
			client = c
			log.Println("Redis rate limiting enabled")
		}
	}
	rateLimiter = ratelimit.NewRedisLimiter(client, local, limiterConfig)
}

func initUsage() {
	if cfg.Usage.Driver == "" {
		log.Println("Usage recording disabled (no usage.driver configured)")
		return
	}

	dsn := cfg.Usage.DSN
	if cfg.Usage.Driver == usage.DriverMySQL {
		// go-sql-driver DSNs have no URL scheme.
		dsn = strings.TrimPrefix(dsn, "mysql://")
	}

	db, err := sql.Open(cfg.Usage.Driver, dsn)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = db.PingContext(ctx)
		cancel()
	}
	if err != nil {
		log.Printf("Warning: usage database unavailable: %v", err)
		log.Println("Usage recording disabled")
		return
	}

	usageRecorder = usage.NewRecorder(db, cfg.Usage.Driver)
	log.Printf("Usage recording enabled (%s)", cfg.Usage.Driver)
}

// redisClients dedupes connections when the cache and rate limiter
// share one URL.
var redisClients = map[string]*redis.Client{}

func connectRedis(redisURL string) (*redis.Client, error) {
	if client, ok := redisClients[redisURL]; ok {
		return client, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	redisClients[redisURL] = client
	return client, nil
}

// cacheMetricsUpdater keeps the cache gauges in step with the store.
func cacheMetricsUpdater() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	var lastErrors uint64
	for range ticker.C {
		stats := cacheStore.Stats()
		promCacheEntries.Set(float64(stats.Entries))
		if stats.Errors > lastErrors {
			promCacheErrors.Add(float64(stats.Errors - lastErrors))
		}
		lastErrors = stats.Errors
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
