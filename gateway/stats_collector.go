// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"sort"
	"sync"
	"time"
)

// OutcomeSuccess is the outcome label for requests answered with a 2xx,
// whether from cache or upstream. Failed requests use their error type
// as the outcome.
const OutcomeSuccess = "success"

// maxLatencySamples bounds the per-policy window kept for percentile
// calculation.
const maxLatencySamples = 1000

// StatsCollector aggregates per-policy and per-backend counters for the
// JSON stats endpoint. Prometheus covers time series; this collector
// serves point-in-time snapshots with latency percentiles.
type StatsCollector struct {
	stats *GatewayStats
	mu    sync.RWMutex
}

// GatewayStats is the stats endpoint payload.
type GatewayStats struct {
	PolicyStats       map[string]*PolicyStats  `json:"policy_stats"`
	BackendStats      map[string]*BackendStats `json:"backend_stats"`
	System            *SystemStats             `json:"system"`
	CollectionStarted time.Time                `json:"collection_started"`
}

// PolicyStats tracks request outcomes per routing policy.
type PolicyStats struct {
	TotalRequests int64   `json:"total_requests"`
	SuccessCount  int64   `json:"success_count"`
	ErrorCount    int64   `json:"error_count"`
	CacheHits     int64   `json:"cache_hits"`
	Fallbacks     int64   `json:"classifier_fallbacks"`
	Retries       int64   `json:"retries"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	P95LatencyMs  float64 `json:"p95_latency_ms"`
	P99LatencyMs  float64 `json:"p99_latency_ms"`

	latencies []time.Duration
}

// BackendStats tracks upstream results per backend.
type BackendStats struct {
	Selections       int64   `json:"selections"`
	SuccessCount     int64   `json:"success_count"`
	ErrorCount       int64   `json:"error_count"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	CostMicroCents   int64   `json:"estimated_cost_microcents"`
	AvgUpstreamMs    float64 `json:"avg_upstream_ms"`
	Availability     float64 `json:"availability_percentage"`
}

// SystemStats tracks gateway-wide counters.
type SystemStats struct {
	UptimeSeconds    int64 `json:"uptime_seconds"`
	TotalRequests    int64 `json:"total_requests"`
	RateLimitedCount int64 `json:"rate_limited_count"`
	CacheHits        int64 `json:"cache_hits"`
	CacheMisses      int64 `json:"cache_misses"`
}

// NewStatsCollector creates an empty collector.
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{
		stats: &GatewayStats{
			PolicyStats:       make(map[string]*PolicyStats),
			BackendStats:      make(map[string]*BackendStats),
			System:            &SystemStats{},
			CollectionStarted: time.Now(),
		},
	}
}

func (c *StatsCollector) policyStats(name string) *PolicyStats {
	ps, ok := c.stats.PolicyStats[name]
	if !ok {
		ps = &PolicyStats{latencies: make([]time.Duration, 0, maxLatencySamples)}
		c.stats.PolicyStats[name] = ps
	}
	return ps
}

func (c *StatsCollector) backendStats(name string) *BackendStats {
	bs, ok := c.stats.BackendStats[name]
	if !ok {
		bs = &BackendStats{}
		c.stats.BackendStats[name] = bs
	}
	return bs
}

// RecordRequest records a finished request under its policy.
func (c *StatsCollector) RecordRequest(policyName, outcome string, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ps := c.policyStats(policyName)
	ps.TotalRequests++
	if outcome == OutcomeSuccess || outcome == OutcomeCached {
		ps.SuccessCount++
	} else {
		ps.ErrorCount++
	}

	ps.latencies = append(ps.latencies, latency)
	if len(ps.latencies) > maxLatencySamples {
		ps.latencies = ps.latencies[len(ps.latencies)-maxLatencySamples:]
	}

	c.stats.System.TotalRequests++
}

// RecordCacheHit records a request served from the response cache.
func (c *StatsCollector) RecordCacheHit(policyName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.policyStats(policyName).CacheHits++
	c.stats.System.CacheHits++
}

// RecordCacheMiss records a cache lookup that went upstream.
func (c *StatsCollector) RecordCacheMiss(policyName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.System.CacheMisses++
}

// RecordFallback records a request routed via the policy's fallback
// label because classification was unavailable.
func (c *StatsCollector) RecordFallback(policyName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.policyStats(policyName).Fallbacks++
}

// RecordRetries adds upstream retry attempts for a policy.
func (c *StatsCollector) RecordRetries(policyName string, n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.policyStats(policyName).Retries += int64(n)
}

// RecordRateLimited records a request rejected by rate limiting.
func (c *StatsCollector) RecordRateLimited() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.System.RateLimitedCount++
}

// RecordBackend records the result of an upstream call: selection,
// outcome, token usage, and estimated cost.
func (c *StatsCollector) RecordBackend(backendName string, success bool, upstreamTime time.Duration, promptTokens, completionTokens int, costMicroCents int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bs := c.backendStats(backendName)
	bs.Selections++
	if success {
		bs.SuccessCount++
	} else {
		bs.ErrorCount++
	}
	bs.PromptTokens += int64(promptTokens)
	bs.CompletionTokens += int64(completionTokens)
	bs.CostMicroCents += costMicroCents

	// Incremental average keeps per-backend upstream time without
	// holding a sample window.
	n := bs.Selections
	x := float64(upstreamTime) / float64(time.Millisecond)
	bs.AvgUpstreamMs = (bs.AvgUpstreamMs*float64(n-1) + x) / float64(n)
}

// Snapshot returns a deep copy with derived metrics filled in, safe to
// serialize while recording continues.
func (c *StatsCollector) Snapshot() *GatewayStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := &GatewayStats{
		PolicyStats:       make(map[string]*PolicyStats, len(c.stats.PolicyStats)),
		BackendStats:      make(map[string]*BackendStats, len(c.stats.BackendStats)),
		CollectionStarted: c.stats.CollectionStarted,
	}

	for name, ps := range c.stats.PolicyStats {
		cp := &PolicyStats{
			TotalRequests: ps.TotalRequests,
			SuccessCount:  ps.SuccessCount,
			ErrorCount:    ps.ErrorCount,
			CacheHits:     ps.CacheHits,
			Fallbacks:     ps.Fallbacks,
			Retries:       ps.Retries,
		}
		if len(ps.latencies) > 0 {
			var total time.Duration
			for _, d := range ps.latencies {
				total += d
			}
			cp.AvgLatencyMs = durationMs(total / time.Duration(len(ps.latencies)))
			cp.P95LatencyMs = durationMs(percentile(ps.latencies, 95))
			cp.P99LatencyMs = durationMs(percentile(ps.latencies, 99))
		}
		out.PolicyStats[name] = cp
	}

	for name, bs := range c.stats.BackendStats {
		cp := *bs
		if cp.Selections > 0 {
			cp.Availability = float64(cp.SuccessCount) / float64(cp.Selections) * 100
		}
		out.BackendStats[name] = &cp
	}

	sys := *c.stats.System
	sys.UptimeSeconds = int64(time.Since(c.stats.CollectionStarted).Seconds())
	out.System = &sys

	return out
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// percentile returns the pct-th percentile of the sample window.
func percentile(times []time.Duration, pct int) time.Duration {
	if len(times) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(times))
	copy(sorted, times)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := (len(sorted) * pct) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
