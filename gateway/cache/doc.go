// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package cache provides response caching for the AxonFlow LLM Gateway.
//
// Responses are keyed by a fingerprint over the routing inputs and the
// output-shaping request fields, so header-only differences share a key.
// Only near-deterministic requests qualify (see Cacheable), and only
// successful responses are stored.
//
// Two stores implement the same interface: MemoryStore, a per-process LRU
// with TTL expiry, and RedisStore, which shares entries across gateway
// replicas through an existing Redis client. Both are best-effort and
// never fail a request.
package cache
