// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package ratelimit rejects excess traffic before it reaches routing.
//
// The local Limiter keeps one token bucket per identity (client IP in
// per_ip scope, a single shared bucket in global scope). Buckets start
// full, refill continuously, and are reclaimed after sitting idle.
//
// RedisLimiter layers a sliding one-minute window in Redis on top so all
// gateway replicas enforce one shared limit. It falls back to the local
// limiter without a client and fails open on Redis errors.
package ratelimit
