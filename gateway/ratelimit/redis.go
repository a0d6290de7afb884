// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

const redisKeyPrefix = "axonflow:gateway:ratelimit:"

// RedisLimiter enforces a shared limit across gateway replicas using a
// sliding one-minute window in Redis. The per-minute limit is derived from
// the configured per-second rate.
//
// Without a Redis client it falls back to the local token bucket limiter.
// Redis errors fail open: the request is admitted and the error logged.
type RedisLimiter struct {
	client         *redis.Client
	local          *Limiter
	enabled        bool
	limitPerMinute int64
	now            func() time.Time
}

// NewRedisLimiter creates a distributed limiter on an existing client.
// client may be nil, in which case every check uses the local limiter.
func NewRedisLimiter(client *redis.Client, local *Limiter, cfg Config) *RedisLimiter {
	limit := int64(cfg.RequestsPerSecond * 60)
	if cfg.Enabled && limit < 1 {
		limit = 1
	}
	return &RedisLimiter{
		client:         client,
		local:          local,
		enabled:        cfg.Enabled,
		limitPerMinute: limit,
		now:            time.Now,
	}
}

// Allow checks the identity against the shared sliding window. Rejected
// requests still land in the window, so a client hammering past its limit
// does not recover until it backs off.
func (rl *RedisLimiter) Allow(ctx context.Context, identity string) bool {
	if !rl.enabled {
		return true
	}
	if rl.client == nil {
		return rl.local.Allow(identity)
	}

	now := rl.now()
	key := redisKeyPrefix + identity

	pipe := rl.client.Pipeline()
	minScore := now.Add(-time.Minute).Unix()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", minScore))
	pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, &redis.Z{
		Score:  float64(now.Unix()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, key, 2*time.Minute)

	cmds, err := pipe.Exec(ctx)
	if err != nil {
		log.Printf("Redis rate limit check failed for %s: %v (failing open)", identity, err)
		return true
	}

	count := cmds[1].(*redis.IntCmd).Val()
	return count < rl.limitPerMinute
}
