// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package cache

import (
	"context"
	"encoding/json"
	"log"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
)

const redisKeyPrefix = "axonflow:gateway:cache:"

// RedisStore caches responses in Redis so replicas share hits. Entries are
// stored as JSON with the TTL applied server-side via SET EX.
//
// The store is fail-open: any Redis error is logged, counted, and treated
// as a miss. The client is owned by the caller and is not closed here.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration

	hits   uint64
	misses uint64
	errors uint64
}

// NewRedisStore creates a Redis-backed store on an existing client.
func NewRedisStore(client *redis.Client, cfg Config) *RedisStore {
	return &RedisStore{client: client, ttl: cfg.TTL}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, bool) {
	data, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err == redis.Nil {
		atomic.AddUint64(&s.misses, 1)
		return nil, false
	}
	if err != nil {
		atomic.AddUint64(&s.errors, 1)
		log.Printf("Redis cache get failed, treating as miss: %v", err)
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		atomic.AddUint64(&s.errors, 1)
		log.Printf("Redis cache entry corrupt, treating as miss: %v", err)
		return nil, false
	}
	atomic.AddUint64(&s.hits, 1)
	return &entry, true
}

func (s *RedisStore) Set(ctx context.Context, key string, entry *Entry) {
	data, err := json.Marshal(entry)
	if err != nil {
		atomic.AddUint64(&s.errors, 1)
		return
	}
	if err := s.client.Set(ctx, redisKeyPrefix+key, data, s.ttl).Err(); err != nil {
		atomic.AddUint64(&s.errors, 1)
		log.Printf("Redis cache set failed: %v", err)
	}
}

// Stats reports local counters only. Entries stays zero: the Redis
// database is shared across replicas and is not enumerated.
func (s *RedisStore) Stats() Stats {
	return Stats{
		Hits:   atomic.LoadUint64(&s.hits),
		Misses: atomic.LoadUint64(&s.misses),
		Errors: atomic.LoadUint64(&s.errors),
	}
}

// Close is a no-op; the Redis client belongs to the caller.
func (s *RedisStore) Close() error {
	return nil
}
