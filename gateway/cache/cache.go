// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package cache

import (
	"context"
	"time"
)

// Entry is a cached upstream response. Only successful (2xx) responses are
// stored; the proxy enforces that before calling Set.
type Entry struct {
	StatusCode  int       `json:"status_code"`
	ContentType string    `json:"content_type"`
	Body        []byte    `json:"body"`
	Backend     string    `json:"backend"`
	Model       string    `json:"model"`
	CreatedAt   time.Time `json:"created_at"`
}

// Stats is a point-in-time view of store activity. For the Redis store,
// Entries stays zero: the database is shared and not enumerated.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Errors    uint64 `json:"errors"`
	Entries   int    `json:"entries"`
}

// Store is a response cache keyed by request fingerprint. Implementations
// are best-effort: a failing backend degrades to misses, never to request
// failures.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, bool)
	Set(ctx context.Context, key string, entry *Entry)
	Stats() Stats
	Close() error
}

// Config controls response caching.
type Config struct {
	Enabled    bool
	TTL        time.Duration
	MaxEntries int
}
