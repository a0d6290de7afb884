// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// janitorInterval bounds how long an expired entry can linger before the
// background sweep reclaims it. Reads never return expired entries either
// way.
const janitorInterval = time.Minute

type memoryItem struct {
	key       string
	entry     *Entry
	expiresAt time.Time
}

// MemoryStore is an in-process LRU cache with TTL expiry. When the store is
// full, inserting a new key evicts the least recently used entry. A
// background janitor sweeps expired entries so memory is reclaimed even for
// keys that are never read again.
type MemoryStore struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	ll         *list.List
	items      map[string]*list.Element

	hits      uint64
	misses    uint64
	evictions uint64

	stop     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewMemoryStore creates a memory store and starts its janitor.
func NewMemoryStore(cfg Config) *MemoryStore {
	s := &MemoryStore{
		ttl:        cfg.TTL,
		maxEntries: cfg.MaxEntries,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
		stop:       make(chan struct{}),
		now:        time.Now,
	}
	go s.janitor()
	return s
}

// Get returns the entry for key if present and unexpired, refreshing its
// recency. An expired entry is removed and counted as a miss.
func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		s.misses++
		return nil, false
	}
	item := el.Value.(*memoryItem)
	if !item.expiresAt.IsZero() && s.now().After(item.expiresAt) {
		s.removeLocked(el)
		s.misses++
		return nil, false
	}
	s.ll.MoveToFront(el)
	s.hits++
	return item.entry, true
}

// Set stores the entry under key, updating recency for existing keys and
// evicting the least recently used entry when the store is full.
func (s *MemoryStore) Set(_ context.Context, key string, entry *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt := time.Time{}
	if s.ttl > 0 {
		expiresAt = s.now().Add(s.ttl)
	}

	if el, ok := s.items[key]; ok {
		item := el.Value.(*memoryItem)
		item.entry = entry
		item.expiresAt = expiresAt
		s.ll.MoveToFront(el)
		return
	}

	el := s.ll.PushFront(&memoryItem{key: key, entry: entry, expiresAt: expiresAt})
	s.items[key] = el

	if s.maxEntries > 0 && s.ll.Len() > s.maxEntries {
		if back := s.ll.Back(); back != nil {
			s.removeLocked(back)
			s.evictions++
		}
	}
}

// Stats returns the store's counters and current size.
func (s *MemoryStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Hits:      s.hits,
		Misses:    s.misses,
		Evictions: s.evictions,
		Entries:   s.ll.Len(),
	}
}

// Close stops the janitor. The store remains usable afterwards.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *MemoryStore) removeLocked(el *list.Element) {
	item := el.Value.(*memoryItem)
	s.ll.Remove(el)
	delete(s.items, item.key)
}

func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.removeExpired()
		}
	}
}

// removeExpired drops every expired entry.
func (s *MemoryStore) removeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for el := s.ll.Back(); el != nil; {
		prev := el.Prev()
		item := el.Value.(*memoryItem)
		if !item.expiresAt.IsZero() && now.After(item.expiresAt) {
			s.removeLocked(el)
		}
		el = prev
	}
}
