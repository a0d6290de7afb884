// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package usage

import (
	"database/sql"
	"fmt"
	"log"
	"strings"
)

// NewRecorder creates a usage recorder on an existing database connection.
// driver must be DriverPostgres or DriverMySQL; it controls placeholder
// syntax only. db may be nil, which disables recording.
func NewRecorder(db *sql.DB, driver string) *Recorder {
	return &Recorder{db: db, driver: driver}
}

// Enabled reports whether events will actually be persisted.
func (r *Recorder) Enabled() bool {
	return r != nil && r.db != nil
}

const insertEvent = `
	INSERT INTO gateway_usage_events (
		request_id, client_id, policy, backend, model, outcome,
		prompt_tokens, completion_tokens, total_tokens,
		estimated_cost_microcents, latency_ms, status_code, cache_hit, attempts
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Record persists one event. Errors are logged and returned but must never
// fail the request; callers record from a goroutine after responding.
func (r *Recorder) Record(event Event) error {
	if !r.Enabled() {
		return nil
	}

	cost := CostMicroCents(event.Model, event.PromptTokens, event.CompletionTokens)

	_, err := r.db.Exec(rebind(r.driver, insertEvent),
		event.RequestID, nullString(event.ClientID), event.Policy,
		nullString(event.Backend), nullString(event.Model), event.Outcome,
		event.PromptTokens, event.CompletionTokens, event.TotalTokens,
		cost, event.LatencyMs, event.StatusCode, event.CacheHit, event.Attempts)

	if err != nil {
		log.Printf("[USAGE] Failed to record request %s: %v", event.RequestID, err)
	}
	return err
}

// rebind rewrites ? placeholders to $1..$N for postgres. MySQL takes the
// query as written.
func rebind(driver, query string) string {
	if driver != DriverPostgres {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

// nullString converts an empty string to NULL for database insertion
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
