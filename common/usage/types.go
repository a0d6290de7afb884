// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package usage

import "database/sql"

// Recorder persists per-request usage events to the configured database.
// A Recorder with a nil database records nothing; that is how the gateway
// runs when usage accounting is not configured.
type Recorder struct {
	db     *sql.DB
	driver string
}

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Event is one routed request as seen by accounting.
type Event struct {
	RequestID        string
	ClientID         string // optional: from API key or JWT subject
	Policy           string
	Backend          string // empty for requests that never reached a backend
	Model            string
	Outcome          string // success, cached, upstream_error, ...
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	LatencyMs        int64
	StatusCode       int
	CacheHit         bool
	Attempts         int
}
