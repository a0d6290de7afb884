// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Package usage records per-request accounting events for the AxonFlow LLM
Gateway.

# Overview

Every routed request can be persisted as one row: who asked, which policy
and backend served it, token usage, estimated cost, latency, and outcome.
The gateway records events asynchronously after the response is written,
so accounting never adds latency and a broken database never fails
traffic.

# Usage Recording

Create a recorder with a database connection and its driver name:

	recorder := usage.NewRecorder(db, usage.DriverPostgres)

	go func() {
		_ = recorder.Record(usage.Event{
			RequestID:        requestID,
			ClientID:         clientID,
			Policy:           "chat-default",
			Backend:          "openai-primary",
			Model:            "gpt-4o",
			Outcome:          "success",
			PromptTokens:     150,
			CompletionTokens: 200,
			TotalTokens:      350,
			LatencyMs:        1200,
			StatusCode:       200,
			Attempts:         1,
		})
	}()

A recorder built on a nil database is a no-op, which is how the gateway
runs without a DATABASE_URL.

# Cost Calculation

Costs are estimated from token counts at insert time:

	microCents := usage.CostMicroCents("gpt-4o", promptTokens, completionTokens)

Prices are integer cents per 1M tokens, so the arithmetic is exact.

# Database Schema

Both postgres and mysql are supported. The expected table:

	CREATE TABLE gateway_usage_events (
		id                        BIGSERIAL PRIMARY KEY,
		created_at                TIMESTAMPTZ NOT NULL DEFAULT now(),
		request_id                TEXT        NOT NULL,
		client_id                 TEXT,
		policy                    TEXT        NOT NULL,
		backend                   TEXT,
		model                     TEXT,
		outcome                   TEXT        NOT NULL,
		prompt_tokens             INT         NOT NULL DEFAULT 0,
		completion_tokens         INT         NOT NULL DEFAULT 0,
		total_tokens              INT         NOT NULL DEFAULT 0,
		estimated_cost_microcents BIGINT      NOT NULL DEFAULT 0,
		latency_ms                BIGINT      NOT NULL,
		status_code               INT         NOT NULL,
		cache_hit                 BOOLEAN     NOT NULL DEFAULT FALSE,
		attempts                  INT         NOT NULL DEFAULT 1
	);

On MySQL use BIGINT AUTO_INCREMENT and TIMESTAMP accordingly.

# Thread Safety

Recorder is safe for concurrent use.
*/
package usage
