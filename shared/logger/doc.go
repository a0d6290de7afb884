// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Package logger provides structured JSON logging for AxonFlow gateway
components.

# Overview

Log entries are written to stdout as single-line JSON so they can be consumed
directly by CloudWatch, Loki, or an ELK stack.

Each entry carries:
  - Timestamp (RFC3339Nano, UTC)
  - Level (DEBUG, INFO, WARN, ERROR)
  - Component name (gateway, gatewayctl, ...)
  - Instance ID and container name (for correlating replicas)
  - Client ID (the authenticated client or caller IP)
  - Request ID (for request correlation across log lines)
  - Free-form fields

Entries below the minimum level are dropped. The minimum level comes from the
LOG_LEVEL environment variable and defaults to INFO.

# Usage

Create a logger for your component:

	log := logger.New("gateway")

Log with client and request context:

	log.Info(clientID, requestID, "request routed", map[string]interface{}{
	    "policy":  "task_router",
	    "backend": "code-generation",
	})

Log failures with a status code:

	log.ErrorWithCode(clientID, requestID, "upstream call failed", 502, err, nil)

Track durations:

	start := time.Now()
	// ... do work ...
	log.InfoWithDuration(clientID, requestID, "request completed",
	    float64(time.Since(start).Milliseconds()), nil)

# Environment Variables

  - LOG_LEVEL: minimum level (DEBUG, INFO, WARN, ERROR; default INFO)
  - INSTANCE_ID: deployment instance identifier

# Thread Safety

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
