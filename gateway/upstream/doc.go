// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package upstream is the HTTP client for backend LLM providers.
//
// Every backend exposes an OpenAI-compatible chat completions endpoint.
// The client separates retryable failures (connection errors, timeouts,
// and 429/500/502/503/504 statuses, returned as *Error) from responses to
// forward verbatim (everything else, returned as *Response), which is what
// the routing executor keys its retry decisions on.
package upstream
