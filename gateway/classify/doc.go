// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package classify resolves which backend group should serve a request.
//
// Classifier-backed policies call an external classification service that
// labels the request text; the label selects a backend group. Agentic
// policies instead ask a small LLM to name a backend from the pool
// directly. Both paths surface failures as UnavailableError, which the
// proxy absorbs through the policy's fallback label when one exists.
package classify
