// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"axonflow/gateway/gateway/classify"
	"axonflow/gateway/gateway/policy"
	"axonflow/gateway/gateway/routing"
)

// Error sources tell callers which part of the chain failed.
const (
	SourceClient     = "client"
	SourceGateway    = "gateway"
	SourceClassifier = "classifier"
	SourceBackend    = "backend"
)

// Error types returned in the error envelope.
const (
	ErrTypeInvalidRequest    = "invalid_request"
	ErrTypeUnauthorized      = "unauthorized"
	ErrTypePolicyNotFound    = "policy_not_found"
	ErrTypeRateLimited       = "rate_limited"
	ErrTypeInternal          = "internal_error"
	ErrTypeClassification    = "classification_unavailable"
	ErrTypeUpstreamExhausted = "upstream_exhausted"
	ErrTypeNoEligibleBackend = "no_eligible_backend"
)

// GatewayError is an error the gateway reports to the client as a JSON
// envelope. Message is safe to expose; Err keeps the internal cause for
// logs.
type GatewayError struct {
	Type    string
	Source  string
	Status  int
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

func errInvalidRequest(format string, args ...interface{}) *GatewayError {
	return &GatewayError{
		Type:    ErrTypeInvalidRequest,
		Source:  SourceClient,
		Status:  http.StatusBadRequest,
		Message: fmt.Sprintf(format, args...),
	}
}

func errUnauthorized(message string) *GatewayError {
	return &GatewayError{
		Type:    ErrTypeUnauthorized,
		Source:  SourceClient,
		Status:  http.StatusUnauthorized,
		Message: message,
	}
}

func errRateLimited() *GatewayError {
	return &GatewayError{
		Type:    ErrTypeRateLimited,
		Source:  SourceClient,
		Status:  http.StatusTooManyRequests,
		Message: "rate limit exceeded",
	}
}

func errInternal(err error) *GatewayError {
	return &GatewayError{
		Type:    ErrTypeInternal,
		Source:  SourceGateway,
		Status:  http.StatusInternalServerError,
		Message: "internal gateway error",
		Err:     err,
	}
}

// classifyError maps any pipeline error onto the client-facing taxonomy.
func classifyError(err error) *GatewayError {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge
	}

	var notFound *policy.NotFoundError
	if errors.As(err, &notFound) {
		return &GatewayError{
			Type:    ErrTypePolicyNotFound,
			Source:  SourceClient,
			Status:  http.StatusNotFound,
			Message: fmt.Sprintf("policy %q is not configured", notFound.Name),
			Err:     err,
		}
	}

	var validation *policy.ValidationError
	if errors.As(err, &validation) {
		return &GatewayError{
			Type:    ErrTypeInvalidRequest,
			Source:  SourceClient,
			Status:  http.StatusBadRequest,
			Message: validation.Error(),
			Err:     err,
		}
	}

	var unavailable *classify.UnavailableError
	if errors.As(err, &unavailable) {
		return &GatewayError{
			Type:    ErrTypeClassification,
			Source:  SourceClassifier,
			Status:  http.StatusBadGateway,
			Message: "request classification unavailable and the policy has no fallback backends",
			Err:     err,
		}
	}

	var exhausted *routing.ExhaustedError
	if errors.As(err, &exhausted) {
		return &GatewayError{
			Type:    ErrTypeUpstreamExhausted,
			Source:  SourceBackend,
			Status:  http.StatusBadGateway,
			Message: fmt.Sprintf("all upstream attempts failed (%d attempts)", exhausted.Attempts),
			Err:     err,
		}
	}

	if errors.Is(err, routing.ErrNoEligibleBackend) {
		return &GatewayError{
			Type:    ErrTypeNoEligibleBackend,
			Source:  SourceGateway,
			Status:  http.StatusServiceUnavailable,
			Message: "no backend is currently eligible to serve this request",
			Err:     err,
		}
	}

	if errors.Is(err, context.Canceled) {
		// The client is gone; the envelope will never be read, but the
		// outcome still needs a type for metrics and accounting.
		return &GatewayError{
			Type:    ErrTypeInternal,
			Source:  SourceClient,
			Status:  statusClientClosedRequest,
			Message: "request canceled by client",
			Err:     err,
		}
	}

	return errInternal(err)
}

// statusClientClosedRequest is nginx's non-standard 499, used internally
// for metrics when the caller disconnects mid-request.
const statusClientClosedRequest = 499

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Source  string `json:"source"`
}

// writeError renders a pipeline error as the JSON error envelope.
func writeError(w http.ResponseWriter, err error) {
	ge := classifyError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ge.Status)
	envelope := errorEnvelope{Error: errorBody{
		Type:    ge.Type,
		Message: ge.Message,
		Status:  ge.Status,
		Source:  ge.Source,
	}}
	if encErr := json.NewEncoder(w).Encode(envelope); encErr != nil {
		log.Printf("Error encoding error response: %v", encErr)
	}
}
