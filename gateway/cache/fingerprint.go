// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package cache

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Request carries the fields that shape a completion output. Two requests
// with equal fingerprints are interchangeable for caching purposes.
type Request struct {
	Policy        string
	Strategy      string
	ModelOverride string

	Messages         json.RawMessage
	Model            string
	Temperature      *float64
	TopP             *float64
	MaxTokens        *int
	FrequencyPenalty *float64
	PresencePenalty  *float64
	Stop             json.RawMessage
	Stream           bool
}

// Fingerprint derives the cache key: a base64 SHA-256 over the routing
// inputs (policy, strategy, model override) and a canonical serialization
// of the output-shaping request fields. Header-only differences never
// change the key.
func Fingerprint(req Request) string {
	payload := struct {
		Messages         json.RawMessage `json:"messages,omitempty"`
		Model            string          `json:"model,omitempty"`
		Temperature      *float64        `json:"temperature,omitempty"`
		TopP             *float64        `json:"top_p,omitempty"`
		MaxTokens        *int            `json:"max_tokens,omitempty"`
		FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
		PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
		Stop             json.RawMessage `json:"stop,omitempty"`
		Stream           bool            `json:"stream"`
	}{
		Messages:         canonicalize(req.Messages),
		Model:            req.Model,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		MaxTokens:        req.MaxTokens,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Stop:             canonicalize(req.Stop),
		Stream:           req.Stream,
	}
	body, _ := json.Marshal(payload)

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|", req.Policy, req.Strategy, req.ModelOverride)
	h.Write(body)
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// Cacheable reports whether a request is deterministic enough to cache:
// temperature unset or at most 0.01, and top_p unset or at least 0.999.
func Cacheable(temperature, topP *float64) bool {
	if temperature != nil && *temperature > 0.01 {
		return false
	}
	if topP != nil && *topP < 0.999 {
		return false
	}
	return true
}

// canonicalize re-serializes raw JSON so that whitespace and object key
// order never influence the fingerprint. Unparseable input is hashed as-is.
func canonicalize(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
