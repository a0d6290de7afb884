// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"encoding/json"
	"strings"

	"axonflow/gateway/gateway/cache"
)

// extensionKey is the vendor field clients use to steer routing. It is
// stripped from the body before the request is forwarded upstream.
const extensionKey = "axonflow-gateway"

// Routing strategies accepted in the extension.
const (
	RouteClassifier = "classifier"
	RouteManual     = "manual"
)

// RoutingExtension is the payload of the "axonflow-gateway" body field.
type RoutingExtension struct {
	Policy   string `json:"policy,omitempty"`
	Strategy string `json:"routing_strategy,omitempty"`
	Model    string `json:"model,omitempty"`
	Cache    *bool  `json:"cache,omitempty"`
}

// ChatRequest is a parsed chat completion request. Unknown body fields
// are preserved verbatim so the gateway stays transparent to API
// additions it does not know about.
type ChatRequest struct {
	fields map[string]json.RawMessage

	Extension RoutingExtension

	Model            string
	Messages         json.RawMessage
	Temperature      *float64
	TopP             *float64
	MaxTokens        *int
	FrequencyPenalty *float64
	PresencePenalty  *float64
	Stop             json.RawMessage
	Stream           bool
}

// ParseChatRequest decodes a chat completion body, validating the
// routing extension and the fields the gateway itself inspects.
func ParseChatRequest(body []byte) (*ChatRequest, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, errInvalidRequest("request body is not a JSON object: %v", err)
	}

	req := &ChatRequest{fields: fields}

	if raw, ok := fields[extensionKey]; ok {
		if err := json.Unmarshal(raw, &req.Extension); err != nil {
			return nil, errInvalidRequest("invalid %q extension: %v", extensionKey, err)
		}
	}
	switch req.Extension.Strategy {
	case "", RouteClassifier, RouteManual:
	default:
		return nil, errInvalidRequest("unknown routing_strategy %q, expected %q or %q",
			req.Extension.Strategy, RouteClassifier, RouteManual)
	}
	if req.Extension.Strategy == RouteManual && req.Extension.Model == "" {
		return nil, errInvalidRequest("routing_strategy %q requires a model", RouteManual)
	}

	raw, ok := fields["messages"]
	if !ok {
		return nil, errInvalidRequest("missing required field %q", "messages")
	}
	var probe []json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, errInvalidRequest("field %q must be an array: %v", "messages", err)
	}
	if len(probe) == 0 {
		return nil, errInvalidRequest("field %q must not be empty", "messages")
	}
	req.Messages = raw

	if err := peek(fields, "model", &req.Model); err != nil {
		return nil, err
	}
	if err := peek(fields, "temperature", &req.Temperature); err != nil {
		return nil, err
	}
	if err := peek(fields, "top_p", &req.TopP); err != nil {
		return nil, err
	}
	if err := peek(fields, "max_tokens", &req.MaxTokens); err != nil {
		return nil, err
	}
	if err := peek(fields, "frequency_penalty", &req.FrequencyPenalty); err != nil {
		return nil, err
	}
	if err := peek(fields, "presence_penalty", &req.PresencePenalty); err != nil {
		return nil, err
	}
	if err := peek(fields, "stream", &req.Stream); err != nil {
		return nil, err
	}
	if raw, ok := fields["stop"]; ok {
		req.Stop = raw
	}

	return req, nil
}

func peek(fields map[string]json.RawMessage, key string, dst interface{}) error {
	raw, ok := fields[key]
	if !ok || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errInvalidRequest("invalid value for field %q: %v", key, err)
	}
	return nil
}

// WantsCache reports whether the client left caching enabled. Absent
// flag means yes; only an explicit false opts out.
func (r *ChatRequest) WantsCache() bool {
	return r.Extension.Cache == nil || *r.Extension.Cache
}

// ForwardBody renders the body sent upstream: the extension field is
// removed and the model is rewritten to the selected backend's model.
func (r *ChatRequest) ForwardBody(model string) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(r.fields))
	for k, v := range r.fields {
		if k == extensionKey {
			continue
		}
		out[k] = v
	}
	enc, err := json.Marshal(model)
	if err != nil {
		return nil, err
	}
	out["model"] = enc
	return json.Marshal(out)
}

// CacheRequest assembles the fingerprint input for this request under
// the given policy.
func (r *ChatRequest) CacheRequest(policyName string) cache.Request {
	return cache.Request{
		Policy:           policyName,
		Strategy:         r.Extension.Strategy,
		ModelOverride:    r.Extension.Model,
		Messages:         r.Messages,
		Model:            r.Model,
		Temperature:      r.Temperature,
		TopP:             r.TopP,
		MaxTokens:        r.MaxTokens,
		FrequencyPenalty: r.FrequencyPenalty,
		PresencePenalty:  r.PresencePenalty,
		Stop:             r.Stop,
		Stream:           r.Stream,
	}
}

type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// UserText returns the text of the most recent user message, used as
// classifier and agent input. Structured content keeps only its text
// parts.
func (r *ChatRequest) UserText() string {
	var msgs []chatMessage
	if err := json.Unmarshal(r.Messages, &msgs); err != nil {
		return ""
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if !strings.EqualFold(msgs[i].Role, "user") {
			continue
		}
		return contentText(msgs[i].Content)
	}
	return ""
}

func contentText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type != "text" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(p.Text)
	}
	return b.String()
}
