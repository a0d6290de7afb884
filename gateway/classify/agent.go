// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"axonflow/gateway/gateway/policy"
)

// agentTimeout bounds one backend-selection call. Selection answers are a
// few tokens, so this stays well under the request timeout.
const agentTimeout = 10 * time.Second

const defaultSelectionSystem = "You are a request router. " +
	"Pick the single best backend for the user request from the list provided. " +
	"Reply with exactly one backend name and nothing else."

// SelectBackend asks the policy's agent model to name one backend from the
// pool. The answer is normalized and matched case-insensitively against
// the pool; anything unparseable or unknown comes back as an
// UnavailableError so the caller can fall back.
func (c *Client) SelectBackend(ctx context.Context, agent *policy.AgentModel, pool []*policy.Backend, userText string) (string, error) {
	system := agent.SystemPrompt
	if system == "" {
		system = defaultSelectionSystem
	}

	payload, err := json.Marshal(agentRequest{
		Model: agent.Model,
		Messages: []agentMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: selectionPrompt(pool, userText)},
		},
		Temperature: 0,
		MaxTokens:   32,
	})
	if err != nil {
		return "", &UnavailableError{Reason: "failed to encode selection request", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, agentTimeout)
	defer cancel()

	url := strings.TrimSuffix(agent.Address, "/") + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", &UnavailableError{Reason: "failed to create selection request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if agent.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+agent.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &UnavailableError{Reason: "agent model unreachable", Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &UnavailableError{
			Reason: fmt.Sprintf("agent model returned %d: %s", resp.StatusCode, string(body)),
		}
	}

	var parsed agentResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", &UnavailableError{Reason: "failed to decode agent answer", Err: err}
	}
	if len(parsed.Choices) == 0 {
		return "", &UnavailableError{Reason: "agent answer has no choices"}
	}

	answer := normalizeAnswer(parsed.Choices[0].Message.Content)
	for _, b := range pool {
		if strings.EqualFold(b.Name, answer) {
			return b.Name, nil
		}
	}
	return "", &UnavailableError{Reason: fmt.Sprintf("agent named unknown backend %q", answer)}
}

type agentRequest struct {
	Model       string         `json:"model"`
	Messages    []agentMessage `json:"messages"`
	Temperature float64        `json:"temperature"`
	MaxTokens   int            `json:"max_tokens"`
}

type agentMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type agentResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// selectionPrompt enumerates the pool for the agent model.
func selectionPrompt(pool []*policy.Backend, userText string) string {
	var sb strings.Builder
	sb.WriteString("Backends:\n")
	for _, b := range pool {
		sb.WriteString("- ")
		sb.WriteString(b.Name)
		if b.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(b.Description)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\nUser request:\n")
	sb.WriteString(userText)
	return sb.String()
}

// normalizeAnswer strips the decoration models wrap around short answers.
func normalizeAnswer(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(s, "\"'`")
	s = strings.TrimSuffix(s, ".")
	return strings.TrimSpace(s)
}
