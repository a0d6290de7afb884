// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"axonflow/gateway/gateway/policy"
)

func selectionPool() []*policy.Backend {
	return []*policy.Backend{
		{Name: "openai-primary", Description: "general purpose", Address: "http://a", Model: "gpt-4o"},
		{Name: "claude-code", Description: "code generation", Address: "http://b", Model: "claude-sonnet-4"},
	}
}

// agentServer answers every chat completion with the given content.
func agentServer(t *testing.T, content string, capture *agentRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if capture != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(capture))
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"choices":[{"message":{"content":%q}}]}`, content)
	}))
}

func TestSelectBackend_Success(t *testing.T) {
	var got agentRequest
	srv := agentServer(t, "claude-code", &got)
	defer srv.Close()

	agent := &policy.AgentModel{Address: srv.URL, APIKey: "agent-key", Model: "gpt-4o-mini"}
	client := NewClient()

	name, err := client.SelectBackend(context.Background(), agent, selectionPool(), "refactor this function")
	require.NoError(t, err)
	assert.Equal(t, "claude-code", name)

	assert.Equal(t, "gpt-4o-mini", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Contains(t, got.Messages[1].Content, "- openai-primary: general purpose")
	assert.Contains(t, got.Messages[1].Content, "- claude-code: code generation")
	assert.Contains(t, got.Messages[1].Content, "refactor this function")
	assert.Zero(t, got.Temperature, "selection must be deterministic")
}

func TestSelectBackend_CustomSystemPrompt(t *testing.T) {
	var got agentRequest
	srv := agentServer(t, "openai-primary", &got)
	defer srv.Close()

	agent := &policy.AgentModel{
		Address:      srv.URL,
		Model:        "gpt-4o-mini",
		SystemPrompt: "Favor the cheapest backend.",
	}
	client := NewClient()

	_, err := client.SelectBackend(context.Background(), agent, selectionPool(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "Favor the cheapest backend.", got.Messages[0].Content)
}

func TestSelectBackend_NormalizesAnswer(t *testing.T) {
	tests := []struct {
		name   string
		answer string
		want   string
	}{
		{"surrounding whitespace", "  claude-code \n", "claude-code"},
		{"quoted", `"claude-code"`, "claude-code"},
		{"backticked", "`claude-code`", "claude-code"},
		{"trailing period", "claude-code.", "claude-code"},
		{"case mismatch", "Claude-Code", "claude-code"},
		{"explanation after newline", "claude-code\nBecause the request is about code.", "claude-code"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := agentServer(t, tt.answer, nil)
			defer srv.Close()

			agent := &policy.AgentModel{Address: srv.URL, Model: "gpt-4o-mini"}
			client := NewClient()

			name, err := client.SelectBackend(context.Background(), agent, selectionPool(), "task")
			require.NoError(t, err)
			assert.Equal(t, tt.want, name)
		})
	}
}

func TestSelectBackend_UnknownAnswer(t *testing.T) {
	srv := agentServer(t, "some-other-backend", nil)
	defer srv.Close()

	agent := &policy.AgentModel{Address: srv.URL, Model: "gpt-4o-mini"}
	client := NewClient()

	_, err := client.SelectBackend(context.Background(), agent, selectionPool(), "task")
	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Contains(t, unavailable.Reason, "some-other-backend")
}

func TestSelectBackend_AgentError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	agent := &policy.AgentModel{Address: srv.URL, Model: "gpt-4o-mini"}
	client := NewClient()

	_, err := client.SelectBackend(context.Background(), agent, selectionPool(), "task")
	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Contains(t, unavailable.Reason, "503")
}

func TestSelectBackend_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	agent := &policy.AgentModel{Address: srv.URL, Model: "gpt-4o-mini"}
	client := NewClient()

	_, err := client.SelectBackend(context.Background(), agent, selectionPool(), "task")
	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
}
