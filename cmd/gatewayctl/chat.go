// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// chatCmd returns the command for sending a chat completion through a
// running gateway.
func chatCmd() *cobra.Command {
	var (
		gatewayURL  string
		policyName  string
		backendName string
		apiKey      string
		noCache     bool
		stream      bool
		timeoutSecs int
	)

	cmd := &cobra.Command{
		Use:   "chat [flags] PROMPT",
		Short: "Send a chat completion through a running gateway",
		Long: `Send a prompt to a running gateway and print the completion.

The routing policy, a pinned backend, and cache behavior are passed in the
request's "axonflow-gateway" extension. The response text goes to stdout;
model and token metadata go to stderr so output can be piped cleanly.

Examples:
  gatewayctl chat "What is the capital of France?"
  gatewayctl chat --policy support-tickets --stream "Summarize this ticket: ..."
  gatewayctl chat --backend gpt4o-mini --no-cache "Quick question"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")

			ext := map[string]interface{}{}
			if policyName != "" {
				ext["policy"] = policyName
			}
			if backendName != "" {
				ext["routing_strategy"] = "manual"
				ext["model"] = backendName
			}
			if noCache {
				ext["cache"] = false
			}

			body := map[string]interface{}{
				"messages": []map[string]string{
					{"role": "user", "content": prompt},
				},
			}
			if stream {
				body["stream"] = true
			}
			if len(ext) > 0 {
				body["axonflow-gateway"] = ext
			}

			payload, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("failed to build request: %w", err)
			}

			endpoint := strings.TrimRight(gatewayURL, "/") + "/v1/chat/completions"
			req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(payload))
			if err != nil {
				return fmt.Errorf("failed to build request: %w", err)
			}
			req.Header.Set("Content-Type", "application/json")
			if apiKey == "" {
				apiKey = os.Getenv("GATEWAY_API_KEY")
			}
			if apiKey != "" {
				req.Header.Set("Authorization", "Bearer "+apiKey)
			}

			client := &http.Client{Timeout: time.Duration(timeoutSecs) * time.Second}
			if stream {
				// No client deadline for streams; the server closes the body.
				client.Timeout = 0
			}

			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("request to %s failed: %w", endpoint, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return decodeGatewayError(resp)
			}
			if stream {
				return printStream(resp.Body)
			}
			return printCompletion(resp.Body)
		},
	}

	cmd.Flags().StringVarP(&gatewayURL, "url", "u", "http://localhost:8084", "Gateway base URL")
	cmd.Flags().StringVarP(&policyName, "policy", "p", "", "Routing policy (default: the gateway's default policy)")
	cmd.Flags().StringVarP(&backendName, "backend", "b", "", "Pin a specific backend by name (manual routing)")
	cmd.Flags().StringVarP(&apiKey, "api-key", "k", "", "API key (default: $GATEWAY_API_KEY)")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "Bypass the response cache")
	cmd.Flags().BoolVarP(&stream, "stream", "s", false, "Stream the response as it is generated")
	cmd.Flags().IntVar(&timeoutSecs, "timeout", 120, "Request timeout in seconds (ignored with --stream)")

	return cmd
}

// decodeGatewayError turns a non-200 gateway response into an error,
// preferring the gateway's structured error envelope over the raw body.
func decodeGatewayError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var envelope struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
			Source  string `json:"source"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error.Message != "" {
		return fmt.Errorf("%s (%s, HTTP %d): %s",
			envelope.Error.Type, envelope.Error.Source, resp.StatusCode, envelope.Error.Message)
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
}

func printCompletion(r io.Reader) error {
	var completion struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(r).Decode(&completion); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if len(completion.Choices) == 0 {
		return fmt.Errorf("response contains no choices")
	}

	fmt.Println(completion.Choices[0].Message.Content)
	fmt.Fprintf(os.Stderr, "\n[model: %s, tokens: %d prompt + %d completion]\n",
		completion.Model, completion.Usage.PromptTokens, completion.Usage.CompletionTokens)

	return nil
}

func printStream(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) > 0 {
			fmt.Print(chunk.Choices[0].Delta.Content)
		}
	}
	fmt.Println()

	return scanner.Err()
}
