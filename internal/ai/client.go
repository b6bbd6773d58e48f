// Package ai implements the AI analyzer: a prompt builder and response
// parser sitting in front of an opaque chat completion endpoint. The
// external dependency is narrowed to a single-method capability
// interface rather than a reflection-based provider dispatch, so
// nothing here needs to know which concrete provider it is talking to.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tapeshchavle/sentinai/internal/config"
)

// ChatCompleter is the one capability the AI Analyzer needs from an
// external LLM: turn a prompt into text. Concrete providers (OpenAI,
// Anthropic, a local model server, ...) are wired in at composition
// time by supplying an implementation of this interface — SentinAI's
// core never knows which provider it is talking to.
type ChatCompleter interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// HTTPChatCompleter is a ChatCompleter backed by a stdlib http.Client
// POSTing a chat-completions-shaped JSON body with bearer auth, and
// decoding the first choice's message content back out. It is
// provider-agnostic by construction — BaseURL and Model come from
// config.AIConfig, so any OpenAI-compatible endpoint works without new
// code.
type HTTPChatCompleter struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewHTTPChatCompleter builds a ChatCompleter against cfg. The caller
// is responsible for checking cfg.APIKey != "" before relying on it;
// the Analyzer's IsAvailable only checks that a completer is set, and
// Complete returns an error when the key is empty.
func NewHTTPChatCompleter(cfg config.AIConfig) *HTTPChatCompleter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4"
	}
	return &HTTPChatCompleter{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			// Bound the call time so an AI outage can't stall the
			// request path indefinitely.
			Timeout: 10 * time.Second,
		},
	}
}

func (c *HTTPChatCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("ai: no API key configured")
	}

	reqBody := map[string]interface{}{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"temperature": 0.0,
		"max_tokens":  500,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("ai: marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("ai: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ai: sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("ai: reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ai: completion endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("ai: parsing response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("ai: empty completion response")
	}
	return decoded.Choices[0].Message.Content, nil
}
