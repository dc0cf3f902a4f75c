package engine

import (
	"context"
	"net/http"
	"strings"
	"time"
)

const anthropicVersion = "2023-06-01"

// ClaudeClient implements Provider using the Anthropic Messages API.
type ClaudeClient struct {
	endpoint
}

// ClaudeOption configures the Claude client.
type ClaudeOption func(*ClaudeClient)

// WithClaudeModel sets the default model name.
func WithClaudeModel(model string) ClaudeOption {
	return func(c *ClaudeClient) { c.model = model }
}

// WithClaudeBaseURL overrides the API endpoint.
func WithClaudeBaseURL(url string) ClaudeOption {
	return func(c *ClaudeClient) { c.baseURL = strings.TrimRight(url, "/") }
}

// NewClaudeClient creates a new Anthropic provider.
func NewClaudeClient(apiKey string, opts ...ClaudeOption) *ClaudeClient {
	c := &ClaudeClient{newEndpoint("anthropic", apiKey, "https://api.anthropic.com/v1", "claude-sonnet-4-20250514", 120*time.Second)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
	System      string          `json:"system,omitempty"`
	Messages    []claudeMessage `json:"messages"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends the prompt to the Messages API and returns the first text block.
func (c *ClaudeClient) Complete(ctx context.Context, in Completion) (string, error) {
	header := http.Header{}
	header.Set("x-api-key", pick(in.APIKey, c.apiKey))
	header.Set("anthropic-version", anthropicVersion)
	req := claudeRequest{
		Model:       pick(in.Model, c.model),
		MaxTokens:   4096,
		Temperature: 0.7,
		System:      in.System,
		Messages:    []claudeMessage{{Role: "user", Content: in.Prompt}},
	}
	return c.call(ctx, "/messages", header, req, parseClaude)
}

func parseClaude(raw []byte) (string, error) {
	var resp claudeResponse
	if err := decodeInto(raw, &resp); err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", malformed("api error: %s", resp.Error.Message)
	}
	for _, block := range resp.Content {
		if block.Type == "text" && strings.TrimSpace(block.Text) != "" {
			return block.Text, nil
		}
	}
	return "", malformed("no text content in response")
}
