package engine

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// OpenAIClient implements Provider using the OpenAI Chat Completions API.
// It also works with any OpenAI-compatible service by setting a custom base URL.
type OpenAIClient struct {
	endpoint
}

// OpenAIOption configures the OpenAI client.
type OpenAIOption func(*OpenAIClient)

// WithModel sets the default model name (default: gpt-4o-mini).
func WithModel(model string) OpenAIOption {
	return func(c *OpenAIClient) { c.model = model }
}

// WithBaseURL overrides the API endpoint (default: https://api.openai.com/v1).
func WithBaseURL(url string) OpenAIOption {
	return func(c *OpenAIClient) { c.baseURL = strings.TrimRight(url, "/") }
}

// NewOpenAIClient creates a new OpenAI provider.
func NewOpenAIClient(apiKey string, opts ...OpenAIOption) *OpenAIClient {
	c := &OpenAIClient{newEndpoint("openai", apiKey, "https://api.openai.com/v1", "gpt-4o-mini", 120*time.Second)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends the system and user prompt and returns the assistant's reply.
func (c *OpenAIClient) Complete(ctx context.Context, in Completion) (string, error) {
	messages := make([]chatMessage, 0, 2)
	if in.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: in.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: in.Prompt})

	header := http.Header{}
	header.Set("Authorization", "Bearer "+pick(in.APIKey, c.apiKey))
	req := chatRequest{Model: pick(in.Model, c.model), Messages: messages, Temperature: 0.7}
	return c.call(ctx, "/chat/completions", header, req, parseChat)
}

func parseChat(raw []byte) (string, error) {
	var resp chatResponse
	if err := decodeInto(raw, &resp); err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", malformed("api error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", malformed("no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}
