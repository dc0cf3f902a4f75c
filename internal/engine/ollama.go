package engine

import (
	"context"
	"time"
)

// OllamaClient implements Provider using the local Ollama API. Ollama takes
// no API key.
type OllamaClient struct {
	endpoint
}

// OllamaOption configures the Ollama client.
type OllamaOption func(*OllamaClient)

// WithOllamaModel sets the default model name.
func WithOllamaModel(model string) OllamaOption {
	return func(c *OllamaClient) { c.model = model }
}

// NewOllamaClient creates a new Ollama provider.
func NewOllamaClient(baseURL string, opts ...OllamaOption) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	c := &OllamaClient{newEndpoint("ollama", "", baseURL, "llama3", 300*time.Second)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	System  string        `json:"system,omitempty"`
	Prompt  string        `json:"prompt"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// Complete sends the prompt to the generate endpoint without streaming.
func (c *OllamaClient) Complete(ctx context.Context, in Completion) (string, error) {
	req := ollamaRequest{
		Model:   pick(in.Model, c.model),
		System:  in.System,
		Prompt:  in.Prompt,
		Options: ollamaOptions{Temperature: 0.7},
	}
	return c.call(ctx, "/api/generate", nil, req, parseOllama)
}

func parseOllama(raw []byte) (string, error) {
	var resp ollamaResponse
	if err := decodeInto(raw, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", malformed("ollama error: %s", resp.Error)
	}
	if resp.Response == "" {
		return "", malformed("empty response from ollama")
	}
	return resp.Response, nil
}
