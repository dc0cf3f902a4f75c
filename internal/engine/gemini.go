package engine

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// GeminiClient implements Provider using the Google Generative AI REST API.
type GeminiClient struct {
	endpoint
}

// GeminiOption configures the Gemini client.
type GeminiOption func(*GeminiClient)

// WithGeminiModel sets the default model name.
func WithGeminiModel(model string) GeminiOption {
	return func(c *GeminiClient) { c.model = model }
}

// WithGeminiBaseURL overrides the API endpoint.
func WithGeminiBaseURL(url string) GeminiOption {
	return func(c *GeminiClient) { c.baseURL = strings.TrimRight(url, "/") }
}

// NewGeminiClient creates a new Google Gemini provider.
func NewGeminiClient(apiKey string, opts ...GeminiOption) *GeminiClient {
	c := &GeminiClient{newEndpoint("gemini", apiKey, "https://generativelanguage.googleapis.com/v1beta", "gemini-2.0-flash", 120*time.Second)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  geminiGenConfig `json:"generationConfig"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends the prompt to the Gemini API and returns the first candidate's text.
func (c *GeminiClient) Complete(ctx context.Context, in Completion) (string, error) {
	req := geminiRequest{
		Contents:         []geminiContent{{Parts: []geminiPart{{Text: in.Prompt}}}},
		GenerationConfig: geminiGenConfig{Temperature: 0.7, MaxOutputTokens: 4096},
	}
	if in.System != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: in.System}}}
	}
	header := http.Header{}
	header.Set("x-goog-api-key", pick(in.APIKey, c.apiKey))
	path := "/models/" + url.PathEscape(pick(in.Model, c.model)) + ":generateContent"
	return c.call(ctx, path, header, req, parseGemini)
}

func parseGemini(raw []byte) (string, error) {
	var resp geminiResponse
	if err := decodeInto(raw, &resp); err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", malformed("api error: %s", resp.Error.Message)
	}
	for _, cand := range resp.Candidates {
		for _, part := range cand.Content.Parts {
			if strings.TrimSpace(part.Text) != "" {
				return part.Text, nil
			}
		}
	}
	return "", malformed("no content in response")
}
