package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yangwenmai/cadence/internal/model"
)

// Provider abstracts one LLM backend. Implementations wrap OpenAI-compatible
// services, Anthropic, Gemini, Ollama or the stub.
type Provider interface {
	Complete(ctx context.Context, c Completion) (string, error)
}

// Completion is a single request to a provider.
type Completion struct {
	Role   Role
	System string
	Prompt string
	// Model and APIKey override the provider's defaults when non-empty.
	Model  string
	APIKey string
}

// apiError represents an HTTP error from a provider that may or may not be retryable.
type apiError struct {
	StatusCode int
	Body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// isRetryable returns true for transient errors (rate limit, server errors).
func (e *apiError) isRetryable() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= http.StatusInternalServerError
}

// malformed reports a response that arrived but could not be used.
func malformed(format string, args ...any) error {
	return &model.ProviderError{Kind: model.ProviderMalformed, Err: fmt.Errorf(format, args...)}
}

// endpoint is the HTTP plumbing shared by the remote providers. Each client
// supplies its own wire types and reply parser.
type endpoint struct {
	name       string
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

func newEndpoint(name, apiKey, baseURL, model string, timeout time.Duration) endpoint {
	return endpoint{
		name:       name,
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// call posts body as JSON to path and parses a 200 reply. Transient failures
// are retried once; every failure comes back as a *model.ProviderError.
func (e *endpoint) call(ctx context.Context, path string, header http.Header, body any, parse func([]byte) (string, error)) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	return withRetry(ctx, e.name, func() (string, error) {
		raw, err := e.post(ctx, path, header, payload)
		if err != nil {
			return "", err
		}
		return parse(raw)
	})
}

func (e *endpoint) post(ctx context.Context, path string, header http.Header, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &apiError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}

// decodeInto unmarshals a provider reply, reporting failures as malformed.
func decodeInto(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return malformed("unmarshal response: %v", err)
	}
	return nil
}

// withRetry calls do up to twice, backing off between attempts. It gives up
// immediately on non-retryable HTTP errors and malformed responses.
func withRetry(ctx context.Context, name string, do func() (string, error)) (string, error) {
	const maxAttempts = 2
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		result, err := do()
		if err == nil {
			return result, nil
		}
		lastErr = err

		var ae *apiError
		if errors.As(err, &ae) && !ae.isRetryable() {
			return "", classify(name, err)
		}
		var pe *model.ProviderError
		if errors.As(err, &pe) {
			return "", classify(name, err)
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		if attempt < maxAttempts-1 {
			backoff := time.Duration(attempt+1) * 2 * time.Second
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return "", classify(name, lastErr)
}

// classify maps a raw provider failure onto a *model.ProviderError.
func classify(name string, err error) error {
	var pe *model.ProviderError
	if errors.As(err, &pe) {
		if pe.Provider == "" {
			pe.Provider = name
		}
		return err
	}
	kind := model.ProviderUnavailable
	var ae *apiError
	if errors.As(err, &ae) {
		switch {
		case ae.StatusCode == http.StatusUnauthorized || ae.StatusCode == http.StatusForbidden:
			kind = model.ProviderAuth
		case ae.StatusCode == http.StatusTooManyRequests:
			kind = model.ProviderRateLimit
		case ae.StatusCode >= http.StatusInternalServerError:
			kind = model.ProviderUnavailable
		default:
			kind = model.ProviderMalformed
		}
	}
	return &model.ProviderError{Provider: name, Kind: kind, Err: err}
}

func pick(override, fallback string) string {
	if override != "" {
		return override
	}
	return fallback
}
