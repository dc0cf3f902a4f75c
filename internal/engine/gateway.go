package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/yangwenmai/cadence/internal/model"
)

// DefaultGenerationTimeout bounds a single provider call.
const DefaultGenerationTimeout = 90 * time.Second

// Invocation is one call of an agent role. Empty binding fields fall back to
// the gateway defaults and the role table.
type Invocation struct {
	Role         Role
	SystemPrompt string
	ModelRef     string // "provider:model"
	KeyRef       string
	Context      string
}

// Invoker is what the runner needs from the gateway.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (string, error)
}

// KeyResolver turns a key reference into a secret.
type KeyResolver interface {
	ResolveKey(ref string) (string, error)
}

// StaticKeys resolves key references from a fixed map.
type StaticKeys map[string]string

// ResolveKey returns the key stored under ref.
func (k StaticKeys) ResolveKey(ref string) (string, error) {
	key, ok := k[ref]
	if !ok {
		return "", model.Invalid("key_ref", "unknown key reference %q", ref)
	}
	return key, nil
}

// Gateway binds roles to providers and applies rate limiting and timeouts.
type Gateway struct {
	providers    map[string]Provider
	defaultModel string
	keys         KeyResolver
	limiter      *rate.Limiter
	timeout      time.Duration
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithDefaultModel sets the model reference used when no binding names one.
func WithDefaultModel(ref string) GatewayOption {
	return func(g *Gateway) { g.defaultModel = ref }
}

// WithKeyResolver sets how key references are resolved.
func WithKeyResolver(k KeyResolver) GatewayOption {
	return func(g *Gateway) { g.keys = k }
}

// WithRateLimit caps provider calls per second. Zero disables the limit.
func WithRateLimit(rps float64, burst int) GatewayOption {
	return func(g *Gateway) {
		if rps <= 0 {
			g.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithTimeout sets the per-call deadline.
func WithTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// NewGateway creates a gateway over the named providers.
func NewGateway(providers map[string]Provider, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		providers: providers,
		keys:      StaticKeys{},
		timeout:   DefaultGenerationTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ParseModelRef splits "provider:model". The model part may be empty, in
// which case the provider's default model is used.
func ParseModelRef(ref string) (provider, modelName string, err error) {
	provider, modelName, _ = strings.Cut(ref, ":")
	if provider == "" {
		return "", "", model.Invalid("model_ref", "missing provider in %q", ref)
	}
	return provider, modelName, nil
}

// Invoke runs one role call. Deadline overruns become *model.TimeoutError;
// provider failures are *model.ProviderError.
func (g *Gateway) Invoke(ctx context.Context, inv Invocation) (string, error) {
	if _, ok := roles[inv.Role]; !ok {
		return "", model.Invalid("role", "unknown role %q", inv.Role)
	}
	ref := pick(inv.ModelRef, g.defaultModel)
	name, modelName, err := ParseModelRef(ref)
	if err != nil {
		return "", err
	}
	p, ok := g.providers[name]
	if !ok {
		return "", model.Invalid("model_ref", "no provider registered as %q", name)
	}
	var key string
	if inv.KeyRef != "" {
		if key, err = g.keys.ResolveKey(inv.KeyRef); err != nil {
			return "", err
		}
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limit wait: %w", err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	out, err := p.Complete(callCtx, Completion{
		Role:   inv.Role,
		System: pick(inv.SystemPrompt, inv.Role.DefaultPrompt()),
		Prompt: inv.Context,
		Model:  modelName,
		APIKey: key,
	})
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = &model.TimeoutError{Role: string(inv.Role), After: g.timeout}
		} else if ctx.Err() != nil {
			err = ctx.Err()
		}
		slog.Warn("generation failed", "role", inv.Role, "provider", name, "elapsed", time.Since(start), "error", err)
		return "", err
	}
	slog.Debug("generation complete", "role", inv.Role, "provider", name, "elapsed", time.Since(start), "chars", len(out))
	return out, nil
}
