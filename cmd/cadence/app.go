package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/yangwenmai/cadence/internal/audit"
	"github.com/yangwenmai/cadence/internal/channel"
	"github.com/yangwenmai/cadence/internal/config"
	"github.com/yangwenmai/cadence/internal/engine"
	"github.com/yangwenmai/cadence/internal/lifecycle"
	"github.com/yangwenmai/cadence/internal/planner"
	"github.com/yangwenmai/cadence/internal/store"
	"github.com/yangwenmai/cadence/internal/worker"
)

// app is the wired object graph shared by every command.
type app struct {
	cfg     config.Config
	db      *sql.DB
	store   *store.Store
	svc     *lifecycle.Service
	planner *planner.Planner
	sweeper *worker.Sweeper
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(config.Path(configPath))
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.LogLevel)

	db, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s, err := store.New(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init store: %w", err)
	}

	// Runs left running by a previous process can never finish.
	if n, err := s.FailInterruptedRuns(ctx); err != nil {
		slog.Warn("fail interrupted runs", "error", err)
	} else if n > 0 {
		slog.Info("failed interrupted agent runs", "count", n)
	}

	var extractor engine.ContentExtractor
	if cfg.UseStubs() {
		slog.Info("no provider key configured, using stub generation", "provider", cfg.LLMProvider)
		extractor = &engine.StubExtractor{}
	} else {
		slog.Info("using provider", "model", cfg.DefaultModelRef())
		extractor = engine.NewHTTPExtractor(&http.Client{Timeout: cfg.HTTPTimeout})
	}

	gw := engine.NewGateway(providers(cfg),
		engine.WithDefaultModel(cfg.DefaultModelRef()),
		engine.WithKeyResolver(engine.StaticKeys(cfg.ProviderKeys)),
		engine.WithRateLimit(cfg.GenerationRPS, 2),
		engine.WithTimeout(cfg.GenerationTimeout),
	)

	ch, err := openChannel(cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	runner := engine.NewRunner(gw, s, s)
	asm := engine.NewAssembler(s, extractor)
	svc := lifecycle.New(s, runner, asm, ch, audit.NewRecorder(s))
	return &app{
		cfg:     cfg,
		db:      db,
		store:   s,
		svc:     svc,
		planner: planner.New(s, runner, asm, svc, planner.WithConcurrency(cfg.SweepConcurrency)),
		sweeper: worker.New(s, svc, s,
			worker.WithConcurrency(cfg.SweepConcurrency),
			worker.WithClaimTTL(cfg.ClaimTTL)),
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

// providers registers every backend. Keys may also come from preset key
// references, so backends are registered even without a default key.
func providers(cfg config.Config) map[string]engine.Provider {
	claudeOpts := []engine.ClaudeOption{engine.WithClaudeModel(cfg.AnthropicModel)}
	if cfg.AnthropicBaseURL != "" {
		claudeOpts = append(claudeOpts, engine.WithClaudeBaseURL(cfg.AnthropicBaseURL))
	}
	return map[string]engine.Provider{
		"openai": engine.NewOpenAIClient(cfg.OpenAIKey,
			engine.WithModel(cfg.OpenAIModel),
			engine.WithBaseURL(cfg.OpenAIBaseURL)),
		"claude": engine.NewClaudeClient(cfg.AnthropicKey, claudeOpts...),
		"gemini": engine.NewGeminiClient(cfg.GeminiKey, engine.WithGeminiModel(cfg.GeminiModel)),
		"ollama": engine.NewOllamaClient(cfg.OllamaURL, engine.WithOllamaModel(cfg.OllamaModel)),
		"stub":   &engine.StubProvider{},
	}
}

func openChannel(cfg config.Config) (channel.Adapter, error) {
	if cfg.Channel == "telegram" {
		tg, err := channel.NewTelegram(cfg.TelegramToken)
		if err != nil {
			return nil, fmt.Errorf("connect telegram: %w", err)
		}
		return tg, nil
	}
	slog.Info("using stub channel")
	return channel.NewStub(), nil
}

func setupLogging(level string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}
