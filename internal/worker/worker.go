// Package worker runs the scheduling sweep that publishes due artifacts.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yangwenmai/cadence/internal/lifecycle"
	"github.com/yangwenmai/cadence/internal/model"
)

// Defaults.
const (
	DefaultConcurrency = 4
	DefaultBatchSize   = 100
	DefaultClaimTTL    = 10 * time.Minute
)

// DueLister lists due artifacts and recovers abandoned claims.
type DueLister interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]model.Artifact, error)
	ResetStaleClaims(ctx context.Context, cutoff time.Time) (int64, error)
}

// Publisher claims artifacts and delivers them.
type Publisher interface {
	Claim(ctx context.Context, a *model.Artifact) (*model.Artifact, error)
	Deliver(ctx context.Context, a *model.Artifact, ps model.ProjectSettings) lifecycle.Delivery
}

// SettingsProvider supplies project settings.
type SettingsProvider interface {
	GetSettings(ctx context.Context, projectID string) (model.ProjectSettings, error)
}

// Result tallies one sweep.
type Result struct {
	Processed int `json:"processed"`
	Published int `json:"published"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Sweeper publishes artifacts whose time has come. Sweeps may overlap; the
// claim guarantees each artifact is sent by one of them.
type Sweeper struct {
	due         DueLister
	publisher   Publisher
	settings    SettingsProvider
	concurrency int
	batch       int
	claimTTL    time.Duration
	now         func() time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithConcurrency bounds parallel deliveries within a sweep.
func WithConcurrency(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithClaimTTL sets how old a publishing claim must be before Recover releases it.
func WithClaimTTL(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.claimTTL = d
		}
	}
}

// WithClock replaces the sweeper's clock.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// New creates a Sweeper.
func New(due DueLister, publisher Publisher, settings SettingsProvider, opts ...Option) *Sweeper {
	s := &Sweeper{
		due:         due,
		publisher:   publisher,
		settings:    settings,
		concurrency: DefaultConcurrency,
		batch:       DefaultBatchSize,
		claimTTL:    DefaultClaimTTL,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Recover releases publishing claims older than the claim TTL, left behind
// by a process that stopped mid-delivery.
func (s *Sweeper) Recover(ctx context.Context) (int64, error) {
	n, err := s.due.ResetStaleClaims(ctx, s.now().Add(-s.claimTTL))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Warn("released stale publishing claims", "count", n)
	}
	return n, nil
}

// Sweep delivers every due artifact once.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	due, err := s.due.ListDue(ctx, s.now(), s.batch)
	if err != nil {
		return Result{}, err
	}
	res := Result{Processed: len(due)}
	if len(due) == 0 {
		return res, nil
	}

	settings := make(map[string]model.ProjectSettings)
	for _, a := range due {
		if _, ok := settings[a.ProjectID]; ok {
			continue
		}
		ps, err := s.settings.GetSettings(ctx, a.ProjectID)
		if err != nil {
			return res, err
		}
		settings[a.ProjectID] = ps
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i := range due {
		a := due[i]
		g.Go(func() error {
			outcome := s.process(gctx, &a, settings[a.ProjectID])
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case lifecycle.Delivered:
				res.Published++
			case lifecycle.Released:
				res.Retried++
			case lifecycle.Failed:
				res.Failed++
			default:
				res.Skipped++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	slog.Info("sweep finished", "processed", res.Processed, "published", res.Published,
		"retried", res.Retried, "failed", res.Failed, "skipped", res.Skipped)
	return res, ctx.Err()
}

const skipped = "skipped"

func (s *Sweeper) process(ctx context.Context, a *model.Artifact, ps model.ProjectSettings) string {
	if ctx.Err() != nil {
		return skipped
	}
	claimed, err := s.publisher.Claim(ctx, a)
	if err != nil {
		var te *model.StateTransitionError
		if !model.IsConflict(err) && !errors.As(err, &te) && !errors.Is(err, model.ErrNotFound) {
			slog.Error("claim failed", "artifact_id", a.ID, "error", err)
		}
		return skipped
	}
	return s.publisher.Deliver(ctx, claimed, ps).Outcome
}

// Start recovers stale claims, then runs sweeps on schedule until ctx is
// cancelled.
func (s *Sweeper) Start(ctx context.Context, schedule string) error {
	if _, err := s.Recover(ctx); err != nil {
		slog.Error("claim recovery failed", "error", err)
	}
	sched, err := NewScheduler(schedule, func() {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			slog.Error("sweep failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	sched.Start()
	slog.Info("sweeper started", "schedule", schedule, "concurrency", s.concurrency)
	<-ctx.Done()
	sched.Stop()
	slog.Info("sweeper stopped")
	return nil
}
