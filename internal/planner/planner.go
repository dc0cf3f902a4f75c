// Package planner builds the planning hierarchy: weeks of topic slots and
// quarters decomposed into month arcs and week packages.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yangwenmai/cadence/internal/engine"
	"github.com/yangwenmai/cadence/internal/model"
	"github.com/yangwenmai/cadence/internal/store"
)

// WeekDays is the length of a week bucket.
const WeekDays = 7

// Store is the persistence the planner needs.
type Store interface {
	store.BucketStore
	store.ArtifactReader
	store.ArtifactWriter
	store.SettingsStore
}

// ContentGenerator generates content for one artifact.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, id string) (*model.Artifact, error)
}

// Planner creates buckets and their topic slots.
type Planner struct {
	store       Store
	runner      *engine.Runner
	assembler   *engine.Assembler
	generator   ContentGenerator
	concurrency int
	now         func() time.Time
}

// Option configures a Planner.
type Option func(*Planner)

// WithClock replaces the planner's clock.
func WithClock(now func() time.Time) Option {
	return func(p *Planner) { p.now = now }
}

// WithConcurrency bounds parallel content generation in GenerateBucket.
func WithConcurrency(n int) Option {
	return func(p *Planner) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// New creates a Planner. generator may be nil when GenerateBucket is unused.
func New(s Store, runner *engine.Runner, assembler *engine.Assembler, generator ContentGenerator, opts ...Option) *Planner {
	p := &Planner{
		store:       s,
		runner:      runner,
		assembler:   assembler,
		generator:   generator,
		concurrency: 4,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PlanWeekRequest asks for a new week of topics.
type PlanWeekRequest struct {
	ProjectID string `json:"project_id" validate:"required"`
	Track     string `json:"track" validate:"omitempty,oneof=tactical strategic"`
	ThemeHint string `json:"theme_hint" validate:"max=500"`
	StartDate string `json:"start_date" validate:"omitempty,datetime=2006-01-02"`
	ParentID  string `json:"parent_id"`
}

// PlanWeek creates a week (tactical) or week package (strategic) and fills
// every slot with a generated topic in topics_generated.
func (p *Planner) PlanWeek(ctx context.Context, req PlanWeekRequest) (*model.Bucket, error) {
	if err := checkRequest(req); err != nil {
		return nil, err
	}
	kind, err := model.KindForTrack(req.Track)
	if err != nil {
		return nil, err
	}
	ps, err := p.store.GetSettings(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	loc, err := ps.Location()
	if err != nil {
		return nil, err
	}

	var parent *model.Bucket
	if req.ParentID != "" {
		if parent, err = p.store.GetBucket(ctx, req.ParentID); err != nil {
			return nil, fmt.Errorf("load parent: %w", err)
		}
		if parent.ChildKind() != kind {
			return nil, model.Invalid("parent_id", "a %s cannot hold a %s", parent.Kind, kind)
		}
	}
	start, err := p.resolveStart(ctx, req.ProjectID, kind, req.StartDate, parent, loc)
	if err != nil {
		return nil, err
	}

	b := model.NewBucket(uuid.NewString(), req.ProjectID, kind, start, WeekDays)
	b.Theme = strings.TrimSpace(req.ThemeHint)
	b.Capacity = ps.SlotsPerWeek
	if parent != nil {
		b.ParentID = parent.ID
	}
	return p.createWeek(ctx, b, ps, loc)
}

func (p *Planner) createWeek(ctx context.Context, b model.Bucket, ps model.ProjectSettings, loc *time.Location) (*model.Bucket, error) {
	if err := p.store.CreateBucket(ctx, b); err != nil {
		return nil, err
	}
	slog.Info("bucket created", "bucket_id", b.ID, "kind", b.Kind, "start", b.StartDate.Format(model.DateLayout), "theme", b.Theme)

	if _, err := p.fill(ctx, &b, ps, loc, nil, freeSlots(b.Capacity, nil)); err != nil {
		// The empty bucket stays; RegenerateWeek fills it later.
		return &b, fmt.Errorf("plan topics for %s: %w", b.ID, err)
	}
	return &b, nil
}

// resolveStart picks the explicit date, else the day after the latest bucket
// of the same kind (within parent when set), else the first Monday on or
// after today.
func (p *Planner) resolveStart(ctx context.Context, projectID, kind, explicit string, parent *model.Bucket, loc *time.Location) (time.Time, error) {
	if explicit != "" {
		return model.ParseDate(explicit)
	}
	if parent != nil {
		siblings, err := p.store.ListBuckets(ctx, store.BucketFilter{ParentID: parent.ID})
		if err != nil {
			return time.Time{}, err
		}
		start := parent.StartDate
		for _, s := range siblings {
			if next := s.EndDate.AddDate(0, 0, 1); next.After(start) {
				start = next
			}
		}
		return start, nil
	}
	latest, err := p.store.LatestBucket(ctx, projectID, kind)
	if err != nil {
		return time.Time{}, err
	}
	if latest != nil {
		return latest.EndDate.AddDate(0, 0, 1), nil
	}
	return firstMonday(p.now(), loc), nil
}

// RegenerateResult reports what RegenerateWeek changed.
type RegenerateResult struct {
	Bucket  *model.Bucket    `json:"bucket"`
	Deleted int64            `json:"deleted"`
	Created []model.Artifact `json:"created"`
}

// RegenerateWeek tops up the free slots of a week, or with overwrite replaces
// every artifact with a fresh set. Overwrite is refused when any artifact has
// already been handed to the channel. Topics are drafted before anything is
// written, so a failed run leaves the bucket as it was; the result then still
// carries the bucket.
func (p *Planner) RegenerateWeek(ctx context.Context, bucketID string, overwrite bool) (*RegenerateResult, error) {
	b, err := p.store.GetBucket(ctx, bucketID)
	if err != nil {
		return nil, err
	}
	if !b.HoldsArtifacts() {
		return nil, model.Invalid("bucket_id", "%s bucket %s holds no artifacts", b.Kind, b.ID)
	}
	ps, err := p.store.GetSettings(ctx, b.ProjectID)
	if err != nil {
		return nil, err
	}
	loc, err := ps.Location()
	if err != nil {
		return nil, err
	}
	existing, err := p.store.ListArtifacts(ctx, model.ArtifactFilter{BucketID: b.ID})
	if err != nil {
		return nil, err
	}

	res := &RegenerateResult{Bucket: b}
	if !overwrite {
		free := freeSlots(b.Capacity, existing)
		if len(free) == 0 {
			return res, nil
		}
		arts, err := p.draft(ctx, b, ps, loc, existing, free)
		if err != nil {
			return res, err
		}
		if err := p.store.CreateArtifacts(ctx, b.ID, arts); err != nil {
			return res, err
		}
		res.Created = arts
		return res, nil
	}

	for _, a := range existing {
		if !a.Status.Deletable() {
			return res, &model.StateTransitionError{ArtifactID: a.ID, From: a.Status, Event: model.EventRegenerate}
		}
	}
	arts, err := p.draft(ctx, b, ps, loc, nil, freeSlots(b.Capacity, nil))
	if err != nil {
		return res, err
	}
	if res.Deleted, err = p.store.ReplaceBucketArtifacts(ctx, b.ID, arts); err != nil {
		return res, err
	}
	res.Created = arts
	slog.Info("bucket artifacts replaced", "bucket_id", b.ID, "deleted", res.Deleted, "created", len(arts))
	return res, nil
}

// fill drafts topics for the free slots and creates their artifacts.
func (p *Planner) fill(ctx context.Context, b *model.Bucket, ps model.ProjectSettings, loc *time.Location, existing []model.Artifact, free []int) ([]model.Artifact, error) {
	arts, err := p.draft(ctx, b, ps, loc, existing, free)
	if err != nil || len(arts) == 0 {
		return nil, err
	}
	if err := p.store.CreateArtifacts(ctx, b.ID, arts); err != nil {
		return nil, err
	}
	return arts, nil
}

// draft runs the topics chain for the free slots and builds, without storing,
// one artifact per slot.
func (p *Planner) draft(ctx context.Context, b *model.Bucket, ps model.ProjectSettings, loc *time.Location, existing []model.Artifact, free []int) ([]model.Artifact, error) {
	if len(free) == 0 {
		return nil, nil
	}
	times, err := SlotTimes(b, ps.PostingTimes, loc)
	if err != nil {
		return nil, err
	}

	n := len(free)
	seed, err := p.assembler.ForBucket(ctx, b, topicsBrief(existing), topicsTask(n))
	if err != nil {
		return nil, err
	}
	res, err := p.runner.Run(ctx, engine.Spec{
		Chain:     engine.ChainTopics,
		Target:    engine.Target{Type: model.TargetBucket, ID: b.ID, ProjectID: b.ProjectID},
		Seed:      seed,
		PresetID:  ps.DefaultPresetID,
		MaxRounds: ps.MaxRounds,
		Validate: func(out string) error {
			_, err := engine.ParseTopics(out, n)
			return err
		},
	})
	if err != nil {
		return nil, err
	}
	topics, err := engine.ParseTopics(res.Output, n)
	if err != nil {
		return nil, err
	}

	arts := make([]model.Artifact, n)
	for i, slot := range free {
		t := topics[i]
		a := model.NewArtifact(uuid.NewString(), b, slot, times[slot])
		a.Title = strings.TrimSpace(t.Title)
		a.Category = t.Category
		a.Tags = t.Tags
		a.Brief = t.Brief
		arts[i] = a
	}
	slog.Info("topics drafted", "bucket_id", b.ID, "count", n, "run_id", res.RunID, "outcome", res.Outcome)
	return arts, nil
}

func freeSlots(capacity int, existing []model.Artifact) []int {
	taken := make(map[int]bool, len(existing))
	for _, a := range existing {
		taken[a.Slot] = true
	}
	var free []int
	for i := 0; i < capacity; i++ {
		if !taken[i] {
			free = append(free, i)
		}
	}
	return free
}

func topicsTask(n int) string {
	return fmt.Sprintf("Propose exactly %d topics for this week, one per posting slot, in publishing order.", n)
}

func topicsBrief(existing []model.Artifact) string {
	if len(existing) == 0 {
		return ""
	}
	sorted := append([]model.Artifact(nil), existing...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Slot < sorted[j].Slot })
	var b strings.Builder
	b.WriteString("These topics are already planned for this week. Do not repeat them:\n")
	for _, a := range sorted {
		fmt.Fprintf(&b, "- %s\n", a.Title)
	}
	return b.String()
}
