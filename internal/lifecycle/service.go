// Package lifecycle applies artifact and bucket state changes. Every change is
// checked against the transition table and written with a status and version
// compare-and-swap, so concurrent callers cannot both win.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yangwenmai/cadence/internal/audit"
	"github.com/yangwenmai/cadence/internal/channel"
	"github.com/yangwenmai/cadence/internal/engine"
	"github.com/yangwenmai/cadence/internal/model"
	"github.com/yangwenmai/cadence/internal/store"
)

const (
	postTask  = "Write the post for this slot. Return only the post text, without a preamble."
	imageTask = "Propose one image to accompany the post in the brief."
)

// SettingsProvider supplies project settings. Read-only.
type SettingsProvider interface {
	GetSettings(ctx context.Context, projectID string) (model.ProjectSettings, error)
}

// Service owns artifact lifecycle operations.
type Service struct {
	store     store.Repository
	settings  SettingsProvider
	runner    *engine.Runner
	assembler *engine.Assembler
	channel   channel.Adapter
	audit     *audit.Recorder
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the service's clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithSettings replaces the settings source. Defaults to the repository.
func WithSettings(p SettingsProvider) Option {
	return func(s *Service) { s.settings = p }
}

// New creates a Service.
func New(repo store.Repository, runner *engine.Runner, assembler *engine.Assembler, ch channel.Adapter, rec *audit.Recorder, opts ...Option) *Service {
	s := &Service{
		store:     repo,
		settings:  repo,
		runner:    runner,
		assembler: assembler,
		channel:   ch,
		audit:     rec,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetArtifact returns an artifact by id.
func (s *Service) GetArtifact(ctx context.Context, id string) (*model.Artifact, error) {
	return s.store.GetArtifact(ctx, id)
}

// GetRun returns a run with its iterations.
func (s *Service) GetRun(ctx context.Context, id string) (*model.AgentRun, error) {
	return s.store.GetRun(ctx, id)
}

// ListRuns returns the runs recorded against a target, newest first.
func (s *Service) ListRuns(ctx context.Context, targetID string) ([]model.AgentRun, error) {
	return s.store.ListRuns(ctx, targetID)
}

// transition applies ev to a as a compare-and-swap on its status and version.
func (s *Service) transition(ctx context.Context, a *model.Artifact, ev model.Event, opts model.TransitionOptions, patch store.ArtifactPatch) (*model.Artifact, error) {
	to, err := model.Next(a.Status, ev, opts)
	if err != nil {
		return nil, &model.StateTransitionError{ArtifactID: a.ID, From: a.Status, Event: ev}
	}
	updated, err := s.store.UpdateStatus(ctx, a.ID, store.StatusUpdate{
		From:    []model.Status{a.Status},
		To:      to,
		Version: a.Version,
		Patch:   patch,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("artifact transition", "artifact_id", a.ID, "event", ev, "from", a.Status, "to", to)
	return updated, nil
}

// ApproveTopic moves an artifact from topics_generated to topics_approved.
func (s *Service) ApproveTopic(ctx context.Context, id string) (*model.Artifact, error) {
	a, err := s.store.GetArtifact(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, a, model.EventApproveTopic, model.TransitionOptions{}, store.ArtifactPatch{})
}

// GenerateContent runs the post and image chains for an approved topic, or
// regenerates an already generated artifact. On failure the artifact is
// returned unchanged together with the error.
func (s *Service) GenerateContent(ctx context.Context, id string) (*model.Artifact, error) {
	a, err := s.store.GetArtifact(ctx, id)
	if err != nil {
		return nil, err
	}
	ev := model.EventGenerate
	if a.Status == model.StatusGenerated {
		ev = model.EventRegenerate
	}
	if _, err := model.Next(a.Status, ev, model.TransitionOptions{}); err != nil {
		return a, &model.StateTransitionError{ArtifactID: a.ID, From: a.Status, Event: ev}
	}

	b, err := s.store.GetBucket(ctx, a.BucketID)
	if err != nil {
		return a, err
	}
	ps, err := s.settings.GetSettings(ctx, a.ProjectID)
	if err != nil {
		return a, err
	}
	seed, err := s.assembler.ForArtifact(ctx, b, a, postTask)
	if err != nil {
		return a, err
	}
	target := engine.Target{Type: model.TargetArtifact, ID: a.ID, ProjectID: a.ProjectID}

	post, err := s.runner.Run(ctx, engine.Spec{
		Chain:     engine.ChainPost,
		Target:    target,
		Seed:      seed,
		PresetID:  ps.DefaultPresetID,
		MaxRounds: ps.MaxRounds,
		Validate:  nonEmpty,
	})
	if err != nil {
		return a, err
	}

	patch := store.ArtifactPatch{GeneratedText: &post.Output, ClearError: true}
	if ev == model.EventRegenerate {
		empty := ""
		patch.FinalText = &empty
	}

	imageSeed := engine.Seed{Framing: seed.Framing, Brief: post.Output, Task: imageTask}
	img, err := s.runner.Run(ctx, engine.Spec{
		Chain:    engine.ChainImage,
		Target:   target,
		Seed:     imageSeed,
		PresetID: ps.DefaultPresetID,
		Validate: func(out string) error {
			_, err := engine.ParseImagePrompt(out)
			return err
		},
	})
	if err != nil {
		// The post stands on its own; the image prompt can be regenerated.
		slog.Warn("image prompt generation failed", "artifact_id", a.ID, "error", err)
	} else if ip, perr := engine.ParseImagePrompt(img.Output); perr == nil {
		text := ip.Text()
		patch.ImagePrompt = &text
	}

	updated, err := s.transition(ctx, a, ev, model.TransitionOptions{}, patch)
	if err != nil {
		return a, err
	}
	slog.Info("content generated", "artifact_id", a.ID, "run_id", post.RunID, "outcome", post.Outcome)
	return updated, nil
}

func nonEmpty(out string) error {
	if strings.TrimSpace(out) == "" {
		return errors.New("empty output")
	}
	return nil
}

// ApproveArtifact schedules generated content. With native scheduling the
// channel is asked to schedule the message first and its id is stored.
func (s *Service) ApproveArtifact(ctx context.Context, id string) (*model.Artifact, error) {
	a, err := s.store.GetArtifact(ctx, id)
	if err != nil {
		return nil, err
	}
	ps, err := s.settings.GetSettings(ctx, a.ProjectID)
	if err != nil {
		return nil, err
	}
	opts := model.TransitionOptions{NativeScheduling: ps.NativeScheduling}
	if _, err := model.Next(a.Status, model.EventApprove, opts); err != nil {
		return nil, &model.StateTransitionError{ArtifactID: a.ID, From: a.Status, Event: model.EventApprove}
	}
	if strings.TrimSpace(a.Text()) == "" {
		return nil, model.Invalid("text", "artifact %s has no content to schedule", a.ID)
	}

	var patch store.ArtifactPatch
	if ps.NativeScheduling {
		if ps.ChannelRef == "" {
			return nil, model.Invalid("channel_ref", "native scheduling needs a channel")
		}
		r, err := s.channel.ScheduleNative(ctx, ps.ChannelRef, message(a), a.PublishAt)
		if err != nil {
			return nil, err
		}
		patch.ExternalID = &r.ExternalID
	}

	updated, err := s.transition(ctx, a, model.EventApprove, opts, patch)
	if err != nil && patch.ExternalID != nil {
		slog.Error("native schedule orphaned by failed approval", "artifact_id", a.ID, "external_id", *patch.ExternalID, "error", err)
	}
	return updated, err
}

// Edit is a user change to an artifact. Nil fields are left alone.
type Edit struct {
	Version      int
	Title        *string
	Brief        *string
	Tags         []string
	ReferenceURL *string
	FinalText    *string
	ImageURL     *string
	PublishAt    *time.Time
}

// EditArtifact applies a user edit guarded by the artifact's version.
func (s *Service) EditArtifact(ctx context.Context, id string, e Edit) (*model.Artifact, error) {
	if e.Version <= 0 {
		return nil, model.Invalid("version", "required")
	}
	a, err := s.store.GetArtifact(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.Status.Editable() {
		return nil, &model.StateTransitionError{ArtifactID: a.ID, From: a.Status, Event: model.EventEdit}
	}
	if e.PublishAt != nil {
		b, err := s.store.GetBucket(ctx, a.BucketID)
		if err != nil {
			return nil, err
		}
		ps, err := s.settings.GetSettings(ctx, a.ProjectID)
		if err != nil {
			return nil, err
		}
		loc, err := ps.Location()
		if err != nil {
			return nil, err
		}
		if !b.Contains(*e.PublishAt, loc) {
			return nil, model.Invalid("publish_at", "%s is outside bucket %s to %s",
				e.PublishAt.Format(time.RFC3339), b.StartDate.Format(model.DateLayout), b.EndDate.Format(model.DateLayout))
		}
		t := e.PublishAt.UTC()
		e.PublishAt = &t
	}
	if e.Title != nil && strings.TrimSpace(*e.Title) == "" {
		return nil, model.Invalid("title", "must not be empty")
	}
	return s.store.UpdateFields(ctx, id, e.Version, store.ArtifactPatch{
		Title:        e.Title,
		Brief:        e.Brief,
		Tags:         e.Tags,
		ReferenceURL: e.ReferenceURL,
		FinalText:    e.FinalText,
		ImageURL:     e.ImageURL,
		PublishAt:    e.PublishAt,
	})
}

// FailArtifact marks a non-terminal artifact failed.
func (s *Service) FailArtifact(ctx context.Context, id, reason string) (*model.Artifact, error) {
	a, err := s.store.GetArtifact(ctx, id)
	if err != nil {
		return nil, err
	}
	info := model.NewErrorInfo("manual", errors.New(reason)).ToJSON()
	updated, err := s.transition(ctx, a, model.EventFail, model.TransitionOptions{}, store.ArtifactPatch{LastError: &info, ClearClaim: true})
	if err != nil {
		return nil, err
	}
	s.audit.Try(ctx, audit.ActionFail, id, map[string]string{"reason": reason, "from": string(a.Status)}, string(updated.Status), reason)
	return updated, nil
}

// Reopen returns a published or failed artifact to generated. It is an
// administrative override and is always audited.
func (s *Service) Reopen(ctx context.Context, id, reason string) (*model.Artifact, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, model.Invalid("reason", "required")
	}
	a, err := s.store.GetArtifact(ctx, id)
	if err != nil {
		return nil, err
	}
	updated, err := s.transition(ctx, a, model.EventOverride, model.TransitionOptions{}, store.ArtifactPatch{
		ClearError:    true,
		ResetAttempts: true,
		ClearClaim:    true,
	})
	if err != nil {
		return nil, err
	}
	inputs := map[string]any{"artifact_id": id, "from": a.Status, "version": a.Version, "reason": reason}
	if _, err := s.audit.Record(ctx, audit.ActionReopen, id, inputs, string(updated.Status), reason); err != nil {
		return nil, fmt.Errorf("audit reopen: %w", err)
	}
	return updated, nil
}

// AddComment attaches user feedback to an artifact or bucket.
func (s *Service) AddComment(ctx context.Context, entityType, entityID, text string) (*model.Comment, error) {
	if strings.TrimSpace(text) == "" {
		return nil, model.Invalid("text", "must not be empty")
	}
	var err error
	switch entityType {
	case model.EntityArtifact:
		_, err = s.store.GetArtifact(ctx, entityID)
	case model.EntityBucket:
		_, err = s.store.GetBucket(ctx, entityID)
	default:
		return nil, model.Invalid("entity_type", "unknown entity type %q", entityType)
	}
	if err != nil {
		return nil, err
	}
	c := model.Comment{
		ID:         uuid.NewString(),
		EntityType: entityType,
		EntityID:   entityID,
		Text:       text,
		AuthorRole: model.CreatedByUser,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.AddComment(ctx, c); err != nil {
		return nil, err
	}
	return &c, nil
}

func message(a *model.Artifact) channel.Message {
	return channel.Message{ArtifactID: a.ID, Text: a.Text(), ImageURL: a.ImageURL}
}
