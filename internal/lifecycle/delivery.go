package lifecycle

import (
	"context"
	"log/slog"

	"github.com/yangwenmai/cadence/internal/audit"
	"github.com/yangwenmai/cadence/internal/model"
	"github.com/yangwenmai/cadence/internal/store"
)

// Delivery outcomes.
const (
	Delivered = "published"
	Released  = "released"
	Pending   = "pending"
	Failed    = "failed"
)

// Delivery reports what happened to a claimed artifact.
type Delivery struct {
	Outcome  string
	Artifact *model.Artifact
	Err      error
}

// Claim moves a due artifact to publishing. A lost race returns a
// *model.ConflictError and leaves the artifact to whoever won.
func (s *Service) Claim(ctx context.Context, a *model.Artifact) (*model.Artifact, error) {
	if a.PublishAt.After(s.now()) {
		return nil, &model.StateTransitionError{ArtifactID: a.ID, From: a.Status, Event: model.EventClaim}
	}
	now := s.now().UTC()
	return s.transition(ctx, a, model.EventClaim, model.TransitionOptions{}, store.ArtifactPatch{Claim: &now})
}

// PublishNow claims a generated or scheduled artifact and sends it
// immediately. A failed send is returned after the artifact is released.
func (s *Service) PublishNow(ctx context.Context, id string) (*model.Artifact, error) {
	a, err := s.store.GetArtifact(ctx, id)
	if err != nil {
		return nil, err
	}
	ps, err := s.settings.GetSettings(ctx, a.ProjectID)
	if err != nil {
		return nil, err
	}
	if _, err := model.Next(a.Status, model.EventClaimNow, model.TransitionOptions{}); err != nil {
		return nil, &model.StateTransitionError{ArtifactID: a.ID, From: a.Status, Event: model.EventClaimNow}
	}
	now := s.now().UTC()
	claimed, err := s.transition(ctx, a, model.EventClaimNow, model.TransitionOptions{}, store.ArtifactPatch{Claim: &now})
	if err != nil {
		return nil, err
	}
	d := s.Deliver(ctx, claimed, ps)
	if d.Artifact == nil {
		d.Artifact = claimed
	}
	return d.Artifact, d.Err
}

// Deliver hands a claimed artifact to the channel and settles its status.
// Natively scheduled artifacts are confirmed rather than sent. A failure is
// released for a later retry until the attempt budget is spent, after which
// the artifact fails.
func (s *Service) Deliver(ctx context.Context, a *model.Artifact, ps model.ProjectSettings) Delivery {
	log := slog.With("artifact_id", a.ID, "claimed_from", a.ClaimedFrom)

	var externalID string
	var sendErr error
	if a.ClaimedFrom == model.StatusScheduledNative {
		c, err := s.channel.Confirm(ctx, ps.ChannelRef, a.ExternalID)
		switch {
		case err != nil:
			sendErr = err
		case !c.Delivered:
			return s.release(ctx, a, nil)
		default:
			externalID = a.ExternalID
		}
	} else {
		r, err := s.channel.Send(ctx, ps.ChannelRef, message(a))
		if err != nil {
			sendErr = err
		} else {
			externalID = r.ExternalID
		}
	}

	if sendErr == nil {
		now := s.now().UTC()
		published, err := s.settle(ctx, a, model.EventDeliver, store.ArtifactPatch{
			ExternalID:  &externalID,
			PublishedAt: &now,
			ClearError:  true,
			ClearClaim:  true,
		})
		if err != nil {
			log.Error("delivered but could not record publication", "external_id", externalID, "error", err)
			return Delivery{Outcome: Delivered, Err: err}
		}
		log.Info("artifact published", "external_id", externalID)
		s.audit.Try(ctx, audit.ActionDeliver, a.ID, map[string]any{"external_id": externalID, "attempt": a.DeliveryAttempts + 1}, Delivered, "")
		return Delivery{Outcome: Delivered, Artifact: published}
	}

	attempts := a.DeliveryAttempts + 1
	if !model.IsRetryable(sendErr) || attempts >= ps.MaxDeliveryAttempts {
		info := model.NewErrorInfo("deliver", sendErr).ToJSON()
		failed, err := s.settle(ctx, a, model.EventFail, store.ArtifactPatch{
			LastError:   &info,
			IncAttempts: true,
			ClearClaim:  true,
		})
		if err != nil {
			log.Error("failed to record delivery failure", "error", err)
			return Delivery{Outcome: Failed, Err: sendErr}
		}
		log.Warn("artifact failed", "attempts", attempts, "error", sendErr)
		s.audit.Try(ctx, audit.ActionFail, a.ID, map[string]any{"attempts": attempts, "error": sendErr.Error()}, Failed, info)
		return Delivery{Outcome: Failed, Artifact: failed, Err: sendErr}
	}

	log.Warn("delivery failed, releasing", "attempts", attempts, "error", sendErr)
	return s.release(ctx, a, sendErr)
}

// release returns a claimed artifact to the status it was claimed from. A
// non-nil cause counts as a delivery attempt.
func (s *Service) release(ctx context.Context, a *model.Artifact, cause error) Delivery {
	patch := store.ArtifactPatch{ClearClaim: true}
	outcome := Pending
	if cause != nil {
		info := model.NewErrorInfo("deliver", cause).ToJSON()
		patch.LastError = &info
		patch.IncAttempts = true
		outcome = Released
	}
	released, err := s.settle(ctx, a, model.EventRelease, patch)
	if err != nil {
		slog.Error("failed to release claim", "artifact_id", a.ID, "error", err)
		if cause == nil {
			cause = err
		}
		return Delivery{Outcome: outcome, Err: cause}
	}
	return Delivery{Outcome: outcome, Artifact: released, Err: cause}
}

// settle finishes a claim. It ignores cancellation so a claim taken before a
// shutdown is not left in publishing.
func (s *Service) settle(ctx context.Context, a *model.Artifact, ev model.Event, patch store.ArtifactPatch) (*model.Artifact, error) {
	return s.transition(context.WithoutCancel(ctx), a, ev, model.TransitionOptions{ClaimedFrom: a.ClaimedFrom}, patch)
}
