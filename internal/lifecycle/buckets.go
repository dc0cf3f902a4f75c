package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/yangwenmai/cadence/internal/model"
	"github.com/yangwenmai/cadence/internal/store"
)

// BucketView returns a bucket with its derived approval status. Artifact
// buckets include their artifacts; containers include their child buckets.
func (s *Service) BucketView(ctx context.Context, id string) (*model.BucketView, error) {
	b, err := s.store.GetBucket(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, b)
}

func (s *Service) view(ctx context.Context, b *model.Bucket) (*model.BucketView, error) {
	v := &model.BucketView{Bucket: *b}
	if b.HoldsArtifacts() {
		arts, err := s.store.ListArtifacts(ctx, model.ArtifactFilter{BucketID: b.ID})
		if err != nil {
			return nil, fmt.Errorf("list artifacts of %s: %w", b.ID, err)
		}
		statuses := make([]model.Status, len(arts))
		v.Counts = make(map[model.Status]int)
		for i, a := range arts {
			statuses[i] = a.Status
			v.Counts[a.Status]++
		}
		v.Artifacts = arts
		v.ApprovalStatus = model.ArtifactApproval(b, statuses)
		return v, nil
	}

	children, err := s.store.ListBuckets(ctx, store.BucketFilter{ParentID: b.ID})
	if err != nil {
		return nil, fmt.Errorf("list children of %s: %w", b.ID, err)
	}
	derived := make([]string, 0, len(children))
	for i := range children {
		cv, err := s.view(ctx, &children[i])
		if err != nil {
			return nil, err
		}
		derived = append(derived, cv.ApprovalStatus)
		v.Children = append(v.Children, *cv)
	}
	v.ApprovalStatus = model.ContainerApproval(b, derived)
	return v, nil
}

// ApproveBucket records approval of a bucket whose derived status is ready.
// Approving an approved bucket is a no-op.
func (s *Service) ApproveBucket(ctx context.Context, id string) (*model.BucketView, error) {
	v, err := s.BucketView(ctx, id)
	if err != nil {
		return nil, err
	}
	switch v.ApprovalStatus {
	case model.ApprovalApproved:
		return v, nil
	case model.ApprovalReady:
	default:
		return nil, model.Invalid("bucket", "bucket %s is %s, not ready for approval", id, v.ApprovalStatus)
	}
	if err := s.store.MarkBucketApproved(ctx, id, s.now().UTC()); err != nil {
		return nil, err
	}
	slog.Info("bucket approved", "bucket_id", id, "kind", v.Kind)
	return s.BucketView(ctx, id)
}

// Framing is a user change to a bucket's theme, thesis or goal. Nil fields
// are left alone.
type Framing struct {
	Theme  *string
	Thesis *string
	Goal   *string
}

// UpdateBucketFraming edits the framing that seeds later generation in the
// bucket. Existing content is not regenerated.
func (s *Service) UpdateBucketFraming(ctx context.Context, id string, f Framing) (*model.BucketView, error) {
	b, err := s.store.GetBucket(ctx, id)
	if err != nil {
		return nil, err
	}
	theme, thesis, goal := b.Theme, b.Thesis, b.Goal
	if f.Theme != nil {
		theme = *f.Theme
	}
	if f.Thesis != nil {
		thesis = *f.Thesis
	}
	if f.Goal != nil {
		goal = *f.Goal
	}
	if len([]rune(theme)) > 500 || len([]rune(thesis)) > 2000 || len([]rune(goal)) > 1000 {
		return nil, model.Invalid("framing", "theme, thesis or goal too long")
	}
	if err := s.store.UpdateBucketTheme(ctx, id, theme, thesis, goal); err != nil {
		return nil, err
	}
	slog.Info("bucket framing updated", "bucket_id", id)
	return s.BucketView(ctx, id)
}
