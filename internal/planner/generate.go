package planner

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/yangwenmai/cadence/internal/model"
)

// GenerateResult reports a bucket-wide generation pass.
type GenerateResult struct {
	Generated []string          `json:"generated"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// GenerateBucket generates content for every approved topic in a bucket with
// bounded concurrency. One artifact failing does not stop the others.
func (p *Planner) GenerateBucket(ctx context.Context, bucketID string) (*GenerateResult, error) {
	if p.generator == nil {
		return nil, model.Invalid("", "content generation is not configured")
	}
	if _, err := p.store.GetBucket(ctx, bucketID); err != nil {
		return nil, err
	}
	arts, err := p.store.ListArtifacts(ctx, model.ArtifactFilter{
		BucketID: bucketID,
		Status:   []model.Status{model.StatusTopicsApproved},
	})
	if err != nil {
		return nil, err
	}

	res := &GenerateResult{Failed: make(map[string]string)}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, a := range arts {
		id := a.ID
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			_, err := p.generator.GenerateContent(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Warn("generation failed", "artifact_id", id, "error", err)
				res.Failed[id] = err.Error()
				return nil
			}
			res.Generated = append(res.Generated, id)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	slog.Info("bucket generated", "bucket_id", bucketID, "generated", len(res.Generated), "failed", len(res.Failed))
	return res, nil
}
