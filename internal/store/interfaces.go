package store

import (
	"context"
	"time"

	"github.com/yangwenmai/cadence/internal/model"
)

// BucketStore provides access to planning buckets.
type BucketStore interface {
	CreateBucket(ctx context.Context, b model.Bucket) error
	GetBucket(ctx context.Context, id string) (*model.Bucket, error)
	ListBuckets(ctx context.Context, f BucketFilter) ([]model.Bucket, error)
	LatestBucket(ctx context.Context, projectID, kind string) (*model.Bucket, error)
	UpdateBucketTheme(ctx context.Context, id, theme, thesis, goal string) error
	MarkBucketApproved(ctx context.Context, id string, at time.Time) error
	ClearBucketApproval(ctx context.Context, id string) error
}

// ArtifactReader provides read access to artifacts.
type ArtifactReader interface {
	GetArtifact(ctx context.Context, id string) (*model.Artifact, error)
	ListArtifacts(ctx context.Context, f model.ArtifactFilter) ([]model.Artifact, error)
	CountByStatus(ctx context.Context, bucketID string) (map[model.Status]int, error)
}

// ArtifactWriter provides write access to artifacts.
type ArtifactWriter interface {
	CreateArtifacts(ctx context.Context, bucketID string, artifacts []model.Artifact) error
	UpdateStatus(ctx context.Context, id string, u StatusUpdate) (*model.Artifact, error)
	UpdateFields(ctx context.Context, id string, version int, p ArtifactPatch) (*model.Artifact, error)
	ReplaceBucketArtifacts(ctx context.Context, bucketID string, replacements []model.Artifact) (int64, error)
}

// ArtifactClaimer provides the due-list and claim recovery used by the sweep.
type ArtifactClaimer interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]model.Artifact, error)
	ResetStaleClaims(ctx context.Context, cutoff time.Time) (int64, error)
}

// ArtifactStore combines all artifact operations.
type ArtifactStore interface {
	ArtifactReader
	ArtifactWriter
	ArtifactClaimer
}

// RunStore persists refinement runs and their iterations.
type RunStore interface {
	BeginRun(ctx context.Context, r model.AgentRun) error
	AppendIteration(ctx context.Context, it model.AgentIteration) (int, error)
	FinishRun(ctx context.Context, id, outcome, output string, errMsg *string) error
	FailInterruptedRuns(ctx context.Context) (int64, error)
	GetRun(ctx context.Context, id string) (*model.AgentRun, error)
	ListRuns(ctx context.Context, targetID string) ([]model.AgentRun, error)
}

// CommentStore provides access to user feedback.
type CommentStore interface {
	AddComment(ctx context.Context, c model.Comment) error
	ListComments(ctx context.Context, entityType, entityID string) ([]model.Comment, error)
}

// SettingsStore provides access to project settings and prompt presets.
type SettingsStore interface {
	GetSettings(ctx context.Context, projectID string) (model.ProjectSettings, error)
	PutSettings(ctx context.Context, ps model.ProjectSettings) error
	GetPreset(ctx context.Context, id string) (*model.PromptPreset, error)
	PutPreset(ctx context.Context, p model.PromptPreset) error
}

// AuditStore is the append-only audit log.
type AuditStore interface {
	AppendAudit(ctx context.Context, r model.AuditRecord) error
	ListAudit(ctx context.Context, entityID string) ([]model.AuditRecord, error)
}

// Repository combines every store role for the service layer.
type Repository interface {
	BucketStore
	ArtifactStore
	RunStore
	CommentStore
	SettingsStore
	AuditStore
}
