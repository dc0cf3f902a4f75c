package model

import (
	"sort"
	"strings"
	"time"
)

// Artifact kinds. Posts belong to the tactical track (Week), content items to
// the strategic track (WeekPackage).
const (
	KindPost        = "post"
	KindContentItem = "content_item"
)

// Created-by constants
const (
	CreatedBySystem = "system"
	CreatedByUser   = "user"
)

// Artifact is a single publishable unit of content.
type Artifact struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	BucketID  string `json:"bucket_id"`
	Kind      string `json:"kind"`
	Slot      int    `json:"slot"`

	Title         string   `json:"title"`
	Category      string   `json:"category,omitempty"`
	Tags          []string `json:"tags"`
	Brief         string   `json:"brief,omitempty"`
	ReferenceURL  string   `json:"reference_url,omitempty"`
	GeneratedText string   `json:"generated_text,omitempty"`
	FinalText     string   `json:"final_text,omitempty"`
	ImagePrompt   string   `json:"image_prompt,omitempty"`
	ImageURL      string   `json:"image_url,omitempty"`

	PublishAt time.Time `json:"publish_at"`
	Status    Status    `json:"status"`

	DeliveryAttempts int        `json:"delivery_attempts"`
	LastError        *string    `json:"last_error,omitempty"`
	ExternalID       string     `json:"external_id,omitempty"`
	ClaimedFrom      Status     `json:"claimed_from,omitempty"`
	ClaimedAt        *time.Time `json:"claimed_at,omitempty"`
	PublishedAt      *time.Time `json:"published_at,omitempty"`

	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewArtifact creates an empty artifact for a bucket slot in topics_generated.
func NewArtifact(id string, b *Bucket, slot int, publishAt time.Time) Artifact {
	now := time.Now().UTC()
	return Artifact{
		ID:        id,
		ProjectID: b.ProjectID,
		BucketID:  b.ID,
		Kind:      b.ArtifactKind(),
		Slot:      slot,
		Tags:      []string{},
		PublishAt: publishAt.UTC(),
		Status:    StatusTopicsGenerated,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Text returns the text to publish: the user's final edit when present,
// otherwise the generated draft.
func (a *Artifact) Text() string {
	if strings.TrimSpace(a.FinalText) != "" {
		return a.FinalText
	}
	return a.GeneratedText
}

// NormalizeTags trims, lowercases and deduplicates tags, returning them sorted.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(t), "#")))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ArtifactFilter holds query parameters for listing artifacts.
type ArtifactFilter struct {
	ProjectID string
	BucketID  string
	Status    []Status
}
