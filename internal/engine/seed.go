package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/yangwenmai/cadence/internal/model"
)

const maxReferenceRunes = 6000

// FeedbackProvider supplies user comments. Read-only.
type FeedbackProvider interface {
	ListComments(ctx context.Context, entityType, entityID string) ([]model.Comment, error)
}

// Framing is the bucket-level context a stage works within.
type Framing struct {
	Theme  string
	Thesis string
	Goal   string
	Period string
}

// Seed is the assembled context a run starts from. Sections render in
// precedence order: framing, brief, reference material, comments.
type Seed struct {
	Framing   Framing
	Task      string
	Brief     string
	Reference string
	Comments  []model.Comment
}

// Render builds the prompt for a creator stage.
func (s Seed) Render() string {
	var b strings.Builder
	b.WriteString("Sections below are ordered by precedence: when two sections conflict, the later one wins.\n")

	if f := s.Framing; f.Theme != "" || f.Thesis != "" || f.Goal != "" || f.Period != "" {
		b.WriteString("\n## Framing\n")
		writeField(&b, "Period", f.Period)
		writeField(&b, "Theme", f.Theme)
		writeField(&b, "Thesis", f.Thesis)
		writeField(&b, "Goal", f.Goal)
	}
	if s.Brief != "" {
		b.WriteString("\n## Brief\n")
		b.WriteString(strings.TrimSpace(s.Brief))
		b.WriteString("\n")
	}
	if s.Reference != "" {
		b.WriteString("\n## Reference material\n")
		b.WriteString(truncateRunes(strings.TrimSpace(s.Reference), maxReferenceRunes))
		b.WriteString("\n")
	}
	if len(s.Comments) > 0 {
		b.WriteString("\n## Feedback conversation (oldest first, latest turn wins)\n")
		for i, c := range s.Comments {
			writeTurn(&b, i+1, c)
		}
	}
	if s.Task != "" {
		b.WriteString("\n## Task\n")
		b.WriteString(strings.TrimSpace(s.Task))
		b.WriteString("\n")
	}
	return b.String()
}

// RenderReview builds the prompt for a critic stage.
func (s Seed) RenderReview(draft string) string {
	return s.Render() + "\n## Draft to review\n" + draft + "\n"
}

// RenderFix builds the prompt for a fixer stage. The critique is the last
// and highest-precedence section.
func (s Seed) RenderFix(draft string, v Verdict) string {
	var b strings.Builder
	b.WriteString(s.Render())
	b.WriteString("\n## Current draft\n")
	b.WriteString(draft)
	b.WriteString("\n\n## Critique\n")
	if len(v.Issues) == 0 {
		b.WriteString("- Improve the draft.\n")
	}
	for _, issue := range v.Issues {
		fmt.Fprintf(&b, "- %s\n", strings.TrimSpace(issue))
	}
	return b.String()
}

// writeTurn renders one comment as a dialogue turn spoken by its author role.
// Continuation lines are indented so a turn never reads as a new speaker.
func writeTurn(b *strings.Builder, n int, c model.Comment) {
	role := strings.TrimSpace(c.AuthorRole)
	if role == "" {
		role = model.CreatedByUser
	}
	speaker := strings.ToUpper(role[:1]) + role[1:]
	lines := strings.Split(strings.TrimSpace(c.Text), "\n")
	fmt.Fprintf(b, "Turn %d, %s: %s\n", n, speaker, strings.TrimSpace(lines[0]))
	for _, l := range lines[1:] {
		fmt.Fprintf(b, "    %s\n", strings.TrimSpace(l))
	}
}

func writeField(b *strings.Builder, name, value string) {
	if value != "" {
		fmt.Fprintf(b, "%s: %s\n", name, value)
	}
}

// Assembler gathers the context for a run from a bucket, its artifact,
// comments and reference material.
type Assembler struct {
	feedback  FeedbackProvider
	extractor ContentExtractor
}

// NewAssembler creates an Assembler. extractor may be nil to skip reference fetching.
func NewAssembler(feedback FeedbackProvider, extractor ContentExtractor) *Assembler {
	return &Assembler{feedback: feedback, extractor: extractor}
}

// ForArtifact assembles the seed for generating an artifact's content.
func (a *Assembler) ForArtifact(ctx context.Context, b *model.Bucket, art *model.Artifact, task string) (Seed, error) {
	s := Seed{
		Framing: framingOf(b),
		Task:    task,
		Brief:   artifactBrief(art),
	}
	comments, err := a.comments(ctx, model.EntityBucket, b.ID)
	if err != nil {
		return Seed{}, err
	}
	own, err := a.comments(ctx, model.EntityArtifact, art.ID)
	if err != nil {
		return Seed{}, err
	}
	s.Comments = append(comments, own...)
	sort.SliceStable(s.Comments, func(i, j int) bool {
		return s.Comments[i].CreatedAt.Before(s.Comments[j].CreatedAt)
	})

	if art.ReferenceURL != "" && a.extractor != nil {
		content, err := a.extractor.Extract(ctx, art.ReferenceURL)
		if err != nil {
			// Reference material is optional; generation proceeds without it.
			slog.Warn("reference extraction failed", "artifact_id", art.ID, "url", art.ReferenceURL, "error", err)
		} else {
			s.Reference = content.NormalizedText
		}
	}
	return s, nil
}

// ForBucket assembles the seed for a planning chain run on a bucket.
func (a *Assembler) ForBucket(ctx context.Context, b *model.Bucket, brief, task string) (Seed, error) {
	s := Seed{Framing: framingOf(b), Brief: brief, Task: task}
	comments, err := a.comments(ctx, model.EntityBucket, b.ID)
	if err != nil {
		return Seed{}, err
	}
	s.Comments = comments
	return s, nil
}

func (a *Assembler) comments(ctx context.Context, entityType, id string) ([]model.Comment, error) {
	if a.feedback == nil {
		return nil, nil
	}
	cs, err := a.feedback.ListComments(ctx, entityType, id)
	if err != nil {
		return nil, fmt.Errorf("list comments for %s %s: %w", entityType, id, err)
	}
	return cs, nil
}

func framingOf(b *model.Bucket) Framing {
	return Framing{
		Theme:  b.Theme,
		Thesis: b.Thesis,
		Goal:   b.Goal,
		Period: fmt.Sprintf("%s to %s", b.StartDate.Format(model.DateLayout), b.EndDate.Format(model.DateLayout)),
	}
}

func artifactBrief(a *model.Artifact) string {
	var b strings.Builder
	writeField(&b, "Topic", a.Title)
	writeField(&b, "Category", a.Category)
	if len(a.Tags) > 0 {
		writeField(&b, "Tags", strings.Join(a.Tags, ", "))
	}
	writeField(&b, "Publish at", a.PublishAt.Format("Mon 2006-01-02 15:04 MST"))
	if a.Brief != "" {
		b.WriteString(a.Brief)
		b.WriteString("\n")
	}
	return b.String()
}
