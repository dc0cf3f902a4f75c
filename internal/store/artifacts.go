package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yangwenmai/cadence/internal/model"
)

const artifactColumns = `id, project_id, bucket_id, kind, slot, title, category, tags, brief, reference_url,
	generated_text, final_text, image_prompt, image_url, publish_at, status, delivery_attempts,
	last_error, external_id, claimed_from, claimed_at, published_at, version, created_at, updated_at`

// StatusUpdate is a compare-and-swap status change. The row is updated only
// while its status is one of From (and, when Version is set, its version
// matches). Patch fields are applied in the same statement.
type StatusUpdate struct {
	From    []model.Status
	To      model.Status
	Version int
	Patch   ArtifactPatch
}

// ArtifactPatch lists optional column updates. Nil fields are left alone.
type ArtifactPatch struct {
	Title         *string
	Category      *string
	Tags          []string
	Brief         *string
	ReferenceURL  *string
	GeneratedText *string
	FinalText     *string
	ImagePrompt   *string
	ImageURL      *string
	PublishAt     *time.Time
	ExternalID    *string
	LastError     *string
	PublishedAt   *time.Time

	ClearError    bool
	ResetAttempts bool
	IncAttempts   bool // adds one to delivery_attempts

	// Claim records the current status as claimed_from and stamps claimed_at.
	Claim *time.Time

	// ClearClaim drops claimed_from and claimed_at.
	ClearClaim bool
}

func (p ArtifactPatch) apply(sets []string, args []any) ([]string, []any, error) {
	str := func(col string, v *string) {
		if v != nil {
			sets = append(sets, col+" = ?")
			args = append(args, *v)
		}
	}
	str("title", p.Title)
	str("category", p.Category)
	str("brief", p.Brief)
	str("reference_url", p.ReferenceURL)
	str("generated_text", p.GeneratedText)
	str("final_text", p.FinalText)
	str("image_prompt", p.ImagePrompt)
	str("image_url", p.ImageURL)
	str("external_id", p.ExternalID)
	str("last_error", p.LastError)
	if p.Tags != nil {
		b, err := json.Marshal(model.NormalizeTags(p.Tags))
		if err != nil {
			return nil, nil, err
		}
		sets = append(sets, "tags = ?")
		args = append(args, string(b))
	}
	if p.PublishAt != nil {
		sets = append(sets, "publish_at = ?")
		args = append(args, fmtTime(*p.PublishAt))
	}
	if p.PublishedAt != nil {
		sets = append(sets, "published_at = ?")
		args = append(args, fmtTime(*p.PublishedAt))
	}
	if p.ClearError {
		sets = append(sets, "last_error = NULL")
	}
	if p.ResetAttempts {
		sets = append(sets, "delivery_attempts = 0")
	}
	if p.IncAttempts {
		sets = append(sets, "delivery_attempts = delivery_attempts + 1")
	}
	if p.Claim != nil {
		// Right-hand sides see the pre-update row, so this captures the old status.
		sets = append(sets, "claimed_from = status", "claimed_at = ?")
		args = append(args, fmtTime(*p.Claim))
	}
	if p.ClearClaim {
		sets = append(sets, "claimed_from = NULL", "claimed_at = NULL")
	}
	return sets, args, nil
}

// CreateArtifacts inserts artifacts into a bucket. The whole batch is rejected
// when any slot is out of range or taken, so the bucket never exceeds capacity.
// New slots drop any previous bucket approval.
func (s *Store) CreateArtifacts(ctx context.Context, bucketID string, artifacts []model.Artifact) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertArtifacts(ctx, tx, bucketID, artifacts); err != nil {
		return err
	}
	return tx.Commit()
}

func insertArtifacts(ctx context.Context, tx *sql.Tx, bucketID string, artifacts []model.Artifact) error {
	var capacity int
	if err := tx.QueryRowContext(ctx, `SELECT capacity FROM buckets WHERE id = ?`, bucketID).Scan(&capacity); err != nil {
		return fmt.Errorf("load bucket %s: %w", bucketID, notFound(err))
	}

	taken := make(map[int]bool)
	rows, err := tx.QueryContext(ctx, `SELECT slot FROM artifacts WHERE bucket_id = ?`, bucketID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var slot int
		if err := rows.Scan(&slot); err != nil {
			rows.Close()
			return err
		}
		taken[slot] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if len(taken)+len(artifacts) > capacity {
		return model.Invalid("slots", "bucket %s holds %d of %d, cannot add %d", bucketID, len(taken), capacity, len(artifacts))
	}
	for _, a := range artifacts {
		if a.BucketID != bucketID {
			return model.Invalid("bucket_id", "artifact %s belongs to %s", a.ID, a.BucketID)
		}
		if a.Slot < 0 || a.Slot >= capacity {
			return model.Invalid("slot", "slot %d outside capacity %d", a.Slot, capacity)
		}
		if taken[a.Slot] {
			return model.Invalid("slot", "slot %d already filled", a.Slot)
		}
		taken[a.Slot] = true

		tags, err := json.Marshal(model.NormalizeTags(a.Tags))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO artifacts (`+artifactColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.ProjectID, a.BucketID, a.Kind, a.Slot, a.Title, a.Category, string(tags), a.Brief, a.ReferenceURL,
			a.GeneratedText, a.FinalText, a.ImagePrompt, a.ImageURL, fmtTime(a.PublishAt), string(a.Status), a.DeliveryAttempts,
			a.LastError, a.ExternalID, nullString(string(a.ClaimedFrom)), fmtTimePtr(a.ClaimedAt), fmtTimePtr(a.PublishedAt),
			a.Version, fmtTime(a.CreatedAt), fmtTime(a.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert artifact slot %d: %w", a.Slot, err)
		}
	}
	if len(artifacts) > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE buckets SET approved_at = NULL, updated_at = ? WHERE id = ? AND approved_at IS NOT NULL`,
			fmtTime(time.Now()), bucketID); err != nil {
			return fmt.Errorf("clear bucket approval: %w", err)
		}
	}
	return nil
}

// GetArtifact returns an artifact by id.
func (s *Store) GetArtifact(ctx context.Context, id string) (*model.Artifact, error) {
	a, err := scanArtifact(s.db.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return a, nil
}

// ListArtifacts returns artifacts matching the filter ordered by publish time.
func (s *Store) ListArtifacts(ctx context.Context, f model.ArtifactFilter) ([]model.Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts`
	var conditions []string
	var args []any
	if f.ProjectID != "" {
		conditions = append(conditions, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.BucketID != "" {
		conditions = append(conditions, "bucket_id = ?")
		args = append(args, f.BucketID)
	}
	if len(f.Status) > 0 {
		conditions = append(conditions, "status IN ("+placeholders(len(f.Status))+")")
		args = append(args, statusArgs(f.Status)...)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY publish_at ASC, slot ASC"
	return s.queryArtifacts(ctx, query, args...)
}

// ListDue returns scheduled artifacts whose publish time is at or before now,
// oldest first.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]model.Artifact, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryArtifacts(ctx, `
		SELECT `+artifactColumns+` FROM artifacts
		WHERE status IN (?, ?) AND publish_at <= ?
		ORDER BY publish_at ASC LIMIT ?`,
		string(model.StatusScheduled), string(model.StatusScheduledNative), fmtTime(now), limit)
}

// UpdateStatus applies a compare-and-swap status change and returns the
// updated row. When no row matches it returns model.ErrNotFound if the
// artifact does not exist, or a *model.ConflictError if it is no longer in
// an expected state.
func (s *Store) UpdateStatus(ctx context.Context, id string, u StatusUpdate) (*model.Artifact, error) {
	if len(u.From) == 0 {
		return nil, errors.New("update status: no source statuses")
	}
	now := time.Now()
	sets := []string{"status = ?", "version = version + 1", "updated_at = ?"}
	args := []any{string(u.To), fmtTime(now)}
	sets, args, err := u.Patch.apply(sets, args)
	if err != nil {
		return nil, err
	}

	query := `UPDATE artifacts SET ` + strings.Join(sets, ", ") +
		` WHERE id = ? AND status IN (` + placeholders(len(u.From)) + `)`
	args = append(args, id)
	args = append(args, statusArgs(u.From)...)
	if u.Version > 0 {
		query += ` AND version = ?`
		args = append(args, u.Version)
	}
	query += ` RETURNING ` + artifactColumns

	a, err := scanArtifact(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := s.GetArtifact(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, &model.ConflictError{Resource: "artifact", ID: id}
	}
	return a, err
}

// UpdateFields changes content fields without touching status. The version
// must match when non-zero.
func (s *Store) UpdateFields(ctx context.Context, id string, version int, p ArtifactPatch) (*model.Artifact, error) {
	sets := []string{"version = version + 1", "updated_at = ?"}
	args := []any{fmtTime(time.Now())}
	sets, args, err := p.apply(sets, args)
	if err != nil {
		return nil, err
	}
	query := `UPDATE artifacts SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	args = append(args, id)
	if version > 0 {
		query += ` AND version = ?`
		args = append(args, version)
	}
	query += ` RETURNING ` + artifactColumns

	a, err := scanArtifact(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := s.GetArtifact(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, &model.ConflictError{Resource: "artifact", ID: id}
	}
	return a, err
}

// ResetStaleClaims returns artifacts stuck in publishing since before cutoff
// to the status they were claimed from (for server restart).
func (s *Store) ResetStaleClaims(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE artifacts
		SET status = claimed_from, claimed_from = NULL, claimed_at = NULL,
		    version = version + 1, updated_at = ?
		WHERE status = ? AND claimed_from IS NOT NULL AND claimed_at < ?`,
		fmtTime(time.Now()), string(model.StatusPublishing), fmtTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReplaceBucketArtifacts swaps every artifact of a bucket for replacements in
// one transaction and clears the bucket approval. It refuses, and changes
// nothing, when any current artifact has already been handed to the channel.
// It returns how many artifacts were removed.
func (s *Store) ReplaceBucketArtifacts(ctx context.Context, bucketID string, replacements []model.Artifact) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id, status FROM artifacts WHERE bucket_id = ?`, bucketID)
	if err != nil {
		return 0, err
	}
	var blocked *model.StateTransitionError
	for rows.Next() {
		var id, st string
		if err := rows.Scan(&id, &st); err != nil {
			rows.Close()
			return 0, err
		}
		if blocked == nil && !model.Status(st).Deletable() {
			blocked = &model.StateTransitionError{ArtifactID: id, From: model.Status(st), Event: model.EventRegenerate}
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if blocked != nil {
		return 0, blocked
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM artifacts WHERE bucket_id = ?`, bucketID)
	if err != nil {
		return 0, fmt.Errorf("delete artifacts: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := insertArtifacts(ctx, tx, bucketID, replacements); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE buckets SET approved_at = NULL, updated_at = ? WHERE id = ?`, fmtTime(time.Now()), bucketID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return deleted, nil
}

// CountByStatus returns the number of artifacts per status in a bucket.
func (s *Store) CountByStatus(ctx context.Context, bucketID string) (map[model.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM artifacts WHERE bucket_id = ? GROUP BY status`, bucketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[model.Status]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[model.Status(st)] = n
	}
	return counts, rows.Err()
}

func (s *Store) queryArtifacts(ctx context.Context, query string, args ...any) ([]model.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanArtifact(row scanner) (*model.Artifact, error) {
	var (
		a                       model.Artifact
		tags, publishAt, status string
		lastError, claimedFrom  sql.NullString
		claimedAt, publishedAt  sql.NullString
		createdAt, updatedAt    string
	)
	err := row.Scan(&a.ID, &a.ProjectID, &a.BucketID, &a.Kind, &a.Slot, &a.Title, &a.Category, &tags, &a.Brief, &a.ReferenceURL,
		&a.GeneratedText, &a.FinalText, &a.ImagePrompt, &a.ImageURL, &publishAt, &status, &a.DeliveryAttempts,
		&lastError, &a.ExternalID, &claimedFrom, &claimedAt, &publishedAt, &a.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &a.Tags); err != nil || a.Tags == nil {
		a.Tags = []string{}
	}
	a.PublishAt = parseTime(publishAt)
	a.Status = model.Status(status)
	a.LastError = stringPtr(lastError)
	a.ClaimedFrom = model.Status(claimedFrom.String)
	a.ClaimedAt = parseTimePtr(claimedAt)
	a.PublishedAt = parseTimePtr(publishedAt)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}
