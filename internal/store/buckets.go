package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yangwenmai/cadence/internal/model"
)

const bucketColumns = `id, project_id, parent_id, kind, start_date, end_date, theme, thesis, goal, capacity, approved_at, created_at, updated_at`

// BucketFilter holds query parameters for listing buckets.
type BucketFilter struct {
	ProjectID string
	Kind      string
	ParentID  string
}

// CreateBucket inserts a bucket. It rejects a bucket that overlaps another of
// the same project and kind, or that escapes its parent's date range.
func (s *Store) CreateBucket(ctx context.Context, b model.Bucket) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if b.ParentID != "" {
		parent, err := scanBucket(tx.QueryRowContext(ctx, `SELECT `+bucketColumns+` FROM buckets WHERE id = ?`, b.ParentID))
		if err != nil {
			return fmt.Errorf("load parent %s: %w", b.ParentID, notFound(err))
		}
		if !b.Within(parent) {
			return model.Invalid("start_date", "bucket %s..%s is outside parent %s", b.StartDate.Format(model.DateLayout), b.EndDate.Format(model.DateLayout), parent.ID)
		}
	}

	var clash string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM buckets
		WHERE project_id = ? AND kind = ? AND start_date <= ? AND end_date >= ?
		LIMIT 1`,
		b.ProjectID, b.Kind, b.EndDate.Format(model.DateLayout), b.StartDate.Format(model.DateLayout),
	).Scan(&clash)
	switch {
	case err == nil:
		return model.Invalid("start_date", "overlaps %s bucket %s", b.Kind, clash)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("check overlap: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO buckets (`+bucketColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.ProjectID, nullString(b.ParentID), b.Kind,
		b.StartDate.Format(model.DateLayout), b.EndDate.Format(model.DateLayout),
		b.Theme, b.Thesis, b.Goal, b.Capacity, fmtTimePtr(b.ApprovedAt),
		fmtTime(b.CreatedAt), fmtTime(b.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert bucket: %w", err)
	}
	return tx.Commit()
}

// GetBucket returns a bucket by id.
func (s *Store) GetBucket(ctx context.Context, id string) (*model.Bucket, error) {
	b, err := scanBucket(s.db.QueryRowContext(ctx, `SELECT `+bucketColumns+` FROM buckets WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return b, nil
}

// ListBuckets returns buckets matching the filter ordered by start date.
func (s *Store) ListBuckets(ctx context.Context, f BucketFilter) ([]model.Bucket, error) {
	query := `SELECT ` + bucketColumns + ` FROM buckets`
	var conditions []string
	var args []any
	if f.ProjectID != "" {
		conditions = append(conditions, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.ParentID != "" {
		conditions = append(conditions, "parent_id = ?")
		args = append(args, f.ParentID)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY start_date ASC, created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Bucket
	for rows.Next() {
		b, err := scanBucket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// LatestBucket returns the bucket of the given kind with the latest end date,
// or nil when the project has none.
func (s *Store) LatestBucket(ctx context.Context, projectID, kind string) (*model.Bucket, error) {
	b, err := scanBucket(s.db.QueryRowContext(ctx, `
		SELECT `+bucketColumns+` FROM buckets
		WHERE project_id = ? AND kind = ?
		ORDER BY end_date DESC LIMIT 1`, projectID, kind))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

// UpdateBucketTheme replaces the descriptive fields produced by planning chains.
func (s *Store) UpdateBucketTheme(ctx context.Context, id, theme, thesis, goal string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE buckets SET theme = ?, thesis = ?, goal = ?, updated_at = ? WHERE id = ?`,
		theme, thesis, goal, fmtTime(time.Now()), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// MarkBucketApproved records the bucket approval instant.
func (s *Store) MarkBucketApproved(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE buckets SET approved_at = ?, updated_at = ? WHERE id = ?`,
		fmtTime(at), fmtTime(at), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// ClearBucketApproval drops a previous approval after the bucket's contents change.
func (s *Store) ClearBucketApproval(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE buckets SET approved_at = NULL, updated_at = ? WHERE id = ?`,
		fmtTime(time.Now()), id)
	return err
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func scanBucket(row scanner) (*model.Bucket, error) {
	var (
		b                    model.Bucket
		parent, approved     sql.NullString
		start, end           string
		createdAt, updatedAt string
	)
	err := row.Scan(&b.ID, &b.ProjectID, &parent, &b.Kind, &start, &end,
		&b.Theme, &b.Thesis, &b.Goal, &b.Capacity, &approved, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	b.ParentID = parent.String
	b.StartDate, _ = time.Parse(model.DateLayout, start)
	b.EndDate, _ = time.Parse(model.DateLayout, end)
	b.ApprovedAt = parseTimePtr(approved)
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	return &b, nil
}
