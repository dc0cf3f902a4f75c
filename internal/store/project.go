package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/yangwenmai/cadence/internal/model"
)

// ---------------------------------------------------------------------------
// Comments
// ---------------------------------------------------------------------------

// AddComment inserts a comment.
func (s *Store) AddComment(ctx context.Context, c model.Comment) error {
	if c.AuthorRole == "" {
		c.AuthorRole = model.CreatedByUser
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO comments (id, entity_type, entity_id, text, author_role, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.EntityType, c.EntityID, c.Text, c.AuthorRole, fmtTime(c.CreatedAt),
	)
	return err
}

// ListComments returns the comments on an entity, oldest first.
func (s *Store) ListComments(ctx context.Context, entityType, entityID string) ([]model.Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, text, author_role, created_at
		FROM comments WHERE entity_type = ? AND entity_id = ?
		ORDER BY created_at ASC, rowid ASC`, entityType, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Comment
	for rows.Next() {
		var c model.Comment
		var createdAt string
		if err := rows.Scan(&c.ID, &c.EntityType, &c.EntityID, &c.Text, &c.AuthorRole, &createdAt); err != nil {
			return nil, err
		}
		c.CreatedAt = parseTime(createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Settings and presets
// ---------------------------------------------------------------------------

// GetSettings returns the project's settings, or the defaults when none are stored.
func (s *Store) GetSettings(ctx context.Context, projectID string) (model.ProjectSettings, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM project_settings WHERE project_id = ?`, projectID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DefaultSettings(projectID), nil
	}
	if err != nil {
		return model.ProjectSettings{}, err
	}
	var ps model.ProjectSettings
	if err := json.Unmarshal([]byte(payload), &ps); err != nil {
		return model.ProjectSettings{}, fmt.Errorf("decode settings for %s: %w", projectID, err)
	}
	ps.ProjectID = projectID
	return ps.Normalize(), nil
}

// PutSettings stores the project's settings.
func (s *Store) PutSettings(ctx context.Context, ps model.ProjectSettings) error {
	payload, err := json.Marshal(ps.Normalize())
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO project_settings (project_id, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		ps.ProjectID, string(payload), fmtTime(time.Now()))
	return err
}

// GetPreset returns a prompt preset by id.
func (s *Store) GetPreset(ctx context.Context, id string) (*model.PromptPreset, error) {
	var p model.PromptPreset
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT id, project_id, name, payload FROM prompt_presets WHERE id = ?`, id).
		Scan(&p.ID, &p.ProjectID, &p.Name, &payload)
	if err != nil {
		return nil, notFound(err)
	}
	if err := json.Unmarshal([]byte(payload), &p.Roles); err != nil {
		return nil, fmt.Errorf("decode preset %s: %w", id, err)
	}
	return &p, nil
}

// PutPreset inserts or replaces a prompt preset.
func (s *Store) PutPreset(ctx context.Context, p model.PromptPreset) error {
	payload, err := json.Marshal(p.Roles)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO prompt_presets (id, project_id, name, payload, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, payload = excluded.payload, updated_at = excluded.updated_at`,
		p.ID, p.ProjectID, p.Name, string(payload), fmtTime(time.Now()))
	return err
}

// ---------------------------------------------------------------------------
// Audit
// ---------------------------------------------------------------------------

// AppendAudit writes an audit record. The log is append-only.
func (s *Store) AppendAudit(ctx context.Context, r model.AuditRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, action, entity_id, inputs_hash, outcome, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Action, r.EntityID, r.InputsHash, r.Outcome, r.Details, fmtTime(r.CreatedAt))
	return err
}

// ListAudit returns the audit records of an entity, oldest first.
func (s *Store) ListAudit(ctx context.Context, entityID string) ([]model.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, entity_id, inputs_hash, outcome, details, created_at
		FROM audit_log WHERE entity_id = ? ORDER BY created_at ASC, rowid ASC`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AuditRecord
	for rows.Next() {
		var r model.AuditRecord
		var createdAt string
		if err := rows.Scan(&r.ID, &r.Action, &r.EntityID, &r.InputsHash, &r.Outcome, &r.Details, &createdAt); err != nil {
			return nil, err
		}
		r.CreatedAt = parseTime(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
