package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yangwenmai/cadence/internal/model"
)

// Verify at compile time that Store implements all interfaces.
var (
	_ BucketStore   = (*Store)(nil)
	_ ArtifactStore = (*Store)(nil)
	_ RunStore      = (*Store)(nil)
	_ CommentStore  = (*Store)(nil)
	_ SettingsStore = (*Store)(nil)
	_ AuditStore    = (*Store)(nil)
)

// Store provides data access to the SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and initialises the schema.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// currentSchemaVersion is bumped whenever the schema changes.
// Add a new migration function in the migrations slice below.
const currentSchemaVersion = 4

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema version: %w", err)
		}
		version = 0
	} else if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	// Index 0 = migration from v0 to v1, etc.
	migrations := []func() error{
		s.migrateV1, // v0 → v1: buckets and artifacts
		s.migrateV2, // v1 → v2: agent runs and iterations
		s.migrateV3, // v2 → v3: comments, settings, presets
		s.migrateV4, // v3 → v4: audit log
	}

	for i := version; i < len(migrations); i++ {
		if err := migrations[i](); err != nil {
			return fmt.Errorf("migration v%d→v%d: %w", i, i+1, err)
		}
		if _, err := s.db.Exec(`UPDATE schema_version SET version = ?`, i+1); err != nil {
			return fmt.Errorf("update schema version to %d: %w", i+1, err)
		}
	}
	return nil
}

func (s *Store) migrateV1() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS buckets (
		id          TEXT PRIMARY KEY,
		project_id  TEXT NOT NULL,
		parent_id   TEXT,
		kind        TEXT NOT NULL,
		start_date  TEXT NOT NULL,
		end_date    TEXT NOT NULL,
		theme       TEXT NOT NULL DEFAULT '',
		thesis      TEXT NOT NULL DEFAULT '',
		goal        TEXT NOT NULL DEFAULT '',
		capacity    INTEGER NOT NULL DEFAULT 0,
		approved_at TEXT,
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_buckets_project ON buckets(project_id, kind, start_date);
	CREATE INDEX IF NOT EXISTS idx_buckets_parent ON buckets(parent_id);

	CREATE TABLE IF NOT EXISTS artifacts (
		id                TEXT PRIMARY KEY,
		project_id        TEXT NOT NULL,
		bucket_id         TEXT NOT NULL REFERENCES buckets(id),
		kind              TEXT NOT NULL,
		slot              INTEGER NOT NULL,
		title             TEXT NOT NULL DEFAULT '',
		category          TEXT NOT NULL DEFAULT '',
		tags              TEXT NOT NULL DEFAULT '[]',
		brief             TEXT NOT NULL DEFAULT '',
		reference_url     TEXT NOT NULL DEFAULT '',
		generated_text    TEXT NOT NULL DEFAULT '',
		final_text        TEXT NOT NULL DEFAULT '',
		image_prompt      TEXT NOT NULL DEFAULT '',
		image_url         TEXT NOT NULL DEFAULT '',
		publish_at        TEXT NOT NULL,
		status            TEXT NOT NULL,
		delivery_attempts INTEGER NOT NULL DEFAULT 0,
		last_error        TEXT,
		external_id       TEXT NOT NULL DEFAULT '',
		claimed_from      TEXT,
		claimed_at        TEXT,
		published_at      TEXT,
		version           INTEGER NOT NULL DEFAULT 1,
		created_at        TEXT NOT NULL,
		updated_at        TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_artifacts_slot ON artifacts(bucket_id, slot);
	CREATE INDEX IF NOT EXISTS idx_artifacts_due ON artifacts(status, publish_at);
	`)
	return err
}

func (s *Store) migrateV2() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS agent_runs (
		id           TEXT PRIMARY KEY,
		project_id   TEXT NOT NULL,
		target_type  TEXT NOT NULL,
		target_id    TEXT NOT NULL,
		chain        TEXT NOT NULL,
		preset_id    TEXT NOT NULL DEFAULT '',
		outcome      TEXT NOT NULL,
		final_output TEXT NOT NULL DEFAULT '',
		error        TEXT,
		started_at   TEXT NOT NULL,
		finished_at  TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_runs_target ON agent_runs(target_id, started_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_active ON agent_runs(target_id) WHERE outcome = 'running';

	CREATE TABLE IF NOT EXISTS agent_iterations (
		run_id     TEXT NOT NULL REFERENCES agent_runs(id),
		seq        INTEGER NOT NULL,
		role       TEXT NOT NULL,
		input      TEXT NOT NULL,
		output     TEXT NOT NULL DEFAULT '',
		error      TEXT,
		created_at TEXT NOT NULL,
		PRIMARY KEY (run_id, seq)
	);
	`)
	return err
}

func (s *Store) migrateV3() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS comments (
		id          TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id   TEXT NOT NULL,
		text        TEXT NOT NULL,
		author_role TEXT NOT NULL DEFAULT 'user',
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_comments_entity ON comments(entity_type, entity_id, created_at ASC);

	CREATE TABLE IF NOT EXISTS project_settings (
		project_id TEXT PRIMARY KEY,
		payload    TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS prompt_presets (
		id         TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		name       TEXT NOT NULL,
		payload    TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`)
	return err
}

func (s *Store) migrateV4() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS audit_log (
		id          TEXT PRIMARY KEY,
		action      TEXT NOT NULL,
		entity_id   TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome     TEXT NOT NULL,
		details     TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_id, created_at);
	`)
	return err
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// timeLayout is fixed-width so stored instants compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000Z"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func fmtTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := fmtTime(*t)
	return &s
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by hand or older builds may use RFC3339.
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func statusArgs(statuses []model.Status) []any {
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return args
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type scanner interface {
	Scan(dest ...any) error
}
