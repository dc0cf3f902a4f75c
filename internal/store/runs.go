package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/yangwenmai/cadence/internal/model"
)

const runColumns = `id, project_id, target_type, target_id, chain, preset_id, outcome, final_output, error, started_at, finished_at`

// BeginRun inserts a run in the running outcome. A second running run for the
// same target is rejected with a *model.ConflictError.
func (s *Store) BeginRun(ctx context.Context, r model.AgentRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ProjectID, r.TargetType, r.TargetID, r.Chain, r.PresetID,
		model.OutcomeRunning, "", nil, fmtTime(r.StartedAt), nil,
	)
	if isUniqueViolation(err) {
		return &model.ConflictError{Resource: "agent run for " + r.TargetType, ID: r.TargetID}
	}
	return err
}

// AppendIteration records one stage call and returns its sequence number.
// Iterations can only be appended while the run is running.
func (s *Store) AppendIteration(ctx context.Context, it model.AgentIteration) (int, error) {
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now()
	}
	var seq int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO agent_iterations (run_id, seq, role, input, output, error, created_at)
		SELECT ?, COALESCE((SELECT MAX(seq) FROM agent_iterations WHERE run_id = ?), 0) + 1, ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM agent_runs WHERE id = ? AND outcome = ?)
		RETURNING seq`,
		it.RunID, it.RunID, it.Role, it.Input, it.Output, it.Error, fmtTime(it.CreatedAt),
		it.RunID, model.OutcomeRunning,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, &model.ConflictError{Resource: "agent run", ID: it.RunID}
	}
	return seq, err
}

// FinishRun moves a running run to its final outcome. Finished runs are immutable.
func (s *Store) FinishRun(ctx context.Context, id, outcome, output string, errMsg *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs SET outcome = ?, final_output = ?, error = ?, finished_at = ?
		WHERE id = ? AND outcome = ?`,
		outcome, output, errMsg, fmtTime(time.Now()), id, model.OutcomeRunning)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &model.ConflictError{Resource: "agent run", ID: id}
	}
	return nil
}

// FailInterruptedRuns marks runs left running by a previous process as failed
// (for server restart).
func (s *Store) FailInterruptedRuns(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs SET outcome = ?, error = 'interrupted', finished_at = ?
		WHERE outcome = ?`,
		model.OutcomeFailed, fmtTime(time.Now()), model.OutcomeRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetRun returns a run with its iterations in sequence order.
func (s *Store) GetRun(ctx context.Context, id string) (*model.AgentRun, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err)
	}
	its, err := s.ListIterations(ctx, id)
	if err != nil {
		return nil, err
	}
	r.Iterations = its
	return r, nil
}

// ListRuns returns the runs of a target, newest first, without iterations.
func (s *Store) ListRuns(ctx context.Context, targetID string) ([]model.AgentRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM agent_runs WHERE target_id = ? ORDER BY started_at DESC`, targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AgentRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ListIterations returns the iterations of a run in sequence order.
func (s *Store) ListIterations(ctx context.Context, runID string) ([]model.AgentIteration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, role, input, output, error, created_at
		FROM agent_iterations WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AgentIteration
	for rows.Next() {
		var (
			it        model.AgentIteration
			errMsg    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&it.RunID, &it.Seq, &it.Role, &it.Input, &it.Output, &errMsg, &createdAt); err != nil {
			return nil, fmt.Errorf("scan iteration: %w", err)
		}
		it.Error = stringPtr(errMsg)
		it.CreatedAt = parseTime(createdAt)
		out = append(out, it)
	}
	return out, rows.Err()
}

func scanRun(row scanner) (*model.AgentRun, error) {
	var (
		r                  model.AgentRun
		errMsg, finishedAt sql.NullString
		startedAt          string
	)
	err := row.Scan(&r.ID, &r.ProjectID, &r.TargetType, &r.TargetID, &r.Chain, &r.PresetID,
		&r.Outcome, &r.FinalOutput, &errMsg, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	r.Error = stringPtr(errMsg)
	r.StartedAt = parseTime(startedAt)
	r.FinishedAt = parseTimePtr(finishedAt)
	return &r, nil
}
