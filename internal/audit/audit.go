// Package audit writes decision records for state-mutating actions that
// bypass the normal lifecycle: overrides, deliveries and failures.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/yangwenmai/cadence/internal/model"
)

// Actions.
const (
	ActionReopen  = "reopen"
	ActionDeliver = "deliver"
	ActionFail    = "fail"
	ActionPublish = "publish_now"
)

// Writer is the append-only store the recorder writes to.
type Writer interface {
	AppendAudit(ctx context.Context, r model.AuditRecord) error
}

// Recorder writes audit records.
type Recorder struct {
	w Writer
}

// NewRecorder creates a recorder over w.
func NewRecorder(w Writer) *Recorder {
	return &Recorder{w: w}
}

// Record writes an entry for action on entityID. inputs are hashed, not stored.
func (r *Recorder) Record(ctx context.Context, action, entityID string, inputs any, outcome, details string) (*model.AuditRecord, error) {
	rec := model.AuditRecord{
		ID:         uuid.NewString(),
		Action:     action,
		EntityID:   entityID,
		InputsHash: HashInputs(inputs),
		Outcome:    outcome,
		Details:    details,
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.w.AppendAudit(ctx, rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Try records like Record but only logs a failure. Used after the audited
// change has already been committed.
func (r *Recorder) Try(ctx context.Context, action, entityID string, inputs any, outcome, details string) {
	if r == nil {
		return
	}
	if _, err := r.Record(context.WithoutCancel(ctx), action, entityID, inputs, outcome, details); err != nil {
		slog.Error("audit write failed", "action", action, "entity_id", entityID, "error", err)
	}
}

// HashInputs returns the hex SHA-256 of the JSON encoding of inputs.
func HashInputs(inputs any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
