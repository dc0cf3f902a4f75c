package model

import "time"

// Run outcomes. Running is the only state a run leaves.
const (
	OutcomeRunning   = "running"
	OutcomeConverged = "converged"
	OutcomeExhausted = "exhausted"
	OutcomeFailed    = "failed"
)

// Run target types.
const (
	TargetArtifact = "artifact"
	TargetBucket   = "bucket"
)

// AgentRun is one invocation of the refinement pipeline for one target.
// Immutable once it leaves the running outcome.
type AgentRun struct {
	ID          string           `json:"id"`
	ProjectID   string           `json:"project_id"`
	TargetType  string           `json:"target_type"`
	TargetID    string           `json:"target_id"`
	Chain       string           `json:"chain"`
	PresetID    string           `json:"preset_id,omitempty"`
	Outcome     string           `json:"outcome"`
	FinalOutput string           `json:"final_output,omitempty"`
	Error       *string          `json:"error,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  *time.Time       `json:"finished_at,omitempty"`
	Iterations  []AgentIteration `json:"iterations,omitempty"`
}

// AgentIteration is one stage call within a run. Append-only.
type AgentIteration struct {
	RunID     string    `json:"run_id"`
	Seq       int       `json:"seq"`
	Role      string    `json:"role"`
	Input     string    `json:"input"`
	Output    string    `json:"output"`
	Error     *string   `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewAgentRun creates a run in the running state.
func NewAgentRun(id, projectID, targetType, targetID, chain, presetID string) AgentRun {
	return AgentRun{
		ID:         id,
		ProjectID:  projectID,
		TargetType: targetType,
		TargetID:   targetID,
		Chain:      chain,
		PresetID:   presetID,
		Outcome:    OutcomeRunning,
		StartedAt:  time.Now().UTC(),
	}
}

// Failed reports whether the iteration recorded a stage failure.
func (it AgentIteration) Failed() bool {
	return it.Error != nil
}
