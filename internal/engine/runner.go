package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/yangwenmai/cadence/internal/model"
)

// RunRecorder persists runs and their iterations.
type RunRecorder interface {
	BeginRun(ctx context.Context, r model.AgentRun) error
	AppendIteration(ctx context.Context, it model.AgentIteration) (int, error)
	FinishRun(ctx context.Context, id, outcome, output string, errMsg *string) error
}

// PresetSource looks up prompt presets.
type PresetSource interface {
	GetPreset(ctx context.Context, id string) (*model.PromptPreset, error)
}

// Target identifies what a run works on.
type Target struct {
	Type      string
	ID        string
	ProjectID string
}

// Spec describes one refinement run.
type Spec struct {
	Chain     Chain
	Target    Target
	Seed      Seed
	PresetID  string
	MaxRounds int
	// Validate checks creator and fixer output; a failure is a malformed response.
	Validate func(output string) error
}

// Result is the outcome of a finished run.
type Result struct {
	RunID   string
	Output  string
	Outcome string
}

// StageError wraps an error with the role of the stage that failed.
type StageError struct {
	RunID string
	Role  Role
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("run %s: %s: %v", e.RunID, e.Role, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// StageName returns the failed role.
func (e *StageError) StageName() string {
	return string(e.Role)
}

// Runner drives the creator → critic → fixer loop. It never touches artifact
// status; callers apply the result.
type Runner struct {
	invoker Invoker
	runs    RunRecorder
	presets PresetSource
}

// NewRunner creates a runner. presets may be nil.
func NewRunner(invoker Invoker, runs RunRecorder, presets PresetSource) *Runner {
	return &Runner{invoker: invoker, runs: runs, presets: presets}
}

// Run executes the chain for the target. It returns a *model.ConflictError if
// another run is active on the target and a *StageError if a stage fails; in
// both cases the target's prior state is untouched.
func (r *Runner) Run(ctx context.Context, spec Spec) (Result, error) {
	if spec.Chain.Creator == "" {
		return Result{}, model.Invalid("chain", "chain has no creator")
	}
	rounds := spec.MaxRounds
	if rounds <= 0 {
		rounds = model.DefaultMaxRounds
	}
	if rounds > model.MaxMaxRounds {
		rounds = model.MaxMaxRounds
	}

	overrides, err := r.overrides(ctx, spec.PresetID)
	if err != nil {
		return Result{}, err
	}

	run := model.NewAgentRun(uuid.NewString(), spec.Target.ProjectID, spec.Target.Type, spec.Target.ID, spec.Chain.Name, spec.PresetID)
	if err := r.runs.BeginRun(ctx, run); err != nil {
		return Result{}, err
	}
	res := Result{RunID: run.ID}
	log := slog.With("run_id", run.ID, "chain", spec.Chain.Name, "target_id", spec.Target.ID)
	log.Info("run started")

	draft, err := r.stage(ctx, run.ID, spec.Chain.Creator, spec.Seed.Render(), overrides, spec.Validate)
	if err != nil {
		return res, r.fail(ctx, log, run.ID, err)
	}

	if spec.Chain.SingleStage() {
		return r.finish(ctx, log, res, model.OutcomeConverged, draft)
	}

	for round := 0; round < rounds; round++ {
		var verdict Verdict
		_, err := r.stage(ctx, run.ID, spec.Chain.Critic, spec.Seed.RenderReview(draft), overrides, func(reply string) (err error) {
			verdict, err = ParseVerdict(reply)
			return err
		})
		if err != nil {
			return res, r.fail(ctx, log, run.ID, err)
		}
		if verdict.Accepted() {
			return r.finish(ctx, log, res, model.OutcomeConverged, draft)
		}

		fixed, err := r.stage(ctx, run.ID, spec.Chain.Fixer, spec.Seed.RenderFix(draft, verdict), overrides, spec.Validate)
		if err != nil {
			return res, r.fail(ctx, log, run.ID, err)
		}
		draft = fixed
	}
	return r.finish(ctx, log, res, model.OutcomeExhausted, draft)
}

// stage invokes one role, applies check to a successful reply, and records the
// iteration with whichever error occurred before returning. A failed check is
// a malformed-response ProviderError.
func (r *Runner) stage(ctx context.Context, runID string, role Role, input string, overrides map[string]model.RoleOverride, check func(string) error) (string, error) {
	o := overrides[string(role)]
	out, callErr := r.invoker.Invoke(ctx, Invocation{
		Role:         role,
		SystemPrompt: o.SystemPrompt,
		ModelRef:     o.ModelRef,
		KeyRef:       o.KeyRef,
		Context:      input,
	})

	if callErr == nil && check != nil {
		callErr = malformedOutput(check(out))
	}

	it := model.AgentIteration{RunID: runID, Role: string(role), Input: input, Output: out}
	if callErr != nil {
		msg := callErr.Error()
		it.Error = &msg
	}
	seq, err := r.runs.AppendIteration(context.WithoutCancel(ctx), it)
	if err != nil {
		return "", fmt.Errorf("record iteration: %w", err)
	}
	slog.Debug("stage finished", "run_id", runID, "role", role, "seq", seq, "round", (seq-1)/2, "failed", callErr != nil)

	if callErr != nil {
		return "", &StageError{RunID: runID, Role: role, Err: callErr}
	}
	return out, nil
}

func malformedOutput(err error) error {
	if err == nil {
		return nil
	}
	var pe *model.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &model.ProviderError{Kind: model.ProviderMalformed, Err: err}
}

func (r *Runner) finish(ctx context.Context, log *slog.Logger, res Result, outcome, output string) (Result, error) {
	if err := r.runs.FinishRun(context.WithoutCancel(ctx), res.RunID, outcome, output, nil); err != nil {
		return res, fmt.Errorf("finish run: %w", err)
	}
	res.Outcome = outcome
	res.Output = output
	log.Info("run finished", "outcome", outcome)
	return res, nil
}

func (r *Runner) fail(ctx context.Context, log *slog.Logger, runID string, cause error) error {
	msg := cause.Error()
	if err := r.runs.FinishRun(context.WithoutCancel(ctx), runID, model.OutcomeFailed, "", &msg); err != nil {
		log.Error("failed to record run failure", "error", err)
	}
	log.Warn("run failed", "error", cause)
	return cause
}

func (r *Runner) overrides(ctx context.Context, presetID string) (map[string]model.RoleOverride, error) {
	if presetID == "" || r.presets == nil {
		return nil, nil
	}
	p, err := r.presets.GetPreset(ctx, presetID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, model.Invalid("preset_id", "unknown preset %q", presetID)
	}
	if err != nil {
		return nil, fmt.Errorf("load preset: %w", err)
	}
	for name := range p.Roles {
		if _, err := ParseRole(name); err != nil {
			return nil, err
		}
	}
	return p.Roles, nil
}
