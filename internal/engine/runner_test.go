package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yangwenmai/cadence/internal/model"
	"github.com/yangwenmai/cadence/internal/store"
)

// scripted replies per role, cycling on the last entry.
type scripted struct {
	mu      sync.Mutex
	replies map[Role][]string
	fail    map[Role]error
	calls   []Completion
}

func (s *scripted) Complete(ctx context.Context, in Completion) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, in)
	if err := s.fail[in.Role]; err != nil {
		return "", err
	}
	rs := s.replies[in.Role]
	if len(rs) == 0 {
		return "", errors.New("no scripted reply for " + string(in.Role))
	}
	out := rs[0]
	if len(rs) > 1 {
		s.replies[in.Role] = rs[1:]
	}
	return out, nil
}

type blocking struct{}

func (blocking) Complete(ctx context.Context, _ Completion) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func newRunStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := store.New(db)
	require.NoError(t, err)
	return s
}

func newScriptedRunner(t *testing.T, p Provider, opts ...GatewayOption) (*Runner, *store.Store) {
	t.Helper()
	s := newRunStore(t)
	opts = append([]GatewayOption{WithDefaultModel("script:test")}, opts...)
	gw := NewGateway(map[string]Provider{"script": p}, opts...)
	return NewRunner(gw, s, s), s
}

func postSpec(rounds int) Spec {
	return Spec{
		Chain:     ChainPost,
		Target:    Target{Type: model.TargetArtifact, ID: "art-1", ProjectID: "proj"},
		Seed:      Seed{Brief: "Announce the launch."},
		MaxRounds: rounds,
	}
}

const revise = `{"verdict":"revise","issues":["too long"]}`
const accept = "```json\n{\"verdict\":\"accept\",\"issues\":[]}\n```"

func TestRun_Exhausted(t *testing.T) {
	p := &scripted{replies: map[Role][]string{
		RolePostCreator: {"draft 0"},
		RolePostCritic:  {revise},
		RolePostFixer:   {"draft 1", "draft 2", "draft 3"},
	}}
	r, s := newScriptedRunner(t, p)

	res, err := r.Run(context.Background(), postSpec(3))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeExhausted, res.Outcome)
	assert.Equal(t, "draft 3", res.Output)

	run, err := s.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeExhausted, run.Outcome)
	require.Len(t, run.Iterations, 1+2*3)

	wantRoles := []string{"post_creator", "post_critic", "post_fixer", "post_critic", "post_fixer", "post_critic", "post_fixer"}
	for i, it := range run.Iterations {
		assert.Equal(t, wantRoles[i], it.Role, "iteration %d", i+1)
		assert.Equal(t, i+1, it.Seq)
	}
}

func TestRun_ConvergedFirstReview(t *testing.T) {
	p := &scripted{replies: map[Role][]string{
		RolePostCreator: {"good draft"},
		RolePostCritic:  {accept},
	}}
	r, s := newScriptedRunner(t, p)

	res, err := r.Run(context.Background(), postSpec(3))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeConverged, res.Outcome)
	assert.Equal(t, "good draft", res.Output)

	run, _ := s.GetRun(context.Background(), res.RunID)
	assert.Len(t, run.Iterations, 2)
}

func TestRun_FixerSeesCritique(t *testing.T) {
	p := &scripted{replies: map[Role][]string{
		RolePostCreator: {"draft 0"},
		RolePostCritic:  {revise, accept},
		RolePostFixer:   {"draft 1"},
	}}
	r, _ := newScriptedRunner(t, p)

	res, err := r.Run(context.Background(), postSpec(3))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeConverged, res.Outcome)
	assert.Equal(t, "draft 1", res.Output)

	var fixer Completion
	for _, c := range p.calls {
		if c.Role == RolePostFixer {
			fixer = c
		}
	}
	assert.Contains(t, fixer.Prompt, "draft 0")
	assert.Contains(t, fixer.Prompt, "- too long")
	assert.Less(t, strings.Index(fixer.Prompt, "## Current draft"), strings.Index(fixer.Prompt, "## Critique"))
}

func TestRun_SingleStage(t *testing.T) {
	p := &scripted{replies: map[Role][]string{
		RoleImagePrompter: {`{"prompt":"a rocket","style":"flat"}`},
	}}
	r, s := newScriptedRunner(t, p)

	spec := postSpec(3)
	spec.Chain = ChainImage
	res, err := r.Run(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeConverged, res.Outcome)

	run, _ := s.GetRun(context.Background(), res.RunID)
	assert.Len(t, run.Iterations, 1)
}

func TestRun_ProviderFailure(t *testing.T) {
	p := &scripted{
		replies: map[Role][]string{
			RolePostCreator: {"draft 0"},
			RolePostCritic:  {revise},
		},
		fail: map[Role]error{
			RolePostFixer: &model.ProviderError{Provider: "script", Kind: model.ProviderUnavailable, Err: errors.New("503")},
		},
	}
	r, s := newScriptedRunner(t, p)

	res, err := r.Run(context.Background(), postSpec(3))
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, RolePostFixer, se.Role)
	assert.True(t, model.IsRetryable(err))

	run, _ := s.GetRun(context.Background(), res.RunID)
	assert.Equal(t, model.OutcomeFailed, run.Outcome)
	require.NotNil(t, run.Error)
	require.Len(t, run.Iterations, 3)
	assert.True(t, run.Iterations[2].Failed(), "failed stage is recorded")

	// The target is free for a retry, which is a new run.
	p.fail = nil
	p.replies[RolePostFixer] = []string{"draft 1"}
	p.replies[RolePostCritic] = []string{revise, accept}
	res2, err := r.Run(context.Background(), postSpec(3))
	require.NoError(t, err)
	assert.NotEqual(t, res.RunID, res2.RunID)
}

func TestRun_MalformedVerdict(t *testing.T) {
	p := &scripted{replies: map[Role][]string{
		RolePostCreator: {"draft"},
		RolePostCritic:  {"looks fine to me"},
	}}
	r, s := newScriptedRunner(t, p)

	res, err := r.Run(context.Background(), postSpec(3))
	var pe *model.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, model.ProviderMalformed, pe.Kind)

	run, err := s.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeFailed, run.Outcome)
	require.Len(t, run.Iterations, 2)
	critic := run.Iterations[1]
	assert.Equal(t, "looks fine to me", critic.Output)
	require.NotNil(t, critic.Error, "the unparseable verdict is recorded on its iteration")
	assert.Contains(t, *critic.Error, "malformed")
}

func TestRun_ValidateCreatorOutput(t *testing.T) {
	p := &scripted{replies: map[Role][]string{
		RoleTopicCreator: {`{"topics":[{"title":"only one"}]}`},
	}}
	r, s := newScriptedRunner(t, p)

	spec := postSpec(3)
	spec.Chain = ChainTopics
	spec.Validate = func(out string) error {
		_, err := ParseTopics(out, 2)
		return err
	}
	res, err := r.Run(context.Background(), spec)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, RoleTopicCreator, se.Role)
	var pe *model.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, model.ProviderMalformed, pe.Kind)

	run, err := s.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	require.Len(t, run.Iterations, 1)
	assert.NotNil(t, run.Iterations[0].Error)
}

func TestRun_Timeout(t *testing.T) {
	r, _ := newScriptedRunner(t, blocking{}, WithTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := r.Run(context.Background(), postSpec(1))
	var te *model.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, string(RolePostCreator), te.Role)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRun_ConflictOnActiveRun(t *testing.T) {
	p := &scripted{replies: map[Role][]string{RolePostCreator: {"x"}, RolePostCritic: {accept}}}
	r, s := newScriptedRunner(t, p)

	active := model.NewAgentRun("other", "proj", model.TargetArtifact, "art-1", "post", "")
	require.NoError(t, s.BeginRun(context.Background(), active))

	_, err := r.Run(context.Background(), postSpec(3))
	assert.True(t, model.IsConflict(err), "err = %v", err)
	assert.Empty(t, p.calls, "no stage runs while another run is active")
}

func TestRun_PresetOverride(t *testing.T) {
	p := &scripted{replies: map[Role][]string{RolePostCreator: {"x"}, RolePostCritic: {accept}}}
	r, s := newScriptedRunner(t, p)
	require.NoError(t, s.PutPreset(context.Background(), model.PromptPreset{
		ID: "terse", ProjectID: "proj", Name: "terse",
		Roles: map[string]model.RoleOverride{"post_creator": {SystemPrompt: "Write one line.", ModelRef: "script:big"}},
	}))

	spec := postSpec(3)
	spec.PresetID = "terse"
	_, err := r.Run(context.Background(), spec)
	require.NoError(t, err)

	require.NotEmpty(t, p.calls)
	assert.Equal(t, "Write one line.", p.calls[0].System)
	assert.Equal(t, "big", p.calls[0].Model)
	assert.Equal(t, RolePostCritic.DefaultPrompt(), p.calls[1].System)
	assert.Equal(t, "test", p.calls[1].Model)

	spec.PresetID = "missing"
	_, err = r.Run(context.Background(), spec)
	var ve *model.ValidationError
	assert.ErrorAs(t, err, &ve)
}
