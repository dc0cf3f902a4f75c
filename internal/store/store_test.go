package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/yangwenmai/cadence/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

var monday = time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)

func makeWeek(t *testing.T, s *Store, id string, start time.Time) model.Bucket {
	t.Helper()
	b := model.NewBucket(id, "proj", model.BucketWeek, start, 7)
	if err := s.CreateBucket(context.Background(), b); err != nil {
		t.Fatalf("CreateBucket(%s): %v", id, err)
	}
	return b
}

func makeArtifacts(b *model.Bucket, from, n int) []model.Artifact {
	out := make([]model.Artifact, 0, n)
	for i := from; i < from+n; i++ {
		a := model.NewArtifact(fmt.Sprintf("%s-a%02d", b.ID, i), b, i, b.StartDate.Add(time.Duration(i)*time.Hour))
		a.Title = fmt.Sprintf("Topic %d", i)
		out = append(out, a)
	}
	return out
}

func TestCreateAndGetBucket(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	makeWeek(t, s, "w1", monday)

	got, err := s.GetBucket(ctx, "w1")
	if err != nil {
		t.Fatalf("GetBucket: %v", err)
	}
	if got.StartDate.Format(model.DateLayout) != "2025-03-03" || got.EndDate.Format(model.DateLayout) != "2025-03-09" {
		t.Errorf("dates = %s..%s", got.StartDate, got.EndDate)
	}
	if got.Capacity != model.DefaultCapacity {
		t.Errorf("Capacity = %d, want %d", got.Capacity, model.DefaultCapacity)
	}

	if _, err := s.GetBucket(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("GetBucket(missing) err = %v, want ErrNotFound", err)
	}
}

func TestCreateBucket_Overlap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	makeWeek(t, s, "w1", monday)

	clash := model.NewBucket("w2", "proj", model.BucketWeek, monday.AddDate(0, 0, 3), 7)
	err := s.CreateBucket(ctx, clash)
	var ve *model.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("overlapping bucket err = %v, want ValidationError", err)
	}

	// A different kind or project may share the dates.
	pkg := model.NewBucket("p1", "proj", model.BucketWeekPackage, monday, 7)
	if err := s.CreateBucket(ctx, pkg); err != nil {
		t.Errorf("week package on same dates: %v", err)
	}
	other := model.NewBucket("w3", "other", model.BucketWeek, monday, 7)
	if err := s.CreateBucket(ctx, other); err != nil {
		t.Errorf("other project on same dates: %v", err)
	}

	latest, err := s.LatestBucket(ctx, "proj", model.BucketWeek)
	if err != nil || latest == nil || latest.ID != "w1" {
		t.Errorf("LatestBucket = %v, %v; want w1", latest, err)
	}
	none, err := s.LatestBucket(ctx, "nobody", model.BucketWeek)
	if err != nil || none != nil {
		t.Errorf("LatestBucket(nobody) = %v, %v; want nil", none, err)
	}
}

func TestCreateBucket_ParentBounds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	month := model.NewBucket("m1", "proj", model.BucketMonth, monday, 28)
	if err := s.CreateBucket(ctx, month); err != nil {
		t.Fatalf("CreateBucket(month): %v", err)
	}

	inside := model.NewBucket("wp1", "proj", model.BucketWeekPackage, monday.AddDate(0, 0, 21), 7)
	inside.ParentID = "m1"
	if err := s.CreateBucket(ctx, inside); err != nil {
		t.Errorf("child inside parent: %v", err)
	}

	spill := model.NewBucket("wp2", "proj", model.BucketWeekPackage, monday.AddDate(0, 0, 28), 7)
	spill.ParentID = "m1"
	var ve *model.ValidationError
	if err := s.CreateBucket(ctx, spill); !errors.As(err, &ve) {
		t.Errorf("child outside parent err = %v, want ValidationError", err)
	}

	children, err := s.ListBuckets(ctx, BucketFilter{ParentID: "m1"})
	if err != nil {
		t.Fatalf("ListBuckets: %v", err)
	}
	if len(children) != 1 || children[0].ID != "wp1" {
		t.Errorf("children = %v, want [wp1]", children)
	}
}

func TestCreateArtifacts_Capacity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := makeWeek(t, s, "w1", monday)

	if err := s.CreateArtifacts(ctx, "w1", makeArtifacts(&b, 0, 10)); err != nil {
		t.Fatalf("CreateArtifacts(10): %v", err)
	}
	if err := s.CreateArtifacts(ctx, "w1", makeArtifacts(&b, 10, 4)); err != nil {
		t.Fatalf("CreateArtifacts(top up 4): %v", err)
	}

	// The fifteenth artifact is rejected and nothing is written.
	extra := makeArtifacts(&b, 14, 1)
	var ve *model.ValidationError
	if err := s.CreateArtifacts(ctx, "w1", extra); !errors.As(err, &ve) {
		t.Fatalf("15th artifact err = %v, want ValidationError", err)
	}

	all, err := s.ListArtifacts(ctx, model.ArtifactFilter{BucketID: "w1"})
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	if len(all) != 14 {
		t.Errorf("artifacts = %d, want 14", len(all))
	}
	for i := 1; i < len(all); i++ {
		if !all[i].PublishAt.After(all[i-1].PublishAt) {
			t.Errorf("publish_at not increasing at %d", i)
		}
	}
}

func TestCreateArtifacts_DuplicateSlot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := makeWeek(t, s, "w1", monday)

	if err := s.CreateArtifacts(ctx, "w1", makeArtifacts(&b, 0, 2)); err != nil {
		t.Fatalf("CreateArtifacts: %v", err)
	}
	dup := makeArtifacts(&b, 1, 1)
	dup[0].ID = "dup"
	if err := s.CreateArtifacts(ctx, "w1", dup); err == nil {
		t.Error("expected error for a taken slot")
	}
}

func TestGetArtifact_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := makeWeek(t, s, "w1", monday)

	a := makeArtifacts(&b, 0, 1)[0]
	a.Tags = []string{"#Go", "launch", "go"}
	a.Category = "news"
	if err := s.CreateArtifacts(ctx, "w1", []model.Artifact{a}); err != nil {
		t.Fatalf("CreateArtifacts: %v", err)
	}

	got, err := s.GetArtifact(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetArtifact: %v", err)
	}
	if got.Status != model.StatusTopicsGenerated || got.Version != 1 {
		t.Errorf("status/version = %q/%d", got.Status, got.Version)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "go" || got.Tags[1] != "launch" {
		t.Errorf("Tags = %v, want [go launch]", got.Tags)
	}
	if !got.PublishAt.Equal(a.PublishAt) {
		t.Errorf("PublishAt = %s, want %s", got.PublishAt, a.PublishAt)
	}
	if got.LastError != nil || got.ClaimedAt != nil {
		t.Error("nullable fields should be nil")
	}
}

func TestUpdateStatus_CompareAndSwap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := makeWeek(t, s, "w1", monday)
	a := makeArtifacts(&b, 0, 1)[0]
	s.CreateArtifacts(ctx, "w1", []model.Artifact{a})

	text := "draft"
	got, err := s.UpdateStatus(ctx, a.ID, StatusUpdate{
		From:  []model.Status{model.StatusTopicsGenerated},
		To:    model.StatusTopicsApproved,
		Patch: ArtifactPatch{GeneratedText: &text},
	})
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if got.Status != model.StatusTopicsApproved || got.GeneratedText != "draft" || got.Version != 2 {
		t.Errorf("after update: %q %q v%d", got.Status, got.GeneratedText, got.Version)
	}

	// Same transition again loses the compare.
	_, err = s.UpdateStatus(ctx, a.ID, StatusUpdate{
		From: []model.Status{model.StatusTopicsGenerated},
		To:   model.StatusTopicsApproved,
	})
	if !model.IsConflict(err) {
		t.Errorf("stale UpdateStatus err = %v, want ConflictError", err)
	}

	// Version mismatch also loses.
	final := "edited"
	_, err = s.UpdateFields(ctx, a.ID, 1, ArtifactPatch{FinalText: &final})
	if !model.IsConflict(err) {
		t.Errorf("stale UpdateFields err = %v, want ConflictError", err)
	}

	_, err = s.UpdateStatus(ctx, "missing", StatusUpdate{From: []model.Status{model.StatusGenerated}, To: model.StatusScheduled})
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("missing artifact err = %v, want ErrNotFound", err)
	}
}

func scheduleAll(t *testing.T, s *Store, arts []model.Artifact, to model.Status) {
	t.Helper()
	for _, a := range arts {
		_, err := s.UpdateStatus(context.Background(), a.ID, StatusUpdate{
			From: []model.Status{model.StatusTopicsGenerated},
			To:   to,
		})
		if err != nil {
			t.Fatalf("schedule %s: %v", a.ID, err)
		}
	}
}

func TestClaimAndRelease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := makeWeek(t, s, "w1", monday)
	arts := makeArtifacts(&b, 0, 3)
	s.CreateArtifacts(ctx, "w1", arts)
	scheduleAll(t, s, arts, model.StatusScheduled)

	due, err := s.ListDue(ctx, monday.Add(90*time.Minute), 10)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("due = %d, want 2", len(due))
	}

	now := time.Now()
	claimed, err := s.UpdateStatus(ctx, due[0].ID, StatusUpdate{
		From:  model.Sources(model.EventClaim),
		To:    model.StatusPublishing,
		Patch: ArtifactPatch{Claim: &now},
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.ClaimedFrom != model.StatusScheduled || claimed.ClaimedAt == nil {
		t.Errorf("claim metadata = %q %v", claimed.ClaimedFrom, claimed.ClaimedAt)
	}

	released, err := s.UpdateStatus(ctx, claimed.ID, StatusUpdate{
		From:  []model.Status{model.StatusPublishing},
		To:    claimed.ClaimedFrom,
		Patch: ArtifactPatch{IncAttempts: true, ClearClaim: true},
	})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Status != model.StatusScheduled || released.DeliveryAttempts != 1 || released.ClaimedAt != nil {
		t.Errorf("after release: %q attempts=%d claimed_at=%v", released.Status, released.DeliveryAttempts, released.ClaimedAt)
	}
}

func TestConcurrentClaim_SingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := makeWeek(t, s, "w1", monday)
	arts := makeArtifacts(&b, 0, 1)
	s.CreateArtifacts(ctx, "w1", arts)
	scheduleAll(t, s, arts, model.StatusScheduled)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			now := time.Now()
			_, err := s.UpdateStatus(ctx, arts[0].ID, StatusUpdate{
				From:  model.Sources(model.EventClaim),
				To:    model.StatusPublishing,
				Patch: ArtifactPatch{Claim: &now},
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !model.IsConflict(err) {
				t.Errorf("claim err = %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("winners = %d, want 1", wins)
	}
}

func TestResetStaleClaims(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := makeWeek(t, s, "w1", monday)
	arts := makeArtifacts(&b, 0, 2)
	s.CreateArtifacts(ctx, "w1", arts)
	scheduleAll(t, s, arts[:1], model.StatusScheduled)
	scheduleAll(t, s, arts[1:], model.StatusScheduledNative)

	old := time.Now().Add(-time.Hour)
	fresh := time.Now()
	for i, at := range []*time.Time{&old, &fresh} {
		if _, err := s.UpdateStatus(ctx, arts[i].ID, StatusUpdate{
			From:  model.Sources(model.EventClaim),
			To:    model.StatusPublishing,
			Patch: ArtifactPatch{Claim: at},
		}); err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
	}

	n, err := s.ResetStaleClaims(ctx, time.Now().Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("ResetStaleClaims: %v", err)
	}
	if n != 1 {
		t.Errorf("reset = %d, want 1", n)
	}
	got, _ := s.GetArtifact(ctx, arts[0].ID)
	if got.Status != model.StatusScheduled {
		t.Errorf("stale claim status = %q, want scheduled", got.Status)
	}
	got, _ = s.GetArtifact(ctx, arts[1].ID)
	if got.Status != model.StatusPublishing {
		t.Errorf("fresh claim status = %q, want publishing", got.Status)
	}
}

func TestReplaceBucketArtifacts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := makeWeek(t, s, "w1", monday)
	if err := s.CreateArtifacts(ctx, "w1", makeArtifacts(&b, 0, 3)); err != nil {
		t.Fatal(err)
	}
	s.MarkBucketApproved(ctx, "w1", time.Now())

	fresh := makeArtifacts(&b, 0, 5)
	for i := range fresh {
		fresh[i].ID = fmt.Sprintf("fresh-%d", i)
	}
	n, err := s.ReplaceBucketArtifacts(ctx, "w1", fresh)
	if err != nil {
		t.Fatalf("ReplaceBucketArtifacts: %v", err)
	}
	if n != 3 {
		t.Errorf("deleted = %d, want 3", n)
	}
	got, _ := s.GetBucket(ctx, "w1")
	if got.ApprovedAt != nil {
		t.Error("approval should be cleared with the artifacts")
	}
	arts, _ := s.ListArtifacts(ctx, model.ArtifactFilter{BucketID: "w1"})
	if len(arts) != 5 || arts[0].ID != "fresh-0" {
		t.Fatalf("artifacts = %d (first %s), want the 5 replacements", len(arts), arts[0].ID)
	}

	// An invalid replacement rolls back the delete too.
	bad := makeArtifacts(&b, 0, 2)
	bad[1].Slot = 0
	if _, err := s.ReplaceBucketArtifacts(ctx, "w1", bad); err == nil {
		t.Fatal("expected duplicate slot error")
	}
	if arts, _ := s.ListArtifacts(ctx, model.ArtifactFilter{BucketID: "w1"}); len(arts) != 5 {
		t.Errorf("artifacts = %d after failed replace, want 5 untouched", len(arts))
	}

	// A published artifact blocks the whole replace.
	scheduleAll(t, s, arts[:1], model.StatusPublished)
	_, err = s.ReplaceBucketArtifacts(ctx, "w1", makeArtifacts(&b, 0, 1))
	var ste *model.StateTransitionError
	if !errors.As(err, &ste) {
		t.Fatalf("err = %v, want StateTransitionError", err)
	}
	counts, _ := s.CountByStatus(ctx, "w1")
	if counts[model.StatusPublished] != 1 || counts[model.StatusTopicsGenerated] != 4 {
		t.Errorf("counts = %v, nothing should be replaced", counts)
	}
}

func TestCreateArtifacts_ClearsApproval(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := makeWeek(t, s, "w1", monday)
	if err := s.CreateArtifacts(ctx, "w1", makeArtifacts(&b, 0, 2)); err != nil {
		t.Fatal(err)
	}
	s.MarkBucketApproved(ctx, "w1", time.Now())

	if err := s.CreateArtifacts(ctx, "w1", makeArtifacts(&b, 2, 1)); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetBucket(ctx, "w1")
	if got.ApprovedAt != nil {
		t.Error("adding slots should drop the bucket approval")
	}
}

func TestRuns_MutualExclusion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r1 := model.NewAgentRun("r1", "proj", model.TargetArtifact, "a1", "post", "")
	if err := s.BeginRun(ctx, r1); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	r2 := model.NewAgentRun("r2", "proj", model.TargetArtifact, "a1", "post", "")
	if err := s.BeginRun(ctx, r2); !model.IsConflict(err) {
		t.Fatalf("second running run err = %v, want ConflictError", err)
	}

	for _, role := range []string{"post_creator", "post_critic"} {
		if _, err := s.AppendIteration(ctx, model.AgentIteration{RunID: "r1", Role: role, Input: "in", Output: "out"}); err != nil {
			t.Fatalf("AppendIteration: %v", err)
		}
	}
	if err := s.FinishRun(ctx, "r1", model.OutcomeConverged, "out", nil); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	// Finished runs are immutable.
	if _, err := s.AppendIteration(ctx, model.AgentIteration{RunID: "r1", Role: "post_fixer"}); !model.IsConflict(err) {
		t.Errorf("append after finish err = %v, want ConflictError", err)
	}
	if err := s.FinishRun(ctx, "r1", model.OutcomeFailed, "", nil); !model.IsConflict(err) {
		t.Errorf("finish twice err = %v, want ConflictError", err)
	}

	// The target is free again.
	if err := s.BeginRun(ctx, r2); err != nil {
		t.Errorf("BeginRun after finish: %v", err)
	}

	got, err := s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Outcome != model.OutcomeConverged || len(got.Iterations) != 2 {
		t.Fatalf("run = %s with %d iterations", got.Outcome, len(got.Iterations))
	}
	if got.Iterations[0].Seq != 1 || got.Iterations[1].Seq != 2 {
		t.Errorf("seqs = %d,%d want 1,2", got.Iterations[0].Seq, got.Iterations[1].Seq)
	}

	n, err := s.FailInterruptedRuns(ctx)
	if err != nil || n != 1 {
		t.Errorf("FailInterruptedRuns = %d, %v; want 1", n, err)
	}
}

func TestComments_Order(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()
	for i, text := range []string{"first", "second", "third"} {
		c := model.Comment{
			ID:         fmt.Sprintf("c%d", i),
			EntityType: model.EntityArtifact,
			EntityID:   "a1",
			Text:       text,
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}
		if err := s.AddComment(ctx, c); err != nil {
			t.Fatalf("AddComment: %v", err)
		}
	}
	got, err := s.ListComments(ctx, model.EntityArtifact, "a1")
	if err != nil {
		t.Fatalf("ListComments: %v", err)
	}
	if len(got) != 3 || got[0].Text != "first" || got[2].Text != "third" {
		t.Errorf("comments = %+v", got)
	}
	if got[0].AuthorRole != model.CreatedByUser {
		t.Errorf("AuthorRole = %q, want user", got[0].AuthorRole)
	}
}

func TestSettingsAndPresets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ps, err := s.GetSettings(ctx, "proj")
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if ps.MaxRounds != model.DefaultMaxRounds || ps.Timezone != "UTC" {
		t.Errorf("defaults = %+v", ps)
	}

	ps.NativeScheduling = true
	ps.Timezone = "Europe/Berlin"
	if err := s.PutSettings(ctx, ps); err != nil {
		t.Fatalf("PutSettings: %v", err)
	}
	got, _ := s.GetSettings(ctx, "proj")
	if !got.NativeScheduling || got.Timezone != "Europe/Berlin" {
		t.Errorf("stored settings = %+v", got)
	}

	preset := model.PromptPreset{
		ID: "p1", ProjectID: "proj", Name: "terse",
		Roles: map[string]model.RoleOverride{"post_creator": {SystemPrompt: "Be terse."}},
	}
	if err := s.PutPreset(ctx, preset); err != nil {
		t.Fatalf("PutPreset: %v", err)
	}
	gp, err := s.GetPreset(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPreset: %v", err)
	}
	if gp.Roles["post_creator"].SystemPrompt != "Be terse." {
		t.Errorf("preset roles = %+v", gp.Roles)
	}
	if _, err := s.GetPreset(ctx, "nope"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("GetPreset(nope) err = %v", err)
	}
}

func TestAuditAppend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := model.AuditRecord{ID: "x1", Action: "reopen", EntityID: "a1", InputsHash: "abc", Outcome: "ok", CreatedAt: time.Now()}
	if err := s.AppendAudit(ctx, rec); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
	got, err := s.ListAudit(ctx, "a1")
	if err != nil || len(got) != 1 || got[0].Action != "reopen" {
		t.Errorf("ListAudit = %v, %v", got, err)
	}
}

func TestMigration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "migrate.db")
	db, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if _, err := New(db); err != nil {
		t.Fatalf("New: %v", err)
	}

	// Verify schema version is at current.
	var version int
	if err := db.QueryRow("SELECT version FROM schema_version").Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("schema version = %d, want %d", version, currentSchemaVersion)
	}

	// Running New again should be idempotent.
	if _, err := New(db); err != nil {
		t.Fatalf("New (second time): %v", err)
	}
}
