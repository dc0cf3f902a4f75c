package model

import (
	"testing"
	"time"
)

func TestNewBucket(t *testing.T) {
	start := time.Date(2025, 3, 3, 15, 30, 0, 0, time.UTC)
	b := NewBucket("b-1", "p-1", BucketWeek, start, 7)

	if got := b.StartDate.Format(DateLayout); got != "2025-03-03" {
		t.Errorf("StartDate = %s, want 2025-03-03", got)
	}
	if got := b.EndDate.Format(DateLayout); got != "2025-03-09" {
		t.Errorf("EndDate = %s, want 2025-03-09", got)
	}
	if b.Days() != 7 {
		t.Errorf("Days = %d, want 7", b.Days())
	}
	if b.Capacity != DefaultCapacity {
		t.Errorf("Capacity = %d, want %d", b.Capacity, DefaultCapacity)
	}
	if b.ArtifactKind() != KindPost {
		t.Errorf("ArtifactKind = %q, want %q", b.ArtifactKind(), KindPost)
	}

	q := NewBucket("q-1", "p-1", BucketQuarter, start, 84)
	if q.Capacity != 0 || q.HoldsArtifacts() {
		t.Error("quarters hold no artifacts")
	}
	if q.ChildKind() != BucketMonth {
		t.Errorf("ChildKind = %q, want month", q.ChildKind())
	}
}

func TestBucketContains(t *testing.T) {
	b := NewBucket("b-1", "p-1", BucketWeek, time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC), 7)

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"first instant", time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC), true},
		{"last day evening", time.Date(2025, 3, 9, 23, 59, 0, 0, time.UTC), true},
		{"day before", time.Date(2025, 3, 2, 23, 59, 0, 0, time.UTC), false},
		{"day after", time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := b.Contains(tt.at, time.UTC); got != tt.want {
				t.Errorf("Contains(%s) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestBucketWithinAndOverlaps(t *testing.T) {
	month := NewBucket("m", "p", BucketMonth, time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC), 28)
	inside := NewBucket("w1", "p", BucketWeekPackage, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), 7)
	spill := NewBucket("w2", "p", BucketWeekPackage, time.Date(2025, 3, 28, 0, 0, 0, 0, time.UTC), 7)

	if !inside.Within(&month) {
		t.Error("inside week should be within month")
	}
	if spill.Within(&month) {
		t.Error("spilling week should not be within month")
	}
	if !spill.Overlaps(&month) || inside.Overlaps(&spill) {
		t.Error("unexpected overlap result")
	}
}

func TestArtifactApproval(t *testing.T) {
	b := NewBucket("b", "p", BucketWeek, time.Now(), 7)

	if got := ArtifactApproval(&b, nil); got != ApprovalEmpty {
		t.Errorf("empty bucket = %q", got)
	}
	if got := ArtifactApproval(&b, []Status{StatusTopicsApproved, StatusTopicsGenerated}); got != ApprovalPending {
		t.Errorf("bucket with creation artifact = %q, want pending", got)
	}
	if got := ArtifactApproval(&b, []Status{StatusTopicsApproved, StatusPublished}); got != ApprovalReady {
		t.Errorf("bucket past creation = %q, want ready", got)
	}
	now := time.Now()
	b.ApprovedAt = &now
	if got := ArtifactApproval(&b, []Status{StatusGenerated}); got != ApprovalApproved {
		t.Errorf("approved bucket = %q, want approved", got)
	}
}

func TestContainerApproval(t *testing.T) {
	q := NewBucket("q", "p", BucketQuarter, time.Now(), 84)
	if got := ContainerApproval(&q, []string{ApprovalReady, ApprovalPending}); got != ApprovalPending {
		t.Errorf("got %q, want pending", got)
	}
	if got := ContainerApproval(&q, []string{ApprovalReady, ApprovalApproved}); got != ApprovalReady {
		t.Errorf("got %q, want ready", got)
	}
}

func TestNormalizeTags(t *testing.T) {
	got := NormalizeTags([]string{" Go ", "#launch", "go", "", "Launch"})
	want := []string{"go", "launch"}
	if len(got) != len(want) {
		t.Fatalf("NormalizeTags = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("NormalizeTags[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSettingsNormalize(t *testing.T) {
	s := ProjectSettings{ProjectID: "p", MaxRounds: 9}.Normalize()
	if s.MaxRounds != MaxMaxRounds {
		t.Errorf("MaxRounds = %d, want clamp to %d", s.MaxRounds, MaxMaxRounds)
	}
	if s.SlotsPerWeek != DefaultCapacity || len(s.PostingTimes) != 2 {
		t.Errorf("defaults not applied: %+v", s)
	}
	if _, _, err := ParseClock("25:00"); err == nil {
		t.Error("ParseClock should reject 25:00")
	}
	if got := (ProjectSettings{SlotsPerWeek: 2000}).Normalize().SlotsPerWeek; got != DefaultCapacity {
		t.Errorf("SlotsPerWeek = %d, want clamp to %d", got, DefaultCapacity)
	}
}

func TestErrorInfoToJSON(t *testing.T) {
	info := ErrorInfo{
		FailedStep: "send",
		Message:    "timeout",
		Retryable:  true,
		FailedAt:   "2026-01-01T00:00:00Z",
	}
	j := info.ToJSON()
	if j == "" {
		t.Fatal("ToJSON should not return empty string")
	}
	if want := `"failed_step":"send"`; !contains(j, want) {
		t.Errorf("ToJSON missing %s, got %s", want, j)
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
