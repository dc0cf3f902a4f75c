package model

import "time"

// Bucket kinds, from widest to narrowest.
const (
	BucketQuarter     = "quarter"
	BucketMonth       = "month"
	BucketWeekPackage = "week_package"
	BucketWeek        = "week"
)

// Planning tracks.
const (
	TrackStrategic = "strategic"
	TrackTactical  = "tactical"
)

// Derived approval states of a bucket.
const (
	ApprovalEmpty    = "empty"
	ApprovalPending  = "pending"
	ApprovalReady    = "ready"
	ApprovalApproved = "approved"
)

// DateLayout is the wire format of bucket dates.
const DateLayout = "2006-01-02"

// DefaultCapacity is the number of slots in a week bucket.
const DefaultCapacity = 14

// Bucket is a time-scoped container: a quarter plan, month arc, week package or week.
// StartDate and EndDate are inclusive calendar dates stored at UTC midnight.
type Bucket struct {
	ID         string     `json:"id"`
	ProjectID  string     `json:"project_id"`
	ParentID   string     `json:"parent_id,omitempty"`
	Kind       string     `json:"kind"`
	StartDate  time.Time  `json:"start_date"`
	EndDate    time.Time  `json:"end_date"`
	Theme      string     `json:"theme"`
	Thesis     string     `json:"thesis,omitempty"`
	Goal       string     `json:"goal,omitempty"`
	Capacity   int        `json:"capacity"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// NewBucket creates a bucket spanning days calendar days from start.
func NewBucket(id, projectID, kind string, start time.Time, days int) Bucket {
	now := time.Now().UTC()
	start = Date(start)
	b := Bucket{
		ID:        id,
		ProjectID: projectID,
		Kind:      kind,
		StartDate: start,
		EndDate:   start.AddDate(0, 0, days-1),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if b.HoldsArtifacts() {
		b.Capacity = DefaultCapacity
	}
	return b
}

// HoldsArtifacts reports whether artifacts hang directly off this bucket.
func (b *Bucket) HoldsArtifacts() bool {
	return b.Kind == BucketWeek || b.Kind == BucketWeekPackage
}

// ArtifactKind returns the kind of artifact the bucket owns.
func (b *Bucket) ArtifactKind() string {
	if b.Kind == BucketWeek {
		return KindPost
	}
	return KindContentItem
}

// Days returns the number of calendar days the bucket spans.
func (b *Bucket) Days() int {
	return int(b.EndDate.Sub(b.StartDate).Hours()/24) + 1
}

// Bounds returns [start, end) of the bucket as instants in loc.
func (b *Bucket) Bounds(loc *time.Location) (time.Time, time.Time) {
	start := time.Date(b.StartDate.Year(), b.StartDate.Month(), b.StartDate.Day(), 0, 0, 0, 0, loc)
	end := time.Date(b.EndDate.Year(), b.EndDate.Month(), b.EndDate.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
	return start, end
}

// Contains reports whether t falls inside the bucket's date range in loc.
func (b *Bucket) Contains(t time.Time, loc *time.Location) bool {
	start, end := b.Bounds(loc)
	return !t.Before(start) && t.Before(end)
}

// Within reports whether b's dates lie inside parent's.
func (b *Bucket) Within(parent *Bucket) bool {
	return !b.StartDate.Before(parent.StartDate) && !b.EndDate.After(parent.EndDate)
}

// Overlaps reports whether the two date ranges share at least one day.
func (b *Bucket) Overlaps(other *Bucket) bool {
	return !b.StartDate.After(other.EndDate) && !other.StartDate.After(b.EndDate)
}

// ChildKind returns the kind of bucket nested directly under b, or "".
func (b *Bucket) ChildKind() string {
	switch b.Kind {
	case BucketQuarter:
		return BucketMonth
	case BucketMonth:
		return BucketWeekPackage
	}
	return ""
}

// KindForTrack maps a planning track to its week-level bucket kind.
func KindForTrack(track string) (string, error) {
	switch track {
	case TrackTactical, "":
		return BucketWeek, nil
	case TrackStrategic:
		return BucketWeekPackage, nil
	}
	return "", Invalid("track", "unknown track %q", track)
}

// ArtifactApproval derives the approval status of an artifact bucket from its
// children's statuses.
func ArtifactApproval(b *Bucket, statuses []Status) string {
	if len(statuses) == 0 {
		return ApprovalEmpty
	}
	for _, s := range statuses {
		if s.InCreation() {
			return ApprovalPending
		}
	}
	if b.ApprovedAt != nil {
		return ApprovalApproved
	}
	return ApprovalReady
}

// ContainerApproval derives the approval status of a quarter or month from the
// derived statuses of its child buckets.
func ContainerApproval(b *Bucket, children []string) string {
	if len(children) == 0 {
		return ApprovalEmpty
	}
	for _, c := range children {
		if c != ApprovalReady && c != ApprovalApproved {
			return ApprovalPending
		}
	}
	if b.ApprovedAt != nil {
		return ApprovalApproved
	}
	return ApprovalReady
}

// BucketView is a bucket together with its derived state, computed on read.
type BucketView struct {
	Bucket
	ApprovalStatus string         `json:"approval_status"`
	Counts         map[Status]int `json:"counts,omitempty"`
	Artifacts      []Artifact     `json:"artifacts,omitempty"`
	Children       []BucketView   `json:"children,omitempty"`
}

// Date truncates t to its calendar date at UTC midnight.
func Date(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, Invalid("date", "expected YYYY-MM-DD, got %q", s)
	}
	return t, nil
}
