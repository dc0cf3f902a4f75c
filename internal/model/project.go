package model

import (
	"fmt"
	"time"
)

// Entity types a comment may be attached to.
const (
	EntityArtifact = "artifact"
	EntityBucket   = "bucket"
)

// Comment is free-text user feedback on an artifact or bucket.
type Comment struct {
	ID         string    `json:"id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Text       string    `json:"text"`
	AuthorRole string    `json:"author_role"`
	CreatedAt  time.Time `json:"created_at"`
}

// RoleOverride replaces the default binding of one agent role.
type RoleOverride struct {
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt"`
	ModelRef     string `json:"model_ref,omitempty" yaml:"model_ref"`
	KeyRef       string `json:"key_ref,omitempty" yaml:"key_ref"`
}

// PromptPreset is a named set of per-role overrides.
type PromptPreset struct {
	ID        string                  `json:"id"`
	ProjectID string                  `json:"project_id"`
	Name      string                  `json:"name"`
	Roles     map[string]RoleOverride `json:"roles"`
}

// ProjectSettings is project-wide configuration, fetched once per operation.
type ProjectSettings struct {
	ProjectID           string   `json:"project_id"`
	NativeScheduling    bool     `json:"native_scheduling"`
	ChannelRef          string   `json:"channel_ref"`
	Timezone            string   `json:"timezone"`
	PostingTimes        []string `json:"posting_times"`
	SlotsPerWeek        int      `json:"slots_per_week"`
	MaxRounds           int      `json:"max_rounds"`
	MaxDeliveryAttempts int      `json:"max_delivery_attempts"`
	DefaultPresetID     string   `json:"default_preset_id,omitempty"`
}

// Settings defaults.
const (
	DefaultMaxRounds           = 3
	MaxMaxRounds               = 5
	DefaultMaxDeliveryAttempts = 3
)

// DefaultSettings returns the settings used for a project with no stored row.
func DefaultSettings(projectID string) ProjectSettings {
	return ProjectSettings{
		ProjectID:           projectID,
		Timezone:            "UTC",
		PostingTimes:        []string{"09:00", "18:00"},
		SlotsPerWeek:        DefaultCapacity,
		MaxRounds:           DefaultMaxRounds,
		MaxDeliveryAttempts: DefaultMaxDeliveryAttempts,
	}
}

// Normalize fills zero values with defaults and clamps bounded fields.
func (s ProjectSettings) Normalize() ProjectSettings {
	d := DefaultSettings(s.ProjectID)
	if s.Timezone == "" {
		s.Timezone = d.Timezone
	}
	if len(s.PostingTimes) == 0 {
		s.PostingTimes = d.PostingTimes
	}
	if s.SlotsPerWeek <= 0 {
		s.SlotsPerWeek = d.SlotsPerWeek
	}
	if s.SlotsPerWeek > DefaultCapacity {
		s.SlotsPerWeek = DefaultCapacity
	}
	if s.MaxRounds <= 0 {
		s.MaxRounds = d.MaxRounds
	}
	if s.MaxRounds > MaxMaxRounds {
		s.MaxRounds = MaxMaxRounds
	}
	if s.MaxDeliveryAttempts <= 0 {
		s.MaxDeliveryAttempts = d.MaxDeliveryAttempts
	}
	return s
}

// Location loads the project time zone.
func (s ProjectSettings) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, Invalid("timezone", "unknown time zone %q", s.Timezone)
	}
	return loc, nil
}

// ParseClock parses an "HH:MM" posting time into hour and minute.
func ParseClock(s string) (int, int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, Invalid("posting_times", "expected HH:MM, got %q", s)
	}
	return t.Hour(), t.Minute(), nil
}

// AuditRecord is an append-only record of a state-mutating decision.
type AuditRecord struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	EntityID   string    `json:"entity_id"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	Details    string    `json:"details,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (r AuditRecord) String() string {
	return fmt.Sprintf("%s %s %s", r.Action, r.EntityID, r.Outcome)
}
