package lifecycle

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/yangwenmai/cadence/internal/engine"
	"github.com/yangwenmai/cadence/internal/model"
)

// Settings returns the project's settings, defaults included.
func (s *Service) Settings(ctx context.Context, projectID string) (model.ProjectSettings, error) {
	return s.settings.GetSettings(ctx, projectID)
}

// UpdateSettings validates and stores project settings. Zero fields take
// their defaults.
func (s *Service) UpdateSettings(ctx context.Context, ps model.ProjectSettings) (model.ProjectSettings, error) {
	if strings.TrimSpace(ps.ProjectID) == "" {
		return model.ProjectSettings{}, model.Invalid("project_id", "required")
	}
	if ps.SlotsPerWeek > model.DefaultCapacity {
		return model.ProjectSettings{}, model.Invalid("slots_per_week", "at most %d slots per week", model.DefaultCapacity)
	}
	ps = ps.Normalize()
	if _, err := ps.Location(); err != nil {
		return model.ProjectSettings{}, err
	}
	for _, t := range ps.PostingTimes {
		if _, _, err := model.ParseClock(t); err != nil {
			return model.ProjectSettings{}, err
		}
	}
	if ps.NativeScheduling && ps.ChannelRef == "" {
		return model.ProjectSettings{}, model.Invalid("channel_ref", "required for native scheduling")
	}
	if ps.DefaultPresetID != "" {
		if _, err := s.store.GetPreset(ctx, ps.DefaultPresetID); err != nil {
			return model.ProjectSettings{}, err
		}
	}
	if err := s.store.PutSettings(ctx, ps); err != nil {
		return model.ProjectSettings{}, err
	}
	slog.Info("settings updated", "project_id", ps.ProjectID, "native", ps.NativeScheduling)
	return ps, nil
}

// PutPreset validates and stores a prompt preset. An empty id creates a new one.
func (s *Service) PutPreset(ctx context.Context, p model.PromptPreset) (*model.PromptPreset, error) {
	if strings.TrimSpace(p.ProjectID) == "" {
		return nil, model.Invalid("project_id", "required")
	}
	for name, o := range p.Roles {
		if _, err := engine.ParseRole(name); err != nil {
			return nil, err
		}
		if o.ModelRef != "" {
			if _, _, err := engine.ParseModelRef(o.ModelRef); err != nil {
				return nil, err
			}
		}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := s.store.PutPreset(ctx, p); err != nil {
		return nil, err
	}
	return &p, nil
}
