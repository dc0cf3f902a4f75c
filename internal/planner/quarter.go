package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/yangwenmai/cadence/internal/engine"
	"github.com/yangwenmai/cadence/internal/model"
)

// Quarter geometry.
const (
	MonthsPerQuarter = 3
	WeeksPerMonth    = 4
	MonthDays        = WeeksPerMonth * WeekDays
	QuarterDays      = MonthsPerQuarter * MonthDays
)

// PlanQuarterRequest asks for a quarter plan.
type PlanQuarterRequest struct {
	ProjectID string `json:"project_id" validate:"required"`
	GoalHint  string `json:"goal_hint" validate:"max=1000"`
	StartDate string `json:"start_date" validate:"omitempty,datetime=2006-01-02"`
}

// QuarterResult is the quarter and every sub-bucket created for it. Partial is
// set when planning stopped early; created buckets are kept.
type QuarterResult struct {
	Quarter *model.Bucket  `json:"quarter"`
	Months  []model.Bucket `json:"months"`
	Weeks   []model.Bucket `json:"weeks"`
	Partial bool           `json:"partial"`
}

// PlanQuarter creates a quarter, splits it into three month arcs and each arc
// into four week packages of topics. Cancelling ctx stops new sub-bucket work.
func (p *Planner) PlanQuarter(ctx context.Context, req PlanQuarterRequest) (*QuarterResult, error) {
	if err := checkRequest(req); err != nil {
		return nil, err
	}
	ps, err := p.store.GetSettings(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	loc, err := ps.Location()
	if err != nil {
		return nil, err
	}
	start, err := p.resolveStart(ctx, req.ProjectID, model.BucketQuarter, req.StartDate, nil, loc)
	if err != nil {
		return nil, err
	}

	q := model.NewBucket(uuid.NewString(), req.ProjectID, model.BucketQuarter, start, QuarterDays)
	q.Goal = strings.TrimSpace(req.GoalHint)
	if err := p.store.CreateBucket(ctx, q); err != nil {
		return nil, err
	}
	res := &QuarterResult{Quarter: &q}
	log := slog.With("quarter_id", q.ID)
	log.Info("quarter created", "start", q.StartDate.Format(model.DateLayout))

	months, err := p.arcs(ctx, &q, ps, engine.ChainMonths, MonthsPerQuarter,
		fmt.Sprintf("Split the quarter into exactly %d monthly arcs of four weeks each. Return JSON {\"months\":[{\"theme\",\"thesis\",\"goal\"}]}.", MonthsPerQuarter))
	if err != nil {
		return p.partial(res, err)
	}

	for i, arc := range months {
		if err := ctx.Err(); err != nil {
			return p.partial(res, err)
		}
		m := model.NewBucket(uuid.NewString(), req.ProjectID, model.BucketMonth, q.StartDate.AddDate(0, 0, i*MonthDays), MonthDays)
		m.ParentID = q.ID
		m.Theme, m.Thesis, m.Goal = arc.Theme, arc.Thesis, arc.Goal
		if err := p.store.CreateBucket(ctx, m); err != nil {
			return p.partial(res, err)
		}
		res.Months = append(res.Months, m)

		weeks, err := p.arcs(ctx, &m, ps, engine.ChainWeeks, WeeksPerMonth,
			fmt.Sprintf("Split this monthly arc into exactly %d weekly themes. Return JSON {\"weeks\":[{\"theme\",\"thesis\",\"goal\"}]}.", WeeksPerMonth))
		if err != nil {
			return p.partial(res, err)
		}
		for j, warc := range weeks {
			if err := ctx.Err(); err != nil {
				return p.partial(res, err)
			}
			w := model.NewBucket(uuid.NewString(), req.ProjectID, model.BucketWeekPackage, m.StartDate.AddDate(0, 0, j*WeekDays), WeekDays)
			w.ParentID = m.ID
			w.Theme, w.Thesis, w.Goal = warc.Theme, warc.Thesis, warc.Goal
			w.Capacity = ps.SlotsPerWeek
			created, err := p.createWeek(ctx, w, ps, loc)
			if created != nil {
				res.Weeks = append(res.Weeks, *created)
			}
			if err != nil {
				return p.partial(res, err)
			}
		}
	}
	log.Info("quarter planned", "months", len(res.Months), "weeks", len(res.Weeks))
	return res, nil
}

func (p *Planner) partial(res *QuarterResult, err error) (*QuarterResult, error) {
	res.Partial = true
	if errors.Is(err, context.Canceled) {
		slog.Info("quarter planning cancelled", "quarter_id", res.Quarter.ID, "months", len(res.Months), "weeks", len(res.Weeks))
	} else {
		slog.Warn("quarter planning stopped", "quarter_id", res.Quarter.ID, "error", err)
	}
	return res, err
}

// arcs runs a months or weeks chain on b and returns want arcs.
func (p *Planner) arcs(ctx context.Context, b *model.Bucket, ps model.ProjectSettings, chain engine.Chain, want int, task string) ([]engine.Arc, error) {
	seed, err := p.assembler.ForBucket(ctx, b, "", task)
	if err != nil {
		return nil, err
	}
	res, err := p.runner.Run(ctx, engine.Spec{
		Chain:     chain,
		Target:    engine.Target{Type: model.TargetBucket, ID: b.ID, ProjectID: b.ProjectID},
		Seed:      seed,
		PresetID:  ps.DefaultPresetID,
		MaxRounds: ps.MaxRounds,
		Validate: func(out string) error {
			_, err := engine.ParseArcs(out, want)
			return err
		},
	})
	if err != nil {
		return nil, err
	}
	return engine.ParseArcs(res.Output, want)
}
