package api

import (
	"context"
	"net/http"
	"time"

	"github.com/yangwenmai/cadence/internal/lifecycle"
	"github.com/yangwenmai/cadence/internal/model"
	"github.com/yangwenmai/cadence/internal/planner"
)

// Lifecycle is the artifact and bucket service behind the handlers.
type Lifecycle interface {
	GetArtifact(ctx context.Context, id string) (*model.Artifact, error)
	GetRun(ctx context.Context, id string) (*model.AgentRun, error)
	ListRuns(ctx context.Context, targetID string) ([]model.AgentRun, error)
	BucketView(ctx context.Context, id string) (*model.BucketView, error)
	ApproveBucket(ctx context.Context, id string) (*model.BucketView, error)
	UpdateBucketFraming(ctx context.Context, id string, f lifecycle.Framing) (*model.BucketView, error)
	ApproveTopic(ctx context.Context, id string) (*model.Artifact, error)
	GenerateContent(ctx context.Context, id string) (*model.Artifact, error)
	ApproveArtifact(ctx context.Context, id string) (*model.Artifact, error)
	EditArtifact(ctx context.Context, id string, e lifecycle.Edit) (*model.Artifact, error)
	PublishNow(ctx context.Context, id string) (*model.Artifact, error)
	Reopen(ctx context.Context, id, reason string) (*model.Artifact, error)
	FailArtifact(ctx context.Context, id, reason string) (*model.Artifact, error)
	AddComment(ctx context.Context, entityType, entityID, text string) (*model.Comment, error)
	Settings(ctx context.Context, projectID string) (model.ProjectSettings, error)
	UpdateSettings(ctx context.Context, ps model.ProjectSettings) (model.ProjectSettings, error)
	PutPreset(ctx context.Context, p model.PromptPreset) (*model.PromptPreset, error)
}

// Planner creates and fills buckets.
type Planner interface {
	PlanWeek(ctx context.Context, req planner.PlanWeekRequest) (*model.Bucket, error)
	RegenerateWeek(ctx context.Context, bucketID string, overwrite bool) (*planner.RegenerateResult, error)
	GenerateBucket(ctx context.Context, bucketID string) (*planner.GenerateResult, error)
	StartQuarter(jobs *planner.Jobs, req planner.PlanQuarterRequest) (planner.Job, error)
}

// ---------------------------------------------------------------------------
// Projects
// ---------------------------------------------------------------------------

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	ps, err := s.svc.Settings(r.Context(), r.PathValue("project"))
	if err != nil {
		writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var ps model.ProjectSettings
	if err := decode(r, &ps); err != nil {
		writeFailure(w, r, err, nil)
		return
	}
	ps.ProjectID = r.PathValue("project")
	saved, err := s.svc.UpdateSettings(r.Context(), ps)
	if err != nil {
		writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handlePutPreset(w http.ResponseWriter, r *http.Request) {
	var p model.PromptPreset
	if err := decode(r, &p); err != nil {
		writeFailure(w, r, err, nil)
		return
	}
	p.ProjectID = r.PathValue("project")
	saved, err := s.svc.PutPreset(r.Context(), p)
	if err != nil {
		writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// ---------------------------------------------------------------------------
// POST /api/projects/{project}/weeks
// ---------------------------------------------------------------------------

func (s *Server) handlePlanWeek(w http.ResponseWriter, r *http.Request) {
	var req planner.PlanWeekRequest
	if err := decode(r, &req); err != nil {
		writeFailure(w, r, err, nil)
		return
	}
	req.ProjectID = r.PathValue("project")

	b, err := s.planner.PlanWeek(r.Context(), req)
	if err != nil {
		// A bucket created before topic generation failed is still reported.
		writeBody(w, r, err, errorBody{Bucket: b})
		return
	}
	v, err := s.svc.BucketView(r.Context(), b.ID)
	if err != nil {
		writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// ---------------------------------------------------------------------------
// POST /api/projects/{project}/quarters
// ---------------------------------------------------------------------------

func (s *Server) handlePlanQuarter(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "background jobs are disabled")
		return
	}
	var req planner.PlanQuarterRequest
	if err := decode(r, &req); err != nil {
		writeFailure(w, r, err, nil)
		return
	}
	req.ProjectID = r.PathValue("project")

	job, err := s.planner.StartQuarter(s.jobs, req)
	if err != nil {
		writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// ---------------------------------------------------------------------------
// /api/jobs/{id}
// ---------------------------------------------------------------------------

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	job, err := s.jobs.Get(r.PathValue("id"))
	if err != nil {
		writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	job, err := s.jobs.Cancel(r.PathValue("id"))
	if err != nil {
		writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ---------------------------------------------------------------------------
// /api/buckets/{id}
// ---------------------------------------------------------------------------

func (s *Server) handleGetBucket(w http.ResponseWriter, r *http.Request) {
	v, err := s.svc.BucketView(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type framingRequest struct {
	Theme  *string `json:"theme"`
	Thesis *string `json:"thesis"`
	Goal   *string `json:"goal"`
}

func (s *Server) handleUpdateBucket(w http.ResponseWriter, r *http.Request) {
	var req framingRequest
	if err := decode(r, &req); err != nil {
		writeFailure(w, r, err, nil)
		return
	}
	v, err := s.svc.UpdateBucketFraming(r.Context(), r.PathValue("id"), lifecycle.Framing{
		Theme:  req.Theme,
		Thesis: req.Thesis,
		Goal:   req.Goal,
	})
	if err != nil {
		writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type regenerateRequest struct {
	Overwrite bool `json:"overwrite"`
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	var req regenerateRequest
	if err := decode(r, &req); err != nil {
		writeFailure(w, r, err, nil)
		return
	}
	res, err := s.planner.RegenerateWeek(r.Context(), r.PathValue("id"), req.Overwrite)
	if err != nil {
		body := errorBody{}
		if res != nil {
			body.Bucket = res.Bucket
		}
		writeBody(w, r, err, body)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleApproveBucket(w http.ResponseWriter, r *http.Request) {
	v, err := s.svc.ApproveBucket(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleGenerateBucket(w http.ResponseWriter, r *http.Request) {
	res, err := s.planner.GenerateBucket(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type commentRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleComment(entityType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req commentRequest
		if err := decode(r, &req); err != nil {
			writeFailure(w, r, err, nil)
			return
		}
		c, err := s.svc.AddComment(r.Context(), entityType, r.PathValue("id"), req.Text)
		if err != nil {
			writeFailure(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, c)
	}
}

// ---------------------------------------------------------------------------
// /api/artifacts/{id}
// ---------------------------------------------------------------------------

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.GetArtifact(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type editRequest struct {
	Version      int        `json:"version"`
	Title        *string    `json:"title"`
	Brief        *string    `json:"brief"`
	Tags         []string   `json:"tags"`
	ReferenceURL *string    `json:"reference_url"`
	FinalText    *string    `json:"final_text"`
	ImageURL     *string    `json:"image_url"`
	PublishAt    *time.Time `json:"publish_at"`
}

func (s *Server) handleEditArtifact(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := decode(r, &req); err != nil {
		writeFailure(w, r, err, nil)
		return
	}
	a, err := s.svc.EditArtifact(r.Context(), r.PathValue("id"), lifecycle.Edit{
		Version:      req.Version,
		Title:        req.Title,
		Brief:        req.Brief,
		Tags:         req.Tags,
		ReferenceURL: req.ReferenceURL,
		FinalText:    req.FinalText,
		ImageURL:     req.ImageURL,
		PublishAt:    req.PublishAt,
	})
	if err != nil {
		writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.svc.ListRuns(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, r, err, nil)
		return
	}
	if runs == nil {
		runs = []model.AgentRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// artifactAction adapts a lifecycle operation on one artifact to a handler.
func (s *Server) artifactAction(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (*model.Artifact, error)) {
	a, err := op(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, r, err, a)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleApproveTopic(w http.ResponseWriter, r *http.Request) {
	s.artifactAction(w, r, s.svc.ApproveTopic)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	s.artifactAction(w, r, s.svc.GenerateContent)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.artifactAction(w, r, s.svc.ApproveArtifact)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	s.artifactAction(w, r, s.svc.PublishNow)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleReopen(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decode(r, &req); err != nil {
		writeFailure(w, r, err, nil)
		return
	}
	s.artifactAction(w, r, func(ctx context.Context, id string) (*model.Artifact, error) {
		return s.svc.Reopen(ctx, id, req.Reason)
	})
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decode(r, &req); err != nil {
		writeFailure(w, r, err, nil)
		return
	}
	if req.Reason == "" {
		req.Reason = "failed by user"
	}
	s.artifactAction(w, r, func(ctx context.Context, id string) (*model.Artifact, error) {
		return s.svc.FailArtifact(ctx, id, req.Reason)
	})
}

// ---------------------------------------------------------------------------
// GET /api/runs/{id}, POST /api/sweep
// ---------------------------------------------------------------------------

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, "sweeper is disabled")
		return
	}
	res, err := s.sweeper.Sweep(r.Context())
	if err != nil {
		writeFailure(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
