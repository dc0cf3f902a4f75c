package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/yangwenmai/cadence/internal/model"
	"github.com/yangwenmai/cadence/internal/planner"
	"github.com/yangwenmai/cadence/internal/worker"
)

// maxRequestBody is the maximum allowed request body size (1 MB).
const maxRequestBody int64 = 1 << 20

// Sweeper runs one publishing sweep on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (worker.Result, error)
}

// Server holds the HTTP handlers and dependencies.
type Server struct {
	svc     Lifecycle
	planner Planner
	jobs    *planner.Jobs
	sweeper Sweeper
	origin  string
	mux     *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithCORSOrigin sets the allowed CORS origin. Defaults to "*".
func WithCORSOrigin(origin string) Option {
	return func(s *Server) {
		if origin != "" {
			s.origin = origin
		}
	}
}

// New creates a new API server.
func New(svc Lifecycle, p Planner, jobs *planner.Jobs, sw Sweeper, opts ...Option) *Server {
	srv := &Server{svc: svc, planner: p, jobs: jobs, sweeper: sw, origin: "*", mux: http.NewServeMux()}
	for _, opt := range opts {
		opt(srv)
	}
	srv.routes()
	return srv
}

// Handler returns the root http.Handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(s.origin, limitBody(jsonContent(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/projects/{project}/settings", s.handleGetSettings)
	s.mux.HandleFunc("PUT /api/projects/{project}/settings", s.handlePutSettings)
	s.mux.HandleFunc("PUT /api/projects/{project}/presets", s.handlePutPreset)
	s.mux.HandleFunc("POST /api/projects/{project}/weeks", s.handlePlanWeek)
	s.mux.HandleFunc("POST /api/projects/{project}/quarters", s.handlePlanQuarter)

	s.mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("DELETE /api/jobs/{id}", s.handleCancelJob)

	s.mux.HandleFunc("GET /api/buckets/{id}", s.handleGetBucket)
	s.mux.HandleFunc("PATCH /api/buckets/{id}", s.handleUpdateBucket)
	s.mux.HandleFunc("POST /api/buckets/{id}/regenerate", s.handleRegenerate)
	s.mux.HandleFunc("POST /api/buckets/{id}/approve", s.handleApproveBucket)
	s.mux.HandleFunc("POST /api/buckets/{id}/generate", s.handleGenerateBucket)
	s.mux.HandleFunc("POST /api/buckets/{id}/comments", s.handleComment(model.EntityBucket))

	s.mux.HandleFunc("GET /api/artifacts/{id}", s.handleGetArtifact)
	s.mux.HandleFunc("PATCH /api/artifacts/{id}", s.handleEditArtifact)
	s.mux.HandleFunc("GET /api/artifacts/{id}/runs", s.handleListRuns)
	s.mux.HandleFunc("POST /api/artifacts/{id}/approve-topic", s.handleApproveTopic)
	s.mux.HandleFunc("POST /api/artifacts/{id}/generate", s.handleGenerate)
	s.mux.HandleFunc("POST /api/artifacts/{id}/approve", s.handleApprove)
	s.mux.HandleFunc("POST /api/artifacts/{id}/publish", s.handlePublish)
	s.mux.HandleFunc("POST /api/artifacts/{id}/reopen", s.handleReopen)
	s.mux.HandleFunc("POST /api/artifacts/{id}/fail", s.handleFail)
	s.mux.HandleFunc("POST /api/artifacts/{id}/comments", s.handleComment(model.EntityArtifact))

	s.mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	s.mux.HandleFunc("POST /api/sweep", s.handleSweep)
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

// corsMiddleware sets CORS headers for the configured origin.
func corsMiddleware(origin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limitBody restricts the request body to maxRequestBody bytes.
func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		next.ServeHTTP(w, r)
	})
}

func jsonContent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// errorBody is the response for a failed operation. Artifact and Bucket carry
// the last known-good state when the operation left one behind.
type errorBody struct {
	Error     string          `json:"error"`
	Kind      string          `json:"kind"`
	Field     string          `json:"field,omitempty"`
	Retryable bool            `json:"retryable"`
	Artifact  *model.Artifact `json:"artifact,omitempty"`
	Bucket    *model.Bucket   `json:"bucket,omitempty"`
}

// writeFailure maps a typed error to its status code.
func writeFailure(w http.ResponseWriter, r *http.Request, err error, last *model.Artifact) {
	writeBody(w, r, err, errorBody{Artifact: last})
}

func writeBody(w http.ResponseWriter, r *http.Request, err error, body errorBody) {
	status, kind := classify(err)
	body.Error, body.Kind, body.Retryable = err.Error(), kind, model.IsRetryable(err)
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		body.Field = ve.Field
	}
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, body)
}

func classify(err error) (int, string) {
	var (
		ve *model.ValidationError
		te *model.StateTransitionError
		ce *model.ConflictError
		pe *model.ProviderError
		to *model.TimeoutError
		ch *model.ChannelError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.As(err, &te):
		return http.StatusConflict, "state_transition"
	case errors.As(err, &ce):
		return http.StatusConflict, "conflict"
	case errors.As(err, &to):
		return http.StatusGatewayTimeout, "timeout"
	case errors.As(err, &pe):
		return http.StatusBadGateway, "provider"
	case errors.As(err, &ch):
		return http.StatusBadGateway, "channel"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// decode reads an optional JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return model.Invalid("body", "invalid JSON body")
	}
	return nil
}
