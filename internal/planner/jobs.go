package planner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yangwenmai/cadence/internal/model"
)

// Job statuses.
const (
	JobRunning   = "running"
	JobCompleted = "completed"
	JobCancelled = "cancelled"
	JobFailed    = "failed"
)

// DefaultJobTimeout bounds a background job.
const DefaultJobTimeout = 2 * time.Hour

// DefaultJobRetention is how long a finished job stays queryable.
const DefaultJobRetention = 24 * time.Hour

// Job is a snapshot of a background job.
type Job struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	Status     string     `json:"status"`
	Result     any        `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type jobEntry struct {
	job    Job
	cancel context.CancelFunc
	done   chan struct{}
}

// Jobs runs long planning work in the background. Jobs live in memory only;
// finished jobs are evicted once they are older than the retention period.
type Jobs struct {
	mu        sync.Mutex
	jobs      map[string]*jobEntry
	timeout   time.Duration
	retention time.Duration
	now       func() time.Time
	wg        sync.WaitGroup
}

// JobsOption configures a Jobs registry.
type JobsOption func(*Jobs)

// WithRetention sets how long finished jobs are kept.
func WithRetention(d time.Duration) JobsOption {
	return func(j *Jobs) {
		if d > 0 {
			j.retention = d
		}
	}
}

// WithJobClock replaces the registry's clock.
func WithJobClock(now func() time.Time) JobsOption {
	return func(j *Jobs) { j.now = now }
}

// NewJobs creates an empty registry. A zero timeout uses DefaultJobTimeout.
func NewJobs(timeout time.Duration, opts ...JobsOption) *Jobs {
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	j := &Jobs{
		jobs:      make(map[string]*jobEntry),
		timeout:   timeout,
		retention: DefaultJobRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// prune drops finished jobs past retention. Callers hold j.mu.
func (j *Jobs) prune() {
	cutoff := j.now().Add(-j.retention)
	for id, e := range j.jobs {
		if f := e.job.FinishedAt; f != nil && f.Before(cutoff) {
			delete(j.jobs, id)
		}
	}
}

// Start runs fn in the background and returns the job's initial snapshot.
func (j *Jobs) Start(kind string, fn func(ctx context.Context) (any, error)) Job {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	e := &jobEntry{
		job:    Job{ID: uuid.NewString(), Kind: kind, Status: JobRunning, StartedAt: j.now().UTC()},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	j.mu.Lock()
	j.prune()
	j.jobs[e.job.ID] = e
	snapshot := e.job
	j.mu.Unlock()

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		defer close(e.done)
		defer cancel()

		result, err := fn(ctx)

		j.mu.Lock()
		defer j.mu.Unlock()
		now := j.now().UTC()
		e.job.FinishedAt = &now
		e.job.Result = result
		switch {
		case err == nil:
			e.job.Status = JobCompleted
		case errors.Is(err, context.Canceled):
			e.job.Status = JobCancelled
			e.job.Error = err.Error()
		default:
			e.job.Status = JobFailed
			e.job.Error = err.Error()
		}
		slog.Info("job finished", "job_id", e.job.ID, "kind", kind, "status", e.job.Status)
	}()
	return snapshot
}

// Get returns a snapshot of a job.
func (j *Jobs) Get(id string) (Job, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.prune()
	e, ok := j.jobs[id]
	if !ok {
		return Job{}, model.ErrNotFound
	}
	return e.job, nil
}

// Cancel stops a running job. Work it already completed is kept.
func (j *Jobs) Cancel(id string) (Job, error) {
	j.mu.Lock()
	e, ok := j.jobs[id]
	j.mu.Unlock()
	if !ok {
		return Job{}, model.ErrNotFound
	}
	e.cancel()
	<-e.done
	return j.Get(id)
}

// Shutdown cancels every job and waits for them to stop.
func (j *Jobs) Shutdown() {
	j.mu.Lock()
	for _, e := range j.jobs {
		e.cancel()
	}
	j.mu.Unlock()
	j.wg.Wait()
}

// StartQuarter validates req and plans the quarter as a background job.
func (p *Planner) StartQuarter(jobs *Jobs, req PlanQuarterRequest) (Job, error) {
	if err := checkRequest(req); err != nil {
		return Job{}, err
	}
	return jobs.Start("plan_quarter", func(ctx context.Context) (any, error) {
		return p.PlanQuarter(ctx, req)
	}), nil
}
