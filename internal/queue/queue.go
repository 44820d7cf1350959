// Package queue mediates between build admission and workers. Admission
// creates pending jobs; workers dequeue via lease-based claims. The stall
// reaper returns abandoned leases to the queue so no job is lost to a
// crashed worker.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/cygni/cloudexpress/internal/domain"
	"github.com/cygni/cloudexpress/internal/store"
)

// ErrInvalidRequest flags build requests missing required fields.
var ErrInvalidRequest = errors.New("queue: invalid build request")

// Publisher receives lifecycle events emitted by the queue.
type Publisher interface {
	Publish(domain.Event)
}

// Options tune queue behaviour. Zero values fall back to defaults.
type Options struct {
	DefaultBranch     string
	DefaultDockerfile string
	LeaseDuration     time.Duration
	DequeuePoll       time.Duration
	MaxStallRetries   int
	SweepInterval     time.Duration
	RetryAttempts     int
}

func (o *Options) fill() {
	if o.DefaultBranch == "" {
		o.DefaultBranch = "main"
	}
	if o.DefaultDockerfile == "" {
		o.DefaultDockerfile = "Dockerfile"
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = time.Minute
	}
	if o.DequeuePoll <= 0 {
		o.DequeuePoll = 2 * time.Second
	}
	if o.MaxStallRetries <= 0 {
		o.MaxStallRetries = 3
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 10 * time.Second
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 4
	}
}

// Service is the build queue.
type Service struct {
	jobs   store.JobStore
	events Publisher
	logger *slog.Logger
	opts   Options
	now    func() time.Time
}

// New returns a queue service over the given job store.
func New(jobs store.JobStore, events Publisher, logger *slog.Logger, opts Options) Service {
	opts.fill()
	return Service{
		jobs:   jobs,
		events: events,
		logger: logger,
		opts:   opts,
		now:    time.Now,
	}
}

// Enqueue validates the request, applies defaults and persists a pending
// job. The returned job carries the generated id callers poll with.
func (s Service) Enqueue(ctx context.Context, req domain.BuildRequest) (*domain.BuildJob, error) {
	if strings.TrimSpace(req.ProjectID) == "" {
		return nil, fmt.Errorf("%w: project_id required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.RepoURL) == "" {
		return nil, fmt.Errorf("%w: repo_url required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.CommitSHA) == "" {
		return nil, fmt.Errorf("%w: commit_sha required", ErrInvalidRequest)
	}
	branch := req.Branch
	if branch == "" {
		branch = s.opts.DefaultBranch
	}
	dockerfile := req.DockerfilePath
	if dockerfile == "" {
		dockerfile = s.opts.DefaultDockerfile
	}

	now := s.now().UTC()
	job := &domain.BuildJob{
		ID:             uuid.NewString(),
		ProjectID:      req.ProjectID,
		RepoURL:        req.RepoURL,
		CommitSHA:      req.CommitSHA,
		Branch:         branch,
		DockerfilePath: dockerfile,
		BuildArgs:      req.BuildArgs,
		CacheKey:       req.CacheKey,
		Status:         domain.JobPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.jobs.CreateJob(ctx, job)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("build job enqueued",
		"job_id", job.ID, "project_id", job.ProjectID, "commit_sha", job.CommitSHA)
	return job, nil
}

// Dequeue claims the oldest pending job for workerID, polling until work
// arrives or ctx is cancelled.
func (s Service) Dequeue(ctx context.Context, workerID string) (*domain.BuildJob, error) {
	ticker := time.NewTicker(s.opts.DequeuePoll)
	defer ticker.Stop()
	for {
		job, err := s.jobs.ClaimNext(ctx, workerID, s.opts.LeaseDuration)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, store.ErrNotFound) && !errors.Is(err, store.ErrUnavailable) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunReaper sweeps expired leases until ctx is cancelled. Requeued jobs
// become claimable again; jobs past their stall budget are force-failed
// and a stalled event is published for each.
func (s Service) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one stall reap pass.
func (s Service) Sweep(ctx context.Context) {
	requeued, failed, err := s.jobs.ReapStalled(ctx, s.now().UTC(), s.opts.MaxStallRetries)
	if err != nil {
		s.logger.Error("stall sweep failed", "error", err)
		return
	}
	for _, job := range requeued {
		s.logger.Warn("stalled job requeued",
			"job_id", job.ID, "project_id", job.ProjectID, "stall_count", job.StallCount)
		s.publish(domain.Event{
			ProjectID: job.ProjectID,
			Type:      domain.EventJobStalled,
			JobID:     job.ID,
			Message:   "lease expired, job requeued",
		})
	}
	for _, job := range failed {
		s.logger.Error("stalled job force-failed",
			"job_id", job.ID, "project_id", job.ProjectID, "stall_count", job.StallCount)
		s.publish(domain.Event{
			ProjectID: job.ProjectID,
			Type:      domain.EventJobFailed,
			JobID:     job.ID,
			Message:   domain.StallReason,
		})
	}
}

func (s Service) publish(ev domain.Event) {
	if s.events == nil {
		return
	}
	s.events.Publish(ev)
}

// withRetry retries transient store failures with capped exponential
// backoff. Sentinel errors from the store are not transient and pass
// straight through.
func (s Service) withRetry(ctx context.Context, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(uint64(s.opts.RetryAttempts), retry.NewExponential(100*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrUnavailable) {
			return retry.RetryableError(err)
		}
		return err
	})
}
