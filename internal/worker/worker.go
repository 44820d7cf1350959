// Package worker runs the build loop: dequeue a leased job, execute the
// build while heartbeating, report the terminal result. The lease is the
// worker's permission to work; once it lapses the worker abandons the
// job silently and the reaper decides its fate.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cygni/cloudexpress/internal/builder"
	"github.com/cygni/cloudexpress/internal/domain"
	"github.com/cygni/cloudexpress/internal/queue"
	"github.com/cygni/cloudexpress/internal/store"
)

// Dequeuer hands out claimed jobs; satisfied by queue.Service.
type Dequeuer interface {
	Dequeue(ctx context.Context, workerID string) (*domain.BuildJob, error)
}

// Options tune a single worker.
type Options struct {
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	BuildTimeout      time.Duration
}

func (o *Options) fill() {
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = time.Minute
	}
	// The heartbeat must land well before the lease lapses or a healthy
	// build gets reaped mid-flight.
	if o.HeartbeatInterval <= 0 || o.HeartbeatInterval >= o.LeaseDuration {
		o.HeartbeatInterval = o.LeaseDuration / 4
	}
	if o.BuildTimeout <= 0 {
		o.BuildTimeout = 10 * time.Minute
	}
}

// Worker processes one build at a time.
type Worker struct {
	id      string
	queue   Dequeuer
	jobs    store.JobStore
	logs    store.LogStore
	builder builder.Builder
	events  queue.Publisher
	metrics *Metrics
	logger  *slog.Logger
	opts    Options
}

// New returns a worker bound to the given stores and builder.
func New(id string, dequeuer Dequeuer, jobs store.JobStore, logs store.LogStore, b builder.Builder, events queue.Publisher, metrics *Metrics, logger *slog.Logger, opts Options) *Worker {
	opts.fill()
	return &Worker{
		id:      id,
		queue:   dequeuer,
		jobs:    jobs,
		logs:    logs,
		builder: b,
		events:  events,
		metrics: metrics,
		logger:  logger.With("worker_id", id),
		opts:    opts,
	}
}

// ID returns the worker's lease identity.
func (w *Worker) ID() string { return w.id }

// Run dequeues and processes jobs until dequeueCtx is cancelled. buildCtx
// bounds in-flight builds independently so a drain can let the current
// build finish after dequeuing stops.
func (w *Worker) Run(dequeueCtx, buildCtx context.Context) {
	for {
		job, err := w.queue.Dequeue(dequeueCtx, w.id)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			w.logger.Error("dequeue failed", "error", err)
			continue
		}
		w.Process(buildCtx, job)
	}
}

// Process executes one claimed job through to a terminal report, lease
// loss, or release on shutdown.
func (w *Worker) Process(ctx context.Context, job *domain.BuildJob) {
	log := w.logger.With("job_id", job.ID, "project_id", job.ProjectID)
	log.Info("build started", "commit_sha", job.CommitSHA)
	w.publish(domain.Event{
		ProjectID: job.ProjectID,
		Type:      domain.EventJobActive,
		JobID:     job.ID,
		WorkerID:  w.id,
	})

	buildCtx, cancel := context.WithTimeout(ctx, w.opts.BuildTimeout)
	defer cancel()

	leaseLost := make(chan struct{})
	heartbeatDone := make(chan struct{})
	go w.heartbeat(buildCtx, job.ID, cancel, leaseLost, heartbeatDone)

	start := time.Now()
	artifact, buildErr := w.builder.Build(buildCtx, job, w.logSink(job))
	cancel()
	<-heartbeatDone
	duration := time.Since(start)

	select {
	case <-leaseLost:
		// The lease is gone: another worker may already own this job.
		// Publishing anything now could race a legitimate result, so the
		// build is abandoned and the reaper's verdict stands.
		log.Warn("lease expired mid-build, abandoning job", "duration", duration)
		return
	default:
	}

	if buildErr != nil && ctx.Err() != nil {
		// Shutdown cancelled the build. Release the lease so the queue
		// can reassign promptly instead of waiting for lease expiry.
		if err := w.jobs.ReleaseLease(context.Background(), job.ID, w.id); err != nil {
			log.Warn("lease release failed", "error", err)
		}
		log.Info("build interrupted by shutdown, lease released")
		return
	}

	if buildErr != nil {
		w.reportFailure(job, buildErr, duration, log)
		return
	}
	w.reportSuccess(job, artifact, duration, log)
}

func (w *Worker) heartbeat(ctx context.Context, jobID string, abort context.CancelFunc, leaseLost, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.jobs.Heartbeat(ctx, jobID, w.id, w.opts.LeaseDuration)
			if err == nil {
				continue
			}
			if errors.Is(err, store.ErrLeaseExpired) {
				close(leaseLost)
				abort()
				return
			}
			if errors.Is(err, context.Canceled) {
				return
			}
			w.logger.Warn("heartbeat failed", "job_id", jobID, "error", err)
		}
	}
}

// logSink persists build output and mirrors it onto the event stream.
func (w *Worker) logSink(job *domain.BuildJob) builder.LogSink {
	return func(line string) {
		if err := w.logs.AppendLog(context.Background(), job.ID, line); err != nil {
			w.logger.Warn("log append failed", "job_id", job.ID, "error", err)
		}
		w.publish(domain.Event{
			ProjectID: job.ProjectID,
			Type:      domain.EventLogLine,
			JobID:     job.ID,
			WorkerID:  w.id,
			Message:   line,
		})
	}
}

func (w *Worker) reportSuccess(job *domain.BuildJob, artifact *builder.Artifact, duration time.Duration, log *slog.Logger) {
	result := domain.JobResult{
		Status:   domain.JobSuccess,
		ImageURL: artifact.ImageURL,
		Metadata: artifact.Metadata,
	}
	if result.Metadata == nil {
		result.Metadata = make(map[string]string)
	}
	result.Metadata["duration_seconds"] = strconv.FormatInt(int64(duration.Seconds()), 10)

	if err := w.jobs.Complete(context.Background(), job.ID, w.id, result); err != nil {
		log.Error("completion report failed", "error", err)
		return
	}
	w.metrics.ObserveBuild(domain.JobSuccess, duration)
	log.Info("build succeeded", "image_url", artifact.ImageURL, "duration", duration)
	w.publish(domain.Event{
		ProjectID: job.ProjectID,
		Type:      domain.EventJobCompleted,
		JobID:     job.ID,
		WorkerID:  w.id,
		Metadata:  map[string]string{"image_url": artifact.ImageURL},
	})
}

func (w *Worker) reportFailure(job *domain.BuildJob, buildErr error, duration time.Duration, log *slog.Logger) {
	w.logSink(job)(fmt.Sprintf("build failed: %v", buildErr))
	result := domain.JobResult{
		Status: domain.JobFailed,
		Error:  buildErr.Error(),
		Metadata: map[string]string{
			"infra_failure": strconv.FormatBool(builder.IsInfra(buildErr)),
		},
	}
	if err := w.jobs.Complete(context.Background(), job.ID, w.id, result); err != nil {
		log.Error("failure report failed", "error", err)
		return
	}
	w.metrics.ObserveBuild(domain.JobFailed, duration)
	log.Error("build failed", "error", buildErr, "infra", builder.IsInfra(buildErr))
	w.publish(domain.Event{
		ProjectID: job.ProjectID,
		Type:      domain.EventJobFailed,
		JobID:     job.ID,
		WorkerID:  w.id,
		Message:   buildErr.Error(),
	})
}

func (w *Worker) publish(ev domain.Event) {
	if w.events == nil {
		return
	}
	w.events.Publish(ev)
}
