// Package deployer drives deployments through their state machine:
// pending -> in_progress -> {completed|failed}. It only proposes
// transitions; the store enforces legality, so a crashed deployer can
// never corrupt deployment history.
package deployer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cygni/cloudexpress/internal/domain"
	"github.com/cygni/cloudexpress/internal/orchestrator"
	"github.com/cygni/cloudexpress/internal/store"
)

var (
	// ErrInvalidStrategy rejects strategies other than rolling at admission.
	ErrInvalidStrategy = errors.New("deployer: invalid rollout strategy")
	// ErrBuildNotReady rejects deployments referencing a job that has not
	// finished successfully.
	ErrBuildNotReady = errors.New("deployer: referenced build is not ready")
	// ErrAlreadyTerminal rejects cancellation of finished deployments.
	ErrAlreadyTerminal = errors.New("deployer: deployment already terminal")
)

// Publisher receives deployment lifecycle events.
type Publisher interface {
	Publish(domain.Event)
}

// Options tune the reconcile loop.
type Options struct {
	RolloutTimeout     time.Duration
	HealthPollInterval time.Duration
}

func (o *Options) fill() {
	if o.RolloutTimeout <= 0 {
		o.RolloutTimeout = 5 * time.Minute
	}
	if o.HealthPollInterval <= 0 {
		o.HealthPollInterval = 10 * time.Second
	}
}

// Service admits deployments and reconciles them against the orchestrator.
type Service struct {
	jobs        store.JobStore
	deployments store.DeploymentStore
	orch        orchestrator.Orchestrator
	events      Publisher
	logger      *slog.Logger
	opts        Options
	now         func() time.Time

	// lastHealth remembers the most recent probe per deployment so a
	// terminal transition can record what was actually observed. Guarded
	// by mu: the reconcile loop writes while Cancel reads.
	mu         sync.Mutex
	lastHealth map[string]orchestrator.HealthReport
}

// New constructs the deployment service.
func New(jobs store.JobStore, deployments store.DeploymentStore, orch orchestrator.Orchestrator, events Publisher, logger *slog.Logger, opts Options) *Service {
	opts.fill()
	return &Service{
		jobs:        jobs,
		deployments: deployments,
		orch:        orch,
		events:      events,
		logger:      logger,
		opts:        opts,
		now:         time.Now,
		lastHealth:  make(map[string]orchestrator.HealthReport),
	}
}

// Admit validates the request and creates a pending deployment. The
// referenced build must already be a successful terminal job; rollbacks
// are just new deployments referencing an older successful build.
func (s *Service) Admit(ctx context.Context, req domain.DeploymentRequest) (*domain.Deployment, error) {
	if strings.TrimSpace(req.ProjectID) == "" {
		return nil, fmt.Errorf("%w: project_id required", ErrInvalidStrategy)
	}
	if strings.TrimSpace(req.Environment) == "" {
		return nil, fmt.Errorf("%w: environment required", ErrInvalidStrategy)
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = domain.StrategyRolling
	}
	if strategy != domain.StrategyRolling {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStrategy, req.Strategy)
	}

	job, err := s.jobs.GetJob(ctx, req.BuildJobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: build %s not found", ErrBuildNotReady, req.BuildJobID)
		}
		return nil, err
	}
	if job.Status != domain.JobSuccess {
		return nil, fmt.Errorf("%w: build %s is %s", ErrBuildNotReady, job.ID, job.Status)
	}
	if job.ProjectID != req.ProjectID {
		return nil, fmt.Errorf("%w: build %s belongs to another project", ErrBuildNotReady, job.ID)
	}

	now := s.now().UTC()
	d := &domain.Deployment{
		ID:           uuid.NewString(),
		ProjectID:    req.ProjectID,
		Environment:  req.Environment,
		Strategy:     strategy,
		BuildJobID:   job.ID,
		ImageURL:     job.ImageURL,
		Status:       domain.DeploymentPending,
		HealthStatus: domain.HealthPending,
		StartedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.deployments.CreateDeployment(ctx, d); err != nil {
		return nil, err
	}
	s.logger.Info("deployment admitted",
		"deployment_id", d.ID, "project_id", d.ProjectID,
		"environment", d.Environment, "image_url", d.ImageURL)
	s.publish(domain.Event{
		ProjectID:  d.ProjectID,
		Type:       domain.EventDeploymentAccepted,
		Deployment: d.ID,
		Metadata:   map[string]string{"environment": d.Environment, "image_url": d.ImageURL},
	})
	return d, nil
}

// Get fetches a deployment.
func (s *Service) Get(ctx context.Context, id string) (*domain.Deployment, error) {
	return s.deployments.GetDeployment(ctx, id)
}

// ListByProject returns recent deployments for a project.
func (s *Service) ListByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	return s.deployments.ListDeploymentsByProject(ctx, projectID, limit)
}

// Cancel cooperatively aborts a deployment: the orchestrator is asked to
// stop the rollout and the record fails with reason "cancelled" once the
// abort is acknowledged. Terminal deployments cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, id string) error {
	d, err := s.deployments.GetDeployment(ctx, id)
	if err != nil {
		return err
	}
	if domain.DeploymentTerminal(d.Status) {
		return ErrAlreadyTerminal
	}
	if d.Status == domain.DeploymentInProgress {
		if err := s.orch.Abort(ctx, d.ID); err != nil {
			return fmt.Errorf("abort rollout: %w", err)
		}
	}
	s.fail(ctx, d, domain.CancelledReason, s.healthLabel(d.ID))
	return nil
}

// Run reconciles deployments until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.HealthPollInterval)
	defer ticker.Stop()

	s.logger.Info("deployment controller started", "poll_interval", s.opts.HealthPollInterval)
	s.Reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("deployment controller stopped")
			return
		case <-ticker.C:
			s.Reconcile(ctx)
		}
	}
}

// Reconcile runs one pass over pending and in-progress deployments.
func (s *Service) Reconcile(ctx context.Context) {
	s.reconcilePending(ctx)
	s.reconcileInProgress(ctx)
}

func (s *Service) reconcilePending(ctx context.Context) {
	pending, err := s.deployments.ListDeploymentsByStatus(ctx, domain.DeploymentPending)
	if err != nil {
		s.logger.Warn("list pending deployments failed", "error", err)
		return
	}
	for i := range pending {
		d := &pending[i]
		if s.timedOut(d) {
			s.fail(ctx, d, "rollout request timed out", "")
			continue
		}
		resp, err := s.orch.RequestRollout(ctx, orchestrator.RolloutRequest{
			DeploymentID: d.ID,
			ProjectID:    d.ProjectID,
			Environment:  d.Environment,
			Strategy:     d.Strategy,
			ImageURL:     d.ImageURL,
		})
		if err != nil {
			// Transport failure: the orchestrator was never asked, so
			// the deployment stays pending and is retried next pass.
			s.logger.Warn("rollout request failed", "deployment_id", d.ID, "error", err)
			continue
		}
		if !resp.Accepted {
			s.fail(ctx, d, "rollout rejected: "+resp.Reason, "")
			continue
		}
		update := domain.DeploymentStatusUpdate{
			DeploymentID: d.ID,
			Status:       domain.DeploymentInProgress,
		}
		if err := s.deployments.UpdateDeploymentStatus(ctx, update); err != nil {
			s.logger.Warn("deployment transition failed", "deployment_id", d.ID, "error", err)
			continue
		}
		s.logger.Info("rollout started", "deployment_id", d.ID, "project_id", d.ProjectID)
	}
}

func (s *Service) reconcileInProgress(ctx context.Context) {
	active, err := s.deployments.ListDeploymentsByStatus(ctx, domain.DeploymentInProgress)
	if err != nil {
		s.logger.Warn("list active deployments failed", "error", err)
		return
	}
	for i := range active {
		d := &active[i]
		report, err := s.orch.Health(ctx, d.ID)
		if err != nil {
			s.logger.Warn("health probe failed", "deployment_id", d.ID, "error", err)
			if s.timedOut(d) {
				s.fail(ctx, d, "rollout timed out: orchestrator unreachable", s.healthLabel(d.ID))
			}
			continue
		}
		s.mu.Lock()
		s.lastHealth[d.ID] = report
		s.mu.Unlock()

		if report.Healthy && report.ReadyReplicas >= report.DesiredReplicas {
			s.complete(ctx, d)
			continue
		}
		if s.timedOut(d) {
			reason := report.Reason
			if reason == "" {
				reason = fmt.Sprintf("%d/%d replicas ready", report.ReadyReplicas, report.DesiredReplicas)
			}
			s.fail(ctx, d, "rollout timed out: "+reason, domain.HealthUnhealthy)
		}
	}
}

func (s *Service) complete(ctx context.Context, d *domain.Deployment) {
	completedAt := s.now().UTC()
	update := domain.DeploymentStatusUpdate{
		DeploymentID: d.ID,
		Status:       domain.DeploymentCompleted,
		HealthStatus: domain.HealthHealthy,
		CompletedAt:  &completedAt,
	}
	if err := s.deployments.UpdateDeploymentStatus(ctx, update); err != nil {
		s.logger.Warn("deployment completion failed", "deployment_id", d.ID, "error", err)
		return
	}
	s.mu.Lock()
	delete(s.lastHealth, d.ID)
	s.mu.Unlock()
	s.logger.Info("deployment completed", "deployment_id", d.ID, "project_id", d.ProjectID)
	s.publish(domain.Event{
		ProjectID:  d.ProjectID,
		Type:       domain.EventDeploymentCompleted,
		Deployment: d.ID,
	})
}

func (s *Service) fail(ctx context.Context, d *domain.Deployment, reason, healthStatus string) {
	completedAt := s.now().UTC()
	update := domain.DeploymentStatusUpdate{
		DeploymentID: d.ID,
		Status:       domain.DeploymentFailed,
		HealthStatus: healthStatus,
		Error:        reason,
		CompletedAt:  &completedAt,
	}
	if err := s.deployments.UpdateDeploymentStatus(ctx, update); err != nil {
		s.logger.Warn("deployment failure transition failed", "deployment_id", d.ID, "error", err)
		return
	}
	s.mu.Lock()
	delete(s.lastHealth, d.ID)
	s.mu.Unlock()
	s.logger.Error("deployment failed", "deployment_id", d.ID, "project_id", d.ProjectID, "reason", reason)
	s.publish(domain.Event{
		ProjectID:  d.ProjectID,
		Type:       domain.EventDeploymentFailed,
		Deployment: d.ID,
		Message:    reason,
	})
}

// healthLabel maps the last observed probe to a health status value.
func (s *Service) healthLabel(deploymentID string) string {
	s.mu.Lock()
	report, ok := s.lastHealth[deploymentID]
	s.mu.Unlock()
	if !ok {
		return ""
	}
	if report.Healthy {
		return domain.HealthHealthy
	}
	return domain.HealthUnhealthy
}

func (s *Service) timedOut(d *domain.Deployment) bool {
	return s.now().Sub(d.StartedAt) > s.opts.RolloutTimeout
}

func (s *Service) publish(ev domain.Event) {
	if s.events == nil {
		return
	}
	s.events.Publish(ev)
}
