package memory

import (
	"context"
	"sort"

	"github.com/cygni/cloudexpress/internal/domain"
	"github.com/cygni/cloudexpress/internal/store"
)

// legalFrom mirrors the PostgreSQL repository's transition table.
func legalFrom(target string) []string {
	switch target {
	case domain.DeploymentInProgress:
		return []string{domain.DeploymentPending}
	case domain.DeploymentCompleted:
		return []string{domain.DeploymentInProgress}
	case domain.DeploymentFailed:
		return []string{domain.DeploymentPending, domain.DeploymentInProgress}
	}
	return nil
}

// CreateDeployment inserts a pending deployment record.
func (s *Store) CreateDeployment(_ context.Context, d *domain.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.deployments[d.ID]; exists {
		return store.ErrDuplicateID
	}
	clone := cloneDeployment(d)
	s.deployments[d.ID] = &clone
	return nil
}

// UpdateDeploymentStatus applies a proposed transition, rejecting moves
// the state machine does not allow.
func (s *Store) UpdateDeploymentStatus(_ context.Context, update domain.DeploymentStatusUpdate) error {
	allowed := legalFrom(update.Status)
	if allowed == nil {
		return store.ErrIllegalTransition
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[update.DeploymentID]
	if !ok {
		return store.ErrNotFound
	}
	legal := false
	for _, from := range allowed {
		if d.Status == from {
			legal = true
			break
		}
	}
	if !legal {
		return store.ErrIllegalTransition
	}
	d.Status = update.Status
	if update.HealthStatus != "" {
		d.HealthStatus = update.HealthStatus
	}
	if update.Error != "" {
		d.Error = update.Error
	}
	if update.CompletedAt != nil {
		completed := *update.CompletedAt
		d.CompletedAt = &completed
	}
	d.UpdatedAt = s.now()
	return nil
}

// GetDeployment fetches a deployment by id.
func (s *Store) GetDeployment(_ context.Context, id string) (*domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := cloneDeployment(d)
	return &clone, nil
}

// ListDeploymentsByProject returns recent deployments for a project.
func (s *Store) ListDeploymentsByProject(_ context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deployments := make([]domain.Deployment, 0)
	for _, d := range s.deployments {
		if d.ProjectID == projectID {
			deployments = append(deployments, cloneDeployment(d))
		}
	}
	sort.Slice(deployments, func(i, j int) bool {
		return deployments[i].StartedAt.After(deployments[j].StartedAt)
	})
	if limit > 0 && len(deployments) > limit {
		deployments = deployments[:limit]
	}
	return deployments, nil
}

// ListDeploymentsByStatus returns deployments in the given status, oldest
// first, for the state machine's reconcile loop.
func (s *Store) ListDeploymentsByStatus(_ context.Context, status string) ([]domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deployments := make([]domain.Deployment, 0)
	for _, d := range s.deployments {
		if d.Status == status {
			deployments = append(deployments, cloneDeployment(d))
		}
	}
	sort.Slice(deployments, func(i, j int) bool {
		return deployments[i].StartedAt.Before(deployments[j].StartedAt)
	})
	return deployments, nil
}

func cloneDeployment(d *domain.Deployment) domain.Deployment {
	clone := *d
	if d.CompletedAt != nil {
		completed := *d.CompletedAt
		clone.CompletedAt = &completed
	}
	return clone
}
