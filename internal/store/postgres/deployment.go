package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cygni/cloudexpress/internal/domain"
	"github.com/cygni/cloudexpress/internal/store"
)

const deploymentColumns = `id, project_id, environment, strategy, build_job_id, image_url,
	status, health_status, error, started_at, updated_at, completed_at`

// legalFrom lists the statuses a deployment may transition from for each
// target. Terminal states never appear as a source: completed/failed
// records are immutable history.
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
func (r *Repository) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	const query = `INSERT INTO deployments
		(id, project_id, environment, strategy, build_job_id, image_url, status, health_status, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`
	_, err := r.pool.Exec(ctx, query,
		d.ID, d.ProjectID, d.Environment, d.Strategy, d.BuildJobID,
		d.ImageURL, d.Status, d.HealthStatus, d.StartedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return store.ErrDuplicateID
			case "23503":
				return store.ErrNotFound
			}
		}
		return err
	}
	return nil
}

// UpdateDeploymentStatus applies a proposed transition, rejecting moves
// the state machine does not allow.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error {
	allowed := legalFrom(update.Status)
	if allowed == nil {
		return store.ErrIllegalTransition
	}
	const query = `UPDATE deployments
		SET status = $2,
			health_status = COALESCE(NULLIF($3, ''), health_status),
			error = COALESCE(NULLIF($4, ''), error),
			updated_at = now(),
			completed_at = COALESCE($5, completed_at)
		WHERE id = $1 AND status = ANY($6)`
	tag, err := r.pool.Exec(ctx, query,
		update.DeploymentID, update.Status, update.HealthStatus,
		update.Error, update.CompletedAt, allowed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.GetDeployment(ctx, update.DeploymentID); errors.Is(getErr, store.ErrNotFound) {
			return store.ErrNotFound
		}
		return store.ErrIllegalTransition
	}
	return nil
}

// GetDeployment fetches a deployment by id.
func (r *Repository) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	d, err := scanDeployment(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ListDeploymentsByProject returns recent deployments for a project.
func (r *Repository) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE project_id = $1 ORDER BY started_at DESC LIMIT $2`
	return collectDeployments(r.pool.Query(ctx, query, projectID, limit))
}

// ListDeploymentsByStatus returns deployments in the given status, oldest
// first, for the state machine's reconcile loop.
func (r *Repository) ListDeploymentsByStatus(ctx context.Context, status string) ([]domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE status = $1 ORDER BY started_at ASC`
	return collectDeployments(r.pool.Query(ctx, query, status))
}

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var d domain.Deployment
	if err := row.Scan(
		&d.ID, &d.ProjectID, &d.Environment, &d.Strategy, &d.BuildJobID,
		&d.ImageURL, &d.Status, &d.HealthStatus, &d.Error,
		&d.StartedAt, &d.UpdatedAt, &d.CompletedAt,
	); err != nil {
		return nil, err
	}
	return &d, nil
}

func collectDeployments(rows pgx.Rows, err error) ([]domain.Deployment, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}
