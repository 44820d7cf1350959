package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cygni/cloudexpress/internal/domain"
	"github.com/cygni/cloudexpress/internal/store"
)

// Repository implements persistence interfaces on PostgreSQL. The atomic
// claim/heartbeat/complete statements are the concurrency-control core:
// each is a single guarded UPDATE so lease ownership never needs an
// application-level lock.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ store.Store = (*Repository)(nil)

const jobColumns = `id, project_id, repo_url, commit_sha, branch, dockerfile_path,
	build_args, cache_key, status, error, image_url, metadata,
	worker_id, lease_expires_at, stall_count, created_at, updated_at, completed_at`

// CreateJob inserts a pending build job.
func (r *Repository) CreateJob(ctx context.Context, job *domain.BuildJob) error {
	const query = `INSERT INTO build_jobs
		(id, project_id, repo_url, commit_sha, branch, dockerfile_path, build_args, cache_key, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`
	args, err := json.Marshal(job.BuildArgs)
	if err != nil {
		return fmt.Errorf("marshal build args: %w", err)
	}
	_, err = r.pool.Exec(ctx, query,
		job.ID, job.ProjectID, job.RepoURL, job.CommitSHA, job.Branch,
		job.DockerfilePath, args, nilIfEmpty(job.CacheKey), job.Status, job.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return store.ErrDuplicateID
		}
		return err
	}
	return nil
}

// Claim atomically transitions a pending job to running under workerID.
func (r *Repository) Claim(ctx context.Context, id, workerID string, leaseDuration time.Duration) (*domain.BuildJob, error) {
	const query = `UPDATE build_jobs
		SET status = 'running',
			worker_id = $2,
			lease_expires_at = now() + make_interval(secs => $3),
			updated_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + jobColumns
	row := r.pool.QueryRow(ctx, query, id, workerID, leaseDuration.Seconds())
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	// Claim lost: inspect the current row to report why.
	current, getErr := r.GetJob(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if current.Status == domain.JobRunning {
		return nil, store.ErrAlreadyClaimed
	}
	return nil, store.ErrNotPending
}

// ClaimNext claims the oldest unleased pending job. FOR UPDATE SKIP LOCKED
// keeps concurrent workers from contending on the same row while
// preserving enqueue order among the jobs each worker can see.
func (r *Repository) ClaimNext(ctx context.Context, workerID string, leaseDuration time.Duration) (*domain.BuildJob, error) {
	const query = `UPDATE build_jobs
		SET status = 'running',
			worker_id = $1,
			lease_expires_at = now() + make_interval(secs => $2),
			updated_at = now()
		WHERE id = (
			SELECT id FROM build_jobs
			WHERE status = 'pending'
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns
	row := r.pool.QueryRow(ctx, query, workerID, leaseDuration.Seconds())
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Heartbeat extends the lease held by workerID.
func (r *Repository) Heartbeat(ctx context.Context, id, workerID string, leaseDuration time.Duration) error {
	const query = `UPDATE build_jobs
		SET lease_expires_at = now() + make_interval(secs => $3),
			updated_at = now()
		WHERE id = $1 AND worker_id = $2 AND status = 'running'`
	tag, err := r.pool.Exec(ctx, query, id, workerID, leaseDuration.Seconds())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrLeaseExpired
	}
	return nil
}

// Complete transitions a running job to a terminal state. The guard on
// worker_id means only the current lease holder's report lands;
// last-writer-wins is not possible.
func (r *Repository) Complete(ctx context.Context, id, workerID string, result domain.JobResult) error {
	if !domain.JobTerminal(result.Status) {
		return store.ErrIllegalTransition
	}
	const query = `UPDATE build_jobs
		SET status = $3,
			image_url = $4,
			error = $5,
			metadata = $6,
			worker_id = '',
			lease_expires_at = NULL,
			updated_at = now(),
			completed_at = now()
		WHERE id = $1 AND worker_id = $2 AND status = 'running'`
	meta, err := json.Marshal(result.Metadata)
	if err != nil {
		return fmt.Errorf("marshal job metadata: %w", err)
	}
	tag, err := r.pool.Exec(ctx, query, id, workerID, result.Status, result.ImageURL, result.Error, meta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.GetJob(ctx, id); errors.Is(getErr, store.ErrNotFound) {
			return store.ErrNotFound
		}
		return store.ErrNotOwner
	}
	return nil
}

// ReleaseLease returns a running job to pending without a stall penalty.
func (r *Repository) ReleaseLease(ctx context.Context, id, workerID string) error {
	const query = `UPDATE build_jobs
		SET status = 'pending',
			worker_id = '',
			lease_expires_at = NULL,
			updated_at = now()
		WHERE id = $1 AND worker_id = $2 AND status = 'running'`
	tag, err := r.pool.Exec(ctx, query, id, workerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotOwner
	}
	return nil
}

// ReapStalled requeues expired leases up to maxStallRetries, then
// force-fails the rest with reason "stalled". A stalled job therefore
// always reaches a terminal, queryable state.
func (r *Repository) ReapStalled(ctx context.Context, now time.Time, maxStallRetries int) ([]domain.BuildJob, []domain.BuildJob, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	const requeueQuery = `UPDATE build_jobs
		SET status = 'pending',
			worker_id = '',
			lease_expires_at = NULL,
			stall_count = stall_count + 1,
			updated_at = now()
		WHERE status = 'running' AND lease_expires_at < $1 AND stall_count < $2
		RETURNING ` + jobColumns
	requeued, err := collectJobs(tx.Query(ctx, requeueQuery, now, maxStallRetries))
	if err != nil {
		return nil, nil, err
	}

	const failQuery = `UPDATE build_jobs
		SET status = 'failed',
			error = 'stalled',
			worker_id = '',
			lease_expires_at = NULL,
			stall_count = stall_count + 1,
			updated_at = now(),
			completed_at = now()
		WHERE status = 'running' AND lease_expires_at < $1 AND stall_count >= $2
		RETURNING ` + jobColumns
	failed, err := collectJobs(tx.Query(ctx, failQuery, now, maxStallRetries))
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return requeued, failed, nil
}

// GetJob fetches a job by id.
func (r *Repository) GetJob(ctx context.Context, id string) (*domain.BuildJob, error) {
	const query = `SELECT ` + jobColumns + ` FROM build_jobs WHERE id = $1`
	job, err := scanJob(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobsByProject returns recent jobs for a project, newest first.
func (r *Repository) ListJobsByProject(ctx context.Context, projectID string, limit int) ([]domain.BuildJob, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT ` + jobColumns + ` FROM build_jobs
		WHERE project_id = $1 ORDER BY created_at DESC LIMIT $2`
	return collectJobs(r.pool.Query(ctx, query, projectID, limit))
}

// CountJobsByStatus returns the number of jobs in the given status.
func (r *Repository) CountJobsByStatus(ctx context.Context, status string) (int, error) {
	const query = `SELECT count(*) FROM build_jobs WHERE status = $1`
	var n int
	if err := r.pool.QueryRow(ctx, query, status).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// AppendLog stores one build log line; seq is assigned by the database.
func (r *Repository) AppendLog(ctx context.Context, jobID, line string) error {
	const query = `INSERT INTO build_job_logs (job_id, line, created_at) VALUES ($1, $2, now())`
	_, err := r.pool.Exec(ctx, query, jobID, line)
	return err
}

// ListLogs pages through a job's log lines in append order.
func (r *Repository) ListLogs(ctx context.Context, jobID string, afterSeq int64, limit int) ([]domain.LogLine, error) {
	if limit <= 0 {
		limit = 500
	}
	const query = `SELECT job_id, seq, line, created_at FROM build_job_logs
		WHERE job_id = $1 AND seq > $2 ORDER BY seq ASC LIMIT $3`
	rows, err := r.pool.Query(ctx, query, jobID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.LogLine, 0)
	for rows.Next() {
		var l domain.LogLine
		if err := rows.Scan(&l.JobID, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func scanJob(row pgx.Row) (*domain.BuildJob, error) {
	var (
		job       domain.BuildJob
		buildArgs []byte
		metadata  []byte
		cacheKey  *string
	)
	if err := row.Scan(
		&job.ID, &job.ProjectID, &job.RepoURL, &job.CommitSHA, &job.Branch,
		&job.DockerfilePath, &buildArgs, &cacheKey, &job.Status, &job.Error,
		&job.ImageURL, &metadata, &job.WorkerID, &job.LeaseExpiresAt,
		&job.StallCount, &job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
	); err != nil {
		return nil, err
	}
	if cacheKey != nil {
		job.CacheKey = *cacheKey
	}
	if len(buildArgs) > 0 {
		if err := json.Unmarshal(buildArgs, &job.BuildArgs); err != nil {
			return nil, fmt.Errorf("decode build args: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &job.Metadata); err != nil {
			return nil, fmt.Errorf("decode job metadata: %w", err)
		}
	}
	return &job, nil
}

func collectJobs(rows pgx.Rows, err error) ([]domain.BuildJob, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]domain.BuildJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
