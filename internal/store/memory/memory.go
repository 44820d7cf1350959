// Package memory provides an in-process Store with the same transition
// semantics as the PostgreSQL repository. It backs single-node development
// and the package tests, which exercise claim exclusivity and the stall
// reaper without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cygni/cloudexpress/internal/domain"
	"github.com/cygni/cloudexpress/internal/store"
)

// Store is a mutex-guarded implementation of store.Store.
type Store struct {
	mu          sync.Mutex
	jobs        map[string]*domain.BuildJob
	deployments map[string]*domain.Deployment
	logs        map[string][]domain.LogLine
	keys        map[string]*domain.APIKey
	seq         int64
	now         func() time.Time
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		jobs:        make(map[string]*domain.BuildJob),
		deployments: make(map[string]*domain.Deployment),
		logs:        make(map[string][]domain.LogLine),
		keys:        make(map[string]*domain.APIKey),
		now:         time.Now,
	}
}

var (
	_ store.Store    = (*Store)(nil)
	_ store.KeyStore = (*Store)(nil)
)

// SetClock overrides the store clock; tests use it to expire leases.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// CreateJob persists a new job.
func (s *Store) CreateJob(_ context.Context, job *domain.BuildJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return store.ErrDuplicateID
	}
	clone := cloneJob(job)
	s.jobs[job.ID] = &clone
	return nil
}

// Claim atomically transitions a pending job to running.
func (s *Store) Claim(_ context.Context, id, workerID string, leaseDuration time.Duration) (*domain.BuildJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if job.Status == domain.JobRunning {
		return nil, store.ErrAlreadyClaimed
	}
	if job.Status != domain.JobPending {
		return nil, store.ErrNotPending
	}
	s.claimLocked(job, workerID, leaseDuration)
	clone := cloneJob(job)
	return &clone, nil
}

// ClaimNext claims the oldest pending job.
func (s *Store) ClaimNext(_ context.Context, workerID string, leaseDuration time.Duration) (*domain.BuildJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *domain.BuildJob
	for _, job := range s.jobs {
		if job.Status != domain.JobPending {
			continue
		}
		if oldest == nil || job.CreatedAt.Before(oldest.CreatedAt) {
			oldest = job
		}
	}
	if oldest == nil {
		return nil, store.ErrNotFound
	}
	s.claimLocked(oldest, workerID, leaseDuration)
	clone := cloneJob(oldest)
	return &clone, nil
}

func (s *Store) claimLocked(job *domain.BuildJob, workerID string, leaseDuration time.Duration) {
	now := s.now()
	expiry := now.Add(leaseDuration)
	job.Status = domain.JobRunning
	job.WorkerID = workerID
	job.LeaseExpiresAt = &expiry
	job.UpdatedAt = now
}

// Heartbeat extends the caller's lease.
func (s *Store) Heartbeat(_ context.Context, id, workerID string, leaseDuration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != domain.JobRunning || job.WorkerID != workerID {
		return store.ErrLeaseExpired
	}
	now := s.now()
	expiry := now.Add(leaseDuration)
	job.LeaseExpiresAt = &expiry
	job.UpdatedAt = now
	return nil
}

// Complete transitions a running job to a terminal state; only the
// current lease holder succeeds.
func (s *Store) Complete(_ context.Context, id, workerID string, result domain.JobResult) error {
	if !domain.JobTerminal(result.Status) {
		return store.ErrIllegalTransition
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if job.Status != domain.JobRunning || job.WorkerID != workerID {
		return store.ErrNotOwner
	}
	now := s.now()
	job.Status = result.Status
	job.ImageURL = result.ImageURL
	job.Error = result.Error
	job.Metadata = cloneMap(result.Metadata)
	job.WorkerID = ""
	job.LeaseExpiresAt = nil
	job.UpdatedAt = now
	job.CompletedAt = &now
	return nil
}

// ReleaseLease returns a running job to pending without a stall penalty.
func (s *Store) ReleaseLease(_ context.Context, id, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != domain.JobRunning || job.WorkerID != workerID {
		return store.ErrNotOwner
	}
	job.Status = domain.JobPending
	job.WorkerID = ""
	job.LeaseExpiresAt = nil
	job.UpdatedAt = s.now()
	return nil
}

// ReapStalled requeues expired leases up to maxStallRetries, then
// force-fails the rest with reason "stalled".
func (s *Store) ReapStalled(_ context.Context, now time.Time, maxStallRetries int) ([]domain.BuildJob, []domain.BuildJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var requeued, failed []domain.BuildJob
	for _, job := range s.jobs {
		if job.Status != domain.JobRunning || job.LeaseExpiresAt == nil || !job.LeaseExpiresAt.Before(now) {
			continue
		}
		job.WorkerID = ""
		job.LeaseExpiresAt = nil
		job.StallCount++
		job.UpdatedAt = now
		if job.StallCount > maxStallRetries {
			job.Status = domain.JobFailed
			job.Error = domain.StallReason
			completed := now
			job.CompletedAt = &completed
			failed = append(failed, cloneJob(job))
			continue
		}
		job.Status = domain.JobPending
		requeued = append(requeued, cloneJob(job))
	}
	return requeued, failed, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(_ context.Context, id string) (*domain.BuildJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := cloneJob(job)
	return &clone, nil
}

// ListJobsByProject returns recent jobs for a project, newest first.
func (s *Store) ListJobsByProject(_ context.Context, projectID string, limit int) ([]domain.BuildJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]domain.BuildJob, 0)
	for _, job := range s.jobs {
		if job.ProjectID == projectID {
			jobs = append(jobs, cloneJob(job))
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// CountJobsByStatus returns the number of jobs in the given status.
func (s *Store) CountJobsByStatus(_ context.Context, status string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, job := range s.jobs {
		if job.Status == status {
			n++
		}
	}
	return n, nil
}

// AppendLog stores one build log line.
func (s *Store) AppendLog(_ context.Context, jobID, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.logs[jobID] = append(s.logs[jobID], domain.LogLine{
		JobID:     jobID,
		Seq:       s.seq,
		Line:      line,
		CreatedAt: s.now(),
	})
	return nil
}

// ListLogs pages through a job's log lines in append order.
func (s *Store) ListLogs(_ context.Context, jobID string, afterSeq int64, limit int) ([]domain.LogLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := make([]domain.LogLine, 0)
	for _, l := range s.logs[jobID] {
		if l.Seq > afterSeq {
			lines = append(lines, l)
		}
	}
	if limit > 0 && len(lines) > limit {
		lines = lines[:limit]
	}
	return lines, nil
}

// PutAPIKey registers a key record, used by tests and local bootstrap.
func (s *Store) PutAPIKey(key domain.APIKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := key
	s.keys[key.ID] = &clone
}

// GetAPIKey loads an API key record by id.
func (s *Store) GetAPIKey(_ context.Context, id string) (*domain.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *key
	return &clone, nil
}

func cloneJob(job *domain.BuildJob) domain.BuildJob {
	clone := *job
	clone.BuildArgs = cloneMap(job.BuildArgs)
	clone.Metadata = cloneMap(job.Metadata)
	if job.LeaseExpiresAt != nil {
		expiry := *job.LeaseExpiresAt
		clone.LeaseExpiresAt = &expiry
	}
	if job.CompletedAt != nil {
		completed := *job.CompletedAt
		clone.CompletedAt = &completed
	}
	return clone
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
