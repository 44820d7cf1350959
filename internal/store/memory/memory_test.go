package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cygni/cloudexpress/internal/domain"
	"github.com/cygni/cloudexpress/internal/store"
)

func newJob(id, projectID string, createdAt time.Time) *domain.BuildJob {
	return &domain.BuildJob{
		ID:             id,
		ProjectID:      projectID,
		RepoURL:        "https://git.example.com/" + projectID + ".git",
		CommitSHA:      "deadbeef",
		Branch:         "main",
		DockerfilePath: "Dockerfile",
		Status:         domain.JobPending,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
}

func TestCreateJobDuplicateID(t *testing.T) {
	s := New()
	ctx := context.Background()
	job := newJob("job-1", "proj-1", time.Now())

	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.CreateJob(ctx, job); !errors.Is(err, store.ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
}

func TestClaimExactlyOneWinner(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.CreateJob(ctx, newJob("job-1", "proj-1", time.Now())); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := s.Claim(ctx, "job-1", fmt.Sprintf("worker-%d", n), time.Minute)
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
				return
			}
			if !errors.Is(err, store.ErrAlreadyClaimed) {
				t.Errorf("worker-%d: expected ErrAlreadyClaimed, got %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one successful claim, got %d", winners)
	}
}

func TestClaimNextOldestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now()
	for i := 0; i < 3; i++ {
		job := newJob(fmt.Sprintf("job-%d", i), "proj-1", base.Add(time.Duration(i)*time.Second))
		if err := s.CreateJob(ctx, job); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		job, err := s.ClaimNext(ctx, "worker-1", time.Minute)
		if err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
		want := fmt.Sprintf("job-%d", i)
		if job.ID != want {
			t.Fatalf("claim %d: expected %s, got %s", i, want, job.ID)
		}
		if job.Status != domain.JobRunning {
			t.Fatalf("expected running status, got %s", job.Status)
		}
		if job.LeaseExpiresAt == nil {
			t.Fatal("expected lease expiry to be set")
		}
	}

	if _, err := s.ClaimNext(ctx, "worker-1", time.Minute); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty queue, got %v", err)
	}
}

func TestCompleteRequiresOwnership(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.CreateJob(ctx, newJob("job-1", "proj-1", time.Now())); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := s.Claim(ctx, "job-1", "worker-1", time.Minute); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	err := s.Complete(ctx, "job-1", "worker-2", domain.JobResult{Status: domain.JobSuccess})
	if !errors.Is(err, store.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner for non-holder, got %v", err)
	}

	result := domain.JobResult{Status: domain.JobSuccess, ImageURL: "registry.local/proj-1:deadbeef"}
	if err := s.Complete(ctx, "job-1", "worker-1", result); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	job, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != domain.JobSuccess {
		t.Fatalf("expected success status, got %s", job.Status)
	}
	if job.ImageURL != result.ImageURL {
		t.Fatalf("expected image url %s, got %s", result.ImageURL, job.ImageURL)
	}
	if job.CompletedAt == nil {
		t.Fatal("expected completed_at to be set")
	}
	if job.LeaseExpiresAt != nil {
		t.Fatal("expected lease to be cleared on completion")
	}
}

func TestCompleteRejectsNonTerminalStatus(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.CreateJob(ctx, newJob("job-1", "proj-1", time.Now())); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := s.Claim(ctx, "job-1", "worker-1", time.Minute); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	err := s.Complete(ctx, "job-1", "worker-1", domain.JobResult{Status: domain.JobPending})
	if !errors.Is(err, store.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
}

func TestTerminalJobIsImmutable(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.CreateJob(ctx, newJob("job-1", "proj-1", time.Now())); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := s.Claim(ctx, "job-1", "worker-1", time.Minute); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := s.Complete(ctx, "job-1", "worker-1", domain.JobResult{Status: domain.JobFailed, Error: "boom"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if _, err := s.Claim(ctx, "job-1", "worker-2", time.Minute); !errors.Is(err, store.ErrNotPending) {
		t.Fatalf("expected ErrNotPending on terminal job, got %v", err)
	}
	err := s.Complete(ctx, "job-1", "worker-1", domain.JobResult{Status: domain.JobSuccess})
	if !errors.Is(err, store.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner on terminal job, got %v", err)
	}
}

func TestHeartbeatAfterReapFails(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.CreateJob(ctx, newJob("job-1", "proj-1", time.Now())); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := s.Claim(ctx, "job-1", "worker-1", time.Minute); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	if _, _, err := s.ReapStalled(ctx, time.Now().Add(2*time.Minute), 3); err != nil {
		t.Fatalf("ReapStalled: %v", err)
	}

	err := s.Heartbeat(ctx, "job-1", "worker-1", time.Minute)
	if !errors.Is(err, store.ErrLeaseExpired) {
		t.Fatalf("expected ErrLeaseExpired after reap, got %v", err)
	}
	err = s.Complete(ctx, "job-1", "worker-1", domain.JobResult{Status: domain.JobSuccess})
	if !errors.Is(err, store.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner after reap, got %v", err)
	}
}

func TestReapRequeuesThenForceFails(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.CreateJob(ctx, newJob("job-1", "proj-1", time.Now())); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	const maxStallRetries = 2
	for attempt := 1; attempt <= maxStallRetries; attempt++ {
		if _, err := s.Claim(ctx, "job-1", "worker-1", time.Minute); err != nil {
			t.Fatalf("attempt %d Claim: %v", attempt, err)
		}
		requeued, failed, err := s.ReapStalled(ctx, time.Now().Add(2*time.Minute), maxStallRetries)
		if err != nil {
			t.Fatalf("attempt %d ReapStalled: %v", attempt, err)
		}
		if len(requeued) != 1 || len(failed) != 0 {
			t.Fatalf("attempt %d: expected 1 requeued 0 failed, got %d/%d", attempt, len(requeued), len(failed))
		}
		if requeued[0].StallCount != attempt {
			t.Fatalf("attempt %d: expected stall count %d, got %d", attempt, attempt, requeued[0].StallCount)
		}
		if requeued[0].Status != domain.JobPending {
			t.Fatalf("attempt %d: expected pending after requeue, got %s", attempt, requeued[0].Status)
		}
	}

	if _, err := s.Claim(ctx, "job-1", "worker-1", time.Minute); err != nil {
		t.Fatalf("final Claim: %v", err)
	}
	requeued, failed, err := s.ReapStalled(ctx, time.Now().Add(2*time.Minute), maxStallRetries)
	if err != nil {
		t.Fatalf("final ReapStalled: %v", err)
	}
	if len(requeued) != 0 || len(failed) != 1 {
		t.Fatalf("expected 0 requeued 1 failed, got %d/%d", len(requeued), len(failed))
	}
	if failed[0].Status != domain.JobFailed || failed[0].Error != domain.StallReason {
		t.Fatalf("expected stalled failure, got status=%s error=%q", failed[0].Status, failed[0].Error)
	}
}

func TestReapIgnoresLiveLeases(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.CreateJob(ctx, newJob("job-1", "proj-1", time.Now())); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := s.Claim(ctx, "job-1", "worker-1", time.Hour); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	requeued, failed, err := s.ReapStalled(ctx, time.Now(), 3)
	if err != nil {
		t.Fatalf("ReapStalled: %v", err)
	}
	if len(requeued) != 0 || len(failed) != 0 {
		t.Fatalf("expected no reaped jobs, got %d/%d", len(requeued), len(failed))
	}
	if err := s.Heartbeat(ctx, "job-1", "worker-1", time.Hour); err != nil {
		t.Fatalf("Heartbeat on live lease: %v", err)
	}
}

func TestReleaseLeaseReturnsJobToQueue(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.CreateJob(ctx, newJob("job-1", "proj-1", time.Now())); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := s.Claim(ctx, "job-1", "worker-1", time.Minute); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := s.ReleaseLease(ctx, "job-1", "worker-1"); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}

	job, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != domain.JobPending {
		t.Fatalf("expected pending after release, got %s", job.Status)
	}
	if job.StallCount != 0 {
		t.Fatalf("release must not count a stall, got %d", job.StallCount)
	}
	if _, err := s.Claim(ctx, "job-1", "worker-2", time.Minute); err != nil {
		t.Fatalf("reclaim after release: %v", err)
	}
}

func TestListJobsByProjectNewestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now()
	for i := 0; i < 3; i++ {
		job := newJob(fmt.Sprintf("job-%d", i), "proj-1", base.Add(time.Duration(i)*time.Second))
		if err := s.CreateJob(ctx, job); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}
	if err := s.CreateJob(ctx, newJob("other", "proj-2", base)); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	jobs, err := s.ListJobsByProject(ctx, "proj-1", 2)
	if err != nil {
		t.Fatalf("ListJobsByProject: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].ID != "job-2" || jobs[1].ID != "job-1" {
		t.Fatalf("expected newest first, got %s then %s", jobs[0].ID, jobs[1].ID)
	}
}

func TestLogPagination(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := s.AppendLog(ctx, "job-1", fmt.Sprintf("line %d", i)); err != nil {
			t.Fatalf("AppendLog: %v", err)
		}
	}

	first, err := s.ListLogs(ctx, "job-1", 0, 3)
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(first))
	}
	rest, err := s.ListLogs(ctx, "job-1", first[len(first)-1].Seq, 10)
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	if len(rest) != 2 {
		t.Fatalf("expected 2 remaining lines, got %d", len(rest))
	}
	if rest[0].Line != "line 3" {
		t.Fatalf("expected line 3 after cursor, got %q", rest[0].Line)
	}
}

func TestDeploymentTransitions(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	d := &domain.Deployment{
		ID:           "dep-1",
		ProjectID:    "proj-1",
		Environment:  "production",
		Strategy:     domain.StrategyRolling,
		BuildJobID:   "job-1",
		ImageURL:     "registry.local/proj-1:deadbeef",
		Status:       domain.DeploymentPending,
		HealthStatus: domain.HealthPending,
		StartedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.CreateDeployment(ctx, d); err != nil {
		t.Fatalf("CreateDeployment: %v", err)
	}

	// pending cannot jump straight to completed
	err := s.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: "dep-1", Status: domain.DeploymentCompleted,
	})
	if !errors.Is(err, store.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition for pending->completed, got %v", err)
	}

	if err := s.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: "dep-1", Status: domain.DeploymentInProgress,
	}); err != nil {
		t.Fatalf("pending->in_progress: %v", err)
	}
	completed := time.Now()
	if err := s.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: "dep-1", Status: domain.DeploymentCompleted,
		HealthStatus: domain.HealthHealthy, CompletedAt: &completed,
	}); err != nil {
		t.Fatalf("in_progress->completed: %v", err)
	}

	// terminal records are immutable
	err = s.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: "dep-1", Status: domain.DeploymentFailed, Error: "late failure",
	})
	if !errors.Is(err, store.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition on terminal record, got %v", err)
	}

	got, err := s.GetDeployment(ctx, "dep-1")
	if err != nil {
		t.Fatalf("GetDeployment: %v", err)
	}
	if got.Status != domain.DeploymentCompleted || got.HealthStatus != domain.HealthHealthy {
		t.Fatalf("unexpected final state: status=%s health=%s", got.Status, got.HealthStatus)
	}
	if got.Error != "" {
		t.Fatalf("terminal record mutated: error=%q", got.Error)
	}
}

func TestDeploymentFailFromPending(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	d := &domain.Deployment{
		ID: "dep-1", ProjectID: "proj-1", Environment: "staging",
		Strategy: domain.StrategyRolling, BuildJobID: "job-1",
		Status: domain.DeploymentPending, HealthStatus: domain.HealthPending,
		StartedAt: now, UpdatedAt: now,
	}
	if err := s.CreateDeployment(ctx, d); err != nil {
		t.Fatalf("CreateDeployment: %v", err)
	}
	if err := s.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: "dep-1", Status: domain.DeploymentFailed, Error: "rollout rejected",
	}); err != nil {
		t.Fatalf("pending->failed: %v", err)
	}
	got, err := s.GetDeployment(ctx, "dep-1")
	if err != nil {
		t.Fatalf("GetDeployment: %v", err)
	}
	if got.Status != domain.DeploymentFailed || got.Error != "rollout rejected" {
		t.Fatalf("unexpected state: status=%s error=%q", got.Status, got.Error)
	}
}
