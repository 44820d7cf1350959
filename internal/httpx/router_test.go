package httpx

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cygni/cloudexpress/internal/auth"
	"github.com/cygni/cloudexpress/internal/deployer"
	"github.com/cygni/cloudexpress/internal/domain"
	"github.com/cygni/cloudexpress/internal/events"
	"github.com/cygni/cloudexpress/internal/orchestrator"
	"github.com/cygni/cloudexpress/internal/queue"
	"github.com/cygni/cloudexpress/internal/store/memory"
)

type fakeOrchestrator struct{}

func (fakeOrchestrator) RequestRollout(context.Context, orchestrator.RolloutRequest) (orchestrator.RolloutResponse, error) {
	return orchestrator.RolloutResponse{Accepted: true}, nil
}
func (fakeOrchestrator) Health(context.Context, string) (orchestrator.HealthReport, error) {
	return orchestrator.HealthReport{Healthy: true}, nil
}
func (fakeOrchestrator) Abort(context.Context, string) error { return nil }

// denyingAuthorizer grants everything except the named project.
type denyingAuthorizer struct{ denied string }

func (a denyingAuthorizer) CanAccessProject(_ context.Context, _ *auth.Principal, projectID string) (bool, error) {
	return projectID != a.denied, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	router *Router
	store  *memory.Store
	auth   auth.Service
	apiKey string
}

func newEnv(t *testing.T, authorizer auth.Authorizer, dbHealth func(context.Context) error) *testEnv {
	t.Helper()
	mem := memory.New()
	hash, err := auth.HashSecret("s3cret")
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	mem.PutAPIKey(domain.APIKey{ID: "key-1", Name: "ci", SecretHash: hash, CreatedAt: time.Now()})

	logger := testLogger()
	authSvc := auth.New(mem, "token-secret")
	hub := events.NewHub(logger, 0)
	t.Cleanup(hub.Shutdown)
	q := queue.New(mem, hub, logger, queue.Options{})
	d := deployer.New(mem, mem, fakeOrchestrator{}, hub, logger, deployer.Options{})
	r := NewRouter(logger, authSvc, authorizer, q, d, mem, hub, nil, dbHealth)
	t.Cleanup(r.Close)
	return &testEnv{router: r, store: mem, auth: authSvc, apiKey: "key-1.s3cret"}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestRequestsWithoutCredentialsAreRejected(t *testing.T) {
	env := newEnv(t, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/builds", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestCreateBuildAccepted(t *testing.T) {
	env := newEnv(t, nil, nil)
	rec := env.do(t, http.MethodPost, "/builds",
		`{"project_id":"proj-1","repo_url":"https://git.example.com/app.git","commit_sha":"deadbeef"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var job domain.BuildJob
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if job.ID == "" || job.Status != domain.JobPending {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.Branch != "main" || job.DockerfilePath != "Dockerfile" {
		t.Fatalf("expected defaults applied, got branch=%q dockerfile=%q", job.Branch, job.DockerfilePath)
	}
	if _, err := env.store.GetJob(context.Background(), job.ID); err != nil {
		t.Fatalf("job not persisted: %v", err)
	}
}

func TestCreateBuildValidation(t *testing.T) {
	env := newEnv(t, nil, nil)
	rec := env.do(t, http.MethodPost, "/builds", `{"project_id":"proj-1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing fields, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/builds", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad JSON, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/builds", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestGetBuildAndLogs(t *testing.T) {
	env := newEnv(t, nil, nil)
	rec := env.do(t, http.MethodPost, "/builds",
		`{"project_id":"proj-1","repo_url":"https://git.example.com/app.git","commit_sha":"deadbeef"}`)
	var job domain.BuildJob
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := env.store.AppendLog(context.Background(), job.ID, "line"); err != nil {
			t.Fatalf("AppendLog: %v", err)
		}
	}

	rec = env.do(t, http.MethodGet, "/builds/"+job.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/builds/"+job.ID+"/logs?limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var logsResp struct {
		Lines   []domain.LogLine `json:"lines"`
		NextSeq int64            `json:"next_seq"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &logsResp); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if len(logsResp.Lines) != 2 || logsResp.NextSeq != logsResp.Lines[1].Seq {
		t.Fatalf("unexpected logs page: %+v", logsResp)
	}

	rec = env.do(t, http.MethodGet, "/builds/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing build, got %d", rec.Code)
	}
}

func seedSuccessfulBuild(t *testing.T, mem *memory.Store) string {
	t.Helper()
	ctx := context.Background()
	job := &domain.BuildJob{
		ID:        "job-1",
		ProjectID: "proj-1",
		RepoURL:   "https://git.example.com/app.git",
		CommitSHA: "deadbeef",
		Status:    domain.JobPending,
		CreatedAt: time.Now(),
	}
	if err := mem.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := mem.Claim(ctx, job.ID, "worker-1", time.Minute); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := mem.Complete(ctx, job.ID, "worker-1", domain.JobResult{
		Status: domain.JobSuccess, ImageURL: "registry.local/proj-1:deadbeef",
	}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	return job.ID
}

func TestDeploymentLifecycleOverHTTP(t *testing.T) {
	env := newEnv(t, nil, nil)
	seedSuccessfulBuild(t, env.store)

	rec := env.do(t, http.MethodPost, "/deployments",
		`{"project_id":"proj-1","environment":"production","build_job_id":"job-1"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var d domain.Deployment
	if err := json.Unmarshal(rec.Body.Bytes(), &d); err != nil {
		t.Fatalf("decode deployment: %v", err)
	}

	rec = env.do(t, http.MethodGet, "/deployments/"+d.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodDelete, "/deployments/"+d.ID, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for cancel, got %d: %s", rec.Code, rec.Body.String())
	}
	got, err := env.store.GetDeployment(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("GetDeployment: %v", err)
	}
	if got.Status != domain.DeploymentFailed || got.Error != domain.CancelledReason {
		t.Fatalf("expected cancelled deployment, got %+v", got)
	}

	// cancelling twice conflicts: the record is terminal now
	rec = env.do(t, http.MethodDelete, "/deployments/"+d.ID, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on terminal cancel, got %d", rec.Code)
	}
}

func TestDeploymentAdmissionErrors(t *testing.T) {
	env := newEnv(t, nil, nil)
	seedSuccessfulBuild(t, env.store)

	rec := env.do(t, http.MethodPost, "/deployments",
		`{"project_id":"proj-1","environment":"production","strategy":"blue_green","build_job_id":"job-1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid strategy, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/deployments",
		`{"project_id":"proj-1","environment":"production","build_job_id":"missing"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for missing build, got %d", rec.Code)
	}
}

func TestProjectListings(t *testing.T) {
	env := newEnv(t, nil, nil)
	seedSuccessfulBuild(t, env.store)

	rec := env.do(t, http.MethodGet, "/projects/proj-1/builds", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var buildsResp struct {
		Builds []domain.BuildJob `json:"builds"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &buildsResp); err != nil {
		t.Fatalf("decode builds: %v", err)
	}
	if len(buildsResp.Builds) != 1 {
		t.Fatalf("expected 1 build, got %d", len(buildsResp.Builds))
	}

	rec = env.do(t, http.MethodGet, "/projects/proj-1/deployments", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/projects/proj-1/unknown", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown resource, got %d", rec.Code)
	}
}

func TestProjectAccessDenied(t *testing.T) {
	env := newEnv(t, denyingAuthorizer{denied: "proj-2"}, nil)

	rec := env.do(t, http.MethodPost, "/builds",
		`{"project_id":"proj-2","repo_url":"https://git.example.com/app.git","commit_sha":"deadbeef"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/projects/proj-2/builds", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestInternalEventsRequireServiceToken(t *testing.T) {
	env := newEnv(t, nil, nil)

	// API keys are not service principals.
	rec := env.do(t, http.MethodPost, "/internal/events",
		`{"project_id":"proj-1","type":"active","job_id":"job-1"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for api key, got %d", rec.Code)
	}

	token, err := env.auth.IssueServiceToken("worker", time.Minute)
	if err != nil {
		t.Fatalf("IssueServiceToken: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/internal/events",
		strings.NewReader(`{"project_id":"proj-1","type":"active","job_id":"job-1"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	env.router.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for service token, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestHealthzReportsDatabase(t *testing.T) {
	env := newEnv(t, nil, func(context.Context) error { return nil })
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	down := newEnv(t, nil, func(context.Context) error { return context.DeadlineExceeded })
	rec = httptest.NewRecorder()
	down.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
