package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRequestRolloutRoundTrip(t *testing.T) {
	var gotAuth string
	var gotReq RolloutRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/rollouts" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(RolloutResponse{Accepted: true})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "secret-token", time.Second)
	resp, err := c.RequestRollout(context.Background(), RolloutRequest{
		DeploymentID: "dep-1",
		ProjectID:    "proj-1",
		Environment:  "production",
		Strategy:     "rolling",
		ImageURL:     "registry.local/proj-1:deadbeef",
	})
	if err != nil {
		t.Fatalf("RequestRollout: %v", err)
	}
	if !resp.Accepted {
		t.Fatal("expected accepted rollout")
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("expected bearer token, got %q", gotAuth)
	}
	if gotReq.DeploymentID != "dep-1" || gotReq.ImageURL != "registry.local/proj-1:deadbeef" {
		t.Fatalf("unexpected request body: %+v", gotReq)
	}
}

func TestRequestRolloutRejectionIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(RolloutResponse{Accepted: false, Reason: "quota exceeded"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", time.Second)
	resp, err := c.RequestRollout(context.Background(), RolloutRequest{DeploymentID: "dep-1"})
	if err != nil {
		t.Fatalf("RequestRollout: %v", err)
	}
	if resp.Accepted || resp.Reason != "quota exceeded" {
		t.Fatalf("expected rejection verdict, got %+v", resp)
	}
}

func TestHealthEscapesDeploymentID(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		json.NewEncoder(w).Encode(HealthReport{Healthy: true, ReadyReplicas: 3, DesiredReplicas: 3})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", time.Second)
	report, err := c.Health(context.Background(), "dep/../1")
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if !report.Healthy || report.ReadyReplicas != 3 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if gotPath != "/rollouts/dep%2F..%2F1/health" {
		t.Fatalf("expected escaped path, got %q", gotPath)
	}
}

func TestErrorStatusSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", time.Second)
	if err := c.Abort(context.Background(), "dep-1"); err == nil {
		t.Fatal("expected error on 502")
	}
}
