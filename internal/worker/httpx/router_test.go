package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type fakePool struct {
	running bool
	slots   int
}

func (f fakePool) IsRunning() bool { return f.running }
func (f fakePool) LiveSlots() int  { return f.slots }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHealthzHealthy(t *testing.T) {
	r := New("builders", fakePinger{}, fakePool{running: true, slots: 4}, testLogger())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Status     string `json:"status"`
		Pool       string `json:"pool"`
		Components struct {
			Workers struct {
				Status    string `json:"status"`
				LiveSlots int    `json:"live_slots"`
			} `json:"workers"`
		} `json:"components"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if payload.Status != "ok" || payload.Pool != "builders" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.Components.Workers.LiveSlots != 4 {
		t.Fatalf("expected 4 live slots, got %d", payload.Components.Workers.LiveSlots)
	}
	if payload.Timestamp == "" {
		t.Fatal("expected timestamp")
	}
}

func TestHealthzDegradedOnDockerFailure(t *testing.T) {
	r := New("builders", fakePinger{err: errors.New("daemon unreachable")}, fakePool{running: true, slots: 4}, testLogger())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHealthzDegradedWhenPoolStopped(t *testing.T) {
	r := New("builders", fakePinger{}, fakePool{running: false}, testLogger())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHealthzRejectsNonGet(t *testing.T) {
	r := New("builders", fakePinger{}, fakePool{running: true}, testLogger())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
