package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cygni/cloudexpress/internal/domain"
	"github.com/cygni/cloudexpress/internal/store/memory"
)

func seedKey(t *testing.T, mem *memory.Store, id, secret string, disabled bool) {
	t.Helper()
	hash, err := HashSecret(secret)
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	mem.PutAPIKey(domain.APIKey{
		ID:         id,
		Name:       "ci-key",
		SecretHash: hash,
		Disabled:   disabled,
		CreatedAt:  time.Now(),
	})
}

func TestAuthenticateAPIKey(t *testing.T) {
	mem := memory.New()
	seedKey(t, mem, "key-1", "s3cret", false)
	svc := New(mem, "token-secret")

	principal, err := svc.Authenticate(context.Background(), "key-1.s3cret")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if principal.ID != "key-1" || principal.Service {
		t.Fatalf("unexpected principal: %+v", principal)
	}
}

func TestAuthenticateAPIKeyRejectsWrongSecret(t *testing.T) {
	mem := memory.New()
	seedKey(t, mem, "key-1", "s3cret", false)
	svc := New(mem, "token-secret")

	if _, err := svc.Authenticate(context.Background(), "key-1.wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), "unknown.s3cret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown key, got %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), "malformed"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for malformed token, got %v", err)
	}
}

func TestAuthenticateAPIKeyRejectsDisabled(t *testing.T) {
	mem := memory.New()
	seedKey(t, mem, "key-1", "s3cret", true)
	svc := New(mem, "token-secret")

	if _, err := svc.Authenticate(context.Background(), "key-1.s3cret"); !errors.Is(err, ErrKeyDisabled) {
		t.Fatalf("expected ErrKeyDisabled, got %v", err)
	}
}

func TestServiceTokenRoundTrip(t *testing.T) {
	svc := New(memory.New(), "token-secret")

	token, err := svc.IssueServiceToken("worker", time.Minute)
	if err != nil {
		t.Fatalf("IssueServiceToken: %v", err)
	}
	principal, err := svc.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !principal.Service || principal.ID != "worker" {
		t.Fatalf("unexpected principal: %+v", principal)
	}
}

func TestServiceTokenRejectsWrongSecret(t *testing.T) {
	issuerSvc := New(memory.New(), "token-secret")
	verifier := New(memory.New(), "other-secret")

	token, err := issuerSvc.IssueServiceToken("worker", time.Minute)
	if err != nil {
		t.Fatalf("IssueServiceToken: %v", err)
	}
	if _, err := verifier.Authenticate(context.Background(), token); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestHTTPAuthorizer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/keys/key-1/projects/proj-1":
			w.WriteHeader(http.StatusNoContent)
		case "/keys/key-1/projects/proj-2":
			w.WriteHeader(http.StatusForbidden)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	a := NewHTTPAuthorizer(srv.URL, time.Second)
	principal := &Principal{ID: "key-1"}

	ok, err := a.CanAccessProject(context.Background(), principal, "proj-1")
	if err != nil || !ok {
		t.Fatalf("expected access to proj-1, got ok=%v err=%v", ok, err)
	}
	ok, err = a.CanAccessProject(context.Background(), principal, "proj-2")
	if err != nil || ok {
		t.Fatalf("expected denial for proj-2, got ok=%v err=%v", ok, err)
	}

	ok, err = a.CanAccessProject(context.Background(), &Principal{ID: "worker", Service: true}, "proj-2")
	if err != nil || !ok {
		t.Fatalf("expected service bypass, got ok=%v err=%v", ok, err)
	}
}
