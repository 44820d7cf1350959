package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/cygni/cloudexpress/internal/auth"
)

type authContextKey string

const contextKeyPrincipal authContextKey = "cloudexpress-principal"

// requireAuth ensures the request carries a valid credential before
// invoking the handler.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		principal, ok := r.authenticate(w, req)
		if !ok {
			return
		}
		ctx := context.WithValue(req.Context(), contextKeyPrincipal, principal)
		next(w, req.WithContext(ctx))
	}
}

// requireService restricts an endpoint to internal processes holding a
// service token.
func (r *Router) requireService(next http.HandlerFunc) http.HandlerFunc {
	return r.requireAuth(func(w http.ResponseWriter, req *http.Request) {
		principal, ok := principalFromContext(req.Context())
		if !ok || !principal.Service {
			writeError(w, http.StatusForbidden, "service token required")
			return
		}
		next(w, req)
	})
}

func (r *Router) authenticate(w http.ResponseWriter, req *http.Request) (*auth.Principal, bool) {
	token, err := bearerToken(req)
	if err != nil {
		r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	principal, err := r.auth.Authenticate(req.Context(), token)
	if err != nil {
		r.logger.Warn("credential validation failed", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return nil, false
	}
	return principal, true
}

// authorizeProject checks project access and writes the response on denial.
func (r *Router) authorizeProject(w http.ResponseWriter, req *http.Request, projectID string) bool {
	principal, ok := principalFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return false
	}
	allowed, err := r.authorizer.CanAccessProject(req.Context(), principal, projectID)
	if err != nil {
		r.logger.Error("project access check failed", "project_id", projectID, "error", err)
		writeError(w, http.StatusBadGateway, "authorization unavailable")
		return false
	}
	if !allowed {
		writeError(w, http.StatusForbidden, "project access denied")
		return false
	}
	return true
}

func principalFromContext(ctx context.Context) (*auth.Principal, bool) {
	value := ctx.Value(contextKeyPrincipal)
	if value == nil {
		return nil, false
	}
	principal, ok := value.(*auth.Principal)
	return principal, ok
}

// bearerToken extracts the credential from the Authorization header, or
// the access_token query parameter for websocket clients that cannot
// set headers.
func bearerToken(req *http.Request) (string, error) {
	header := req.Header.Get("Authorization")
	if strings.TrimSpace(header) == "" {
		if token := req.URL.Query().Get("access_token"); token != "" {
			return token, nil
		}
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
