// Package auth authenticates gateway callers. Two credential shapes are
// accepted: API keys ("id.secret", bcrypt-verified against stored
// records) and HS256 service tokens minted for internal processes.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/cygni/cloudexpress/internal/store"
)

var (
	// ErrInvalidCredentials covers unknown, malformed, or mismatched credentials.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrKeyDisabled flags API keys that exist but were revoked.
	ErrKeyDisabled = errors.New("auth: api key disabled")
)

const issuer = "cloudexpress"

// Principal identifies an authenticated caller.
type Principal struct {
	ID      string
	Name    string
	Service bool
}

// Claims is the service token payload.
type Claims struct {
	Service string `json:"service"`
	jwtlib.RegisteredClaims
}

// Service verifies credentials against the key store and token secret.
type Service struct {
	keys   store.KeyStore
	secret string
}

// New constructs an auth service.
func New(keys store.KeyStore, secret string) Service {
	return Service{keys: keys, secret: secret}
}

// Authenticate resolves a bearer credential to a principal. Service
// tokens are JWTs (two dots); everything else is treated as an API key.
func (s Service) Authenticate(ctx context.Context, token string) (*Principal, error) {
	if strings.Count(token, ".") == 2 {
		return s.authenticateServiceToken(token)
	}
	return s.authenticateAPIKey(ctx, token)
}

// authenticateAPIKey verifies an "id.secret" credential.
func (s Service) authenticateAPIKey(ctx context.Context, token string) (*Principal, error) {
	id, secret, found := strings.Cut(token, ".")
	if !found || id == "" || secret == "" {
		return nil, ErrInvalidCredentials
	}
	key, err := s.keys.GetAPIKey(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if key.Disabled {
		return nil, ErrKeyDisabled
	}
	if err := bcrypt.CompareHashAndPassword(key.SecretHash, []byte(secret)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &Principal{ID: key.ID, Name: key.Name}, nil
}

func (s Service) authenticateServiceToken(token string) (*Principal, error) {
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(t *jwtlib.Token) (interface{}, error) {
		return []byte(s.secret), nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}), jwtlib.WithIssuer(issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Service == "" {
		return nil, ErrInvalidCredentials
	}
	return &Principal{ID: claims.Service, Name: claims.Service, Service: true}, nil
}

// IssueServiceToken mints an HS256 token for an internal process.
func (s Service) IssueServiceToken(service string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Service: service,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.secret))
}

// HashSecret hashes an API key secret for storage.
func HashSecret(secret string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
}
