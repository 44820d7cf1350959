package domain

import "time"

// APIKey is a gateway credential issued by the external auth service.
// Only the bcrypt hash of the secret half is stored.
type APIKey struct {
	ID         string
	Name       string
	SecretHash []byte
	Disabled   bool
	CreatedAt  time.Time
}
