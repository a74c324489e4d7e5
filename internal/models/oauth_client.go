package models

import (
	"time"

	"github.com/google/uuid"
)

// OAuthClientCredential stores per-user OAuth2 client registrations so each
// user can bring their own developer app for a provider. The client secret is
// encrypted at rest; at most one registration per (user, provider) is active.
type OAuthClientCredential struct {
	ID                    uuid.UUID `json:"id" db:"id"`
	UserID                uuid.UUID `json:"user_id" db:"user_id"`
	Provider              string    `json:"provider" db:"provider"`
	ClientID              string    `json:"client_id" db:"client_id"`
	EncryptedClientSecret []byte    `json:"-" db:"encrypted_client_secret"` // Never serialize in JSON
	RedirectURI           string    `json:"redirect_uri" db:"redirect_uri"`
	IsActive              bool      `json:"is_active" db:"is_active"`
	CreatedAt             time.Time `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time `json:"updated_at" db:"updated_at"`
}
