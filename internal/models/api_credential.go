package models

import (
	"time"

	"github.com/google/uuid"
)

// Credential lifecycle states.
// 'api_key' credentials are stored once and never refreshed.
// 'oauth' credentials go through: active -> refreshing -> active (happy path)
// or active -> reauth_required (hard failure from provider).
const (
	CredentialTypeOAuth  = "oauth"
	CredentialTypeAPIKey = "api_key"

	CredentialStatusActive         = "active"
	CredentialStatusRefreshing     = "refreshing"
	CredentialStatusReauthRequired = "reauth_required"
	CredentialStatusError          = "error"

	TestStatusSuccess = "success"
	TestStatusFailed  = "failed"
	TestStatusPending = "pending"
)

// APICredential holds the encrypted token blob for one (user, provider) pair.
// Tokens live only inside EncryptedCredentials; everything else is plaintext
// metadata safe to show in the UI.
type APICredential struct {
	ID                   uuid.UUID  `json:"id" db:"id"`
	UserID               uuid.UUID  `json:"user_id" db:"user_id"`
	Provider             string     `json:"provider" db:"provider"`
	EncryptedCredentials []byte     `json:"-" db:"encrypted_credentials"` // Never serialize in JSON
	CredentialType       string     `json:"credential_type" db:"credential_type"`
	Status               string     `json:"status" db:"status"`
	LastError            *string    `json:"last_error" db:"last_error"`
	LastErrorAt          *time.Time `json:"last_error_at" db:"last_error_at"`
	LastRefreshAt        *time.Time `json:"last_refresh_at" db:"last_refresh_at"`
	ConsecutiveFailures  int        `json:"consecutive_failures" db:"consecutive_failures"`
	LastTested           *time.Time `json:"last_tested" db:"last_tested"`
	TestStatus           *string    `json:"test_status" db:"test_status"`
	IsActive             bool       `json:"is_active" db:"is_active"`
	CreatedAt            time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at" db:"updated_at"`
}

// MarkRefreshSuccess resets the failure bookkeeping after a successful refresh.
func (c *APICredential) MarkRefreshSuccess() {
	now := time.Now().UTC()
	c.Status = CredentialStatusActive
	c.ConsecutiveFailures = 0
	c.LastError = nil
	c.LastErrorAt = nil
	c.LastRefreshAt = &now
	status := TestStatusSuccess
	c.TestStatus = &status
	c.UpdatedAt = now
}

// MarkRefreshFailure records a failed refresh attempt. A hard failure means
// the provider rejected the grant and re-authentication is required; the
// record stays active so the UI can surface the reauth message.
func (c *APICredential) MarkRefreshFailure(errMsg string, hard bool) {
	now := time.Now().UTC()
	if errMsg != "" {
		if len(errMsg) > 500 {
			errMsg = errMsg[:500]
		}
		c.LastError = &errMsg
		c.LastErrorAt = &now
	}
	c.UpdatedAt = now
	status := TestStatusFailed
	c.TestStatus = &status
	if hard {
		c.Status = CredentialStatusReauthRequired
		return
	}
	c.ConsecutiveFailures++
	c.Status = CredentialStatusError
}

// NeedsReauth reports whether the user must go through the authorization
// flow again before this credential can produce tokens.
func (c *APICredential) NeedsReauth() bool {
	return c.Status == CredentialStatusReauthRequired
}

// IsAPIKey reports whether this credential is a static API key blob that
// never participates in the refresh cycle.
func (c *APICredential) IsAPIKey() bool {
	return c.CredentialType == CredentialTypeAPIKey
}
