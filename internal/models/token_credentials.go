package models

import "time"

// RefreshSkewMargin is subtracted from token expiry so tokens are refreshed
// shortly before the provider actually rejects them.
const RefreshSkewMargin = 5 * time.Minute

// TokenCredentials is the plaintext form of a provider token set. It only
// ever exists in memory; at rest it is serialized to JSON and sealed by the
// credential cipher.
type TokenCredentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        string    `json:"scope,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
}

// NeedsRefresh reports whether the access token is expired or will expire
// within the skew margin.
func (t *TokenCredentials) NeedsRefresh() bool {
	if t.ExpiresAt.IsZero() {
		return true
	}
	return time.Now().Add(RefreshSkewMargin).After(t.ExpiresAt)
}
