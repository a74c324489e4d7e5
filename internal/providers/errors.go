package providers

import (
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

var (
	// ErrUnknownProvider is returned for provider names with no registered adapter.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrInvalidGrant means the provider rejected the code or refresh token.
	ErrInvalidGrant = errors.New("provider rejected the grant")
	// ErrProviderUnavailable covers transport failures and provider 5xx
	// responses. Safe to retry with backoff; not fatal for the stored
	// credential.
	ErrProviderUnavailable = errors.New("provider unavailable")
)

// InvalidGrantError carries a hint for the most common root cause without
// ever including the client secret.
type InvalidGrantError struct {
	Provider string
	Code     string
}

func (e *InvalidGrantError) Error() string {
	msg := fmt.Sprintf("%s rejected the grant", e.Provider)
	if e.Code != "" {
		msg += fmt.Sprintf(" (%s)", e.Code)
	}
	return msg + "; check that the registered redirect URI exactly matches the one configured with the provider"
}

func (e *InvalidGrantError) Unwrap() error { return ErrInvalidGrant }

// mapTokenError translates oauth2 endpoint failures into the adapter error
// taxonomy. HTTP 400/401 (or an explicit invalid_grant code) means the grant
// is dead; anything else is a transient provider problem.
func mapTokenError(provider string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		if status == http.StatusBadRequest || status == http.StatusUnauthorized || retrieveErr.ErrorCode == "invalid_grant" {
			return &InvalidGrantError{Provider: provider, Code: retrieveErr.ErrorCode}
		}
		return fmt.Errorf("%w: %s token endpoint returned HTTP %d", ErrProviderUnavailable, provider, status)
	}
	return fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, provider, err)
}
