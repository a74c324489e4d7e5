package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"time"

	"arbion/internal/crypto"
	"arbion/internal/models"
	"arbion/internal/providers"
	"arbion/internal/repositories"
	"arbion/internal/security"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrUnconfiguredProvider means the user has not registered OAuth client
	// credentials for this provider yet.
	ErrUnconfiguredProvider = errors.New("provider client credentials not configured")
	// ErrReauthenticationRequired means the stored credential cannot produce
	// a valid token anymore. Callers must surface this to the user instead
	// of retrying silently.
	ErrReauthenticationRequired = errors.New("re-authentication required")
	// ErrInvalidRedirectURI rejects client registrations whose redirect URI
	// is relative or not HTTPS.
	ErrInvalidRedirectURI = errors.New("invalid redirect URI")
)

// Rate-limited actions.
const (
	actionBeginAuth     = "begin_auth"
	actionTokenExchange = "token_exchange"
)

// CredentialService drives the full OAuth credential lifecycle: client
// registration, authorize -> callback -> exchange -> store, lazy refresh on
// token lookup, and revocation. It is the only component that ever sees
// plaintext tokens.
type CredentialService interface {
	SaveClientRegistration(ctx context.Context, userID uuid.UUID, provider, clientID, clientSecret, redirectURI string) error
	SaveAPIKeyCredential(ctx context.Context, userID uuid.UUID, provider, apiKey string) error
	BeginAuthorization(ctx context.Context, userID uuid.UUID, provider, sessionID string) (string, error)
	CompleteAuthorization(ctx context.Context, userID uuid.UUID, provider, sessionID, code, state string) error
	GetValidToken(ctx context.Context, userID uuid.UUID, provider string) (string, error)
	TestConnection(ctx context.Context, userID uuid.UUID, provider string) error
	Revoke(ctx context.Context, userID uuid.UUID, provider string) error
	Status(ctx context.Context, userID uuid.UUID, provider string) (*models.APICredential, error)
}

type credentialService struct {
	clientRepo repositories.OAuthClientRepository
	credRepo   repositories.APICredentialRepository
	guard      security.Guard
	cipher     *crypto.Cipher
	registry   *providers.Registry
	devMode    bool

	// refreshGroup collapses concurrent refresh attempts for the same
	// (user, provider) pair into a single provider call.
	refreshGroup singleflight.Group
}

func NewCredentialService(
	clientRepo repositories.OAuthClientRepository,
	credRepo repositories.APICredentialRepository,
	guard security.Guard,
	cipher *crypto.Cipher,
	registry *providers.Registry,
	devMode bool,
) CredentialService {
	return &credentialService{
		clientRepo: clientRepo,
		credRepo:   credRepo,
		guard:      guard,
		cipher:     cipher,
		registry:   registry,
		devMode:    devMode,
	}
}

// SaveClientRegistration validates and stores a user's OAuth client
// registration, encrypting the client secret and deactivating any previous
// registration for the pair. User-scoped registrations are the only source
// of client credentials; there is no service-wide fallback.
func (s *credentialService) SaveClientRegistration(ctx context.Context, userID uuid.UUID, provider, clientID, clientSecret, redirectURI string) error {
	if _, err := s.registry.Get(provider); err != nil {
		return err
	}
	if clientID == "" || clientSecret == "" {
		return fmt.Errorf("client_id and client_secret are required")
	}
	if err := s.validateRedirectURI(redirectURI); err != nil {
		return err
	}

	encryptedSecret, err := s.cipher.Encrypt([]byte(clientSecret))
	if err != nil {
		return fmt.Errorf("failed to encrypt client secret: %w", err)
	}

	client := &models.OAuthClientCredential{
		ID:                    uuid.New(),
		UserID:                userID,
		Provider:              provider,
		ClientID:              clientID,
		EncryptedClientSecret: encryptedSecret,
		RedirectURI:           redirectURI,
		IsActive:              true,
	}
	if err := s.clientRepo.Save(ctx, client); err != nil {
		return err
	}

	log.Printf("Saved OAuth client registration for user %s, provider %s", userID, provider)
	return nil
}

// SaveAPIKeyCredential stores a static API key blob. API key credentials
// never participate in the refresh cycle; the legacy OAuth1.0a broker blobs
// are stored through this path as well, undifferentiated.
func (s *credentialService) SaveAPIKeyCredential(ctx context.Context, userID uuid.UUID, provider, apiKey string) error {
	if apiKey == "" {
		return fmt.Errorf("api key is required")
	}

	blob, err := s.sealTokens(&models.TokenCredentials{AccessToken: apiKey})
	if err != nil {
		return err
	}

	cred := &models.APICredential{
		ID:                   uuid.New(),
		UserID:               userID,
		Provider:             provider,
		EncryptedCredentials: blob,
		CredentialType:       models.CredentialTypeAPIKey,
		Status:               models.CredentialStatusActive,
		IsActive:             true,
	}
	return s.credRepo.Upsert(ctx, cred)
}

// BeginAuthorization starts the authorization-code flow: it requires an
// active client registration, issues a single-use state bound to the
// caller's interactive session, and returns the provider consent URL.
func (s *credentialService) BeginAuthorization(ctx context.Context, userID uuid.UUID, provider, sessionID string) (string, error) {
	adapter, err := s.registry.Get(provider)
	if err != nil {
		return "", err
	}
	if err := s.guard.CheckRateLimit(ctx, userID, actionBeginAuth); err != nil {
		return "", err
	}

	clientCreds, err := s.loadClientCredentials(ctx, userID, provider)
	if err != nil {
		return "", err
	}

	session, err := s.guard.IssueState(ctx, userID, provider, sessionID)
	if err != nil {
		return "", err
	}

	log.Printf("Issued authorization URL for user %s, provider %s", userID, provider)
	return adapter.AuthorizationURL(clientCreds, session.State, session.CodeVerifier), nil
}

// CompleteAuthorization handles the provider callback. Rate limit and state
// validation run unconditionally before any network call; a failure of either
// is recorded and returned without ever contacting the provider.
func (s *credentialService) CompleteAuthorization(ctx context.Context, userID uuid.UUID, provider, sessionID, code, state string) error {
	adapter, err := s.registry.Get(provider)
	if err != nil {
		return err
	}

	if err := s.guard.CheckRateLimit(ctx, userID, actionTokenExchange); err != nil {
		return err
	}

	session, err := s.guard.ValidateState(ctx, userID, provider, sessionID, state)
	if err != nil {
		s.guard.RecordFailure(ctx, userID, actionTokenExchange)
		return err
	}

	clientCreds, err := s.loadClientCredentials(ctx, userID, provider)
	if err != nil {
		return err
	}

	tokens, err := adapter.ExchangeCode(ctx, clientCreds, code, session.CodeVerifier)
	if err != nil {
		s.guard.RecordFailure(ctx, userID, actionTokenExchange)
		log.Printf("WARN: Code exchange failed for user %s, provider %s: %v", userID, provider, err)
		return err
	}

	blob, err := s.sealTokens(tokens)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	testStatus := models.TestStatusPending
	cred := &models.APICredential{
		ID:                   uuid.New(),
		UserID:               userID,
		Provider:             provider,
		EncryptedCredentials: blob,
		CredentialType:       models.CredentialTypeOAuth,
		Status:               models.CredentialStatusActive,
		LastTested:           &now,
		TestStatus:           &testStatus,
		IsActive:             true,
	}

	// A freshly issued token must not be dropped on a transient store
	// failure; retry the persist once before giving up.
	if err := s.credRepo.Upsert(ctx, cred); err != nil {
		log.Printf("WARN: Failed to persist credential for user %s, provider %s, retrying: %v", userID, provider, err)
		if err := s.credRepo.Upsert(ctx, cred); err != nil {
			return err
		}
	}

	s.guard.RecordSuccess(ctx, userID, actionTokenExchange)
	log.Printf("Stored new OAuth credential for user %s, provider %s", userID, provider)
	return nil
}

// GetValidToken returns a bearer token for (user, provider), transparently
// refreshing an expired one. The returned token always has at least the skew
// margin of lifetime left.
func (s *credentialService) GetValidToken(ctx context.Context, userID uuid.UUID, provider string) (string, error) {
	cred, err := s.credRepo.GetActive(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return "", fmt.Errorf("%w: no active credential for %s", ErrReauthenticationRequired, provider)
		}
		return "", err
	}
	if cred.NeedsReauth() {
		return "", fmt.Errorf("%w: %s credential requires re-authorization", ErrReauthenticationRequired, provider)
	}

	tokens, err := s.openTokens(cred)
	if err != nil {
		return "", err
	}

	// Static API keys never expire or refresh
	if cred.IsAPIKey() {
		return tokens.AccessToken, nil
	}

	if !tokens.NeedsRefresh() {
		return tokens.AccessToken, nil
	}

	token, err, _ := s.refreshGroup.Do(refreshKey(userID, provider), func() (interface{}, error) {
		return s.refreshCredential(context.WithoutCancel(ctx), userID, provider)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

// refreshCredential performs the read-check-refresh-write sequence for one
// (user, provider) pair. Concurrent callers are collapsed by singleflight;
// across instances the conditional write keeps the refresh single.
func (s *credentialService) refreshCredential(ctx context.Context, userID uuid.UUID, provider string) (string, error) {
	cred, err := s.credRepo.GetActive(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return "", fmt.Errorf("%w: no active credential for %s", ErrReauthenticationRequired, provider)
		}
		return "", err
	}
	readAt := cred.UpdatedAt

	tokens, err := s.openTokens(cred)
	if err != nil {
		return "", err
	}

	// Another caller may have refreshed while we waited on the flight group
	if !tokens.NeedsRefresh() {
		return tokens.AccessToken, nil
	}

	if tokens.RefreshToken == "" {
		return "", s.markReauthRequired(ctx, cred, "token expired and no refresh token is available")
	}

	adapter, err := s.registry.Get(provider)
	if err != nil {
		return "", err
	}
	clientCreds, err := s.loadClientCredentials(ctx, userID, provider)
	if err != nil {
		return "", err
	}

	log.Printf("Refreshing expired token for user %s, provider %s", userID, provider)
	newTokens, err := adapter.Refresh(ctx, clientCreds, tokens.RefreshToken)
	if err != nil {
		if errors.Is(err, providers.ErrInvalidGrant) {
			return "", s.markReauthRequired(ctx, cred, err.Error())
		}
		// Transient failure: the old blob stays untouched
		cred.MarkRefreshFailure(err.Error(), false)
		if statusErr := s.credRepo.UpdateStatus(ctx, cred); statusErr != nil {
			log.Printf("WARN: Failed to record refresh failure for user %s, provider %s: %v", userID, provider, statusErr)
		}
		return "", err
	}

	blob, err := s.sealTokens(newTokens)
	if err != nil {
		return "", err
	}
	cred.EncryptedCredentials = blob
	cred.MarkRefreshSuccess()

	err = s.credRepo.UpdateTokens(ctx, cred, readAt)
	if errors.Is(err, repositories.ErrStaleWrite) {
		// Another instance refreshed first; use its result instead of ours
		return s.rereadToken(ctx, userID, provider)
	}
	if err != nil {
		log.Printf("WARN: Failed to persist refreshed token for user %s, provider %s, retrying: %v", userID, provider, err)
		if err := s.credRepo.UpdateTokens(ctx, cred, readAt); err != nil {
			// The refreshed token is still valid; serve it and let the next
			// lookup refresh again rather than failing the caller.
			log.Printf("ERROR: Could not persist refreshed token for user %s, provider %s: %v", userID, provider, err)
		}
	}

	return newTokens.AccessToken, nil
}

func (s *credentialService) rereadToken(ctx context.Context, userID uuid.UUID, provider string) (string, error) {
	cred, err := s.credRepo.GetActive(ctx, userID, provider)
	if err != nil {
		return "", err
	}
	tokens, err := s.openTokens(cred)
	if err != nil {
		return "", err
	}
	return tokens.AccessToken, nil
}

// TestConnection verifies the credential against the provider with a
// lightweight authenticated call and records the result for display.
func (s *credentialService) TestConnection(ctx context.Context, userID uuid.UUID, provider string) error {
	adapter, err := s.registry.Get(provider)
	if err != nil {
		return err
	}

	token, err := s.GetValidToken(ctx, userID, provider)
	if err != nil {
		return err
	}

	testErr := adapter.TestConnection(ctx, token)

	cred, getErr := s.credRepo.GetActive(ctx, userID, provider)
	if getErr == nil {
		now := time.Now().UTC()
		cred.LastTested = &now
		status := models.TestStatusSuccess
		if testErr != nil {
			status = models.TestStatusFailed
		}
		cred.TestStatus = &status
		if updateErr := s.credRepo.UpdateStatus(ctx, cred); updateErr != nil {
			log.Printf("WARN: Failed to record test status for user %s, provider %s: %v", userID, provider, updateErr)
		}
	}

	return testErr
}

// Revoke disconnects a provider: both the client registration and the
// credential blob are deactivated, never hard-deleted.
func (s *credentialService) Revoke(ctx context.Context, userID uuid.UUID, provider string) error {
	if err := s.clientRepo.Deactivate(ctx, userID, provider); err != nil {
		return err
	}
	if err := s.credRepo.Deactivate(ctx, userID, provider); err != nil {
		return err
	}
	log.Printf("Revoked %s credentials for user %s", provider, userID)
	return nil
}

// Status returns the plaintext lifecycle metadata for UI display. The
// ciphertext is stripped before returning.
func (s *credentialService) Status(ctx context.Context, userID uuid.UUID, provider string) (*models.APICredential, error) {
	cred, err := s.credRepo.GetActive(ctx, userID, provider)
	if err != nil {
		return nil, err
	}
	cred.EncryptedCredentials = nil
	return cred, nil
}

func (s *credentialService) loadClientCredentials(ctx context.Context, userID uuid.UUID, provider string) (providers.ClientCredentials, error) {
	client, err := s.clientRepo.GetActive(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return providers.ClientCredentials{}, fmt.Errorf("%w: %s", ErrUnconfiguredProvider, provider)
		}
		return providers.ClientCredentials{}, err
	}

	secret, err := s.cipher.Decrypt(client.EncryptedClientSecret)
	if err != nil {
		log.Printf("ERROR: Cannot decrypt client secret for user %s, provider %s - needs operator attention", userID, provider)
		return providers.ClientCredentials{}, err
	}

	return providers.ClientCredentials{
		ClientID:     client.ClientID,
		ClientSecret: string(secret),
		RedirectURI:  client.RedirectURI,
	}, nil
}

func (s *credentialService) sealTokens(tokens *models.TokenCredentials) ([]byte, error) {
	plaintext, err := json.Marshal(tokens)
	if err != nil {
		return nil, fmt.Errorf("failed to encode token credentials: %w", err)
	}
	blob, err := s.cipher.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt token credentials: %w", err)
	}
	return blob, nil
}

func (s *credentialService) openTokens(cred *models.APICredential) (*models.TokenCredentials, error) {
	plaintext, err := s.cipher.Decrypt(cred.EncryptedCredentials)
	if err != nil {
		log.Printf("ERROR: Corrupt credential blob for user %s, provider %s - needs operator attention", cred.UserID, cred.Provider)
		return nil, err
	}
	tokens := &models.TokenCredentials{}
	if err := json.Unmarshal(plaintext, tokens); err != nil {
		return nil, fmt.Errorf("failed to decode token credentials: %w", err)
	}
	return tokens, nil
}

func (s *credentialService) markReauthRequired(ctx context.Context, cred *models.APICredential, reason string) error {
	cred.MarkRefreshFailure(reason, true)
	if err := s.credRepo.UpdateStatus(ctx, cred); err != nil {
		log.Printf("WARN: Failed to persist reauth_required status for user %s, provider %s: %v", cred.UserID, cred.Provider, err)
	}
	log.Printf("WARN: Credential for user %s, provider %s requires re-authorization: %s", cred.UserID, cred.Provider, reason)
	return fmt.Errorf("%w: %s", ErrReauthenticationRequired, reason)
}

// validateRedirectURI enforces absolute HTTPS redirect URIs. Development
// mode additionally allows plain HTTP on loopback addresses.
func (s *credentialService) validateRedirectURI(redirectURI string) error {
	u, err := url.Parse(redirectURI)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%w: redirect_uri must be an absolute URL", ErrInvalidRedirectURI)
	}
	if u.Scheme == "https" {
		return nil
	}
	if s.devMode && u.Scheme == "http" {
		host := u.Hostname()
		if host == "localhost" || host == "127.0.0.1" || host == "::1" {
			return nil
		}
	}
	return fmt.Errorf("%w: redirect_uri must use HTTPS", ErrInvalidRedirectURI)
}

func refreshKey(userID uuid.UUID, provider string) string {
	return userID.String() + ":" + provider
}
