package security

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"arbion/internal/caching"

	"github.com/google/uuid"
)

// ErrInvalidState is returned when an OAuth callback fails CSRF/replay
// validation. The provider must not be contacted after this error.
var ErrInvalidState = errors.New("invalid or expired OAuth state parameter")

// RateLimitExceededError is returned when a (user, action) pair has exceeded
// its attempt budget and is cooling down.
type RateLimitExceededError struct {
	RetryAfter time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("too many attempts, try again in %s", e.RetryAfter.Round(time.Second))
}

// OAuthSession is the transient per-(user, provider) state alive only during
// the authorize-to-callback window. Single use.
type OAuthSession struct {
	State        string    `json:"state"`
	SessionID    string    `json:"session_id"`
	CodeVerifier string    `json:"code_verifier,omitempty"`
	IssuedAt     time.Time `json:"issued_at"`
}

const (
	stateExpiry      = 10 * time.Minute
	rateLimitWindow  = 15 * time.Minute
	rateLimitMax     = 5
	cooldownDuration = 15 * time.Minute
)

// Guard issues and validates OAuth state tokens and enforces per-(user,
// action) rate limits. It is deliberately independent of the provider
// adapters: the lifecycle manager must clear the guard before any network
// call, so a buggy adapter cannot bypass CSRF or replay checks.
type Guard interface {
	IssueState(ctx context.Context, userID uuid.UUID, provider, sessionID string) (*OAuthSession, error)
	ValidateState(ctx context.Context, userID uuid.UUID, provider, sessionID, receivedState string) (*OAuthSession, error)
	CheckRateLimit(ctx context.Context, userID uuid.UUID, action string) error
	RecordFailure(ctx context.Context, userID uuid.UUID, action string)
	RecordSuccess(ctx context.Context, userID uuid.UUID, action string)
}

type guard struct {
	cacheSvc caching.CacheService
}

func NewGuard(cacheSvc caching.CacheService) Guard {
	return &guard{cacheSvc: cacheSvc}
}

// IssueState generates a fresh state token and PKCE verifier, binds them to
// the caller's interactive session and stores the session with a 10-minute
// TTL. Issuing a new state replaces any pending one for the same pair.
func (g *guard) IssueState(ctx context.Context, userID uuid.UUID, provider, sessionID string) (*OAuthSession, error) {
	state, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate state token: %w", err)
	}
	verifier, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate code verifier: %w", err)
	}

	session := &OAuthSession{
		State:        state,
		SessionID:    sessionID,
		CodeVerifier: verifier,
		IssuedAt:     time.Now().UTC(),
	}

	data, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("failed to encode OAuth session: %w", err)
	}

	if err := g.cacheSvc.SetString(ctx, sessionKey(userID, provider), string(data), stateExpiry); err != nil {
		return nil, fmt.Errorf("failed to store OAuth session: %w", err)
	}

	log.Printf("Issued OAuth state for user %s, provider %s", userID, provider)
	return session, nil
}

// ValidateState consumes the pending session for (user, provider). The
// session is deleted atomically with the read, so it validates at most once
// even under racing callbacks. Fails when no session exists, the token does
// not match, the session expired, or it belongs to a different interactive
// session.
func (g *guard) ValidateState(ctx context.Context, userID uuid.UUID, provider, sessionID, receivedState string) (*OAuthSession, error) {
	if receivedState == "" {
		log.Printf("WARN: Missing state parameter in OAuth callback for user %s, provider %s", userID, provider)
		return nil, ErrInvalidState
	}

	data, err := g.cacheSvc.GetDelString(ctx, sessionKey(userID, provider))
	if err != nil {
		if errors.Is(err, caching.ErrCacheMiss) {
			log.Printf("WARN: No pending OAuth session for user %s, provider %s", userID, provider)
			return nil, ErrInvalidState
		}
		return nil, fmt.Errorf("failed to load OAuth session: %w", err)
	}

	var session OAuthSession
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, ErrInvalidState
	}

	if subtle.ConstantTimeCompare([]byte(session.State), []byte(receivedState)) != 1 {
		log.Printf("WARN: OAuth state mismatch for user %s, provider %s - possible CSRF attempt", userID, provider)
		return nil, ErrInvalidState
	}
	if session.SessionID != sessionID {
		log.Printf("WARN: OAuth session bound to a different interactive session for user %s, provider %s", userID, provider)
		return nil, ErrInvalidState
	}
	if time.Since(session.IssuedAt) > stateExpiry {
		log.Printf("WARN: Expired OAuth session for user %s, provider %s", userID, provider)
		return nil, ErrInvalidState
	}

	return &session, nil
}

// CheckRateLimit counts this attempt and rejects it when the (user, action)
// pair is cooling down or just crossed the threshold: at most 5 attempts per
// 15-minute window, then a 15-minute cool-down regardless of whether the
// underlying calls succeeded.
func (g *guard) CheckRateLimit(ctx context.Context, userID uuid.UUID, action string) error {
	blockKey := blockKey(userID, action)
	if _, err := g.cacheSvc.GetString(ctx, blockKey); err == nil {
		retryAfter, ttlErr := g.cacheSvc.TTL(ctx, blockKey)
		if ttlErr != nil {
			retryAfter = cooldownDuration
		}
		return &RateLimitExceededError{RetryAfter: retryAfter}
	}

	count, err := g.cacheSvc.IncrementCounter(ctx, counterKey(userID, action), rateLimitWindow)
	if err != nil {
		// Fail closed: an unreachable counter store must not disable limiting.
		log.Printf("WARN: Rate limit counter unavailable for user %s, action %s: %v", userID, action, err)
		return &RateLimitExceededError{RetryAfter: cooldownDuration}
	}

	if count > rateLimitMax {
		if err := g.cacheSvc.SetString(ctx, blockKey, "blocked", cooldownDuration); err != nil {
			log.Printf("WARN: Failed to set rate limit block for user %s, action %s: %v", userID, action, err)
		}
		log.Printf("WARN: Rate limit exceeded for user %s, action %s", userID, action)
		return &RateLimitExceededError{RetryAfter: cooldownDuration}
	}

	return nil
}

// RecordFailure counts a failed attempt toward the threshold.
func (g *guard) RecordFailure(ctx context.Context, userID uuid.UUID, action string) {
	if _, err := g.cacheSvc.IncrementCounter(ctx, counterKey(userID, action), rateLimitWindow); err != nil {
		log.Printf("WARN: Failed to record rate limit failure for user %s, action %s: %v", userID, action, err)
	}
}

// RecordSuccess resets the counter after a fully successful operation.
func (g *guard) RecordSuccess(ctx context.Context, userID uuid.UUID, action string) {
	if err := g.cacheSvc.Delete(ctx, counterKey(userID, action)); err != nil {
		log.Printf("WARN: Failed to reset rate limit counter for user %s, action %s: %v", userID, action, err)
	}
	if err := g.cacheSvc.Delete(ctx, blockKey(userID, action)); err != nil {
		log.Printf("WARN: Failed to clear rate limit block for user %s, action %s: %v", userID, action, err)
	}
}

// randomToken returns a 32-byte (256-bit) URL-safe random token.
func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func sessionKey(userID uuid.UUID, provider string) string {
	return fmt.Sprintf("oauthsession:%s:%s", userID, provider)
}

func counterKey(userID uuid.UUID, action string) string {
	return fmt.Sprintf("ratelimit:%s:%s", userID, action)
}

func blockKey(userID uuid.UUID, action string) string {
	return fmt.Sprintf("ratelimit_block:%s:%s", userID, action)
}
