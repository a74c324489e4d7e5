package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"arbion/internal/common"
	"arbion/internal/crypto"
	"arbion/internal/providers"
	"arbion/internal/repositories"
	"arbion/internal/security"
	"arbion/internal/services"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// CredentialHandlers exposes the OAuth credential lifecycle over HTTP. Every
// route requires an authenticated user; plaintext tokens and client secrets
// never appear in any response.
type CredentialHandlers struct {
	credentialSvc services.CredentialService
	registry      *providers.Registry
}

func NewCredentialHandlers(credentialSvc services.CredentialService, registry *providers.Registry) *CredentialHandlers {
	return &CredentialHandlers{
		credentialSvc: credentialSvc,
		registry:      registry,
	}
}

// RegisterClientRequest is the payload for saving a user's OAuth app
// registration with a provider.
type RegisterClientRequest struct {
	ClientID     string `json:"client_id" validate:"required"`
	ClientSecret string `json:"client_secret" validate:"required"`
	RedirectURI  string `json:"redirect_uri" validate:"required"`
}

// RegisterClient stores the user's OAuth client credentials for a provider.
func (h *CredentialHandlers) RegisterClient(c echo.Context) error {
	ctx := c.Request().Context()

	userID, ok := common.GetUserIDFromContext(ctx)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "User not authenticated")
	}
	provider := c.Param("provider")

	var req RegisterClientRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request format")
	}
	if req.ClientID == "" || req.ClientSecret == "" || req.RedirectURI == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "client_id, client_secret, and redirect_uri are required")
	}

	if err := h.credentialSvc.SaveClientRegistration(ctx, userID, provider, req.ClientID, req.ClientSecret, req.RedirectURI); err != nil {
		return h.mapError(c, userID, provider, err)
	}

	return c.JSON(http.StatusCreated, map[string]string{
		"message": "Client registration saved",
	})
}

// SaveAPIKeyRequest is the payload for storing a static API key credential.
type SaveAPIKeyRequest struct {
	APIKey string `json:"api_key" validate:"required"`
}

// SaveAPIKey stores a static API key for providers that do not use OAuth.
func (h *CredentialHandlers) SaveAPIKey(c echo.Context) error {
	ctx := c.Request().Context()

	userID, ok := common.GetUserIDFromContext(ctx)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "User not authenticated")
	}
	provider := c.Param("provider")

	var req SaveAPIKeyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request format")
	}
	if req.APIKey == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "api_key is required")
	}

	if err := h.credentialSvc.SaveAPIKeyCredential(ctx, userID, provider, req.APIKey); err != nil {
		return h.mapError(c, userID, provider, err)
	}

	return c.JSON(http.StatusCreated, map[string]string{
		"message": "API key saved",
	})
}

// ConnectResponse carries the provider consent URL the UI redirects to.
type ConnectResponse struct {
	AuthorizationURL string `json:"authorization_url"`
}

// Connect starts the authorization-code flow for a provider.
func (h *CredentialHandlers) Connect(c echo.Context) error {
	ctx := c.Request().Context()

	userID, ok := common.GetUserIDFromContext(ctx)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "User not authenticated")
	}
	sessionID, ok := common.GetSessionIDFromContext(ctx)
	if !ok || sessionID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "Session not established")
	}
	provider := c.Param("provider")

	authURL, err := h.credentialSvc.BeginAuthorization(ctx, userID, provider, sessionID)
	if err != nil {
		return h.mapError(c, userID, provider, err)
	}

	return c.JSON(http.StatusOK, ConnectResponse{AuthorizationURL: authURL})
}

// Callback completes the authorization-code flow. The provider redirects the
// user's browser here with either code+state or an error parameter.
func (h *CredentialHandlers) Callback(c echo.Context) error {
	ctx := c.Request().Context()

	userID, ok := common.GetUserIDFromContext(ctx)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "User not authenticated")
	}
	sessionID, ok := common.GetSessionIDFromContext(ctx)
	if !ok || sessionID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "Session not established")
	}
	provider := c.Param("provider")

	if providerErr := c.QueryParam("error"); providerErr != "" {
		log.Printf("WARN: OAuth callback returned error for user %s, provider %s: %s", userID, provider, providerErr)
		return echo.NewHTTPError(http.StatusBadRequest, "Authorization was denied by the provider")
	}

	code := c.QueryParam("code")
	state := c.QueryParam("state")
	if code == "" || state == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Missing code or state parameter")
	}

	if err := h.credentialSvc.CompleteAuthorization(ctx, userID, provider, sessionID, code, state); err != nil {
		return h.mapError(c, userID, provider, err)
	}

	return c.JSON(http.StatusOK, map[string]string{
		"message": provider + " connected successfully",
	})
}

// Revoke disconnects a provider for the current user.
func (h *CredentialHandlers) Revoke(c echo.Context) error {
	ctx := c.Request().Context()

	userID, ok := common.GetUserIDFromContext(ctx)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "User not authenticated")
	}
	provider := c.Param("provider")

	if err := h.credentialSvc.Revoke(ctx, userID, provider); err != nil {
		return h.mapError(c, userID, provider, err)
	}

	return c.JSON(http.StatusOK, map[string]string{
		"message": provider + " disconnected",
	})
}

// Status returns the lifecycle metadata for a provider connection. The
// encrypted blob is stripped by the service; only plaintext metadata is
// serialized.
func (h *CredentialHandlers) Status(c echo.Context) error {
	ctx := c.Request().Context()

	userID, ok := common.GetUserIDFromContext(ctx)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "User not authenticated")
	}
	provider := c.Param("provider")

	cred, err := h.credentialSvc.Status(ctx, userID, provider)
	if err != nil {
		return h.mapError(c, userID, provider, err)
	}

	return c.JSON(http.StatusOK, cred)
}

// Test verifies the stored credential against the provider's API.
func (h *CredentialHandlers) Test(c echo.Context) error {
	ctx := c.Request().Context()

	userID, ok := common.GetUserIDFromContext(ctx)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "User not authenticated")
	}
	provider := c.Param("provider")

	if err := h.credentialSvc.TestConnection(ctx, userID, provider); err != nil {
		return h.mapError(c, userID, provider, err)
	}

	return c.JSON(http.StatusOK, map[string]string{
		"status": "connected",
	})
}

// ListProviders returns the provider names this deployment supports.
func (h *CredentialHandlers) ListProviders(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string][]string{
		"providers": h.registry.Names(),
	})
}

// mapError translates service errors into HTTP responses. Messages stay
// generic; the detailed cause is logged server-side only.
func (h *CredentialHandlers) mapError(c echo.Context, userID uuid.UUID, provider string, err error) error {
	var rateErr *security.RateLimitExceededError
	switch {
	case errors.As(err, &rateErr):
		c.Response().Header().Set("Retry-After", strconv.Itoa(int(rateErr.RetryAfter.Seconds())))
		return echo.NewHTTPError(http.StatusTooManyRequests, "Too many attempts, please wait before retrying")
	case errors.Is(err, security.ErrInvalidState):
		return echo.NewHTTPError(http.StatusBadRequest, "Authorization session is invalid or expired, please restart the connection")
	case errors.Is(err, providers.ErrUnknownProvider):
		return echo.NewHTTPError(http.StatusNotFound, "Unknown provider")
	case errors.Is(err, services.ErrInvalidRedirectURI):
		return echo.NewHTTPError(http.StatusBadRequest, "redirect_uri must be an absolute HTTPS URL")
	case errors.Is(err, services.ErrUnconfiguredProvider):
		return echo.NewHTTPError(http.StatusConflict, "Provider client credentials are not configured")
	case errors.Is(err, services.ErrReauthenticationRequired):
		return echo.NewHTTPError(http.StatusConflict, "Provider connection requires re-authorization")
	case errors.Is(err, providers.ErrInvalidGrant):
		return echo.NewHTTPError(http.StatusBadRequest, "Provider rejected the authorization, check the registered redirect URI")
	case errors.Is(err, providers.ErrProviderUnavailable):
		return echo.NewHTTPError(http.StatusBadGateway, "Provider is temporarily unavailable")
	case errors.Is(err, repositories.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "No credential found for this provider")
	case errors.Is(err, crypto.ErrCorruptCredential):
		log.Printf("ERROR: Corrupt credential surfaced for user %s, provider %s", userID, provider)
		return echo.NewHTTPError(http.StatusInternalServerError, "Stored credential cannot be read")
	default:
		log.Printf("WARN: Unhandled credential error for user %s, provider %s: %v", userID, provider, err)
		return echo.NewHTTPError(http.StatusInternalServerError, "Internal server error")
	}
}
