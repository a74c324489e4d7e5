package providers

import (
	"time"

	"arbion/internal/models"

	"golang.org/x/oauth2"
)

// defaultTokenLifetime is assumed when a provider omits expires_in.
const defaultTokenLifetime = time.Hour

// tokenCredentials maps an oauth2 token into the stored credential form.
// When the provider does not rotate the refresh token, the previous one is
// preserved so the credential can keep refreshing.
func tokenCredentials(tok *oauth2.Token, previousRefreshToken, defaultScope string) *models.TokenCredentials {
	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(defaultTokenLifetime)
	}

	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		refreshToken = previousRefreshToken
	}

	scope := defaultScope
	if s, ok := tok.Extra("scope").(string); ok && s != "" {
		scope = s
	}

	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	return &models.TokenCredentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt.UTC(),
		Scope:        scope,
		TokenType:    tokenType,
	}
}
