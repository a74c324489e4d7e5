package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var coinbaseTestCreds = ClientCredentials{
	ClientID:     "cb-client",
	ClientSecret: "cb-secret",
	RedirectURI:  "https://x/oauth_callback/coinbase",
}

func TestCoinbaseAuthorizationURL(t *testing.T) {
	p := NewCoinbaseProvider()

	rawURL := p.AuthorizationURL(coinbaseTestCreds, "state-token-value", "")
	u, err := url.Parse(rawURL)
	require.NoError(t, err)

	q := u.Query()
	assert.Equal(t, "cb-client", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "state-token-value", q.Get("state"))
	assert.Equal(t, coinbaseScope, q.Get("scope"))
	// Coinbase does not use PKCE
	assert.Empty(t, q.Get("code_challenge"))
}

func TestCoinbaseExchangeCode_ClientCredentialsInBody(t *testing.T) {
	var gotRequest url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotRequest = r.PostForm

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"cb-t1","token_type":"Bearer","expires_in":7200,"refresh_token":"cb-r1"}`))
	}))
	defer srv.Close()

	p := NewCoinbaseProvider()
	p.tokenURL = srv.URL

	tok, err := p.ExchangeCode(context.Background(), coinbaseTestCreds, "auth-code", "")
	require.NoError(t, err)

	assert.Equal(t, "cb-client", gotRequest.Get("client_id"))
	assert.Equal(t, "cb-secret", gotRequest.Get("client_secret"))
	assert.Equal(t, "authorization_code", gotRequest.Get("grant_type"))

	assert.Equal(t, "cb-t1", tok.AccessToken)
	assert.Equal(t, "cb-r1", tok.RefreshToken)
	// Provider omitted scope in the response; adapter falls back to the requested one
	assert.Equal(t, coinbaseScope, tok.Scope)
}

func TestCoinbaseExchangeCode_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer srv.Close()

	p := NewCoinbaseProvider()
	p.tokenURL = srv.URL

	_, err := p.ExchangeCode(context.Background(), coinbaseTestCreds, "auth-code", "")
	var grantErr *InvalidGrantError
	assert.ErrorAs(t, err, &grantErr)
}

func TestCoinbaseTestConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/user", r.URL.Path)
		assert.Equal(t, "Bearer cb-t1", r.Header.Get("Authorization"))
		w.Write([]byte(`{"data":{}}`))
	}))
	defer srv.Close()

	p := NewCoinbaseProvider()
	p.apiBaseURL = srv.URL

	assert.NoError(t, p.TestConnection(context.Background(), "cb-t1"))
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry(NewSchwabProvider(), NewCoinbaseProvider())

	p, err := registry.Get("schwab")
	require.NoError(t, err)
	assert.Equal(t, "schwab", p.Name())

	_, err = registry.Get("etrade")
	assert.ErrorIs(t, err, ErrUnknownProvider)

	assert.ElementsMatch(t, []string{"schwab", "coinbase"}, registry.Names())
}
