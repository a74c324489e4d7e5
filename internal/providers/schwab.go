package providers

import (
	"context"
	"fmt"
	"net/http"

	"arbion/internal/models"

	"golang.org/x/oauth2"
)

const (
	schwabAuthURL    = "https://api.schwabapi.com/v1/oauth/authorize"
	schwabTokenURL   = "https://api.schwabapi.com/v1/oauth/token"
	schwabAPIBaseURL = "https://api.schwabapi.com"
	schwabScope      = "AccountAccess"
)

// SchwabProvider integrates the Charles Schwab Trader API. Schwab requires
// Basic client authentication on the token endpoint and PKCE (S256) on the
// authorization request.
type SchwabProvider struct {
	authURL    string
	tokenURL   string
	apiBaseURL string
	httpClient *http.Client
}

func NewSchwabProvider() *SchwabProvider {
	return &SchwabProvider{
		authURL:    schwabAuthURL,
		tokenURL:   schwabTokenURL,
		apiBaseURL: schwabAPIBaseURL,
		httpClient: newHTTPClient(),
	}
}

func (p *SchwabProvider) Name() string { return "schwab" }

func (p *SchwabProvider) config(creds ClientCredentials) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  creds.RedirectURI,
		Scopes:       []string{schwabScope},
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.authURL,
			TokenURL:  p.tokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

func (p *SchwabProvider) AuthorizationURL(creds ClientCredentials, state, verifier string) string {
	return p.config(creds).AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

func (p *SchwabProvider) ExchangeCode(ctx context.Context, creds ClientCredentials, code, verifier string) (*models.TokenCredentials, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	tok, err := p.config(creds).Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, mapTokenError(p.Name(), err)
	}
	return tokenCredentials(tok, "", schwabScope), nil
}

func (p *SchwabProvider) Refresh(ctx context.Context, creds ClientCredentials, refreshToken string) (*models.TokenCredentials, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	tok, err := p.config(creds).TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, mapTokenError(p.Name(), err)
	}
	return tokenCredentials(tok, refreshToken, schwabScope), nil
}

func (p *SchwabProvider) TestConnection(ctx context.Context, accessToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBaseURL+"/trader/v1/accounts", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: schwab accounts endpoint returned HTTP %d", ErrProviderUnavailable, resp.StatusCode)
	}
	return nil
}
