package providers

import (
	"context"
	"fmt"
	"net/http"

	"arbion/internal/models"

	"golang.org/x/oauth2"
)

const (
	coinbaseAuthURL    = "https://www.coinbase.com/oauth/authorize"
	coinbaseTokenURL   = "https://api.coinbase.com/oauth/token"
	coinbaseAPIBaseURL = "https://api.coinbase.com/v2"
	coinbaseScope      = "wallet:user:read wallet:accounts:read wallet:transactions:read"
)

// CoinbaseProvider integrates the Coinbase retail API. Coinbase expects
// client credentials in the token request body and does not use PKCE.
type CoinbaseProvider struct {
	authURL    string
	tokenURL   string
	apiBaseURL string
	httpClient *http.Client
}

func NewCoinbaseProvider() *CoinbaseProvider {
	return &CoinbaseProvider{
		authURL:    coinbaseAuthURL,
		tokenURL:   coinbaseTokenURL,
		apiBaseURL: coinbaseAPIBaseURL,
		httpClient: newHTTPClient(),
	}
}

func (p *CoinbaseProvider) Name() string { return "coinbase" }

func (p *CoinbaseProvider) config(creds ClientCredentials) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  creds.RedirectURI,
		Scopes:       []string{coinbaseScope},
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.authURL,
			TokenURL:  p.tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (p *CoinbaseProvider) AuthorizationURL(creds ClientCredentials, state, verifier string) string {
	return p.config(creds).AuthCodeURL(state)
}

func (p *CoinbaseProvider) ExchangeCode(ctx context.Context, creds ClientCredentials, code, verifier string) (*models.TokenCredentials, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	tok, err := p.config(creds).Exchange(ctx, code)
	if err != nil {
		return nil, mapTokenError(p.Name(), err)
	}
	return tokenCredentials(tok, "", coinbaseScope), nil
}

func (p *CoinbaseProvider) Refresh(ctx context.Context, creds ClientCredentials, refreshToken string) (*models.TokenCredentials, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	tok, err := p.config(creds).TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, mapTokenError(p.Name(), err)
	}
	return tokenCredentials(tok, refreshToken, coinbaseScope), nil
}

func (p *CoinbaseProvider) TestConnection(ctx context.Context, accessToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBaseURL+"/user", nil)
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
		return fmt.Errorf("%w: coinbase user endpoint returned HTTP %d", ErrProviderUnavailable, resp.StatusCode)
	}
	return nil
}
