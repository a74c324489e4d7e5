package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"arbion/internal/models"
)

// requestTimeout bounds every outbound provider call. Adapters never retry;
// retry policy belongs to the caller so failures are not amplified against
// the provider's own rate limits.
const requestTimeout = 30 * time.Second

// ClientCredentials is a user's decrypted OAuth2 client registration, passed
// to adapters by the lifecycle manager. Adapters never touch storage.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// Provider is the capability set every brokerage/AI OAuth2 integration
// implements. Adding a provider means adding one implementation and
// registering it; the lifecycle manager is untouched.
type Provider interface {
	Name() string
	// AuthorizationURL builds the user-facing consent URL. verifier is the
	// PKCE code verifier; adapters for providers without PKCE ignore it.
	AuthorizationURL(creds ClientCredentials, state, verifier string) string
	ExchangeCode(ctx context.Context, creds ClientCredentials, code, verifier string) (*models.TokenCredentials, error)
	Refresh(ctx context.Context, creds ClientCredentials, refreshToken string) (*models.TokenCredentials, error)
	TestConnection(ctx context.Context, accessToken string) error
}

// Registry resolves providers by name.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: requestTimeout}
}
