package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/Martian-dev/mailbridge/internal/apperr"
)

// DefaultScopes requests mailbox read, mailbox send and offline access.
var DefaultScopes = []string{"offline_access", "Mail.Read", "Mail.Send"}

// OAuthConfig configures the Microsoft identity platform client.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Tenant       string
	Scopes       []string

	// AuthURL and TokenURL override the tenant endpoints when set.
	AuthURL  string
	TokenURL string

	Timeout time.Duration
}

// Flow runs the authorization-code flow and the refresh-token grant.
type Flow struct {
	config *oauth2.Config
	client *http.Client
	now    func() time.Time
}

// NewFlow creates a Flow
func NewFlow(cfg OAuthConfig) *Flow {
	tenant := cfg.Tenant
	if tenant == "" {
		tenant = "common"
	}
	endpoint := microsoft.AzureADEndpoint(tenant)
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	// client_id and client_secret travel in the form body
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Flow{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

// AuthorizationURL builds the provider's consent URL. state is optional.
func (f *Flow) AuthorizationURL(state string) string {
	return f.config.AuthCodeURL(state, oauth2.SetAuthURLParam("response_mode", "query"))
}

// Exchange trades a one-time authorization code for the initial TokenState.
func (f *Flow) Exchange(ctx context.Context, code string) (TokenState, error) {
	now := f.now()
	tok, err := f.config.Exchange(f.withClient(ctx), code)
	if err != nil {
		return TokenState{}, classify("exchange", err)
	}
	return fromOAuth2(tok, now), nil
}

// Refresh exchanges a refresh token for a new TokenState. The returned state
// keeps refreshToken when the provider does not issue a new one.
func (f *Flow) Refresh(ctx context.Context, refreshToken string) (TokenState, error) {
	if refreshToken == "" {
		return TokenState{}, &apperr.AuthError{Op: "refresh", Body: "no refresh token stored"}
	}

	now := f.now()
	// An empty access token is never valid, so the source always hits the token endpoint.
	src := f.config.TokenSource(f.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return TokenState{}, classify("refresh", err)
	}

	return fromOAuth2(tok, now).Merge(TokenState{RefreshToken: refreshToken}), nil
}

func (f *Flow) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, f.client)
}

// classify separates provider rejections from transport failures.
func classify(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		ae := &apperr.AuthError{
			Op:   op,
			Code: re.ErrorCode,
			Body: string(re.Body),
			Err:  err,
		}
		if re.Response != nil {
			ae.Status = re.Response.StatusCode
		}
		return ae
	}
	return &apperr.ProviderError{Op: "token_" + op, Err: err}
}
