package outlook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	gosync "sync"
	"time"

	abstractions "github.com/microsoft/kiota-abstractions-go"
	khttp "github.com/microsoft/kiota-http-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"github.com/sony/gobreaker"

	"github.com/Martian-dev/mailbridge/internal/apperr"
	"github.com/Martian-dev/mailbridge/internal/auth"
	"github.com/Martian-dev/mailbridge/internal/sync"
)

const (
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"
	DefaultTimeout = 30 * time.Second
)

// The SDK addresses the signed-in user as /users/me-token-to-replace and
// relies on transport middleware to turn it into /me.
var meReplacement = map[string]string{"/users/me-token-to-replace": "/me"}

// Refresher obtains a new TokenState from a refresh token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (auth.TokenState, error)
}

// Options tune a Client. Zero values select the defaults.
type Options struct {
	BaseURL string
	// UserPath addresses the mailbox; "me" (default) is the token's owner.
	UserPath string
	Timeout  time.Duration
	// Breaker is shared by every client of the process when set.
	Breaker *gobreaker.CircuitBreaker
	Now     func() time.Time
}

// Client implements sync.MailClient for Microsoft Graph. A Client is bound
// to one connection's tokens and must not be shared between connections.
type Client struct {
	graph     *msgraphsdk.GraphServiceClient
	refresher Refresher
	onRefresh sync.TokenPersister
	userPath  string
	timeout   time.Duration
	breaker   *gobreaker.CircuitBreaker
	now       func() time.Time

	mu    gosync.Mutex
	token auth.TokenState
}

var _ sync.MailClient = (*Client)(nil)

// New creates a Graph client bound to token. onRefresh, if set, receives
// every refreshed TokenState before the pending call is issued.
func New(token auth.TokenState, refresher Refresher, onRefresh sync.TokenPersister, opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.UserPath == "" {
		opts.UserPath = "me"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Client{
		refresher: refresher,
		onRefresh: onRefresh,
		userPath:  opts.UserPath,
		timeout:   opts.Timeout,
		breaker:   opts.Breaker,
		now:       opts.Now,
		token:     token,
	}

	// Only the /me rewrite; no retry middleware, retries belong to the caller.
	httpClient := khttp.GetDefaultClient(khttp.NewUrlReplaceHandler(true, meReplacement))
	httpClient.Timeout = opts.Timeout

	adapter, err := msgraphsdk.NewGraphRequestAdapterWithParseNodeFactoryAndSerializationWriterFactoryAndHttpClient(
		&tokenAuthProvider{client: c}, nil, nil, httpClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph request adapter: %w", err)
	}
	adapter.SetBaseUrl(opts.BaseURL)
	c.graph = msgraphsdk.NewGraphServiceClient(adapter)

	return c, nil
}

// NewBreaker returns a circuit breaker that trips after consecutive provider
// failures. Client errors other than throttling do not count against it.
func NewBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			var pe *apperr.ProviderError
			if errors.As(err, &pe) {
				return pe.Status >= 400 && pe.Status < 500 && pe.Status != http.StatusTooManyRequests
			}
			return false
		},
	})
}

// Token returns the current token state.
func (c *Client) Token() auth.TokenState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// EnsureToken refreshes the bound token when it is near expiry and reports
// the new state through onRefresh before returning. The refreshed token is
// kept even when onRefresh fails.
func (c *Client) EnsureToken(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.token.NearExpiry(c.now()) {
		return nil
	}

	fresh, err := c.refresher.Refresh(ctx, c.token.RefreshToken)
	if err != nil {
		return err
	}

	c.token = fresh
	if c.onRefresh != nil {
		if err := c.onRefresh(ctx, fresh); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) accessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token.AccessToken
}

func (c *Client) user() *users.UserItemRequestBuilder {
	if c.userPath == "me" {
		return c.graph.Me()
	}
	return c.graph.Users().ByUserId(c.userPath)
}

// call runs fn with a fresh token, the per-call timeout and the breaker, and
// maps every failure to a ProviderError.
func (c *Client) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := c.EnsureToken(ctx); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	run := func() error { return mapError(op, fn(callCtx)) }

	if c.breaker == nil {
		return run()
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, run()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &apperr.ProviderError{Op: op, Code: "circuit_open", Err: err}
	}
	return err
}

func mapError(op string, err error) error {
	if err == nil {
		return nil
	}

	var odataErr *odataerrors.ODataError
	if errors.As(err, &odataErr) {
		pe := &apperr.ProviderError{Op: op, Status: odataErr.ResponseStatusCode, Err: err}
		if main := odataErr.GetErrorEscaped(); main != nil {
			if code := main.GetCode(); code != nil {
				pe.Code = *code
			}
			if msg := main.GetMessage(); msg != nil {
				pe.Body = *msg
			}
		}
		return pe
	}

	var apiErr *abstractions.ApiError
	if errors.As(err, &apiErr) {
		return &apperr.ProviderError{Op: op, Status: apiErr.ResponseStatusCode, Body: apiErr.Message, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &apperr.ProviderError{Op: op, Code: "timeout", Err: err}
	}

	return &apperr.ProviderError{Op: op, Err: err}
}
