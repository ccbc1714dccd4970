package oauthclient

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"authsession/internal/httpclient"
	"authsession/internal/session"
	"authsession/pkg/auth"
	"authsession/pkg/oauth"
)

// Defaults applied by withDefaults.
const (
	DefaultRefreshLeeway = 10 * time.Second
	DefaultWorkerTimeout = 10 * time.Second
	refreshTimeout       = 30 * time.Second
)

// Settings are the relying party parameters of one client.
type Settings struct {
	ClientID              string
	ClientSecret          string
	RedirectURI           string
	PostLogoutRedirectURI string
	Scopes                []string
	EnablePKCE            bool
	Prompt                string
	ResponseMode          string
	Endpoints             oauth.Endpoints
	// BaseURLs restrict the URLs a WorkerClient will call with a token.
	BaseURLs        []string
	ValidateIDToken bool
	RefreshLeeway   time.Duration
	WorkerTimeout   time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.RefreshLeeway <= 0 {
		s.RefreshLeeway = DefaultRefreshLeeway
	}
	if s.WorkerTimeout <= 0 {
		s.WorkerTimeout = DefaultWorkerTimeout
	}
	return s
}

// Dependencies are the collaborators shared by both implementations.
type Dependencies struct {
	OAuth *oauth.Client
	Store *session.TokenStore

	// Verifier validates ID tokens. Nil skips signature validation and
	// only decodes the claims.
	Verifier *oauth.IDTokenVerifier

	// Transport is the base transport for API requests.
	Transport http.RoundTripper

	// Observer receives request lifecycle events. Metrics, when set, is
	// fed alongside it.
	Observer       httpclient.RequestLifecycleObserver
	Metrics        *httpclient.MetricsObserver
	TracerProvider trace.TracerProvider

	// AfterFunc schedules the proactive refresh. Defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) (stop func() bool)
}

// AuthorizationResponse carries the parameters of the redirect back from
// the authorization endpoint.
type AuthorizationResponse struct {
	Code         string
	State        string
	SessionState string

	// CodeVerifier overrides the stored PKCE verifier. Silent
	// re-authentication supplies its own.
	CodeVerifier string
}

// SignInResultType tells the host what to do next.
type SignInResultType string

const (
	AuthRequired SignInResultType = "AUTH_REQUIRED"
	SignedIn     SignInResultType = "SIGNED_IN"
)

// SignInResult is returned by both phases of SignIn.
type SignInResult struct {
	Type SignInResultType

	// AuthorizationURL and PKCEVerifier are set for AuthRequired.
	AuthorizationURL string
	PKCEVerifier     string
	State            string

	// UserInfo is set for SignedIn.
	UserInfo *session.UserInfo
}

// GrantRequest describes a custom grant.
type GrantRequest struct {
	// Endpoint defaults to the token endpoint.
	Endpoint string
	// Data is the form body. Values may use {{token}}, {{username}},
	// {{scope}}, {{clientId}} and {{clientSecret}}.
	Data  map[string]string
	Scope string
	// AttachToken sends the access token as a bearer token.
	AttachToken bool
	// ReturnsSession replaces the current session with the token
	// response of the grant.
	ReturnsSession bool
}

// Client is the behaviour shared by SameThreadClient and WorkerClient.
type Client interface {
	SignIn(ctx context.Context, resp *AuthorizationResponse) (*SignInResult, error)
	Refresh(ctx context.Context) error
	RevokeToken(ctx context.Context) error
	SignOut(ctx context.Context) (string, error)
	CustomGrant(ctx context.Context, req GrantRequest) (*oauth.GrantResponse, error)
	UserInfo(ctx context.Context) (*session.UserInfo, error)
	SessionStatus(ctx context.Context) (*auth.SessionStatus, error)
	OnInvalid(fn func(error))
	Close() error
}
