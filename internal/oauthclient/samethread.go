package oauthclient

import (
	"context"
	"net/http"

	"authsession/internal/httpclient"
	"authsession/internal/session"
	"authsession/pkg/auth"
	"authsession/pkg/oauth"
)

// SameThreadClient keeps the session reachable from the caller.
type SameThreadClient struct {
	engine   *engine
	pipeline *httpclient.Pipeline
}

var _ Client = (*SameThreadClient)(nil)

// NewSameThreadClient creates a client for same-thread storage.
func NewSameThreadClient(settings Settings, deps Dependencies) *SameThreadClient {
	e := newEngine(auth.SameThread, settings, deps)
	return &SameThreadClient{
		engine:   e,
		pipeline: newPipeline(deps, e.accessToken, completeObserver(deps.Observer)),
	}
}

// newPipeline builds a token-injecting pipeline. The registered observer
// is always complete, so a partial caller observer can never switch
// injection off; observer may be nil.
func newPipeline(deps Dependencies, tokens httpclient.TokenSource, observer httpclient.RequestLifecycleObserver) *httpclient.Pipeline {
	observers := httpclient.MultiObserver{httpclient.NopObserver{}}
	if deps.Metrics != nil {
		observers = append(observers, deps.Metrics)
	}
	if observer != nil {
		observers = append(observers, observer)
	}

	opts := []httpclient.Option{httpclient.WithObserver(observers)}
	if deps.TracerProvider != nil {
		opts = append(opts, httpclient.WithTracerProvider(deps.TracerProvider))
	}
	return httpclient.NewPipeline(deps.Transport, tokens, opts...)
}

// completeObserver returns o when it supplies every callback, else nil.
func completeObserver(o httpclient.RequestLifecycleObserver) httpclient.RequestLifecycleObserver {
	if o == nil || !(httpclient.MultiObserver{o}).Complete() {
		return nil
	}
	return o
}

// SignIn starts the code flow when resp is nil and completes it otherwise.
func (c *SameThreadClient) SignIn(ctx context.Context, resp *AuthorizationResponse) (*SignInResult, error) {
	return c.engine.signIn(ctx, resp)
}

// Refresh exchanges the refresh token now.
func (c *SameThreadClient) Refresh(ctx context.Context) error {
	_, err := c.engine.refresh(ctx)
	return err
}

// RevokeToken revokes the access token and clears the session. The
// facade exposes it in worker mode only.
func (c *SameThreadClient) RevokeToken(ctx context.Context) error {
	return c.engine.revoke(ctx)
}

// SignOut clears the session and returns the provider logout URL.
func (c *SameThreadClient) SignOut(ctx context.Context) (string, error) {
	return c.engine.signOut(ctx)
}

// CustomGrant posts a custom grant to the configured endpoint.
func (c *SameThreadClient) CustomGrant(ctx context.Context, req GrantRequest) (*oauth.GrantResponse, error) {
	return c.engine.customGrant(ctx, req)
}

// UserInfo returns the user of the live session.
func (c *SameThreadClient) UserInfo(ctx context.Context) (*session.UserInfo, error) {
	return c.engine.user(ctx)
}

// SessionStatus describes the live session without token values.
func (c *SameThreadClient) SessionStatus(ctx context.Context) (*auth.SessionStatus, error) {
	return c.engine.status(ctx)
}

// OnInvalid registers fn to run when a refresh fails.
func (c *SameThreadClient) OnInvalid(fn func(error)) {
	c.engine.addInvalid(fn)
}

// AccessToken returns a valid access token, refreshing it once when it
// has expired.
func (c *SameThreadClient) AccessToken(ctx context.Context) (string, error) {
	return c.engine.accessToken(ctx)
}

// HTTPClient returns a client that attaches the access token.
func (c *SameThreadClient) HTTPClient() *http.Client {
	return c.pipeline.Client()
}

// Pipeline exposes the request pipeline, e.g. to toggle interception.
func (c *SameThreadClient) Pipeline() *httpclient.Pipeline {
	return c.pipeline
}

// Close cancels the proactive refresh timer.
func (c *SameThreadClient) Close() error {
	c.engine.close()
	return nil
}
