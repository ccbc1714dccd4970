package oauthclient

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"authsession/internal/session"
	"authsession/internal/testing/mock"
	"authsession/pkg/oauth"
)

const testRedirect = "http://127.0.0.1:1/callback"

type fixture struct {
	server   *mock.OAuthServer
	settings Settings
	storage  *session.MemoryStorage
	store    *session.TokenStore
	clock    *mock.MockClock
	timers   *fakeTimers
	deps     Dependencies
}

func newFixture(t *testing.T, cfg mock.OAuthServerConfig) *fixture {
	t.Helper()
	server := mock.StartOAuthServer(t, cfg)

	oc := oauth.NewClient()
	endpoints := oc.ResolveEndpoints(context.Background(), server.GetIssuerURL(), oauth.Endpoints{})

	clock := mock.NewMockClock(time.Now())
	storage := session.NewMemoryStorage()
	store := session.NewTokenStore(storage, session.WithClock(clock), session.WithLeeway(DefaultRefreshLeeway))
	timers := &fakeTimers{}

	f := &fixture{
		server: server,
		settings: Settings{
			ClientID:              server.GetClientID(),
			RedirectURI:           testRedirect,
			PostLogoutRedirectURI: "http://127.0.0.1:1/signed-out",
			Scopes:                []string{"profile"},
			EnablePKCE:            true,
			Endpoints:             endpoints,
			BaseURLs:              []string{server.GetIssuerURL() + "/api"},
		},
		storage: storage,
		store:   store,
		clock:   clock,
		timers:  timers,
	}
	f.deps = Dependencies{
		OAuth: oc,
		Store: store,
		Verifier: oauth.NewIDTokenVerifier(oauth.VerifierConfig{
			Issuer:   endpoints.Issuer,
			JWKSURI:  endpoints.JWKS,
			ClientID: server.GetClientID(),
		}),
		AfterFunc: timers.afterFunc,
	}
	return f
}

// authorize follows the authorization URL like a browser would and
// returns the parameters of the redirect.
func authorize(t *testing.T, authURL string) *AuthorizationResponse {
	t.Helper()
	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	resp, err := client.Get(authURL)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	q := loc.Query()
	return &AuthorizationResponse{
		Code:         q.Get("code"),
		State:        q.Get("state"),
		SessionState: q.Get("session_state"),
	}
}

// signIn runs both phases against the mock provider.
func signIn(t *testing.T, c Client) *SignInResult {
	t.Helper()
	ctx := context.Background()

	first, err := c.SignIn(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, AuthRequired, first.Type)

	result, err := c.SignIn(ctx, authorize(t, first.AuthorizationURL))
	require.NoError(t, err)
	require.Equal(t, SignedIn, result.Type)
	return result
}

// fakeTimers records scheduled refreshes and never runs them.
type fakeTimers struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (f *fakeTimers) afterFunc(d time.Duration, fn func()) func() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays = append(f.delays, d)
	return func() bool { return true }
}
