package oauthclient

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authsession/internal/session"
	"authsession/internal/testing/mock"
	"authsession/pkg/auth"
	"authsession/pkg/oauth"
)

func TestSameThread_SignIn(t *testing.T) {
	f := newFixture(t, mock.OAuthServerConfig{Username: "alice"})
	c := NewSameThreadClient(f.settings, f.deps)
	defer c.Close()
	ctx := context.Background()

	first, err := c.SignIn(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, AuthRequired, first.Type)
	assert.NotEmpty(t, first.PKCEVerifier)

	authURL, err := url.Parse(first.AuthorizationURL)
	require.NoError(t, err)
	q := authURL.Query()
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, oauth.S256Challenge(first.PKCEVerifier), q.Get("code_challenge"))
	assert.Equal(t, "profile openid", q.Get("scope"))
	assert.Equal(t, first.State, q.Get("state"))

	stored, found, _ := f.storage.Get(ctx, session.KeyPKCECodeVerifier)
	assert.True(t, found)
	assert.Equal(t, first.PKCEVerifier, stored)

	result, err := c.SignIn(ctx, authorize(t, first.AuthorizationURL))
	require.NoError(t, err)
	require.Equal(t, SignedIn, result.Type)
	assert.Equal(t, "test-user-123", result.UserInfo.Username)
	assert.Equal(t, "alice", result.UserInfo.DisplayName)
	assert.Equal(t, "test@example.com", result.UserInfo.Email)
	assert.Equal(t, f.settings.Endpoints.CheckSession, result.UserInfo.OIDCSessionIframe)
	assert.Equal(t, f.settings.Endpoints.Authorize, result.UserInfo.AuthorizationEndpoint)

	for key, want := range map[string]string{
		session.KeySessionState:          f.server.SessionState(),
		session.KeySessionIframeEndpoint: f.server.GetIssuerURL() + "/oidc/checksession",
		session.KeyAuthorizationEndpoint: f.server.GetIssuerURL() + "/oauth2/authorize",
	} {
		got, found, err := f.storage.Get(ctx, key)
		require.NoError(t, err)
		assert.True(t, found, key)
		assert.Equal(t, want, got, key)
	}
	_, found, _ = f.storage.Get(ctx, session.KeyPKCECodeVerifier)
	assert.False(t, found, "verifier is single use")

	token, err := c.AccessToken(ctx)
	require.NoError(t, err)
	assert.True(t, f.server.ValidateToken(token))
}

func TestSameThread_SignInWithoutPKCE(t *testing.T) {
	f := newFixture(t, mock.OAuthServerConfig{})
	f.settings.EnablePKCE = false
	c := NewSameThreadClient(f.settings, f.deps)
	defer c.Close()

	first, err := c.SignIn(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, first.PKCEVerifier)
	assert.NotContains(t, first.AuthorizationURL, "code_challenge")
}

func TestSameThread_SignInBadRequestRestarts(t *testing.T) {
	f := newFixture(t, mock.OAuthServerConfig{SimulateErrors: &mock.OAuthErrorSimulation{InvalidGrant: true}})
	c := NewSameThreadClient(f.settings, f.deps)
	defer c.Close()
	ctx := context.Background()

	first, err := c.SignIn(ctx, nil)
	require.NoError(t, err)

	again, err := c.SignIn(ctx, authorize(t, first.AuthorizationURL))
	require.NoError(t, err)
	assert.Equal(t, AuthRequired, again.Type)
	assert.NotEqual(t, first.AuthorizationURL, again.AuthorizationURL)
}

func TestSameThread_SignInStateMismatch(t *testing.T) {
	f := newFixture(t, mock.OAuthServerConfig{})
	c := NewSameThreadClient(f.settings, f.deps)
	defer c.Close()
	ctx := context.Background()

	first, err := c.SignIn(ctx, nil)
	require.NoError(t, err)
	resp := authorize(t, first.AuthorizationURL)
	resp.State = "forged"

	_, err = c.SignIn(ctx, resp)
	require.Error(t, err)
	assert.True(t, auth.IsAuthenticationError(err))
	assert.ErrorIs(t, err, auth.ErrStateMismatch)
}

func TestSameThread_SignInWithoutPendingState(t *testing.T) {
	tests := []struct {
		name  string
		state func(issued string) string
	}{
		{"issued state", func(issued string) string { return issued }},
		{"arbitrary state", func(string) string { return "attacker-chosen" }},
		{"empty state", func(string) string { return "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, mock.OAuthServerConfig{})
			c := NewSameThreadClient(f.settings, f.deps)
			defer c.Close()
			ctx := context.Background()

			first, err := c.SignIn(ctx, nil)
			require.NoError(t, err)
			resp := authorize(t, first.AuthorizationURL)
			require.NoError(t, f.storage.Remove(ctx, session.KeyAuthState))
			resp.State = tt.state(resp.State)

			_, err = c.SignIn(ctx, resp)
			assert.ErrorIs(t, err, auth.ErrStateMismatch)
			assert.Equal(t, 0, f.server.ExchangeCount())
		})
	}
}

func TestSameThread_SilentStateRequiresVerifier(t *testing.T) {
	f := newFixture(t, mock.OAuthServerConfig{})
	c := NewSameThreadClient(f.settings, f.deps)
	defer c.Close()
	ctx := context.Background()
	signIn(t, c)

	verifier, err := oauth.GenerateRandomPKCEChallenge()
	require.NoError(t, err)
	silentURL := oauth.BuildSilentAuthURL(f.settings.Endpoints.Authorize, f.settings.ClientID,
		f.settings.RedirectURI, oauth.S256Challenge(verifier))

	resp := authorize(t, silentURL)
	require.Equal(t, oauth.SilentAuthState, resp.State)

	_, err = c.SignIn(ctx, resp)
	assert.ErrorIs(t, err, auth.ErrStateMismatch, "silent state alone is not enough")

	resp = authorize(t, silentURL)
	resp.CodeVerifier = verifier
	result, err := c.SignIn(ctx, resp)
	require.NoError(t, err)
	assert.Equal(t, SignedIn, result.Type)
}

func TestSameThread_NotSignedIn(t *testing.T) {
	f := newFixture(t, mock.OAuthServerConfig{})
	c := NewSameThreadClient(f.settings, f.deps)
	defer c.Close()
	ctx := context.Background()

	_, err := c.AccessToken(ctx)
	assert.ErrorIs(t, err, auth.ErrNotSignedIn)
	_, err = c.SignOut(ctx)
	assert.ErrorIs(t, err, auth.ErrNotSignedIn)
	_, err = c.UserInfo(ctx)
	assert.ErrorIs(t, err, auth.ErrNotSignedIn)
}

func TestSameThread_ProactiveRefresh(t *testing.T) {
	f := newFixture(t, mock.OAuthServerConfig{})
	f.deps.AfterFunc = f.clock.AfterFunc
	c := NewSameThreadClient(f.settings, f.deps)
	defer c.Close()

	signIn(t, c)

	delays := f.clock.Delays()
	require.Len(t, delays, 1)
	assert.InDelta(t, (time.Hour - DefaultRefreshLeeway).Seconds(), delays[0].Seconds(), 5)

	before, _ := c.AccessToken(context.Background())
	f.clock.Advance(delays[0])
	assert.Equal(t, 1, f.server.RefreshCount())

	after, err := c.AccessToken(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
	assert.Len(t, f.clock.Delays(), 2, "refresh re-arms the timer")
	assert.Equal(t, 1, f.clock.Pending())
}

func TestSameThread_ShortLivedTokenDoesNotRefreshInALoop(t *testing.T) {
	f := newFixture(t, mock.OAuthServerConfig{TokenLifetime: 5 * time.Second})
	f.deps.AfterFunc = f.clock.AfterFunc
	c := NewSameThreadClient(f.settings, f.deps)
	defer c.Close()
	ctx := context.Background()

	signIn(t, c)

	delays := f.clock.Delays()
	require.Len(t, delays, 1)
	assert.GreaterOrEqual(t, delays[0], minRefreshDelay)
	assert.InDelta(t, 2.5, delays[0].Seconds(), 1, "refresh at half the lifetime")

	_, err := c.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, f.server.RefreshCount(), "fresh token is not treated as expired")

	f.clock.Advance(delays[0])
	assert.Equal(t, 1, f.server.RefreshCount())

	delays = f.clock.Delays()
	require.Len(t, delays, 2)
	assert.GreaterOrEqual(t, delays[1], minRefreshDelay)
	assert.Equal(t, 1, f.clock.Pending())

	_, err = c.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.server.RefreshCount())
}

func TestSameThread_RefreshOnExpiredToken(t *testing.T) {
	f := newFixture(t, mock.OAuthServerConfig{})
	c := NewSameThreadClient(f.settings, f.deps)
	defer c.Close()
	ctx := context.Background()

	signIn(t, c)
	before, _ := c.AccessToken(ctx)

	f.clock.Advance(2 * time.Hour)
	after, err := c.AccessToken(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
	assert.Equal(t, 1, f.server.RefreshCount())
}

func TestSameThread_RefreshFailure(t *testing.T) {
	f := newFixture(t, mock.OAuthServerConfig{})
	c := NewSameThreadClient(f.settings, f.deps)
	defer c.Close()
	ctx := context.Background()

	var invalid atomic.Int32
	c.OnInvalid(func(err error) {
		assert.True(t, auth.IsAuthenticationError(err))
		invalid.Add(1)
	})

	signIn(t, c)
	f.server.SetSimulateErrors(&mock.OAuthErrorSimulation{RefreshFails: true})
	f.clock.Advance(2 * time.Hour)

	_, err := c.AccessToken(ctx)
	require.Error(t, err)
	var authErr *auth.AuthenticationError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, "refresh", authErr.Op)
	assert.Equal(t, 1, f.server.RefreshCount(), "no retry loop")
	assert.Equal(t, int32(1), invalid.Load())
}

func TestSameThread_RevokeClearsSession(t *testing.T) {
	tests := []struct {
		name    string
		fail    bool
		wantErr bool
	}{
		{name: "revocation succeeds"},
		{name: "revocation fails", fail: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, mock.OAuthServerConfig{})
			c := NewSameThreadClient(f.settings, f.deps)
			defer c.Close()
			ctx := context.Background()

			signIn(t, c)
			token, _ := c.AccessToken(ctx)
			if tt.fail {
				f.server.SetSimulateErrors(&mock.OAuthErrorSimulation{RevokeFails: true})
			}

			err := c.RevokeToken(ctx)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, []string{token}, f.server.Revoked())
			}

			_, err = c.AccessToken(ctx)
			assert.ErrorIs(t, err, auth.ErrNotSignedIn)
			_, found, _ := f.storage.Get(ctx, session.KeySessionState)
			assert.False(t, found)
		})
	}
}

func TestSameThread_SignOut(t *testing.T) {
	f := newFixture(t, mock.OAuthServerConfig{})
	c := NewSameThreadClient(f.settings, f.deps)
	defer c.Close()
	ctx := context.Background()

	signIn(t, c)
	logoutURL, err := c.SignOut(ctx)
	require.NoError(t, err)

	u, err := url.Parse(logoutURL)
	require.NoError(t, err)
	assert.Equal(t, "/oidc/logout", u.Path)
	assert.NotEmpty(t, u.Query().Get("id_token_hint"))
	assert.Equal(t, f.settings.PostLogoutRedirectURI, u.Query().Get("post_logout_redirect_uri"))
	assert.Empty(t, f.server.Revoked(), "sign-out does not call the revocation endpoint")

	_, err = c.AccessToken(ctx)
	assert.ErrorIs(t, err, auth.ErrNotSignedIn)
}

func TestSameThread_CustomGrant(t *testing.T) {
	f := newFixture(t, mock.OAuthServerConfig{})
	c := NewSameThreadClient(f.settings, f.deps)
	defer c.Close()
	ctx := context.Background()

	signIn(t, c)
	before, _ := c.AccessToken(ctx)

	resp, err := c.CustomGrant(ctx, GrantRequest{
		Data: map[string]string{
			"grant_type": "account_switch",
			"token":      "{{token}}",
			"scope":      "{{scope}}",
			"client_id":  "{{clientId}}",
		},
		Scope:          "openid tenant",
		ReturnsSession: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Nil(t, resp.Body)
	assert.Equal(t, 1, f.server.GrantCount())

	after, err := c.AccessToken(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)

	status, err := c.SessionStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"openid", "tenant"}, status.Scopes)
}

func TestSameThread_HTTPClientInjectsToken(t *testing.T) {
	f := newFixture(t, mock.OAuthServerConfig{})
	c := NewSameThreadClient(f.settings, f.deps)
	defer c.Close()

	signIn(t, c)
	resp, err := c.HTTPClient().Get(f.server.GetIssuerURL() + "/api/me")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, 200, resp.StatusCode)
	token, _ := c.AccessToken(context.Background())
	assert.True(t, strings.Contains(string(body), token))
}
