package monitor

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authsession/internal/session"
	"authsession/internal/testing/mock"
	"authsession/pkg/oauth"
)

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
		return Message{}
	}
}

func TestHTTPCheckFrame(t *testing.T) {
	server := mock.StartOAuthServer(t, mock.OAuthServerConfig{ClientID: "console"})
	checkEndpoint := server.GetIssuerURL() + "/oidc/checksession"

	replies := make(chan Message, 1)
	frame := NewHTTPCheckFrame(t.Context(), nil, replies)

	require.Error(t, frame.PostMessage("console x", checkEndpoint))
	require.NoError(t, frame.Navigate(oauth.BuildCheckSessionURL(checkEndpoint, "console", "http://cb")))

	require.NoError(t, frame.PostMessage("console "+server.SessionState(), checkEndpoint))
	msg := receive(t, replies)
	assert.Equal(t, Message{Origin: oauth.OriginOf(checkEndpoint), Data: Unchanged}, msg)

	server.ChangeSession()
	require.NoError(t, frame.PostMessage("console old-state", checkEndpoint))
	assert.Equal(t, "changed", receive(t, replies).Data)
}

func TestHTTPSilentAuthFrame(t *testing.T) {
	server := mock.StartOAuthServer(t, mock.OAuthServerConfig{ClientID: "console"})
	authorizeEndpoint := server.GetIssuerURL() + "/oauth2/authorize"
	silentURL := oauth.BuildSilentAuthURL(authorizeEndpoint, "console", "http://127.0.0.1:1/cb", oauth.S256Challenge("v"))

	codes := make(chan url.Values, 1)
	frame := NewHTTPSilentAuthFrame(t.Context(), nil, func(v url.Values) { codes <- v })

	require.NoError(t, frame.Navigate(silentURL))
	frame.Wait()
	assert.Equal(t, silentURL, frame.Src())

	select {
	case v := <-codes:
		assert.NotEmpty(t, v.Get("code"))
		assert.Equal(t, oauth.SilentAuthState, v.Get("state"))
	default:
		t.Fatal("expected a code")
	}

	server.EndIdPSession()
	require.NoError(t, frame.Navigate(silentURL))
	frame.Wait()

	select {
	case v := <-codes:
		t.Fatalf("unexpected redirect %v", v)
	default:
	}
}

func TestMonitorWithHTTPFrames(t *testing.T) {
	server := mock.StartOAuthServer(t, mock.OAuthServerConfig{ClientID: "console"})
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	storage := session.NewMemoryStorage()
	require.NoError(t, storage.Set(ctx, session.KeySessionIframeEndpoint, server.GetIssuerURL()+"/oidc/checksession"))
	require.NoError(t, storage.Set(ctx, session.KeySessionState, server.SessionState()))
	require.NoError(t, storage.Set(ctx, session.KeyAuthorizationEndpoint, server.GetIssuerURL()+"/oauth2/authorize"))

	msgs := make(chan Message, 4)
	codes := make(chan url.Values, 1)
	check := NewHTTPCheckFrame(ctx, nil, msgs)
	silent := NewHTTPSilentAuthFrame(ctx, nil, func(v url.Values) { codes <- v })

	m := New(Config{
		ClientID:    "console",
		RedirectURI: "http://127.0.0.1:1/cb",
		OwnOrigin:   "app://local",
	}, FromSessionStorage(storage), check, silent)

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, msgs) }()

	server.ChangeSession()
	msgs <- Message{Origin: "app://local", Data: LoadTimer}

	select {
	case v := <-codes:
		assert.NotEmpty(t, v.Get("code"))
	case <-time.After(5 * time.Second):
		t.Fatal("session change did not trigger silent re-authentication")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, Idle, m.State())
}
