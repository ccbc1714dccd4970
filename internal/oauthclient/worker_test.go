package oauthclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authsession/internal/httpclient"
	"authsession/internal/testing/mock"
	"authsession/pkg/auth"
)

type stageLog struct {
	mu     sync.Mutex
	stages []string
	resps  []*http.Response
	reqs   []*http.Request
}

func (l *stageLog) observer() httpclient.ObserverFuncs {
	return httpclient.ObserverFuncs{
		Start: func(r *http.Request) {
			l.mu.Lock()
			l.stages = append(l.stages, "start")
			l.reqs = append(l.reqs, r)
			l.mu.Unlock()
		},
		Success: func(r *http.Response) {
			l.mu.Lock()
			l.stages = append(l.stages, "success")
			l.resps = append(l.resps, r)
			l.mu.Unlock()
		},
		Error: func(error) {
			l.mu.Lock()
			l.stages = append(l.stages, "error")
			l.mu.Unlock()
		},
		Finish: func() {
			l.mu.Lock()
			l.stages = append(l.stages, "finish")
			l.mu.Unlock()
		},
	}
}

func (l *stageLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.stages...)
}

func echoedToken(t *testing.T, resp *Response) string {
	t.Helper()
	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	return body.Token
}

func TestWorker_HTTPRequestCarriesBearer(t *testing.T) {
	f := newFixture(t, mock.OAuthServerConfig{})
	log := &stageLog{}
	f.deps.Observer = log.observer()
	c := NewWorkerClient(f.settings, f.deps)

	signIn(t, c)

	resp, err := c.HTTPRequest(context.Background(), Request{URL: f.server.GetIssuerURL() + "/api/me"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, f.server.ValidateToken(echoedToken(t, resp)))

	// Close drains the event channel.
	require.NoError(t, c.Close())
	assert.Equal(t, []string{"start", "success", "finish"}, log.snapshot())

	require.Len(t, log.resps, 1)
	assert.Nil(t, log.resps[0].Request)
	assert.Equal(t, http.NoBody, log.resps[0].Body)
	require.Len(t, log.reqs, 1)
	assert.Empty(t, log.reqs[0].Header.Get("Authorization"))
}

func TestWorker_IllegalURL(t *testing.T) {
	f := newFixture(t, mock.OAuthServerConfig{})
	c := NewWorkerClient(f.settings, f.deps)
	defer c.Close()

	signIn(t, c)

	_, err := c.HTTPRequest(context.Background(), Request{URL: "https://evil.example.com/api/me"})
	assert.ErrorIs(t, err, auth.ErrIllegalURL)

	_, err = c.HTTPRequestAll(context.Background(), []Request{
		{URL: f.server.GetIssuerURL() + "/api/me"},
		{URL: "https://evil.example.com/api/me"},
	})
	assert.ErrorIs(t, err, auth.ErrIllegalURL)
}

func TestAllowed(t *testing.T) {
	bases := []string{"https://api.example.com/v1", "http://localhost:8080"}
	tests := []struct {
		url  string
		want bool
	}{
		{"https://api.example.com/v1", true},
		{"https://api.example.com/v1/users?id=1", true},
		{"https://API.example.com/v1/users", true},
		{"http://localhost:8080/anything", true},
		{"https://api.example.com/v10/users", false},
		{"https://api.example.com/v1/../admin", false},
		{"https://api.example.com.evil.net/v1/users", false},
		{"https://api.example.com@evil.net/v1/users", false},
		{"https://user@api.example.com/v1/users", false},
		{"http://api.example.com/v1/users", false},
		{"https://api.example.com:8443/v1/users", false},
		{"http://localhost:8081/", false},
		{"/v1/users", false},
		{"://bad", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, allowed(bases, tt.url))
		})
	}

	assert.True(t, allowed(bases, "https://api.example.com/v1/a", "https://api.example.com/v1/b"))
	assert.False(t, allowed(bases, "https://api.example.com/v1/a", "http://localhost:8080/b"),
		"all URLs must share one base")
	assert.False(t, allowed([]string{"https://api.example.com"}, "https://api.example.com.evil.net/x"))
}

func TestWorker_RefreshesOn401(t *testing.T) {
	f := newFixture(t, mock.OAuthServerConfig{})
	c := NewWorkerClient(f.settings, f.deps)
	defer c.Close()

	signIn(t, c)
	f.server.ExpireAllTokens()

	resp, err := c.HTTPRequest(context.Background(), Request{URL: f.server.GetIssuerURL() + "/api/me"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, f.server.RefreshCount())
}

func TestWorker_401AfterFailedRefresh(t *testing.T) {
	f := newFixture(t, mock.OAuthServerConfig{})
	c := NewWorkerClient(f.settings, f.deps)
	defer c.Close()

	invalid := make(chan error, 1)
	c.OnInvalid(func(err error) { invalid <- err })

	signIn(t, c)
	f.server.ExpireAllTokens()
	f.server.SetSimulateErrors(&mock.OAuthErrorSimulation{RefreshFails: true})

	_, err := c.HTTPRequest(context.Background(), Request{URL: f.server.GetIssuerURL() + "/api/me"})
	require.Error(t, err)
	assert.True(t, auth.IsAuthenticationError(err))

	select {
	case err := <-invalid:
		assert.True(t, auth.IsAuthenticationError(err))
	case <-time.After(5 * time.Second):
		t.Fatal("invalid-session callback not called")
	}
}

func TestWorker_HTTPRequestAll(t *testing.T) {
	f := newFixture(t, mock.OAuthServerConfig{})
	c := NewWorkerClient(f.settings, f.deps)
	defer c.Close()

	signIn(t, c)

	reqs := []Request{
		{URL: f.server.GetIssuerURL() + "/api/me"},
		{URL: f.server.GetIssuerURL() + "/api/me", Method: http.MethodGet},
	}
	resps, err := c.HTTPRequestAll(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, resps, 2)
	for _, r := range resps {
		assert.Equal(t, http.StatusOK, r.StatusCode)
	}
}

func TestWorker_StatusErrorReturnsResponse(t *testing.T) {
	f := newFixture(t, mock.OAuthServerConfig{})
	c := NewWorkerClient(f.settings, f.deps)
	defer c.Close()

	signIn(t, c)

	resp, err := c.HTTPRequest(context.Background(), Request{URL: f.server.GetIssuerURL() + "/api/missing"})
	require.Error(t, err)
	var statusErr *httpclient.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// blockingTransport never answers until the request context ends.
type blockingTransport struct{}

func (blockingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	<-req.Context().Done()
	return nil, req.Context().Err()
}

func TestWorker_Timeout(t *testing.T) {
	f := newFixture(t, mock.OAuthServerConfig{})
	f.settings.WorkerTimeout = 100 * time.Millisecond
	f.deps.Transport = blockingTransport{}
	c := NewWorkerClient(f.settings, f.deps)
	defer c.Close()

	signIn(t, c)

	_, err := c.HTTPRequest(context.Background(), Request{URL: f.server.GetIssuerURL() + "/api/me"})
	assert.ErrorIs(t, err, auth.ErrWorkerTimeout)
}

func TestWorker_Closed(t *testing.T) {
	f := newFixture(t, mock.OAuthServerConfig{})
	c := NewWorkerClient(f.settings, f.deps)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.SignIn(context.Background(), nil)
	assert.ErrorIs(t, err, auth.ErrWorkerClosed)
}

func TestWorker_SignOutAndStatus(t *testing.T) {
	f := newFixture(t, mock.OAuthServerConfig{})
	c := NewWorkerClient(f.settings, f.deps)
	defer c.Close()
	ctx := context.Background()

	signIn(t, c)
	status, err := c.SessionStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, f.settings.ClientID, status.ClientID)
	assert.True(t, status.Refreshable)
	assert.False(t, status.Expired)

	logoutURL, err := c.SignOut(ctx)
	require.NoError(t, err)
	assert.Contains(t, logoutURL, "/oidc/logout")

	_, err = c.SessionStatus(ctx)
	assert.ErrorIs(t, err, auth.ErrNotSignedIn)
}

func TestWorker_ProactiveRefreshRunsInWorker(t *testing.T) {
	f := newFixture(t, mock.OAuthServerConfig{})
	f.deps.AfterFunc = f.clock.AfterFunc
	c := NewWorkerClient(f.settings, f.deps)
	defer c.Close()

	signIn(t, c)
	f.clock.Advance(time.Hour)
	assert.Equal(t, 1, f.server.RefreshCount())
}
