package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authsession/internal/testing/mock"
	"authsession/pkg/auth"
)

// syncBuffer is written by a running command and polled by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

// setupCLI writes config.yaml for a fresh mock provider and points the
// --config flag at it.
func setupCLI(t *testing.T, storage string) (*mock.OAuthServer, string) {
	t.Helper()
	server := mock.StartOAuthServer(t, mock.OAuthServerConfig{ClientID: "console", Username: "alice"})

	dir := t.TempDir()
	yaml := fmt.Sprintf(`clientID: console
serverOrigin: %s
signInRedirectURL: http://127.0.0.1:%d/callback
storage: %s
baseURLs:
  - %s/api
`, server.GetIssuerURL(), freePort(t), storage, server.GetIssuerURL())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0600))
	return server, dir
}

func execute(t *testing.T, dir string, out *syncBuffer, args ...string) error {
	t.Helper()
	rootCmd.SetOut(out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(append([]string{"--config", dir}, args...))
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}

// login runs the login command and plays the browser: it follows the
// printed authorization URL, which redirects to the callback server.
func login(t *testing.T, dir string, server *mock.OAuthServer) string {
	t.Helper()
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- execute(t, dir, out, "login", "--no-browser") }()

	var authURL string
	require.Eventually(t, func() bool {
		for _, line := range strings.Split(out.String(), "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, server.GetIssuerURL()) {
				authURL = line
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get(authURL)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("login did not finish")
	}
	return out.String()
}

func TestCLI_SameThreadLifecycle(t *testing.T) {
	server, dir := setupCLI(t, "sameThread")

	output := login(t, dir, server)
	assert.Contains(t, output, "Signed in as alice (sameThread)")

	out := &syncBuffer{}
	require.NoError(t, execute(t, dir, out, "status", "-o", "json"))
	var status auth.Status
	require.NoError(t, json.Unmarshal([]byte(out.String()), &status))
	assert.True(t, status.SignedIn)
	assert.Equal(t, auth.SameThread, status.Mode)
	require.NotNil(t, status.SessionCheck)
	assert.True(t, status.SessionCheck.Configured)

	out = &syncBuffer{}
	require.NoError(t, execute(t, dir, out, "request", server.GetIssuerURL()+"/api/me"))
	assert.Contains(t, out.String(), `"sub"`)

	err := execute(t, dir, &syncBuffer{}, "revoke")
	assert.Equal(t, ExitCodeUnavailable, getExitCode(err))
	assert.Empty(t, server.Revoked())

	out = &syncBuffer{}
	require.NoError(t, execute(t, dir, out, "logout"))
	assert.Contains(t, out.String(), "Signed out")

	err = execute(t, dir, &syncBuffer{}, "status", "-o", "json")
	assert.Equal(t, ExitCodeUnavailable, getExitCode(err))
}

func TestCLI_IsolatedWorker(t *testing.T) {
	server, dir := setupCLI(t, "isolatedWorker")

	output := login(t, dir, server)
	assert.Contains(t, output, "(isolatedWorker)")

	out := &syncBuffer{}
	require.NoError(t, execute(t, dir, out, "request", "-i", server.GetIssuerURL()+"/api/me"))
	assert.Contains(t, out.String(), "200 OK")

	err := execute(t, dir, &syncBuffer{}, "request", "https://elsewhere.example.com/api")
	assert.ErrorIs(t, err, auth.ErrIllegalURL)

	out = &syncBuffer{}
	require.NoError(t, execute(t, dir, out, "grant", "grant_type=account_switch", "token={{token}}",
		"--attach-token", "--returns-session"))
	assert.Contains(t, out.String(), "Session replaced")
	assert.Equal(t, 1, server.GrantCount())

	require.NoError(t, execute(t, dir, &syncBuffer{}, "revoke"))
	assert.NotEmpty(t, server.Revoked())

	err = execute(t, dir, &syncBuffer{}, "status", "-o", "json")
	assert.Equal(t, ExitCodeUnavailable, getExitCode(err))
}

func TestCLI_InvalidConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("clientID: console\n"), 0600))

	err := execute(t, dir, &syncBuffer{}, "status")
	assert.Equal(t, ExitCodeInitFailed, getExitCode(err))
}

