package mock

import (
	"context"
	"testing"
	"time"
)

// StartOAuthServer starts a mock provider for the duration of the test.
func StartOAuthServer(t testing.TB, config OAuthServerConfig) *OAuthServer {
	t.Helper()

	server := NewOAuthServer(config)
	ctx := context.Background()
	if _, err := server.Start(ctx); err != nil {
		t.Fatalf("failed to start mock provider: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop(context.Background()) })

	readyCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := server.WaitForReady(readyCtx); err != nil {
		t.Fatalf("mock provider not ready: %v", err)
	}
	return server
}
