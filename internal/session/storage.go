package session

import (
	"context"
	"sync"
)

// Storage keys shared with the session monitor and the sign-in flow.
const (
	KeySessionIframeEndpoint = "oidc_session_iframe_endpoint"
	KeySessionState          = "session_state"
	KeyAuthorizationEndpoint = "authorization_endpoint"
	KeyPKCECodeVerifier      = "pkce_code_verifier"
	KeyAuthState             = "auth_state"
	KeyLogoutURL             = "logout_url"
	KeySession               = "session"
)

// Storage is tab-scoped key/value storage. Get reports found=false for a
// missing key; only backend failures are returned as errors.
type Storage interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// MemoryStorage keeps values for the lifetime of the process.
type MemoryStorage struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: make(map[string]string)}
}

// Get returns the value of key and whether it is set.
func (m *MemoryStorage) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

// Set stores value under key.
func (m *MemoryStorage) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
	return nil
}

// Remove deletes key. Removing a missing key is not an error.
func (m *MemoryStorage) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.values, key)
	m.mu.Unlock()
	return nil
}
