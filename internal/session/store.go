package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"authsession/pkg/logging"
)

const subsystem = "TokenStore"

// Clock supplies the current time for expiry checks.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// TokenStore owns at most one Session and mirrors it into Storage.
//
// SECURITY: token values are never logged. Audit lines carry the session
// ID, client ID and expiry only.
type TokenStore struct {
	mu      sync.RWMutex
	storage Storage
	clock   Clock
	leeway  time.Duration
	current *Session
	loaded  bool
}

// StoreOption configures a TokenStore.
type StoreOption func(*TokenStore)

// WithClock replaces the wall clock.
func WithClock(c Clock) StoreOption {
	return func(s *TokenStore) {
		s.clock = c
	}
}

// WithLeeway treats tokens as expired this long before their expiry.
func WithLeeway(d time.Duration) StoreOption {
	return func(s *TokenStore) {
		s.leeway = d
	}
}

// NewTokenStore creates a store backed by storage.
func NewTokenStore(storage Storage, opts ...StoreOption) *TokenStore {
	s := &TokenStore{storage: storage, clock: realClock{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Storage returns the backing storage.
func (s *TokenStore) Storage() Storage {
	return s.storage
}

// Now returns the store's notion of the current time.
func (s *TokenStore) Now() time.Time {
	return s.clock.Now()
}

// Leeway returns the configured expiry leeway.
func (s *TokenStore) Leeway() time.Duration {
	return s.leeway
}

// Save replaces the live session and writes session_state for the monitor.
func (s *TokenStore) Save(ctx context.Context, sess *Session) error {
	raw, err := encodeSession(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.storage.Set(ctx, KeySession, raw); err != nil {
		logging.Audit(subsystem, "session_store_failed", "session storage failed",
			slog.String("session_id", sess.ID.String()),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to persist session: %w", err)
	}
	if sess.SessionState != "" {
		if err := s.storage.Set(ctx, KeySessionState, sess.SessionState); err != nil {
			return fmt.Errorf("failed to persist session state: %w", err)
		}
	}

	s.current = sess.Clone()
	s.loaded = true

	logging.Audit(subsystem, "session_stored", "session stored",
		slog.String("session_id", sess.ID.String()),
		slog.String("client_id", sess.ClientID),
		slog.String("storage_mode", string(sess.StorageMode)),
		slog.Time("expires_at", sess.ExpiresAt),
		slog.Bool("has_refresh_token", !sess.RefreshToken.IsEmpty()),
	)
	return nil
}

// Current returns a copy of the live session, loading it from storage on
// first use. It returns nil without error when no session exists.
func (s *TokenStore) Current(ctx context.Context) (*Session, error) {
	s.mu.RLock()
	if s.loaded {
		cur := s.current
		s.mu.RUnlock()
		if cur == nil {
			return nil, nil
		}
		return cur.Clone(), nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		raw, found, err := s.storage.Get(ctx, KeySession)
		if err != nil {
			return nil, fmt.Errorf("failed to load session: %w", err)
		}
		if found {
			sess, err := decodeSession(raw)
			if err != nil {
				logging.Warn(subsystem, "Discarding unreadable session: %v", err)
			} else {
				s.current = sess
			}
		}
		s.loaded = true
	}
	if s.current == nil {
		return nil, nil
	}
	return s.current.Clone(), nil
}

// Valid reports whether a session exists and its access token is not
// expired.
func (s *TokenStore) Valid(ctx context.Context) bool {
	sess, err := s.Current(ctx)
	if err != nil || sess == nil {
		return false
	}
	return !s.IsExpired(sess)
}

// IsExpired applies the store clock and leeway to sess.
func (s *TokenStore) IsExpired(sess *Session) bool {
	return sess.IsExpired(s.clock.Now(), s.leeway)
}

// Clear destroys the live session together with the per-sign-in keys. The
// endpoint keys stay so a later sign-in can reuse them.
func (s *TokenStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id string
	if s.current != nil {
		id = s.current.ID.String()
	}

	var firstErr error
	for _, key := range []string{KeySession, KeySessionState, KeyPKCECodeVerifier, KeyAuthState, KeyLogoutURL} {
		if err := s.storage.Remove(ctx, key); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to remove %s: %w", key, err)
		}
	}
	s.current = nil
	s.loaded = true

	logging.Audit(subsystem, "session_cleared", "session cleared",
		slog.String("session_id", id),
	)
	return firstErr
}

// SessionCheckKeys are the endpoint keys written once at sign-in.
type SessionCheckKeys struct {
	IframeEndpoint        string
	AuthorizationEndpoint string
}

// SaveSessionCheck writes the monitor endpoint keys. Empty values are
// skipped.
func (s *TokenStore) SaveSessionCheck(ctx context.Context, keys SessionCheckKeys) error {
	if keys.IframeEndpoint != "" {
		if err := s.storage.Set(ctx, KeySessionIframeEndpoint, keys.IframeEndpoint); err != nil {
			return err
		}
	}
	if keys.AuthorizationEndpoint != "" {
		if err := s.storage.Set(ctx, KeyAuthorizationEndpoint, keys.AuthorizationEndpoint); err != nil {
			return err
		}
	}
	return nil
}

// Value reads a plain key.
func (s *TokenStore) Value(ctx context.Context, key string) (string, bool, error) {
	return s.storage.Get(ctx, key)
}

// SetValue writes a plain key.
func (s *TokenStore) SetValue(ctx context.Context, key, value string) error {
	return s.storage.Set(ctx, key, value)
}

// TakeValue reads and removes a plain key. Used for one-shot values such
// as the PKCE verifier.
func (s *TokenStore) TakeValue(ctx context.Context, key string) (string, bool, error) {
	v, found, err := s.storage.Get(ctx, key)
	if err != nil || !found {
		return v, found, err
	}
	if err := s.storage.Remove(ctx, key); err != nil {
		return "", false, err
	}
	return v, true, nil
}
