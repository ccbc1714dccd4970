package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized is returned by facade operations invoked before Initialize.
	ErrNotInitialized = errors.New("authenticator is not initialized")

	// ErrAlreadyInitialized is returned when Initialize is called on a ready authenticator.
	ErrAlreadyInitialized = errors.New("authenticator is already initialized")

	// ErrNotSignedIn is returned when an operation needs a session and none exists.
	ErrNotSignedIn = errors.New("no active session")

	// ErrNoRefreshToken is returned when a refresh is attempted without a refresh token.
	ErrNoRefreshToken = errors.New("session has no refresh token")

	// ErrIllegalURL is returned when a worker request targets a URL outside the allowed base URLs.
	ErrIllegalURL = errors.New("the provided URL is illegal")

	// ErrWorkerTimeout is returned when the worker does not answer in time.
	ErrWorkerTimeout = errors.New("operation timed out")

	// ErrWorkerClosed is returned when a message is sent to a stopped worker.
	ErrWorkerClosed = errors.New("worker is closed")

	// ErrTokenIsolated is returned when a caller asks for the access token
	// of an isolated-worker session.
	ErrTokenIsolated = errors.New("access token is held by the isolated worker")

	// ErrStateMismatch is returned when the authorization response carries an unexpected state.
	ErrStateMismatch = errors.New("authorization state mismatch")
)

// InitializationError is returned when the requested storage mode cannot be
// hosted by the runtime. Re-initializing with a supported mode recovers.
type InitializationError struct {
	Mode   StorageMode
	Reason string
	Err    error
}

func (e *InitializationError) Error() string {
	msg := fmt.Sprintf("initialization failed for storage mode %s", e.Mode)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InitializationError) Unwrap() error {
	return e.Err
}

// AuthenticationError reports a failed sign-in or refresh. It is never retried
// automatically; the caller has to sign in again.
type AuthenticationError struct {
	Op  string
	Err error
}

func (e *AuthenticationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("authentication failed during %s", e.Op)
	}
	return fmt.Sprintf("authentication failed during %s: %v", e.Op, e.Err)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// CapabilityUnavailableError is returned when an isolated-worker operation is
// invoked under same-thread storage.
type CapabilityUnavailableError struct {
	Op string
}

func (e *CapabilityUnavailableError) Error() string {
	return fmt.Sprintf("operation not available: %s requires isolated-worker storage", e.Op)
}

// TokenResolutionError is returned when no access token could be obtained
// before a request was sent. The request is never transmitted.
type TokenResolutionError struct {
	URL string
	Err error
}

func (e *TokenResolutionError) Error() string {
	return fmt.Sprintf("could not resolve access token for %s: %v", e.URL, e.Err)
}

func (e *TokenResolutionError) Unwrap() error {
	return e.Err
}

// IsAuthenticationError reports whether err is or wraps an *AuthenticationError.
func IsAuthenticationError(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}

// IsCapabilityUnavailable reports whether err is or wraps a *CapabilityUnavailableError.
func IsCapabilityUnavailable(err error) bool {
	var capErr *CapabilityUnavailableError
	return errors.As(err, &capErr)
}
