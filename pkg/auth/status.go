package auth

import "time"

// Status describes the authentication state reported by the facade.
type Status struct {
	// State is the facade lifecycle state ("uninitialized", "ready", ...).
	State string `json:"state"`

	// Mode is the storage mode selected at initialization.
	Mode StorageMode `json:"mode,omitempty"`

	// SignedIn is true when a session exists.
	SignedIn bool `json:"signed_in"`

	// Session is present when SignedIn is true.
	Session *SessionStatus `json:"session,omitempty"`

	// SessionCheck describes whether the session monitor can run.
	SessionCheck *SessionCheckStatus `json:"session_check,omitempty"`
}

// SessionStatus is the non-secret view of a session.
type SessionStatus struct {
	ClientID    string    `json:"client_id"`
	Username    string    `json:"username,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	Email       string    `json:"email,omitempty"`
	Scopes      []string  `json:"scopes,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	Expired     bool      `json:"expired"`
	Refreshable bool      `json:"refreshable"`
}

// SessionCheckStatus mirrors the values the session monitor reads from storage.
type SessionCheckStatus struct {
	Configured   bool          `json:"configured"`
	TargetOrigin string        `json:"target_origin,omitempty"`
	Interval     time.Duration `json:"interval"`
}
