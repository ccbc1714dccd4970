// Package session holds the token material of the single live sign-in and
// the tab-scoped key/value storage it is persisted to.
//
// A TokenStore owns at most one Session at a time. The Session is written
// on sign-in, replaced on refresh and removed on sign-out or revocation.
// Besides the session document the store maintains the plain keys that the
// session monitor reads:
//
//	oidc_session_iframe_endpoint   IdP check-session endpoint
//	session_state                  session_state returned by the IdP
//	authorization_endpoint         authorize endpoint for silent re-auth
//
// Three Storage backends are provided: MemoryStorage (process lifetime),
// FileStorage (one 0600 file per key, watchable with fsnotify) and
// RedisStorage (shared between processes, optional TTL).
//
// Token values are wrapped in RedactedToken so that printing or marshalling
// a Session never leaks them. Only the internal persisted form carries the
// raw values.
package session
