// Package monitor implements the relying-party side of OpenID Connect
// session management.
//
// A Monitor polls the identity provider's check-session endpoint with the
// message "<clientId> <sessionState>". A reply of "unchanged" is ignored;
// any other reply starts a silent re-authentication (prompt=none) in a
// second frame. Failures are never escalated: when the provider no longer
// has a session, the silent request simply does not produce a code and the
// application notices the missing renewal on its own.
//
// The browser primitives are injected. Frame and SilentAuthFrame stand in
// for the hidden iframes, Storage for tab-scoped storage and Message for a
// postMessage event. HTTPCheckFrame and HTTPSilentAuthFrame implement the
// frames over plain HTTP for command-line hosts, and StorageWatcher turns
// changes to a file-backed storage into "loadTimer" messages.
//
// Every inbound message is checked against its expected origin before it
// is acted upon. Messages from any other origin are dropped without a
// state change.
package monitor
