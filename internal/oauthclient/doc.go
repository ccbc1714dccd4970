// Package oauthclient performs the sign-in, refresh, revocation and
// sign-out flows against the identity provider and keeps the resulting
// Session in a session.TokenStore.
//
// Two implementations share one engine:
//
//   - SameThreadClient hands access tokens to its caller and offers an
//     *http.Client that injects them.
//   - WorkerClient runs the engine behind a request channel served by a
//     dedicated goroutine. Callers send envelopes and receive responses;
//     token values never cross the channel. Requests carry a timeout
//     (ErrWorkerTimeout) and lifecycle events travel back over an event
//     channel to the caller-side observer.
//
// Sign-in is two-phase. Without an authorization code SignIn returns an
// AuthRequired result holding the authorization URL; the host sends the
// user there and calls SignIn again with the code from the redirect.
//
// Refreshes are deduplicated and never retried. A failed refresh returns
// an AuthenticationError and notifies the OnInvalid callbacks so the
// application can send the user back to sign-in.
package oauthclient
