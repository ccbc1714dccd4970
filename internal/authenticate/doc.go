// Package authenticate is the facade a host application talks to.
//
// An Authenticator is constructed explicitly with New and passed to
// whoever needs it; there is no package-level instance. Initialize picks
// the storage strategy and builds one of two client variants:
//
//   - SameThreadSession: tokens are reachable from the caller, which may
//     ask for AccessToken or a token-injecting HTTPClient.
//   - IsolatedWorkerSession: tokens live inside a worker goroutine. The
//     caller can only send requests through HTTPRequest, HTTPRequestAll,
//     CustomGrant and RevokeToken and gets responses back.
//
// The worker-only operations return *auth.CapabilityUnavailableError for
// a same-thread session and never touch the network.
//
// Lifecycle:
//
//	Uninitialized -> Initializing -> Ready -> SigningOut -> Uninitialized
//
// A failed Initialize returns to Uninitialized, so the host can retry with
// a supported configuration.
package authenticate
