// Package mock provides test doubles for authsession: a mock OpenID Connect
// provider and a controllable clock.
//
// OAuthServer implements discovery, authorization (including prompt=none
// silent authentication), the token endpoint with authorization_code,
// refresh_token and a custom account_switch grant, revocation, JWKS,
// the session-check endpoint, RP-initiated logout and a protected /api/me
// resource. ID tokens are RS256-signed so that clients can run real JWKS
// validation against it.
//
//	server := mock.StartOAuthServer(t, mock.OAuthServerConfig{ClientID: "console"})
//	origin := server.GetIssuerURL()
//
// The provider keeps a simulated browser session. ChangeSession rotates its
// session_state so that session checks answer "changed"; EndIdPSession logs
// the user out so that silent authentication fails with login_required.
package mock
