// Package oauth holds the OAuth 2.0 and OpenID Connect protocol primitives
// used by the session core.
//
// # Core Components
//
//   - Client: metadata discovery, code exchange, refresh, revocation and custom grants
//   - Endpoints: discovered or default identity provider URLs
//   - PKCE: Proof Key for Code Exchange generation (RFC 7636)
//   - IDTokenVerifier: JWKS-backed ID token validation
//   - URL builders for authorization, silent re-authentication, session check and logout
//
// # Usage
//
//	client := oauth.NewClient(oauth.WithHTTPClient(httpClient))
//	endpoints := client.ResolveEndpoints(ctx, "https://idp.example.com", oauth.Endpoints{})
//
//	pkce, err := oauth.GeneratePKCE()
//	authURL, err := oauth.BuildAuthorizationURL(oauth.AuthorizationRequest{
//	    Endpoint: endpoints.Authorize,
//	    ClientID: "console",
//	    PKCE:     pkce,
//	})
//
//	token, err := client.ExchangeCode(ctx, oauth.ExchangeRequest{...})
package oauth
