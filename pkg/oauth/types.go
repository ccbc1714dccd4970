package oauth

import (
	"slices"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// IDTokenClaims are the identity claims read from an ID token.
type IDTokenClaims struct {
	Subject           string `json:"sub"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	Email             string `json:"email,omitempty"`
	Issuer            string `json:"iss,omitempty"`
}

// DisplayName returns preferred_username, falling back to sub.
func (c IDTokenClaims) DisplayName() string {
	if c.PreferredUsername != "" {
		return c.PreferredUsername
	}
	return c.Subject
}

// Token is a token endpoint response. It is produced by the code exchange,
// the refresh and custom grants alike.
type Token struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	// ExpiresIn is the lifetime in seconds as sent by the provider.
	ExpiresIn int `json:"expires_in,omitempty"`
	// ExpiresAt is derived from ExpiresIn when the response arrives.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	// Scope is space separated. Empty means the requested scope was granted.
	Scope   string `json:"scope,omitempty"`
	IDToken string `json:"id_token,omitempty"`
}

// SetExpiresAtFromExpiresIn fills ExpiresAt relative to now. An ExpiresAt
// that is already set is kept.
func (t *Token) SetExpiresAtFromExpiresIn() {
	if t.ExpiresIn > 0 && t.ExpiresAt.IsZero() {
		t.ExpiresAt = time.Now().Add(time.Duration(t.ExpiresIn) * time.Second)
	}
}

// Scopes splits Scope into individual scope values.
func (t *Token) Scopes() []string {
	if t.Scope == "" {
		return nil
	}
	return strings.Fields(t.Scope)
}

// TokenFromOAuth2 converts an x/oauth2 token, pulling id_token and scope
// out of the raw response.
func TokenFromOAuth2(tok *oauth2.Token) *Token {
	if tok == nil {
		return nil
	}
	t := &Token{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		ExpiresIn:    int(tok.ExpiresIn),
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		t.IDToken = id
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		t.Scope = scope
	}
	return t
}

// Metadata represents OAuth 2.0 Authorization Server Metadata (RFC 8414)
// together with the OpenID Connect session management fields.
type Metadata struct {
	// Issuer is the authorization server's issuer identifier.
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint.
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL of the token endpoint.
	TokenEndpoint string `json:"token_endpoint"`

	// UserinfoEndpoint is the URL of the userinfo endpoint (OIDC).
	UserinfoEndpoint string `json:"userinfo_endpoint,omitempty"`

	// JwksURI is the URL of the JSON Web Key Set.
	JwksURI string `json:"jwks_uri,omitempty"`

	// RevocationEndpoint is the RFC 7009 token revocation endpoint.
	RevocationEndpoint string `json:"revocation_endpoint,omitempty"`

	// EndSessionEndpoint is the RP-initiated logout endpoint.
	EndSessionEndpoint string `json:"end_session_endpoint,omitempty"`

	// CheckSessionIframe is the OIDC session management check-session endpoint.
	CheckSessionIframe string `json:"check_session_iframe,omitempty"`

	// ScopesSupported lists the OAuth 2.0 scope values supported.
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// CodeChallengeMethodsSupported lists the PKCE code challenge methods.
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// AdvertisesS256 reports whether the provider lists the S256 challenge
// method. A document that lists no methods at all counts as supporting it.
func (m *Metadata) AdvertisesS256() bool {
	return len(m.CodeChallengeMethodsSupported) == 0 ||
		slices.Contains(m.CodeChallengeMethodsSupported, "S256")
}

// AuthChallenge is one challenge of a WWW-Authenticate header. Only the
// parameters the client acts on are kept.
type AuthChallenge struct {
	Scheme string
	// Token68 is set for schemes that carry a credential blob instead of
	// parameters.
	Token68 string

	Realm            string
	Scope            string
	Error            string
	ErrorDescription string
}

// RefreshMayHelp reports whether obtaining a new access token could make a
// retried request succeed. A missing scope is not fixed by a refresh.
func (c *AuthChallenge) RefreshMayHelp() bool {
	if c == nil {
		return true
	}
	return c.Error != "insufficient_scope"
}

// PKCEChallenge represents a PKCE (Proof Key for Code Exchange) challenge.
type PKCEChallenge struct {
	// CodeVerifier is kept secret and sent only to the token endpoint.
	CodeVerifier string

	// CodeChallenge is the SHA256 hash of the verifier (base64url-encoded).
	CodeChallenge string

	// CodeChallengeMethod is always "S256".
	CodeChallengeMethod string
}
