package oauth

import (
	"fmt"
	"net/url"
	"strings"
)

// SilentAuthState is the opaque state value sent with every silent
// re-authentication request.
const SilentAuthState = "Y2hlY2tTZXNzaW9u"

// AuthorizationRequest describes an interactive authorization redirect.
type AuthorizationRequest struct {
	Endpoint     string
	ClientID     string
	RedirectURI  string
	Scopes       []string
	State        string
	ResponseMode string
	Prompt       string
	PKCE         *PKCEChallenge
}

// ScopeString joins scopes into the scope parameter, always including openid.
func ScopeString(scopes []string) string {
	seen := map[string]bool{}
	out := make([]string, 0, len(scopes)+1)
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	if !seen["openid"] {
		out = append(out, "openid")
	}
	return strings.Join(out, " ")
}

// BuildAuthorizationURL constructs the authorization endpoint URL.
func BuildAuthorizationURL(req AuthorizationRequest) (string, error) {
	authURL, err := url.Parse(req.Endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid authorization endpoint: %w", err)
	}

	query := authURL.Query()
	query.Set("response_type", "code")
	query.Set("client_id", req.ClientID)
	query.Set("redirect_uri", req.RedirectURI)
	query.Set("scope", ScopeString(req.Scopes))

	if req.State != "" {
		query.Set("state", req.State)
	}
	if req.ResponseMode != "" {
		query.Set("response_mode", req.ResponseMode)
	}
	if req.Prompt != "" {
		query.Set("prompt", req.Prompt)
	}
	if req.PKCE != nil {
		query.Set("code_challenge", req.PKCE.CodeChallenge)
		query.Set("code_challenge_method", req.PKCE.CodeChallengeMethod)
	}

	authURL.RawQuery = query.Encode()
	return authURL.String(), nil
}

// BuildSilentAuthURL builds the prompt=none authorization URL used to renew a
// session without user interaction. Parameter order is fixed.
func BuildSilentAuthURL(authorizeEndpoint, clientID, redirectURI, codeChallenge string) string {
	var b strings.Builder
	b.WriteString(authorizeEndpoint)
	b.WriteString("?response_type=code")
	b.WriteString("&client_id=" + url.QueryEscape(clientID))
	b.WriteString("&redirect_uri=" + url.QueryEscape(redirectURI))
	b.WriteString("&scope=openid")
	b.WriteString("&state=" + SilentAuthState)
	b.WriteString("&prompt=none")
	b.WriteString("&code_challenge_method=S256")
	b.WriteString("&code_challenge=" + url.QueryEscape(codeChallenge))
	return b.String()
}

// BuildCheckSessionURL builds the session-check frame URL.
func BuildCheckSessionURL(checkSessionEndpoint, clientID, redirectURI string) string {
	return checkSessionEndpoint + "?client_id=" + url.QueryEscape(clientID) +
		"&redirect_uri=" + url.QueryEscape(redirectURI)
}

// BuildLogoutURL builds the RP-initiated logout URL.
func BuildLogoutURL(endSessionEndpoint, idTokenHint, postLogoutRedirectURI string) (string, error) {
	u, err := url.Parse(endSessionEndpoint)
	if err != nil {
		return "", fmt.Errorf("invalid end session endpoint: %w", err)
	}
	q := u.Query()
	if idTokenHint != "" {
		q.Set("id_token_hint", idTokenHint)
	}
	if postLogoutRedirectURI != "" {
		q.Set("post_logout_redirect_uri", postLogoutRedirectURI)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// OriginOf returns scheme://host[:port] of rawURL, or "" when it cannot be parsed.
func OriginOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
