package oauth

import (
	"context"
	"strings"
)

// Endpoints is the set of identity provider URLs a session needs.
type Endpoints struct {
	Issuer       string `yaml:"issuer,omitempty" json:"issuer,omitempty"`
	Authorize    string `yaml:"authorize,omitempty" json:"authorize,omitempty"`
	Token        string `yaml:"token,omitempty" json:"token,omitempty"`
	Revoke       string `yaml:"revoke,omitempty" json:"revoke,omitempty"`
	Logout       string `yaml:"logout,omitempty" json:"logout,omitempty"`
	JWKS         string `yaml:"jwks,omitempty" json:"jwks,omitempty"`
	CheckSession string `yaml:"checkSession,omitempty" json:"check_session,omitempty"`
	UserInfo     string `yaml:"userinfo,omitempty" json:"userinfo,omitempty"`
}

// DefaultEndpoints returns the well-known paths used when discovery is not
// available. The issuer defaults to the token endpoint, which is what the
// identity server places in the iss claim.
func DefaultEndpoints(serverOrigin string) Endpoints {
	origin := strings.TrimSuffix(serverOrigin, "/")
	return Endpoints{
		Issuer:       origin + "/oauth2/token",
		Authorize:    origin + "/oauth2/authorize",
		Token:        origin + "/oauth2/token",
		Revoke:       origin + "/oauth2/revoke",
		Logout:       origin + "/oidc/logout",
		JWKS:         origin + "/oauth2/jwks",
		CheckSession: origin + "/oidc/checksession",
		UserInfo:     origin + "/oauth2/userinfo",
	}
}

// EndpointsFromMetadata maps discovery metadata onto Endpoints.
func EndpointsFromMetadata(m *Metadata) Endpoints {
	if m == nil {
		return Endpoints{}
	}
	return Endpoints{
		Issuer:       m.Issuer,
		Authorize:    m.AuthorizationEndpoint,
		Token:        m.TokenEndpoint,
		Revoke:       m.RevocationEndpoint,
		Logout:       m.EndSessionEndpoint,
		JWKS:         m.JwksURI,
		CheckSession: m.CheckSessionIframe,
		UserInfo:     m.UserinfoEndpoint,
	}
}

// Merge returns e with every non-empty field of override applied on top.
func (e Endpoints) Merge(override Endpoints) Endpoints {
	pick := func(base, o string) string {
		if o != "" {
			return o
		}
		return base
	}
	return Endpoints{
		Issuer:       pick(e.Issuer, override.Issuer),
		Authorize:    pick(e.Authorize, override.Authorize),
		Token:        pick(e.Token, override.Token),
		Revoke:       pick(e.Revoke, override.Revoke),
		Logout:       pick(e.Logout, override.Logout),
		JWKS:         pick(e.JWKS, override.JWKS),
		CheckSession: pick(e.CheckSession, override.CheckSession),
		UserInfo:     pick(e.UserInfo, override.UserInfo),
	}
}

// RevokeFromToken derives the revocation endpoint from the token endpoint
// (".../token" becomes ".../revoke").
func RevokeFromToken(tokenEndpoint string) string {
	if !strings.HasSuffix(tokenEndpoint, "token") {
		return ""
	}
	return strings.TrimSuffix(tokenEndpoint, "token") + "revoke"
}

// ResolveEndpoints discovers the provider's endpoints and fills anything the
// discovery document leaves out with the defaults. Explicit overrides always win.
// Discovery failure is not an error; the defaults are used instead.
func (c *Client) ResolveEndpoints(ctx context.Context, serverOrigin string, overrides Endpoints) Endpoints {
	defaults := DefaultEndpoints(serverOrigin)

	resolved := defaults
	metadata, err := c.DiscoverMetadata(ctx, serverOrigin)
	if err != nil {
		c.logger.Debug("Endpoint discovery failed, using defaults",
			"server_origin", serverOrigin,
			"error", err)
	} else {
		if !metadata.AdvertisesS256() {
			c.logger.Warn("Provider does not advertise S256 PKCE, sign-in may be rejected",
				"server_origin", serverOrigin,
				"methods", metadata.CodeChallengeMethodsSupported)
		}
		discovered := EndpointsFromMetadata(metadata)
		if discovered.Revoke == "" {
			discovered.Revoke = RevokeFromToken(discovered.Token)
		}
		resolved = defaults.Merge(discovered)
	}

	resolved = resolved.Merge(overrides)
	if overrides.Token != "" && overrides.Revoke == "" {
		if derived := RevokeFromToken(overrides.Token); derived != "" {
			resolved.Revoke = derived
		}
	}
	return resolved
}
