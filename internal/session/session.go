package session

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"authsession/pkg/auth"
	"authsession/pkg/oauth"
)

// UserInfo describes the signed-in user as reported back from SignIn.
type UserInfo struct {
	AllowedScopes         string `json:"allowedScopes"`
	AuthorizationEndpoint string `json:"authorizationEndpoint"`
	DisplayName           string `json:"displayName"`
	Email                 string `json:"email"`
	OIDCSessionIframe     string `json:"oidcSessionIframe"`
	Username              string `json:"username"`
}

// Session is the token material of one sign-in.
type Session struct {
	ID           uuid.UUID
	StorageMode  auth.StorageMode
	AccessToken  RedactedToken
	RefreshToken RedactedToken
	IDToken      RedactedToken
	TokenType    string
	Scope        string
	ExpiresAt    time.Time
	// IssuedAt is when the current access token was received.
	IssuedAt     time.Time
	ClientID     string
	RedirectURI  string
	SessionState string
	User         UserInfo
	CreatedAt    time.Time
}

// New builds a Session from a token response.
func New(mode auth.StorageMode, tok *oauth.Token, clientID, redirectURI, sessionState string, now time.Time) *Session {
	s := &Session{
		ID:           uuid.New(),
		StorageMode:  mode,
		ClientID:     clientID,
		RedirectURI:  redirectURI,
		SessionState: sessionState,
		CreatedAt:    now,
	}
	s.ApplyToken(tok, now)
	return s
}

// ApplyToken replaces the token material after a refresh. A response
// without a refresh token or ID token keeps the previous one.
func (s *Session) ApplyToken(tok *oauth.Token, now time.Time) {
	s.AccessToken = NewRedactedToken(tok.AccessToken)
	if tok.RefreshToken != "" {
		s.RefreshToken = NewRedactedToken(tok.RefreshToken)
	}
	if tok.IDToken != "" {
		s.IDToken = NewRedactedToken(tok.IDToken)
	}
	s.IssuedAt = now
	s.TokenType = tok.TokenType
	if s.TokenType == "" {
		s.TokenType = "Bearer"
	}
	if tok.Scope != "" {
		s.Scope = tok.Scope
	}
	switch {
	case !tok.ExpiresAt.IsZero():
		s.ExpiresAt = tok.ExpiresAt
	case tok.ExpiresIn > 0:
		s.ExpiresAt = now.Add(time.Duration(tok.ExpiresIn) * time.Second)
	default:
		s.ExpiresAt = time.Time{}
	}
}

// EffectiveLeeway caps leeway at half the token lifetime, so a token issued
// with a lifetime at or below the configured leeway is still usable for a
// while after it arrives.
func (s *Session) EffectiveLeeway(leeway time.Duration) time.Duration {
	if s.ExpiresAt.IsZero() || s.IssuedAt.IsZero() {
		return leeway
	}
	if half := s.ExpiresAt.Sub(s.IssuedAt) / 2; half < leeway {
		return max(half, 0)
	}
	return leeway
}

// RefreshAt is the instant the access token should be renewed.
func (s *Session) RefreshAt(leeway time.Duration) time.Time {
	return s.ExpiresAt.Add(-s.EffectiveLeeway(leeway))
}

// IsExpired reports whether now has reached RefreshAt. A session without
// an expiry never expires.
func (s *Session) IsExpired(now time.Time, leeway time.Duration) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(s.RefreshAt(leeway))
}

// Scopes splits Scope.
func (s *Session) Scopes() []string {
	return strings.Fields(s.Scope)
}

// OAuth2Token converts the session into the x/oauth2 token currency.
func (s *Session) OAuth2Token() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  s.AccessToken.Value(),
		TokenType:    s.TokenType,
		RefreshToken: s.RefreshToken.Value(),
		Expiry:       s.ExpiresAt,
	}
	if !s.IDToken.IsEmpty() {
		tok = tok.WithExtra(map[string]interface{}{"id_token": s.IDToken.Value()})
	}
	return tok
}

// Clone returns a copy that can be modified without touching s.
func (s *Session) Clone() *Session {
	c := *s
	return &c
}

// persistedSession is the storage form. It is the only place raw token
// values are serialized.
type persistedSession struct {
	ID           string    `json:"id"`
	StorageMode  string    `json:"storage_mode"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	TokenType    string    `json:"token_type"`
	Scope        string    `json:"scope,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	IssuedAt     time.Time `json:"issued_at,omitempty"`
	ClientID     string    `json:"client_id"`
	RedirectURI  string    `json:"redirect_uri"`
	SessionState string    `json:"session_state,omitempty"`
	User         UserInfo  `json:"user"`
	CreatedAt    time.Time `json:"created_at"`
}

func encodeSession(s *Session) (string, error) {
	data, err := json.Marshal(persistedSession{
		ID:           s.ID.String(),
		StorageMode:  string(s.StorageMode),
		AccessToken:  s.AccessToken.Value(),
		RefreshToken: s.RefreshToken.Value(),
		IDToken:      s.IDToken.Value(),
		TokenType:    s.TokenType,
		Scope:        s.Scope,
		ExpiresAt:    s.ExpiresAt,
		IssuedAt:     s.IssuedAt,
		ClientID:     s.ClientID,
		RedirectURI:  s.RedirectURI,
		SessionState: s.SessionState,
		User:         s.User,
		CreatedAt:    s.CreatedAt,
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeSession(raw string) (*Session, error) {
	var p persistedSession
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(p.ID)
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:           id,
		StorageMode:  auth.StorageMode(p.StorageMode),
		AccessToken:  NewRedactedToken(p.AccessToken),
		RefreshToken: NewRedactedToken(p.RefreshToken),
		IDToken:      NewRedactedToken(p.IDToken),
		TokenType:    p.TokenType,
		Scope:        p.Scope,
		ExpiresAt:    p.ExpiresAt,
		IssuedAt:     p.IssuedAt,
		ClientID:     p.ClientID,
		RedirectURI:  p.RedirectURI,
		SessionState: p.SessionState,
		User:         p.User,
		CreatedAt:    p.CreatedAt,
	}, nil
}
