package mock

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// signingKeyID is the kid of the provider's only signing key.
const signingKeyID = "mock-rs256"

// idTokenClaims represents the claims in an ID token.
type idTokenClaims struct {
	jwt.Claims
	Email             string `json:"email,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
}

// OAuthServerConfig configures the mock OpenID provider.
type OAuthServerConfig struct {
	// ClientID is the expected OAuth client ID.
	ClientID string

	// ClientSecret is the expected client secret (optional).
	ClientSecret string

	// TokenLifetime is how long access tokens remain valid.
	TokenLifetime time.Duration

	// Subject, Username and Email describe the signed-in user.
	Subject  string
	Username string
	Email    string

	// DisableDiscovery makes the well-known endpoints return 404, so clients
	// have to fall back to the default endpoint paths.
	DisableDiscovery bool

	// DisableRefreshRotation keeps the refresh token stable across refreshes.
	DisableRefreshRotation bool

	// SimulateErrors can be set to simulate various error conditions.
	SimulateErrors *OAuthErrorSimulation

	// Debug enables debug logging.
	Debug bool

	// Clock is the clock to use for time operations (defaults to RealClock).
	Clock Clock
}

// OAuthErrorSimulation allows simulating error conditions.
type OAuthErrorSimulation struct {
	// InvalidGrant rejects all authorization_code exchanges with 400.
	InvalidGrant bool

	// RefreshFails rejects all refresh_token grants with 400.
	RefreshFails bool

	// RevokeFails makes the revocation endpoint answer 503.
	RevokeFails bool
}

// OAuthServer is a mock OpenID Connect provider with session management.
type OAuthServer struct {
	config     OAuthServerConfig
	httpServer *http.Server
	listener   net.Listener
	port       int
	issuer     string
	running    bool
	mu         sync.RWMutex

	signingKey *rsa.PrivateKey
	signer     jose.Signer

	authCodes    map[string]*authCodeEntry
	issuedTokens map[string]*issuedToken

	// idpSession is the browser session at the provider; prompt=none
	// succeeds only while it is active.
	idpSessionActive bool
	sessionState     string

	revoked       []string
	exchangeCount int
	refreshCount  int
	grantCount    int

	clock Clock
}

type authCodeEntry struct {
	ClientID        string
	RedirectURI     string
	Scope           string
	CodeChallenge   string
	ChallengeMethod string
}

type issuedToken struct {
	AccessToken  string
	RefreshToken string
	Scope        string
	ClientID     string
	ExpiresAt    time.Time
}

// TokenResponse is the OAuth token response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// NewOAuthServer creates a new mock provider. It panics if no RSA key can be
// generated, which only happens when crypto/rand is broken.
func NewOAuthServer(config OAuthServerConfig) *OAuthServer {
	if config.TokenLifetime == 0 {
		config.TokenLifetime = time.Hour
	}
	if config.ClientID == "" {
		config.ClientID = "test-client"
	}
	if config.Subject == "" {
		config.Subject = "test-user-123"
	}
	if config.Email == "" {
		config.Email = "test@example.com"
	}

	clock := config.Clock
	if clock == nil {
		clock = RealClock{}
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(fmt.Errorf("failed to generate signing key: %w", err))
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: jose.JSONWebKey{Key: key, KeyID: signingKeyID}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create signer: %w", err))
	}

	return &OAuthServer{
		config:           config,
		signingKey:       key,
		signer:           signer,
		authCodes:        make(map[string]*authCodeEntry),
		issuedTokens:     make(map[string]*issuedToken),
		idpSessionActive: true,
		sessionState:     generateOpaqueToken(),
		clock:            clock,
	}
}

// Start starts the provider on a random loopback port.
func (s *OAuthServer) Start(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return s.port, nil
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to listen: %w", err)
	}

	s.listener = listener
	s.port = listener.Addr().(*net.TCPAddr).Port
	s.issuer = fmt.Sprintf("http://127.0.0.1:%d", s.port)

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", s.handleMetadata)
	mux.HandleFunc("/oauth2/authorize", s.handleAuthorize)
	mux.HandleFunc("/oauth2/token", s.handleToken)
	mux.HandleFunc("/oauth2/revoke", s.handleRevoke)
	mux.HandleFunc("/oauth2/userinfo", s.handleUserInfo)
	mux.HandleFunc("/oauth2/jwks", s.handleJWKS)
	mux.HandleFunc("/oidc/checksession", s.handleCheckSession)
	mux.HandleFunc("/oidc/logout", s.handleLogout)
	mux.HandleFunc("/api/me", s.handleResource)

	s.httpServer = &http.Server{
		Handler:  mux,
		ErrorLog: log.New(io.Discard, "", 0),
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			if s.config.Debug {
				fmt.Fprintf(os.Stderr, "mock provider error: %v\n", err)
			}
		}
	}()

	s.running = true
	s.debugf("Mock provider started on %s", s.issuer)
	return s.port, nil
}

// Stop stops the provider.
func (s *OAuthServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv := s.httpServer
	s.mu.Unlock()
	return srv.Shutdown(ctx)
}

// IsRunning returns whether the server is currently running.
func (s *OAuthServer) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// GetIssuerURL returns the server origin, which is also the issuer when
// discovery is enabled.
func (s *OAuthServer) GetIssuerURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.issuer
}

// tokenIssuer is the iss claim placed in ID tokens. Without discovery the
// client falls back to the token endpoint as issuer.
func (s *OAuthServer) tokenIssuer() string {
	if s.config.DisableDiscovery {
		return s.issuer + "/oauth2/token"
	}
	return s.issuer
}

// GetClientID returns the configured client ID.
func (s *OAuthServer) GetClientID() string {
	return s.config.ClientID
}

// SessionState returns the provider's current session_state value.
func (s *OAuthServer) SessionState() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionState
}

// ChangeSession rotates the provider session, as a sign-in in another tab
// would. The IdP session stays active.
func (s *OAuthServer) ChangeSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionState = generateOpaqueToken()
}

// EndIdPSession logs the user out at the provider. Subsequent prompt=none
// requests fail with login_required.
func (s *OAuthServer) EndIdPSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idpSessionActive = false
	s.sessionState = generateOpaqueToken()
}

// ExpireAllTokens invalidates every access token while keeping refresh tokens usable.
func (s *OAuthServer) ExpireAllTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	past := s.clock.Now().Add(-time.Minute)
	for _, tok := range s.issuedTokens {
		tok.ExpiresAt = past
	}
}

// SetSimulateErrors replaces the error simulation settings.
func (s *OAuthServer) SetSimulateErrors(sim *OAuthErrorSimulation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.SimulateErrors = sim
}

// Revoked returns the tokens received by the revocation endpoint.
func (s *OAuthServer) Revoked() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.revoked...)
}

// ExchangeCount returns the number of successful code exchanges.
func (s *OAuthServer) ExchangeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exchangeCount
}

// RefreshCount returns the number of refresh_token grants received.
func (s *OAuthServer) RefreshCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshCount
}

// GrantCount returns the number of custom grants received.
func (s *OAuthServer) GrantCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grantCount
}

// ValidateToken reports whether accessToken is known and unexpired.
func (s *OAuthServer) ValidateToken(accessToken string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.issuedTokens[accessToken]
	return ok && s.clock.Now().Before(tok.ExpiresAt)
}

// GenerateAuthCode registers an authorization code as if the user had
// approved a request. Tests use it to skip the browser round trip.
func (s *OAuthServer) GenerateAuthCode(redirectURI, scope, codeChallenge, codeChallengeMethod string) string {
	code := generateOpaqueToken()
	s.mu.Lock()
	s.authCodes[code] = &authCodeEntry{
		ClientID:        s.config.ClientID,
		RedirectURI:     redirectURI,
		Scope:           scope,
		CodeChallenge:   codeChallenge,
		ChallengeMethod: codeChallengeMethod,
	}
	s.mu.Unlock()
	return code
}

func (s *OAuthServer) handleMetadata(w http.ResponseWriter, r *http.Request) {
	if s.config.DisableDiscovery {
		http.NotFound(w, r)
		return
	}
	issuer := s.GetIssuerURL()
	metadata := map[string]interface{}{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/oauth2/authorize",
		"token_endpoint":                        issuer + "/oauth2/token",
		"revocation_endpoint":                   issuer + "/oauth2/revoke",
		"userinfo_endpoint":                     issuer + "/oauth2/userinfo",
		"jwks_uri":                              issuer + "/oauth2/jwks",
		"end_session_endpoint":                  issuer + "/oidc/logout",
		"check_session_iframe":                  issuer + "/oidc/checksession",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token", "account_switch"},
		"code_challenge_methods_supported":      []string{"S256"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(metadata)
}

// handleAuthorize always approves interactive requests. prompt=none requests
// succeed only while the provider session is active.
func (s *OAuthServer) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("response_type") != "code" {
		http.Error(w, "unsupported_response_type", http.StatusBadRequest)
		return
	}
	if q.Get("client_id") != s.config.ClientID {
		http.Error(w, "invalid_client", http.StatusBadRequest)
		return
	}

	redirectURI := q.Get("redirect_uri")
	redirectURL, err := url.Parse(redirectURI)
	if err != nil || redirectURI == "" {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}

	s.mu.RLock()
	active := s.idpSessionActive
	sessionState := s.sessionState
	s.mu.RUnlock()

	params := redirectURL.Query()
	if state := q.Get("state"); state != "" {
		params.Set("state", state)
	}

	if q.Get("prompt") == "none" && !active {
		params.Set("error", "login_required")
		redirectURL.RawQuery = params.Encode()
		http.Redirect(w, r, redirectURL.String(), http.StatusFound)
		return
	}

	code := s.GenerateAuthCode(redirectURI, q.Get("scope"), q.Get("code_challenge"), q.Get("code_challenge_method"))
	params.Set("code", code)
	params.Set("session_state", sessionState)
	redirectURL.RawQuery = params.Encode()

	s.debugf("Authorize (prompt=%q) redirecting with code", q.Get("prompt"))
	http.Redirect(w, r, redirectURL.String(), http.StatusFound)
}

func (s *OAuthServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	if r.PostForm.Get("client_id") != s.config.ClientID {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "unknown client")
		return
	}
	if s.config.ClientSecret != "" && r.PostForm.Get("client_secret") != s.config.ClientSecret {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}

	switch grantType := r.PostForm.Get("grant_type"); grantType {
	case "authorization_code":
		s.handleAuthCodeExchange(w, r)
	case "refresh_token":
		s.handleRefreshToken(w, r)
	case "account_switch":
		s.handleAccountSwitch(w, r)
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type",
			fmt.Sprintf("grant_type %s not supported", grantType))
	}
}

func (s *OAuthServer) handleAuthCodeExchange(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	sim := s.config.SimulateErrors
	s.mu.RUnlock()
	if sim != nil && sim.InvalidGrant {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "authorization code is invalid")
		return
	}

	code := r.PostForm.Get("code")
	s.mu.Lock()
	entry, exists := s.authCodes[code]
	delete(s.authCodes, code)
	s.mu.Unlock()

	if !exists {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "authorization code not found or expired")
		return
	}
	if r.PostForm.Get("redirect_uri") != entry.RedirectURI {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}
	if entry.CodeChallenge != "" && !verifyPKCE(entry.CodeChallenge, entry.ChallengeMethod, r.PostForm.Get("code_verifier")) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "code_verifier verification failed")
		return
	}

	s.mu.Lock()
	s.exchangeCount++
	s.mu.Unlock()

	s.writeTokens(w, entry.ClientID, entry.Scope, "")
}

func (s *OAuthServer) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	refreshToken := r.PostForm.Get("refresh_token")

	s.mu.Lock()
	s.refreshCount++
	sim := s.config.SimulateErrors
	var original *issuedToken
	for _, tok := range s.issuedTokens {
		if tok.RefreshToken == refreshToken {
			original = tok
			break
		}
	}
	if original != nil && (sim == nil || !sim.RefreshFails) {
		delete(s.issuedTokens, original.AccessToken)
	}
	s.mu.Unlock()

	if sim != nil && sim.RefreshFails {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "refresh token expired")
		return
	}
	if original == nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "refresh token not found")
		return
	}

	keep := ""
	if s.config.DisableRefreshRotation {
		keep = original.RefreshToken
	}
	s.writeTokens(w, original.ClientID, original.Scope, keep)
}

// handleAccountSwitch is a custom grant that requires a valid bearer token
// and issues a fresh token set.
func (s *OAuthServer) handleAccountSwitch(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.grantCount++
	s.mu.Unlock()

	token := r.PostForm.Get("token")
	if token == "" || !s.ValidateToken(token) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "token is not valid")
		return
	}
	s.writeTokens(w, s.config.ClientID, r.PostForm.Get("scope"), "")
}

func (s *OAuthServer) writeTokens(w http.ResponseWriter, clientID, scope, keepRefresh string) {
	accessToken := generateOpaqueToken()
	refreshToken := keepRefresh
	if refreshToken == "" {
		refreshToken = generateOpaqueToken()
	}

	idToken, err := s.generateIDToken(clientID)
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	s.mu.Lock()
	s.issuedTokens[accessToken] = &issuedToken{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Scope:        scope,
		ClientID:     clientID,
		ExpiresAt:    s.clock.Now().Add(s.config.TokenLifetime),
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(TokenResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.config.TokenLifetime.Seconds()),
		Scope:        scope,
		IDToken:      idToken,
	})
}

func (s *OAuthServer) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config.SimulateErrors != nil && s.config.SimulateErrors.RevokeFails {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	token := r.PostForm.Get("token")
	s.revoked = append(s.revoked, token)
	delete(s.issuedTokens, token)
	for k, tok := range s.issuedTokens {
		if tok.RefreshToken == token {
			delete(s.issuedTokens, k)
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (s *OAuthServer) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token := ExtractBearerToken(r.Header.Get("Authorization"))
	if token == "" || !s.ValidateToken(token) {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"sub":                s.config.Subject,
		"preferred_username": s.config.Username,
		"email":              s.config.Email,
	})
}

// handleResource is a protected API endpoint used by request pipeline tests.
// It echoes the bearer token it received.
func (s *OAuthServer) handleResource(w http.ResponseWriter, r *http.Request) {
	token := ExtractBearerToken(r.Header.Get("Authorization"))
	if token == "" || !s.ValidateToken(token) {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="The access token expired"`)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"sub":   s.config.Subject,
		"token": token,
	})
}

func (s *OAuthServer) handleJWKS(w http.ResponseWriter, r *http.Request) {
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &s.signingKey.PublicKey,
		KeyID:     signingKeyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(set)
}

// handleCheckSession answers the session-check message "<clientId> <sessionState>"
// with "unchanged", "changed" or "error". GET serves the frame document.
func (s *OAuthServer) handleCheckSession(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		w.Header().Set("Content-Type", "text/html")
		_, _ = fmt.Fprint(w, `<!DOCTYPE html><html><head><title>check session</title></head><body></body></html>`)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "error", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	parts := strings.Split(string(body), " ")
	if len(parts) != 2 || parts[0] != s.config.ClientID {
		_, _ = fmt.Fprint(w, "error")
		return
	}
	if parts[1] == s.SessionState() {
		_, _ = fmt.Fprint(w, "unchanged")
		return
	}
	_, _ = fmt.Fprint(w, "changed")
}

func (s *OAuthServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.EndIdPSession()

	if target := r.URL.Query().Get("post_logout_redirect_uri"); target != "" {
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *OAuthServer) generateIDToken(clientID string) (string, error) {
	now := s.clock.Now()
	claims := idTokenClaims{
		Claims: jwt.Claims{
			Issuer:   s.tokenIssuer(),
			Subject:  s.config.Subject,
			Audience: jwt.Audience{clientID},
			Expiry:   jwt.NewNumericDate(now.Add(s.config.TokenLifetime)),
			IssuedAt: jwt.NewNumericDate(now),
		},
		Email:             s.config.Email,
		PreferredUsername: s.config.Username,
	}
	return jwt.Signed(s.signer).Claims(claims).Serialize()
}

// verifyPKCE verifies the PKCE code verifier against the challenge.
func verifyPKCE(challenge, method, verifier string) bool {
	if verifier == "" {
		return false
	}
	switch method {
	case "S256":
		hash := sha256.Sum256([]byte(verifier))
		return base64.RawURLEncoding.EncodeToString(hash[:]) == challenge
	case "plain", "":
		return verifier == challenge
	default:
		return false
	}
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}

// generateOpaqueToken generates a random opaque token.
// Panics if crypto/rand fails, which should never happen in practice.
func generateOpaqueToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Errorf("crypto/rand failed: %w", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func (s *OAuthServer) debugf(format string, args ...interface{}) {
	if s.config.Debug {
		fmt.Fprintf(os.Stderr, "mock provider: "+format+"\n", args...)
	}
}

// WaitForReady waits for the provider to accept connections.
func (s *OAuthServer) WaitForReady(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !s.IsRunning() {
				continue
			}
			conn, err := net.DialTimeout("tcp", strings.TrimPrefix(s.GetIssuerURL(), "http://"), time.Second)
			if err == nil {
				conn.Close()
				return nil
			}
		}
	}
}

// ExtractBearerToken extracts a bearer token from an Authorization header.
func ExtractBearerToken(authHeader string) string {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(authHeader, "Bearer ")
}
