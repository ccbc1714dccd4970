package oauthclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"authsession/internal/session"
	"authsession/pkg/auth"
	"authsession/pkg/logging"
	"authsession/pkg/oauth"
)

const (
	subsystem = "OAuthClient"

	minRefreshDelay = time.Second
)

// engine implements the flows. It is safe for concurrent use; the token
// store serializes session access and refreshes are deduplicated.
type engine struct {
	mode     auth.StorageMode
	settings Settings
	oauth    *oauth.Client
	store    *session.TokenStore
	verifier *oauth.IDTokenVerifier

	refreshGroup singleflight.Group

	afterFunc func(d time.Duration, f func()) func() bool
	// onTimer runs when the proactive refresh fires. The worker replaces
	// it to route the refresh through its own channel.
	onTimer func()

	timerMu   sync.Mutex
	stopTimer func() bool

	invalidMu sync.Mutex
	onInvalid []func(error)
}

func newEngine(mode auth.StorageMode, settings Settings, deps Dependencies) *engine {
	e := &engine{
		mode:      mode,
		settings:  settings.withDefaults(),
		oauth:     deps.OAuth,
		store:     deps.Store,
		verifier:  deps.Verifier,
		afterFunc: deps.AfterFunc,
	}
	if e.oauth == nil {
		e.oauth = oauth.NewClient()
	}
	if e.store == nil {
		e.store = session.NewTokenStore(session.NewMemoryStorage(), session.WithLeeway(e.settings.RefreshLeeway))
	}
	if e.afterFunc == nil {
		e.afterFunc = func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		}
	}
	e.onTimer = e.timerRefresh
	return e
}

// checkState accepts resp only when its state matches the one stored by
// the first phase. The fixed silent state is accepted only together with
// the verifier of an outstanding silent attempt.
func (e *engine) checkState(ctx context.Context, resp *AuthorizationResponse) error {
	if resp.State == oauth.SilentAuthState {
		if resp.CodeVerifier != "" {
			return nil
		}
		return e.rejectState("silent state without code verifier")
	}

	expected, found, err := e.store.TakeValue(ctx, session.KeyAuthState)
	if err != nil {
		return &auth.AuthenticationError{Op: "signIn", Err: err}
	}
	switch {
	case !found || expected == "":
		return e.rejectState("no sign-in in progress")
	case expected != resp.State:
		return e.rejectState("state differs")
	}
	return nil
}

func (e *engine) rejectState(reason string) error {
	logging.Audit(subsystem, "state_mismatch", "authorization state mismatch",
		slog.String("client_id", e.settings.ClientID),
		slog.String("reason", reason))
	return &auth.AuthenticationError{Op: "signIn", Err: auth.ErrStateMismatch}
}

// signIn runs either phase of the code flow.
func (e *engine) signIn(ctx context.Context, resp *AuthorizationResponse) (*SignInResult, error) {
	if resp == nil || resp.Code == "" {
		return e.beginSignIn(ctx)
	}

	if err := e.checkState(ctx, resp); err != nil {
		return nil, err
	}

	verifier := resp.CodeVerifier
	if verifier == "" {
		v, _, err := e.store.TakeValue(ctx, session.KeyPKCECodeVerifier)
		if err != nil {
			return nil, &auth.AuthenticationError{Op: "signIn", Err: err}
		}
		verifier = v
	}

	tok, err := e.oauth.ExchangeCode(ctx, oauth.ExchangeRequest{
		TokenEndpoint: e.settings.Endpoints.Token,
		ClientID:      e.settings.ClientID,
		ClientSecret:  e.settings.ClientSecret,
		RedirectURI:   e.settings.RedirectURI,
		Code:          resp.Code,
		CodeVerifier:  verifier,
	})
	if err != nil {
		if oauth.IsBadRequest(err) {
			// Stale or already used code: start over.
			logging.Info(subsystem, "Authorization code rejected, restarting sign-in: %v", err)
			return e.beginSignIn(ctx)
		}
		return nil, &auth.AuthenticationError{Op: "signIn", Err: err}
	}

	claims, err := e.identity(ctx, tok.IDToken)
	if err != nil {
		return nil, &auth.AuthenticationError{Op: "signIn", Err: err}
	}

	sess := session.New(e.mode, tok, e.settings.ClientID, e.settings.RedirectURI, resp.SessionState, e.store.Now())
	sess.User = e.userInfo(tok.Scope, claims)

	if err := e.store.Save(ctx, sess); err != nil {
		return nil, &auth.AuthenticationError{Op: "signIn", Err: err}
	}
	if err := e.store.SaveSessionCheck(ctx, session.SessionCheckKeys{
		IframeEndpoint:        e.settings.Endpoints.CheckSession,
		AuthorizationEndpoint: e.settings.Endpoints.Authorize,
	}); err != nil {
		logging.Warn(subsystem, "Failed to store session check endpoints: %v", err)
	}
	if logoutURL, err := e.logoutURL(sess); err == nil && logoutURL != "" {
		_ = e.store.SetValue(ctx, session.KeyLogoutURL, logoutURL)
	}

	e.scheduleRefresh(sess)

	logging.Info(subsystem, "Signed in as %s", sess.User.Username)
	user := sess.User
	return &SignInResult{Type: SignedIn, UserInfo: &user}, nil
}

func (e *engine) beginSignIn(ctx context.Context) (*SignInResult, error) {
	state, err := oauth.GenerateState()
	if err != nil {
		return nil, &auth.AuthenticationError{Op: "signIn", Err: err}
	}

	req := oauth.AuthorizationRequest{
		Endpoint:     e.settings.Endpoints.Authorize,
		ClientID:     e.settings.ClientID,
		RedirectURI:  e.settings.RedirectURI,
		Scopes:       e.settings.Scopes,
		State:        state,
		ResponseMode: e.settings.ResponseMode,
		Prompt:       e.settings.Prompt,
	}
	result := &SignInResult{Type: AuthRequired, State: state}

	if e.settings.EnablePKCE {
		pkce, err := oauth.GeneratePKCE()
		if err != nil {
			return nil, &auth.AuthenticationError{Op: "signIn", Err: err}
		}
		req.PKCE = pkce
		result.PKCEVerifier = pkce.CodeVerifier
		if err := e.store.SetValue(ctx, session.KeyPKCECodeVerifier, pkce.CodeVerifier); err != nil {
			return nil, &auth.AuthenticationError{Op: "signIn", Err: err}
		}
	}
	if err := e.store.SetValue(ctx, session.KeyAuthState, state); err != nil {
		return nil, &auth.AuthenticationError{Op: "signIn", Err: err}
	}

	authURL, err := oauth.BuildAuthorizationURL(req)
	if err != nil {
		return nil, &auth.AuthenticationError{Op: "signIn", Err: err}
	}
	result.AuthorizationURL = authURL
	return result, nil
}

// identity validates the ID token when a verifier is configured and
// otherwise only decodes it.
func (e *engine) identity(ctx context.Context, rawIDToken string) (*oauth.IDTokenClaims, error) {
	if rawIDToken == "" {
		if e.verifier != nil {
			return nil, errors.New("token response has no id_token")
		}
		return &oauth.IDTokenClaims{}, nil
	}
	if e.verifier != nil {
		return e.verifier.Verify(ctx, rawIDToken)
	}
	claims, err := oauth.ParseIDTokenClaims(rawIDToken)
	if err != nil {
		logging.Warn(subsystem, "Could not decode id_token: %v", err)
		return &oauth.IDTokenClaims{}, nil
	}
	return claims, nil
}

func (e *engine) userInfo(scope string, claims *oauth.IDTokenClaims) session.UserInfo {
	return session.UserInfo{
		AllowedScopes:         scope,
		AuthorizationEndpoint: e.settings.Endpoints.Authorize,
		DisplayName:           claims.DisplayName(),
		Email:                 claims.Email,
		OIDCSessionIframe:     e.settings.Endpoints.CheckSession,
		Username:              claims.Subject,
	}
}

func (e *engine) logoutURL(sess *session.Session) (string, error) {
	if e.settings.Endpoints.Logout == "" {
		return "", nil
	}
	return oauth.BuildLogoutURL(e.settings.Endpoints.Logout, sess.IDToken.Value(), e.settings.PostLogoutRedirectURI)
}

// current returns the live session or ErrNotSignedIn.
func (e *engine) current(ctx context.Context) (*session.Session, error) {
	sess, err := e.store.Current(ctx)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, auth.ErrNotSignedIn
	}
	return sess, nil
}

// accessToken returns a usable access token, refreshing once when the
// stored one has expired.
func (e *engine) accessToken(ctx context.Context) (string, error) {
	sess, err := e.current(ctx)
	if err != nil {
		return "", err
	}
	if !e.store.IsExpired(sess) {
		return sess.AccessToken.Value(), nil
	}

	logging.Debug(subsystem, "Access token expired, refreshing")
	sess, err = e.refresh(ctx)
	if err != nil {
		return "", err
	}
	return sess.AccessToken.Value(), nil
}

// refresh exchanges the refresh token. Concurrent callers share one call.
func (e *engine) refresh(ctx context.Context) (*session.Session, error) {
	v, err, shared := e.refreshGroup.Do("refresh", func() (interface{}, error) {
		return e.doRefresh(ctx)
	})
	if shared {
		logging.Debug(subsystem, "Joined in-flight refresh")
	}
	if err != nil {
		return nil, err
	}
	return v.(*session.Session).Clone(), nil
}

func (e *engine) doRefresh(ctx context.Context) (*session.Session, error) {
	sess, err := e.current(ctx)
	if err != nil {
		return nil, err
	}
	if sess.RefreshToken.IsEmpty() {
		err := &auth.AuthenticationError{Op: "refresh", Err: auth.ErrNoRefreshToken}
		e.notifyInvalid(err)
		return nil, err
	}

	tok, err := e.oauth.RefreshToken(ctx, oauth.RefreshRequest{
		TokenEndpoint: e.settings.Endpoints.Token,
		ClientID:      e.settings.ClientID,
		ClientSecret:  e.settings.ClientSecret,
		RefreshToken:  sess.RefreshToken.Value(),
	})
	if err != nil {
		authErr := &auth.AuthenticationError{Op: "refresh", Err: err}
		logging.Audit(subsystem, "token_refresh_failed", "token refresh failed",
			slog.String("session_id", sess.ID.String()),
			slog.Int("status", oauth.StatusCode(err)),
		)
		e.notifyInvalid(authErr)
		return nil, authErr
	}

	sess.ApplyToken(tok, e.store.Now())
	if err := e.store.Save(ctx, sess); err != nil {
		return nil, &auth.AuthenticationError{Op: "refresh", Err: err}
	}

	logging.Audit(subsystem, "token_refreshed", "access token refreshed",
		slog.String("session_id", sess.ID.String()),
		slog.Time("expires_at", sess.ExpiresAt),
	)
	e.scheduleRefresh(sess)
	return sess, nil
}

// scheduleRefresh arms the proactive refresh at the session's RefreshAt,
// replacing any earlier timer. The delay never drops below
// minRefreshDelay.
func (e *engine) scheduleRefresh(sess *session.Session) {
	e.cancelRefresh()
	if sess == nil || sess.ExpiresAt.IsZero() {
		return
	}
	d := max(sess.RefreshAt(e.settings.RefreshLeeway).Sub(e.store.Now()), minRefreshDelay)

	e.timerMu.Lock()
	e.stopTimer = e.afterFunc(d, func() { e.onTimer() })
	e.timerMu.Unlock()
	logging.Debug(subsystem, "Proactive refresh scheduled in %s", d)
}

func (e *engine) cancelRefresh() {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.stopTimer != nil {
		e.stopTimer()
		e.stopTimer = nil
	}
}

func (e *engine) timerRefresh() {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	if _, err := e.refresh(ctx); err != nil {
		logging.Warn(subsystem, "Proactive refresh failed: %v", err)
	}
}

// revoke calls the revocation endpoint and clears the session whatever
// the outcome. The network error, if any, is returned after clearing.
func (e *engine) revoke(ctx context.Context) error {
	sess, err := e.current(ctx)
	if err != nil {
		return err
	}
	e.cancelRefresh()

	var revokeErr error
	if e.settings.Endpoints.Revoke != "" {
		revokeErr = e.oauth.Revoke(ctx, e.settings.Endpoints.Revoke, e.settings.ClientID,
			sess.AccessToken.Value(), "access_token")
	}

	if err := e.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}

	logging.Audit(subsystem, "token_revoked", "access token revoked",
		slog.String("session_id", sess.ID.String()),
		slog.Bool("revocation_succeeded", revokeErr == nil),
	)
	if revokeErr != nil {
		return fmt.Errorf("session cleared but revocation failed: %w", revokeErr)
	}
	return nil
}

// signOut clears the session and returns the end-session URL the user
// agent should visit.
func (e *engine) signOut(ctx context.Context) (string, error) {
	sess, err := e.current(ctx)
	if err != nil {
		return "", err
	}
	e.cancelRefresh()

	logoutURL, err := e.logoutURL(sess)
	if err != nil {
		logging.Warn(subsystem, "Could not build logout URL: %v", err)
	}
	if err := e.store.Clear(ctx); err != nil {
		return logoutURL, fmt.Errorf("failed to clear session: %w", err)
	}
	return logoutURL, nil
}

func (e *engine) customGrant(ctx context.Context, req GrantRequest) (*oauth.GrantResponse, error) {
	sess, err := e.store.Current(ctx)
	if err != nil {
		return nil, err
	}

	params := oauth.TemplateParams{
		Scope:        req.Scope,
		ClientID:     e.settings.ClientID,
		ClientSecret: e.settings.ClientSecret,
	}
	var bearer string
	if sess != nil {
		token, err := e.accessToken(ctx)
		if err != nil {
			return nil, err
		}
		params.Token = token
		params.Username = sess.User.Username
		if req.AttachToken {
			bearer = token
		}
	} else if req.AttachToken {
		return nil, auth.ErrNotSignedIn
	}

	endpoint := req.Endpoint
	if endpoint == "" {
		endpoint = e.settings.Endpoints.Token
	}
	resp, err := e.oauth.CustomGrant(ctx, oauth.CustomGrantRequest{
		Endpoint:       endpoint,
		Data:           req.Data,
		Params:         params,
		AccessToken:    bearer,
		ReturnsSession: req.ReturnsSession,
	})
	if err != nil {
		return resp, err
	}

	if req.ReturnsSession && resp.Token != nil {
		claims, err := e.identity(ctx, resp.Token.IDToken)
		if err != nil {
			return resp, &auth.AuthenticationError{Op: "customGrant", Err: err}
		}
		var sessionState string
		if sess != nil {
			sessionState = sess.SessionState
		}
		next := session.New(e.mode, resp.Token, e.settings.ClientID, e.settings.RedirectURI, sessionState, e.store.Now())
		next.User = e.userInfo(resp.Token.Scope, claims)
		if err := e.store.Save(ctx, next); err != nil {
			return resp, err
		}
		e.scheduleRefresh(next)
		// Token values stay inside the engine.
		resp.Token = nil
		resp.Body = nil
	}
	return resp, nil
}

func (e *engine) user(ctx context.Context) (*session.UserInfo, error) {
	sess, err := e.current(ctx)
	if err != nil {
		return nil, err
	}
	u := sess.User
	return &u, nil
}

func (e *engine) status(ctx context.Context) (*auth.SessionStatus, error) {
	sess, err := e.current(ctx)
	if err != nil {
		return nil, err
	}
	return &auth.SessionStatus{
		ClientID:    sess.ClientID,
		Username:    sess.User.Username,
		DisplayName: sess.User.DisplayName,
		Email:       sess.User.Email,
		Scopes:      sess.Scopes(),
		ExpiresAt:   sess.ExpiresAt,
		Expired:     e.store.IsExpired(sess),
		Refreshable: !sess.RefreshToken.IsEmpty(),
	}, nil
}

func (e *engine) addInvalid(fn func(error)) {
	if fn == nil {
		return
	}
	e.invalidMu.Lock()
	e.onInvalid = append(e.onInvalid, fn)
	e.invalidMu.Unlock()
}

func (e *engine) notifyInvalid(err error) {
	e.invalidMu.Lock()
	fns := append([]func(error){}, e.onInvalid...)
	e.invalidMu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (e *engine) close() {
	e.cancelRefresh()
}
