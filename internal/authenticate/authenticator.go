package authenticate

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"authsession/internal/config"
	"authsession/internal/httpclient"
	"authsession/internal/monitor"
	"authsession/internal/oauthclient"
	"authsession/internal/session"
	"authsession/pkg/auth"
	"authsession/pkg/logging"
	"authsession/pkg/oauth"
)

const subsystem = "Authenticate"

// State is the lifecycle state of an Authenticator.
type State int

const (
	Uninitialized State = iota
	Initializing
	Ready
	SigningOut
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case SigningOut:
		return "signing_out"
	default:
		return "unknown"
	}
}

// Authenticator is the entry point of a host application. Construct one
// per process and pass it to the code that needs it.
type Authenticator struct {
	runtime    Runtime
	storage    session.Storage
	httpClient *http.Client
	clock      session.Clock
	registerer prometheus.Registerer
	tracer     trace.TracerProvider
	afterFunc  func(time.Duration, func()) func() bool

	mu           sync.RWMutex
	state        State
	observer     httpclient.RequestLifecycleObserver
	metrics      *httpclient.MetricsObserver
	cfg          config.Config
	endpoints    oauth.Endpoints
	active       Session
	store        *session.TokenStore
	closeStorage func() error

	invalidMu sync.Mutex
	onInvalid []func(error)
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithRuntime describes the hosting runtime. Defaults to DefaultRuntime.
func WithRuntime(rt Runtime) Option {
	return func(a *Authenticator) {
		a.runtime = rt
	}
}

// WithStorage replaces the storage backend selected by the configuration.
func WithStorage(s session.Storage) Option {
	return func(a *Authenticator) {
		a.storage = s
	}
}

// WithObserver registers the request lifecycle observer.
func WithObserver(o httpclient.RequestLifecycleObserver) Option {
	return func(a *Authenticator) {
		a.observer = o
	}
}

// WithHTTPClient sets the client used for provider and API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Authenticator) {
		a.httpClient = c
	}
}

// WithClock replaces the clock used for expiry checks.
func WithClock(c session.Clock) Option {
	return func(a *Authenticator) {
		a.clock = c
	}
}

// WithRegisterer enables request metrics registered with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *Authenticator) {
		a.registerer = reg
	}
}

// WithTracerProvider sets the provider for request spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(a *Authenticator) {
		a.tracer = tp
	}
}

// WithAfterFunc replaces time.AfterFunc for the proactive refresh.
func WithAfterFunc(fn func(time.Duration, func()) func() bool) Option {
	return func(a *Authenticator) {
		a.afterFunc = fn
	}
}

// New creates an uninitialized Authenticator.
func New(opts ...Option) *Authenticator {
	a := &Authenticator{runtime: DefaultRuntime()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// State returns the lifecycle state.
func (a *Authenticator) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Observe registers the request lifecycle observer. It must be called
// before Initialize.
func (a *Authenticator) Observe(o httpclient.RequestLifecycleObserver) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != Uninitialized {
		return auth.ErrAlreadyInitialized
	}
	a.observer = o
	return nil
}

// OnSessionInvalid registers fn to be called when a refresh fails and the
// user has to sign in again.
func (a *Authenticator) OnSessionInvalid(fn func(error)) {
	if fn == nil {
		return
	}
	a.invalidMu.Lock()
	a.onInvalid = append(a.onInvalid, fn)
	a.invalidMu.Unlock()
}

func (a *Authenticator) notifyInvalid(err error) {
	a.invalidMu.Lock()
	fns := append([]func(error){}, a.onInvalid...)
	a.invalidMu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

// Initialize validates cfg, selects the storage strategy and builds the
// client variant. A failed initialization leaves the Authenticator
// uninitialized so that it can be initialized again.
func (a *Authenticator) Initialize(ctx context.Context, cfg config.Config) error {
	a.mu.Lock()
	switch a.state {
	case Ready:
		a.mu.Unlock()
		return auth.ErrAlreadyInitialized
	case Initializing, SigningOut:
		a.mu.Unlock()
		return fmt.Errorf("authenticator is %s", a.state)
	}
	a.state = Initializing
	a.mu.Unlock()

	active, store, closeStorage, endpoints, err := a.build(ctx, cfg)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.state = Uninitialized
		logging.Error(subsystem, err, "Initialization failed")
		return err
	}
	a.cfg = cfg
	a.endpoints = endpoints
	a.active = active
	a.store = store
	a.closeStorage = closeStorage
	a.state = Ready

	logging.Info(subsystem, "Initialized with %s storage for client %s", active.Mode(), cfg.ClientID)
	return nil
}

func (a *Authenticator) build(ctx context.Context, cfg config.Config) (Session, *session.TokenStore, func() error, oauth.Endpoints, error) {
	requested := auth.StorageMode(cfg.Storage)

	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, oauth.Endpoints{}, &auth.InitializationError{
			Mode: requested, Reason: "invalid configuration", Err: err,
		}
	}
	mode, err := SelectStrategy(requested, a.runtime)
	if err != nil {
		return nil, nil, nil, oauth.Endpoints{}, err
	}

	storage, closeStorage := a.storage, func() error { return nil }
	if storage == nil {
		storage, closeStorage, err = OpenStorage(ctx, cfg.SessionStorage)
		if err != nil {
			return nil, nil, nil, oauth.Endpoints{}, &auth.InitializationError{
				Mode: mode, Reason: "storage unavailable", Err: err,
			}
		}
	}

	clientOpts := []oauth.ClientOption{oauth.WithLogger(logging.Logger("Discovery"))}
	if a.httpClient != nil {
		clientOpts = append(clientOpts, oauth.WithHTTPClient(a.httpClient))
	}
	oc := oauth.NewClient(clientOpts...)
	endpoints := oc.ResolveEndpoints(ctx, cfg.ServerOrigin, cfg.Endpoints.OAuth())

	storeOpts := []session.StoreOption{session.WithLeeway(cfg.RefreshLeeway)}
	if a.clock != nil {
		storeOpts = append(storeOpts, session.WithClock(a.clock))
	}
	store := session.NewTokenStore(storage, storeOpts...)

	deps := oauthclient.Dependencies{
		OAuth:          oc,
		Store:          store,
		Observer:       a.observer,
		TracerProvider: a.tracer,
		AfterFunc:      a.afterFunc,
	}
	if a.httpClient != nil {
		deps.Transport = a.httpClient.Transport
	}
	if cfg.ValidateIDToken {
		vc := oauth.VerifierConfig{
			Issuer:     endpoints.Issuer,
			JWKSURI:    endpoints.JWKS,
			ClientID:   cfg.ClientID,
			HTTPClient: a.httpClient,
		}
		if a.clock != nil {
			vc.Now = a.clock.Now
		}
		deps.Verifier = oauth.NewIDTokenVerifier(vc)
	}
	if a.registerer != nil {
		if a.metrics == nil {
			m, err := httpclient.NewMetricsObserver(a.registerer)
			if err != nil {
				_ = closeStorage()
				return nil, nil, nil, oauth.Endpoints{}, &auth.InitializationError{
					Mode: mode, Reason: "metrics registration failed", Err: err,
				}
			}
			a.metrics = m
		}
		deps.Metrics = a.metrics
	}

	settings := oauthclient.Settings{
		ClientID:              cfg.ClientID,
		ClientSecret:          cfg.ClientSecret,
		RedirectURI:           cfg.SignInRedirectURL,
		PostLogoutRedirectURI: cfg.SignOutRedirectURL,
		Scopes:                cfg.Scope,
		EnablePKCE:            cfg.EnablePKCE,
		Prompt:                cfg.Prompt,
		ResponseMode:          cfg.ResponseMode,
		Endpoints:             endpoints,
		BaseURLs:              cfg.BaseURLs,
		ValidateIDToken:       cfg.ValidateIDToken,
		RefreshLeeway:         cfg.RefreshLeeway,
		WorkerTimeout:         cfg.WorkerTimeout,
	}

	var active Session
	switch mode {
	case auth.IsolatedWorker:
		active = &IsolatedWorkerSession{Client: oauthclient.NewWorkerClient(settings, deps)}
	default:
		active = &SameThreadSession{Client: oauthclient.NewSameThreadClient(settings, deps)}
	}
	active.client().OnInvalid(a.notifyInvalid)

	return active, store, closeStorage, endpoints, nil
}

// session returns the active variant or ErrNotInitialized.
func (a *Authenticator) session() (Session, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.state != Ready || a.active == nil {
		return nil, auth.ErrNotInitialized
	}
	return a.active, nil
}

// Mode returns the storage mode of the active session.
func (a *Authenticator) Mode() (auth.StorageMode, error) {
	s, err := a.session()
	if err != nil {
		return "", err
	}
	return s.Mode(), nil
}

// Session returns the active client variant.
func (a *Authenticator) Session() (Session, error) {
	return a.session()
}

// Storage returns the tab-scoped storage of the active session.
func (a *Authenticator) Storage() (session.Storage, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.state != Ready {
		return nil, auth.ErrNotInitialized
	}
	return a.store.Storage(), nil
}

// Endpoints returns the resolved provider endpoints.
func (a *Authenticator) Endpoints() (oauth.Endpoints, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.state != Ready {
		return oauth.Endpoints{}, auth.ErrNotInitialized
	}
	return a.endpoints, nil
}

// SignIn runs one phase of the authorization code flow. Without a code it
// returns the authorization URL to visit.
func (a *Authenticator) SignIn(ctx context.Context, resp *oauthclient.AuthorizationResponse) (*oauthclient.SignInResult, error) {
	s, err := a.session()
	if err != nil {
		return nil, err
	}
	return s.client().SignIn(ctx, resp)
}

// SignOut clears the session, shuts the client down and returns the
// provider logout URL. The Authenticator is uninitialized afterwards.
func (a *Authenticator) SignOut(ctx context.Context) (string, error) {
	a.mu.Lock()
	if a.state != Ready {
		a.mu.Unlock()
		return "", auth.ErrNotInitialized
	}
	a.state = SigningOut
	active, closeStorage := a.active, a.closeStorage
	a.mu.Unlock()

	logoutURL, err := active.client().SignOut(ctx)
	if cerr := active.client().Close(); cerr != nil {
		logging.Warn(subsystem, "Failed to close client: %v", cerr)
	}
	if closeStorage != nil {
		if cerr := closeStorage(); cerr != nil {
			logging.Warn(subsystem, "Failed to close storage: %v", cerr)
		}
	}

	a.mu.Lock()
	a.active = nil
	a.store = nil
	a.closeStorage = nil
	a.state = Uninitialized
	a.mu.Unlock()

	logging.Info(subsystem, "Signed out")
	return logoutURL, err
}

// Close shuts the active client down without clearing the session.
func (a *Authenticator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil {
		return nil
	}
	err := a.active.client().Close()
	if a.closeStorage != nil {
		if cerr := a.closeStorage(); err == nil {
			err = cerr
		}
	}
	a.active = nil
	a.store = nil
	a.closeStorage = nil
	a.state = Uninitialized
	return err
}

func (a *Authenticator) worker(op string) (*oauthclient.WorkerClient, error) {
	s, err := a.session()
	if err != nil {
		return nil, err
	}
	switch v := s.(type) {
	case *IsolatedWorkerSession:
		return v.Client, nil
	default:
		return nil, &auth.CapabilityUnavailableError{Op: op}
	}
}

// HTTPRequest executes r inside the isolated worker.
func (a *Authenticator) HTTPRequest(ctx context.Context, r oauthclient.Request) (*oauthclient.Response, error) {
	w, err := a.worker("httpRequest")
	if err != nil {
		return nil, err
	}
	return w.HTTPRequest(ctx, r)
}

// HTTPRequestAll executes the requests concurrently inside the isolated
// worker.
func (a *Authenticator) HTTPRequestAll(ctx context.Context, reqs []oauthclient.Request) ([]*oauthclient.Response, error) {
	w, err := a.worker("httpRequestAll")
	if err != nil {
		return nil, err
	}
	return w.HTTPRequestAll(ctx, reqs)
}

// CustomGrant performs a custom grant inside the isolated worker.
func (a *Authenticator) CustomGrant(ctx context.Context, req oauthclient.GrantRequest) (*oauth.GrantResponse, error) {
	w, err := a.worker("customGrant")
	if err != nil {
		return nil, err
	}
	return w.CustomGrant(ctx, req)
}

// RevokeToken revokes the access token inside the isolated worker. The
// session is cleared even when the provider call fails.
func (a *Authenticator) RevokeToken(ctx context.Context) error {
	w, err := a.worker("revokeToken")
	if err != nil {
		return err
	}
	return w.RevokeToken(ctx)
}

func (a *Authenticator) sameThread() (*oauthclient.SameThreadClient, error) {
	s, err := a.session()
	if err != nil {
		return nil, err
	}
	switch v := s.(type) {
	case *SameThreadSession:
		return v.Client, nil
	default:
		return nil, auth.ErrTokenIsolated
	}
}

// AccessToken returns the access token of a same-thread session.
func (a *Authenticator) AccessToken(ctx context.Context) (string, error) {
	c, err := a.sameThread()
	if err != nil {
		return "", err
	}
	return c.AccessToken(ctx)
}

// HTTPClient returns an *http.Client that attaches the access token of a
// same-thread session.
func (a *Authenticator) HTTPClient() (*http.Client, error) {
	c, err := a.sameThread()
	if err != nil {
		return nil, err
	}
	return c.HTTPClient(), nil
}

// EnableInterception toggles token injection of the same-thread client.
func (a *Authenticator) EnableInterception(enabled bool) error {
	c, err := a.sameThread()
	if err != nil {
		return err
	}
	c.Pipeline().EnableInterception(enabled)
	return nil
}

// UserInfo returns the signed-in user.
func (a *Authenticator) UserInfo(ctx context.Context) (*session.UserInfo, error) {
	s, err := a.session()
	if err != nil {
		return nil, err
	}
	return s.client().UserInfo(ctx)
}

// Refresh refreshes the session now.
func (a *Authenticator) Refresh(ctx context.Context) error {
	s, err := a.session()
	if err != nil {
		return err
	}
	return s.client().Refresh(ctx)
}

// SessionCheckConfig returns the monitor configuration for the active
// session.
func (a *Authenticator) SessionCheckConfig() (monitor.Config, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.state != Ready {
		return monitor.Config{}, auth.ErrNotInitialized
	}

	match, err := monitor.ParseOriginMatch(a.cfg.OriginMatch)
	if err != nil {
		return monitor.Config{}, err
	}
	own := oauth.OriginOf(a.cfg.ClientHost)
	if own == "" {
		own = oauth.OriginOf(a.cfg.SignInRedirectURL)
	}
	return monitor.Config{
		ClientID:    a.cfg.ClientID,
		RedirectURI: a.cfg.SignInRedirectURL,
		OwnOrigin:   own,
		Interval:    monitor.IntervalFromSeconds(a.cfg.CheckSessionInterval),
		OriginMatch: match,
	}, nil
}

// Status reports the lifecycle state and the non-secret session details.
func (a *Authenticator) Status(ctx context.Context) auth.Status {
	a.mu.RLock()
	status := auth.Status{State: a.state.String()}
	active, store := a.active, a.store
	interval := monitor.IntervalFromSeconds(a.cfg.CheckSessionInterval)
	a.mu.RUnlock()

	if active == nil {
		return status
	}
	status.Mode = active.Mode()

	if s, err := active.client().SessionStatus(ctx); err == nil {
		status.SignedIn = true
		status.Session = s
	}

	check := &auth.SessionCheckStatus{Interval: interval}
	endpoint, ok1, _ := store.Value(ctx, session.KeySessionIframeEndpoint)
	state, ok2, _ := store.Value(ctx, session.KeySessionState)
	if ok1 && ok2 && endpoint != "null" && state != "null" {
		check.Configured = true
		check.TargetOrigin = oauth.OriginOf(endpoint)
	}
	status.SessionCheck = check
	return status
}
