package oauthclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"authsession/internal/httpclient"
	"authsession/internal/session"
	"authsession/pkg/auth"
	"authsession/pkg/logging"
	"authsession/pkg/oauth"
)

const workerSubsystem = "Worker"

type messageType string

const (
	msgSignIn         messageType = "SIGN_IN"
	msgRefresh        messageType = "REFRESH"
	msgRevokeToken    messageType = "REVOKE_TOKEN"
	msgSignOut        messageType = "SIGN_OUT"
	msgCustomGrant    messageType = "CUSTOM_GRANT"
	msgUserInfo       messageType = "USER_INFO"
	msgSessionStatus  messageType = "SESSION_STATUS"
	msgHTTPRequest    messageType = "HTTP_REQUEST"
	msgHTTPRequestAll messageType = "HTTP_REQUEST_ALL"
)

// envelope is one request to the worker. The reply channel is buffered so
// a handler never blocks on a caller that gave up.
type envelope struct {
	ID      uuid.UUID
	Type    messageType
	Payload interface{}
	ctx     context.Context
	reply   chan result
}

type result struct {
	value interface{}
	err   error
}

type eventKind int

const (
	eventStart eventKind = iota
	eventSuccess
	eventError
	eventFinish
	eventInvalid
)

// event travels from the worker to the caller-side dispatcher.
type event struct {
	kind eventKind
	req  *http.Request
	resp *http.Response
	err  error
}

// worker owns the engine. Only the goroutines it starts touch it.
type worker struct {
	engine   *engine
	pipeline *httpclient.Pipeline
	baseURLs []string

	requests chan envelope
	events   chan event
	done     chan struct{}

	loop     sync.WaitGroup
	handlers sync.WaitGroup
}

// WorkerClient proxies every operation into a dedicated worker goroutine.
// Token values never leave the worker.
type WorkerClient struct {
	w        *worker
	timeout  time.Duration
	observer httpclient.RequestLifecycleObserver

	invalidMu sync.Mutex
	onInvalid []func(error)

	dispatcher sync.WaitGroup
	closeOnce  sync.Once
}

var _ Client = (*WorkerClient)(nil)

// NewWorkerClient starts the worker and the caller-side event dispatcher.
func NewWorkerClient(settings Settings, deps Dependencies) *WorkerClient {
	settings = settings.withDefaults()

	w := &worker{
		engine:   newEngine(auth.IsolatedWorker, settings, deps),
		baseURLs: settings.BaseURLs,
		requests: make(chan envelope),
		events:   make(chan event, 64),
		done:     make(chan struct{}),
	}

	c := &WorkerClient{
		w:        w,
		timeout:  settings.WorkerTimeout,
		observer: completeObserver(deps.Observer),
	}

	var forward httpclient.RequestLifecycleObserver
	if c.observer != nil {
		forward = emitter{w: w}
	}
	w.pipeline = newPipeline(deps, w.engine.accessToken, forward)

	w.engine.addInvalid(func(err error) {
		w.emit(event{kind: eventInvalid, err: err})
	})
	w.engine.onTimer = func() {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		if _, err := c.call(ctx, msgRefresh, nil); err != nil {
			logging.Warn(workerSubsystem, "Proactive refresh failed: %v", err)
		}
	}

	w.loop.Add(1)
	go w.run()

	c.dispatcher.Add(1)
	go c.dispatch()

	logging.Debug(workerSubsystem, "Worker started")
	return c
}

func (w *worker) run() {
	defer w.loop.Done()
	for {
		select {
		case env := <-w.requests:
			w.handlers.Add(1)
			go func() {
				defer w.handlers.Done()
				v, err := w.handle(env)
				env.reply <- result{value: v, err: err}
			}()
		case <-w.done:
			return
		}
	}
}

func (w *worker) handle(env envelope) (interface{}, error) {
	ctx := env.ctx
	logging.Debug(workerSubsystem, "Handling %s %s", env.Type, env.ID)

	switch env.Type {
	case msgSignIn:
		resp, _ := env.Payload.(*AuthorizationResponse)
		return w.engine.signIn(ctx, resp)
	case msgRefresh:
		_, err := w.engine.refresh(ctx)
		return nil, err
	case msgRevokeToken:
		return nil, w.engine.revoke(ctx)
	case msgSignOut:
		return w.engine.signOut(ctx)
	case msgCustomGrant:
		return w.engine.customGrant(ctx, env.Payload.(GrantRequest))
	case msgUserInfo:
		return w.engine.user(ctx)
	case msgSessionStatus:
		return w.engine.status(ctx)
	case msgHTTPRequest:
		r := env.Payload.(Request)
		if !allowed(w.baseURLs, r.URL) {
			return nil, illegalURL(r.URL)
		}
		return w.send(ctx, r)
	case msgHTTPRequestAll:
		return w.sendAll(ctx, env.Payload.([]Request))
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
}

// sendAll runs the requests concurrently. The first failure fails the
// whole batch.
func (w *worker) sendAll(ctx context.Context, reqs []Request) ([]*Response, error) {
	urls := make([]string, len(reqs))
	for i, r := range reqs {
		urls[i] = r.URL
	}
	if !allowed(w.baseURLs, urls...) {
		return nil, illegalURL(fmt.Sprint(urls))
	}

	out := make([]*Response, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range reqs {
		g.Go(func() error {
			resp, err := w.send(gctx, r)
			out[i] = resp
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (w *worker) emit(ev event) {
	select {
	case w.events <- ev:
	case <-w.done:
	}
}

// emitter forwards pipeline stages as events. Requests and responses are
// stripped so that no header or body set inside the worker leaks out.
type emitter struct {
	w *worker
}

func (e emitter) OnStart(req *http.Request) {
	e.w.emit(event{kind: eventStart, req: stripRequest(req)})
}

func (e emitter) OnSuccess(resp *http.Response) {
	e.w.emit(event{kind: eventSuccess, resp: stripResponse(resp)})
}

func (e emitter) OnError(err error) {
	e.w.emit(event{kind: eventError, err: err})
}

func (e emitter) OnFinish() {
	e.w.emit(event{kind: eventFinish})
}

func stripRequest(req *http.Request) *http.Request {
	out := req.Clone(context.Background())
	out.Header.Del("Authorization")
	out.Body = http.NoBody
	out.GetBody = nil
	return out
}

func stripResponse(resp *http.Response) *http.Response {
	out := *resp
	out.Header = resp.Header.Clone()
	out.Body = http.NoBody
	out.Request = nil
	return &out
}

// dispatch delivers worker events to the observer on the caller side.
func (c *WorkerClient) dispatch() {
	defer c.dispatcher.Done()
	for ev := range c.w.events {
		switch ev.kind {
		case eventInvalid:
			c.invalidMu.Lock()
			fns := append([]func(error){}, c.onInvalid...)
			c.invalidMu.Unlock()
			for _, fn := range fns {
				fn(ev.err)
			}
		case eventStart:
			c.observer.OnStart(ev.req)
		case eventSuccess:
			c.observer.OnSuccess(ev.resp)
		case eventError:
			c.observer.OnError(ev.err)
		case eventFinish:
			c.observer.OnFinish()
		}
	}
}

// call sends one envelope and waits for its reply or the worker timeout.
func (c *WorkerClient) call(ctx context.Context, typ messageType, payload interface{}) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	env := envelope{
		ID:      uuid.New(),
		Type:    typ,
		Payload: payload,
		ctx:     ctx,
		reply:   make(chan result, 1),
	}

	select {
	case c.w.requests <- env:
	case <-c.w.done:
		return nil, auth.ErrWorkerClosed
	case <-ctx.Done():
		return nil, waitError(ctx, typ)
	}

	select {
	case r := <-env.reply:
		if r.err != nil && ctx.Err() != nil {
			return r.value, waitError(ctx, typ)
		}
		return r.value, r.err
	case <-ctx.Done():
		return nil, waitError(ctx, typ)
	}
}

func waitError(ctx context.Context, typ messageType) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", typ, auth.ErrWorkerTimeout)
	}
	return ctx.Err()
}

// SignIn runs either phase of the code flow inside the worker.
func (c *WorkerClient) SignIn(ctx context.Context, resp *AuthorizationResponse) (*SignInResult, error) {
	v, err := c.call(ctx, msgSignIn, resp)
	if err != nil {
		return nil, err
	}
	return v.(*SignInResult), nil
}

// Refresh asks the worker to exchange its refresh token.
func (c *WorkerClient) Refresh(ctx context.Context) error {
	_, err := c.call(ctx, msgRefresh, nil)
	return err
}

// RevokeToken revokes the access token and clears the worker session.
func (c *WorkerClient) RevokeToken(ctx context.Context) error {
	_, err := c.call(ctx, msgRevokeToken, nil)
	return err
}

// SignOut clears the worker session and returns the provider logout URL.
func (c *WorkerClient) SignOut(ctx context.Context) (string, error) {
	v, err := c.call(ctx, msgSignOut, nil)
	s, _ := v.(string)
	return s, err
}

// CustomGrant posts a custom grant from inside the worker. A grant that
// returns a session replaces the current one; its token never leaves
// the worker.
func (c *WorkerClient) CustomGrant(ctx context.Context, req GrantRequest) (*oauth.GrantResponse, error) {
	v, err := c.call(ctx, msgCustomGrant, req)
	resp, _ := v.(*oauth.GrantResponse)
	return resp, err
}

// UserInfo returns the user of the worker session.
func (c *WorkerClient) UserInfo(ctx context.Context) (*session.UserInfo, error) {
	v, err := c.call(ctx, msgUserInfo, nil)
	if err != nil {
		return nil, err
	}
	return v.(*session.UserInfo), nil
}

// SessionStatus describes the worker session without token values.
func (c *WorkerClient) SessionStatus(ctx context.Context) (*auth.SessionStatus, error) {
	v, err := c.call(ctx, msgSessionStatus, nil)
	if err != nil {
		return nil, err
	}
	return v.(*auth.SessionStatus), nil
}

// HTTPRequest executes r inside the worker with the access token attached.
// Responses with status >= 400 come back together with a
// *httpclient.StatusError.
func (c *WorkerClient) HTTPRequest(ctx context.Context, r Request) (*Response, error) {
	v, err := c.call(ctx, msgHTTPRequest, r)
	resp, _ := v.(*Response)
	return resp, err
}

// HTTPRequestAll executes the requests concurrently inside the worker.
func (c *WorkerClient) HTTPRequestAll(ctx context.Context, reqs []Request) ([]*Response, error) {
	v, err := c.call(ctx, msgHTTPRequestAll, reqs)
	if err != nil {
		return nil, err
	}
	return v.([]*Response), nil
}

// OnInvalid registers a callback for failed refreshes. Callbacks run on
// the dispatcher goroutine.
func (c *WorkerClient) OnInvalid(fn func(error)) {
	if fn == nil {
		return
	}
	c.invalidMu.Lock()
	c.onInvalid = append(c.onInvalid, fn)
	c.invalidMu.Unlock()
}

// Close stops the worker after in-flight operations finish.
func (c *WorkerClient) Close() error {
	c.closeOnce.Do(func() {
		c.w.engine.close()
		close(c.w.done)
		c.w.loop.Wait()
		c.w.handlers.Wait()
		close(c.w.events)
		c.dispatcher.Wait()
		logging.Debug(workerSubsystem, "Worker stopped")
	})
	return nil
}
