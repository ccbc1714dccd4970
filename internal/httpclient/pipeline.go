package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"authsession/pkg/auth"
	"authsession/pkg/logging"
)

const (
	subsystem  = "HTTPClient"
	tracerName = "authsession/internal/httpclient"
)

// TokenSource resolves the bearer token for one request.
type TokenSource func(ctx context.Context) (string, error)

// StatusError reports an HTTP response with status >= 400.
type StatusError struct {
	StatusCode int
	Status     string
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request to %s failed with status %s", e.URL, e.Status)
}

// Pipeline is an http.RoundTripper that runs the request lifecycle.
type Pipeline struct {
	base         http.RoundTripper
	tokens       TokenSource
	observer     RequestLifecycleObserver
	active       bool
	intercepting atomic.Bool
	tracer       trace.Tracer
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithObserver registers the lifecycle observer. It is the only way to
// register one, so callbacks can never be installed twice.
func WithObserver(o RequestLifecycleObserver) Option {
	return func(p *Pipeline) {
		p.observer = o
	}
}

// WithTracerProvider replaces the global OpenTelemetry provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Pipeline) {
		p.tracer = tp.Tracer(tracerName)
	}
}

// WithInterception sets the initial interception state. It defaults to on
// when a TokenSource is given.
func WithInterception(enabled bool) Option {
	return func(p *Pipeline) {
		p.intercepting.Store(enabled)
	}
}

// NewPipeline wraps base, or http.DefaultTransport when base is nil.
func NewPipeline(base http.RoundTripper, tokens TokenSource, opts ...Option) *Pipeline {
	if base == nil {
		base = http.DefaultTransport
	}
	p := &Pipeline{
		base:   base,
		tokens: tokens,
		tracer: otel.GetTracerProvider().Tracer(tracerName),
	}
	p.intercepting.Store(tokens != nil)
	for _, opt := range opts {
		opt(p)
	}
	p.active = isComplete(p.observer)
	if p.observer != nil && !p.active {
		logging.Warn(subsystem, "Lifecycle observer is incomplete, requests pass through unchanged")
	}
	return p
}

// EnableInterception toggles bearer token injection.
func (p *Pipeline) EnableInterception(enabled bool) {
	p.intercepting.Store(enabled)
}

// Intercepting reports whether tokens are being injected.
func (p *Pipeline) Intercepting() bool {
	return p.active && p.tokens != nil && p.intercepting.Load()
}

// Client returns an *http.Client using the pipeline as transport.
func (p *Pipeline) Client() *http.Client {
	return &http.Client{Transport: p}
}

// RoundTrip implements http.RoundTripper.
func (p *Pipeline) RoundTrip(req *http.Request) (resp *http.Response, err error) {
	if !p.active {
		return p.base.RoundTrip(req)
	}

	ctx, span := p.tracer.Start(req.Context(), "HTTP "+req.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.full", req.URL.Redacted()),
		),
	)
	defer span.End()

	// Clone the request; RoundTrippers must not modify the caller's copy.
	out := req.Clone(ctx)

	p.observer.OnStart(out)
	defer p.observer.OnFinish()

	if p.Intercepting() {
		token, terr := p.tokens(ctx)
		if terr != nil {
			if req.Body != nil {
				_ = req.Body.Close()
			}
			err = &auth.TokenResolutionError{URL: req.URL.Redacted(), Err: terr}
			span.RecordError(err)
			span.SetStatus(codes.Error, "token resolution failed")
			logging.Debug(subsystem, "Token resolution failed for %s: %v", req.URL.Redacted(), terr)
			p.observer.OnError(err)
			return nil, err
		}
		out.Header.Set("Authorization", "Bearer "+token)
		span.SetAttributes(attribute.Bool("authsession.token_injected", true))
	}

	resp, err = p.base.RoundTrip(out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.observer.OnError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		span.SetStatus(codes.Error, resp.Status)
		p.observer.OnError(&StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			URL:        req.URL.Redacted(),
		})
		return resp, nil
	}

	p.observer.OnSuccess(resp)
	return resp, nil
}
