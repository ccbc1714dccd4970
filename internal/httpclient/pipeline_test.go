package httpclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"authsession/pkg/auth"
)

// recorder records lifecycle stages in order.
type recorder struct {
	mu     sync.Mutex
	stages []string
	errs   []error
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.stages = append(r.stages, s)
	r.mu.Unlock()
}

func (r *recorder) funcs() ObserverFuncs {
	return ObserverFuncs{
		Start:   func(*http.Request) { r.add("start") },
		Success: func(*http.Response) { r.add("success") },
		Error: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
			r.add("error")
		},
		Finish: func() { r.add("finish") },
	}
}

func echoAuthServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = io.WriteString(w, r.Header.Get("Authorization"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func staticToken(tok string) TokenSource {
	return func(context.Context) (string, error) { return tok, nil }
}

func TestPipeline_StageOrder(t *testing.T) {
	srv := echoAuthServer(t)

	tests := []struct {
		name       string
		path       string
		wantStages []string
	}{
		{name: "success", path: "/ok", wantStages: []string{"start", "success", "finish"}},
		{name: "status error", path: "/fail", wantStages: []string{"start", "error", "finish"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			p := NewPipeline(nil, staticToken("tok"), WithObserver(rec.funcs()))

			resp, err := p.Client().Get(srv.URL + tt.path)
			require.NoError(t, err)
			resp.Body.Close()

			assert.Equal(t, tt.wantStages, rec.stages)
		})
	}
}

func TestPipeline_StatusErrorStillReturnsResponse(t *testing.T) {
	srv := echoAuthServer(t)
	rec := &recorder{}
	p := NewPipeline(nil, nil, WithObserver(rec.funcs()))

	resp, err := p.Client().Get(srv.URL + "/fail")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	require.Len(t, rec.errs, 1)
	var statusErr *StatusError
	require.True(t, errors.As(rec.errs[0], &statusErr))
	assert.Equal(t, http.StatusForbidden, statusErr.StatusCode)
}

func TestPipeline_InjectsToken(t *testing.T) {
	srv := echoAuthServer(t)
	p := NewPipeline(nil, staticToken("secret"), WithObserver(NopObserver{}))

	resp, err := p.Client().Get(srv.URL)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "Bearer secret", string(body))

	p.EnableInterception(false)
	resp, err = p.Client().Get(srv.URL)
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Empty(t, string(body))

	p.EnableInterception(true)
	p.EnableInterception(true)
	assert.True(t, p.Intercepting())
}

func TestPipeline_DoesNotModifyCallerRequest(t *testing.T) {
	srv := echoAuthServer(t)
	p := NewPipeline(nil, staticToken("secret"), WithObserver(NopObserver{}))

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := p.RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Empty(t, req.Header.Get("Authorization"))
}

func TestPipeline_TokenFailure(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	rec := &recorder{}
	failing := func(context.Context) (string, error) { return "", errors.New("no session") }
	p := NewPipeline(nil, failing, WithObserver(rec.funcs()))

	_, err := p.Client().Post(srv.URL, "text/plain", strings.NewReader("body"))
	require.Error(t, err)

	var tre *auth.TokenResolutionError
	assert.True(t, errors.As(err, &tre))
	assert.Equal(t, 0, hits, "request must not be sent")
	assert.Equal(t, []string{"start", "error", "finish"}, rec.stages)
}

func TestPipeline_IncompleteObserverIsPassthrough(t *testing.T) {
	srv := echoAuthServer(t)
	started := 0
	p := NewPipeline(nil, staticToken("secret"), WithObserver(ObserverFuncs{
		Start: func(*http.Request) { started++ },
	}))

	resp, err := p.Client().Get(srv.URL)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, 0, started)
	assert.Empty(t, string(body))
	assert.False(t, p.Intercepting())
}

func TestPipeline_NilObserverIsPassthrough(t *testing.T) {
	srv := echoAuthServer(t)
	p := NewPipeline(nil, staticToken("secret"))

	resp, err := p.Client().Get(srv.URL)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Empty(t, string(body))
}

func TestPipeline_TransportError(t *testing.T) {
	rec := &recorder{}
	p := NewPipeline(nil, nil, WithObserver(rec.funcs()))

	_, err := p.Client().Get("http://127.0.0.1:1/unreachable")
	require.Error(t, err)
	assert.Equal(t, []string{"start", "error", "finish"}, rec.stages)
}

func TestPipeline_Spans(t *testing.T) {
	srv := echoAuthServer(t)
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	p := NewPipeline(nil, staticToken("secret"), WithObserver(NopObserver{}), WithTracerProvider(tp))
	resp, err := p.Client().Get(srv.URL + "/fail")
	require.NoError(t, err)
	resp.Body.Close()

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "HTTP GET", spans[0].Name())
	for _, attr := range spans[0].Attributes() {
		assert.NotContains(t, attr.Value.Emit(), "secret")
	}
}

func TestMetricsObserver(t *testing.T) {
	srv := echoAuthServer(t)
	reg := prometheus.NewRegistry()
	metrics, err := NewMetricsObserver(reg)
	require.NoError(t, err)

	p := NewPipeline(nil, nil, WithObserver(MultiObserver{metrics, NopObserver{}}))
	for _, path := range []string{"/ok", "/ok", "/fail"} {
		resp, err := p.Client().Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
	}

	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.stages.WithLabelValues("start")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.stages.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.stages.WithLabelValues("error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.stages.WithLabelValues("finish")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.inFlight))

	// registering twice fails
	_, err = NewMetricsObserver(reg)
	assert.Error(t, err)
}

func TestMultiObserver_Complete(t *testing.T) {
	assert.True(t, MultiObserver{NopObserver{}}.Complete())
	assert.False(t, MultiObserver{NopObserver{}, ObserverFuncs{}}.Complete())
	assert.False(t, MultiObserver{nil}.Complete())
}
