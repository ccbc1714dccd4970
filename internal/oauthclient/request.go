package oauthclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"authsession/internal/httpclient"
	"authsession/pkg/auth"
	"authsession/pkg/logging"
	"authsession/pkg/oauth"
)

// Request is an API call executed inside the worker.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is what comes back across the worker boundary.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// allowed reports whether every URL lies under one common base URL.
func allowed(baseURLs []string, urls ...string) bool {
	targets := make([]*url.URL, 0, len(urls))
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() {
			return false
		}
		targets = append(targets, u)
	}
	for _, raw := range baseURLs {
		base, err := url.Parse(raw)
		if raw == "" || err != nil || !base.IsAbs() {
			continue
		}
		match := true
		for _, u := range targets {
			if !underBase(base, u) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// underBase compares scheme and host exactly and the path by whole
// segments, so "https://api.example.com" does not cover
// "https://api.example.com.evil.net" and "/api" does not cover "/apix".
func underBase(base, u *url.URL) bool {
	if !strings.EqualFold(base.Scheme, u.Scheme) || !strings.EqualFold(base.Host, u.Host) {
		return false
	}
	if u.User != nil {
		return false
	}
	prefix := strings.TrimSuffix(base.Path, "/")
	if prefix == "" {
		return true
	}
	p := path.Clean("/" + u.Path)
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

func (r Request) build(ctx context.Context) (*http.Request, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	for k, vs := range r.Header {
		if http.CanonicalHeaderKey(k) == "Authorization" {
			continue
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return req, nil
}

// send runs one request through the pipeline. A 401 whose challenge a new
// token could satisfy triggers one refresh and one retry.
func (w *worker) send(ctx context.Context, r Request) (*Response, error) {
	resp, err := w.do(ctx, r)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp.finish(r.URL)
	}

	challenge := oauth.ParseWWWAuthenticateHeader(resp.Header)
	if !challenge.RefreshMayHelp() {
		return resp.finish(r.URL)
	}

	logging.Debug(workerSubsystem, "Request to %s returned 401, refreshing token", r.URL)
	w.engine.cancelRefresh()
	if _, err := w.engine.refresh(ctx); err != nil {
		return nil, err
	}

	resp, err = w.do(ctx, r)
	if err != nil {
		return nil, err
	}
	return resp.finish(r.URL)
}

func (w *worker) do(ctx context.Context, r Request) (*Response, error) {
	req, err := r.build(ctx)
	if err != nil {
		return nil, err
	}
	httpResp, err := w.pipeline.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header.Clone(),
		Body:       body,
	}, nil
}

// finish turns error statuses into a *httpclient.StatusError while still
// returning the response.
func (r *Response) finish(target string) (*Response, error) {
	if r.StatusCode >= http.StatusBadRequest {
		return r, &httpclient.StatusError{
			StatusCode: r.StatusCode,
			Status:     fmt.Sprintf("%d %s", r.StatusCode, http.StatusText(r.StatusCode)),
			URL:        target,
		}
	}
	return r, nil
}

func illegalURL(u string) error {
	return fmt.Errorf("%w: %s", auth.ErrIllegalURL, u)
}
