package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"authsession/pkg/logging"
	"authsession/pkg/oauth"
	textutil "authsession/pkg/strings"
)

// maxReplySize caps the check-session reply body.
const maxReplySize = 4096

// HTTPCheckFrame is a check-session frame for hosts without a browser. It
// POSTs each message to the loaded endpoint and delivers the response body
// as a reply from the endpoint's origin.
type HTTPCheckFrame struct {
	ctx    context.Context
	client *http.Client
	out    chan<- Message

	mu  sync.Mutex
	url string
}

// NewHTTPCheckFrame creates a frame delivering replies to out. Posts stop
// when ctx is done.
func NewHTTPCheckFrame(ctx context.Context, client *http.Client, out chan<- Message) *HTTPCheckFrame {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPCheckFrame{ctx: ctx, client: client, out: out}
}

// Navigate loads the frame. No request is made until the first post.
func (f *HTTPCheckFrame) Navigate(rawURL string) error {
	if _, err := url.Parse(rawURL); err != nil {
		return fmt.Errorf("invalid check session URL: %w", err)
	}
	f.mu.Lock()
	f.url = rawURL
	f.mu.Unlock()
	return nil
}

// URL returns the loaded frame URL.
func (f *HTTPCheckFrame) URL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url
}

// PostMessage sends data asynchronously, like window.postMessage.
func (f *HTTPCheckFrame) PostMessage(data, targetOrigin string) error {
	target := f.URL()
	if target == "" {
		return errors.New("check session frame is not loaded")
	}
	go f.deliver(target, data)
	return nil
}

func (f *HTTPCheckFrame) deliver(target, data string) {
	req, err := http.NewRequestWithContext(f.ctx, http.MethodPost, target, strings.NewReader(data))
	if err != nil {
		logging.Debug(subsystem, "Failed to build session check request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := f.client.Do(req)
	if err != nil {
		logging.Debug(subsystem, "Session check request failed: %v", err)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if err != nil {
		logging.Debug(subsystem, "Failed to read session check reply: %v", err)
		return
	}

	msg := Message{Origin: oauth.OriginOf(target), Data: strings.TrimSpace(string(body))}
	select {
	case f.out <- msg:
	case <-f.ctx.Done():
	}
}

// HTTPSilentAuthFrame performs prompt=none requests without following the
// redirect. The redirect parameters are handed to OnRedirect when they
// carry a code; login_required and other errors are logged and dropped.
type HTTPSilentAuthFrame struct {
	ctx        context.Context
	client     *http.Client
	onRedirect func(url.Values)

	mu  sync.Mutex
	src string
	wg  sync.WaitGroup
}

// NewHTTPSilentAuthFrame creates a silent frame. The given client is
// copied so that redirects are never followed.
func NewHTTPSilentAuthFrame(ctx context.Context, client *http.Client, onRedirect func(url.Values)) *HTTPSilentAuthFrame {
	c := &http.Client{}
	if client != nil {
		*c = *client
	}
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &HTTPSilentAuthFrame{ctx: ctx, client: c, onRedirect: onRedirect}
}

// Src returns the last navigated URL.
func (f *HTTPSilentAuthFrame) Src() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.src
}

// Navigate starts the silent request in the background.
func (f *HTTPSilentAuthFrame) Navigate(rawURL string) error {
	f.mu.Lock()
	f.src = rawURL
	f.mu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.load(rawURL)
	}()
	return nil
}

// Wait blocks until all started requests have finished.
func (f *HTTPSilentAuthFrame) Wait() {
	f.wg.Wait()
}

func (f *HTTPSilentAuthFrame) load(rawURL string) {
	req, err := http.NewRequestWithContext(f.ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		logging.Debug(subsystem, "Failed to build silent authentication request: %v", err)
		return
	}
	resp, err := f.client.Do(req)
	if err != nil {
		logging.Debug(subsystem, "Silent authentication request failed: %v", err)
		return
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	resp.Body.Close()

	location := resp.Header.Get("Location")
	if location == "" {
		logging.Debug(subsystem, "Silent authentication returned %d without redirect: %s",
			resp.StatusCode, textutil.Truncate(string(body), textutil.DefaultMaxLen))
		return
	}
	redirect, err := url.Parse(location)
	if err != nil {
		logging.Debug(subsystem, "Silent authentication returned an invalid redirect: %v", err)
		return
	}

	params := redirect.Query()
	if e := params.Get("error"); e != "" {
		if d := params.Get("error_description"); d != "" {
			e += ": " + textutil.Truncate(d, textutil.DefaultMaxLen)
		}
		logging.Info(subsystem, "Silent re-authentication did not complete: %s", e)
		return
	}
	if params.Get("code") == "" {
		logging.Debug(subsystem, "Silent authentication redirect carried no code")
		return
	}
	if f.onRedirect != nil {
		f.onRedirect(params)
	}
}
