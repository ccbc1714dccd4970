// Package callback receives the authorization response on a local
// redirect URI and opens the user's browser.
package callback

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"authsession/pkg/logging"
)

// Timeout is how long to wait for the authorization response.
const Timeout = 10 * time.Minute

var (
	successPage = template.Must(template.New("success").Parse(`<!DOCTYPE html>
<html><head><title>Signed in</title></head>
<body><h1>Signed in</h1><p>You can close this window and return to the terminal.</p></body></html>`))

	errorPage = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html><head><title>Sign-in failed</title></head>
<body><h1>Sign-in failed</h1><p>{{.Error}}</p>{{if .Description}}<p>{{.Description}}</p>{{end}}</body></html>`))
)

// Result is the authorization response delivered to the redirect URI.
type Result struct {
	Code             string
	State            string
	SessionState     string
	Error            string
	ErrorDescription string
}

// IsError returns true if the provider reported an error.
func (r *Result) IsError() bool {
	return r.Error != ""
}

// Server is a temporary local HTTP server on the host and path of the
// redirect URI. It accepts one response, delivered by query (response_mode
// query) or by form POST (response_mode form_post).
type Server struct {
	redirect *url.URL
	server   *http.Server
	listener net.Listener
	resultCh chan *Result
	errorCh  chan error
	once     sync.Once
	stopOnce sync.Once
}

// NewServer creates a server for redirectURI. Only loopback redirect
// URIs are accepted.
func NewServer(redirectURI string) (*Server, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect URI: %w", err)
	}
	host := u.Hostname()
	if host != "localhost" {
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			return nil, fmt.Errorf("redirect URI %s is not a loopback address", redirectURI)
		}
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return &Server{
		redirect: u,
		resultCh: make(chan *Result, 1),
		errorCh:  make(chan error, 1),
	}, nil
}

// Start begins listening. The server stops when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := s.redirect.Host
	if s.redirect.Port() == "" {
		addr = net.JoinHostPort(s.redirect.Hostname(), "80")
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start callback server on %s: %w", addr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc(s.redirect.Path, s.handleCallback)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case s.errorCh <- err:
			default:
			}
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	logging.Debug("Callback", "Listening for the authorization response on %s", s.redirect)
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Wait waits for the authorization response.
func (s *Server) Wait(ctx context.Context) (*Result, error) {
	select {
	case result := <-s.resultCh:
		return result, nil
	case err := <-s.errorCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var handled bool
	s.once.Do(func() {
		handled = true
		s.processCallback(w, r)
	})
	if !handled {
		http.Error(w, "Callback already processed", http.StatusBadRequest)
	}
}

func (s *Server) processCallback(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'self'")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store")

	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	result := &Result{
		Code:             r.Form.Get("code"),
		State:            r.Form.Get("state"),
		SessionState:     r.Form.Get("session_state"),
		Error:            r.Form.Get("error"),
		ErrorDescription: r.Form.Get("error_description"),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	var err error
	if result.IsError() {
		err = errorPage.Execute(w, map[string]string{
			"Error":       result.Error,
			"Description": result.ErrorDescription,
		})
	} else {
		err = successPage.Execute(w, nil)
	}
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}

	select {
	case s.resultCh <- result:
	default:
	}

	// Give the response time to reach the browser.
	go func() {
		time.Sleep(time.Second)
		s.Stop()
	}()
}

// Stop shuts the server down.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		if s.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.server.Shutdown(ctx)
		}
		if s.listener != nil {
			_ = s.listener.Close()
		}
	})
}
