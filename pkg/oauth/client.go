package oauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	DefaultHTTPTimeout = 30 * time.Second

	// DefaultMetadataCacheTTL bounds how long a discovery document is reused.
	DefaultMetadataCacheTTL = 30 * time.Minute
)

// Client talks to the identity provider: discovery, code exchange,
// refresh, revocation and custom grants. It holds no session state.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	metadata   *metadataCache
}

type ClientOption func(*Client)

// WithHTTPClient replaces the default client, which has a 30s timeout.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = httpClient }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

func WithMetadataCacheTTL(ttl time.Duration) ClientOption {
	return func(c *Client) { c.metadata.ttl = ttl }
}

func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
		logger:     slog.Default(),
		metadata:   newMetadataCache(DefaultMetadataCacheTTL),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HTTPClient returns the client used for identity provider calls.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// ExchangeRequest carries the inputs of an authorization_code grant.
type ExchangeRequest struct {
	TokenEndpoint string
	ClientID      string
	ClientSecret  string
	RedirectURI   string
	Code          string
	CodeVerifier  string
}

// RefreshRequest carries the inputs of a refresh_token grant.
type RefreshRequest struct {
	TokenEndpoint string
	ClientID      string
	ClientSecret  string
	RefreshToken  string
}

func (c *Client) oauth2Config(tokenEndpoint, clientID, clientSecret, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURI,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (c *Client) oauth2Context(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// ExchangeCode exchanges an authorization code for tokens.
// Token endpoint failures are returned as a wrapped *oauth2.RetrieveError.
func (c *Client) ExchangeCode(ctx context.Context, req ExchangeRequest) (*Token, error) {
	cfg := c.oauth2Config(req.TokenEndpoint, req.ClientID, req.ClientSecret, req.RedirectURI)

	var opts []oauth2.AuthCodeOption
	if req.CodeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(req.CodeVerifier))
	}

	tok, err := cfg.Exchange(c.oauth2Context(ctx), req.Code, opts...)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}

	return TokenFromOAuth2(tok), nil
}

// RefreshToken obtains a new access token using a refresh token. When the
// server does not rotate the refresh token, the old one is kept.
func (c *Client) RefreshToken(ctx context.Context, req RefreshRequest) (*Token, error) {
	cfg := c.oauth2Config(req.TokenEndpoint, req.ClientID, req.ClientSecret, "")

	src := cfg.TokenSource(c.oauth2Context(ctx), &oauth2.Token{RefreshToken: req.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}

	return TokenFromOAuth2(tok), nil
}

// StatusCode returns the HTTP status of a failed token endpoint call, or 0.
func StatusCode(err error) int {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		return retrieveErr.Response.StatusCode
	}
	return 0
}

// IsBadRequest reports whether the token endpoint rejected the grant with 400.
func IsBadRequest(err error) bool {
	return StatusCode(err) == http.StatusBadRequest
}

// Revoke calls the RFC 7009 revocation endpoint. Any non-200 answer is an error.
func (c *Client) Revoke(ctx context.Context, endpoint, clientID, token, tokenTypeHint string) error {
	data := url.Values{
		"client_id": {clientID},
		"token":     {token},
	}
	if tokenTypeHint != "" {
		data.Set("token_type_hint", tokenTypeHint)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revoke request failed with status %d", resp.StatusCode)
	}
	return nil
}
