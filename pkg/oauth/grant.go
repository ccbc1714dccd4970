package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	textutil "authsession/pkg/strings"
)

// TemplateParams are the values a custom grant body can reference as
// {{token}}, {{username}}, {{scope}}, {{clientId}} and {{clientSecret}}.
type TemplateParams struct {
	Token        string
	Username     string
	Scope        string
	ClientID     string
	ClientSecret string
}

func (p TemplateParams) funcs() template.FuncMap {
	fm := sprig.TxtFuncMap()
	fm["token"] = func() string { return p.Token }
	fm["username"] = func() string { return p.Username }
	fm["scope"] = func() string { return p.Scope }
	fm["clientId"] = func() string { return p.ClientID }
	fm["clientSecret"] = func() string { return p.ClientSecret }
	return fm
}

// RenderGrantData renders every value of data as a template and returns the
// form body. Values without template actions are copied unchanged.
func RenderGrantData(data map[string]string, params TemplateParams) (url.Values, error) {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	funcs := params.funcs()
	form := url.Values{}
	for _, k := range keys {
		v := data[k]
		if !strings.Contains(v, "{{") {
			form.Set(k, v)
			continue
		}
		tmpl, err := template.New(k).Funcs(funcs).Option("missingkey=error").Parse(v)
		if err != nil {
			return nil, fmt.Errorf("invalid template for %q: %w", k, err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, nil); err != nil {
			return nil, fmt.Errorf("failed to render %q: %w", k, err)
		}
		form.Set(k, buf.String())
	}
	return form, nil
}

// CustomGrantRequest describes a custom grant call against the token endpoint
// or any other identity provider URL.
type CustomGrantRequest struct {
	// Endpoint defaults to the token endpoint when empty.
	Endpoint string
	// Data is the form body; values may contain template tags.
	Data   map[string]string
	Params TemplateParams
	// AccessToken is sent as a bearer token when set.
	AccessToken string
	// ReturnsSession marks the response as a token response.
	ReturnsSession bool
}

// GrantResponse is the outcome of a custom grant.
type GrantResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Token is set when the request was marked ReturnsSession and the body
	// decoded into a token response.
	Token *Token
}

// GrantError is returned for custom grant responses with a status >= 400.
type GrantError struct {
	StatusCode int
	Body       string
}

func (e *GrantError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("custom grant failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("custom grant failed with status %d: %s", e.StatusCode, textutil.Truncate(e.Body, textutil.DefaultMaxLen))
}

// CustomGrant renders and posts a custom grant.
func (c *Client) CustomGrant(ctx context.Context, req CustomGrantRequest) (*GrantResponse, error) {
	form, err := RenderGrantData(req.Data, req.Params)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create grant request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")
	if req.AccessToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.AccessToken)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("grant request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read grant response: %w", err)
	}

	out := &GrantResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}
	if resp.StatusCode >= http.StatusBadRequest {
		c.logger.Debug("Custom grant failed", "status", resp.StatusCode)
		return out, &GrantError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	if req.ReturnsSession {
		var token Token
		if err := json.Unmarshal(body, &token); err != nil {
			return out, fmt.Errorf("failed to parse grant token response: %w", err)
		}
		if token.AccessToken == "" {
			return out, fmt.Errorf("grant token response has no access_token")
		}
		token.SetExpiresAtFromExpiresIn()
		out.Token = &token
	}

	return out, nil
}
