package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"authsession/internal/authenticate"
	"authsession/internal/oauthclient"
	"authsession/pkg/auth"
)

var (
	requestMethod  string
	requestHeaders []string
	requestData    string
	requestInclude bool
)

func newRequestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request URL",
		Short: "Send an authenticated HTTP request",
		Long: `Send an HTTP request with the access token attached.

In isolatedWorker mode the request is executed by the worker and must target
one of the configured baseURLs. In sameThread mode it goes through the
token-injecting HTTP client.`,
		Args: cobra.ExactArgs(1),
		RunE: runRequest,
	}
	cmd.Flags().StringVarP(&requestMethod, "method", "X", http.MethodGet, "HTTP method")
	cmd.Flags().StringArrayVarP(&requestHeaders, "header", "H", nil, `request header as "Name: value" (repeatable)`)
	cmd.Flags().StringVarP(&requestData, "data", "d", "", "request body")
	cmd.Flags().BoolVarP(&requestInclude, "include", "i", false, "print the response status and headers")
	return cmd
}

func runRequest(cmd *cobra.Command, args []string) error {
	header, err := parseHeaders(requestHeaders)
	if err != nil {
		return err
	}
	req := oauthclient.Request{
		Method: strings.ToUpper(requestMethod),
		URL:    args[0],
		Header: header,
	}
	if requestData != "" {
		req.Body = []byte(requestData)
	}

	a, _, err := newAuthenticator(cmd.Context())
	if err != nil {
		return err
	}
	defer closeAuthenticator(a)

	// Error statuses still carry a response worth printing.
	resp, err := send(cmd.Context(), a, req)
	if resp == nil {
		return err
	}

	out := cmd.OutOrStdout()
	if requestInclude {
		fmt.Fprintf(out, "%d %s\n", resp.StatusCode, http.StatusText(resp.StatusCode))
		_ = resp.Header.Write(out)
		fmt.Fprintln(out)
	}
	_, _ = out.Write(resp.Body)

	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	return nil
}

// send routes req through the worker or the same-thread HTTP client,
// depending on the session variant.
func send(ctx context.Context, a *authenticate.Authenticator, req oauthclient.Request) (*oauthclient.Response, error) {
	resp, err := a.HTTPRequest(ctx, req)
	var capErr *auth.CapabilityUnavailableError
	if !errors.As(err, &capErr) {
		return resp, err
	}

	client, err := a.HTTPClient()
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	for name, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	return &oauthclient.Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
	}, nil
}

func parseHeaders(raw []string) (http.Header, error) {
	header := http.Header{}
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, expected \"Name: value\"", h)
		}
		header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return header, nil
}
