package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"authsession/internal/oauthclient"
)

var (
	grantEndpoint       string
	grantScope          string
	grantAttachToken    bool
	grantReturnsSession bool
)

func newGrantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grant KEY=VALUE...",
		Short: "Send a custom grant to the token endpoint",
		Long: `Send a custom grant as a form POST. Values may reference the current
session with {{token}}, {{username}}, {{scope}}, {{clientId}} and
{{clientSecret}}.

Only available in isolatedWorker mode.

Example:
  authsession grant grant_type=account_switch token='{{token}}' --attach-token --returns-session`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := parseGrantData(args)
			if err != nil {
				return err
			}

			a, _, err := newAuthenticator(cmd.Context())
			if err != nil {
				return err
			}
			defer closeAuthenticator(a)

			resp, err := a.CustomGrant(cmd.Context(), oauthclient.GrantRequest{
				Endpoint:       grantEndpoint,
				Data:           data,
				Scope:          grantScope,
				AttachToken:    grantAttachToken,
				ReturnsSession: grantReturnsSession,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if resp.Token != nil {
				fmt.Fprintln(out, "Session replaced by the grant response")
				return nil
			}
			_, _ = out.Write(resp.Body)
			return nil
		},
	}
	cmd.Flags().StringVar(&grantEndpoint, "endpoint", "", "grant endpoint (default: the token endpoint)")
	cmd.Flags().StringVar(&grantScope, "scope", "", "scope sent with the grant")
	cmd.Flags().BoolVar(&grantAttachToken, "attach-token", false, "send the access token as a bearer token")
	cmd.Flags().BoolVar(&grantReturnsSession, "returns-session", false, "replace the session with the token response")
	return cmd
}

func parseGrantData(args []string) (map[string]string, error) {
	data := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid grant parameter %q, expected KEY=VALUE", arg)
		}
		data[key] = value
	}
	return data, nil
}
