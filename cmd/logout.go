package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"authsession/internal/callback"
)

var logoutOpen bool

func newLogoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Clear the local session",
		Long: `Clear the local session and print the provider logout URL.

Tokens are not revoked at the provider; use "authsession revoke" for that.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := newAuthenticator(cmd.Context())
			if err != nil {
				return err
			}

			logoutURL, err := a.SignOut(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Signed out")
			if logoutURL == "" {
				return nil
			}
			if logoutOpen {
				if err := callback.OpenBrowser(logoutURL); err == nil {
					return nil
				}
			}
			fmt.Fprintf(out, "End the provider session at:\n  %s\n", logoutURL)
			return nil
		},
	}
	cmd.Flags().BoolVar(&logoutOpen, "open", false, "open the provider logout URL in a browser")
	return cmd
}
