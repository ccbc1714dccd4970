package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke",
		Short: "Revoke the access token at the provider and clear the session",
		Long: `Revoke the access token at the provider's revocation endpoint.

Only available in isolatedWorker mode. The local session is cleared even if
the provider rejects the revocation.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := newAuthenticator(cmd.Context())
			if err != nil {
				return err
			}
			defer closeAuthenticator(a)

			if err := a.RevokeToken(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Token revoked")
			return nil
		},
	}
}
