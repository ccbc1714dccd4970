package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"authsession/internal/authenticate"
	"authsession/internal/callback"
	"authsession/internal/oauthclient"
	"authsession/pkg/auth"
)

// maxSignInAttempts bounds restarts after the provider rejects a code.
const maxSignInAttempts = 2

var loginNoBrowser bool

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with the authorization code flow",
		Long: `Sign in to the configured OpenID Connect provider.

A temporary callback server is started on signInRedirectURL, which must be a
loopback address, and the authorization URL is opened in your browser.`,
		Args: cobra.NoArgs,
		RunE: runLogin,
	}
	cmd.Flags().BoolVar(&loginNoBrowser, "no-browser", false, "print the authorization URL instead of opening a browser")
	return cmd
}

func runLogin(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), callback.Timeout)
	defer cancel()

	a, cfg, err := newAuthenticator(ctx)
	if err != nil {
		return err
	}
	defer closeAuthenticator(a)

	for attempt := 0; attempt < maxSignInAttempts; attempt++ {
		result, err := a.SignIn(ctx, nil)
		if err != nil {
			return err
		}

		resp, err := authorize(ctx, cmd, cfg.SignInRedirectURL, result.AuthorizationURL)
		if err != nil {
			return err
		}

		result, err = a.SignIn(ctx, resp)
		if err != nil {
			return err
		}
		if result.Type == oauthclient.SignedIn {
			return printSignedIn(cmd, a, result)
		}
	}
	return &auth.AuthenticationError{Op: "signIn", Err: errors.New("the provider rejected the authorization code")}
}

// authorize sends the user to authURL and waits for the response on the
// redirect URI.
func authorize(ctx context.Context, cmd *cobra.Command, redirectURI, authURL string) (*oauthclient.AuthorizationResponse, error) {
	server, err := callback.NewServer(redirectURI)
	if err != nil {
		return nil, err
	}
	if err := server.Start(ctx); err != nil {
		return nil, err
	}
	defer server.Stop()

	out := cmd.OutOrStdout()
	if loginNoBrowser {
		fmt.Fprintf(out, "Open the following URL to sign in:\n\n  %s\n\n", authURL)
	} else if err := callback.OpenBrowser(authURL); err != nil {
		fmt.Fprintf(out, "Could not open a browser (%v). Open the following URL to sign in:\n\n  %s\n\n", err, authURL)
	}

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Writer = cmd.ErrOrStderr()
	s.Suffix = " Waiting for the authorization response..."
	s.Start()
	result, err := server.Wait(ctx)
	s.Stop()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &auth.AuthenticationError{Op: "signIn", Err: fmt.Errorf("no authorization response within %s", callback.Timeout)}
		}
		return nil, err
	}

	if result.IsError() {
		msg := result.Error
		if result.ErrorDescription != "" {
			msg += ": " + result.ErrorDescription
		}
		return nil, &auth.AuthenticationError{Op: "signIn", Err: errors.New(msg)}
	}
	return &oauthclient.AuthorizationResponse{
		Code:         result.Code,
		State:        result.State,
		SessionState: result.SessionState,
	}, nil
}

func printSignedIn(cmd *cobra.Command, a *authenticate.Authenticator, result *oauthclient.SignInResult) error {
	mode, err := a.Mode()
	if err != nil {
		return err
	}
	name := "unknown user"
	if result.UserInfo != nil {
		name = result.UserInfo.Username
		if result.UserInfo.DisplayName != "" {
			name = result.UserInfo.DisplayName
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s (%s)\n", name, mode)
	return nil
}
