package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"authsession/internal/config"
	"authsession/pkg/auth"
	"authsession/pkg/logging"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeUnavailable indicates there is no session or the selected
	// storage mode cannot perform the operation.
	ExitCodeUnavailable = 2
	// ExitCodeAuthFailed indicates the code exchange, refresh or grant failed.
	ExitCodeAuthFailed = 3
	// ExitCodeInitFailed indicates the configuration cannot be hosted.
	ExitCodeInitFailed = 4
)

var (
	configPath string
	debug      bool
	logLevel   string
	logFormat  string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "authsession",
	Short: "Sign in to an OpenID Connect provider and use the session",
	Long: `authsession signs in to an OpenID Connect provider with the authorization
code flow and PKCE, keeps the tokens in the configured storage and sends
authenticated requests on your behalf.

Tokens are either reachable by the caller (sameThread) or kept behind an
isolated worker that only ever returns responses (isolatedWorker).`,
	// SilenceUsage keeps usage output away from runtime errors.
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := logging.LevelWarn
		if logLevel != "" {
			level = logging.ParseLevel(logLevel)
		}
		if debug {
			level = logging.LevelDebug
		}
		switch logFormat {
		case "", "text":
			logging.InitForCLI(level, cmd.ErrOrStderr())
		case "json":
			logging.InitJSON(level, cmd.ErrOrStderr())
		default:
			return fmt.Errorf("unsupported log format %q (use text or json)", logFormat)
		}
		return nil
	},
}

// SetVersion sets the version for the root command.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute runs the root command and exits with a code derived from the
// returned error.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "authsession version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		var cfgErrs config.ConfigurationErrorCollection
		if errors.As(err, &cfgErrs) {
			fmt.Fprintf(os.Stderr, "\nConfiguration problems:\n%s\n", cfgErrs.Report())
		}
		os.Exit(getExitCode(err))
	}
}

// getExitCode maps error types to exit codes for scripting.
func getExitCode(err error) int {
	if err == nil {
		return ExitCodeSuccess
	}

	var initErr *auth.InitializationError
	if errors.As(err, &initErr) {
		return ExitCodeInitFailed
	}

	var authErr *auth.AuthenticationError
	if errors.As(err, &authErr) {
		return ExitCodeAuthFailed
	}

	var capErr *auth.CapabilityUnavailableError
	if errors.As(err, &capErr) {
		return ExitCodeUnavailable
	}
	if errors.Is(err, auth.ErrNotSignedIn) || errors.Is(err, auth.ErrTokenIsolated) {
		return ExitCodeUnavailable
	}

	return ExitCodeError
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "configuration directory (default $HOME/.config/authsession)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newLoginCmd())
	rootCmd.AddCommand(newLogoutCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newRequestCmd())
	rootCmd.AddCommand(newRevokeCmd())
	rootCmd.AddCommand(newGrantCmd())
	rootCmd.AddCommand(newMonitorCmd())
}
