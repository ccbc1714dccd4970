package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"authsession/internal/authenticate"
	"authsession/internal/monitor"
	"authsession/internal/oauthclient"
	"authsession/internal/session"
	"authsession/pkg/logging"
)

const monitorRequestTimeout = 30 * time.Second

func newMonitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Watch the provider session and re-authenticate silently",
		Long: `Poll the provider's check-session endpoint with "<clientId> <sessionState>".
When the provider reports a changed session, a prompt=none authorization
request is sent and the returned code is exchanged for a new session.

With file storage, a sign-in from another process re-arms the monitor.
Stop with Ctrl+C.`,
		Args: cobra.NoArgs,
		RunE: runMonitor,
	}
}

func runMonitor(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, _, err := newAuthenticator(ctx)
	if err != nil {
		return err
	}
	defer closeAuthenticator(a)

	storage, err := a.Storage()
	if err != nil {
		return err
	}
	mcfg, err := a.SessionCheckConfig()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	a.OnSessionInvalid(func(err error) {
		fmt.Fprintf(out, "Session is no longer valid: %v\n", err)
	})

	msgs := make(chan monitor.Message, 16)
	m := newSessionMonitor(ctx, a, mcfg, storage, msgs, out)

	if fs, ok := storage.(*session.FileStorage); ok {
		watcher := monitor.NewStorageWatcher(fs.Dir(), mcfg.OwnOrigin, msgs)
		if err := watcher.Start(); err != nil {
			logging.Warn(cliSubsystem, "Not watching %s: %v", fs.Dir(), err)
		} else {
			defer watcher.Stop()
		}
	}

	// Same as the frame load event in a browser.
	msgs <- monitor.Message{Origin: mcfg.OwnOrigin, Data: monitor.LoadTimer}

	fmt.Fprintf(out, "Monitoring the provider session every %s (Ctrl+C to stop)\n", m.Interval())
	if err := m.Run(ctx, msgs); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newSessionMonitor wires a Monitor to HTTP frames. Codes returned by the
// silent frame are exchanged with the verifier of the request that
// produced them.
func newSessionMonitor(ctx context.Context, a *authenticate.Authenticator, mcfg monitor.Config, storage session.Storage, msgs chan monitor.Message, out io.Writer) *monitor.Monitor {
	client := &http.Client{Timeout: monitorRequestTimeout}

	var (
		mu       sync.Mutex
		verifier string
	)
	mcfg.Verifier = func(v string) {
		mu.Lock()
		verifier = v
		mu.Unlock()
	}

	silent := monitor.NewHTTPSilentAuthFrame(ctx, client, func(v url.Values) {
		mu.Lock()
		codeVerifier := verifier
		mu.Unlock()

		result, err := a.SignIn(ctx, &oauthclient.AuthorizationResponse{
			Code:         v.Get("code"),
			State:        v.Get("state"),
			SessionState: v.Get("session_state"),
			CodeVerifier: codeVerifier,
		})
		if err != nil {
			logging.Error(cliSubsystem, err, "Silent re-authentication failed")
			return
		}
		if result.Type == oauthclient.SignedIn {
			fmt.Fprintln(out, "Session renewed silently")
			// Post the new session state right away.
			select {
			case msgs <- monitor.Message{Origin: mcfg.OwnOrigin, Data: monitor.LoadTimer}:
			default:
			}
		}
	})
	check := monitor.NewHTTPCheckFrame(ctx, client, msgs)

	return monitor.New(mcfg, monitor.FromSessionStorage(storage), check, silent)
}
