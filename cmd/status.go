package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"authsession/pkg/auth"
)

var statusOutput string

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the session and session-check state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := newAuthenticator(cmd.Context())
			if err != nil {
				return err
			}
			defer closeAuthenticator(a)

			status := a.Status(cmd.Context())
			switch statusOutput {
			case "json":
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(status); err != nil {
					return err
				}
			case "", "table":
				renderStatus(cmd.OutOrStdout(), status, time.Now())
			default:
				return fmt.Errorf("unsupported output format %q (use table or json)", statusOutput)
			}
			if !status.SignedIn {
				return auth.ErrNotSignedIn
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "output format (table, json)")
	return cmd
}

func renderStatus(w io.Writer, status auth.Status, now time.Time) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{text.FgHiCyan.Sprint("FIELD"), text.FgHiCyan.Sprint("VALUE")})

	t.AppendRow(table.Row{"Mode", status.Mode})

	if !status.SignedIn || status.Session == nil {
		t.AppendRow(table.Row{"Session", text.FgYellow.Sprint("Not signed in")})
		t.Render()
		return
	}

	s := status.Session
	t.AppendRow(table.Row{"Session", text.FgGreen.Sprint("Signed in")})
	t.AppendRow(table.Row{"Client", s.ClientID})
	if s.DisplayName != "" {
		t.AppendRow(table.Row{"User", fmt.Sprintf("%s (%s)", s.DisplayName, s.Username)})
	} else {
		t.AppendRow(table.Row{"User", s.Username})
	}
	if s.Email != "" {
		t.AppendRow(table.Row{"Email", s.Email})
	}
	t.AppendRow(table.Row{"Scopes", strings.Join(s.Scopes, " ")})
	t.AppendRow(table.Row{"Expires", formatExpiry(s.ExpiresAt, s.Expired, now)})
	t.AppendRow(table.Row{"Refreshable", formatBool(s.Refreshable)})

	if c := status.SessionCheck; c != nil {
		if c.Configured {
			t.AppendRow(table.Row{"Session check", fmt.Sprintf("%s every %s", c.TargetOrigin, c.Interval)})
		} else {
			t.AppendRow(table.Row{"Session check", text.Faint.Sprint("not configured")})
		}
	}
	t.Render()
}

func formatExpiry(expiresAt time.Time, expired bool, now time.Time) string {
	if expiresAt.IsZero() {
		return "-"
	}
	if now.After(expiresAt) {
		return text.FgRed.Sprintf("expired %s ago", now.Sub(expiresAt).Round(time.Second))
	}
	if expired {
		// Inside the refresh leeway.
		return text.FgYellow.Sprintf("in %s", expiresAt.Sub(now).Round(time.Second))
	}
	return fmt.Sprintf("in %s", expiresAt.Sub(now).Round(time.Second))
}

func formatBool(b bool) string {
	if b {
		return text.FgGreen.Sprint("yes")
	}
	return text.FgYellow.Sprint("no")
}
