package callback

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
)

var openers = map[string][]string{
	"linux":   {"xdg-open"},
	"freebsd": {"xdg-open"},
	"darwin":  {"open"},
	"windows": {"rundll32", "url.dll,FileProtocolHandler"},
}

// OpenBrowser starts the user's browser on url and returns without waiting.
// $BROWSER takes precedence over the platform default.
func OpenBrowser(url string) error {
	argv := browserCommand(runtime.GOOS, os.Getenv("BROWSER"))
	if argv == nil {
		return fmt.Errorf("no browser launcher for %s; open the URL manually", runtime.GOOS)
	}
	args := append(append([]string{}, argv[1:]...), url)
	cmd := exec.Command(argv[0], args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to open browser: %w", err)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

func browserCommand(goos, env string) []string {
	if env != "" {
		return []string{env}
	}
	return openers[goos]
}
