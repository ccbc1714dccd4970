package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"authsession/internal/authenticate"
	"authsession/internal/config"
	"authsession/pkg/logging"
)

const cliSubsystem = "CLI"

// loadConfig reads the configuration for a CLI invocation. Each command
// runs in its own process, so the memory backend is replaced by file
// storage under the configuration directory.
func loadConfig() (config.Config, string, error) {
	dir := configPath
	if dir == "" {
		var err error
		dir, err = config.DefaultConfigPath()
		if err != nil {
			return config.Config{}, "", err
		}
	}

	cfg, err := config.LoadConfig(dir)
	if err != nil {
		return config.Config{}, "", err
	}

	switch cfg.SessionStorage.Backend {
	case "", config.BackendMemory:
		logging.Debug(cliSubsystem, "Memory storage does not outlive the process, using file storage")
		cfg.SessionStorage.Backend = config.BackendFile
		fallthrough
	case config.BackendFile:
		if cfg.SessionStorage.Dir == "" {
			cfg.SessionStorage.Dir = filepath.Join(dir, "session")
		}
	}
	return cfg, dir, nil
}

// newAuthenticator loads the configuration and returns an initialized
// Authenticator. Callers must Close it.
func newAuthenticator(ctx context.Context, opts ...authenticate.Option) (*authenticate.Authenticator, config.Config, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, config.Config{}, fmt.Errorf("failed to load configuration: %w", err)
	}

	a := authenticate.New(opts...)
	if err := a.Initialize(ctx, cfg); err != nil {
		return nil, config.Config{}, err
	}
	return a, cfg, nil
}

func closeAuthenticator(a *authenticate.Authenticator) {
	if err := a.Close(); err != nil {
		logging.Debug(cliSubsystem, "Failed to close authenticator: %v", err)
	}
}
