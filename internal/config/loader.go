package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"authsession/pkg/logging"
)

const (
	userConfigDir  = ".config/authsession"
	configFileName = "config.yaml"

	// EnvPrefix prefixes every environment variable read by LoadConfig.
	EnvPrefix = "AUTHSESSION_"
)

// DefaultConfigPath returns ~/.config/authsession.
func DefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine user config directory: %w", err)
	}
	return filepath.Join(homeDir, userConfigDir), nil
}

// LoadConfig loads config.yaml from configPath over the defaults and then
// applies AUTHSESSION_* environment variables. A missing file is not an
// error. The result is not validated.
func LoadConfig(configPath string) (Config, error) {
	configFilePath := filepath.Join(configPath, configFileName)
	config := Default()

	// #nosec G304 -- the path is chosen by the user
	data, err := os.ReadFile(configFilePath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logging.Info("ConfigLoader", "No config.yaml found at %s, using defaults", configFilePath)
	case err != nil:
		logging.Info("ConfigLoader", "Error loading config.yaml from %s: %s", configFilePath, err)
		return Config{}, err
	default:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return Config{}, fmt.Errorf("error loading config from %s: %w", configFilePath, err)
		}
		logging.Info("ConfigLoader", "Loaded configuration from %s", configFilePath)
	}

	if err := ApplyEnv(&config); err != nil {
		return Config{}, err
	}
	return config, nil
}

// ApplyEnv overlays AUTHSESSION_* environment variables onto config. Unset
// variables leave the current values untouched.
func ApplyEnv(config *Config) error {
	if err := env.ParseWithOptions(config, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
