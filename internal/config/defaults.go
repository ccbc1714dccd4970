package config

import "time"

const (
	// DefaultCheckSessionInterval is in seconds.
	DefaultCheckSessionInterval = 3

	DefaultWorkerTimeout = 10 * time.Second
	DefaultRefreshLeeway = 10 * time.Second
)

// Default returns the configuration used before config.yaml and the
// environment are applied.
func Default() Config {
	return Config{
		EnablePKCE:           true,
		ResponseMode:         ResponseModeQuery,
		Storage:              "sameThread",
		SessionStorage:       SessionStorageConfig{Backend: BackendMemory},
		CheckSessionInterval: DefaultCheckSessionInterval,
		OriginMatch:          "exact",
		ValidateIDToken:      true,
		WorkerTimeout:        DefaultWorkerTimeout,
		RefreshLeeway:        DefaultRefreshLeeway,
	}
}
