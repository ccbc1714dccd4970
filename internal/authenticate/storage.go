package authenticate

import (
	"context"
	"fmt"

	"authsession/internal/config"
	"authsession/internal/session"
)

// OpenStorage opens the configured storage backend. The returned close
// function is never nil.
func OpenStorage(ctx context.Context, cfg config.SessionStorageConfig) (session.Storage, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Backend {
	case "", config.BackendMemory:
		return session.NewMemoryStorage(), noop, nil
	case config.BackendFile:
		fs, err := session.NewFileStorage(cfg.Dir)
		if err != nil {
			return nil, nil, err
		}
		return fs, noop, nil
	case config.BackendRedis:
		var opts []session.RedisOption
		if cfg.KeyPrefix != "" {
			opts = append(opts, session.WithKeyPrefix(cfg.KeyPrefix))
		}
		if cfg.TTL > 0 {
			opts = append(opts, session.WithTTL(cfg.TTL))
		}
		rs, err := session.DialRedis(ctx, cfg.RedisAddr, opts...)
		if err != nil {
			return nil, nil, err
		}
		return rs, rs.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
