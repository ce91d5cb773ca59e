// Package store selects the baseline snapshot store from configuration.
package store

import (
	"fmt"
	"log/slog"

	"github.com/HatiCode/vizbench/cmd/vizbench/config"
	"github.com/HatiCode/vizbench/pkg/storage"
)

// New returns a memory or Redis store. The caller closes the store when it
// implements io.Closer, or stops it when it is a *storage.MemoryStore.
func New(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Storage {
	case "redis":
		s, err := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisTTL)
		if err != nil {
			return nil, fmt.Errorf("redis baseline store: %w", err)
		}
		logger.Info("using redis baseline store", "addr", cfg.RedisAddr, "db", cfg.RedisDB, "ttl", cfg.RedisTTL)
		return s, nil
	case "memory", "":
		if cfg.RedisTTL <= 0 {
			logger.Info("using in-memory baseline store")
			return storage.NewMemoryStore(), nil
		}
		logger.Info("using in-memory baseline store", "ttl", cfg.RedisTTL)
		return storage.NewMemoryStoreWithTTL(cfg.RedisTTL, cfg.RedisTTL/2), nil
	default:
		return nil, fmt.Errorf("unknown storage %q", cfg.Storage)
	}
}
