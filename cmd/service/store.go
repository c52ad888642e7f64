package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kjstillabower/weather-lookup/internal/cache"
	"github.com/kjstillabower/weather-lookup/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// openStore builds the cache store named by cfg.CacheBackend. The database
// backend shares db with the account tables and migrates weather_cache.
func openStore(ctx context.Context, cfg *config.Config, db *gorm.DB, logger *zap.Logger) (cache.Store, error) {
	switch cfg.CacheBackend {
	case "database":
		s := cache.NewGormStore(db)
		if err := s.Migrate(ctx); err != nil {
			return nil, err
		}
		logger.Info("cache backend: database", zap.String("driver", cfg.DatabaseDriver))
		return s, nil
	case "in_memory":
		logger.Info("cache backend: in_memory")
		return cache.NewInMemoryStore(), nil
	case "memcached":
		s, err := cache.NewMemcachedStore(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			return nil, err
		}
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
		return s, nil
	case "redis":
		s, err := cache.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		if err := s.Ping(ctx); err != nil {
			logger.Warn("redis not reachable at startup", zap.Error(err))
		}
		logger.Info("cache backend: redis")
		return s, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}
