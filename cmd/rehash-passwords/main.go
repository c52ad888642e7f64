// Command rehash-passwords replaces plaintext passwords left by older
// deployments with pbkdf2 hashes. It is safe to run more than once.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-lookup/internal/account"
	"github.com/kjstillabower/weather-lookup/internal/config"
	"github.com/kjstillabower/weather-lookup/internal/database"
	"github.com/kjstillabower/weather-lookup/internal/observability"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	db, err := database.Open(database.Config{
		Driver:       cfg.DatabaseDriver,
		DSN:          cfg.DatabaseDSN,
		MaxOpenConns: cfg.DatabaseMaxOpenConns,
		MaxIdleConns: cfg.DatabaseMaxIdleConns,
	}, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer func() {
		if err := database.Close(db); err != nil {
			logger.Error("database close", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	accounts := account.NewService(db, cfg.SessionTTL, logger)
	if err := accounts.Migrate(ctx); err != nil {
		logger.Fatal("account migration", zap.Error(err))
	}
	n, err := accounts.RehashLegacyPasswords(ctx)
	if err != nil {
		logger.Fatal("rehash passwords", zap.Error(err), zap.Int("rehashed", n))
	}
	logger.Info("rehash complete", zap.Int("rehashed", n))
}
