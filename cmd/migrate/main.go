// Command migrate applies or rolls back the embedded schema migrations.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/iliyamo/devauth/internal/config"
	"github.com/iliyamo/devauth/internal/database"
	"github.com/iliyamo/devauth/internal/logger"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up or down")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	policy := database.RetryPolicy{Attempts: uint(cfg.DBRetryAttempts), Backoff: cfg.DBRetryBackoff}
	db, err := database.Open(context.Background(), cfg.DBDriver, cfg.DSN(), cfg.DBMaxConns, policy)
	if err != nil {
		log.Fatal("open database", zap.Error(err))
	}
	defer db.Close()

	if err := database.Migrate(db, *direction); err != nil && !errors.Is(err, database.ErrNoChange) {
		log.Fatal("migrate", zap.String("direction", *direction), zap.Error(err))
	}
	log.Info("migrations done", zap.String("direction", *direction), zap.String("driver", cfg.DBDriver))
}
