package main

import (
	"context"
	"os"

	"walletledger/internal/config"
	"walletledger/internal/log"
	"walletledger/internal/store"
)

// Usage: migrate [up|down]. Without an argument the schema is moved up.
func main() {
	cfg := config.Load()
	logger := log.New(log.Config{
		Level:     log.ParseLevel(cfg.LogLevel),
		Component: log.ComponentStore,
		Format:    cfg.LogFormat,
		Output:    os.Stdout,
	})

	dir := store.Up
	if len(os.Args) > 1 {
		dir = store.Direction(os.Args[1])
	}
	if err := store.Migrate(cfg.DatabaseURL, dir); err != nil {
		logger.Failure(context.Background(), log.OpMigrate, err, "direction", dir)
		os.Exit(1)
	}
	logger.Info("migrations applied", "direction", dir)
}
