package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"walletledger/internal/config"
	"walletledger/internal/db"
	"walletledger/internal/events"
	"walletledger/internal/handlers"
	"walletledger/internal/ledger"
	"walletledger/internal/log"
	"walletledger/internal/services"
	"walletledger/internal/store"
	"walletledger/internal/websocket"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load()
	logger := log.New(log.Config{
		Level:     log.ParseLevel(cfg.LogLevel),
		Component: log.ComponentApp,
		Format:    cfg.LogFormat,
		Output:    os.Stdout,
	})
	log.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Failure(context.Background(), log.OpStartup, err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Failure(context.Background(), log.OpShutdown, err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *log.Logger) error {
	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
		return err
	}

	protocol := ledger.New(strategy(cfg, database, logger), ledger.Config{
		MaxAttempts: cfg.CASMaxAttempts,
		BaseBackoff: cfg.CASBaseBackoff,
		Timeout:     cfg.MutationTimeout,
		Logger:      logger,
	})

	hub := websocket.NewHub()
	protocol.Observe(hub)
	if cfg.AMQPURL != "" {
		publisher, err := events.Dial(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			return err
		}
		defer publisher.Close()
		protocol.Observe(publisher)
	}

	svc := services.New(protocol, store.NewBackend(database), services.Options{
		Logger:           logger,
		DefaultCurrency:  cfg.DefaultCurrency,
		ConflictAttempts: cfg.CASMaxAttempts,
		ConflictBackoff:  cfg.CASBaseBackoff,
		SweepConcurrency: cfg.SweepConcurrency,
	})

	handler := handlers.New(cfg, svc, protocol, hub, logger)
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Mutations abandoned by a previous process are rolled forward first.
	if n, err := protocol.ReconcileAll(ctx); err != nil {
		logger.Failure(ctx, log.OpReconcile, err, log.FieldCount, n)
	} else if n > 0 {
		logger.InfoContext(ctx, "reconciled unresolved mutations", log.FieldCount, n)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.InfoContext(ctx, "wallet ledger API listening", "addr", server.Addr, "strategy", cfg.LedgerStrategy)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return svc.Sweeper.Run(ctx, cfg.SweepInterval)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("server stopped")
	return nil
}

func strategy(cfg config.Config, database *sqlx.DB, logger *log.Logger) ledger.Strategy {
	if cfg.LedgerStrategy == config.StrategyCompensating {
		return ledger.NewCompensatingStrategy(store.NewBackend(database), logger)
	}
	return ledger.NewTransactionStrategy(db.NewTxRunner(database), store.InTx)
}
