package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"escrowdesk/internal/app"
	"escrowdesk/internal/config"
	"escrowdesk/internal/escrow"
	"escrowdesk/internal/idempotency"
	"escrowdesk/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("idempotency store error", "err", err)
		os.Exit(1)
	}
	defer closeStore()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("ledger session error", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Coordinator.RefreshLists(ctx); err != nil {
		if errors.Is(err, escrow.ErrWrongNetwork) {
			logger.Warn("session is on the wrong network; lists stay empty", "network", a.Session.NetworkID)
		} else {
			logger.Warn("initial list refresh failed", "err", err)
		}
	}

	apiServer := server.NewServer(cfg, server.Deps{
		Coordinator: a.Coordinator,
		Store:       store,
		Ledger:      a.Gateway,
		Events:      a.Publisher,
		Logger:      logger,
	})

	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", "err", err)
	}
}

// openStore prefers Postgres when a DSN is configured so several instances
// share one replay window.
func openStore(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (idempotency.Store, func(), error) {
	if cfg.Service.IdempotencyDSN == "" {
		fs, err := idempotency.NewFileStore(cfg.Service.IdempotencyStorePath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("idempotency store", "kind", "file", "path", cfg.Service.IdempotencyStorePath)
		return fs, func() {}, nil
	}

	pg, err := idempotency.NewPostgresStore(ctx, cfg.Service.IdempotencyDSN)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("idempotency store", "kind", "postgres")

	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := pg.Prune(ctx)
				if err != nil {
					logger.Warn("prune idempotency records", "err", err)
					continue
				}
				logger.Debug("pruned idempotency records", "count", n)
			}
		}
	}()
	return pg, pg.Close, nil
}
