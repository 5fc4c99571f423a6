package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/gorilla/handlers"
	"github.com/mcclellann/loanservicing/pkg/config"
	"github.com/mcclellann/loanservicing/pkg/logger"
	"github.com/mcclellann/loanservicing/pkg/store"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "loanservicing: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := logger.Init(cfg.Logging.Level); err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer logger.Sync()

	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("invalid servicing timezone %q: %w", cfg.Servicing.Timezone, err)
	}

	sqliteStore, err := store.NewSQLiteStore(cfg.Database.Path, cfg.Database.BusyTimeoutMs)
	if err != nil {
		return fmt.Errorf("failed to initialize SQLite store: %w", err)
	}
	defer sqliteStore.Close()

	server := NewServer(sqliteStore, loc)
	handler := handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(
		handlers.CombinedLoggingHandler(os.Stdout, server.routes()),
	)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server starting",
			zap.String("addr", httpServer.Addr),
			zap.String("timezone", loc.String()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
