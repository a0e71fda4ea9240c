// Command server runs the learner terminal service: one disposable
// sandbox container per WebSocket connection.
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

	"go.uber.org/zap"

	"github.com/obot-platform/labterm/internal/config"
	"github.com/obot-platform/labterm/internal/database"
	"github.com/obot-platform/labterm/internal/handler"
	"github.com/obot-platform/labterm/internal/image"
	"github.com/obot-platform/labterm/internal/sandbox/docker"
	"github.com/obot-platform/labterm/internal/session"
	"github.com/obot-platform/labterm/internal/store"
)

// startupTimeout bounds reconciliation and journal housekeeping at boot.
const startupTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "labterm: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("failed to migrate journal: %w", err)
	}
	st := store.New(db.DB)

	provider, err := docker.NewProvider(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to docker: %w", err)
	}
	defer provider.Close()

	gate := image.NewGate(provider, cfg.SandboxImage, logger)
	gate.StreamBuildOutput = cfg.BuildProgress

	manager := session.NewManager(provider, gate, st, session.OptionsFromConfig(cfg), logger)

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	if n, err := st.CloseOpenSessions(startCtx, session.StateTerminated.String(), "server restarted"); err != nil {
		logger.Warn("failed to close stale journal entries", zap.Error(err))
	} else if n > 0 {
		logger.Info("closed stale journal entries", zap.Int64("count", n))
	}
	if n, err := manager.Reconcile(startCtx); err != nil {
		logger.Warn("failed to reconcile sandboxes", zap.Error(err))
	} else if n > 0 {
		logger.Info("removed orphaned sandboxes", zap.Int("count", n))
	}
	cancel()

	gate.Warm(ctx)
	if cfg.WatchBuildContext {
		if err := gate.Watch(ctx, cfg.SandboxBuildContext); err != nil {
			logger.Warn("build context watch disabled", zap.Error(err))
		}
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.NewRouter(handler.New(cfg, manager, gate, st, logger)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			zap.String("addr", cfg.ListenAddr),
			zap.String("terminal_path", cfg.TerminalPath),
			zap.String("image", cfg.SandboxImage),
			zap.String("framing", cfg.Framing))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by http.Server, so
	// sessions are closed explicitly.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("session shutdown incomplete", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}
