package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/david/grant-discovery/internal/api"
	"github.com/david/grant-discovery/internal/app"
	"github.com/david/grant-discovery/internal/config"
	"github.com/david/grant-discovery/internal/logging"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	log := logging.New(cfg.LogLevel)
	defer log.Sync()
	if err != nil {
		log.Fatal("Invalid configuration", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to start", "error", err)
	}
	defer a.Close()

	if err := a.Model.Ping(ctx); err != nil {
		log.Warn("model endpoint unreachable; discoveries will return unscored records", "host", cfg.Ollama.Host, "error", err)
	}

	srv, err := api.NewServer(a.Orchestrator, a.Store, log.With("component", "api"), api.Options{
		AdminSecret: cfg.AdminSecret,
		StaleAfter:  cfg.Scoring.StaleAfter,
	})
	if err != nil {
		log.Fatal("Failed to build server", "error", err)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Server starting", "port", cfg.Port)
		errCh <- srv.Start(cfg.Port)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server stopped", "error", err)
		}
	case <-ctx.Done():
		log.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown failed", "error", err)
	}
	if err := a.Orchestrator.Shutdown(shutdownCtx); err != nil {
		log.Warn("Abandoned in-flight scoring", "error", err)
	}
}
