// Package server assembles the HTTP router and runs it until its context ends.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/tileplane/internal/core/config"
	"github.com/mohammed-shakir/tileplane/internal/core/health"
	"github.com/mohammed-shakir/tileplane/internal/core/middleware"
	"github.com/mohammed-shakir/tileplane/internal/core/router"
)

type Options struct {
	Data router.Deps
	// Metrics is served on /metrics when set.
	Metrics   http.Handler
	Readiness http.HandlerFunc
}

// Handler builds the full route table.
func Handler(logger *slog.Logger, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	if opts.Readiness != nil {
		r.Get("/readyz", opts.Readiness)
	}
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}
	if opts.Data.Logger == nil {
		opts.Data.Logger = logger
	}
	router.Mount(r, opts.Data)
	return r
}

// Run serves h on cfg.Addr and shuts down gracefully when ctx is cancelled.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, h http.Handler) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "err", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}
