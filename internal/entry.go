// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/starford/lexarchive/internal/api"
	"github.com/starford/lexarchive/internal/archive"
	"github.com/starford/lexarchive/internal/catalog"
	"github.com/starford/lexarchive/internal/ingest"
	"github.com/starford/lexarchive/internal/sse"
)

// Run serves the archive over HTTP until ctx is cancelled or a shutdown
// signal arrives.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{version: "dev", updateThrottle: 2 * time.Second}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("archive_path", cfg.ArchivePath()),
		slog.String("output_dir", cfg.Output.Dir),
		slog.String("auth_mode", cfg.Auth.Mode),
		slog.String("log_level", cfg.App.LogLevel.String()))

	arc, err := archive.Open(ctx, cfg.ArchivePath(), archive.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer arc.Close()

	broker := sse.NewBroker(app.updateThrottle)
	defer broker.Close()

	g, gCtx := errgroup.WithContext(ctx)

	launcher := NewLauncher(cfg, arc, logger, IngestOptions{OnEvent: broker.PublishEntry})
	runner := &announcingRunner{Launcher: launcher, broker: broker}

	apiRouter := api.NewRouter(api.Deps{
		Catalog:     catalog.NewService(arc),
		Runner:      runner,
		RunContext:  gCtx,
		Events:      broker,
		AuthEnabled: cfg.Auth.AuthEnabled(),
		Token:       cfg.Auth.Token,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health and metrics endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeHealth(w, http.StatusOK, "ok", app.version)
	})
	r.Get("/health/ready", func(w http.ResponseWriter, req *http.Request) {
		if err := arc.Ping(req.Context()); err != nil {
			writeHealth(w, http.StatusServiceUnavailable, "archive unavailable", app.version)
			return
		}
		writeHealth(w, http.StatusOK, "ok", app.version)
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	// A background run sees gCtx cancelled; wait for it to record where it
	// stopped before the archive closes.
	for launcher.Running() {
		time.Sleep(50 * time.Millisecond)
	}

	logger.Info("Server stopped successfully")
	return nil
}

// errShutdown ends the errgroup so gCtx, and with it any background run,
// is cancelled once the server has stopped.
var errShutdown = errors.New("shutdown")

func writeHealth(w http.ResponseWriter, status int, msg, version string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"status":%q,"version":%q}`, msg, version)
}

// announcingRunner brackets background runs with run.started and
// run.finished events.
type announcingRunner struct {
	*ingest.Launcher
	broker *sse.Broker
}

func (r *announcingRunner) Start(ctx context.Context, req ingest.Request, done func(ingest.Summary, error)) (string, error) {
	id, err := r.Launcher.Start(ctx, req, func(sum ingest.Summary, err error) {
		finished := map[string]any{"run_id": sum.RunID, "total": sum.Total, "counts": sum.Counts}
		if err != nil {
			finished["error"] = err.Error()
		}
		r.broker.Publish(sse.Event{Type: sse.TypeRunFinished, Data: finished})
		if done != nil {
			done(sum, err)
		}
	})
	if err != nil {
		return "", err
	}
	r.broker.Publish(sse.Event{Type: sse.TypeRunStarted, Data: map[string]any{"run_id": id, "manifest": req.Manifest}})
	return id, nil
}
