// Package main is the entry point for the sitepay-core server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Connect to PostgreSQL via pgxpool and apply embedded migrations.
//  3. Build the event bus, module registry, and insurance store.
//  4. Create the service, rehydrating in-memory state from the database.
//  5. Start the HTTP server (:8080).
//  6. Wait for SIGINT/SIGTERM, then gracefully shut down.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sitepay/core/internal/bus"
	"github.com/sitepay/core/internal/config"
	"github.com/sitepay/core/internal/insurance"
	"github.com/sitepay/core/internal/logging"
	"github.com/sitepay/core/internal/metrics"
	"github.com/sitepay/core/internal/middleware"
	"github.com/sitepay/core/internal/registry"
	"github.com/sitepay/core/internal/repository"
	"github.com/sitepay/core/internal/server"
	"github.com/sitepay/core/internal/service"
	"github.com/sitepay/core/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := runMigrations(pool); err != nil {
		return err
	}

	repo := repository.NewPostgresRepository(pool, repository.WithEventBatchSize(cfg.EventBatchSize))

	m := metrics.New()
	metrics.RegisterPoolMetrics(m.Registry, pool)

	eventBus := bus.New(
		bus.WithLogger(log),
		bus.WithPublishHook(func(kind bus.Kind) { m.RecordBusPublish(string(kind)) }),
		bus.WithPanicHook(func(kind bus.Kind) { m.RecordBusPanic(string(kind)) }),
	)

	moduleRegistry, err := registry.New(eventBus, registry.Catalog())
	if err != nil {
		return fmt.Errorf("init registry: %w", err)
	}

	claims, err := insurance.NewStore(eventBus)
	if err != nil {
		return fmt.Errorf("init insurance store: %w", err)
	}

	svc, err := service.New(ctx, moduleRegistry, claims, eventBus, repo,
		service.WithLogger(log),
		service.WithMetricsHooks(m.ServiceHooks()),
		service.WithResyncInterval(cfg.StateResyncInterval),
	)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	apiHandler := server.NewHTTPHandler(svc,
		server.WithStreamPollInterval(cfg.StreamPollInterval),
		server.WithMaxJSONBodyBytes(cfg.MaxJSONBodySize),
		server.WithMetricsHandler(m.Handler()),
		server.WithRequestMetrics(m.RecordHTTPRequest),
	)
	httpHandler := middleware.HTTPRequestLogging(log)(apiHandler)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(httpHandler, "sitepay-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()

	log.Info("server started", "http_addr", cfg.HTTPAddr)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	return serveErr
}
