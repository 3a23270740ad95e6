// Package main implements the entry point for the gateway server: it
// parses configuration, opens the configuration store and shared fast
// store, wires the core managers into a corectx.CoreContext, mounts the
// HTTP surface, and serves until a termination signal arrives.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Laisky/zap"

	"github.com/relaygate/gateway/internal/config"
	"github.com/relaygate/gateway/internal/corectx"
	"github.com/relaygate/gateway/internal/httpclient"
	"github.com/relaygate/gateway/internal/logger"
	"github.com/relaygate/gateway/internal/metrics"
	"github.com/relaygate/gateway/internal/model"
	"github.com/relaygate/gateway/internal/router"
	"github.com/relaygate/gateway/internal/tracing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logger.Logger.Error("gateway exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	if err := model.InitDB(); err != nil {
		// A fatal config error on boot (e.g. production with a
		// non-PostgreSQL DSN) exits non-zero rather than degrading.
		return fmt.Errorf("init configuration store: %w", err)
	}
	if err := httpclient.Init(); err != nil {
		return fmt.Errorf("init upstream http client: %w", err)
	}

	shutdownTracing, err := tracing.Init(ctx, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	metrics.MustRegister()

	cc, err := corectx.New(ctx)
	if err != nil {
		return fmt.Errorf("build core context: %w", err)
	}
	defer func() {
		if err := cc.Redis.Close(); err != nil {
			logger.Logger.Warn("redis close failed", zap.Error(err))
		}
	}()

	engine := router.New(cc)

	srv := &http.Server{
		Addr:              config.ListenAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Logger.Info("gateway listening", zap.String("addr", config.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}
