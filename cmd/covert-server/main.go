// Command covert-server runs the Covert secrets server: load configuration,
// wire the dependency graph, mount the logical-request pipeline at "/v1",
// and serve until an interrupt or terminate signal asks for a graceful
// shutdown. Grounded on covert-server/src/main.rs's startup/shutdown
// sequence.
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

	"github.com/covertsh/covert/internal/config"
	"github.com/covertsh/covert/internal/core"
	"github.com/covertsh/covert/internal/httpserver"
	"github.com/covertsh/covert/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	metrics := telemetry.NewMetricsRegistry()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := core.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("assembling server: %w", err)
	}

	httpSrv := httpserver.NewServer(cfg, logger, metrics, srv.Ready)
	httpSrv.Mount("/v1", srv.Pipeline)

	requestTimeout, err := time.ParseDuration(cfg.RequestTimeout)
	if err != nil {
		return fmt.Errorf("parsing request timeout: %w", err)
	}

	listener := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      http.MaxBytesHandler(httpSrv, cfg.MaxBodyBytes),
		ReadTimeout:  requestTimeout,
		WriteTimeout: requestTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr())
		if err := listener.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serving: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv.Shutdown(shutdownCtx)
	if err := listener.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}
