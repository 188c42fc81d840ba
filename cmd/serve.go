package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/promptops/cursord/internal/dispatch"
	"github.com/promptops/cursord/internal/log"
	"github.com/promptops/cursord/internal/server"
	"github.com/promptops/cursord/internal/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the cursord HTTP server",
	Long: `Run the automation server. It accepts jobs over HTTP, drives the worker
CLI under supervision, and reports results synchronously or via webhook.

Example:
  cursord serve                    # Listen on the configured address
  cursord serve --addr :8080       # Override the listen address`,
	RunE: runServe,
}

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Address to listen on (overrides config)")
}

func runServe(_ *cobra.Command, _ []string) error {
	cleanup, err := initLogging()
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer cleanup()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	provider, err := tracing.NewProvider(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		FilePath:     cfg.Tracing.FilePath,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	var tracer trace.Tracer
	if provider.Enabled() {
		tracer = provider.Tracer()
	}

	s, err := buildStack(cfg, tracer)
	if err != nil {
		return err
	}
	defer s.close()

	handler := server.NewHandler(server.HandlerConfig{
		Orchestrator: s.orch,
		Dispatcher:   dispatch.New(cfg.WebhookSecret),
		Runner:       s.runner,
		Store:        s.store,
		Jobs:         s.jobs,
	})

	addr := serveAddr
	if addr == "" {
		addr = cfg.Addr
	}

	srv, err := server.NewServer(server.ServerConfig{
		Addr:    addr,
		Handler: handler,
		Tracer:  tracer,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	fmt.Printf("cursord listening on port %d\n", srv.Port())
	fmt.Println("Press Ctrl+C to stop")

	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error(log.CatHTTP, "Error stopping API server", "error", err)
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		log.Error(log.CatTrace, "Error shutting down tracing", "error", err)
	}

	fmt.Println("Server stopped")
	return nil
}
