package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Celdrick/mydocker/internal/config"
	"github.com/Celdrick/mydocker/internal/engine"
	"github.com/Celdrick/mydocker/internal/mover"
	"github.com/Celdrick/mydocker/internal/server"
)

var serveListen string

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook and status HTTP server",
		Long: `Start the HTTP server. POST /api/images enqueues references with the
webhook policy; /api/status, /api/pending and /api/pushed report the queue;
POST /api/sync runs a sync for one target and /metrics exposes Prometheus
metrics.

By default, the server listens on the address configured in the config file
(default: 0.0.0.0:8080). Use --listen to override.`,
		Example: `  imagesync serve
  imagesync serve --listen 127.0.0.1:9000`,
		RunE: serveRun,
	}

	cmd.Flags().StringVar(&serveListen, "listen", "", "address to listen on (host:port)")

	return cmd
}

func serveRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}

	listen := serveListen
	if listen == "" {
		listen = globalCfg.Server.Listen
	}

	srv := newServer(globalCfg)
	logger.Info("server starting", "listen", listen, "targets", globalCfg.TargetNames())

	errChan := make(chan error, 1)

	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "Starting server on %s...\n", listen)
		if err := srv.Start(listen); err != nil {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
		fmt.Fprintln(cmd.OutOrStdout(), "\nShutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Server stopped gracefully")
	}

	return nil
}

// newServer wires the webhook enqueuer and, when a mover can be built, the
// sync pipeline.
func newServer(cfg *config.Config) *server.Server {
	enq := engine.NewEnqueuer(globalStore, config.ProducerWebhook, cfg.Policy(config.ProducerWebhook), cfg.Sync.DefaultPlatform, logger)

	var pipe *engine.Pipeline
	if mv, err := mover.New(cfg.Sync, logger); err != nil {
		logger.Warn("sync endpoints disabled", "error", err)
	} else {
		pipe = engine.NewPipeline(globalStore, mv, engine.PipelineOptions{
			Workers: cfg.Sync.Workers,
			Targets: targetHosts(cfg),
		}, logger)
	}

	return server.NewServer(enq, pipe, globalStore, cfg, logger)
}
