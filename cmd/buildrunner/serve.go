package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"buildrunner/internal/api"
	"buildrunner/internal/config"
	"buildrunner/internal/engine/jenkins"
	"buildrunner/internal/events"
	"buildrunner/internal/logger"
	"buildrunner/internal/runner"
	"buildrunner/internal/service"
	"buildrunner/internal/storage"
)

// Use 30 seconds to allow waiting requests and runs to finish
const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "start the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.ValidateForServe(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func runnerConfig(c *config.Config) runner.Config {
	return runner.Config{
		PollInterval:   c.Runner.PollIntervalDuration(),
		QueueTimeout:   c.Runner.QueueTimeoutDuration(),
		BuildTimeout:   c.Runner.BuildTimeoutDuration(),
		MonitorConsole: c.Runner.MonitorConsole,
	}
}

func serve(ctx context.Context, c *config.Config) error {
	log := logger.Get()
	log.InfoContext(ctx, "Starting buildrunner service", "version", api.Version)

	store, err := storage.Open(c.Database.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("Failed to close database connection", "error", err)
		}
	}()

	publisher, err := events.New(c.Events)
	if err != nil {
		return fmt.Errorf("initialize events: %w", err)
	}
	defer publisher.Close()

	client := jenkins.NewClient(c.Jenkins)
	runs := service.NewManager(client, service.Options{
		Runner:    runnerConfig(c),
		MaxRuns:   c.Server.MaxRuns,
		Publisher: publisher,
		Recorder:  store,
	})
	defer runs.Close()

	router := api.NewRouter(*c, jenkins.NewTrigger(client), runs, store)

	port := c.Server.Port
	if envPort := os.Getenv("PORT"); envPort != "" {
		if p, err := strconv.Atoi(envPort); err == nil && p > 0 {
			port = p
		}
	}

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", c.Server.Host, port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Server listening", "addr", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	log.Info("Initiating graceful shutdown", "timeout", shutdownTimeout.String())
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err, "timeout", shutdownTimeout.String())
	} else {
		log.Info("Server shutdown gracefully")
	}
	return nil
}
