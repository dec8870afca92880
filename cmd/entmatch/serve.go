package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/thebtf/entmatch/internal/worker"
)

// ShutdownTimeout bounds graceful shutdown.
const ShutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP match service",
		Long:  "Start the HTTP service exposing POST /match, health, stats and cluster lookups",
		RunE:  runServe,
	}
	cmd.Flags().Int("port", 0, "HTTP port (overrides ENTMATCH_PORT)")
	cmd.Flags().Bool("no-watch", false, "Do not reload tunables when the settings file changes")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Port = port
	}
	if noWatch, _ := cmd.Flags().GetBool("no-watch"); noWatch {
		path = ""
	}

	log.Info().Str("version", Version).Msg("Starting entmatch")

	// The first store connection must succeed. Later outages surface as 503s.
	a, err := newApp(cmd.Context(), cfg, path)
	if err != nil {
		return err
	}

	svc, err := worker.NewService(worker.Options{
		Version:      Version,
		Config:       cfg,
		Engine:       a.engine,
		Store:        a.store,
		SettingsPath: path,
	})
	if err != nil {
		a.close()
		return err
	}

	if err := svc.Start(); err != nil {
		a.close()
		return err
	}

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Received shutdown signal")

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	// The service closes the store.
	if err := svc.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Shutdown error")
	}
	if err := a.model.Close(); err != nil {
		log.Error().Err(err).Msg("Embedding model close error")
	}

	log.Info().Msg("entmatch shutdown complete")
	return nil
}
