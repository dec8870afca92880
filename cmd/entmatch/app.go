package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm/logger"

	"github.com/thebtf/entmatch/internal/config"
	"github.com/thebtf/entmatch/internal/embedding"
	"github.com/thebtf/entmatch/internal/matcher"
	"github.com/thebtf/entmatch/internal/store"
	"github.com/thebtf/entmatch/internal/store/memory"
	"github.com/thebtf/entmatch/internal/store/postgres"
	"github.com/thebtf/entmatch/internal/store/redis"
)

// app holds the wired components shared by every command.
type app struct {
	cfg          *config.Config
	settingsPath string
	store        store.VectorStore
	model        embedding.EmbeddingModel
	engine       *matcher.Engine
}

// settingsPath resolves the --config flag, falling back to the environment.
func settingsPath(cmd *cobra.Command) string {
	if p, _ := cmd.Flags().GetString("config"); p != "" {
		return p
	}
	return config.SettingsPath()
}

// loadConfig reads settings and configures logging.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path := settingsPath(cmd)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if err := setupLogging(os.Stderr, cfg.LogLevel); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// setupLogging points the global logger at w, as console output on terminals.
func setupLogging(w io.Writer, level string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("%s: %w", config.KeyLogLevel, err)
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	return nil
}

// newApp wires store, embedding model and engine from cfg.
func newApp(ctx context.Context, cfg *config.Config, path string) (*app, error) {
	model, err := embedding.GetModel(cfg.Embedding.Provider, embedding.Options{
		BaseURL:    cfg.Embedding.BaseURL,
		APIKey:     cfg.Embedding.APIKey,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		Timeout:    cfg.Embedding.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding model: %w", err)
	}

	s, err := openStore(ctx, cfg, model.Dimensions())
	if err != nil {
		_ = model.Close()
		return nil, err
	}

	engine, err := matcher.New(s, model, matcher.Config{
		Threshold:        cfg.SimilarityThreshold,
		MaxClusters:      cfg.MaxClusters,
		MaxBatchSize:     cfg.MaxBatchSize,
		MaxMentionTokens: cfg.MaxMentionTokens,
	})
	if err != nil {
		_ = s.Close()
		_ = model.Close()
		return nil, err
	}

	log.Info().
		Str("store", cfg.StoreBackend).
		Str("embedding", model.Name()).
		Int("dimensions", model.Dimensions()).
		Float64("similarity_threshold", cfg.SimilarityThreshold).
		Int("max_clusters", cfg.MaxClusters).
		Msg("Engine ready")

	return &app{cfg: cfg, settingsPath: path, store: s, model: model, engine: engine}, nil
}

// openStore connects the configured backend.
func openStore(ctx context.Context, cfg *config.Config, dimensions int) (store.VectorStore, error) {
	switch cfg.StoreBackend {
	case config.BackendRedis:
		return redis.New(ctx, redis.Config{
			Host:      cfg.Redis.Host,
			Port:      cfg.Redis.Port,
			DB:        cfg.Redis.DB,
			Password:  cfg.Redis.Password,
			Namespace: cfg.Redis.Namespace,
			MaxIdle:   cfg.Redis.MaxIdle,
			Timeout:   cfg.Redis.Timeout,
		})
	case config.BackendPostgres:
		lvl := logger.Silent
		if zerolog.GlobalLevel() <= zerolog.DebugLevel {
			lvl = logger.Info
		}
		return postgres.New(ctx, postgres.Config{
			DSN:        cfg.Postgres.DSN,
			MaxConns:   cfg.Postgres.MaxConns,
			Dimensions: dimensions,
			LogLevel:   lvl,
		})
	case config.BackendMemory:
		log.Warn().Msg("Using in-memory store: clusters are lost on exit and not shared between instances")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// close releases the store and the model.
func (a *app) close() {
	if err := a.store.Close(); err != nil {
		log.Error().Err(err).Msg("Store close error")
	}
	if err := a.model.Close(); err != nil {
		log.Error().Err(err).Msg("Embedding model close error")
	}
}

// withApp loads config, wires the app, runs fn and cleans up.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg, path)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}
