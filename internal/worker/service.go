// Package worker provides the HTTP service in front of the matching engine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/entmatch/internal/config"
	"github.com/thebtf/entmatch/internal/maintenance"
	"github.com/thebtf/entmatch/internal/matcher"
	"github.com/thebtf/entmatch/internal/store"
	"github.com/thebtf/entmatch/internal/watcher"
)

// Service configuration constants
const (
	// DefaultHTTPTimeout bounds one request, embedding call included.
	DefaultHTTPTimeout = 60 * time.Second

	// DefaultMaxBodySize caps request bodies.
	DefaultMaxBodySize = 4 << 20

	// InitRetryInterval is how often a failed store ping is retried during startup.
	InitRetryInterval = 2 * time.Second

	// PingTimeout bounds a single store ping.
	PingTimeout = 5 * time.Second
)

// Options holds the collaborators of a Service.
type Options struct {
	Version string
	Config  *config.Config
	Engine  *matcher.Engine
	Store   store.VectorStore

	// SettingsPath is watched for live tunable changes. Empty disables the watcher.
	SettingsPath string
}

// Service is the HTTP match service.
type Service struct {
	version string
	config  *config.Config
	engine  *matcher.Engine
	store   store.VectorStore

	// HTTP server
	router    *chi.Mux
	server    *http.Server
	auth      *TokenAuth
	limiter   *PerClientRateLimiter
	startTime time.Time

	// Background eviction sweeps
	maintenance *maintenance.Service

	// Live reload
	settingsPath  string
	configWatcher *watcher.Watcher
	configMu      sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Initialization state
	initMu    sync.RWMutex
	initError error
	ready     atomic.Bool
}

// NewService creates a new service. Nothing listens until Start.
func NewService(opts Options) (*Service, error) {
	if opts.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Service{
		version:      opts.Version,
		config:       cfg,
		engine:       opts.Engine,
		store:        opts.Store,
		router:       chi.NewRouter(),
		auth:         NewTokenAuth(cfg.AuthToken),
		maintenance:  maintenance.NewService(opts.Engine, cfg.MaintenanceInterval, log.Logger),
		settingsPath: opts.SettingsPath,
		startTime:    time.Now(),
		ctx:          ctx,
		cancel:       cancel,
	}
	if cfg.RateLimit > 0 {
		s.limiter = NewPerClientRateLimiter(cfg.RateLimit, cfg.RateBurst)
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// Handler returns the service router.
func (s *Service) Handler() http.Handler {
	return s.router
}

// setupMiddleware configures HTTP middleware.
func (s *Service) setupMiddleware() {
	s.router.Use(middleware.RealIP)
	s.router.Use(RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(DefaultHTTPTimeout))
	s.router.Use(SecurityHeaders)
}

// setupRoutes configures HTTP routes.
func (s *Service) setupRoutes() {
	// Health check (both root and API-prefixed)
	// Returns 200 immediately so orchestrators can see the process during init
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/version", s.handleVersion)

	// Readiness check - returns 200 only when the store is reachable
	s.router.Get("/api/ready", s.handleReady)

	// Routes that require the store to be ready
	s.router.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware)
		if s.limiter != nil {
			r.Use(PerClientRateLimitMiddleware(s.limiter))
		}
		r.Use(s.requireReady)
		r.Use(MaxBodySize(DefaultMaxBodySize))
		r.Use(RequireJSONContentType)

		r.Post("/match", s.handleMatch)
		r.Post("/api/match", s.handleMatch)
		r.Post("/api/prune", s.handlePrune)
		r.Get("/api/stats", s.handleStats)
		r.Get("/api/clusters/{id}", s.handleCluster)
	})
}

// initialize pings the store once and marks the service ready on success.
func (s *Service) initialize(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, PingTimeout)
	defer cancel()

	if err := s.store.Ping(pingCtx); err != nil {
		s.setInitError(fmt.Errorf("ping store: %w", err))
		return err
	}

	s.setInitError(nil)
	s.ready.Store(true)
	log.Info().Msg("Vector store reachable, service ready")
	return nil
}

// initializeAsync retries initialize until it succeeds or the service stops.
func (s *Service) initializeAsync() {
	defer s.wg.Done()
	log.Info().Msg("Starting async initialization...")

	ticker := time.NewTicker(InitRetryInterval)
	defer ticker.Stop()

	for {
		if err := s.initialize(s.ctx); err == nil {
			return
		}
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// setInitError records an initialization error. nil clears it.
func (s *Service) setInitError(err error) {
	s.initMu.Lock()
	s.initError = err
	s.initMu.Unlock()
	if err != nil {
		log.Error().Err(err).Msg("Initialization failed")
	}
}

// GetInitError returns any initialization error.
func (s *Service) GetInitError() error {
	s.initMu.RLock()
	defer s.initMu.RUnlock()
	return s.initError
}

// startWatchers starts the settings file watcher when a path is configured.
func (s *Service) startWatchers() {
	if s.settingsPath == "" {
		return
	}

	configWatcher, err := watcher.New(s.settingsPath, s.reloadConfig)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create config watcher")
		return
	}
	if err := configWatcher.Start(); err != nil {
		log.Warn().Err(err).Str("path", s.settingsPath).Msg("Failed to start config watcher")
		return
	}
	s.configWatcher = configWatcher
	log.Info().Str("path", s.settingsPath).Msg("Config file watcher started")
}

// reloadConfig re-reads the settings file and applies what can change
// without a restart: threshold, capacity, log level and auth token.
func (s *Service) reloadConfig() {
	s.configMu.Lock()
	defer s.configMu.Unlock()

	cfg, err := config.Load(s.settingsPath)
	if err != nil {
		log.Error().Err(err).Str("path", s.settingsPath).Msg("Config reload rejected, keeping current settings")
		return
	}

	t := cfg.Tunables()
	previousMax := s.engine.MaxClusters()
	if err := s.engine.SetThreshold(t.SimilarityThreshold); err != nil {
		log.Error().Err(err).Msg("Config reload: invalid threshold")
		return
	}
	if err := s.engine.SetMaxClusters(t.MaxClusters); err != nil {
		log.Error().Err(err).Msg("Config reload: invalid max clusters")
		return
	}
	if t.MaxClusters < previousMax {
		s.maintenance.Trigger()
	}
	s.auth.SetToken(cfg.AuthToken)
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if cfg.StoreBackend != s.config.StoreBackend || cfg.Embedding != s.config.Embedding || cfg.Port != s.config.Port {
		log.Warn().Msg("Store, embedding and port settings changed; restart to apply")
	}

	log.Info().
		Float64("similarity_threshold", t.SimilarityThreshold).
		Int("max_clusters", t.MaxClusters).
		Msg("Config reloaded")
}

// Start starts listening. The store is pinged in the background and
// routes that need it answer 503 until it responds.
func (s *Service) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()
	go s.initializeAsync()
	go func() {
		defer s.wg.Done()
		s.maintenance.Start(s.ctx)
	}()

	s.startWatchers()

	log.Info().
		Int("port", s.config.Port).
		Int("pid", os.Getpid()).
		Str("version", s.version).
		Msg("Match service started (initialization in progress)")

	return nil
}

// Shutdown gracefully shuts down the service and closes the store.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()

	if s.configWatcher != nil {
		_ = s.configWatcher.Stop()
	}
	s.maintenance.Stop()

	var errs []error
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
			errs = append(errs, err)
		}
	}

	s.wg.Wait()

	if err := s.store.Close(); err != nil {
		log.Error().Err(err).Msg("Store close error")
		errs = append(errs, err)
	}

	log.Info().Msg("Match service shutdown complete")
	return errors.Join(errs...)
}
