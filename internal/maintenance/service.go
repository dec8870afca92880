// Package maintenance provides scheduled maintenance tasks for the cluster store.
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebtf/entmatch/pkg/models"
)

// Pruner is the part of the engine maintenance drives.
type Pruner interface {
	Prune(ctx context.Context) ([]string, error)
	Stats(ctx context.Context) (models.ClusterStats, error)
}

// RunStats reports maintenance activity.
type RunStats struct {
	LastRunTime     time.Time     `json:"last_run_time"`
	LastRunDuration time.Duration `json:"last_run_duration"`
	Runs            int64         `json:"runs"`
	TotalEvicted    int64         `json:"total_evicted"`
	LastError       string        `json:"last_error,omitempty"`
}

// Service periodically evicts clusters down to capacity. Creation already
// enforces the bound; sweeps catch what creation cannot, such as a lowered
// MAX_CLUSTERS or concurrent creators on other instances.
type Service struct {
	log      zerolog.Logger
	pruner   Pruner
	interval time.Duration
	triggerC chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stats    RunStats
	mu       sync.Mutex
	running  bool
	stopped  bool
}

// NewService creates a new maintenance service running every interval.
func NewService(pruner Pruner, interval time.Duration, log zerolog.Logger) *Service {
	return &Service{
		pruner:   pruner,
		interval: interval,
		log:      log.With().Str("component", "maintenance").Logger(),
		triggerC: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the maintenance loop until ctx is done or Stop is called.
// It blocks; run it in a goroutine.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(s.doneCh)
	}()

	var tick <-chan time.Time
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tick = ticker.C
		s.log.Info().Dur("interval", s.interval).Msg("Starting maintenance scheduler")
	} else {
		s.log.Info().Msg("Periodic maintenance disabled, running on demand only")
	}

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Maintenance shutting down due to context cancellation")
			return
		case <-s.stopCh:
			s.log.Info().Msg("Maintenance shutting down due to stop signal")
			return
		case <-tick:
			s.RunOnce(ctx)
		case <-s.triggerC:
			s.RunOnce(ctx)
		}
	}
}

// Trigger requests a run as soon as the loop is free. Extra requests
// made while one is pending are dropped.
func (s *Service) Trigger() {
	select {
	case s.triggerC <- struct{}{}:
	default:
	}
}

// Stop signals the maintenance service to stop.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stopCh)
}

// Wait waits for a started loop to finish.
func (s *Service) Wait() {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		<-s.doneCh
	}
}

// RunOnce executes one eviction sweep and returns the evicted ids.
func (s *Service) RunOnce(ctx context.Context) []string {
	start := time.Now()

	evicted, err := s.pruner.Prune(ctx)

	s.mu.Lock()
	s.stats.LastRunTime = start
	s.stats.LastRunDuration = time.Since(start)
	s.stats.Runs++
	s.stats.TotalEvicted += int64(len(evicted))
	s.stats.LastError = ""
	if err != nil {
		s.stats.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error().Err(err).Int("evicted", len(evicted)).Msg("Maintenance sweep failed")
		return evicted
	}

	ev := s.log.Debug()
	if len(evicted) > 0 {
		ev = s.log.Info()
	}
	if stats, err := s.pruner.Stats(ctx); err == nil {
		ev = ev.Int("clusters", stats.Count).Int("max_clusters", stats.MaxClusters)
	}
	ev.Int("evicted", len(evicted)).Dur("duration", time.Since(start)).Msg("Maintenance sweep completed")

	return evicted
}

// Stats returns a copy of the run statistics.
func (s *Service) Stats() RunStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
