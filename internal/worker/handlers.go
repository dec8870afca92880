package worker

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/entmatch/internal/embedding"
	"github.com/thebtf/entmatch/internal/maintenance"
	"github.com/thebtf/entmatch/internal/matcher"
	"github.com/thebtf/entmatch/internal/store"
	"github.com/thebtf/entmatch/pkg/models"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// handleHealth handles health check requests.
// Returns 200 as soon as the process serves HTTP, with status reflecting init.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{
		"status":  "starting",
		"version": s.version,
	}
	if s.ready.Load() {
		resp["status"] = "ready"
	} else if err := s.GetInitError(); err != nil {
		resp["status"] = "error"
		resp["error"] = err.Error()
	}
	writeJSON(w, resp)
}

// handleVersion returns the service version.
func (s *Service) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"version": s.version})
}

// handleReady returns 200 only when the store answers a ping right now.
func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		if err := s.GetInitError(); err != nil {
			http.Error(w, "store unavailable: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "service initializing", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), PingTimeout)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]string{"status": "ready"})
}

// requireReady is middleware that returns 503 until the store was reached once.
func (s *Service) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			http.Error(w, "service initializing", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// MatchRequest is the body of POST /match.
type MatchRequest struct {
	Entities []string `json:"entities"`
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, matcher.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, embedding.ErrEmbedderFailure):
		return http.StatusBadGateway
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs err and writes it as a plain-text response.
// Internal errors are not echoed to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}

	ev := log.Warn()
	if status >= http.StatusInternalServerError {
		ev = log.Error()
	}
	ev.Err(err).
		Str("request_id", GetRequestID(r.Context())).
		Int("status", status).
		Str("path", r.URL.Path).
		Msg("Request failed")

	http.Error(w, msg, status)
}

// handleMatch assigns a batch of mentions to clusters.
func (s *Service) handleMatch(w http.ResponseWriter, r *http.Request) {
	var req MatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, err)
			return
		}
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	start := time.Now()
	result, err := s.engine.Match(r.Context(), req.Entities)
	if err != nil {
		writeError(w, r, err)
		return
	}

	log.Debug().
		Str("request_id", GetRequestID(r.Context())).
		Int("mentions", len(req.Entities)).
		Int("clusters", len(result.Clusters)).
		Int("created", result.Created()).
		Dur("took", time.Since(start)).
		Msg("Match complete")

	writeJSON(w, result)
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	Clusters    models.ClusterStats  `json:"clusters"`
	Maintenance maintenance.RunStats `json:"maintenance"`
	RateLimit   map[string]any       `json:"rate_limit,omitempty"`
	Uptime      string               `json:"uptime"`
	Version     string               `json:"version"`
}

// handleStats summarizes the cluster population.
func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := StatsResponse{
		Clusters:    stats,
		Maintenance: s.maintenance.Stats(),
		Uptime:      time.Since(s.startTime).Round(time.Second).String(),
		Version:     s.version,
	}
	if s.limiter != nil {
		resp.RateLimit = s.limiter.Stats()
	}
	writeJSON(w, resp)
}

// ClusterResponse is the body of GET /api/clusters/{id}.
type ClusterResponse struct {
	ID      string   `json:"id"`
	Size    int      `json:"size"`
	Members []string `json:"members"`
}

// handleCluster returns one cluster's members.
func (s *Service) handleCluster(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, found, err := s.engine.Cluster(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !found {
		http.Error(w, "cluster not found", http.StatusNotFound)
		return
	}

	writeJSON(w, ClusterResponse{ID: rec.ID, Size: rec.Size(), Members: rec.Members})
}

// handlePrune runs an eviction pass down to the configured capacity.
func (s *Service) handlePrune(w http.ResponseWriter, r *http.Request) {
	evicted, err := s.engine.Prune(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if evicted == nil {
		evicted = []string{}
	}
	writeJSON(w, map[string]any{"evicted": evicted})
}
