package worker

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// clientLimiter is the token bucket of one client.
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// PerClientRateLimiter implements per-client rate limiting.
type PerClientRateLimiter struct {
	lastCleanup     time.Time
	clients         map[string]*clientLimiter
	now             func() time.Time
	rate            rate.Limit
	burst           int
	cleanupInterval time.Duration
	maxIdleTime     time.Duration
	requests        atomic.Int64
	rejected        atomic.Int64
	mu              sync.Mutex
}

// NewPerClientRateLimiter creates a limiter allowing perSecond requests
// per second per client with the given burst.
func NewPerClientRateLimiter(perSecond float64, burst int) *PerClientRateLimiter {
	return &PerClientRateLimiter{
		rate:            rate.Limit(perSecond),
		burst:           max(burst, 1),
		clients:         make(map[string]*clientLimiter),
		cleanupInterval: 5 * time.Minute,
		maxIdleTime:     10 * time.Minute,
		now:             time.Now,
		lastCleanup:     time.Now(),
	}
}

// getLimiter returns the limiter for the given client key.
func (pcrl *PerClientRateLimiter) getLimiter(key string) *rate.Limiter {
	pcrl.mu.Lock()
	defer pcrl.mu.Unlock()

	now := pcrl.now()
	if now.Sub(pcrl.lastCleanup) > pcrl.cleanupInterval {
		pcrl.cleanupLocked(now)
	}

	c, exists := pcrl.clients[key]
	if !exists {
		c = &clientLimiter{limiter: rate.NewLimiter(pcrl.rate, pcrl.burst)}
		pcrl.clients[key] = c
	}
	c.lastSeen = now

	return c.limiter
}

// cleanupLocked removes idle clients. Must be called with lock held.
func (pcrl *PerClientRateLimiter) cleanupLocked(now time.Time) {
	for key, c := range pcrl.clients {
		if now.Sub(c.lastSeen) > pcrl.maxIdleTime {
			delete(pcrl.clients, key)
		}
	}
	pcrl.lastCleanup = now
}

// Allow checks if a request from the given client should be allowed.
func (pcrl *PerClientRateLimiter) Allow(clientKey string) bool {
	pcrl.requests.Add(1)
	if pcrl.getLimiter(clientKey).Allow() {
		return true
	}
	pcrl.rejected.Add(1)
	return false
}

// Stats returns aggregate statistics.
func (pcrl *PerClientRateLimiter) Stats() map[string]any {
	pcrl.mu.Lock()
	activeClients := len(pcrl.clients)
	pcrl.mu.Unlock()

	return map[string]any{
		"rate":           float64(pcrl.rate),
		"burst":          pcrl.burst,
		"active_clients": activeClients,
		"total_requests": pcrl.requests.Load(),
		"total_rejected": pcrl.rejected.Load(),
	}
}

// clientKey identifies the caller. RealIP has already rewritten RemoteAddr
// when the request came through a proxy.
func clientKey(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// PerClientRateLimitMiddleware creates middleware that applies per-client rate limiting.
func PerClientRateLimitMiddleware(limiter *PerClientRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(clientKey(r)) {
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
