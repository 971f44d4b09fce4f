package gateway

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/basket/flowrt/internal/config"
)

// hostLimiter is the upgrade allowance of one remote host.
type hostLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimitMiddleware bounds WebSocket upgrades per remote host.
type RateLimitMiddleware struct {
	enabled bool
	limit   rate.Limit
	burst   int

	mu    sync.Mutex
	hosts map[string]*hostLimiter
}

// NewRateLimitMiddleware creates a rate limit middleware from config.
// Zero values default to 60 upgrades per minute with a burst of 10.
func NewRateLimitMiddleware(cfg config.RateLimitConfig) *RateLimitMiddleware {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = 10
	}
	return &RateLimitMiddleware{
		enabled: cfg.Enabled,
		limit:   rate.Limit(float64(rpm) / 60.0),
		burst:   burst,
		hosts:   make(map[string]*hostLimiter),
	}
}

// Allow consumes one upgrade from host's allowance.
func (rl *RateLimitMiddleware) Allow(host string) bool {
	now := time.Now()
	rl.mu.Lock()
	h, ok := rl.hosts[host]
	if !ok {
		h = &hostLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.hosts[host] = h
	}
	h.lastAccess = now
	rl.mu.Unlock()
	return h.limiter.AllowN(now, 1)
}

// StartEviction periodically removes hosts idle for longer than maxAge
// until ctx ends.
func (rl *RateLimitMiddleware) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

// EvictStale removes hosts that haven't been seen within maxAge.
func (rl *RateLimitMiddleware) EvictStale(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	evicted := 0
	for host, h := range rl.hosts {
		if h.lastAccess.Before(cutoff) {
			delete(rl.hosts, host)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(rl.hosts))
	}
}

// BucketCount returns the number of tracked hosts.
func (rl *RateLimitMiddleware) BucketCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.hosts)
}

// Wrap wraps an http.Handler with rate limiting.
func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	if !rl.enabled {
		return next
	}
	// Retry-After is the time one token takes to refill, in whole seconds.
	retryAfter := strconv.Itoa(max(1, int(math.Ceil(1/float64(rl.limit)))))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(remoteHost(r.RemoteAddr)) {
			w.Header().Set("Retry-After", retryAfter)
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func remoteHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
