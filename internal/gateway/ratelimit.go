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

	"github.com/basket/statusboard/internal/config"
	sbotel "github.com/basket/statusboard/internal/otel"
)

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimitMiddleware enforces a per-caller token bucket. Callers are keyed
// by API key, falling back to the remote IP.
type RateLimitMiddleware struct {
	enabled bool
	limit   rate.Limit
	burst   int
	metrics *sbotel.Metrics
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*limiterEntry
}

func NewRateLimitMiddleware(cfg config.RateLimitConfig, metrics *sbotel.Metrics) *RateLimitMiddleware {
	rpm := cfg.RequestsPerMinute
	if rpm == 0 {
		rpm = 120
	}
	burst := cfg.BurstSize
	if burst == 0 {
		burst = 20
	}
	return &RateLimitMiddleware{
		enabled: cfg.Enabled,
		limit:   rate.Limit(float64(rpm) / 60.0),
		burst:   burst,
		metrics: metrics,
		now:     time.Now,
		entries: make(map[string]*limiterEntry),
	}
}

// StartEviction periodically drops limiters idle for longer than maxAge so
// unique callers cannot grow the map without bound.
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

func (rl *RateLimitMiddleware) EvictStale(maxAge time.Duration) int {
	cutoff := rl.now().Add(-maxAge)
	rl.mu.Lock()
	defer rl.mu.Unlock()

	evicted := 0
	for key, e := range rl.entries {
		if e.lastAccess.Before(cutoff) {
			delete(rl.entries, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(rl.entries))
	}
	return evicted
}

// BucketCount returns the number of tracked callers.
func (rl *RateLimitMiddleware) BucketCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	if !rl.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		key := ExtractAPIKey(r)
		if key == "" {
			key = clientIP(r)
		}
		if !rl.limiterFor(key).AllowN(rl.now(), 1) {
			if rl.metrics != nil {
				rl.metrics.RateLimitRejects.Add(r.Context(), 1)
			}
			w.Header().Set("Retry-After", strconv.Itoa(rl.retryAfterSeconds()))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimitMiddleware) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	e, ok := rl.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.entries[key] = e
	}
	e.lastAccess = rl.now()
	return e.limiter
}

// retryAfterSeconds is the time for one token to refill, rounded up.
func (rl *RateLimitMiddleware) retryAfterSeconds() int {
	if rl.limit <= 0 {
		return 60
	}
	return int(math.Ceil(1 / float64(rl.limit)))
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
