package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	eventsPrefix  = "/api/v1/events/"
	limiterIdleAt = 5 * time.Minute
)

type sourceLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per event source IP.
type RateLimiter struct {
	mu      sync.Mutex
	sources map[string]*sourceLimiter
	rps     rate.Limit
	burst   int
}

// NewRateLimiter allows rps events per second per IP with a burst of rps.
// Idle sources are evicted until ctx is done.
func NewRateLimiter(ctx context.Context, rps int) *RateLimiter {
	rl := &RateLimiter{
		sources: make(map[string]*sourceLimiter),
		rps:     rate.Limit(rps),
		burst:   rps,
	}
	go rl.evictIdle(ctx)
	return rl
}

func (rl *RateLimiter) allow(ip string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	s, ok := rl.sources[ip]
	if !ok {
		s = &sourceLimiter{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.sources[ip] = s
	}
	s.lastSeen = now
	return s.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) evict(cutoff time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, s := range rl.sources {
		if s.lastSeen.Before(cutoff) {
			delete(rl.sources, ip)
		}
	}
}

func (rl *RateLimiter) evictIdle(ctx context.Context) {
	ticker := time.NewTicker(limiterIdleAt)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			rl.evict(now.Add(-limiterIdleAt))
		}
	}
}

// RateLimit returns a Middleware that limits event POSTs to rps per second
// per source IP. If rps is 0 the middleware is a no-op.
func RateLimit(ctx context.Context, rps int) Middleware {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	rl := NewRateLimiter(ctx, rps)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, eventsPrefix) {
				if !rl.allow(clientIP(r), time.Now()) {
					w.Header().Set("Retry-After", "1")
					writeError(w, http.StatusTooManyRequests, "rate limit exceeded, slow down")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the real client IP, respecting X-Forwarded-For when behind a proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		// X-Forwarded-For may be "client, proxy1, proxy2"; take the first.
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
