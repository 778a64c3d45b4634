package middleware

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sakif/snippetbox/internal/metrics"
)

// visitorTTL is how long an idle client's limiter is kept.
const visitorTTL = 3 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a global token bucket and one bucket per client IP.
type RateLimiter struct {
	global  *rate.Limiter
	perIP   rate.Limit
	burst   int
	now     func() time.Time
	mu      sync.Mutex
	clients map[string]*visitor
}

// NewRateLimiter returns a limiter allowing globalRPS requests per second in
// total and perIPRPS (with burst) from any one client. A non-positive
// globalRPS disables the global bucket.
func NewRateLimiter(globalRPS, perIPRPS float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	global := rate.NewLimiter(rate.Inf, 0)
	if globalRPS > 0 {
		global = rate.NewLimiter(rate.Limit(globalRPS), max(int(globalRPS)*2, 1))
	}
	return &RateLimiter{
		global:  global,
		perIP:   rate.Limit(perIPRPS),
		burst:   burst,
		now:     time.Now,
		clients: make(map[string]*visitor),
	}
}

// Allow reports whether a request from ip may proceed.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	v, ok := rl.clients[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.perIP, rl.burst)}
		rl.clients[ip] = v
	}
	v.lastSeen = rl.now()
	rl.mu.Unlock()

	if !v.limiter.Allow() || !rl.global.Allow() {
		metrics.RateLimitHits.Inc()
		return false
	}
	return true
}

// Prune forgets clients idle for longer than visitorTTL.
func (rl *RateLimiter) Prune() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for ip, v := range rl.clients {
		if rl.now().Sub(v.lastSeen) > visitorTTL {
			delete(rl.clients, ip)
			removed++
		}
	}
	return removed
}

// Run prunes idle clients every interval until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Prune()
		}
	}
}

// Middleware rejects requests over the limit with 429. It keys on
// RemoteAddr, so chi's RealIP must run first when behind a proxy.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !rl.Allow(ip) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate_limited","message":"too many requests"}` + "\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
