package middleware

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/skein-dev/skein/internal/config"
)

// maxTrackedClients caps the bucket map so a scan across many source
// addresses cannot exhaust memory. Requests from new addresses past the cap
// are rejected until cleanup frees slots.
const maxTrackedClients = 100000

// RateLimiter smooths API traffic per client address with a token bucket.
// Task submissions tend to arrive in bursts (a workflow fanning out, a
// client retrying), so the burst allowance absorbs spikes while the
// sustained rate bounds steady-state load on the queue.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*tokenBucket
	rate    float64
	burst   float64
	now     func() time.Time
}

// tokenBucket refills continuously from the elapsed time since its last
// touch; updatedAt doubles as the staleness marker for cleanup.
type tokenBucket struct {
	tokens    float64
	updatedAt time.Time
}

// NewRateLimiter creates a limiter allowing rate sustained requests per
// second with the given burst per client address.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]*tokenBucket),
		rate:    rate,
		burst:   float64(burst),
		now:     time.Now,
	}
}

// NewRateLimiterFromConfig creates a limiter from the server configuration.
func NewRateLimiterFromConfig(cfg config.Server) *RateLimiter {
	return NewRateLimiter(float64(cfg.RateLimitRPS), cfg.RateLimitBurst)
}

// Handler enforces the limit, answering 429 with Retry-After when a client
// is over budget.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remaining, retryAfter, allowed := rl.take(clientAddr(r))

		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", rl.now().Add(time.Second).Unix()))

		if !allowed {
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", math.Ceil(retryAfter)))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// take consumes one token for the client, reporting tokens left and, when
// denied, the seconds until the next token accrues.
func (rl *RateLimiter) take(addr string) (remaining int, retryAfter float64, allowed bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.clients[addr]
	if !ok {
		if len(rl.clients) >= maxTrackedClients {
			return 0, 1.0 / rl.rate, false
		}
		b = &tokenBucket{tokens: rl.burst - 1, updatedAt: now}
		rl.clients[addr] = b
		return int(b.tokens), 0, true
	}

	b.tokens = math.Min(rl.burst, b.tokens+now.Sub(b.updatedAt).Seconds()*rl.rate)
	b.updatedAt = now

	if b.tokens < 1 {
		return 0, (1 - b.tokens) / rl.rate, false
	}
	b.tokens--
	return int(b.tokens), 0, true
}

// StartCleanup evicts buckets idle longer than maxIdle on the given
// interval. The returned cancel stops the sweep goroutine.
func (rl *RateLimiter) StartCleanup(interval, maxIdle time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.cleanup(maxIdle)
			}
		}
	}()
	return cancel
}

func (rl *RateLimiter) cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-maxIdle)
	for addr, b := range rl.clients {
		if b.updatedAt.Before(cutoff) {
			delete(rl.clients, addr)
		}
	}
}

// Len reports the number of tracked client buckets.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// clientAddr keys buckets by RemoteAddr host only. Forwarding headers are
// spoofable, so they never influence the key.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
