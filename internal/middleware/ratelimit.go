package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tripledger/booking/internal/contextkeys"
	"github.com/tripledger/booking/internal/handler"
	"golang.org/x/time/rate"
)

// visitorTTL is how long an idle client keeps its bucket.
const visitorTTL = 3 * time.Minute

// KeyFunc picks the bucket a request is charged to.
type KeyFunc func(r *http.Request) string

// RateLimiter is a token bucket per client key.
type RateLimiter struct {
	key   KeyFunc
	rate  rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter limits each client IP to rps requests per second with the
// given burst. Idle buckets are evicted until ctx is done.
func NewRateLimiter(ctx context.Context, rps float64, burst int) *RateLimiter {
	return newRateLimiter(ctx, ClientIP, rps, burst)
}

func newRateLimiter(ctx context.Context, key KeyFunc, rps float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		key:     key,
		rate:    rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*bucket),
	}
	go rl.cleanup(ctx)
	return rl
}

// CheckoutRateLimiter bounds how fast one buyer can open gateway checkout
// sessions: 1 per second with a burst of 5. Must be used after Auth.
func CheckoutRateLimiter(ctx context.Context) func(next http.Handler) http.Handler {
	return newRateLimiter(ctx, buyerOrIP, 1, 5).Middleware()
}

// Middleware returns an HTTP middleware that rejects requests over the limit.
func (rl *RateLimiter) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.allow(rl.key(r), time.Now()) {
				w.Header().Set("Retry-After", "1")
				handler.JSON(w, http.StatusTooManyRequests, map[string]string{
					"error": "rate limit exceeded, try again later",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) allow(key string, now time.Time) bool {
	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	rl.mu.Unlock()
	return b.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			rl.evict(now.Add(-visitorTTL))
		}
	}
}

func (rl *RateLimiter) evict(before time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.buckets {
		if b.lastSeen.Before(before) {
			delete(rl.buckets, key)
		}
	}
}

// ClientIP keys requests by client address, trusting the proxy headers
// set by the ingress.
func ClientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func buyerOrIP(r *http.Request) string {
	if id, ok := r.Context().Value(contextkeys.UserID).(string); ok && id != "" {
		return "buyer:" + id
	}
	return "ip:" + ClientIP(r)
}
