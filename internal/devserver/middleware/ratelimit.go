// Package middleware contains HTTP middleware for the dev server.
package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter limits requests per client address.
type RateLimiter struct {
	limit    rate.Limit
	burst    int
	ttl      time.Duration
	limiters sync.Map // client -> *cachedLimiter
}

// Option configures a RateLimiter.
type Option func(*RateLimiter)

// WithRate sets the sustained requests per second per client. Zero means unlimited.
func WithRate(rps float64) Option {
	return func(l *RateLimiter) { l.limit = rate.Limit(rps) }
}

// WithBurst sets how many requests a client may make at once.
func WithBurst(burst int) Option {
	return func(l *RateLimiter) { l.burst = burst }
}

// WithTTL sets how long a client's limiter is kept before it is recreated.
func WithTTL(ttl time.Duration) Option {
	return func(l *RateLimiter) { l.ttl = ttl }
}

// NewRateLimiter creates a limiter allowing 10 requests per second with a burst of 20.
func NewRateLimiter(opts ...Option) *RateLimiter {
	l := &RateLimiter{limit: 10, burst: 20, ttl: 5 * time.Minute}
	for _, opt := range opts {
		opt(l)
	}
	if l.burst < 1 {
		l.burst = 1
	}
	return l
}

// Middleware rejects requests over the client's limit with 429.
func (l *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// rate 0 means unlimited
			if l.limit > 0 && !l.get(clientKey(r)).Allow() {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type cachedLimiter struct {
	limiter   *rate.Limiter
	expiresAt time.Time
}

func (l *RateLimiter) get(client string) *rate.Limiter {
	if limiter, ok := l.limiters.Load(client); ok {
		cached := limiter.(*cachedLimiter)
		if time.Now().Before(cached.expiresAt) {
			return cached.limiter
		}
		// expired, need to create new
	}

	limiter := rate.NewLimiter(l.limit, l.burst)
	l.limiters.Store(client, &cachedLimiter{
		limiter:   limiter,
		expiresAt: time.Now().Add(l.ttl),
	})
	return limiter
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
