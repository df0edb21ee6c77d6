// Package middleware provides HTTP middleware for the control API.
package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter defaults.
const (
	DefaultPerMinute = 60              // Sustained requests per minute
	DefaultBurst     = 10              // Requests allowed back to back
	DefaultIdle      = 5 * time.Minute // Buckets unused this long are dropped
)

// RateLimiter is a token bucket per key.
type RateLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket

	done      chan struct{}
	closeOnce sync.Once
}

type bucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiterOption is a functional option for configuring RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithPerMinute sets the sustained rate.
func WithPerMinute(n int) RateLimiterOption {
	return func(r *RateLimiter) {
		if n > 0 {
			r.limit = rate.Limit(float64(n) / 60)
		}
	}
}

// WithBurst sets how many requests may arrive back to back.
func WithBurst(n int) RateLimiterOption {
	return func(r *RateLimiter) {
		if n > 0 {
			r.burst = n
		}
	}
}

// NewRateLimiter creates a RateLimiter and starts its cleanup loop. Call
// Close to stop it.
func NewRateLimiter(opts ...RateLimiterOption) *RateLimiter {
	r := &RateLimiter{
		limit:   rate.Limit(float64(DefaultPerMinute) / 60),
		burst:   DefaultBurst,
		idle:    DefaultIdle,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	go r.cleanupLoop()
	return r
}

func (r *RateLimiter) bucketFor(key string, now time.Time) *bucket {
	b, ok := r.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.buckets[key] = b
	}
	b.lastAccess = now
	return b
}

// Allow reports whether a request for key may proceed and consumes a token
// if so.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	return r.bucketFor(key, now).limiter.AllowN(now, 1)
}

// Remaining returns the whole tokens left for key.
func (r *RateLimiter) Remaining(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[key]
	if !ok {
		return r.burst
	}
	return max(0, int(math.Floor(b.limiter.TokensAt(time.Now()))))
}

// RetryAfter is how long a denied caller should wait for one token.
func (r *RateLimiter) RetryAfter() time.Duration {
	if r.limit <= 0 {
		return time.Minute
	}
	return time.Duration(float64(time.Second) / float64(r.limit))
}

// Limit returns the burst size, advertised as X-RateLimit-Limit.
func (r *RateLimiter) Limit() int {
	return r.burst
}

// Reset forgets the bucket of key.
func (r *RateLimiter) Reset(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.buckets, key)
}

// Close stops the cleanup loop. It is safe to call more than once.
func (r *RateLimiter) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}

func (r *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(r.idle)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case now := <-ticker.C:
			r.cleanup(now)
		}
	}
}

func (r *RateLimiter) cleanup(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.idle)
	for key, b := range r.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(r.buckets, key)
		}
	}
}

// KeyFunc extracts a rate limit key from a request.
type KeyFunc func(*http.Request) string

// RemoteIP keys requests by client address without the port. Forwarding
// headers are ignored; the control API is not meant to sit behind a proxy.
func RemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimit returns middleware that rejects requests over the limit with 429.
// The body has the same shape as the API's other error responses.
func RateLimit(limiter *RateLimiter, key KeyFunc) func(http.Handler) http.Handler {
	if key == nil {
		key = RemoteIP
	}
	retryAfter := strconv.Itoa(int(math.Ceil(limiter.RetryAfter().Seconds())))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if !limiter.Allow(k) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", retryAfter)
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"Too many commands. Please wait before trying again.","code":"rate_limited"}` + "\n"))
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(limiter.Remaining(k)))
			next.ServeHTTP(w, r)
		})
	}
}
