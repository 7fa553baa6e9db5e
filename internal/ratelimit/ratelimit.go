// Package ratelimit provides a per-client token bucket limiter for the
// operational HTTP listener.
package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// Limiter is a per-IP token bucket rate limiter.
type Limiter struct {
	rate    float64 // tokens per second
	burst   float64
	counter prometheus.Counter // optional: incremented on each 429
	nowFunc func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithCounter attaches a Prometheus counter incremented per rejection.
func WithCounter(c prometheus.Counter) Option {
	return func(l *Limiter) { l.counter = c }
}

// WithNowFunc overrides the clock, for deterministic tests.
func WithNowFunc(now func() time.Time) Option {
	return func(l *Limiter) { l.nowFunc = now }
}

// New creates a limiter allowing rate requests per second with the given
// burst capacity.
func New(rate, burst int, opts ...Option) *Limiter {
	l := &Limiter{
		rate:    float64(rate),
		burst:   float64(burst),
		nowFunc: time.Now,
		buckets: make(map[string]*bucket),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Allow reports whether the key may proceed, consuming one token.
func (l *Limiter) Allow(key string) bool {
	now := l.nowFunc()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst, lastFill: now}
		l.buckets[key] = b
	}

	b.tokens += now.Sub(b.lastFill).Seconds() * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Middleware applies the limiter per remote IP.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !l.Allow(host) {
			if l.counter != nil {
				l.counter.Inc()
			}
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
