// Package ratelimit throttles scoring traffic per caller with a token bucket.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var rejectedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "txrisk",
		Subsystem: "ratelimit",
		Name:      "rejected_total",
		Help:      "Requests rejected by the rate limiter, by route.",
	},
	[]string{"route"},
)

func init() {
	prometheus.MustRegister(rejectedTotal)
}

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per key
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often idle keys are evicted
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 600,
		BurstSize:         50,
		CleanupInterval:   time.Minute,
	}
}

// KeyFunc derives the bucket key for a request.
type KeyFunc func(c *gin.Context) string

// ByClientIP keys on the caller address, or on the bearer token when one is
// sent so that clients behind a shared NAT get separate buckets.
func ByClientIP(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		return "auth:" + auth[:min(24, len(auth))]
	}
	return "ip:" + c.ClientIP()
}

// Limiter tracks token buckets by key
type Limiter struct {
	cfg      Config
	mu       sync.Mutex
	clients  map[string]*bucket
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a limiter and starts its cleanup loop. Call Stop when done.
func New(cfg Config) *Limiter {
	l := newLimiter(cfg, time.Now)
	go l.cleanup()
	return l
}

func newLimiter(cfg Config, now func() time.Time) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultConfig().RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	return &Limiter{
		cfg:     cfg,
		clients: make(map[string]*bucket),
		now:     now,
		stop:    make(chan struct{}),
	}
}

func (l *Limiter) rate() float64 {
	return float64(l.cfg.RequestsPerMinute) / 60.0
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.stop:
			return
		}
	}
}

// evictIdle drops buckets that have refilled completely; they are
// indistinguishable from new keys.
func (l *Limiter) evictIdle() {
	full := time.Duration(float64(l.cfg.BurstSize) / l.rate() * float64(time.Second))
	cutoff := l.now().Add(-full)

	l.mu.Lock()
	for key, b := range l.clients {
		if b.lastCheck.Before(cutoff) {
			delete(l.clients, key)
		}
	}
	l.mu.Unlock()
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Allow reports whether a request for key may proceed.
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.take(key)
	return ok
}

// take consumes a token. When denied it returns how long until one is available.
func (l *Limiter) take(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, exists := l.clients[key]
	if !exists {
		l.clients[key] = &bucket{tokens: float64(l.cfg.BurstSize - 1), lastCheck: now}
		return true, 0
	}

	b.tokens += now.Sub(b.lastCheck).Seconds() * l.rate()
	if b.tokens > float64(l.cfg.BurstSize) {
		b.tokens = float64(l.cfg.BurstSize)
	}
	b.lastCheck = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / l.rate() * float64(time.Second))
	return false, wait
}

// Middleware rate limits requests by key.
func (l *Limiter) Middleware(key KeyFunc) gin.HandlerFunc {
	if key == nil {
		key = ByClientIP
	}
	return func(c *gin.Context) {
		ok, wait := l.take(key(c))
		if !ok {
			retryAfter := int(math.Ceil(wait.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			route := c.FullPath()
			if route == "" {
				route = "unmatched"
			}
			rejectedTotal.WithLabelValues(route).Inc()
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": retryAfter,
			})
			return
		}
		c.Next()
	}
}
