package ratelimit

import (
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"
)

// Config holds rate limiter configuration
type Config struct {
	// Rate is the number of requests allowed per second
	Rate float64
	// Burst is the maximum number of requests allowed in a burst
	Burst int
	// CleanupInterval is how often to clean up stale entries
	CleanupInterval time.Duration
	// MaxAge is how long to keep an entry after last access
	MaxAge time.Duration
}

// DefaultConfig returns the limits of the status API: 20 req/s per client, burst of 50.
// Long-polling /api/leader?wait= holds one token per request, so the burst stays generous.
func DefaultConfig() Config {
	return Config{
		Rate:            20,
		Burst:           50,
		CleanupInterval: time.Minute,
		MaxAge:          5 * time.Minute,
	}
}

// entry holds rate limiter and last access time for a client
type entry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiter implements per-client rate limiting keyed by client IP.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	config  Config
	clock   clock.WithTicker

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a limiter and starts its cleanup loop. A nil clock uses the real one.
func New(cfg Config, clk clock.WithTicker) *Limiter {
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 5 * time.Minute
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	rl := &Limiter{
		entries: make(map[string]*entry),
		config:  cfg,
		clock:   clk,
		done:    make(chan struct{}),
	}
	ticker := clk.NewTicker(cfg.CleanupInterval)
	go rl.cleanup(ticker)
	return rl
}

// Allow reports whether a request from key may proceed and takes a token if so.
func (rl *Limiter) Allow(key string) bool {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, exists := rl.entries[key]
	if !exists {
		e = &entry{limiter: rate.NewLimiter(rate.Limit(rl.config.Rate), rl.config.Burst)}
		rl.entries[key] = e
	}
	e.lastAccess = now
	return e.limiter.AllowN(now, 1)
}

// Middleware limits requests per client IP. Requests for the exempt paths, such
// as health checks, are never limited.
func (rl *Limiter) Middleware(exempt ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if slices.Contains(exempt, c.Request.URL.Path) {
			c.Next()
			return
		}
		if !rl.Allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded, please try again later",
				"code":  "RATE_LIMITED",
			})
			return
		}
		c.Next()
	}
}

// Stop ends the cleanup loop. It is safe to call more than once.
func (rl *Limiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.done) })
}

// Len returns the current number of tracked clients.
func (rl *Limiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// Config returns a copy of the current configuration.
func (rl *Limiter) Config() Config {
	return rl.config
}

func (rl *Limiter) cleanup(ticker clock.Ticker) {
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C():
			rl.pruneStale()
		}
	}
}

// pruneStale removes clients that have not been seen for MaxAge.
func (rl *Limiter) pruneStale() {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, e := range rl.entries {
		if now.Sub(e.lastAccess) > rl.config.MaxAge {
			delete(rl.entries, key)
		}
	}
}
