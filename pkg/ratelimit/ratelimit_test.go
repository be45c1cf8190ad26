package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, float64(20), cfg.Rate)
	assert.Equal(t, 50, cfg.Burst)
	assert.Equal(t, time.Minute, cfg.CleanupInterval)
	assert.Equal(t, 5*time.Minute, cfg.MaxAge)
}

func TestNew_AppliesDefaults(t *testing.T) {
	rl := New(Config{Rate: 10, Burst: 20}, nil)
	defer rl.Stop()

	assert.Equal(t, time.Minute, rl.Config().CleanupInterval)
	assert.Equal(t, 5*time.Minute, rl.Config().MaxAge)
}

func TestAllow(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Now())
	rl := New(Config{Rate: 1, Burst: 3, CleanupInterval: time.Hour, MaxAge: time.Hour}, fc)
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("192.168.1.1"), "request %d should be allowed", i)
	}
	assert.False(t, rl.Allow("192.168.1.1"), "burst exhausted")
	assert.True(t, rl.Allow("192.168.1.2"), "clients are limited independently")

	fc.Step(time.Second)
	assert.True(t, rl.Allow("192.168.1.1"), "one token refilled after a second")
	assert.False(t, rl.Allow("192.168.1.1"))
}

func TestAllow_Concurrent(t *testing.T) {
	rl := New(Config{Rate: 0.001, Burst: 10}, nil)
	defer rl.Stop()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.Allow("10.0.0.1") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, allowed)
}

func TestPruneStale(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Now())
	rl := New(Config{Rate: 1, Burst: 1, CleanupInterval: time.Minute, MaxAge: 2 * time.Minute}, fc)
	defer rl.Stop()

	rl.Allow("old")
	fc.Step(90 * time.Second)
	rl.Allow("fresh")
	require.Equal(t, 2, rl.Len())

	fc.Step(time.Minute)
	rl.pruneStale()
	assert.Equal(t, 1, rl.Len())

	fc.Step(3 * time.Minute)
	rl.pruneStale()
	assert.Equal(t, 0, rl.Len())
}

func TestCleanupLoopRunsOnTicker(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Now())
	rl := New(Config{Rate: 1, Burst: 1, CleanupInterval: time.Minute, MaxAge: time.Minute}, fc)
	defer rl.Stop()

	rl.Allow("client")
	require.Eventually(t, fc.HasWaiters, time.Second, 5*time.Millisecond)
	fc.Step(2 * time.Minute)

	assert.Eventually(t, func() bool { return rl.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestStop_Idempotent(t *testing.T) {
	rl := New(DefaultConfig(), nil)
	rl.Stop()
	rl.Stop()
}

func TestMiddleware(t *testing.T) {
	rl := New(Config{Rate: 0.001, Burst: 2}, nil)
	defer rl.Stop()

	router := gin.New()
	router.Use(rl.Middleware("/healthz"))
	router.GET("/api/leader", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "192.168.1.1:12345"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, do("/api/leader").Code)
	assert.Equal(t, http.StatusOK, do("/api/leader").Code)
	limited := do("/api/leader")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "1", limited.Header().Get("Retry-After"))
	assert.Contains(t, limited.Body.String(), "RATE_LIMITED")

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, do("/healthz").Code, "exempt paths are never limited")
	}
}
