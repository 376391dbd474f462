package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterAllow(t *testing.T) {
	limiter := New(Config{RequestsPerSecond: 1, BurstSize: 5})
	defer limiter.Stop()

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow("test-ip"), "request %d within burst", i)
	}
	assert.False(t, limiter.Allow("test-ip"), "request after burst should be denied")

	// 1 token per second.
	time.Sleep(1100 * time.Millisecond)
	assert.True(t, limiter.Allow("test-ip"))
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter := New(Config{RequestsPerSecond: 1, BurstSize: 3})
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}
	assert.False(t, limiter.Allow("client-a"))
	assert.True(t, limiter.Allow("client-b"))
	assert.Equal(t, 2, limiter.Len())
}

func TestLimiterDisabled(t *testing.T) {
	limiter := New(Config{})
	defer limiter.Stop()

	for i := 0; i < 100; i++ {
		require.True(t, limiter.Allow("any"))
	}
	assert.Zero(t, limiter.Len())
}

func TestLimiterEvict(t *testing.T) {
	limiter := New(Config{RequestsPerSecond: 10, BurstSize: 1})
	defer limiter.Stop()

	limiter.Allow("old")
	limiter.evict(time.Now().Add(time.Second))
	assert.Zero(t, limiter.Len())
}

func TestLimiterStopTwice(t *testing.T) {
	limiter := New(DefaultConfig())
	limiter.Stop()
	assert.NotPanics(t, limiter.Stop)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := New(Config{RequestsPerSecond: 0.001, BurstSize: 1})
	defer limiter.Stop()

	r := gin.New()
	r.Use(limiter.Middleware())
	r.POST("/v1/score", func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(client string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/score", nil)
		if client != "" {
			req.Header.Set(ClientHeader, client)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, send("checkout").Code)
	w := send("checkout")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")

	// Other clients and IP-keyed callers have their own buckets.
	assert.Equal(t, http.StatusOK, send("payouts").Code)
	assert.Equal(t, http.StatusOK, send("").Code)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Positive(t, cfg.RequestsPerSecond)
	assert.GreaterOrEqual(t, cfg.BurstSize, 1)
}
