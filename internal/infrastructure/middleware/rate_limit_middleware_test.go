package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"duocall/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func limitedRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(mw)
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func get(router http.Handler, header map[string]string) int {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/test", nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	router.ServeHTTP(w, req)
	return w.Code
}

func TestHTTPRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false
	router := limitedRouter(NewHTTPRateLimitMiddleware(cfg))

	assert.Equal(t, http.StatusOK, get(router, nil))
	assert.Equal(t, http.StatusOK, get(router, nil))
}

func TestHTTPRateLimitMiddleware_Enabled_RateLimited(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	router := limitedRouter(NewHTTPRateLimitMiddleware(cfg))

	assert.Equal(t, http.StatusOK, get(router, nil))
	assert.Equal(t, http.StatusTooManyRequests, get(router, nil))
}

func TestHTTPRateLimitMiddleware_KeysByForwardedClient(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	router := limitedRouter(NewHTTPRateLimitMiddleware(cfg))

	first := map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}
	second := map[string]string{"X-Forwarded-For": "198.51.100.2"}
	assert.Equal(t, http.StatusOK, get(router, first))
	assert.Equal(t, http.StatusTooManyRequests, get(router, first))
	assert.Equal(t, http.StatusOK, get(router, second))
}

func TestConnectionRateLimitMiddleware(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 2
	router := limitedRouter(NewConnectionRateLimitMiddleware(cfg))

	assert.Equal(t, http.StatusOK, get(router, nil))
	assert.Equal(t, http.StatusOK, get(router, nil))
	assert.Equal(t, http.StatusTooManyRequests, get(router, nil))
}
