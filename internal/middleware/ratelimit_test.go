package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"shepherd/internal/config"

	"github.com/gin-gonic/gin"
)

func rateLimitedRouter(rpm, burst int, enabled bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{}
	cfg.Security.RateLimiting = config.RateLimitingConfig{
		Enabled:           enabled,
		RequestsPerMinute: rpm,
		Burst:             burst,
	}
	router := gin.New()
	router.Use(RateLimitMiddleware(cfg))
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	return router
}

func TestRateLimitBurstThenReject(t *testing.T) {
	router := rateLimitedRouter(60, 3, true)

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, w.Code)
		}
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("over-burst request: status = %d, want 429", w.Code)
	}
}

func TestRateLimitDisabledPassesEverything(t *testing.T) {
	router := rateLimitedRouter(1, 1, false)

	for i := 0; i < 10; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, w.Code)
		}
	}
}

func TestCORSMiddlewarePreflight(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{}
	cfg.Security.CORS = config.CORSConfig{Enabled: true, AllowedOrigins: []string{"https://app.example.org"}}

	router := gin.New()
	router.Use(CORSMiddleware(cfg))
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/ping", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.org" {
		t.Errorf("allow-origin = %q", got)
	}
}
