package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	cfg "github.com/example/logica/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))
	assert.NotEmpty(t, rec.Header().Get("Strict-Transport-Security"))
}

func TestCORS(t *testing.T) {
	s := newTestServer(t, func(c *cfg.Config) {
		c.HTTP.AllowedOrigins = []string{"http://front.example"}
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://front.example")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, "http://front.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	// preflight for an authenticated route never reaches the handler
	req = httptest.NewRequest(http.MethodOptions, "/api/me", nil)
	req.Header.Set("Origin", "http://front.example")
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestCORSReflectsAnyOriginWhenUnset(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://anywhere.example")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, "http://anywhere.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, func(c *cfg.Config) { c.Security.RateLimitPerMinute = 2 })

	creds := map[string]string{"email": "nobody@example.com", "password": "password123"}
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodPost, "/api/login", creds, "").Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodPost, "/api/login", creds, "").Code)
	assert.Equal(t, http.StatusTooManyRequests, s.do(t, http.MethodPost, "/api/login", creds, "").Code)

	// other clients keep their own budget
	req := httptest.NewRequest(http.MethodPost, "/api/login", nil)
	req.RemoteAddr = "198.51.100.7:4000"
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// health is outside the limited routes
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", nil, "").Code)
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	rl := NewRateLimiter(2)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	a := rl.getLimiter("192.0.2.1")
	rl.getLimiter("192.0.2.2")
	assert.Equal(t, 2, rl.size())

	now = now.Add(30 * time.Second)
	assert.Same(t, a, rl.getLimiter("192.0.2.1"))

	now = now.Add(31 * time.Second)
	rl.getLimiter("192.0.2.3")
	// 192.0.2.2 was idle for a full window
	assert.Equal(t, 2, rl.size())
	assert.Same(t, a, rl.getLimiter("192.0.2.1"))
}

func TestRateLimitDisabled(t *testing.T) {
	s := newTestServer(t, func(c *cfg.Config) { c.Security.RateLimitPerMinute = 0 })
	creds := map[string]string{"email": "nobody@example.com", "password": "password123"}
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodPost, "/api/login", creds, "").Code)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:5555"
	assert.Equal(t, "203.0.113.9", clientIP(req))
	req.RemoteAddr = "odd"
	assert.Equal(t, "odd", clientIP(req))
}
