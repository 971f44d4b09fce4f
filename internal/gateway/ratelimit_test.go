package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/flowrt/internal/config"
	"github.com/basket/flowrt/internal/gateway"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func upgradeFrom(addr string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = addr
	return req
}

func TestRateLimit_OverLimit(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 3})
	handler := rl.Wrap(okHandler())

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, upgradeFrom("10.0.0.1:5000"))
		if rec.Code != http.StatusOK {
			t.Fatalf("burst request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, upgradeFrom("10.0.0.1:5001"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}

	// Another host has its own bucket.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, upgradeFrom("10.0.0.2:5000"))
	if rec.Code != http.StatusOK {
		t.Fatalf("other host: expected 200, got %d", rec.Code)
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{BurstSize: 1})
	handler := rl.Wrap(okHandler())
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, upgradeFrom("10.0.0.1:5000"))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
}

func TestRateLimit_Refill(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 6000, BurstSize: 1}) // 100/s
	if !rl.Allow("10.0.0.1") {
		t.Fatal("first request should be allowed")
	}
	if rl.Allow("10.0.0.1") {
		t.Fatal("allowance should be spent")
	}
	time.Sleep(30 * time.Millisecond)
	if !rl.Allow("10.0.0.1") {
		t.Fatal("allowance should have refilled")
	}
}

func TestRateLimit_EvictStale(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true})
	handler := rl.Wrap(okHandler())
	handler.ServeHTTP(httptest.NewRecorder(), upgradeFrom("10.0.0.1:1"))
	handler.ServeHTTP(httptest.NewRecorder(), upgradeFrom("10.0.0.2:1"))
	if rl.BucketCount() != 2 {
		t.Fatalf("expected 2 buckets, got %d", rl.BucketCount())
	}
	time.Sleep(10 * time.Millisecond)
	rl.EvictStale(5 * time.Millisecond)
	if rl.BucketCount() != 0 {
		t.Fatalf("expected eviction, %d buckets left", rl.BucketCount())
	}
}
