package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSimpleRateLimiterWindow(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	limiter := newSimpleRateLimiter(2, time.Minute, func() time.Time { return now })

	if !limiter.Allow("a") || !limiter.Allow("a") {
		t.Fatal("expected first two calls allowed")
	}
	if limiter.Allow("a") {
		t.Fatal("expected third call rejected")
	}
	if !limiter.Allow("b") {
		t.Fatal("expected separate key allowed")
	}
	now = now.Add(time.Minute + time.Second)
	if !limiter.Allow("a") {
		t.Fatal("expected window reset")
	}
	if newSimpleRateLimiter(0, time.Minute, nil) != nil {
		t.Fatal("expected nil limiter for disabled limits")
	}
}

func TestRateLimitMiddlewareSeparatesBudgets(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	handler := RateLimitMiddleware(1, 2, func() time.Time { return now })(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func(bearer bool, ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/me/init", nil)
		req.RemoteAddr = ip + ":5123"
		if bearer {
			req.Header.Set("Authorization", "Bearer token")
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	if got := send(false, "10.0.0.1"); got != http.StatusNoContent {
		t.Fatalf("expected first anonymous call allowed, got %d", got)
	}
	if got := send(false, "10.0.0.1"); got != http.StatusTooManyRequests {
		t.Fatalf("expected anonymous budget exhausted, got %d", got)
	}
	if got := send(true, "10.0.0.1"); got != http.StatusNoContent {
		t.Fatalf("expected authenticated budget separate, got %d", got)
	}
	if got := send(false, "10.0.0.2"); got != http.StatusNoContent {
		t.Fatalf("expected other client allowed, got %d", got)
	}
}
