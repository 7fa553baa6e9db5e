package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAllowWithinBurst(t *testing.T) {
	now := time.Now()
	l := New(1, 3, WithNowFunc(func() time.Time { return now }))

	for i := 0; i < 3; i++ {
		if !l.Allow("1.2.3.4") {
			t.Fatalf("request %d within burst should pass", i)
		}
	}
	if l.Allow("1.2.3.4") {
		t.Fatal("burst exhausted: request should be rejected")
	}
}

func TestRefillOverTime(t *testing.T) {
	now := time.Now()
	l := New(2, 2, WithNowFunc(func() time.Time { return now }))

	l.Allow("k")
	l.Allow("k")
	if l.Allow("k") {
		t.Fatal("bucket should be empty")
	}

	now = now.Add(time.Second) // refills 2 tokens
	if !l.Allow("k") || !l.Allow("k") {
		t.Fatal("bucket should refill at the configured rate")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	now := time.Now()
	l := New(1, 1, WithNowFunc(func() time.Time { return now }))

	if !l.Allow("a") {
		t.Fatal("first key should pass")
	}
	if !l.Allow("b") {
		t.Fatal("second key has its own bucket")
	}
}

func TestMiddlewareRejectsWith429(t *testing.T) {
	now := time.Now()
	l := New(1, 1, WithNowFunc(func() time.Time { return now }))
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.RemoteAddr = "9.9.9.9:1234"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request should be limited, got %d", rec.Code)
	}
}
