package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/israelsalinas-g/nexos-labs-sub000/internal/platform/auth"
)

func rateLimitedServer(cfg RateLimitConfig) *echo.Echo {
	e := echo.New()
	e.Use(RateLimit(cfg))
	e.GET("/x", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	return e
}

func hit(e *echo.Echo, remote, user string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = remote
	if user != "" {
		req = req.WithContext(context.WithValue(req.Context(), auth.UserIDKey, user))
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit_RequestsWithinLimit(t *testing.T) {
	e := rateLimitedServer(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if rec := hit(e, "10.0.0.1:1234", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
}

func TestRateLimit_ExceedsLimit(t *testing.T) {
	e := rateLimitedServer(RateLimitConfig{RequestsPerSecond: 0.5, BurstSize: 2})

	hit(e, "10.0.0.1:1234", "")
	hit(e, "10.0.0.1:1234", "")
	rec := hit(e, "10.0.0.1:1234", "")

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if rec.Header().Get("X-RateLimit-Limit") != "0.5" {
		t.Errorf("expected X-RateLimit-Limit 0.5, got %q", rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestRateLimit_PerCallerIsolation(t *testing.T) {
	e := rateLimitedServer(RateLimitConfig{RequestsPerSecond: 0.1, BurstSize: 1})

	if rec := hit(e, "10.0.0.1:1", ""); rec.Code != http.StatusOK {
		t.Fatalf("first ip: expected 200, got %d", rec.Code)
	}
	if rec := hit(e, "10.0.0.2:1", ""); rec.Code != http.StatusOK {
		t.Fatalf("second ip: expected 200, got %d", rec.Code)
	}
	// Same address, but an authenticated user gets their own bucket.
	if rec := hit(e, "10.0.0.1:1", "lab-tech-1"); rec.Code != http.StatusOK {
		t.Fatalf("user: expected 200, got %d", rec.Code)
	}
	if rec := hit(e, "10.0.0.1:1", "lab-tech-1"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("user second hit: expected 429, got %d", rec.Code)
	}
}

func TestLimiter_Refills(t *testing.T) {
	l := newLimiter(RateLimitConfig{RequestsPerSecond: 2, BurstSize: 1})
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	if ok, _ := l.take("k"); !ok {
		t.Fatal("expected first take to succeed")
	}
	ok, wait := l.take("k")
	if ok {
		t.Fatal("expected bucket to be empty")
	}
	if wait != 500*time.Millisecond {
		t.Errorf("expected 500ms wait, got %v", wait)
	}

	now = now.Add(500 * time.Millisecond)
	if ok, _ := l.take("k"); !ok {
		t.Error("expected a token after refill")
	}
}

func TestLimiter_ZeroRate(t *testing.T) {
	l := newLimiter(RateLimitConfig{RequestsPerSecond: 0, BurstSize: 1})
	l.take("k")
	ok, wait := l.take("k")
	if ok || wait != time.Second {
		t.Errorf("expected denial with 1s wait, got ok=%v wait=%v", ok, wait)
	}
}

func TestLimiter_EvictsIdleBuckets(t *testing.T) {
	l := newLimiter(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	l.take("a")
	now = now.Add(2 * time.Minute)
	l.take("b")

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.buckets["a"]; ok {
		t.Error("expected idle bucket to be evicted")
	}
	if len(l.buckets) != 1 {
		t.Errorf("expected 1 bucket, got %d", len(l.buckets))
	}
}

func TestRateLimit_ErrorIsHTTPError(t *testing.T) {
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 0, BurstSize: 1})
	e := echo.New()
	h := mw(func(c echo.Context) error { return nil })

	_ = h(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder()))
	err := h(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder()))

	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) || httpErr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 HTTPError, got %v", err)
	}
}
