package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/israelsalinas-g/nexos-labs-sub000/internal/platform/auth"
)

// RateLimitConfig bounds how fast one caller may hit a route group.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL evicts buckets of callers not seen for this long.
	IdleTTL time.Duration
}

type bucket struct {
	tokens   float64
	last     time.Time
	lastSeen time.Time
}

type limiter struct {
	mu      sync.Mutex
	cfg     RateLimitConfig
	buckets map[string]*bucket
	now     func() time.Time
	sweptAt time.Time
}

func newLimiter(cfg RateLimitConfig) *limiter {
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	return &limiter{cfg: cfg, buckets: make(map[string]*bucket), now: time.Now}
}

// take consumes a token for key. When none is left it returns the wait
// until the next one.
func (l *limiter) take(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.sweptAt) > l.cfg.IdleTTL {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > l.cfg.IdleTTL {
				delete(l.buckets, k)
			}
		}
		l.sweptAt = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.cfg.BurstSize), last: now}
		l.buckets[key] = b
	}
	b.lastSeen = now
	b.tokens = math.Min(float64(l.cfg.BurstSize), b.tokens+now.Sub(b.last).Seconds()*l.cfg.RequestsPerSecond)
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if l.cfg.RequestsPerSecond <= 0 {
		return false, time.Second
	}
	return false, time.Duration((1 - b.tokens) / l.cfg.RequestsPerSecond * float64(time.Second))
}

// RateLimit applies a token bucket per caller: the authenticated user when
// there is one, the client IP otherwise.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	l := newLimiter(cfg)
	limitHeader := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := auth.UserIDFromContext(c.Request().Context())
			if key == "" {
				key = "ip:" + c.RealIP()
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limitHeader)
			ok, wait := l.take(key)
			if !ok {
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
