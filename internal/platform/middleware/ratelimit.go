package middleware

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// Limit is a token bucket: Rate tokens per second, holding at most Burst.
type Limit struct {
	Rate  float64
	Burst int
}

func (l Limit) enabled() bool { return l.Rate > 0 && l.Burst > 0 }

// RateLimitConfig limits requests per client IP. Requests matching
// DispenseRoutes ("METHOD /path") draw from their own Dispense bucket in
// addition to the General one, because each of them releases tablets and
// holds the single device for the whole exchange. Paths listed in Skip
// (exact or as a prefix followed by "/") are never limited.
type RateLimitConfig struct {
	General        Limit
	Dispense       Limit
	DispenseRoutes []string
	Skip           []string
	// IdleTTL is how long an untouched client bucket is kept.
	IdleTTL time.Duration
}

// DefaultRateLimitConfig suits a kiosk with a handful of local clients.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		General:        Limit{Rate: 20, Burst: 40},
		Dispense:       Limit{Rate: 0.2, Burst: 2},
		DispenseRoutes: []string{"POST /api/v1/dispense"},
		Skip:           []string{"/health", "/metrics"},
		IdleTTL:        10 * time.Minute,
	}
}

type bucket struct {
	tokens float64
	last   time.Time
}

// limiter keeps one bucket per key under a single mutex. Buckets idle for
// longer than ttl are swept on the next take after a sweep interval.
type limiter struct {
	limit     Limit
	ttl       time.Duration
	now       func() time.Time
	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

func newLimiter(l Limit, ttl time.Duration, now func() time.Time) *limiter {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &limiter{
		limit:     l,
		ttl:       ttl,
		now:       now,
		buckets:   make(map[string]*bucket),
		lastSweep: now(),
	}
}

// take spends one token for key. It returns the tokens left, or on refusal
// how long until a token is available.
func (l *limiter) take(key string) (remaining int, wait time.Duration, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= l.ttl {
		for k, b := range l.buckets {
			if now.Sub(b.last) >= l.ttl {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}

	burst := float64(l.limit.Burst)
	b, found := l.buckets[key]
	if !found {
		b = &bucket{tokens: burst, last: now}
		l.buckets[key] = b
	}
	b.tokens = math.Min(burst, b.tokens+now.Sub(b.last).Seconds()*l.limit.Rate)
	b.last = now

	if b.tokens < 1 {
		secs := (1 - b.tokens) / l.limit.Rate
		return 0, time.Duration(secs * float64(time.Second)), false
	}
	b.tokens--
	return int(b.tokens), 0, true
}

func (l *limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// RateLimit returns a rate limiting middleware.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	return rateLimit(cfg, time.Now)
}

func rateLimit(cfg RateLimitConfig, now func() time.Time) echo.MiddlewareFunc {
	var general, dispense *limiter
	if cfg.General.enabled() {
		general = newLimiter(cfg.General, cfg.IdleTTL, now)
	}
	if cfg.Dispense.enabled() {
		dispense = newLimiter(cfg.Dispense, cfg.IdleTTL, now)
	}
	routes := make(map[string]bool, len(cfg.DispenseRoutes))
	for _, r := range cfg.DispenseRoutes {
		routes[r] = true
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if skipPath(req.URL.Path, cfg.Skip) {
				return next(c)
			}
			ip := c.RealIP()
			h := c.Response().Header()

			if dispense != nil && routes[req.Method+" "+req.URL.Path] {
				if _, wait, ok := dispense.take(ip); !ok {
					return refuse(h, cfg.Dispense, wait, "dispense rate limit exceeded")
				}
			}
			if general != nil {
				remaining, wait, ok := general.take(ip)
				if !ok {
					return refuse(h, cfg.General, wait, "rate limit exceeded")
				}
				h.Set("X-RateLimit-Limit", strconv.Itoa(cfg.General.Burst))
				h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			}
			return next(c)
		}
	}
}

func refuse(h http.Header, l Limit, wait time.Duration, msg string) error {
	retry := int(math.Ceil(wait.Seconds()))
	if retry < 1 {
		retry = 1
	}
	h.Set("Retry-After", strconv.Itoa(retry))
	h.Set("X-RateLimit-Limit", strconv.Itoa(l.Burst))
	h.Set("X-RateLimit-Remaining", "0")
	return echo.NewHTTPError(http.StatusTooManyRequests, msg)
}

func skipPath(path string, skip []string) bool {
	for _, p := range skip {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}
