package httpmw

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// lruSize bounds the per-IP limiter table so hostile clients cannot grow
// it without bound.
const lruSize = 4096

// RateLimiter enforces a per-IP token bucket. Limiters live in a bounded
// LRU; evicted IPs simply start a fresh bucket.
type RateLimiter struct {
	limiters *lru.Cache[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
	retry    time.Duration
}

// NewRateLimiter allows n requests per window per client IP.
func NewRateLimiter(n int, window time.Duration) *RateLimiter {
	cache, _ := lru.New[string, *rate.Limiter](lruSize)
	return &RateLimiter{
		limiters: cache,
		limit:    rate.Every(window / time.Duration(n)),
		burst:    n,
		retry:    window,
	}
}

// Middleware rejects over-limit requests with 429 and a Retry-After hint.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := ClientIP(c.Request)
		limiter, ok := rl.limiters.Get(ip)
		if !ok {
			limiter = rate.NewLimiter(rl.limit, rl.burst)
			rl.limiters.Add(ip, limiter)
		}
		if !limiter.Allow() {
			c.Header("Retry-After", strconv.Itoa(int(rl.retry.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limited",
				"message": "too many requests",
			})
			return
		}
		c.Next()
	}
}

// ClientIP resolves the caller address: X-Forwarded-For first hop, then
// X-Real-IP, then the socket peer. "unknown" when nothing parses.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return first
		}
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
		return real
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
