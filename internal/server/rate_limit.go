package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const visitorLimiterIdleTTL = 10 * time.Minute

// RateLimitConfig bounds write requests per client IP. A zero PerSecond disables limiting.
type RateLimitConfig struct {
	PerSecond float64
	Burst     int
}

type ipVisitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type ipRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*ipVisitor
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

func newIPRateLimiter(cfg RateLimitConfig) *ipRateLimiter {
	return &ipRateLimiter{
		visitors: make(map[string]*ipVisitor),
		limit:    rate.Limit(cfg.PerSecond),
		burst:    cfg.Burst,
		now:      time.Now,
	}
}

func (l *ipRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	visitor, exists := l.visitors[ip]
	if !exists {
		l.pruneLocked(now)
		visitor = &ipVisitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = visitor
	}
	visitor.lastSeen = now
	return visitor.limiter.AllowN(now, 1)
}

func (l *ipRateLimiter) pruneLocked(now time.Time) {
	for ip, visitor := range l.visitors {
		if now.Sub(visitor.lastSeen) > visitorLimiterIdleTTL {
			delete(l.visitors, ip)
		}
	}
}

// rateLimitMiddleware applies a per-IP token bucket to the wrapped routes.
func rateLimitMiddleware(cfg RateLimitConfig) gin.HandlerFunc {
	if cfg.PerSecond <= 0 {
		return func(c *gin.Context) {
			c.Next()
		}
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	limiter := newIPRateLimiter(cfg)
	return func(c *gin.Context) {
		if !limiter.allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
			return
		}
		c.Next()
	}
}
