package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"inboxd/internal/cache"
	"inboxd/internal/config"
	"inboxd/internal/monitoring"
)

const (
	limiterIdleTTL    = 10 * time.Minute
	maxLimiterEntries = 10000
)

// IPRateLimiter 按客户端 IP 的令牌桶限流
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters *cache.LocalCache[*rate.Limiter]
	limit    rate.Limit
	burst    int
}

// NewIPRateLimiter 创建限流器，闲置超过 10 分钟的 IP 被回收
func NewIPRateLimiter(rps float64, burst int) *IPRateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &IPRateLimiter{
		limiters: cache.NewLocalCache[*rate.Limiter](maxLimiterEntries, limiterIdleTTL),
		limit:    rate.Limit(rps),
		burst:    burst,
	}
}

// Allow 判断该 IP 的请求是否放行
func (l *IPRateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters.Get(ip)
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
	}
	// 每次访问刷新闲置时间
	l.limiters.Set(ip, limiter, 0)
	l.mu.Unlock()

	return limiter.Allow()
}

// RateLimit 返回基于配置的限流中间件，超限返回 429
func RateLimit(cfg config.RateLimitConfig, metrics *monitoring.Metrics) gin.HandlerFunc {
	if !cfg.Enabled || cfg.RPS <= 0 {
		return func(c *gin.Context) { c.Next() }
	}

	limiter := NewIPRateLimiter(cfg.RPS, cfg.Burst)

	return func(c *gin.Context) {
		if !limiter.Allow(clientIP(c)) {
			metrics.RecordRateLimitBlock("http")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func clientIP(c *gin.Context) string {
	ip := c.ClientIP()
	if ip == "" {
		host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
		if err == nil {
			ip = host
		} else {
			ip = c.Request.RemoteAddr
		}
	}
	if ip == "" {
		ip = "unknown"
	}
	return ip
}
