package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"pickup/mediator/internal/monitoring"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// VerkeyLimiter 按发送方 verkey 的令牌桶限流器
type VerkeyLimiter struct {
	rps     rate.Limit
	burst   int
	metrics *monitoring.Metrics

	mu       sync.Mutex
	visitors map[string]*visitor
	now      func() time.Time
}

// NewVerkeyLimiter 创建限流器
func NewVerkeyLimiter(rps float64, burst int, metrics *monitoring.Metrics) *VerkeyLimiter {
	return &VerkeyLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		metrics:  metrics,
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
}

// Allow 检查 key 是否还有令牌
func (l *VerkeyLimiter) Allow(key string) bool {
	now := l.now()

	l.mu.Lock()
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	l.mu.Unlock()

	return v.limiter.AllowN(now, 1)
}

// Len 当前跟踪的 key 数量
func (l *VerkeyLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// Prune 删除 idle 时长内没有请求的 key
func (l *VerkeyLimiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idle)
	removed := 0
	for key, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, key)
			removed++
		}
	}
	return removed
}

// StartCleanup 定期清理空闲 key，直到 ctx 结束
func (l *VerkeyLimiter) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune(interval)
		}
	}
}

// Limit 按认证中间件写入的发送方 verkey 限流，没有 verkey 的请求按客户端 IP 限流
func (l *VerkeyLimiter) Limit() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetString(ContextKeySenderVerkey)
		if key == "" {
			key = "ip:" + c.ClientIP()
		}

		if !l.Allow(key) {
			l.metrics.RecordRateLimitBlock()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}

		c.Next()
	}
}
