package middleware

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"jobflow/internal/common"
	"jobflow/internal/identity"
)

// RateLimiterConfig 限流配置
type RateLimiterConfig struct {
	RequestsPerSecond int           // 每秒补充令牌数
	RequestsPerMinute int           // 每分钟请求上限，0 表示不限
	BurstSize         int           // 突发容量
	CleanupInterval   time.Duration // 空闲状态清理间隔
}

// DefaultRateLimiterConfig 常规 API 的默认限流配置
func DefaultRateLimiterConfig() *RateLimiterConfig {
	return &RateLimiterConfig{
		RequestsPerSecond: 10,
		RequestsPerMinute: 300,
		BurstSize:         20,
		CleanupInterval:   5 * time.Minute,
	}
}

// LoginRateLimiterConfig 认证端点的收紧配置，抑制口令爆破
func LoginRateLimiterConfig() *RateLimiterConfig {
	return &RateLimiterConfig{
		RequestsPerSecond: 2,
		RequestsPerMinute: 30,
		BurstSize:         5,
		CleanupInterval:   5 * time.Minute,
	}
}

// bucket 单个客户端键的令牌桶与分钟窗口计数
type bucket struct {
	tokens      float64
	lastRefill  time.Time
	minuteCount int64
	minuteStart time.Time
}

func newBucket(now time.Time, burst int) *bucket {
	return &bucket{
		tokens:      float64(burst - 1),
		lastRefill:  now,
		minuteCount: 1,
		minuteStart: now,
	}
}

// refill 按流逝时间补充令牌并滚动分钟窗口
func (b *bucket) refill(now time.Time, cfg *RateLimiterConfig) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * float64(cfg.RequestsPerSecond)
	if limit := float64(cfg.BurstSize); b.tokens > limit {
		b.tokens = limit
	}
	b.lastRefill = now

	if now.Sub(b.minuteStart) > time.Minute {
		b.minuteCount = 0
		b.minuteStart = now
	}
}

// take 消费一个令牌，分钟配额或令牌不足时失败
func (b *bucket) take(cfg *RateLimiterConfig) bool {
	if cfg.RequestsPerMinute > 0 && b.minuteCount >= int64(cfg.RequestsPerMinute) {
		return false
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	b.minuteCount++
	return true
}

// RateLimiter 进程内令牌桶限流器，按客户端键独立计数
type RateLimiter struct {
	config  *RateLimiterConfig
	buckets map[string]*bucket
	mu      sync.Mutex
	stopCh  chan struct{}
}

// NewRateLimiter 创建限流器并启动空闲状态清理协程
func NewRateLimiter(config *RateLimiterConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimiterConfig()
	}

	rl := &RateLimiter{
		config:  config,
		buckets: make(map[string]*bucket),
		stopCh:  make(chan struct{}),
	}
	go rl.evictIdle()
	return rl
}

// Allow 消费一个令牌，令牌不足或超出分钟配额时拒绝
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, ok := rl.buckets[key]
	if !ok {
		rl.buckets[key] = newBucket(now, rl.config.BurstSize)
		return true
	}

	b.refill(now, rl.config)
	return b.take(rl.config)
}

// idleTTL 超过该时长未活跃的客户端状态会被清理
const idleTTL = 10 * time.Minute

func (rl *RateLimiter) evictIdle() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-idleTTL)
			rl.mu.Lock()
			for key, b := range rl.buckets {
				if b.lastRefill.Before(cutoff) {
					delete(rl.buckets, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

// Stop 停止清理协程
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// RateLimit 通用限流中间件。已认证请求按用户计数，
// 匿名请求按客户端 IP 计数。
func RateLimit(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow(clientKey(c)) {
			common.AbortWithError(c, common.CodeRateLimited, "请求过于频繁，请稍后重试")
			return
		}
		c.Next()
	}
}

// RateLimitByEndpoint 端点级限流中间件，用于登录等敏感接口
func RateLimitByEndpoint(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "endpoint:" + c.FullPath() + ":" + clientKey(c)
		if !limiter.Allow(key) {
			common.AbortWithError(c, common.CodeRateLimited, "该接口请求过于频繁")
			return
		}
		c.Next()
	}
}

func clientKey(c *gin.Context) string {
	if uc, ok := identity.GetUserContext(c); ok && uc.UserID != "" {
		return uc.UserID
	}
	return c.ClientIP()
}
