package middleware

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Limiter decides whether one more request for key is allowed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RateLimit returns a gin middleware limiting requests per client IP.
func RateLimit(l Limiter) gin.HandlerFunc {
	if l == nil {
		panic("Limiter cannot be nil for RateLimit middleware")
	}
	return func(c *gin.Context) {
		key := c.FullPath() + "|" + c.ClientIP()
		ok, err := l.Allow(c.Request.Context(), key)
		if err != nil {
			logrus.WithError(err).Error("RateLimit: limiter failed")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Rate limiting error"})
			return
		}
		if !ok {
			logrus.WithField("client_ip", c.ClientIP()).Warn("RateLimit: too many requests")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"success": false, "message": "Too many requests"})
			return
		}
		c.Next()
	}
}

// RedisLimiter is a fixed-window counter in Redis, shared by every server of the process
// and surviving restarts.
type RedisLimiter struct {
	client      *redis.Client
	prefix      string
	maxRequests int
	window      time.Duration
}

func NewRedisLimiter(client *redis.Client, prefix string, maxRequests int, window time.Duration) *RedisLimiter {
	if client == nil {
		panic("Redis client cannot be nil for RedisLimiter")
	}
	if maxRequests <= 0 {
		panic("maxRequests must be positive for RedisLimiter")
	}
	if window <= 0 {
		panic("window duration must be positive for RedisLimiter")
	}
	return &RedisLimiter{client: client, prefix: prefix, maxRequests: maxRequests, window: window}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := l.prefix + "ratelimit:" + key

	// The window opens together with the key, so a counter never lives without a TTL.
	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, redisKey, 0, l.window)
		incr = pipe.Incr(ctx, redisKey)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rate limit pipeline: %w", err)
	}
	count := incr.Val()
	return count <= int64(l.maxRequests), nil
}

// MemoryLimiter keeps a token bucket per key in process memory.
type MemoryLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	limit    rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewMemoryLimiter allows perSecond requests per key with the given burst. Buckets idle
// for more than ten minutes are dropped.
func NewMemoryLimiter(perSecond float64, burst int) *MemoryLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &MemoryLimiter{
		limiters: make(map[string]*limiterEntry),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		idle:     10 * time.Minute,
		now:      time.Now,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	return l.getOrCreate(key).Allow(), nil
}

func (l *MemoryLimiter) getOrCreate(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for k, e := range l.limiters {
		if now.Sub(e.lastSeen) > l.idle {
			delete(l.limiters, k)
		}
	}
	e, ok := l.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

// Len returns the number of tracked keys.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
