// Package ratelimit provides rate limiting middleware for the atelier API.
package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/mbd888/atelier/internal/logging"
	"github.com/mbd888/atelier/internal/metrics"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the max requests per key per minute
	RequestsPerMinute int
	// Prefix namespaces the counters in shared stores
	Prefix string
	// CleanupInterval is how often the memory store drops expired counters
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		Prefix:            "atelier:ratelimit",
		CleanupInterval:   time.Minute,
	}
}

// KeyFunc picks the bucket a request is counted against.
type KeyFunc func(c *gin.Context) string

// Limiter counts requests per key over a one-minute window.
type Limiter struct {
	instance *limiter.Limiter
	key      KeyFunc
}

// New creates an in-process limiter.
func New(cfg Config) *Limiter {
	store := memory.NewStoreWithOptions(limiter.StoreOptions{
		Prefix:          cfg.Prefix,
		CleanUpInterval: cfg.CleanupInterval,
	})
	return newLimiter(store, cfg)
}

// NewRedis creates a limiter whose counters live in redis, shared by every
// API replica.
func NewRedis(client redis.UniversalClient, cfg Config) (*Limiter, error) {
	store, err := sredis.NewStoreWithOptions(client, limiter.StoreOptions{
		Prefix: cfg.Prefix,
	})
	if err != nil {
		return nil, err
	}
	return newLimiter(store, cfg), nil
}

func newLimiter(store limiter.Store, cfg Config) *Limiter {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = DefaultConfig().RequestsPerMinute
	}
	rate := limiter.Rate{Period: time.Minute, Limit: int64(rpm)}
	return &Limiter{
		instance: limiter.New(store, rate),
		key:      ClientIPKey,
	}
}

// WithKeyFunc replaces the default client-IP keying.
func (l *Limiter) WithKeyFunc(fn KeyFunc) *Limiter {
	l.key = fn
	return l
}

// ClientIPKey counts requests per client address.
func ClientIPKey(c *gin.Context) string {
	return "ip:" + c.ClientIP()
}

// Middleware returns a Gin middleware that enforces the limit. Store errors
// let the request through.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		lctx, err := l.instance.Get(c.Request.Context(), l.key(c))
		if err != nil {
			logging.L(c.Request.Context()).Warn("rate limit store unavailable", "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitedTotal.Inc()
			retryAfter := lctx.Reset - time.Now().Unix()
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": retryAfter,
			})
			return
		}

		c.Next()
	}
}
