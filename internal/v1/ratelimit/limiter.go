// Package ratelimit implements rate limiting logic using Redis or local memory.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/clipboardpush/signal-coordinator/internal/v1/config"
	"github.com/clipboardpush/signal-coordinator/internal/v1/logging"
	"github.com/clipboardpush/signal-coordinator/internal/v1/metrics"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// RateLimiter holds the rate limiter instances for the public HTTP surface
// and the event socket.
type RateLimiter struct {
	httpIP *limiter.Limiter
	wsIP   *limiter.Limiter
	wsUser *limiter.Limiter
	store  limiter.Store
}

// NewRateLimiter creates a new RateLimiter instance, preferring a Redis-backed
// store when redisClient is non-nil and falling back to an in-memory store
// otherwise (dev mode, or Redis unavailable).
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIp)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}

	wsUserRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsUser)
	if err != nil {
		return nil, fmt.Errorf("invalid WS client rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "signal:limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using memory store (Redis disabled or unavailable)")
	}

	return &RateLimiter{
		httpIP: limiter.New(store, wsIPRate),
		wsIP:   limiter.New(store, wsIPRate),
		wsUser: limiter.New(store, wsUserRate),
		store:  store,
	}, nil
}

// HTTPMiddleware enforces a per-IP limit on the public HTTP surface
// (/api/relay, /api/file/*).
func (rl *RateLimiter) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		key := c.ClientIP()

		lctx, err := rl.httpIP.Get(ctx, key)
		if err != nil {
			logging.Error(ctx, "rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), "ip").Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}

// CheckWebSocket checks whether a new event-socket connection from this IP
// should be allowed. Returns true if allowed; writes the 429 response itself
// otherwise.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()

	ip := c.ClientIP()
	ipCtx, err := rl.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "ws rate limiter store failed (ip)", zap.Error(err))
		return true // fail open
	}

	if ipCtx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("socket_connect", "ip").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(ipCtx.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections from this IP"})
		return false
	}

	return true
}

// CheckClientEventRate checks the per-client event rate, called by the
// dispatcher for every inbound event to throttle a single chatty client
// without punishing its room peer.
func (rl *RateLimiter) CheckClientEventRate(ctx context.Context, clientID string) error {
	lctx, err := rl.wsUser.Get(ctx, clientID)
	if err != nil {
		logging.Error(ctx, "ws rate limiter store failed (client)", zap.Error(err))
		return nil // fail open
	}

	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("socket_event", "client").Inc()
		return fmt.Errorf("rate limit exceeded for client %s", clientID)
	}

	return nil
}
