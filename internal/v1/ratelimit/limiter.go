// Package ratelimit implements two independent rate limiters: an
// ulule/limiter-backed guard for the admin read-only HTTP surface, and a
// hand-rolled per-connection per-event-type limiter (see socket.go) for the
// WebSocket dispatcher. The two share nothing:
// the HTTP surface's traffic shape (bursty scrapes from a small set of
// clients) fits a library-provided fixed window; the socket limiter's
// progressive warn/disconnect/ban escalation with a violation ledger has no
// analogue in the pack and is implemented directly.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/surgicollab/collab-gateway/internal/v1/config"
	"github.com/surgicollab/collab-gateway/internal/v1/logging"
	"github.com/surgicollab/collab-gateway/internal/v1/metrics"
)

// AdminRateLimiter protects the read-only admin HTTP surface from scraping
// storms. It is keyed by client IP; the admin surface has its own bearer
// check upstream, so a per-user key is unnecessary here.
type AdminRateLimiter struct {
	global *limiter.Limiter
	store  limiter.Store
}

// NewAdminRateLimiter builds an AdminRateLimiter using a Redis-backed store
// when redisClient is non-nil, falling back to an in-memory store otherwise.
func NewAdminRateLimiter(cfg *config.Config, redisClient *redis.Client) (*AdminRateLimiter, error) {
	rate, err := limiter.NewRateFromFormatted(cfg.RateLimitAdminGlobal)
	if err != nil {
		return nil, fmt.Errorf("invalid admin rate limit: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: "collab-gateway:admin-limiter:"})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "admin rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "admin rate limiter using in-memory store (Redis disabled)")
	}

	return &AdminRateLimiter{
		global: limiter.New(store, rate),
		store:  store,
	}, nil
}

// Middleware returns a gin handler enforcing the admin surface's global rate.
func (rl *AdminRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		key := c.ClientIP()

		lctx, err := rl.global.Get(ctx, key)
		if err != nil {
			logging.Error(ctx, "admin rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitViolations.WithLabelValues("admin_http").Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		c.Next()
	}
}
