package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/response"
)

const rateLimitTimeout = 500 * time.Millisecond

// RateLimiter enforces a fixed-window limit per authenticated user, counted
// in Redis so every server node shares the budget.
type RateLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
	log    zerolog.Logger
}

// NewRateLimiter creates a RateLimiter (e.g., 20 requests per minute).
// A non-positive limit disables limiting.
func NewRateLimiter(rdb *redis.Client, limit int, window time.Duration, log zerolog.Logger) *RateLimiter {
	return &RateLimiter{
		rdb:    rdb,
		limit:  limit,
		window: window,
		now:    time.Now,
		log:    log.With().Str("component", "rate_limiter").Logger(),
	}
}

// Allow counts one request for userID and reports whether it fits the window.
// Redis failures let the request through.
func (rl *RateLimiter) Allow(ctx context.Context, userID string) bool {
	if rl.limit <= 0 {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, rateLimitTimeout)
	defer cancel()

	key := config.CacheKey.RunRateLimitKey(userID, rl.now().UnixNano()/int64(rl.window))
	acquired, err := rl.rdb.SetNX(ctx, key, 1, rl.window).Result()
	if err != nil {
		rl.log.Warn().Err(err).Msg("Rate limit check failed, allowing request")
		return true
	}
	if acquired {
		return true
	}

	count, err := rl.rdb.Incr(ctx, key).Result()
	if err != nil {
		rl.log.Warn().Err(err).Msg("Rate limit check failed, allowing request")
		return true
	}
	if ttl, err := rl.rdb.TTL(ctx, key).Result(); err == nil && ttl < 0 {
		rl.rdb.Expire(ctx, key, rl.window)
	}
	return int(count) <= rl.limit
}

// Middleware returns a Gin middleware that rate-limits by user. Must run
// after RequireJWT.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}
		if !rl.Allow(c.Request.Context(), claims.UserID.String()) {
			response.AbortFail(c, http.StatusTooManyRequests, response.ErrRateLimitExceeded)
			return
		}
		c.Next()
	}
}
