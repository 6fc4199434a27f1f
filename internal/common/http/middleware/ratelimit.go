package middleware

import (
	"context"
	"fmt"
	"time"

	"cpjudge/internal/common/cache"
	pkgerrors "cpjudge/pkg/errors"
	"cpjudge/pkg/utils/logger"
	"cpjudge/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	rateKeyPrefix      = "cpjudge:rate:"
	defaultRateTimeout = 200 * time.Millisecond
	defaultRateWindow  = time.Minute
)

// RateLimitPolicy bounds requests per client IP on one route.
type RateLimitPolicy struct {
	Window time.Duration
	IPMax  int
}

// RateLimiter counts requests in fixed redis windows.
type RateLimiter struct {
	counters cache.CounterOps
	timeout  time.Duration
}

// NewRateLimiter creates a limiter. A nil counter store disables limiting.
func NewRateLimiter(counters cache.CounterOps, timeout time.Duration) *RateLimiter {
	if timeout <= 0 {
		timeout = defaultRateTimeout
	}
	return &RateLimiter{counters: counters, timeout: timeout}
}

// Allow returns TooManyRequests once key exceeds max in the current window.
func (l *RateLimiter) Allow(ctx context.Context, key string, max int, window time.Duration) error {
	if l == nil || l.counters == nil || max <= 0 {
		return nil
	}
	if window <= 0 {
		window = defaultRateWindow
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	count, err := l.counters.IncrWindow(ctx, rateKeyPrefix+key, window)
	if err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.CacheError, "rate limit check failed")
	}
	if count > int64(max) {
		return pkgerrors.Newf(pkgerrors.TooManyRequests, "rate limit exceeded for %s", key)
	}
	return nil
}

// RateLimit limits routeKey per client IP. Counter failures let the request through.
func RateLimit(limiter *RateLimiter, routeKey string, policy RateLimitPolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil || policy.IPMax <= 0 {
			c.Next()
			return
		}
		key := fmt.Sprintf("ip:%s:%s", c.ClientIP(), routeKey)
		err := limiter.Allow(c.Request.Context(), key, policy.IPMax, policy.Window)
		switch {
		case err == nil:
		case pkgerrors.Is(err, pkgerrors.TooManyRequests):
			response.AbortWithError(c, err)
			return
		default:
			logger.Warn(c.Request.Context(), "rate limit unavailable", zap.String("route", routeKey), zap.Error(err))
		}
		c.Next()
	}
}
