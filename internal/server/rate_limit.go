package server

import (
	"math"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/entitlements/internal/observability/logger"
	"go.uber.org/zap"
)

// TrackRateLimit spends one token of the tenant's bucket per tracking call.
func (s *Server) TrackRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}
		tenant, ok := tenantFromRequest(c)
		if !ok {
			AbortWithError(c, ErrOrgRequired)
			return
		}

		ctx := c.Request.Context()
		res, err := s.limiter.Allow(ctx, tenant)
		if err != nil {
			logger.FromContext(ctx).Warn("track rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !res.Allowed {
			logger.FromContext(ctx).Warn("track rate limit exceeded",
				zap.String("route", c.FullPath()),
				zap.Int("limit", res.Limit),
			)
			retryAfter := int(math.Max(1, math.Ceil(res.RetryAfter.Seconds())))
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			c.Header("X-RateLimit-Remaining", "0")
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		c.Next()
	}
}
