package middleware

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaygate/gateway/internal/gatewayerr"
	"github.com/relaygate/gateway/internal/store"
)

// rpmWindow is the fixed 60-second window the gateway-side IP and
// client-key rate limiters count against,
// separate from the per-upstream-key RPM window the admission controller
// owns.
const rpmWindow = 60 * time.Second

// LLMAPIRateLimit throttles relay routes per authenticated client key at
// limit requests/minute, reusing the same IncrWithTTL counter primitive
// the admission controller uses for upstream RPM (internal/store).
func LLMAPIRateLimit(redis *store.Client, limit int) gin.HandlerFunc {
	return rateLimit(redis, limit, func(c *gin.Context) string {
		key := ClientKeyFromContext(c)
		if key == nil {
			return "anon:" + c.ClientIP()
		}
		return fmt.Sprintf("key:%d", key.ID)
	})
}

// PublicAPIRateLimit throttles unauthenticated/admin routes per caller IP.
func PublicAPIRateLimit(redis *store.Client, limit int) gin.HandlerFunc {
	return rateLimit(redis, limit, func(c *gin.Context) string { return "ip:" + c.ClientIP() })
}

func rateLimit(redis *store.Client, limit int, bucket func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limit <= 0 || !redis.Enabled() {
			// Degraded mode: no shared store means no cross-replica counting,
			// so the gate is a no-op rather than a false, per-process limit.
			c.Next()
			return
		}

		redisKey := "ratelimit:" + bucket(c) + ":" + c.FullPath()
		count, err := redis.IncrWithTTL(c.Request.Context(), redisKey, rpmWindow)
		if err != nil {
			// A rate-limiter outage must not take the gateway down with it.
			c.Next()
			return
		}
		if count > int64(limit) {
			AbortWithGatewayError(c, gatewayerr.New(gatewayerr.KindRateLimit, nil, "rate limit exceeded"))
			return
		}
		c.Next()
	}
}
