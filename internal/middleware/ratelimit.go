package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"clipportal/backend/internal/monitoring"
	"clipportal/backend/internal/storage"
)

// RateLimitByIP 按客户端 IP 的固定窗口限流
//
// limitType 同时用作计数键前缀和指标标签（create / send）。
// 计数存储出错时放行请求，只记录日志。
func RateLimitByIP(store storage.RateLimitRepository, log *zap.Logger, metrics *monitoring.Metrics, limitType string, limit int, window time.Duration) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}

	return func(c *gin.Context) {
		if limit <= 0 {
			c.Next()
			return
		}

		ip := c.ClientIP()
		key := fmt.Sprintf("%s:%s", limitType, ip)

		count, err := store.IncrementRateLimit(c.Request.Context(), key, window)
		if err != nil {
			log.Error("rate limit check failed",
				zap.String("type", limitType),
				zap.String("ip", ip),
				zap.Error(err))
			c.Next()
			return
		}

		remaining := int64(limit) - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if count > int64(limit) {
			metrics.RecordRateLimitBlock(limitType)
			log.Warn("rate limit exceeded",
				zap.String("type", limitType),
				zap.String("ip", ip),
				zap.Int64("count", count))

			c.Header("Retry-After", strconv.Itoa(int(window.Seconds())))
			abortWithMessage(c, http.StatusTooManyRequests, "请求过于频繁，请稍后再试", nil)
			return
		}

		c.Next()
	}
}
