package middleware

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	apperrors "github.com/lk2023060901/filevault-backend/internal/pkg/errors"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"github.com/lk2023060901/filevault-backend/internal/pkg/redis"
	"go.uber.org/zap"
)

const (
	StrategyIP       = "ip"
	StrategyUser     = "user"
	StrategyEndpoint = "endpoint"
)

// RateLimiterConfig bounds requests per key inside a sliding window
type RateLimiterConfig struct {
	MaxRequests   int    `mapstructure:"max_requests"`
	WindowSeconds int    `mapstructure:"window_seconds"`
	Strategy      string `mapstructure:"strategy"`
}

// slidingWindowScript keeps one sorted-set member per request scored by its
// millisecond timestamp
const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local current = redis.call('ZCARD', key)

if current < limit then
	redis.call('ZADD', key, now, member)
	redis.call('PEXPIRE', key, window)
	return {1, limit - current - 1, now + window}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')[2]
return {0, 0, tonumber(oldest) + window}
`

// RateLimiter is a Redis sliding-window limiter. It fails open when Redis
// is unreachable.
func RateLimiter(client *redis.Client, cfg RateLimiterConfig, log *logger.Logger) gin.HandlerFunc {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 100
	}
	if cfg.WindowSeconds <= 0 {
		cfg.WindowSeconds = 60
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyIP
	}

	return func(c *gin.Context) {
		key := client.Key("rate_limit", buildRateLimitKey(c, cfg.Strategy))

		allowed, remaining, resetAt, err := checkRateLimit(c.Request.Context(), client, key, cfg)
		if err != nil {
			log.Error("rate limiter error", zap.Error(err), zap.String("key", key))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(cfg.MaxRequests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			retry := int(time.Until(resetAt).Seconds()) + 1
			if retry < 1 {
				retry = 1
			}
			c.Header("Retry-After", strconv.Itoa(retry))
			c.JSON(apperrors.GetHTTPStatus(apperrors.ErrTooManyRequests), gin.H{
				"code":    apperrors.ErrTooManyRequests,
				"message": fmt.Sprintf("too many requests, please try again in %d seconds", retry),
				"data":    gin.H{},
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// UploadRateLimiter throttles content-creating endpoints per user
func UploadRateLimiter(client *redis.Client, log *logger.Logger) gin.HandlerFunc {
	return RateLimiter(client, RateLimiterConfig{
		MaxRequests:   30,
		WindowSeconds: 60,
		Strategy:      StrategyUser,
	}, log)
}

// APIRateLimiter is the general per-user limit
func APIRateLimiter(client *redis.Client, log *logger.Logger) gin.HandlerFunc {
	return RateLimiter(client, RateLimiterConfig{
		MaxRequests:   600,
		WindowSeconds: 60,
		Strategy:      StrategyUser,
	}, log)
}

func buildRateLimitKey(c *gin.Context, strategy string) string {
	switch strategy {
	case StrategyUser:
		if userID := c.GetString(ContextUserID); userID != "" {
			return "user:" + userID
		}
		// anonymous callers fall back to the client address
		return "ip:" + c.ClientIP()
	case StrategyEndpoint:
		return fmt.Sprintf("endpoint:%s:%s", c.FullPath(), c.ClientIP())
	default:
		return "ip:" + c.ClientIP()
	}
}

func checkRateLimit(ctx context.Context, client *redis.Client, key string, cfg RateLimiterConfig) (bool, int, time.Time, error) {
	now := time.Now().UnixMilli()
	window := int64(cfg.WindowSeconds) * 1000

	result, err := client.Eval(ctx, slidingWindowScript, []string{key}, now, window, cfg.MaxRequests, uuid.NewString())
	if err != nil {
		return false, 0, time.Time{}, err
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 3 {
		return false, 0, time.Time{}, fmt.Errorf("invalid rate limit result: %v", result)
	}
	allowed, _ := values[0].(int64)
	remaining, _ := values[1].(int64)
	resetAt, _ := values[2].(int64)

	return allowed == 1, int(remaining), time.UnixMilli(resetAt), nil
}
