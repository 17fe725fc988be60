package middleware

import (
	"os"
	"strconv"
	"time"

	"chatcontext/internal/logging"
	"chatcontext/internal/services"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/sirupsen/logrus"
)

// RateLimitConfig holds rate limiting settings
type RateLimitConfig struct {
	// Global limits (per IP)
	GlobalAPIMax        int
	GlobalAPIExpiration time.Duration

	// WebSocket connection attempts (per IP)
	WebSocketMax        int
	WebSocketExpiration time.Duration
}

// DefaultRateLimitConfig returns production defaults
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		GlobalAPIMax:        200,
		GlobalAPIExpiration: 1 * time.Minute,
		WebSocketMax:        20,
		WebSocketExpiration: 1 * time.Minute,
	}
}

// LoadRateLimitConfig loads config from environment variables with defaults
func LoadRateLimitConfig(environment string) *RateLimitConfig {
	config := DefaultRateLimitConfig()

	if v := os.Getenv("RATE_LIMIT_GLOBAL_API"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.GlobalAPIMax = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_WEBSOCKET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WebSocketMax = n
		}
	}

	if environment == "development" {
		config.GlobalAPIMax = 1000
		config.WebSocketMax = 100
		logging.Component("rate-limit").Warn("Development mode: using relaxed rate limits")
	}

	return config
}

// GlobalAPIRateLimiter limits all API requests per IP
func GlobalAPIRateLimiter(config *RateLimitConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        config.GlobalAPIMax,
		Expiration: config.GlobalAPIExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "global:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			logging.Component("rate-limit").WithField("ip", c.IP()).Warn("Global limit reached")
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "Too many requests. Please slow down.",
				"retry_after": int(config.GlobalAPIExpiration.Seconds()),
			})
		},
	})
}

// WebSocketRateLimiter limits WebSocket connection attempts per IP
func WebSocketRateLimiter(config *RateLimitConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        config.WebSocketMax,
		Expiration: config.WebSocketExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "ws:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			logging.Component("rate-limit").WithField("ip", c.IP()).Warn("WebSocket connection limit reached")
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "Too many connection attempts. Please wait before reconnecting.",
				"retry_after": int(config.WebSocketExpiration.Seconds()),
			})
		},
	})
}

// ChatQuota enforces a per-user fixed-window chat quota in Redis.
// It is a no-op without Redis or with a non-positive limit, and lets
// requests through when Redis errors.
func ChatQuota(redis *services.RedisService, perMinute int64) fiber.Handler {
	log := logging.Component("rate-limit")

	return func(c *fiber.Ctx) error {
		if redis == nil || perMinute <= 0 {
			return c.Next()
		}
		userID := UserID(c)
		if userID == "" {
			return c.Next()
		}

		remaining, exceeded, err := redis.CheckRateLimit(c.UserContext(), "quota:chat:"+userID, perMinute, time.Minute)
		if err != nil {
			log.WithError(err).Warn("Chat quota check failed, allowing request")
			return c.Next()
		}
		if exceeded {
			logging.WithUser(log, userID).WithFields(logrus.Fields{"limit": perMinute}).Warn("Chat quota exceeded")
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "Chat quota exceeded. Please wait before sending more messages.",
				"retry_after": 60,
			})
		}

		c.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		return c.Next()
	}
}
