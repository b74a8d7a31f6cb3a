package api

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"

	"mail-relay/internal/observability"
	"mail-relay/internal/rate"
)

func SetupMiddleware(app *fiber.App, logger *zap.Logger, metrics *observability.Metrics, limiter *rate.Limiter) {
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	app.Use(requestid.New())

	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,HEAD,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-Client-ID",
	}))

	// Logging + metrics middleware
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		duration := time.Since(start)
		status := c.Response().StatusCode()

		logger.Info("http_request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("duration", duration),
			zap.String("request_id", c.Get("X-Request-ID")),
		)

		if metrics != nil {
			metrics.HTTPRequestsTotal.WithLabelValues(
				c.Method(),
				c.Route().Path,
				fmt.Sprintf("%d", status),
			).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(
				c.Method(),
				c.Route().Path,
			).Observe(duration.Seconds())
		}

		return err
	})

	// Token-bucket admission on submissions, keyed by the caller-supplied
	// client id. The engine core never rate limits inside the worker loop.
	app.Use("/v1/messages", func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost {
			return c.Next()
		}

		key := c.Get("X-Client-ID")
		decision := limiter.Allow(key)
		if !decision.Allowed {
			if metrics != nil {
				metrics.RateLimitedTotal.Inc()
			}
			retryAfter := decision.RetryAfter
			c.Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":          "rate limit exceeded",
				"retry_after_ms": retryAfter.Milliseconds(),
			})
		}

		return c.Next()
	})
}
