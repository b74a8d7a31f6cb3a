package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mail-relay/internal/observability"
	"mail-relay/internal/rate"
)

func SetupRoutes(
	app *fiber.App,
	logger *zap.Logger,
	metrics *observability.Metrics,
	handlers *Handlers,
	limiter *rate.Limiter,
) {
	SetupMiddleware(app, logger, metrics, limiter)

	// Health endpoints
	app.Get("/healthz", handlers.Health)
	app.Get("/readyz", handlers.Ready)

	if metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	}

	// API v1 routes
	v1 := app.Group("/v1")

	messages := v1.Group("/messages")
	messages.Post("/", handlers.SendMessage)
	messages.Get("/:requestId", handlers.GetMessage)

	admin := v1.Group("/admin")
	admin.Get("/breakers", handlers.ListBreakers)
	admin.Post("/breakers/reset", handlers.ResetBreakers)
	admin.Post("/breakers/:name/open", handlers.ForceOpenBreaker)
	admin.Get("/queue/stats", handlers.QueueStats)
	admin.Delete("/idempotency", handlers.ClearIdempotency)
}
