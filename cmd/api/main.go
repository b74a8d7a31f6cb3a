package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"mail-relay/internal/api"
	"mail-relay/internal/breaker"
	"mail-relay/internal/config"
	"mail-relay/internal/engine"
	"mail-relay/internal/observability"
	"mail-relay/internal/queue"
	"mail-relay/internal/rate"
	"mail-relay/internal/transport"
	"mail-relay/internal/transport/mock"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting mail relay", zap.String("port", cfg.Port))

	var metrics *observability.Metrics
	if cfg.MetricsEnabled {
		metrics = observability.NewMetrics()
	}

	// Transports, primary first
	primary := mock.NewProvider("primary", mock.Rates{
		Transient:       cfg.PrimaryTransientRate,
		RateLimited:     cfg.PrimaryRateLimitedRate,
		PermanentLocal:  cfg.PrimaryPermLocalRate,
		PermanentGlobal: cfg.PrimaryPermGlobalRate,
	}, cfg.MockLatency)
	secondary := mock.NewProvider("secondary", mock.Rates{
		Transient:       cfg.SecondaryTransientRate,
		RateLimited:     cfg.SecondaryRateLimitedRate,
		PermanentLocal:  cfg.SecondaryPermLocalRate,
		PermanentGlobal: cfg.SecondaryPermGlobalRate,
	}, cfg.MockLatency)

	eng := engine.New(engine.Config{
		MaxAttemptsPerTransport: cfg.MaxAttemptsPerTransport,
		InitialRetryDelay:       cfg.InitialRetryDelay,
		MaxRetryDelay:           cfg.MaxRetryDelay,
		RetryMultiplier:         cfg.RetryMultiplier,
		EnableBreaker:           cfg.EnableBreaker,
		EnableQueue:             cfg.EnableQueue,
		Breaker: breaker.Config{
			FailureThreshold: cfg.BreakerFailureThreshold,
			SuccessThreshold: cfg.BreakerSuccessThreshold,
			OpenDuration:     cfg.BreakerOpenDuration,
		},
		Queue: queue.Config{
			MaxConcurrency:     cfg.QueueMaxConcurrency,
			PollInterval:       cfg.QueuePollInterval,
			JobTimeout:         cfg.QueueJobTimeout,
			RetryBaseDelay:     cfg.QueueRetryBaseDelay,
			MaxRetries:         cfg.QueueMaxRetries,
			StuckSweepInterval: cfg.QueueStuckSweepInterval,
			HistoryLimit:       cfg.QueueHistoryLimit,
		},
		IdempotencyTTL: cfg.IdempotencyTTL,
		SweepInterval:  cfg.IdempotencySweepInterval,
	}, []transport.Transport{primary, secondary}, logger, metrics)

	eng.Start()

	limiter := rate.NewLimiter(logger, cfg.RateCapacity, cfg.RateWindow)
	limiterCtx, limiterCancel := context.WithCancel(context.Background())
	go limiter.Run(limiterCtx)

	handlers := api.NewHandlers(logger, eng)

	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			logger.Error("Fiber error", zap.Error(err))
			return c.Status(500).JSON(fiber.Map{"error": "internal server error"})
		},
	})

	api.SetupRoutes(app, logger, metrics, handlers, limiter)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	logger.Info("Mail relay started", zap.String("port", cfg.Port))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error("Failed to shut down HTTP server", zap.Error(err))
	}
	limiterCancel()
	if err := eng.Stop(ctx); err != nil {
		logger.Warn("Engine drain timed out", zap.Error(err))
	}

	logger.Info("Mail relay stopped")
}
