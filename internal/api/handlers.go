package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"mail-relay/internal/engine"
)

type Handlers struct {
	logger *zap.Logger
	engine *engine.Engine
}

func NewHandlers(logger *zap.Logger, eng *engine.Engine) *Handlers {
	return &Handlers{logger: logger, engine: eng}
}

// SendMessage handles POST /v1/messages
func (h *Handlers) SendMessage(c *fiber.Ctx) error {
	var req engine.Request
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}

	result := h.engine.Submit(c.Context(), &req)

	if !result.Accepted {
		switch result.ErrorKind {
		case "validation":
			return c.Status(400).JSON(result)
		case "shutdown":
			return c.Status(503).JSON(result)
		default:
			h.logger.Error("submission rejected",
				zap.String("request_id", result.RequestID),
				zap.String("error_kind", result.ErrorKind))
			return c.Status(500).JSON(result)
		}
	}

	h.logger.Info("submission accepted",
		zap.String("request_id", result.RequestID),
		zap.String("status", result.Status),
		zap.String("job_id", result.JobID))

	if result.Status == engine.StatusQueued {
		return c.Status(202).JSON(result)
	}
	return c.Status(200).JSON(result)
}

// GetMessage handles GET /v1/messages/:requestId
func (h *Handlers) GetMessage(c *fiber.Ctx) error {
	requestID := c.Params("requestId")
	if requestID == "" {
		return c.Status(400).JSON(fiber.Map{"error": "request id required"})
	}

	status := h.engine.GetStatus(requestID)
	if !status.Found {
		return c.Status(404).JSON(fiber.Map{"error": "request not found", "request_id": requestID})
	}
	return c.JSON(status)
}

// ListBreakers handles GET /v1/admin/breakers
func (h *Handlers) ListBreakers(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"breakers": h.engine.BreakerStatuses()})
}

// ResetBreakers handles POST /v1/admin/breakers/reset. An empty
// ?transport= resets every breaker.
func (h *Handlers) ResetBreakers(c *fiber.Ctx) error {
	name := c.Query("transport")
	if err := h.engine.ResetBreaker(name); err != nil {
		return c.Status(404).JSON(fiber.Map{"error": err.Error()})
	}
	h.logger.Info("breaker reset", zap.String("transport", name))
	return c.JSON(fiber.Map{"breakers": h.engine.BreakerStatuses()})
}

// ForceOpenBreaker handles POST /v1/admin/breakers/:name/open
func (h *Handlers) ForceOpenBreaker(c *fiber.Ctx) error {
	name := c.Params("name")
	if err := h.engine.ForceOpenBreaker(name); err != nil {
		return c.Status(404).JSON(fiber.Map{"error": err.Error()})
	}
	h.logger.Warn("breaker forced open", zap.String("transport", name))
	return c.JSON(fiber.Map{"breakers": h.engine.BreakerStatuses()})
}

// QueueStats handles GET /v1/admin/queue/stats
func (h *Handlers) QueueStats(c *fiber.Ctx) error {
	return c.JSON(h.engine.QueueStats())
}

// ClearIdempotency handles DELETE /v1/admin/idempotency. Test hook.
func (h *Handlers) ClearIdempotency(c *fiber.Ctx) error {
	h.engine.ClearIdempotency()
	return c.SendStatus(204)
}

// Health handles GET /healthz
func (h *Handlers) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "time": time.Now().Unix()})
}

// Ready handles GET /readyz
func (h *Handlers) Ready(c *fiber.Ctx) error {
	if !h.engine.Ready(c.Context()) {
		return c.Status(503).JSON(fiber.Map{"status": "not ready"})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}
