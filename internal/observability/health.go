package observability

import (
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
)

// HealthChecker manages liveness and readiness state.
// /healthz (liveness), /readyz (readiness).
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
	}
}

// SetReady marks the service as ready to accept traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// LivenessHandler returns HTTP 200 if the process is alive.
func (h *HealthChecker) LivenessHandler(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 if the service is ready, 503 otherwise.
// Ready means: migrations applied, Postgres reachable, listeners started.
func (h *HealthChecker) ReadinessHandler(c *fiber.Ctx) error {
	if h.ready.Load() {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ready"})
	}
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "not_ready"})
}
