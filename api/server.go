// Package api is the external HTTP surface over the upload-execution
// engine: job submission/status/listing, a WebSocket feed that announces
// each accepted job submission (job and file state transitions are not
// broadcast), and a metrics endpoint — grounded on the teacher's
// handlers/ package and main.go Fiber wiring.
package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	fiberlog "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"

	"uploadengine/internal/engine"
	"uploadengine/monitoring"
	"uploadengine/pkg/logging"
)

// Server owns the Fiber app and the ambient API-layer dependencies that sit
// alongside the engine: the WebSocket hub, the rate limiter, and the
// resource/request metrics used by the metrics endpoint.
type Server struct {
	app         *fiber.App
	engine      *engine.Engine
	hub         *Hub
	rateLimiter *RateLimiter
	resources   *monitoring.ResourceMonitor
	requests    *monitoring.RequestMetrics
	logger      *logging.EngineLogger
}

// Config carries the API layer's own tuning knobs.
type Config struct {
	RateLimitPerSec float64
}

// New constructs the Fiber app and mounts every route of spec.md §6's
// external interface.
func New(cfg Config, eng *engine.Engine, logger *logging.EngineLogger) *Server {
	s := &Server{
		app:         fiber.New(fiber.Config{DisableStartupMessage: true}),
		engine:      eng,
		hub:         NewHub(logger),
		rateLimiter: NewRateLimiter(cfg.RateLimitPerSec),
		resources:   monitoring.NewResourceMonitor("/", 5*time.Second),
		requests:    monitoring.NewRequestMetrics(),
		logger:      logger,
	}

	s.resources.Start(context.Background())

	s.app.Use(recover.New())
	s.app.Use(cors.New())
	s.app.Use(fiberlog.New(fiberlog.Config{
		Format: "${time} | ${status} | ${latency} | ${ip} | ${method} | ${path}\n",
	}))
	s.app.Use(func(c *fiber.Ctx) error {
		s.requests.RecordRequest()
		err := c.Next()
		if err != nil {
			s.requests.RecordError()
		}
		return err
	})
	s.app.Use(s.rateLimitMiddleware)

	jobs := s.app.Group("/api/jobs")
	jobs.Post("/", s.submitJob)
	jobs.Get("/", s.listJobs)
	jobs.Get("/:id", s.getJob)
	jobs.Get("/:id/files", s.listJobFiles)

	s.app.Get("/api/metrics", s.getMetrics)

	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws", websocket.New(func(c *websocket.Conn) {
		s.hub.HandleConnection(c)
	}))

	return s
}

// rateLimitMiddleware applies the engine-wide API rate limit, keyed by
// client IP, grounded on the teacher's services/rate_limiter.go per-IP
// limiter.
func (s *Server) rateLimitMiddleware(c *fiber.Ctx) error {
	if !s.rateLimiter.Allow(c.IP()) {
		return fiber.NewError(fiber.StatusTooManyRequests, "rate limit exceeded")
	}
	return c.Next()
}

// Listen starts serving on addr. Blocks until the server stops.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown gracefully drains in-flight requests within timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.resources.Stop()
	return s.app.ShutdownWithTimeout(timeout)
}
