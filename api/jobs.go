package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"uploadengine/internal/store"
	"uploadengine/pkg/logging"
)

// submitJobRequest is the POST /api/jobs request body.
type submitJobRequest struct {
	SourceFolder      string `json:"source_folder"`
	DestinationBucket string `json:"destination_bucket"`
	Pattern           string `json:"pattern,omitempty"`
}

// submitJob handles POST /api/jobs: submit_job.
func (s *Server) submitJob(c *fiber.Ctx) error {
	var req submitJobRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	job := &store.Job{
		ID:                uuid.NewString(),
		SourceFolder:      req.SourceFolder,
		DestinationBucket: req.DestinationBucket,
		Pattern:           req.Pattern,
	}

	created, err := s.engine.SubmitJob(job)
	if err != nil {
		return writeEngineError(c, err)
	}

	s.hub.Broadcast(Event{Type: "job_submitted", JobID: created.ID})
	return c.Status(fiber.StatusCreated).JSON(created)
}

// listJobs handles GET /api/jobs: list_jobs.
func (s *Server) listJobs(c *fiber.Ctx) error {
	jobs, err := s.engine.ListJobs()
	if err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(jobs)
}

// getJob handles GET /api/jobs/:id: get_job.
func (s *Server) getJob(c *fiber.Ctx) error {
	status, err := s.engine.GetJob(c.Params("id"))
	if err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(status)
}

// listJobFiles handles GET /api/jobs/:id/files: list_files.
func (s *Server) listJobFiles(c *fiber.Ctx) error {
	files, err := s.engine.ListFiles(c.Params("id"))
	if err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(files)
}

// getMetrics handles GET /api/metrics: worker pool, rate limiter, and host
// resource figures.
func (s *Server) getMetrics(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"worker_pool":     s.engine.PoolStats(),
		"rate_limiter":    s.rateLimiter.Stats(),
		"resources":       s.resources.Snapshot(),
		"requests":        s.requests.Snapshot(),
		"ws_clients":      s.hub.ClientCount(),
		"circuit_breaker": s.engine.ObjectStoreBreakerState(),
	})
}

// writeEngineError maps an engine error to an HTTP status using its typed
// code, grounded on the teacher's pkg/logging/errors.go Error type instead
// of string matching. The State Store's bare sentinel errors are not typed
// *logging.Error values, so they are checked first.
func writeEngineError(c *fiber.Ctx, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fiber.NewError(fiber.StatusNotFound, "not found")
	}
	if errors.Is(err, store.ErrJobExists) {
		return fiber.NewError(fiber.StatusConflict, "job already exists")
	}

	var engineErr *logging.Error
	if !errors.As(err, &engineErr) {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	code := fiber.StatusInternalServerError
	switch engineErr.Code {
	case logging.ErrCodeValidation:
		code = fiber.StatusBadRequest
	case logging.ErrCodeNotFound:
		code = fiber.StatusNotFound
	case logging.ErrCodeUnauthorized:
		code = fiber.StatusUnauthorized
	case logging.ErrCodeRateLimit:
		code = fiber.StatusTooManyRequests
	case logging.ErrCodeTimeout, logging.ErrCodeTransient, logging.ErrCodeObjectStoreConn:
		code = fiber.StatusServiceUnavailable
	}

	return c.Status(code).JSON(fiber.Map{
		"error": engineErr.Message,
		"code":  engineErr.Code,
	})
}
