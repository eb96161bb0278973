// Package engine wires the State Store, Object-Store Adapter, Worker Pool,
// and Orchestrator into the single long-lived object the process bootstrap
// and the HTTP API both depend on. It exposes exactly the entry points of
// spec.md §6: submit_job, get_job, list_jobs, list_files.
package engine

import (
	"context"
	"fmt"
	"time"

	"uploadengine/config"
	"uploadengine/internal/objectstore"
	"uploadengine/internal/orchestrator"
	"uploadengine/internal/store"
	"uploadengine/internal/worker"
	"uploadengine/monitoring"
	"uploadengine/pkg/logging"
)

// Engine is the assembled upload-execution engine.
type Engine struct {
	store        *store.Store
	objectStore  *objectstore.Adapter
	pool         *worker.Pool
	orchestrator *orchestrator.Orchestrator
	resources    *monitoring.ResourceMonitor
	logger       *logging.EngineLogger
}

// New opens the state store, constructs the object-store adapter and
// worker pool, and assembles the orchestrator. It does not start background
// work; call Start for that.
func New(cfg *config.Config, logger *logging.EngineLogger) (*Engine, error) {
	st, err := store.Open(cfg.StateDBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	objStore, err := objectstore.New(objectstore.Config{
		Endpoint:  cfg.ObjectStoreEndpoint,
		AccessKey: cfg.ObjectStoreAccessKey,
		SecretKey: cfg.ObjectStoreSecretKey,
		Secure:    cfg.ObjectStoreSecure,
	}, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("constructing object-store adapter: %w", err)
	}

	pool := worker.New(worker.Config{
		Concurrency:       cfg.WorkerConcurrency,
		ChunkSize:         cfg.ChunkSize,
		PartRetryAttempts: cfg.PartRetryAttempts,
		PartCallTimeout:   30 * time.Second,
	}, st, objStore, logger)

	o := orchestrator.New(orchestrator.Config{
		MonitorInterval:    time.Duration(cfg.MonitorInterval) * time.Second,
		StabilityThreshold: time.Duration(cfg.StabilityThreshold) * time.Second,
	}, st, pool, logger)

	resources := monitoring.NewResourceMonitor("/", 5*time.Second)
	pool.SetResourceMonitor(resources)

	return &Engine{
		store:        st,
		objectStore:  objStore,
		pool:         pool,
		orchestrator: o,
		resources:    resources,
		logger:       logger,
	}, nil
}

// Start runs the recovery pass and begins the Orchestrator's background
// loops. Must be called once before any upload work can proceed.
func (e *Engine) Start() error {
	e.resources.Start(context.Background())
	return e.orchestrator.Start()
}

// Stop stops the Orchestrator's background loops and shuts the worker pool
// down within timeout, in that order: no new outcome can race a pool that
// has already drained.
func (e *Engine) Stop(timeout time.Duration) error {
	e.orchestrator.Stop()
	e.resources.Stop()
	if err := e.pool.Shutdown(timeout); err != nil {
		return err
	}
	return e.store.Close()
}

// SubmitJob validates and persists a new UploadJob, ensures its destination
// bucket exists, and begins asynchronous expansion. Returns the created job.
func (e *Engine) SubmitJob(j *store.Job) (*store.Job, error) {
	if j.DestinationBucket != "" {
		if err := e.objectStore.EnsureBucket(context.Background(), j.DestinationBucket); err != nil {
			return nil, fmt.Errorf("ensuring destination bucket: %w", err)
		}
	}
	return e.orchestrator.SubmitJob(j)
}

// GetJob returns the read-only status projection for a single job.
func (e *Engine) GetJob(jobID string) (*orchestrator.JobStatus, error) {
	return e.orchestrator.GetJobStatus(jobID)
}

// ListJobs returns the status projection for every tracked job.
func (e *Engine) ListJobs() ([]*orchestrator.JobStatus, error) {
	return e.orchestrator.ListJobs()
}

// ListFiles returns every tracked file belonging to jobID.
func (e *Engine) ListFiles(jobID string) ([]*store.File, error) {
	return e.orchestrator.ListFiles(jobID)
}

// PoolStats exposes the Worker Pool's queue/throughput counters for the
// metrics endpoint.
func (e *Engine) PoolStats() worker.Stats {
	return e.pool.Stats()
}

// ObjectStoreBreakerState exposes the object-store circuit breaker's
// current state for the metrics endpoint.
func (e *Engine) ObjectStoreBreakerState() string {
	return e.objectStore.BreakerState()
}
