// Package orchestrator expands jobs into per-file work, drives job-level
// state transitions from Worker completions, and hosts the Monitor
// subroutine that re-enqueues files whose sources change after completion.
package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"uploadengine/internal/store"
	"uploadengine/internal/worker"
	"uploadengine/pkg/logging"
)

// Config carries the tuning knobs the Orchestrator and Monitor read from
// engine configuration (spec.md §6).
type Config struct {
	MonitorInterval    time.Duration
	StabilityThreshold time.Duration
}

// Orchestrator is the long-lived coordinator: one per engine instance. It
// owns no file-level state itself — the State Store remains the only
// shared mutable state — and only ever reconciles against it.
type Orchestrator struct {
	cfg    Config
	store  *store.Store
	pool   *worker.Pool
	logger *logging.EngineLogger

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs an Orchestrator. Call Start to begin draining Worker
// outcomes and, if MonitorInterval > 0, running the periodic Monitor tick.
func New(cfg Config, st *store.Store, pool *worker.Pool, logger *logging.EngineLogger) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		store:  st,
		pool:   pool,
		logger: logger,
		stop:   make(chan struct{}),
	}
}

// Start runs the recovery pass, then begins the outcome-draining loop and
// (if configured) the Monitor loop as background goroutines.
func (o *Orchestrator) Start() error {
	if err := o.recoveryPass(); err != nil {
		return fmt.Errorf("recovery pass: %w", err)
	}

	o.wg.Add(1)
	go o.drainOutcomes()

	if o.cfg.MonitorInterval > 0 {
		o.wg.Add(1)
		go o.monitorLoop()
	}

	return nil
}

// Stop signals the background loops to exit and waits for them.
func (o *Orchestrator) Stop() {
	close(o.stop)
	o.wg.Wait()
}

// SubmitJob creates a job row and asynchronously begins its expansion.
// Returns immediately per spec.md §6; expansion runs in a goroutine.
func (o *Orchestrator) SubmitJob(j *store.Job) (*store.Job, error) {
	if j.SourceFolder == "" {
		return nil, logging.ErrValidation("source_folder", "source_folder is required")
	}
	if j.DestinationBucket == "" {
		return nil, logging.ErrValidation("destination_bucket", "destination_bucket is required")
	}

	if err := o.store.CreateJob(j); err != nil {
		return nil, err
	}

	go func() {
		if err := o.expand(j.ID); err != nil {
			o.logger.ForOrchestrator(j.ID).Error("expansion failed", "error", err)
		}
	}()

	return j, nil
}

// expand is expansion step 1-4 of spec.md §4.4: walk, persist, submit.
func (o *Orchestrator) expand(jobID string) error {
	log := o.logger.ForOrchestrator(jobID)

	job, err := o.store.GetJob(jobID)
	if err != nil {
		return err
	}

	if err := o.store.SetJobState(jobID, store.JobInProgress); err != nil {
		return err
	}

	entries, err := Walk(job.SourceFolder, job.Pattern)
	if err != nil {
		log.Error("walk failed", "error", err)
		return o.store.SetJobState(jobID, store.JobFailed)
	}

	stats := make([]store.FileStat, len(entries))
	for i, e := range entries {
		stats[i] = store.FileStat{Path: e.RelPath, MTime: e.MTime, Size: e.Size}
	}
	if err := o.store.CreateFilesBulk(jobID, stats); err != nil {
		return err
	}

	if err := o.submitPending(jobID, job.DestinationBucket, job.SourceFolder); err != nil {
		return err
	}

	// A job whose walk matched no files (empty source folder, or a pattern
	// that excludes everything) never produces a Worker Outcome, so nothing
	// else would ever reconcile it out of IN_PROGRESS.
	o.reconcileJob(jobID)
	return nil
}

// submitPending claims and submits every PENDING file of a job to the pool.
// Submission is non-blocking from the Orchestrator's own control flow in
// the sense that each Submit call only blocks on the pool's own bounded
// queue (the intended backpressure), not on completion.
func (o *Orchestrator) submitPending(jobID, bucket, sourceFolder string) error {
	for {
		f, err := o.store.ClaimNextPendingFile(jobID)
		if err != nil {
			return err
		}
		if f == nil {
			return nil
		}
		if err := o.pool.Submit(worker.Task{
			JobID:             jobID,
			File:              f,
			SourceFolder:      sourceFolder,
			DestinationBucket: bucket,
		}); err != nil {
			return err
		}
	}
}

// drainOutcomes consumes Worker completion notices and reconciles job
// state against the Store's authoritative summary.
func (o *Orchestrator) drainOutcomes() {
	defer o.wg.Done()

	for {
		select {
		case <-o.stop:
			return
		case outcome, ok := <-o.pool.Outcomes():
			if !ok {
				return
			}
			o.reconcileJob(outcome.JobID)
		}
	}
}

// reconcileJob re-summarizes a job and transitions it to COMPLETED or
// FAILED once no files remain PENDING or IN_PROGRESS, per the job-state
// invariants in spec.md §3.
func (o *Orchestrator) reconcileJob(jobID string) {
	log := o.logger.ForOrchestrator(jobID)

	summary, err := o.store.SummarizeJob(jobID)
	if err != nil {
		log.Error("failed to summarize job", "error", err)
		return
	}

	if summary.Pending > 0 || summary.InProgress > 0 {
		return
	}

	newState := store.JobCompleted
	if summary.Failed > 0 {
		newState = store.JobFailed
	}

	if err := o.store.SetJobState(jobID, newState); err != nil {
		log.Error("failed to persist job state transition", "error", err)
	}
}

// JobStatus is the read-only projection get_job returns (spec.md §6).
type JobStatus struct {
	ID             string          `json:"id"`
	State          store.JobState  `json:"state"`
	Progress       float64         `json:"progress"`
	TotalFiles     int             `json:"total_files"`
	CompletedFiles int             `json:"completed_files"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// GetJobStatus computes progress on read, per spec.md §4.4: no progress
// field is persisted.
func (o *Orchestrator) GetJobStatus(jobID string) (*JobStatus, error) {
	job, err := o.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	summary, err := o.store.SummarizeJob(jobID)
	if err != nil {
		return nil, err
	}

	progress := 0.0
	if summary.Total > 0 {
		progress = float64(summary.Uploaded) / float64(summary.Total)
	}

	return &JobStatus{
		ID:             job.ID,
		State:          job.State,
		Progress:       progress,
		TotalFiles:     summary.Total,
		CompletedFiles: summary.Uploaded,
		CreatedAt:      job.CreatedAt,
		UpdatedAt:      job.UpdatedAt,
	}, nil
}

// ListJobs returns the status projection for every tracked job.
func (o *Orchestrator) ListJobs() ([]*JobStatus, error) {
	jobs, err := o.store.ListJobs()
	if err != nil {
		return nil, err
	}
	statuses := make([]*JobStatus, 0, len(jobs))
	for _, j := range jobs {
		status, err := o.GetJobStatus(j.ID)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// ListFiles returns every tracked file for a job.
func (o *Orchestrator) ListFiles(jobID string) ([]*store.File, error) {
	return o.store.ListFiles(jobID)
}

// recoveryPass is the startup procedure of spec.md §4.4: every
// IN_PROGRESS file of a non-terminal job is reset to PENDING and
// resubmitted, before any Worker can contend for it.
func (o *Orchestrator) recoveryPass() error {
	jobs, err := o.store.ListJobs()
	if err != nil {
		return err
	}

	for _, job := range jobs {
		if job.State != store.JobPending && job.State != store.JobInProgress {
			continue
		}

		if _, err := o.store.ResetInProgressToPending(job.ID); err != nil {
			return fmt.Errorf("reset in-progress files for job %s: %w", job.ID, err)
		}

		if err := o.submitPending(job.ID, job.DestinationBucket, job.SourceFolder); err != nil {
			return fmt.Errorf("resubmit pending files for job %s: %w", job.ID, err)
		}

		// A crash between a Worker's final file-state write and the
		// Orchestrator processing its Outcome leaves every file already
		// terminal but the job row still IN_PROGRESS; nothing else would
		// ever reconcile it after restart.
		o.reconcileJob(job.ID)
	}

	return nil
}
