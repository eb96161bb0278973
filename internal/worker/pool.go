// Package worker is the bounded Worker Pool: it consumes per-file Tasks
// from an in-process queue and executes the multipart-upload protocol
// against the Object-Store Adapter, one file per Worker at a time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"uploadengine/internal/bufpool"
	"uploadengine/internal/objectstore"
	"uploadengine/internal/store"
	"uploadengine/pkg/logging"
)

// ResourceMonitor is the subset of monitoring.ResourceMonitor the pool
// consults before claiming new work; *monitoring.ResourceMonitor satisfies
// it without this package importing monitoring directly.
type ResourceMonitor interface {
	IsMemoryCritical(thresholdPercent float64) bool
}

// memoryThrottleThreshold is the host memory-used percentage above which
// Workers pause claiming new tasks, generalizing the teacher's Pi
// thermal-throttle threshold to a memory-pressure signal.
const memoryThrottleThreshold = 90.0

// ObjectStore is the subset of the Object-Store Adapter the pool needs;
// *objectstore.Adapter satisfies it. Defined here so tests can substitute a
// fake without spinning up a real object store.
type ObjectStore interface {
	CreateMultipartUpload(ctx context.Context, bucket, object string) (string, error)
	UploadPart(ctx context.Context, bucket, object, uploadID string, partNumber int, data []byte) (string, error)
	CompleteMultipartUpload(ctx context.Context, bucket, object, uploadID string, parts []objectstore.Part) error
	AbortMultipartUpload(ctx context.Context, bucket, object, uploadID string) error
	HeadObject(ctx context.Context, bucket, object string) (objectstore.ObjectInfo, error)
	PutSmallObject(ctx context.Context, bucket, object string, data io.Reader, size int64) error
	RemoveObject(ctx context.Context, bucket, object string) error
}

// Config configures the pool's capacity and the multipart protocol's
// tuning knobs, all per spec.md §6.
type Config struct {
	Concurrency       int
	ChunkSize         int64
	PartRetryAttempts int
	PartCallTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency < 1 {
		c.Concurrency = 5
	}
	if c.ChunkSize < 5*1024*1024 {
		c.ChunkSize = 5 * 1024 * 1024
	}
	if c.PartRetryAttempts < 1 {
		c.PartRetryAttempts = 3
	}
	if c.PartCallTimeout <= 0 {
		c.PartCallTimeout = 30 * time.Second
	}
	return c
}

// Pool is the bounded set of concurrent Workers. Its bounded task queue is
// the only way work reaches the Workers; expansion and the Monitor both
// apply backpressure through it.
type Pool struct {
	cfg         Config
	store       *store.Store
	objectStore ObjectStore
	bufPool     *bufpool.BufferPool
	logger      *logging.EngineLogger
	resources   ResourceMonitor

	queue       chan Task
	outcomes    chan Outcome
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	active    int64
	processed int64
	failed    int64
}

// New constructs a Pool and starts its W workers.
func New(cfg Config, st *store.Store, objStore ObjectStore, logger *logging.EngineLogger) *Pool {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		cfg:         cfg,
		store:       st,
		objectStore: objStore,
		bufPool:     bufpool.NewBufferPool(int(cfg.ChunkSize)),
		logger:      logger,
		queue:       make(chan Task, cfg.Concurrency*2),
		outcomes:    make(chan Outcome, cfg.Concurrency*2),
		ctx:         ctx,
		cancel:      cancel,
	}

	for i := 0; i < cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.run(i)
	}

	return p
}

// SetResourceMonitor wires a host resource monitor the pool consults before
// claiming new work. Must be called before the pool is handed tasks; nil
// (the default) disables throttling entirely.
func (p *Pool) SetResourceMonitor(m ResourceMonitor) {
	p.resources = m
}

// Outcomes is the channel the Orchestrator drains completion notices from.
func (p *Pool) Outcomes() <-chan Outcome {
	return p.outcomes
}

// Submit enqueues a task. It blocks the caller when the queue is full,
// which is the deliberate backpressure mechanism onto directory walks.
func (p *Pool) Submit(t Task) error {
	select {
	case p.queue <- t:
		return nil
	case <-p.ctx.Done():
		return fmt.Errorf("worker pool is shutting down")
	}
}

// Shutdown stops accepting new work's effects, cancels in-flight calls, and
// waits up to timeout for workers to exit.
func (p *Pool) Shutdown(timeout time.Duration) error {
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		close(p.outcomes)
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("worker pool shutdown timed out after %v", timeout)
	}
}

// Stats reports queue and throughput counters for the metrics endpoint.
type Stats struct {
	Workers        int   `json:"workers"`
	QueueSize      int   `json:"queue_size"`
	QueueCapacity  int   `json:"queue_capacity"`
	ActiveTasks    int64 `json:"active_tasks"`
	ProcessedTasks int64 `json:"processed_tasks"`
	FailedTasks    int64 `json:"failed_tasks"`
}

func (p *Pool) Stats() Stats {
	return Stats{
		Workers:        p.cfg.Concurrency,
		QueueSize:      len(p.queue),
		QueueCapacity:  cap(p.queue),
		ActiveTasks:    atomic.LoadInt64(&p.active),
		ProcessedTasks: atomic.LoadInt64(&p.processed),
		FailedTasks:    atomic.LoadInt64(&p.failed),
	}
}

func (p *Pool) run(id int) {
	defer p.wg.Done()

	log := p.logger.ForWorker(id)

	for {
		if !p.waitWhileMemoryCritical(log) {
			return
		}

		select {
		case <-p.ctx.Done():
			return
		case t, ok := <-p.queue:
			if !ok {
				return
			}
			atomic.AddInt64(&p.active, 1)
			outcome := p.execute(t, log)
			atomic.AddInt64(&p.active, -1)

			if outcome.Success {
				atomic.AddInt64(&p.processed, 1)
			} else {
				atomic.AddInt64(&p.failed, 1)
			}

			select {
			case p.outcomes <- outcome:
			case <-p.ctx.Done():
				return
			}
		}
	}
}

// waitWhileMemoryCritical pauses claiming new tasks while the host is under
// memory pressure, so an already-starved host is not handed more upload
// buffers. Returns false if the pool was shut down while waiting.
func (p *Pool) waitWhileMemoryCritical(log *logging.EngineLogger) bool {
	if p.resources == nil {
		return true
	}

	warned := false
	for p.resources.IsMemoryCritical(memoryThrottleThreshold) {
		if !warned {
			log.Warn("pausing task claim: host memory critical", "threshold_pct", memoryThrottleThreshold)
			warned = true
		}
		select {
		case <-p.ctx.Done():
			return false
		case <-time.After(time.Second):
		}
	}
	return true
}

// execute runs steps 1-6 of the per-file protocol for one task. It never
// lets an error escape to the caller — every outcome is reported through
// the State Store and the returned Outcome.
func (p *Pool) execute(t Task, log *logging.EngineLogger) Outcome {
	fail := func(reason string) Outcome {
		if err := p.store.MarkFile(t.JobID, t.File.ID, store.FileFailed, reason); err != nil {
			log.Error("failed to persist file failure", "error", err, "job_id", t.JobID, "file_id", t.File.ID)
		}
		return Outcome{JobID: t.JobID, FileID: t.File.ID, Success: false, Err: errors.New(reason)}
	}

	localPath := filepath.Join(t.SourceFolder, filepath.FromSlash(t.File.Path))
	objectKey := t.JobID + "/" + t.File.Path

	info, err := os.Stat(localPath)
	if err != nil {
		return fail("source missing")
	}

	if info.ModTime() != t.File.MTime || info.Size() != t.File.Size {
		if err := p.store.UpdateFileObservedStat(t.JobID, t.File.ID, info.ModTime(), info.Size()); err != nil {
			log.Error("failed to record observed stat", "error", err)
		}
		t.File.MTime = info.ModTime()
		t.File.Size = info.Size()
	}

	file, err := os.Open(localPath)
	if err != nil {
		return fail("source missing")
	}
	defer file.Close()

	if t.File.Size <= p.cfg.ChunkSize {
		if err := p.objectStore.PutSmallObject(p.ctx, t.DestinationBucket, objectKey, file, t.File.Size); err != nil {
			return fail(err.Error())
		}
	} else {
		if err := p.uploadMultipart(file, t, objectKey, log); err != nil {
			if err == errCancelled {
				// Leave the file IN_PROGRESS: recovery will re-dispatch it
				// on the next start, per the cancellation discipline.
				return Outcome{JobID: t.JobID, FileID: t.File.ID, Success: false, Err: err}
			}
			return fail(err.Error())
		}
	}

	obj, err := p.objectStore.HeadObject(p.ctx, t.DestinationBucket, objectKey)
	if err != nil {
		return fail(fmt.Sprintf("verification failed: %v", err))
	}
	if obj.Size != t.File.Size {
		_ = p.objectStore.RemoveObject(p.ctx, t.DestinationBucket, objectKey)
		return fail("size mismatch after upload")
	}

	if err := p.store.MarkFile(t.JobID, t.File.ID, store.FileUploaded, ""); err != nil {
		log.Error("failed to persist upload completion", "error", err)
		return Outcome{JobID: t.JobID, FileID: t.File.ID, Success: false, Err: err}
	}

	return Outcome{JobID: t.JobID, FileID: t.File.ID, Success: true}
}

var errCancelled = errors.New("upload cancelled")

// uploadMultipart splits file into sequential chunk_size parts, uploading
// each with exponential-backoff retry, then completes the upload. Parts are
// never uploaded concurrently within one file: cross-file concurrency
// comes from the pool, keeping memory bounded to one chunk per Worker.
func (p *Pool) uploadMultipart(file *os.File, t Task, objectKey string, log *logging.EngineLogger) error {
	uploadID, err := p.objectStore.CreateMultipartUpload(p.ctx, t.DestinationBucket, objectKey)
	if err != nil {
		return err
	}

	var parts []objectstore.Part
	partNumber := 1

	for {
		select {
		case <-p.ctx.Done():
			_ = p.objectStore.AbortMultipartUpload(context.Background(), t.DestinationBucket, objectKey, uploadID)
			return errCancelled
		default:
		}

		buf := p.bufPool.Get()
		n, readErr := io.ReadFull(file, buf)
		if readErr != nil && readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
			p.bufPool.Put(buf)
			_ = p.objectStore.AbortMultipartUpload(p.ctx, t.DestinationBucket, objectKey, uploadID)
			return fmt.Errorf("reading chunk %d: %w", partNumber, readErr)
		}
		if n == 0 {
			p.bufPool.Put(buf)
			break
		}

		etag, err := p.uploadPartWithRetry(t.DestinationBucket, objectKey, uploadID, partNumber, buf[:n], log)
		p.bufPool.Put(buf)
		if err != nil {
			_ = p.objectStore.AbortMultipartUpload(p.ctx, t.DestinationBucket, objectKey, uploadID)
			return err
		}

		parts = append(parts, objectstore.Part{PartNumber: partNumber, ETag: etag})
		partNumber++

		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF || int64(n) < p.cfg.ChunkSize {
			break
		}
	}

	return p.objectStore.CompleteMultipartUpload(p.ctx, t.DestinationBucket, objectKey, uploadID, parts)
}

// uploadPartWithRetry retries a single part on Transient errors with the
// 0.5s/1s/2s exponential backoff schedule, up to part_retry_attempts.
func (p *Pool) uploadPartWithRetry(bucket, key, uploadID string, partNumber int, data []byte, log *logging.EngineLogger) (string, error) {
	backoff := 500 * time.Millisecond
	var lastErr error
	maxAttempts := 1 + p.cfg.PartRetryAttempts

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-p.ctx.Done():
			return "", errCancelled
		default:
		}

		ctx, cancel := context.WithTimeout(p.ctx, p.cfg.PartCallTimeout)
		etag, err := p.objectStore.UploadPart(ctx, bucket, key, uploadID, partNumber, data)
		cancel()
		if err == nil {
			return etag, nil
		}

		lastErr = err
		if !objectstore.IsRetryable(err) {
			return "", err
		}
		if attempt == maxAttempts {
			break
		}

		log.Warn("retrying transient part upload failure",
			"part_number", partNumber, "attempt", attempt, "error", err)

		select {
		case <-time.After(backoff):
		case <-p.ctx.Done():
			return "", errCancelled
		}
		backoff *= 2
	}

	return "", lastErr
}
