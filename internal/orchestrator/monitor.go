package orchestrator

import (
	"time"

	"uploadengine/internal/store"
)

// monitorLoop runs monitorTick every cfg.MonitorInterval until Stop is
// called. It never runs concurrently with itself — each tick fully
// completes before the next fires — but runs concurrently with Workers.
func (o *Orchestrator) monitorLoop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			o.monitorTick()
		}
	}
}

// monitorTick implements spec.md §4.4's Monitor subroutine: rescan every
// COMPLETED or IN_PROGRESS job's source folder and re-enqueue files whose
// (mtime, size) changed, or that are newly discovered.
func (o *Orchestrator) monitorTick() {
	log := o.logger.ForMonitor()

	jobs, err := o.store.ListJobs()
	if err != nil {
		log.Error("failed to list jobs", "error", err)
		return
	}

	for _, job := range jobs {
		if job.State != store.JobCompleted && job.State != store.JobInProgress {
			continue
		}
		if err := o.monitorJob(job); err != nil {
			log.Error("monitor tick failed for job", "job_id", job.ID, "error", err)
		}
	}
}

func (o *Orchestrator) monitorJob(job *store.Job) error {
	entries, err := Walk(job.SourceFolder, job.Pattern)
	if err != nil {
		return err
	}

	tracked, err := o.store.ListFiles(job.ID)
	if err != nil {
		return err
	}
	byPath := make(map[string]*store.File, len(tracked))
	for _, f := range tracked {
		byPath[f.Path] = f
	}

	now := time.Now()
	var newEntries []store.FileStat
	var changed []*store.File
	reactivateJob := false

	for _, e := range entries {
		// Skip files whose mtime is too recent: they may still be mid-write.
		if now.Sub(e.MTime) < o.cfg.StabilityThreshold {
			continue
		}

		existing, isTracked := byPath[e.RelPath]
		if !isTracked {
			newEntries = append(newEntries, store.FileStat{Path: e.RelPath, MTime: e.MTime, Size: e.Size})
			continue
		}

		if existing.MTime.Equal(e.MTime) && existing.Size == e.Size {
			continue
		}

		wasUploaded := existing.State == store.FileUploaded
		if err := o.store.UpdateFileStat(job.ID, existing.ID, e.MTime, e.Size); err != nil {
			return err
		}
		existing.State = store.FilePending
		changed = append(changed, existing)

		if wasUploaded && job.State == store.JobCompleted {
			reactivateJob = true
		}
	}

	if len(newEntries) > 0 {
		if err := o.store.CreateFilesBulk(job.ID, newEntries); err != nil {
			return err
		}
	}

	if reactivateJob {
		if err := o.store.SetJobState(job.ID, store.JobInProgress); err != nil {
			return err
		}
	}

	if len(newEntries) > 0 || len(changed) > 0 {
		return o.submitPending(job.ID, job.DestinationBucket, job.SourceFolder)
	}
	return nil
}
