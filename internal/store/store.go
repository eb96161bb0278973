// Package store is the durable State Store: the record of UploadJobs and
// their child Files, the only shared mutable state in the engine. Every
// mutating operation runs inside a single bbolt read-write transaction, so
// each Store call is atomic on its own; the engine never spans a
// transaction across two Store calls.
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"uploadengine/pkg/logging"
)

// JobState is an UploadJob's lifecycle state.
type JobState string

const (
	JobPending    JobState = "PENDING"
	JobInProgress JobState = "IN_PROGRESS"
	JobCompleted  JobState = "COMPLETED"
	JobFailed     JobState = "FAILED"
)

// FileState is a File's lifecycle state.
type FileState string

const (
	FilePending    FileState = "PENDING"
	FileInProgress FileState = "IN_PROGRESS"
	FileUploaded   FileState = "UPLOADED"
	FileFailed     FileState = "FAILED"
)

// Job is the persisted UploadJob row.
type Job struct {
	ID                 string    `json:"id"`
	SourceFolder       string    `json:"source_folder"`
	DestinationBucket  string    `json:"destination_bucket"`
	Pattern            string    `json:"pattern,omitempty"`
	State              JobState  `json:"state"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// File is the persisted File row, a child of a Job.
type File struct {
	ID            uint64    `json:"id"`
	UploadJobID   string    `json:"upload_job_id"`
	Path          string    `json:"path"`
	State         FileState `json:"state"`
	FailureReason string    `json:"failure_reason,omitempty"`
	MTime         time.Time `json:"mtime"`
	Size          int64     `json:"size"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// FileStat is the (path, mtime, size) tuple the Orchestrator hands to
// create_files_bulk after a directory walk.
type FileStat struct {
	Path  string
	MTime time.Time
	Size  int64
}

// JobSummary is the per-file-state count used for progress and job-state
// reconciliation.
type JobSummary struct {
	Total      int
	Pending    int
	InProgress int
	Uploaded   int
	Failed     int
}

var (
	bucketJobs         = []byte("upload_jobs")
	bucketFiles        = []byte("files")
	bucketFilesByIndex = []byte("files_by_job_path")
)

// ErrJobExists is returned by CreateJob when the id is already in use.
var ErrJobExists = fmt.Errorf("job already exists")

// ErrNotFound is returned by read operations that find nothing.
var ErrNotFound = fmt.Errorf("not found")

type Store struct {
	db     *bolt.DB
	logger *logging.EngineLogger
}

// Open opens (creating if absent) the bbolt database at path and ensures
// the engine's buckets exist.
func Open(path string, logger *logging.EngineLogger) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, logging.ErrStoreFailure("open", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketJobs, bucketFiles, bucketFilesByIndex} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, logging.ErrStoreFailure("init_buckets", err)
	}

	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func indexKey(jobID, path string) []byte {
	return []byte(jobID + "\x00" + path)
}

func fileKey(jobID string, id uint64) []byte {
	return []byte(fmt.Sprintf("%s/%020d", jobID, id))
}

// CreateJob inserts j if its id is unused, else fails with ErrJobExists.
func (s *Store) CreateJob(j *Job) error {
	now := time.Now()
	j.CreatedAt = now
	j.UpdatedAt = now
	if j.State == "" {
		j.State = JobPending
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		if b.Get([]byte(j.ID)) != nil {
			return ErrJobExists
		}
		data, err := json.Marshal(j)
		if err != nil {
			return err
		}
		return b.Put([]byte(j.ID), data)
	})
}

// GetJob is a read-only lookup; bbolt read transactions require no locking.
func (s *Store) GetJob(id string) (*Job, error) {
	var job Job
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns every job, insertion order is not guaranteed.
func (s *Store) ListJobs() ([]*Job, error) {
	var jobs []*Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			var j Job
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			jobs = append(jobs, &j)
			return nil
		})
	})
	return jobs, err
}

// SetJobState is idempotent: setting the same state twice leaves the same
// state (only updated_at is refreshed).
func (s *Store) SetJobState(id string, state JobState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		job.State = state
		job.UpdatedAt = time.Now()
		out, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

// CreateFilesBulk atomically inserts File rows for the given stats, skipping
// any (job_id, path) pair already tracked — idempotent for both the
// recovery pass and Monitor re-scans.
func (s *Store) CreateFilesBulk(jobID string, stats []FileStat) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		files := tx.Bucket(bucketFiles)
		index := tx.Bucket(bucketFilesByIndex)

		for _, st := range stats {
			key := indexKey(jobID, st.Path)
			if index.Get(key) != nil {
				continue
			}

			id, err := files.NextSequence()
			if err != nil {
				return err
			}

			now := time.Now()
			f := File{
				ID:          id,
				UploadJobID: jobID,
				Path:        st.Path,
				State:       FilePending,
				MTime:       st.MTime,
				Size:        st.Size,
				CreatedAt:   now,
				UpdatedAt:   now,
			}

			data, err := json.Marshal(&f)
			if err != nil {
				return err
			}
			if err := files.Put(fileKey(jobID, id), data); err != nil {
				return err
			}
			if err := index.Put(key, []byte(fmt.Sprintf("%020d", id))); err != nil {
				return err
			}
		}
		return nil
	})
}

// ClaimNextPendingFile atomically selects one PENDING file for jobID, marks
// it IN_PROGRESS, and returns it. Returns (nil, nil) when none is available.
// The row-level guard (read-state-then-write inside one transaction) makes
// concurrent claims across Workers mutually exclusive.
func (s *Store) ClaimNextPendingFile(jobID string) (*File, error) {
	var claimed *File

	err := s.db.Update(func(tx *bolt.Tx) error {
		files := tx.Bucket(bucketFiles)
		c := files.Cursor()
		prefix := []byte(jobID + "/")

		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var f File
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			if f.State != FilePending {
				continue
			}

			f.State = FileInProgress
			f.UpdatedAt = time.Now()
			data, err := json.Marshal(&f)
			if err != nil {
				return err
			}
			if err := files.Put(k, data); err != nil {
				return err
			}
			claimed = &f
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkFile transitions a file to newState, recording failureReason when
// non-empty.
func (s *Store) MarkFile(jobID string, fileID uint64, newState FileState, failureReason string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		files := tx.Bucket(bucketFiles)
		key := fileKey(jobID, fileID)
		data := files.Get(key)
		if data == nil {
			return ErrNotFound
		}
		var f File
		if err := json.Unmarshal(data, &f); err != nil {
			return err
		}
		f.State = newState
		f.FailureReason = failureReason
		f.UpdatedAt = time.Now()
		out, err := json.Marshal(&f)
		if err != nil {
			return err
		}
		return files.Put(key, out)
	})
}

// UpdateFileStat is used by the Monitor to re-enqueue a changed file: it
// records the newly observed (mtime, size) and resets the file to PENDING.
func (s *Store) UpdateFileStat(jobID string, fileID uint64, mtime time.Time, size int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		files := tx.Bucket(bucketFiles)
		key := fileKey(jobID, fileID)
		data := files.Get(key)
		if data == nil {
			return ErrNotFound
		}
		var f File
		if err := json.Unmarshal(data, &f); err != nil {
			return err
		}
		f.MTime = mtime
		f.Size = size
		f.State = FilePending
		f.UpdatedAt = time.Now()
		out, err := json.Marshal(&f)
		if err != nil {
			return err
		}
		return files.Put(key, out)
	})
}

// UpdateFileObservedStat records a freshly observed (mtime, size) for a file
// a Worker already holds IN_PROGRESS, without touching its state — used
// when the Worker's own stat call finds the file changed since expansion.
func (s *Store) UpdateFileObservedStat(jobID string, fileID uint64, mtime time.Time, size int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		files := tx.Bucket(bucketFiles)
		key := fileKey(jobID, fileID)
		data := files.Get(key)
		if data == nil {
			return ErrNotFound
		}
		var f File
		if err := json.Unmarshal(data, &f); err != nil {
			return err
		}
		f.MTime = mtime
		f.Size = size
		f.UpdatedAt = time.Now()
		out, err := json.Marshal(&f)
		if err != nil {
			return err
		}
		return files.Put(key, out)
	})
}

// ResetInProgressToPending resets every IN_PROGRESS file of jobID back to
// PENDING in one transaction — the recovery pass's dangling-claim reset,
// run before any Worker starts so it has no contender. Returns the reset
// files so the caller can resubmit them without a second read.
func (s *Store) ResetInProgressToPending(jobID string) ([]*File, error) {
	var reset []*File
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		c := b.Cursor()
		prefix := []byte(jobID + "/")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var f File
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			if f.State != FileInProgress {
				continue
			}
			f.State = FilePending
			f.UpdatedAt = time.Now()
			data, err := json.Marshal(&f)
			if err != nil {
				return err
			}
			if err := b.Put(k, data); err != nil {
				return err
			}
			reset = append(reset, &f)
		}
		return nil
	})
	return reset, err
}

// ListFiles returns every file tracked for jobID.
func (s *Store) ListFiles(jobID string) ([]*File, error) {
	var files []*File
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		c := b.Cursor()
		prefix := []byte(jobID + "/")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var f File
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			files = append(files, &f)
		}
		return nil
	})
	return files, err
}

// SummarizeJob returns per-state counts for jobID, used for progress
// computation and to decide the job's terminal state.
func (s *Store) SummarizeJob(jobID string) (JobSummary, error) {
	var summary JobSummary
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		c := b.Cursor()
		prefix := []byte(jobID + "/")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var f File
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			summary.Total++
			switch f.State {
			case FilePending:
				summary.Pending++
			case FileInProgress:
				summary.InProgress++
			case FileUploaded:
				summary.Uploaded++
			case FileFailed:
				summary.Failed++
			}
		}
		return nil
	})
	return summary, err
}
