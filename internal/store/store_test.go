package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uploadengine/pkg/logging"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger, err := logging.New("store-test", logging.DefaultConfig())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "engine.db")
	s, err := Open(path, logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateJobAndGetJob(t *testing.T) {
	s := newTestStore(t)

	job := &Job{ID: "job-1", SourceFolder: "/sermons", DestinationBucket: "sermons-bucket"}
	require.NoError(t, s.CreateJob(job))

	got, err := s.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, JobPending, got.State)
	assert.Equal(t, "/sermons", got.SourceFolder)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestCreateJobDuplicateFails(t *testing.T) {
	s := newTestStore(t)

	job := &Job{ID: "job-1", SourceFolder: "/a", DestinationBucket: "b"}
	require.NoError(t, s.CreateJob(job))

	err := s.CreateJob(&Job{ID: "job-1", SourceFolder: "/other", DestinationBucket: "b"})
	assert.ErrorIs(t, err, ErrJobExists)
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetJob("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListJobs(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateJob(&Job{ID: "job-1", SourceFolder: "/a", DestinationBucket: "b"}))
	require.NoError(t, s.CreateJob(&Job{ID: "job-2", SourceFolder: "/c", DestinationBucket: "d"}))

	jobs, err := s.ListJobs()
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestSetJobStateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateJob(&Job{ID: "job-1", SourceFolder: "/a", DestinationBucket: "b"}))

	require.NoError(t, s.SetJobState("job-1", JobInProgress))
	require.NoError(t, s.SetJobState("job-1", JobInProgress))

	got, err := s.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, JobInProgress, got.State)
}

func TestCreateFilesBulkSkipsDuplicatePaths(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateJob(&Job{ID: "job-1", SourceFolder: "/a", DestinationBucket: "b"}))

	stats := []FileStat{
		{Path: "sermon1.mp3", MTime: time.Now(), Size: 100},
		{Path: "sermon2.mp3", MTime: time.Now(), Size: 200},
	}
	require.NoError(t, s.CreateFilesBulk("job-1", stats))
	// Re-submitting the same stats (as a Monitor re-scan would) must not
	// create duplicate rows.
	require.NoError(t, s.CreateFilesBulk("job-1", stats))

	files, err := s.ListFiles("job-1")
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestClaimNextPendingFileClaimsOnlyOnce(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateJob(&Job{ID: "job-1", SourceFolder: "/a", DestinationBucket: "b"}))
	require.NoError(t, s.CreateFilesBulk("job-1", []FileStat{
		{Path: "only.mp3", MTime: time.Now(), Size: 10},
	}))

	f1, err := s.ClaimNextPendingFile("job-1")
	require.NoError(t, err)
	require.NotNil(t, f1)
	assert.Equal(t, FileInProgress, f1.State)

	f2, err := s.ClaimNextPendingFile("job-1")
	require.NoError(t, err)
	assert.Nil(t, f2)
}

func TestClaimNextPendingFileScopedToJob(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateJob(&Job{ID: "job-1", SourceFolder: "/a", DestinationBucket: "b"}))
	require.NoError(t, s.CreateJob(&Job{ID: "job-2", SourceFolder: "/c", DestinationBucket: "d"}))
	require.NoError(t, s.CreateFilesBulk("job-2", []FileStat{
		{Path: "other-job.mp3", MTime: time.Now(), Size: 10},
	}))

	f, err := s.ClaimNextPendingFile("job-1")
	require.NoError(t, err)
	assert.Nil(t, f, "claiming against job-1 must not see job-2's files")
}

func TestMarkFileTransitionsAndRecordsFailure(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateJob(&Job{ID: "job-1", SourceFolder: "/a", DestinationBucket: "b"}))
	require.NoError(t, s.CreateFilesBulk("job-1", []FileStat{{Path: "f.mp3", Size: 10}}))

	f, err := s.ClaimNextPendingFile("job-1")
	require.NoError(t, err)

	require.NoError(t, s.MarkFile("job-1", f.ID, FileFailed, "object store unreachable"))

	files, err := s.ListFiles("job-1")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, FileFailed, files[0].State)
	assert.Equal(t, "object store unreachable", files[0].FailureReason)
}

func TestUpdateFileStatResetsToPending(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateJob(&Job{ID: "job-1", SourceFolder: "/a", DestinationBucket: "b"}))
	require.NoError(t, s.CreateFilesBulk("job-1", []FileStat{{Path: "f.mp3", Size: 10}}))

	f, err := s.ClaimNextPendingFile("job-1")
	require.NoError(t, err)
	require.NoError(t, s.MarkFile("job-1", f.ID, FileUploaded, ""))

	newMTime := time.Now().Add(time.Hour)
	require.NoError(t, s.UpdateFileStat("job-1", f.ID, newMTime, 999))

	files, err := s.ListFiles("job-1")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, FilePending, files[0].State, "a changed file must be re-enqueued")
	assert.Equal(t, int64(999), files[0].Size)
}

func TestSummarizeJobCountsEachState(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateJob(&Job{ID: "job-1", SourceFolder: "/a", DestinationBucket: "b"}))
	require.NoError(t, s.CreateFilesBulk("job-1", []FileStat{
		{Path: "a.mp3", Size: 1}, {Path: "b.mp3", Size: 1}, {Path: "c.mp3", Size: 1},
	}))

	claimed, err := s.ClaimNextPendingFile("job-1")
	require.NoError(t, err)
	require.NoError(t, s.MarkFile("job-1", claimed.ID, FileUploaded, ""))

	claimed2, err := s.ClaimNextPendingFile("job-1")
	require.NoError(t, err)
	require.NoError(t, s.MarkFile("job-1", claimed2.ID, FileFailed, "boom"))

	summary, err := s.SummarizeJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 1, summary.Uploaded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Pending)
}
