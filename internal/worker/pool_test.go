package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uploadengine/internal/objectstore"
	"uploadengine/internal/store"
	"uploadengine/pkg/logging"
)

// fakeObjectStore is an in-memory stand-in for the real minio-backed
// Adapter, driven by a per-part failure counter so tests can inject
// transient failures at a specific point in the multipart protocol.
type fakeObjectStore struct {
	mu sync.Mutex

	objects       map[string][]byte
	knownSizes    map[string]int64
	pendingSizes  map[string]int64 // uploadID -> bytes accumulated across parts

	failPartNumber      int
	failTimes           int
	partAttempts        int
	abortedUploads      []string
	completedParts      map[string][]objectstore.Part
	corruptNextPutBytes int64
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{
		objects:        make(map[string][]byte),
		knownSizes:     make(map[string]int64),
		pendingSizes:   make(map[string]int64),
		completedParts: make(map[string][]objectstore.Part),
	}
}

func fakeKey(bucket, object string) string { return bucket + "/" + object }

func (f *fakeObjectStore) CreateMultipartUpload(_ context.Context, bucket, object string) (string, error) {
	return fakeKey(bucket, object) + "#upload", nil
}

func (f *fakeObjectStore) UploadPart(_ context.Context, _, _, uploadID string, partNumber int, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partAttempts++
	if f.failTimes > 0 && partNumber == f.failPartNumber {
		f.failTimes--
		return "", objectstore.Classify("upload_part", errTransient)
	}
	f.pendingSizes[uploadID] += int64(len(data))
	return fmt.Sprintf("etag-%d-%d", partNumber, len(data)), nil
}

func (f *fakeObjectStore) CompleteMultipartUpload(_ context.Context, bucket, object, uploadID string, parts []objectstore.Part) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completedParts[uploadID] = parts
	key := fakeKey(bucket, object)
	size := f.pendingSizes[uploadID]
	if f.corruptNextPutBytes != 0 {
		size += f.corruptNextPutBytes
		f.corruptNextPutBytes = 0
	}
	f.objects[key] = bytes.Repeat([]byte{0}, 1)
	f.knownSizes[key] = size
	delete(f.pendingSizes, uploadID)
	return nil
}

func (f *fakeObjectStore) AbortMultipartUpload(_ context.Context, _, _, uploadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abortedUploads = append(f.abortedUploads, uploadID)
	return nil
}

func (f *fakeObjectStore) HeadObject(_ context.Context, bucket, object string) (objectstore.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fakeKey(bucket, object)
	size, ok := f.knownSizes[key]
	if !ok {
		return objectstore.ObjectInfo{}, objectstore.Classify("head_object", errNotFoundMock)
	}
	return objectstore.ObjectInfo{Size: size}, nil
}

func (f *fakeObjectStore) PutSmallObject(_ context.Context, bucket, object string, data io.Reader, size int64) error {
	buf, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fakeKey(bucket, object)
	f.objects[key] = buf
	if f.corruptNextPutBytes != 0 {
		f.knownSizes[key] = size + f.corruptNextPutBytes
		f.corruptNextPutBytes = 0
	} else {
		f.knownSizes[key] = size
	}
	return nil
}

func (f *fakeObjectStore) RemoveObject(_ context.Context, bucket, object string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fakeKey(bucket, object)
	delete(f.objects, key)
	delete(f.knownSizes, key)
	return nil
}

var errTransient = fmt.Errorf("mock transient failure")
var errNotFoundMock = fmt.Errorf("mock object not found")

func newTestPool(t *testing.T, objStore ObjectStore, chunkSize int64) (*Pool, *store.Store) {
	t.Helper()
	logger, err := logging.New("worker-test", logging.DefaultConfig())
	require.NoError(t, err)

	st, err := store.Open(filepath.Join(t.TempDir(), "engine.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	pool := New(Config{Concurrency: 2, ChunkSize: chunkSize, PartRetryAttempts: 3, PartCallTimeout: 2 * time.Second}, st, objStore, logger)
	t.Cleanup(func() { pool.Shutdown(2 * time.Second) })

	return pool, st
}

func writeSourceFile(t *testing.T, dir, relPath string, content []byte) {
	t.Helper()
	full := filepath.Join(dir, relPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, content, 0o644))
}

func awaitOutcome(t *testing.T, pool *Pool) Outcome {
	t.Helper()
	select {
	case o := <-pool.Outcomes():
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for worker outcome")
		return Outcome{}
	}
}

func TestExecuteSmallFileSingleShot(t *testing.T) {
	objStore := newFakeObjectStore()
	pool, st := newTestPool(t, objStore, 5*1024*1024)

	dir := t.TempDir()
	content := []byte("hello upload engine")
	writeSourceFile(t, dir, "notes.txt", content)
	info, err := os.Stat(filepath.Join(dir, "notes.txt"))
	require.NoError(t, err)

	require.NoError(t, st.CreateJob(&store.Job{ID: "job-1", SourceFolder: dir, DestinationBucket: "bucket"}))
	require.NoError(t, st.CreateFilesBulk("job-1", []store.FileStat{
		{Path: "notes.txt", MTime: info.ModTime(), Size: info.Size()},
	}))
	f, err := st.ClaimNextPendingFile("job-1")
	require.NoError(t, err)

	require.NoError(t, pool.Submit(Task{JobID: "job-1", File: f, SourceFolder: dir, DestinationBucket: "bucket"}))

	outcome := awaitOutcome(t, pool)
	assert.True(t, outcome.Success)

	files, err := st.ListFiles("job-1")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, store.FileUploaded, files[0].State)

	stored, ok := objStore.objects[fakeKey("bucket", "job-1/notes.txt")]
	require.True(t, ok)
	assert.Equal(t, content, stored)
}

func TestExecuteSourceMissingFailsFile(t *testing.T) {
	objStore := newFakeObjectStore()
	pool, st := newTestPool(t, objStore, 5*1024*1024)

	dir := t.TempDir()
	require.NoError(t, st.CreateJob(&store.Job{ID: "job-1", SourceFolder: dir, DestinationBucket: "bucket"}))
	require.NoError(t, st.CreateFilesBulk("job-1", []store.FileStat{{Path: "missing.txt", Size: 10}}))
	f, err := st.ClaimNextPendingFile("job-1")
	require.NoError(t, err)

	require.NoError(t, pool.Submit(Task{JobID: "job-1", File: f, SourceFolder: dir, DestinationBucket: "bucket"}))
	outcome := awaitOutcome(t, pool)
	assert.False(t, outcome.Success)

	files, err := st.ListFiles("job-1")
	require.NoError(t, err)
	assert.Equal(t, store.FileFailed, files[0].State)
	assert.Equal(t, "source missing", files[0].FailureReason)
}

func TestExecuteMultipartTransientThenSuccess(t *testing.T) {
	objStore := newFakeObjectStore()
	objStore.failPartNumber = 2
	objStore.failTimes = 2

	chunkSize := int64(5 * 1024 * 1024)
	pool, st := newTestPool(t, objStore, chunkSize)

	dir := t.TempDir()
	content := bytes.Repeat([]byte{'a'}, int(chunkSize*3))
	writeSourceFile(t, dir, "big.bin", content)
	info, err := os.Stat(filepath.Join(dir, "big.bin"))
	require.NoError(t, err)

	require.NoError(t, st.CreateJob(&store.Job{ID: "job-1", SourceFolder: dir, DestinationBucket: "bucket"}))
	require.NoError(t, st.CreateFilesBulk("job-1", []store.FileStat{
		{Path: "big.bin", MTime: info.ModTime(), Size: info.Size()},
	}))
	f, err := st.ClaimNextPendingFile("job-1")
	require.NoError(t, err)

	require.NoError(t, pool.Submit(Task{JobID: "job-1", File: f, SourceFolder: dir, DestinationBucket: "bucket"}))
	outcome := awaitOutcome(t, pool)
	require.True(t, outcome.Success)

	files, err := st.ListFiles("job-1")
	require.NoError(t, err)
	assert.Equal(t, store.FileUploaded, files[0].State)

	objStore.mu.Lock()
	defer objStore.mu.Unlock()
	assert.Empty(t, objStore.abortedUploads, "a retry that eventually succeeds must not abort the multipart upload")

	var parts []objectstore.Part
	for _, p := range objStore.completedParts {
		parts = p
	}
	require.Len(t, parts, 3)
}

func TestExecuteSizeMismatchFailsAndDeletes(t *testing.T) {
	objStore := newFakeObjectStore()
	pool, st := newTestPool(t, objStore, 5*1024*1024)

	dir := t.TempDir()
	content := []byte("some content")
	writeSourceFile(t, dir, "f.txt", content)
	info, err := os.Stat(filepath.Join(dir, "f.txt"))
	require.NoError(t, err)

	require.NoError(t, st.CreateJob(&store.Job{ID: "job-1", SourceFolder: dir, DestinationBucket: "bucket"}))
	require.NoError(t, st.CreateFilesBulk("job-1", []store.FileStat{
		{Path: "f.txt", MTime: info.ModTime(), Size: info.Size()},
	}))
	f, err := st.ClaimNextPendingFile("job-1")
	require.NoError(t, err)

	// Simulate the object store reporting a different size than what was
	// actually written, as if the assembled object were corrupted.
	objStore.corruptNextPutBytes = 1

	require.NoError(t, pool.Submit(Task{JobID: "job-1", File: f, SourceFolder: dir, DestinationBucket: "bucket"}))
	outcome := awaitOutcome(t, pool)
	assert.False(t, outcome.Success)

	files, err := st.ListFiles("job-1")
	require.NoError(t, err)
	assert.Equal(t, store.FileFailed, files[0].State)
	assert.Contains(t, files[0].FailureReason, "size mismatch")

	_, stillThere := objStore.objects[fakeKey("bucket", "job-1/f.txt")]
	assert.False(t, stillThere, "a size-mismatched object must be removed")
}

// fakeResourceMonitor reports critical until toggled off, so tests can
// observe the pool holding a task unclaimed under memory pressure.
type fakeResourceMonitor struct {
	mu       sync.Mutex
	critical bool
}

func (f *fakeResourceMonitor) IsMemoryCritical(float64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.critical
}

func (f *fakeResourceMonitor) setCritical(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.critical = v
}

func TestPoolPausesClaimWhileMemoryCritical(t *testing.T) {
	objStore := newFakeObjectStore()
	pool, st := newTestPool(t, objStore, 5*1024*1024)

	resources := &fakeResourceMonitor{critical: true}
	pool.SetResourceMonitor(resources)

	dir := t.TempDir()
	content := []byte("hello upload engine")
	writeSourceFile(t, dir, "notes.txt", content)
	info, err := os.Stat(filepath.Join(dir, "notes.txt"))
	require.NoError(t, err)

	require.NoError(t, st.CreateJob(&store.Job{ID: "job-1", SourceFolder: dir, DestinationBucket: "bucket"}))
	require.NoError(t, st.CreateFilesBulk("job-1", []store.FileStat{
		{Path: "notes.txt", MTime: info.ModTime(), Size: info.Size()},
	}))
	f, err := st.ClaimNextPendingFile("job-1")
	require.NoError(t, err)

	require.NoError(t, pool.Submit(Task{JobID: "job-1", File: f, SourceFolder: dir, DestinationBucket: "bucket"}))

	select {
	case <-pool.Outcomes():
		t.Fatal("task was claimed while memory was reported critical")
	case <-time.After(200 * time.Millisecond):
	}

	resources.setCritical(false)
	outcome := awaitOutcome(t, pool)
	assert.True(t, outcome.Success)
}
