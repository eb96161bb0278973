package engine

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"uploadengine/config"
	"uploadengine/internal/store"
	"uploadengine/pkg/logging"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	logger, err := logging.New("engine-test", logging.ConfigForEnvironment("development"))
	require.NoError(t, err)

	cfg := &config.Config{
		ObjectStoreEndpoint:  "127.0.0.1:1", // unreachable; only dialed on demand
		ObjectStoreAccessKey: "test",
		ObjectStoreSecretKey: "test",
		StateDBPath:          filepath.Join(t.TempDir(), "engine.db"),
		ChunkSize:            5 * 1024 * 1024,
		WorkerConcurrency:    2,
		MonitorInterval:      0,
		StabilityThreshold:   2,
		PartRetryAttempts:    1,
	}

	eng, err := New(cfg, logger)
	require.NoError(t, err)
	require.NoError(t, eng.Start())
	t.Cleanup(func() { eng.Stop(2 * time.Second) })

	return eng
}

func TestEngineSubmitJobRequiresDestinationBucket(t *testing.T) {
	eng := newTestEngine(t)

	_, err := eng.SubmitJob(&store.Job{ID: "job-1", SourceFolder: t.TempDir()})
	require.Error(t, err)
}

func TestEngineSubmitJobFailsWhenBucketUnreachable(t *testing.T) {
	eng := newTestEngine(t)

	// The configured object store endpoint is unreachable, so ensuring the
	// destination bucket exists must fail before the job is ever persisted.
	_, err := eng.SubmitJob(&store.Job{
		ID:                "job-1",
		SourceFolder:      t.TempDir(),
		DestinationBucket: "sermons",
	})
	require.Error(t, err)

	_, getErr := eng.GetJob("job-1")
	require.Error(t, getErr)
}

func TestEngineListJobsEmpty(t *testing.T) {
	eng := newTestEngine(t)

	jobs, err := eng.ListJobs()
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestEnginePoolStatsAndBreakerState(t *testing.T) {
	eng := newTestEngine(t)

	stats := eng.PoolStats()
	require.GreaterOrEqual(t, stats.Workers, 1)

	require.Equal(t, "closed", eng.ObjectStoreBreakerState())
}
