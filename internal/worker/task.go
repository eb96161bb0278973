package worker

import "uploadengine/internal/store"

// Task is one file's worth of upload work, handed from the Orchestrator's
// expansion/recovery/monitor paths to the pool's queue.
type Task struct {
	JobID             string
	File              *store.File
	SourceFolder      string
	DestinationBucket string
}

// Outcome is the message-passing completion notice a Worker sends back to
// the Orchestrator: no shared mutable progress counter, just a value.
type Outcome struct {
	JobID   string
	FileID  uint64
	Success bool
	Err     error
}
