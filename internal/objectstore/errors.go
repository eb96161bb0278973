package objectstore

import (
	"errors"
	"net/http"

	"github.com/minio/minio-go/v7"

	"uploadengine/pkg/logging"
)

// Classify turns a raw minio-go error into one of the engine's typed
// errors, so the Worker can decide retry-vs-fail without re-deriving HTTP
// semantics at every call site.
func Classify(operation string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errCircuitOpen) {
		return logging.ErrTransient(operation, err)
	}

	resp := minio.ToErrorResponse(err)

	switch {
	case resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" || resp.StatusCode == http.StatusNotFound:
		return logging.ErrNotFound(operation).WithCause(err)
	case resp.StatusCode >= 500:
		return logging.ErrTransient(operation, err)
	case resp.StatusCode == http.StatusTooManyRequests || resp.Code == "SlowDown":
		return logging.ErrTransient(operation, err)
	case resp.StatusCode == http.StatusRequestTimeout || resp.Code == "RequestTimeout":
		return logging.ErrTimeout(operation, "response").WithCause(err)
	case resp.StatusCode >= 400:
		return logging.ErrValidation(operation, err.Error()).WithCause(err)
	default:
		// Not a recognizable object-store HTTP error (e.g. a dial/DNS
		// failure before a response was ever received) — treat as
		// transient since a retry on a fresh connection may succeed.
		return logging.ErrTransient(operation, err)
	}
}

// IsRetryable reports whether err (as classified above) warrants a Worker
// retry rather than an immediate permanent failure.
func IsRetryable(err error) bool {
	var engineErr *logging.Error
	if errors.As(err, &engineErr) {
		return engineErr.IsRetryable()
	}
	return false
}
