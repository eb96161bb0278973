package logging

import (
	"fmt"
	"log/slog"
)

type ErrorCode string

const (
	ErrCodeObjectStoreConn    ErrorCode = "OBJECT_STORE_CONNECTION_FAILED"
	ErrCodeSourceMissing      ErrorCode = "SOURCE_MISSING"
	ErrCodeUploadFailed       ErrorCode = "UPLOAD_FAILED"
	ErrCodeVerificationFailed ErrorCode = "VERIFICATION_FAILED"
	ErrCodeStoreFailure       ErrorCode = "STATE_STORE_FAILURE"
	ErrCodeWebSocketError     ErrorCode = "WEBSOCKET_ERROR"
	ErrCodeValidation         ErrorCode = "VALIDATION_ERROR"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeTimeout            ErrorCode = "TIMEOUT_ERROR"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeTransient          ErrorCode = "TRANSIENT_ERROR"
)

// Error is the engine's typed error: a stable code plus enough context for
// the HTTP layer and logs to act on it without string matching.
type Error struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Operation string                 `json:"operation,omitempty"`
	JobID     string                 `json:"job_id,omitempty"`
	Path      string                 `json:"path,omitempty"`
	Bucket    string                 `json:"bucket,omitempty"`
	Cause     error                  `json:"-"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Severity  string                 `json:"severity"`
}

// NewError creates an Error with default severity "error".
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Severity: "error",
		Context:  make(map[string]interface{}),
	}
}

// NewWarning creates an Error with severity "warning".
func NewWarning(code ErrorCode, message string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Severity: "warning",
		Context:  make(map[string]interface{}),
	}
}

func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

func (e *Error) WithJob(jobID string) *Error {
	e.JobID = jobID
	return e
}

func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

func (e *Error) WithBucket(bucket string) *Error {
	e.Bucket = bucket
	return e
}

func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// LogValue implements slog.LogValuer for structured logging.
func (e *Error) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("error_code", string(e.Code)),
		slog.String("message", e.Message),
		slog.String("severity", e.Severity),
	}

	if e.Operation != "" {
		attrs = append(attrs, slog.String("operation", e.Operation))
	}
	if e.JobID != "" {
		attrs = append(attrs, slog.String("job_id", e.JobID))
	}
	if e.Path != "" {
		attrs = append(attrs, slog.String("path", e.Path))
	}
	if e.Bucket != "" {
		attrs = append(attrs, slog.String("bucket", e.Bucket))
	}
	if e.Cause != nil {
		attrs = append(attrs, slog.String("cause", e.Cause.Error()))
	}

	if len(e.Context) > 0 {
		contextAttrs := make([]any, 0, len(e.Context)*2)
		for k, v := range e.Context {
			contextAttrs = append(contextAttrs, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Group("context", contextAttrs...))
	}

	return slog.GroupValue(attrs...)
}

// IsRetryable returns true if the error's code is one the worker pool
// should retry rather than give up on.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTimeout, ErrCodeRateLimit, ErrCodeTransient:
		return true
	case ErrCodeObjectStoreConn:
		return true
	default:
		return false
	}
}

// Common error constructors, one per engine failure mode.

func ErrObjectStoreConn(message string, cause error) *Error {
	return NewError(ErrCodeObjectStoreConn, message).
		WithCause(cause).
		WithOperation("object_store_connect")
}

func ErrSourceMissing(path string, cause error) *Error {
	return NewError(ErrCodeSourceMissing, fmt.Sprintf("source path missing: %s", path)).
		WithPath(path).
		WithCause(cause).
		WithOperation("walk")
}

func ErrUpload(path string, cause error) *Error {
	return NewError(ErrCodeUploadFailed, fmt.Sprintf("failed to upload %s", path)).
		WithPath(path).
		WithCause(cause).
		WithOperation("upload")
}

func ErrVerification(path string, cause error) *Error {
	return NewError(ErrCodeVerificationFailed, fmt.Sprintf("verification failed for %s", path)).
		WithPath(path).
		WithCause(cause).
		WithOperation("verify")
}

func ErrStoreFailure(operation string, cause error) *Error {
	return NewError(ErrCodeStoreFailure, fmt.Sprintf("state store operation %s failed", operation)).
		WithCause(cause).
		WithOperation(operation)
}

func ErrWebSocket(message string, cause error) *Error {
	return NewError(ErrCodeWebSocketError, message).
		WithCause(cause).
		WithOperation("websocket")
}

func ErrValidation(field string, message string) *Error {
	return NewError(ErrCodeValidation, message).
		WithContext("field", field).
		WithOperation("validation")
}

func ErrInternal(message string, cause error) *Error {
	return NewError(ErrCodeInternal, message).
		WithCause(cause).
		WithOperation("internal")
}

func ErrTimeout(operation string, timeout interface{}) *Error {
	return NewError(ErrCodeTimeout, fmt.Sprintf("operation %s timed out", operation)).
		WithOperation(operation).
		WithContext("timeout", timeout)
}

func ErrNotFound(resource string) *Error {
	return NewError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource)
}

func ErrUnauthorized(message string) *Error {
	return NewError(ErrCodeUnauthorized, message).
		WithOperation("auth")
}

func ErrRateLimit(limit int, window string) *Error {
	return NewError(ErrCodeRateLimit, "rate limit exceeded").
		WithContext("limit", limit).
		WithContext("window", window)
}

func ErrTransient(operation string, cause error) *Error {
	return NewError(ErrCodeTransient, fmt.Sprintf("transient failure during %s", operation)).
		WithCause(cause).
		WithOperation(operation)
}
