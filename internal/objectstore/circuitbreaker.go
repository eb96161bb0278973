package objectstore

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// errCircuitOpen is returned by call when the breaker is rejecting calls
// fast; Classify maps it to a transient error so the Worker's existing
// retry/backoff schedule applies to breaker-open rejections too.
var errCircuitOpen = errors.New("object store circuit breaker open")

// circuitState is the circuit breaker's lifecycle, adapted from the
// teacher's services/circuit_breaker.go.
type circuitState int32

const (
	circuitClosed   circuitState = iota // normal operation
	circuitOpen                         // failing, reject calls
	circuitHalfOpen                     // testing if the object store recovered
)

// circuitBreaker protects the engine from hammering an object store that is
// already failing: once maxFailures consecutive calls fail it opens and
// rejects calls fast until resetTimeout elapses, then allows a bounded
// number of test calls through before closing again.
type circuitBreaker struct {
	maxFailures  int32
	resetTimeout time.Duration
	halfOpenMax  int32

	failures      atomic.Int32
	lastFailTime  atomic.Int64
	state         atomic.Int32
	halfOpenTests atomic.Int32
}

func newCircuitBreaker(maxFailures int, resetTimeout time.Duration) *circuitBreaker {
	return &circuitBreaker{
		maxFailures:  int32(maxFailures),
		resetTimeout: resetTimeout,
		halfOpenMax:  3,
	}
}

// call runs fn if the breaker allows it, otherwise returns immediately
// without invoking fn — used to keep a dead object store from stalling
// every Worker behind timeout after timeout.
func (cb *circuitBreaker) call(_ context.Context, fn func() error) error {
	if !cb.canAttempt() {
		return errCircuitOpen
	}

	err := fn()
	if err != nil {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return nil
}

func (cb *circuitBreaker) canAttempt() bool {
	switch circuitState(cb.state.Load()) {
	case circuitClosed:
		return true
	case circuitOpen:
		lastFail := cb.lastFailTime.Load()
		if time.Since(time.Unix(0, lastFail)) > cb.resetTimeout {
			if cb.state.CompareAndSwap(int32(circuitOpen), int32(circuitHalfOpen)) {
				cb.halfOpenTests.Store(0)
			}
			return true
		}
		return false
	case circuitHalfOpen:
		tests := cb.halfOpenTests.Add(1)
		return tests <= cb.halfOpenMax
	default:
		return false
	}
}

func (cb *circuitBreaker) recordSuccess() {
	switch circuitState(cb.state.Load()) {
	case circuitHalfOpen:
		if cb.state.CompareAndSwap(int32(circuitHalfOpen), int32(circuitClosed)) {
			cb.failures.Store(0)
		}
	case circuitClosed:
		cb.failures.Store(0)
	}
}

func (cb *circuitBreaker) recordFailure() {
	failures := cb.failures.Add(1)
	cb.lastFailTime.Store(time.Now().UnixNano())

	switch circuitState(cb.state.Load()) {
	case circuitClosed:
		if failures >= cb.maxFailures {
			cb.state.Store(int32(circuitOpen))
		}
	case circuitHalfOpen:
		cb.state.Store(int32(circuitOpen))
		cb.failures.Store(cb.maxFailures)
	}
}

// State reports the breaker's current state as a metrics-friendly string.
func (cb *circuitBreaker) State() string {
	switch circuitState(cb.state.Load()) {
	case circuitClosed:
		return "closed"
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}
