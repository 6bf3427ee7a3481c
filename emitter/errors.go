package emitter

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is returned when an emitter configuration is rejected
	ErrInvalidConfig = errors.New("emitter: invalid configuration")
	// ErrInterrupted is returned when a pause is interrupted under InterruptAbort
	ErrInterrupted = errors.New("emitter: pause interrupted")
	// ErrNilSender is returned by New when no sender is supplied
	ErrNilSender = errors.New("emitter: sender cannot be nil")
)

// EmitError reports the message at which a run stopped
type EmitError struct {
	Index   int    // Zero-based index of the failed message
	OrderID string // Order id being emitted
	Err     error  // Underlying error
}

func (e *EmitError) Error() string {
	return fmt.Sprintf("emitter: order %s (index %d): %v", e.OrderID, e.Index, e.Err)
}

func (e *EmitError) Unwrap() error {
	return e.Err
}
