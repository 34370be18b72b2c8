package pipeline

import (
	"errors"
	"fmt"
)

// ErrSourceExhausted is returned once a live source cannot be reopened.
var ErrSourceExhausted = errors.New("source reconnect attempts exhausted")

// SourceOpenError means the source could not be opened at all. Fatal.
type SourceOpenError struct {
	Source string
	Err    error
}

func (e *SourceOpenError) Error() string {
	return fmt.Sprintf("open source %s: %v", e.Source, e.Err)
}

func (e *SourceOpenError) Unwrap() error { return e.Err }

// SourceReadError is a transient failure to read one frame.
type SourceReadError struct {
	Source string
	Err    error
}

func (e *SourceReadError) Error() string {
	return fmt.Sprintf("read frame from %s: %v", e.Source, e.Err)
}

func (e *SourceReadError) Unwrap() error { return e.Err }

// InferenceError is a detector failure on a single frame. The frame is dropped.
type InferenceError struct {
	Detector string
	FrameSeq uint64
	Err      error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("detector %s failed on frame %d: %v", e.Detector, e.FrameSeq, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// FatalError terminates a pipeline run; Cause carries the underlying error.
type FatalError struct {
	Stage string
	Cause error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("pipeline %s: %v", e.Stage, e.Cause)
}

func (e *FatalError) Unwrap() error { return e.Cause }

// IsTransient reports whether err is a transient source read failure.
func IsTransient(err error) bool {
	var readErr *SourceReadError
	return errors.As(err, &readErr)
}
