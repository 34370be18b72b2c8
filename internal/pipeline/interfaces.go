package pipeline

import (
	"context"
)

// FrameSource produces frames from a video input.
// Next returns io.EOF once a finite source is exhausted and a *SourceReadError
// for a transient read failure.
type FrameSource interface {
	// Open acquires the underlying capture handle
	Open(ctx context.Context) error

	// Next blocks until a frame is ready
	Next(ctx context.Context) (*Frame, error)

	// Close releases the capture handle; safe to call more than once
	Close() error

	// Closed reports whether the handle has been released
	Closed() bool

	// Kind returns the source variant
	Kind() SourceKind

	// Describe returns a human readable locator for logs
	Describe() string
}

// Detector wraps an object detection model.
type Detector interface {
	// Name returns the detector identifier (e.g., "http", "grpc")
	Name() string

	// Infer runs detection on a frame, dropping boxes below the threshold
	Infer(ctx context.Context, frame *Frame, confidence float64) ([]Detection, error)

	// Close releases detector resources
	Close() error
}

// TrackingDetector is a Detector whose backend can assign identities itself.
type TrackingDetector interface {
	Detector

	// InferTracked returns detections tagged with backend track ids
	InferTracked(ctx context.Context, frame *Frame, params NativeTrackParams) ([]Detection, error)
}

// Tracker associates detections across frames.
type Tracker interface {
	// Update consumes one frame of detections. On error the track set is
	// left exactly as it was before the call.
	Update(detections []Detection) (TrackerUpdate, error)

	// Reset starts a new tracking session
	Reset()
}

// Annotator draws overlays for a frame.
type Annotator interface {
	Render(frame *Frame, objects []TrackedObject, tracking bool) *Frame
}

// Sink accepts annotated frames for display or persistence.
type Sink interface {
	Push(ctx context.Context, frame *AnnotatedFrame) error
	Close() error
}

// ArtifactSink is a Sink that persists its output to a file.
type ArtifactSink interface {
	Sink

	// ArtifactPath returns the written artifact, empty until something was written
	ArtifactPath() string
}

// FrameResultHandler receives per-frame results
type FrameResultHandler interface {
	OnFrameResult(result *FrameResult)
}

// FrameResultHandlerFunc adapts a function to FrameResultHandler
type FrameResultHandlerFunc func(result *FrameResult)

// OnFrameResult implements FrameResultHandler
func (f FrameResultHandlerFunc) OnFrameResult(result *FrameResult) {
	f(result)
}

// PipelineStats contains pipeline performance metrics
type PipelineStats struct {
	PipelineID      string
	RunID           string
	Source          string
	FramesRead      uint64
	FramesProcessed uint64
	FramesDropped   uint64
	ReadErrors      uint64
	InferenceErrors uint64
	Reconnects      uint64
	ActiveTracks    int
	AvgInferenceMs  float32
	LastFrameTime   int64 // Unix timestamp
	Running         bool
	ArtifactPath    string
	TrackingMode    TrackingMode
	LastError       string
}
