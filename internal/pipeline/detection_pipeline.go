package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultMaxReadFailures is the number of consecutive transient read
// failures tolerated before a run is aborted.
const DefaultMaxReadFailures = 10

// Options wires the stages of one pipeline.
type Options struct {
	ID        string
	RunID     string
	Source    FrameSource
	Detector  Detector
	Tracker   Tracker // Required for TrackingSORT, ignored otherwise
	Annotator Annotator
	Sink      Sink
	Bus       *EventBus // Optional

	Mode       TrackingMode
	Confidence float64
	Native     NativeTrackParams

	MaxReadFailures int
	Logger          *zap.SugaredLogger
}

// Pipeline drives frames from a source through detection, tracking and
// rendering into a sink. Every stage runs sequentially on the goroutine
// calling Run.
type Pipeline struct {
	id        string
	runID     string
	source    FrameSource
	detector  Detector
	tracker   Tracker
	annotator Annotator
	sink      Sink
	bus       *EventBus

	mode       TrackingMode
	confidence float64
	native     NativeTrackParams

	maxReadFailures int
	logger          *zap.SugaredLogger

	stats   PipelineStats
	statsMu sync.RWMutex
}

// droppedCounter is implemented by sources that discard frames when the
// consumer falls behind.
type droppedCounter interface {
	Dropped() uint64
}

// reconnectCounter is implemented by sources that reopen after failures.
type reconnectCounter interface {
	Reconnects() uint64
}

// New validates opts and creates a pipeline
func New(opts Options) (*Pipeline, error) {
	if opts.ID == "" {
		return nil, errors.New("pipeline id is required")
	}
	if opts.Source == nil || opts.Detector == nil || opts.Annotator == nil || opts.Sink == nil {
		return nil, errors.New("pipeline requires a source, detector, annotator and sink")
	}
	if opts.Mode == "" {
		opts.Mode = TrackingOff
	}
	switch opts.Mode {
	case TrackingOff:
	case TrackingSORT:
		if opts.Tracker == nil {
			return nil, errors.New("sort tracking requires a tracker")
		}
	case TrackingNative:
		if _, ok := opts.Detector.(TrackingDetector); !ok {
			return nil, fmt.Errorf("detector %s cannot track natively", opts.Detector.Name())
		}
	default:
		return nil, fmt.Errorf("unknown tracking mode %q", opts.Mode)
	}
	if opts.Confidence < 0 || opts.Confidence > 1 {
		return nil, fmt.Errorf("confidence %v outside [0,1]", opts.Confidence)
	}
	if opts.MaxReadFailures <= 0 {
		opts.MaxReadFailures = DefaultMaxReadFailures
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Pipeline{
		id:              opts.ID,
		runID:           opts.RunID,
		source:          opts.Source,
		detector:        opts.Detector,
		tracker:         opts.Tracker,
		annotator:       opts.Annotator,
		sink:            opts.Sink,
		bus:             opts.Bus,
		mode:            opts.Mode,
		confidence:      opts.Confidence,
		native:          opts.Native,
		maxReadFailures: opts.MaxReadFailures,
		logger:          logger.Named("pipeline"),
		stats: PipelineStats{
			PipelineID:   opts.ID,
			RunID:        opts.RunID,
			Source:       opts.Source.Describe(),
			TrackingMode: opts.Mode,
		},
	}, nil
}

// ID returns the pipeline name
func (p *Pipeline) ID() string {
	return p.id
}

// Run processes frames until the source is exhausted, ctx is cancelled or a
// fatal error occurs. The source and the sink are closed on every exit path.
// A finished finite source returns nil; cancellation returns ctx.Err().
func (p *Pipeline) Run(ctx context.Context) (err error) {
	p.setRunning(true)
	defer func() {
		err = multierr.Combine(err, p.source.Close(), p.sink.Close())
		if as, ok := p.sink.(ArtifactSink); ok {
			p.statsMu.Lock()
			p.stats.ArtifactPath = as.ArtifactPath()
			p.statsMu.Unlock()
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			p.setLastError(err)
		}
		p.setRunning(false)
	}()

	if err := p.source.Open(ctx); err != nil {
		p.logger.Errorf("[%s] Failed to open %s: %v", p.id, p.source.Describe(), err)
		return &FatalError{Stage: "open", Cause: err}
	}
	p.logger.Infof("[%s] Processing %s (tracking: %s)", p.id, p.source.Describe(), p.mode)

	failures := 0
	for {
		select {
		case <-ctx.Done():
			p.logger.Infof("[%s] Stop requested", p.id)
			return ctx.Err()
		default:
		}

		frame, err := p.source.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				p.logger.Infof("[%s] Source exhausted after %d frames", p.id, p.Stats().FramesRead)
				return nil
			case ctx.Err() != nil:
				return ctx.Err()
			case IsTransient(err):
				failures++
				p.statsMu.Lock()
				p.stats.ReadErrors++
				p.statsMu.Unlock()
				if failures > p.maxReadFailures {
					return &FatalError{Stage: "read", Cause: fmt.Errorf("%d consecutive read failures: %w", failures, err)}
				}
				p.logger.Warnf("[%s] Skipping unreadable frame (%d/%d): %v", p.id, failures, p.maxReadFailures, err)
				continue
			default:
				return &FatalError{Stage: "read", Cause: err}
			}
		}
		failures = 0

		p.statsMu.Lock()
		p.stats.FramesRead++
		p.statsMu.Unlock()

		if err := p.processFrame(ctx, frame); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var inferErr *InferenceError
			if errors.As(err, &inferErr) {
				p.statsMu.Lock()
				p.stats.InferenceErrors++
				p.statsMu.Unlock()
				p.logger.Warnf("[%s] Dropping frame: %v", p.id, err)
				continue
			}
			return err
		}
	}
}

// processFrame runs one frame through detection, tracking, rendering and
// the sink. A returned *InferenceError drops the frame; anything else is
// fatal.
func (p *Pipeline) processFrame(ctx context.Context, frame *Frame) error {
	start := time.Now()
	detections, err := p.infer(ctx, frame)
	elapsed := time.Since(start)
	if err != nil {
		return &InferenceError{Detector: p.detector.Name(), FrameSeq: frame.Seq, Err: err}
	}

	result := &FrameResult{
		PipelineID:  p.id,
		RunID:       p.runID,
		FrameSeq:    frame.Seq,
		Timestamp:   frame.Timestamp,
		Width:       frame.Width(),
		Height:      frame.Height(),
		Detections:  len(detections),
		InferenceMs: float32(elapsed.Microseconds()) / 1000,
	}

	switch p.mode {
	case TrackingSORT:
		update, err := p.tracker.Update(detections)
		if err != nil {
			// The tracker kept its previous state; skip this frame
			return &InferenceError{Detector: "tracker", FrameSeq: frame.Seq, Err: err}
		}
		if update.Discarded > 0 {
			p.logger.Debugf("[%s] Frame %d: discarded %d degenerate detections", p.id, frame.Seq, update.Discarded)
		}
		result.Objects = update.Objects
		result.Tracking = true
		result.ActiveTracks = update.Active
		result.RetiredTracks = update.Retired
	case TrackingNative:
		result.Objects = nativeObjects(detections)
		result.Tracking = true
		result.ActiveTracks = len(result.Objects)
	default:
		result.Objects = rawObjects(detections)
	}

	annotated := &AnnotatedFrame{
		Frame:         p.annotator.Render(frame, result.Objects, result.Tracking),
		Objects:       result.Objects,
		Tracking:      result.Tracking,
		InferenceTime: elapsed,
	}
	if err := p.sink.Push(ctx, annotated); err != nil {
		return &FatalError{Stage: "sink", Cause: err}
	}

	p.recordFrame(result, elapsed)
	p.bus.Publish(result)
	return nil
}

func (p *Pipeline) infer(ctx context.Context, frame *Frame) ([]Detection, error) {
	if p.mode == TrackingNative {
		params := p.native
		params.Confidence = p.confidence
		return p.detector.(TrackingDetector).InferTracked(ctx, frame, params)
	}
	return p.detector.Infer(ctx, frame, p.confidence)
}

// rawObjects carries detections to the annotator without identities
func rawObjects(detections []Detection) []TrackedObject {
	objects := make([]TrackedObject, 0, len(detections))
	for _, d := range detections {
		objects = append(objects, TrackedObject{
			Class:      d.Class,
			ClassID:    d.ClassID,
			Confidence: d.Confidence,
			BBox:       d.BBox,
		})
	}
	return objects
}

// nativeObjects keeps the detections the backend tracker assigned an id to
func nativeObjects(detections []Detection) []TrackedObject {
	objects := make([]TrackedObject, 0, len(detections))
	for _, d := range detections {
		if d.TrackID <= 0 {
			continue
		}
		objects = append(objects, TrackedObject{
			ID:         d.TrackID,
			Class:      d.Class,
			ClassID:    d.ClassID,
			Confidence: d.Confidence,
			BBox:       d.BBox,
		})
	}
	return objects
}

func (p *Pipeline) recordFrame(result *FrameResult, elapsed time.Duration) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	p.stats.FramesProcessed++
	p.stats.ActiveTracks = result.ActiveTracks
	p.stats.LastFrameTime = time.Now().Unix()
	ms := float32(elapsed.Microseconds()) / 1000
	if p.stats.FramesProcessed == 1 {
		p.stats.AvgInferenceMs = ms
	} else {
		p.stats.AvgInferenceMs = (p.stats.AvgInferenceMs + ms) / 2
	}
}

func (p *Pipeline) setRunning(running bool) {
	p.statsMu.Lock()
	p.stats.Running = running
	p.statsMu.Unlock()
}

func (p *Pipeline) setLastError(err error) {
	p.statsMu.Lock()
	p.stats.LastError = err.Error()
	p.statsMu.Unlock()
}

// Stats returns a copy of the pipeline statistics
func (p *Pipeline) Stats() PipelineStats {
	p.statsMu.RLock()
	stats := p.stats
	p.statsMu.RUnlock()

	if dc, ok := p.source.(droppedCounter); ok {
		stats.FramesDropped = dc.Dropped()
	}
	if rc, ok := p.source.(reconnectCounter); ok {
		stats.Reconnects = rc.Reconnects()
	}
	return stats
}
