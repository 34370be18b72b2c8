package pipeline

import (
	"image"
	"math"
	"time"
)

// Working resolution every source normalizes its frames to (16:9).
const (
	WorkingWidth  = 720
	WorkingHeight = WorkingWidth * 9 / 16
)

// Frame is a decoded video frame. A stage owns the frame until it hands the
// pointer to the next stage and must not touch it afterwards.
type Frame struct {
	SourceID  string      // Source identifier (pipeline name)
	Image     *image.RGBA // Pixel data, WorkingWidth x WorkingHeight once normalized
	Seq       uint64      // Frame sequence number, starting at 1
	Timestamp time.Time   // Capture timestamp
}

// Width returns the frame width in pixels.
func (f *Frame) Width() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dx()
}

// Height returns the frame height in pixels.
func (f *Frame) Height() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dy()
}

// BBox is an axis-aligned bounding box in pixel coordinates.
type BBox struct {
	X1 float64 `json:"x1"` // Left
	Y1 float64 `json:"y1"` // Top
	X2 float64 `json:"x2"` // Right
	Y2 float64 `json:"y2"` // Bottom
}

// Width returns the box width.
func (b BBox) Width() float64 { return b.X2 - b.X1 }

// Height returns the box height.
func (b BBox) Height() float64 { return b.Y2 - b.Y1 }

// Area returns the box area, zero for inverted boxes.
func (b BBox) Area() float64 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Center returns the box centroid.
func (b BBox) Center() (float64, float64) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// CenterPoint returns the centroid truncated to integer pixels.
func (b BBox) CenterPoint() image.Point {
	cx, cy := b.Center()
	return image.Pt(int(cx), int(cy))
}

// Valid reports whether the box has finite coordinates and a positive,
// finite width, height and area.
func (b BBox) Valid() bool {
	for _, v := range [...]float64{b.X1, b.Y1, b.X2, b.Y2, b.Width(), b.Height(), b.Area()} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.X2 > b.X1 && b.Y2 > b.Y1
}

// Clip limits the box to [0,width]x[0,height]. A box entirely outside
// comes back with zero area and fails Valid.
func (b BBox) Clip(width, height int) BBox {
	w, h := float64(width), float64(height)
	return BBox{
		X1: clamp(b.X1, 0, w),
		Y1: clamp(b.Y1, 0, h),
		X2: clamp(b.X2, 0, w),
		Y2: clamp(b.Y2, 0, h),
	}
}

// clamp keeps NaN so that Valid still rejects it
func clamp(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	}
	return v
}

// Rect converts the box to an integer rectangle.
func (b BBox) Rect() image.Rectangle {
	return image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2))
}

// IoU returns the intersection over union of two boxes.
func (b BBox) IoU(o BBox) float64 {
	ix1 := math.Max(b.X1, o.X1)
	iy1 := math.Max(b.Y1, o.Y1)
	ix2 := math.Min(b.X2, o.X2)
	iy2 := math.Min(b.Y2, o.Y2)
	iw, ih := ix2-ix1, iy2-iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Detection is a single object detection produced for one frame.
type Detection struct {
	BBox       BBox    `json:"bbox"`
	Confidence float64 `json:"confidence"` // [0-1]
	ClassID    int     `json:"class_id"`
	Class      string  `json:"class,omitempty"`
	TrackID    int     `json:"track_id,omitempty"` // Set by detectors running their own tracker
}

// TrackedObject is an identity-tagged box handed to the annotator.
type TrackedObject struct {
	ID         int           `json:"id"`
	Class      string        `json:"class,omitempty"`
	ClassID    int           `json:"class_id"`
	Confidence float64       `json:"confidence"`
	BBox       BBox          `json:"bbox"`
	Trail      []image.Point `json:"-"`
}

// AnnotatedFrame is a frame with overlays drawn on it, consumed by a Sink.
type AnnotatedFrame struct {
	*Frame
	Objects       []TrackedObject
	Tracking      bool
	InferenceTime time.Duration
}

// SourceKind identifies the frame source variant.
type SourceKind string

const (
	SourceImage  SourceKind = "image"
	SourceFile   SourceKind = "file"
	SourceWebcam SourceKind = "webcam"
	SourceRTSP   SourceKind = "rtsp"
	SourceRemote SourceKind = "remote"
)

// Live reports whether the source kind is an unbounded live stream.
func (k SourceKind) Live() bool {
	return k == SourceWebcam || k == SourceRTSP || k == SourceRemote
}

// TrackingMode selects who assigns identities.
type TrackingMode string

const (
	// TrackingOff renders raw detections
	TrackingOff TrackingMode = "off"
	// TrackingSORT runs the built-in SORT tracker
	TrackingSORT TrackingMode = "sort"
	// TrackingNative delegates identities to the detector's own tracker
	TrackingNative TrackingMode = "native"
)

// NativeTracker names a tracker algorithm offered by the detection backend.
type NativeTracker string

const (
	NativeByteTrack NativeTracker = "bytetrack"
	NativeBoTSORT   NativeTracker = "botsort"
)

// NativeTrackParams configures a detector running its own tracker.
type NativeTrackParams struct {
	Confidence float64
	IoU        float64 // Detector non-max-suppression threshold
	Algorithm  NativeTracker
}

// FrameResult is published on the event bus for every processed frame.
type FrameResult struct {
	PipelineID    string          `json:"pipeline_id"`
	RunID         string          `json:"run_id"`
	FrameSeq      uint64          `json:"frame_seq"`
	Timestamp     time.Time       `json:"timestamp"`
	Width         int             `json:"width"`
	Height        int             `json:"height"`
	Detections    int             `json:"detections"`
	Objects       []TrackedObject `json:"objects"`
	Tracking      bool            `json:"tracking"`
	ActiveTracks  int             `json:"active_tracks"`
	RetiredTracks []int           `json:"retired_tracks,omitempty"`
	InferenceMs   float32         `json:"inference_ms"`
}

// TrackerUpdate is what a tracker reports for one frame.
type TrackerUpdate struct {
	Objects   []TrackedObject
	Active    int
	Retired   []int
	Discarded int
}
