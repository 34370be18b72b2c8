package tracker

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"tracklens/internal/pipeline"
)

// Config holds SORT parameters.
type Config struct {
	MaxAge       int     `json:"max_age"`       // Frames a track survives without a match
	MinHits      int     `json:"min_hits"`      // Consecutive matches before a track is confirmed
	IoUThreshold float64 `json:"iou_threshold"` // Minimum IoU for a detection to match a track
	TrailLength  int     `json:"trail_length"`  // Centroid history cap, 0 keeps everything
}

// DefaultConfig returns the tracker defaults.
func DefaultConfig() Config {
	return Config{
		MaxAge:       50,
		MinHits:      2,
		IoUThreshold: 0.2,
		TrailLength:  128,
	}
}

// Validate checks the parameters.
func (c Config) Validate() error {
	if c.MaxAge < 0 {
		return fmt.Errorf("max_age must be >= 0, got %d", c.MaxAge)
	}
	if c.MinHits < 0 {
		return fmt.Errorf("min_hits must be >= 0, got %d", c.MinHits)
	}
	if c.IoUThreshold < 0 || c.IoUThreshold > 1 {
		return fmt.Errorf("iou_threshold must be within [0, 1], got %g", c.IoUThreshold)
	}
	if c.TrailLength < 0 {
		return fmt.Errorf("trail_length must be >= 0, got %d", c.TrailLength)
	}
	return nil
}

// SORT is a Simple Online Realtime Tracker: per-track Kalman prediction,
// IoU matching solved with the Hungarian algorithm, and age based retirement.
type SORT struct {
	cfg    Config
	logger *zap.SugaredLogger

	mu         sync.Mutex
	tracks     *TrackSet
	nextID     int
	frameCount int
}

var _ pipeline.Tracker = (*SORT)(nil)

// NewSORT creates a tracker with an empty session.
func NewSORT(cfg Config, logger *zap.SugaredLogger) *SORT {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SORT{
		cfg:    cfg,
		logger: logger,
		tracks: NewTrackSet(),
		nextID: 1,
	}
}

// Reset discards all tracks and restarts id numbering.
func (s *SORT) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = NewTrackSet()
	s.nextID = 1
	s.frameCount = 0
}

// Tracks returns a copy of the live tracks in creation order.
func (s *SORT) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Track, 0, s.tracks.Len())
	for _, t := range s.tracks.order {
		c := t.clone()
		out = append(out, *c)
	}
	return out
}

// Update runs one tracking step. It must be called once per frame, also
// for frames without detections, so unmatched tracks age.
func (s *SORT) Update(detections []pipeline.Detection) (pipeline.TrackerUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dets := make([]pipeline.Detection, 0, len(detections))
	discarded := 0
	for _, d := range detections {
		if !d.BBox.Valid() {
			discarded++
			continue
		}
		dets = append(dets, d)
	}
	if discarded > 0 {
		s.logger.Debugf("Discarded %d degenerate detections", discarded)
	}

	// Work on a copy so a failed step leaves the session untouched.
	work := s.tracks.clone()
	nextID := s.nextID
	frameCount := s.frameCount + 1

	predicted := make([]pipeline.BBox, len(work.order))
	collapsed := make(map[int]bool)
	for i, t := range work.order {
		predicted[i] = t.predict()
		if !predicted[i].Valid() {
			collapsed[t.ID] = true
		}
	}

	cost := make([][]float64, len(work.order))
	for i := range work.order {
		cost[i] = make([]float64, len(dets))
		for j, d := range dets {
			iou := 0.0
			if !collapsed[work.order[i].ID] {
				iou = predicted[i].IoU(d.BBox)
			}
			if collapsed[work.order[i].ID] || iou < s.cfg.IoUThreshold {
				cost[i][j] = forbiddenCost
			} else {
				cost[i][j] = 1 - iou
			}
		}
	}

	matchedDet := make([]bool, len(dets))
	if len(dets) > 0 {
		for i, col := range HungarianAssign(cost) {
			if col < 0 {
				continue
			}
			t := work.order[i]
			if err := t.update(dets[col], s.cfg.TrailLength); err != nil {
				return pipeline.TrackerUpdate{}, fmt.Errorf("update track %d: %w", t.ID, err)
			}
			if t.State == TrackTentative && t.HitStreak >= s.cfg.MinHits {
				t.State = TrackConfirmed
			}
			matchedDet[col] = true
		}
	}

	for j, d := range dets {
		if matchedDet[j] {
			continue
		}
		t := newTrack(nextID, d)
		nextID++
		if s.cfg.MinHits <= 0 {
			t.State = TrackConfirmed
		}
		work.add(t)
	}

	retired := work.retain(func(t *Track) bool {
		return !collapsed[t.ID] && t.TimeSinceUpdate <= s.cfg.MaxAge
	})

	var objects []pipeline.TrackedObject
	for _, t := range work.order {
		if t.TimeSinceUpdate > 0 {
			continue
		}
		// The first frames of a session report matched tracks before any
		// of them had a chance to reach min_hits.
		if t.State == TrackConfirmed || frameCount <= s.cfg.MinHits {
			objects = append(objects, t.object())
		}
	}

	s.tracks = work
	s.nextID = nextID
	s.frameCount = frameCount

	if len(retired) > 0 {
		s.logger.Debugf("Retired tracks %v", retired)
	}

	return pipeline.TrackerUpdate{
		Objects:   objects,
		Active:    work.Len(),
		Retired:   retired,
		Discarded: discarded,
	}, nil
}
