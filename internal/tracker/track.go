package tracker

import (
	"image"

	"tracklens/internal/pipeline"
)

// TrackState represents the lifecycle state of a track.
type TrackState string

const (
	TrackTentative TrackState = "tentative"
	TrackConfirmed TrackState = "confirmed"
)

// Track is one object identity and its motion estimate.
type Track struct {
	ID              int
	State           TrackState
	Class           string
	ClassID         int
	Confidence      float64
	Age             int // Frames since creation
	Hits            int // Total matched detections
	HitStreak       int // Consecutive matched frames
	TimeSinceUpdate int // Frames since the last match
	Trail           []image.Point

	filter *boxFilter
}

func newTrack(id int, det pipeline.Detection) *Track {
	return &Track{
		ID:         id,
		State:      TrackTentative,
		Class:      det.Class,
		ClassID:    det.ClassID,
		Confidence: det.Confidence,
		Trail:      []image.Point{det.BBox.CenterPoint()},
		filter:     newBoxFilter(det.BBox),
	}
}

// Box returns the current filtered box.
func (t *Track) Box() pipeline.BBox {
	return t.filter.box()
}

func (t *Track) clone() *Track {
	c := *t
	c.Trail = append([]image.Point(nil), t.Trail...)
	c.filter = t.filter.clone()
	return &c
}

func (t *Track) predict() pipeline.BBox {
	t.Age++
	if t.TimeSinceUpdate > 0 {
		t.HitStreak = 0
	}
	t.TimeSinceUpdate++
	return t.filter.predict()
}

func (t *Track) update(det pipeline.Detection, trailLength int) error {
	if err := t.filter.update(det.BBox); err != nil {
		return err
	}
	t.TimeSinceUpdate = 0
	t.Hits++
	t.HitStreak++
	t.Class = det.Class
	t.ClassID = det.ClassID
	t.Confidence = det.Confidence
	t.Trail = append(t.Trail, det.BBox.CenterPoint())
	if trailLength > 0 && len(t.Trail) > trailLength {
		t.Trail = append([]image.Point(nil), t.Trail[len(t.Trail)-trailLength:]...)
	}
	return nil
}

func (t *Track) object() pipeline.TrackedObject {
	return pipeline.TrackedObject{
		ID:         t.ID,
		Class:      t.Class,
		ClassID:    t.ClassID,
		Confidence: t.Confidence,
		BBox:       t.Box(),
		Trail:      append([]image.Point(nil), t.Trail...),
	}
}

// TrackSet holds the live tracks of a session in creation order.
type TrackSet struct {
	order []*Track
	byID  map[int]*Track
}

// NewTrackSet returns an empty set.
func NewTrackSet() *TrackSet {
	return &TrackSet{byID: make(map[int]*Track)}
}

// Len returns the number of live tracks.
func (s *TrackSet) Len() int { return len(s.order) }

// Get looks up a track by id.
func (s *TrackSet) Get(id int) (*Track, bool) {
	t, ok := s.byID[id]
	return t, ok
}

// IDs returns live track ids in creation order.
func (s *TrackSet) IDs() []int {
	ids := make([]int, len(s.order))
	for i, t := range s.order {
		ids[i] = t.ID
	}
	return ids
}

func (s *TrackSet) add(t *Track) {
	s.order = append(s.order, t)
	s.byID[t.ID] = t
}

// retain keeps the tracks for which keep returns true and reports the ids removed.
func (s *TrackSet) retain(keep func(*Track) bool) []int {
	var removed []int
	kept := s.order[:0]
	for _, t := range s.order {
		if keep(t) {
			kept = append(kept, t)
			continue
		}
		removed = append(removed, t.ID)
		delete(s.byID, t.ID)
	}
	s.order = kept
	return removed
}

func (s *TrackSet) clone() *TrackSet {
	c := &TrackSet{
		order: make([]*Track, 0, len(s.order)),
		byID:  make(map[int]*Track, len(s.order)),
	}
	for _, t := range s.order {
		c.add(t.clone())
	}
	return c
}
