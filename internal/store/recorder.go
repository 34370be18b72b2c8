package store

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"tracklens/internal/pipeline"
)

// Recorder aggregates per-track summaries from the event bus and writes
// them when a run ends.
type Recorder struct {
	store  *Store
	logger *zap.SugaredLogger

	mu   sync.Mutex
	runs map[string]map[int]*TrackSummary
}

var _ pipeline.FrameResultHandler = (*Recorder)(nil)

// NewRecorder creates a recorder writing to s
func NewRecorder(s *Store, logger *zap.SugaredLogger) *Recorder {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Recorder{
		store:  s,
		logger: logger.Named("recorder"),
		runs:   make(map[string]map[int]*TrackSummary),
	}
}

// OnFrameResult folds one frame into the summaries of its run. Frames
// without identities are ignored.
func (r *Recorder) OnFrameResult(result *pipeline.FrameResult) {
	if result == nil || !result.Tracking || result.RunID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tracks, ok := r.runs[result.RunID]
	if !ok {
		tracks = make(map[int]*TrackSummary)
		r.runs[result.RunID] = tracks
	}
	for _, obj := range result.Objects {
		if obj.ID <= 0 {
			continue
		}
		t, ok := tracks[obj.ID]
		if !ok {
			t = &TrackSummary{
				RunID:    result.RunID,
				TrackID:  obj.ID,
				FirstSeq: result.FrameSeq,
			}
			tracks[obj.ID] = t
		}
		t.Class = obj.Class
		t.LastSeq = result.FrameSeq
		t.Frames++
		t.LastBBox = obj.BBox
		if obj.Confidence > t.MaxConfidence {
			t.MaxConfidence = obj.Confidence
		}
	}
}

// Summaries returns the in-memory summaries of a run ordered by track id
func (r *Recorder) Summaries(runID string) []TrackSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	tracks := r.runs[runID]
	out := make([]TrackSummary, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrackID < out[j].TrackID })
	return out
}

// Flush writes the summaries of a run and forgets them
func (r *Recorder) Flush(runID string) error {
	summaries := r.Summaries(runID)

	r.mu.Lock()
	delete(r.runs, runID)
	r.mu.Unlock()

	if len(summaries) == 0 {
		return nil
	}
	if err := r.store.SaveTracks(runID, summaries); err != nil {
		return err
	}
	r.logger.Infof("[Recorder] Saved %d track summaries for run %s", len(summaries), runID)
	return nil
}
