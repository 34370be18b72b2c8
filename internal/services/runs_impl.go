package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tracklens/internal/store"
)

const defaultRunLimit = 50

// ListRunsPayload filters the run history
type ListRunsPayload struct {
	Pipeline *string
	Limit    int
}

// RunInfo is one processed unit with its artifact and track summaries
type RunInfo struct {
	ID           string               `json:"id"`
	Pipeline     string               `json:"pipeline"`
	Source       string               `json:"source"`
	SourceKind   string               `json:"source_kind"`
	Tracking     string               `json:"tracking"`
	Status       string               `json:"status"`
	StartedAt    string               `json:"started_at"`
	FinishedAt   *string              `json:"finished_at,omitempty"`
	Frames       uint64               `json:"frames"`
	ArtifactPath *string              `json:"artifact_path,omitempty"`
	Error        *string              `json:"error,omitempty"`
	Tracks       []store.TrackSummary `json:"tracks,omitempty"`
}

// Artifact is a run's output file
type Artifact struct {
	Path        string
	ContentType string
}

// RunsImplementation implements the runs service
type RunsImplementation struct {
	store *store.Store
}

// NewRunsService creates a new runs service implementation
func NewRunsService(st *store.Store) *RunsImplementation {
	return &RunsImplementation{store: st}
}

// List returns the newest runs first
func (s *RunsImplementation) List(ctx context.Context, p *ListRunsPayload) ([]*RunInfo, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = defaultRunLimit
	}
	pipelineID := ""
	if p.Pipeline != nil {
		pipelineID = *p.Pipeline
		if err := AuthorizeView(ctx, pipelineID); err != nil {
			return nil, err
		}
	}

	runs, err := s.store.ListRuns(pipelineID, limit)
	if err != nil {
		return nil, &InternalError{Message: err.Error()}
	}

	result := make([]*RunInfo, 0, len(runs))
	for _, run := range runs {
		if canView(ctx, run.Pipeline) {
			result = append(result, convertRun(run))
		}
	}
	return result, nil
}

// Get returns one run with its per-track summaries
func (s *RunsImplementation) Get(ctx context.Context, id string) (*RunInfo, error) {
	run, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	tracks, err := s.store.ListTracks(id)
	if err != nil {
		return nil, &InternalError{Message: err.Error()}
	}

	info := convertRun(run)
	info.Tracks = tracks
	return info, nil
}

// Artifact returns the annotated output written for a run
func (s *RunsImplementation) Artifact(ctx context.Context, id string) (*Artifact, error) {
	run, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.ArtifactPath == "" {
		return nil, &NotFoundError{Message: "Run has no artifact", ID: id}
	}
	if _, err := os.Stat(run.ArtifactPath); err != nil {
		return nil, &NotFoundError{Message: "Artifact file not found", ID: id}
	}

	contentType := "application/octet-stream"
	switch strings.ToLower(filepath.Ext(run.ArtifactPath)) {
	case ".jpg", ".jpeg":
		contentType = "image/jpeg"
	case ".mp4":
		contentType = "video/mp4"
	}
	return &Artifact{Path: run.ArtifactPath, ContentType: contentType}, nil
}

// lookup returns a run the caller may see
func (s *RunsImplementation) lookup(ctx context.Context, id string) (*store.RunRecord, error) {
	run, err := s.store.GetRun(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &NotFoundError{Message: "Run not found", ID: id}
	}
	if err != nil {
		return nil, &InternalError{Message: err.Error()}
	}
	if err := AuthorizeView(ctx, run.Pipeline); err != nil {
		return nil, err
	}
	return run, nil
}

// convertRun converts a stored run to its service representation
func convertRun(run *store.RunRecord) *RunInfo {
	info := &RunInfo{
		ID:         run.ID,
		Pipeline:   run.Pipeline,
		Source:     run.Source,
		SourceKind: string(run.SourceKind),
		Tracking:   string(run.Tracking),
		Status:     run.Status,
		StartedAt:  run.StartedAt.Format(time.RFC3339),
		Frames:     run.Frames,
	}
	if run.FinishedAt != nil {
		info.FinishedAt = ptrString(run.FinishedAt.Format(time.RFC3339))
	}
	if run.ArtifactPath != "" {
		info.ArtifactPath = ptrString(run.ArtifactPath)
	}
	if run.Error != "" {
		info.Error = ptrString(run.Error)
	}
	return info
}
