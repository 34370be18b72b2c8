package services

import (
	"context"
	"time"

	"tracklens/internal/config"
	"tracklens/internal/pipeline"
	"tracklens/internal/ws"
)

// PipelineInfo is the public view of one pipeline's statistics
type PipelineInfo struct {
	ID              string  `json:"id"`
	RunID           string  `json:"run_id"`
	Source          string  `json:"source"`
	Tracking        string  `json:"tracking"`
	Running         bool    `json:"running"`
	FramesRead      uint64  `json:"frames_read"`
	FramesProcessed uint64  `json:"frames_processed"`
	FramesDropped   uint64  `json:"frames_dropped"`
	ReadErrors      uint64  `json:"read_errors"`
	InferenceErrors uint64  `json:"inference_errors"`
	Reconnects      uint64  `json:"reconnects"`
	ActiveTracks    int     `json:"active_tracks"`
	AvgInferenceMs  float32 `json:"avg_inference_ms"`
	ArtifactPath    *string `json:"artifact_path,omitempty"`
	LastError       *string `json:"last_error,omitempty"`
}

// SystemStatus is the overall state of the process
type SystemStatus struct {
	Pipelines     []*PipelineInfo `json:"pipelines"`
	Viewers       int             `json:"viewers"`
	UptimeSeconds int             `json:"uptime_seconds"`
}

// StartPayload names a pipeline and the source it should read. Unset
// source settings come from the configuration file.
type StartPayload struct {
	Name   string              `json:"name"`
	Kind   pipeline.SourceKind `json:"kind"`
	Path   string              `json:"path,omitempty"`
	Device int                 `json:"device,omitempty"`
	URL    string              `json:"url,omitempty"`
	FPS    int                 `json:"fps,omitempty"`
}

func (p *StartPayload) sourceConfig(base config.SourceConfig) config.SourceConfig {
	src := base
	src.Kind = p.Kind
	src.Path = p.Path
	src.Device = p.Device
	src.URL = p.URL
	if p.FPS > 0 {
		src.FPS = p.FPS
	}
	return src
}

// PipelinesImplementation implements the pipelines service
type PipelinesImplementation struct {
	ctx       context.Context // parent of pipelines started through the API
	runner    *Runner
	hub       *ws.TrackHub
	startTime time.Time
}

// NewPipelinesService creates a new pipelines service implementation.
// Pipelines started through it live until ctx is done or they are stopped;
// hub may be nil.
func NewPipelinesService(ctx context.Context, runner *Runner, hub *ws.TrackHub) *PipelinesImplementation {
	return &PipelinesImplementation{
		ctx:       ctx,
		runner:    runner,
		hub:       hub,
		startTime: time.Now(),
	}
}

// Status returns every pipeline the caller may watch
func (s *PipelinesImplementation) Status(ctx context.Context) (*SystemStatus, error) {
	stats := s.runner.Manager().List()
	infos := make([]*PipelineInfo, 0, len(stats))
	for _, st := range stats {
		if canView(ctx, st.PipelineID) {
			infos = append(infos, convertStats(st))
		}
	}

	status := &SystemStatus{
		Pipelines:     infos,
		UptimeSeconds: int(time.Since(s.startTime).Seconds()),
	}
	if s.hub != nil {
		status.Viewers = s.hub.ClientCount()
	}
	return status, nil
}

// Get returns one pipeline
func (s *PipelinesImplementation) Get(ctx context.Context, id string) (*PipelineInfo, error) {
	if err := AuthorizeView(ctx, id); err != nil {
		return nil, err
	}
	st, ok := s.runner.Manager().Stats(id)
	if !ok {
		return nil, &NotFoundError{Message: "Pipeline not found", ID: id}
	}
	return convertStats(st), nil
}

// Start launches a pipeline on the given source
func (s *PipelinesImplementation) Start(ctx context.Context, p *StartPayload) (*PipelineInfo, error) {
	if err := AuthorizeControl(ctx); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, &BadRequestError{Message: "pipeline name is required"}
	}
	if p.Kind == "" {
		return nil, &BadRequestError{Message: "source kind is required"}
	}
	src := p.sourceConfig(s.runner.cfg.Source)
	if _, err := s.runner.Start(s.ctx, p.Name, src); err != nil {
		return nil, err
	}
	return s.Get(ctx, p.Name)
}

// Stop cancels a pipeline and returns its final statistics
func (s *PipelinesImplementation) Stop(ctx context.Context, id string) (*PipelineInfo, error) {
	if err := AuthorizeControl(ctx); err != nil {
		return nil, err
	}
	if _, ok := s.runner.Manager().Stats(id); !ok {
		return nil, &NotFoundError{Message: "Pipeline not found", ID: id}
	}
	// Stop returns the run's own failure, which is reported in LastError
	_ = s.runner.Stop(id)
	return s.Get(ctx, id)
}

func convertStats(st pipeline.PipelineStats) *PipelineInfo {
	info := &PipelineInfo{
		ID:              st.PipelineID,
		RunID:           st.RunID,
		Source:          st.Source,
		Tracking:        string(st.TrackingMode),
		Running:         st.Running,
		FramesRead:      st.FramesRead,
		FramesProcessed: st.FramesProcessed,
		FramesDropped:   st.FramesDropped,
		ReadErrors:      st.ReadErrors,
		InferenceErrors: st.InferenceErrors,
		Reconnects:      st.Reconnects,
		ActiveTracks:    st.ActiveTracks,
		AvgInferenceMs:  st.AvgInferenceMs,
	}
	if st.ArtifactPath != "" {
		info.ArtifactPath = ptrString(st.ArtifactPath)
	}
	if st.LastError != "" {
		info.LastError = ptrString(st.LastError)
	}
	return info
}
