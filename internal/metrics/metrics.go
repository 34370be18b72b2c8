// Package metrics exposes pipeline activity to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tracklens/internal/pipeline"
)

const namespace = "tracklens"

// Metrics holds the collectors of every running pipeline
type Metrics struct {
	registry *prometheus.Registry

	framesProcessed  *prometheus.CounterVec
	detections       *prometheus.CounterVec
	objects          *prometheus.CounterVec
	retiredTracks    *prometheus.CounterVec
	activeTracks     *prometheus.GaugeVec
	inferenceLatency *prometheus.HistogramVec
}

var _ pipeline.FrameResultHandler = (*Metrics)(nil)

// New creates a new Metrics instance with its own registry
func New() *Metrics {
	labels := []string{"pipeline"}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		framesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_processed_total",
			Help:      "Frames that went through detection and reached the sinks",
		}, labels),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Boxes returned by the detector above the confidence threshold",
		}, labels),
		objects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rendered_objects_total",
			Help:      "Boxes drawn on annotated frames",
		}, labels),
		retiredTracks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tracks_retired_total",
			Help:      "Tracks retired after exceeding max_age",
		}, labels),
		activeTracks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracks_active",
			Help:      "Tracks alive after the latest frame",
		}, labels),
		inferenceLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_duration_seconds",
			Help:      "Detector round trip per frame",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, labels),
	}

	m.registry.MustRegister(
		m.framesProcessed,
		m.detections,
		m.objects,
		m.retiredTracks,
		m.activeTracks,
		m.inferenceLatency,
	)
	return m
}

// OnFrameResult records one processed frame
func (m *Metrics) OnFrameResult(r *pipeline.FrameResult) {
	id := r.PipelineID
	m.framesProcessed.WithLabelValues(id).Inc()
	m.detections.WithLabelValues(id).Add(float64(r.Detections))
	m.objects.WithLabelValues(id).Add(float64(len(r.Objects)))
	m.retiredTracks.WithLabelValues(id).Add(float64(len(r.RetiredTracks)))
	m.activeTracks.WithLabelValues(id).Set(float64(r.ActiveTracks))
	m.inferenceLatency.WithLabelValues(id).Observe(float64(r.InferenceMs) / 1000)
}

// RegisterGauge exposes a value computed at scrape time
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		},
		fn,
	))
}

// RegisterStats exposes per-pipeline counters kept by the orchestrator
func (m *Metrics) RegisterStats(list func() []pipeline.PipelineStats) {
	m.registry.MustRegister(&statsCollector{list: list})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

var (
	framesReadDesc = prometheus.NewDesc(namespace+"_frames_read_total",
		"Frames read from the source", []string{"pipeline", "source"}, nil)
	framesDroppedDesc = prometheus.NewDesc(namespace+"_frames_dropped_total",
		"Frames discarded by live sources while the pipeline was busy", []string{"pipeline"}, nil)
	readErrorsDesc = prometheus.NewDesc(namespace+"_read_errors_total",
		"Transient source read failures", []string{"pipeline"}, nil)
	inferenceErrorsDesc = prometheus.NewDesc(namespace+"_inference_errors_total",
		"Frames dropped because the detector failed", []string{"pipeline"}, nil)
	reconnectsDesc = prometheus.NewDesc(namespace+"_source_reconnects_total",
		"Times a live source was reopened", []string{"pipeline"}, nil)
	runningDesc = prometheus.NewDesc(namespace+"_pipeline_running",
		"Pipeline running (0=stopped, 1=running)", []string{"pipeline", "tracking"}, nil)
)

// statsCollector reads PipelineStats on every scrape
type statsCollector struct {
	list func() []pipeline.PipelineStats
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- framesReadDesc
	ch <- framesDroppedDesc
	ch <- readErrorsDesc
	ch <- inferenceErrorsDesc
	ch <- reconnectsDesc
	ch <- runningDesc
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.list() {
		id := s.PipelineID
		ch <- prometheus.MustNewConstMetric(framesReadDesc, prometheus.CounterValue, float64(s.FramesRead), id, s.Source)
		ch <- prometheus.MustNewConstMetric(framesDroppedDesc, prometheus.CounterValue, float64(s.FramesDropped), id)
		ch <- prometheus.MustNewConstMetric(readErrorsDesc, prometheus.CounterValue, float64(s.ReadErrors), id)
		ch <- prometheus.MustNewConstMetric(inferenceErrorsDesc, prometheus.CounterValue, float64(s.InferenceErrors), id)
		ch <- prometheus.MustNewConstMetric(reconnectsDesc, prometheus.CounterValue, float64(s.Reconnects), id)
		running := 0.0
		if s.Running {
			running = 1
		}
		ch <- prometheus.MustNewConstMetric(runningDesc, prometheus.GaugeValue, running, id, string(s.TrackingMode))
	}
}
