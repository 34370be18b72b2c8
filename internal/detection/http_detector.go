package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"tracklens/internal/pipeline"
)

const healthCacheTTL = 30 * time.Second

// HTTPDetector calls an inference service over HTTP. Frames are posted as
// multipart JPEG uploads to /detect, or /track when the service should
// assign identities itself.
type HTTPDetector struct {
	endpoint string
	model    string
	session  string
	quality  int
	client   *http.Client
	logger   *zap.SugaredLogger

	healthMu    sync.Mutex
	healthy     bool
	healthCheck time.Time
}

var _ pipeline.TrackingDetector = (*HTTPDetector)(nil)

// HTTPConfig holds configuration for the HTTP detector
type HTTPConfig struct {
	Endpoint string
	Model    string // Model identifier forwarded to the service
	Session  string // Identifies the tracker state on the service side
	Timeout  time.Duration
	Quality  int // JPEG quality of uploaded frames
	Logger   *zap.SugaredLogger
}

// NewHTTPDetector creates a new HTTP inference client
func NewHTTPDetector(cfg HTTPConfig) *HTTPDetector {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	quality := cfg.Quality
	if quality <= 0 {
		quality = 90
	}
	return &HTTPDetector{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		model:    cfg.Model,
		session:  cfg.Session,
		quality:  quality,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.Named("detector"),
	}
}

func (d *HTTPDetector) Name() string {
	return "http"
}

// IsHealthy checks if the inference service is available. A positive result
// is cached for 30 seconds.
func (d *HTTPDetector) IsHealthy(ctx context.Context) bool {
	d.healthMu.Lock()
	defer d.healthMu.Unlock()

	if d.healthy && time.Since(d.healthCheck) < healthCacheTTL {
		return true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint+"/health", nil)
	if err != nil {
		d.healthy = false
		return false
	}
	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warnf("[HTTPDetector] Health check failed: %v", err)
		d.healthy = false
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		d.logger.Warnf("[HTTPDetector] Health check returned status %d", resp.StatusCode)
		d.healthy = false
		return false
	}
	d.healthy = true
	d.healthCheck = time.Now()
	return true
}

func (d *HTTPDetector) markUnhealthy() {
	d.healthMu.Lock()
	d.healthy = false
	d.healthMu.Unlock()
}

// Infer runs detection on one frame
func (d *HTTPDetector) Infer(ctx context.Context, frame *pipeline.Frame, confidence float64) ([]pipeline.Detection, error) {
	fields := map[string]string{
		"conf_threshold": fmt.Sprintf("%.2f", confidence),
	}
	resp, err := d.post(ctx, "/detect", frame, fields)
	if err != nil {
		return nil, err
	}
	return resp.toDetections(confidence), nil
}

// InferTracked runs detection with the service's own tracker
func (d *HTTPDetector) InferTracked(ctx context.Context, frame *pipeline.Frame, params pipeline.NativeTrackParams) ([]pipeline.Detection, error) {
	fields := map[string]string{
		"conf_threshold": fmt.Sprintf("%.2f", params.Confidence),
		"iou":            fmt.Sprintf("%.2f", params.IoU),
		"tracker":        string(params.Algorithm),
		"persist":        "true",
	}
	resp, err := d.post(ctx, "/track", frame, fields)
	if err != nil {
		return nil, err
	}
	return resp.toDetections(params.Confidence), nil
}

func (d *HTTPDetector) post(ctx context.Context, path string, frame *pipeline.Frame, fields map[string]string) (*detectResponse, error) {
	if !d.IsHealthy(ctx) {
		return nil, fmt.Errorf("inference service at %s unavailable", d.endpoint)
	}

	imageData, err := encodeFrame(frame, d.quality)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	fw, err := w.CreatePart(h)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(imageData); err != nil {
		return nil, err
	}

	if d.model != "" {
		fields["model"] = d.model
	}
	if d.session != "" {
		fields["session"] = d.session
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+path, &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		d.markUnhealthy()
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s failed with status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", path, err)
	}
	return &result, nil
}

// Close releases idle connections
func (d *HTTPDetector) Close() error {
	d.client.CloseIdleConnections()
	return nil
}
