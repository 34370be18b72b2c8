package detection

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"tracklens/internal/pipeline"
)

// Fully qualified method names of the detection service. Requests and
// responses are google.protobuf.Struct messages carrying the same fields as
// the HTTP API.
const (
	DetectMethod = "/tracklens.detection.v1.Detector/Detect"
	TrackMethod  = "/tracklens.detection.v1.Detector/Track"
)

// GRPCDetector provides gRPC-based object detection
type GRPCDetector struct {
	endpoint string
	model    string
	session  string
	quality  int
	timeout  time.Duration
	conn     *grpc.ClientConn
	health   healthpb.HealthClient
	logger   *zap.SugaredLogger

	healthMu    sync.Mutex
	healthy     bool
	healthCheck time.Time
}

var _ pipeline.TrackingDetector = (*GRPCDetector)(nil)

// GRPCConfig holds configuration for the gRPC detector
type GRPCConfig struct {
	Endpoint string
	Model    string
	Session  string
	Timeout  time.Duration
	Quality  int
	Logger   *zap.SugaredLogger
}

// NewGRPCDetector creates a new gRPC-based detector. The connection is
// established lazily on the first call.
func NewGRPCDetector(cfg GRPCConfig) (*GRPCDetector, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	// Configure keepalive to detect dead connections quickly
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}

	conn, err := grpc.NewClient(cfg.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", cfg.Endpoint, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	quality := cfg.Quality
	if quality <= 0 {
		quality = 90
	}

	d := &GRPCDetector{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		session:  cfg.Session,
		quality:  quality,
		timeout:  timeout,
		conn:     conn,
		health:   healthpb.NewHealthClient(conn),
		logger:   logger.Named("detector"),
	}
	d.logger.Infof("[GRPCDetector] Client created for %s", cfg.Endpoint)
	return d, nil
}

func (d *GRPCDetector) Name() string {
	return "grpc"
}

// IsHealthy queries the standard gRPC health service. A positive result is
// cached for 30 seconds.
func (d *GRPCDetector) IsHealthy(ctx context.Context) bool {
	d.healthMu.Lock()
	defer d.healthMu.Unlock()

	if d.healthy && time.Since(d.healthCheck) < healthCacheTTL {
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	resp, err := d.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		d.logger.Warnf("[GRPCDetector] Health check failed: %v", err)
		d.healthy = false
		return false
	}
	d.healthy = resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	if d.healthy {
		d.healthCheck = time.Now()
	}
	return d.healthy
}

// Infer runs detection on one frame
func (d *GRPCDetector) Infer(ctx context.Context, frame *pipeline.Frame, confidence float64) ([]pipeline.Detection, error) {
	resp, err := d.invoke(ctx, DetectMethod, frame, map[string]interface{}{
		"conf_threshold": confidence,
	})
	if err != nil {
		return nil, err
	}
	return resp.toDetections(confidence), nil
}

// InferTracked runs detection with the service's own tracker
func (d *GRPCDetector) InferTracked(ctx context.Context, frame *pipeline.Frame, params pipeline.NativeTrackParams) ([]pipeline.Detection, error) {
	resp, err := d.invoke(ctx, TrackMethod, frame, map[string]interface{}{
		"conf_threshold": params.Confidence,
		"iou":            params.IoU,
		"tracker":        string(params.Algorithm),
		"persist":        true,
	})
	if err != nil {
		return nil, err
	}
	return resp.toDetections(params.Confidence), nil
}

func (d *GRPCDetector) invoke(ctx context.Context, method string, frame *pipeline.Frame, fields map[string]interface{}) (*detectResponse, error) {
	imageData, err := encodeFrame(frame, d.quality)
	if err != nil {
		return nil, err
	}

	fields["image"] = base64.StdEncoding.EncodeToString(imageData)
	if d.model != "" {
		fields["model"] = d.model
	}
	if d.session != "" {
		fields["session"] = d.session
	}
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	reply := &structpb.Struct{}
	if err := d.conn.Invoke(ctx, method, req, reply); err != nil {
		d.healthMu.Lock()
		d.healthy = false
		d.healthMu.Unlock()
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	// Struct and the HTTP body share one JSON shape
	raw, err := protojson.Marshal(reply)
	if err != nil {
		return nil, fmt.Errorf("marshal reply: %w", err)
	}
	var result detectResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	return &result, nil
}

// Close closes the gRPC connection
func (d *GRPCDetector) Close() error {
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}
