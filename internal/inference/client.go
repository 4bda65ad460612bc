package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/roadwatch/hazard-edge/internal/detect"
	"github.com/roadwatch/hazard-edge/internal/logger"
	"github.com/roadwatch/hazard-edge/internal/video"
)

// Client is an HTTP client for the remote inference service. It speaks
// the current JSON contract and the legacy multipart contract.
type Client struct {
	httpClient *http.Client
	logger     *logger.Logger
	legacyURL  string
}

// ClientConfig contains configuration for the inference client
type ClientConfig struct {
	Timeout   time.Duration
	LegacyURL string
}

// NewClient creates a new inference service client
func NewClient(cfg ClientConfig, log *logger.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger:    log,
		legacyURL: cfg.LegacyURL,
	}
}

// HasLegacy reports whether a legacy endpoint is configured.
func (c *Client) HasLegacy() bool {
	return c.legacyURL != ""
}

// Detect performs inference on a single frame against serviceURL using
// the current contract.
func (c *Client) Detect(ctx context.Context, serviceURL string, frame *video.Frame) ([]detect.RawDetection, error) {
	req := inferenceRequest{
		Image:     base64.StdEncoding.EncodeToString(frame.Data),
		Width:     frame.Width,
		Height:    frame.Height,
		Timestamp: frame.Timestamp.UnixMilli(),
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/inference", serviceURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	c.logger.Debug("Sending inference request", "url", url)
	startTime := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn(
			"Inference service returned error",
			"status", resp.StatusCode,
			"response", string(body),
		)
		return nil, fmt.Errorf("inference service returned status %d: %s", resp.StatusCode, string(body))
	}

	var inferenceResp inferenceResponse
	if err := json.Unmarshal(body, &inferenceResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	c.logger.Debug(
		"Inference completed",
		"detection_count", len(inferenceResp.Detections),
		"inference_time_ms", inferenceResp.InferenceTimeMs,
		"request_duration_ms", time.Since(startTime).Milliseconds(),
	)

	return inferenceResp.Detections, nil
}

// DetectLegacy performs inference against the configured legacy
// endpoint: multipart image upload to /detect, flat-array response.
func (c *Client) DetectLegacy(ctx context.Context, frame *video.Frame) ([]detect.RawDetection, error) {
	if c.legacyURL == "" {
		return nil, fmt.Errorf("no legacy endpoint configured")
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("image", "frame.jpg")
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(frame.Data); err != nil {
		return nil, fmt.Errorf("failed to write frame data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize form: %w", err)
	}

	url := fmt.Sprintf("%s/detect", c.legacyURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	c.logger.Debug("Sending legacy inference request", "url", url)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("legacy service returned status %d: %s", resp.StatusCode, string(body))
	}

	var legacyResp legacyResponse
	if err := json.Unmarshal(body, &legacyResp); err != nil {
		return nil, fmt.Errorf("failed to parse legacy response: %w", err)
	}

	detections := make([]detect.RawDetection, 0, len(legacyResp.Detections))
	for _, row := range legacyResp.Detections {
		if len(row) < 6 {
			return nil, fmt.Errorf("malformed legacy detection row of length %d", len(row))
		}
		detections = append(detections, detect.RawDetection{
			Box:     [4]float64{row[0], row[1], row[2], row[3]},
			Score:   row[4],
			ClassID: int(row[5]),
		})
	}

	c.logger.Debug("Legacy inference completed", "detection_count", len(detections))
	return detections, nil
}

// HealthCheck checks whether the inference service at serviceURL is
// ready to serve.
func (c *Client) HealthCheck(ctx context.Context, serviceURL string) error {
	url := fmt.Sprintf("%s/health/ready", serviceURL)
	httpReq, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference service health check failed: status %d", resp.StatusCode)
	}

	return nil
}
