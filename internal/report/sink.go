package report

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/roadwatch/hazard-edge/internal/logger"
)

// Sink accepts save events for persistence. Submissions may fail
// transiently; the submitter retries through the journal.
type Sink interface {
	Submit(ctx context.Context, event *SaveEvent) error
}

// HTTPSink posts save events to the report backend as JSON with a
// base64 snapshot.
type HTTPSink struct {
	sinkURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewHTTPSink creates a sink for the given report endpoint.
func NewHTTPSink(sinkURL string, timeout time.Duration, log *logger.Logger) *HTTPSink {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSink{
		sinkURL: sinkURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: log,
	}
}

type sinkPayload struct {
	ID              string    `json:"id"`
	TrackedObjectID string    `json:"tracked_object_id"`
	ClassLabel      string    `json:"class_label"`
	Confidence      float64   `json:"confidence"`
	Image           string    `json:"image,omitempty"`
	Lat             float64   `json:"lat"`
	Lng             float64   `json:"lng"`
	GeoSource       string    `json:"geo_source"`
	Timestamp       time.Time `json:"timestamp"`
}

// Submit posts one save event. Any non-2xx response is an error.
func (s *HTTPSink) Submit(ctx context.Context, event *SaveEvent) error {
	payload := sinkPayload{
		ID:              event.ID,
		TrackedObjectID: event.TrackedObjectID,
		ClassLabel:      event.ClassLabel,
		Confidence:      event.Confidence,
		Lat:             event.Lat,
		Lng:             event.Lng,
		GeoSource:       event.GeoSource,
		Timestamp:       event.Timestamp,
	}
	if len(event.Snapshot) > 0 {
		payload.Image = base64.StdEncoding.EncodeToString(event.Snapshot)
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", s.sinkURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("report sink returned status %d: %s", resp.StatusCode, string(body))
	}

	s.logger.Debug("Report submitted",
		"report_id", event.ID,
		"class", event.ClassLabel,
	)
	return nil
}
