package inference

import (
	"errors"

	"github.com/roadwatch/hazard-edge/internal/detect"
)

// Mode identifies which backend is authoritative for detect calls.
type Mode int32

const (
	ModeUnknown Mode = iota
	ModeRemote
	ModeLocal
)

func (m Mode) String() string {
	switch m {
	case ModeRemote:
		return "remote"
	case ModeLocal:
		return "local"
	default:
		return "unknown"
	}
}

// Backend tags which path served a successful call. Informational
// only; callers must not branch on it.
type Backend string

const (
	BackendRemote Backend = "remote"
	BackendLegacy Backend = "legacy"
	BackendLocal  Backend = "local"
)

// Result is the outcome of one detect call. RawDetections are in
// model-input space; Letterbox maps them back to the source frame.
type Result struct {
	RawDetections []detect.RawDetection
	Letterbox     detect.Letterbox
	Backend       Backend
}

// ErrNotStarted is returned when Detect is called before the
// dispatcher resolved an initial backend.
var ErrNotStarted = errors.New("inference dispatcher not started")

// ErrNoBackend means neither backend could be brought up at startup.
var ErrNoBackend = errors.New("no inference backend available")

// inferenceRequest is the current remote wire contract: base64 JPEG
// plus frame geometry.
type inferenceRequest struct {
	Image     string `json:"image"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Timestamp int64  `json:"timestamp"`
}

// inferenceResponse carries model-space boxes from the remote backend.
type inferenceResponse struct {
	Detections      []detect.RawDetection `json:"detections"`
	DetectionCount  int                   `json:"detection_count"`
	InferenceTimeMs float64               `json:"inference_time_ms"`
	ModelInputSize  int                   `json:"model_input_size,omitempty"`
}

// legacyResponse is the previous backend generation's contract: flat
// arrays of [x1, y1, x2, y2, score, classId].
type legacyResponse struct {
	Detections [][]float64 `json:"detections"`
}
