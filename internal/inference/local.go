package inference

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"math"
	"os"
	"sync"

	"github.com/roadwatch/hazard-edge/internal/detect"
	"github.com/roadwatch/hazard-edge/internal/logger"
	"github.com/roadwatch/hazard-edge/internal/video"
)

// LocalModel runs inference in-process. Load has a bounded one-time
// initialization cost; Run returns boxes in model-input space.
type LocalModel interface {
	Load(ctx context.Context) error
	Run(ctx context.Context, frame *video.Frame, lb detect.Letterbox) ([]detect.RawDetection, error)
	Close() error
}

const localGridCells = 8

// HeuristicModel is a lightweight on-device fallback detector. It
// flags road-surface cells that are markedly darker than the frame
// average, which correlates with potholes and surface damage under
// daylight dashcam footage. It is deliberately conservative: fewer,
// higher-confidence boxes than the remote model.
type HeuristicModel struct {
	logger    *logger.Logger
	modelPath string
	threshold float64

	mu     sync.Mutex
	loaded bool
}

// NewHeuristicModel creates the local fallback model. modelPath may
// name a calibration artifact; an empty path uses built-in defaults.
func NewHeuristicModel(modelPath string, log *logger.Logger) *HeuristicModel {
	return &HeuristicModel{
		logger:    log,
		modelPath: modelPath,
		threshold: 45.0, // min brightness delta (0-255 scale) to flag a cell
	}
}

// Load prepares the model. With a configured path the artifact must
// exist; loading twice is a no-op.
func (m *HeuristicModel) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loaded {
		return nil
	}
	if m.modelPath != "" {
		if _, err := os.Stat(m.modelPath); err != nil {
			return fmt.Errorf("local model artifact unavailable: %w", err)
		}
	}

	m.loaded = true
	m.logger.Info("Local fallback model loaded", "path", m.modelPath)
	return nil
}

// Run scans the lower half of the frame (road surface) in a coarse
// grid and emits a detection for each cell whose brightness falls far
// below the frame mean. Boxes are reported in model-input space.
func (m *HeuristicModel) Run(ctx context.Context, frame *video.Frame, lb detect.Letterbox) ([]detect.RawDetection, error) {
	m.mu.Lock()
	loaded := m.loaded
	m.mu.Unlock()
	if !loaded {
		return nil, fmt.Errorf("local model not loaded")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img, _, err := image.Decode(bytes.NewReader(frame.Data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	bounds := img.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()
	cellW := w / localGridCells
	cellH := h / localGridCells
	if cellW == 0 || cellH == 0 {
		return nil, fmt.Errorf("frame too small for local detection: %dx%d", w, h)
	}

	cells := make([]float64, localGridCells*localGridCells)
	var frameMean float64
	for cy := 0; cy < localGridCells; cy++ {
		for cx := 0; cx < localGridCells; cx++ {
			mean := cellBrightness(img, bounds.Min.X+cx*cellW, bounds.Min.Y+cy*cellH, cellW, cellH)
			cells[cy*localGridCells+cx] = mean
			frameMean += mean
		}
	}
	frameMean /= float64(len(cells))

	var detections []detect.RawDetection
	for cy := localGridCells / 2; cy < localGridCells; cy++ {
		for cx := 0; cx < localGridCells; cx++ {
			delta := frameMean - cells[cy*localGridCells+cx]
			if delta < m.threshold {
				continue
			}

			x1 := float64(cx * cellW)
			y1 := float64(cy * cellH)
			x2 := x1 + float64(cellW)
			y2 := y1 + float64(cellH)

			// report in model-input space so downstream mapping is
			// uniform across backends
			mx1 := x1*lb.Scale + lb.OffsetX
			my1 := y1*lb.Scale + lb.OffsetY
			mx2 := x2*lb.Scale + lb.OffsetX
			my2 := y2*lb.Scale + lb.OffsetY

			score := math.Min(delta/(2*m.threshold), 0.95)
			detections = append(detections, detect.RawDetection{
				Box:     [4]float64{mx1, my1, mx2, my2},
				Score:   score,
				ClassID: 0,
			})
		}
	}

	return detections, nil
}

// Close releases model resources.
func (m *HeuristicModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = false
	return nil
}

// cellBrightness computes mean luma over a cell, subsampling every
// fourth pixel to keep the fallback path cheap.
func cellBrightness(img image.Image, x0, y0, w, h int) float64 {
	var total float64
	var count float64
	for y := y0; y < y0+h; y += 4 {
		for x := x0; x < x0+w; x += 4 {
			r, g, b, _ := img.At(x, y).RGBA()
			luma := 0.2126*float64(r) + 0.7152*float64(g) + 0.0722*float64(b)
			total += luma / 65535.0 * 255.0
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return total / count
}
