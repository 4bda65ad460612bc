package detect

import (
	"math"

	"github.com/roadwatch/hazard-edge/internal/config"
	"github.com/roadwatch/hazard-edge/internal/logger"
)

// Postprocessor turns raw model output into hazard observations in
// source-frame coordinates: score filter, inverse letterbox mapping,
// degenerate-box rejection, bounds clamping.
type Postprocessor struct {
	logger         *logger.Logger
	scoreThreshold float64
	minBoxSize     float64
	minBoxArea     float64
}

// NewPostprocessor creates a postprocessor from inference settings.
func NewPostprocessor(cfg config.InferenceConfig, log *logger.Logger) *Postprocessor {
	return &Postprocessor{
		logger:         log,
		scoreThreshold: cfg.ScoreThreshold,
		minBoxSize:     cfg.MinBoxSize,
		minBoxArea:     cfg.MinBoxArea,
	}
}

// Observations filters raw detections and maps their boxes back into
// the frameW×frameH source frame. Output order is unspecified.
func (p *Postprocessor) Observations(raw []RawDetection, lb Letterbox, frameW, frameH int) []Observation {
	if len(raw) == 0 {
		return nil
	}

	out := make([]Observation, 0, len(raw))
	for _, det := range raw {
		if det.Score < p.scoreThreshold {
			continue
		}

		x1, y1 := lb.ToSource(det.Box[0], det.Box[1])
		x2, y2 := lb.ToSource(det.Box[2], det.Box[3])

		x1 = clamp(x1, 0, float64(frameW))
		x2 = clamp(x2, 0, float64(frameW))
		y1 = clamp(y1, 0, float64(frameH))
		y2 = clamp(y2, 0, float64(frameH))

		w := x2 - x1
		h := y2 - y1
		area := w * h
		if w < p.minBoxSize || h < p.minBoxSize || area < p.minBoxArea {
			continue
		}

		out = append(out, Observation{
			CenterX:    x1 + w/2,
			CenterY:    y1 + h/2,
			Width:      w,
			Height:     h,
			Area:       area,
			ClassLabel: LabelFor(det.ClassID),
			Score:      det.Score,
		})
	}

	if len(out) < len(raw) {
		p.logger.Debug("Filtered detections", "raw", len(raw), "kept", len(out))
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
