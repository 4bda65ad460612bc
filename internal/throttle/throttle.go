package throttle

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/roadwatch/hazard-edge/internal/config"
	"github.com/roadwatch/hazard-edge/internal/logger"
	"github.com/roadwatch/hazard-edge/internal/video"
)

// motionGrid is the side of the downsampled luma plane used by the
// motion gate.
const motionGrid = 64

// hysteresis margins around the target interval. The dead band keeps
// skipFrames from oscillating when latency hovers near the target.
const (
	raiseFactor = 1.2
	lowerFactor = 0.8
)

// FrameThrottle decides, once per pipeline tick, whether the current
// frame is worth running inference on. Three layers: a coarse skip
// counter, a cheap luma-difference motion gate, and a feedback
// controller that adapts the skip count to measured inference latency.
//
// Not safe for concurrent use; the pipeline calls it from one loop.
type FrameThrottle struct {
	config config.ThrottleConfig
	logger *logger.Logger

	skipFrames int
	prevPlane  []float64

	latencies []float64 // ring of recent latencies, milliseconds
	latIdx    int
	latCount  int
}

// New creates a throttle with the configured initial skip count.
func New(cfg config.ThrottleConfig, log *logger.Logger) *FrameThrottle {
	skip := cfg.SkipFrames
	if skip < 1 {
		skip = 1
	}
	if skip > cfg.MaxSkipFrames {
		skip = cfg.MaxSkipFrames
	}
	return &FrameThrottle{
		config:     cfg,
		logger:     log,
		skipFrames: skip,
		latencies:  make([]float64, cfg.LatencyWindow),
	}
}

// ShouldRun reports whether this cycle should run inference. It never
// blocks and fails open: a motion-gate error counts as motion.
func (t *FrameThrottle) ShouldRun(frame *video.Frame, cycle uint64) bool {
	if cycle%uint64(t.skipFrames) != 0 {
		return false
	}

	plane, err := video.DownsampleLuma(frame, motionGrid)
	if err != nil {
		t.logger.Debug("Motion gate failed, assuming motion", "error", err)
		return true
	}

	prev := t.prevPlane
	t.prevPlane = plane
	if prev == nil {
		return true
	}

	if motionMetric(prev, plane) < t.config.MotionThreshold {
		// still scene: skip, but the reference frame above already
		// advanced so a later motion burst is measured against the
		// freshest still frame
		return false
	}
	return true
}

// RecordLatency feeds one measured inference duration into the
// controller. Average latency above the target interval raises the
// skip count toward the cap; comfortably below, it lowers it toward 1.
func (t *FrameThrottle) RecordLatency(d time.Duration) {
	t.latencies[t.latIdx] = float64(d.Milliseconds())
	t.latIdx = (t.latIdx + 1) % len(t.latencies)
	if t.latCount < len(t.latencies) {
		t.latCount++
	}

	avg := stat.Mean(t.latencies[:t.latCount], nil)
	target := 1000.0 / t.config.TargetFPS

	switch {
	case avg > target*raiseFactor && t.skipFrames < t.config.MaxSkipFrames:
		t.skipFrames++
		t.logger.Debug("Raising frame skip", "skip", t.skipFrames, "avg_latency_ms", avg)
	case avg < target*lowerFactor && t.skipFrames > 1:
		t.skipFrames--
		t.logger.Debug("Lowering frame skip", "skip", t.skipFrames, "avg_latency_ms", avg)
	}
}

// SkipFrames returns the current skip count, always within
// [1, max_skip_frames].
func (t *FrameThrottle) SkipFrames() int {
	return t.skipFrames
}

// motionMetric is the mean absolute luma difference between two planes
// of equal size.
func motionMetric(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		sum += math.Abs(a[i] - b[i])
	}
	return sum / float64(len(a))
}
