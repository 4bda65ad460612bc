package throttle

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
	"time"

	"github.com/roadwatch/hazard-edge/internal/config"
	"github.com/roadwatch/hazard-edge/internal/logger"
	"github.com/roadwatch/hazard-edge/internal/video"
)

func testThrottleConfig() config.ThrottleConfig {
	return config.ThrottleConfig{
		TargetFPS:       10,
		SkipFrames:      1,
		MaxSkipFrames:   10,
		MotionThreshold: 5.0,
		LatencyWindow:   10,
	}
}

func solidFrame(t *testing.T, fill color.Color) *video.Frame {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 160, 120))
	for y := 0; y < 120; y++ {
		for x := 0; x < 160; x++ {
			img.Set(x, y, fill)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("Failed to encode frame: %v", err)
	}
	return &video.Frame{Data: buf.Bytes(), Width: 160, Height: 120, Timestamp: time.Now()}
}

func TestShouldRun_CoarseSkip(t *testing.T) {
	cfg := testThrottleConfig()
	cfg.SkipFrames = 3
	th := New(cfg, logger.NewNopLogger())

	frame := solidFrame(t, color.RGBA{200, 200, 200, 255})
	candidates := 0
	for cycle := uint64(0); cycle < 9; cycle++ {
		if cycle%3 != 0 {
			if th.ShouldRun(frame, cycle) {
				t.Errorf("Cycle %d should be skipped by the coarse counter", cycle)
			}
		} else {
			candidates++
			th.ShouldRun(frame, cycle)
		}
	}
	if candidates != 3 {
		t.Errorf("Expected 3 candidate cycles, got %d", candidates)
	}
}

func TestShouldRun_MotionGate(t *testing.T) {
	th := New(testThrottleConfig(), logger.NewNopLogger())

	still := solidFrame(t, color.RGBA{120, 120, 120, 255})
	moving := solidFrame(t, color.RGBA{250, 250, 250, 255})

	if !th.ShouldRun(still, 0) {
		t.Error("First candidate has no reference frame and must run")
	}
	if th.ShouldRun(still, 1) {
		t.Error("Identical frame should be gated as motionless")
	}
	if !th.ShouldRun(moving, 2) {
		t.Error("Large brightness change should count as motion")
	}
}

func TestShouldRun_StillSceneUpdatesReference(t *testing.T) {
	th := New(testThrottleConfig(), logger.NewNopLogger())

	a := solidFrame(t, color.RGBA{100, 100, 100, 255})
	b := solidFrame(t, color.RGBA{102, 102, 102, 255})

	th.ShouldRun(a, 0)
	// drift slowly; each frame close to the previous one
	if th.ShouldRun(b, 1) {
		t.Error("Small drift should stay below the motion threshold")
	}
	// the reference advanced to b, so b again is still motionless
	if th.ShouldRun(b, 2) {
		t.Error("Reference frame should have advanced during the skip")
	}
}

func TestShouldRun_FailsOpenOnBadFrame(t *testing.T) {
	th := New(testThrottleConfig(), logger.NewNopLogger())

	bad := &video.Frame{Data: []byte("not a jpeg"), Width: 160, Height: 120, Timestamp: time.Now()}
	if !th.ShouldRun(bad, 0) {
		t.Error("Motion gate errors must fail open toward running inference")
	}
}

func TestRecordLatency_RaisesSkipUpToCap(t *testing.T) {
	th := New(testThrottleConfig(), logger.NewNopLogger())

	for i := 0; i < 50; i++ {
		th.RecordLatency(500 * time.Millisecond) // far above the 100ms target
		if s := th.SkipFrames(); s < 1 || s > 10 {
			t.Fatalf("Skip count out of bounds: %d", s)
		}
	}
	if th.SkipFrames() != 10 {
		t.Errorf("Sustained slow inference should reach the cap, got %d", th.SkipFrames())
	}
}

func TestRecordLatency_LowersSkipToFloor(t *testing.T) {
	cfg := testThrottleConfig()
	cfg.SkipFrames = 8
	th := New(cfg, logger.NewNopLogger())

	for i := 0; i < 50; i++ {
		th.RecordLatency(10 * time.Millisecond) // far below the target
		if s := th.SkipFrames(); s < 1 || s > 10 {
			t.Fatalf("Skip count out of bounds: %d", s)
		}
	}
	if th.SkipFrames() != 1 {
		t.Errorf("Sustained fast inference should reach the floor, got %d", th.SkipFrames())
	}
}

func TestRecordLatency_DeadBandHolds(t *testing.T) {
	cfg := testThrottleConfig()
	cfg.SkipFrames = 4
	th := New(cfg, logger.NewNopLogger())

	for i := 0; i < 20; i++ {
		th.RecordLatency(100 * time.Millisecond) // exactly on target
	}
	if th.SkipFrames() != 4 {
		t.Errorf("On-target latency should hold the skip count, got %d", th.SkipFrames())
	}
}

func TestNew_ClampsInitialSkip(t *testing.T) {
	cfg := testThrottleConfig()
	cfg.SkipFrames = 0
	if th := New(cfg, logger.NewNopLogger()); th.SkipFrames() != 1 {
		t.Errorf("Zero initial skip should clamp to 1, got %d", th.SkipFrames())
	}

	cfg.SkipFrames = 99
	if th := New(cfg, logger.NewNopLogger()); th.SkipFrames() != cfg.MaxSkipFrames {
		t.Errorf("Oversized initial skip should clamp to the cap, got %d", th.SkipFrames())
	}
}
