package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"sync/atomic"
	"testing"
	"time"

	"github.com/roadwatch/hazard-edge/internal/config"
	"github.com/roadwatch/hazard-edge/internal/detect"
	"github.com/roadwatch/hazard-edge/internal/geo"
	"github.com/roadwatch/hazard-edge/internal/inference"
	"github.com/roadwatch/hazard-edge/internal/logger"
	"github.com/roadwatch/hazard-edge/internal/service"
	"github.com/roadwatch/hazard-edge/internal/throttle"
	"github.com/roadwatch/hazard-edge/internal/tracker"
	"github.com/roadwatch/hazard-edge/internal/video"
)

type fakeSource struct {
	frame *video.Frame
	err   error
	calls atomic.Int32
}

func (s *fakeSource) Capture(ctx context.Context) (*video.Frame, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.frame, nil
}

type fakeDetector struct {
	raw     []detect.RawDetection
	err     error
	mode    atomic.Int32
	detects atomic.Int32
}

func (d *fakeDetector) Start(ctx context.Context) error {
	d.mode.Store(int32(inference.ModeRemote))
	return nil
}

func (d *fakeDetector) Stop() {
	d.mode.Store(int32(inference.ModeUnknown))
}

func (d *fakeDetector) Detect(ctx context.Context, frame *video.Frame) (inference.Result, error) {
	d.detects.Add(1)
	if d.err != nil {
		return inference.Result{}, d.err
	}
	return inference.Result{
		RawDetections: d.raw,
		Letterbox:     detect.Letterbox{Scale: 1},
		Backend:       inference.BackendRemote,
	}, nil
}

func (d *fakeDetector) Mode() inference.Mode        { return inference.Mode(d.mode.Load()) }
func (d *fakeDetector) OnModeChange(func(inference.Mode)) {}

type fakeLocator struct {
	fix geo.Fix
}

func (l *fakeLocator) AcquireInitial(ctx context.Context) (geo.Fix, error) { return l.fix, nil }
func (l *fakeLocator) CurrentBest() (geo.Fix, bool)                        { return l.fix, true }
func (l *fakeLocator) StartContinuousUpdates(ctx context.Context)          {}
func (l *fakeLocator) Stop()                                               {}

func jpegFrame(t *testing.T) *video.Frame {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 320, 240))
	for y := 0; y < 240; y++ {
		for x := 0; x < 320; x++ {
			img.Set(x, y, color.RGBA{128, 128, 128, 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("Failed to encode frame: %v", err)
	}
	return &video.Frame{Data: buf.Bytes(), Width: 320, Height: 240, Timestamp: time.Now()}
}

func testPipeline(t *testing.T, source video.Source, detector Detector) *Pipeline {
	t.Helper()

	log := logger.NewNopLogger()
	throttleCfg := config.ThrottleConfig{
		TargetFPS:     10,
		SkipFrames:    1,
		MaxSkipFrames: 10,
		LatencyWindow: 10,
		// zero motion threshold disables the gate for deterministic ticks
	}
	inferCfg := config.InferenceConfig{
		ScoreThreshold: 0.5,
		MinBoxSize:     5,
		MinBoxArea:     100,
		ModelInputSize: 640,
	}
	trackerCfg := config.TrackerConfig{
		MatchDistance:     80,
		MaxMissedFrames:   5,
		EvictTimeout:      10 * time.Second,
		ConfidenceFloor:   0.2,
		SaveMinConfidence: 0.6,
		SaveMinStability:  0.7,
		SaveMinArea:       400,
		SaveCooldown:      100 * time.Millisecond,
	}

	return New(config.PipelineConfig{
		TickInterval:     5 * time.Millisecond,
		FailureThreshold: 3,
	}, Deps{
		Source:   source,
		Throttle: throttle.New(throttleCfg, log),
		Detector: detector,
		Post:     detect.NewPostprocessor(inferCfg, log),
		Tracker:  tracker.New(trackerCfg, log),
		Locator:  &fakeLocator{fix: geo.Fix{Lat: 32.08, Lng: 34.78, Source: geo.SourceIP}},
	}, log)
}

func TestPipeline_EmitsSaveEventForStableHazard(t *testing.T) {
	source := &fakeSource{frame: jpegFrame(t)}
	detector := &fakeDetector{
		raw: []detect.RawDetection{{Box: [4]float64{100, 100, 150, 150}, Score: 0.9, ClassID: 0}},
	}
	p := testPipeline(t, source, detector)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop(context.Background())

	select {
	case event := <-p.SaveEvents():
		if event.ClassLabel != "pothole" {
			t.Errorf("Expected pothole save event, got %s", event.ClassLabel)
		}
		if event.Lat != 32.08 || event.Lng != 34.78 {
			t.Errorf("Save event should carry the current fix, got (%v, %v)", event.Lat, event.Lng)
		}
		if len(event.Snapshot) == 0 {
			t.Error("Save event should carry the frame snapshot")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("No save event emitted for a stable hazard")
	}

	metrics := p.Metrics()
	if metrics.SavesEmitted == 0 {
		t.Error("Metrics should count emitted saves")
	}
	if metrics.InferenceMode != "remote" {
		t.Errorf("Expected remote inference mode, got %s", metrics.InferenceMode)
	}
}

func TestPipeline_DegradedSignalAfterConsecutiveFailures(t *testing.T) {
	source := &fakeSource{err: errors.New("camera disconnected")}
	detector := &fakeDetector{}
	p := testPipeline(t, source, detector)

	bus := service.NewEventBus(10)
	p.SetEventBus(bus)
	degraded := bus.Subscribe(service.EventTypePipelineDegraded)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop(context.Background())

	select {
	case event := <-degraded:
		if event.Data["consecutive_failures"] != 3 {
			t.Errorf("Expected threshold failure count, got %v", event.Data["consecutive_failures"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("No degraded signal after sustained tick failures")
	}

	if !p.Metrics().Degraded {
		t.Error("Snapshot should report degraded")
	}
	if got := p.Metrics().CyclesTotal; got < 3 {
		t.Errorf("Errored ticks must count toward the cycle total, got %d", got)
	}

	// ticking must continue while degraded
	before := source.calls.Load()
	time.Sleep(50 * time.Millisecond)
	if source.calls.Load() == before {
		t.Error("Pipeline stopped ticking after entering degraded state")
	}
}

func TestPipeline_DetectorErrorIsAbsorbed(t *testing.T) {
	source := &fakeSource{frame: jpegFrame(t)}
	detector := &fakeDetector{err: errors.New("backend fault")}
	p := testPipeline(t, source, detector)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop(context.Background())

	time.Sleep(50 * time.Millisecond)
	if !p.Metrics().Running {
		t.Error("Detector errors must not stop the pipeline")
	}
	if p.Metrics().TrackedCount != 0 {
		t.Error("Failed cycles must not produce tracks")
	}
}

func TestPipeline_StopClearsState(t *testing.T) {
	source := &fakeSource{frame: jpegFrame(t)}
	detector := &fakeDetector{
		raw: []detect.RawDetection{{Box: [4]float64{100, 100, 150, 150}, Score: 0.9, ClassID: 0}},
	}
	p := testPipeline(t, source, detector)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case <-p.SaveEvents():
	case <-time.After(3 * time.Second):
		t.Fatal("No save event before stop")
	}

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	metrics := p.Metrics()
	if metrics.Running {
		t.Error("Snapshot should report stopped")
	}
	if metrics.TrackedCount != 0 {
		t.Error("Tracked objects must not survive a stop")
	}

	// restart: cooldown state must be gone, so a save re-qualifies
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	defer p.Stop(context.Background())

	select {
	case <-p.SaveEvents():
	case <-time.After(3 * time.Second):
		t.Fatal("No save event after restart; cooldown state leaked across stop")
	}
}

func TestPipeline_MetricsSnapshot(t *testing.T) {
	source := &fakeSource{frame: jpegFrame(t)}
	detector := &fakeDetector{}
	p := testPipeline(t, source, detector)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop(context.Background())

	time.Sleep(100 * time.Millisecond)
	metrics := p.Metrics()

	if !metrics.Running {
		t.Error("Expected running snapshot")
	}
	if metrics.CyclesTotal == 0 {
		t.Error("Expected nonzero cycle count")
	}
	if metrics.FPS <= 0 {
		t.Error("Expected positive rolling FPS")
	}
	if metrics.LastTickAt.IsZero() {
		t.Error("Expected last tick timestamp")
	}
}
