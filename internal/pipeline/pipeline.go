package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roadwatch/hazard-edge/internal/config"
	"github.com/roadwatch/hazard-edge/internal/detect"
	"github.com/roadwatch/hazard-edge/internal/geo"
	"github.com/roadwatch/hazard-edge/internal/inference"
	"github.com/roadwatch/hazard-edge/internal/logger"
	"github.com/roadwatch/hazard-edge/internal/report"
	"github.com/roadwatch/hazard-edge/internal/service"
	"github.com/roadwatch/hazard-edge/internal/throttle"
	"github.com/roadwatch/hazard-edge/internal/tracker"
	"github.com/roadwatch/hazard-edge/internal/video"
)

// fpsWindow is how many recent tick completions feed the rolling FPS.
const fpsWindow = 20

// Detector serves per-frame detection. Satisfied by
// inference.Dispatcher.
type Detector interface {
	Start(ctx context.Context) error
	Stop()
	Detect(ctx context.Context, frame *video.Frame) (inference.Result, error)
	Mode() inference.Mode
	OnModeChange(fn func(inference.Mode))
}

// Locator supplies best-known coordinates. Satisfied by geo.Resolver.
type Locator interface {
	AcquireInitial(ctx context.Context) (geo.Fix, error)
	CurrentBest() (geo.Fix, bool)
	StartContinuousUpdates(ctx context.Context)
	Stop()
}

// Snapshot is a read-only view of pipeline health for the status API.
type Snapshot struct {
	Running             bool      `json:"running"`
	Degraded            bool      `json:"degraded"`
	FPS                 float64   `json:"fps"`
	TrackedCount        int       `json:"tracked_count"`
	InferenceMode       string    `json:"inference_mode"`
	CyclesTotal         uint64    `json:"cycles_total"`
	InferenceRuns       uint64    `json:"inference_runs"`
	SavesEmitted        uint64    `json:"saves_emitted"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastTickAt          time.Time `json:"last_tick_at"`
}

// Pipeline drives the per-frame detection cycle: capture, throttle,
// detect, postprocess, track, save. Stage failures are absorbed as "no
// detections this cycle"; sustained failure raises a degraded signal
// without stopping the loop.
type Pipeline struct {
	*service.ServiceBase

	config     config.PipelineConfig
	source     video.Source
	throttle   *throttle.FrameThrottle
	detector   Detector
	post       *detect.Postprocessor
	tracker    *tracker.Tracker
	locator    Locator
	journal    *report.Journal
	saveEvents chan report.SaveEvent

	running bool
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	cycle uint64

	metricsMu           sync.RWMutex
	degraded            bool
	consecutiveFailures int
	cyclesTotal         uint64
	inferenceRuns       uint64
	savesEmitted        uint64
	trackedCount        int
	lastTickAt          time.Time
	tickTimes           []time.Time
}

// Deps bundles the pipeline's collaborators.
type Deps struct {
	Source   video.Source
	Throttle *throttle.FrameThrottle
	Detector Detector
	Post     *detect.Postprocessor
	Tracker  *tracker.Tracker
	Locator  Locator
	Journal  *report.Journal // optional; nil disables journaling
}

// New creates the pipeline service.
func New(cfg config.PipelineConfig, deps Deps, log *logger.Logger) *Pipeline {
	return &Pipeline{
		ServiceBase: service.NewServiceBase("hazard-pipeline", log),
		config:      cfg,
		source:      deps.Source,
		throttle:    deps.Throttle,
		detector:    deps.Detector,
		post:        deps.Post,
		tracker:     deps.Tracker,
		locator:     deps.Locator,
		journal:     deps.Journal,
		saveEvents:  make(chan report.SaveEvent, 16),
	}
}

// SaveEvents is the subscription for emitted save events. Events are
// dropped, not blocked on, when the subscriber lags; the journal keeps
// the durable copy.
func (p *Pipeline) SaveEvents() <-chan report.SaveEvent {
	return p.saveEvents
}

// Start brings up the detector and location watch, then launches the
// tick loop. It fails only when no inference backend is available.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	if fix, err := p.locator.AcquireInitial(loopCtx); err != nil {
		p.LogWarn("Starting without a location fix", "error", err)
	} else {
		p.LogInfo("Initial location fix", "lat", fix.Lat, "lng", fix.Lng, "source", string(fix.Source))
		p.PublishEvent(service.EventTypeGeoFix, map[string]interface{}{
			"lat":    fix.Lat,
			"lng":    fix.Lng,
			"source": string(fix.Source),
		})
	}
	p.locator.StartContinuousUpdates(loopCtx)

	if err := p.detector.Start(loopCtx); err != nil {
		p.locator.Stop()
		cancel()
		p.GetStatus().SetError(err)
		p.PublishEvent(service.EventTypePipelineFatal, map[string]interface{}{
			"error": err.Error(),
		})
		return fmt.Errorf("failed to start inference: %w", err)
	}
	p.detector.OnModeChange(func(mode inference.Mode) {
		p.LogWarn("Inference mode changed", "mode", mode.String())
		p.PublishEvent(service.EventTypeModeChanged, map[string]interface{}{
			"mode": mode.String(),
		})
	})

	p.ctx = loopCtx
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.GetStatus().SetStatus(service.StatusRunning)

	go p.run()

	p.LogInfo("Pipeline started", "tick_interval", p.config.TickInterval)
	p.PublishEvent(service.EventTypePipelineStarted, nil)
	return nil
}

// Stop cancels in-flight work, halts background tasks, and clears all
// tracking state. Nothing survives into the next start.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil
	}

	p.cancel()
	select {
	case <-p.done:
	case <-ctx.Done():
		p.LogWarn("Timed out waiting for tick loop to stop")
	}

	p.detector.Stop()
	p.locator.Stop()
	p.tracker.Reset()

	p.metricsMu.Lock()
	p.degraded = false
	p.consecutiveFailures = 0
	p.trackedCount = 0
	p.tickTimes = nil
	p.metricsMu.Unlock()

	p.running = false
	p.GetStatus().SetStatus(service.StatusStopped)

	p.LogInfo("Pipeline stopped")
	p.PublishEvent(service.EventTypePipelineStopped, nil)
	return nil
}

func (p *Pipeline) run() {
	defer close(p.done)

	ticker := time.NewTicker(p.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.safeTick()
		}
	}
}

// safeTick runs one tick and absorbs anything it throws. A panic or
// error means no detections this cycle, never a dead loop.
func (p *Pipeline) safeTick() {
	now := time.Now()
	defer p.finishTick(now)
	defer func() {
		if r := recover(); r != nil {
			p.LogError("Tick panicked", fmt.Errorf("%v", r))
			p.recordFailure()
		}
	}()

	if err := p.tick(now); err != nil {
		p.LogWarn("Tick failed", "error", err)
		p.recordFailure()
		return
	}
	p.recordSuccess()
}

func (p *Pipeline) tick(now time.Time) error {
	p.cycle++

	frame, err := p.source.Capture(p.ctx)
	if err != nil {
		return fmt.Errorf("frame capture failed: %w", err)
	}

	if !p.throttle.ShouldRun(frame, p.cycle) {
		// preview-only cycle
		return nil
	}

	start := time.Now()
	result, err := p.detector.Detect(p.ctx, frame)
	if err != nil {
		return fmt.Errorf("detection failed: %w", err)
	}
	p.throttle.RecordLatency(time.Since(start))

	p.metricsMu.Lock()
	p.inferenceRuns++
	p.metricsMu.Unlock()

	observations := p.post.Observations(result.RawDetections, result.Letterbox, frame.Width, frame.Height)
	live := p.tracker.Update(observations, now)

	p.metricsMu.Lock()
	p.trackedCount = len(live)
	p.metricsMu.Unlock()

	if len(observations) > 0 {
		p.PublishEvent(service.EventTypeDetection, map[string]interface{}{
			"observations": len(observations),
			"tracked":      len(live),
			"backend":      string(result.Backend),
		})
	}

	for _, obj := range live {
		if !p.tracker.ShouldSave(obj, now) {
			continue
		}
		p.emitSave(obj, frame, now)
	}

	return nil
}

func (p *Pipeline) emitSave(obj *tracker.TrackedObject, frame *video.Frame, now time.Time) {
	fix, _ := p.locator.CurrentBest()
	event := report.NewSaveEvent(obj.ID, obj.ClassLabel, obj.Confidence, frame.Data, fix, now)
	p.tracker.MarkSaved(obj, now)

	if p.journal != nil {
		if err := p.journal.Append(p.ctx, event); err != nil {
			p.LogError("Failed to journal save event", err)
		}
	}

	select {
	case p.saveEvents <- *event:
	default:
		p.LogWarn("Save event subscriber lagging, dropping notification", "report_id", event.ID)
	}

	p.metricsMu.Lock()
	p.savesEmitted++
	p.metricsMu.Unlock()

	p.LogInfo("Hazard saved",
		"report_id", event.ID,
		"track_id", obj.ID,
		"class", obj.ClassLabel,
		"confidence", obj.Confidence,
	)
	p.PublishEvent(service.EventTypeHazardSaved, map[string]interface{}{
		"report_id": event.ID,
		"class":     obj.ClassLabel,
	})
}

// finishTick records cycle accounting. It runs for every tick,
// including ones that errored or panicked.
func (p *Pipeline) finishTick(now time.Time) {
	p.metricsMu.Lock()
	defer p.metricsMu.Unlock()

	p.cyclesTotal++
	p.lastTickAt = now

	p.tickTimes = append(p.tickTimes, now)
	if len(p.tickTimes) > fpsWindow {
		p.tickTimes = p.tickTimes[len(p.tickTimes)-fpsWindow:]
	}
}

func (p *Pipeline) recordFailure() {
	p.metricsMu.Lock()
	p.consecutiveFailures++
	crossed := p.consecutiveFailures == p.config.FailureThreshold
	if crossed {
		p.degraded = true
	}
	failures := p.consecutiveFailures
	p.metricsMu.Unlock()

	if crossed {
		p.LogError("Pipeline degraded", fmt.Errorf("%d consecutive tick failures", failures))
		p.PublishEvent(service.EventTypePipelineDegraded, map[string]interface{}{
			"consecutive_failures": failures,
		})
	}
}

func (p *Pipeline) recordSuccess() {
	p.metricsMu.Lock()
	if p.degraded {
		p.LogInfo("Pipeline recovered from degraded state")
	}
	p.consecutiveFailures = 0
	p.degraded = false
	p.metricsMu.Unlock()
}

// Metrics returns a point-in-time snapshot for the status API.
func (p *Pipeline) Metrics() Snapshot {
	p.metricsMu.RLock()
	defer p.metricsMu.RUnlock()

	var fps float64
	if n := len(p.tickTimes); n >= 2 {
		span := p.tickTimes[n-1].Sub(p.tickTimes[0]).Seconds()
		if span > 0 {
			fps = float64(n-1) / span
		}
	}

	return Snapshot{
		Running:             p.GetStatus().IsRunning(),
		Degraded:            p.degraded,
		FPS:                 fps,
		TrackedCount:        p.trackedCount,
		InferenceMode:       p.detector.Mode().String(),
		CyclesTotal:         p.cyclesTotal,
		InferenceRuns:       p.inferenceRuns,
		SavesEmitted:        p.savesEmitted,
		ConsecutiveFailures: p.consecutiveFailures,
		LastTickAt:          p.lastTickAt,
	}
}
