package inference

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roadwatch/hazard-edge/internal/config"
	"github.com/roadwatch/hazard-edge/internal/detect"
	"github.com/roadwatch/hazard-edge/internal/logger"
	"github.com/roadwatch/hazard-edge/internal/video"
)

// Dispatcher routes detect calls to the remote or local backend.
//
// Mode starts Unknown; an initial health probe resolves it to Remote,
// or to Local after the local model loads. A remote failure retries
// once against the legacy contract, then fails over to Local. While
// Local, a background probe re-checks the remote candidates and
// switches back on success. Mode is read atomically on the hot path.
type Dispatcher struct {
	config config.InferenceConfig
	logger *logger.Logger
	client *Client
	local  LocalModel

	mode      atomic.Int32
	activeURL atomic.Value // string

	listenerMu   sync.Mutex
	onModeChange func(Mode)

	probeCancel context.CancelFunc
	probeDone   chan struct{}
}

// NewDispatcher creates a dispatcher over the given backends.
func NewDispatcher(cfg config.InferenceConfig, client *Client, local LocalModel, log *logger.Logger) *Dispatcher {
	d := &Dispatcher{
		config: cfg,
		logger: log,
		client: client,
		local:  local,
	}
	d.activeURL.Store("")
	return d
}

// OnModeChange registers a listener invoked whenever the serving mode
// actually changes. Informational only.
func (d *Dispatcher) OnModeChange(fn func(Mode)) {
	d.listenerMu.Lock()
	d.onModeChange = fn
	d.listenerMu.Unlock()
}

// Mode returns the current serving mode.
func (d *Dispatcher) Mode() Mode {
	return Mode(d.mode.Load())
}

// Start resolves the initial mode and launches the background
// re-probe loop. It fails only when neither backend is available.
func (d *Dispatcher) Start(ctx context.Context) error {
	if url, err := d.probeRemote(ctx); err == nil {
		d.activeURL.Store(url)
		d.setMode(ModeRemote)
		d.logger.Info("Remote inference backend selected", "url", url)
	} else {
		d.logger.Warn("Remote inference unavailable, loading local model", "error", err)
		if loadErr := d.local.Load(ctx); loadErr != nil {
			return fmt.Errorf("%w: remote probe failed (%v), local load failed (%v)", ErrNoBackend, err, loadErr)
		}
		d.setMode(ModeLocal)
	}

	probeCtx, cancel := context.WithCancel(context.Background())
	d.probeCancel = cancel
	d.probeDone = make(chan struct{})
	go d.probeLoop(probeCtx)

	return nil
}

// Stop halts the re-probe loop and releases the local model. The
// dispatcher returns to Unknown and must be started again before use.
func (d *Dispatcher) Stop() {
	if d.probeCancel != nil {
		d.probeCancel()
		<-d.probeDone
		d.probeCancel = nil
	}
	if err := d.local.Close(); err != nil {
		d.logger.Warn("Failed to close local model", "error", err)
	}
	d.mode.Store(int32(ModeUnknown))
	d.activeURL.Store("")
}

// Detect runs detection on one frame. The returned result carries the
// letterbox that maps its boxes back to source-frame coordinates.
func (d *Dispatcher) Detect(ctx context.Context, frame *video.Frame) (Result, error) {
	lb := detect.FitLetterbox(frame.Width, frame.Height, d.config.ModelInputSize)
	result := Result{Letterbox: lb}

	switch d.Mode() {
	case ModeUnknown:
		return result, ErrNotStarted
	case ModeLocal:
		raw, err := d.runLocal(ctx, frame, lb)
		if err != nil {
			return result, err
		}
		result.RawDetections = raw
		result.Backend = BackendLocal
		return result, nil
	}

	// Remote mode. Failures walk: current contract → one legacy retry
	// → local failover, all within this call.
	callCtx, cancel := context.WithTimeout(ctx, d.config.RequestTimeout)
	raw, err := d.client.Detect(callCtx, d.activeURL.Load().(string), frame)
	cancel()
	if err == nil {
		result.RawDetections = raw
		result.Backend = BackendRemote
		return result, nil
	}
	d.logger.Warn("Remote inference failed", "error", err)

	if d.client.HasLegacy() {
		legacyCtx, cancel := context.WithTimeout(ctx, d.config.RequestTimeout)
		raw, legacyErr := d.client.DetectLegacy(legacyCtx, frame)
		cancel()
		if legacyErr == nil {
			result.RawDetections = raw
			result.Backend = BackendLegacy
			return result, nil
		}
		d.logger.Warn("Legacy inference retry failed", "error", legacyErr)
	}

	if loadErr := d.local.Load(ctx); loadErr != nil {
		return result, fmt.Errorf("%w: remote failed (%v), local load failed (%v)", ErrNoBackend, err, loadErr)
	}
	d.setMode(ModeLocal)
	d.logger.Warn("Failed over to local inference")

	raw, err = d.runLocal(ctx, frame, lb)
	if err != nil {
		return result, err
	}
	result.RawDetections = raw
	result.Backend = BackendLocal
	return result, nil
}

func (d *Dispatcher) runLocal(ctx context.Context, frame *video.Frame, lb detect.Letterbox) ([]detect.RawDetection, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.config.RequestTimeout)
	defer cancel()

	raw, err := d.local.Run(callCtx, frame, lb)
	if err != nil {
		return nil, fmt.Errorf("local inference failed: %w", err)
	}
	return raw, nil
}

// probeRemote tries the candidate endpoints in order and returns the
// first one that reports ready.
func (d *Dispatcher) probeRemote(ctx context.Context) (string, error) {
	if len(d.config.RemoteURLs) == 0 {
		return "", fmt.Errorf("no remote endpoints configured")
	}

	var lastErr error
	for _, url := range d.config.RemoteURLs {
		probeCtx, cancel := context.WithTimeout(ctx, d.config.ProbeTimeout)
		err := d.client.HealthCheck(probeCtx, url)
		cancel()
		if err == nil {
			return url, nil
		}
		lastErr = err
		d.logger.Debug("Remote endpoint not ready", "url", url, "error", err)
	}
	return "", fmt.Errorf("all %d remote endpoints failed: %w", len(d.config.RemoteURLs), lastErr)
}

// probeLoop re-checks remote availability while serving locally. It
// never blocks the detect path.
func (d *Dispatcher) probeLoop(ctx context.Context) {
	defer close(d.probeDone)

	ticker := time.NewTicker(d.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.Mode() != ModeLocal {
				continue
			}
			if url, err := d.probeRemote(ctx); err == nil {
				d.activeURL.Store(url)
				d.setMode(ModeRemote)
				d.logger.Info("Remote inference backend recovered", "url", url)
			}
		}
	}
}

func (d *Dispatcher) setMode(mode Mode) {
	old := d.mode.Swap(int32(mode))
	if Mode(old) == mode {
		return
	}
	d.listenerMu.Lock()
	fn := d.onModeChange
	d.listenerMu.Unlock()
	if fn != nil {
		fn(mode)
	}
}
