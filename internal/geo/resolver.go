package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/roadwatch/hazard-edge/internal/config"
	"github.com/roadwatch/hazard-edge/internal/logger"
)

// Source identifies which tier produced a fix.
type Source string

const (
	SourceHighAccuracy Source = "high_accuracy_gps"
	SourceLowAccuracy  Source = "low_accuracy_gps"
	SourceIP           Source = "ip"
	SourceDefault      Source = "default"
)

// Fix is the best-known position at a point in time. Superseded fixes
// are replaced wholesale, never merged.
type Fix struct {
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Source     Source    `json:"source"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// ErrPermissionDenied means the device refused location access. It is
// terminal for the GPS tiers only; the resolver proceeds to IP lookup.
var ErrPermissionDenied = errors.New("location permission denied")

// ErrUnavailable means every tier failed and no default is configured.
var ErrUnavailable = errors.New("location unavailable")

// DeviceProvider is the device geolocation collaborator. highAccuracy
// selects GPS-grade positioning over coarse (cell/wifi) positioning.
type DeviceProvider interface {
	Locate(ctx context.Context, highAccuracy bool) (lat, lng float64, err error)
}

const ipCacheKey = "ip_fix"

// Resolver acquires a position through tiered fallback: high-accuracy
// device fix, low-accuracy device fix, IP lookup, configured default.
// The first tier to succeed wins; later tiers are not consulted.
type Resolver struct {
	config  config.GeoConfig
	logger  *logger.Logger
	device  DeviceProvider
	client  *http.Client
	ipCache *gocache.Cache
	hasDflt bool

	mu      sync.RWMutex
	current *Fix

	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// NewResolver creates a resolver. device may be nil when no device
// geolocation is available; the resolver then starts at the IP tier.
func NewResolver(cfg config.GeoConfig, device DeviceProvider, log *logger.Logger) *Resolver {
	return &Resolver{
		config:  cfg,
		logger:  log,
		device:  device,
		client:  &http.Client{Timeout: cfg.IPLookupTimeout},
		ipCache: gocache.New(cfg.IPCacheTTL, 2*cfg.IPCacheTTL),
		hasDflt: cfg.DefaultLat != 0 || cfg.DefaultLng != 0,
	}
}

// AcquireInitial walks the tiers in order and records the first
// successful fix as current best. It always terminates within the sum
// of the per-tier timeouts.
func (r *Resolver) AcquireInitial(ctx context.Context) (Fix, error) {
	if fix, ok := r.deviceTiers(ctx); ok {
		r.setCurrent(fix)
		return fix, nil
	}

	if fix, err := r.lookupIP(ctx); err == nil {
		r.setCurrent(fix)
		return fix, nil
	} else {
		r.logger.Warn("IP geolocation failed", "error", err)
	}

	if r.hasDflt {
		fix := Fix{
			Lat:        r.config.DefaultLat,
			Lng:        r.config.DefaultLng,
			Source:     SourceDefault,
			AcquiredAt: time.Now(),
		}
		r.setCurrent(fix)
		return fix, nil
	}

	return Fix{}, ErrUnavailable
}

// deviceTiers tries the high- then low-accuracy device tiers.
// Permission denial skips the remaining device tier.
func (r *Resolver) deviceTiers(ctx context.Context) (Fix, bool) {
	if r.device == nil {
		return Fix{}, false
	}

	tiers := []struct {
		source       Source
		highAccuracy bool
		timeout      time.Duration
	}{
		{SourceHighAccuracy, true, r.config.HighAccuracyTimeout},
		{SourceLowAccuracy, false, r.config.LowAccuracyTimeout},
	}

	for _, tier := range tiers {
		tierCtx, cancel := context.WithTimeout(ctx, tier.timeout)
		lat, lng, err := r.device.Locate(tierCtx, tier.highAccuracy)
		cancel()

		if err == nil {
			return Fix{Lat: lat, Lng: lng, Source: tier.source, AcquiredAt: time.Now()}, true
		}
		if errors.Is(err, ErrPermissionDenied) {
			r.logger.Warn("Device location denied, skipping GPS tiers")
			return Fix{}, false
		}
		r.logger.Debug("Device location tier failed", "source", string(tier.source), "error", err)
	}
	return Fix{}, false
}

// CurrentBest returns the latest fix, if any tier has succeeded.
func (r *Resolver) CurrentBest() (Fix, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == nil {
		return Fix{}, false
	}
	return *r.current, true
}

// StartContinuousUpdates runs a best-effort background watch that
// overwrites the current best whenever it produces a fresher fix.
// Watch failures are logged and leave the last known fix intact.
func (r *Resolver) StartContinuousUpdates(ctx context.Context) {
	r.mu.Lock()
	if r.watchCancel != nil {
		r.mu.Unlock()
		return
	}
	watchCtx, cancel := context.WithCancel(ctx)
	r.watchCancel = cancel
	done := make(chan struct{})
	r.watchDone = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.config.WatchInterval)
		defer ticker.Stop()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
				r.refresh(watchCtx)
			}
		}
	}()
}

func (r *Resolver) refresh(ctx context.Context) {
	if r.device != nil {
		tierCtx, cancel := context.WithTimeout(ctx, r.config.LowAccuracyTimeout)
		lat, lng, err := r.device.Locate(tierCtx, false)
		cancel()
		if err == nil {
			r.setCurrent(Fix{Lat: lat, Lng: lng, Source: SourceLowAccuracy, AcquiredAt: time.Now()})
			return
		}
		r.logger.Debug("Location watch device update failed", "error", err)
	}

	if fix, err := r.lookupIP(ctx); err == nil {
		r.setCurrent(fix)
	} else {
		r.logger.Debug("Location watch IP update failed", "error", err)
	}
}

// Stop halts the watch and clears the current fix. No fix survives a
// stop/start cycle.
func (r *Resolver) Stop() {
	r.mu.Lock()
	cancel := r.watchCancel
	done := r.watchDone
	r.watchCancel = nil
	r.watchDone = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	r.mu.Lock()
	r.current = nil
	r.mu.Unlock()
	r.ipCache.Flush()
}

func (r *Resolver) setCurrent(fix Fix) {
	r.mu.Lock()
	r.current = &fix
	r.mu.Unlock()
}

type ipLookupResponse struct {
	Status  string  `json:"status"`
	Message string  `json:"message,omitempty"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

// lookupIP queries the IP geolocation service, caching the response so
// the watch loop does not hammer the public API.
func (r *Resolver) lookupIP(ctx context.Context) (Fix, error) {
	if cached, found := r.ipCache.Get(ipCacheKey); found {
		fix := cached.(Fix)
		fix.AcquiredAt = time.Now()
		return fix, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.config.IPLookupURL, nil)
	if err != nil {
		return Fix{}, fmt.Errorf("failed to build IP lookup request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Fix{}, fmt.Errorf("IP lookup request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Fix{}, fmt.Errorf("IP lookup returned status %d", resp.StatusCode)
	}

	var payload ipLookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Fix{}, fmt.Errorf("failed to decode IP lookup response: %w", err)
	}
	if payload.Status != "" && payload.Status != "success" {
		return Fix{}, fmt.Errorf("IP lookup rejected: %s", payload.Message)
	}

	fix := Fix{Lat: payload.Lat, Lng: payload.Lon, Source: SourceIP, AcquiredAt: time.Now()}
	r.ipCache.Set(ipCacheKey, fix, gocache.DefaultExpiration)
	return fix, nil
}
