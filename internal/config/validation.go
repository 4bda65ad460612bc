package config

import (
	"fmt"
	"net/url"
)

// Validate checks configuration values that defaults cannot repair.
func (c *Config) Validate() error {
	if c.Throttle.TargetFPS <= 0 {
		return fmt.Errorf("throttle.target_fps must be positive, got %v", c.Throttle.TargetFPS)
	}
	if c.Throttle.MaxSkipFrames < 1 {
		return fmt.Errorf("throttle.max_skip_frames must be at least 1, got %d", c.Throttle.MaxSkipFrames)
	}
	if c.Throttle.SkipFrames > c.Throttle.MaxSkipFrames {
		return fmt.Errorf("throttle.skip_frames %d exceeds max_skip_frames %d",
			c.Throttle.SkipFrames, c.Throttle.MaxSkipFrames)
	}
	if c.Throttle.LatencyWindow < 1 {
		return fmt.Errorf("throttle.latency_window must be at least 1, got %d", c.Throttle.LatencyWindow)
	}

	if c.Inference.ScoreThreshold < 0 || c.Inference.ScoreThreshold > 1 {
		return fmt.Errorf("inference.score_threshold must be in [0,1], got %v", c.Inference.ScoreThreshold)
	}
	for _, raw := range c.Inference.RemoteURLs {
		if _, err := url.ParseRequestURI(raw); err != nil {
			return fmt.Errorf("inference.remote_urls entry %q: %w", raw, err)
		}
	}
	if c.Inference.LegacyURL != "" {
		if _, err := url.ParseRequestURI(c.Inference.LegacyURL); err != nil {
			return fmt.Errorf("inference.legacy_url %q: %w", c.Inference.LegacyURL, err)
		}
	}

	if c.Tracker.SaveMinConfidence < 0 || c.Tracker.SaveMinConfidence > 1 {
		return fmt.Errorf("tracker.save_min_confidence must be in [0,1], got %v", c.Tracker.SaveMinConfidence)
	}
	if c.Tracker.SaveMinStability < 0 || c.Tracker.SaveMinStability > 1 {
		return fmt.Errorf("tracker.save_min_stability must be in [0,1], got %v", c.Tracker.SaveMinStability)
	}

	if c.Geo.DefaultLat < -90 || c.Geo.DefaultLat > 90 {
		return fmt.Errorf("geo.default_lat out of range: %v", c.Geo.DefaultLat)
	}
	if c.Geo.DefaultLng < -180 || c.Geo.DefaultLng > 180 {
		return fmt.Errorf("geo.default_lng out of range: %v", c.Geo.DefaultLng)
	}

	return nil
}
