package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Throttle  ThrottleConfig  `yaml:"throttle"`
	Inference InferenceConfig `yaml:"inference"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Geo       GeoConfig       `yaml:"geo"`
	Report    ReportConfig    `yaml:"report"`
	Web       WebConfig       `yaml:"web"`
	Log       LogConfig       `yaml:"log,omitempty"`
}

// PipelineConfig contains settings for the per-frame detection loop
type PipelineConfig struct {
	Source           string        `yaml:"source"`            // ffmpeg input (device, RTSP URL, file)
	TickInterval     time.Duration `yaml:"tick_interval"`     // spacing between pipeline ticks
	FrameQuality     int           `yaml:"frame_quality"`     // JPEG quality for captured frames
	FailureThreshold int           `yaml:"failure_threshold"` // consecutive tick failures before degraded
	DataDir          string        `yaml:"data_dir"`
}

// ThrottleConfig contains settings for the adaptive inference throttle
type ThrottleConfig struct {
	TargetFPS       float64 `yaml:"target_fps"`       // desired inference rate
	SkipFrames      int     `yaml:"skip_frames"`      // initial frames skipped between inferences
	MaxSkipFrames   int     `yaml:"max_skip_frames"`  // upper bound for the controller
	MotionThreshold float64 `yaml:"motion_threshold"` // mean luma delta below which a frame is static
	LatencyWindow   int     `yaml:"latency_window"`   // number of recent inference latencies kept
}

// InferenceConfig contains settings for the remote and local detection backends
type InferenceConfig struct {
	RemoteURLs     []string      `yaml:"remote_urls"`     // candidate remote endpoints, probed in order
	LegacyURL      string        `yaml:"legacy_url"`      // optional previous-generation remote contract
	RequestTimeout time.Duration `yaml:"request_timeout"` // per-detect call bound
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`   // per-endpoint health probe bound
	ProbeInterval  time.Duration `yaml:"probe_interval"`  // remote re-probe period while running locally
	ScoreThreshold float64       `yaml:"score_threshold"` // detections below this are discarded
	MinBoxSize     float64       `yaml:"min_box_size"`    // minimum mapped box width/height in pixels
	MinBoxArea     float64       `yaml:"min_box_area"`    // minimum mapped box area in pixels
	ModelPath      string        `yaml:"model_path"`      // local model artifact
	ModelInputSize int           `yaml:"model_input_size"`
}

// TrackerConfig contains settings for cross-frame hazard correlation
type TrackerConfig struct {
	MatchDistance     float64       `yaml:"match_distance"`      // max center distance for a match, pixels
	MaxMissedFrames   int           `yaml:"max_missed_frames"`   // misses before a track goes stale
	EvictTimeout      time.Duration `yaml:"evict_timeout"`       // unseen duration before eviction
	ConfidenceFloor   float64       `yaml:"confidence_floor"`    // tracks decaying below this are evicted
	SaveMinConfidence float64       `yaml:"save_min_confidence"` // combined confidence gate for saving
	SaveMinStability  float64       `yaml:"save_min_stability"`
	SaveMinArea       float64       `yaml:"save_min_area"`
	SaveCooldown      time.Duration `yaml:"save_cooldown"` // global gap between save events
}

// GeoConfig contains settings for tiered location acquisition
type GeoConfig struct {
	HighAccuracyTimeout time.Duration `yaml:"high_accuracy_timeout"`
	LowAccuracyTimeout  time.Duration `yaml:"low_accuracy_timeout"`
	IPLookupURL         string        `yaml:"ip_lookup_url"`
	IPLookupTimeout     time.Duration `yaml:"ip_lookup_timeout"`
	IPCacheTTL          time.Duration `yaml:"ip_cache_ttl"`
	WatchInterval       time.Duration `yaml:"watch_interval"`
	DefaultLat          float64       `yaml:"default_lat"`
	DefaultLng          float64       `yaml:"default_lng"`
}

// ReportConfig contains settings for save-event submission
type ReportConfig struct {
	SinkURL        string        `yaml:"sink_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	JournalPath    string        `yaml:"journal_path"` // sqlite file for pending reports
	BatchSize      int           `yaml:"batch_size"`
	SubmitInterval time.Duration `yaml:"submit_interval"`
	MaxRetries     int           `yaml:"max_retries"`
}

// WebConfig contains status server configuration
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = getDefaultConfigPath()
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// getDefaultConfigPath returns the default configuration file path
func getDefaultConfigPath() string {
	paths := []string{
		"./config/config.dev.yaml",
		"./config/config.yaml",
		"/etc/hazard-edge/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	// Return the first default if none found (will error later)
	return paths[0]
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}

	if c.Pipeline.TickInterval == 0 {
		c.Pipeline.TickInterval = 100 * time.Millisecond
	}
	if c.Pipeline.FrameQuality == 0 {
		c.Pipeline.FrameQuality = 85
	}
	if c.Pipeline.FailureThreshold == 0 {
		c.Pipeline.FailureThreshold = 5
	}
	if c.Pipeline.DataDir == "" {
		c.Pipeline.DataDir = "./data"
	}

	if c.Throttle.TargetFPS == 0 {
		c.Throttle.TargetFPS = 2
	}
	if c.Throttle.SkipFrames == 0 {
		c.Throttle.SkipFrames = 3
	}
	if c.Throttle.MaxSkipFrames == 0 {
		c.Throttle.MaxSkipFrames = 10
	}
	if c.Throttle.MotionThreshold == 0 {
		c.Throttle.MotionThreshold = 4.0
	}
	if c.Throttle.LatencyWindow == 0 {
		c.Throttle.LatencyWindow = 10
	}

	if len(c.Inference.RemoteURLs) == 0 {
		c.Inference.RemoteURLs = []string{"http://localhost:8080"}
	}
	if c.Inference.RequestTimeout == 0 {
		c.Inference.RequestTimeout = 10 * time.Second
	}
	if c.Inference.ProbeTimeout == 0 {
		c.Inference.ProbeTimeout = 3 * time.Second
	}
	if c.Inference.ProbeInterval == 0 {
		c.Inference.ProbeInterval = 30 * time.Second
	}
	if c.Inference.ScoreThreshold == 0 {
		c.Inference.ScoreThreshold = 0.5
	}
	if c.Inference.MinBoxSize == 0 {
		c.Inference.MinBoxSize = 8
	}
	if c.Inference.MinBoxArea == 0 {
		c.Inference.MinBoxArea = 100
	}
	if c.Inference.ModelInputSize == 0 {
		c.Inference.ModelInputSize = 640
	}

	if c.Tracker.MatchDistance == 0 {
		c.Tracker.MatchDistance = 80
	}
	if c.Tracker.MaxMissedFrames == 0 {
		c.Tracker.MaxMissedFrames = 5
	}
	if c.Tracker.EvictTimeout == 0 {
		c.Tracker.EvictTimeout = 10 * time.Second
	}
	if c.Tracker.ConfidenceFloor == 0 {
		c.Tracker.ConfidenceFloor = 0.2
	}
	if c.Tracker.SaveMinConfidence == 0 {
		c.Tracker.SaveMinConfidence = 0.6
	}
	if c.Tracker.SaveMinStability == 0 {
		c.Tracker.SaveMinStability = 0.7
	}
	if c.Tracker.SaveMinArea == 0 {
		c.Tracker.SaveMinArea = 400
	}
	if c.Tracker.SaveCooldown == 0 {
		c.Tracker.SaveCooldown = 15 * time.Second
	}

	if c.Geo.HighAccuracyTimeout == 0 {
		c.Geo.HighAccuracyTimeout = 5 * time.Second
	}
	if c.Geo.LowAccuracyTimeout == 0 {
		c.Geo.LowAccuracyTimeout = 10 * time.Second
	}
	if c.Geo.IPLookupURL == "" {
		c.Geo.IPLookupURL = "http://ip-api.com/json"
	}
	if c.Geo.IPLookupTimeout == 0 {
		c.Geo.IPLookupTimeout = 5 * time.Second
	}
	if c.Geo.IPCacheTTL == 0 {
		c.Geo.IPCacheTTL = 5 * time.Minute
	}
	if c.Geo.WatchInterval == 0 {
		c.Geo.WatchInterval = 30 * time.Second
	}
	// the default coordinate is the terminal location tier; it must
	// always exist so acquisition cannot fail outright
	if c.Geo.DefaultLat == 0 && c.Geo.DefaultLng == 0 {
		c.Geo.DefaultLat = 32.08
		c.Geo.DefaultLng = 34.78
	}

	if c.Report.RequestTimeout == 0 {
		c.Report.RequestTimeout = 15 * time.Second
	}
	if c.Report.JournalPath == "" {
		c.Report.JournalPath = filepath.Join(c.Pipeline.DataDir, "db", "reports.db")
	}
	if c.Report.BatchSize == 0 {
		c.Report.BatchSize = 10
	}
	if c.Report.SubmitInterval == 0 {
		c.Report.SubmitInterval = 5 * time.Second
	}
	if c.Report.MaxRetries == 0 {
		c.Report.MaxRetries = 3
	}

	if c.Web.Host == "" {
		c.Web.Host = "0.0.0.0"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 9090
	}
}
