package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/roadwatch/hazard-edge/internal/config"
	"github.com/roadwatch/hazard-edge/internal/detect"
	"github.com/roadwatch/hazard-edge/internal/geo"
	"github.com/roadwatch/hazard-edge/internal/inference"
	"github.com/roadwatch/hazard-edge/internal/logger"
	"github.com/roadwatch/hazard-edge/internal/pipeline"
	"github.com/roadwatch/hazard-edge/internal/report"
	"github.com/roadwatch/hazard-edge/internal/service"
	"github.com/roadwatch/hazard-edge/internal/throttle"
	"github.com/roadwatch/hazard-edge/internal/tracker"
	"github.com/roadwatch/hazard-edge/internal/video"
	"github.com/roadwatch/hazard-edge/internal/web"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&configPath, "c", "", "Path to configuration file (short)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.New(logger.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting Hazard Edge",
		"version", version,
		"build_time", buildTime,
		"git_commit", gitCommit,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Frame source
	source, err := video.NewFFmpegSource(cfg.Pipeline.Source, cfg.Pipeline.FrameQuality, 10*time.Second, log)
	if err != nil {
		log.Error("Failed to initialize frame source", "error", err)
		os.Exit(1)
	}

	// Location: no device geolocation on this platform, so the
	// resolver starts at the IP tier
	resolver := geo.NewResolver(cfg.Geo, nil, log)

	// Inference backends
	client := inference.NewClient(inference.ClientConfig{
		Timeout:   cfg.Inference.RequestTimeout,
		LegacyURL: cfg.Inference.LegacyURL,
	}, log)
	model := inference.NewHeuristicModel(cfg.Inference.ModelPath, log)
	dispatcher := inference.NewDispatcher(cfg.Inference, client, model, log)

	// Report journal and sink
	journal, err := report.NewJournal(cfg.Report.JournalPath)
	if err != nil {
		log.Error("Failed to open report journal", "error", err)
		os.Exit(1)
	}
	defer journal.Close()

	// Pipeline
	pipe := pipeline.New(cfg.Pipeline, pipeline.Deps{
		Source:   source,
		Throttle: throttle.New(cfg.Throttle, log),
		Detector: dispatcher,
		Post:     detect.NewPostprocessor(cfg.Inference, log),
		Tracker:  tracker.New(cfg.Tracker, log),
		Locator:  resolver,
		Journal:  journal,
	}, log)

	// Service manager
	svcMgr := service.NewManager(log)
	svcMgr.Register(pipe)

	if cfg.Report.SinkURL != "" {
		sink := report.NewHTTPSink(cfg.Report.SinkURL, cfg.Report.RequestTimeout, log)
		svcMgr.Register(report.NewSubmitter(cfg.Report, journal, sink, log))
	} else {
		log.Warn("No report sink configured, save events stay journaled")
	}

	if cfg.Web.Enabled {
		webServer := web.NewServer(&cfg.Web, log)
		webServer.SetVersion(version)
		webServer.SetMetricsProvider(pipe)
		webServer.SetStatusProvider(svcMgr)
		svcMgr.Register(webServer)
	}

	if err := svcMgr.Start(ctx); err != nil {
		log.Error("Failed to start services", "error", err)
		os.Exit(1)
	}

	log.Info("Hazard Edge started", "services", svcMgr.GetServiceCount())

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Shutting down", "signal", sig.String())

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := svcMgr.Shutdown(shutdownCtx); err != nil {
		log.Error("Shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("Hazard Edge stopped")
}
