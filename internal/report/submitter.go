package report

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roadwatch/hazard-edge/internal/config"
	"github.com/roadwatch/hazard-edge/internal/logger"
	"github.com/roadwatch/hazard-edge/internal/service"
)

// Submitter drains the journal into the sink on a fixed interval.
// Failed submissions stay journaled and retry until the cap, then are
// discarded with a report.failed event.
type Submitter struct {
	*service.ServiceBase

	config  config.ReportConfig
	journal *Journal
	sink    Sink

	running bool
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewSubmitter creates the submitter service.
func NewSubmitter(cfg config.ReportConfig, journal *Journal, sink Sink, log *logger.Logger) *Submitter {
	ctx, cancel := context.WithCancel(context.Background())

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.SubmitInterval == 0 {
		cfg.SubmitInterval = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	return &Submitter{
		ServiceBase: service.NewServiceBase("report-submitter", log),
		config:      cfg,
		journal:     journal,
		sink:        sink,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the submit loop.
func (s *Submitter) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	s.running = true
	s.GetStatus().SetStatus(service.StatusRunning)

	go s.submitLoop(ctx)

	s.LogInfo("Report submitter started", "interval", s.config.SubmitInterval)
	return nil
}

// Stop halts the submit loop. Pending reports stay journaled.
func (s *Submitter) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.cancel()
	s.running = false
	s.GetStatus().SetStatus(service.StatusStopped)

	s.LogInfo("Report submitter stopped")
	return nil
}

func (s *Submitter) submitLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.SubmitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.ProcessPending(ctx); err != nil {
				s.LogError("Failed to process pending reports", err)
			}
		}
	}
}

// ProcessPending submits one batch of journaled reports.
func (s *Submitter) ProcessPending(ctx context.Context) error {
	events, err := s.journal.Pending(ctx, s.config.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to load pending reports: %w", err)
	}

	for _, event := range events {
		if err := s.sink.Submit(ctx, event); err == nil {
			if markErr := s.journal.MarkSubmitted(ctx, event.ID); markErr != nil {
				s.LogWarn("Failed to mark report submitted", "report_id", event.ID, "error", markErr)
			}
			continue
		} else {
			s.LogWarn("Report submission failed", "report_id", event.ID, "error", err)
		}

		retries, err := s.journal.IncrementRetry(ctx, event.ID)
		if err != nil {
			s.LogWarn("Failed to record retry", "report_id", event.ID, "error", err)
			continue
		}
		if retries > s.config.MaxRetries {
			s.LogWarn("Discarding report after retry cap",
				"report_id", event.ID,
				"retries", retries,
			)
			if err := s.journal.Discard(ctx, event.ID); err != nil {
				s.LogWarn("Failed to discard report", "report_id", event.ID, "error", err)
			}
			s.PublishEvent(service.EventTypeReportFailed, map[string]interface{}{
				"report_id": event.ID,
				"class":     event.ClassLabel,
				"retries":   retries,
			})
		}
	}
	return nil
}
