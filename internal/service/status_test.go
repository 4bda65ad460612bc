package service

import (
	"errors"
	"testing"
	"time"
)

func TestServiceStatus_Transitions(t *testing.T) {
	status := NewServiceStatus("pipeline")

	if status.GetStatus() != StatusStopped {
		t.Errorf("Expected initial status %s, got %s", StatusStopped, status.GetStatus())
	}

	status.SetStatus(StatusStarting)
	if status.GetStatus() != StatusStarting {
		t.Errorf("Expected %s, got %s", StatusStarting, status.GetStatus())
	}

	status.SetStatus(StatusRunning)
	if !status.IsRunning() {
		t.Error("Expected running")
	}
	if status.StartedAt.IsZero() {
		t.Error("StartedAt should be set when running")
	}
}

func TestServiceStatus_ErrorClearsOnRunning(t *testing.T) {
	status := NewServiceStatus("pipeline")

	status.SetError(errors.New("probe failed"))
	if status.GetStatus() != StatusError {
		t.Errorf("Expected %s, got %s", StatusError, status.GetStatus())
	}
	if status.GetError() == nil {
		t.Fatal("Expected error to be recorded")
	}

	status.SetStatus(StatusRunning)
	if status.GetError() != nil {
		t.Error("Error should clear when service recovers to running")
	}
}

func TestServiceStatus_Uptime(t *testing.T) {
	status := NewServiceStatus("pipeline")

	if status.GetUptime() != 0 {
		t.Error("Stopped service should report zero uptime")
	}

	status.SetStatus(StatusRunning)
	time.Sleep(20 * time.Millisecond)
	if status.GetUptime() == 0 {
		t.Error("Running service should report nonzero uptime")
	}

	status.SetStatus(StatusStopped)
	if status.GetUptime() != 0 {
		t.Error("Uptime should reset when stopped")
	}
}
