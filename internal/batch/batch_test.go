package batch

import (
	"testing"
	"time"

	"github.com/rexbench/rexbench/internal/config"
)

func TestNewScheduler_ValidatesCron(t *testing.T) {
	_, err := NewScheduler([]config.BatchConfig{
		{Name: "nightly", Cron: "not a cron"},
	}, nil)
	if err == nil {
		t.Error("invalid cron accepted")
	}

	_, err = NewScheduler([]config.BatchConfig{
		{Name: "", Cron: "0 2 * * *"},
	}, nil)
	if err == nil {
		t.Error("empty batch name accepted")
	}

	s, err := NewScheduler([]config.BatchConfig{
		{Name: "nightly", Cron: "0 2 * * *"},
		{Name: "weekly", Cron: "0 4 * * 0"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if s.NextRun("nightly").IsZero() {
		t.Error("NextRun(nightly) is zero")
	}
	if !s.NextRun("unknown").IsZero() {
		t.Error("NextRun(unknown) not zero")
	}
}

func TestShouldRun(t *testing.T) {
	s, err := NewScheduler([]config.BatchConfig{
		{Name: "nightly", Cron: "0 2 * * *"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Never run before: due once the schedule point inside the lookback
	// window has passed
	due := time.Date(2026, 8, 30, 2, 1, 0, 0, time.UTC)
	if !s.shouldRun("nightly", due) {
		t.Error("overdue batch not due")
	}

	notDue := time.Date(2026, 8, 30, 1, 0, 0, 0, time.UTC)
	s.mu.Lock()
	s.lastRun["nightly"] = time.Date(2026, 8, 29, 2, 1, 0, 0, time.UTC)
	s.mu.Unlock()
	if s.shouldRun("nightly", notDue) {
		t.Error("batch due before its schedule point")
	}

	// A batch already in flight never double-fires
	s.markRunning("nightly")
	if s.shouldRun("nightly", due) {
		t.Error("running batch reported as due")
	}
	s.markComplete("nightly")

	if s.shouldRun("unknown", due) {
		t.Error("unknown batch reported as due")
	}
}
