package scheduler

import (
	"github.com/rexbench/rexbench/internal/domain"
	"github.com/rexbench/rexbench/internal/jobstore"
)

// DedupTimeouts applies the redundant-timeout policy to one matrix cell.
// A second or later timeout for a combination that already has one adds no
// information: if the cell has no completed or queued job yet, the first
// timeout is given one more real chance (requeued) and the rest are
// skipped; if a completed or queued job already exists, every timeout is
// skipped directly. A job that already used its retry is never requeued
// again. Returns how many jobs were requeued and skipped.
func DedupTimeouts(store *jobstore.Store, runID string, key domain.ComboKey) (requeued, skipped int, err error) {
	jobs, err := store.ListByCombo(runID, key)
	if err != nil {
		return 0, 0, err
	}

	var timeouts []*domain.Job
	hasActive := false
	for _, j := range jobs {
		switch j.Status {
		case domain.StatusTimeout:
			timeouts = append(timeouts, j)
		case domain.StatusCompleted, domain.StatusQueued:
			hasActive = true
		}
	}
	if len(timeouts) == 0 {
		return 0, 0, nil
	}

	rest := timeouts
	if !hasActive && timeouts[0].AttemptCount < 2 {
		if err := store.Requeue(timeouts[0].ID); err != nil {
			return 0, 0, err
		}
		requeued = 1
		rest = timeouts[1:]
	}

	for _, j := range rest {
		if err := store.Complete(j.ID, domain.StatusSkippedTimeoutRedundant, nil,
			"skipped: earlier timeout for this combination already recorded"); err != nil {
			return requeued, skipped, err
		}
		skipped++
	}
	return requeued, skipped, nil
}

// SkipLowVariance applies the adaptive-iteration policy after the first
// iteration of a combination completed. When the first trial already took
// longer than the corpus-size threshold, repeating it adds little
// statistical value for its cost, so remaining queued iterations are
// skipped. Returns the skipped job ids.
func SkipLowVariance(store *jobstore.Store, first *domain.Job, threshold float64) ([]string, error) {
	if first.Iteration != 0 || first.Status != domain.StatusCompleted {
		return nil, nil
	}
	if first.DurationSec < threshold {
		return nil, nil
	}
	return store.SkipQueuedIterations(first.RunID, first.Combo(), first.PatternSuite, first.CorpusName)
}
