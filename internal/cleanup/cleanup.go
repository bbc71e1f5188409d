// Package cleanup holds the operator tooling that adjusts job state
// outside the live scheduling loop: invalidating suspicious results,
// deduplicating redundant timeouts, and recalibrating timeout budgets.
// Every write goes through the same atomic store operations the
// scheduler uses, so running these against an active run is safe.
package cleanup

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/rexbench/rexbench/internal/config"
	"github.com/rexbench/rexbench/internal/domain"
	"github.com/rexbench/rexbench/internal/jobstore"
	"github.com/rexbench/rexbench/internal/scheduler"
)

// Suspicious describes one completed job that does not look trustworthy
type Suspicious struct {
	Job    *domain.Job
	Reason string
}

// FindSuspicious returns completed jobs with implausible results: a large
// pattern set finishing suspiciously fast, or no match count at all.
// Nothing is changed; pair with Invalidate to requeue.
func FindSuspicious(store *jobstore.Store, runID string, policies config.PoliciesConfig) ([]Suspicious, error) {
	completed, err := store.ListByStatus(runID, domain.StatusCompleted)
	if err != nil {
		return nil, err
	}

	var out []Suspicious
	for _, job := range completed {
		switch {
		case strings.HasPrefix(job.ErrorMessage, scheduler.ComplexitySkipNote):
			// Complexity-skipped cells legitimately carry no match count.
			// Requeueing one would only skip it again.
		case job.MatchCount == nil:
			out = append(out, Suspicious{Job: job, Reason: "no match count recorded"})
		case job.PatternCount >= policies.SuspiciousMinPatterns && job.DurationSec < policies.SuspiciousMinSeconds:
			out = append(out, Suspicious{Job: job, Reason: fmt.Sprintf(
				"%d patterns finished in %.2fs (minimum plausible %.0fs)",
				job.PatternCount, job.DurationSec, policies.SuspiciousMinSeconds)})
		}
	}
	return out, nil
}

// Invalidate requeues the given suspicious jobs. Completed rows are not
// directly requeueable, so each is first failed with the reason, then
// reset to queued.
func Invalidate(store *jobstore.Store, suspects []Suspicious, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	requeued := 0
	for _, s := range suspects {
		if err := store.Complete(s.Job.ID, domain.StatusFailed, nil, "invalidated: "+s.Reason); err != nil {
			return requeued, fmt.Errorf("invalidating %s: %w", s.Job.ID, err)
		}
		if err := store.Requeue(s.Job.ID); err != nil {
			return requeued, fmt.Errorf("requeueing %s: %w", s.Job.ID, err)
		}
		logger.Info("invalidated suspicious result",
			zap.String("job_id", s.Job.ID),
			zap.String("reason", s.Reason))
		requeued++
	}
	return requeued, nil
}

// SkipRedundantTimeouts applies the redundant-timeout policy across every
// combination of the run. Returns totals over all cells.
func SkipRedundantTimeouts(store *jobstore.Store, runID string) (requeued, skipped int, err error) {
	combos, err := store.ListCombos(runID)
	if err != nil {
		return 0, 0, err
	}
	for _, key := range combos {
		r, s, err := scheduler.DedupTimeouts(store, runID, key)
		if err != nil {
			return requeued, skipped, fmt.Errorf("combo %s: %w", key, err)
		}
		requeued += r
		skipped += s
	}
	return requeued, skipped, nil
}
