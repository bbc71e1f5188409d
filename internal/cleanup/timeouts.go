package cleanup

import (
	"sort"

	"go.uber.org/zap"

	"github.com/rexbench/rexbench/internal/domain"
	"github.com/rexbench/rexbench/internal/jobstore"
)

const (
	// timeoutSafety scales extrapolated durations into budgets
	timeoutSafety = 3.0
	// timeoutFloorSeconds is the smallest budget ever assigned
	timeoutFloorSeconds = 60
)

// TimeoutChange records one proposed or applied budget adjustment
type TimeoutChange struct {
	JobID      string
	Combo      domain.ComboKey
	OldSeconds int
	NewSeconds int
}

// RecalculateTimeouts extrapolates reasonable timeout budgets for queued
// jobs from the completed jobs of the same engine and pattern count on
// smaller corpora: duration is assumed roughly linear in corpus bytes, so
// the steepest observed seconds-per-byte slope times the queued corpus
// size, with a safety factor, becomes the new budget. Budgets only ever
// shrink; a queued job keeps its configured budget when no smaller
// completion exists or the projection is larger.
func RecalculateTimeouts(store *jobstore.Store, runID string, apply bool, maxTimeout int, logger *zap.Logger) ([]TimeoutChange, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	completed, err := store.ListByStatus(runID, domain.StatusCompleted)
	if err != nil {
		return nil, err
	}
	queued, err := store.ListByStatus(runID, domain.StatusQueued)
	if err != nil {
		return nil, err
	}

	// Steepest slope per (engine, pattern_count), from genuine runs only:
	// synthetic complexity skips carry no scanning time
	type groupKey struct {
		engine   string
		patterns int
	}
	slopes := make(map[groupKey]float64)
	for _, job := range completed {
		if job.InputBytes <= 0 || job.DurationSec <= 0 || job.TotalNS == nil {
			continue
		}
		k := groupKey{job.EngineName, job.PatternCount}
		slope := job.DurationSec / float64(job.InputBytes)
		if slope > slopes[k] {
			slopes[k] = slope
		}
	}

	var changes []TimeoutChange
	for _, job := range queued {
		slope, ok := slopes[groupKey{job.EngineName, job.PatternCount}]
		if !ok {
			continue
		}
		projected := int(slope*float64(job.InputBytes)*timeoutSafety) + 1
		if projected < timeoutFloorSeconds {
			projected = timeoutFloorSeconds
		}
		if maxTimeout > 0 && projected > maxTimeout {
			projected = maxTimeout
		}
		if projected >= job.TimeoutSeconds {
			continue
		}
		changes = append(changes, TimeoutChange{
			JobID:      job.ID,
			Combo:      job.Combo(),
			OldSeconds: job.TimeoutSeconds,
			NewSeconds: projected,
		})
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Combo.String() < changes[j].Combo.String() })

	if !apply {
		return changes, nil
	}
	for _, c := range changes {
		if err := store.UpdateTimeout(c.JobID, c.NewSeconds); err != nil {
			return changes, err
		}
		logger.Info("timeout recalculated",
			zap.String("job_id", c.JobID),
			zap.String("combo", c.Combo.String()),
			zap.Int("old_seconds", c.OldSeconds),
			zap.Int("new_seconds", c.NewSeconds))
	}
	return changes, nil
}
