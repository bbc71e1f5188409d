package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rexbench/rexbench/internal/domain"
	"github.com/rexbench/rexbench/internal/jobstore"
)

func newPolicyStore(t *testing.T) *jobstore.Store {
	t.Helper()
	store, err := jobstore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	err = store.CreateRun(&domain.Run{ID: "run-1", Status: domain.RunRunning, CreatedAt: time.Now().UTC()})
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func enqueueCombo(t *testing.T, store *jobstore.Store, engine string, iterations int) []*domain.Job {
	t.Helper()
	var jobs []*domain.Job
	for i := 0; i < iterations; i++ {
		jobs = append(jobs, &domain.Job{
			ID:             fmt.Sprintf("%s-%d", engine, i),
			RunID:          "run-1",
			EngineName:     engine,
			PatternCount:   100,
			InputSize:      "1MB",
			InputBytes:     1 << 20,
			Iteration:      i,
			PatternSuite:   "default",
			CorpusName:     "synthetic",
			TimeoutSeconds: 3600,
		})
	}
	if err := store.EnqueueAll(jobs); err != nil {
		t.Fatal(err)
	}
	return jobs
}

// claimAndFinish drives n jobs through claim and a terminal status
func claimAndFinish(t *testing.T, store *jobstore.Store, n int, status domain.JobStatus) []*domain.Job {
	t.Helper()
	var out []*domain.Job
	for i := 0; i < n; i++ {
		job, err := store.ClaimNext(context.Background(), "run-1")
		if err != nil {
			t.Fatal(err)
		}
		var result *domain.EngineResult
		if status == domain.StatusCompleted {
			result = &domain.EngineResult{Status: domain.ResultOK, MatchCount: domain.Int64Ptr(1)}
		}
		if err := store.Complete(job.ID, status, result, ""); err != nil {
			t.Fatal(err)
		}
		out = append(out, job)
	}
	return out
}

func TestDedupTimeouts_RequeuesOneSkipsRest(t *testing.T) {
	store := newPolicyStore(t)
	jobs := enqueueCombo(t, store, "rmatch", 3)
	claimAndFinish(t, store, 3, domain.StatusTimeout)

	requeued, skipped, err := DedupTimeouts(store, "run-1", jobs[0].Combo())
	if err != nil {
		t.Fatal(err)
	}
	if requeued != 1 || skipped != 2 {
		t.Fatalf("requeued = %d, skipped = %d, want 1 and 2", requeued, skipped)
	}

	first, _ := store.Get(jobs[0].ID)
	if first.Status != domain.StatusQueued {
		t.Errorf("first timeout status = %q, want queued", first.Status)
	}
	for _, j := range jobs[1:] {
		got, _ := store.Get(j.ID)
		if got.Status != domain.StatusSkippedTimeoutRedundant {
			t.Errorf("job %s status = %q, want skipped_timeout_redundant", j.ID, got.Status)
		}
	}
}

func TestDedupTimeouts_CompletedSiblingSkipsAll(t *testing.T) {
	store := newPolicyStore(t)
	jobs := enqueueCombo(t, store, "rmatch", 3)
	claimAndFinish(t, store, 1, domain.StatusCompleted)
	claimAndFinish(t, store, 2, domain.StatusTimeout)

	requeued, skipped, err := DedupTimeouts(store, "run-1", jobs[0].Combo())
	if err != nil {
		t.Fatal(err)
	}
	if requeued != 0 || skipped != 2 {
		t.Errorf("requeued = %d, skipped = %d, want 0 and 2", requeued, skipped)
	}
}

func TestDedupTimeouts_QueuedSiblingSkipsAll(t *testing.T) {
	store := newPolicyStore(t)
	jobs := enqueueCombo(t, store, "rmatch", 3)
	claimAndFinish(t, store, 2, domain.StatusTimeout)
	// iteration 2 stays queued

	requeued, skipped, err := DedupTimeouts(store, "run-1", jobs[0].Combo())
	if err != nil {
		t.Fatal(err)
	}
	if requeued != 0 || skipped != 2 {
		t.Errorf("requeued = %d, skipped = %d, want 0 and 2", requeued, skipped)
	}
}

func TestDedupTimeouts_NoSecondRetry(t *testing.T) {
	store := newPolicyStore(t)
	jobs := enqueueCombo(t, store, "rmatch", 1)
	claimAndFinish(t, store, 1, domain.StatusTimeout)

	// First pass grants the retry
	requeued, _, err := DedupTimeouts(store, "run-1", jobs[0].Combo())
	if err != nil {
		t.Fatal(err)
	}
	if requeued != 1 {
		t.Fatalf("first pass requeued = %d, want 1", requeued)
	}

	// The retry times out too; no further chances
	claimAndFinish(t, store, 1, domain.StatusTimeout)
	requeued, skipped, err := DedupTimeouts(store, "run-1", jobs[0].Combo())
	if err != nil {
		t.Fatal(err)
	}
	if requeued != 0 || skipped != 1 {
		t.Errorf("second pass requeued = %d, skipped = %d, want 0 and 1", requeued, skipped)
	}
}

func TestDedupTimeouts_NoTimeouts(t *testing.T) {
	store := newPolicyStore(t)
	jobs := enqueueCombo(t, store, "re2", 2)

	requeued, skipped, err := DedupTimeouts(store, "run-1", jobs[0].Combo())
	if err != nil {
		t.Fatal(err)
	}
	if requeued != 0 || skipped != 0 {
		t.Errorf("requeued = %d, skipped = %d, want 0 and 0", requeued, skipped)
	}
}

func TestSkipLowVariance(t *testing.T) {
	store := newPolicyStore(t)
	enqueueCombo(t, store, "re2", 3)
	first := claimAndFinish(t, store, 1, domain.StatusCompleted)[0]

	completed, err := store.Get(first.ID)
	if err != nil {
		t.Fatal(err)
	}

	// Above threshold: remaining iterations go
	skipped, err := SkipLowVariance(store, completed, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(skipped) != 2 {
		t.Fatalf("skipped = %d, want 2", len(skipped))
	}
	for _, id := range skipped {
		got, _ := store.Get(id)
		if got.Status != domain.StatusSkippedLowVariance {
			t.Errorf("job %s status = %q, want skipped_lowvariance", id, got.Status)
		}
	}
}

func TestSkipLowVariance_BelowThreshold(t *testing.T) {
	store := newPolicyStore(t)
	enqueueCombo(t, store, "re2", 3)
	first := claimAndFinish(t, store, 1, domain.StatusCompleted)[0]

	completed, err := store.Get(first.ID)
	if err != nil {
		t.Fatal(err)
	}

	skipped, err := SkipLowVariance(store, completed, 10000)
	if err != nil {
		t.Fatal(err)
	}
	if len(skipped) != 0 {
		t.Errorf("skipped = %d, want 0", len(skipped))
	}
}

func TestSkipLowVariance_OnlyFirstIteration(t *testing.T) {
	store := newPolicyStore(t)
	enqueueCombo(t, store, "re2", 3)
	claimAndFinish(t, store, 1, domain.StatusCompleted)
	second := claimAndFinish(t, store, 1, domain.StatusCompleted)[0]

	completed, err := store.Get(second.ID)
	if err != nil {
		t.Fatal(err)
	}

	skipped, err := SkipLowVariance(store, completed, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(skipped) != 0 {
		t.Errorf("skipped = %d for iteration 1, want 0", len(skipped))
	}
}
