package cleanup

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rexbench/rexbench/internal/config"
	"github.com/rexbench/rexbench/internal/domain"
	"github.com/rexbench/rexbench/internal/jobstore"
	"github.com/rexbench/rexbench/internal/scheduler"
)

func newCleanupStore(t *testing.T) *jobstore.Store {
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

func addJob(t *testing.T, store *jobstore.Store, id, engine string, patternCount int, size string, bytes int64) *domain.Job {
	t.Helper()
	job := &domain.Job{
		ID:             id,
		RunID:          "run-1",
		EngineName:     engine,
		PatternCount:   patternCount,
		InputSize:      size,
		InputBytes:     bytes,
		PatternSuite:   "default",
		CorpusName:     "synthetic",
		TimeoutSeconds: 7200,
	}
	if err := store.Enqueue(job); err != nil {
		t.Fatal(err)
	}
	return job
}

func completeJob(t *testing.T, store *jobstore.Store, id string, result *domain.EngineResult) {
	t.Helper()
	if _, err := store.ClaimNext(context.Background(), "run-1"); err != nil {
		t.Fatal(err)
	}
	if err := store.Complete(id, domain.StatusCompleted, result, ""); err != nil {
		t.Fatal(err)
	}
}

var testPolicies = config.PoliciesConfig{
	SuspiciousMinSeconds:  2,
	SuspiciousMinPatterns: 1000,
}

func TestFindSuspicious_MissingMatchCount(t *testing.T) {
	store := newCleanupStore(t)
	addJob(t, store, "job-1", "rmatch", 100, "1MB", 1<<20)
	completeJob(t, store, "job-1", &domain.EngineResult{Status: domain.ResultOK})

	suspects, err := FindSuspicious(store, "run-1", testPolicies)
	if err != nil {
		t.Fatal(err)
	}
	if len(suspects) != 1 {
		t.Fatalf("suspects = %d, want 1", len(suspects))
	}
	if suspects[0].Reason != "no match count recorded" {
		t.Errorf("Reason = %q", suspects[0].Reason)
	}
}

func TestFindSuspicious_IgnoresComplexitySkippedCells(t *testing.T) {
	store := newCleanupStore(t)
	addJob(t, store, "job-1", "rmatch", 5000, "1GB", 1<<30)
	if _, err := store.ClaimNext(context.Background(), "run-1"); err != nil {
		t.Fatal(err)
	}
	// A complexity-skipped cell: completed synthetically, no match count
	note := scheduler.ComplexitySkipNote + " (5000 patterns x 1024 MB exceeds 1000)"
	result := &domain.EngineResult{Status: domain.ResultSkipped, Error: note}
	if err := store.Complete("job-1", domain.StatusCompleted, result, note); err != nil {
		t.Fatal(err)
	}

	suspects, err := FindSuspicious(store, "run-1", testPolicies)
	if err != nil {
		t.Fatal(err)
	}
	if len(suspects) != 0 {
		t.Errorf("suspects = %v, want none for a complexity-skipped cell", suspects)
	}
}

func TestFindSuspicious_ImplausiblyFast(t *testing.T) {
	store := newCleanupStore(t)
	addJob(t, store, "job-1", "rmatch", 5000, "1GB", 1<<30)
	// Completed in far under the plausible floor for 5000 patterns
	completeJob(t, store, "job-1", &domain.EngineResult{
		Status:     domain.ResultOK,
		MatchCount: domain.Int64Ptr(10),
	})

	suspects, err := FindSuspicious(store, "run-1", testPolicies)
	if err != nil {
		t.Fatal(err)
	}
	if len(suspects) != 1 {
		t.Fatalf("suspects = %d, want 1", len(suspects))
	}
}

func TestFindSuspicious_PlausibleResultPasses(t *testing.T) {
	store := newCleanupStore(t)
	addJob(t, store, "job-1", "re2", 100, "1MB", 1<<20)
	completeJob(t, store, "job-1", &domain.EngineResult{
		Status:     domain.ResultOK,
		MatchCount: domain.Int64Ptr(10),
	})

	suspects, err := FindSuspicious(store, "run-1", testPolicies)
	if err != nil {
		t.Fatal(err)
	}
	if len(suspects) != 0 {
		t.Errorf("suspects = %v, want none", suspects)
	}
}

func TestInvalidate_RequeuesSuspects(t *testing.T) {
	store := newCleanupStore(t)
	addJob(t, store, "job-1", "rmatch", 100, "1MB", 1<<20)
	completeJob(t, store, "job-1", &domain.EngineResult{Status: domain.ResultOK})

	suspects, err := FindSuspicious(store, "run-1", testPolicies)
	if err != nil {
		t.Fatal(err)
	}

	n, err := Invalidate(store, suspects, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("Invalidate = %d, want 1", n)
	}

	job, err := store.Get("job-1")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.StatusQueued {
		t.Errorf("status = %q, want queued", job.Status)
	}
}

func TestRecalculateTimeouts_ShrinksFromSmallerCorpora(t *testing.T) {
	store := newCleanupStore(t)
	small := addJob(t, store, "job-small", "rmatch", 100, "1MB", 1<<20)
	addJob(t, store, "job-large", "rmatch", 100, "1GB", 1<<30)

	if _, err := store.ClaimNext(context.Background(), "run-1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond) // give the completion a measurable wall duration
	err := store.Complete(small.ID, domain.StatusCompleted, &domain.EngineResult{
		Status:        domain.ResultOK,
		MatchCount:    domain.Int64Ptr(10),
		CompilationNS: domain.Int64Ptr(1000),
		ScanningNS:    domain.Int64Ptr(10_000_000),
		TotalNS:       domain.Int64Ptr(10_001_000),
	}, "")
	if err != nil {
		t.Fatal(err)
	}

	changes, err := RecalculateTimeouts(store, "run-1", false, 7200, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 1 {
		t.Fatalf("changes = %d, want 1", len(changes))
	}
	c := changes[0]
	if c.JobID != "job-large" {
		t.Errorf("JobID = %q, want job-large", c.JobID)
	}
	if c.OldSeconds != 7200 {
		t.Errorf("OldSeconds = %d, want 7200", c.OldSeconds)
	}
	if c.NewSeconds >= c.OldSeconds {
		t.Errorf("NewSeconds = %d, want smaller than %d", c.NewSeconds, c.OldSeconds)
	}
	if c.NewSeconds < 60 {
		t.Errorf("NewSeconds = %d, want >= 60s floor", c.NewSeconds)
	}

	// Preview mode must not write
	queued, _ := store.Get("job-large")
	if queued.TimeoutSeconds != 7200 {
		t.Errorf("preview wrote TimeoutSeconds = %d", queued.TimeoutSeconds)
	}

	// Apply writes the shrunken budget
	if _, err := RecalculateTimeouts(store, "run-1", true, 7200, nil); err != nil {
		t.Fatal(err)
	}
	queued, _ = store.Get("job-large")
	if queued.TimeoutSeconds != c.NewSeconds {
		t.Errorf("applied TimeoutSeconds = %d, want %d", queued.TimeoutSeconds, c.NewSeconds)
	}
}

func TestRecalculateTimeouts_NeverGrows(t *testing.T) {
	store := newCleanupStore(t)
	small := addJob(t, store, "job-small", "rmatch", 100, "1MB", 1<<20)
	large := addJob(t, store, "job-large", "rmatch", 100, "1GB", 1<<30)
	large.TimeoutSeconds = 60
	if err := store.UpdateTimeout(large.ID, 60); err != nil {
		t.Fatal(err)
	}

	if _, err := store.ClaimNext(context.Background(), "run-1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	err := store.Complete(small.ID, domain.StatusCompleted, &domain.EngineResult{
		Status:     domain.ResultOK,
		MatchCount: domain.Int64Ptr(10),
		TotalNS:    domain.Int64Ptr(10_001_000),
	}, "")
	if err != nil {
		t.Fatal(err)
	}

	changes, err := RecalculateTimeouts(store, "run-1", false, 7200, nil)
	if err != nil {
		t.Fatal(err)
	}
	// Already at the floor: no change may grow or rewrite it
	for _, c := range changes {
		if c.NewSeconds >= c.OldSeconds {
			t.Errorf("change grows budget: %+v", c)
		}
	}
	got, _ := store.Get(large.ID)
	if got.TimeoutSeconds != 60 {
		t.Errorf("TimeoutSeconds = %d, want 60", got.TimeoutSeconds)
	}
}

func TestSkipRedundantTimeouts_AllCombos(t *testing.T) {
	store := newCleanupStore(t)
	for i := 0; i < 3; i++ {
		addJob(t, store, fmt.Sprintf("job-%d", i), "rmatch", 100, "1GB", 1<<30)
	}
	for i := 0; i < 3; i++ {
		if _, err := store.ClaimNext(context.Background(), "run-1"); err != nil {
			t.Fatal(err)
		}
		if err := store.Complete(fmt.Sprintf("job-%d", i), domain.StatusTimeout, nil, "timed out"); err != nil {
			t.Fatal(err)
		}
	}

	requeued, skipped, err := SkipRedundantTimeouts(store, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if requeued != 1 || skipped != 2 {
		t.Errorf("requeued = %d, skipped = %d, want 1 and 2", requeued, skipped)
	}
}
