// Package scheduler drives a benchmark run to completion: it claims queued
// jobs, applies the skip policies, dispatches to engine adapters under
// bounded concurrency, and keeps the job store and transaction log
// consistent with each other.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rexbench/rexbench/internal/config"
	"github.com/rexbench/rexbench/internal/domain"
	"github.com/rexbench/rexbench/internal/engine"
	"github.com/rexbench/rexbench/internal/jobstore"
	"github.com/rexbench/rexbench/internal/txlog"
)

// ErrNoSuccesses is returned when a run finishes with zero completed jobs.
// Partial coverage is merely recorded as incomplete; a run that produced
// nothing at all is a hard failure.
var ErrNoSuccesses = errors.New("scheduler: run produced no successful jobs")

// InputProvider supplies the patterns and corpus files for a job.
// Corpus/pattern generation itself is a collaborator; the scheduler only
// needs paths.
type InputProvider interface {
	PatternsFile(job *domain.Job) (string, error)
	CorpusFile(job *domain.Job) (string, error)
}

// Executor runs the claim/execute loop for one run
type Executor struct {
	rc       domain.RunContext
	cfg      *config.Config
	store    *jobstore.Store
	log      *txlog.Log
	registry *engine.Registry
	inputs   InputProvider
	logger   *zap.Logger

	mu       sync.Mutex
	inflight map[string]domain.ComboKey
}

// New creates an executor for the run identified by rc
func New(rc domain.RunContext, cfg *config.Config, store *jobstore.Store, log *txlog.Log, registry *engine.Registry, inputs InputProvider) *Executor {
	return &Executor{
		rc:       rc,
		cfg:      cfg,
		store:    store,
		log:      log,
		registry: registry,
		inputs:   inputs,
		logger:   rc.Log().With(zap.String("run_id", rc.RunID)),
		inflight: make(map[string]domain.ComboKey),
	}
}

// Run executes the whole run: claim loop, bounded dispatch, finalization.
// A single job's failure never aborts the loop; only store-level failures
// at the very start and a fully unsuccessful run surface as errors.
func (e *Executor) Run(ctx context.Context) (domain.RunStatus, error) {
	runID := e.rc.RunID
	if err := e.store.UpdateRunStatus(runID, domain.RunRunning); err != nil {
		return "", fmt.Errorf("marking run running: %w", err)
	}

	workers := e.cfg.General.Workers
	if workers < 1 {
		workers = 1
	}

	// Connection-per-worker: claims and terminal writes never share a
	// database handle across goroutines.
	sessions := make(chan *jobstore.Store, workers)
	for i := 0; i < workers; i++ {
		sess, err := e.store.Session()
		if err != nil {
			return "", fmt.Errorf("opening worker session: %w", err)
		}
		if sess != e.store {
			defer sess.Close()
		}
		sessions <- sess
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	// A job is claimed only once a worker slot is free; a claimed job
	// must never sit in running while waiting to be dispatched.
	slots := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		slots <- struct{}{}
	}

claimLoop:
	for {
		select {
		case <-runCtx.Done():
			break claimLoop
		case <-slots:
		}

		job, err := e.store.ClaimNext(runCtx, runID)
		if errors.Is(err, jobstore.ErrNoQueuedJobs) {
			slots <- struct{}{}
			if e.inflightCount() == 0 {
				break claimLoop
			}
			// In-flight jobs may requeue siblings (timeout dedup), so
			// re-check after a short wait instead of exiting.
			time.Sleep(200 * time.Millisecond)
			continue
		}
		if err != nil {
			slots <- struct{}{}
			e.logger.Error("claiming next job", zap.Error(err))
			break claimLoop
		}

		if e.applyComplexitySkip(job) {
			slots <- struct{}{}
			continue
		}
		if _, _, err := DedupTimeouts(e.store, runID, job.Combo()); err != nil {
			e.logger.Warn("timeout dedup failed", zap.String("combo", job.Combo().String()), zap.Error(err))
		}

		e.track(job)
		g.Go(func() error {
			defer func() { slots <- struct{}{} }()
			defer e.untrack(job)
			sess := <-sessions
			defer func() { sessions <- sess }()
			e.execute(gctx, sess, job)
			return nil
		})
	}

	if err := e.waitForBatch(cancel, g); err != nil {
		e.logger.Warn("batch wait ended early", zap.Error(err))
	}

	return e.finalize()
}

// waitForBatch waits for all in-flight jobs, bounded by the largest job
// timeout plus slack. On expiry the still-hanging jobs are named, the
// remaining work is cancelled, and the run ends normally rather than
// crashing.
func (e *Executor) waitForBatch(cancel context.CancelFunc, g *errgroup.Group) error {
	maxTimeout, err := e.store.MaxTimeoutSeconds(e.rc.RunID)
	if err != nil {
		maxTimeout = e.cfg.Matrix.TimeoutSeconds
	}
	wait := time.Duration(maxTimeout+e.cfg.Adapter.BatchWaitSlackSeconds) * time.Second

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(wait):
		for id, combo := range e.inflightSnapshot() {
			e.logger.Error("job still hanging at batch-wait timeout",
				zap.String("job_id", id),
				zap.String("combo", combo.String()))
		}
		cancel()
		<-done
		return fmt.Errorf("batch wait exceeded %s", wait)
	}
}

// execute runs one claimed job end to end: adapter dispatch, status
// mapping, terminal write, transaction log append, adaptive skip check.
func (e *Executor) execute(ctx context.Context, sess *jobstore.Store, job *domain.Job) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic executing job", zap.String("job_id", job.ID), zap.Any("panic", r))
			e.recordFailure(sess, job, nil, fmt.Sprintf("internal panic: %v", r))
		}
	}()

	spec, ok := e.registry.Get(job.EngineName)
	if !ok {
		e.recordFailure(sess, job, nil, fmt.Sprintf("unknown engine %q", job.EngineName))
		return
	}

	patterns, err := e.inputs.PatternsFile(job)
	if err != nil {
		e.recordFailure(sess, job, nil, fmt.Sprintf("preparing patterns: %v", err))
		return
	}
	corpus, err := e.inputs.CorpusFile(job)
	if err != nil {
		e.recordFailure(sess, job, nil, fmt.Sprintf("preparing corpus: %v", err))
		return
	}

	adapter := engine.New(spec, e.cfg.Adapter, e.rc)
	result := adapter.Execute(ctx, job, patterns, corpus)

	status, errMsg := mapResult(spec, &result)

	e.logger.Info("job finished",
		zap.String("job_id", job.ID),
		zap.String("combo", job.Combo().String()),
		zap.Int("iteration", job.Iteration),
		zap.String("result", result.Status),
		zap.String("status", string(status)))

	if err := sess.Complete(job.ID, status, &result, errMsg); err != nil {
		// The store must never silently lose a transition; with the
		// store write failed, the transaction log below is the record
		// recovery will replay.
		e.logger.Error("store write failed, relying on transaction log",
			zap.String("job_id", job.ID), zap.Error(err))
	}

	var logErr error
	if status == domain.StatusCompleted {
		logErr = e.log.LogCompleted(job, &result)
	} else {
		logErr = e.log.LogFailed(job, &result, errMsg)
	}
	if logErr != nil {
		e.logger.Error("transaction log append failed", zap.String("job_id", job.ID), zap.Error(logErr))
	}

	if status == domain.StatusCompleted && job.Iteration == 0 {
		e.applyLowVarianceSkip(sess, job)
	}
}

// mapResult converts an adapter result into the canonical job status.
// Engines in the extra-validation set are only trusted when they produced
// a parseable match count; an ok without one is forced to failed.
func mapResult(spec engine.Spec, result *domain.EngineResult) (domain.JobStatus, string) {
	switch {
	case result.OK():
		if spec.RequiresMatchCount && result.MatchCount == nil {
			return domain.StatusFailed, "engine reported ok but no match count was parsed"
		}
		return domain.StatusCompleted, ""
	case result.Status == domain.ResultTimeout:
		return domain.StatusTimeout, result.Error
	default:
		msg := result.Error
		if msg == "" {
			msg = fmt.Sprintf("engine returned %s", result.Status)
		}
		return domain.StatusFailed, msg
	}
}

// ComplexitySkipNote prefixes the synthetic note on rows the complexity
// skip completed without running an engine. Cleanup tooling keys off it
// to tell these rows apart from genuinely missing results.
const ComplexitySkipNote = "skipped: complexity limit"

// applyComplexitySkip short-circuits workloads a known-fragile engine
// cannot handle. The row is completed with a synthetic note so coverage
// accounting still sees the cell.
func (e *Executor) applyComplexitySkip(job *domain.Job) bool {
	spec, ok := e.registry.Get(job.EngineName)
	if !ok || !spec.ExceedsComplexity(job.PatternCount, job.InputMB()) {
		return false
	}

	note := fmt.Sprintf("%s (%d patterns x %.0f MB exceeds %.0f)",
		ComplexitySkipNote, job.PatternCount, job.InputMB(), spec.MaxComplexity)
	e.logger.Info("complexity skip", zap.String("job_id", job.ID), zap.String("combo", job.Combo().String()))

	result := domain.EngineResult{Status: domain.ResultSkipped, Error: note}
	if err := e.store.Complete(job.ID, domain.StatusCompleted, &result, note); err != nil {
		e.logger.Error("recording complexity skip", zap.String("job_id", job.ID), zap.Error(err))
	}
	if err := e.log.LogCompleted(job, &result); err != nil {
		e.logger.Error("transaction log append failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	return true
}

func (e *Executor) applyLowVarianceSkip(sess *jobstore.Store, job *domain.Job) {
	completed, err := sess.Get(job.ID)
	if err != nil {
		e.logger.Warn("re-reading completed job for variance check", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	threshold := e.cfg.LowVarianceThreshold(job.InputSize)
	skipped, err := SkipLowVariance(sess, completed, threshold)
	if err != nil {
		e.logger.Warn("low-variance skip failed", zap.String("combo", job.Combo().String()), zap.Error(err))
		return
	}
	if len(skipped) > 0 {
		e.logger.Info("skipping remaining iterations, first trial above variance threshold",
			zap.String("combo", job.Combo().String()),
			zap.Float64("duration_seconds", completed.DurationSec),
			zap.Float64("threshold_seconds", threshold),
			zap.Int("skipped", len(skipped)))
	}
}

func (e *Executor) recordFailure(sess *jobstore.Store, job *domain.Job, result *domain.EngineResult, msg string) {
	if err := sess.Complete(job.ID, domain.StatusFailed, result, msg); err != nil {
		e.logger.Error("recording job failure", zap.String("job_id", job.ID), zap.Error(err))
	}
	if err := e.log.LogFailed(job, result, msg); err != nil {
		e.logger.Error("transaction log append failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// finalize derives the run status from matrix coverage: every intended
// combination needs at least one completed job for the run to count as
// completed. The status is computed, never asserted.
func (e *Executor) finalize() (domain.RunStatus, error) {
	runID := e.rc.RunID
	intended, err := e.store.ListCombos(runID)
	if err != nil {
		return "", fmt.Errorf("listing combinations: %w", err)
	}
	covered, err := e.store.CoveredCombos(runID)
	if err != nil {
		return "", fmt.Errorf("listing covered combinations: %w", err)
	}

	coveredSet := make(map[domain.ComboKey]bool, len(covered))
	for _, k := range covered {
		coveredSet[k] = true
	}
	var missing []string
	for _, k := range intended {
		if !coveredSet[k] {
			missing = append(missing, k.String())
		}
	}

	var status domain.RunStatus
	var note string
	switch {
	case len(missing) == 0:
		status = domain.RunCompleted
	case len(covered) == 0:
		status = domain.RunFailed
		note = "no combination produced a completed job"
	default:
		status = domain.RunIncomplete
		note = "missing: " + capList(missing, 10)
	}

	if err := e.store.FinishRun(runID, status, note); err != nil {
		return status, fmt.Errorf("finalizing run: %w", err)
	}

	e.logger.Info("run finalized",
		zap.String("status", string(status)),
		zap.Int("combinations", len(intended)),
		zap.Int("covered", len(covered)))

	if len(covered) == 0 {
		return status, ErrNoSuccesses
	}
	return status, nil
}

func capList(items []string, max int) string {
	if len(items) <= max {
		return strings.Join(items, ", ")
	}
	return strings.Join(items[:max], ", ") + fmt.Sprintf(", ...and %d more", len(items)-max)
}

func (e *Executor) track(job *domain.Job) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight[job.ID] = job.Combo()
}

func (e *Executor) untrack(job *domain.Job) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, job.ID)
}

func (e *Executor) inflightCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

func (e *Executor) inflightSnapshot() map[string]domain.ComboKey {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := make(map[string]domain.ComboKey, len(e.inflight))
	for id, k := range e.inflight {
		snap[id] = k
	}
	return snap
}
