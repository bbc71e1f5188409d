package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rexbench/rexbench/internal/domain"
	_ "modernc.org/sqlite"
)

var (
	// ErrDuplicateJob is returned when enqueueing a job id that already exists
	ErrDuplicateJob = errors.New("jobstore: duplicate job id")
	// ErrNoQueuedJobs is returned by ClaimNext when the run's queue is drained
	ErrNoQueuedJobs = errors.New("jobstore: no queued jobs")
	// ErrNotFound is returned when a job or run id does not exist
	ErrNotFound = errors.New("jobstore: not found")
	// ErrNotRequeueable is returned when requeueing a job that is not in a
	// timeout or failed state
	ErrNotRequeueable = errors.New("jobstore: job not in a requeueable state")
)

// Store provides SQLite-backed job and run persistence. It is the single
// arbiter of canonical job status: claims and terminal transitions are each
// one atomic transaction.
type Store struct {
	db   *sql.DB
	path string
}

// New opens (creating if needed) the store at the given database path
func New(dbPath string) (*Store, error) {
	// Pragmas go in the DSN so every pooled connection gets them, not just
	// the one an Exec happens to land on. Concurrent claims rely on
	// busy_timeout holding on all of them. Transactions begin immediate:
	// a claim's read-then-write under a deferred begin can deadlock on the
	// lock upgrade, which surfaces as SQLITE_BUSY no timeout waits out.
	db, err := sql.Open("sqlite", dbPath+"?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, err
	}

	// Every pool connection to ":memory:" would get its own database, so
	// in-memory stores are pinned to a single connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, path: dbPath}, nil
}

// Session opens an independent connection to the same database file.
// Each worker must use its own session; sessions share no connection
// handle. For in-memory stores (tests) the same store is returned since
// a second :memory: open would be a different database.
func (s *Store) Session() (*Store, error) {
	if s.path == ":memory:" {
		return s, nil
	}
	return New(s.path)
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run row in the preparing state
func (s *Store) CreateRun(run *domain.Run) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (id, status, config_hash, config_json, system_profile, created_at, total_jobs)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.ID, string(run.Status), run.ConfigHash, run.ConfigJSON, run.SystemProfile, run.CreatedAt, run.TotalJobs)
	return err
}

// GetRun retrieves a run by id
func (s *Store) GetRun(id string) (*domain.Run, error) {
	row := s.db.QueryRow(`
		SELECT id, status, config_hash, config_json, system_profile, created_at, finished_at, total_jobs, status_note
		FROM runs WHERE id = ?
	`, id)

	var run domain.Run
	var status string
	var finishedAt sql.NullTime
	var hash, cfgJSON, profile, note sql.NullString
	err := row.Scan(&run.ID, &status, &hash, &cfgJSON, &profile, &run.CreatedAt, &finishedAt, &run.TotalJobs, &note)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	run.Status = domain.RunStatus(status)
	run.ConfigHash = hash.String
	run.ConfigJSON = cfgJSON.String
	run.SystemProfile = profile.String
	run.StatusNote = note.String
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	return &run, nil
}

// ListRuns returns all runs, newest first
func (s *Store) ListRuns() ([]*domain.Run, error) {
	rows, err := s.db.Query(`SELECT id FROM runs ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	runs := make([]*domain.Run, 0, len(ids))
	for _, id := range ids {
		run, err := s.GetRun(id)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// LatestRun returns the most recently created run, or ErrNotFound
func (s *Store) LatestRun() (*domain.Run, error) {
	row := s.db.QueryRow(`SELECT id FROM runs ORDER BY created_at DESC, rowid DESC LIMIT 1`)
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.GetRun(id)
}

// UpdateRunStatus transitions a run's status without finalizing it
func (s *Store) UpdateRunStatus(id string, status domain.RunStatus) error {
	res, err := s.db.Exec(`UPDATE runs SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// FinishRun records a run's terminal status and note
func (s *Store) FinishRun(id string, status domain.RunStatus, note string) error {
	res, err := s.db.Exec(`
		UPDATE runs SET status = ?, status_note = ?, finished_at = ? WHERE id = ?
	`, string(status), note, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Enqueue inserts a new job row with status queued
func (s *Store) Enqueue(job *domain.Job) error {
	return s.enqueue(s.db, job)
}

// EnqueueAll bulk-inserts jobs in a single transaction
func (s *Store) EnqueueAll(jobs []*domain.Job) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, job := range jobs {
		if err := s.enqueue(tx, job); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (s *Store) enqueue(e execer, job *domain.Job) error {
	if job.Status == "" {
		job.Status = domain.StatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	_, err := e.Exec(`
		INSERT INTO jobs (job_id, run_id, engine_name, pattern_count, input_size, input_size_bytes,
			iteration, pattern_suite, corpus_name, status, created_at, timeout_seconds, config_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.RunID, job.EngineName, job.PatternCount, job.InputSize, job.InputBytes,
		job.Iteration, job.PatternSuite, job.CorpusName, string(job.Status), job.CreatedAt,
		job.TimeoutSeconds, job.ConfigHash)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}
	return err
}

// ClaimNext atomically claims the oldest queued job for the run: it
// transitions the row to running, increments attempt_count and stamps
// started_at. At most one caller can claim a given job, even under
// concurrent claimants. Returns ErrNoQueuedJobs when the queue is drained.
func (s *Store) ClaimNext(ctx context.Context, runID string) (*domain.Job, error) {
	for {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}

		var jobID string
		err = tx.QueryRow(`
			SELECT job_id FROM jobs WHERE run_id = ? AND status = ? ORDER BY rowid LIMIT 1
		`, runID, string(domain.StatusQueued)).Scan(&jobID)
		if errors.Is(err, sql.ErrNoRows) {
			tx.Rollback()
			return nil, ErrNoQueuedJobs
		}
		if err != nil {
			tx.Rollback()
			return nil, err
		}

		// The status guard makes the claim safe: if another claimant won
		// the race between our select and update, zero rows change and we
		// retry with the next queued job.
		res, err := tx.Exec(`
			UPDATE jobs SET status = ?, started_at = ?, attempt_count = attempt_count + 1
			WHERE job_id = ? AND status = ?
		`, string(domain.StatusRunning), time.Now().UTC(), jobID, string(domain.StatusQueued))
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		if n == 0 {
			continue // lost the race, try again
		}
		return s.Get(jobID)
	}
}

// Complete applies a terminal transition stamped at the current time.
// Duration is recomputed from the stored started_at, never trusted from
// engine output. Metric fields are written from result only when the status
// is completed; otherwise they are cleared and the error message recorded.
func (s *Store) Complete(jobID string, status domain.JobStatus, result *domain.EngineResult, errMsg string) error {
	return s.CompleteAt(jobID, status, result, errMsg, time.Now().UTC())
}

// CompleteAt is Complete with an explicit completion time, for callers
// replaying an outcome that happened earlier, such as crash recovery.
func (s *Store) CompleteAt(jobID string, status domain.JobStatus, result *domain.EngineResult, errMsg string, completedAt time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("jobstore: %s is not a terminal status", status)
	}

	job, err := s.Get(jobID)
	if err != nil {
		return err
	}

	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}
	var duration float64
	if job.StartedAt != nil {
		duration = completedAt.Sub(*job.StartedAt).Seconds()
	}

	if status != domain.StatusCompleted || result == nil {
		var stdout, stderr string
		if result != nil {
			stdout, stderr = result.Stdout, result.Stderr
		}
		res, err := s.db.Exec(`
			UPDATE jobs SET status = ?, completed_at = ?, duration_seconds = ?, error_message = ?,
				compilation_ns = NULL, scanning_ns = NULL, total_ns = NULL, match_count = NULL,
				patterns_compiled = NULL, memory_peak_bytes = NULL, memory_compilation_bytes = NULL,
				cpu_user_ms = NULL, cpu_system_ms = NULL, throughput_mbps = NULL,
				matches_per_second = NULL, result_json = NULL,
				raw_stdout = ?, raw_stderr = ?
			WHERE job_id = ?
		`, string(status), completedAt, duration, errMsg, stdout, stderr, jobID)
		if err != nil {
			return err
		}
		return requireRow(res)
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("serializing result: %w", err)
	}

	var throughput, matchesPerSec *float64
	if result.ScanningNS != nil && *result.ScanningNS > 0 {
		secs := float64(*result.ScanningNS) / 1e9
		t := job.InputMB() / secs
		throughput = &t
		if result.MatchCount != nil {
			m := float64(*result.MatchCount) / secs
			matchesPerSec = &m
		}
	}

	res, err := s.db.Exec(`
		UPDATE jobs SET status = ?, completed_at = ?, duration_seconds = ?, error_message = ?,
			compilation_ns = ?, scanning_ns = ?, total_ns = ?, match_count = ?,
			patterns_compiled = ?, memory_peak_bytes = ?, memory_compilation_bytes = ?,
			cpu_user_ms = ?, cpu_system_ms = ?, throughput_mbps = ?, matches_per_second = ?,
			result_json = ?, raw_stdout = ?, raw_stderr = ?
		WHERE job_id = ?
	`, string(status), completedAt, duration, errMsg,
		result.CompilationNS, result.ScanningNS, result.TotalNS, result.MatchCount,
		result.PatternsCompiled, result.MemoryPeakBytes, result.MemoryCompBytes,
		result.CPUUserMS, result.CPUSystemMS, throughput, matchesPerSec,
		string(resultJSON), result.Stdout, result.Stderr, jobID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Requeue resets a timeout or failed job back to queued, clearing all
// completion fields. Used by the cleanup and invalidation tooling.
func (s *Store) Requeue(jobID string) error {
	job, err := s.Get(jobID)
	if err != nil {
		return err
	}
	if !job.Status.Requeueable() {
		return fmt.Errorf("%w: %s is %s", ErrNotRequeueable, jobID, job.Status)
	}

	res, err := s.db.Exec(`
		UPDATE jobs SET status = ?, started_at = NULL, completed_at = NULL, duration_seconds = NULL,
			error_message = NULL, compilation_ns = NULL, scanning_ns = NULL, total_ns = NULL,
			match_count = NULL, patterns_compiled = NULL, memory_peak_bytes = NULL,
			memory_compilation_bytes = NULL, cpu_user_ms = NULL, cpu_system_ms = NULL,
			throughput_mbps = NULL, matches_per_second = NULL, result_json = NULL,
			raw_stdout = NULL, raw_stderr = NULL
		WHERE job_id = ? AND status IN (?, ?)
	`, string(domain.StatusQueued), jobID, string(domain.StatusTimeout), string(domain.StatusFailed))
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateTimeout rewrites a queued job's timeout budget
func (s *Store) UpdateTimeout(jobID string, seconds int) error {
	res, err := s.db.Exec(`
		UPDATE jobs SET timeout_seconds = ? WHERE job_id = ? AND status = ?
	`, seconds, jobID, string(domain.StatusQueued))
	if err != nil {
		return err
	}
	return requireRow(res)
}

// MaxTimeoutSeconds returns the largest per-job timeout budget in the run,
// used to bound how long the scheduler waits on its in-flight batch
func (s *Store) MaxTimeoutSeconds(runID string) (int, error) {
	var max int
	err := s.db.QueryRow(`
		SELECT COALESCE(MAX(timeout_seconds), 0) FROM jobs WHERE run_id = ?
	`, runID).Scan(&max)
	return max, err
}

// Progress returns the per-status job rollup for a run
func (s *Store) Progress(runID string) (domain.Progress, error) {
	rows, err := s.db.Query(`
		SELECT status, COUNT(*) FROM jobs WHERE run_id = ? GROUP BY status
	`, runID)
	if err != nil {
		return domain.Progress{}, err
	}
	defer rows.Close()

	p := domain.Progress{Counts: make(map[domain.JobStatus]int)}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return domain.Progress{}, err
		}
		p.Counts[domain.JobStatus(status)] = n
		p.Total += n
	}
	return p, rows.Err()
}

// Get retrieves a job by id
func (s *Store) Get(jobID string) (*domain.Job, error) {
	row := s.db.QueryRow(selectJob+` WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	return job, err
}

// ListByStatus returns the run's jobs in a given status, in creation order
func (s *Store) ListByStatus(runID string, status domain.JobStatus) ([]*domain.Job, error) {
	return s.list(selectJob+` WHERE run_id = ? AND status = ? ORDER BY rowid`, runID, string(status))
}

// ListByCombo returns every job of the run for one matrix cell, in
// creation (iteration) order
func (s *Store) ListByCombo(runID string, key domain.ComboKey) ([]*domain.Job, error) {
	return s.list(selectJob+`
		WHERE run_id = ? AND engine_name = ? AND pattern_count = ? AND input_size = ?
		ORDER BY rowid`, runID, key.EngineName, key.PatternCount, key.InputSize)
}

// ListCombos returns the distinct matrix cells the run intends to cover
func (s *Store) ListCombos(runID string) ([]domain.ComboKey, error) {
	return s.combos(`
		SELECT DISTINCT engine_name, pattern_count, input_size FROM jobs
		WHERE run_id = ? ORDER BY engine_name, pattern_count, input_size
	`, runID)
}

// CoveredCombos returns the matrix cells with at least one completed job
func (s *Store) CoveredCombos(runID string) ([]domain.ComboKey, error) {
	return s.combos(`
		SELECT DISTINCT engine_name, pattern_count, input_size FROM jobs
		WHERE run_id = ? AND status = ? ORDER BY engine_name, pattern_count, input_size
	`, runID, string(domain.StatusCompleted))
}

// SkipQueuedIterations marks every queued job of the combination (matching
// suite and corpus as well) as skipped for low variance. Returns the ids of
// the jobs it transitioned.
func (s *Store) SkipQueuedIterations(runID string, key domain.ComboKey, suite, corpus string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT job_id FROM jobs
		WHERE run_id = ? AND engine_name = ? AND pattern_count = ? AND input_size = ?
			AND pattern_suite = ? AND corpus_name = ? AND status = ?
		ORDER BY rowid
	`, runID, key.EngineName, key.PatternCount, key.InputSize, suite, corpus, string(domain.StatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if err := s.Complete(id, domain.StatusSkippedLowVariance, nil,
			"skipped: first iteration exceeded low-variance threshold"); err != nil {
			return ids, err
		}
	}
	return ids, nil
}

const selectJob = `
	SELECT job_id, run_id, engine_name, pattern_count, input_size, input_size_bytes,
		iteration, pattern_suite, corpus_name, status, created_at, started_at, completed_at,
		duration_seconds, attempt_count, timeout_seconds, error_message,
		compilation_ns, scanning_ns, total_ns, match_count, patterns_compiled,
		memory_peak_bytes, memory_compilation_bytes, cpu_user_ms, cpu_system_ms,
		throughput_mbps, matches_per_second, result_json, raw_stdout, raw_stderr, config_hash
	FROM jobs`

func (s *Store) list(query string, args ...any) ([]*domain.Job, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *Store) combos(query string, args ...any) ([]domain.ComboKey, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []domain.ComboKey
	for rows.Next() {
		var k domain.ComboKey
		if err := rows.Scan(&k.EngineName, &k.PatternCount, &k.InputSize); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*domain.Job, error) {
	var job domain.Job
	var status string
	var startedAt, completedAt sql.NullTime
	var duration sql.NullFloat64
	var suite, corpus, errMsg, resultJSON, stdout, stderr, cfgHash sql.NullString
	var compNS, scanNS, totalNS, matches, compiled, memPeak, memComp, cpuUser, cpuSys sql.NullInt64
	var throughput, matchesPerSec sql.NullFloat64

	err := row.Scan(&job.ID, &job.RunID, &job.EngineName, &job.PatternCount, &job.InputSize,
		&job.InputBytes, &job.Iteration, &suite, &corpus, &status, &job.CreatedAt,
		&startedAt, &completedAt, &duration, &job.AttemptCount, &job.TimeoutSeconds, &errMsg,
		&compNS, &scanNS, &totalNS, &matches, &compiled, &memPeak, &memComp, &cpuUser, &cpuSys,
		&throughput, &matchesPerSec, &resultJSON, &stdout, &stderr, &cfgHash)
	if err != nil {
		return nil, err
	}

	job.Status = domain.JobStatus(status)
	job.PatternSuite = suite.String
	job.CorpusName = corpus.String
	job.ErrorMessage = errMsg.String
	job.ResultJSON = resultJSON.String
	job.RawStdout = stdout.String
	job.RawStderr = stderr.String
	job.ConfigHash = cfgHash.String
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	if duration.Valid {
		job.DurationSec = duration.Float64
	}
	job.CompilationNS = nullInt(compNS)
	job.ScanningNS = nullInt(scanNS)
	job.TotalNS = nullInt(totalNS)
	job.MatchCount = nullInt(matches)
	job.PatternsCompiled = nullInt(compiled)
	job.MemoryPeakBytes = nullInt(memPeak)
	job.MemoryCompBytes = nullInt(memComp)
	job.CPUUserMS = nullInt(cpuUser)
	job.CPUSystemMS = nullInt(cpuSys)
	if throughput.Valid {
		job.ThroughputMBps = &throughput.Float64
	}
	if matchesPerSec.Valid {
		job.MatchesPerSecond = &matchesPerSec.Float64
	}
	return &job, nil
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
