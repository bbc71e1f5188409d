// Package txlog is the append-only crash-safety record of job outcomes,
// independent of the job store's transactional integrity. One JSON object
// per line; the file is never rewritten or compacted.
package txlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/rexbench/rexbench/internal/domain"
)

const (
	EventLogInitialized = "log_initialized"
	EventJobCompleted   = "job_completed"
	EventJobFailed      = "job_failed"
)

// JobRef is the job snapshot carried by every entry
type JobRef struct {
	JobID        string `json:"job_id"`
	RunID        string `json:"run_id"`
	EngineName   string `json:"engine_name"`
	PatternCount int    `json:"pattern_count"`
	InputSize    string `json:"input_size"`
	CorpusName   string `json:"corpus_name"`
	PatternSuite string `json:"pattern_suite"`
	Iteration    int    `json:"iteration"`
}

// Entry is one transaction log record
type Entry struct {
	EventType string               `json:"event_type"`
	Timestamp time.Time            `json:"timestamp"`
	Job       JobRef               `json:"job"`
	Result    *domain.EngineResult `json:"result,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// Stats summarizes a log file
type Stats struct {
	TotalEntries int
	EventCounts  map[string]int
	FileSize     int64
	ModifiedAt   time.Time
}

// Log appends to and reads one run's transaction log file. A single
// scheduler process writes; recovery and inspection tooling read. Writes
// take an exclusive flock so even unexpected concurrent writers cannot
// tear or interleave lines.
type Log struct {
	path   string
	logger *zap.Logger
}

// Filename returns the log file name for a run id
func Filename(runID string) string {
	return fmt.Sprintf("txlog-%s.jsonl", runID)
}

// Open returns the log for a run, creating the file with a log_initialized
// entry if it does not exist yet.
func Open(dir, runID string, logger *zap.Logger) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	l := &Log{path: filepath.Join(dir, Filename(runID)), logger: logger}

	if _, err := os.Stat(l.path); os.IsNotExist(err) {
		init := Entry{
			EventType: EventLogInitialized,
			Timestamp: time.Now().UTC(),
			Job:       JobRef{RunID: runID},
		}
		if err := l.Append(init); err != nil {
			return nil, fmt.Errorf("initializing log: %w", err)
		}
	}
	return l, nil
}

// OpenFile opens an existing log file directly, for recovery tooling
// pointed at an arbitrary path.
func OpenFile(path string, logger *zap.Logger) *Log {
	return &Log{path: path, logger: logger}
}

// Path returns the log file path
func (l *Log) Path() string {
	return l.path
}

// Append serializes the entry as one JSON line and writes it under an
// exclusive lock, fsyncing before the lock is released. An entry is either
// fully durable or detectably truncated; it is never torn mid-file.
func (l *Log) Append(e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return err
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// LogCompleted appends a job_completed entry
func (l *Log) LogCompleted(job *domain.Job, result *domain.EngineResult) error {
	return l.Append(Entry{
		EventType: EventJobCompleted,
		Job:       ref(job),
		Result:    result,
	})
}

// LogFailed appends a job_failed entry
func (l *Log) LogFailed(job *domain.Job, result *domain.EngineResult, errMsg string) error {
	return l.Append(Entry{
		EventType: EventJobFailed,
		Job:       ref(job),
		Result:    result,
		Error:     errMsg,
	})
}

// Read re-reads the whole file and returns entries in append order. When
// eventTypes are given, only matching entries are returned. Malformed
// lines, including a truncated trailing line from a crash, are skipped
// with a warning rather than failing the read.
func (l *Log) Read(eventTypes ...string) ([]Entry, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	want := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		want[t] = true
	}

	// Entries carry raw engine output, so a single line can run to many
	// megabytes. Read with an unbounded line reader rather than a
	// fixed-buffer scanner so one huge entry cannot fail the whole read.
	var entries []Entry
	r := bufio.NewReader(f)
	lineNo := 0
	for {
		line, readErr := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			lineNo++
			var e Entry
			if err := json.Unmarshal(line, &e); err != nil {
				if l.logger != nil {
					l.logger.Warn("skipping malformed transaction log line",
						zap.String("path", l.path),
						zap.Int("line", lineNo),
						zap.Error(err))
				}
			} else if len(want) == 0 || want[e.EventType] {
				entries = append(entries, e)
			}
		}
		if readErr == io.EOF {
			return entries, nil
		}
		if readErr != nil {
			return entries, readErr
		}
	}
}

// Stats summarizes the log file
func (l *Log) Stats() (Stats, error) {
	entries, err := l.Read()
	if err != nil {
		return Stats{}, err
	}
	info, err := os.Stat(l.path)
	if err != nil {
		return Stats{}, err
	}

	st := Stats{
		TotalEntries: len(entries),
		EventCounts:  make(map[string]int),
		FileSize:     info.Size(),
		ModifiedAt:   info.ModTime(),
	}
	for _, e := range entries {
		st.EventCounts[e.EventType]++
	}
	return st, nil
}

func ref(job *domain.Job) JobRef {
	return JobRef{
		JobID:        job.ID,
		RunID:        job.RunID,
		EngineName:   job.EngineName,
		PatternCount: job.PatternCount,
		InputSize:    job.InputSize,
		CorpusName:   job.CorpusName,
		PatternSuite: job.PatternSuite,
		Iteration:    job.Iteration,
	}
}
