package domain

import (
	"fmt"
	"time"
)

// Job is one (engine, pattern count, corpus size, iteration) benchmark trial.
// Rows are created at matrix expansion time and never deleted; terminal
// statuses are historical record.
type Job struct {
	ID           string
	RunID        string
	EngineName   string
	PatternCount int
	InputSize    string // size label, e.g. "1GB"
	InputBytes   int64
	Iteration    int
	PatternSuite string
	CorpusName   string

	Status         JobStatus
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	DurationSec    float64
	AttemptCount   int
	TimeoutSeconds int
	ErrorMessage   string

	// Metrics, populated only on completion. Nil means not measured.
	CompilationNS    *int64
	ScanningNS       *int64
	TotalNS          *int64
	MatchCount       *int64
	PatternsCompiled *int64
	MemoryPeakBytes  *int64
	MemoryCompBytes  *int64
	CPUUserMS        *int64
	CPUSystemMS      *int64
	ThroughputMBps   *float64
	MatchesPerSecond *float64

	ResultJSON string
	RawStdout  string
	RawStderr  string
	ConfigHash string
}

// ComboKey identifies one cell of the benchmark matrix, ignoring iterations.
// Run coverage and the timeout/variance skip policies operate on this key.
type ComboKey struct {
	EngineName   string
	PatternCount int
	InputSize    string
}

func (k ComboKey) String() string {
	return fmt.Sprintf("%s/%dp/%s", k.EngineName, k.PatternCount, k.InputSize)
}

// Combo returns the matrix cell this job belongs to
func (j *Job) Combo() ComboKey {
	return ComboKey{EngineName: j.EngineName, PatternCount: j.PatternCount, InputSize: j.InputSize}
}

// InputMB returns the corpus size in megabytes
func (j *Job) InputMB() float64 {
	return float64(j.InputBytes) / (1024 * 1024)
}

// Run is one invocation of the full benchmark matrix
type Run struct {
	ID            string
	Status        RunStatus
	ConfigHash    string
	ConfigJSON    string
	SystemProfile string
	CreatedAt     time.Time
	FinishedAt    *time.Time
	TotalJobs     int
	StatusNote    string
}

// Progress is a per-status job rollup for one run
type Progress struct {
	Counts map[JobStatus]int
	Total  int
}

// Done returns the number of jobs in a terminal state
func (p Progress) Done() int {
	done := 0
	for status, n := range p.Counts {
		if status.Terminal() {
			done += n
		}
	}
	return done
}

// Percent returns terminal jobs as a percentage of the total
func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 0
	}
	return 100 * float64(p.Done()) / float64(p.Total)
}
