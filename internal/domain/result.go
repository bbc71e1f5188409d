package domain

import "fmt"

// EngineResult is the value object produced by the engine adapter for one
// subprocess execution. Metric fields are pointers: nil means the engine did
// not report the value, which is distinct from reporting zero.
type EngineResult struct {
	Status string `json:"status"` // ok | error | timeout | skipped | exit=<code>

	PatternsCompiled *int64 `json:"patterns_compiled,omitempty"`
	MatchCount       *int64 `json:"match_count,omitempty"`
	CompilationNS    *int64 `json:"compilation_ns,omitempty"`
	ScanningNS       *int64 `json:"scanning_ns,omitempty"`
	TotalNS          *int64 `json:"total_ns,omitempty"`
	MemoryPeakBytes  *int64 `json:"memory_peak_bytes,omitempty"`
	MemoryCompBytes  *int64 `json:"memory_compilation_bytes,omitempty"`
	CPUUserMS        *int64 `json:"cpu_user_ms,omitempty"`
	CPUSystemMS      *int64 `json:"cpu_system_ms,omitempty"`

	// Raw output is retained verbatim regardless of parse success
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`

	Error string `json:"error,omitempty"`
}

const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultTimeout = "timeout"
	ResultSkipped = "skipped"
)

// ExitStatus formats a non-zero exit code as a result status tag
func ExitStatus(code int) string {
	return fmt.Sprintf("exit=%d", code)
}

// OK returns true if the engine reported success
func (r *EngineResult) OK() bool {
	return r.Status == ResultOK
}

// Int64Ptr returns a pointer to v, for building results with optional fields
func Int64Ptr(v int64) *int64 { return &v }
