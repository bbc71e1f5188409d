package domain

// JobStatus represents the lifecycle state of a benchmark job
type JobStatus string

const (
	StatusQueued                  JobStatus = "queued"
	StatusRunning                 JobStatus = "running"
	StatusCompleted               JobStatus = "completed"
	StatusFailed                  JobStatus = "failed"
	StatusTimeout                 JobStatus = "timeout"
	StatusCancelled               JobStatus = "cancelled"
	StatusSkippedTimeoutRedundant JobStatus = "skipped_timeout_redundant"
	StatusSkippedLowVariance      JobStatus = "skipped_lowvariance"
)

// Terminal returns true if the status is a terminal state.
// Terminal jobs never transition again, except timeout and failed
// which may be explicitly requeued by operator tooling.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusQueued, StatusRunning:
		return false
	default:
		return true
	}
}

// Requeueable returns true if a terminal job may be reset to queued
func (s JobStatus) Requeueable() bool {
	return s == StatusTimeout || s == StatusFailed
}

// RunStatus represents the execution state of a full benchmark run
type RunStatus string

const (
	RunPreparing  RunStatus = "preparing"
	RunRunning    RunStatus = "running"
	RunCompleted  RunStatus = "completed"
	RunIncomplete RunStatus = "incomplete"
	RunFailed     RunStatus = "failed"
)
