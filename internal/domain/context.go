package domain

import "go.uber.org/zap"

// RunContext carries the identity of the active run and its logger into
// every component that acts on the run's behalf. It replaces ambient
// per-process state: nothing in this codebase keeps a package-level
// "current run".
type RunContext struct {
	RunID   string
	Logger  *zap.Logger
	WorkDir string // scratch directory for generated inputs and engine output files
}

// Log returns the run logger, falling back to a no-op logger so that
// components constructed in tests without logging still work.
func (rc RunContext) Log() *zap.Logger {
	if rc.Logger == nil {
		return zap.NewNop()
	}
	return rc.Logger
}
