package engine

import (
	"context"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/rexbench/rexbench/internal/config"
	"github.com/rexbench/rexbench/internal/domain"
)

// Adapter executes one engine binary against (patterns file, corpus file)
// pairs and produces EngineResults. All unreliable-subprocess handling
// lives here: the scheduler never sees a Go error for engine misbehavior,
// only a result with an error status.
type Adapter struct {
	spec    Spec
	cfg     config.AdapterConfig
	workDir string
	logger  *zap.Logger
}

// New creates an adapter for one engine within a run
func New(spec Spec, cfg config.AdapterConfig, rc domain.RunContext) *Adapter {
	return &Adapter{
		spec:    spec,
		cfg:     cfg,
		workDir: rc.WorkDir,
		logger:  rc.Log().With(zap.String("engine", spec.Name)),
	}
}

// Execute runs the engine for one job. The returned result's status is
// ok, timeout, skipped, exit=<code>, or error; adapter-internal failures
// (spawn, file I/O) become error results, never propagated exceptions.
func (a *Adapter) Execute(ctx context.Context, job *domain.Job, patternsPath, corpusPath string) domain.EngineResult {
	switch a.spec.Strategy {
	case StrategyPolling:
		return a.runPolling(ctx, job, patternsPath, corpusPath, true)
	default:
		return a.runStandard(ctx, job, patternsPath, corpusPath)
	}
}

func (a *Adapter) timeout(job *domain.Job) time.Duration {
	return time.Duration(job.TimeoutSeconds) * time.Second
}

func (a *Adapter) pollInterval() time.Duration {
	return time.Duration(a.cfg.PollIntervalMS) * time.Millisecond
}

// workloadFactor scales in [0,1] with pattern count and corpus size;
// big workloads flush output and release resources slower, so grace and
// stabilization windows grow with it.
func workloadFactor(job *domain.Job) float64 {
	patterns := float64(job.PatternCount) / 1000
	if patterns > 1 {
		patterns = 1
	}
	corpus := job.InputMB() / 1024
	if corpus > 1 {
		corpus = 1
	}
	return (patterns + corpus) / 2
}

// gracePeriod is the bounded wait after output-based completion detection
// before the process is force-terminated
func (a *Adapter) gracePeriod(job *domain.Job) time.Duration {
	min := time.Duration(a.cfg.GraceMinSeconds) * time.Second
	max := time.Duration(a.cfg.GraceMaxSeconds) * time.Second
	if max < min {
		max = min
	}
	return min + time.Duration(workloadFactor(job)*float64(max-min))
}

// stabilizeDelay is the initial wait before trusting output file content
func (a *Adapter) stabilizeDelay(job *domain.Job) time.Duration {
	base := time.Duration(a.cfg.StabilizeDelayMS) * time.Millisecond
	return base + time.Duration(workloadFactor(job)*float64(3*base))
}

// killGroup signals the whole process group so engine children die too
func killGroup(pid int, sig syscall.Signal) {
	_ = syscall.Kill(-pid, sig)
}

// sampleUsage fills CPU and peak-RSS metrics from the reaped process.
// Best-effort: marker-reported memory wins over the OS sample, and a
// missing sample is tolerated.
func sampleUsage(cmd *exec.Cmd, res *domain.EngineResult) {
	ps := cmd.ProcessState
	if ps == nil {
		return
	}
	ru, ok := ps.SysUsage().(*syscall.Rusage)
	if !ok || ru == nil {
		return
	}
	if res.MemoryPeakBytes == nil && ru.Maxrss > 0 {
		res.MemoryPeakBytes = domain.Int64Ptr(ru.Maxrss * 1024) // Maxrss is KB on Linux
	}
	res.CPUUserMS = domain.Int64Ptr(ru.Utime.Sec*1000 + int64(ru.Utime.Usec)/1000)
	res.CPUSystemMS = domain.Int64Ptr(ru.Stime.Sec*1000 + int64(ru.Stime.Usec)/1000)
}
