package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/rexbench/rexbench/internal/domain"
)

// runPolling is the defensive strategy for engines that do not reliably
// terminate after finishing their work. Output goes to files instead of
// pipes (pipes are what caused the observed indefinite hangs), and a
// polling loop watches for either natural exit or the full set of
// completion markers in the output files. allowFallback permits one
// retry on the standard strategy if apparent completion yields no
// parseable markers.
func (a *Adapter) runPolling(ctx context.Context, job *domain.Job, patternsPath, corpusPath string, allowFallback bool) domain.EngineResult {
	outDir := filepath.Join(a.workDir, "engine-out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return domain.EngineResult{Status: domain.ResultError, Error: fmt.Sprintf("creating output dir: %v", err)}
	}
	stdoutPath := filepath.Join(outDir, job.ID+".stdout")
	stderrPath := filepath.Join(outDir, job.ID+".stderr")

	stdoutFile, err := os.Create(stdoutPath)
	if err != nil {
		return domain.EngineResult{Status: domain.ResultError, Error: fmt.Sprintf("creating stdout file: %v", err)}
	}
	stderrFile, err := os.Create(stderrPath)
	if err != nil {
		stdoutFile.Close()
		return domain.EngineResult{Status: domain.ResultError, Error: fmt.Sprintf("creating stderr file: %v", err)}
	}

	argv := append(append([]string{}, a.spec.Command...), patternsPath, corpusPath)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		stdoutFile.Close()
		stderrFile.Close()
		return domain.EngineResult{Status: domain.ResultError, Error: fmt.Sprintf("starting %s: %v", argv[0], err)}
	}
	// The child holds its own descriptors now
	stdoutFile.Close()
	stderrFile.Close()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	ticker := time.NewTicker(a.pollInterval())
	defer ticker.Stop()
	deadline := time.NewTimer(a.timeout(job))
	defer deadline.Stop()

	for {
		select {
		case waitErr := <-done:
			// Natural exit, the easy case
			return a.finishPolling(ctx, cmd, waitErr, job, stdoutPath, stderrPath, patternsPath, corpusPath, allowFallback, false)

		case <-deadline.C:
			a.logger.Warn("polling engine exceeded timeout, killing process group",
				zap.String("job_id", job.ID),
				zap.Int("timeout_seconds", job.TimeoutSeconds))
			killGroup(cmd.Process.Pid, syscall.SIGKILL)
			<-done
			stdout, stderr := readBoth(stdoutPath, stderrPath)
			res := domain.EngineResult{
				Status: domain.ResultTimeout,
				Stdout: stdout,
				Stderr: stderr,
				Error:  fmt.Sprintf("timed out after %ds", job.TimeoutSeconds),
			}
			sampleUsage(cmd, &res)
			return res

		case <-ctx.Done():
			killGroup(cmd.Process.Pid, syscall.SIGKILL)
			<-done
			stdout, stderr := readBoth(stdoutPath, stderrPath)
			return domain.EngineResult{
				Status: domain.ResultError,
				Stdout: stdout,
				Stderr: stderr,
				Error:  fmt.Sprintf("cancelled: %v", ctx.Err()),
			}

		case <-ticker.C:
			if !a.outputComplete(stdoutPath, stderrPath) {
				continue
			}
			// All markers and the sentinel have landed. Give the process
			// a bounded grace window to exit on its own, then stop waiting
			// for it: this engine is known to hang after finishing.
			grace := a.gracePeriod(job)
			a.logger.Debug("completion markers present, waiting grace period",
				zap.String("job_id", job.ID),
				zap.Duration("grace", grace))

			graceTimer := time.NewTimer(grace)
			var waitErr error
			forced := false
			select {
			case waitErr = <-done:
				graceTimer.Stop()
			case <-graceTimer.C:
				a.logger.Warn("engine wrote complete output but did not exit, force-terminating",
					zap.String("job_id", job.ID))
				a.terminate(cmd.Process.Pid, done)
				waitErr = nil // output says complete; exit status is meaningless now
				forced = true
			case <-ctx.Done():
				graceTimer.Stop()
				killGroup(cmd.Process.Pid, syscall.SIGKILL)
				<-done
				stdout, stderr := readBoth(stdoutPath, stderrPath)
				return domain.EngineResult{
					Status: domain.ResultError,
					Stdout: stdout,
					Stderr: stderr,
					Error:  fmt.Sprintf("cancelled: %v", ctx.Err()),
				}
			}
			return a.finishPolling(ctx, cmd, waitErr, job, stdoutPath, stderrPath, patternsPath, corpusPath, allowFallback, forced)
		}
	}
}

// terminate escalates SIGTERM to SIGKILL on the process group and reaps
func (a *Adapter) terminate(pid int, done <-chan error) {
	killGroup(pid, syscall.SIGTERM)
	select {
	case <-done:
		return
	case <-time.After(time.Duration(a.cfg.TermToKillSeconds) * time.Second):
	}
	killGroup(pid, syscall.SIGKILL)
	<-done
}

// finishPolling reads stabilized output files, parses metrics, and decides
// whether the one-shot standard-strategy fallback is needed.
func (a *Adapter) finishPolling(ctx context.Context, cmd *exec.Cmd, waitErr error, job *domain.Job, stdoutPath, stderrPath, patternsPath, corpusPath string, allowFallback, forced bool) domain.EngineResult {
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			stdout, stderr := readBoth(stdoutPath, stderrPath)
			res := domain.EngineResult{
				Status: domain.ExitStatus(exitErr.ExitCode()),
				Stdout: stdout,
				Stderr: stderr,
				Error:  firstLine(stderr),
			}
			sampleUsage(cmd, &res)
			return res
		}
		return domain.EngineResult{Status: domain.ResultError, Error: waitErr.Error()}
	}

	stdout := a.stableRead(stdoutPath, job)
	stderr := a.stableRead(stderrPath, job)

	combined := stdout + "\n" + stderr
	if !hasAllMarkers(combined) {
		if allowFallback {
			// Apparent completion with corrupt or empty output: do not
			// report silently-bad results, rerun once over pipes instead.
			a.logger.Warn("polling output missing markers, falling back to standard strategy",
				zap.String("job_id", job.ID),
				zap.Bool("forced_termination", forced))
			return a.runStandard(ctx, job, patternsPath, corpusPath)
		}
		return domain.EngineResult{
			Status: domain.ResultError,
			Stdout: stdout,
			Stderr: stderr,
			Error:  "output files missing required metric markers",
		}
	}

	res := domain.EngineResult{Status: domain.ResultOK, Stdout: stdout, Stderr: stderr}
	parseMetrics(combined, &res)
	sampleUsage(cmd, &res)
	return res
}

// outputComplete checks that both output files exist, stdout carries all
// four required markers, and stderr carries the engine's completion
// sentinel. Only then is the engine considered done regardless of its
// process state.
func (a *Adapter) outputComplete(stdoutPath, stderrPath string) bool {
	stdout, err := os.ReadFile(stdoutPath)
	if err != nil {
		return false
	}
	stderr, err := os.ReadFile(stderrPath)
	if err != nil {
		return false
	}
	if !hasAllMarkers(string(stdout)) {
		return false
	}
	return strings.Contains(string(stderr), a.spec.CompletionSentinel)
}

// stableRead reads an output file only after its size has stopped moving.
// The engine's final flush can race our read, so after an initial
// workload-scaled delay, the size is compared across short intervals with
// growing backoff until it holds still or the content already carries the
// expected markers.
func (a *Adapter) stableRead(path string, job *domain.Job) string {
	sleepCtxless(a.stabilizeDelay(job))

	check := time.Duration(a.cfg.StabilizeCheckMS) * time.Millisecond
	for attempt := 1; attempt <= a.cfg.StabilizeMaxRetries; attempt++ {
		before, err := fileSize(path)
		if err != nil {
			sleepCtxless(check * time.Duration(attempt))
			continue
		}
		sleepCtxless(check * time.Duration(attempt))
		after, err := fileSize(path)
		if err != nil {
			continue
		}
		if before == after {
			break
		}
		data, err := os.ReadFile(path)
		if err == nil && hasAllMarkers(string(data)) {
			return string(data)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		a.logger.Warn("reading engine output file", zap.String("path", path), zap.Error(err))
		return ""
	}
	return string(data)
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func sleepCtxless(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	<-t.C
}

func readBoth(stdoutPath, stderrPath string) (string, string) {
	stdout, _ := os.ReadFile(stdoutPath)
	stderr, _ := os.ReadFile(stderrPath)
	return string(stdout), string(stderr)
}
