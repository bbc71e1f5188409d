package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/rexbench/rexbench/internal/domain"
)

// runStandard executes an engine that terminates cleanly: output over
// pipes, stdin closed, the process in its own group so a timeout kill
// reaches any children.
func (a *Adapter) runStandard(ctx context.Context, job *domain.Job, patternsPath, corpusPath string) domain.EngineResult {
	argv := append(append([]string{}, a.spec.Command...), patternsPath, corpusPath)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// cmd.Stdin is nil: the child gets /dev/null

	if err := cmd.Start(); err != nil {
		return domain.EngineResult{
			Status: domain.ResultError,
			Error:  fmt.Sprintf("starting %s: %v", argv[0], err),
		}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(a.timeout(job))
	defer timer.Stop()

	select {
	case err := <-done:
		return a.finishStandard(cmd, err, stdout.String(), stderr.String())

	case <-timer.C:
		a.logger.Warn("engine exceeded timeout, killing process group",
			zap.String("job_id", job.ID),
			zap.Int("timeout_seconds", job.TimeoutSeconds))
		killGroup(cmd.Process.Pid, syscall.SIGKILL)
		<-done
		res := domain.EngineResult{
			Status: domain.ResultTimeout,
			Stdout: stdout.String(),
			Stderr: stderr.String(),
			Error:  fmt.Sprintf("timed out after %ds", job.TimeoutSeconds),
		}
		sampleUsage(cmd, &res)
		return res

	case <-ctx.Done():
		killGroup(cmd.Process.Pid, syscall.SIGKILL)
		<-done
		return domain.EngineResult{
			Status: domain.ResultError,
			Stdout: stdout.String(),
			Stderr: stderr.String(),
			Error:  fmt.Sprintf("cancelled: %v", ctx.Err()),
		}
	}
}

// finishStandard classifies a naturally exited process and parses metrics
func (a *Adapter) finishStandard(cmd *exec.Cmd, waitErr error, stdout, stderr string) domain.EngineResult {
	res := domain.EngineResult{Stdout: stdout, Stderr: stderr}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			// Exit code != 0 always means failure, whatever got printed
			res.Status = domain.ExitStatus(exitErr.ExitCode())
			res.Error = firstLine(stderr)
		} else {
			res.Status = domain.ResultError
			res.Error = waitErr.Error()
		}
		sampleUsage(cmd, &res)
		return res
	}

	res.Status = domain.ResultOK
	parseMetrics(stdout+"\n"+stderr, &res)
	sampleUsage(cmd, &res)
	return res
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
