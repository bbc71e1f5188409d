package engine

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/rexbench/rexbench/internal/config"
	"github.com/rexbench/rexbench/internal/domain"
)

// fastAdapterConfig keeps the polling machinery quick enough for tests
var fastAdapterConfig = config.AdapterConfig{
	PollIntervalMS:      50,
	GraceMinSeconds:     1,
	GraceMaxSeconds:     1,
	StabilizeDelayMS:    10,
	StabilizeCheckMS:    10,
	StabilizeMaxRetries: 2,
	TermToKillSeconds:   1,
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-script engines require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "engine.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func testAdapter(t *testing.T, spec Spec) *Adapter {
	t.Helper()
	rc := domain.RunContext{RunID: "run-1", WorkDir: t.TempDir()}
	return New(spec, fastAdapterConfig, rc)
}

func testInputs(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	patterns := filepath.Join(dir, "patterns.txt")
	corpus := filepath.Join(dir, "corpus.txt")
	os.WriteFile(patterns, []byte("foo.*bar\n"), 0o644)
	os.WriteFile(corpus, []byte("some foo and bar text\n"), 0o644)
	return patterns, corpus
}

const markerBody = `echo "PATTERNS_COMPILED=10"
echo "MATCHES=42"
echo "COMPILATION_NS=1000"
echo "ELAPSED_NS=2000"
`

func jobWithTimeout(seconds int) *domain.Job {
	return &domain.Job{
		ID:             "job-1",
		PatternCount:   10,
		InputSize:      "1MB",
		InputBytes:     1 << 20,
		TimeoutSeconds: seconds,
	}
}

func TestStandard_ParsesMarkers(t *testing.T) {
	script := writeScript(t, markerBody)
	a := testAdapter(t, Spec{Name: "fake", Command: []string{script}, Strategy: StrategyStandard})
	patterns, corpus := testInputs(t)

	res := a.Execute(context.Background(), jobWithTimeout(30), patterns, corpus)

	if res.Status != domain.ResultOK {
		t.Fatalf("Status = %q, want ok (stderr: %s)", res.Status, res.Stderr)
	}
	if res.MatchCount == nil || *res.MatchCount != 42 {
		t.Errorf("MatchCount = %v, want 42", res.MatchCount)
	}
	if res.TotalNS == nil || *res.TotalNS != 3000 {
		t.Errorf("TotalNS = %v, want 3000", res.TotalNS)
	}
	if res.CPUUserMS == nil {
		t.Error("CPUUserMS not sampled")
	}
}

func TestStandard_NonZeroExit(t *testing.T) {
	script := writeScript(t, "echo \"segfault imminent\" >&2\nexit 3\n")
	a := testAdapter(t, Spec{Name: "fake", Command: []string{script}, Strategy: StrategyStandard})
	patterns, corpus := testInputs(t)

	res := a.Execute(context.Background(), jobWithTimeout(30), patterns, corpus)

	if res.Status != "exit=3" {
		t.Errorf("Status = %q, want exit=3", res.Status)
	}
	if res.Error != "segfault imminent" {
		t.Errorf("Error = %q, want first stderr line", res.Error)
	}
}

func TestStandard_Timeout(t *testing.T) {
	script := writeScript(t, "sleep 30\n")
	a := testAdapter(t, Spec{Name: "fake", Command: []string{script}, Strategy: StrategyStandard})
	patterns, corpus := testInputs(t)

	res := a.Execute(context.Background(), jobWithTimeout(1), patterns, corpus)

	if res.Status != domain.ResultTimeout {
		t.Errorf("Status = %q, want timeout", res.Status)
	}
	if !strings.Contains(res.Error, "timed out") {
		t.Errorf("Error = %q", res.Error)
	}
}

func TestStandard_MissingBinary(t *testing.T) {
	a := testAdapter(t, Spec{Name: "fake", Command: []string{"/nonexistent/engine"}, Strategy: StrategyStandard})
	patterns, corpus := testInputs(t)

	res := a.Execute(context.Background(), jobWithTimeout(30), patterns, corpus)
	if res.Status != domain.ResultError {
		t.Errorf("Status = %q, want error", res.Status)
	}
}

func TestPolling_NaturalExit(t *testing.T) {
	script := writeScript(t, markerBody+"echo \"BENCHMARK COMPLETE\" >&2\n")
	a := testAdapter(t, Spec{
		Name:               "fake-rmatch",
		Command:            []string{script},
		Strategy:           StrategyPolling,
		CompletionSentinel: "BENCHMARK COMPLETE",
	})
	patterns, corpus := testInputs(t)

	res := a.Execute(context.Background(), jobWithTimeout(30), patterns, corpus)

	if res.Status != domain.ResultOK {
		t.Fatalf("Status = %q, want ok (stderr: %s)", res.Status, res.Stderr)
	}
	if res.MatchCount == nil || *res.MatchCount != 42 {
		t.Errorf("MatchCount = %v, want 42", res.MatchCount)
	}
}

func TestPolling_HangAfterCompletion(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out grace and termination windows")
	}
	// Engine writes complete output, then never exits
	script := writeScript(t, markerBody+"echo \"BENCHMARK COMPLETE\" >&2\nsleep 300\n")
	a := testAdapter(t, Spec{
		Name:               "fake-rmatch",
		Command:            []string{script},
		Strategy:           StrategyPolling,
		CompletionSentinel: "BENCHMARK COMPLETE",
	})
	patterns, corpus := testInputs(t)

	res := a.Execute(context.Background(), jobWithTimeout(60), patterns, corpus)

	if res.Status != domain.ResultOK {
		t.Fatalf("Status = %q, want ok despite forced termination (stderr: %s)", res.Status, res.Stderr)
	}
	if res.MatchCount == nil || *res.MatchCount != 42 {
		t.Errorf("MatchCount = %v, want 42", res.MatchCount)
	}
}

func TestPolling_TimeoutWithoutSentinel(t *testing.T) {
	// Markers but no sentinel: completion never detected, deadline fires
	script := writeScript(t, markerBody+"sleep 300\n")
	a := testAdapter(t, Spec{
		Name:               "fake-rmatch",
		Command:            []string{script},
		Strategy:           StrategyPolling,
		CompletionSentinel: "BENCHMARK COMPLETE",
	})
	patterns, corpus := testInputs(t)

	res := a.Execute(context.Background(), jobWithTimeout(1), patterns, corpus)

	if res.Status != domain.ResultTimeout {
		t.Errorf("Status = %q, want timeout", res.Status)
	}
}

func TestPolling_FallsBackToStandard(t *testing.T) {
	// Writes markers only when stdout is a pipe: the polling attempt sees
	// empty files, the standard fallback sees full output.
	script := writeScript(t, `if [ -p /dev/stdout ]; then
`+markerBody+`fi
exit 0
`)
	a := testAdapter(t, Spec{
		Name:               "fake-rmatch",
		Command:            []string{script},
		Strategy:           StrategyPolling,
		CompletionSentinel: "BENCHMARK COMPLETE",
	})
	patterns, corpus := testInputs(t)

	res := a.Execute(context.Background(), jobWithTimeout(30), patterns, corpus)

	if res.Status != domain.ResultOK {
		t.Fatalf("Status = %q, want ok via fallback (stdout: %s)", res.Status, res.Stdout)
	}
	if res.MatchCount == nil || *res.MatchCount != 42 {
		t.Errorf("MatchCount = %v, want 42", res.MatchCount)
	}
}

func TestPolling_NoFallbackReportsError(t *testing.T) {
	script := writeScript(t, "exit 0\n")
	a := testAdapter(t, Spec{
		Name:               "fake-rmatch",
		Command:            []string{script},
		Strategy:           StrategyPolling,
		CompletionSentinel: "BENCHMARK COMPLETE",
	})
	patterns, corpus := testInputs(t)

	res := a.runPolling(context.Background(), jobWithTimeout(30), patterns, corpus, false)

	if res.Status != domain.ResultError {
		t.Errorf("Status = %q, want error", res.Status)
	}
	if !strings.Contains(res.Error, "missing required metric markers") {
		t.Errorf("Error = %q", res.Error)
	}
}
