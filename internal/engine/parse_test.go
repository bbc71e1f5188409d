package engine

import (
	"testing"

	"github.com/rexbench/rexbench/internal/domain"
)

const completeOutput = `starting benchmark
PATTERNS_COMPILED=1000
MATCHES=52341
COMPILATION_NS=1500000
ELAPSED_NS=30000000000
done
`

func TestHasAllMarkers(t *testing.T) {
	if !hasAllMarkers(completeOutput) {
		t.Error("hasAllMarkers = false for complete output")
	}

	partial := "PATTERNS_COMPILED=1000\nMATCHES=52341\n"
	if hasAllMarkers(partial) {
		t.Error("hasAllMarkers = true for partial output")
	}

	// Markers embedded mid-line must not count
	inline := "saw PATTERNS_COMPILED=1 MATCHES=2 COMPILATION_NS=3 ELAPSED_NS=4 in a log line"
	if hasAllMarkers(inline) {
		t.Error("hasAllMarkers = true for inline text")
	}
}

func TestParseMetrics(t *testing.T) {
	var res domain.EngineResult
	parseMetrics(completeOutput, &res)

	if res.PatternsCompiled == nil || *res.PatternsCompiled != 1000 {
		t.Errorf("PatternsCompiled = %v, want 1000", res.PatternsCompiled)
	}
	if res.MatchCount == nil || *res.MatchCount != 52341 {
		t.Errorf("MatchCount = %v, want 52341", res.MatchCount)
	}
	if res.CompilationNS == nil || *res.CompilationNS != 1_500_000 {
		t.Errorf("CompilationNS = %v", res.CompilationNS)
	}
	if res.ScanningNS == nil || *res.ScanningNS != 30_000_000_000 {
		t.Errorf("ScanningNS = %v", res.ScanningNS)
	}
	if res.TotalNS == nil || *res.TotalNS != 30_001_500_000 {
		t.Errorf("TotalNS = %v, want compilation+scanning", res.TotalNS)
	}
	if res.MemoryPeakBytes != nil {
		t.Errorf("MemoryPeakBytes = %v, want nil when unreported", res.MemoryPeakBytes)
	}
}

func TestParseMetrics_MemoryMarkers(t *testing.T) {
	out := completeOutput + "MEMORY_PEAK_BYTES=1048576\nMEMORY_COMPILATION_BYTES=4096\n"
	var res domain.EngineResult
	parseMetrics(out, &res)

	if res.MemoryPeakBytes == nil || *res.MemoryPeakBytes != 1048576 {
		t.Errorf("MemoryPeakBytes = %v, want 1048576", res.MemoryPeakBytes)
	}
	if res.MemoryCompBytes == nil || *res.MemoryCompBytes != 4096 {
		t.Errorf("MemoryCompBytes = %v, want 4096", res.MemoryCompBytes)
	}
}

func TestParseMetrics_AbsentStaysNil(t *testing.T) {
	var res domain.EngineResult
	parseMetrics("MATCHES=0\n", &res)

	if res.MatchCount == nil || *res.MatchCount != 0 {
		t.Errorf("MatchCount = %v, want 0 (reported zero)", res.MatchCount)
	}
	if res.CompilationNS != nil || res.ScanningNS != nil || res.TotalNS != nil {
		t.Error("absent markers produced non-nil values")
	}
}
