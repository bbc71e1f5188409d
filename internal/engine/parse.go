package engine

import (
	"regexp"
	"strconv"

	"github.com/rexbench/rexbench/internal/domain"
)

// Engines print metrics as KEY=<int> lines on stdout or stderr. The four
// required markers are the completion signal for the polling strategy and
// the metric source for both strategies.
var (
	markerPatternsCompiled = regexp.MustCompile(`(?m)^PATTERNS_COMPILED=(\d+)\s*$`)
	markerMatches          = regexp.MustCompile(`(?m)^MATCHES=(\d+)\s*$`)
	markerCompilationNS    = regexp.MustCompile(`(?m)^COMPILATION_NS=(\d+)\s*$`)
	markerElapsedNS        = regexp.MustCompile(`(?m)^ELAPSED_NS=(\d+)\s*$`)
	markerMemoryPeak       = regexp.MustCompile(`(?m)^MEMORY_PEAK_BYTES=(\d+)\s*$`)
	markerMemoryComp       = regexp.MustCompile(`(?m)^MEMORY_COMPILATION_BYTES=(\d+)\s*$`)
)

var requiredMarkers = []*regexp.Regexp{
	markerPatternsCompiled,
	markerMatches,
	markerCompilationNS,
	markerElapsedNS,
}

// hasAllMarkers reports whether output contains every required marker
func hasAllMarkers(output string) bool {
	for _, re := range requiredMarkers {
		if !re.MatchString(output) {
			return false
		}
	}
	return true
}

// parseMetrics extracts marker values from combined output into the result.
// Absent markers leave their fields nil: "not reported" stays distinct
// from zero.
func parseMetrics(output string, res *domain.EngineResult) {
	res.PatternsCompiled = extract(markerPatternsCompiled, output)
	res.MatchCount = extract(markerMatches, output)
	res.CompilationNS = extract(markerCompilationNS, output)
	res.ScanningNS = extract(markerElapsedNS, output)
	if res.CompilationNS != nil && res.ScanningNS != nil {
		res.TotalNS = domain.Int64Ptr(*res.CompilationNS + *res.ScanningNS)
	}
	if v := extract(markerMemoryPeak, output); v != nil {
		res.MemoryPeakBytes = v
	}
	if v := extract(markerMemoryComp, output); v != nil {
		res.MemoryCompBytes = v
	}
}

func extract(re *regexp.Regexp, output string) *int64 {
	m := re.FindStringSubmatch(output)
	if m == nil {
		return nil
	}
	v, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return nil
	}
	return &v
}
