// Package engine executes external regex-engine binaries and turns their
// behavior, however unreliable, into structured EngineResult values.
package engine

import (
	"fmt"

	"github.com/rexbench/rexbench/internal/config"
)

// Strategy selects how a subprocess's completion is detected
type Strategy string

const (
	// StrategyStandard pipes output and trusts process exit
	StrategyStandard Strategy = "standard"
	// StrategyPolling redirects output to files and polls for completion
	// markers, for engines that do not reliably terminate
	StrategyPolling Strategy = "polling"
)

// Spec describes one external engine binary and its quirks
type Spec struct {
	Name     string
	Command  []string
	Strategy Strategy

	// RequiresMatchCount marks engines known to fail silently: an ok
	// result without a parsed match count is not trusted
	RequiresMatchCount bool

	// MaxComplexity caps pattern_count x corpus_MB before dispatch;
	// zero disables the cap
	MaxComplexity float64

	// CompletionSentinel is the stderr string required by the polling
	// strategy before output is considered complete
	CompletionSentinel string
}

// ExceedsComplexity reports whether a workload is beyond this engine's cap
func (s Spec) ExceedsComplexity(patternCount int, corpusMB float64) bool {
	return s.MaxComplexity > 0 && float64(patternCount)*corpusMB > s.MaxComplexity
}

// Registry resolves engine names to specs
type Registry struct {
	specs map[string]Spec
}

// NewRegistry builds a registry from configuration
func NewRegistry(cfgs []config.EngineConfig) (*Registry, error) {
	specs := make(map[string]Spec, len(cfgs))
	for _, c := range cfgs {
		strategy := Strategy(c.Strategy)
		if strategy == "" {
			strategy = StrategyStandard
		}
		if strategy != StrategyStandard && strategy != StrategyPolling {
			return nil, fmt.Errorf("engine %q: unknown strategy %q", c.Name, c.Strategy)
		}
		if strategy == StrategyPolling && c.CompletionSentinel == "" {
			return nil, fmt.Errorf("engine %q: polling strategy requires a completion sentinel", c.Name)
		}
		specs[c.Name] = Spec{
			Name:               c.Name,
			Command:            c.Command,
			Strategy:           strategy,
			RequiresMatchCount: c.RequiresMatchCount,
			MaxComplexity:      c.MaxComplexity,
			CompletionSentinel: c.CompletionSentinel,
		}
	}
	return &Registry{specs: specs}, nil
}

// Get returns the spec for an engine name
func (r *Registry) Get(name string) (Spec, bool) {
	s, ok := r.specs[name]
	return s, ok
}

// Names returns all registered engine names
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	return names
}
