package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all benchmark harness configuration
type Config struct {
	General  GeneralConfig  `toml:"general"`
	Matrix   MatrixConfig   `toml:"matrix"`
	Adapter  AdapterConfig  `toml:"adapter"`
	Policies PoliciesConfig `toml:"policies"`
	Engines  []EngineConfig `toml:"engines"`
	Batches  []BatchConfig  `toml:"batches"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath string `toml:"database_path"`
	TxLogDir     string `toml:"txlog_dir"`
	WorkDir      string `toml:"work_dir"`
	BackupDir    string `toml:"backup_dir"`
	Workers      int    `toml:"workers"`
}

// MatrixConfig defines the benchmark matrix to expand
type MatrixConfig struct {
	PatternCounts  []int        `toml:"pattern_counts"`
	CorpusSizes    []CorpusSize `toml:"corpus_sizes"`
	Iterations     int          `toml:"iterations"`
	PatternSuite   string       `toml:"pattern_suite"`
	CorpusName     string       `toml:"corpus_name"`
	TimeoutSeconds int          `toml:"timeout_seconds"`
}

// CorpusSize is one corpus size step, e.g. {label = "1GB", bytes = 1073741824}
type CorpusSize struct {
	Label string `toml:"label"`
	Bytes int64  `toml:"bytes"`
}

// AdapterConfig holds the subprocess-execution tunables. The polling and
// stabilization values encode filesystem write-visibility assumptions and
// are deliberately configuration, not constants.
type AdapterConfig struct {
	PollIntervalMS       int `toml:"poll_interval_ms"`
	GraceMinSeconds      int `toml:"grace_min_seconds"`
	GraceMaxSeconds      int `toml:"grace_max_seconds"`
	StabilizeDelayMS     int `toml:"stabilize_delay_ms"`
	StabilizeCheckMS     int `toml:"stabilize_check_ms"`
	StabilizeMaxRetries  int `toml:"stabilize_max_retries"`
	TermToKillSeconds    int `toml:"term_to_kill_seconds"`
	BatchWaitSlackSeconds int `toml:"batch_wait_slack_seconds"`
}

// PoliciesConfig holds the scheduling skip-policy tunables
type PoliciesConfig struct {
	// Duration thresholds (seconds) per corpus-size label above which
	// remaining iterations of a combination are skipped as low-variance.
	// Larger corpora get stricter thresholds.
	LowVarianceThresholds map[string]float64 `toml:"low_variance_thresholds"`
	// Fallback threshold for labels not listed above
	LowVarianceDefault float64 `toml:"low_variance_default"`
	// Suspicious-result gate used by the invalidation tooling
	SuspiciousMinSeconds  float64 `toml:"suspicious_min_seconds"`
	SuspiciousMinPatterns int     `toml:"suspicious_min_patterns"`
}

// EngineConfig describes one external engine binary
type EngineConfig struct {
	Name    string   `toml:"name"`
	Command []string `toml:"command"`
	// Strategy is "standard" or "polling" (defensive file-based completion
	// detection for engines that do not reliably signal exit)
	Strategy string `toml:"strategy"`
	// RequiresMatchCount forces jobs from this engine to fail when the
	// adapter reports ok without a parseable match count
	RequiresMatchCount bool `toml:"requires_match_count"`
	// MaxComplexity caps pattern_count * corpus_MB; 0 disables the cap
	MaxComplexity float64 `toml:"max_complexity"`
	// CompletionSentinel is the stderr string the polling strategy
	// requires before treating output as complete
	CompletionSentinel string `toml:"completion_sentinel"`
}

// BatchConfig schedules a recurring benchmark run
type BatchConfig struct {
	Name string `toml:"name"`
	Cron string `toml:"cron"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".rexbench")
	return &Config{
		General: GeneralConfig{
			DatabasePath: filepath.Join(base, "rexbench.db"),
			TxLogDir:     filepath.Join(base, "txlog"),
			WorkDir:      filepath.Join(base, "work"),
			BackupDir:    filepath.Join(base, "backups"),
			Workers:      1, // single worker by default for benchmark fairness
		},
		Matrix: MatrixConfig{
			PatternCounts: []int{10, 100, 1000},
			CorpusSizes: []CorpusSize{
				{Label: "1MB", Bytes: 1 << 20},
				{Label: "100MB", Bytes: 100 << 20},
				{Label: "1GB", Bytes: 1 << 30},
			},
			Iterations:     3,
			PatternSuite:   "default",
			CorpusName:     "synthetic",
			TimeoutSeconds: 7200,
		},
		Adapter: AdapterConfig{
			PollIntervalMS:        100,
			GraceMinSeconds:       5,
			GraceMaxSeconds:       30,
			StabilizeDelayMS:      500,
			StabilizeCheckMS:      200,
			StabilizeMaxRetries:   5,
			TermToKillSeconds:     2,
			BatchWaitSlackSeconds: 60,
		},
		Policies: PoliciesConfig{
			LowVarianceThresholds: map[string]float64{
				"1MB":   100,
				"10MB":  80,
				"100MB": 60,
				"1GB":   30,
			},
			LowVarianceDefault:    100,
			SuspiciousMinSeconds:  2,
			SuspiciousMinPatterns: 1000,
		},
		Engines: []EngineConfig{
			{Name: "re2", Command: []string{"re2-bench"}, Strategy: "standard"},
			{Name: "rust-regex", Command: []string{"rust-regex-bench"}, Strategy: "standard"},
			{Name: "hyperscan", Command: []string{"hs-bench"}, Strategy: "standard", MaxComplexity: 50000},
			{Name: "rmatch", Command: []string{"rmatch"}, Strategy: "polling",
				RequiresMatchCount: true, CompletionSentinel: "BENCHMARK COMPLETE"},
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.TxLogDir = ExpandPath(cfg.General.TxLogDir)
	cfg.General.WorkDir = ExpandPath(cfg.General.WorkDir)
	cfg.General.BackupDir = ExpandPath(cfg.General.BackupDir)

	if cfg.General.Workers < 1 {
		cfg.General.Workers = 1
	}

	return cfg, nil
}

// Validate checks cross-field consistency
func (c *Config) Validate() error {
	if len(c.Engines) == 0 {
		return fmt.Errorf("no engines configured")
	}
	seen := make(map[string]bool)
	for _, e := range c.Engines {
		if e.Name == "" {
			return fmt.Errorf("engine with empty name")
		}
		if seen[e.Name] {
			return fmt.Errorf("duplicate engine %q", e.Name)
		}
		seen[e.Name] = true
		if len(e.Command) == 0 {
			return fmt.Errorf("engine %q has no command", e.Name)
		}
		switch e.Strategy {
		case "", "standard", "polling":
		default:
			return fmt.Errorf("engine %q: unknown strategy %q", e.Name, e.Strategy)
		}
	}
	if c.Matrix.Iterations < 1 {
		return fmt.Errorf("iterations must be >= 1")
	}
	if c.Matrix.TimeoutSeconds < 1 {
		return fmt.Errorf("timeout_seconds must be >= 1")
	}
	return nil
}

// LowVarianceThreshold returns the adaptive-skip duration threshold for a
// corpus-size label
func (c *Config) LowVarianceThreshold(sizeLabel string) float64 {
	if v, ok := c.Policies.LowVarianceThresholds[sizeLabel]; ok {
		return v
	}
	return c.Policies.LowVarianceDefault
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "rexbench", "config.toml")
}
