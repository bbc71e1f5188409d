package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.General.Workers != 1 {
		t.Errorf("Workers = %d, want 1", cfg.General.Workers)
	}

	var rmatch *EngineConfig
	for i := range cfg.Engines {
		if cfg.Engines[i].Name == "rmatch" {
			rmatch = &cfg.Engines[i]
		}
	}
	if rmatch == nil {
		t.Fatal("no rmatch engine in defaults")
	}
	if rmatch.Strategy != "polling" {
		t.Errorf("rmatch strategy = %q, want polling", rmatch.Strategy)
	}
	if !rmatch.RequiresMatchCount {
		t.Error("rmatch does not require a match count")
	}
	if rmatch.CompletionSentinel == "" {
		t.Error("rmatch has no completion sentinel")
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Matrix.Iterations != Default().Matrix.Iterations {
		t.Errorf("Iterations = %d, want default", cfg.Matrix.Iterations)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[general]
workers = 4
database_path = "~/bench/rexbench.db"

[matrix]
iterations = 5
timeout_seconds = 600

[[engines]]
name = "custom"
command = ["custom-bench", "--fast"]
strategy = "standard"

[policies]
low_variance_default = 42.0

[policies.low_variance_thresholds]
"1GB" = 15.0
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.General.Workers != 4 {
		t.Errorf("Workers = %d, want 4", cfg.General.Workers)
	}
	if cfg.Matrix.Iterations != 5 {
		t.Errorf("Iterations = %d, want 5", cfg.Matrix.Iterations)
	}
	if strings.HasPrefix(cfg.General.DatabasePath, "~") {
		t.Errorf("DatabasePath not expanded: %q", cfg.General.DatabasePath)
	}
	if got := cfg.LowVarianceThreshold("1GB"); got != 15 {
		t.Errorf("LowVarianceThreshold(1GB) = %f, want 15", got)
	}
	if got := cfg.LowVarianceThreshold("7MB"); got != 42 {
		t.Errorf("LowVarianceThreshold(7MB) = %f, want default 42", got)
	}
}

func TestLoad_BadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[general\nworkers"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load accepted malformed TOML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no engines", func(c *Config) { c.Engines = nil }},
		{"empty engine name", func(c *Config) { c.Engines[0].Name = "" }},
		{"duplicate engine", func(c *Config) { c.Engines[1].Name = c.Engines[0].Name }},
		{"no command", func(c *Config) { c.Engines[0].Command = nil }},
		{"bad strategy", func(c *Config) { c.Engines[0].Strategy = "psychic" }},
		{"zero iterations", func(c *Config) { c.Matrix.Iterations = 0 }},
		{"zero timeout", func(c *Config) { c.Matrix.TimeoutSeconds = 0 }},
	}
	for _, tt := range tests {
		cfg := Default()
		tt.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate passed, want error", tt.name)
		}
	}
}

func TestLowVarianceThresholds_DefaultsTightenWithSize(t *testing.T) {
	cfg := Default()
	small := cfg.LowVarianceThreshold("1MB")
	large := cfg.LowVarianceThreshold("1GB")
	if large >= small {
		t.Errorf("threshold 1GB (%f) >= 1MB (%f), want stricter for larger corpora", large, small)
	}
}
