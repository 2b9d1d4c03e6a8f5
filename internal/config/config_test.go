package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultHasSaneValues(t *testing.T) {
	cfg := Default()
	if cfg.ScaleInit != 1.0 {
		t.Fatalf("ScaleInit = %v, want 1.0", cfg.ScaleInit)
	}
	if cfg.Gravity[2] != -9.81 {
		t.Fatalf("Gravity[2] = %v, want -9.81", cfg.Gravity[2])
	}
}

func TestLoadOverridesDefaultsFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := "scale_init: 2.5\nfuzzy_threshold: 0.25\nlog:\n  level: debug\n  output: stdout\n"
	if err := os.WriteFile(path, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ScaleInit != 2.5 {
		t.Fatalf("ScaleInit = %v, want 2.5", cfg.ScaleInit)
	}
	if cfg.FuzzyThreshold != 0.25 {
		t.Fatalf("FuzzyThreshold = %v, want 0.25", cfg.FuzzyThreshold)
	}
	// fields the override omitted should keep the Default() value
	if cfg.MaxStateMeasurementVarianceRatio != 30.0 {
		t.Fatalf("MaxStateMeasurementVarianceRatio = %v, want unchanged default 30.0", cfg.MaxStateMeasurementVarianceRatio)
	}
}

func TestLoadOrDefaultFallsBackOnMissingFile(t *testing.T) {
	cfg := LoadOrDefault(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if cfg.ScaleInit != Default().ScaleInit {
		t.Fatalf("LoadOrDefault on missing file did not fall back to Default()")
	}
}
