package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Dataset.MaskThreshold != 500 || cfg.Dataset.AcceptProbability != 0.98 {
		t.Errorf("unexpected acceptance policy %d/%g", cfg.Dataset.MaskThreshold, cfg.Dataset.AcceptProbability)
	}
	if cfg.Training.LearningRate != 0.0002 || cfg.Training.Beta1 != 0.5 {
		t.Errorf("unexpected optimizer defaults %g/%g", cfg.Training.LearningRate, cfg.Training.Beta1)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Training.BatchSize != DefaultConfig().Training.BatchSize {
		t.Errorf("batch size %d, want default", cfg.Training.BatchSize)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for _, name := range []string{"config.yaml", "config.toml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			cfg := DefaultConfig()
			cfg.Dataset.Variant = "fish"
			cfg.Dataset.CropSize = [3]int{48, 48, 40}
			cfg.Training.BatchSize = 4
			cfg.Log.Logfile = "/tmp/train.log"

			if err := SaveConfig(cfg, path); err != nil {
				t.Fatalf("SaveConfig failed: %v", err)
			}
			loaded, err := LoadConfig(path)
			if err != nil {
				t.Fatalf("LoadConfig failed: %v", err)
			}
			if loaded.Dataset.Variant != "fish" || loaded.Dataset.CropSize != cfg.Dataset.CropSize {
				t.Errorf("dataset section not preserved: %+v", loaded.Dataset)
			}
			if loaded.Training.BatchSize != 4 || loaded.Log.Logfile != "/tmp/train.log" {
				t.Errorf("training/log sections not preserved")
			}
		})
	}
}

func TestLoadPartialYAMLKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	data := []byte("training:\n  batchSize: 2\n  epochs: 3\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Training.BatchSize != 2 || cfg.Training.Epochs != 3 {
		t.Errorf("overrides not applied: %+v", cfg.Training)
	}
	if cfg.Model.GeneratorFilters != 64 {
		t.Errorf("generator filters %d, want default 64", cfg.Model.GeneratorFilters)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty variant", func(c *Config) { c.Dataset.Variant = "" }},
		{"zero batch", func(c *Config) { c.Training.BatchSize = 0 }},
		{"negative crop", func(c *Config) { c.Dataset.CropSize = [3]int{-1, 2, 2} }},
		{"beta1 out of range", func(c *Config) { c.Training.Beta1 = 1.5 }},
		{"two field channels", func(c *Config) { c.Model.FieldChannels = 2 }},
		{"accept probability one", func(c *Config) { c.Dataset.AcceptProbability = 1 }},
		{"zero epochs", func(c *Config) { c.Training.Epochs = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
