// Package config provides configuration loading and management for
// ganregistration. It loads YAML (or TOML) files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"ganregistration/pkg/logging"
)

// Config represents the application configuration
type Config struct {
	// Dataset parameters
	Dataset struct {
		// Variant selects the corpus layout: "fly" or "fish"
		Variant string `yaml:"variant" toml:"variant"`

		// DataRoot is the directory holding the variant's volume files
		DataRoot string `yaml:"dataRoot" toml:"data_root"`

		// CropSize overrides the variant's crop size when all entries are positive
		CropSize [3]int `yaml:"cropSize" toml:"crop_size"`

		// Seed initializes the sampling and weight-initialization random streams
		Seed uint64 `yaml:"seed" toml:"seed"`

		// MaskThreshold is the number of mask voxels a crop must exceed
		MaskThreshold int `yaml:"maskThreshold" toml:"mask_threshold"`

		// AcceptProbability is the value a uniform draw must exceed for a crop to be kept
		AcceptProbability float64 `yaml:"acceptProbability" toml:"accept_probability"`

		// MaxAttempts bounds the redraws for a single batch element
		MaxAttempts int `yaml:"maxAttempts" toml:"max_attempts"`

		// LoadWorkers is the number of volumes read concurrently
		LoadWorkers int `yaml:"loadWorkers" toml:"load_workers"`
	} `yaml:"dataset" toml:"dataset"`

	// Model parameters
	Model struct {
		// GeneratorFilters is the number of filters in the generator's first layer
		GeneratorFilters int `yaml:"generatorFilters" toml:"generator_filters"`

		// DiscriminatorFilters is the number of filters in the discriminator's first layer
		DiscriminatorFilters int `yaml:"discriminatorFilters" toml:"discriminator_filters"`

		// FieldChannels is 1 for an isotropic displacement or 3 for one per axis
		FieldChannels int `yaml:"fieldChannels" toml:"field_channels"`
	} `yaml:"model" toml:"model"`

	// Training parameters
	Training struct {
		BatchSize    int     `yaml:"batchSize" toml:"batch_size"`
		Epochs       int     `yaml:"epochs" toml:"epochs"`
		LearningRate float64 `yaml:"learningRate" toml:"learning_rate"`

		// Beta1 is the optimizer momentum term
		Beta1 float64 `yaml:"beta1" toml:"beta1"`
		Beta2 float64 `yaml:"beta2" toml:"beta2"`

		// PenaltyWeight scales the deformation smoothness penalty
		PenaltyWeight float64 `yaml:"penaltyWeight" toml:"penalty_weight"`

		// ReferenceAlpha blends template and subject into the positive pair
		ReferenceAlpha float64 `yaml:"referenceAlpha" toml:"reference_alpha"`

		// Workers is the operator parallelism, 0 for all logical cores
		Workers int `yaml:"workers" toml:"workers"`
	} `yaml:"training" toml:"training"`

	// Output parameters
	Output struct {
		// CheckpointDir receives network snapshots, disabled when empty
		CheckpointDir   string `yaml:"checkpointDir" toml:"checkpoint_dir"`
		CheckpointEvery int    `yaml:"checkpointEvery" toml:"checkpoint_every"`

		// SampleDir receives qualitative evaluation slices, disabled when empty
		SampleDir   string `yaml:"sampleDir" toml:"sample_dir"`
		SampleEvery int    `yaml:"sampleEvery" toml:"sample_every"`

		// Verbose enables debug logging
		Verbose bool `yaml:"verbose" toml:"verbose"`
	} `yaml:"output" toml:"output"`

	// Log selects an optional rotating log file
	Log logging.LogConfig `yaml:"log" toml:"log"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Dataset.Variant = "fly"
	cfg.Dataset.Seed = 1
	cfg.Dataset.MaskThreshold = 500
	cfg.Dataset.AcceptProbability = 0.98
	cfg.Dataset.MaxAttempts = 2000000
	cfg.Dataset.LoadWorkers = 4

	cfg.Model.GeneratorFilters = 64
	cfg.Model.DiscriminatorFilters = 64
	cfg.Model.FieldChannels = 1

	cfg.Training.BatchSize = 16
	cfg.Training.Epochs = 100
	cfg.Training.LearningRate = 0.0002
	cfg.Training.Beta1 = 0.5
	cfg.Training.Beta2 = 0.999
	cfg.Training.PenaltyWeight = 1.0
	cfg.Training.ReferenceAlpha = 0.8

	cfg.Output.CheckpointEvery = 10
	cfg.Output.SampleEvery = 1
	cfg.Output.Verbose = false

	return cfg
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Dataset.Variant == "" {
		return fmt.Errorf("dataset variant must be set")
	}
	for _, s := range c.Dataset.CropSize {
		if s < 0 {
			return fmt.Errorf("crop size must not be negative: %v", c.Dataset.CropSize)
		}
	}
	if c.Dataset.MaskThreshold < 0 {
		return fmt.Errorf("mask threshold must not be negative")
	}
	if c.Dataset.AcceptProbability < 0 || c.Dataset.AcceptProbability >= 1 {
		return fmt.Errorf("accept probability must be in [0, 1), got %g", c.Dataset.AcceptProbability)
	}
	if c.Dataset.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1")
	}
	if c.Model.GeneratorFilters < 1 || c.Model.DiscriminatorFilters < 1 {
		return fmt.Errorf("filter counts must be at least 1")
	}
	if c.Model.FieldChannels != 1 && c.Model.FieldChannels != 3 {
		return fmt.Errorf("field channels must be 1 or 3, got %d", c.Model.FieldChannels)
	}
	if c.Training.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1, got %d", c.Training.BatchSize)
	}
	if c.Training.Epochs < 1 {
		return fmt.Errorf("epochs must be at least 1, got %d", c.Training.Epochs)
	}
	if c.Training.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive")
	}
	if c.Training.Beta1 < 0 || c.Training.Beta1 >= 1 {
		return fmt.Errorf("beta1 must be in [0, 1), got %g", c.Training.Beta1)
	}
	if c.Training.ReferenceAlpha < 0 || c.Training.ReferenceAlpha > 1 {
		return fmt.Errorf("reference alpha must be in [0, 1], got %g", c.Training.ReferenceAlpha)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file, or a TOML file when the
// path ends in ".toml". If the file doesn't exist, it returns the default
// configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if isTOML(configPath) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML or TOML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	f, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	defer f.Close()

	if isTOML(configPath) {
		err = toml.NewEncoder(f).Encode(cfg)
	} else {
		enc := yaml.NewEncoder(f)
		enc.SetIndent(2)
		err = enc.Encode(cfg)
		if err == nil {
			err = enc.Close()
		}
	}
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}
