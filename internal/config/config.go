// Package config loads the runtime-reconfigurable filter surface: scale
// initialization, per-sensor measurement noise overrides, process-noise
// densities, the fuzzy-tracking threshold, and the outlier-rejection
// ratios sensor modules consume. Files are YAML; any field a file
// omits keeps its Default() value.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// ProcessNoiseConfig mirrors fusion.ProcessNoise in a YAML-friendly
// shape so it can be loaded without importing the fusion package from
// config (keeps config dependency-free of the domain logic it feeds).
type ProcessNoiseConfig struct {
	SigmaW  float64 `yaml:"sigma_w"`
	SigmaA  float64 `yaml:"sigma_a"`
	SigmaBw float64 `yaml:"sigma_bw"`
	SigmaBa float64 `yaml:"sigma_ba"`
}

// SensorNoiseConfig is one `meas_noiseN`-style override, consumed by a
// sensor module rather than the core.
type SensorNoiseConfig struct {
	Name  string  `yaml:"name"`
	Sigma float64 `yaml:"sigma"`
}

// Config is the full reconfigurable surface.
type Config struct {
	// InitFilter is the init_filter reset pulse flag; this package only
	// loads it. The only seed value carried here is ScaleInit.
	InitFilter bool `yaml:"init_filter"`

	// ScaleInit is the initial visual scale L.
	ScaleInit float64 `yaml:"scale_init"`

	// MeasNoise holds per-sensor measurement noise overrides, consumed
	// by sensor modules, not the core.
	MeasNoise []SensorNoiseConfig `yaml:"meas_noise"`

	ProcessNoise ProcessNoiseConfig `yaml:"process_noise"`

	// FuzzyThreshold gates the q_wv observability monitor.
	FuzzyThreshold float64 `yaml:"fuzzy_threshold"`

	// MaxStateMeasurementVarianceRatio and SigmaDistanceScale are
	// consumed by sensor modules for outlier rejection.
	MaxStateMeasurementVarianceRatio float64 `yaml:"max_state_measurement_variance_ratio"`
	SigmaDistanceScale               float64 `yaml:"sigma_distance_scale"`

	Gravity [3]float64 `yaml:"gravity"`

	Log LogConfig `yaml:"log"`
}

// LogConfig controls the ambient logrus sink.
type LogConfig struct {
	Level  string `yaml:"level"`
	Output string `yaml:"output"`
}

// Default returns the stock tuning for a consumer-grade MEMS IMU rig.
func Default() *Config {
	return &Config{
		InitFilter: false,
		ScaleInit:  1.0,
		ProcessNoise: ProcessNoiseConfig{
			SigmaW:  1e-3,
			SigmaA:  1e-2,
			SigmaBw: 1e-6,
			SigmaBa: 1e-5,
		},
		FuzzyThreshold:                   0.1,
		MaxStateMeasurementVarianceRatio: 30.0,
		SigmaDistanceScale:               10.0,
		Gravity:                          [3]float64{0, 0, -9.81},
		Log:                              LogConfig{Level: "info", Output: "stdout"},
	}
}

// Load reads a YAML configuration file, starting from Default() so any
// field the file omits keeps its default value.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads from path, falling back to Default() if the file
// cannot be read (matches the LoadConfigOrDefault convenience pattern
// used elsewhere in this stack).
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		return Default()
	}
	return cfg
}
