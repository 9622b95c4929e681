package config

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// SystemConfig holds the settings of one controller instance. It is
// immutable for the lifetime of a running controller.
type SystemConfig struct {
	MonitoringInterval     time.Duration `config:"monitoring_interval" validate:"gt=0"`
	CollectionInterval     time.Duration `config:"collection_interval" validate:"gt=0"`
	AnalysisInterval       time.Duration `config:"analysis_interval" validate:"gt=0"`
	ShutdownTimeout        time.Duration `config:"shutdown_timeout" validate:"gt=0"`
	EnableAutoOptimization bool          `config:"enable_auto_optimization"`
	LogPerformanceMetrics  bool          `config:"log_performance_metrics"`

	// PortTimeout bounds every call into telemetry, alert, metrics and
	// history ports.
	PortTimeout time.Duration `config:"port_timeout" validate:"gt=0"`
	// YieldBaseline is the expected aggregate daily yield. Zero disables
	// the yield deviation check.
	YieldBaseline float64 `config:"yield_baseline" validate:"gte=0"`

	Policy PolicyConfig `config:"policy"`
}

// PolicyConfig holds the tunables of the optimization policy
type PolicyConfig struct {
	ThrottleStep         float64 `config:"throttle_step" validate:"gt=0,lt=1"`
	CoolingCoefficient   float64 `config:"cooling_coefficient" validate:"gt=0"`
	ThroughputFloorRatio float64 `config:"throughput_floor_ratio" validate:"gt=0,lte=1"`
	// TargetTemperature must sit below the overheating threshold (85°C).
	TargetTemperature float64 `config:"target_temperature" validate:"gt=0,lt=85"`
}

// DefaultConfig returns default configuration
func DefaultConfig() SystemConfig {
	return SystemConfig{
		MonitoringInterval:     500 * time.Millisecond,
		CollectionInterval:     time.Second,
		AnalysisInterval:       1500 * time.Millisecond,
		ShutdownTimeout:        5 * time.Second,
		EnableAutoOptimization: true,
		LogPerformanceMetrics:  false,
		PortTimeout:            2 * time.Second,
		YieldBaseline:          0,
		Policy:                 DefaultPolicyConfig(),
	}
}

// DefaultPolicyConfig returns the policy defaults: 10% throttle steps,
// 0.15 cooling coefficient, a floor of 10% of baseline throughput and a
// target just below the overheating threshold.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		ThrottleStep:         0.10,
		CoolingCoefficient:   0.15,
		ThroughputFloorRatio: 0.10,
		TargetTemperature:    84,
	}
}

// fileConfig is the on-disk layout. Durations are numeric seconds and
// pointers distinguish a missing key from a zero value.
type fileConfig struct {
	MonitoringInterval     *float64    `yaml:"monitoring_interval"`
	CollectionInterval     *float64    `yaml:"collection_interval"`
	AnalysisInterval       *float64    `yaml:"analysis_interval"`
	ShutdownTimeout        *float64    `yaml:"shutdown_timeout"`
	EnableAutoOptimization *bool       `yaml:"enable_auto_optimization"`
	LogPerformanceMetrics  *bool       `yaml:"log_performance_metrics"`
	PortTimeout            *float64    `yaml:"port_timeout,omitempty"`
	YieldBaseline          *float64    `yaml:"yield_baseline,omitempty"`
	Policy                 *filePolicy `yaml:"policy,omitempty"`
}

type filePolicy struct {
	ThrottleStep         *float64 `yaml:"throttle_step,omitempty"`
	CoolingCoefficient   *float64 `yaml:"cooling_coefficient,omitempty"`
	ThroughputFloorRatio *float64 `yaml:"throughput_floor_ratio,omitempty"`
	TargetTemperature    *float64 `yaml:"target_temperature,omitempty"`
}

// LoadFromFile reads, parses and validates a configuration file
func LoadFromFile(path string) (SystemConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SystemConfig{}, &ConfigError{Path: path, Message: "failed to read config file", Err: err}
	}

	cfg, err := Parse(data)
	if err != nil {
		var cerr *ConfigError
		if errors.As(err, &cerr) {
			cerr.Path = path
		}
		return SystemConfig{}, err
	}
	return cfg, nil
}

// Parse decodes configuration bytes. Unknown keys are ignored.
func Parse(data []byte) (SystemConfig, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return SystemConfig{}, &ConfigError{Message: "failed to parse YAML config", Err: err}
	}

	cfg := DefaultConfig()

	required := []struct {
		name  string
		value *float64
		dst   *time.Duration
	}{
		{"monitoring_interval", fc.MonitoringInterval, &cfg.MonitoringInterval},
		{"collection_interval", fc.CollectionInterval, &cfg.CollectionInterval},
		{"analysis_interval", fc.AnalysisInterval, &cfg.AnalysisInterval},
		{"shutdown_timeout", fc.ShutdownTimeout, &cfg.ShutdownTimeout},
	}
	for _, r := range required {
		if r.value == nil {
			return SystemConfig{}, missingField(r.name)
		}
		*r.dst = fromSeconds(*r.value)
	}

	if fc.EnableAutoOptimization == nil {
		return SystemConfig{}, missingField("enable_auto_optimization")
	}
	cfg.EnableAutoOptimization = *fc.EnableAutoOptimization

	if fc.LogPerformanceMetrics == nil {
		return SystemConfig{}, missingField("log_performance_metrics")
	}
	cfg.LogPerformanceMetrics = *fc.LogPerformanceMetrics

	if fc.PortTimeout != nil {
		cfg.PortTimeout = fromSeconds(*fc.PortTimeout)
	}
	if fc.YieldBaseline != nil {
		cfg.YieldBaseline = *fc.YieldBaseline
	}
	if p := fc.Policy; p != nil {
		setIfPresent(&cfg.Policy.ThrottleStep, p.ThrottleStep)
		setIfPresent(&cfg.Policy.CoolingCoefficient, p.CoolingCoefficient)
		setIfPresent(&cfg.Policy.ThroughputFloorRatio, p.ThroughputFloorRatio)
		setIfPresent(&cfg.Policy.TargetTemperature, p.TargetTemperature)
	}

	if err := NewValidator().Validate(cfg); err != nil {
		return SystemConfig{}, err
	}
	return cfg, nil
}

// Marshal encodes a configuration in the file format. Output is
// deterministic for equal inputs.
func Marshal(cfg SystemConfig) ([]byte, error) {
	fc := fileConfig{
		MonitoringInterval:     ptr(cfg.MonitoringInterval.Seconds()),
		CollectionInterval:     ptr(cfg.CollectionInterval.Seconds()),
		AnalysisInterval:       ptr(cfg.AnalysisInterval.Seconds()),
		ShutdownTimeout:        ptr(cfg.ShutdownTimeout.Seconds()),
		EnableAutoOptimization: ptr(cfg.EnableAutoOptimization),
		LogPerformanceMetrics:  ptr(cfg.LogPerformanceMetrics),
		PortTimeout:            ptr(cfg.PortTimeout.Seconds()),
		YieldBaseline:          ptr(cfg.YieldBaseline),
		Policy: &filePolicy{
			ThrottleStep:         ptr(cfg.Policy.ThrottleStep),
			CoolingCoefficient:   ptr(cfg.Policy.CoolingCoefficient),
			ThroughputFloorRatio: ptr(cfg.Policy.ThroughputFloorRatio),
			TargetTemperature:    ptr(cfg.Policy.TargetTemperature),
		},
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&fc); err != nil {
		return nil, fmt.Errorf("failed to marshal config to YAML: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to marshal config to YAML: %w", err)
	}
	return buf.Bytes(), nil
}

// SaveToFile validates and writes the configuration, replacing the file
// atomically.
func SaveToFile(cfg SystemConfig, path string) error {
	if err := NewValidator().Validate(cfg); err != nil {
		return err
	}

	data, err := Marshal(cfg)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Write to a temporary file first for atomicity.
	tempFile := path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write to temporary config file: %w", err)
	}
	if err := os.Rename(tempFile, path); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename temp config file: %w", err)
	}
	return nil
}

func missingField(name string) error {
	return &ConfigError{Field: name, Message: "required field is missing"}
}

func fromSeconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}

func setIfPresent(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func ptr[T any](v T) *T {
	return &v
}
