// Copyright (C) 2026 TRM-OS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package quantum

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all quantum subsystem configuration.
//
// Numeric defaults are preserved verbatim from the original system for
// behavioral compatibility; they are configuration, not validated
// statistics.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after creation.
type Config struct {
	// Detector contains state detector settings.
	Detector DetectorConfig `json:"detector" yaml:"detector"`

	// Transition contains state transition engine settings.
	Transition TransitionConfig `json:"transition" yaml:"transition"`

	// Monitor contains coherence monitor settings.
	Monitor MonitorConfig `json:"monitor" yaml:"monitor"`

	// Optimizer contains optimization engine settings.
	Optimizer OptimizerConfig `json:"optimizer" yaml:"optimizer"`

	// Manager contains orchestrator loop settings.
	Manager ManagerConfig `json:"manager" yaml:"manager"`
}

// DetectorConfig contains state detector settings.
type DetectorConfig struct {
	// DetectionThreshold is the minimum confidence for a detected state.
	DetectionThreshold float64 `json:"detection_threshold" yaml:"detection_threshold"`

	// CoherenceThreshold separates coherent from degraded signals in the
	// heuristic rules.
	CoherenceThreshold float64 `json:"coherence_threshold" yaml:"coherence_threshold"`

	// AnomalyThreshold is the centroid-distance cutoff for anomalies.
	AnomalyThreshold float64 `json:"anomaly_threshold" yaml:"anomaly_threshold"`

	// MinTrainingSamples is the minimum labeled sample count for Train.
	MinTrainingSamples int `json:"min_training_samples" yaml:"min_training_samples"`
}

// TransitionConfig contains state transition engine settings.
type TransitionConfig struct {
	// ConfidenceThreshold excludes weak transition candidates.
	ConfidenceThreshold float64 `json:"confidence_threshold" yaml:"confidence_threshold"`

	// MaxConcurrent caps simultaneously executing transitions.
	MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent"`

	// MaxPathSteps bounds the greedy path search.
	MaxPathSteps int `json:"max_path_steps" yaml:"max_path_steps"`
}

// MonitorConfig contains coherence monitor settings.
type MonitorConfig struct {
	// Interval is the monitoring loop period.
	Interval time.Duration `json:"interval" yaml:"interval"`

	// AlertCooldown suppresses duplicate (system, metric, level) alerts.
	AlertCooldown time.Duration `json:"alert_cooldown" yaml:"alert_cooldown"`

	// EscalationAfter auto-escalates unacknowledged alerts one level.
	EscalationAfter time.Duration `json:"escalation_after" yaml:"escalation_after"`

	// WarningThreshold, CriticalThreshold, and EmergencyThreshold map
	// metric values to alert levels (value below threshold -> level).
	WarningThreshold   float64 `json:"warning_threshold" yaml:"warning_threshold"`
	CriticalThreshold  float64 `json:"critical_threshold" yaml:"critical_threshold"`
	EmergencyThreshold float64 `json:"emergency_threshold" yaml:"emergency_threshold"`
}

// OptimizerConfig contains optimization engine settings.
type OptimizerConfig struct {
	// Iterations bounds each algorithm's search loop.
	Iterations int `json:"iterations" yaml:"iterations"`

	// CoherenceWeight and WINWeight combine the two objective terms.
	CoherenceWeight float64 `json:"coherence_weight" yaml:"coherence_weight"`
	WINWeight       float64 `json:"win_weight" yaml:"win_weight"`

	// PopulationSize sizes the genetic algorithm's population.
	PopulationSize int `json:"population_size" yaml:"population_size"`

	// InitialTemperature seeds the annealing schedule.
	InitialTemperature float64 `json:"initial_temperature" yaml:"initial_temperature"`

	// LearningRate steps the gradient descent.
	LearningRate float64 `json:"learning_rate" yaml:"learning_rate"`
}

// ManagerConfig contains orchestrator loop settings.
type ManagerConfig struct {
	// MetricsInterval is the metrics snapshot loop period.
	MetricsInterval time.Duration `json:"metrics_interval" yaml:"metrics_interval"`

	// OptimizationInterval is the auto-optimization loop period.
	OptimizationInterval time.Duration `json:"optimization_interval" yaml:"optimization_interval"`

	// CoherenceInterval is the status-flip loop period.
	CoherenceInterval time.Duration `json:"coherence_interval" yaml:"coherence_interval"`

	// CoherenceThreshold triggers auto-optimization and status
	// degradation when a system's coherence drops below it.
	CoherenceThreshold float64 `json:"coherence_threshold" yaml:"coherence_threshold"`
}

// DefaultConfig returns the default quantum configuration.
func DefaultConfig() Config {
	return Config{
		Detector: DetectorConfig{
			DetectionThreshold: 0.7,
			CoherenceThreshold: 0.5,
			AnomalyThreshold:   2.0,
			MinTrainingSamples: 5,
		},
		Transition: TransitionConfig{
			ConfidenceThreshold: 0.7,
			MaxConcurrent:       5,
			MaxPathSteps:        5,
		},
		Monitor: MonitorConfig{
			Interval:           30 * time.Second,
			AlertCooldown:      300 * time.Second,
			EscalationAfter:    30 * time.Minute,
			WarningThreshold:   0.6,
			CriticalThreshold:  0.4,
			EmergencyThreshold: 0.2,
		},
		Optimizer: OptimizerConfig{
			Iterations:         50,
			CoherenceWeight:    0.6,
			WINWeight:          0.4,
			PopulationSize:     20,
			InitialTemperature: 1.0,
			LearningRate:       0.05,
		},
		Manager: ManagerConfig{
			MetricsInterval:      60 * time.Second,
			OptimizationInterval: 300 * time.Second,
			CoherenceInterval:    60 * time.Second,
			CoherenceThreshold:   0.5,
		},
	}
}

// LoadConfig loads configuration with priority: env > file > defaults.
//
// Inputs:
//   - configPath: Path to a YAML/JSON config file (optional, can be empty).
//
// Outputs:
//   - Config: Merged configuration.
//   - error: Non-nil if the file exists but is invalid, or validation fails.
func LoadConfig(configPath string) (Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		if err := loadConfigFile(configPath, &config); err != nil {
			return config, fmt.Errorf("load config file: %w", err)
		}
	}

	loadConfigFromEnv(&config)

	if err := config.Validate(); err != nil {
		return config, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}

func loadConfigFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // File doesn't exist, use defaults
		}
		return err
	}

	// Try YAML first, then JSON
	if err := yaml.Unmarshal(data, config); err != nil {
		if jsonErr := json.Unmarshal(data, config); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}

	return nil
}

func loadConfigFromEnv(config *Config) {
	if v := os.Getenv("TRMOS_QUANTUM_DETECTION_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Detector.DetectionThreshold = f
		}
	}
	if v := os.Getenv("TRMOS_QUANTUM_COHERENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Manager.CoherenceThreshold = f
		}
	}
	if v := os.Getenv("TRMOS_QUANTUM_MAX_TRANSITIONS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			config.Transition.MaxConcurrent = i
		}
	}
	if v := os.Getenv("TRMOS_QUANTUM_MONITOR_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Monitor.Interval = d
		}
	}
	if v := os.Getenv("TRMOS_QUANTUM_ALERT_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Monitor.AlertCooldown = d
		}
	}
	if v := os.Getenv("TRMOS_QUANTUM_OPTIMIZATION_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Manager.OptimizationInterval = d
		}
	}
	if v := os.Getenv("TRMOS_QUANTUM_OPTIMIZER_ITERATIONS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			config.Optimizer.Iterations = i
		}
	}
}

// Validate checks that the configuration is valid.
func (c Config) Validate() error {
	if c.Detector.DetectionThreshold < 0 || c.Detector.DetectionThreshold > 1 {
		return fmt.Errorf("detection_threshold must be between 0 and 1")
	}
	if c.Transition.ConfidenceThreshold < 0 || c.Transition.ConfidenceThreshold > 1 {
		return fmt.Errorf("transition confidence_threshold must be between 0 and 1")
	}
	if c.Transition.MaxConcurrent < 1 {
		return fmt.Errorf("transition max_concurrent must be >= 1")
	}
	if c.Transition.MaxPathSteps < 1 {
		return fmt.Errorf("max_path_steps must be >= 1")
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor interval must be positive")
	}
	if !(c.Monitor.EmergencyThreshold < c.Monitor.CriticalThreshold &&
		c.Monitor.CriticalThreshold < c.Monitor.WarningThreshold) {
		return fmt.Errorf("monitor thresholds must satisfy emergency < critical < warning")
	}
	if c.Optimizer.Iterations < 1 {
		return fmt.Errorf("optimizer iterations must be >= 1")
	}
	if c.Optimizer.CoherenceWeight+c.Optimizer.WINWeight <= 0 {
		return fmt.Errorf("objective weights must sum to a positive value")
	}
	if c.Manager.CoherenceThreshold < 0 || c.Manager.CoherenceThreshold > 1 {
		return fmt.Errorf("manager coherence_threshold must be between 0 and 1")
	}
	return nil
}
