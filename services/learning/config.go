// Copyright (C) 2026 TRM-OS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package learning

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all learning subsystem configuration.
//
// The numeric defaults (significance margin, confidence floors, sample
// minimums, concurrency caps) are preserved verbatim from the original
// system for behavioral compatibility; they are configuration, not
// validated statistics.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after creation.
type Config struct {
	// Collector contains experience collector settings.
	Collector CollectorConfig `json:"collector" yaml:"collector"`

	// Recognizer contains pattern recognizer settings.
	Recognizer RecognizerConfig `json:"recognizer" yaml:"recognizer"`

	// Adaptation contains adaptation engine settings.
	Adaptation AdaptationConfig `json:"adaptation" yaml:"adaptation"`

	// Tracker contains performance tracker settings.
	Tracker TrackerConfig `json:"tracker" yaml:"tracker"`

	// Cycle contains learning cycle orchestration settings.
	Cycle CycleConfig `json:"cycle" yaml:"cycle"`
}

// CollectorConfig contains experience collector settings.
type CollectorConfig struct {
	// Capacity bounds the in-memory experience store; oldest-by-timestamp
	// experiences are evicted beyond it.
	Capacity int `json:"capacity" yaml:"capacity"`

	// LowConfidenceThreshold triggers a warning log (the experience is
	// stored anyway) for experiences below it.
	LowConfidenceThreshold float64 `json:"low_confidence_threshold" yaml:"low_confidence_threshold"`
}

// RecognizerConfig contains pattern recognizer settings.
type RecognizerConfig struct {
	// MinFrequency is the minimum occurrence count for a valid pattern.
	MinFrequency int `json:"min_frequency" yaml:"min_frequency"`

	// MinConfidence is the minimum confidence for a valid pattern.
	MinConfidence float64 `json:"min_confidence" yaml:"min_confidence"`

	// SignificanceMargin is the minimum |successRate - 0.5| for
	// rate-based patterns.
	SignificanceMargin float64 `json:"significance_margin" yaml:"significance_margin"`

	// HighSuccessRate and LowSuccessRate flag extreme groups.
	HighSuccessRate float64 `json:"high_success_rate" yaml:"high_success_rate"`
	LowSuccessRate  float64 `json:"low_success_rate" yaml:"low_success_rate"`

	// TopTemporalSlots limits how many hour/day groups are flagged.
	TopTemporalSlots int `json:"top_temporal_slots" yaml:"top_temporal_slots"`

	// MinImprovement is the minimum mean improvement delta to flag a
	// performance-improvement pattern.
	MinImprovement float64 `json:"min_improvement" yaml:"min_improvement"`
}

// AdaptationConfig contains adaptation engine settings.
type AdaptationConfig struct {
	// Cooldown is the minimum wait between applications of one rule.
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`

	// MaxConcurrent caps simultaneously active adaptations.
	MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent"`
}

// TrackerConfig contains performance tracker settings.
type TrackerConfig struct {
	// BaselineSampleSize is how many initial samples establish the
	// frozen baseline.
	BaselineSampleSize int `json:"baseline_sample_size" yaml:"baseline_sample_size"`

	// HistorySize bounds the rolling history per metric type.
	HistorySize int `json:"history_size" yaml:"history_size"`

	// TrendWindow is how many recent points feed the regression slope.
	TrendWindow int `json:"trend_window" yaml:"trend_window"`

	// TrendSlopeThreshold classifies improving/declining/stable.
	TrendSlopeThreshold float64 `json:"trend_slope_threshold" yaml:"trend_slope_threshold"`

	// SignificantChange is the baseline-relative deviation that fires a
	// significant-change event.
	SignificantChange float64 `json:"significant_change" yaml:"significant_change"`
}

// CycleConfig contains learning cycle orchestration settings.
type CycleConfig struct {
	// MinExperiences is the unseen-experience count that auto-triggers
	// a cycle.
	MinExperiences int `json:"min_experiences" yaml:"min_experiences"`

	// MinInterval is the minimum gap between auto-triggered cycles.
	MinInterval time.Duration `json:"min_interval" yaml:"min_interval"`

	// Frequency is the background loop period.
	Frequency time.Duration `json:"frequency" yaml:"frequency"`

	// RetryDelay is the wait before retrying after a failed cycle.
	RetryDelay time.Duration `json:"retry_delay" yaml:"retry_delay"`

	// AutoAdapt applies generated rules during the cycle.
	AutoAdapt bool `json:"auto_adapt" yaml:"auto_adapt"`
}

// DefaultConfig returns the default learning configuration.
func DefaultConfig() Config {
	return Config{
		Collector: CollectorConfig{
			Capacity:               10000,
			LowConfidenceThreshold: 0.3,
		},
		Recognizer: RecognizerConfig{
			MinFrequency:       3,
			MinConfidence:      0.6,
			SignificanceMargin: 0.2,
			HighSuccessRate:    0.8,
			LowSuccessRate:     0.2,
			TopTemporalSlots:   3,
			MinImprovement:     0.1,
		},
		Adaptation: AdaptationConfig{
			Cooldown:      time.Hour,
			MaxConcurrent: 5,
		},
		Tracker: TrackerConfig{
			BaselineSampleSize:  10,
			HistorySize:         1000,
			TrendWindow:         10,
			TrendSlopeThreshold: 0.01,
			SignificantChange:   0.10,
		},
		Cycle: CycleConfig{
			MinExperiences: 10,
			MinInterval:    time.Hour,
			Frequency:      24 * time.Hour,
			RetryDelay:     time.Hour,
			AutoAdapt:      true,
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
	if v := os.Getenv("TRMOS_LEARNING_CAPACITY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			config.Collector.Capacity = i
		}
	}
	if v := os.Getenv("TRMOS_LEARNING_MIN_FREQUENCY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			config.Recognizer.MinFrequency = i
		}
	}
	if v := os.Getenv("TRMOS_LEARNING_MIN_CONFIDENCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Recognizer.MinConfidence = f
		}
	}
	if v := os.Getenv("TRMOS_ADAPTATION_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Adaptation.Cooldown = d
		}
	}
	if v := os.Getenv("TRMOS_ADAPTATION_MAX_CONCURRENT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			config.Adaptation.MaxConcurrent = i
		}
	}
	if v := os.Getenv("TRMOS_TRACKER_BASELINE_SAMPLES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			config.Tracker.BaselineSampleSize = i
		}
	}
	if v := os.Getenv("TRMOS_CYCLE_FREQUENCY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Cycle.Frequency = d
		}
	}
	if v := os.Getenv("TRMOS_CYCLE_MIN_EXPERIENCES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			config.Cycle.MinExperiences = i
		}
	}
	if v := os.Getenv("TRMOS_CYCLE_AUTO_ADAPT"); v != "" {
		config.Cycle.AutoAdapt = v == "true" || v == "1"
	}
}

// Validate checks that the configuration is valid.
func (c Config) Validate() error {
	if c.Collector.Capacity < 1 {
		return fmt.Errorf("collector capacity must be >= 1")
	}
	if c.Recognizer.MinFrequency < 1 {
		return fmt.Errorf("min_frequency must be >= 1")
	}
	if c.Recognizer.MinConfidence < 0 || c.Recognizer.MinConfidence > 1 {
		return fmt.Errorf("min_confidence must be between 0 and 1")
	}
	if c.Recognizer.SignificanceMargin < 0 || c.Recognizer.SignificanceMargin > 0.5 {
		return fmt.Errorf("significance_margin must be between 0 and 0.5")
	}
	if c.Adaptation.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be >= 1")
	}
	if c.Adaptation.Cooldown < 0 {
		return fmt.Errorf("cooldown must be >= 0")
	}
	if c.Tracker.BaselineSampleSize < 1 {
		return fmt.Errorf("baseline_sample_size must be >= 1")
	}
	if c.Tracker.HistorySize < c.Tracker.BaselineSampleSize {
		return fmt.Errorf("history_size must be >= baseline_sample_size")
	}
	if c.Cycle.MinExperiences < 1 {
		return fmt.Errorf("min_experiences must be >= 1")
	}
	return nil
}
