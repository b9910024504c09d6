// Copyright (C) 2026 TRM-OS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the TRM-OS core.
//
// # Description
//
// Metrics cover both subsystems:
//   - Learning: experiences collected, patterns discovered, adaptations
//     applied, learning-cycle duration, goal completion
//   - Quantum: registered systems, optimization runs, per-system coherence,
//     WIN probability, executed transitions, coherence alerts
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics.
const metricsNamespace = "trmos"

const (
	learningSubsystem = "learning"
	quantumSubsystem  = "quantum"
)

// LearningMetrics holds Prometheus metrics for the adaptive learning system.
//
// Initialize once at startup via NewLearningMetrics().
type LearningMetrics struct {
	// ExperiencesTotal counts collected experiences.
	// Labels: experience_type, success (true/false)
	ExperiencesTotal *prometheus.CounterVec

	// PatternsTotal counts validated patterns by pattern type.
	PatternsTotal *prometheus.CounterVec

	// AdaptationsTotal counts adaptation rule applications.
	// Labels: adaptation_type, status (applied, skipped, failed)
	AdaptationsTotal *prometheus.CounterVec

	// CycleDurationSeconds measures learning cycle wall time.
	CycleDurationSeconds prometheus.Histogram

	// GoalCompletion tracks completion percentage per goal.
	GoalCompletion *prometheus.GaugeVec

	// StoredExperiences tracks the current size of the experience store.
	StoredExperiences prometheus.Gauge
}

// NewLearningMetrics creates learning metrics registered on reg.
// Pass nil to register on the default registry.
func NewLearningMetrics(reg prometheus.Registerer) *LearningMetrics {
	factory := promauto.With(reg)

	return &LearningMetrics{
		ExperiencesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: learningSubsystem,
			Name:      "experiences_total",
			Help:      "Total experiences collected, by type and success.",
		}, []string{"experience_type", "success"}),

		PatternsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: learningSubsystem,
			Name:      "patterns_total",
			Help:      "Total validated patterns discovered, by pattern type.",
		}, []string{"pattern_type"}),

		AdaptationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: learningSubsystem,
			Name:      "adaptations_total",
			Help:      "Total adaptation rule applications, by type and status.",
		}, []string{"adaptation_type", "status"}),

		CycleDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: learningSubsystem,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of learning cycles.",
			Buckets:   prometheus.DefBuckets,
		}),

		GoalCompletion: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: learningSubsystem,
			Name:      "goal_completion_percent",
			Help:      "Completion percentage per learning goal.",
		}, []string{"goal"}),

		StoredExperiences: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: learningSubsystem,
			Name:      "stored_experiences",
			Help:      "Current number of experiences in the bounded store.",
		}),
	}
}

// QuantumMetrics holds Prometheus metrics for the quantum subsystem.
//
// Initialize once at startup via NewQuantumMetrics().
type QuantumMetrics struct {
	// Systems tracks the number of registered quantum systems.
	Systems prometheus.Gauge

	// Coherence tracks total coherence per system.
	Coherence *prometheus.GaugeVec

	// WINProbability tracks the last calculated WIN probability per
	// system and category.
	WINProbability *prometheus.GaugeVec

	// OptimizationsTotal counts optimization runs.
	// Labels: method, status (success, failure)
	OptimizationsTotal *prometheus.CounterVec

	// OptimizationDurationSeconds measures optimization wall time by method.
	OptimizationDurationSeconds *prometheus.HistogramVec

	// TransitionsTotal counts executed state transitions.
	// Labels: status (success, failure)
	TransitionsTotal *prometheus.CounterVec

	// AlertsTotal counts coherence alerts raised, by level.
	AlertsTotal *prometheus.CounterVec
}

// NewQuantumMetrics creates quantum metrics registered on reg.
// Pass nil to register on the default registry.
func NewQuantumMetrics(reg prometheus.Registerer) *QuantumMetrics {
	factory := promauto.With(reg)

	return &QuantumMetrics{
		Systems: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: quantumSubsystem,
			Name:      "systems",
			Help:      "Number of registered quantum systems.",
		}),

		Coherence: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: quantumSubsystem,
			Name:      "coherence",
			Help:      "Total coherence per quantum system.",
		}, []string{"system_id"}),

		WINProbability: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: quantumSubsystem,
			Name:      "win_probability",
			Help:      "Last calculated WIN probability per system and category.",
		}, []string{"system_id", "category"}),

		OptimizationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: quantumSubsystem,
			Name:      "optimizations_total",
			Help:      "Total optimization runs, by method and status.",
		}, []string{"method", "status"}),

		OptimizationDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: quantumSubsystem,
			Name:      "optimization_duration_seconds",
			Help:      "Wall time of optimization runs by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),

		TransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: quantumSubsystem,
			Name:      "transitions_total",
			Help:      "Total executed state transitions, by status.",
		}, []string{"status"}),

		AlertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: quantumSubsystem,
			Name:      "coherence_alerts_total",
			Help:      "Total coherence alerts raised, by level.",
		}, []string{"level"}),
	}
}
