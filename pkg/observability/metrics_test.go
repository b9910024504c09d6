// Copyright (C) 2026 TRM-OS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestLearningMetricsRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewLearningMetrics(reg)

	metrics.ExperiencesTotal.WithLabelValues("task_execution", "true").Inc()
	metrics.ExperiencesTotal.WithLabelValues("task_execution", "true").Inc()
	metrics.ExperiencesTotal.WithLabelValues("task_execution", "false").Inc()
	metrics.PatternsTotal.WithLabelValues("success_rate").Inc()
	metrics.StoredExperiences.Set(42)

	successes := testutil.ToFloat64(
		metrics.ExperiencesTotal.WithLabelValues("task_execution", "true"))
	if successes != 2 {
		t.Errorf("expected 2 successful experiences, got %v", successes)
	}
	if got := testutil.ToFloat64(metrics.StoredExperiences); got != 42 {
		t.Errorf("expected stored_experiences 42, got %v", got)
	}
}

func TestQuantumMetricsRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewQuantumMetrics(reg)

	metrics.Systems.Set(3)
	metrics.Coherence.WithLabelValues("sys1").Set(0.85)
	metrics.WINProbability.WithLabelValues("sys1", "win_composite").Set(0.7)
	metrics.OptimizationsTotal.WithLabelValues("hybrid_ml", "success").Inc()
	metrics.TransitionsTotal.WithLabelValues("executed").Inc()
	metrics.AlertsTotal.WithLabelValues("WARNING").Inc()

	if got := testutil.ToFloat64(metrics.Coherence.WithLabelValues("sys1")); got != 0.85 {
		t.Errorf("expected coherence 0.85, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.OptimizationsTotal.WithLabelValues("hybrid_ml", "success")); got != 1 {
		t.Errorf("expected 1 optimization, got %v", got)
	}
}

func TestMetricNamesCarryNamespace(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewLearningMetrics(reg)
	NewQuantumMetrics(reg)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	// Only gauges and histograms appear before first observation; counters
	// with labels are lazily materialized.
	for _, family := range families {
		if !strings.HasPrefix(family.GetName(), "trmos_") {
			t.Errorf("metric %s missing trmos namespace", family.GetName())
		}
	}
}

func TestSeparateRegistriesDoNotCollide(t *testing.T) {
	// Two instances on distinct registries must not panic with
	// duplicate-registration errors.
	NewLearningMetrics(prometheus.NewRegistry())
	NewLearningMetrics(prometheus.NewRegistry())
	NewQuantumMetrics(prometheus.NewRegistry())
	NewQuantumMetrics(prometheus.NewRegistry())
}
