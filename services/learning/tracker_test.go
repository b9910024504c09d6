// Copyright (C) 2026 TRM-OS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package learning

import (
	"math"
	"testing"

	"github.com/trm-os/trmos/pkg/events"
)

func newTestTracker(t *testing.T) (*Tracker, *events.MockBus) {
	t.Helper()
	bus := events.NewMockBus()
	return NewTracker(DefaultConfig().Tracker, bus, nil, nil), bus
}

func approx(got, want, tolerance float64) bool {
	return math.Abs(got-want) <= tolerance
}

func TestBaselineFrozenAfterInitialSamples(t *testing.T) {
	tracker, bus := newTestTracker(t)

	// First 10 samples at 0.5 establish the baseline.
	for i := 0; i < 10; i++ {
		tracker.RecordMetric(MetricEfficiency, "agent-1", 0.5)
	}

	baseline, ok := tracker.Baseline(MetricEfficiency)
	if !ok || baseline != 0.5 {
		t.Fatalf("expected frozen baseline 0.5, got %v (established=%v)", baseline, ok)
	}
	if n := len(bus.EventsByType(events.TypeBaselineEstablished)); n != 1 {
		t.Errorf("expected 1 baseline event, got %d", n)
	}

	// A later jump is measured against the frozen baseline, which must
	// not move.
	metric := tracker.RecordMetric(MetricEfficiency, "agent-1", 0.65)
	if !approx(metric.ChangeRate, 0.30, 1e-9) {
		t.Errorf("expected change rate 0.30, got %v", metric.ChangeRate)
	}
	if baseline, _ := tracker.Baseline(MetricEfficiency); baseline != 0.5 {
		t.Errorf("baseline moved to %v after new samples", baseline)
	}
	if n := len(bus.EventsByType(events.TypeSignificantChange)); n != 1 {
		t.Errorf("expected 1 significant change event, got %d", n)
	}
}

func TestNoBaselineBeforeEnoughSamples(t *testing.T) {
	tracker, bus := newTestTracker(t)

	for i := 0; i < 9; i++ {
		metric := tracker.RecordMetric(MetricAccuracy, "agent-1", 0.8)
		if metric.HasBaseline {
			t.Fatalf("baseline reported before sample %d reached the minimum", i+1)
		}
	}
	if _, ok := tracker.Baseline(MetricAccuracy); ok {
		t.Errorf("expected no baseline at 9 samples")
	}
	if n := len(bus.EventsByType(events.TypeBaselineEstablished)); n != 0 {
		t.Errorf("expected no baseline events yet, got %d", n)
	}
}

func TestSignificantChangeFiresBothDirections(t *testing.T) {
	tracker, bus := newTestTracker(t)

	for i := 0; i < 10; i++ {
		tracker.RecordMetric(MetricQuality, "agent-1", 1.0)
	}

	// 5% off baseline: not significant.
	tracker.RecordMetric(MetricQuality, "agent-1", 1.05)
	if n := len(bus.EventsByType(events.TypeSignificantChange)); n != 0 {
		t.Fatalf("expected no event at 5%% deviation, got %d", n)
	}

	// 12% drop: significant.
	tracker.RecordMetric(MetricQuality, "agent-1", 0.88)
	if n := len(bus.EventsByType(events.TypeSignificantChange)); n != 1 {
		t.Errorf("expected 1 event at -12%% deviation, got %d", n)
	}
}

func TestTrendClassification(t *testing.T) {
	tracker, _ := newTestTracker(t)

	var metric *PerformanceMetric
	for i := 0; i < 10; i++ {
		metric = tracker.RecordMetric(MetricLearningSpeed, "agent-1", 0.5+float64(i)*0.05)
	}
	if metric.Trend != TrendImproving {
		t.Errorf("expected improving trend on a rising series, got %s", metric.Trend)
	}

	for i := 0; i < 10; i++ {
		metric = tracker.RecordMetric(MetricAdaptationRate, "agent-1", 1.0-float64(i)*0.05)
	}
	if metric.Trend != TrendDeclining {
		t.Errorf("expected declining trend on a falling series, got %s", metric.Trend)
	}

	for i := 0; i < 10; i++ {
		metric = tracker.RecordMetric(MetricConfidence, "agent-1", 0.7)
	}
	if metric.Trend != TrendStable {
		t.Errorf("expected stable trend on a flat series, got %s", metric.Trend)
	}
}

func TestTargetAchievedFiresOncePerCrossing(t *testing.T) {
	tracker, bus := newTestTracker(t)
	tracker.SetTarget(MetricSuccessRate, 0.9)

	tracker.RecordMetric(MetricSuccessRate, "agent-1", 0.85)
	tracker.RecordMetric(MetricSuccessRate, "agent-1", 0.92)
	tracker.RecordMetric(MetricSuccessRate, "agent-1", 0.95)
	if n := len(bus.EventsByType(events.TypeTargetAchieved)); n != 1 {
		t.Fatalf("expected 1 target event while above target, got %d", n)
	}

	// Dropping below resets the latch; crossing again fires again.
	tracker.RecordMetric(MetricSuccessRate, "agent-1", 0.80)
	tracker.RecordMetric(MetricSuccessRate, "agent-1", 0.93)
	if n := len(bus.EventsByType(events.TypeTargetAchieved)); n != 2 {
		t.Errorf("expected 2 target events after re-crossing, got %d", n)
	}
}

func TestAnalyzeTrends(t *testing.T) {
	tracker, _ := newTestTracker(t)

	if tracker.AnalyzeTrends(MetricEfficiency) != nil {
		t.Fatalf("expected nil analysis with no history")
	}

	values := []float64{0.4, 0.5, 0.6, 0.7}
	for _, v := range values {
		tracker.RecordMetric(MetricEfficiency, "agent-1", v)
	}

	analysis := tracker.AnalyzeTrends(MetricEfficiency)
	if analysis == nil {
		t.Fatal("expected analysis")
	}
	if analysis.Samples != 4 {
		t.Errorf("expected 4 samples, got %d", analysis.Samples)
	}
	if analysis.Current != 0.7 || analysis.Min != 0.4 || analysis.Max != 0.7 {
		t.Errorf("unexpected summary: current=%v min=%v max=%v",
			analysis.Current, analysis.Min, analysis.Max)
	}
	if !approx(analysis.Average, 0.55, 1e-9) {
		t.Errorf("expected average 0.55, got %v", analysis.Average)
	}
	// Second half mean (0.65) minus first half mean (0.45).
	if !approx(analysis.HalfImprovement, 0.2, 1e-9) {
		t.Errorf("expected half improvement 0.2, got %v", analysis.HalfImprovement)
	}
	if analysis.Direction != TrendImproving {
		t.Errorf("expected improving direction, got %s", analysis.Direction)
	}
	if analysis.HasBaseline {
		t.Errorf("expected no baseline at 4 samples")
	}
}

func TestHistoryBounded(t *testing.T) {
	config := DefaultConfig().Tracker
	config.HistorySize = 20
	config.BaselineSampleSize = 5
	tracker := NewTracker(config, events.NewMockBus(), nil, nil)

	for i := 0; i < 30; i++ {
		tracker.RecordMetric(MetricEfficiency, "agent-1", float64(i))
	}

	history := tracker.History(MetricEfficiency)
	if len(history) != 20 {
		t.Fatalf("expected history bounded to 20, got %d", len(history))
	}
	if history[0].Value != 10 {
		t.Errorf("expected oldest surviving value 10, got %v", history[0].Value)
	}

	// Baseline outlives the samples that established it.
	baseline, ok := tracker.Baseline(MetricEfficiency)
	if !ok || baseline != 2 {
		t.Errorf("expected frozen baseline 2 (mean of 0..4), got %v", baseline)
	}
}

func TestCurrentValues(t *testing.T) {
	tracker, _ := newTestTracker(t)

	tracker.RecordMetric(MetricEfficiency, "agent-1", 0.6)
	tracker.RecordMetric(MetricEfficiency, "agent-1", 0.7)
	tracker.RecordMetric(MetricAccuracy, "agent-1", 0.9)

	current := tracker.CurrentValues()
	if current[MetricEfficiency] != 0.7 {
		t.Errorf("expected latest efficiency 0.7, got %v", current[MetricEfficiency])
	}
	if current[MetricAccuracy] != 0.9 {
		t.Errorf("expected latest accuracy 0.9, got %v", current[MetricAccuracy])
	}

	tracker.Reset()
	if len(tracker.CurrentValues()) != 0 {
		t.Errorf("expected empty current values after reset")
	}
}
