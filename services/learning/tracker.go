// Copyright (C) 2026 TRM-OS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package learning

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/trm-os/trmos/pkg/events"
	"github.com/trm-os/trmos/pkg/logging"
	"github.com/trm-os/trmos/pkg/observability"
)

// metricSeries is the per-metric-type rolling state.
type metricSeries struct {
	history []*PerformanceMetric

	// baseline is frozen at the mean of the first BaselineSampleSize
	// values and never overwritten afterwards, even as history rolls.
	baseline    float64
	hasBaseline bool

	target         float64
	hasTarget      bool
	targetAchieved bool
}

// Tracker records performance measurements per metric type, establishes
// frozen baselines, classifies trends, and raises significant-change and
// target-achievement events.
//
// Thread Safety: Tracker is safe for concurrent use.
type Tracker struct {
	mu     sync.RWMutex
	config TrackerConfig
	series map[MetricType]*metricSeries

	bus     events.Bus
	logger  *logging.Logger
	metrics *observability.LearningMetrics
}

// NewTracker creates a performance tracker.
func NewTracker(config TrackerConfig, bus events.Bus, logger *logging.Logger, metrics *observability.LearningMetrics) *Tracker {
	if logger == nil {
		logger = logging.Default()
	}
	return &Tracker{
		config:  config,
		series:  make(map[MetricType]*metricSeries),
		bus:     bus,
		logger:  logger,
		metrics: metrics,
	}
}

// SetTarget sets the target value for a metric type. Reaching the target
// publishes a target-achieved event once per crossing.
func (t *Tracker) SetTarget(metricType MetricType, target float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.seriesLocked(metricType)
	s.target = target
	s.hasTarget = true
	s.targetAchieved = false
}

// RecordMetric records one measurement and returns the enriched metric.
//
// The first BaselineSampleSize measurements of a metric type establish
// its baseline (their mean), which is then frozen. Each measurement gets
// a trend classification from the regression slope of the recent window
// and a change rate relative to the baseline. Deviations beyond the
// significant-change threshold and target crossings publish events.
//
// Inputs:
//   - metricType: The metric being measured.
//   - agentID: The measured agent.
//   - value: The measured value.
//
// Outputs:
//   - *PerformanceMetric: The stored measurement with derived fields.
func (t *Tracker) RecordMetric(metricType MetricType, agentID string, value float64) *PerformanceMetric {
	now := time.Now()
	metric := &PerformanceMetric{
		ID:          uuid.NewString(),
		Type:        metricType,
		AgentID:     agentID,
		Value:       value,
		PeriodStart: now,
		PeriodEnd:   now,
		Trend:       TrendStable,
		Reliability: 1.0,
		SampleSize:  1,
	}

	var baselineEstablished bool
	var significant bool
	var targetHit bool

	t.mu.Lock()
	s := t.seriesLocked(metricType)
	s.history = append(s.history, metric)

	if !s.hasBaseline && len(s.history) >= t.config.BaselineSampleSize {
		var sum float64
		for _, m := range s.history[:t.config.BaselineSampleSize] {
			sum += m.Value
		}
		s.baseline = sum / float64(t.config.BaselineSampleSize)
		s.hasBaseline = true
		baselineEstablished = true
	}

	if s.hasBaseline {
		metric.Baseline = s.baseline
		metric.HasBaseline = true
		if s.baseline != 0 {
			metric.ChangeRate = (value - s.baseline) / s.baseline
		}
		if metric.ChangeRate >= t.config.SignificantChange || metric.ChangeRate <= -t.config.SignificantChange {
			significant = true
		}
	}

	metric.Trend = t.trendLocked(s)

	if s.hasTarget {
		metric.Target = s.target
		if value >= s.target && !s.targetAchieved {
			s.targetAchieved = true
			targetHit = true
		} else if value < s.target {
			s.targetAchieved = false
		}
	}

	if len(s.history) > t.config.HistorySize {
		excess := len(s.history) - t.config.HistorySize
		s.history = append(s.history[:0], s.history[excess:]...)
	}
	t.mu.Unlock()

	if baselineEstablished {
		t.bus.Publish(events.TypeBaselineEstablished, map[string]any{
			"metric_type": string(metricType),
			"baseline":    metric.Baseline,
			"samples":     t.config.BaselineSampleSize,
		})
		t.logger.Info("performance baseline established",
			"metric_type", metricType,
			"baseline", metric.Baseline,
		)
	}
	if significant {
		t.bus.Publish(events.TypeSignificantChange, map[string]any{
			"metric_type": string(metricType),
			"agent_id":    agentID,
			"value":       value,
			"baseline":    metric.Baseline,
			"change_rate": metric.ChangeRate,
			"trend":       string(metric.Trend),
		})
		t.logger.Info("significant performance change",
			"metric_type", metricType,
			"change_rate", metric.ChangeRate,
		)
	}
	if targetHit {
		t.bus.Publish(events.TypeTargetAchieved, map[string]any{
			"metric_type": string(metricType),
			"agent_id":    agentID,
			"value":       value,
			"target":      metric.Target,
		})
	}

	return metric
}

// seriesLocked returns (creating if needed) the series for a metric type.
// Caller must hold t.mu.
func (t *Tracker) seriesLocked(metricType MetricType) *metricSeries {
	s, ok := t.series[metricType]
	if !ok {
		s = &metricSeries{history: make([]*PerformanceMetric, 0, 64)}
		t.series[metricType] = s
	}
	return s
}

// trendLocked classifies the regression slope over the recent window.
// Caller must hold t.mu.
func (t *Tracker) trendLocked(s *metricSeries) TrendDirection {
	window := t.config.TrendWindow
	if len(s.history) < 3 {
		return TrendStable
	}
	if len(s.history) < window {
		window = len(s.history)
	}
	recent := s.history[len(s.history)-window:]

	xs := make([]float64, len(recent))
	ys := make([]float64, len(recent))
	for i, m := range recent {
		xs[i] = float64(i)
		ys[i] = m.Value
	}
	_, slope := stat.LinearRegression(xs, ys, nil, false)

	switch {
	case slope > t.config.TrendSlopeThreshold:
		return TrendImproving
	case slope < -t.config.TrendSlopeThreshold:
		return TrendDeclining
	default:
		return TrendStable
	}
}

// =============================================================================
// Analysis
// =============================================================================

// TrendAnalysis summarizes one metric type's full recorded history.
type TrendAnalysis struct {
	// MetricType is the analyzed metric.
	MetricType MetricType `json:"metric_type"`

	// Samples is how many measurements back the analysis.
	Samples int `json:"samples"`

	// Current is the most recent value.
	Current float64 `json:"current"`

	// Average, Min, and Max summarize the history.
	Average float64 `json:"average"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`

	// Direction is the recent-window trend classification.
	Direction TrendDirection `json:"direction"`

	// HalfImprovement is the second-half mean minus the first-half mean.
	HalfImprovement float64 `json:"half_improvement"`

	// Volatility is the standard deviation of the history.
	Volatility float64 `json:"volatility"`

	// Baseline and BaselineImprovement report the frozen baseline and the
	// current value's relative deviation from it.
	Baseline            float64 `json:"baseline"`
	HasBaseline         bool    `json:"has_baseline"`
	BaselineImprovement float64 `json:"baseline_improvement"`
}

// AnalyzeTrends summarizes the recorded history for one metric type.
//
// Outputs:
//   - *TrendAnalysis: Nil if no measurements exist for the type.
func (t *Tracker) AnalyzeTrends(metricType MetricType) *TrendAnalysis {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.series[metricType]
	if !ok || len(s.history) == 0 {
		return nil
	}

	values := make([]float64, len(s.history))
	for i, m := range s.history {
		values[i] = m.Value
	}

	analysis := &TrendAnalysis{
		MetricType:  metricType,
		Samples:     len(values),
		Current:     values[len(values)-1],
		Average:     stat.Mean(values, nil),
		Min:         values[0],
		Max:         values[0],
		Direction:   t.trendLocked(s),
		Baseline:    s.baseline,
		HasBaseline: s.hasBaseline,
	}
	for _, v := range values {
		if v < analysis.Min {
			analysis.Min = v
		}
		if v > analysis.Max {
			analysis.Max = v
		}
	}
	if len(values) >= 2 {
		analysis.Volatility = stat.StdDev(values, nil)
		half := len(values) / 2
		analysis.HalfImprovement = stat.Mean(values[half:], nil) - stat.Mean(values[:half], nil)
	}
	if s.hasBaseline && s.baseline != 0 {
		analysis.BaselineImprovement = (analysis.Current - s.baseline) / s.baseline
	}

	return analysis
}

// CurrentValues returns the latest value per metric type.
func (t *Tracker) CurrentValues() map[MetricType]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[MetricType]float64, len(t.series))
	for metricType, s := range t.series {
		if len(s.history) > 0 {
			out[metricType] = s.history[len(s.history)-1].Value
		}
	}
	return out
}

// History returns a snapshot of the recorded measurements for a type.
func (t *Tracker) History(metricType MetricType) []*PerformanceMetric {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.series[metricType]
	if !ok {
		return nil
	}
	out := make([]*PerformanceMetric, len(s.history))
	copy(out, s.history)
	return out
}

// Baseline returns the frozen baseline for a metric type, if established.
func (t *Tracker) Baseline(metricType MetricType) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.series[metricType]
	if !ok {
		return 0, false
	}
	return s.baseline, s.hasBaseline
}

// Reset clears all recorded history, baselines, and targets.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.series = make(map[MetricType]*metricSeries)
}
