// Copyright (C) 2026 TRM-OS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package learning

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/trm-os/trmos/pkg/events"
	"github.com/trm-os/trmos/pkg/logging"
	"github.com/trm-os/trmos/pkg/observability"
)

// Recognizer runs statistical analyses over batches of experiences and
// produces confidence-scored behavioral patterns.
//
// Five independent analyses are unioned per batch: success-rate by
// experience type, temporal (hour-of-day and weekday), context
// correlation, performance improvement, and action-outcome signatures.
// Every candidate passes the validation gates (minimum frequency, minimum
// confidence, and the rate-significance margin) before it is stored; the
// gates exist so single-sample flukes never drive behavior change.
//
// Thread Safety: Recognizer is safe for concurrent use.
type Recognizer struct {
	mu       sync.RWMutex
	config   RecognizerConfig
	patterns []*Pattern

	bus     events.Bus
	logger  *logging.Logger
	metrics *observability.LearningMetrics
}

// NewRecognizer creates a pattern recognizer.
func NewRecognizer(config RecognizerConfig, bus events.Bus, logger *logging.Logger, metrics *observability.LearningMetrics) *Recognizer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Recognizer{
		config:   config,
		patterns: make([]*Pattern, 0, 64),
		bus:      bus,
		logger:   logger,
		metrics:  metrics,
	}
}

// Analyze runs all analyses over the batch and returns the validated
// patterns that were stored.
//
// Inputs:
//   - experiences: The batch to analyze. Order does not matter.
//   - focus: Optional pattern types to restrict the analyses to
//     (empty = all five).
//
// Outputs:
//   - []*Pattern: Newly stored patterns (may be empty, never nil).
func (r *Recognizer) Analyze(experiences []*Experience, focus ...PatternType) []*Pattern {
	focused := func(t PatternType) bool {
		if len(focus) == 0 {
			return true
		}
		for _, f := range focus {
			if f == t {
				return true
			}
		}
		return false
	}

	var candidates []*Pattern
	if focused(PatternSuccessRate) {
		candidates = append(candidates, r.successRatePatterns(experiences)...)
	}
	if focused(PatternTemporalPerformance) || focused(PatternWeeklyPerformance) {
		candidates = append(candidates, r.temporalPatterns(experiences)...)
	}
	if focused(PatternContextCorrelation) {
		candidates = append(candidates, r.contextCorrelationPatterns(experiences)...)
	}
	if focused(PatternPerformanceImprovement) {
		candidates = append(candidates, r.performanceImprovementPatterns(experiences)...)
	}
	if focused(PatternActionOutcome) {
		candidates = append(candidates, r.actionOutcomePatterns(experiences)...)
	}

	stored := make([]*Pattern, 0, len(candidates))
	for _, p := range candidates {
		if !r.validate(p) {
			continue
		}
		p.ID = uuid.NewString()
		p.DiscoveredAt = time.Now()

		r.mu.Lock()
		r.patterns = append(r.patterns, p)
		r.mu.Unlock()

		stored = append(stored, p)

		if r.metrics != nil {
			r.metrics.PatternsTotal.WithLabelValues(string(p.Type)).Inc()
		}
		r.bus.Publish(events.TypePatternDiscovered, map[string]any{
			"pattern_id":   p.ID,
			"pattern_type": string(p.Type),
			"frequency":    p.Frequency,
			"confidence":   p.Confidence,
			"success_rate": p.SuccessRate,
		})
	}

	r.logger.Info("experience analysis completed",
		"experiences", len(experiences),
		"candidates", len(candidates),
		"patterns_stored", len(stored),
	)

	return stored
}

// validate applies the pattern gates: minimum frequency, minimum
// confidence, and for rate-based types the significance margin from 0.5.
func (r *Recognizer) validate(p *Pattern) bool {
	if p.Frequency < r.config.MinFrequency {
		return false
	}
	if p.Confidence < r.config.MinConfidence {
		return false
	}
	if p.Type.RateBased() {
		diff := p.SuccessRate - 0.5
		if diff < 0 {
			diff = -diff
		}
		if diff < r.config.SignificanceMargin {
			return false
		}
	}
	return true
}

// =============================================================================
// Analysis 1: success rate by experience type
// =============================================================================

type rateGroup struct {
	total       int
	successes   int
	confidences []float64
}

func (g *rateGroup) add(exp *Experience) {
	g.total++
	if exp.Success {
		g.successes++
	}
	g.confidences = append(g.confidences, exp.ConfidenceLevel)
}

func (g *rateGroup) rate() float64 {
	if g.total == 0 {
		return 0
	}
	return float64(g.successes) / float64(g.total)
}

func (g *rateGroup) confidence() float64 {
	if len(g.confidences) == 0 {
		return 0
	}
	return stat.Mean(g.confidences, nil)
}

func (r *Recognizer) successRatePatterns(experiences []*Experience) []*Pattern {
	groups := make(map[ExperienceType]*rateGroup)
	for _, exp := range experiences {
		g, ok := groups[exp.Type]
		if !ok {
			g = &rateGroup{}
			groups[exp.Type] = g
		}
		g.add(exp)
	}

	var out []*Pattern
	for expType, g := range groups {
		rate := g.rate()
		if g.total < r.config.MinFrequency {
			continue
		}
		if rate < r.config.HighSuccessRate && rate > r.config.LowSuccessRate {
			continue
		}
		out = append(out, &Pattern{
			Type:        PatternSuccessRate,
			Description: fmt.Sprintf("%s succeeds at rate %.2f over %d experiences", expType, rate, g.total),
			Conditions:  map[string]any{"experience_type": string(expType)},
			Outcomes:    map[string]any{"expected_success_rate": rate},
			Frequency:   g.total,
			Confidence:  g.confidence(),
			Strength:    rateStrength(rate),
			SuccessRate: rate,
		})
	}
	return out
}

// rateStrength maps a success rate to an effect size in [0,1]:
// distance from the 0.5 coin-flip baseline, doubled.
func rateStrength(rate float64) float64 {
	d := rate - 0.5
	if d < 0 {
		d = -d
	}
	s := d * 2
	if s > 1 {
		s = 1
	}
	return s
}

// =============================================================================
// Analysis 2: temporal performance (hour of day, weekday)
// =============================================================================

func (r *Recognizer) temporalPatterns(experiences []*Experience) []*Pattern {
	hourGroups := make(map[int]*rateGroup)
	dayGroups := make(map[time.Weekday]*rateGroup)

	for _, exp := range experiences {
		hour := exp.Timestamp.Hour()
		if g, ok := hourGroups[hour]; ok {
			g.add(exp)
		} else {
			g = &rateGroup{}
			g.add(exp)
			hourGroups[hour] = g
		}
		day := exp.Timestamp.Weekday()
		if g, ok := dayGroups[day]; ok {
			g.add(exp)
		} else {
			g = &rateGroup{}
			g.add(exp)
			dayGroups[day] = g
		}
	}

	var out []*Pattern

	type hourCandidate struct {
		hour int
		g    *rateGroup
	}
	var hours []hourCandidate
	for hour, g := range hourGroups {
		if g.total >= r.config.MinFrequency && g.rate() >= r.config.HighSuccessRate {
			hours = append(hours, hourCandidate{hour, g})
		}
	}
	sort.Slice(hours, func(i, j int) bool {
		return hours[i].g.rate() > hours[j].g.rate()
	})
	if len(hours) > r.config.TopTemporalSlots {
		hours = hours[:r.config.TopTemporalSlots]
	}
	for _, hc := range hours {
		out = append(out, &Pattern{
			Type:        PatternTemporalPerformance,
			Description: fmt.Sprintf("high success rate %.2f at hour %02d", hc.g.rate(), hc.hour),
			Conditions:  map[string]any{"hour": hc.hour},
			Outcomes:    map[string]any{"expected_success_rate": hc.g.rate()},
			Frequency:   hc.g.total,
			Confidence:  hc.g.confidence(),
			Strength:    rateStrength(hc.g.rate()),
			SuccessRate: hc.g.rate(),
		})
	}

	type dayCandidate struct {
		day time.Weekday
		g   *rateGroup
	}
	var days []dayCandidate
	for day, g := range dayGroups {
		if g.total >= r.config.MinFrequency && g.rate() >= r.config.HighSuccessRate {
			days = append(days, dayCandidate{day, g})
		}
	}
	sort.Slice(days, func(i, j int) bool {
		return days[i].g.rate() > days[j].g.rate()
	})
	if len(days) > r.config.TopTemporalSlots {
		days = days[:r.config.TopTemporalSlots]
	}
	for _, dc := range days {
		out = append(out, &Pattern{
			Type:        PatternWeeklyPerformance,
			Description: fmt.Sprintf("high success rate %.2f on %s", dc.g.rate(), dc.day),
			Conditions:  map[string]any{"weekday": dc.day.String()},
			Outcomes:    map[string]any{"expected_success_rate": dc.g.rate()},
			Frequency:   dc.g.total,
			Confidence:  dc.g.confidence(),
			Strength:    rateStrength(dc.g.rate()),
			SuccessRate: dc.g.rate(),
		})
	}

	return out
}

// =============================================================================
// Analysis 3: context correlation
// =============================================================================

// scalarContextValue renders scalar context values into a stable string.
// Non-scalar values (maps, slices, structs) are excluded from correlation.
func scalarContextValue(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case bool:
		return fmt.Sprintf("%t", val), true
	case int:
		return fmt.Sprintf("%d", val), true
	case int64:
		return fmt.Sprintf("%d", val), true
	case float64:
		return fmt.Sprintf("%g", val), true
	case float32:
		return fmt.Sprintf("%g", val), true
	default:
		return "", false
	}
}

func (r *Recognizer) contextCorrelationPatterns(experiences []*Experience) []*Pattern {
	groups := make(map[string]*rateGroup)
	for _, exp := range experiences {
		for key, value := range exp.Context {
			sv, ok := scalarContextValue(value)
			if !ok {
				continue
			}
			pair := key + "=" + sv
			g, exists := groups[pair]
			if !exists {
				g = &rateGroup{}
				groups[pair] = g
			}
			g.add(exp)
		}
	}

	var out []*Pattern
	for pair, g := range groups {
		if g.total < r.config.MinFrequency {
			continue
		}
		rate := g.rate()
		if rate < r.config.HighSuccessRate && rate > r.config.LowSuccessRate {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		out = append(out, &Pattern{
			Type:        PatternContextCorrelation,
			Description: fmt.Sprintf("context %s correlates with success rate %.2f", pair, rate),
			Conditions:  map[string]any{key: value},
			Outcomes:    map[string]any{"expected_success_rate": rate},
			Frequency:   g.total,
			Confidence:  g.confidence(),
			Strength:    rateStrength(rate),
			SuccessRate: rate,
		})
	}
	return out
}

// =============================================================================
// Analysis 4: performance improvement
// =============================================================================

func (r *Recognizer) performanceImprovementPatterns(experiences []*Experience) []*Pattern {
	type improvementGroup struct {
		deltas      []float64
		confidences []float64
	}
	groups := make(map[string]*improvementGroup)

	for _, exp := range experiences {
		for metric, delta := range exp.Improvement {
			key := string(exp.Type) + "|" + metric
			g, ok := groups[key]
			if !ok {
				g = &improvementGroup{}
				groups[key] = g
			}
			g.deltas = append(g.deltas, delta)
			g.confidences = append(g.confidences, exp.ConfidenceLevel)
		}
	}

	var out []*Pattern
	for key, g := range groups {
		if len(g.deltas) < r.config.MinFrequency {
			continue
		}
		mean := stat.Mean(g.deltas, nil)
		if mean <= r.config.MinImprovement {
			continue
		}
		expType, metric, _ := strings.Cut(key, "|")
		strength := mean
		if strength > 1 {
			strength = 1
		}
		out = append(out, &Pattern{
			Type:        PatternPerformanceImprovement,
			Description: fmt.Sprintf("%s improves %s by %.3f on average", expType, metric, mean),
			Conditions:  map[string]any{"experience_type": expType, "metric": metric},
			Outcomes:    map[string]any{"mean_improvement": mean},
			Frequency:   len(g.deltas),
			Confidence:  stat.Mean(g.confidences, nil),
			Strength:    strength,
		})
	}
	return out
}

// =============================================================================
// Analysis 5: action-outcome signatures
// =============================================================================

// actionSignature derives a simplified action signature from an
// experience's context: preferred keys first, else the first three keys
// in sorted order.
func actionSignature(exp *Experience) string {
	preferred := []string{"action_type", "approach", "decision"}
	var parts []string
	for _, key := range preferred {
		if value, ok := exp.Context[key]; ok {
			if sv, scalar := scalarContextValue(value); scalar {
				parts = append(parts, key+"="+sv)
			}
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, ",")
	}

	keys := make([]string, 0, len(exp.Context))
	for key := range exp.Context {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if len(keys) > 3 {
		keys = keys[:3]
	}
	for _, key := range keys {
		if sv, scalar := scalarContextValue(exp.Context[key]); scalar {
			parts = append(parts, key+"="+sv)
		}
	}
	if len(parts) == 0 {
		return exp.ActionTaken
	}
	return strings.Join(parts, ",")
}

func (r *Recognizer) actionOutcomePatterns(experiences []*Experience) []*Pattern {
	groups := make(map[string]*rateGroup)
	for _, exp := range experiences {
		sig := actionSignature(exp)
		if sig == "" {
			continue
		}
		g, ok := groups[sig]
		if !ok {
			g = &rateGroup{}
			groups[sig] = g
		}
		g.add(exp)
	}

	var out []*Pattern
	for sig, g := range groups {
		if g.total < r.config.MinFrequency {
			continue
		}
		rate := g.rate()
		if rate < r.config.HighSuccessRate && rate > r.config.LowSuccessRate {
			continue
		}
		out = append(out, &Pattern{
			Type:        PatternActionOutcome,
			Description: fmt.Sprintf("action signature %q has success rate %.2f", sig, rate),
			Conditions:  map[string]any{"action_signature": sig},
			Outcomes:    map[string]any{"expected_success_rate": rate},
			Frequency:   g.total,
			Confidence:  g.confidence(),
			Strength:    rateStrength(rate),
			SuccessRate: rate,
		})
	}
	return out
}

// =============================================================================
// Queries
// =============================================================================

// Patterns returns a snapshot of all stored patterns.
func (r *Recognizer) Patterns() []*Pattern {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Pattern, len(r.patterns))
	copy(out, r.patterns)
	return out
}

// PatternsByType returns stored patterns of the given type.
func (r *Recognizer) PatternsByType(t PatternType) []*Pattern {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Pattern
	for _, p := range r.patterns {
		if p.Type == t {
			out = append(out, p)
		}
	}
	return out
}

// Reset clears all stored patterns. Used only on full system reset.
func (r *Recognizer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns = make([]*Pattern, 0, 64)
}
