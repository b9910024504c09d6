// Copyright (C) 2026 TRM-OS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package quantum

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/trm-os/trmos/pkg/events"
	"github.com/trm-os/trmos/pkg/logging"
	"github.com/trm-os/trmos/pkg/observability"
	"github.com/trm-os/trmos/services/learning"
)

// WINFactor is one named contributor to a WIN probability estimate.
type WINFactor struct {
	// Name identifies the factor.
	Name string `json:"name"`

	// Value is the factor's current level, in [0,1].
	Value float64 `json:"value"`

	// Weight scales the factor's influence.
	Weight float64 `json:"weight"`

	// Confidence is how reliable the value is, in [0,1].
	Confidence float64 `json:"confidence"`

	// Trend adjusts the contribution +-10%.
	Trend learning.TrendDirection `json:"trend"`
}

// Scenario is a named what-if with its own probability and condition
// targets for gap analysis.
type Scenario struct {
	// ID uniquely identifies this scenario.
	ID string `json:"id"`

	// Name labels the scenario.
	Name string `json:"name"`

	// Probability is the scenario's own WIN probability estimate.
	Probability float64 `json:"probability"`

	// Conditions map factor names to target values for gap analysis.
	Conditions map[string]float64 `json:"conditions,omitempty"`
}

// ScenarioEvaluation is the gap analysis for one scenario.
type ScenarioEvaluation struct {
	// ScenarioID identifies the evaluated scenario.
	ScenarioID string `json:"scenario_id"`

	// Gaps maps condition names to (target - current).
	Gaps map[string]float64 `json:"gaps"`

	// CriticalGaps lists conditions with gap > 0.3.
	CriticalGaps []string `json:"critical_gaps,omitempty"`

	// ImprovementAreas lists conditions with gap > 0.1.
	ImprovementAreas []string `json:"improvement_areas,omitempty"`

	// Recommendations are textual next actions derived from the gaps.
	Recommendations []string `json:"recommendations,omitempty"`

	// EvaluatedAt is when the analysis ran.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// categoryMultipliers adjust the blended probability per category.
var categoryMultipliers = map[WINCategory]float64{
	WINWisdom:       0.9,
	WINIntelligence: 1.1,
	WINNetworking:   1.05,
}

// WINCalculator estimates WIN probabilities from weighted factors,
// scenario context, and an optional trained regression model.
//
// Thread Safety: WINCalculator is safe for concurrent use.
type WINCalculator struct {
	mu        sync.RWMutex
	factors   map[string]*WINFactor
	scenarios map[string]*Scenario

	// model is nil until TrainModel succeeds (Untrained state).
	model      []float64
	modelKeys  []string
	modelCount int

	bus     events.Bus
	logger  *logging.Logger
	metrics *observability.QuantumMetrics
	learner Learner
}

// NewWINCalculator creates a calculator seeded with the default factor
// set (leadership, market position, team capability, innovation,
// execution).
func NewWINCalculator(bus events.Bus, logger *logging.Logger, metrics *observability.QuantumMetrics, learner Learner) *WINCalculator {
	if logger == nil {
		logger = logging.Default()
	}
	c := &WINCalculator{
		factors:   make(map[string]*WINFactor),
		scenarios: make(map[string]*Scenario),
		bus:       bus,
		logger:    logger,
		metrics:   metrics,
		learner:   learner,
	}

	defaults := []*WINFactor{
		{Name: "leadership_alignment", Value: 0.6, Weight: 1.2, Confidence: 0.7, Trend: learning.TrendStable},
		{Name: "market_position", Value: 0.5, Weight: 1.0, Confidence: 0.6, Trend: learning.TrendStable},
		{Name: "team_capability", Value: 0.65, Weight: 1.1, Confidence: 0.75, Trend: learning.TrendStable},
		{Name: "innovation_capacity", Value: 0.55, Weight: 0.9, Confidence: 0.6, Trend: learning.TrendStable},
		{Name: "execution_discipline", Value: 0.6, Weight: 1.0, Confidence: 0.7, Trend: learning.TrendStable},
	}
	for _, factor := range defaults {
		c.factors[factor.Name] = factor
	}
	return c
}

// SetFactor registers or replaces a WIN factor.
func (c *WINCalculator) SetFactor(factor WINFactor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := factor
	c.factors[f.Name] = &f
}

// Factors returns a snapshot of the registered factors.
func (c *WINCalculator) Factors() []*WINFactor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*WINFactor, 0, len(c.factors))
	for _, factor := range c.factors {
		copied := *factor
		out = append(out, &copied)
	}
	return out
}

// AddScenario registers a scenario for blending and gap analysis.
func (c *WINCalculator) AddScenario(scenario Scenario) string {
	if scenario.ID == "" {
		scenario.ID = uuid.NewString()
	}
	c.mu.Lock()
	c.scenarios[scenario.ID] = &scenario
	c.mu.Unlock()
	return scenario.ID
}

// Calculate estimates the WIN probability for one system and category.
//
// The base is the weighted mean of factor contributions (value x weight
// x confidence, trend adjusted +-10%), optionally averaged with a named
// scenario's probability and with the trained model's prediction, then
// scaled by the category multiplier. Confidence is the mean factor
// confidence with a 20% penalty at probability extremes and scaling by
// factor-value consistency.
//
// Inputs:
//   - ctx: Context for the experience recording.
//   - system: The estimated system (its ID is recorded on the result).
//   - category: The WIN outcome. Must be a recognized value.
//   - scenarioID: Optional scenario to blend ("" for none).
//
// Outputs:
//   - *WINProbability: The fresh estimate.
//   - error: ErrUnknownCategory for bad categories.
func (c *WINCalculator) Calculate(ctx context.Context, system *System, category WINCategory, scenarioID string) (*WINProbability, error) {
	if !category.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}

	c.mu.RLock()
	factors := make([]*WINFactor, 0, len(c.factors))
	for _, factor := range c.factors {
		factors = append(factors, factor)
	}
	scenario := c.scenarios[scenarioID]
	model := c.model
	modelKeys := c.modelKeys
	c.mu.RUnlock()

	contributions := make(map[string]float64, len(factors))
	var weightedSum, weightTotal float64
	values := make([]float64, 0, len(factors))
	confidences := make([]float64, 0, len(factors))

	for _, factor := range factors {
		contribution := factor.Value * factor.Weight * factor.Confidence
		switch factor.Trend {
		case learning.TrendImproving:
			contribution *= 1.1
		case learning.TrendDeclining:
			contribution *= 0.9
		}
		contributions[factor.Name] = contribution
		weightedSum += contribution
		weightTotal += factor.Weight
		values = append(values, factor.Value)
		confidences = append(confidences, factor.Confidence)
	}

	var probability float64
	if weightTotal > 0 {
		probability = weightedSum / weightTotal
	}

	blended := []float64{probability}
	if scenario != nil {
		blended = append(blended, scenario.Probability)
	}
	if model != nil {
		signals := make(map[string]float64, len(factors))
		for _, factor := range factors {
			signals[factor.Name] = factor.Value
		}
		prediction := clamp(dot(model, featureVector(modelKeys, signals)), 0, 1)
		blended = append(blended, prediction)
	}
	probability = stat.Mean(blended, nil)

	if multiplier, ok := categoryMultipliers[category]; ok {
		probability *= multiplier
	}
	probability = clamp(probability, 0, 1)

	confidence := 0.5
	if len(confidences) > 0 {
		confidence = stat.Mean(confidences, nil)
	}
	if probability < 0.1 || probability > 0.9 {
		confidence *= 0.8
	}
	if len(values) >= 2 {
		consistency := 1 - stat.StdDev(values, nil)
		confidence *= clamp(consistency, 0, 1)
	}
	confidence = clamp(confidence, 0, 1)

	result := &WINProbability{
		ID:                  uuid.NewString(),
		SystemID:            system.ID,
		Category:            category,
		BaseProbability:     probability,
		ConfidenceLevel:     confidence,
		ContributingFactors: contributions,
		CalculatedAt:        time.Now(),
	}

	if c.metrics != nil {
		c.metrics.WINProbability.WithLabelValues(system.ID, string(category)).Set(probability)
	}

	c.bus.Publish(events.TypeWINCalculated, map[string]any{
		"system_id":   system.ID,
		"category":    string(category),
		"probability": probability,
		"confidence":  confidence,
	})

	c.recordExperience(ctx, learning.ExperienceWINCalculation,
		fmt.Sprintf("calculate_win_probability(%s)", category),
		fmt.Sprintf("probability %.3f", probability),
		probability >= 0.5,
		map[string]any{
			"system_id": system.ID,
			"category":  string(category),
		},
		confidence,
	)

	return result, nil
}

// EvaluateScenario runs the per-condition gap analysis for one scenario:
// gap = target - current factor value, with gaps above 0.3 critical and
// above 0.1 improvement areas.
//
// Outputs:
//   - *ScenarioEvaluation: The gap analysis with recommendations.
//   - error: Non-nil for unknown scenario IDs.
func (c *WINCalculator) EvaluateScenario(ctx context.Context, system *System, scenarioID string) (*ScenarioEvaluation, error) {
	c.mu.RLock()
	scenario, ok := c.scenarios[scenarioID]
	if !ok {
		c.mu.RUnlock()
		return nil, fmt.Errorf("scenario not found: %s", scenarioID)
	}
	currents := make(map[string]float64, len(c.factors))
	for name, factor := range c.factors {
		currents[name] = factor.Value
	}
	c.mu.RUnlock()

	evaluation := &ScenarioEvaluation{
		ScenarioID:  scenario.ID,
		Gaps:        make(map[string]float64, len(scenario.Conditions)),
		EvaluatedAt: time.Now(),
	}

	names := make([]string, 0, len(scenario.Conditions))
	for name := range scenario.Conditions {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		target := scenario.Conditions[name]
		gap := target - currents[name]
		evaluation.Gaps[name] = gap
		switch {
		case gap > 0.3:
			evaluation.CriticalGaps = append(evaluation.CriticalGaps, name)
			evaluation.Recommendations = append(evaluation.Recommendations,
				fmt.Sprintf("critical: close %.0f%% gap on %s before pursuing scenario %q", gap*100, name, scenario.Name))
		case gap > 0.1:
			evaluation.ImprovementAreas = append(evaluation.ImprovementAreas, name)
			evaluation.Recommendations = append(evaluation.Recommendations,
				fmt.Sprintf("improve %s by %.0f%% to strengthen scenario %q", name, gap*100, scenario.Name))
		}
	}
	if len(evaluation.Recommendations) == 0 {
		evaluation.Recommendations = append(evaluation.Recommendations,
			fmt.Sprintf("all conditions for scenario %q are within tolerance", scenario.Name))
	}

	c.bus.Publish(events.TypeScenarioEvaluated, map[string]any{
		"system_id":     system.ID,
		"scenario_id":   scenario.ID,
		"critical_gaps": len(evaluation.CriticalGaps),
	})

	c.recordExperience(ctx, learning.ExperienceWINCalculation,
		fmt.Sprintf("evaluate_scenario(%s)", scenario.Name),
		fmt.Sprintf("%d critical gaps, %d improvement areas", len(evaluation.CriticalGaps), len(evaluation.ImprovementAreas)),
		len(evaluation.CriticalGaps) == 0,
		map[string]any{"system_id": system.ID},
		0.7,
	)

	return evaluation, nil
}

// WINTrainingSample is one labeled observation for the WIN regressor.
type WINTrainingSample struct {
	// FactorValues map factor names to observed values.
	FactorValues map[string]float64 `json:"factor_values"`

	// Outcome is the observed WIN probability.
	Outcome float64 `json:"outcome"`
}

// TrainModel fits the ridge regression blended into later calculations.
//
// Outputs:
//   - error: ErrNoTrainingData (wrapped) for undersized training sets.
func (c *WINCalculator) TrainModel(ctx context.Context, samples []WINTrainingSample) error {
	const minSamples = 5
	if len(samples) < minSamples {
		return fmt.Errorf("%w: have %d, need %d", ErrNoTrainingData, len(samples), minSamples)
	}

	keySet := make(map[string]struct{})
	for _, sample := range samples {
		for key := range sample.FactorValues {
			keySet[key] = struct{}{}
		}
	}
	keys := make([]string, 0, len(keySet))
	for key := range keySet {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	rows := make([][]float64, len(samples))
	targets := make([]float64, len(samples))
	for i, sample := range samples {
		rows[i] = featureVector(keys, sample.FactorValues)
		targets[i] = sample.Outcome
	}

	weights, err := ridgeFit(rows, targets)
	if err != nil {
		return fmt.Errorf("fit WIN model: %w", err)
	}

	c.mu.Lock()
	c.model = weights
	c.modelKeys = keys
	c.modelCount = len(samples)
	c.mu.Unlock()

	c.bus.Publish(events.TypeModelsTrained, map[string]any{
		"component": "win_calculator",
		"samples":   len(samples),
	})

	c.recordExperience(ctx, learning.ExperienceModelTraining,
		"train_win_model",
		fmt.Sprintf("trained on %d samples", len(samples)),
		true,
		map[string]any{"samples": len(samples)},
		0.8,
	)

	return nil
}

// Trained reports whether the WIN regression model has been fitted.
func (c *WINCalculator) Trained() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.model != nil
}

func (c *WINCalculator) recordExperience(ctx context.Context, t learning.ExperienceType, action, outcome string, success bool, expContext map[string]any, confidence float64) {
	if c.learner == nil {
		return
	}
	exp := learning.NewExperience(t, "win_calculator")
	exp.ActionTaken = action
	exp.Outcome = outcome
	exp.Success = success
	exp.Context = expContext
	exp.ConfidenceLevel = confidence
	if err := c.learner.RecordExperience(ctx, exp); err != nil {
		c.logger.Warn("failed to record WIN experience", "error", err.Error())
	}
}
