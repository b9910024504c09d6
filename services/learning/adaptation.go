// Copyright (C) 2026 TRM-OS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package learning

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trm-os/trmos/pkg/events"
	"github.com/trm-os/trmos/pkg/logging"
	"github.com/trm-os/trmos/pkg/observability"
)

// knownActions is the closed set of action descriptors the engine can
// instantiate. Rules carrying any other action are reported as failed,
// never applied.
var knownActions = map[string]struct{}{
	"increase_priority": {},
	"avoid_approach":    {},
	"prefer_time_slot":  {},
	"prefer_context":    {},
	"avoid_context":     {},
	"reinforce_action":  {},
	"prefer_action":     {},
	"avoid_action":      {},
	"adjust_parameter":  {},
	"modify_threshold":  {},
}

// Engine turns discovered patterns into executable adaptation rules and
// applies them to live context under cooldown, concurrency, and conflict
// constraints.
//
// Rule application order is deterministic for a given snapshot: priority
// descending, then confidence threshold descending.
//
// Thread Safety: Engine is safe for concurrent use.
type Engine struct {
	mu     sync.RWMutex
	config AdaptationConfig
	rules  map[string]*Rule
	active map[string]*ActiveAdaptation

	bus     events.Bus
	logger  *logging.Logger
	metrics *observability.LearningMetrics
}

// NewEngine creates an adaptation engine.
func NewEngine(config AdaptationConfig, bus events.Bus, logger *logging.Logger, metrics *observability.LearningMetrics) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{
		config:  config,
		rules:   make(map[string]*Rule),
		active:  make(map[string]*ActiveAdaptation),
		bus:     bus,
		logger:  logger,
		metrics: metrics,
	}
}

// =============================================================================
// Rule generation
// =============================================================================

// GenerateFromPatterns maps each pattern to a specific adaptation rule.
//
// Mapping:
//   - high success-rate        -> priority reordering (increase priority)
//   - low success-rate         -> strategy change (avoid approach)
//   - temporal / weekly        -> resource allocation (prefer time slots)
//   - context correlation      -> behavior modification (prefer/avoid context)
//   - performance improvement  -> parameter adjustment (reinforce action)
//   - action-outcome           -> priority reordering or strategy change
//
// Invalid candidates (structurally incomplete rules) are skipped, not
// returned. Generated rules are registered with the engine and published.
//
// Inputs:
//   - patterns: Validated patterns from the recognizer.
//   - currentPerformance: Optional current metric values used to scale
//     rule priority (nil allowed).
//
// Outputs:
//   - []*Rule: Registered rules, one per mappable pattern.
func (e *Engine) GenerateFromPatterns(patterns []*Pattern, currentPerformance map[MetricType]float64) []*Rule {
	out := make([]*Rule, 0, len(patterns))
	for _, p := range patterns {
		rule := e.ruleForPattern(p, currentPerformance)
		if rule == nil {
			continue
		}
		if err := rule.Validate(); err != nil {
			e.logger.Warn("skipping invalid generated rule",
				"pattern_id", p.ID,
				"error", err.Error(),
			)
			continue
		}

		e.mu.Lock()
		e.rules[rule.ID] = rule
		e.mu.Unlock()

		e.bus.Publish(events.TypeAdaptationRuleCreated, map[string]any{
			"rule_id":         rule.ID,
			"adaptation_type": string(rule.Type),
			"pattern_id":      p.ID,
			"priority":        rule.Priority,
		})
		out = append(out, rule)
	}

	e.logger.Info("adaptation rules generated",
		"patterns", len(patterns),
		"rules", len(out),
	)
	return out
}

func (e *Engine) ruleForPattern(p *Pattern, currentPerformance map[MetricType]float64) *Rule {
	rule := &Rule{
		ID:                  uuid.NewString(),
		SourcePatternID:     p.ID,
		TriggerConditions:   copyMap(p.Conditions),
		Priority:            priorityForPattern(p, currentPerformance),
		ConfidenceThreshold: p.Confidence,
		Active:              true,
		CreatedAt:           time.Now(),
	}

	switch p.Type {
	case PatternSuccessRate:
		if p.SuccessRate >= 0.5 {
			rule.Type = AdaptPriorityReordering
			rule.Description = "increase priority of high-performing experience type"
			rule.Actions = map[string]any{
				"action": "increase_priority",
				"target": p.Conditions["experience_type"],
			}
		} else {
			rule.Type = AdaptStrategyChange
			rule.Description = "avoid approach with low observed success"
			rule.Actions = map[string]any{
				"action": "avoid_approach",
				"target": p.Conditions["experience_type"],
			}
		}
	case PatternTemporalPerformance, PatternWeeklyPerformance:
		rule.Type = AdaptResourceAllocation
		rule.Description = "prefer historically successful time slots"
		rule.Actions = map[string]any{
			"action": "prefer_time_slot",
			"slot":   slotFromConditions(p.Conditions),
		}
	case PatternContextCorrelation:
		if p.SuccessRate >= 0.5 {
			rule.Type = AdaptBehaviorModification
			rule.Description = "prefer context correlated with success"
			rule.Actions = map[string]any{
				"action":  "prefer_context",
				"context": p.Conditions,
			}
		} else {
			rule.Type = AdaptBehaviorModification
			rule.Description = "avoid context correlated with failure"
			rule.Actions = map[string]any{
				"action":  "avoid_context",
				"context": p.Conditions,
			}
		}
	case PatternPerformanceImprovement:
		rule.Type = AdaptParameterAdjustment
		rule.Description = "reinforce action that improves performance"
		rule.Actions = map[string]any{
			"action": "reinforce_action",
			"metric": p.Conditions["metric"],
		}
	case PatternActionOutcome:
		if p.SuccessRate >= 0.5 {
			rule.Type = AdaptPriorityReordering
			rule.Description = "prefer action signature with high success"
			rule.Actions = map[string]any{
				"action":    "prefer_action",
				"signature": p.Conditions["action_signature"],
			}
		} else {
			rule.Type = AdaptStrategyChange
			rule.Description = "avoid action signature with low success"
			rule.Actions = map[string]any{
				"action":    "avoid_action",
				"signature": p.Conditions["action_signature"],
			}
		}
	default:
		return nil
	}

	return rule
}

// priorityForPattern scales priority by pattern strength, boosted when
// the related metric currently underperforms.
func priorityForPattern(p *Pattern, currentPerformance map[MetricType]float64) int {
	priority := 1 + int(p.Strength*9)
	if sr, ok := currentPerformance[MetricSuccessRate]; ok && sr < 0.5 && p.SuccessRate < 0.5 {
		// Failure-avoidance rules matter more while success rate is poor.
		priority += 2
	}
	if priority > 10 {
		priority = 10
	}
	if priority < 1 {
		priority = 1
	}
	return priority
}

func slotFromConditions(conditions map[string]any) string {
	if hour, ok := conditions["hour"]; ok {
		return fmt.Sprintf("hour_%v", hour)
	}
	if day, ok := conditions["weekday"]; ok {
		return fmt.Sprintf("weekday_%v", day)
	}
	return "unknown"
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// =============================================================================
// Rule application
// =============================================================================

// ApplyResult summarizes one ApplyAdaptations invocation.
type ApplyResult struct {
	// Applied lists the adaptations that became active.
	Applied []*ActiveAdaptation `json:"applied"`

	// Skipped counts rules filtered out (inactive, cooldown, conditions
	// unmet, concurrency cap, conflicts).
	Skipped int `json:"skipped"`

	// Failed counts rules whose application failed (unknown action).
	Failed int `json:"failed"`
}

// ApplyAdaptations filters the candidate rules against the application
// context and applies the winners.
//
// Filter chain: active flag, not expired, under max-application cap,
// past cooldown since last application, and all trigger conditions
// satisfied against the context (exact match for strings and bools,
// membership for lists, >= comparison for numerics). Survivors are
// sorted by (priority desc, confidence threshold desc) and applied up to
// the concurrency cap, skipping any whose actions directly conflict
// (same key, different value) with an already-active adaptation of the
// same type.
//
// Operational failures are reported in the result, never propagated.
//
// Inputs:
//   - ctx: Context (cancellation checked between rule applications).
//   - applicationContext: Live context values to match trigger conditions.
//   - rules: Candidate rules; nil means all registered rules.
//
// Outputs:
//   - ApplyResult: Applied adaptations plus skip/failure counts.
func (e *Engine) ApplyAdaptations(ctx context.Context, applicationContext map[string]any, rules []*Rule) ApplyResult {
	now := time.Now()

	if rules == nil {
		e.mu.RLock()
		rules = make([]*Rule, 0, len(e.rules))
		for _, rule := range e.rules {
			rules = append(rules, rule)
		}
		e.mu.RUnlock()
	}

	var result ApplyResult

	candidates := make([]*Rule, 0, len(rules))
	for _, rule := range rules {
		if e.applicable(rule, applicationContext, now) {
			candidates = append(candidates, rule)
		} else {
			result.Skipped++
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].ConfidenceThreshold > candidates[j].ConfidenceThreshold
	})

	for _, rule := range candidates {
		if ctx.Err() != nil {
			break
		}

		e.mu.Lock()
		if len(e.active) >= e.config.MaxConcurrent {
			e.mu.Unlock()
			result.Skipped++
			e.recordApplication(rule.Type, "skipped")
			continue
		}
		if e.conflictsLocked(rule) {
			e.mu.Unlock()
			result.Skipped++
			e.recordApplication(rule.Type, "skipped")
			e.logger.Debug("rule conflicts with active adaptation", "rule_id", rule.ID)
			continue
		}

		action, _ := rule.Actions["action"].(string)
		if _, known := knownActions[action]; !known {
			e.mu.Unlock()
			result.Failed++
			e.recordApplication(rule.Type, "failed")
			e.logger.Error("unknown adaptation action",
				"rule_id", rule.ID,
				"action", action,
			)
			continue
		}

		adaptation := &ActiveAdaptation{
			ID:        uuid.NewString(),
			RuleID:    rule.ID,
			Type:      rule.Type,
			Actions:   copyMap(rule.Actions),
			AppliedAt: now,
		}
		e.active[adaptation.ID] = adaptation
		rule.Applications++
		rule.LastApplied = now
		if rule.AtApplicationLimit() {
			rule.Active = false
		}
		e.mu.Unlock()

		result.Applied = append(result.Applied, adaptation)
		e.recordApplication(rule.Type, "applied")

		e.bus.Publish(events.TypeAdaptationApplied, map[string]any{
			"adaptation_id":   adaptation.ID,
			"rule_id":         rule.ID,
			"adaptation_type": string(rule.Type),
			"action":          action,
		})
	}

	e.logger.Info("adaptations applied",
		"candidates", len(candidates),
		"applied", len(result.Applied),
		"skipped", result.Skipped,
		"failed", result.Failed,
	)

	return result
}

func (e *Engine) recordApplication(t AdaptationType, status string) {
	if e.metrics != nil {
		e.metrics.AdaptationsTotal.WithLabelValues(string(t), status).Inc()
	}
}

// applicable checks the per-rule filter chain, excluding concurrency and
// conflict checks which need the active-adaptation snapshot.
func (e *Engine) applicable(rule *Rule, applicationContext map[string]any, now time.Time) bool {
	if rule == nil || !rule.Active {
		return false
	}
	if rule.Expired(now) {
		return false
	}
	if rule.AtApplicationLimit() {
		return false
	}
	if !rule.LastApplied.IsZero() && now.Sub(rule.LastApplied) < e.config.Cooldown {
		return false
	}
	for key, expected := range rule.TriggerConditions {
		actual, ok := applicationContext[key]
		if !ok {
			return false
		}
		if !conditionSatisfied(actual, expected) {
			return false
		}
	}
	return true
}

// conditionSatisfied compares one live context value against a trigger
// condition: exact match for strings and bools, membership for list
// values, >= comparison for numerics.
func conditionSatisfied(actual, expected any) bool {
	if list, ok := actual.([]any); ok {
		for _, item := range list {
			if conditionSatisfied(item, expected) {
				return true
			}
		}
		return false
	}
	if list, ok := actual.([]string); ok {
		expectedStr, isStr := expected.(string)
		if !isStr {
			return false
		}
		for _, item := range list {
			if item == expectedStr {
				return true
			}
		}
		return false
	}

	actualNum, actualIsNum := toFloat(actual)
	expectedNum, expectedIsNum := toFloat(expected)
	if actualIsNum && expectedIsNum {
		return actualNum >= expectedNum
	}

	return fmt.Sprintf("%v", actual) == fmt.Sprintf("%v", expected)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// conflictsLocked reports whether the rule's actions directly conflict
// (same key, different value) with an already-active adaptation of the
// same type. Caller must hold e.mu.
func (e *Engine) conflictsLocked(rule *Rule) bool {
	for _, adaptation := range e.active {
		if adaptation.Type != rule.Type {
			continue
		}
		for key, value := range rule.Actions {
			if existing, ok := adaptation.Actions[key]; ok {
				if fmt.Sprintf("%v", existing) != fmt.Sprintf("%v", value) {
					return true
				}
			}
		}
	}
	return false
}

// =============================================================================
// Lifecycle and effectiveness
// =============================================================================

// EvaluateEffectiveness folds an observed outcome score into the rule's
// running-average effectiveness.
//
// Inputs:
//   - ruleID: The rule that was applied.
//   - score: Observed effectiveness in [0,1].
//
// Outputs:
//   - error: Non-nil if the rule is unknown.
func (e *Engine) EvaluateEffectiveness(ruleID string, score float64) error {
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rule, ok := e.rules[ruleID]
	if !ok {
		return fmt.Errorf("%w: rule %s", ErrInvalidRule, ruleID)
	}
	if rule.Applications <= 1 {
		rule.Effectiveness = score
	} else {
		n := float64(rule.Applications)
		rule.Effectiveness = (rule.Effectiveness*(n-1) + score) / n
	}
	return nil
}

// DeactivateRule marks a rule inactive and releases its active
// adaptations.
func (e *Engine) DeactivateRule(ruleID string) error {
	e.mu.Lock()
	rule, ok := e.rules[ruleID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: rule %s", ErrInvalidRule, ruleID)
	}
	rule.Active = false
	for id, adaptation := range e.active {
		if adaptation.RuleID == ruleID {
			delete(e.active, id)
		}
	}
	e.mu.Unlock()

	e.bus.Publish(events.TypeAdaptationDeactivated, map[string]any{
		"rule_id": ruleID,
	})
	return nil
}

// ReleaseAdaptation removes one active adaptation, freeing a concurrency
// slot.
func (e *Engine) ReleaseAdaptation(adaptationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, adaptationID)
}

// ExpireStale deactivates expired rules and returns how many changed.
func (e *Engine) ExpireStale(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	var n int
	for _, rule := range e.rules {
		if rule.Active && rule.Expired(now) {
			rule.Active = false
			n++
		}
	}
	return n
}

// Rules returns a snapshot of all registered rules.
func (e *Engine) Rules() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*Rule, 0, len(e.rules))
	for _, rule := range e.rules {
		out = append(out, rule)
	}
	return out
}

// Rule returns a registered rule by ID, or nil.
func (e *Engine) Rule(id string) *Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rules[id]
}

// ActiveAdaptations returns a snapshot of currently active adaptations.
func (e *Engine) ActiveAdaptations() []*ActiveAdaptation {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*ActiveAdaptation, 0, len(e.active))
	for _, adaptation := range e.active {
		out = append(out, adaptation)
	}
	return out
}

// Reset clears all rules and active adaptations.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = make(map[string]*Rule)
	e.active = make(map[string]*ActiveAdaptation)
}
