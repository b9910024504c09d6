// Copyright (C) 2026 TRM-OS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package learning implements the TRM-OS adaptive learning system:
// experience collection, statistical pattern recognition, rule-based
// behavioral adaptation, and performance tracking, orchestrated by
// the System type.
//
// The pipeline is: experiences flow in through System.LearnFromExperience,
// periodic learning cycles analyze the accumulated experiences into
// confidence-scored patterns, patterns become adaptation rules, and rules
// are applied to live context under concurrency and cooldown constraints.
package learning

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Experience
// =============================================================================

// ExperienceType classifies a learning experience.
type ExperienceType string

const (
	// ExperienceTaskExecution records execution of a concrete task.
	ExperienceTaskExecution ExperienceType = "task_execution"

	// ExperienceProblemSolving records a problem-solving attempt.
	ExperienceProblemSolving ExperienceType = "problem_solving"

	// ExperienceDecisionMaking records a decision and its outcome.
	ExperienceDecisionMaking ExperienceType = "decision_making"

	// ExperienceConversationPattern records a conversational interaction.
	ExperienceConversationPattern ExperienceType = "conversation_pattern"

	// ExperienceQuantumStateDetection records a quantum state detection run.
	ExperienceQuantumStateDetection ExperienceType = "quantum_state_detection"

	// ExperienceQuantumOptimization records a quantum optimization run.
	ExperienceQuantumOptimization ExperienceType = "quantum_optimization"

	// ExperienceStateTransition records a quantum state transition.
	ExperienceStateTransition ExperienceType = "state_transition"

	// ExperienceWINCalculation records a WIN probability calculation.
	ExperienceWINCalculation ExperienceType = "win_calculation"

	// ExperienceModelTraining records an ML model training run.
	ExperienceModelTraining ExperienceType = "model_training"

	// ExperienceUserFeedback records explicit feedback from a user.
	ExperienceUserFeedback ExperienceType = "user_feedback"
)

// knownExperienceTypes is the closed set accepted at the API boundary.
var knownExperienceTypes = map[ExperienceType]struct{}{
	ExperienceTaskExecution:         {},
	ExperienceProblemSolving:        {},
	ExperienceDecisionMaking:        {},
	ExperienceConversationPattern:   {},
	ExperienceQuantumStateDetection: {},
	ExperienceQuantumOptimization:   {},
	ExperienceStateTransition:       {},
	ExperienceWINCalculation:        {},
	ExperienceModelTraining:         {},
	ExperienceUserFeedback:          {},
}

// ParseExperienceType coerces a raw string into an ExperienceType.
//
// This is the single coercion point for the whole module: callers that
// hold raw strings (NLP layer, quantum manager, tests) convert exactly
// once at ingestion, and unrecognized values are a hard error.
//
// Outputs:
//
//	ExperienceType - The recognized type.
//	error - ErrUnknownExperienceType (wrapped) if the value is not recognized.
func ParseExperienceType(s string) (ExperienceType, error) {
	et := ExperienceType(s)
	if _, ok := knownExperienceTypes[et]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownExperienceType, s)
	}
	return et, nil
}

// Valid reports whether the experience type is a recognized value.
func (t ExperienceType) Valid() bool {
	_, ok := knownExperienceTypes[t]
	return ok
}

// Experience is an immutable record of one agent action and its outcome.
// It is the atomic input to the learning pipeline.
//
// Experiences are never mutated after creation; the collector retains
// them up to a capacity bound with oldest-by-timestamp eviction.
type Experience struct {
	// ID uniquely identifies this experience.
	ID string `json:"id"`

	// Type classifies the experience. Must be a recognized value.
	Type ExperienceType `json:"type"`

	// AgentID identifies the agent that had the experience.
	AgentID string `json:"agent_id"`

	// SessionID groups experiences under a learning session, if any.
	SessionID string `json:"session_id,omitempty"`

	// Context is free-form key-value context the action ran under.
	Context map[string]any `json:"context,omitempty"`

	// ActionTaken describes what the agent did.
	ActionTaken string `json:"action_taken"`

	// Outcome describes what happened.
	Outcome string `json:"outcome"`

	// Success indicates whether the action achieved its intent.
	Success bool `json:"success"`

	// PerformanceBefore holds metric values before the action.
	PerformanceBefore map[string]float64 `json:"performance_before,omitempty"`

	// PerformanceAfter holds metric values after the action.
	PerformanceAfter map[string]float64 `json:"performance_after,omitempty"`

	// Improvement holds the per-metric delta (after - before).
	Improvement map[string]float64 `json:"improvement,omitempty"`

	// ConfidenceLevel is the agent's confidence in the outcome, in [0,1].
	ConfidenceLevel float64 `json:"confidence_level"`

	// ImportanceWeight scales this experience's influence, in [0,10].
	ImportanceWeight float64 `json:"importance_weight"`

	// Tags are free-form labels.
	Tags []string `json:"tags,omitempty"`

	// Timestamp is when the experience occurred.
	Timestamp time.Time `json:"timestamp"`
}

// NewExperience builds an experience with a fresh ID and derived
// improvement deltas. The type must already be validated.
func NewExperience(t ExperienceType, agentID string) *Experience {
	return &Experience{
		ID:               uuid.NewString(),
		Type:             t,
		AgentID:          agentID,
		Context:          make(map[string]any),
		ConfidenceLevel:  0.5,
		ImportanceWeight: 1.0,
		Timestamp:        time.Now(),
	}
}

// DeriveImprovement recomputes the Improvement map from the before/after
// performance snapshots. Metrics present only on one side are skipped.
func (e *Experience) DeriveImprovement() {
	if len(e.PerformanceBefore) == 0 || len(e.PerformanceAfter) == 0 {
		return
	}
	improvement := make(map[string]float64)
	for metric, after := range e.PerformanceAfter {
		if before, ok := e.PerformanceBefore[metric]; ok {
			improvement[metric] = after - before
		}
	}
	e.Improvement = improvement
}

// =============================================================================
// Performance Metrics
// =============================================================================

// MetricType classifies a performance measurement.
type MetricType string

const (
	MetricEfficiency     MetricType = "efficiency"
	MetricAccuracy       MetricType = "accuracy"
	MetricSuccessRate    MetricType = "success_rate"
	MetricConfidence     MetricType = "confidence"
	MetricQuality        MetricType = "quality"
	MetricLearningSpeed  MetricType = "learning_speed"
	MetricAdaptationRate MetricType = "adaptation_rate"
)

// TrendDirection classifies a metric's recent movement.
type TrendDirection string

const (
	TrendImproving TrendDirection = "improving"
	TrendDeclining TrendDirection = "declining"
	TrendStable    TrendDirection = "stable"
)

// PerformanceMetric is a single point-in-time measurement.
//
// Invariant: Baseline is fixed once established from the first N samples
// of its metric type and never overwritten thereafter.
type PerformanceMetric struct {
	// ID uniquely identifies this measurement.
	ID string `json:"id"`

	// Type classifies the metric.
	Type MetricType `json:"type"`

	// AgentID identifies the measured agent.
	AgentID string `json:"agent_id"`

	// Value is the measured value.
	Value float64 `json:"value"`

	// Baseline is the frozen baseline for this metric type, if established.
	Baseline float64 `json:"baseline"`

	// HasBaseline reports whether Baseline was established at record time.
	HasBaseline bool `json:"has_baseline"`

	// Target is the target value, if one is set.
	Target float64 `json:"target,omitempty"`

	// PeriodStart and PeriodEnd bound the measurement period.
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`

	// Trend classifies the recent slope for this metric type.
	Trend TrendDirection `json:"trend"`

	// ChangeRate is the relative change against the baseline.
	ChangeRate float64 `json:"change_rate"`

	// Reliability is the confidence in the measurement, in [0,1].
	Reliability float64 `json:"reliability"`

	// SampleSize is how many underlying observations produced the value.
	SampleSize int `json:"sample_size"`

	// Context is free-form measurement context.
	Context map[string]any `json:"context,omitempty"`
}

// =============================================================================
// Patterns
// =============================================================================

// PatternType classifies a discovered statistical regularity.
type PatternType string

const (
	PatternSuccessRate            PatternType = "success_rate"
	PatternTemporalPerformance    PatternType = "temporal_performance"
	PatternWeeklyPerformance      PatternType = "weekly_performance"
	PatternContextCorrelation     PatternType = "context_correlation"
	PatternPerformanceImprovement PatternType = "performance_improvement"
	PatternActionOutcome          PatternType = "action_outcome"
)

// rateBasedPatterns are the types subject to the statistical-significance
// gate (success rate must differ from 0.5 by at least the configured margin).
var rateBasedPatterns = map[PatternType]struct{}{
	PatternSuccessRate:        {},
	PatternTemporalPerformance: {},
	PatternWeeklyPerformance:  {},
	PatternContextCorrelation: {},
	PatternActionOutcome:      {},
}

// RateBased reports whether the pattern type is subject to the
// significance gate.
func (t PatternType) RateBased() bool {
	_, ok := rateBasedPatterns[t]
	return ok
}

// Pattern is a statistically validated regularity discovered across many
// experiences. Patterns are immutable after creation and cleared only on
// full system reset.
type Pattern struct {
	// ID uniquely identifies this pattern.
	ID string `json:"id"`

	// Type classifies the pattern.
	Type PatternType `json:"type"`

	// Description is a human-readable summary.
	Description string `json:"description"`

	// Conditions describe when the pattern applies.
	Conditions map[string]any `json:"conditions,omitempty"`

	// Outcomes describe the expected effect.
	Outcomes map[string]any `json:"outcomes,omitempty"`

	// Frequency is the occurrence count backing the pattern.
	Frequency int `json:"frequency"`

	// Confidence is the statistical confidence, in [0,1].
	Confidence float64 `json:"confidence"`

	// Strength is the effect size, in [0,1].
	Strength float64 `json:"strength"`

	// SuccessRate is the observed success rate for rate-based patterns.
	SuccessRate float64 `json:"success_rate"`

	// DiscoveredAt is when the pattern was validated and stored.
	DiscoveredAt time.Time `json:"discovered_at"`
}

// =============================================================================
// Adaptation Rules
// =============================================================================

// AdaptationType classifies an executable behavior-change directive.
type AdaptationType string

const (
	AdaptParameterAdjustment   AdaptationType = "parameter_adjustment"
	AdaptStrategyChange        AdaptationType = "strategy_change"
	AdaptThresholdModification AdaptationType = "threshold_modification"
	AdaptPriorityReordering    AdaptationType = "priority_reordering"
	AdaptResourceAllocation    AdaptationType = "resource_allocation"
	AdaptBehaviorModification  AdaptationType = "behavior_modification"
	AdaptKnowledgeUpdate       AdaptationType = "knowledge_update"
)

// Rule is an executable adaptation directive generated from a pattern.
//
// A rule is applied (instantiated as an active adaptation) subject to
// cooldown and concurrency constraints; it is deactivated on expiry,
// max-application limit, or explicit deactivation.
type Rule struct {
	// ID uniquely identifies this rule.
	ID string `json:"id"`

	// Type classifies the adaptation.
	Type AdaptationType `json:"type"`

	// SourcePatternID links back to the originating pattern.
	SourcePatternID string `json:"source_pattern_id,omitempty"`

	// Description is a human-readable summary.
	Description string `json:"description"`

	// TriggerConditions map context keys to expected values or numeric
	// thresholds. All conditions must be satisfied for the rule to apply.
	TriggerConditions map[string]any `json:"trigger_conditions"`

	// Actions is the adaptation action descriptor. Must contain an
	// "action" key to be valid.
	Actions map[string]any `json:"actions"`

	// Priority orders candidate rules, in [1,10]; higher applies first.
	Priority int `json:"priority"`

	// ConfidenceThreshold breaks priority ties, in [0,1].
	ConfidenceThreshold float64 `json:"confidence_threshold"`

	// Applications counts how many times the rule has been applied.
	Applications int `json:"applications"`

	// Effectiveness is the running-average observed effectiveness, in [0,1].
	Effectiveness float64 `json:"effectiveness"`

	// Active indicates the rule is eligible for application.
	Active bool `json:"active"`

	// MaxApplications caps total applications (0 = unlimited).
	MaxApplications int `json:"max_applications,omitempty"`

	// ExpiresAt deactivates the rule after this time (zero = never).
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	// LastApplied is the time of the most recent application.
	LastApplied time.Time `json:"last_applied,omitempty"`

	// CreatedAt is when the rule was generated.
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the rule's structural invariants.
//
// Outputs:
//
//	error - ErrInvalidRule (wrapped) if trigger conditions are empty or
//	        the actions map is missing the "action" key.
func (r *Rule) Validate() error {
	if len(r.TriggerConditions) == 0 {
		return fmt.Errorf("%w: empty trigger conditions", ErrInvalidRule)
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("%w: empty actions", ErrInvalidRule)
	}
	if _, ok := r.Actions["action"]; !ok {
		return fmt.Errorf("%w: actions missing %q key", ErrInvalidRule, "action")
	}
	return nil
}

// Expired reports whether the rule has passed its expiry time.
func (r *Rule) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// AtApplicationLimit reports whether the rule has hit its application cap.
func (r *Rule) AtApplicationLimit() bool {
	return r.MaxApplications > 0 && r.Applications >= r.MaxApplications
}

// ActiveAdaptation records one live application of a rule.
type ActiveAdaptation struct {
	// ID uniquely identifies this application.
	ID string `json:"id"`

	// RuleID links to the applied rule.
	RuleID string `json:"rule_id"`

	// Type mirrors the rule's adaptation type.
	Type AdaptationType `json:"type"`

	// Actions is a snapshot of the rule's action descriptor.
	Actions map[string]any `json:"actions"`

	// AppliedAt is when the adaptation became active.
	AppliedAt time.Time `json:"applied_at"`
}

// =============================================================================
// Goals
// =============================================================================

// GoalStatus tracks the lifecycle of a learning goal.
type GoalStatus string

const (
	GoalActive    GoalStatus = "active"
	GoalCompleted GoalStatus = "completed"
	GoalPaused    GoalStatus = "paused"
	GoalCancelled GoalStatus = "cancelled"
)

// Goal is a target performance objective. Goals are never deleted, only
// status-transitioned.
type Goal struct {
	// ID uniquely identifies this goal.
	ID string `json:"id"`

	// Name is a human-readable goal name.
	Name string `json:"name"`

	// TargetMetrics maps metric types to target values.
	TargetMetrics map[MetricType]float64 `json:"target_metrics"`

	// CurrentProgress maps metric types to their latest observed values.
	CurrentProgress map[MetricType]float64 `json:"current_progress"`

	// CompletionPercentage is in [0,100]: the mean of per-metric
	// min(1, current/target) ratios, times 100.
	CompletionPercentage float64 `json:"completion_percentage"`

	// Priority orders goals, higher first.
	Priority int `json:"priority"`

	// Status is the lifecycle state.
	Status GoalStatus `json:"status"`

	// CreatedAt is when the goal was added.
	CreatedAt time.Time `json:"created_at"`

	// CompletedAt is set when the goal transitions to completed.
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// UpdateProgress recomputes CompletionPercentage from current values and
// transitions the goal to completed when it reaches 100.
//
// Outputs:
//
//	bool - True if this update completed the goal.
func (g *Goal) UpdateProgress(current map[MetricType]float64) bool {
	if g.Status != GoalActive || len(g.TargetMetrics) == 0 {
		return false
	}

	var sum float64
	for metric, target := range g.TargetMetrics {
		value, ok := current[metric]
		if !ok {
			continue
		}
		g.CurrentProgress[metric] = value
		if target <= 0 {
			continue
		}
		ratio := value / target
		if ratio > 1 {
			ratio = 1
		}
		sum += ratio
	}

	g.CompletionPercentage = sum / float64(len(g.TargetMetrics)) * 100

	if g.CompletionPercentage >= 100 {
		g.Status = GoalCompleted
		g.CompletedAt = time.Now()
		return true
	}
	return false
}

// =============================================================================
// Sessions
// =============================================================================

// Session groups experiences under one learning activity with before and
// after performance snapshots.
type Session struct {
	// ID uniquely identifies this session.
	ID string `json:"id"`

	// AgentID identifies the learning agent.
	AgentID string `json:"agent_id"`

	// Description summarizes the session's purpose.
	Description string `json:"description,omitempty"`

	// ExperienceIDs lists the experiences collected in this session.
	ExperienceIDs []string `json:"experience_ids"`

	// PerformanceBefore is the metric snapshot at session start.
	PerformanceBefore map[string]float64 `json:"performance_before,omitempty"`

	// PerformanceAfter is the metric snapshot at finalization.
	PerformanceAfter map[string]float64 `json:"performance_after,omitempty"`

	// LearningEffectiveness is the mean of positive per-metric
	// improvement ratios, computed at finalization.
	LearningEffectiveness float64 `json:"learning_effectiveness"`

	// StartedAt and FinalizedAt bound the session.
	StartedAt   time.Time `json:"started_at"`
	FinalizedAt time.Time `json:"finalized_at,omitempty"`

	// Finalized reports whether the session has been closed.
	Finalized bool `json:"finalized"`
}
