// Copyright (C) 2026 TRM-OS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package events provides the in-process event bus for the TRM-OS core.
//
// Every significant state change in the learning and quantum subsystems is
// published as a named event with a payload. Consumers (dashboards, log
// sinks, tests) subscribe without coupling to the publishing component;
// publication is fire-and-forget and is never awaited by core logic.
//
// Thread Safety:
//
//	All types in this package are designed for concurrent use.
package events

import (
	"time"
)

// Type identifies the kind of event.
type Type string

// Learning subsystem events.
const (
	// TypeExperienceCollected is emitted when an experience is stored.
	TypeExperienceCollected Type = "experience_collected"

	// TypeSessionStarted is emitted when a learning session begins.
	TypeSessionStarted Type = "session_started"

	// TypeSessionFinalized is emitted when a learning session is finalized.
	TypeSessionFinalized Type = "session_finalized"

	// TypePatternDiscovered is emitted when a validated pattern is stored.
	TypePatternDiscovered Type = "pattern_discovered"

	// TypeAdaptationRuleCreated is emitted when a rule is generated from a pattern.
	TypeAdaptationRuleCreated Type = "adaptation_rule_created"

	// TypeAdaptationApplied is emitted when a rule is applied to a context.
	TypeAdaptationApplied Type = "adaptation_applied"

	// TypeAdaptationDeactivated is emitted when a rule is deactivated.
	TypeAdaptationDeactivated Type = "adaptation_deactivated"

	// TypeGoalProgress is emitted when goal completion is recomputed.
	TypeGoalProgress Type = "goal_progress"

	// TypeGoalAchieved is emitted when a goal transitions to completed.
	TypeGoalAchieved Type = "goal_achieved"

	// TypeBaselineEstablished is emitted when a metric baseline is frozen.
	TypeBaselineEstablished Type = "baseline_established"

	// TypeSignificantChange is emitted when a metric deviates >=10% from baseline.
	TypeSignificantChange Type = "significant_change"

	// TypeTargetAchieved is emitted when a metric meets its target.
	TypeTargetAchieved Type = "target_achieved"

	// TypeLearningCycleCompleted is emitted at the end of each learning cycle.
	TypeLearningCycleCompleted Type = "learning_cycle_completed"
)

// Quantum subsystem events.
const (
	// TypeQuantumSystemCreated is emitted when a quantum system is registered.
	TypeQuantumSystemCreated Type = "quantum_system_created"

	// TypeStateDetected is emitted when state detection produces a result.
	TypeStateDetected Type = "state_detected"

	// TypeModelsTrained is emitted when ML models finish training.
	TypeModelsTrained Type = "models_trained"

	// TypeTransitionExecuted is emitted when a state transition completes.
	TypeTransitionExecuted Type = "transition_executed"

	// TypeWINCalculated is emitted when a WIN probability is calculated.
	TypeWINCalculated Type = "win_calculated"

	// TypeScenarioEvaluated is emitted when a scenario gap analysis completes.
	TypeScenarioEvaluated Type = "scenario_evaluated"

	// TypeOptimizationCompleted is emitted when an optimization run finishes.
	TypeOptimizationCompleted Type = "optimization_completed"

	// TypeCoherenceAlertRaised is emitted when a coherence alert is raised.
	TypeCoherenceAlertRaised Type = "coherence_alert_raised"

	// TypeCoherenceAlertAcknowledged is emitted when an alert is acknowledged.
	TypeCoherenceAlertAcknowledged Type = "coherence_alert_acknowledged"

	// TypeCoherenceAlertResolved is emitted when an alert is resolved.
	TypeCoherenceAlertResolved Type = "coherence_alert_resolved"

	// TypeCoherenceDegraded is emitted when manager status degrades.
	TypeCoherenceDegraded Type = "coherence_degraded"

	// TypeCoherenceRecovered is emitted when manager status recovers.
	TypeCoherenceRecovered Type = "coherence_recovered"

	// TypeSystemMetrics is emitted with each periodic metrics snapshot.
	TypeSystemMetrics Type = "system_metrics"
)

// Event is one published occurrence. Events should be treated as
// immutable after creation.
type Event struct {
	// ID is a unique identifier for this event.
	ID string `json:"id"`

	// Type identifies the kind of event.
	Type Type `json:"type"`

	// Source identifies the publishing component.
	Source string `json:"source,omitempty"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Payload contains event-specific data.
	Payload map[string]any `json:"payload,omitempty"`
}

// Bus is the publish side of the event system. Core components depend on
// this interface only, so tests can substitute MockBus and deployments
// can bridge to an external broker.
type Bus interface {
	// Publish broadcasts an event and must never panic. Handlers run
	// synchronously in the caller's goroutine: they must be fast and
	// must not call back into state the publisher holds locked, so
	// publishers release their locks before publishing.
	Publish(eventType Type, payload map[string]any)
}

// Handler is a function that processes events.
type Handler func(event *Event)

// Filter determines whether an event should be handled.
type Filter func(event *Event) bool

// Subscription represents one registered handler.
type Subscription struct {
	// ID uniquely identifies this subscription.
	ID string

	// Handler processes matching events.
	Handler Handler

	// Filter determines which events to handle (nil = all events).
	Filter Filter

	// Types limits which event types to handle (nil = all types).
	Types []Type
}
