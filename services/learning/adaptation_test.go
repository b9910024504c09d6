// Copyright (C) 2026 TRM-OS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package learning

import (
	"context"
	"testing"
	"time"

	"github.com/trm-os/trmos/pkg/events"
)

func newTestEngine(t *testing.T, config AdaptationConfig) (*Engine, *events.MockBus) {
	t.Helper()
	bus := events.NewMockBus()
	return NewEngine(config, bus, nil, nil), bus
}

func TestGenerateFromPatternsMapping(t *testing.T) {
	engine, bus := newTestEngine(t, DefaultConfig().Adaptation)

	patterns := []*Pattern{
		{
			ID: "p1", Type: PatternSuccessRate, SuccessRate: 0.9, Strength: 0.8, Confidence: 0.8,
			Conditions: map[string]any{"experience_type": "task_execution"},
		},
		{
			ID: "p2", Type: PatternSuccessRate, SuccessRate: 0.1, Strength: 0.8, Confidence: 0.8,
			Conditions: map[string]any{"experience_type": "decision_making"},
		},
		{
			ID: "p3", Type: PatternTemporalPerformance, SuccessRate: 0.9, Strength: 0.8, Confidence: 0.8,
			Conditions: map[string]any{"hour": 9},
		},
		{
			ID: "p4", Type: PatternContextCorrelation, SuccessRate: 0.1, Strength: 0.8, Confidence: 0.8,
			Conditions: map[string]any{"environment": "production"},
		},
		{
			ID: "p5", Type: PatternPerformanceImprovement, Strength: 0.5, Confidence: 0.8,
			Conditions: map[string]any{"experience_type": "task_execution", "metric": "efficiency"},
		},
		{
			ID: "p6", Type: PatternActionOutcome, SuccessRate: 0.95, Strength: 0.9, Confidence: 0.8,
			Conditions: map[string]any{"action_signature": "approach=incremental"},
		},
	}

	rules := engine.GenerateFromPatterns(patterns, nil)
	if len(rules) != 6 {
		t.Fatalf("expected 6 rules, got %d", len(rules))
	}

	wantTypes := map[string]AdaptationType{
		"p1": AdaptPriorityReordering,
		"p2": AdaptStrategyChange,
		"p3": AdaptResourceAllocation,
		"p4": AdaptBehaviorModification,
		"p5": AdaptParameterAdjustment,
		"p6": AdaptPriorityReordering,
	}
	wantActions := map[string]string{
		"p1": "increase_priority",
		"p2": "avoid_approach",
		"p3": "prefer_time_slot",
		"p4": "avoid_context",
		"p5": "reinforce_action",
		"p6": "prefer_action",
	}
	for _, rule := range rules {
		if got := wantTypes[rule.SourcePatternID]; rule.Type != got {
			t.Errorf("pattern %s: expected type %s, got %s", rule.SourcePatternID, got, rule.Type)
		}
		action, _ := rule.Actions["action"].(string)
		if got := wantActions[rule.SourcePatternID]; action != got {
			t.Errorf("pattern %s: expected action %s, got %s", rule.SourcePatternID, got, action)
		}
		if rule.Priority < 1 || rule.Priority > 10 {
			t.Errorf("pattern %s: priority %d outside [1,10]", rule.SourcePatternID, rule.Priority)
		}
	}

	if n := len(bus.EventsByType(events.TypeAdaptationRuleCreated)); n != 6 {
		t.Errorf("expected 6 rule created events, got %d", n)
	}
}

func TestPriorityBoostWhileSuccessRatePoor(t *testing.T) {
	engine, _ := newTestEngine(t, DefaultConfig().Adaptation)

	pattern := &Pattern{
		ID: "p1", Type: PatternSuccessRate, SuccessRate: 0.1, Strength: 0.5, Confidence: 0.8,
		Conditions: map[string]any{"experience_type": "task_execution"},
	}

	baseline := engine.GenerateFromPatterns([]*Pattern{pattern}, nil)
	boosted := engine.GenerateFromPatterns([]*Pattern{pattern}, map[MetricType]float64{
		MetricSuccessRate: 0.3,
	})

	if boosted[0].Priority != baseline[0].Priority+2 {
		t.Errorf("expected +2 priority boost, got %d vs %d", boosted[0].Priority, baseline[0].Priority)
	}
}

func TestApplyAdaptationsFiltersAndApplies(t *testing.T) {
	engine, bus := newTestEngine(t, DefaultConfig().Adaptation)
	ctx := context.Background()

	rules := engine.GenerateFromPatterns([]*Pattern{
		{
			ID: "p1", Type: PatternSuccessRate, SuccessRate: 0.9, Strength: 0.8, Confidence: 0.8,
			Conditions: map[string]any{"experience_type": "task_execution"},
		},
	}, nil)

	// Context missing the trigger key: skipped.
	result := engine.ApplyAdaptations(ctx, map[string]any{"unrelated": true}, rules)
	if len(result.Applied) != 0 || result.Skipped != 1 {
		t.Fatalf("expected skip on unmet conditions, got %+v", result)
	}

	// Matching context: applied.
	result = engine.ApplyAdaptations(ctx, map[string]any{"experience_type": "task_execution"}, rules)
	if len(result.Applied) != 1 {
		t.Fatalf("expected 1 applied adaptation, got %+v", result)
	}
	if len(engine.ActiveAdaptations()) != 1 {
		t.Errorf("expected 1 active adaptation")
	}
	if n := len(bus.EventsByType(events.TypeAdaptationApplied)); n != 1 {
		t.Errorf("expected 1 applied event, got %d", n)
	}
}

func TestCooldownBlocksImmediateReapplication(t *testing.T) {
	config := DefaultConfig().Adaptation
	config.Cooldown = time.Hour
	engine, _ := newTestEngine(t, config)
	ctx := context.Background()
	applicationContext := map[string]any{"experience_type": "task_execution"}

	rules := engine.GenerateFromPatterns([]*Pattern{
		{
			ID: "p1", Type: PatternSuccessRate, SuccessRate: 0.9, Strength: 0.8, Confidence: 0.8,
			Conditions: map[string]any{"experience_type": "task_execution"},
		},
	}, nil)

	first := engine.ApplyAdaptations(ctx, applicationContext, rules)
	if len(first.Applied) != 1 {
		t.Fatalf("expected first application to succeed, got %+v", first)
	}

	// Immediately after: inside the cooldown window.
	second := engine.ApplyAdaptations(ctx, applicationContext, rules)
	if len(second.Applied) != 0 || second.Skipped != 1 {
		t.Fatalf("expected cooldown skip, got %+v", second)
	}

	// Backdate the last application past the cooldown.
	rules[0].LastApplied = time.Now().Add(-config.Cooldown - time.Second)
	engine.ReleaseAdaptation(first.Applied[0].ID)

	third := engine.ApplyAdaptations(ctx, applicationContext, rules)
	if len(third.Applied) != 1 {
		t.Fatalf("expected application after cooldown elapsed, got %+v", third)
	}
}

func TestConcurrencyCap(t *testing.T) {
	config := DefaultConfig().Adaptation
	config.MaxConcurrent = 2
	engine, _ := newTestEngine(t, config)
	ctx := context.Background()

	// Three rules of distinct adaptation types so none conflict; only the
	// concurrency cap limits application.
	rules := engine.GenerateFromPatterns([]*Pattern{
		{
			ID: "p1", Type: PatternSuccessRate, SuccessRate: 0.9, Strength: 0.8, Confidence: 0.8,
			Conditions: map[string]any{"experience_type": "task_execution"},
		},
		{
			ID: "p2", Type: PatternSuccessRate, SuccessRate: 0.1, Strength: 0.8, Confidence: 0.8,
			Conditions: map[string]any{"experience_type": "task_execution"},
		},
		{
			ID: "p3", Type: PatternTemporalPerformance, SuccessRate: 0.9, Strength: 0.8, Confidence: 0.8,
			Conditions: map[string]any{"hour": 9},
		},
	}, nil)

	result := engine.ApplyAdaptations(ctx, map[string]any{
		"experience_type": "task_execution",
		"hour":            12,
	}, rules)
	if len(result.Applied) != 2 {
		t.Errorf("expected cap of 2 applied, got %d", len(result.Applied))
	}
	if result.Skipped != 1 {
		t.Errorf("expected 1 skipped over cap, got %d", result.Skipped)
	}
}

func TestConflictingAdaptationSkipped(t *testing.T) {
	engine, _ := newTestEngine(t, DefaultConfig().Adaptation)
	ctx := context.Background()

	rules := engine.GenerateFromPatterns([]*Pattern{
		{
			ID: "p1", Type: PatternContextCorrelation, SuccessRate: 0.9, Strength: 0.8, Confidence: 0.9,
			Conditions: map[string]any{"environment": "staging"},
		},
		{
			ID: "p2", Type: PatternContextCorrelation, SuccessRate: 0.1, Strength: 0.8, Confidence: 0.8,
			Conditions: map[string]any{"environment": "staging"},
		},
	}, nil)

	// Both rules are behavior modifications with the same "action" key but
	// different values (prefer_context vs avoid_context): direct conflict.
	result := engine.ApplyAdaptations(ctx, map[string]any{"environment": "staging"}, rules)
	if len(result.Applied) != 1 {
		t.Errorf("expected 1 applied, got %d", len(result.Applied))
	}
	if result.Skipped != 1 {
		t.Errorf("expected 1 conflict skip, got %d", result.Skipped)
	}
}

func TestUnknownActionFails(t *testing.T) {
	engine, _ := newTestEngine(t, DefaultConfig().Adaptation)

	rule := &Rule{
		ID:                "r1",
		Type:              AdaptParameterAdjustment,
		TriggerConditions: map[string]any{"mode": "auto"},
		Actions:           map[string]any{"action": "summon_demon"},
		Priority:          5,
		Active:            true,
		CreatedAt:         time.Now(),
	}

	result := engine.ApplyAdaptations(context.Background(), map[string]any{"mode": "auto"}, []*Rule{rule})
	if result.Failed != 1 {
		t.Errorf("expected 1 failure for unknown action, got %+v", result)
	}
	if len(result.Applied) != 0 {
		t.Errorf("expected nothing applied")
	}
}

func TestNumericConditionUsesThresholdComparison(t *testing.T) {
	engine, _ := newTestEngine(t, DefaultConfig().Adaptation)
	ctx := context.Background()

	rule := &Rule{
		ID:                "r1",
		Type:              AdaptThresholdModification,
		TriggerConditions: map[string]any{"load": 0.5},
		Actions:           map[string]any{"action": "modify_threshold"},
		Priority:          5,
		Active:            true,
		CreatedAt:         time.Now(),
	}

	below := engine.ApplyAdaptations(ctx, map[string]any{"load": 0.4}, []*Rule{rule})
	if len(below.Applied) != 0 {
		t.Errorf("expected no application below numeric threshold")
	}

	above := engine.ApplyAdaptations(ctx, map[string]any{"load": 0.6}, []*Rule{rule})
	if len(above.Applied) != 1 {
		t.Errorf("expected application at or above numeric threshold")
	}
}

func TestMaxApplicationsDeactivatesRule(t *testing.T) {
	config := DefaultConfig().Adaptation
	config.Cooldown = 0
	engine, _ := newTestEngine(t, config)
	ctx := context.Background()

	rule := &Rule{
		ID:                "r1",
		Type:              AdaptParameterAdjustment,
		TriggerConditions: map[string]any{"mode": "auto"},
		Actions:           map[string]any{"action": "adjust_parameter"},
		Priority:          5,
		Active:            true,
		MaxApplications:   1,
		CreatedAt:         time.Now(),
	}

	first := engine.ApplyAdaptations(ctx, map[string]any{"mode": "auto"}, []*Rule{rule})
	if len(first.Applied) != 1 {
		t.Fatalf("expected first application, got %+v", first)
	}
	if rule.Active {
		t.Errorf("expected rule deactivated at application limit")
	}

	second := engine.ApplyAdaptations(ctx, map[string]any{"mode": "auto"}, []*Rule{rule})
	if len(second.Applied) != 0 {
		t.Errorf("expected no application past the limit")
	}
}

func TestEvaluateEffectivenessRunningAverage(t *testing.T) {
	engine, _ := newTestEngine(t, DefaultConfig().Adaptation)

	rules := engine.GenerateFromPatterns([]*Pattern{
		{
			ID: "p1", Type: PatternSuccessRate, SuccessRate: 0.9, Strength: 0.8, Confidence: 0.8,
			Conditions: map[string]any{"experience_type": "task_execution"},
		},
	}, nil)
	rule := rules[0]

	rule.Applications = 1
	if err := engine.EvaluateEffectiveness(rule.ID, 0.8); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if rule.Effectiveness != 0.8 {
		t.Errorf("expected first score taken directly, got %v", rule.Effectiveness)
	}

	rule.Applications = 2
	if err := engine.EvaluateEffectiveness(rule.ID, 0.4); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if rule.Effectiveness < 0.599 || rule.Effectiveness > 0.601 {
		t.Errorf("expected running average 0.6, got %v", rule.Effectiveness)
	}

	if err := engine.EvaluateEffectiveness("missing", 0.5); err == nil {
		t.Errorf("expected error for unknown rule")
	}
}

func TestDeactivateRuleReleasesAdaptations(t *testing.T) {
	engine, _ := newTestEngine(t, DefaultConfig().Adaptation)
	ctx := context.Background()

	rules := engine.GenerateFromPatterns([]*Pattern{
		{
			ID: "p1", Type: PatternSuccessRate, SuccessRate: 0.9, Strength: 0.8, Confidence: 0.8,
			Conditions: map[string]any{"experience_type": "task_execution"},
		},
	}, nil)

	result := engine.ApplyAdaptations(ctx, map[string]any{"experience_type": "task_execution"}, rules)
	if len(result.Applied) != 1 {
		t.Fatalf("expected 1 applied, got %+v", result)
	}

	if err := engine.DeactivateRule(rules[0].ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if len(engine.ActiveAdaptations()) != 0 {
		t.Errorf("expected active adaptations released on deactivation")
	}
	if rules[0].Active {
		t.Errorf("expected rule inactive")
	}
}

func TestExpireStale(t *testing.T) {
	engine, _ := newTestEngine(t, DefaultConfig().Adaptation)

	rules := engine.GenerateFromPatterns([]*Pattern{
		{
			ID: "p1", Type: PatternSuccessRate, SuccessRate: 0.9, Strength: 0.8, Confidence: 0.8,
			Conditions: map[string]any{"experience_type": "task_execution"},
		},
	}, nil)
	rules[0].ExpiresAt = time.Now().Add(-time.Minute)

	if n := engine.ExpireStale(time.Now()); n != 1 {
		t.Errorf("expected 1 expired rule, got %d", n)
	}
	if rules[0].Active {
		t.Errorf("expected expired rule inactive")
	}
}
