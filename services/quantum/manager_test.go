// Copyright (C) 2026 TRM-OS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package quantum

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/trm-os/trmos/pkg/events"
	"github.com/trm-os/trmos/services/learning"
)

func newTestManager(t *testing.T) (*Manager, *events.MockBus, *recordingLearner) {
	t.Helper()
	config := DefaultConfig()
	config.Monitor.Interval = 10 * time.Millisecond
	config.Manager.MetricsInterval = 10 * time.Millisecond
	config.Manager.OptimizationInterval = time.Hour
	config.Manager.CoherenceInterval = time.Hour
	config.Optimizer.Iterations = 5
	config.Optimizer.PopulationSize = 6
	bus := events.NewMockBus()
	learner := &recordingLearner{}
	return NewManager(config, bus, nil, nil, learner), bus, learner
}

func TestCreateSystemSeedsDefaults(t *testing.T) {
	manager, bus, learner := newTestManager(t)
	ctx := context.Background()

	sys := manager.CreateSystem(ctx, "growth-initiative", "quarterly growth push")

	if sys.StateCount() != 5 {
		t.Fatalf("expected 5 default states, got %d", sys.StateCount())
	}
	for _, name := range []string{
		"win_potential", "strategic_options", "organizational_alignment",
		"team_synergy", "market_dynamics",
	} {
		if sys.StateByName(name) == nil {
			t.Errorf("missing default state %s", name)
		}
	}
	if got := sys.StateByName("win_potential").Probability; !floatNear(got, 0.49, 1e-12) {
		t.Errorf("expected win_potential probability 0.49, got %v", got)
	}

	// Fully-connected directed graph over 5 states: 5 * 4 transitions.
	transitions := sys.Transitions()
	if len(transitions) != 20 {
		t.Fatalf("expected 20 transitions, got %d", len(transitions))
	}
	for _, transition := range transitions {
		if transition.Probability != 0.3 {
			t.Errorf("expected base probability 0.3, got %v", transition.Probability)
		}
		if transition.TriggerConditions["momentum"] != 0.5 {
			t.Errorf("expected momentum trigger 0.5, got %v", transition.TriggerConditions)
		}
		if len(transition.CatalystFactors) != 1 || transition.CatalystFactors[0] != "leadership_support" {
			t.Errorf("expected leadership_support catalyst, got %v", transition.CatalystFactors)
		}
	}

	if n := len(bus.EventsByType(events.TypeQuantumSystemCreated)); n != 1 {
		t.Errorf("expected 1 creation event, got %d", n)
	}
	if n := len(learner.byType(learning.ExperienceTaskExecution)); n != 1 {
		t.Errorf("expected 1 creation experience, got %d", n)
	}
}

func TestSystemRegistry(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()

	sys := manager.CreateSystem(ctx, "alpha", "")

	got, err := manager.System(sys.ID)
	if err != nil || got != sys {
		t.Errorf("expected registry lookup to return the system, got %v (%v)", got, err)
	}
	if _, err := manager.System("missing"); !errors.Is(err, ErrSystemNotFound) {
		t.Errorf("expected ErrSystemNotFound, got %v", err)
	}

	manager.CreateSystem(ctx, "beta", "")
	if n := len(manager.Systems()); n != 2 {
		t.Errorf("expected 2 registered systems, got %d", n)
	}

	if err := manager.RemoveSystem(sys.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := manager.RemoveSystem(sys.ID); !errors.Is(err, ErrSystemNotFound) {
		t.Errorf("expected ErrSystemNotFound on double remove, got %v", err)
	}
	if n := len(manager.Systems()); n != 1 {
		t.Errorf("expected 1 remaining system, got %d", n)
	}
}

func TestDetectCurrentStateFallback(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()
	sys := manager.CreateSystem(ctx, "alpha", "")

	// Without signals the highest-probability default state wins.
	state, err := manager.DetectCurrentState(ctx, sys.ID, nil)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if state == nil || state.Name != "win_potential" {
		t.Errorf("expected win_potential fallback, got %v", state)
	}

	if _, err := manager.DetectCurrentState(ctx, "missing", nil); !errors.Is(err, ErrSystemNotFound) {
		t.Errorf("expected ErrSystemNotFound, got %v", err)
	}
}

func TestDetectCurrentStateWithSignals(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()
	sys := manager.CreateSystem(ctx, "alpha", "")

	state, err := manager.DetectCurrentState(ctx, sys.ID, map[string]float64{
		"alignment":  0.88,
		"engagement": 0.9,
		"momentum":   0.86,
	})
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if state == nil || state.Type != StateCoherence {
		t.Errorf("expected heuristic coherence detection, got %v", state)
	}
}

func TestManagerOperationsRouteToComponents(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()
	sys := manager.CreateSystem(ctx, "alpha", "")

	win, err := manager.CalculateWINProbability(ctx, sys.ID, "", "")
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if win.Category != WINComposite {
		t.Errorf("expected empty category to default to composite, got %s", win.Category)
	}
	if _, err := manager.CalculateWINProbability(ctx, "missing", WINComposite, ""); !errors.Is(err, ErrSystemNotFound) {
		t.Errorf("expected ErrSystemNotFound, got %v", err)
	}

	from := sys.StateByName("strategic_options")
	to := sys.StateByName("win_potential")
	result, err := manager.ExecuteTransition(ctx, sys.ID, from.ID, to.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success {
		t.Errorf("expected transition success, got %q", result.Error)
	}

	optResult, err := manager.OptimizeSystem(ctx, sys.ID, MethodGradient)
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if optResult.ObjectiveValue < optResult.ObjectiveBefore {
		t.Errorf("optimization regressed the objective")
	}
}

func TestGetSystemMetrics(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()
	sys := manager.CreateSystem(ctx, "alpha", "")

	snapshot, err := manager.GetSystemMetrics(sys.ID)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if snapshot.StateCount != 5 || snapshot.TransitionCount != 20 {
		t.Errorf("expected 5 states / 20 transitions, got %d / %d",
			snapshot.StateCount, snapshot.TransitionCount)
	}
	if snapshot.EntangledPairs != 0 {
		t.Errorf("expected no entangled pairs on a fresh system, got %d", snapshot.EntangledPairs)
	}
	// Default probabilities: 0.49, 0.36, 0.4225, 0.25, 0.2025.
	if !floatNear(snapshot.MeanProbability, 0.345, 1e-9) {
		t.Errorf("expected mean probability 0.345, got %v", snapshot.MeanProbability)
	}
	if snapshot.MeasuredFraction != 0 {
		t.Errorf("expected no measured states, got %v", snapshot.MeasuredFraction)
	}
	if snapshot.Coherence <= 0 || snapshot.Coherence > 1 {
		t.Errorf("coherence outside (0,1]: %v", snapshot.Coherence)
	}

	if _, err := manager.GetSystemMetrics("missing"); !errors.Is(err, ErrSystemNotFound) {
		t.Errorf("expected ErrSystemNotFound, got %v", err)
	}
}

func TestManagerStartStopLifecycle(t *testing.T) {
	manager, bus, _ := newTestManager(t)
	ctx := context.Background()
	manager.CreateSystem(ctx, "alpha", "")

	if manager.Status() != StatusActive {
		t.Errorf("expected ACTIVE status before start, got %s", manager.Status())
	}

	if err := manager.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !manager.Running() {
		t.Errorf("expected running manager")
	}
	if err := manager.Start(ctx); !errors.Is(err, ErrManagerRunning) {
		t.Errorf("expected ErrManagerRunning on double start, got %v", err)
	}

	// The metrics loop publishes per-system snapshots.
	deadline := time.Now().Add(2 * time.Second)
	for len(bus.EventsByType(events.TypeSystemMetrics)) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no metrics events published before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := manager.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if manager.Running() {
		t.Errorf("expected stopped manager")
	}
	if manager.Status() != StatusStopped {
		t.Errorf("expected STOPPED status, got %s", manager.Status())
	}
	if err := manager.Stop(); !errors.Is(err, ErrManagerNotRunning) {
		t.Errorf("expected ErrManagerNotRunning on double stop, got %v", err)
	}
}
