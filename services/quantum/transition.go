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
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/trm-os/trmos/pkg/events"
	"github.com/trm-os/trmos/pkg/logging"
	"github.com/trm-os/trmos/pkg/observability"
	"github.com/trm-os/trmos/services/learning"
)

// TransitionCandidate is one evaluated transition opportunity.
type TransitionCandidate struct {
	// FromState and ToState are state IDs.
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`

	// Confidence is the effective transition rate for current metrics.
	Confidence float64 `json:"confidence"`
}

// TransitionResult reports one executed transition.
type TransitionResult struct {
	// ID uniquely identifies this execution.
	ID string `json:"id"`

	// SystemID, FromState, and ToState identify the transfer.
	SystemID  string `json:"system_id"`
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`

	// Success reports whether the transfer completed.
	Success bool `json:"success"`

	// TransferredMass is the probability mass moved.
	TransferredMass float64 `json:"transferred_mass"`

	// CoherenceBefore and CoherenceAfter bracket the transfer.
	CoherenceBefore float64 `json:"coherence_before"`
	CoherenceAfter  float64 `json:"coherence_after"`

	// Duration is the execution wall time.
	Duration time.Duration `json:"duration"`

	// Error holds the failure reason when Success is false.
	Error string `json:"error,omitempty"`
}

// TransitionEngine evaluates and executes condition-gated transitions
// between states of a quantum system.
//
// Thread Safety: TransitionEngine is safe for concurrent use. Concurrent
// executions are capped by a semaphore.
type TransitionEngine struct {
	config TransitionConfig
	sem    *semaphore.Weighted

	bus     events.Bus
	logger  *logging.Logger
	metrics *observability.QuantumMetrics
	learner Learner
}

// NewTransitionEngine creates a transition engine.
func NewTransitionEngine(config TransitionConfig, bus events.Bus, logger *logging.Logger, metrics *observability.QuantumMetrics, learner Learner) *TransitionEngine {
	if logger == nil {
		logger = logging.Default()
	}
	return &TransitionEngine{
		config:  config,
		sem:     semaphore.NewWeighted(int64(config.MaxConcurrent)),
		bus:     bus,
		logger:  logger,
		metrics: metrics,
		learner: learner,
	}
}

// EvaluateConditions scores every defined transition of the system
// against current metrics and returns candidates above the confidence
// threshold, strongest first.
//
// Inputs:
//   - system: The system whose transitions to evaluate.
//   - metrics: Current organizational metric values.
//
// Outputs:
//   - []TransitionCandidate: Sorted by confidence descending.
func (e *TransitionEngine) EvaluateConditions(system *System, metrics map[string]float64) []TransitionCandidate {
	var candidates []TransitionCandidate
	for _, transition := range system.Transitions() {
		confidence := transition.EffectiveRate(metrics)
		if confidence < e.config.ConfidenceThreshold {
			continue
		}
		candidates = append(candidates, TransitionCandidate{
			FromState:  transition.FromState,
			ToState:    transition.ToState,
			Confidence: confidence,
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})
	return candidates
}

// Execute atomically transfers half of the source state's probability
// mass to the target state, recomputing amplitudes as sqrt(probability)
// and refreshing system coherence. Concurrency is capped; over-cap calls
// fail with ErrTransitionLimit in the result.
//
// Failures are reported in the structured result, never propagated,
// except for the unknown-system/state contract violations.
//
// Inputs:
//   - ctx: Context for cancellation and experience recording.
//   - system: The owning system.
//   - fromID, toID: Source and target state IDs.
//
// Outputs:
//   - *TransitionResult: The execution record (Success=false on failure).
func (e *TransitionEngine) Execute(ctx context.Context, system *System, fromID, toID string) *TransitionResult {
	started := time.Now()
	result := &TransitionResult{
		ID:              uuid.NewString(),
		SystemID:        system.ID,
		FromState:       fromID,
		ToState:         toID,
		CoherenceBefore: system.TotalCoherence(),
	}

	if !e.sem.TryAcquire(1) {
		result.Error = ErrTransitionLimit.Error()
		result.Duration = time.Since(started)
		e.finishExecution(ctx, result)
		return result
	}
	defer e.sem.Release(1)

	transferred, err := system.transferHalfMass(fromID, toID)
	result.Duration = time.Since(started)
	result.CoherenceAfter = system.TotalCoherence()
	if err != nil {
		result.Error = err.Error()
		e.finishExecution(ctx, result)
		return result
	}

	result.Success = true
	result.TransferredMass = transferred
	e.finishExecution(ctx, result)
	return result
}

func (e *TransitionEngine) finishExecution(ctx context.Context, result *TransitionResult) {
	status := "failed"
	if result.Success {
		status = "executed"
	}
	if e.metrics != nil {
		e.metrics.TransitionsTotal.WithLabelValues(status).Inc()
	}

	e.bus.Publish(events.TypeTransitionExecuted, map[string]any{
		"transition_id":    result.ID,
		"system_id":        result.SystemID,
		"from_state":       result.FromState,
		"to_state":         result.ToState,
		"success":          result.Success,
		"transferred_mass": result.TransferredMass,
		"coherence_after":  result.CoherenceAfter,
	})

	if !result.Success {
		e.logger.Warn("state transition failed",
			"system_id", result.SystemID,
			"from_state", result.FromState,
			"to_state", result.ToState,
			"error", result.Error,
		)
	}

	if e.learner != nil {
		exp := learning.NewExperience(learning.ExperienceStateTransition, "transition_engine")
		exp.ActionTaken = fmt.Sprintf("transition %s -> %s", result.FromState, result.ToState)
		exp.Outcome = fmt.Sprintf("coherence %.3f -> %.3f", result.CoherenceBefore, result.CoherenceAfter)
		exp.Success = result.Success
		exp.Context = map[string]any{
			"system_id":        result.SystemID,
			"duration_seconds": result.Duration.Seconds(),
		}
		exp.ConfidenceLevel = 0.7
		if err := e.learner.RecordExperience(ctx, exp); err != nil {
			e.logger.Warn("failed to record transition experience", "error", err.Error())
		}
	}
}

// transferHalfMass moves half of the source state's probability to the
// target under the system lock. Amplitudes are recomputed as
// sqrt(probability).
func (sys *System) transferHalfMass(fromID, toID string) (float64, error) {
	sys.mu.Lock()
	defer sys.mu.Unlock()

	from, ok := sys.states[fromID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrStateNotFound, fromID)
	}
	to, ok := sys.states[toID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrStateNotFound, toID)
	}
	if from.Measured {
		return 0, fmt.Errorf("%w: %s", ErrStateMeasured, fromID)
	}
	if to.Measured {
		return 0, fmt.Errorf("%w: %s", ErrStateMeasured, toID)
	}

	transfer := from.Probability / 2
	fromP := from.Probability - transfer
	toP := to.Probability + transfer
	if toP > 1 {
		toP = 1
	}

	from.setAmplitude(complex(math.Sqrt(fromP), 0))
	to.setAmplitude(complex(math.Sqrt(toP), 0))
	sys.recomputeLocked(time.Now())

	return transfer, nil
}

// PredictPath performs a greedy best-next-hop search from one state to
// another, bounded by the configured maximum steps.
//
// Inputs:
//   - system: The system whose transition graph to search.
//   - fromID, toID: Start and goal state IDs.
//   - metrics: Current metric values used to rate each hop.
//
// Outputs:
//   - []string: State IDs from start to goal inclusive; nil if no path
//     was found within the step bound.
func (e *TransitionEngine) PredictPath(system *System, fromID, toID string, metrics map[string]float64) []string {
	edges := make(map[string][]*Transition)
	for _, transition := range system.Transitions() {
		edges[transition.FromState] = append(edges[transition.FromState], transition)
	}

	path := []string{fromID}
	visited := map[string]struct{}{fromID: {}}
	current := fromID

	for step := 0; step < e.config.MaxPathSteps; step++ {
		if current == toID {
			return path
		}

		var best *Transition
		var bestRate float64
		for _, transition := range edges[current] {
			if _, seen := visited[transition.ToState]; seen {
				continue
			}
			rate := transition.EffectiveRate(metrics)
			// Direct hop to the goal always wins over a detour.
			if transition.ToState == toID {
				rate += 1.0
			}
			if best == nil || rate > bestRate {
				best = transition
				bestRate = rate
			}
		}
		if best == nil {
			return nil
		}

		current = best.ToState
		visited[current] = struct{}{}
		path = append(path, current)
	}

	if current == toID {
		return path
	}
	return nil
}
