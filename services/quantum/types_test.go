// Copyright (C) 2026 TRM-OS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package quantum

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"
)

func TestProbabilityIsAmplitudeSquared(t *testing.T) {
	state := NewState(StateSuperposition, "potential", complex(0.8, 0), 0.01)

	if !floatNear(state.Probability, 0.64, 1e-12) {
		t.Errorf("expected probability 0.64 from amplitude 0.8, got %v", state.Probability)
	}

	// Complex amplitude: |0.6+0.3i|^2 = 0.36 + 0.09 = 0.45.
	if err := state.SetAmplitude(complex(0.6, 0.3)); err != nil {
		t.Fatalf("set amplitude: %v", err)
	}
	if !floatNear(state.Probability, 0.45, 1e-12) {
		t.Errorf("expected probability 0.45, got %v", state.Probability)
	}
	if !floatNear(state.Phase, math.Atan2(0.3, 0.6), 1e-12) {
		t.Errorf("phase out of sync with amplitude: %v", state.Phase)
	}
}

func TestMeasureCollapsesAndIsIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	certain := NewState(StateCoherence, "certain", complex(1, 0), 0.01)
	if !certain.Measure(rng) {
		t.Errorf("expected probability-1 state to measure true")
	}
	if !certain.Measured || certain.Probability != 1 {
		t.Errorf("expected collapsed classical state, got measured=%v p=%v",
			certain.Measured, certain.Probability)
	}

	impossible := NewState(StateCoherence, "impossible", complex(0, 0), 0.01)
	if impossible.Measure(rng) {
		t.Errorf("expected probability-0 state to measure false")
	}
	if impossible.Probability != 0 {
		t.Errorf("expected probability snapped to 0, got %v", impossible.Probability)
	}

	// Repeated measurement returns the recorded outcome without mutation.
	first := certain.Measure(rng)
	second := certain.Measure(rng)
	if first != second {
		t.Errorf("expected idempotent measurement")
	}

	if err := certain.SetAmplitude(complex(0.5, 0)); !errors.Is(err, ErrStateMeasured) {
		t.Errorf("expected ErrStateMeasured on mutating a collapsed state, got %v", err)
	}
}

func TestDecoherenceDecay(t *testing.T) {
	state := NewState(StateDecoherence, "fading", complex(1, 0), 0.1)

	decay := state.Decoherence(10 * time.Second)
	if !floatNear(decay, math.Exp(-1), 1e-12) {
		t.Errorf("expected exp(-1) decay after 10s at rate 0.1, got %v", decay)
	}
	if state.Decoherence(0) != 1 {
		t.Errorf("expected no decay at zero elapsed")
	}
}

func TestEffectiveRateConditionsAndCatalysts(t *testing.T) {
	transition := &Transition{
		ID:          "t1",
		Probability: 0.5,
		TriggerConditions: map[string]float64{
			"momentum":  0.5,
			"alignment": 0.7,
		},
		CatalystFactors: []string{"leadership_support"},
	}

	// No conditions met, no catalyst.
	if rate := transition.EffectiveRate(map[string]float64{}); rate != 0 {
		t.Errorf("expected rate 0 with no met conditions, got %v", rate)
	}

	// Half the conditions met: 0.5 * 0.5 = 0.25.
	rate := transition.EffectiveRate(map[string]float64{"momentum": 0.6})
	if !floatNear(rate, 0.25, 1e-12) {
		t.Errorf("expected rate 0.25 with half conditions met, got %v", rate)
	}

	// All conditions met plus catalyst: 0.5 * 1.0 * 1.2 = 0.6.
	rate = transition.EffectiveRate(map[string]float64{
		"momentum":           0.6,
		"alignment":          0.8,
		"leadership_support": 0.9,
	})
	if !floatNear(rate, 0.6, 1e-12) {
		t.Errorf("expected rate 0.6 with catalyst boost, got %v", rate)
	}

	// No conditions at all counts as fully met.
	open := &Transition{ID: "t2", Probability: 0.4}
	if rate := open.EffectiveRate(nil); !floatNear(rate, 0.4, 1e-12) {
		t.Errorf("expected base rate for condition-free transition, got %v", rate)
	}

	// The cap holds regardless of catalysts.
	capped := &Transition{
		ID:              "t3",
		Probability:     0.95,
		CatalystFactors: []string{"a", "b", "c"},
	}
	rate = capped.EffectiveRate(map[string]float64{"a": 1, "b": 1, "c": 1})
	if rate != 1.0 {
		t.Errorf("expected rate capped at 1.0, got %v", rate)
	}
}

func TestSystemStatesAndLookup(t *testing.T) {
	sys := NewSystem("unit", "test unit")

	a := NewState(StateSuperposition, "alpha", complex(0.7, 0), 0.02)
	b := NewState(StateCoherence, "beta", complex(0.5, 0), 0.02)
	sys.AddState(a)
	sys.AddState(b)

	if sys.StateCount() != 2 {
		t.Errorf("expected 2 states, got %d", sys.StateCount())
	}
	if sys.State(a.ID) != a {
		t.Errorf("expected lookup by ID")
	}
	if sys.StateByName("beta") != b {
		t.Errorf("expected lookup by name")
	}
	if sys.StateByName("gamma") != nil {
		t.Errorf("expected nil for unknown name")
	}
}

func TestEntanglementBidirectional(t *testing.T) {
	sys := NewSystem("unit", "")
	a := NewState(StateEntanglement, "a", complex(0.7, 0), 0.02)
	b := NewState(StateEntanglement, "b", complex(0.7, 0), 0.02)
	sys.AddState(a)
	sys.AddState(b)

	if err := sys.Entangle(a.ID, b.ID); err != nil {
		t.Fatalf("entangle: %v", err)
	}
	// Repeated entanglement is deduplicated.
	if err := sys.Entangle(a.ID, b.ID); err != nil {
		t.Fatalf("re-entangle: %v", err)
	}

	if sys.EntangledPairs() != 1 {
		t.Errorf("expected 1 entangled pair, got %d", sys.EntangledPairs())
	}
	if len(a.EntangledStates) != 1 || a.EntangledStates[0] != b.ID {
		t.Errorf("expected a entangled with b")
	}
	if len(b.EntangledStates) != 1 || b.EntangledStates[0] != a.ID {
		t.Errorf("expected b entangled with a")
	}

	if err := sys.Entangle(a.ID, "missing"); !errors.Is(err, ErrStateNotFound) {
		t.Errorf("expected ErrStateNotFound, got %v", err)
	}
}

func TestEntropyOfUniformDistribution(t *testing.T) {
	sys := NewSystem("unit", "")
	for _, name := range []string{"a", "b", "c", "d"} {
		sys.AddState(NewState(StateSuperposition, name, complex(0.5, 0), 0.01))
	}

	// Four equal probabilities normalize to 0.25 each: entropy log2(4) = 2.
	if !floatNear(sys.Entropy(), 2.0, 1e-9) {
		t.Errorf("expected entropy 2.0 for uniform 4-state system, got %v", sys.Entropy())
	}
}

func TestEvolveReducesCoherence(t *testing.T) {
	sys := NewSystem("unit", "")
	state := NewState(StateCoherence, "a", complex(0.9, 0), 0.5)
	sys.AddState(state)

	before := sys.TotalCoherence()
	probabilityBefore := state.Probability

	sys.Evolve(2 * time.Second)

	if state.Probability >= probabilityBefore {
		t.Errorf("expected probability to decay, got %v -> %v", probabilityBefore, state.Probability)
	}
	// Amplitude scaled by sqrt(decay) keeps the invariant: p' = p * decay.
	wantProbability := probabilityBefore * math.Exp(-0.5*2)
	if !floatNear(state.Probability, wantProbability, 1e-9) {
		t.Errorf("expected probability %v after evolution, got %v", wantProbability, state.Probability)
	}
	if sys.TotalCoherence() >= before {
		t.Errorf("expected coherence to drop, got %v -> %v", before, sys.TotalCoherence())
	}
}

func TestScaleProbabilitiesKeepsInvariant(t *testing.T) {
	sys := NewSystem("unit", "")
	a := NewState(StateSuperposition, "a", complex(0.6, 0), 0.01)
	measured := NewState(StateMeasurement, "m", complex(0.9, 0), 0.01)
	measured.Measure(rand.New(rand.NewSource(7)))
	sys.AddState(a)
	sys.AddState(measured)

	measuredBefore := measured.Probability
	sys.ScaleProbabilities(2.0)

	if !floatNear(a.Probability, 0.72, 1e-9) {
		t.Errorf("expected scaled probability 0.72, got %v", a.Probability)
	}
	if !floatNear(real(a.Amplitude()), math.Sqrt(0.72), 1e-9) {
		t.Errorf("expected amplitude sqrt(p), got %v", real(a.Amplitude()))
	}
	if measured.Probability != measuredBefore {
		t.Errorf("expected measured state untouched by scaling")
	}

	// Scaling far up clamps at 1.
	sys.ScaleProbabilities(10)
	if a.Probability != 1 {
		t.Errorf("expected probability clamped to 1, got %v", a.Probability)
	}
}

func TestStateAndCategoryValidation(t *testing.T) {
	if !StateSuperposition.Valid() || !StateWIN.Valid() {
		t.Errorf("expected known state types to validate")
	}
	if StateType("hyperspace").Valid() {
		t.Errorf("expected unknown state type rejected")
	}
	if !WINComposite.Valid() || !WINWisdom.Valid() {
		t.Errorf("expected known categories to validate")
	}
	if WINCategory("luck").Valid() {
		t.Errorf("expected unknown category rejected")
	}
}

func floatNear(got, want, tolerance float64) bool {
	return math.Abs(got-want) <= tolerance
}
