// Copyright (C) 2026 TRM-OS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package quantum implements the TRM-OS quantum state management
// subsystem: a probabilistic state model for organizational units (the
// "quantum" framing is a deliberate metaphor, not physics), state
// detection with trainable models, condition-gated state transitions,
// WIN probability estimation, coherence monitoring, and multi-algorithm
// optimization, orchestrated by the Manager type.
//
// Every significant operation feeds a learning experience back into the
// adaptive learning system, closing the loop between quantum-level
// behavior and accumulated experience patterns.
package quantum

import (
	"fmt"
	"math"
	"math/cmplx"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// States
// =============================================================================

// StateType classifies a quantum state.
type StateType string

const (
	StateSuperposition StateType = "superposition"
	StateEntanglement  StateType = "entanglement"
	StateCoherence     StateType = "coherence"
	StateDecoherence   StateType = "decoherence"
	StateMeasurement   StateType = "measurement"
	StateTunneling     StateType = "tunneling"
	StateInterference  StateType = "interference"
	StateWIN           StateType = "win"
)

// knownStateTypes is the closed set accepted at the API boundary.
var knownStateTypes = map[StateType]struct{}{
	StateSuperposition: {},
	StateEntanglement:  {},
	StateCoherence:     {},
	StateDecoherence:   {},
	StateMeasurement:   {},
	StateTunneling:     {},
	StateInterference:  {},
	StateWIN:           {},
}

// Valid reports whether the state type is a recognized value.
func (t StateType) Valid() bool {
	_, ok := knownStateTypes[t]
	return ok
}

// State is one probabilistic state of an organizational unit.
//
// Invariant: Probability always equals |amplitude|^2; it is recomputed
// on construction and on every amplitude mutation, never set directly.
// Once measured the state is classical (amplitude snapped to 0 or 1)
// and immutable.
type State struct {
	// ID uniquely identifies this state.
	ID string `json:"id"`

	// Type classifies the state.
	Type StateType `json:"type"`

	// Name is a human-readable label.
	Name string `json:"name,omitempty"`

	amplitude complex128

	// Phase is the amplitude's argument, kept in sync with amplitude.
	Phase float64 `json:"phase"`

	// Probability is the derived |amplitude|^2.
	Probability float64 `json:"probability"`

	// DecoherenceRate is the exponential decay rate per second.
	DecoherenceRate float64 `json:"decoherence_rate"`

	// CoherenceTime is the expected useful lifetime of the state.
	CoherenceTime time.Duration `json:"coherence_time"`

	// Measured marks the state as collapsed and classical.
	Measured bool `json:"measured"`

	// EntangledStates lists IDs of states entangled with this one.
	EntangledStates []string `json:"entangled_states,omitempty"`

	// CreatedAt anchors decoherence decay.
	CreatedAt time.Time `json:"created_at"`
}

// NewState builds a state with the derived probability invariant.
//
// Inputs:
//   - stateType: The state classification.
//   - name: Human-readable label.
//   - amplitude: Complex amplitude; probability becomes |amplitude|^2.
//   - decoherenceRate: Exponential decay rate per second.
func NewState(stateType StateType, name string, amplitude complex128, decoherenceRate float64) *State {
	s := &State{
		ID:              uuid.NewString(),
		Type:            stateType,
		Name:            name,
		DecoherenceRate: decoherenceRate,
		CoherenceTime:   time.Minute,
		CreatedAt:       time.Now(),
	}
	s.setAmplitude(amplitude)
	return s
}

// Amplitude returns the current complex amplitude.
func (s *State) Amplitude() complex128 {
	return s.amplitude
}

// SetAmplitude mutates the amplitude and recomputes the derived
// probability and phase.
//
// Outputs:
//   - error: ErrStateMeasured if the state has collapsed.
func (s *State) SetAmplitude(amplitude complex128) error {
	if s.Measured {
		return fmt.Errorf("%w: %s", ErrStateMeasured, s.ID)
	}
	s.setAmplitude(amplitude)
	return nil
}

func (s *State) setAmplitude(amplitude complex128) {
	s.amplitude = amplitude
	s.Probability = real(amplitude)*real(amplitude) + imag(amplitude)*imag(amplitude)
	s.Phase = cmplx.Phase(amplitude)
}

// Decoherence returns the decay factor exp(-rate * elapsedSeconds).
func (s *State) Decoherence(elapsed time.Duration) float64 {
	return math.Exp(-s.DecoherenceRate * elapsed.Seconds())
}

// Measure irreversibly collapses the state: with the state's current
// probability the outcome is 1 (amplitude snaps to 1), otherwise 0.
// Measuring an already-measured state returns the recorded outcome.
//
// Outputs:
//   - bool: The classical measurement outcome.
func (s *State) Measure(rng *rand.Rand) bool {
	if s.Measured {
		return s.Probability >= 0.5
	}
	var draw float64
	if rng != nil {
		draw = rng.Float64()
	} else {
		draw = rand.Float64()
	}
	outcome := draw < s.Probability
	if outcome {
		s.setAmplitude(complex(1, 0))
	} else {
		s.setAmplitude(complex(0, 0))
	}
	s.Measured = true
	return outcome
}

// =============================================================================
// Transitions
// =============================================================================

// Transition is a directed edge between two states of one system.
type Transition struct {
	// ID uniquely identifies this transition.
	ID string `json:"id"`

	// FromState and ToState are state IDs within the owning system.
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`

	// Probability is the base transition probability.
	Probability float64 `json:"probability"`

	// TriggerConditions map metric names to minimum values; the met
	// fraction scales the effective rate.
	TriggerConditions map[string]float64 `json:"trigger_conditions,omitempty"`

	// CatalystFactors name metrics that boost the rate when positive.
	CatalystFactors []string `json:"catalyst_factors,omitempty"`
}

// catalystBoost is the multiplicative boost per met catalyst factor.
const catalystBoost = 1.2

// EffectiveRate computes base probability scaled by the fraction of met
// trigger conditions and boosted 1.2x per met catalyst, capped at 1.0.
//
// A transition with no trigger conditions is considered fully met.
func (t *Transition) EffectiveRate(metrics map[string]float64) float64 {
	fraction := 1.0
	if len(t.TriggerConditions) > 0 {
		var met int
		for name, minimum := range t.TriggerConditions {
			if value, ok := metrics[name]; ok && value >= minimum {
				met++
			}
		}
		fraction = float64(met) / float64(len(t.TriggerConditions))
	}

	rate := t.Probability * fraction
	for _, factor := range t.CatalystFactors {
		if value, ok := metrics[factor]; ok && value > 0 {
			rate *= catalystBoost
		}
	}
	if rate > 1.0 {
		rate = 1.0
	}
	return rate
}

// =============================================================================
// Systems
// =============================================================================

// System aggregates states, transitions, and the entanglement network
// for one organizational unit.
//
// Invariant: TotalCoherence is the probability-weighted mean of each
// unmeasured state's decoherence-adjusted probability, recomputed on
// every mutation.
//
// Thread Safety: System is safe for concurrent use.
type System struct {
	mu sync.RWMutex

	// ID uniquely identifies this system.
	ID string `json:"id"`

	// Name and Description label the organizational unit.
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	states       map[string]*State
	transitions  map[string]*Transition
	entanglement map[string][]string

	totalCoherence float64
	entropy        float64

	// CreatedAt and UpdatedAt bound the system's lifetime.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSystem creates an empty quantum system.
func NewSystem(name, description string) *System {
	now := time.Now()
	return &System{
		ID:           uuid.NewString(),
		Name:         name,
		Description:  description,
		states:       make(map[string]*State),
		transitions:  make(map[string]*Transition),
		entanglement: make(map[string][]string),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// AddState registers a state and recomputes derived quantities.
func (sys *System) AddState(state *State) {
	sys.mu.Lock()
	defer sys.mu.Unlock()
	sys.states[state.ID] = state
	sys.recomputeLocked(time.Now())
}

// State returns a state by ID, or nil.
func (sys *System) State(id string) *State {
	sys.mu.RLock()
	defer sys.mu.RUnlock()
	return sys.states[id]
}

// StateByName returns the first state with the given name, or nil.
func (sys *System) StateByName(name string) *State {
	sys.mu.RLock()
	defer sys.mu.RUnlock()
	for _, state := range sys.states {
		if state.Name == name {
			return state
		}
	}
	return nil
}

// States returns a snapshot of all states.
func (sys *System) States() []*State {
	sys.mu.RLock()
	defer sys.mu.RUnlock()
	out := make([]*State, 0, len(sys.states))
	for _, state := range sys.states {
		out = append(out, state)
	}
	return out
}

// StateCount returns the number of registered states.
func (sys *System) StateCount() int {
	sys.mu.RLock()
	defer sys.mu.RUnlock()
	return len(sys.states)
}

// AddTransition registers a directed transition edge.
func (sys *System) AddTransition(transition *Transition) {
	sys.mu.Lock()
	defer sys.mu.Unlock()
	sys.transitions[transition.ID] = transition
	sys.UpdatedAt = time.Now()
}

// Transitions returns a snapshot of all transitions.
func (sys *System) Transitions() []*Transition {
	sys.mu.RLock()
	defer sys.mu.RUnlock()
	out := make([]*Transition, 0, len(sys.transitions))
	for _, transition := range sys.transitions {
		out = append(out, transition)
	}
	return out
}

// Entangle links two states bidirectionally in the entanglement network
// and on the states themselves.
func (sys *System) Entangle(stateA, stateB string) error {
	sys.mu.Lock()
	defer sys.mu.Unlock()

	a, okA := sys.states[stateA]
	b, okB := sys.states[stateB]
	if !okA || !okB {
		return fmt.Errorf("%w: %s <-> %s", ErrStateNotFound, stateA, stateB)
	}

	sys.entanglement[stateA] = appendUnique(sys.entanglement[stateA], stateB)
	sys.entanglement[stateB] = appendUnique(sys.entanglement[stateB], stateA)
	a.EntangledStates = appendUnique(a.EntangledStates, stateB)
	b.EntangledStates = appendUnique(b.EntangledStates, stateA)
	sys.UpdatedAt = time.Now()
	return nil
}

func appendUnique(list []string, item string) []string {
	for _, existing := range list {
		if existing == item {
			return list
		}
	}
	return append(list, item)
}

// EntangledPairs returns the number of distinct entangled pairs.
func (sys *System) EntangledPairs() int {
	sys.mu.RLock()
	defer sys.mu.RUnlock()

	var links int
	for _, connected := range sys.entanglement {
		links += len(connected)
	}
	return links / 2
}

// TotalCoherence returns the derived coherence, in [0,1].
func (sys *System) TotalCoherence() float64 {
	sys.mu.RLock()
	defer sys.mu.RUnlock()
	return sys.totalCoherence
}

// Entropy returns the Shannon entropy of the probability distribution.
func (sys *System) Entropy() float64 {
	sys.mu.RLock()
	defer sys.mu.RUnlock()
	return sys.entropy
}

// Evolve advances decoherence by scaling each unmeasured state's
// amplitude with its decay factor over the elapsed duration, then
// recomputes coherence and entropy.
func (sys *System) Evolve(elapsed time.Duration) {
	sys.mu.Lock()
	defer sys.mu.Unlock()

	for _, state := range sys.states {
		if state.Measured {
			continue
		}
		decay := state.Decoherence(elapsed)
		state.setAmplitude(state.amplitude * complex(math.Sqrt(decay), 0))
	}
	sys.recomputeLocked(time.Now())
}

// RecomputeCoherence refreshes the derived coherence and entropy.
func (sys *System) RecomputeCoherence() float64 {
	sys.mu.Lock()
	defer sys.mu.Unlock()
	sys.recomputeLocked(time.Now())
	return sys.totalCoherence
}

// recomputeLocked recalculates totalCoherence (probability-weighted mean
// of unmeasured states' decoherence-adjusted probabilities) and entropy.
// Caller must hold sys.mu.
func (sys *System) recomputeLocked(now time.Time) {
	var weightedSum, weightTotal float64
	var probabilities []float64

	for _, state := range sys.states {
		if state.Probability > 0 {
			probabilities = append(probabilities, state.Probability)
		}
		if state.Measured {
			continue
		}
		elapsed := now.Sub(state.CreatedAt)
		adjusted := state.Probability * state.Decoherence(elapsed)
		weightedSum += state.Probability * adjusted
		weightTotal += state.Probability
	}

	if weightTotal > 0 {
		sys.totalCoherence = weightedSum / weightTotal
	} else {
		sys.totalCoherence = 0
	}
	if sys.totalCoherence > 1 {
		sys.totalCoherence = 1
	}

	var total float64
	for _, p := range probabilities {
		total += p
	}
	var entropy float64
	if total > 0 {
		for _, p := range probabilities {
			normalized := p / total
			entropy -= normalized * math.Log2(normalized)
		}
	}
	sys.entropy = entropy
	sys.UpdatedAt = now
}

// ScaleProbabilities proportionally rescales all unmeasured state
// probabilities by the given factor, recomputing amplitudes as
// sqrt(probability) and clamping to [0,1].
func (sys *System) ScaleProbabilities(factor float64) {
	sys.mu.Lock()
	defer sys.mu.Unlock()

	for _, state := range sys.states {
		if state.Measured {
			continue
		}
		p := state.Probability * factor
		if p > 1 {
			p = 1
		}
		if p < 0 {
			p = 0
		}
		state.setAmplitude(complex(math.Sqrt(p), 0))
	}
	sys.recomputeLocked(time.Now())
}

// =============================================================================
// WIN probability
// =============================================================================

// WINCategory names an organizational success outcome the system
// estimates a probability for.
type WINCategory string

const (
	WINWisdom         WINCategory = "wisdom"
	WINIntelligence   WINCategory = "intelligence"
	WINNetworking     WINCategory = "networking"
	WINComposite      WINCategory = "composite"
	WINBusinessValue  WINCategory = "business_value"
	WINInnovation     WINCategory = "innovation"
	WINEfficiency     WINCategory = "efficiency"
	WINCollaboration  WINCategory = "collaboration"
	WINLearning       WINCategory = "learning"
	WINTransformation WINCategory = "transformation"
	WINEmergence      WINCategory = "emergence"
)

// knownWINCategories is the closed set accepted at the API boundary.
var knownWINCategories = map[WINCategory]struct{}{
	WINWisdom:         {},
	WINIntelligence:   {},
	WINNetworking:     {},
	WINComposite:      {},
	WINBusinessValue:  {},
	WINInnovation:     {},
	WINEfficiency:     {},
	WINCollaboration:  {},
	WINLearning:       {},
	WINTransformation: {},
	WINEmergence:      {},
}

// Valid reports whether the category is a recognized value.
func (c WINCategory) Valid() bool {
	_, ok := knownWINCategories[c]
	return ok
}

// WINProbability is a point-in-time probability estimate. It is created
// fresh per calculation and never mutated.
type WINProbability struct {
	// ID uniquely identifies this estimate.
	ID string `json:"id"`

	// SystemID is the estimated system.
	SystemID string `json:"system_id"`

	// Category is the WIN outcome being estimated.
	Category WINCategory `json:"category"`

	// BaseProbability is the final blended probability, in [0,1].
	BaseProbability float64 `json:"base_probability"`

	// ConfidenceLevel is the estimate's confidence, in [0,1].
	ConfidenceLevel float64 `json:"confidence_level"`

	// ContributingFactors maps factor names to their weighted
	// contributions.
	ContributingFactors map[string]float64 `json:"contributing_factors,omitempty"`

	// CalculatedAt is when the estimate was produced.
	CalculatedAt time.Time `json:"calculated_at"`
}
