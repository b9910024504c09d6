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
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trm-os/trmos/pkg/events"
	"github.com/trm-os/trmos/pkg/logging"
	"github.com/trm-os/trmos/pkg/observability"
	"github.com/trm-os/trmos/services/learning"
)

// ManagerStatus is the manager's coarse operational state.
type ManagerStatus string

const (
	StatusActive            ManagerStatus = "ACTIVE"
	StatusCoherenceDegraded ManagerStatus = "COHERENCE_DEGRADED"
	StatusStopped           ManagerStatus = "STOPPED"
)

// SystemMetrics is the periodic per-system snapshot.
type SystemMetrics struct {
	SystemID         string    `json:"system_id"`
	Coherence        float64   `json:"coherence"`
	Entropy          float64   `json:"entropy"`
	StateCount       int       `json:"state_count"`
	TransitionCount  int       `json:"transition_count"`
	EntangledPairs   int       `json:"entangled_pairs"`
	MeanProbability  float64   `json:"mean_probability"`
	MeasuredFraction float64   `json:"measured_fraction"`
	CollectedAt      time.Time `json:"collected_at"`
}

// Manager orchestrates the quantum subsystem: the system registry, the
// detector, transition engine, WIN calculator, coherence monitor, and
// optimizer, plus three background loops (metrics, auto-optimization,
// coherence status). Every manager operation feeds a learning
// experience back into the shared adaptive learning system.
//
// Thread Safety: Manager is safe for concurrent use.
type Manager struct {
	config Config

	Detector    *Detector
	Transitions *TransitionEngine
	WINCalc     *WINCalculator
	Monitor     *Monitor
	Optimizer   *Optimizer

	mu       sync.RWMutex
	systems  map[string]*System
	status   ManagerStatus
	running  bool
	cancel   context.CancelFunc
	loopDone chan struct{}

	bus      events.Bus
	logger   *logging.Logger
	qmetrics *observability.QuantumMetrics
	learner  Learner
}

// NewManager wires the quantum components together.
//
// Inputs:
//   - config: Quantum configuration (see DefaultConfig).
//   - bus: Event bus shared by all components. Must be non-nil.
//   - logger: Structured logger. Pass nil for the default.
//   - metrics: Prometheus metrics, may be nil.
//   - learner: Shared adaptive learning system, may be nil to disable
//     the feedback loop.
func NewManager(config Config, bus events.Bus, logger *logging.Logger, metrics *observability.QuantumMetrics, learner Learner) *Manager {
	if logger == nil {
		logger = logging.Default()
	}

	m := &Manager{
		config:   config,
		systems:  make(map[string]*System),
		status:   StatusActive,
		bus:      bus,
		logger:   logger,
		qmetrics: metrics,
		learner:  learner,
	}

	m.Detector = NewDetector(config.Detector, bus, logger, learner)
	m.Transitions = NewTransitionEngine(config.Transition, bus, logger, metrics, learner)
	m.WINCalc = NewWINCalculator(bus, logger, metrics, learner)
	m.Optimizer = NewOptimizer(config.Optimizer, bus, logger, metrics, learner)
	m.Monitor = NewMonitor(config.Monitor, m.Systems, bus, logger, metrics)

	return m
}

// =============================================================================
// System registry
// =============================================================================

// defaultStateSpecs are the five states every new system starts with.
var defaultStateSpecs = []struct {
	stateType StateType
	name      string
	amplitude complex128
	rate      float64
}{
	{StateWIN, "win_potential", complex(0.7, 0), 0.02},
	{StateSuperposition, "strategic_options", complex(0.6, 0), 0.05},
	{StateCoherence, "organizational_alignment", complex(0.65, 0), 0.03},
	{StateEntanglement, "team_synergy", complex(0.5, 0), 0.04},
	{StateInterference, "market_dynamics", complex(0.45, 0), 0.06},
}

// CreateSystem registers a new quantum system seeded with the five
// default states and a fully-connected transition graph.
//
// Outputs:
//   - *System: The created system.
func (m *Manager) CreateSystem(ctx context.Context, name, description string) *System {
	system := NewSystem(name, description)

	states := make([]*State, 0, len(defaultStateSpecs))
	for _, spec := range defaultStateSpecs {
		state := NewState(spec.stateType, spec.name, spec.amplitude, spec.rate)
		system.AddState(state)
		states = append(states, state)
	}

	// Fully-connected directed transition graph over the defaults.
	for _, from := range states {
		for _, to := range states {
			if from.ID == to.ID {
				continue
			}
			system.AddTransition(&Transition{
				ID:          fmt.Sprintf("%s->%s", from.ID, to.ID),
				FromState:   from.ID,
				ToState:     to.ID,
				Probability: 0.3,
				TriggerConditions: map[string]float64{
					"momentum": 0.5,
				},
				CatalystFactors: []string{"leadership_support"},
			})
		}
	}

	m.mu.Lock()
	m.systems[system.ID] = system
	count := len(m.systems)
	m.mu.Unlock()

	if m.qmetrics != nil {
		m.qmetrics.Systems.Set(float64(count))
	}

	m.bus.Publish(events.TypeQuantumSystemCreated, map[string]any{
		"system_id": system.ID,
		"name":      name,
		"states":    len(states),
	})

	m.logger.Info("quantum system created",
		"system_id", system.ID,
		"name", name,
		"states", len(states),
	)

	m.recordExperience(ctx, learning.ExperienceTaskExecution,
		"create_quantum_system",
		fmt.Sprintf("system %q with %d states", name, len(states)),
		true,
		map[string]any{"system_id": system.ID},
	)

	return system
}

// System returns a registered system by ID.
func (m *Manager) System(id string) (*System, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	system, ok := m.systems[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSystemNotFound, id)
	}
	return system, nil
}

// Systems returns a snapshot of all registered systems.
func (m *Manager) Systems() []*System {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*System, 0, len(m.systems))
	for _, system := range m.systems {
		out = append(out, system)
	}
	return out
}

// RemoveSystem drops a system from the registry.
func (m *Manager) RemoveSystem(id string) error {
	m.mu.Lock()
	if _, ok := m.systems[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSystemNotFound, id)
	}
	delete(m.systems, id)
	count := len(m.systems)
	m.mu.Unlock()

	if m.qmetrics != nil {
		m.qmetrics.Systems.Set(float64(count))
	}
	return nil
}

// Status returns the manager's coarse operational state.
func (m *Manager) Status() ManagerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// =============================================================================
// Operations
// =============================================================================

// DetectCurrentState detects the most likely current state of a system:
// trained models first, heuristics otherwise, and if detection yields
// nothing the highest-probability known state is returned.
//
// Outputs:
//   - *State: The detected or fallback state, nil if the system is empty.
//   - error: ErrSystemNotFound for unknown systems.
func (m *Manager) DetectCurrentState(ctx context.Context, systemID string, signals map[string]float64) (*State, error) {
	system, err := m.System(systemID)
	if err != nil {
		return nil, err
	}

	if len(signals) > 0 {
		result, err := m.Detector.Detect(ctx, signals)
		if err == nil && len(result.DetectedStates) > 0 {
			return result.DetectedStates[0], nil
		}
		if err != nil {
			m.logger.Warn("state detection failed, using fallback",
				"system_id", systemID,
				"error", err.Error(),
			)
		}
	}

	// Fallback: highest-probability known state.
	var best *State
	for _, state := range system.States() {
		if best == nil || state.Probability > best.Probability {
			best = state
		}
	}
	return best, nil
}

// OptimizeSystem runs the optimizer against a registered system.
//
// Outputs:
//   - *OptimizationResult: The run record.
//   - error: ErrSystemNotFound or ErrUnknownMethod.
func (m *Manager) OptimizeSystem(ctx context.Context, systemID string, method OptimizationMethod) (*OptimizationResult, error) {
	system, err := m.System(systemID)
	if err != nil {
		return nil, err
	}
	return m.Optimizer.Optimize(ctx, system, method)
}

// CalculateWINProbability estimates a WIN probability for a registered
// system.
//
// Outputs:
//   - *WINProbability: The fresh estimate.
//   - error: ErrSystemNotFound or ErrUnknownCategory.
func (m *Manager) CalculateWINProbability(ctx context.Context, systemID string, category WINCategory, scenarioID string) (*WINProbability, error) {
	system, err := m.System(systemID)
	if err != nil {
		return nil, err
	}
	if category == "" {
		category = WINComposite
	}
	return m.WINCalc.Calculate(ctx, system, category, scenarioID)
}

// ExecuteTransition runs a state transition on a registered system.
func (m *Manager) ExecuteTransition(ctx context.Context, systemID, fromID, toID string) (*TransitionResult, error) {
	system, err := m.System(systemID)
	if err != nil {
		return nil, err
	}
	return m.Transitions.Execute(ctx, system, fromID, toID), nil
}

// GetSystemMetrics assembles the snapshot for one system.
func (m *Manager) GetSystemMetrics(systemID string) (*SystemMetrics, error) {
	system, err := m.System(systemID)
	if err != nil {
		return nil, err
	}
	return snapshotMetrics(system), nil
}

func snapshotMetrics(system *System) *SystemMetrics {
	states := system.States()
	var probSum float64
	var measured int
	for _, state := range states {
		probSum += state.Probability
		if state.Measured {
			measured++
		}
	}
	snapshot := &SystemMetrics{
		SystemID:        system.ID,
		Coherence:       system.RecomputeCoherence(),
		Entropy:         system.Entropy(),
		StateCount:      len(states),
		TransitionCount: len(system.Transitions()),
		EntangledPairs:  system.EntangledPairs(),
		CollectedAt:     time.Now(),
	}
	if len(states) > 0 {
		snapshot.MeanProbability = probSum / float64(len(states))
		snapshot.MeasuredFraction = float64(measured) / float64(len(states))
	}
	return snapshot
}

// =============================================================================
// Background loops
// =============================================================================

// Start launches the three manager loops (metrics, auto-optimization,
// coherence status) and the coherence monitor, supervised as a group.
//
// Outputs:
//   - error: ErrManagerRunning if already started.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrManagerRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.status = StatusActive
	m.cancel = cancel
	m.loopDone = make(chan struct{})
	done := m.loopDone
	m.mu.Unlock()

	if err := m.Monitor.Start(loopCtx); err != nil {
		m.logger.Warn("coherence monitor already running", "error", err.Error())
	}

	go func() {
		defer close(done)
		group, groupCtx := errgroup.WithContext(loopCtx)
		group.Go(func() error { return m.metricsLoop(groupCtx) })
		group.Go(func() error { return m.optimizationLoop(groupCtx) })
		group.Go(func() error { return m.coherenceLoop(groupCtx) })
		if err := group.Wait(); err != nil && err != context.Canceled {
			m.logger.Error("manager loop group exited", "error", err.Error())
		}
	}()

	m.logger.Info("quantum manager started",
		"metrics_interval", m.config.Manager.MetricsInterval,
		"optimization_interval", m.config.Manager.OptimizationInterval,
		"coherence_interval", m.config.Manager.CoherenceInterval,
	)
	return nil
}

// Stop halts all loops and the monitor, waiting for them to exit.
//
// Outputs:
//   - error: ErrManagerNotRunning if not started.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrManagerNotRunning
	}
	cancel := m.cancel
	done := m.loopDone
	m.running = false
	m.status = StatusStopped
	m.cancel = nil
	m.loopDone = nil
	m.mu.Unlock()

	cancel()
	<-done

	// Monitor shares the loop context; Stop is best-effort cleanup.
	if err := m.Monitor.Stop(); err != nil && err != ErrManagerNotRunning {
		m.logger.Warn("monitor stop", "error", err.Error())
	}

	m.logger.Info("quantum manager stopped")
	return nil
}

// Running reports whether the background loops are active.
func (m *Manager) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// metricsLoop publishes a metrics snapshot per system on each tick and
// advances decoherence.
func (m *Manager) metricsLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.config.Manager.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		for _, system := range m.Systems() {
			system.Evolve(m.config.Manager.MetricsInterval)
			snapshot := snapshotMetrics(system)
			if m.qmetrics != nil {
				m.qmetrics.Coherence.WithLabelValues(system.ID).Set(snapshot.Coherence)
			}
			m.bus.Publish(events.TypeSystemMetrics, map[string]any{
				"system_id":         snapshot.SystemID,
				"coherence":         snapshot.Coherence,
				"entropy":           snapshot.Entropy,
				"state_count":       snapshot.StateCount,
				"transition_count":  snapshot.TransitionCount,
				"entangled_pairs":   snapshot.EntangledPairs,
				"mean_probability":  snapshot.MeanProbability,
				"measured_fraction": snapshot.MeasuredFraction,
			})
		}
	}
}

// optimizationLoop auto-optimizes any system whose coherence drops below
// the threshold. Individual failures are logged, never fatal.
func (m *Manager) optimizationLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.config.Manager.OptimizationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		for _, system := range m.Systems() {
			if system.RecomputeCoherence() >= m.config.Manager.CoherenceThreshold {
				continue
			}
			m.logger.Info("auto-optimizing low-coherence system",
				"system_id", system.ID,
				"coherence", system.TotalCoherence(),
			)
			if _, err := m.Optimizer.Optimize(ctx, system, MethodHybridML); err != nil {
				m.logger.Warn("auto-optimization failed",
					"system_id", system.ID,
					"error", err.Error(),
				)
			}
		}
	}
}

// coherenceLoop flips the manager status between ACTIVE and
// COHERENCE_DEGRADED based on the worst system coherence.
func (m *Manager) coherenceLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.config.Manager.CoherenceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		worst := math.Inf(1)
		for _, system := range m.Systems() {
			if c := system.RecomputeCoherence(); c < worst {
				worst = c
			}
		}
		if math.IsInf(worst, 1) {
			continue
		}

		degraded := worst < m.config.Manager.CoherenceThreshold

		m.mu.Lock()
		previous := m.status
		if degraded && previous == StatusActive {
			m.status = StatusCoherenceDegraded
		} else if !degraded && previous == StatusCoherenceDegraded {
			m.status = StatusActive
		}
		current := m.status
		m.mu.Unlock()

		if current == previous {
			continue
		}
		if current == StatusCoherenceDegraded {
			m.bus.Publish(events.TypeCoherenceDegraded, map[string]any{
				"worst_coherence": worst,
				"threshold":       m.config.Manager.CoherenceThreshold,
			})
			m.logger.Warn("manager status degraded", "worst_coherence", worst)
		} else {
			m.bus.Publish(events.TypeCoherenceRecovered, map[string]any{
				"worst_coherence": worst,
			})
			m.logger.Info("manager status recovered", "worst_coherence", worst)
		}
	}
}

func (m *Manager) recordExperience(ctx context.Context, t learning.ExperienceType, action, outcome string, success bool, expContext map[string]any) {
	if m.learner == nil {
		return
	}
	exp := learning.NewExperience(t, "quantum_manager")
	exp.ActionTaken = action
	exp.Outcome = outcome
	exp.Success = success
	exp.Context = expContext
	exp.ConfidenceLevel = 0.7
	if err := m.learner.RecordExperience(ctx, exp); err != nil {
		m.logger.Warn("failed to record manager experience", "error", err.Error())
	}
}
