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
	"math/rand"
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

// OptimizationMethod names one of the five search algorithms.
type OptimizationMethod string

const (
	MethodHybridML  OptimizationMethod = "hybrid_ml"
	MethodBayesian  OptimizationMethod = "bayesian"
	MethodGenetic   OptimizationMethod = "genetic"
	MethodAnnealing OptimizationMethod = "annealing"
	MethodGradient  OptimizationMethod = "gradient"
)

var knownMethods = map[OptimizationMethod]struct{}{
	MethodHybridML:  {},
	MethodBayesian:  {},
	MethodGenetic:   {},
	MethodAnnealing: {},
	MethodGradient:  {},
}

// vectorSize is the fixed encoding length for a system state.
const vectorSize = 20

// OptimizationResult reports one optimization run.
type OptimizationResult struct {
	// ID uniquely identifies this run.
	ID string `json:"id"`

	// SystemID is the optimized system.
	SystemID string `json:"system_id"`

	// Method is the algorithm used.
	Method OptimizationMethod `json:"method"`

	// Success reports whether the run completed.
	Success bool `json:"success"`

	// ObjectiveBefore and ObjectiveValue bracket the run. ObjectiveValue
	// is never below ObjectiveBefore: the search keeps the incumbent.
	ObjectiveBefore float64 `json:"objective_before"`
	ObjectiveValue  float64 `json:"objective_value"`

	// CoherenceAfter is the system coherence after decoding.
	CoherenceAfter float64 `json:"coherence_after"`

	// SolutionConfidence blends resulting coherence with objective gain.
	SolutionConfidence float64 `json:"solution_confidence"`

	// RobustnessScore is objective stability under 5 random
	// perturbations of the best vector.
	RobustnessScore float64 `json:"robustness_score"`

	// Iterations is how many search steps ran.
	Iterations int `json:"iterations"`

	// Duration is the run wall time.
	Duration time.Duration `json:"duration"`

	// ModelPrediction and FeatureImportance are attached when the
	// optimization models have been trained.
	ModelPrediction   float64            `json:"model_prediction,omitempty"`
	FeatureImportance map[string]float64 `json:"feature_importance,omitempty"`

	// Error holds the failure reason when Success is false.
	Error string `json:"error,omitempty"`
}

// featureNames label the 20 encoding dimensions for importance reports.
var featureNames = [vectorSize]string{
	"total_coherence", "entropy", "state_count", "transition_count",
	"prob_mean", "prob_stddev", "prob_min", "prob_max",
	"transition_prob_mean", "transition_prob_stddev",
	"entanglement_density", "measured_fraction",
	"state_prob_0", "state_prob_1", "state_prob_2", "state_prob_3",
	"state_prob_4", "state_prob_5", "state_prob_6", "state_prob_7",
}

// Optimizer searches the encoded system-state space to maximize the
// weighted coherence + WIN objective.
//
// Long runs execute synchronously within one call; iteration counts
// bound the work.
//
// Thread Safety: Optimizer is safe for concurrent use.
type Optimizer struct {
	mu     sync.RWMutex
	config OptimizerConfig
	rng    *rand.Rand

	// model is nil until TrainModels succeeds (Untrained state).
	model []float64

	bus     events.Bus
	logger  *logging.Logger
	metrics *observability.QuantumMetrics
	learner Learner
}

// NewOptimizer creates an optimization engine.
func NewOptimizer(config OptimizerConfig, bus events.Bus, logger *logging.Logger, metrics *observability.QuantumMetrics, learner Learner) *Optimizer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Optimizer{
		config:  config,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		bus:     bus,
		logger:  logger,
		metrics: metrics,
		learner: learner,
	}
}

// =============================================================================
// Encoding
// =============================================================================

// Encode maps a system to the fixed 20-dimensional feature vector:
// coherence, entropy, normalized counts, probability and
// transition-probability statistics, entanglement density, measured
// fraction, and the first 8 state probabilities.
func Encode(system *System) []float64 {
	v := make([]float64, vectorSize)

	states := system.States()
	sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })
	transitions := system.Transitions()

	v[0] = system.TotalCoherence()
	v[1] = clamp(system.Entropy()/4.0, 0, 1)
	v[2] = clamp(float64(len(states))/10.0, 0, 1)
	v[3] = clamp(float64(len(transitions))/20.0, 0, 1)

	if len(states) > 0 {
		probs := make([]float64, len(states))
		var measured int
		for i, state := range states {
			probs[i] = state.Probability
			if state.Measured {
				measured++
			}
		}
		v[4] = stat.Mean(probs, nil)
		if len(probs) >= 2 {
			v[5] = stat.StdDev(probs, nil)
		}
		v[6], v[7] = probs[0], probs[0]
		for _, p := range probs {
			if p < v[6] {
				v[6] = p
			}
			if p > v[7] {
				v[7] = p
			}
		}
		v[11] = float64(measured) / float64(len(states))

		for i := 0; i < len(probs) && i < 8; i++ {
			v[12+i] = probs[i]
		}
	}

	if len(transitions) > 0 {
		tprobs := make([]float64, len(transitions))
		for i, transition := range transitions {
			tprobs[i] = transition.Probability
		}
		v[8] = stat.Mean(tprobs, nil)
		if len(tprobs) >= 2 {
			v[9] = stat.StdDev(tprobs, nil)
		}
	}

	if n := len(states); n >= 2 {
		possible := n * (n - 1) / 2
		v[10] = float64(system.EntangledPairs()) / float64(possible)
	}

	return v
}

// Decode applies a vector back onto the system by proportionally
// rescaling state probabilities toward the vector's mean probability,
// which recomputes amplitudes and total coherence.
//
// Decoding a system's own encoding is a no-op (round-trip identity).
func Decode(system *System, vector []float64) {
	current := Encode(system)
	if current[4] <= 0 || vector[4] <= 0 {
		return
	}
	factor := vector[4] / current[4]
	system.ScaleProbabilities(factor)
}

// Objective scores a vector as the weighted combination of coherence
// maximization and WIN (probability mass) maximization.
func (o *Optimizer) Objective(vector []float64) float64 {
	total := o.config.CoherenceWeight + o.config.WINWeight
	return (o.config.CoherenceWeight*clamp(vector[0], 0, 1) +
		o.config.WINWeight*clamp(vector[4], 0, 1)) / total
}

// =============================================================================
// Optimization
// =============================================================================

// Optimize searches for a better system state vector with the chosen
// method and decodes the best vector back onto the system.
//
// The incumbent (current encoding) always participates, so the reported
// objective never regresses below the pre-optimization objective.
// Failures are reported in the structured result. The run is recorded
// as a learning experience.
//
// Inputs:
//   - ctx: Context (cancellation checked between iterations).
//   - system: The system to optimize.
//   - method: One of the five methods ("" means hybrid_ml).
//
// Outputs:
//   - *OptimizationResult: The run record.
//   - error: ErrUnknownMethod for unrecognized methods.
func (o *Optimizer) Optimize(ctx context.Context, system *System, method OptimizationMethod) (*OptimizationResult, error) {
	if method == "" {
		method = MethodHybridML
	}
	if _, ok := knownMethods[method]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}

	started := time.Now()
	initial := Encode(system)
	initialObjective := o.Objective(initial)

	result := &OptimizationResult{
		ID:              uuid.NewString(),
		SystemID:        system.ID,
		Method:          method,
		ObjectiveBefore: initialObjective,
	}

	var best []float64
	var iterations int
	switch method {
	case MethodGradient:
		best, iterations = o.gradientSearch(ctx, initial)
	case MethodGenetic:
		best, iterations = o.geneticSearch(ctx, initial)
	case MethodAnnealing:
		best, iterations = o.annealingSearch(ctx, initial)
	case MethodBayesian:
		best, iterations = o.bayesianSearch(ctx, initial)
	case MethodHybridML:
		best, iterations = o.hybridSearch(ctx, initial)
	}

	// Keep the incumbent: the search never regresses the objective.
	if o.Objective(best) < initialObjective {
		best = initial
	}

	Decode(system, best)

	result.Success = true
	result.ObjectiveValue = o.Objective(best)
	result.CoherenceAfter = system.TotalCoherence()
	result.Iterations = iterations
	result.SolutionConfidence = o.solutionConfidence(result)
	result.RobustnessScore = o.robustnessScore(best)
	result.Duration = time.Since(started)

	o.mu.RLock()
	model := o.model
	o.mu.RUnlock()
	if model != nil {
		features := append([]float64{1}, best...)
		result.ModelPrediction = clamp(dot(model, features), 0, 1)
		result.FeatureImportance = featureImportance(model)
	}

	if o.metrics != nil {
		o.metrics.OptimizationsTotal.WithLabelValues(string(method), "completed").Inc()
		o.metrics.OptimizationDurationSeconds.WithLabelValues(string(method)).Observe(result.Duration.Seconds())
	}

	o.bus.Publish(events.TypeOptimizationCompleted, map[string]any{
		"optimization_id":  result.ID,
		"system_id":        system.ID,
		"method":           string(method),
		"objective_before": result.ObjectiveBefore,
		"objective_value":  result.ObjectiveValue,
		"coherence_after":  result.CoherenceAfter,
	})

	if o.learner != nil {
		exp := learning.NewExperience(learning.ExperienceQuantumOptimization, "quantum_optimizer")
		exp.ActionTaken = fmt.Sprintf("optimize_quantum_system(%s)", method)
		exp.Outcome = fmt.Sprintf("objective %.4f -> %.4f", result.ObjectiveBefore, result.ObjectiveValue)
		exp.Success = result.ObjectiveValue >= result.ObjectiveBefore
		exp.Context = map[string]any{
			"system_id": system.ID,
			"method":    string(method),
		}
		exp.ConfidenceLevel = result.SolutionConfidence
		if err := o.learner.RecordExperience(ctx, exp); err != nil {
			o.logger.Warn("failed to record optimization experience", "error", err.Error())
		}
	}

	o.logger.Info("optimization completed",
		"system_id", system.ID,
		"method", method,
		"objective_before", result.ObjectiveBefore,
		"objective_after", result.ObjectiveValue,
		"iterations", iterations,
		"duration", result.Duration,
	)

	return result, nil
}

// solutionConfidence blends resulting coherence with objective-target
// achievement.
func (o *Optimizer) solutionConfidence(result *OptimizationResult) float64 {
	gain := 0.5
	if result.ObjectiveBefore > 0 {
		gain = clamp(result.ObjectiveValue/result.ObjectiveBefore-0.5, 0, 1)
	}
	return clamp(0.6*result.CoherenceAfter+0.4*gain, 0, 1)
}

// robustnessScore measures objective stability under 5 random small
// perturbations of the probability dimensions.
func (o *Optimizer) robustnessScore(vector []float64) float64 {
	const perturbations = 5
	base := o.Objective(vector)
	if base == 0 {
		return 0
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	var totalDeviation float64
	for i := 0; i < perturbations; i++ {
		perturbed := make([]float64, len(vector))
		copy(perturbed, vector)
		for _, dim := range []int{0, 4, 6, 7} {
			perturbed[dim] = clamp(perturbed[dim]+(o.rng.Float64()-0.5)*0.05, 0, 1)
		}
		totalDeviation += math.Abs(o.Objective(perturbed)-base) / base
	}
	return clamp(1-totalDeviation/perturbations, 0, 1)
}

// =============================================================================
// Search algorithms
// =============================================================================

// mutableDims are the dimensions the search may move; counts and
// per-state snapshots stay anchored to the real system.
var mutableDims = []int{0, 4, 5, 6, 7}

func (o *Optimizer) neighbor(vector []float64, scale float64) []float64 {
	out := make([]float64, len(vector))
	copy(out, vector)
	o.mu.Lock()
	for _, dim := range mutableDims {
		out[dim] = clamp(out[dim]+(o.rng.Float64()-0.5)*scale, 0, 1)
	}
	o.mu.Unlock()
	return out
}

func (o *Optimizer) gradientSearch(ctx context.Context, initial []float64) ([]float64, int) {
	const epsilon = 1e-4
	current := make([]float64, len(initial))
	copy(current, initial)

	var i int
	for ; i < o.config.Iterations; i++ {
		if ctx.Err() != nil {
			break
		}
		for _, dim := range mutableDims {
			bumped := make([]float64, len(current))
			copy(bumped, current)
			bumped[dim] += epsilon
			gradient := (o.Objective(bumped) - o.Objective(current)) / epsilon
			current[dim] = clamp(current[dim]+o.config.LearningRate*gradient, 0, 1)
		}
	}
	return current, i
}

func (o *Optimizer) geneticSearch(ctx context.Context, initial []float64) ([]float64, int) {
	population := make([][]float64, o.config.PopulationSize)
	population[0] = initial
	for i := 1; i < len(population); i++ {
		population[i] = o.neighbor(initial, 0.3)
	}

	best := initial
	bestScore := o.Objective(initial)

	var generation int
	for ; generation < o.config.Iterations; generation++ {
		if ctx.Err() != nil {
			break
		}

		sort.Slice(population, func(i, j int) bool {
			return o.Objective(population[i]) > o.Objective(population[j])
		})
		if score := o.Objective(population[0]); score > bestScore {
			best = population[0]
			bestScore = score
		}

		// Elitism: top half survives, bottom half is replaced by
		// mutated crossovers of two elite parents.
		half := len(population) / 2
		for i := half; i < len(population); i++ {
			o.mu.Lock()
			a := population[o.rng.Intn(half)]
			b := population[o.rng.Intn(half)]
			child := make([]float64, len(a))
			for j := range child {
				if o.rng.Float64() < 0.5 {
					child[j] = a[j]
				} else {
					child[j] = b[j]
				}
			}
			o.mu.Unlock()
			population[i] = o.neighbor(child, 0.1)
		}
	}
	return best, generation
}

func (o *Optimizer) annealingSearch(ctx context.Context, initial []float64) ([]float64, int) {
	current := initial
	currentScore := o.Objective(current)
	best := current
	bestScore := currentScore
	temperature := o.config.InitialTemperature

	var i int
	for ; i < o.config.Iterations; i++ {
		if ctx.Err() != nil {
			break
		}

		candidate := o.neighbor(current, 0.2)
		candidateScore := o.Objective(candidate)
		delta := candidateScore - currentScore

		o.mu.Lock()
		accept := delta > 0 || o.rng.Float64() < math.Exp(delta/math.Max(temperature, 1e-9))
		o.mu.Unlock()

		if accept {
			current = candidate
			currentScore = candidateScore
		}
		if candidateScore > bestScore {
			best = candidate
			bestScore = candidateScore
		}
		temperature *= 0.95
	}
	return best, i
}

// bayesianSearch is a surrogate-free approximation: broad random
// exploration first, then sampling tightens around the incumbent.
func (o *Optimizer) bayesianSearch(ctx context.Context, initial []float64) ([]float64, int) {
	best := initial
	bestScore := o.Objective(initial)

	var i int
	for ; i < o.config.Iterations; i++ {
		if ctx.Err() != nil {
			break
		}
		progress := float64(i) / float64(o.config.Iterations)
		scale := 0.4 * (1 - progress)
		if scale < 0.05 {
			scale = 0.05
		}
		candidate := o.neighbor(best, scale)
		if score := o.Objective(candidate); score > bestScore {
			best = candidate
			bestScore = score
		}
	}
	return best, i
}

// hybridSearch runs a gradient pass then an annealing pass from the
// gradient's result, seeding from the model prediction when trained.
func (o *Optimizer) hybridSearch(ctx context.Context, initial []float64) ([]float64, int) {
	seed := initial

	o.mu.RLock()
	model := o.model
	o.mu.RUnlock()
	if model != nil {
		// Sample candidates and keep the one the model rates highest as
		// the warm start.
		bestPredicted := seed
		var bestPrediction float64
		for i := 0; i < 10; i++ {
			candidate := o.neighbor(initial, 0.2)
			features := append([]float64{1}, candidate...)
			if prediction := dot(model, features); prediction > bestPrediction {
				bestPredicted = candidate
				bestPrediction = prediction
			}
		}
		seed = bestPredicted
	}

	refined, gradientIters := o.gradientSearch(ctx, seed)
	final, annealIters := o.annealingSearch(ctx, refined)

	if o.Objective(refined) > o.Objective(final) {
		final = refined
	}
	return final, gradientIters + annealIters
}

// =============================================================================
// Model training
// =============================================================================

// OptimizationSample is one labeled observation for the optimization
// model: an encoded vector and its measured objective.
type OptimizationSample struct {
	Features  []float64 `json:"features"`
	Objective float64   `json:"objective"`
}

// TrainModels fits the ridge regression used by the hybrid method's
// warm start and attached to results as predictions plus feature
// importance.
//
// Outputs:
//   - error: ErrNoTrainingData (wrapped) for undersized training sets.
func (o *Optimizer) TrainModels(ctx context.Context, samples []OptimizationSample) error {
	const minSamples = 5
	if len(samples) < minSamples {
		return fmt.Errorf("%w: have %d, need %d", ErrNoTrainingData, len(samples), minSamples)
	}

	rows := make([][]float64, len(samples))
	targets := make([]float64, len(samples))
	for i, sample := range samples {
		row := make([]float64, 0, vectorSize+1)
		row = append(row, 1)
		row = append(row, sample.Features...)
		for len(row) < vectorSize+1 {
			row = append(row, 0)
		}
		rows[i] = row[:vectorSize+1]
		targets[i] = sample.Objective
	}

	weights, err := ridgeFit(rows, targets)
	if err != nil {
		return fmt.Errorf("fit optimization model: %w", err)
	}

	o.mu.Lock()
	o.model = weights
	o.mu.Unlock()

	o.bus.Publish(events.TypeModelsTrained, map[string]any{
		"component": "optimizer",
		"samples":   len(samples),
	})

	if o.learner != nil {
		exp := learning.NewExperience(learning.ExperienceModelTraining, "quantum_optimizer")
		exp.ActionTaken = "train_optimization_models"
		exp.Outcome = fmt.Sprintf("trained on %d samples", len(samples))
		exp.Success = true
		exp.ConfidenceLevel = 0.8
		if err := o.learner.RecordExperience(ctx, exp); err != nil {
			o.logger.Warn("failed to record training experience", "error", err.Error())
		}
	}

	return nil
}

// Trained reports whether the optimization model has been fitted.
func (o *Optimizer) Trained() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.model != nil
}

// featureImportance normalizes absolute model weights (bias excluded)
// over the named dimensions.
func featureImportance(model []float64) map[string]float64 {
	var total float64
	for i := 1; i < len(model) && i <= vectorSize; i++ {
		total += math.Abs(model[i])
	}
	out := make(map[string]float64, vectorSize)
	if total == 0 {
		return out
	}
	for i := 1; i < len(model) && i <= vectorSize; i++ {
		out[featureNames[i-1]] = math.Abs(model[i]) / total
	}
	return out
}
