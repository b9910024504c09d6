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
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/trm-os/trmos/pkg/events"
	"github.com/trm-os/trmos/pkg/logging"
	"github.com/trm-os/trmos/services/learning"
)

// Learner is the slice of the adaptive learning system the quantum
// subsystem feeds experiences into.
type Learner interface {
	RecordExperience(ctx context.Context, exp *learning.Experience) error
}

// TrainingSample is one labeled observation for detector training.
type TrainingSample struct {
	// Signals are the raw organizational signal values.
	Signals map[string]float64 `json:"signals"`

	// StateType is the labeled outcome state.
	StateType StateType `json:"state_type"`

	// WINOutcome is the observed WIN probability for the regressor.
	WINOutcome float64 `json:"win_outcome"`
}

// DetectionResult is the outcome of one detection run.
type DetectionResult struct {
	// DetectedStates are states whose confidence cleared the threshold,
	// probability set to the confidence.
	DetectedStates []*State `json:"detected_states"`

	// Probabilities is the full per-state-type confidence distribution.
	Probabilities map[StateType]float64 `json:"probabilities"`

	// WINEstimate is the regressor's WIN probability estimate (model
	// path only; 0 when heuristic).
	WINEstimate float64 `json:"win_estimate"`

	// AnomalyScore is the centroid-distance score (model path only).
	AnomalyScore float64 `json:"anomaly_score"`

	// Anomalous flags scores above the anomaly threshold.
	Anomalous bool `json:"anomalous"`

	// UsedModel reports whether the trained models produced the result
	// (false means heuristic fallback).
	UsedModel bool `json:"used_model"`

	// Duration is the detection wall time.
	Duration time.Duration `json:"duration"`
}

// DetectionFeedback reports observed detector quality for parameter
// adaptation.
type DetectionFeedback struct {
	// Accuracy is the observed detection accuracy, in [0,1].
	Accuracy float64 `json:"accuracy"`

	// FalsePositiveRate is the observed false positive rate, in [0,1].
	FalsePositiveRate float64 `json:"false_positive_rate"`
}

// trainedModels holds the fitted detector models. Model state is the
// explicit two-variant Untrained (nil) | Trained (*trainedModels) so
// callers handle the untrained case instead of relying on scattered
// boolean checks.
type trainedModels struct {
	featureKeys []string

	// classifiers maps each state type to ridge regression weights
	// (bias first) for a one-vs-rest confidence score.
	classifiers map[StateType][]float64

	// winWeights are the WIN regressor's weights (bias first).
	winWeights []float64

	// centroid and meanDistance back the anomaly score.
	centroid     []float64
	meanDistance float64

	trainedAt time.Time
	samples   int
}

// Detector maps organizational signals to a quantum state distribution,
// with a trainable model path and a heuristic fallback.
//
// Thread Safety: Detector is safe for concurrent use.
type Detector struct {
	mu     sync.RWMutex
	config DetectorConfig

	// models is nil until Train succeeds (Untrained state).
	models *trainedModels

	bus     events.Bus
	logger  *logging.Logger
	learner Learner
}

// NewDetector creates a state detector in the untrained state.
func NewDetector(config DetectorConfig, bus events.Bus, logger *logging.Logger, learner Learner) *Detector {
	if logger == nil {
		logger = logging.Default()
	}
	return &Detector{
		config:  config,
		bus:     bus,
		logger:  logger,
		learner: learner,
	}
}

// Trained reports whether models have been fitted.
func (d *Detector) Trained() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.models != nil
}

// Detect maps signals to a state distribution and materializes detected
// states whose confidence clears the detection threshold.
//
// Before training the heuristic rules apply: high signal variance maps
// to superposition, high mean with low variance to coherence, low mean
// with high variance to decoherence. After training, per-state ridge
// classifiers plus the WIN regressor and centroid anomaly score produce
// the result. The run is recorded as a learning experience.
//
// Inputs:
//   - ctx: Context for the experience recording.
//   - signals: Named organizational signal values. Must be non-empty.
//
// Outputs:
//   - *DetectionResult: The detection outcome.
//   - error: Non-nil only for empty signal input.
func (d *Detector) Detect(ctx context.Context, signals map[string]float64) (*DetectionResult, error) {
	if len(signals) == 0 {
		return nil, fmt.Errorf("detect: no signals provided")
	}

	started := time.Now()

	d.mu.RLock()
	models := d.models
	threshold := d.config.DetectionThreshold
	anomalyThreshold := d.config.AnomalyThreshold
	d.mu.RUnlock()

	var result *DetectionResult
	if models != nil {
		result = d.detectWithModels(models, signals, anomalyThreshold)
	} else {
		result = d.detectHeuristic(signals)
	}

	volatility := signalVolatility(signals)
	decoherenceRate := clamp(volatility, 0.01, 1.0)

	for stateType, confidence := range result.Probabilities {
		if confidence < threshold {
			continue
		}
		state := NewState(stateType, string(stateType), complex(math.Sqrt(confidence), 0), decoherenceRate)
		result.DetectedStates = append(result.DetectedStates, state)
	}
	sort.Slice(result.DetectedStates, func(i, j int) bool {
		return result.DetectedStates[i].Probability > result.DetectedStates[j].Probability
	})
	result.Duration = time.Since(started)

	d.bus.Publish(events.TypeStateDetected, map[string]any{
		"detected_states": len(result.DetectedStates),
		"used_model":      result.UsedModel,
		"anomalous":       result.Anomalous,
	})

	d.recordExperience(ctx, learning.ExperienceQuantumStateDetection,
		"detect_quantum_states",
		fmt.Sprintf("detected %d states", len(result.DetectedStates)),
		len(result.DetectedStates) > 0,
		map[string]any{
			"used_model": result.UsedModel,
			"signals":    len(signals),
		},
		topConfidence(result.Probabilities),
	)

	return result, nil
}

// detectHeuristic applies the untrained fallback rules.
func (d *Detector) detectHeuristic(signals map[string]float64) *DetectionResult {
	values := make([]float64, 0, len(signals))
	for _, v := range signals {
		values = append(values, v)
	}
	mean := stat.Mean(values, nil)
	var stddev float64
	if len(values) >= 2 {
		stddev = stat.StdDev(values, nil)
	}

	probabilities := make(map[StateType]float64)
	highVariance := stddev > 0.25
	highMean := mean >= d.config.CoherenceThreshold

	switch {
	case highVariance && highMean:
		probabilities[StateSuperposition] = clamp(0.5+stddev, 0, 1)
		probabilities[StateCoherence] = clamp(mean-stddev, 0, 1)
	case highVariance:
		probabilities[StateDecoherence] = clamp(0.5+stddev, 0, 1)
		probabilities[StateSuperposition] = clamp(stddev*2, 0, 1)
	case highMean:
		probabilities[StateCoherence] = clamp(mean, 0, 1)
	default:
		probabilities[StateDecoherence] = clamp(1-mean, 0, 1)
	}

	return &DetectionResult{
		Probabilities: probabilities,
		UsedModel:     false,
	}
}

// detectWithModels applies the trained classifiers, regressor, and
// anomaly model.
func (d *Detector) detectWithModels(models *trainedModels, signals map[string]float64, anomalyThreshold float64) *DetectionResult {
	features := featureVector(models.featureKeys, signals)

	probabilities := make(map[StateType]float64, len(models.classifiers))
	for stateType, weights := range models.classifiers {
		probabilities[stateType] = sigmoid(dot(weights, features))
	}

	result := &DetectionResult{
		Probabilities: probabilities,
		WINEstimate:   clamp(dot(models.winWeights, features), 0, 1),
		UsedModel:     true,
	}

	if models.meanDistance > 0 {
		result.AnomalyScore = euclidean(features, models.centroid) / models.meanDistance
		result.Anomalous = result.AnomalyScore > anomalyThreshold
	}

	return result
}

// Train fits the per-state classifiers, the WIN regressor, and the
// centroid anomaly model from labeled samples, transitioning the
// detector to the trained state.
//
// Inputs:
//   - ctx: Context for the experience recording.
//   - samples: Labeled observations. Must meet the configured minimum.
//
// Outputs:
//   - error: ErrNoTrainingData (wrapped) for undersized training sets.
func (d *Detector) Train(ctx context.Context, samples []TrainingSample) error {
	if len(samples) < d.config.MinTrainingSamples {
		return fmt.Errorf("%w: have %d, need %d", ErrNoTrainingData, len(samples), d.config.MinTrainingSamples)
	}

	started := time.Now()

	keySet := make(map[string]struct{})
	for _, sample := range samples {
		for key := range sample.Signals {
			keySet[key] = struct{}{}
		}
	}
	featureKeys := make([]string, 0, len(keySet))
	for key := range keySet {
		featureKeys = append(featureKeys, key)
	}
	sort.Strings(featureKeys)

	rows := make([][]float64, len(samples))
	for i, sample := range samples {
		rows[i] = featureVector(featureKeys, sample.Signals)
	}

	labeled := make(map[StateType]struct{})
	for _, sample := range samples {
		labeled[sample.StateType] = struct{}{}
	}

	classifiers := make(map[StateType][]float64, len(labeled))
	for stateType := range labeled {
		targets := make([]float64, len(samples))
		for i, sample := range samples {
			if sample.StateType == stateType {
				targets[i] = 1
			}
		}
		weights, err := ridgeFit(rows, targets)
		if err != nil {
			return fmt.Errorf("fit classifier for %s: %w", stateType, err)
		}
		classifiers[stateType] = weights
	}

	winTargets := make([]float64, len(samples))
	for i, sample := range samples {
		winTargets[i] = sample.WINOutcome
	}
	winWeights, err := ridgeFit(rows, winTargets)
	if err != nil {
		return fmt.Errorf("fit WIN regressor: %w", err)
	}

	centroid := make([]float64, len(featureKeys)+1)
	for _, row := range rows {
		for j, v := range row {
			centroid[j] += v
		}
	}
	for j := range centroid {
		centroid[j] /= float64(len(rows))
	}
	var meanDistance float64
	for _, row := range rows {
		meanDistance += euclidean(row, centroid)
	}
	meanDistance /= float64(len(rows))
	if meanDistance == 0 {
		meanDistance = 1e-9
	}

	d.mu.Lock()
	d.models = &trainedModels{
		featureKeys:  featureKeys,
		classifiers:  classifiers,
		winWeights:   winWeights,
		centroid:     centroid,
		meanDistance: meanDistance,
		trainedAt:    time.Now(),
		samples:      len(samples),
	}
	d.mu.Unlock()

	duration := time.Since(started)

	d.bus.Publish(events.TypeModelsTrained, map[string]any{
		"component":   "state_detector",
		"samples":     len(samples),
		"state_types": len(classifiers),
	})

	d.logger.Info("detector models trained",
		"samples", len(samples),
		"features", len(featureKeys),
		"state_types", len(classifiers),
		"duration", duration,
	)

	d.recordExperience(ctx, learning.ExperienceModelTraining,
		"train_detection_models",
		fmt.Sprintf("trained on %d samples", len(samples)),
		true,
		map[string]any{"samples": len(samples)},
		0.8,
	)

	return nil
}

// AdaptParameters tunes the detection threshold from observed quality:
// poor accuracy or a high false positive rate raises the bar, strong
// accuracy relaxes it. The threshold stays within [0.5, 0.95].
func (d *Detector) AdaptParameters(feedback DetectionFeedback) {
	d.mu.Lock()
	defer d.mu.Unlock()

	threshold := d.config.DetectionThreshold
	if feedback.FalsePositiveRate > 0.2 {
		threshold += 0.05
	}
	if feedback.Accuracy < 0.6 {
		threshold += 0.05
	} else if feedback.Accuracy > 0.9 {
		threshold -= 0.02
	}
	d.config.DetectionThreshold = clamp(threshold, 0.5, 0.95)

	d.logger.Info("detection parameters adapted",
		"detection_threshold", d.config.DetectionThreshold,
		"accuracy", feedback.Accuracy,
		"false_positive_rate", feedback.FalsePositiveRate,
	)
}

// DetectionThreshold returns the current (possibly adapted) threshold.
func (d *Detector) DetectionThreshold() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config.DetectionThreshold
}

func (d *Detector) recordExperience(ctx context.Context, t learning.ExperienceType, action, outcome string, success bool, expContext map[string]any, confidence float64) {
	if d.learner == nil {
		return
	}
	exp := learning.NewExperience(t, "quantum_detector")
	exp.ActionTaken = action
	exp.Outcome = outcome
	exp.Success = success
	exp.Context = expContext
	exp.ConfidenceLevel = confidence
	if err := d.learner.RecordExperience(ctx, exp); err != nil {
		d.logger.Warn("failed to record detector experience", "error", err.Error())
	}
}

// =============================================================================
// Numeric helpers
// =============================================================================

// featureVector builds [1, signals[key0], signals[key1], ...] with
// missing keys as zero. The leading 1 is the bias term.
func featureVector(keys []string, signals map[string]float64) []float64 {
	out := make([]float64, len(keys)+1)
	out[0] = 1
	for i, key := range keys {
		out[i+1] = signals[key]
	}
	return out
}

// ridgeFit solves (X'X + lambda*I) w = X'y for the weight vector.
func ridgeFit(rows [][]float64, targets []float64) ([]float64, error) {
	const lambda = 0.1

	n := len(rows)
	d := len(rows[0])

	x := mat.NewDense(n, d, nil)
	for i, row := range rows {
		x.SetRow(i, row)
	}
	y := mat.NewVecDense(n, targets)

	var xtx mat.Dense
	xtx.Mul(x.T(), x)
	for i := 0; i < d; i++ {
		xtx.Set(i, i, xtx.At(i, i)+lambda)
	}

	var xty mat.VecDense
	xty.MulVec(x.T(), y)

	weights := mat.NewVecDense(d, nil)
	if err := weights.SolveVec(&xtx, &xty); err != nil {
		return nil, fmt.Errorf("solve ridge system: %w", err)
	}

	out := make([]float64, d)
	copy(out, weights.RawVector().Data)
	return out, nil
}

func dot(weights, features []float64) float64 {
	n := len(weights)
	if len(features) < n {
		n = len(features)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += weights[i] * features[i]
	}
	return sum
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

func euclidean(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return math.Sqrt(sum)
}

func signalVolatility(signals map[string]float64) float64 {
	if len(signals) < 2 {
		return 0.1
	}
	values := make([]float64, 0, len(signals))
	for _, v := range signals {
		values = append(values, v)
	}
	return stat.StdDev(values, nil)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func topConfidence(probabilities map[StateType]float64) float64 {
	var top float64
	for _, p := range probabilities {
		if p > top {
			top = p
		}
	}
	if top == 0 {
		return 0.5
	}
	return top
}
