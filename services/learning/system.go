// Copyright (C) 2026 TRM-OS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package learning

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trm-os/trmos/pkg/events"
	"github.com/trm-os/trmos/pkg/logging"
	"github.com/trm-os/trmos/pkg/observability"
)

// System orchestrates the learning pipeline: the experience collector,
// the pattern recognizer, the adaptation engine, and the performance
// tracker, plus the goal registry and the periodic learning cycle.
//
// A cycle is single-flight: manual and automatic triggers never overlap.
// The background loop survives cycle failures with a retry delay.
//
// Thread Safety: System is safe for concurrent use.
type System struct {
	config Config

	Collector  *Collector
	Recognizer *Recognizer
	Engine     *Engine
	Tracker    *Tracker

	mu             sync.Mutex
	goals          map[string]*Goal
	running        bool
	cancel         context.CancelFunc
	done           chan struct{}
	cycleActive    bool
	lastCycleAt    time.Time
	lastCycleCount int
	cyclesRun      int

	bus     events.Bus
	logger  *logging.Logger
	metrics *observability.LearningMetrics
}

// NewSystem wires the four learning components together and registers
// the three default goals (efficiency, accuracy, learning speed).
//
// Inputs:
//   - config: Learning configuration (see DefaultConfig).
//   - bus: Event bus shared by all components. Must be non-nil.
//   - logger: Structured logger. Pass nil for the default.
//   - metrics: Prometheus metrics, may be nil.
func NewSystem(config Config, bus events.Bus, logger *logging.Logger, metrics *observability.LearningMetrics) *System {
	if logger == nil {
		logger = logging.Default()
	}

	s := &System{
		config:     config,
		Collector:  NewCollector(config.Collector, bus, logger, metrics),
		Recognizer: NewRecognizer(config.Recognizer, bus, logger, metrics),
		Engine:     NewEngine(config.Adaptation, bus, logger, metrics),
		Tracker:    NewTracker(config.Tracker, bus, logger, metrics),
		goals:      make(map[string]*Goal),
		bus:        bus,
		logger:     logger,
		metrics:    metrics,
	}

	s.AddGoal("improve_efficiency", map[MetricType]float64{MetricEfficiency: 0.85}, 8)
	s.AddGoal("improve_accuracy", map[MetricType]float64{MetricAccuracy: 0.90}, 9)
	s.AddGoal("accelerate_learning", map[MetricType]float64{MetricLearningSpeed: 0.75}, 6)

	return s
}

// =============================================================================
// Experience ingestion
// =============================================================================

// ExperienceInput is the raw ingestion payload. The Type string is
// coerced exactly once, at ingestion; unrecognized values are a hard
// error.
type ExperienceInput struct {
	Type              string             `json:"type"`
	AgentID           string             `json:"agent_id"`
	SessionID         string             `json:"session_id,omitempty"`
	Context           map[string]any     `json:"context,omitempty"`
	ActionTaken       string             `json:"action_taken"`
	Outcome           string             `json:"outcome"`
	Success           bool               `json:"success"`
	PerformanceBefore map[string]float64 `json:"performance_before,omitempty"`
	PerformanceAfter  map[string]float64 `json:"performance_after,omitempty"`
	ConfidenceLevel   float64            `json:"confidence_level"`
	ImportanceWeight  float64            `json:"importance_weight"`
	Tags              []string           `json:"tags,omitempty"`
}

// LearnFromExperience ingests one raw experience and may auto-trigger a
// learning cycle when enough unseen experiences have accumulated.
//
// Inputs:
//   - ctx: Context for the collection and any triggered cycle.
//   - input: The raw experience payload.
//
// Outputs:
//   - string: The stored experience ID.
//   - error: ErrUnknownExperienceType (wrapped) for bad type strings.
func (s *System) LearnFromExperience(ctx context.Context, input ExperienceInput) (string, error) {
	experienceType, err := ParseExperienceType(input.Type)
	if err != nil {
		return "", err
	}

	exp := &Experience{
		ID:                uuid.NewString(),
		Type:              experienceType,
		AgentID:           input.AgentID,
		SessionID:         input.SessionID,
		Context:           input.Context,
		ActionTaken:       input.ActionTaken,
		Outcome:           input.Outcome,
		Success:           input.Success,
		PerformanceBefore: input.PerformanceBefore,
		PerformanceAfter:  input.PerformanceAfter,
		ConfidenceLevel:   input.ConfidenceLevel,
		ImportanceWeight:  input.ImportanceWeight,
		Tags:              input.Tags,
		Timestamp:         time.Now(),
	}
	if exp.ImportanceWeight == 0 {
		exp.ImportanceWeight = 1.0
	}

	if err := s.Collector.Collect(ctx, exp); err != nil {
		return "", err
	}

	s.maybeTriggerCycle(ctx)

	return exp.ID, nil
}

// RecordExperience ingests an already-typed experience. Auto-trigger
// rules apply as in LearnFromExperience.
func (s *System) RecordExperience(ctx context.Context, exp *Experience) error {
	if err := s.Collector.Collect(ctx, exp); err != nil {
		return err
	}
	s.maybeTriggerCycle(ctx)
	return nil
}

// RecordPerformance records a measurement and refreshes goal progress.
func (s *System) RecordPerformance(metricType MetricType, agentID string, value float64) *PerformanceMetric {
	metric := s.Tracker.RecordMetric(metricType, agentID, value)
	s.updateGoals()
	return metric
}

// maybeTriggerCycle starts an asynchronous learning cycle when the
// unseen-experience count and minimum interval thresholds are both met.
func (s *System) maybeTriggerCycle(ctx context.Context) {
	s.mu.Lock()
	unseen := s.Collector.Count() - s.lastCycleCount
	due := unseen >= s.config.Cycle.MinExperiences &&
		(s.lastCycleAt.IsZero() || time.Since(s.lastCycleAt) >= s.config.Cycle.MinInterval) &&
		!s.cycleActive
	s.mu.Unlock()

	if !due {
		return
	}

	go func() {
		if _, err := s.RunLearningCycle(ctx); err != nil {
			s.logger.Warn("auto-triggered learning cycle failed", "error", err.Error())
		}
	}()
}

// =============================================================================
// Learning cycle
// =============================================================================

// CycleReport summarizes one learning cycle run.
type CycleReport struct {
	// Success reports whether the cycle completed all steps.
	Success bool `json:"success"`

	// ExperiencesAnalyzed is how many stored experiences the cycle saw.
	ExperiencesAnalyzed int `json:"experiences_analyzed"`

	// PatternsDiscovered counts newly validated patterns.
	PatternsDiscovered int `json:"patterns_discovered"`

	// AdaptationsGenerated counts rules generated from those patterns.
	AdaptationsGenerated int `json:"adaptations_generated"`

	// AdaptationsApplied counts rules that became active adaptations.
	AdaptationsApplied int `json:"adaptations_applied"`

	// GoalsUpdated counts goals whose progress was recomputed.
	GoalsUpdated int `json:"goals_updated"`

	// PerformanceImprovements maps metric types to baseline-relative
	// improvement of the current value.
	PerformanceImprovements map[MetricType]float64 `json:"performance_improvements,omitempty"`

	// Duration is the cycle wall time.
	Duration time.Duration `json:"duration"`

	// StartedAt is when the cycle began.
	StartedAt time.Time `json:"started_at"`
}

// RunLearningCycle executes one full learning cycle: analyze stored
// experiences into patterns, generate adaptation rules, optionally apply
// them, refresh goal progress, and summarize performance movement.
//
// Only one cycle runs at a time; a second caller gets ErrCycleInProgress.
//
// Outputs:
//   - *CycleReport: The cycle summary (nil on ErrCycleInProgress).
//   - error: ErrCycleInProgress if another cycle is running.
func (s *System) RunLearningCycle(ctx context.Context) (*CycleReport, error) {
	s.mu.Lock()
	if s.cycleActive {
		s.mu.Unlock()
		return nil, ErrCycleInProgress
	}
	s.cycleActive = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.cycleActive = false
		s.mu.Unlock()
	}()

	started := time.Now()
	report := &CycleReport{StartedAt: started}

	experiences := s.Collector.All()
	report.ExperiencesAnalyzed = len(experiences)

	patterns := s.Recognizer.Analyze(experiences)
	report.PatternsDiscovered = len(patterns)

	currentPerformance := s.Tracker.CurrentValues()
	rules := s.Engine.GenerateFromPatterns(patterns, currentPerformance)
	report.AdaptationsGenerated = len(rules)

	if s.config.Cycle.AutoAdapt && len(rules) > 0 {
		result := s.Engine.ApplyAdaptations(ctx, cycleContext(experiences), rules)
		report.AdaptationsApplied = len(result.Applied)
	}

	report.GoalsUpdated = s.updateGoals()

	report.PerformanceImprovements = make(map[MetricType]float64)
	for metricType := range currentPerformance {
		if analysis := s.Tracker.AnalyzeTrends(metricType); analysis != nil && analysis.HasBaseline {
			report.PerformanceImprovements[metricType] = analysis.BaselineImprovement
		}
	}

	report.Duration = time.Since(started)
	report.Success = true

	s.mu.Lock()
	s.lastCycleAt = started
	s.lastCycleCount = s.Collector.Count()
	s.cyclesRun++
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.CycleDurationSeconds.Observe(report.Duration.Seconds())
	}

	s.bus.Publish(events.TypeLearningCycleCompleted, map[string]any{
		"experiences_analyzed":  report.ExperiencesAnalyzed,
		"patterns_discovered":   report.PatternsDiscovered,
		"adaptations_generated": report.AdaptationsGenerated,
		"adaptations_applied":   report.AdaptationsApplied,
		"goals_updated":         report.GoalsUpdated,
		"duration_seconds":      report.Duration.Seconds(),
	})

	s.logger.Info("learning cycle completed",
		"experiences", report.ExperiencesAnalyzed,
		"patterns", report.PatternsDiscovered,
		"rules", report.AdaptationsGenerated,
		"applied", report.AdaptationsApplied,
		"duration", report.Duration,
	)

	return report, nil
}

// cycleContext derives the application context for cycle-time adaptation
// from the most recent experience's context, timestamped for temporal
// rules.
func cycleContext(experiences []*Experience) map[string]any {
	applicationContext := map[string]any{
		"hour":    time.Now().Hour(),
		"weekday": int(time.Now().Weekday()),
	}
	if len(experiences) > 0 {
		latest := experiences[len(experiences)-1]
		for k, v := range latest.Context {
			applicationContext[k] = v
		}
		applicationContext["experience_type"] = string(latest.Type)
	}
	return applicationContext
}

// =============================================================================
// Background loop
// =============================================================================

// Start launches the periodic learning loop. The loop runs one cycle per
// configured frequency; a failed cycle is retried after the retry delay
// instead of waiting the full period.
//
// Outputs:
//   - error: ErrSystemRunning if already started.
func (s *System) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSystemRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.loop(loopCtx, done)

	s.logger.Info("learning system started",
		"cycle_frequency", s.config.Cycle.Frequency,
		"auto_adapt", s.config.Cycle.AutoAdapt,
	)
	return nil
}

func (s *System) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(s.config.Cycle.Frequency)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		wait := s.config.Cycle.Frequency
		if _, err := s.RunLearningCycle(ctx); err != nil {
			s.logger.Warn("scheduled learning cycle failed, will retry",
				"error", err.Error(),
				"retry_delay", s.config.Cycle.RetryDelay,
			)
			wait = s.config.Cycle.RetryDelay
		}
		timer.Reset(wait)
	}
}

// Stop halts the background loop and waits for it to exit.
//
// Outputs:
//   - error: ErrSystemNotRunning if the loop is not started.
func (s *System) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSystemNotRunning
	}
	cancel := s.cancel
	done := s.done
	s.running = false
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	cancel()
	<-done

	s.logger.Info("learning system stopped")
	return nil
}

// Running reports whether the background loop is active.
func (s *System) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// =============================================================================
// Goals
// =============================================================================

// AddGoal registers a learning goal and returns it.
func (s *System) AddGoal(name string, targets map[MetricType]float64, priority int) *Goal {
	goal := &Goal{
		ID:              uuid.NewString(),
		Name:            name,
		TargetMetrics:   targets,
		CurrentProgress: make(map[MetricType]float64, len(targets)),
		Priority:        priority,
		Status:          GoalActive,
		CreatedAt:       time.Now(),
	}

	s.mu.Lock()
	s.goals[goal.ID] = goal
	s.mu.Unlock()

	return goal
}

// Goals returns a snapshot of all goals, highest priority first.
func (s *System) Goals() []*Goal {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Goal, 0, len(s.goals))
	for _, goal := range s.goals {
		out = append(out, goal)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// updateGoals recomputes progress for all active goals against current
// tracker values. Returns how many goals were updated.
func (s *System) updateGoals() int {
	current := s.Tracker.CurrentValues()

	type completion struct {
		goal *Goal
	}
	var completed []completion
	var progress []map[string]any
	var updated int

	s.mu.Lock()
	for _, goal := range s.goals {
		if goal.Status != GoalActive {
			continue
		}
		wasCompleted := goal.UpdateProgress(current)
		updated++

		if s.metrics != nil {
			s.metrics.GoalCompletion.WithLabelValues(goal.Name).Set(goal.CompletionPercentage)
		}
		if wasCompleted {
			completed = append(completed, completion{goal: goal})
		}

		progress = append(progress, map[string]any{
			"goal_id":               goal.ID,
			"goal_name":             goal.Name,
			"completion_percentage": goal.CompletionPercentage,
		})
	}
	s.mu.Unlock()

	// Publish outside the lock so synchronous subscribers can read
	// system state.
	for _, payload := range progress {
		s.bus.Publish(events.TypeGoalProgress, payload)
	}
	for _, c := range completed {
		s.bus.Publish(events.TypeGoalAchieved, map[string]any{
			"goal_id":   c.goal.ID,
			"goal_name": c.goal.Name,
		})
		s.logger.Info("learning goal achieved", "goal_name", c.goal.Name)
	}

	return updated
}

// =============================================================================
// Introspection
// =============================================================================

// Status is a point-in-time operational snapshot of the system.
type Status struct {
	Running             bool      `json:"running"`
	StoredExperiences   int       `json:"stored_experiences"`
	DiscoveredPatterns  int       `json:"discovered_patterns"`
	RegisteredRules     int       `json:"registered_rules"`
	ActiveAdaptations   int       `json:"active_adaptations"`
	ActiveGoals         int       `json:"active_goals"`
	CompletedGoals      int       `json:"completed_goals"`
	CyclesRun           int       `json:"cycles_run"`
	LastCycleAt         time.Time `json:"last_cycle_at,omitempty"`
	CycleInProgress     bool      `json:"cycle_in_progress"`
	ExperiencesUnseen   int       `json:"experiences_unseen"`
	AutoAdaptionEnabled bool      `json:"auto_adaptation_enabled"`
}

// Status returns the current operational snapshot.
func (s *System) Status() Status {
	stored := s.Collector.Count()
	patterns := len(s.Recognizer.Patterns())
	rules := len(s.Engine.Rules())
	active := len(s.Engine.ActiveAdaptations())

	s.mu.Lock()
	defer s.mu.Unlock()

	var activeGoals, completedGoals int
	for _, goal := range s.goals {
		switch goal.Status {
		case GoalActive:
			activeGoals++
		case GoalCompleted:
			completedGoals++
		}
	}

	return Status{
		Running:             s.running,
		StoredExperiences:   stored,
		DiscoveredPatterns:  patterns,
		RegisteredRules:     rules,
		ActiveAdaptations:   active,
		ActiveGoals:         activeGoals,
		CompletedGoals:      completedGoals,
		CyclesRun:           s.cyclesRun,
		LastCycleAt:         s.lastCycleAt,
		CycleInProgress:     s.cycleActive,
		ExperiencesUnseen:   stored - s.lastCycleCount,
		AutoAdaptionEnabled: s.config.Cycle.AutoAdapt,
	}
}

// Insights summarizes what the system has learned so far.
type Insights struct {
	// TopPatterns are the highest-confidence patterns, best first.
	TopPatterns []*Pattern `json:"top_patterns,omitempty"`

	// EffectiveRules are applied rules ordered by effectiveness.
	EffectiveRules []*Rule `json:"effective_rules,omitempty"`

	// Trends summarizes each tracked metric type.
	Trends map[MetricType]*TrendAnalysis `json:"trends,omitempty"`

	// Goals is the goal snapshot, highest priority first.
	Goals []*Goal `json:"goals,omitempty"`
}

// LearningInsights assembles a cross-component learning summary.
//
// Inputs:
//   - topN: How many top patterns and rules to include.
func (s *System) LearningInsights(topN int) *Insights {
	if topN <= 0 {
		topN = 5
	}

	patterns := s.Recognizer.Patterns()
	sort.Slice(patterns, func(i, j int) bool { return patterns[i].Confidence > patterns[j].Confidence })
	if len(patterns) > topN {
		patterns = patterns[:topN]
	}

	var appliedRules []*Rule
	for _, rule := range s.Engine.Rules() {
		if rule.Applications > 0 {
			appliedRules = append(appliedRules, rule)
		}
	}
	sort.Slice(appliedRules, func(i, j int) bool { return appliedRules[i].Effectiveness > appliedRules[j].Effectiveness })
	if len(appliedRules) > topN {
		appliedRules = appliedRules[:topN]
	}

	trends := make(map[MetricType]*TrendAnalysis)
	for metricType := range s.Tracker.CurrentValues() {
		if analysis := s.Tracker.AnalyzeTrends(metricType); analysis != nil {
			trends[metricType] = analysis
		}
	}

	return &Insights{
		TopPatterns:    patterns,
		EffectiveRules: appliedRules,
		Trends:         trends,
		Goals:          s.Goals(),
	}
}

// Reset clears all learned state across every component. Goals are reset
// to the three defaults.
func (s *System) Reset() {
	s.Collector.Reset()
	s.Recognizer.Reset()
	s.Engine.Reset()
	s.Tracker.Reset()

	s.mu.Lock()
	s.goals = make(map[string]*Goal)
	s.lastCycleAt = time.Time{}
	s.lastCycleCount = 0
	s.cyclesRun = 0
	s.mu.Unlock()

	s.AddGoal("improve_efficiency", map[MetricType]float64{MetricEfficiency: 0.85}, 8)
	s.AddGoal("improve_accuracy", map[MetricType]float64{MetricAccuracy: 0.90}, 9)
	s.AddGoal("accelerate_learning", map[MetricType]float64{MetricLearningSpeed: 0.75}, 6)
}
