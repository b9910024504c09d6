// Copyright (C) 2026 TRM-OS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package learning

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trm-os/trmos/pkg/events"
	"github.com/trm-os/trmos/pkg/logging"
	"github.com/trm-os/trmos/pkg/observability"
)

// Collector is the append-only, capacity-bounded store of agent
// experiences, with per-session grouping.
//
// Collection never fails for low-confidence experiences: they are logged
// as a warning and stored anyway. When the store exceeds capacity the
// oldest-by-timestamp experiences are silently evicted.
//
// Thread Safety: Collector is safe for concurrent use.
type Collector struct {
	mu          sync.RWMutex
	config      CollectorConfig
	experiences []*Experience
	byID        map[string]*Experience
	sessions    map[string]*Session

	bus     events.Bus
	logger  *logging.Logger
	metrics *observability.LearningMetrics
}

// NewCollector creates an experience collector.
//
// Inputs:
//   - config: Collector settings (capacity, low-confidence threshold).
//   - bus: Event bus for lifecycle events. Must be non-nil.
//   - logger: Structured logger. Pass nil for the default.
//   - metrics: Prometheus metrics, may be nil to disable instrumentation.
func NewCollector(config CollectorConfig, bus events.Bus, logger *logging.Logger, metrics *observability.LearningMetrics) *Collector {
	if logger == nil {
		logger = logging.Default()
	}
	return &Collector{
		config:      config,
		experiences: make([]*Experience, 0, 256),
		byID:        make(map[string]*Experience),
		sessions:    make(map[string]*Session),
		bus:         bus,
		logger:      logger,
		metrics:     metrics,
	}
}

// Collect validates, stores, and publishes an experience.
//
// Inputs:
//   - ctx: Context (reserved for cancellation symmetry with other
//     collaborators; collection itself is in-memory).
//   - exp: The experience to store. Its Type must be a recognized value.
//
// Outputs:
//   - error: ErrNilExperience or ErrUnknownExperienceType on contract
//     violations; nil otherwise.
func (c *Collector) Collect(ctx context.Context, exp *Experience) error {
	if exp == nil {
		return ErrNilExperience
	}
	if !exp.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownExperienceType, exp.Type)
	}

	if exp.ID == "" {
		exp.ID = uuid.NewString()
	}
	if exp.Timestamp.IsZero() {
		exp.Timestamp = time.Now()
	}
	exp.DeriveImprovement()

	if exp.ConfidenceLevel < c.config.LowConfidenceThreshold {
		c.logger.Warn("collecting low-confidence experience",
			"experience_id", exp.ID,
			"experience_type", exp.Type,
			"confidence", exp.ConfidenceLevel,
		)
	}

	c.mu.Lock()
	c.experiences = append(c.experiences, exp)
	c.byID[exp.ID] = exp
	if exp.SessionID != "" {
		if session, ok := c.sessions[exp.SessionID]; ok && !session.Finalized {
			session.ExperienceIDs = append(session.ExperienceIDs, exp.ID)
		}
	}
	c.evictLocked()
	stored := len(c.experiences)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ExperiencesTotal.WithLabelValues(string(exp.Type), strconv.FormatBool(exp.Success)).Inc()
		c.metrics.StoredExperiences.Set(float64(stored))
	}

	c.bus.Publish(events.TypeExperienceCollected, map[string]any{
		"experience_id":   exp.ID,
		"experience_type": string(exp.Type),
		"agent_id":        exp.AgentID,
		"success":         exp.Success,
	})

	return nil
}

// evictLocked drops oldest-by-timestamp experiences beyond capacity.
// Caller must hold c.mu.
func (c *Collector) evictLocked() {
	if len(c.experiences) <= c.config.Capacity {
		return
	}
	// Insertion order is timestamp order in the normal path, but helpers
	// may backfill historical experiences, so sort before trimming.
	sort.SliceStable(c.experiences, func(i, j int) bool {
		return c.experiences[i].Timestamp.Before(c.experiences[j].Timestamp)
	})
	excess := len(c.experiences) - c.config.Capacity
	for _, evicted := range c.experiences[:excess] {
		delete(c.byID, evicted.ID)
	}
	c.experiences = append(c.experiences[:0], c.experiences[excess:]...)
}

// =============================================================================
// Typed collection helpers
// =============================================================================

// CollectTaskExecution records a task-execution experience.
func (c *Collector) CollectTaskExecution(ctx context.Context, agentID, action, outcome string, success bool, expContext map[string]any) (*Experience, error) {
	return c.collectTyped(ctx, ExperienceTaskExecution, agentID, action, outcome, success, expContext)
}

// CollectProblemSolving records a problem-solving experience.
func (c *Collector) CollectProblemSolving(ctx context.Context, agentID, action, outcome string, success bool, expContext map[string]any) (*Experience, error) {
	return c.collectTyped(ctx, ExperienceProblemSolving, agentID, action, outcome, success, expContext)
}

// CollectDecisionMaking records a decision-making experience.
func (c *Collector) CollectDecisionMaking(ctx context.Context, agentID, action, outcome string, success bool, expContext map[string]any) (*Experience, error) {
	return c.collectTyped(ctx, ExperienceDecisionMaking, agentID, action, outcome, success, expContext)
}

// CollectConversationPattern records a conversational experience.
func (c *Collector) CollectConversationPattern(ctx context.Context, agentID, action, outcome string, success bool, expContext map[string]any) (*Experience, error) {
	return c.collectTyped(ctx, ExperienceConversationPattern, agentID, action, outcome, success, expContext)
}

func (c *Collector) collectTyped(ctx context.Context, t ExperienceType, agentID, action, outcome string, success bool, expContext map[string]any) (*Experience, error) {
	exp := NewExperience(t, agentID)
	exp.ActionTaken = action
	exp.Outcome = outcome
	exp.Success = success
	if expContext != nil {
		exp.Context = expContext
	}
	if err := c.Collect(ctx, exp); err != nil {
		return nil, err
	}
	return exp, nil
}

// =============================================================================
// Sessions
// =============================================================================

// StartSession opens a learning session with a before-performance snapshot.
//
// Outputs:
//
//	string - The session ID to attach to subsequent experiences.
func (c *Collector) StartSession(agentID, description string, performanceBefore map[string]float64) string {
	session := &Session{
		ID:                uuid.NewString(),
		AgentID:           agentID,
		Description:       description,
		ExperienceIDs:     make([]string, 0, 16),
		PerformanceBefore: performanceBefore,
		StartedAt:         time.Now(),
	}

	c.mu.Lock()
	c.sessions[session.ID] = session
	c.mu.Unlock()

	c.bus.Publish(events.TypeSessionStarted, map[string]any{
		"session_id": session.ID,
		"agent_id":   agentID,
	})

	c.logger.Info("learning session started",
		"session_id", session.ID,
		"agent_id", agentID,
	)

	return session.ID
}

// FinalizeSession closes a session, records the after-performance
// snapshot, and derives learning effectiveness as the mean of positive
// per-metric improvement ratios.
//
// Outputs:
//
//	*Session - The finalized session.
//	error - ErrSessionNotFound or ErrSessionFinalized.
func (c *Collector) FinalizeSession(sessionID string, performanceAfter map[string]float64) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, ok := c.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if session.Finalized {
		return nil, fmt.Errorf("%w: %s", ErrSessionFinalized, sessionID)
	}

	session.PerformanceAfter = performanceAfter
	session.LearningEffectiveness = learningEffectiveness(session.PerformanceBefore, performanceAfter)
	session.FinalizedAt = time.Now()
	session.Finalized = true

	c.bus.Publish(events.TypeSessionFinalized, map[string]any{
		"session_id":             session.ID,
		"agent_id":               session.AgentID,
		"experiences":            len(session.ExperienceIDs),
		"learning_effectiveness": session.LearningEffectiveness,
	})

	c.logger.Info("learning session finalized",
		"session_id", session.ID,
		"experiences", len(session.ExperienceIDs),
		"learning_effectiveness", session.LearningEffectiveness,
	)

	return session, nil
}

// learningEffectiveness computes the mean of positive per-metric
// improvement ratios between two snapshots.
func learningEffectiveness(before, after map[string]float64) float64 {
	if len(before) == 0 || len(after) == 0 {
		return 0
	}
	var sum float64
	var n int
	for metric, b := range before {
		a, ok := after[metric]
		if !ok || b == 0 {
			continue
		}
		ratio := (a - b) / b
		if ratio > 0 {
			sum += ratio
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Session returns a session by ID.
func (c *Collector) Session(sessionID string) (*Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	session, ok := c.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return session, nil
}

// SessionExperiences returns the experiences attached to a session.
func (c *Collector) SessionExperiences(sessionID string) ([]*Experience, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	session, ok := c.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	out := make([]*Experience, 0, len(session.ExperienceIDs))
	for _, id := range session.ExperienceIDs {
		if exp, ok := c.byID[id]; ok {
			out = append(out, exp)
		}
	}
	return out, nil
}

// =============================================================================
// Queries
// =============================================================================

// All returns a snapshot of all stored experiences in timestamp order.
func (c *Collector) All() []*Experience {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Experience, len(c.experiences))
	copy(out, c.experiences)
	return out
}

// Count returns the number of stored experiences.
func (c *Collector) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.experiences)
}

// Get returns an experience by ID, or nil if absent (possibly evicted).
func (c *Collector) Get(id string) *Experience {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byID[id]
}

// ByType returns stored experiences of the given type.
func (c *Collector) ByType(t ExperienceType) []*Experience {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*Experience
	for _, exp := range c.experiences {
		if exp.Type == t {
			out = append(out, exp)
		}
	}
	return out
}

// ByAgent returns stored experiences for the given agent.
func (c *Collector) ByAgent(agentID string) []*Experience {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*Experience
	for _, exp := range c.experiences {
		if exp.AgentID == agentID {
			out = append(out, exp)
		}
	}
	return out
}

// Since returns stored experiences with timestamps after t.
func (c *Collector) Since(t time.Time) []*Experience {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*Experience
	for _, exp := range c.experiences {
		if exp.Timestamp.After(t) {
			out = append(out, exp)
		}
	}
	return out
}

// Reset clears all stored experiences and sessions.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.experiences = make([]*Experience, 0, 256)
	c.byID = make(map[string]*Experience)
	c.sessions = make(map[string]*Session)
	if c.metrics != nil {
		c.metrics.StoredExperiences.Set(0)
	}
}
