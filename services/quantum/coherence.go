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
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trm-os/trmos/pkg/events"
	"github.com/trm-os/trmos/pkg/logging"
	"github.com/trm-os/trmos/pkg/observability"
)

// AlertLevel grades a coherence alert's severity.
type AlertLevel string

const (
	AlertInfo      AlertLevel = "INFO"
	AlertWarning   AlertLevel = "WARNING"
	AlertCritical  AlertLevel = "CRITICAL"
	AlertEmergency AlertLevel = "EMERGENCY"
)

// escalate returns the next severity up, saturating at EMERGENCY.
func (l AlertLevel) escalate() AlertLevel {
	switch l {
	case AlertInfo:
		return AlertWarning
	case AlertWarning:
		return AlertCritical
	default:
		return AlertEmergency
	}
}

// CoherenceMetric is one monitored health value with its alert
// thresholds.
type CoherenceMetric struct {
	// Name identifies the metric (system_coherence, state_stability,
	// entanglement_strength, decoherence_rate).
	Name string `json:"name"`

	// Value is the measured value.
	Value float64 `json:"value"`

	// WarningThreshold, CriticalThreshold, and EmergencyThreshold grade
	// the health value.
	WarningThreshold   float64 `json:"warning_threshold"`
	CriticalThreshold  float64 `json:"critical_threshold"`
	EmergencyThreshold float64 `json:"emergency_threshold"`

	// Inverted marks metrics where a high value is unhealthy
	// (decoherence rate); health is then 1 - Value.
	Inverted bool `json:"inverted"`

	// MeasuredAt is when the value was computed.
	MeasuredAt time.Time `json:"measured_at"`
}

// health returns the value on the healthy-is-high scale.
func (m *CoherenceMetric) health() float64 {
	if m.Inverted {
		return 1 - m.Value
	}
	return m.Value
}

// AlertLevel maps the metric's health to a severity level.
func (m *CoherenceMetric) AlertLevel() AlertLevel {
	h := m.health()
	switch {
	case h < m.EmergencyThreshold:
		return AlertEmergency
	case h < m.CriticalThreshold:
		return AlertCritical
	case h < m.WarningThreshold:
		return AlertWarning
	default:
		return AlertInfo
	}
}

// CoherenceAlert is one raised alert for a (system, metric, level)
// combination.
type CoherenceAlert struct {
	// ID uniquely identifies this alert.
	ID string `json:"id"`

	// SystemID and MetricName locate the alert.
	SystemID   string `json:"system_id"`
	MetricName string `json:"metric_name"`

	// Level is the current severity (may rise via auto-escalation).
	Level AlertLevel `json:"level"`

	// Value is the metric value that triggered the alert.
	Value float64 `json:"value"`

	// Message summarizes the condition.
	Message string `json:"message"`

	// Acknowledged and Resolved track the alert lifecycle.
	Acknowledged bool `json:"acknowledged"`
	Resolved     bool `json:"resolved"`

	// RaisedAt, AcknowledgedAt, and ResolvedAt bound the lifecycle.
	RaisedAt       time.Time `json:"raised_at"`
	AcknowledgedAt time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt     time.Time `json:"resolved_at,omitempty"`

	// Escalated marks alerts bumped one level after sitting
	// unacknowledged past the escalation window.
	Escalated bool `json:"escalated"`
}

// CoherenceReport aggregates current metrics into a letter grade.
type CoherenceReport struct {
	// SystemID identifies the graded system ("" for the aggregate).
	SystemID string `json:"system_id,omitempty"`

	// Grade is A >= 0.9, B >= 0.8, C >= 0.7, D >= 0.6, F < 0.6 on the
	// mean metric health.
	Grade string `json:"grade"`

	// MeanHealth is the averaged health across metrics.
	MeanHealth float64 `json:"mean_health"`

	// Metrics are the latest per-metric measurements.
	Metrics []*CoherenceMetric `json:"metrics"`

	// OpenAlerts counts unresolved alerts.
	OpenAlerts int `json:"open_alerts"`

	// Recommendations are textual next actions.
	Recommendations []string `json:"recommendations,omitempty"`

	// GeneratedAt is when the report was assembled.
	GeneratedAt time.Time `json:"generated_at"`
}

// Monitor computes per-system coherence metrics on a fixed interval and
// manages the alert lifecycle: raise (with cooldown), acknowledge,
// resolve, and auto-escalation.
//
// Thread Safety: Monitor is safe for concurrent use.
type Monitor struct {
	mu     sync.Mutex
	config MonitorConfig

	// systems supplies the current set of systems to monitor.
	systems func() []*System

	// latest holds the most recent metrics per system.
	latest map[string][]*CoherenceMetric

	// alerts holds all raised alerts by ID.
	alerts map[string]*CoherenceAlert

	// lastRaised dedupes alerts by (system, metric, level) key within
	// the cooldown window.
	lastRaised map[string]time.Time

	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	bus     events.Bus
	logger  *logging.Logger
	metrics *observability.QuantumMetrics
}

// NewMonitor creates a coherence monitor.
//
// Inputs:
//   - config: Monitor settings (interval, cooldown, thresholds).
//   - systems: Supplier of the current systems to monitor.
//   - bus: Event bus. Must be non-nil.
//   - logger: Structured logger. Pass nil for the default.
//   - metrics: Prometheus metrics, may be nil.
func NewMonitor(config MonitorConfig, systems func() []*System, bus events.Bus, logger *logging.Logger, metrics *observability.QuantumMetrics) *Monitor {
	if logger == nil {
		logger = logging.Default()
	}
	return &Monitor{
		config:     config,
		systems:    systems,
		latest:     make(map[string][]*CoherenceMetric),
		alerts:     make(map[string]*CoherenceAlert),
		lastRaised: make(map[string]time.Time),
		bus:        bus,
		logger:     logger,
		metrics:    metrics,
	}
}

// Start launches the monitoring loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrManagerRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.Tick()
			}
		}
	}()

	m.logger.Info("coherence monitor started", "interval", m.config.Interval)
	return nil
}

// Stop halts the monitoring loop and waits for it to exit.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrManagerNotRunning
	}
	cancel := m.cancel
	done := m.done
	m.running = false
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	cancel()
	<-done
	m.logger.Info("coherence monitor stopped")
	return nil
}

// Tick runs one monitoring pass over every supplied system: compute the
// four metrics, raise alerts past cooldown, and escalate stale ones.
func (m *Monitor) Tick() {
	for _, system := range m.systems() {
		m.CheckSystem(system)
	}
	m.escalateStale()
}

// CheckSystem computes the four coherence metrics for one system and
// raises alerts for any at a non-INFO level.
func (m *Monitor) CheckSystem(system *System) []*CoherenceMetric {
	now := time.Now()
	coherence := system.RecomputeCoherence()

	var stability float64
	states := system.States()
	if len(states) > 0 {
		for _, state := range states {
			stability += state.Probability
		}
		stability /= float64(len(states))
	}

	var entanglement float64
	if n := len(states); n >= 2 {
		possible := n * (n - 1) / 2
		entanglement = float64(system.EntangledPairs()) / float64(possible)
	}

	computed := []*CoherenceMetric{
		m.metric("system_coherence", coherence, false, now),
		m.metric("state_stability", stability, false, now),
		m.metric("entanglement_strength", entanglement, false, now),
		m.metric("decoherence_rate", 1-coherence, true, now),
	}

	if m.metrics != nil {
		m.metrics.Coherence.WithLabelValues(system.ID).Set(coherence)
	}

	m.mu.Lock()
	m.latest[system.ID] = computed
	m.mu.Unlock()

	for _, metric := range computed {
		if level := metric.AlertLevel(); level != AlertInfo {
			m.raiseAlert(system.ID, metric, level, now)
		}
	}
	return computed
}

func (m *Monitor) metric(name string, value float64, inverted bool, now time.Time) *CoherenceMetric {
	return &CoherenceMetric{
		Name:               name,
		Value:              value,
		WarningThreshold:   m.config.WarningThreshold,
		CriticalThreshold:  m.config.CriticalThreshold,
		EmergencyThreshold: m.config.EmergencyThreshold,
		Inverted:           inverted,
		MeasuredAt:         now,
	}
}

// raiseAlert creates an alert unless one of the same (system, metric,
// level) combination was raised within the cooldown window.
func (m *Monitor) raiseAlert(systemID string, metric *CoherenceMetric, level AlertLevel, now time.Time) {
	key := fmt.Sprintf("%s|%s|%s", systemID, metric.Name, level)

	m.mu.Lock()
	if last, ok := m.lastRaised[key]; ok && now.Sub(last) < m.config.AlertCooldown {
		m.mu.Unlock()
		return
	}
	alert := &CoherenceAlert{
		ID:         uuid.NewString(),
		SystemID:   systemID,
		MetricName: metric.Name,
		Level:      level,
		Value:      metric.Value,
		Message:    fmt.Sprintf("%s at %.3f (%s)", metric.Name, metric.Value, level),
		RaisedAt:   now,
	}
	m.alerts[alert.ID] = alert
	m.lastRaised[key] = now
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.AlertsTotal.WithLabelValues(string(level)).Inc()
	}

	m.bus.Publish(events.TypeCoherenceAlertRaised, map[string]any{
		"alert_id":  alert.ID,
		"system_id": systemID,
		"metric":    metric.Name,
		"level":     string(level),
		"value":     metric.Value,
	})

	m.logger.Warn("coherence alert raised",
		"system_id", systemID,
		"metric", metric.Name,
		"level", level,
		"value", metric.Value,
	)
}

// escalateStale bumps unacknowledged, unresolved alerts one severity
// level after the escalation window.
func (m *Monitor) escalateStale() {
	now := time.Now()

	type escalated struct{ alert *CoherenceAlert }
	var bumped []escalated

	m.mu.Lock()
	for _, alert := range m.alerts {
		if alert.Resolved || alert.Acknowledged || alert.Escalated {
			continue
		}
		if now.Sub(alert.RaisedAt) < m.config.EscalationAfter {
			continue
		}
		alert.Level = alert.Level.escalate()
		alert.Escalated = true
		bumped = append(bumped, escalated{alert: alert})
	}
	m.mu.Unlock()

	for _, e := range bumped {
		if m.metrics != nil {
			m.metrics.AlertsTotal.WithLabelValues(string(e.alert.Level)).Inc()
		}
		m.bus.Publish(events.TypeCoherenceAlertRaised, map[string]any{
			"alert_id":  e.alert.ID,
			"system_id": e.alert.SystemID,
			"metric":    e.alert.MetricName,
			"level":     string(e.alert.Level),
			"escalated": true,
		})
		m.logger.Warn("coherence alert auto-escalated",
			"alert_id", e.alert.ID,
			"level", e.alert.Level,
		)
	}
}

// Acknowledge marks an alert as seen, stopping auto-escalation.
func (m *Monitor) Acknowledge(alertID string) error {
	m.mu.Lock()
	alert, ok := m.alerts[alertID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
	}
	alert.Acknowledged = true
	alert.AcknowledgedAt = time.Now()
	m.mu.Unlock()

	m.bus.Publish(events.TypeCoherenceAlertAcknowledged, map[string]any{
		"alert_id": alertID,
	})
	return nil
}

// Resolve closes an alert.
func (m *Monitor) Resolve(alertID string) error {
	m.mu.Lock()
	alert, ok := m.alerts[alertID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
	}
	alert.Resolved = true
	alert.ResolvedAt = time.Now()
	m.mu.Unlock()

	m.bus.Publish(events.TypeCoherenceAlertResolved, map[string]any{
		"alert_id": alertID,
	})
	return nil
}

// OpenAlerts returns all unresolved alerts.
func (m *Monitor) OpenAlerts() []*CoherenceAlert {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*CoherenceAlert
	for _, alert := range m.alerts {
		if !alert.Resolved {
			out = append(out, alert)
		}
	}
	return out
}

// Report aggregates one system's latest metrics into a letter grade with
// recommendations. Call CheckSystem (or let the loop run) first.
func (m *Monitor) Report(systemID string) *CoherenceReport {
	m.mu.Lock()
	latest := m.latest[systemID]
	var open int
	for _, alert := range m.alerts {
		if alert.SystemID == systemID && !alert.Resolved {
			open++
		}
	}
	m.mu.Unlock()

	report := &CoherenceReport{
		SystemID:    systemID,
		Metrics:     latest,
		OpenAlerts:  open,
		GeneratedAt: time.Now(),
	}

	if len(latest) == 0 {
		report.Grade = "F"
		report.Recommendations = append(report.Recommendations, "no measurements yet; run a monitoring pass")
		return report
	}

	var sum float64
	for _, metric := range latest {
		sum += metric.health()
	}
	report.MeanHealth = sum / float64(len(latest))

	switch {
	case report.MeanHealth >= 0.9:
		report.Grade = "A"
	case report.MeanHealth >= 0.8:
		report.Grade = "B"
	case report.MeanHealth >= 0.7:
		report.Grade = "C"
	case report.MeanHealth >= 0.6:
		report.Grade = "D"
	default:
		report.Grade = "F"
	}

	for _, metric := range latest {
		switch metric.AlertLevel() {
		case AlertEmergency, AlertCritical:
			report.Recommendations = append(report.Recommendations,
				fmt.Sprintf("urgent: %s at %.3f needs immediate intervention", metric.Name, metric.Value))
		case AlertWarning:
			report.Recommendations = append(report.Recommendations,
				fmt.Sprintf("monitor %s closely, currently %.3f", metric.Name, metric.Value))
		}
	}
	if len(report.Recommendations) == 0 {
		report.Recommendations = append(report.Recommendations, "system coherence is healthy; no action needed")
	}

	return report
}
