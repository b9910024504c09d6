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
)

func newTestMonitor(t *testing.T, systems ...*System) (*Monitor, *events.MockBus) {
	t.Helper()
	bus := events.NewMockBus()
	supplier := func() []*System { return systems }
	return NewMonitor(DefaultConfig().Monitor, supplier, bus, nil, nil), bus
}

func healthySystem(t *testing.T) *System {
	t.Helper()
	sys := NewSystem("healthy", "")
	a := NewState(StateCoherence, "a", complex(0.95, 0), 0.001)
	b := NewState(StateCoherence, "b", complex(0.95, 0), 0.001)
	sys.AddState(a)
	sys.AddState(b)
	if err := sys.Entangle(a.ID, b.ID); err != nil {
		t.Fatalf("entangle: %v", err)
	}
	return sys
}

func degradedSystem(t *testing.T) *System {
	t.Helper()
	sys := NewSystem("degraded", "")
	sys.AddState(NewState(StateDecoherence, "weak", complex(0.3, 0), 0.001))
	return sys
}

func TestMetricAlertLevels(t *testing.T) {
	base := CoherenceMetric{
		WarningThreshold:   0.6,
		CriticalThreshold:  0.4,
		EmergencyThreshold: 0.2,
	}

	cases := []struct {
		value    float64
		inverted bool
		want     AlertLevel
	}{
		{0.9, false, AlertInfo},
		{0.5, false, AlertWarning},
		{0.3, false, AlertCritical},
		{0.1, false, AlertEmergency},
		{0.1, true, AlertInfo},     // health 0.9
		{0.9, true, AlertEmergency}, // health 0.1
	}
	for _, tc := range cases {
		metric := base
		metric.Value = tc.value
		metric.Inverted = tc.inverted
		if got := metric.AlertLevel(); got != tc.want {
			t.Errorf("value=%v inverted=%v: expected %s, got %s", tc.value, tc.inverted, tc.want, got)
		}
	}
}

func TestAlertLevelEscalationSaturates(t *testing.T) {
	if got := AlertInfo.escalate(); got != AlertWarning {
		t.Errorf("expected INFO -> WARNING, got %s", got)
	}
	if got := AlertWarning.escalate(); got != AlertCritical {
		t.Errorf("expected WARNING -> CRITICAL, got %s", got)
	}
	if got := AlertCritical.escalate(); got != AlertEmergency {
		t.Errorf("expected CRITICAL -> EMERGENCY, got %s", got)
	}
	if got := AlertEmergency.escalate(); got != AlertEmergency {
		t.Errorf("expected EMERGENCY to saturate, got %s", got)
	}
}

func TestCheckSystemComputesFourMetrics(t *testing.T) {
	sys := healthySystem(t)
	monitor, _ := newTestMonitor(t, sys)

	computed := monitor.CheckSystem(sys)
	if len(computed) != 4 {
		t.Fatalf("expected 4 metrics, got %d", len(computed))
	}

	byName := make(map[string]*CoherenceMetric, len(computed))
	for _, metric := range computed {
		byName[metric.Name] = metric
	}
	for _, name := range []string{"system_coherence", "state_stability", "entanglement_strength", "decoherence_rate"} {
		if byName[name] == nil {
			t.Errorf("missing metric %s", name)
		}
	}

	// Two states, one entangled pair out of one possible.
	if byName["entanglement_strength"].Value != 1 {
		t.Errorf("expected full entanglement, got %v", byName["entanglement_strength"].Value)
	}
	// Fresh high-amplitude states give coherence near 0.9.
	if byName["system_coherence"].Value < 0.85 {
		t.Errorf("expected high coherence, got %v", byName["system_coherence"].Value)
	}
	if !byName["decoherence_rate"].Inverted {
		t.Errorf("expected decoherence_rate to be inverted")
	}

	if n := len(monitor.OpenAlerts()); n != 0 {
		t.Errorf("healthy system raised %d alerts", n)
	}
}

func TestCheckSystemRaisesAlertsWithCooldown(t *testing.T) {
	sys := degradedSystem(t)
	monitor, bus := newTestMonitor(t, sys)

	monitor.CheckSystem(sys)
	raised := len(monitor.OpenAlerts())
	if raised == 0 {
		t.Fatalf("expected alerts for degraded system")
	}
	if n := len(bus.EventsByType(events.TypeCoherenceAlertRaised)); n != raised {
		t.Errorf("expected %d alert events, got %d", raised, n)
	}

	// A second pass inside the cooldown window raises nothing new.
	monitor.CheckSystem(sys)
	if n := len(monitor.OpenAlerts()); n != raised {
		t.Errorf("expected cooldown to suppress duplicates: %d -> %d", raised, n)
	}
}

func TestEscalateStaleAlerts(t *testing.T) {
	monitor, bus := newTestMonitor(t)

	stale := &CoherenceAlert{
		ID: "stale", SystemID: "sys", MetricName: "system_coherence",
		Level: AlertWarning, RaisedAt: time.Now().Add(-time.Hour),
	}
	acked := &CoherenceAlert{
		ID: "acked", SystemID: "sys", MetricName: "state_stability",
		Level: AlertWarning, RaisedAt: time.Now().Add(-time.Hour), Acknowledged: true,
	}
	fresh := &CoherenceAlert{
		ID: "fresh", SystemID: "sys", MetricName: "decoherence_rate",
		Level: AlertWarning, RaisedAt: time.Now(),
	}
	monitor.mu.Lock()
	monitor.alerts[stale.ID] = stale
	monitor.alerts[acked.ID] = acked
	monitor.alerts[fresh.ID] = fresh
	monitor.mu.Unlock()

	monitor.escalateStale()

	if stale.Level != AlertCritical || !stale.Escalated {
		t.Errorf("expected stale alert escalated to CRITICAL, got %s escalated=%v", stale.Level, stale.Escalated)
	}
	if acked.Level != AlertWarning {
		t.Errorf("acknowledged alert must not escalate, got %s", acked.Level)
	}
	if fresh.Level != AlertWarning {
		t.Errorf("fresh alert must not escalate, got %s", fresh.Level)
	}
	if n := len(bus.EventsByType(events.TypeCoherenceAlertRaised)); n != 1 {
		t.Errorf("expected 1 escalation event, got %d", n)
	}

	// Escalation happens at most once per alert.
	monitor.escalateStale()
	if stale.Level != AlertCritical {
		t.Errorf("expected single escalation, got %s", stale.Level)
	}
}

func TestAlertLifecycle(t *testing.T) {
	sys := degradedSystem(t)
	monitor, bus := newTestMonitor(t, sys)
	monitor.CheckSystem(sys)

	open := monitor.OpenAlerts()
	if len(open) == 0 {
		t.Fatalf("expected open alerts")
	}
	alert := open[0]

	if err := monitor.Acknowledge(alert.ID); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if !alert.Acknowledged || alert.AcknowledgedAt.IsZero() {
		t.Errorf("expected acknowledged alert with timestamp")
	}
	if n := len(bus.EventsByType(events.TypeCoherenceAlertAcknowledged)); n != 1 {
		t.Errorf("expected 1 acknowledge event, got %d", n)
	}

	if err := monitor.Resolve(alert.ID); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(monitor.OpenAlerts()) != len(open)-1 {
		t.Errorf("expected resolved alert dropped from open set")
	}

	if err := monitor.Acknowledge("missing"); !errors.Is(err, ErrAlertNotFound) {
		t.Errorf("expected ErrAlertNotFound, got %v", err)
	}
	if err := monitor.Resolve("missing"); !errors.Is(err, ErrAlertNotFound) {
		t.Errorf("expected ErrAlertNotFound, got %v", err)
	}
}

func TestReportGrading(t *testing.T) {
	sys := healthySystem(t)
	monitor, _ := newTestMonitor(t, sys)

	// No measurements yet.
	report := monitor.Report(sys.ID)
	if report.Grade != "F" {
		t.Errorf("expected F before any measurement, got %s", report.Grade)
	}
	if len(report.Recommendations) != 1 {
		t.Errorf("expected a run-a-pass recommendation, got %v", report.Recommendations)
	}

	monitor.CheckSystem(sys)
	report = monitor.Report(sys.ID)
	if report.Grade != "A" {
		t.Errorf("expected grade A for healthy system (mean %v), got %s", report.MeanHealth, report.Grade)
	}
	if report.OpenAlerts != 0 {
		t.Errorf("expected no open alerts, got %d", report.OpenAlerts)
	}
	if len(report.Metrics) != 4 {
		t.Errorf("expected 4 metrics in report, got %d", len(report.Metrics))
	}

	degraded := degradedSystem(t)
	monitor2, _ := newTestMonitor(t, degraded)
	monitor2.CheckSystem(degraded)
	report = monitor2.Report(degraded.ID)
	if report.Grade == "A" || report.Grade == "B" {
		t.Errorf("expected poor grade for degraded system, got %s", report.Grade)
	}
	if report.OpenAlerts == 0 {
		t.Errorf("expected open alerts in degraded report")
	}
}

func TestMonitorStartStop(t *testing.T) {
	config := DefaultConfig().Monitor
	config.Interval = 10 * time.Millisecond
	bus := events.NewMockBus()
	monitor := NewMonitor(config, func() []*System { return nil }, bus, nil, nil)

	ctx := context.Background()
	if err := monitor.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := monitor.Start(ctx); !errors.Is(err, ErrManagerRunning) {
		t.Errorf("expected ErrManagerRunning on double start, got %v", err)
	}
	if err := monitor.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := monitor.Stop(); !errors.Is(err, ErrManagerNotRunning) {
		t.Errorf("expected ErrManagerNotRunning on double stop, got %v", err)
	}
}
