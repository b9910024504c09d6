// Copyright (C) 2026 TRM-OS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package events

import (
	"testing"
	"time"
)

func TestSubscribeReceivesMatchingTypes(t *testing.T) {
	emitter := NewEmitter()

	var received []Type
	emitter.Subscribe(func(event *Event) {
		received = append(received, event.Type)
	}, TypeExperienceCollected)

	emitter.Publish(TypeExperienceCollected, map[string]any{"experience_id": "e1"})
	emitter.Publish(TypePatternDiscovered, map[string]any{"pattern_id": "p1"})
	emitter.Publish(TypeExperienceCollected, map[string]any{"experience_id": "e2"})

	if len(received) != 2 {
		t.Fatalf("expected 2 events, got %d", len(received))
	}
	for _, eventType := range received {
		if eventType != TypeExperienceCollected {
			t.Errorf("unexpected event type %s", eventType)
		}
	}
}

func TestSubscribeAllTypes(t *testing.T) {
	emitter := NewEmitter()

	var count int
	emitter.Subscribe(func(event *Event) { count++ })

	emitter.Publish(TypeExperienceCollected, nil)
	emitter.Publish(TypeWINCalculated, nil)
	emitter.Publish(TypeCoherenceAlertRaised, nil)

	if count != 3 {
		t.Errorf("expected 3 events, got %d", count)
	}
}

func TestUnsubscribe(t *testing.T) {
	emitter := NewEmitter()

	var count int
	id := emitter.Subscribe(func(event *Event) { count++ })

	emitter.Publish(TypeExperienceCollected, nil)
	if !emitter.Unsubscribe(id) {
		t.Fatal("expected unsubscribe to succeed")
	}
	emitter.Publish(TypeExperienceCollected, nil)

	if count != 1 {
		t.Errorf("expected 1 event after unsubscribe, got %d", count)
	}
	if emitter.Unsubscribe(id) {
		t.Error("expected second unsubscribe to fail")
	}
}

func TestSubscribeWithFilter(t *testing.T) {
	emitter := NewEmitter()

	var count int
	emitter.SubscribeWithFilter(
		func(event *Event) { count++ },
		func(event *Event) bool {
			success, _ := event.Payload["success"].(bool)
			return success
		},
	)

	emitter.Publish(TypeExperienceCollected, map[string]any{"success": true})
	emitter.Publish(TypeExperienceCollected, map[string]any{"success": false})

	if count != 1 {
		t.Errorf("expected 1 filtered event, got %d", count)
	}
}

func TestPanickingHandlerDoesNotCrashEmitter(t *testing.T) {
	emitter := NewEmitter()

	emitter.Subscribe(func(event *Event) { panic("boom") })

	var survived int
	emitter.Subscribe(func(event *Event) { survived++ })

	emitter.Publish(TypeExperienceCollected, nil)

	if survived != 1 {
		t.Errorf("expected surviving handler to run once, got %d", survived)
	}
}

func TestBufferBounded(t *testing.T) {
	emitter := NewEmitter(WithBufferSize(3))

	for i := 0; i < 5; i++ {
		emitter.Publish(TypeSystemMetrics, map[string]any{"seq": i})
	}

	buffer := emitter.Buffer()
	if len(buffer) != 3 {
		t.Fatalf("expected buffer of 3, got %d", len(buffer))
	}
	if seq := buffer[0].Payload["seq"].(int); seq != 2 {
		t.Errorf("expected oldest buffered seq 2, got %d", seq)
	}
}

func TestBufferByTypeAndSince(t *testing.T) {
	emitter := NewEmitter()

	emitter.Publish(TypeExperienceCollected, nil)
	cutoff := time.Now()
	time.Sleep(time.Millisecond)
	emitter.Publish(TypePatternDiscovered, nil)

	byType := emitter.BufferByType(TypePatternDiscovered)
	if len(byType) != 1 {
		t.Errorf("expected 1 pattern event, got %d", len(byType))
	}

	since := emitter.BufferSince(cutoff)
	if len(since) != 1 {
		t.Errorf("expected 1 event after cutoff, got %d", len(since))
	}
}

func TestEmitterSourceAttached(t *testing.T) {
	emitter := NewEmitter(WithSource("test_source"))

	emitter.Publish(TypeSystemMetrics, nil)

	buffer := emitter.Buffer()
	if len(buffer) != 1 || buffer[0].Source != "test_source" {
		t.Errorf("expected source test_source on buffered event")
	}
}

func TestMockBusRecordsEvents(t *testing.T) {
	bus := NewMockBus()

	bus.Publish(TypeWINCalculated, map[string]any{"probability": 0.7})
	bus.Publish(TypeOptimizationCompleted, nil)

	if bus.EventCount() != 2 {
		t.Errorf("expected 2 recorded events, got %d", bus.EventCount())
	}
	if len(bus.EventsByType(TypeWINCalculated)) != 1 {
		t.Errorf("expected 1 win_calculated event")
	}

	bus.Clear()
	if bus.EventCount() != 0 {
		t.Errorf("expected empty bus after clear")
	}
}
