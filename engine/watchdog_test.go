// ABOUTME: Tests for the cycle stall watchdog: warning emission, once-only semantics, event routing.
// ABOUTME: Drives check() directly instead of waiting on the background ticker.
package engine

import (
	"testing"
	"time"
)

func TestWatchdogWarnsOnStalledCycle(t *testing.T) {
	var events []Event
	w := NewWatchdog(WatchdogConfig{StallTimeout: time.Nanosecond, CheckInterval: time.Hour}, func(evt Event) {
		events = append(events, evt)
	})

	w.CycleStarted("run-1/0")
	time.Sleep(time.Millisecond)
	w.check()

	if len(events) != 1 {
		t.Fatalf("expected 1 stall warning, got %d", len(events))
	}
	if events[0].Type != EventRunStalled {
		t.Errorf("expected %s, got %s", EventRunStalled, events[0].Type)
	}

	// A stalled cycle is warned once, not on every check.
	w.check()
	if len(events) != 1 {
		t.Errorf("expected no repeat warning, got %d events", len(events))
	}
}

func TestWatchdogFinishedCycleNotWarned(t *testing.T) {
	var events []Event
	w := NewWatchdog(WatchdogConfig{StallTimeout: time.Nanosecond, CheckInterval: time.Hour}, func(evt Event) {
		events = append(events, evt)
	})

	w.CycleStarted("run-1/0")
	w.CycleFinished("run-1/0")
	time.Sleep(time.Millisecond)
	w.check()

	if len(events) != 0 {
		t.Errorf("finished cycle must not warn, got %d events", len(events))
	}
}

func TestWatchdogHandleEventRouting(t *testing.T) {
	w := NewWatchdog(DefaultWatchdogConfig(), nil)

	w.HandleEvent(Event{Type: EventCycleStarted, RunID: "run-1", Data: map[string]any{"index": 0}})
	w.mu.Lock()
	active := len(w.active)
	w.mu.Unlock()
	if active != 1 {
		t.Fatalf("expected 1 active cycle, got %d", active)
	}

	w.HandleEvent(Event{Type: EventCycleCompleted, RunID: "run-1", Data: map[string]any{"index": 0}})
	w.mu.Lock()
	active = len(w.active)
	w.mu.Unlock()
	if active != 0 {
		t.Errorf("expected no active cycles after completion, got %d", active)
	}

	// Events without a cycle index are ignored.
	w.HandleEvent(Event{Type: EventCycleStarted, RunID: "run-1"})
	w.mu.Lock()
	active = len(w.active)
	w.mu.Unlock()
	if active != 0 {
		t.Errorf("index-less event must not register a cycle, got %d", active)
	}
}
