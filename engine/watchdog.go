// ABOUTME: Background watchdog that detects stalled cycles via progress timestamps.
// ABOUTME: Emits run.stalled warnings when a cycle exceeds its timeout without completing.
package engine

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// WatchdogConfig holds configuration for the stall-detection watchdog.
type WatchdogConfig struct {
	StallTimeout  time.Duration // how long before a cycle is considered stalled
	CheckInterval time.Duration // how often to check for stalls
}

// DefaultWatchdogConfig returns a WatchdogConfig with sensible defaults:
// 2 minute stall timeout and 5 second check interval.
func DefaultWatchdogConfig() WatchdogConfig {
	return WatchdogConfig{
		StallTimeout:  2 * time.Minute,
		CheckInterval: 5 * time.Second,
	}
}

// Watchdog monitors in-flight cycles and emits EventRunStalled warnings when
// a cycle has not completed within the configured StallTimeout. It never
// cancels execution -- it is purely an observability tool; a stalled cycle
// is usually waiting on fee escalation or a slow ledger.
type Watchdog struct {
	config WatchdogConfig
	emit   func(Event)
	mu     sync.Mutex
	active map[string]time.Time // cycle key -> start time
	warned map[string]bool      // cycle key -> already warned
}

// NewWatchdog creates a Watchdog with the given config and event sink.
// The sink is called from the watchdog goroutine.
func NewWatchdog(cfg WatchdogConfig, emit func(Event)) *Watchdog {
	if emit == nil {
		emit = func(Event) {}
	}
	return &Watchdog{
		config: cfg,
		emit:   emit,
		active: make(map[string]time.Time),
		warned: make(map[string]bool),
	}
}

// Start launches the background monitoring goroutine. It stops when ctx is
// cancelled.
func (w *Watchdog) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(w.config.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.check()
			}
		}
	}()
}

// CycleStarted records that a cycle has begun. A previously warned key has
// its warning state reset, so a re-run of the key can stall again.
func (w *Watchdog) CycleStarted(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.active[key] = time.Now()
	delete(w.warned, key)
}

// CycleFinished removes a cycle from tracking.
func (w *Watchdog) CycleFinished(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.active, key)
	delete(w.warned, key)
}

// HandleEvent routes engine events to CycleStarted or CycleFinished, so the
// watchdog can sit in the run's event chain without explicit wiring.
func (w *Watchdog) HandleEvent(evt Event) {
	index, ok := evt.Data["index"].(int)
	if !ok {
		return
	}
	key := cycleKey(evt.RunID, index)
	switch evt.Type {
	case EventCycleStarted:
		w.CycleStarted(key)
	case EventCycleCompleted, EventCycleSkipped:
		w.CycleFinished(key)
	}
}

// check inspects all active cycles and emits a stall warning for any that
// exceeded the StallTimeout. Each key is warned at most once until it
// finishes and starts again. Events are emitted outside the lock to prevent
// deadlocks when the sink acquires its own locks.
func (w *Watchdog) check() {
	w.mu.Lock()
	var toEmit []Event
	now := time.Now()
	for key, started := range w.active {
		if w.warned[key] {
			continue
		}
		elapsed := now.Sub(started)
		if elapsed >= w.config.StallTimeout {
			w.warned[key] = true
			toEmit = append(toEmit, Event{
				Type: EventRunStalled,
				Data: map[string]any{
					"cycle":      key,
					"elapsed":    elapsed.String(),
					"timeout":    w.config.StallTimeout.String(),
					"suggestion": "cycle has made no progress; check ledger connectivity and fee baseline",
				},
			})
		}
	}
	w.mu.Unlock()

	for _, evt := range toEmit {
		w.emit(evt)
	}
}

func cycleKey(runID string, n int) string {
	return runID + "/" + strconv.Itoa(n)
}
