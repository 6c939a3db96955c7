// ABOUTME: Engine lifecycle event model plus the one-way publish sink boundary.
// ABOUTME: Provides a log-backed publisher and a bounded fan-out broadcaster for live streaming.
package engine

import (
	"log"
	"sync"
	"time"
)

// EventType identifies the kind of engine lifecycle event.
type EventType string

const (
	EventRunStarted   EventType = "run.started"
	EventRunCompleted EventType = "run.completed"
	EventRunAborted   EventType = "run.aborted"
	EventRunFailed    EventType = "run.failed"
	EventRunStalled   EventType = "run.stalled"

	EventCycleStarted   EventType = "cycle.started"
	EventCycleCompleted EventType = "cycle.completed"
	EventCycleSkipped   EventType = "cycle.skipped"

	EventBidScheduled EventType = "bid.scheduled"
	EventBidSubmitted EventType = "bid.submitted"
	EventBidSkipped   EventType = "bid.skipped"

	EventOpRetrying      EventType = "op.retrying"
	EventSolvencyChecked EventType = "solvency.checked"

	EventObligationLocked   EventType = "obligation.locked"
	EventObligationSettled  EventType = "obligation.settled"
	EventObligationRefunded EventType = "obligation.refunded"

	EventReconcileRefunded EventType = "reconcile.refunded"

	EventRecoveryStarted   EventType = "recovery.started"
	EventRecoveryStep      EventType = "recovery.step"
	EventRecoveryCompleted EventType = "recovery.completed"
	EventRecoveryDegraded  EventType = "recovery.degraded"
)

// Event is a lifecycle event emitted during orchestration. Data values must
// already be serialization-safe: monetary amounts are published as strings,
// never as raw decimal or float types.
type Event struct {
	Type      EventType      `json:"type"`
	RunID     string         `json:"run_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher is the one-way event publish sink. Publish must never block on
// downstream consumers and is never awaited for correctness.
type Publisher interface {
	Publish(evt Event)
}

// LogPublisher writes events to the process log. The zero value is usable.
type LogPublisher struct{}

// Publish logs the event type, run id, and payload.
func (LogPublisher) Publish(evt Event) {
	if len(evt.Data) > 0 {
		log.Printf("event %s run=%s %v", evt.Type, evt.RunID, evt.Data)
		return
	}
	log.Printf("event %s run=%s", evt.Type, evt.RunID)
}

// Broadcaster fans events out to subscriber channels for live streaming.
// Delivery is best-effort: a subscriber that falls behind has events dropped
// rather than blocking the engine.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Event)}
}

// Compile-time check that Broadcaster implements Publisher.
var _ Publisher = (*Broadcaster)(nil)

// Subscribe registers a new subscriber and returns its event channel along
// with an unsubscribe func. The channel is buffered; events beyond the
// buffer are dropped for that subscriber.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, 256)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
	}
}

// Publish delivers the event to every subscriber without blocking.
func (b *Broadcaster) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// multiPublisher fans a single emit out to several sinks.
type multiPublisher []Publisher

func (m multiPublisher) Publish(evt Event) {
	for _, p := range m {
		p.Publish(evt)
	}
}

// CombinePublishers merges publishers into one sink, skipping nils.
func CombinePublishers(pubs ...Publisher) Publisher {
	var out multiPublisher
	for _, p := range pubs {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}
