// ABOUTME: In-memory shadow set of in-flight ledger obligations used for abort-safe recovery.
// ABOUTME: Advisory only: the ledger owns true obligation state and the snapshot must tolerate being stale.
package engine

import "sync"

// ObligationTracker holds the ids of obligations whose creation has been
// confirmed but whose resolution has not. It says nothing about the ledger's
// true state, which may have resolved an id out-of-band; consumers doing
// cleanup must treat already-resolved ids as benign.
//
// Safe for concurrent use: the cycle engine and bid scheduler register and
// resolve concurrently, and abort cleanup reads snapshots.
type ObligationTracker struct {
	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewObligationTracker creates an empty tracker.
func NewObligationTracker() *ObligationTracker {
	return &ObligationTracker{inFlight: make(map[string]struct{})}
}

// Register records an obligation id the moment its creation is confirmed.
func (t *ObligationTracker) Register(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlight[id] = struct{}{}
}

// Resolve removes an obligation id the moment settlement or refund is
// confirmed. Resolving an unknown id is a no-op.
func (t *ObligationTracker) Resolve(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inFlight, id)
}

// Snapshot returns the ids currently believed to be locked. The result is a
// copy; order is non-deterministic.
func (t *ObligationTracker) Snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.inFlight))
	for id := range t.inFlight {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of in-flight obligations.
func (t *ObligationTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inFlight)
}
