// ABOUTME: Per-identity submission ordering gate built as a chained FIFO of waiters.
// ABOUTME: Guarantees sequence numbers for one identity are handed out in call order with no poison on failure.
package ledger

import (
	"context"
	"fmt"
	"sync"
)

// Sequencer serializes sequence-number allocation per signing identity.
// Many logical tasks may submit operations from the same identity
// concurrently; the sequencer guarantees that the ledger's pending-sequence
// view is read only after every previously allocated number for that
// identity has been used or abandoned, so numbers come out strictly
// increasing in call order.
//
// Each Acquire call links itself onto the identity's chain, waits for its
// predecessor to release, reads the pending sequence, and returns a release
// func the caller must invoke once the number has been durably used or
// abandoned. A failed ledger read still releases the chain: failures
// propagate to the caller without wedging subsequent callers.
type Sequencer struct {
	client Client

	mu    sync.Mutex
	tails map[string]chan struct{}
}

// NewSequencer creates a Sequencer reading pending sequences from client.
func NewSequencer(client Client) *Sequencer {
	return &Sequencer{
		client: client,
		tails:  make(map[string]chan struct{}),
	}
}

// Acquire blocks until all earlier allocations for the identity have been
// released, then returns the next sequence number and a release func.
// Release is idempotent and must be called exactly when the caller is done
// with the number (submitted or abandoned). On error the chain has already
// been released and the returned release func is a no-op.
func (s *Sequencer) Acquire(ctx context.Context, id Identity) (uint64, func(), error) {
	done := make(chan struct{})
	release := sync.OnceFunc(func() { close(done) })

	s.mu.Lock()
	prev := s.tails[id.Name]
	s.tails[id.Name] = done
	s.mu.Unlock()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			// Abandon our slot, but only pass the baton once the predecessor
			// has released: a later caller must never overtake an allocation
			// that is still outstanding.
			go func() {
				<-prev
				release()
			}()
			return 0, func() {}, ctx.Err()
		}
	}

	seq, err := s.client.PendingSequence(ctx, id)
	if err != nil {
		release()
		return 0, func() {}, fmt.Errorf("pending sequence for %s: %w", id.Name, err)
	}

	return seq, release, nil
}

// Pending reports how many identities currently have an unreleased tail.
// Diagnostic only; the result is immediately stale.
func (s *Sequencer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, tail := range s.tails {
		select {
		case <-tail:
		default:
			n++
		}
	}
	return n
}
