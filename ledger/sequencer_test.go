// ABOUTME: Tests for per-identity sequence allocation ordering, gap-freedom, and failure isolation.
// ABOUTME: Covers concurrent callers, chain continuation after errors, and cancellation handoff.
package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testIdentity(name string) Identity {
	return Identity{Name: name, Role: RoleParticipant, Key: "k-" + name}
}

// useSequence simulates durably using an allocated number by submitting an
// operation from the identity, which advances the ledger's pending sequence.
func useSequence(t *testing.T, m *MemLedger, id Identity) {
	t.Helper()
	if _, err := m.Approve(context.Background(), id, decimal.NewFromInt(1), decimal.NewFromInt(10)); err != nil {
		t.Fatalf("approve to consume sequence: %v", err)
	}
}

// --- ordering ---

func TestAcquireSequentialNumbers(t *testing.T) {
	m := NewMemLedger()
	s := NewSequencer(m)
	id := testIdentity("alice")

	for want := uint64(0); want < 5; want++ {
		seq, release, err := s.Acquire(context.Background(), id)
		if err != nil {
			t.Fatalf("acquire %d: %v", want, err)
		}
		if seq != want {
			t.Errorf("expected sequence %d, got %d", want, seq)
		}
		useSequence(t, m, id)
		release()
	}
}

func TestAcquireConcurrentGapFreeIncreasing(t *testing.T) {
	m := NewMemLedger()
	s := NewSequencer(m)
	id := testIdentity("alice")

	const n = 16
	var mu sync.Mutex
	var completed []uint64

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, release, err := s.Acquire(context.Background(), id)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			useSequence(t, m, id)
			mu.Lock()
			completed = append(completed, seq)
			mu.Unlock()
			release()
		}()
		// Stagger launches so enqueue order matches loop order.
		time.Sleep(2 * time.Millisecond)
	}
	wg.Wait()

	if len(completed) != n {
		t.Fatalf("expected %d completions, got %d", n, len(completed))
	}
	for i, seq := range completed {
		if seq != uint64(i) {
			t.Errorf("completion %d: expected sequence %d, got %d", i, i, seq)
		}
	}
}

func TestAcquireIndependentIdentitiesDoNotBlock(t *testing.T) {
	m := NewMemLedger()
	s := NewSequencer(m)
	alice := testIdentity("alice")
	bob := testIdentity("bob")

	// Hold alice's chain open; bob must still be able to allocate.
	_, releaseAlice, err := s.Acquire(context.Background(), alice)
	if err != nil {
		t.Fatalf("acquire alice: %v", err)
	}
	defer releaseAlice()

	done := make(chan struct{})
	go func() {
		defer close(done)
		seq, release, err := s.Acquire(context.Background(), bob)
		if err != nil {
			t.Errorf("acquire bob: %v", err)
			return
		}
		if seq != 0 {
			t.Errorf("expected bob sequence 0, got %d", seq)
		}
		release()
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bob's allocation blocked on alice's chain")
	}
}

// --- failure isolation ---

func TestAcquireFailureDoesNotPoisonChain(t *testing.T) {
	m := NewMemLedger()
	s := NewSequencer(m)
	id := testIdentity("alice")

	seq, release, err := s.Acquire(context.Background(), id)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if seq != 0 {
		t.Errorf("expected sequence 0, got %d", seq)
	}
	useSequence(t, m, id)
	release()

	readErr := errors.New("ledger unavailable")
	m.FailNext("sequence", readErr)

	if _, _, err := s.Acquire(context.Background(), id); err == nil {
		t.Fatal("expected second acquire to fail")
	} else if !errors.Is(err, readErr) {
		t.Errorf("expected wrapped ledger error, got %v", err)
	}

	// The chain must keep moving for the next caller.
	seq, release, err = s.Acquire(context.Background(), id)
	if err != nil {
		t.Fatalf("third acquire after failure: %v", err)
	}
	if seq != 1 {
		t.Errorf("expected sequence 1, got %d", seq)
	}
	release()
}

func TestAcquireCancelledWaiterDoesNotOvertake(t *testing.T) {
	m := NewMemLedger()
	s := NewSequencer(m)
	id := testIdentity("alice")

	_, releaseFirst, err := s.Acquire(context.Background(), id)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := s.Acquire(cancelled, id); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// A third caller queued behind the cancelled waiter must not proceed
	// until the first allocation is released.
	got := make(chan uint64, 1)
	go func() {
		seq, release, err := s.Acquire(context.Background(), id)
		if err != nil {
			t.Errorf("third acquire: %v", err)
			return
		}
		defer release()
		got <- seq
	}()

	select {
	case seq := <-got:
		t.Fatalf("third caller overtook outstanding allocation with sequence %d", seq)
	case <-time.After(100 * time.Millisecond):
	}

	useSequence(t, m, id)
	releaseFirst()

	select {
	case seq := <-got:
		if seq != 1 {
			t.Errorf("expected sequence 1 after release, got %d", seq)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("third caller never unblocked after release")
	}
}
