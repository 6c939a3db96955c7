// ABOUTME: Tests for the compensation stack used during partial-failure unwinds.
// ABOUTME: Verifies reverse-order execution, error collection, and drain semantics.
package engine

import (
	"context"
	"errors"
	"testing"
)

func TestCompensationUnwindRunsInReverse(t *testing.T) {
	s := NewCompensationStack()
	var order []string

	for _, label := range []string{"first", "second", "third"} {
		s.Push(label, func(ctx context.Context) error {
			order = append(order, label)
			return nil
		})
	}

	errs := s.Unwind(context.Background())
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	want := []string{"third", "second", "first"}
	for i, label := range want {
		if order[i] != label {
			t.Errorf("position %d: expected %s, got %s", i, label, order[i])
		}
	}
}

func TestCompensationUnwindCollectsErrors(t *testing.T) {
	s := NewCompensationStack()
	boom := errors.New("refund rejected")

	s.Push("ok", func(ctx context.Context) error { return nil })
	s.Push("bad", func(ctx context.Context) error { return boom })

	errs := s.Unwind(context.Background())
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %d", len(errs))
	}
	if !errors.Is(errs[0], boom) {
		t.Errorf("expected wrapped cause, got %v", errs[0])
	}
}

func TestCompensationUnwindDrains(t *testing.T) {
	s := NewCompensationStack()
	s.Push("once", func(ctx context.Context) error { return nil })

	s.Unwind(context.Background())
	if s.Len() != 0 {
		t.Fatalf("expected drained stack, got len %d", s.Len())
	}
	if errs := s.Unwind(context.Background()); len(errs) != 0 {
		t.Errorf("second unwind should be a no-op, got %v", errs)
	}
}
