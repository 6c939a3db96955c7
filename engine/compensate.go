// ABOUTME: Compensating-transaction stack for abort and shutdown cleanup.
// ABOUTME: Every acquired resource pushes a compensation; on abort they run in reverse, best-effort.
package engine

import (
	"context"
	"fmt"
	"sync"
)

type compensation struct {
	label string
	fn    func(ctx context.Context) error
}

// CompensationStack collects cleanup closures as resources are acquired
// during a run. On abort the stack is unwound in reverse acquisition order,
// independent of where in the call graph the abort occurred. Unwinding is
// best-effort: one compensation's failure never blocks the rest.
type CompensationStack struct {
	mu    sync.Mutex
	steps []compensation
}

// NewCompensationStack creates an empty stack.
func NewCompensationStack() *CompensationStack {
	return &CompensationStack{}
}

// Push registers a compensation to run if the stack is unwound.
func (s *CompensationStack) Push(label string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, compensation{label: label, fn: fn})
}

// Len returns the number of pending compensations.
func (s *CompensationStack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}

// Unwind pops and runs every compensation in reverse order, draining the
// stack. Failures are collected and returned, labeled by step; they never
// stop the unwind. The ctx lets compensations issue their own I/O even when
// the run's own context is already cancelled.
func (s *CompensationStack) Unwind(ctx context.Context) []error {
	s.mu.Lock()
	steps := s.steps
	s.steps = nil
	s.mu.Unlock()

	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if err := step.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("compensate %s: %w", step.label, err))
		}
	}
	return errs
}
