// ABOUTME: Defines RunState, CycleRecord, and the RunStore interface for tracking run lifecycle.
// ABOUTME: Run IDs are ULIDs; a RunState is mutated only by the owning controller and frozen once terminal.
package engine

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle status of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted || s == StatusFailed
}

// Bid is one participant's accepted bid within a cycle.
type Bid struct {
	Identity string          `json:"identity"`
	Amount   decimal.Decimal `json:"amount"`
}

// CycleRecord captures the outcome of a single lock -> settle -> refund round.
// Appended to RunState.Cycles when the cycle finishes, success or partial.
type CycleRecord struct {
	Index              int             `json:"index"`
	Bids               []Bid           `json:"bids"`
	ObligationIDs      []string        `json:"obligation_ids"`
	WinnerObligationID string          `json:"winner_obligation_id,omitempty"`
	SettlementRef      string          `json:"settlement_ref,omitempty"`
	RefundRefs         []string        `json:"refund_refs,omitempty"`
	Solvent            bool            `json:"solvent"`
	SolvencyMargin     decimal.Decimal `json:"solvency_margin"`
	FeeSpent           decimal.Decimal `json:"fee_spent"`
	Skipped            bool            `json:"skipped,omitempty"`
}

// Totals aggregates statistics across a run's cycles.
type Totals struct {
	CyclesRun     int             `json:"cycles_run"`
	CyclesSkipped int             `json:"cycles_skipped"`
	Settlements   int             `json:"settlements"`
	Refunds       int             `json:"refunds"`
	FeeSpent      decimal.Decimal `json:"fee_spent"`
}

// RunState is the full state of a single orchestration run. It is created at
// run start, mutated only by the owning controller goroutine, persisted on
// every terminal transition, and immutable once Status is terminal.
type RunState struct {
	ID          string        `json:"id"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Status      Status        `json:"status"`
	Cycles      []CycleRecord `json:"cycles"`
	Totals      Totals        `json:"totals"`
	Error       string        `json:"error,omitempty"`
}

// RunStore is the persistence boundary for run history. Save has
// upsert-by-id semantics. Store failures are logged by callers and never
// abort a run: correctness does not depend on persistence succeeding.
type RunStore interface {
	Save(state *RunState) error
	LoadRecent(n int) ([]*RunState, error)
}

// NewRunID generates a ULID run identifier using crypto/rand entropy.
func NewRunID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// NewRunState creates a RunState in the running status with a fresh ID.
func NewRunState() *RunState {
	return &RunState{
		ID:        NewRunID(),
		StartedAt: time.Now().UTC(),
		Status:    StatusRunning,
		Totals:    Totals{FeeSpent: decimal.Zero},
	}
}

// Finish transitions the run to a terminal status, stamping completion time.
// Calling Finish on an already-terminal run is a no-op: terminal statuses are
// recorded once and never mutated.
func (s *RunState) Finish(status Status, errMsg string) {
	if s.Status.Terminal() {
		return
	}
	now := time.Now().UTC()
	s.CompletedAt = &now
	s.Status = status
	s.Error = errMsg
}

// Accumulate folds a finished cycle record into the run's cycles and totals.
func (s *RunState) Accumulate(rec CycleRecord) {
	s.Cycles = append(s.Cycles, rec)
	if rec.Skipped {
		s.Totals.CyclesSkipped++
		return
	}
	s.Totals.CyclesRun++
	if rec.SettlementRef != "" {
		s.Totals.Settlements++
	}
	s.Totals.Refunds += len(rec.RefundRefs)
	s.Totals.FeeSpent = s.Totals.FeeSpent.Add(rec.FeeSpent)
}
