// ABOUTME: Post-run recovery: sweep stranded escrow and external balances back to the custodian,
// ABOUTME: then replenish participants to their working float, under an independent hard timeout.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/voltaic-labs/carousel/ledger"
)

// RecoveryConfig shapes the sweep-and-replenish pass.
type RecoveryConfig struct {
	// Timeout is the hard wall-clock bound on the whole pass. Recovery runs
	// under its own context, not the run's: a cancelled run must still get
	// its funds swept home.
	Timeout time.Duration
	// ReplenishTarget is the escrow float each participant is topped up to
	// after the sweep.
	ReplenishTarget decimal.Decimal
	// DustThreshold is the balance below which sweeping is not worth a fee.
	DustThreshold decimal.Decimal
}

// RecoveryCoordinator consolidates funds after a run: participant and seller
// escrow is withdrawn, external balances are swept to the custodian, and
// participants are re-funded for the next run. Each step tolerates
// per-identity failures; a deadline overrun marks the pass degraded instead
// of wedging the controller.
type RecoveryCoordinator struct {
	client ledger.Client
	seq    *ledger.Sequencer
	sender *ledger.Sender
	emit   func(Event)
	cfg    RecoveryConfig

	custodian    ledger.Identity
	seller       ledger.Identity
	participants []ledger.Identity

	mu     sync.Mutex
	active bool
}

// NewRecoveryCoordinator wires a coordinator for the given roster.
func NewRecoveryCoordinator(
	client ledger.Client,
	seq *ledger.Sequencer,
	sender *ledger.Sender,
	emit func(Event),
	custodian, seller ledger.Identity,
	participants []ledger.Identity,
	cfg RecoveryConfig,
) *RecoveryCoordinator {
	if emit == nil {
		emit = func(Event) {}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 4 * time.Minute
	}
	if cfg.DustThreshold.IsZero() {
		cfg.DustThreshold = decimal.NewFromInt(1)
	}
	return &RecoveryCoordinator{
		client:       client,
		seq:          seq,
		sender:       sender,
		emit:         emit,
		cfg:          cfg,
		custodian:    custodian,
		seller:       seller,
		participants: participants,
	}
}

// Recovering reports whether a pass is currently running. The controller
// refuses new runs while this is true.
func (rc *RecoveryCoordinator) Recovering() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.active
}

// Run executes the full pass. It deliberately ignores the caller's context
// for cancellation and uses its own timeout scope, so an aborted run still
// gets swept. Returns the number of step errors encountered; a nonzero count
// with a nil error means the pass completed degraded but did not wedge.
func (rc *RecoveryCoordinator) Run(runID string) int {
	rc.mu.Lock()
	if rc.active {
		rc.mu.Unlock()
		return 0
	}
	rc.active = true
	rc.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), rc.cfg.Timeout)
	defer cancel()

	rc.emit(Event{Type: EventRecoveryStarted, RunID: runID, Data: map[string]any{
		"timeout": rc.cfg.Timeout.String(),
	}})

	failures := 0
	steps := []struct {
		name string
		fn   func(context.Context) []error
	}{
		{"withdraw custodian escrow", rc.withdrawEscrow0},
		{"sweep seller", rc.sweepSeller},
		{"sweep participants", rc.sweepParticipants},
		{"resweep residue", rc.sweepResidue},
		{"replenish participants", rc.replenish},
	}
	for _, step := range steps {
		if ctx.Err() != nil {
			break
		}
		for _, err := range step.fn(ctx) {
			failures++
			rc.emit(Event{Type: EventRecoveryStep, RunID: runID, Data: map[string]any{
				"step":  step.name,
				"error": err.Error(),
			}})
		}
	}

	rc.mu.Lock()
	rc.active = false
	rc.mu.Unlock()

	if ctx.Err() != nil {
		rc.emit(Event{Type: EventRecoveryDegraded, RunID: runID, Data: map[string]any{
			"reason":   "deadline exceeded",
			"failures": failures,
		}})
		return failures
	}
	rc.emit(Event{Type: EventRecoveryCompleted, RunID: runID, Data: map[string]any{
		"failures": failures,
	}})
	return failures
}

// withdrawEscrow0 pulls the custodian's own free escrow back out so the
// later reserve check sees the full external balance.
func (rc *RecoveryCoordinator) withdrawEscrow0(ctx context.Context) []error {
	if err := rc.withdrawFree(ctx, rc.custodian); err != nil {
		return []error{err}
	}
	return nil
}

// sweepSeller withdraws the seller's settlement proceeds and transfers them
// to the custodian.
func (rc *RecoveryCoordinator) sweepSeller(ctx context.Context) []error {
	var errs []error
	if err := rc.withdrawFree(ctx, rc.seller); err != nil {
		errs = append(errs, err)
	}
	if err := rc.transferExternal(ctx, rc.seller); err != nil {
		errs = append(errs, err)
	}
	return errs
}

// sweepParticipants does the same per participant. One identity's failure
// never blocks the others.
func (rc *RecoveryCoordinator) sweepParticipants(ctx context.Context) []error {
	var errs []error
	for _, p := range rc.participants {
		if ctx.Err() != nil {
			break
		}
		if err := rc.withdrawFree(ctx, p); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := rc.transferExternal(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// sweepResidue catches balances freed between the first sweep and now, such
// as refunds that landed late.
func (rc *RecoveryCoordinator) sweepResidue(ctx context.Context) []error {
	var errs []error
	for _, id := range append([]ledger.Identity{rc.seller}, rc.participants...) {
		if ctx.Err() != nil {
			break
		}
		ext, err := rc.client.ExternalBalanceOf(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("residue check %s: %w", id.Name, err))
			continue
		}
		if ext.LessThanOrEqual(rc.cfg.DustThreshold) {
			continue
		}
		if err := rc.transferExternal(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// replenish tops each participant's escrow back up to the working float:
// custodian transfers external funds, the participant approves, deposits.
func (rc *RecoveryCoordinator) replenish(ctx context.Context) []error {
	target := rc.cfg.ReplenishTarget
	if target.IsZero() {
		return nil
	}
	var errs []error
	for _, p := range rc.participants {
		if ctx.Err() != nil {
			break
		}
		escrow, err := rc.client.BalanceOf(ctx, p)
		if err != nil {
			errs = append(errs, fmt.Errorf("replenish read %s: %w", p.Name, err))
			continue
		}
		need := target.Sub(escrow)
		if need.LessThanOrEqual(rc.cfg.DustThreshold) {
			continue
		}
		if err := rc.fund(ctx, p, need); err != nil {
			errs = append(errs, fmt.Errorf("replenish %s: %w", p.Name, err))
		}
	}
	return errs
}

// withdrawFree withdraws the identity's free escrow balance, skipping dust
// and identities that are fully locked.
func (rc *RecoveryCoordinator) withdrawFree(ctx context.Context, id ledger.Identity) error {
	escrow, err := rc.client.BalanceOf(ctx, id)
	if err != nil {
		return fmt.Errorf("escrow read %s: %w", id.Name, err)
	}
	locked, err := rc.client.LockedBalanceOf(ctx, id)
	if err != nil {
		return fmt.Errorf("locked read %s: %w", id.Name, err)
	}
	free := escrow.Sub(locked)
	if free.LessThanOrEqual(rc.cfg.DustThreshold) {
		return nil
	}
	_, err = submitOp(ctx, rc.seq, rc.sender, id, func(fee decimal.Decimal) (ledger.Receipt, error) {
		return rc.client.Withdraw(ctx, id, free, fee)
	})
	if err != nil {
		return fmt.Errorf("withdraw %s: %w", id.Name, err)
	}
	return nil
}

// transferExternal moves the identity's whole external balance to the
// custodian, leaving a small fee cushion behind.
func (rc *RecoveryCoordinator) transferExternal(ctx context.Context, id ledger.Identity) error {
	ext, err := rc.client.ExternalBalanceOf(ctx, id)
	if err != nil {
		return fmt.Errorf("external read %s: %w", id.Name, err)
	}
	amount := ext.Sub(rc.cfg.DustThreshold)
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	_, err = submitOp(ctx, rc.seq, rc.sender, id, func(fee decimal.Decimal) (ledger.Receipt, error) {
		return rc.client.Transfer(ctx, id, rc.custodian, amount, fee)
	})
	if err != nil {
		return fmt.Errorf("transfer %s: %w", id.Name, err)
	}
	return nil
}

// fund moves amount from the custodian to the participant's escrow:
// transfer external, approve, deposit, each under the sequencer.
func (rc *RecoveryCoordinator) fund(ctx context.Context, p ledger.Identity, amount decimal.Decimal) error {
	_, err := submitOp(ctx, rc.seq, rc.sender, rc.custodian, func(fee decimal.Decimal) (ledger.Receipt, error) {
		return rc.client.Transfer(ctx, rc.custodian, p, amount, fee)
	})
	if err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	_, err = submitOp(ctx, rc.seq, rc.sender, p, func(fee decimal.Decimal) (ledger.Receipt, error) {
		return rc.client.Approve(ctx, p, amount, fee)
	})
	if err != nil {
		return fmt.Errorf("approve: %w", err)
	}
	_, err = submitOp(ctx, rc.seq, rc.sender, p, func(fee decimal.Decimal) (ledger.Receipt, error) {
		return rc.client.Deposit(ctx, p, amount, fee)
	})
	if err != nil {
		return fmt.Errorf("deposit: %w", err)
	}
	return nil
}
