// ABOUTME: Client interface for the external escrow ledger contract and its operation receipts.
// ABOUTME: The ledger is the system of record; the orchestrator only consumes this fixed operation set.
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// ObligationState is the ledger's view of an obligation's lifecycle.
type ObligationState string

const (
	ObligationLocked   ObligationState = "locked"
	ObligationSettled  ObligationState = "settled"
	ObligationRefunded ObligationState = "refunded"
)

// Receipt confirms an accepted ledger operation.
type Receipt struct {
	Ref      string          `json:"ref"`
	Sequence uint64          `json:"sequence"`
	Fee      decimal.Decimal `json:"fee"`
	Height   uint64          `json:"height"`
}

// SolvencyReport is the result of a batched solvency verification: whether
// every locked obligation is fully backed, and by what margin.
type SolvencyReport struct {
	Solvent bool            `json:"solvent"`
	Margin  decimal.Decimal `json:"margin"`
}

// Client is the fixed operation set the escrow ledger contract exposes.
// The contract's own settlement rules are assumed correct; this interface
// only describes the boundary. Implementations must be safe for concurrent
// use. Operations are safe to resubmit only when the returned error is
// classified retriable (see errors.go).
type Client interface {
	// Deposit moves amount from the identity's external balance into its
	// escrow balance, consuming a prior approval.
	Deposit(ctx context.Context, id Identity, amount, fee decimal.Decimal) (Receipt, error)

	// Withdraw moves amount of free (unlocked) escrow balance back to the
	// identity's external balance.
	Withdraw(ctx context.Context, id Identity, amount, fee decimal.Decimal) (Receipt, error)

	// BalanceOf returns the identity's escrow balance, including locked funds.
	BalanceOf(ctx context.Context, id Identity) (decimal.Decimal, error)

	// LockedBalanceOf returns the portion of the escrow balance currently
	// locked under unresolved obligations.
	LockedBalanceOf(ctx context.Context, id Identity) (decimal.Decimal, error)

	// ExternalBalanceOf returns the identity's balance outside the escrow
	// contract (the sweep target during recovery).
	ExternalBalanceOf(ctx context.Context, id Identity) (decimal.Decimal, error)

	// LockForObligation earmarks amount of the identity's free escrow balance
	// against a future settlement or refund. The ledger assigns the
	// obligation id.
	LockForObligation(ctx context.Context, id Identity, amount, fee decimal.Decimal) (string, Receipt, error)

	// Settle resolves a locked obligation by paying its amount to the payee.
	Settle(ctx context.Context, obligationID string, payee Identity, fee decimal.Decimal) (Receipt, error)

	// Refund resolves a locked obligation by releasing the funds back to the
	// owner's free escrow balance.
	Refund(ctx context.Context, obligationID string, fee decimal.Decimal) (Receipt, error)

	// VerifySolvency runs the contract's batched solvency check.
	VerifySolvency(ctx context.Context) (SolvencyReport, error)

	// FindLockEvents returns obligation ids from historical lock events for
	// the identity at or after sinceHeight. Used only for crash recovery;
	// returned ids may already be resolved.
	FindLockEvents(ctx context.Context, id Identity, sinceHeight uint64) ([]string, error)

	// PendingSequence returns the next sequence number the ledger will accept
	// from the identity.
	PendingSequence(ctx context.Context, id Identity) (uint64, error)

	// FeeBaseline returns the current fee-market baseline price.
	FeeBaseline(ctx context.Context) (decimal.Decimal, error)

	// Transfer moves external (non-escrow) balance between identities.
	Transfer(ctx context.Context, from, to Identity, amount, fee decimal.Decimal) (Receipt, error)

	// Approve authorizes the escrow contract to pull up to amount from the
	// identity's external balance on a subsequent Deposit.
	Approve(ctx context.Context, id Identity, amount, fee decimal.Decimal) (Receipt, error)
}
