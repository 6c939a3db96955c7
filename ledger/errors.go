// ABOUTME: Error hierarchy for escrow ledger operations with per-type retryability.
// ABOUTME: Classifies failures into retriable (fee/conflict/sequence), resource-insufficient, and terminal.
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// LedgerError is the base error type for all errors raised at the ledger
// boundary. All other error types in this package embed it.
type LedgerError struct {
	Message string
	Cause   error
}

func (e *LedgerError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *LedgerError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns false for the base LedgerError. Subtypes override this.
func (e *LedgerError) IsRetryable() bool {
	return false
}

// FeeTooLowError means the offered fee lost the fee market: the ledger will
// not accept the operation at this price. Retryable with a higher fee.
type FeeTooLowError struct {
	LedgerError
	OfferedFee  decimal.Decimal
	RequiredFee decimal.Decimal
}

func (e *FeeTooLowError) Error() string     { return e.LedgerError.Error() }
func (e *FeeTooLowError) Unwrap() error     { return e.LedgerError.Unwrap() }
func (e *FeeTooLowError) IsRetryable() bool { return true }

// ConflictingOpError means another operation from the same identity is
// pending with an unresolved fee ordering. Retryable.
type ConflictingOpError struct {
	LedgerError
	Identity string
}

func (e *ConflictingOpError) Error() string     { return e.LedgerError.Error() }
func (e *ConflictingOpError) Unwrap() error     { return e.LedgerError.Unwrap() }
func (e *ConflictingOpError) IsRetryable() bool { return true }

// StaleSequenceError means the operation was submitted with a sequence number
// the ledger has already consumed. Retryable after re-reading the sequence.
type StaleSequenceError struct {
	LedgerError
	Identity string
	Sequence uint64
}

func (e *StaleSequenceError) Error() string     { return e.LedgerError.Error() }
func (e *StaleSequenceError) Unwrap() error     { return e.LedgerError.Unwrap() }
func (e *StaleSequenceError) IsRetryable() bool { return true }

// InsufficientFundsError means the identity's available balance cannot cover
// the operation. Never retried in place: the caller skips the participant or
// cycle instead.
type InsufficientFundsError struct {
	LedgerError
	Identity  string
	Needed    decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string     { return e.LedgerError.Error() }
func (e *InsufficientFundsError) Unwrap() error     { return e.LedgerError.Unwrap() }
func (e *InsufficientFundsError) IsRetryable() bool { return false }

// AlreadyResolvedError means a settle or refund targeted an obligation the
// ledger has already resolved out-of-band. Callers doing advisory cleanup
// treat this as success, not failure.
type AlreadyResolvedError struct {
	LedgerError
	ObligationID string
	State        ObligationState
}

func (e *AlreadyResolvedError) Error() string     { return e.LedgerError.Error() }
func (e *AlreadyResolvedError) Unwrap() error     { return e.LedgerError.Unwrap() }
func (e *AlreadyResolvedError) IsRetryable() bool { return false }

// SubmissionExhaustedError is returned by Sender.Send after the retry budget
// is spent on retriable failures.
type SubmissionExhaustedError struct {
	LedgerError
	Identity string
	Attempts int
}

func (e *SubmissionExhaustedError) Error() string     { return e.LedgerError.Error() }
func (e *SubmissionExhaustedError) Unwrap() error     { return e.LedgerError.Unwrap() }
func (e *SubmissionExhaustedError) IsRetryable() bool { return false }

// NewFeeTooLow constructs a FeeTooLowError with the offered and required fees.
func NewFeeTooLow(offered, required decimal.Decimal) *FeeTooLowError {
	return &FeeTooLowError{
		LedgerError: LedgerError{Message: fmt.Sprintf("fee too low: offered %s, required %s", offered, required)},
		OfferedFee:  offered,
		RequiredFee: required,
	}
}

// NewInsufficientFunds constructs an InsufficientFundsError for an identity.
func NewInsufficientFunds(identity string, needed, available decimal.Decimal) *InsufficientFundsError {
	return &InsufficientFundsError{
		LedgerError: LedgerError{Message: fmt.Sprintf("insufficient funds for %s: need %s, have %s", identity, needed, available)},
		Identity:    identity,
		Needed:      needed,
		Available:   available,
	}
}

// Retryable reports whether an error is safe to retry in place. Errors that
// implement IsRetryable decide for themselves; everything else is terminal.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return false
}

// IsInsufficientFunds reports whether err is an InsufficientFundsError
// anywhere in its chain.
func IsInsufficientFunds(err error) bool {
	var target *InsufficientFundsError
	return errors.As(err, &target)
}

// IsAlreadyResolved reports whether err is an AlreadyResolvedError anywhere
// in its chain.
func IsAlreadyResolved(err error) bool {
	var target *AlreadyResolvedError
	return errors.As(err, &target)
}

// IsSubmissionExhausted reports whether err is a SubmissionExhaustedError
// anywhere in its chain.
func IsSubmissionExhausted(err error) bool {
	var target *SubmissionExhaustedError
	return errors.As(err, &target)
}
