// ABOUTME: In-memory reference implementation of the escrow ledger Client for simulation and tests.
// ABOUTME: Thread-safe, with scriptable failure injection and inspection helpers for obligation state.
package ledger

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

type memObligation struct {
	owner  string
	amount decimal.Decimal
	state  ObligationState
}

type lockEvent struct {
	obligationID string
	owner        string
	height       uint64
}

// MemLedger is an in-memory escrow ledger implementing Client. It models
// external balances, escrow balances, allowances, obligations, per-identity
// sequence counters, and a lock-event history. The CLI's simulation mode and
// the test suites run against it.
//
// It enforces the same failure modes the real contract exposes: a fee below
// the baseline is rejected as FeeTooLowError, over-commitment as
// InsufficientFundsError, and settle/refund of a resolved obligation as
// AlreadyResolvedError.
type MemLedger struct {
	mu          sync.Mutex
	external    map[string]decimal.Decimal
	escrow      map[string]decimal.Decimal
	allowance   map[string]decimal.Decimal
	obligations map[string]*memObligation
	sequences   map[string]uint64
	lockEvents  []lockEvent
	height      uint64
	baseline    decimal.Decimal
	failures    map[string][]error
}

// NewMemLedger creates an empty MemLedger with a fee baseline of 1.
func NewMemLedger() *MemLedger {
	return &MemLedger{
		external:    make(map[string]decimal.Decimal),
		escrow:      make(map[string]decimal.Decimal),
		allowance:   make(map[string]decimal.Decimal),
		obligations: make(map[string]*memObligation),
		sequences:   make(map[string]uint64),
		failures:    make(map[string][]error),
		baseline:    decimal.NewFromInt(1),
	}
}

// Compile-time check that MemLedger implements Client.
var _ Client = (*MemLedger)(nil)

// --- setup and inspection helpers (not part of Client) ---

// FundExternal credits an identity's external balance. Setup helper.
func (m *MemLedger) FundExternal(id Identity, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.external[id.Name] = m.external[id.Name].Add(amount)
}

// FundEscrow credits an identity's escrow balance directly, bypassing the
// approve/deposit flow. Setup helper.
func (m *MemLedger) FundEscrow(id Identity, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escrow[id.Name] = m.escrow[id.Name].Add(amount)
}

// SetBaseline replaces the fee-market baseline.
func (m *MemLedger) SetBaseline(baseline decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baseline = baseline
}

// FailNext queues errors to be returned by the named operation (e.g. "lock",
// "settle", "refund", "withdraw", "deposit", "transfer", "approve") in order,
// one per call, before any state mutation.
func (m *MemLedger) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], errs...)
}

// ObligationState returns the ledger's true state for an obligation id.
func (m *MemLedger) ObligationState(obligationID string) (ObligationState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ob, ok := m.obligations[obligationID]
	if !ok {
		return "", false
	}
	return ob.state, true
}

// Height returns the current ledger height.
func (m *MemLedger) Height() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.height
}

// takeFailure pops the next injected error for op, if any. Caller holds mu.
func (m *MemLedger) takeFailure(op string) error {
	queue := m.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	m.failures[op] = queue[1:]
	return err
}

// submit performs the common bookkeeping for an accepted mutating operation:
// fee check, sequence consumption, height advance, receipt. Caller holds mu.
func (m *MemLedger) submit(id Identity, fee decimal.Decimal) (Receipt, error) {
	if fee.LessThan(m.baseline) {
		return Receipt{}, NewFeeTooLow(fee, m.baseline)
	}
	seq := m.sequences[id.Name]
	m.sequences[id.Name] = seq + 1
	m.height++
	return Receipt{
		Ref:      uuid.NewString(),
		Sequence: seq,
		Fee:      fee,
		Height:   m.height,
	}, nil
}

func (m *MemLedger) lockedOf(name string) decimal.Decimal {
	locked := decimal.Zero
	for _, ob := range m.obligations {
		if ob.owner == name && ob.state == ObligationLocked {
			locked = locked.Add(ob.amount)
		}
	}
	return locked
}

// --- Client implementation ---

func (m *MemLedger) Deposit(ctx context.Context, id Identity, amount, fee decimal.Decimal) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("deposit"); err != nil {
		return Receipt{}, err
	}
	if m.allowance[id.Name].LessThan(amount) {
		return Receipt{}, &LedgerError{Message: fmt.Sprintf("deposit for %s exceeds approval: %s > %s", id.Name, amount, m.allowance[id.Name])}
	}
	if m.external[id.Name].LessThan(amount) {
		return Receipt{}, NewInsufficientFunds(id.Name, amount, m.external[id.Name])
	}
	receipt, err := m.submit(id, fee)
	if err != nil {
		return Receipt{}, err
	}
	m.external[id.Name] = m.external[id.Name].Sub(amount)
	m.allowance[id.Name] = m.allowance[id.Name].Sub(amount)
	m.escrow[id.Name] = m.escrow[id.Name].Add(amount)
	return receipt, nil
}

func (m *MemLedger) Withdraw(ctx context.Context, id Identity, amount, fee decimal.Decimal) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("withdraw"); err != nil {
		return Receipt{}, err
	}
	free := m.escrow[id.Name].Sub(m.lockedOf(id.Name))
	if free.LessThan(amount) {
		return Receipt{}, NewInsufficientFunds(id.Name, amount, free)
	}
	receipt, err := m.submit(id, fee)
	if err != nil {
		return Receipt{}, err
	}
	m.escrow[id.Name] = m.escrow[id.Name].Sub(amount)
	m.external[id.Name] = m.external[id.Name].Add(amount)
	return receipt, nil
}

func (m *MemLedger) BalanceOf(ctx context.Context, id Identity) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.escrow[id.Name], nil
}

func (m *MemLedger) LockedBalanceOf(ctx context.Context, id Identity) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockedOf(id.Name), nil
}

func (m *MemLedger) ExternalBalanceOf(ctx context.Context, id Identity) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.external[id.Name], nil
}

func (m *MemLedger) LockForObligation(ctx context.Context, id Identity, amount, fee decimal.Decimal) (string, Receipt, error) {
	if err := ctx.Err(); err != nil {
		return "", Receipt{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("lock"); err != nil {
		return "", Receipt{}, err
	}
	free := m.escrow[id.Name].Sub(m.lockedOf(id.Name))
	if free.LessThan(amount) {
		return "", Receipt{}, NewInsufficientFunds(id.Name, amount, free)
	}
	receipt, err := m.submit(id, fee)
	if err != nil {
		return "", Receipt{}, err
	}
	obligationID := ulid.MustNew(ulid.Now(), rand.Reader).String()
	m.obligations[obligationID] = &memObligation{
		owner:  id.Name,
		amount: amount,
		state:  ObligationLocked,
	}
	m.lockEvents = append(m.lockEvents, lockEvent{
		obligationID: obligationID,
		owner:        id.Name,
		height:       receipt.Height,
	})
	return obligationID, receipt, nil
}

func (m *MemLedger) Settle(ctx context.Context, obligationID string, payee Identity, fee decimal.Decimal) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("settle"); err != nil {
		return Receipt{}, err
	}
	ob, ok := m.obligations[obligationID]
	if !ok {
		return Receipt{}, &LedgerError{Message: fmt.Sprintf("unknown obligation %s", obligationID)}
	}
	if ob.state != ObligationLocked {
		return Receipt{}, &AlreadyResolvedError{
			LedgerError:  LedgerError{Message: fmt.Sprintf("obligation %s already %s", obligationID, ob.state)},
			ObligationID: obligationID,
			State:        ob.state,
		}
	}
	receipt, err := m.submit(payee, fee)
	if err != nil {
		return Receipt{}, err
	}
	ob.state = ObligationSettled
	m.escrow[ob.owner] = m.escrow[ob.owner].Sub(ob.amount)
	m.escrow[payee.Name] = m.escrow[payee.Name].Add(ob.amount)
	return receipt, nil
}

func (m *MemLedger) Refund(ctx context.Context, obligationID string, fee decimal.Decimal) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("refund"); err != nil {
		return Receipt{}, err
	}
	ob, ok := m.obligations[obligationID]
	if !ok {
		return Receipt{}, &LedgerError{Message: fmt.Sprintf("unknown obligation %s", obligationID)}
	}
	if ob.state != ObligationLocked {
		return Receipt{}, &AlreadyResolvedError{
			LedgerError:  LedgerError{Message: fmt.Sprintf("obligation %s already %s", obligationID, ob.state)},
			ObligationID: obligationID,
			State:        ob.state,
		}
	}
	receipt, err := m.submit(Identity{Name: ob.owner}, fee)
	if err != nil {
		return Receipt{}, err
	}
	// Refund releases the lock; the funds never left the owner's escrow.
	ob.state = ObligationRefunded
	return receipt, nil
}

func (m *MemLedger) VerifySolvency(ctx context.Context) (SolvencyReport, error) {
	if err := ctx.Err(); err != nil {
		return SolvencyReport{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("solvency"); err != nil {
		return SolvencyReport{}, err
	}
	totalEscrow := decimal.Zero
	for _, bal := range m.escrow {
		totalEscrow = totalEscrow.Add(bal)
	}
	totalLocked := decimal.Zero
	for _, ob := range m.obligations {
		if ob.state == ObligationLocked {
			totalLocked = totalLocked.Add(ob.amount)
		}
	}
	margin := totalEscrow.Sub(totalLocked)
	return SolvencyReport{
		Solvent: !margin.IsNegative(),
		Margin:  margin,
	}, nil
}

func (m *MemLedger) FindLockEvents(ctx context.Context, id Identity, sinceHeight uint64) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, ev := range m.lockEvents {
		if ev.owner == id.Name && ev.height >= sinceHeight {
			ids = append(ids, ev.obligationID)
		}
	}
	return ids, nil
}

func (m *MemLedger) PendingSequence(ctx context.Context, id Identity) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("sequence"); err != nil {
		return 0, err
	}
	return m.sequences[id.Name], nil
}

func (m *MemLedger) FeeBaseline(ctx context.Context) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("baseline"); err != nil {
		return decimal.Zero, err
	}
	return m.baseline, nil
}

func (m *MemLedger) Transfer(ctx context.Context, from, to Identity, amount, fee decimal.Decimal) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("transfer"); err != nil {
		return Receipt{}, err
	}
	if m.external[from.Name].LessThan(amount) {
		return Receipt{}, NewInsufficientFunds(from.Name, amount, m.external[from.Name])
	}
	receipt, err := m.submit(from, fee)
	if err != nil {
		return Receipt{}, err
	}
	m.external[from.Name] = m.external[from.Name].Sub(amount)
	m.external[to.Name] = m.external[to.Name].Add(amount)
	return receipt, nil
}

func (m *MemLedger) Approve(ctx context.Context, id Identity, amount, fee decimal.Decimal) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("approve"); err != nil {
		return Receipt{}, err
	}
	receipt, err := m.submit(id, fee)
	if err != nil {
		return Receipt{}, err
	}
	m.allowance[id.Name] = amount
	return receipt, nil
}
