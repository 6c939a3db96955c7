// ABOUTME: Sequential auction cycle engine: rotate participants, lock bids, settle one winner, refund the rest.
// ABOUTME: Per-participant failures skip, never abort the run; one batched solvency check is back-filled at the end.
package engine

import (
	"context"
	"math/rand/v2"

	"github.com/shopspring/decimal"

	"github.com/voltaic-labs/carousel/ledger"
)

// CycleEngineConfig shapes the auction workflow.
type CycleEngineConfig struct {
	Participants []ledger.Identity
	Payee        ledger.Identity
	BidAmount    decimal.Decimal // base bid; per-bid variation is applied on top
	SubsetSize   int
	TieRate      float64 // fraction of cycles scripted to produce two equal max bids
}

// CycleEngine runs N sequential auction cycles against the ledger. Cycles run
// one after another, never concurrently, to keep obligation accounting
// simple; all submissions go through the sequencer and escalating sender.
type CycleEngine struct {
	client  ledger.Client
	seq     *ledger.Sequencer
	sender  *ledger.Sender
	tracker *ObligationTracker
	emit    func(Event)
	cfg     CycleEngineConfig
	rng     *rand.Rand
	offset  int
}

// NewCycleEngine creates a CycleEngine. A nil rng gets a fresh PCG source;
// the engine is driven from a single goroutine so the source needs no lock.
func NewCycleEngine(
	client ledger.Client,
	seq *ledger.Sequencer,
	sender *ledger.Sender,
	tracker *ObligationTracker,
	emit func(Event),
	cfg CycleEngineConfig,
	rng *rand.Rand,
) *CycleEngine {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if cfg.SubsetSize < 1 {
		cfg.SubsetSize = 1
	}
	if emit == nil {
		emit = func(Event) {}
	}
	return &CycleEngine{
		client:  client,
		seq:     seq,
		sender:  sender,
		tracker: tracker,
		emit:    emit,
		cfg:     cfg,
		rng:     rng,
	}
}

type lockedObligation struct {
	id    string
	owner ledger.Identity
	bid   decimal.Decimal
}

// Run executes n cycles and returns the finished cycle records. Only
// cancellation aborts the loop; every other failure degrades to a skipped
// participant or cycle. After the last cycle a single batched solvency
// verification is submitted and its result back-filled onto every record.
func (e *CycleEngine) Run(ctx context.Context, runID string, n int) ([]CycleRecord, error) {
	records := make([]CycleRecord, 0, n)

	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return records, err
		}
		rec, err := e.runCycle(ctx, runID, i)
		if err != nil {
			// Cancellation mid-cycle: the interrupted cycle is not recorded;
			// its registered obligations are cleaned up by the controller.
			return records, err
		}
		records = append(records, rec)
	}

	// One batched solvency check for the whole run, not one per cycle.
	report, err := e.client.VerifySolvency(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return records, ctx.Err()
		}
		e.emit(Event{Type: EventSolvencyChecked, RunID: runID, Data: map[string]any{
			"error": err.Error(),
		}})
		return records, nil
	}
	e.emit(Event{Type: EventSolvencyChecked, RunID: runID, Data: map[string]any{
		"solvent": report.Solvent,
		"margin":  report.Margin.String(),
	}})
	for i := range records {
		records[i].Solvent = report.Solvent
		records[i].SolvencyMargin = report.Margin
	}

	return records, nil
}

// runCycle executes one lock -> settle -> refund round. The returned error is
// non-nil only for cancellation.
func (e *CycleEngine) runCycle(ctx context.Context, runID string, index int) (CycleRecord, error) {
	e.emit(Event{Type: EventCycleStarted, RunID: runID, Data: map[string]any{"index": index}})

	rec := CycleRecord{
		Index:          index,
		FeeSpent:       decimal.Zero,
		SolvencyMargin: decimal.Zero,
	}

	subset := e.nextSubset()
	bids := e.bidAmounts(len(subset))

	var locked []lockedObligation
	for j, p := range subset {
		if err := ctx.Err(); err != nil {
			return rec, err
		}
		amount := bids[j]

		available, err := e.availableBalance(ctx, p)
		if err != nil {
			if ctx.Err() != nil {
				return rec, ctx.Err()
			}
			e.emitBidSkipped(runID, index, p, "balance read failed: "+err.Error())
			continue
		}
		if available.LessThan(amount) {
			e.emitBidSkipped(runID, index, p, "insufficient available balance")
			continue
		}

		obID, receipt, err := e.lock(ctx, p, amount)
		if err != nil {
			if ctx.Err() != nil {
				return rec, ctx.Err()
			}
			e.emitBidSkipped(runID, index, p, err.Error())
			continue
		}

		e.tracker.Register(obID)
		rec.Bids = append(rec.Bids, Bid{Identity: p.Name, Amount: amount})
		rec.ObligationIDs = append(rec.ObligationIDs, obID)
		rec.FeeSpent = rec.FeeSpent.Add(receipt.Fee)
		locked = append(locked, lockedObligation{id: obID, owner: p, bid: amount})
		e.emit(Event{Type: EventObligationLocked, RunID: runID, Data: map[string]any{
			"cycle":      index,
			"obligation": obID,
			"identity":   p.Name,
			"amount":     amount.String(),
		}})
	}

	// Every chosen participant under-funded or failed: zero-bid cycle,
	// recorded and skipped rather than aborting the run.
	if len(locked) == 0 {
		rec.Skipped = true
		e.emit(Event{Type: EventCycleSkipped, RunID: runID, Data: map[string]any{"index": index}})
		return rec, nil
	}

	// The first successfully locked obligation wins the cycle.
	winner := locked[0]
	rec.WinnerObligationID = winner.id

	refunds := locked[1:]
	settleReceipt, err := submitOp(ctx, e.seq, e.sender, e.cfg.Payee, func(fee decimal.Decimal) (ledger.Receipt, error) {
		return e.client.Settle(ctx, winner.id, e.cfg.Payee, fee)
	})
	switch {
	case err == nil:
		e.tracker.Resolve(winner.id)
		rec.SettlementRef = settleReceipt.Ref
		rec.FeeSpent = rec.FeeSpent.Add(settleReceipt.Fee)
		e.emit(Event{Type: EventObligationSettled, RunID: runID, Data: map[string]any{
			"cycle":      index,
			"obligation": winner.id,
			"payee":      e.cfg.Payee.Name,
			"amount":     winner.bid.String(),
		}})
	case ctx.Err() != nil:
		return rec, ctx.Err()
	default:
		// Settlement failed: the winner's lock is refunded with the rest and
		// the cycle is recorded without a settlement reference.
		refunds = locked
		e.emit(Event{Type: EventBidSkipped, RunID: runID, Data: map[string]any{
			"cycle":  index,
			"reason": "settlement failed: " + err.Error(),
		}})
	}

	for _, ob := range refunds {
		if err := ctx.Err(); err != nil {
			return rec, err
		}
		ref, err := e.refund(ctx, runID, index, ob)
		if err != nil {
			if ctx.Err() != nil {
				return rec, ctx.Err()
			}
			// Left registered in the tracker; abort cleanup or the next
			// run's reconciliation will catch it.
			continue
		}
		if ref != "" {
			rec.RefundRefs = append(rec.RefundRefs, ref)
		}
	}

	e.emit(Event{Type: EventCycleCompleted, RunID: runID, Data: map[string]any{
		"index":       index,
		"bids":        len(rec.Bids),
		"settlement":  rec.SettlementRef,
		"refunds":     len(rec.RefundRefs),
		"fee_spent":   rec.FeeSpent.String(),
		"obligations": len(rec.ObligationIDs),
	}})
	return rec, nil
}

// lock submits a lock operation for one participant through the ordered,
// fee-escalating path.
func (e *CycleEngine) lock(ctx context.Context, p ledger.Identity, amount decimal.Decimal) (string, ledger.Receipt, error) {
	var obID string
	receipt, err := submitOp(ctx, e.seq, e.sender, p, func(fee decimal.Decimal) (ledger.Receipt, error) {
		id, r, err := e.client.LockForObligation(ctx, p, amount, fee)
		if err != nil {
			return r, err
		}
		obID = id
		return r, nil
	})
	if err != nil {
		return "", ledger.Receipt{}, err
	}
	return obID, receipt, nil
}

// refund resolves one obligation back to its owner. An obligation the ledger
// already resolved out-of-band counts as resolved, not failed; the returned
// ref is empty in that case.
func (e *CycleEngine) refund(ctx context.Context, runID string, index int, ob lockedObligation) (string, error) {
	receipt, err := submitOp(ctx, e.seq, e.sender, ob.owner, func(fee decimal.Decimal) (ledger.Receipt, error) {
		return e.client.Refund(ctx, ob.id, fee)
	})
	if err != nil {
		if ledger.IsAlreadyResolved(err) {
			e.tracker.Resolve(ob.id)
			return "", nil
		}
		e.emit(Event{Type: EventBidSkipped, RunID: runID, Data: map[string]any{
			"cycle":      index,
			"obligation": ob.id,
			"reason":     "refund failed: " + err.Error(),
		}})
		return "", err
	}
	e.tracker.Resolve(ob.id)
	e.emit(Event{Type: EventObligationRefunded, RunID: runID, Data: map[string]any{
		"cycle":      index,
		"obligation": ob.id,
		"identity":   ob.owner.Name,
	}})
	return receipt.Ref, nil
}

// availableBalance returns escrow balance minus already-locked funds.
func (e *CycleEngine) availableBalance(ctx context.Context, id ledger.Identity) (decimal.Decimal, error) {
	balance, err := e.client.BalanceOf(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	locked, err := e.client.LockedBalanceOf(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	return balance.Sub(locked), nil
}

// nextSubset returns the rotating participant subset for the next cycle. The
// offset advances by subset size each cycle so coverage is even over a full
// run instead of always starting from the same identity.
func (e *CycleEngine) nextSubset() []ledger.Identity {
	n := len(e.cfg.Participants)
	if n == 0 {
		return nil
	}
	k := e.cfg.SubsetSize
	if k > n {
		k = n
	}
	subset := make([]ledger.Identity, 0, k)
	for j := 0; j < k; j++ {
		subset = append(subset, e.cfg.Participants[(e.offset+j)%n])
	}
	e.offset = (e.offset + k) % n
	return subset
}

// bidAmounts produces bid amounts for a subset: the base amount with up to
// 10% variation. A scripted fraction of cycles forces two bids to the equal
// maximum to exercise the downstream tie-break path.
func (e *CycleEngine) bidAmounts(k int) []decimal.Decimal {
	bids := make([]decimal.Decimal, k)
	for j := range bids {
		variation := decimal.NewFromFloat(1 + e.rng.Float64()*0.1)
		bids[j] = e.cfg.BidAmount.Mul(variation).Round(2)
	}
	if k >= 2 && e.rng.Float64() < e.cfg.TieRate {
		max := bids[0]
		for _, b := range bids[1:] {
			if b.GreaterThan(max) {
				max = b
			}
		}
		bids[0], bids[1] = max, max
	}
	return bids
}

func (e *CycleEngine) emitBidSkipped(runID string, index int, p ledger.Identity, reason string) {
	e.emit(Event{Type: EventBidSkipped, RunID: runID, Data: map[string]any{
		"cycle":    index,
		"identity": p.Name,
		"reason":   reason,
	}})
}
