// ABOUTME: Shared submission path combining the per-identity sequencer with the escalating sender.
// ABOUTME: Every ledger write in the engine goes through submitOp; nothing submits ad hoc.
package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/voltaic-labs/carousel/ledger"
)

// submitOp holds the identity's sequence slot for the duration of one logical
// operation, including fee-escalation retries, so concurrent tasks submitting
// from the same identity stay strictly ordered.
func submitOp(
	ctx context.Context,
	seq *ledger.Sequencer,
	sender *ledger.Sender,
	id ledger.Identity,
	op func(fee decimal.Decimal) (ledger.Receipt, error),
) (ledger.Receipt, error) {
	_, release, err := seq.Acquire(ctx, id)
	if err != nil {
		return ledger.Receipt{}, err
	}
	defer release()
	return sender.Send(ctx, id, op)
}
