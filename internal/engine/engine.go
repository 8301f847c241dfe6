// Package engine implements the pure listing state-transition function:
// (listing, tip, spend-observation) -> next-state. It is invoked by the
// event pipeline on every push and poll event and must be safe to call
// repeatedly with identical inputs, since the system deliberately
// accepts duplicate notifications from its two redundant event sources.
package engine

import (
	"time"

	"github.com/klingon-exchange/pepebroker/internal/chainrpc"
	"github.com/klingon-exchange/pepebroker/internal/listing"
	"github.com/klingon-exchange/pepebroker/internal/store"
)

// Transition is the outcome of evaluating one listing against the
// current tip and an optional spend observation. Changed is false when
// the listing's status is already terminal or no condition in the
// transition table fired, in which case the caller should skip writing.
type Transition struct {
	Changed   bool
	NewStatus listing.Status
	Spend     *store.SpendFields
}

// Clock is overridable in tests; production code always passes time.Now.
type Clock func() time.Time

// Evaluate computes the next state for l given tip h and an optional
// spend observation, walking the upcoming -> active -> finished/expired
// block-height ladder and letting a detected spend short-circuit it.
// stepPrices is the set of price_sats across all of the listing's
// PsbtSteps, used only for spend classification; it is an explicit
// argument (rather than something Evaluate fetches itself) so the
// function stays a pure transformation over already-fetched data and
// is trivially testable without a store or oracle double.
//
// Evaluate performs no I/O and makes no store writes; the caller (the
// event pipeline) persists Transition.NewStatus via store.UpdateStatus,
// which independently enforces idempotence by rejecting regressive
// transitions — so invoking Evaluate twice with identical inputs is safe
// even though Evaluate itself does not memoize anything.
func Evaluate(l listing.Listing, tip int64, spend *chainrpc.SpendingTx, stepPrices []int64, now Clock) Transition {
	if l.Status.IsTerminal() {
		return Transition{}
	}

	if spend != nil {
		status, fields := classify(spend, stepPrices, now)
		return Transition{Changed: true, NewStatus: status, Spend: &fields}
	}

	switch l.Status {
	case listing.Upcoming:
		if tip >= l.StartBlock {
			return Transition{Changed: true, NewStatus: listing.Active}
		}
	case listing.Active:
		if tip > l.EndBlock {
			if l.BlocksAfterEnd > 0 {
				return Transition{Changed: true, NewStatus: listing.Finished}
			}
			return Transition{Changed: true, NewStatus: listing.Expired}
		}
	case listing.Finished:
		if tip > l.EndBlock+l.BlocksAfterEnd {
			return Transition{Changed: true, NewStatus: listing.Expired}
		}
	}

	return Transition{}
}

// classify implements the spend-classification heuristic: a spending
// transaction with an output value matching one of the listing's
// advertised step prices is treated as a
// sale via the PSBT we issued (tie-break: first matching output in
// output order); any other spend is an out-of-band close, recipient
// recorded best-effort from the first output.
func classify(spend *chainrpc.SpendingTx, stepPrices []int64, now Clock) (listing.Status, store.SpendFields) {
	prices := make(map[int64]struct{}, len(stepPrices))
	for _, p := range stepPrices {
		prices[p] = struct{}{}
	}

	fields := store.SpendFields{
		SpentTxid:  spend.Txid,
		SpentBlock: spend.BlockHeight,
		SpentAt:    now(),
	}

	for _, out := range spend.Outputs {
		if _, ok := prices[out.ValueSats]; ok {
			fields.Recipient = out.Address
			return listing.Sold, fields
		}
	}

	if len(spend.Outputs) > 0 {
		fields.Recipient = spend.Outputs[0].Address
	}
	return listing.Closed, fields
}
