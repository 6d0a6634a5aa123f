package auction

import (
	"github.com/ksred/klear-auction/internal/ledger"
	"github.com/ksred/klear-auction/internal/pricing"
	"github.com/ksred/klear-auction/internal/types"
	"github.com/shopspring/decimal"
)

// Outcome is the result of clearing one auction
type Outcome struct {
	Winner       *ledger.Bid
	ClearedPrice decimal.NullDecimal
	Decisions    []ledger.Decision
	// OffReserve counts bids that lost because their raw price missed the reserve
	OffReserve int
}

// Clear picks the best ranked pending bid whose raw price satisfies the reserve.
// The winner is ACCEPTED at its raw price and every other bid is REJECTED. With no
// qualifying bid the outcome has no winner and a null price.
func Clear(pending []ledger.Bid, policy pricing.Policy, reserve *decimal.Decimal) Outcome {
	ranked := make([]ledger.Bid, len(pending))
	copy(ranked, pending)
	pricing.Rank(ranked)

	out := Outcome{Decisions: make([]ledger.Decision, 0, len(ranked))}
	for i := range ranked {
		bid := ranked[i]
		if bid.Status != types.BidPending {
			continue
		}
		meets := pricing.MeetsReserve(bid.RawValue, reserve, policy.Reserve)
		if !meets {
			out.OffReserve++
		}
		if out.Winner == nil && meets {
			out.Winner = &ranked[i]
			out.ClearedPrice = decimal.NewNullDecimal(bid.RawValue)
			out.Decisions = append(out.Decisions, ledger.Decision{BidID: bid.BidID, Status: types.BidAccepted})
			continue
		}
		out.Decisions = append(out.Decisions, ledger.Decision{BidID: bid.BidID, Status: types.BidRejected})
	}
	return out
}
