package guarantee

import (
	"github.com/ksred/klear-auction/internal/ledger"
	"github.com/ksred/klear-auction/internal/pricing"
	"github.com/ksred/klear-auction/internal/types"
	"github.com/shopspring/decimal"
)

// Allocation is the result of allocating one guarantee request
type Allocation struct {
	Decisions []ledger.Decision
	Allocated decimal.Decimal
	PerLayer  map[types.Layer]decimal.Decimal
	Accepted  int
}

// Allocate stacks pending guarantee bids layer by layer, FIRST_LOSS first. Within a
// layer bids are taken cheapest effective fee first until the layer cap is reached.
// The cap is the layer's explicit target when set, otherwise whatever coverage is
// still missing; it never exceeds the missing coverage. A bid that only partly fits
// is accepted for the part that fits. Bids left over are rejected.
func Allocate(pending []ledger.Bid, requested decimal.Decimal, targets map[types.Layer]decimal.Decimal) Allocation {
	out := Allocation{
		Decisions: make([]ledger.Decision, 0, len(pending)),
		Allocated: decimal.Zero,
		PerLayer:  make(map[types.Layer]decimal.Decimal, len(types.LayerOrder)),
	}

	byLayer := make(map[types.Layer][]ledger.Bid, len(types.LayerOrder))
	for _, bid := range pending {
		if bid.Status != types.BidPending {
			continue
		}
		if !bid.Layer.Valid() || !bid.CoveragePercent.IsPositive() {
			out.Decisions = append(out.Decisions, ledger.Decision{BidID: bid.BidID, Status: types.BidRejected})
			continue
		}
		byLayer[bid.Layer] = append(byLayer[bid.Layer], bid)
	}

	remaining := requested
	for _, layer := range types.LayerOrder {
		bids := byLayer[layer]
		pricing.Rank(bids)

		layerCap := remaining
		if target, ok := targets[layer]; ok && target.LessThan(layerCap) {
			layerCap = target
		}

		taken := decimal.Zero
		for _, bid := range bids {
			room := layerCap.Sub(taken)
			if !room.IsPositive() {
				out.Decisions = append(out.Decisions, ledger.Decision{BidID: bid.BidID, Status: types.BidRejected})
				continue
			}
			take := decimal.Min(bid.CoveragePercent, room)
			taken = taken.Add(take)
			out.Accepted++
			out.Decisions = append(out.Decisions, ledger.Decision{
				BidID:             bid.BidID,
				Status:            types.BidAccepted,
				AllocatedCoverage: take,
			})
		}

		remaining = remaining.Sub(taken)
		out.Allocated = out.Allocated.Add(taken)
		out.PerLayer[layer] = taken
	}

	return out
}
