package pricing

import "github.com/ksred/klear-auction/internal/types"

// ReserveBound says which side of the reserve a winning raw price must sit on
type ReserveBound int

const (
	// ReserveFloor requires raw >= reserve (the issuer is selling)
	ReserveFloor ReserveBound = iota
	// ReserveCeiling requires raw <= reserve (the issuer is procuring)
	ReserveCeiling
)

func (b ReserveBound) String() string {
	if b == ReserveCeiling {
		return "ceiling"
	}
	return "floor"
}

// Policy is the per-auction-type configuration consumed by clearing. Every type
// ranks the lowest effective value first; only the reserve side differs.
type Policy struct {
	Reserve ReserveBound
}

var policies = map[types.AuctionType]Policy{
	types.AuctionTypeCapital:        {Reserve: ReserveFloor},
	types.AuctionTypeTradeService:   {Reserve: ReserveFloor},
	types.AuctionTypeSupplyContract: {Reserve: ReserveCeiling},
	types.AuctionTypeGuarantee:      {Reserve: ReserveCeiling},
}

// PolicyFor returns the clearing policy of an auction type
func PolicyFor(t types.AuctionType) Policy {
	if p, ok := policies[t]; ok {
		return p
	}
	return Policy{Reserve: ReserveFloor}
}
