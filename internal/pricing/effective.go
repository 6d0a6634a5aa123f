package pricing

import (
	"github.com/ksred/klear-auction/internal/types"
	"github.com/shopspring/decimal"
)

// MonetaryPrecision is the number of decimal places a price may carry
const MonetaryPrecision int32 = 4

// effectivePrecision keeps effective values reproducible across platforms
const effectivePrecision int32 = 10

var one = decimal.NewFromInt(1)

// NormalizeTrust maps a trust score onto [0,1]. A nil score means no discount.
func NormalizeTrust(trust *float64) decimal.Decimal {
	if trust == nil || *trust <= 0 {
		return decimal.Zero
	}
	score := *trust
	if score > types.MaxTrustScore {
		score = types.MaxTrustScore
	}
	return decimal.NewFromFloat(score).Div(decimal.NewFromFloat(types.MaxTrustScore))
}

// EffectiveValue discounts a raw price or fee by the bidder's trust:
//
//	effective = raw / (1 + trustWeight * normalizedTrust)
//
// It is only a ranking device and is never charged to anyone.
func EffectiveValue(raw decimal.Decimal, trust *float64, trustWeight float64) decimal.Decimal {
	if trustWeight < 0 {
		trustWeight = 0
	}
	divisor := one.Add(decimal.NewFromFloat(trustWeight).Mul(NormalizeTrust(trust)))
	return raw.DivRound(divisor, effectivePrecision)
}

// MeetsReserve reports whether raw satisfies reserve under the given bound. The
// comparison is exact so the cleared price never sits outside the reserve.
// A nil reserve always passes.
func MeetsReserve(raw decimal.Decimal, reserve *decimal.Decimal, bound ReserveBound) bool {
	if reserve == nil {
		return true
	}
	if bound == ReserveCeiling {
		return raw.LessThanOrEqual(*reserve)
	}
	return raw.GreaterThanOrEqual(*reserve)
}

// HasMonetaryPrecision reports whether v carries no more than MonetaryPrecision
// decimal places
func HasMonetaryPrecision(v decimal.Decimal) bool {
	return v.Equal(v.Round(MonetaryPrecision))
}
