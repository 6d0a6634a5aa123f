package types

import "strings"

// GuaranteeType is the risk a guarantee request covers
type GuaranteeType string

const (
	GuaranteeCreditRisk        GuaranteeType = "CREDIT_RISK"
	GuaranteePerformanceRisk   GuaranteeType = "PERFORMANCE_RISK"
	GuaranteeContractAssurance GuaranteeType = "CONTRACT_ASSURANCE"
)

func (t GuaranteeType) Valid() bool {
	switch t {
	case GuaranteeCreditRisk, GuaranteePerformanceRisk, GuaranteeContractAssurance:
		return true
	}
	return false
}

// RequestStatus is the lifecycle state of a guarantee request
type RequestStatus string

const (
	RequestPending       RequestStatus = "PENDING"
	RequestAuctionActive RequestStatus = "AUCTION_ACTIVE"
	RequestAllocated     RequestStatus = "ALLOCATED"
	RequestExpired       RequestStatus = "EXPIRED"
)

func (s RequestStatus) Terminal() bool {
	return s == RequestAllocated || s == RequestExpired
}

// Layer is a risk tranche. Lower priority values are consumed first.
type Layer string

const (
	LayerFirstLoss Layer = "FIRST_LOSS"
	LayerMezzanine Layer = "MEZZANINE"
	LayerSenior    Layer = "SENIOR"
)

// LayerOrder is the allocation order, first-loss capital first
var LayerOrder = []Layer{LayerFirstLoss, LayerMezzanine, LayerSenior}

func (l Layer) Valid() bool {
	switch l {
	case LayerFirstLoss, LayerMezzanine, LayerSenior:
		return true
	}
	return false
}

// ParseLayer normalizes s and validates it
func ParseLayer(s string) (Layer, bool) {
	l := Layer(strings.ToUpper(strings.TrimSpace(s)))
	return l, l.Valid()
}
