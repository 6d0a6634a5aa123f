package guarantee

import (
	"time"

	"github.com/ksred/klear-auction/internal/ledger"
	"github.com/ksred/klear-auction/internal/types"
	"github.com/shopspring/decimal"
)

// Request asks guarantors to cover part of a notional amount across risk layers
type Request struct {
	ID                uint                `gorm:"primaryKey" json:"-"`
	RequestID         string              `gorm:"uniqueIndex" json:"request_id"`
	IssuerID          string              `gorm:"index" json:"issuer_id"`
	ProjectID         *string             `json:"project_id,omitempty"`
	GuaranteeType     types.GuaranteeType `json:"guarantee_type"`
	RequestedCoverage decimal.Decimal     `gorm:"type:text" json:"requested_coverage"` // percent of notional
	NotionalAmount    decimal.Decimal     `gorm:"type:text" json:"notional_amount"`
	Currency          string              `json:"currency"`
	Status            types.RequestStatus `gorm:"index" json:"status"` // PENDING, AUCTION_ACTIVE, ALLOCATED, EXPIRED
	AllocatedCoverage decimal.Decimal     `gorm:"type:text" json:"allocated_coverage"`
	MinTrustScore     *float64            `json:"min_trust_score,omitempty"`
	TrustWeight       float64             `json:"trust_weight"`
	BiddingEndsAt     *time.Time          `json:"bidding_ends_at,omitempty"`
	FirstLossTarget   decimal.NullDecimal `gorm:"type:text" json:"first_loss_target"`
	MezzanineTarget   decimal.NullDecimal `gorm:"type:text" json:"mezzanine_target"`
	SeniorTarget      decimal.NullDecimal `gorm:"type:text" json:"senior_target"`
	AllocatedAt       *time.Time          `json:"allocated_at,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

func (Request) TableName() string {
	return "guarantee_requests"
}

// LayerTargets returns the explicit per-layer coverage caps
func (r *Request) LayerTargets() map[types.Layer]decimal.Decimal {
	targets := make(map[types.Layer]decimal.Decimal, 3)
	if r.FirstLossTarget.Valid {
		targets[types.LayerFirstLoss] = r.FirstLossTarget.Decimal
	}
	if r.MezzanineTarget.Valid {
		targets[types.LayerMezzanine] = r.MezzanineTarget.Decimal
	}
	if r.SeniorTarget.Valid {
		targets[types.LayerSenior] = r.SeniorTarget.Decimal
	}
	return targets
}

// CoveredAmount is the allocated coverage expressed in the request currency
func (r *Request) CoveredAmount() decimal.Decimal {
	return r.NotionalAmount.Mul(r.AllocatedCoverage).Div(decimal.NewFromInt(100)).Round(4)
}

// CreateRequest is the input of CreateGuaranteeRequest
type CreateRequest struct {
	GuaranteeType     string           `json:"guarantee_type" binding:"required"`
	ProjectID         *string          `json:"project_id"`
	RequestedCoverage decimal.Decimal  `json:"requested_coverage"`
	NotionalAmount    decimal.Decimal  `json:"notional_amount"`
	Currency          string           `json:"currency" binding:"required"`
	MinTrustScore     *float64         `json:"min_trust_score"`
	TrustWeight       *float64         `json:"trust_weight"`
	FirstLossTarget   *decimal.Decimal `json:"first_loss_target"`
	MezzanineTarget   *decimal.Decimal `json:"mezzanine_target"`
	SeniorTarget      *decimal.Decimal `json:"senior_target"`
}

// OpenBiddingRequest is the input of OpenBidding. Without EndsAt bidding stays open
// until an explicit allocation.
type OpenBiddingRequest struct {
	EndsAt *time.Time `json:"ends_at"`
}

// PlaceBidRequest is the input of PlaceGuaranteeBid
type PlaceBidRequest struct {
	CoveragePercent decimal.Decimal `json:"coverage_percent"`
	FeePercent      decimal.Decimal `json:"fee_percent"`
	Layer           string          `json:"layer" binding:"required"`
}

// LayerSummary is the coverage allocated within one layer
type LayerSummary struct {
	Layer     types.Layer     `json:"layer"`
	Allocated decimal.Decimal `json:"allocated"`
	Bids      int             `json:"accepted_bids"`
}

// RequestView is the full state returned by every guarantee operation
type RequestView struct {
	Request       *Request       `json:"request"`
	CoveredAmount string         `json:"covered_amount"`
	Layers        []LayerSummary `json:"layers"`
	Bids          []ledger.Bid   `json:"bids"` // best ranked first
}

// BidResult is returned by guarantee bid mutations
type BidResult struct {
	Bid            *ledger.Bid     `json:"bid"`
	Request        *Request        `json:"request"`
	PreviousStatus types.BidStatus `json:"previous_status,omitempty"`
}
