package ledger

import (
	"time"

	"github.com/ksred/klear-auction/internal/types"
	"github.com/shopspring/decimal"
)

// Bid is one ledger entry. Auction bids carry a price in RawValue; guarantee bids
// carry an annualized fee percent plus coverage and layer.
type Bid struct {
	ID                uint                `gorm:"primaryKey" json:"-"`
	BidID             string              `gorm:"uniqueIndex" json:"bid_id"`
	ParentID          string              `gorm:"index" json:"parent_id"`
	ParentKind        types.ParentKind    `json:"parent_kind"`
	BidderID          string              `gorm:"index" json:"bidder_id"`
	RawValue          decimal.Decimal     `gorm:"type:text" json:"raw_value"`
	Amount            decimal.NullDecimal `gorm:"type:text" json:"amount,omitempty"`
	Currency          string              `json:"currency,omitempty"`
	CoveragePercent   decimal.Decimal     `gorm:"type:text" json:"coverage_percent"`
	AllocatedCoverage decimal.Decimal     `gorm:"type:text" json:"allocated_coverage"`
	Layer             types.Layer         `json:"layer,omitempty"`
	TrustScore        *float64            `json:"trust_score,omitempty"` // snapshot at submission, never updated
	EffectiveValue    decimal.Decimal     `gorm:"type:text" json:"effective_value"`
	Status            types.BidStatus     `gorm:"index" json:"status"` // PENDING, ACCEPTED, REJECTED, WITHDRAWN
	SubmittedAt       time.Time           `json:"submitted_at"`
	DecidedAt         *time.Time          `json:"decided_at,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

func (b Bid) Effective() decimal.Decimal { return b.EffectiveValue }
func (b Bid) Submitted() time.Time       { return b.SubmittedAt }
func (b Bid) Seq() int64                 { return int64(b.ID) }

// TrustKnown reports whether a trust score was available at submission
func (b Bid) TrustKnown() bool {
	return b.TrustScore != nil
}

// SubmitInput is what a caller hands the ledger for a new bid
type SubmitInput struct {
	ParentID        string
	ParentKind      types.ParentKind
	BidderID        string
	RawValue        decimal.Decimal
	Amount          decimal.NullDecimal
	Currency        string
	CoveragePercent decimal.Decimal
	Layer           types.Layer
	TrustScore      *float64
	TrustWeight     float64
}

// Decision is a terminal status assigned to a pending bid by clearing or allocation
type Decision struct {
	BidID             string
	Status            types.BidStatus
	AllocatedCoverage decimal.Decimal
}
