package auction

import (
	"time"

	"github.com/ksred/klear-auction/internal/ledger"
	"github.com/ksred/klear-auction/internal/types"
	"github.com/shopspring/decimal"
)

// Auction is a time-boxed single-winner auction
type Auction struct {
	ID            uint                `gorm:"primaryKey" json:"-"`
	AuctionID     string              `gorm:"uniqueIndex" json:"auction_id"`
	IssuerID      string              `gorm:"index" json:"issuer_id"`
	Type          types.AuctionType   `gorm:"index" json:"type"`
	ProjectID     *string             `json:"project_id,omitempty"`
	ReservePrice  decimal.NullDecimal `gorm:"type:text" json:"reserve_price"`
	TargetAmount  decimal.NullDecimal `gorm:"type:text" json:"target_amount"`
	Currency      string              `json:"currency"`
	StartTime     time.Time           `json:"start_time"`
	EndTime       time.Time           `json:"end_time"`
	Status        types.AuctionStatus `gorm:"index" json:"status"` // PENDING, ACTIVE, CLOSED, CANCELLED
	ClearedPrice  decimal.NullDecimal `gorm:"type:text" json:"cleared_price"`
	AcceptedBidID *string             `json:"accepted_bid_id"`
	MinTrustScore *float64            `json:"min_trust_score,omitempty"`
	TrustWeight   float64             `json:"trust_weight"`
	ClosedAt      *time.Time          `json:"closed_at,omitempty"`
	CancelledAt   *time.Time          `json:"cancelled_at,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// Reserve returns the reserve price or nil when none is set
func (a *Auction) Reserve() *decimal.Decimal {
	if !a.ReservePrice.Valid {
		return nil
	}
	r := a.ReservePrice.Decimal
	return &r
}

// CreateAuctionRequest is the input of CreateAuction
type CreateAuctionRequest struct {
	Type          string           `json:"type" binding:"required"`
	ProjectID     *string          `json:"project_id"`
	ReservePrice  *decimal.Decimal `json:"reserve_price"`
	TargetAmount  *decimal.Decimal `json:"target_amount"`
	Currency      string           `json:"currency" binding:"required"`
	StartTime     time.Time        `json:"start_time" binding:"required"`
	EndTime       time.Time        `json:"end_time" binding:"required"`
	MinTrustScore *float64         `json:"min_trust_score"`
	TrustWeight   *float64         `json:"trust_weight"` // defaults to 1.0
}

// PlaceBidRequest is the input of PlaceBid
type PlaceBidRequest struct {
	Price    decimal.Decimal  `json:"price"`
	Amount   *decimal.Decimal `json:"amount"`
	Currency string           `json:"currency"` // optional, must match the auction when set
}

// ExtendRequest is the input of ExtendAuction
type ExtendRequest struct {
	EndTime time.Time `json:"end_time" binding:"required"`
}

// AuctionView is the full state returned by every auction operation
type AuctionView struct {
	Auction     *Auction     `json:"auction"`
	AcceptedBid *ledger.Bid  `json:"accepted_bid,omitempty"`
	Bids        []ledger.Bid `json:"bids"` // best ranked first
}

// BidResult is returned by bid mutations. PreviousStatus is the bid status before
// the call and lets a client undo an optimistic update.
type BidResult struct {
	Bid            *ledger.Bid     `json:"bid"`
	Auction        *Auction        `json:"auction"`
	PreviousStatus types.BidStatus `json:"previous_status,omitempty"`
}
