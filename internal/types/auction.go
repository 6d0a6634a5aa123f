package types

import "strings"

// AuctionType identifies what is being auctioned
type AuctionType string

const (
	AuctionTypeCapital        AuctionType = "CAPITAL"
	AuctionTypeGuarantee      AuctionType = "GUARANTEE"
	AuctionTypeSupplyContract AuctionType = "SUPPLY_CONTRACT"
	AuctionTypeTradeService   AuctionType = "TRADE_SERVICE"
)

// Valid reports whether t is one of the known auction types
func (t AuctionType) Valid() bool {
	switch t {
	case AuctionTypeCapital, AuctionTypeGuarantee, AuctionTypeSupplyContract, AuctionTypeTradeService:
		return true
	}
	return false
}

// ParseAuctionType normalizes s and validates it
func ParseAuctionType(s string) (AuctionType, bool) {
	t := AuctionType(strings.ToUpper(strings.TrimSpace(s)))
	return t, t.Valid()
}

// AuctionStatus is the lifecycle state of an auction
type AuctionStatus string

const (
	AuctionPending   AuctionStatus = "PENDING"
	AuctionActive    AuctionStatus = "ACTIVE"
	AuctionClosed    AuctionStatus = "CLOSED"
	AuctionCancelled AuctionStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are possible
func (s AuctionStatus) Terminal() bool {
	return s == AuctionClosed || s == AuctionCancelled
}

// BidStatus is the lifecycle state of a bid
type BidStatus string

const (
	BidPending   BidStatus = "PENDING"
	BidAccepted  BidStatus = "ACCEPTED"
	BidRejected  BidStatus = "REJECTED"
	BidWithdrawn BidStatus = "WITHDRAWN"
)

// ParentKind tells which aggregate owns a ledger bid
type ParentKind string

const (
	ParentAuction   ParentKind = "AUCTION"
	ParentGuarantee ParentKind = "GUARANTEE"
)

// Role is the identity service's classification of an entity
type Role string

const (
	RoleInvestor        Role = "INVESTOR"
	RoleGuarantor       Role = "GUARANTOR"
	RoleSupplier        Role = "SUPPLIER"
	RoleServiceProvider Role = "SERVICE_PROVIDER"
	RoleIssuer          Role = "ISSUER"
	RoleAdmin           Role = "ADMIN"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	switch r {
	case RoleInvestor, RoleGuarantor, RoleSupplier, RoleServiceProvider, RoleIssuer, RoleAdmin:
		return true
	}
	return false
}

// Course is a learning credential that unlocks bidding on an auction type
type Course struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// MaxTrustScore is the upper bound of the trust scale
const MaxTrustScore = 100.0
