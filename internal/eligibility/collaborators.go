package eligibility

import (
	"context"

	"github.com/ksred/klear-auction/internal/types"
)

// TrustScoreProvider supplies a 0-100 trust score. Unknown entities return types.ErrNotFound.
type TrustScoreProvider interface {
	TrustScore(ctx context.Context, entityID string) (float64, error)
}

// RoleProvider is the identity service
type RoleProvider interface {
	Role(ctx context.Context, entityID string) (types.Role, error)
}

// CredentialService is the learning service gating auction types behind courses
type CredentialService interface {
	HasCompletedRequiredCourse(ctx context.Context, entityID string, auctionType types.AuctionType) (bool, error)
	UnlockingCourse(ctx context.Context, auctionType types.AuctionType) (types.Course, error)
}

// permittedRoles lists which roles may bid on each auction type
var permittedRoles = map[types.AuctionType][]types.Role{
	types.AuctionTypeCapital:        {types.RoleInvestor},
	types.AuctionTypeGuarantee:      {types.RoleGuarantor},
	types.AuctionTypeSupplyContract: {types.RoleSupplier},
	types.AuctionTypeTradeService:   {types.RoleServiceProvider},
}

var issuerRoles = []types.Role{types.RoleIssuer, types.RoleAdmin}

// RolePermits reports whether role may bid on auctions of type t
func RolePermits(role types.Role, t types.AuctionType) bool {
	for _, r := range permittedRoles[t] {
		if r == role {
			return true
		}
	}
	return false
}
