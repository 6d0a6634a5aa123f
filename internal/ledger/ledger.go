package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-auction/internal/pricing"
	"github.com/ksred/klear-auction/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Ledger is the append-only bid store shared by auctions and guarantee requests.
// Callers serialize access per parent id; the ledger itself only guards single-row
// transitions with status predicates.
type Ledger struct {
	db  *Database
	now func() time.Time
}

// New creates a ledger on the given gorm connection
func New(gormDB *gorm.DB) *Ledger {
	return &Ledger{
		db:  NewDatabase(gormDB),
		now: types.UTC(time.Now),
	}
}

// WithClock overrides the time source used for submission and decision timestamps
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	return &Ledger{db: l.db, now: types.UTC(now)}
}

// WithTx binds the ledger to a running transaction
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	return &Ledger{db: NewDatabase(tx), now: l.now}
}

// Submit records a new PENDING bid with its trust and effective value snapshot
func (l *Ledger) Submit(ctx context.Context, in SubmitInput) (*Bid, error) {
	if strings.TrimSpace(in.ParentID) == "" {
		return nil, types.Invalid("parent_id", "is required")
	}
	if strings.TrimSpace(in.BidderID) == "" {
		return nil, types.Invalid("bidder_id", "is required")
	}
	if in.RawValue.IsNegative() {
		return nil, types.Invalid("raw_value", "must not be negative")
	}

	var snapshot *float64
	if in.TrustScore != nil {
		score := *in.TrustScore
		snapshot = &score
	}

	now := l.now()
	bid := &Bid{
		BidID:             "BID_" + uuid.New().String(),
		ParentID:          in.ParentID,
		ParentKind:        in.ParentKind,
		BidderID:          in.BidderID,
		RawValue:          in.RawValue,
		Amount:            in.Amount,
		Currency:          in.Currency,
		CoveragePercent:   in.CoveragePercent,
		AllocatedCoverage: decimal.Zero,
		Layer:             in.Layer,
		TrustScore:        snapshot,
		EffectiveValue:    pricing.EffectiveValue(in.RawValue, snapshot, in.TrustWeight),
		Status:            types.BidPending,
		SubmittedAt:       now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := l.db.CreateBid(ctx, bid); err != nil {
		return nil, fmt.Errorf("failed to record bid: %w", err)
	}

	log.Debug().
		Str("bid_id", bid.BidID).
		Str("parent_id", bid.ParentID).
		Str("bidder_id", bid.BidderID).
		Str("raw_value", bid.RawValue.String()).
		Str("effective_value", bid.EffectiveValue.String()).
		Msg("bid recorded in ledger")

	return bid, nil
}

// Get retrieves a bid by id
func (l *Ledger) Get(ctx context.Context, bidID string) (*Bid, error) {
	return l.db.GetBid(ctx, bidID)
}

// Withdraw moves a PENDING bid to WITHDRAWN. It returns the updated bid and the
// status it had before the call.
func (l *Ledger) Withdraw(ctx context.Context, bidID, bidderID string) (*Bid, types.BidStatus, error) {
	bid, err := l.db.GetBid(ctx, bidID)
	if err != nil {
		return nil, "", err
	}
	previous := bid.Status
	if bid.BidderID != bidderID {
		return bid, previous, types.ErrNotBidOwner
	}
	if bid.Status != types.BidPending {
		return bid, previous, fmt.Errorf("cannot withdraw %s bid: %w", bid.Status, types.ErrInvalidBidState)
	}

	now := l.now()
	ok, err := l.db.TransitionPending(ctx, bidID, map[string]interface{}{
		"status":     types.BidWithdrawn,
		"decided_at": now,
		"updated_at": now,
	})
	if err != nil {
		return nil, previous, err
	}
	if !ok {
		current, getErr := l.db.GetBid(ctx, bidID)
		if getErr != nil {
			return nil, previous, getErr
		}
		return current, previous, fmt.Errorf("bid changed state during withdrawal: %w", types.ErrInvalidBidState)
	}

	bid.Status = types.BidWithdrawn
	bid.DecidedAt = &now
	bid.UpdatedAt = now
	return bid, previous, nil
}

// ListByParent returns all bids of a parent, best ranked first
func (l *Ledger) ListByParent(ctx context.Context, parentID string) ([]Bid, error) {
	bids, err := l.db.GetBidsByParent(ctx, parentID)
	if err != nil {
		return nil, err
	}
	pricing.Rank(bids)
	return bids, nil
}

// Pending returns the PENDING bids of a parent, best ranked first
func (l *Ledger) Pending(ctx context.Context, parentID string) ([]Bid, error) {
	bids, err := l.db.GetPendingBidsByParent(ctx, parentID)
	if err != nil {
		return nil, err
	}
	pricing.Rank(bids)
	return bids, nil
}

// Apply commits clearing or allocation decisions. Every bid must still be PENDING;
// run it inside a transaction so a single failure undoes the whole batch.
func (l *Ledger) Apply(ctx context.Context, decisions []Decision) error {
	now := l.now()
	for _, d := range decisions {
		if d.Status == types.BidPending {
			return fmt.Errorf("decision for bid %s is not terminal", d.BidID)
		}
		updates := map[string]interface{}{
			"status":     d.Status,
			"decided_at": now,
			"updated_at": now,
		}
		if d.Status == types.BidAccepted {
			updates["allocated_coverage"] = d.AllocatedCoverage
		}
		ok, err := l.db.TransitionPending(ctx, d.BidID, updates)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("bid %s is no longer pending: %w", d.BidID, types.ErrInvalidBidState)
		}
	}
	return nil
}

// RejectPending cascades REJECTED onto every PENDING bid of a parent
func (l *Ledger) RejectPending(ctx context.Context, parentID string) (int64, error) {
	return l.db.RejectAllPending(ctx, parentID, l.now())
}

// Counts returns bid counts per status for a parent
func (l *Ledger) Counts(ctx context.Context, parentID string) (map[types.BidStatus]int64, error) {
	return l.db.CountByStatus(ctx, parentID)
}

// RequireDecided fails with types.ErrClearingInvariantViolated while any bid of the
// parent is still PENDING. Clearing and allocation call it before committing.
func (l *Ledger) RequireDecided(ctx context.Context, parentID string) error {
	counts, err := l.Counts(ctx, parentID)
	if err != nil {
		return err
	}
	if n := counts[types.BidPending]; n > 0 {
		return fmt.Errorf("%d bids of %s left pending: %w", n, parentID, types.ErrClearingInvariantViolated)
	}
	return nil
}
