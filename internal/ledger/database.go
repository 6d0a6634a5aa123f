package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/klear-auction/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// CreateBid inserts a new ledger entry
func (d *Database) CreateBid(ctx context.Context, bid *Bid) error {
	return d.db.WithContext(ctx).Create(bid).Error
}

// GetBid retrieves a bid by its public id
func (d *Database) GetBid(ctx context.Context, bidID string) (*Bid, error) {
	var bid Bid
	if err := d.db.WithContext(ctx).Where("bid_id = ?", bidID).First(&bid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrBidNotFound
		}
		return nil, fmt.Errorf("failed to fetch bid: %w", err)
	}
	return &bid, nil
}

// GetBidsByParent retrieves all bids of an auction or guarantee request in insertion order
func (d *Database) GetBidsByParent(ctx context.Context, parentID string) ([]Bid, error) {
	var bids []Bid
	if err := d.db.WithContext(ctx).
		Where("parent_id = ?", parentID).
		Order("id ASC").
		Find(&bids).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch bids for parent: %w", err)
	}
	return bids, nil
}

// GetPendingBidsByParent retrieves the PENDING bids of a parent in insertion order
func (d *Database) GetPendingBidsByParent(ctx context.Context, parentID string) ([]Bid, error) {
	var bids []Bid
	if err := d.db.WithContext(ctx).
		Where("parent_id = ? AND status = ?", parentID, types.BidPending).
		Order("id ASC").
		Find(&bids).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch pending bids: %w", err)
	}
	return bids, nil
}

// TransitionPending moves a PENDING bid to a terminal status. It reports false
// when the bid was no longer PENDING.
func (d *Database) TransitionPending(ctx context.Context, bidID string, updates map[string]interface{}) (bool, error) {
	result := d.db.WithContext(ctx).Model(&Bid{}).
		Where("bid_id = ? AND status = ?", bidID, types.BidPending).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("failed to update bid status: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// RejectAllPending rejects every PENDING bid of a parent
func (d *Database) RejectAllPending(ctx context.Context, parentID string, at time.Time) (int64, error) {
	result := d.db.WithContext(ctx).Model(&Bid{}).
		Where("parent_id = ? AND status = ?", parentID, types.BidPending).
		Updates(map[string]interface{}{
			"status":     types.BidRejected,
			"decided_at": at,
			"updated_at": at,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to reject pending bids: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// CountByStatus returns bid counts per status for a parent
func (d *Database) CountByStatus(ctx context.Context, parentID string) (map[types.BidStatus]int64, error) {
	type row struct {
		Status types.BidStatus
		Count  int64
	}
	var rows []row
	if err := d.db.WithContext(ctx).Model(&Bid{}).
		Select("status, COUNT(*) as count").
		Where("parent_id = ?", parentID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count bids: %w", err)
	}
	counts := make(map[types.BidStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}
