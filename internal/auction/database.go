package auction

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

func (d *Database) CreateAuction(ctx context.Context, a *Auction) error {
	return d.db.WithContext(ctx).Create(a).Error
}

func (d *Database) GetAuction(ctx context.Context, auctionID string) (*Auction, error) {
	var a Auction
	if err := d.db.WithContext(ctx).Where("auction_id = ?", auctionID).First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrAuctionNotFound
		}
		return nil, fmt.Errorf("failed to fetch auction: %w", err)
	}
	return &a, nil
}

// ListAuctions returns auctions newest first, optionally filtered by status
func (d *Database) ListAuctions(ctx context.Context, status types.AuctionStatus, limit int) ([]Auction, error) {
	var auctions []Auction
	q := d.db.WithContext(ctx).Order("id DESC").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Find(&auctions).Error; err != nil {
		return nil, fmt.Errorf("failed to list auctions: %w", err)
	}
	return auctions, nil
}

// TransitionAuction applies updates only if the auction is still in one of the from
// statuses. It reports whether the row changed.
func (d *Database) TransitionAuction(ctx context.Context, auctionID string, from []types.AuctionStatus, updates map[string]interface{}) (bool, error) {
	result := d.db.WithContext(ctx).Model(&Auction{}).
		Where("auction_id = ? AND status IN ?", auctionID, from).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("failed to update auction: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// GetDueAuctionIDs returns PENDING auctions past their start and ACTIVE auctions past their end
func (d *Database) GetDueAuctionIDs(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	if err := d.db.WithContext(ctx).Model(&Auction{}).
		Where("(status = ? AND start_time <= ?) OR (status = ? AND end_time <= ?)",
			types.AuctionPending, now, types.AuctionActive, now).
		Order("id ASC").
		Pluck("auction_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch due auctions: %w", err)
	}
	return ids, nil
}

// Transaction runs fn inside a database transaction
func (d *Database) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	tx := d.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}
