package guarantee

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

func (d *Database) CreateRequest(ctx context.Context, r *Request) error {
	return d.db.WithContext(ctx).Create(r).Error
}

func (d *Database) GetRequest(ctx context.Context, requestID string) (*Request, error) {
	var r Request
	if err := d.db.WithContext(ctx).Where("request_id = ?", requestID).First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrGuaranteeRequestNotFound
		}
		return nil, fmt.Errorf("failed to fetch guarantee request: %w", err)
	}
	return &r, nil
}

// TransitionRequest applies updates only while the request is in the from status
func (d *Database) TransitionRequest(ctx context.Context, requestID string, from types.RequestStatus, updates map[string]interface{}) (bool, error) {
	result := d.db.WithContext(ctx).Model(&Request{}).
		Where("request_id = ? AND status = ?", requestID, from).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("failed to update guarantee request: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// GetDueRequestIDs returns active requests whose bidding window has closed
func (d *Database) GetDueRequestIDs(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	if err := d.db.WithContext(ctx).Model(&Request{}).
		Where("status = ? AND bidding_ends_at IS NOT NULL AND bidding_ends_at <= ?", types.RequestAuctionActive, now).
		Order("id ASC").
		Pluck("request_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch due guarantee requests: %w", err)
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
