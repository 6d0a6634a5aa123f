// Package idempotency remembers which resource a client's Idempotency-Key produced so
// a retried create returns the original result instead of a duplicate.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/klear-auction/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultTTL is how long a key stays bound to its resource
const DefaultTTL = 24 * time.Hour

// Record binds an owner's key to the resource it created. A key is unique per owner
// and resource type.
type Record struct {
	ID             uint      `gorm:"primaryKey" json:"-"`
	OwnerID        string    `gorm:"uniqueIndex:idx_idempotency_owner_key" json:"owner_id"`
	IdempotencyKey string    `gorm:"uniqueIndex:idx_idempotency_owner_key" json:"idempotency_key"`
	ResourceType   string    `gorm:"uniqueIndex:idx_idempotency_owner_key" json:"resource_type"` // auction, auction_bid, guarantee_request, guarantee_bid
	ResourceID     string    `json:"resource_id"`
	ExpiresAt      time.Time `gorm:"index" json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}

func (Record) TableName() string {
	return "idempotency_records"
}

type Store struct {
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, ttl: DefaultTTL, now: types.UTC(time.Now)}
}

// WithClock overrides the time source used for expiry
func (s *Store) WithClock(now func() time.Time) *Store {
	return &Store{db: s.db, ttl: s.ttl, now: types.UTC(now)}
}

// WithTx binds the store to a running transaction
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx, ttl: s.ttl, now: s.now}
}

// Lookup returns the resource id bound to key. An empty key or an expired record
// is reported as not found.
func (s *Store) Lookup(ctx context.Context, ownerID, key, resourceType string) (string, bool, error) {
	if key == "" {
		return "", false, nil
	}
	var record Record
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND idempotency_key = ? AND resource_type = ?", ownerID, key, resourceType).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to fetch idempotency record: %w", err)
	}
	if !record.ExpiresAt.After(s.now()) {
		return "", false, nil
	}
	return record.ResourceID, true, nil
}

// Remember binds key to resourceID, replacing an expired binding. An empty key is a no-op.
func (s *Store) Remember(ctx context.Context, ownerID, key, resourceType, resourceID string) error {
	if key == "" {
		return nil
	}
	now := s.now()
	record := &Record{
		OwnerID:        ownerID,
		IdempotencyKey: key,
		ResourceID:     resourceID,
		ResourceType:   resourceType,
		ExpiresAt:      now.Add(s.ttl),
		CreatedAt:      now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}, {Name: "idempotency_key"}, {Name: "resource_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"resource_id", "expires_at", "created_at"}),
	}).Create(record).Error
	if err != nil {
		return fmt.Errorf("failed to save idempotency record: %w", err)
	}
	return nil
}

// Purge deletes expired records
func (s *Store) Purge(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Where("expires_at <= ?", s.now()).Delete(&Record{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to purge idempotency records: %w", result.Error)
	}
	return result.RowsAffected, nil
}
