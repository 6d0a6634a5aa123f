package migrations

import (
	"fmt"

	"gorm.io/gorm"
)

// AddLifecycleIndexes adds the composite indexes behind the due-item sweeps and the
// per-parent bid scans
func AddLifecycleIndexes(db *gorm.DB) error {
	indexes := []string{
		// PENDING auctions by start, ACTIVE auctions by end
		`CREATE INDEX IF NOT EXISTS idx_auctions_status_start
		 ON auctions(status, start_time)`,
		`CREATE INDEX IF NOT EXISTS idx_auctions_status_end
		 ON auctions(status, end_time)`,

		// pending bids of one auction or guarantee request
		`CREATE INDEX IF NOT EXISTS idx_bids_parent_status
		 ON bids(parent_id, status)`,

		`CREATE INDEX IF NOT EXISTS idx_guarantee_requests_status_ends
		 ON guarantee_requests(status, bidding_ends_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}
