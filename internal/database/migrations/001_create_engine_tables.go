package migrations

import (
	"github.com/ksred/klear-auction/internal/auction"
	"github.com/ksred/klear-auction/internal/guarantee"
	"github.com/ksred/klear-auction/internal/idempotency"
	"github.com/ksred/klear-auction/internal/ledger"
	"github.com/ksred/klear-auction/internal/participants"
	"gorm.io/gorm"
)

// CreateEngineTables creates the auction, guarantee, bid ledger and participant tables
func CreateEngineTables(db *gorm.DB) error {
	return db.AutoMigrate(
		&auction.Auction{},
		&guarantee.Request{},
		&ledger.Bid{},
		&idempotency.Record{},
		&participants.Participant{},
		&participants.CourseCompletion{},
		&participants.GatingCourse{},
	)
}
