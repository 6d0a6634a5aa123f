package participants

import (
	"context"
	"errors"
	"fmt"

	"github.com/ksred/klear-auction/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetParticipant(ctx context.Context, entityID string) (*Participant, error) {
	var p Participant
	if err := d.db.WithContext(ctx).Where("entity_id = ?", entityID).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch participant: %w", err)
	}
	return &p, nil
}

// UpsertParticipant creates or replaces role, name and trust score of a participant
func (d *Database) UpsertParticipant(ctx context.Context, p *Participant) error {
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entity_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "role", "trust_score", "updated_at"}),
	}).Create(p).Error
}

func (d *Database) HasCompletion(ctx context.Context, entityID, courseID string) (bool, error) {
	var count int64
	if err := d.db.WithContext(ctx).Model(&CourseCompletion{}).
		Where("entity_id = ? AND course_id = ?", entityID, courseID).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check course completion: %w", err)
	}
	return count > 0, nil
}

// CreateCompletion records a course completion; repeating it is a no-op
func (d *Database) CreateCompletion(ctx context.Context, c *CourseCompletion) error {
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(c).Error
}

func (d *Database) GetGatingCourse(ctx context.Context, t types.AuctionType) (*GatingCourse, error) {
	var g GatingCourse
	if err := d.db.WithContext(ctx).Where("auction_type = ?", t).First(&g).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch gating course: %w", err)
	}
	return &g, nil
}

func (d *Database) UpsertGatingCourse(ctx context.Context, g *GatingCourse) error {
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "auction_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"course_id", "title", "updated_at"}),
	}).Create(g).Error
}

func (d *Database) DeleteGatingCourse(ctx context.Context, t types.AuctionType) error {
	return d.db.WithContext(ctx).Where("auction_type = ?", t).Delete(&GatingCourse{}).Error
}
