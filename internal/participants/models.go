package participants

import (
	"time"

	"github.com/ksred/klear-auction/internal/types"
)

// Participant is an entity known to the identity and trust services
type Participant struct {
	ID          uint       `gorm:"primaryKey" json:"-"`
	EntityID    string     `gorm:"uniqueIndex" json:"entity_id"`
	DisplayName string     `json:"display_name"`
	Role        types.Role `json:"role"`
	TrustScore  *float64   `json:"trust_score,omitempty"` // 0-100, nil when never scored
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// CourseCompletion records a finished learning course
type CourseCompletion struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	EntityID    string    `gorm:"uniqueIndex:idx_completion_entity_course" json:"entity_id"`
	CourseID    string    `gorm:"uniqueIndex:idx_completion_entity_course" json:"course_id"`
	CompletedAt time.Time `json:"completed_at"`
}

// GatingCourse is the course that unlocks bidding on an auction type
type GatingCourse struct {
	ID          uint              `gorm:"primaryKey" json:"-"`
	AuctionType types.AuctionType `gorm:"uniqueIndex" json:"auction_type"`
	CourseID    string            `json:"course_id"`
	Title       string            `json:"title"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// UpsertParticipantRequest is the body of the participant admin endpoint
type UpsertParticipantRequest struct {
	DisplayName string   `json:"display_name"`
	Role        string   `json:"role" binding:"required"`
	TrustScore  *float64 `json:"trust_score"`
}

// GatingCourseRequest is the body of the gating course admin endpoint
type GatingCourseRequest struct {
	CourseID string `json:"course_id" binding:"required"`
	Title    string `json:"title" binding:"required"`
}
