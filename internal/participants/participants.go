package participants

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-auction/internal/types"
	"github.com/ksred/klear-auction/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Directory backs the trust score, identity and learning collaborators with the
// participants tables
type Directory struct {
	db *Database
}

// NewDirectory creates a directory on the given gorm connection
func NewDirectory(gormDB *gorm.DB) *Directory {
	return &Directory{
		db: NewDatabase(gormDB),
	}
}

// TrustScore returns the live trust score of an entity
func (d *Directory) TrustScore(ctx context.Context, entityID string) (float64, error) {
	p, err := d.db.GetParticipant(ctx, entityID)
	if err != nil {
		return 0, err
	}
	if p.TrustScore == nil {
		return 0, types.ErrNotFound
	}
	return *p.TrustScore, nil
}

// Role returns the identity service role of an entity
func (d *Directory) Role(ctx context.Context, entityID string) (types.Role, error) {
	p, err := d.db.GetParticipant(ctx, entityID)
	if err != nil {
		return "", err
	}
	return p.Role, nil
}

// HasCompletedRequiredCourse reports whether the entity may pass the learning gate
// of an auction type. Ungated types always pass.
func (d *Directory) HasCompletedRequiredCourse(ctx context.Context, entityID string, auctionType types.AuctionType) (bool, error) {
	course, err := d.db.GetGatingCourse(ctx, auctionType)
	if errors.Is(err, types.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return d.db.HasCompletion(ctx, entityID, course.CourseID)
}

// UnlockingCourse returns the course gating an auction type
func (d *Directory) UnlockingCourse(ctx context.Context, auctionType types.AuctionType) (types.Course, error) {
	course, err := d.db.GetGatingCourse(ctx, auctionType)
	if err != nil {
		return types.Course{}, err
	}
	return types.Course{ID: course.CourseID, Title: course.Title}, nil
}

// UpsertParticipant registers or updates an entity's role and trust score
func (d *Directory) UpsertParticipant(ctx context.Context, entityID string, req UpsertParticipantRequest) (*Participant, error) {
	if strings.TrimSpace(entityID) == "" {
		return nil, types.Invalid("entity_id", "is required")
	}
	role := types.Role(strings.ToUpper(strings.TrimSpace(req.Role)))
	if !role.Valid() {
		return nil, types.Invalid("role", fmt.Sprintf("unknown role %q", req.Role))
	}
	if req.TrustScore != nil && (*req.TrustScore < 0 || *req.TrustScore > types.MaxTrustScore) {
		return nil, types.Invalid("trust_score", "must be between 0 and 100")
	}

	now := time.Now().UTC()
	p := &Participant{
		EntityID:    entityID,
		DisplayName: req.DisplayName,
		Role:        role,
		TrustScore:  req.TrustScore,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := d.db.UpsertParticipant(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to upsert participant: %w", err)
	}

	log.Info().
		Str("entity_id", entityID).
		Str("role", string(role)).
		Msg("participant updated")

	return d.db.GetParticipant(ctx, entityID)
}

// RecordCompletion marks a course as completed by an entity
func (d *Directory) RecordCompletion(ctx context.Context, entityID, courseID string) error {
	if strings.TrimSpace(entityID) == "" || strings.TrimSpace(courseID) == "" {
		return types.Invalid("course_id", "entity and course are required")
	}
	return d.db.CreateCompletion(ctx, &CourseCompletion{
		EntityID:    entityID,
		CourseID:    courseID,
		CompletedAt: time.Now().UTC(),
	})
}

// SetGatingCourse makes courseID a prerequisite for bidding on auctionType
func (d *Directory) SetGatingCourse(ctx context.Context, auctionType types.AuctionType, courseID, title string) error {
	if !auctionType.Valid() {
		return types.Invalid("auction_type", fmt.Sprintf("unknown auction type %q", auctionType))
	}
	return d.db.UpsertGatingCourse(ctx, &GatingCourse{
		AuctionType: auctionType,
		CourseID:    courseID,
		Title:       title,
		UpdatedAt:   time.Now().UTC(),
	})
}

// ClearGatingCourse removes the learning gate of an auction type
func (d *Directory) ClearGatingCourse(ctx context.Context, auctionType types.AuctionType) error {
	if !auctionType.Valid() {
		return types.Invalid("auction_type", fmt.Sprintf("unknown auction type %q", auctionType))
	}
	return d.db.DeleteGatingCourse(ctx, auctionType)
}

// SeedParticipant is a participant loaded from configuration
type SeedParticipant struct {
	EntityID    string
	DisplayName string
	Role        string
	TrustScore  *float64
	Courses     []string
}

// SeedCourse is a gating course loaded from configuration
type SeedCourse struct {
	AuctionType string
	CourseID    string
	Title       string
}

// Seed loads participants and gating courses, typically from config at startup
func (d *Directory) Seed(ctx context.Context, participants []SeedParticipant, courses []SeedCourse) error {
	for _, c := range courses {
		t, ok := types.ParseAuctionType(c.AuctionType)
		if !ok {
			return types.Invalid("auction_type", fmt.Sprintf("unknown auction type %q", c.AuctionType))
		}
		if err := d.SetGatingCourse(ctx, t, c.CourseID, c.Title); err != nil {
			return err
		}
	}
	for _, p := range participants {
		if _, err := d.UpsertParticipant(ctx, p.EntityID, UpsertParticipantRequest{
			DisplayName: p.DisplayName,
			Role:        p.Role,
			TrustScore:  p.TrustScore,
		}); err != nil {
			return err
		}
		for _, courseID := range p.Courses {
			if err := d.RecordCompletion(ctx, p.EntityID, courseID); err != nil {
				return err
			}
		}
	}
	log.Info().
		Int("participants", len(participants)).
		Int("gating_courses", len(courses)).
		Msg("seeded participant directory")
	return nil
}

// GinHandlers contains HTTP handlers for participant administration
type GinHandlers struct {
	directory *Directory
}

func NewGinHandlers(directory *Directory) *GinHandlers {
	return &GinHandlers{
		directory: directory,
	}
}

// UpsertParticipantHandler handles PUT /internal/participants/:entity_id
func (h *GinHandlers) UpsertParticipantHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UpsertParticipantRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		p, err := h.directory.UpsertParticipant(c.Request.Context(), c.Param("entity_id"), req)
		response.Handle(c, p, err)
	}
}

// RecordCompletionHandler handles POST /internal/participants/:entity_id/courses/:course_id
func (h *GinHandlers) RecordCompletionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		err := h.directory.RecordCompletion(c.Request.Context(), c.Param("entity_id"), c.Param("course_id"))
		response.Handle(c, gin.H{"entity_id": c.Param("entity_id"), "course_id": c.Param("course_id")}, err)
	}
}

// SetGatingCourseHandler handles PUT /internal/gating-courses/:auction_type
func (h *GinHandlers) SetGatingCourseHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		auctionType, ok := types.ParseAuctionType(c.Param("auction_type"))
		if !ok {
			response.BadRequest(c, "unknown auction type")
			return
		}
		var req GatingCourseRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		err := h.directory.SetGatingCourse(c.Request.Context(), auctionType, req.CourseID, req.Title)
		response.Handle(c, types.Course{ID: req.CourseID, Title: req.Title}, err)
	}
}

// ClearGatingCourseHandler handles DELETE /internal/gating-courses/:auction_type
func (h *GinHandlers) ClearGatingCourseHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		auctionType, ok := types.ParseAuctionType(c.Param("auction_type"))
		if !ok {
			response.BadRequest(c, "unknown auction type")
			return
		}
		err := h.directory.ClearGatingCourse(c.Request.Context(), auctionType)
		response.Handle(c, gin.H{"auction_type": auctionType}, err)
	}
}
