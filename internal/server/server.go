// Package server wires the engine services, HTTP routes and lifecycle sweeps
// together from configuration.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-auction/internal/auction"
	"github.com/ksred/klear-auction/internal/auth"
	"github.com/ksred/klear-auction/internal/config"
	"github.com/ksred/klear-auction/internal/database"
	"github.com/ksred/klear-auction/internal/eligibility"
	"github.com/ksred/klear-auction/internal/guarantee"
	"github.com/ksred/klear-auction/internal/idempotency"
	"github.com/ksred/klear-auction/internal/lifecycle"
	"github.com/ksred/klear-auction/internal/lockmap"
	"github.com/ksred/klear-auction/internal/participants"
	"github.com/ksred/klear-auction/pkg/middleware"
	zlog "github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Server holds everything one engine process runs
type Server struct {
	cfg        *config.Config
	db         *gorm.DB
	router     *gin.Engine
	auth       *auth.Service
	directory  *participants.Directory
	auctions   *auction.Service
	guarantees *guarantee.Service
	keys       *idempotency.Store
	processor  *lifecycle.Processor
}

// New opens the configured database and builds the server on it
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return NewWithDB(ctx, cfg, db)
}

// NewWithDB builds the server on an already migrated database
func NewWithDB(ctx context.Context, cfg *config.Config, db *gorm.DB) (*Server, error) {
	directory := participants.NewDirectory(db)
	if err := directory.Seed(ctx, seedParticipants(cfg.Seed), seedCourses(cfg.Seed)); err != nil {
		return nil, fmt.Errorf("failed to seed participants: %w", err)
	}

	authService := auth.NewService(cfg.Auth.JWTSecret)
	for _, cred := range cfg.Auth.APICredentials {
		var extra []string
		if cred.Admin {
			extra = append(extra, "admin")
		}
		authService.RegisterAPICredentials(cred.APIKey, cred.APISecret, cred.EntityID, extra...)
	}

	gate := eligibility.NewGate(directory, directory, directory, cfg.Engine.CollaboratorTimeout)
	locks := lockmap.New()
	auctions := auction.NewService(db, gate, locks)
	guarantees := guarantee.NewService(db, gate, locks)
	keys := idempotency.NewStore(db)

	processor, err := lifecycle.NewProcessor(auctions, guarantees, keys, lifecycle.Options{
		SweepInterval: cfg.Engine.SweepInterval,
		PurgeInterval: cfg.Engine.IdempotencyPurge,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if gin.Mode() != gin.TestMode {
		router.Use(gin.Logger())
	}

	s := &Server{
		cfg:        cfg,
		db:         db,
		router:     router,
		auth:       authService,
		directory:  directory,
		auctions:   auctions,
		guarantees: guarantees,
		keys:       keys,
		processor:  processor,
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves HTTP and runs the lifecycle sweeps until ctx is done, then shuts both
// down gracefully
func (s *Server) Run(ctx context.Context) error {
	// catch up on anything that came due while the process was down
	s.processor.RunOnce(ctx)
	if err := s.processor.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := s.processor.Stop(); err != nil {
			zlog.Error().Err(err).Msg("failed to stop lifecycle processor")
		}
	}()

	srv := &http.Server{
		Addr:    ":" + s.cfg.Server.Port,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		zlog.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	zlog.Info().Msg("Shutting down server...")
	// Give outstanding operations 5 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	zlog.Info().Msg("Server exiting")
	return nil
}

// setupRoutes mounts the public token route, the JWT protected engine routes and
// the admin-only participant routes under /api/v1
func (s *Server) setupRoutes() {
	secret := s.cfg.Auth.JWTSecret
	authHandlers := auth.NewGinHandlers(s.auth)

	v1 := s.router.Group("/api/v1")
	{
		authGroup := v1.Group("/auth")
		authGroup.Use(middleware.RateLimit())
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(secret))
		{
			participantHandlers := participants.NewGinHandlers(s.directory)
			internal.PUT("/participants/:entity_id", participantHandlers.UpsertParticipantHandler())
			internal.POST("/participants/:entity_id/courses/:course_id", participantHandlers.RecordCompletionHandler())
			internal.PUT("/gating-courses/:auction_type", participantHandlers.SetGatingCourseHandler())
			internal.DELETE("/gating-courses/:auction_type", participantHandlers.ClearGatingCourseHandler())
		}

		engine := v1.Group("")
		engine.Use(middleware.JWTAuth(secret), middleware.RateLimit())
		auction.NewGinHandlers(s.auctions).Register(engine)
		guarantee.NewGinHandlers(s.guarantees).Register(engine)
	}
}

func seedParticipants(seed config.SeedConfig) []participants.SeedParticipant {
	out := make([]participants.SeedParticipant, 0, len(seed.Participants))
	for _, p := range seed.Participants {
		out = append(out, participants.SeedParticipant{
			EntityID:    p.EntityID,
			DisplayName: p.DisplayName,
			Role:        p.Role,
			TrustScore:  p.TrustScore,
			Courses:     p.Courses,
		})
	}
	return out
}

func seedCourses(seed config.SeedConfig) []participants.SeedCourse {
	out := make([]participants.SeedCourse, 0, len(seed.GatingCourses))
	for _, c := range seed.GatingCourses {
		out = append(out, participants.SeedCourse{
			AuctionType: c.AuctionType,
			CourseID:    c.CourseID,
			Title:       c.Title,
		})
	}
	return out
}
