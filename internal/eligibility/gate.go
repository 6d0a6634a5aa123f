package eligibility

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/klear-auction/internal/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// DefaultTimeout bounds every collaborator lookup when none is configured
const DefaultTimeout = 2 * time.Second

// Target is the part of an auction or guarantee request the gate needs
type Target struct {
	ID            string
	Type          types.AuctionType
	Active        bool
	MinTrustScore *float64
}

// Admission is the gate's verdict for an admitted bidder. TrustScore is the live
// score observed during the check and becomes the bid's snapshot.
type Admission struct {
	Role       types.Role
	TrustScore *float64
}

// Gate admits or denies bidders before their bid reaches the ledger
type Gate struct {
	trust   TrustScoreProvider
	roles   RoleProvider
	creds   CredentialService
	timeout time.Duration
	group   singleflight.Group
}

// NewGate creates a gate over the three external collaborators
func NewGate(trust TrustScoreProvider, roles RoleProvider, creds CredentialService, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gate{
		trust:   trust,
		roles:   roles,
		creds:   creds,
		timeout: timeout,
	}
}

// Check runs, in order: target active, role permitted, minimum trust, learning gate.
func (g *Gate) Check(ctx context.Context, bidderID string, target Target) (*Admission, error) {
	logger := log.With().
		Str("bidder_id", bidderID).
		Str("target_id", target.ID).
		Str("auction_type", string(target.Type)).
		Str("service", "eligibility").
		Logger()

	if !target.Active {
		return nil, types.ErrAuctionNotActive
	}

	role, err := lookup(ctx, g, "role:"+bidderID, func(ctx context.Context) (types.Role, error) {
		return g.roles.Role(ctx, bidderID)
	})
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, &types.EligibilityError{Reason: types.ErrRoleNotPermitted, Detail: "unknown bidder"}
		}
		logger.Error().Err(err).Msg("role lookup failed")
		return nil, err
	}
	if !RolePermits(role, target.Type) {
		logger.Debug().Str("role", string(role)).Msg("role not permitted")
		return nil, &types.EligibilityError{
			Reason: types.ErrRoleNotPermitted,
			Detail: fmt.Sprintf("role %s cannot bid on %s auctions", role, target.Type),
		}
	}

	var trustScore *float64
	score, err := lookup(ctx, g, "trust:"+bidderID, func(ctx context.Context) (float64, error) {
		return g.trust.TrustScore(ctx, bidderID)
	})
	switch {
	case err == nil:
		trustScore = &score
	case errors.Is(err, types.ErrNotFound):
		logger.Debug().Msg("no trust score on record, treating as zero")
	default:
		logger.Error().Err(err).Msg("trust score lookup failed")
		return nil, err
	}

	if target.MinTrustScore != nil {
		live := 0.0
		if trustScore != nil {
			live = *trustScore
		}
		if live < *target.MinTrustScore {
			logger.Debug().
				Float64("trust_score", live).
				Float64("min_trust_score", *target.MinTrustScore).
				Msg("trust score below minimum")
			return nil, &types.EligibilityError{
				Reason: types.ErrTrustScoreTooLow,
				Detail: fmt.Sprintf("score %.2f is below minimum %.2f", live, *target.MinTrustScore),
			}
		}
	}

	completed, err := lookup(ctx, g, "course:"+bidderID+":"+string(target.Type), func(ctx context.Context) (bool, error) {
		return g.creds.HasCompletedRequiredCourse(ctx, bidderID, target.Type)
	})
	if err != nil {
		logger.Error().Err(err).Msg("credential lookup failed")
		return nil, err
	}
	if !completed {
		denial := &types.EligibilityError{Reason: types.ErrLearningGateNotSatisfied}
		course, err := lookup(ctx, g, "unlock:"+string(target.Type), func(ctx context.Context) (types.Course, error) {
			return g.creds.UnlockingCourse(ctx, target.Type)
		})
		switch {
		case err == nil:
			denial.UnlockingCourse = &course
			denial.Detail = fmt.Sprintf("complete course %q (%s)", course.Title, course.ID)
		case errors.Is(err, types.ErrNotFound):
			logger.Warn().Msg("learning gate has no unlocking course configured")
		default:
			return nil, err
		}
		return nil, denial
	}

	return &Admission{Role: role, TrustScore: trustScore}, nil
}

// AuthorizeIssuer checks that entityID may create auctions and guarantee requests
func (g *Gate) AuthorizeIssuer(ctx context.Context, entityID string) error {
	role, err := lookup(ctx, g, "role:"+entityID, func(ctx context.Context) (types.Role, error) {
		return g.roles.Role(ctx, entityID)
	})
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return &types.EligibilityError{Reason: types.ErrIssuerNotAuthorized, Detail: "unknown entity"}
		}
		return err
	}
	for _, r := range issuerRoles {
		if r == role {
			return nil
		}
	}
	return &types.EligibilityError{
		Reason: types.ErrIssuerNotAuthorized,
		Detail: fmt.Sprintf("role %s cannot issue", role),
	}
}

// lookup runs fn under the gate timeout. Concurrent lookups with the same key share
// one collaborator call. Anything other than types.ErrNotFound is reported as
// types.ErrCollaboratorUnavailable.
func lookup[T any](ctx context.Context, g *Gate, key string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	ch := g.group.DoChan(key, func() (interface{}, error) {
		callCtx, callCancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
		defer callCancel()
		return fn(callCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			if errors.Is(res.Err, types.ErrNotFound) {
				return zero, res.Err
			}
			return zero, fmt.Errorf("%s: %w: %w", key, types.ErrCollaboratorUnavailable, res.Err)
		}
		return res.Val.(T), nil
	case <-ctx.Done():
		return zero, fmt.Errorf("%s timed out after %s: %w", key, g.timeout, types.ErrCollaboratorUnavailable)
	}
}
