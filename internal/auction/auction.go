package auction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-auction/internal/eligibility"
	"github.com/ksred/klear-auction/internal/idempotency"
	"github.com/ksred/klear-auction/internal/ledger"
	"github.com/ksred/klear-auction/internal/lockmap"
	"github.com/ksred/klear-auction/internal/pricing"
	"github.com/ksred/klear-auction/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	resourceAuction = "auction"
	resourceBid     = "auction_bid"

	defaultListLimit = 100
)

// Service runs the auction state machine. Every operation on one auction holds
// that auction's lock, so ledger mutation and clearing never interleave.
type Service struct {
	db     *Database
	ledger *ledger.Ledger
	keys   *idempotency.Store
	gate   *eligibility.Gate
	locks  *lockmap.Map
	now    func() time.Time
}

// NewService creates an auction service. locks may be shared with other services
// because auction ids carry their own prefix.
func NewService(gormDB *gorm.DB, gate *eligibility.Gate, locks *lockmap.Map) *Service {
	if locks == nil {
		locks = lockmap.New()
	}
	return &Service{
		db:     NewDatabase(gormDB),
		ledger: ledger.New(gormDB),
		keys:   idempotency.NewStore(gormDB),
		gate:   gate,
		locks:  locks,
		now:    types.UTC(time.Now),
	}
}

// WithClock overrides the time source for the service and its ledger
func (s *Service) WithClock(now func() time.Time) *Service {
	clone := *s
	clone.now = types.UTC(now)
	clone.ledger = s.ledger.WithClock(now)
	clone.keys = s.keys.WithClock(now)
	return &clone
}

func (s *Service) logger(auctionID string) *zerolog.Logger {
	l := log.With().
		Str("auction_id", auctionID).
		Str("service", "auction").
		Logger()
	return &l
}

// CreateAuction validates and stores a new PENDING auction for an authorized issuer.
// A repeated idempotency key returns the auction created the first time.
func (s *Service) CreateAuction(ctx context.Context, issuerID string, req CreateAuctionRequest, idempotencyKey string) (*AuctionView, error) {
	if existingID, found, err := s.keys.Lookup(ctx, issuerID, idempotencyKey, resourceAuction); err != nil {
		return nil, err
	} else if found {
		return s.GetAuction(ctx, existingID)
	}

	a, err := s.buildAuction(issuerID, req)
	if err != nil {
		return nil, err
	}
	if err := s.gate.AuthorizeIssuer(ctx, issuerID); err != nil {
		return nil, err
	}

	err = s.db.Transaction(ctx, func(tx *gorm.DB) error {
		if err := NewDatabase(tx).CreateAuction(ctx, a); err != nil {
			return fmt.Errorf("failed to create auction: %w", err)
		}
		return s.keys.WithTx(tx).Remember(ctx, issuerID, idempotencyKey, resourceAuction, a.AuctionID)
	})
	if err != nil {
		return nil, err
	}

	s.logger(a.AuctionID).Info().
		Str("issuer_id", issuerID).
		Str("type", string(a.Type)).
		Time("start_time", a.StartTime).
		Time("end_time", a.EndTime).
		Msg("auction created")

	return &AuctionView{Auction: a, Bids: []ledger.Bid{}}, nil
}

func (s *Service) buildAuction(issuerID string, req CreateAuctionRequest) (*Auction, error) {
	auctionType, ok := types.ParseAuctionType(req.Type)
	if !ok {
		return nil, types.Invalid("type", fmt.Sprintf("unknown auction type %q", req.Type))
	}
	currency, err := types.NormalizeCurrency(req.Currency)
	if err != nil {
		return nil, err
	}
	if req.StartTime.IsZero() || req.EndTime.IsZero() {
		return nil, types.Invalid("start_time", "start and end time are required")
	}
	if !req.EndTime.After(req.StartTime) {
		return nil, types.Invalid("end_time", "must be after start_time")
	}
	if !req.EndTime.After(s.now()) {
		return nil, types.Invalid("end_time", "must be in the future")
	}
	if req.ReservePrice != nil && req.ReservePrice.IsNegative() {
		return nil, types.Invalid("reserve_price", "must not be negative")
	}
	if req.TargetAmount != nil && !req.TargetAmount.IsPositive() {
		return nil, types.Invalid("target_amount", "must be positive")
	}
	if req.MinTrustScore != nil && (*req.MinTrustScore < 0 || *req.MinTrustScore > types.MaxTrustScore) {
		return nil, types.Invalid("min_trust_score", "must be between 0 and 100")
	}
	trustWeight := 1.0
	if req.TrustWeight != nil {
		if *req.TrustWeight < 0 {
			return nil, types.Invalid("trust_weight", "must not be negative")
		}
		trustWeight = *req.TrustWeight
	}

	now := s.now()
	a := &Auction{
		AuctionID:     "AUC_" + uuid.New().String(),
		IssuerID:      issuerID,
		Type:          auctionType,
		ProjectID:     req.ProjectID,
		Currency:      currency,
		StartTime:     req.StartTime.UTC(),
		EndTime:       req.EndTime.UTC(),
		Status:        types.AuctionPending,
		MinTrustScore: req.MinTrustScore,
		TrustWeight:   trustWeight,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.ReservePrice != nil {
		a.ReservePrice = decimal.NewNullDecimal(*req.ReservePrice)
	}
	if req.TargetAmount != nil {
		a.TargetAmount = decimal.NewNullDecimal(*req.TargetAmount)
	}
	return a, nil
}

// StartAuction opens bidding. Starting before StartTime pulls StartTime to now; once
// StartTime has passed the auction starts on its own and an explicit start fails.
func (s *Service) StartAuction(ctx context.Context, auctionID string) (*AuctionView, error) {
	unlock := s.locks.Lock(auctionID)
	defer unlock()

	logger := s.logger(auctionID)
	a, err := s.db.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if a.Status != types.AuctionPending || now.After(a.StartTime) {
		current, err := s.advance(ctx, a)
		if err != nil {
			return nil, err
		}
		view, err := s.view(ctx, current)
		if err != nil {
			return nil, err
		}
		return view, types.ErrAuctionAlreadyStarted
	}

	ok, err := s.db.TransitionAuction(ctx, auctionID, []types.AuctionStatus{types.AuctionPending}, map[string]interface{}{
		"status":     types.AuctionActive,
		"start_time": now,
		"updated_at": now,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to start auction")
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("auction changed state while starting: %w", types.ErrAuctionAlreadyStarted)
	}

	logger.Info().Msg("auction started")
	return s.viewByID(ctx, auctionID)
}

// PlaceBid admits a bid through the eligibility gate into the ledger. A bid racing a
// close either lands before clearing or fails with ErrAuctionNotActive.
func (s *Service) PlaceBid(ctx context.Context, auctionID, bidderID string, req PlaceBidRequest, idempotencyKey string) (*BidResult, error) {
	if !req.Price.IsPositive() {
		return nil, types.Invalid("price", "must be positive")
	}
	if !pricing.HasMonetaryPrecision(req.Price) {
		return nil, types.Invalid("price", "must have at most 4 decimal places")
	}
	if req.Amount != nil && !req.Amount.IsPositive() {
		return nil, types.Invalid("amount", "must be positive")
	}

	unlock := s.locks.Lock(auctionID)
	defer unlock()

	logger := s.logger(auctionID).With().Str("bidder_id", bidderID).Logger()

	a, err := s.load(ctx, auctionID)
	if err != nil {
		return nil, err
	}

	if existingID, found, err := s.keys.Lookup(ctx, bidderID, idempotencyKey, resourceBid); err != nil {
		return nil, err
	} else if found {
		bid, err := s.ledger.Get(ctx, existingID)
		if err != nil {
			return nil, err
		}
		logger.Debug().Str("bid_id", bid.BidID).Msg("replayed bid for idempotency key")
		return &BidResult{Bid: bid, Auction: a}, nil
	}

	if req.Currency != "" && !strings.EqualFold(strings.TrimSpace(req.Currency), a.Currency) {
		return &BidResult{Auction: a}, fmt.Errorf("bid in %s on %s auction: %w", req.Currency, a.Currency, types.ErrCurrencyMismatch)
	}

	admission, err := s.gate.Check(ctx, bidderID, eligibility.Target{
		ID:            a.AuctionID,
		Type:          a.Type,
		Active:        a.Status == types.AuctionActive,
		MinTrustScore: a.MinTrustScore,
	})
	if err != nil {
		logger.Debug().Err(err).Msg("bid denied")
		return &BidResult{Auction: a}, err
	}

	input := ledger.SubmitInput{
		ParentID:    a.AuctionID,
		ParentKind:  types.ParentAuction,
		BidderID:    bidderID,
		RawValue:    req.Price,
		Currency:    a.Currency,
		TrustScore:  admission.TrustScore,
		TrustWeight: a.TrustWeight,
	}
	if req.Amount != nil {
		input.Amount = decimal.NewNullDecimal(*req.Amount)
	}

	var bid *ledger.Bid
	err = s.db.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		bid, err = s.ledger.WithTx(tx).Submit(ctx, input)
		if err != nil {
			return err
		}
		return s.keys.WithTx(tx).Remember(ctx, bidderID, idempotencyKey, resourceBid, bid.BidID)
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to record bid")
		return &BidResult{Auction: a}, err
	}

	logger.Info().
		Str("bid_id", bid.BidID).
		Str("price", bid.RawValue.String()).
		Str("effective_value", bid.EffectiveValue.String()).
		Msg("bid placed")

	return &BidResult{Bid: bid, Auction: a}, nil
}

// WithdrawBid withdraws a PENDING bid owned by bidderID
func (s *Service) WithdrawBid(ctx context.Context, bidID, bidderID string) (*BidResult, error) {
	bid, err := s.ledger.Get(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if bid.ParentKind != types.ParentAuction {
		return nil, types.ErrBidNotFound
	}

	unlock := s.locks.Lock(bid.ParentID)
	defer unlock()

	a, err := s.load(ctx, bid.ParentID)
	if err != nil {
		return nil, err
	}

	updated, previous, err := s.ledger.Withdraw(ctx, bidID, bidderID)
	result := &BidResult{Bid: updated, Auction: a, PreviousStatus: previous}
	if err != nil {
		if errors.Is(err, types.ErrNotBidOwner) {
			// never echo another bidder's bid back
			result.Bid = nil
		}
		return result, err
	}

	s.logger(a.AuctionID).Info().
		Str("bid_id", bidID).
		Str("bidder_id", bidderID).
		Msg("bid withdrawn")

	return result, nil
}

// ExtendAuction moves the end time of an ACTIVE auction forward
func (s *Service) ExtendAuction(ctx context.Context, auctionID string, newEnd time.Time) (*AuctionView, error) {
	unlock := s.locks.Lock(auctionID)
	defer unlock()

	logger := s.logger(auctionID)
	a, err := s.load(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if a.Status != types.AuctionActive {
		return s.failWith(ctx, a, types.ErrAuctionNotActive)
	}

	now := s.now()
	if !newEnd.After(now) || !newEnd.After(a.EndTime) {
		return s.failWith(ctx, a, types.ErrInvalidExtension)
	}

	ok, err := s.db.TransitionAuction(ctx, auctionID, []types.AuctionStatus{types.AuctionActive}, map[string]interface{}{
		"end_time":   newEnd.UTC(),
		"updated_at": now,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to extend auction")
		return nil, err
	}
	if !ok {
		return s.failWith(ctx, a, types.ErrAuctionNotActive)
	}

	logger.Info().
		Time("previous_end_time", a.EndTime).
		Time("end_time", newEnd).
		Msg("auction extended")

	return s.viewByID(ctx, auctionID)
}

// CancelAuction cancels a PENDING or ACTIVE auction and rejects its pending bids
func (s *Service) CancelAuction(ctx context.Context, auctionID string) (*AuctionView, error) {
	unlock := s.locks.Lock(auctionID)
	defer unlock()

	logger := s.logger(auctionID)
	a, err := s.load(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if a.Status.Terminal() {
		return s.failWith(ctx, a, types.ErrAuctionTerminal)
	}

	now := s.now()
	var rejected int64
	err = s.db.Transaction(ctx, func(tx *gorm.DB) error {
		ok, err := NewDatabase(tx).TransitionAuction(ctx, auctionID,
			[]types.AuctionStatus{types.AuctionPending, types.AuctionActive},
			map[string]interface{}{
				"status":       types.AuctionCancelled,
				"cancelled_at": now,
				"updated_at":   now,
			})
		if err != nil {
			return err
		}
		if !ok {
			return types.ErrAuctionTerminal
		}
		rejected, err = s.ledger.WithTx(tx).RejectPending(ctx, auctionID)
		return err
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to cancel auction")
		return nil, err
	}

	logger.Info().Int64("bids_rejected", rejected).Msg("auction cancelled")
	return s.viewByID(ctx, auctionID)
}

// CloseAuction clears an ACTIVE auction. Closing an already CLOSED auction returns
// the stored result without clearing again.
func (s *Service) CloseAuction(ctx context.Context, auctionID string) (*AuctionView, error) {
	unlock := s.locks.Lock(auctionID)
	defer unlock()

	a, err := s.load(ctx, auctionID)
	if err != nil {
		return nil, err
	}

	switch a.Status {
	case types.AuctionClosed:
		return s.view(ctx, a)
	case types.AuctionPending:
		return s.failWith(ctx, a, types.ErrAuctionNotActive)
	case types.AuctionCancelled:
		return s.failWith(ctx, a, types.ErrAuctionTerminal)
	}

	closed, err := s.clear(ctx, a)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, closed)
}

// GetAuction returns the auction with its ranked bids, applying any due transition first
func (s *Service) GetAuction(ctx context.Context, auctionID string) (*AuctionView, error) {
	unlock := s.locks.Lock(auctionID)
	defer unlock()

	a, err := s.load(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, a)
}

// ListAuctions returns stored auctions, optionally filtered by status
func (s *Service) ListAuctions(ctx context.Context, status string) ([]Auction, error) {
	var filter types.AuctionStatus
	if status != "" {
		filter = types.AuctionStatus(strings.ToUpper(status))
		switch filter {
		case types.AuctionPending, types.AuctionActive, types.AuctionClosed, types.AuctionCancelled:
		default:
			return nil, types.Invalid("status", fmt.Sprintf("unknown auction status %q", status))
		}
	}
	return s.db.ListAuctions(ctx, filter, defaultListLimit)
}

// ListBids returns an auction's bids, best ranked first
func (s *Service) ListBids(ctx context.Context, auctionID string) ([]ledger.Bid, error) {
	a, err := s.db.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	return s.ledger.ListByParent(ctx, a.AuctionID)
}

// ProcessDue starts auctions whose start time has come and closes those whose end
// time has passed. It returns the number of auctions that changed state.
func (s *Service) ProcessDue(ctx context.Context) (int, error) {
	ids, err := s.db.GetDueAuctionIDs(ctx, s.now())
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		if s.processOne(ctx, id) {
			changed++
		}
	}
	return changed, nil
}

func (s *Service) processOne(ctx context.Context, auctionID string) bool {
	unlock := s.locks.Lock(auctionID)
	defer unlock()

	a, err := s.db.GetAuction(ctx, auctionID)
	if err != nil {
		s.logger(auctionID).Error().Err(err).Msg("failed to load due auction")
		return false
	}
	before := a.Status
	after, err := s.advance(ctx, a)
	if err != nil {
		s.logger(auctionID).Error().Err(err).Msg("failed to process due auction")
		return false
	}
	return after.Status != before
}

// load fetches an auction and applies any transition its start or end time makes due.
// Callers must hold the auction lock.
func (s *Service) load(ctx context.Context, auctionID string) (*Auction, error) {
	a, err := s.db.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	return s.advance(ctx, a)
}

func (s *Service) advance(ctx context.Context, a *Auction) (*Auction, error) {
	now := s.now()

	if a.Status == types.AuctionPending && !now.Before(a.StartTime) {
		ok, err := s.db.TransitionAuction(ctx, a.AuctionID, []types.AuctionStatus{types.AuctionPending}, map[string]interface{}{
			"status":     types.AuctionActive,
			"updated_at": now,
		})
		if err != nil {
			return nil, err
		}
		if ok {
			s.logger(a.AuctionID).Info().Time("start_time", a.StartTime).Msg("auction started automatically")
		}
		if a, err = s.db.GetAuction(ctx, a.AuctionID); err != nil {
			return nil, err
		}
	}

	if a.Status == types.AuctionActive && !now.Before(a.EndTime) {
		s.logger(a.AuctionID).Info().Time("end_time", a.EndTime).Msg("auction expired, clearing")
		return s.clear(ctx, a)
	}
	return a, nil
}

// clear runs clearing for an ACTIVE auction in a single transaction: bid decisions
// and the auction's CLOSED row commit together or not at all.
func (s *Service) clear(ctx context.Context, a *Auction) (*Auction, error) {
	logger := s.logger(a.AuctionID)
	policy := pricing.PolicyFor(a.Type)
	now := s.now()

	var outcome Outcome
	err := s.db.Transaction(ctx, func(tx *gorm.DB) error {
		l := s.ledger.WithTx(tx)
		pending, err := l.Pending(ctx, a.AuctionID)
		if err != nil {
			return err
		}

		outcome = Clear(pending, policy, a.Reserve())
		if len(outcome.Decisions) != len(pending) {
			return fmt.Errorf("clearing decided %d of %d bids: %w", len(outcome.Decisions), len(pending), types.ErrClearingInvariantViolated)
		}
		if err := l.Apply(ctx, outcome.Decisions); err != nil {
			return err
		}
		if err := l.RequireDecided(ctx, a.AuctionID); err != nil {
			return err
		}

		updates := map[string]interface{}{
			"status":          types.AuctionClosed,
			"cleared_price":   outcome.ClearedPrice,
			"accepted_bid_id": nil,
			"closed_at":       now,
			"updated_at":      now,
		}
		if outcome.Winner != nil {
			updates["accepted_bid_id"] = outcome.Winner.BidID
		}
		ok, err := NewDatabase(tx).TransitionAuction(ctx, a.AuctionID, []types.AuctionStatus{types.AuctionActive}, updates)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("auction %s left ACTIVE during clearing: %w", a.AuctionID, types.ErrClearingInvariantViolated)
		}
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("clearing failed, nothing applied")
		return nil, err
	}

	event := logger.Info().
		Int("bids", len(outcome.Decisions)).
		Int("off_reserve", outcome.OffReserve)
	if outcome.Winner != nil {
		event = event.
			Str("accepted_bid_id", outcome.Winner.BidID).
			Str("cleared_price", outcome.ClearedPrice.Decimal.String())
	}
	event.Msg("auction closed")

	return s.db.GetAuction(ctx, a.AuctionID)
}

func (s *Service) view(ctx context.Context, a *Auction) (*AuctionView, error) {
	bids, err := s.ledger.ListByParent(ctx, a.AuctionID)
	if err != nil {
		return nil, err
	}
	v := &AuctionView{Auction: a, Bids: bids}
	if a.AcceptedBidID != nil {
		for i := range bids {
			if bids[i].BidID == *a.AcceptedBidID {
				v.AcceptedBid = &bids[i]
				break
			}
		}
	}
	return v, nil
}

func (s *Service) viewByID(ctx context.Context, auctionID string) (*AuctionView, error) {
	a, err := s.db.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, a)
}

// failWith returns the current state alongside a state error
func (s *Service) failWith(ctx context.Context, a *Auction, err error) (*AuctionView, error) {
	view, viewErr := s.view(ctx, a)
	if viewErr != nil {
		return nil, viewErr
	}
	return view, err
}
