package guarantee

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
	"github.com/ksred/klear-auction/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	resourceRequest = "guarantee_request"
	resourceBid     = "guarantee_bid"
)

var hundred = decimal.NewFromInt(100)

// Service runs guarantee requests from creation through layered allocation. It
// shares the lock map with the auction service; request ids carry their own prefix.
type Service struct {
	db     *Database
	ledger *ledger.Ledger
	keys   *idempotency.Store
	gate   *eligibility.Gate
	locks  *lockmap.Map
	now    func() time.Time
}

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

func (s *Service) logger(requestID string) *zerolog.Logger {
	l := log.With().
		Str("request_id", requestID).
		Str("service", "guarantee").
		Logger()
	return &l
}

// CreateGuaranteeRequest stores a new PENDING request for an authorized issuer
func (s *Service) CreateGuaranteeRequest(ctx context.Context, issuerID string, req CreateRequest, idempotencyKey string) (*RequestView, error) {
	if existingID, found, err := s.keys.Lookup(ctx, issuerID, idempotencyKey, resourceRequest); err != nil {
		return nil, err
	} else if found {
		return s.GetGuaranteeRequest(ctx, existingID)
	}

	r, err := s.buildRequest(issuerID, req)
	if err != nil {
		return nil, err
	}
	if err := s.gate.AuthorizeIssuer(ctx, issuerID); err != nil {
		return nil, err
	}

	err = s.db.Transaction(ctx, func(tx *gorm.DB) error {
		if err := NewDatabase(tx).CreateRequest(ctx, r); err != nil {
			return fmt.Errorf("failed to create guarantee request: %w", err)
		}
		return s.keys.WithTx(tx).Remember(ctx, issuerID, idempotencyKey, resourceRequest, r.RequestID)
	})
	if err != nil {
		return nil, err
	}

	s.logger(r.RequestID).Info().
		Str("issuer_id", issuerID).
		Str("guarantee_type", string(r.GuaranteeType)).
		Str("requested_coverage", r.RequestedCoverage.String()).
		Msg("guarantee request created")

	return s.view(ctx, r)
}

func (s *Service) buildRequest(issuerID string, req CreateRequest) (*Request, error) {
	guaranteeType := types.GuaranteeType(strings.ToUpper(strings.TrimSpace(req.GuaranteeType)))
	if !guaranteeType.Valid() {
		return nil, types.Invalid("guarantee_type", fmt.Sprintf("unknown guarantee type %q", req.GuaranteeType))
	}
	currency, err := types.NormalizeCurrency(req.Currency)
	if err != nil {
		return nil, err
	}
	if err := percent("requested_coverage", req.RequestedCoverage); err != nil {
		return nil, err
	}
	if !req.NotionalAmount.IsPositive() {
		return nil, types.Invalid("notional_amount", "must be positive")
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
	r := &Request{
		RequestID:         "GRQ_" + uuid.New().String(),
		IssuerID:          issuerID,
		ProjectID:         req.ProjectID,
		GuaranteeType:     guaranteeType,
		RequestedCoverage: req.RequestedCoverage,
		NotionalAmount:    req.NotionalAmount,
		Currency:          currency,
		Status:            types.RequestPending,
		AllocatedCoverage: decimal.Zero,
		MinTrustScore:     req.MinTrustScore,
		TrustWeight:       trustWeight,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	targets := []struct {
		field string
		value *decimal.Decimal
		dst   *decimal.NullDecimal
	}{
		{"first_loss_target", req.FirstLossTarget, &r.FirstLossTarget},
		{"mezzanine_target", req.MezzanineTarget, &r.MezzanineTarget},
		{"senior_target", req.SeniorTarget, &r.SeniorTarget},
	}
	for _, t := range targets {
		if t.value == nil {
			continue
		}
		if t.value.IsNegative() || t.value.GreaterThan(hundred) {
			return nil, types.Invalid(t.field, "must be between 0 and 100")
		}
		*t.dst = decimal.NewNullDecimal(*t.value)
	}
	return r, nil
}

// OpenBidding moves a PENDING request to AUCTION_ACTIVE. With endsAt set the window
// closes on its own and allocation runs.
func (s *Service) OpenBidding(ctx context.Context, requestID string, endsAt *time.Time) (*RequestView, error) {
	unlock := s.locks.Lock(requestID)
	defer unlock()

	logger := s.logger(requestID)
	r, err := s.load(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if r.Status != types.RequestPending {
		return s.failWith(ctx, r, types.ErrRequestNotPending)
	}

	now := s.now()
	updates := map[string]interface{}{
		"status":     types.RequestAuctionActive,
		"updated_at": now,
	}
	if endsAt != nil {
		if !endsAt.After(now) {
			return nil, types.Invalid("ends_at", "must be in the future")
		}
		updates["bidding_ends_at"] = endsAt.UTC()
	}

	ok, err := s.db.TransitionRequest(ctx, requestID, types.RequestPending, updates)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open bidding")
		return nil, err
	}
	if !ok {
		return s.failWith(ctx, r, types.ErrRequestNotPending)
	}

	event := logger.Info()
	if endsAt != nil {
		event = event.Time("bidding_ends_at", *endsAt)
	}
	event.Msg("guarantee bidding opened")

	return s.viewByID(ctx, requestID)
}

// PlaceGuaranteeBid admits a guarantor's offer of coverage at a fee into one layer
func (s *Service) PlaceGuaranteeBid(ctx context.Context, requestID, guarantorID string, req PlaceBidRequest, idempotencyKey string) (*BidResult, error) {
	if err := percent("coverage_percent", req.CoveragePercent); err != nil {
		return nil, err
	}
	if err := percent("fee_percent", req.FeePercent); err != nil {
		return nil, err
	}
	layer, ok := types.ParseLayer(req.Layer)
	if !ok {
		return nil, types.Invalid("layer", fmt.Sprintf("unknown layer %q", req.Layer))
	}

	unlock := s.locks.Lock(requestID)
	defer unlock()

	logger := s.logger(requestID).With().Str("guarantor_id", guarantorID).Logger()

	r, err := s.load(ctx, requestID)
	if err != nil {
		return nil, err
	}

	if existingID, found, err := s.keys.Lookup(ctx, guarantorID, idempotencyKey, resourceBid); err != nil {
		return nil, err
	} else if found {
		bid, err := s.ledger.Get(ctx, existingID)
		if err != nil {
			return nil, err
		}
		logger.Debug().Str("bid_id", bid.BidID).Msg("replayed guarantee bid for idempotency key")
		return &BidResult{Bid: bid, Request: r}, nil
	}

	if r.Status != types.RequestAuctionActive {
		return &BidResult{Request: r}, types.ErrRequestNotActive
	}

	admission, err := s.gate.Check(ctx, guarantorID, eligibility.Target{
		ID:            r.RequestID,
		Type:          types.AuctionTypeGuarantee,
		Active:        true,
		MinTrustScore: r.MinTrustScore,
	})
	if err != nil {
		logger.Debug().Err(err).Msg("guarantee bid denied")
		return &BidResult{Request: r}, err
	}

	input := ledger.SubmitInput{
		ParentID:        r.RequestID,
		ParentKind:      types.ParentGuarantee,
		BidderID:        guarantorID,
		RawValue:        req.FeePercent,
		Currency:        r.Currency,
		CoveragePercent: req.CoveragePercent,
		Layer:           layer,
		TrustScore:      admission.TrustScore,
		TrustWeight:     r.TrustWeight,
	}

	var bid *ledger.Bid
	err = s.db.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		bid, err = s.ledger.WithTx(tx).Submit(ctx, input)
		if err != nil {
			return err
		}
		return s.keys.WithTx(tx).Remember(ctx, guarantorID, idempotencyKey, resourceBid, bid.BidID)
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to record guarantee bid")
		return &BidResult{Request: r}, err
	}

	logger.Info().
		Str("bid_id", bid.BidID).
		Str("layer", string(layer)).
		Str("coverage_percent", bid.CoveragePercent.String()).
		Str("fee_percent", bid.RawValue.String()).
		Str("effective_value", bid.EffectiveValue.String()).
		Msg("guarantee bid placed")

	return &BidResult{Bid: bid, Request: r}, nil
}

// WithdrawGuaranteeBid withdraws a PENDING guarantee bid owned by guarantorID
func (s *Service) WithdrawGuaranteeBid(ctx context.Context, bidID, guarantorID string) (*BidResult, error) {
	bid, err := s.ledger.Get(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if bid.ParentKind != types.ParentGuarantee {
		return nil, types.ErrBidNotFound
	}

	unlock := s.locks.Lock(bid.ParentID)
	defer unlock()

	r, err := s.load(ctx, bid.ParentID)
	if err != nil {
		return nil, err
	}

	updated, previous, err := s.ledger.Withdraw(ctx, bidID, guarantorID)
	result := &BidResult{Bid: updated, Request: r, PreviousStatus: previous}
	if err != nil {
		if errors.Is(err, types.ErrNotBidOwner) {
			result.Bid = nil
		}
		return result, err
	}

	s.logger(r.RequestID).Info().
		Str("bid_id", bidID).
		Str("guarantor_id", guarantorID).
		Msg("guarantee bid withdrawn")

	return result, nil
}

// AllocateGuarantee allocates an AUCTION_ACTIVE request. An ALLOCATED or EXPIRED
// request returns its stored result.
func (s *Service) AllocateGuarantee(ctx context.Context, requestID string) (*RequestView, error) {
	unlock := s.locks.Lock(requestID)
	defer unlock()

	r, err := s.load(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		return s.view(ctx, r)
	}
	if r.Status != types.RequestAuctionActive {
		return s.failWith(ctx, r, types.ErrRequestNotActive)
	}

	allocated, err := s.allocate(ctx, r)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, allocated)
}

// GetGuaranteeRequest returns the request with its ranked bids and per-layer totals
func (s *Service) GetGuaranteeRequest(ctx context.Context, requestID string) (*RequestView, error) {
	unlock := s.locks.Lock(requestID)
	defer unlock()

	r, err := s.load(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, r)
}

// ListBids returns a request's bids, lowest effective fee first
func (s *Service) ListBids(ctx context.Context, requestID string) ([]ledger.Bid, error) {
	r, err := s.db.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return s.ledger.ListByParent(ctx, r.RequestID)
}

// ProcessDue allocates every request whose bidding window has closed
func (s *Service) ProcessDue(ctx context.Context) (int, error) {
	ids, err := s.db.GetDueRequestIDs(ctx, s.now())
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

func (s *Service) processOne(ctx context.Context, requestID string) bool {
	unlock := s.locks.Lock(requestID)
	defer unlock()

	r, err := s.db.GetRequest(ctx, requestID)
	if err != nil {
		s.logger(requestID).Error().Err(err).Msg("failed to load due guarantee request")
		return false
	}
	before := r.Status
	after, err := s.advance(ctx, r)
	if err != nil {
		s.logger(requestID).Error().Err(err).Msg("failed to process due guarantee request")
		return false
	}
	return after.Status != before
}

// load fetches a request and allocates it if its window has closed. Callers must
// hold the request lock.
func (s *Service) load(ctx context.Context, requestID string) (*Request, error) {
	r, err := s.db.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return s.advance(ctx, r)
}

func (s *Service) advance(ctx context.Context, r *Request) (*Request, error) {
	if r.Status != types.RequestAuctionActive || r.BiddingEndsAt == nil || s.now().Before(*r.BiddingEndsAt) {
		return r, nil
	}
	s.logger(r.RequestID).Info().Time("bidding_ends_at", *r.BiddingEndsAt).Msg("bidding window closed, allocating")
	return s.allocate(ctx, r)
}

// allocate runs layered allocation in one transaction: bid decisions, the cascade of
// leftover bids and the request row commit together.
func (s *Service) allocate(ctx context.Context, r *Request) (*Request, error) {
	logger := s.logger(r.RequestID)
	now := s.now()

	var (
		out      Allocation
		rejected int64
	)
	err := s.db.Transaction(ctx, func(tx *gorm.DB) error {
		l := s.ledger.WithTx(tx)
		pending, err := l.Pending(ctx, r.RequestID)
		if err != nil {
			return err
		}

		out = Allocate(pending, r.RequestedCoverage, r.LayerTargets())
		if out.Allocated.GreaterThan(r.RequestedCoverage) {
			return fmt.Errorf("allocated %s of %s requested: %w", out.Allocated, r.RequestedCoverage, types.ErrClearingInvariantViolated)
		}
		if err := l.Apply(ctx, out.Decisions); err != nil {
			return err
		}
		if rejected, err = l.RejectPending(ctx, r.RequestID); err != nil {
			return err
		}
		if err := l.RequireDecided(ctx, r.RequestID); err != nil {
			return err
		}

		status := types.RequestExpired
		if out.Accepted > 0 {
			status = types.RequestAllocated
		}
		ok, err := NewDatabase(tx).TransitionRequest(ctx, r.RequestID, types.RequestAuctionActive, map[string]interface{}{
			"status":             status,
			"allocated_coverage": out.Allocated,
			"allocated_at":       now,
			"updated_at":         now,
		})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("guarantee request %s left AUCTION_ACTIVE during allocation: %w", r.RequestID, types.ErrClearingInvariantViolated)
		}
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("allocation failed, nothing applied")
		return nil, err
	}

	logger.Info().
		Int("accepted", out.Accepted).
		Int("decided", len(out.Decisions)).
		Int64("cascaded", rejected).
		Str("allocated_coverage", out.Allocated.String()).
		Str("requested_coverage", r.RequestedCoverage.String()).
		Msg("guarantee allocated")

	return s.db.GetRequest(ctx, r.RequestID)
}

func (s *Service) view(ctx context.Context, r *Request) (*RequestView, error) {
	bids, err := s.ledger.ListByParent(ctx, r.RequestID)
	if err != nil {
		return nil, err
	}

	layers := make([]LayerSummary, 0, len(types.LayerOrder))
	for _, layer := range types.LayerOrder {
		summary := LayerSummary{Layer: layer, Allocated: decimal.Zero}
		for _, b := range bids {
			if b.Layer == layer && b.Status == types.BidAccepted {
				summary.Allocated = summary.Allocated.Add(b.AllocatedCoverage)
				summary.Bids++
			}
		}
		layers = append(layers, summary)
	}

	return &RequestView{
		Request:       r,
		CoveredAmount: r.CoveredAmount().String(),
		Layers:        layers,
		Bids:          bids,
	}, nil
}

func (s *Service) viewByID(ctx context.Context, requestID string) (*RequestView, error) {
	r, err := s.db.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, r)
}

func (s *Service) failWith(ctx context.Context, r *Request, err error) (*RequestView, error) {
	view, viewErr := s.view(ctx, r)
	if viewErr != nil {
		return nil, viewErr
	}
	return view, err
}

func percent(field string, v decimal.Decimal) error {
	if !v.IsPositive() || v.GreaterThan(hundred) {
		return types.Invalid(field, "must be greater than 0 and at most 100")
	}
	return nil
}
