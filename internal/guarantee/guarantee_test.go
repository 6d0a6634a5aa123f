package guarantee

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ksred/klear-auction/internal/eligibility"
	"github.com/ksred/klear-auction/internal/idempotency"
	"github.com/ksred/klear-auction/internal/ledger"
	"github.com/ksred/klear-auction/internal/lockmap"
	"github.com/ksred/klear-auction/internal/participants"
	"github.com/ksred/klear-auction/internal/testutil"
	"github.com/ksred/klear-auction/internal/types"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"gorm.io/gorm"
)

type fixture struct {
	svc   *Service
	dir   *participants.Directory
	db    *gorm.DB
	clock *testutil.Clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t,
		&Request{}, &ledger.Bid{}, &idempotency.Record{},
		&participants.Participant{}, &participants.CourseCompletion{}, &participants.GatingCourse{},
	)
	clock := testutil.NewClock(t0)
	dir := participants.NewDirectory(db)
	gate := eligibility.NewGate(dir, dir, dir, 2*time.Second)

	err := dir.Seed(context.Background(), []participants.SeedParticipant{
		{EntityID: "issuer_1", Role: "ISSUER"},
		{EntityID: "g_a", Role: "GUARANTOR", TrustScore: score(90)},
		{EntityID: "g_b", Role: "GUARANTOR", TrustScore: score(40)},
		{EntityID: "g_c", Role: "GUARANTOR"},
		{EntityID: "inv_a", Role: "INVESTOR", TrustScore: score(80)},
	}, nil)
	assert.NoError(t, err)

	return &fixture{
		svc:   NewService(db, gate, lockmap.New()).WithClock(clock.Now),
		dir:   dir,
		db:    db,
		clock: clock,
	}
}

func (f *fixture) create(t *testing.T, req CreateRequest) *Request {
	t.Helper()
	if req.GuaranteeType == "" {
		req.GuaranteeType = "CREDIT_RISK"
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}
	if req.RequestedCoverage.IsZero() {
		req.RequestedCoverage = dec("100")
	}
	if req.NotionalAmount.IsZero() {
		req.NotionalAmount = dec("1000000")
	}
	view, err := f.svc.CreateGuaranteeRequest(context.Background(), "issuer_1", req, "")
	assert.NoError(t, err)
	return view.Request
}

func (f *fixture) open(t *testing.T, req CreateRequest, endsAt *time.Time) *Request {
	t.Helper()
	r := f.create(t, req)
	view, err := f.svc.OpenBidding(context.Background(), r.RequestID, endsAt)
	assert.NoError(t, err)
	return view.Request
}

func (f *fixture) bid(t *testing.T, requestID, guarantor, layer, coverage, fee string) *ledger.Bid {
	t.Helper()
	result, err := f.svc.PlaceGuaranteeBid(context.Background(), requestID, guarantor, PlaceBidRequest{
		CoveragePercent: dec(coverage),
		FeePercent:      dec(fee),
		Layer:           layer,
	}, "")
	assert.NoError(t, err)
	return result.Bid
}

func TestCreateGuaranteeRequest_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	valid := func() CreateRequest {
		return CreateRequest{
			GuaranteeType:     "PERFORMANCE_RISK",
			Currency:          "EUR",
			RequestedCoverage: dec("80"),
			NotionalAmount:    dec("250000"),
		}
	}

	tests := []struct {
		name   string
		mutate func(r *CreateRequest)
		field  string
	}{
		{"unknown type", func(r *CreateRequest) { r.GuaranteeType = "WEATHER" }, "guarantee_type"},
		{"bad currency", func(r *CreateRequest) { r.Currency = "EURO" }, "currency"},
		{"zero coverage", func(r *CreateRequest) { r.RequestedCoverage = dec("0") }, "requested_coverage"},
		{"coverage over 100", func(r *CreateRequest) { r.RequestedCoverage = dec("100.5") }, "requested_coverage"},
		{"zero notional", func(r *CreateRequest) { r.NotionalAmount = dec("0") }, "notional_amount"},
		{"layer target over 100", func(r *CreateRequest) { r.SeniorTarget = decPtr("120") }, "senior_target"},
		{"negative layer target", func(r *CreateRequest) { r.FirstLossTarget = decPtr("-1") }, "first_loss_target"},
		{"min trust below scale", func(r *CreateRequest) { r.MinTrustScore = score(-1) }, "min_trust_score"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid()
			tt.mutate(&req)
			_, err := f.svc.CreateGuaranteeRequest(ctx, "issuer_1", req, "")
			var validationErr *types.ValidationError
			assert.True(t, errors.As(err, &validationErr))
			check.Equal(t, tt.field, validationErr.Field)
		})
	}

	_, err := f.svc.CreateGuaranteeRequest(ctx, "g_a", valid(), "")
	check.True(t, errors.Is(err, types.ErrIssuerNotAuthorized))

	view, err := f.svc.CreateGuaranteeRequest(ctx, "issuer_1", valid(), "")
	assert.NoError(t, err)
	check.Equal(t, types.RequestPending, view.Request.Status)
	check.Equal(t, types.GuaranteePerformanceRisk, view.Request.GuaranteeType)
	check.True(t, view.Request.AllocatedCoverage.IsZero())
	check.Equal(t, 3, len(view.Layers))
}

func TestCreateGuaranteeRequest_IdempotencyKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := CreateRequest{GuaranteeType: "CREDIT_RISK", Currency: "USD", RequestedCoverage: dec("50"), NotionalAmount: dec("1000")}

	first, err := f.svc.CreateGuaranteeRequest(ctx, "issuer_1", req, "grq-1")
	assert.NoError(t, err)
	second, err := f.svc.CreateGuaranteeRequest(ctx, "issuer_1", req, "grq-1")
	assert.NoError(t, err)
	check.Equal(t, first.Request.RequestID, second.Request.RequestID)

	var count int64
	assert.NoError(t, f.db.Model(&Request{}).Count(&count).Error)
	check.Equal(t, int64(1), count)
}

func TestAllocateGuarantee_LayeredScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.open(t, CreateRequest{}, nil)

	// equal trust so fees alone decide the in-layer order
	fl5 := f.bid(t, r.RequestID, "g_c", "FIRST_LOSS", "30", "5")
	fl4 := f.bid(t, r.RequestID, "g_c", "first_loss", "20", "4")
	senior := f.bid(t, r.RequestID, "g_c", "SENIOR", "60", "1")

	view, err := f.svc.AllocateGuarantee(ctx, r.RequestID)
	assert.NoError(t, err)
	check.Equal(t, types.RequestAllocated, view.Request.Status)
	check.Equal(t, "100", view.Request.AllocatedCoverage.String())
	check.Equal(t, "1000000", view.Request.CoveredAmount().String())
	assert.NotNil(t, view.Request.AllocatedAt)

	byID := make(map[string]ledger.Bid)
	for _, b := range view.Bids {
		byID[b.BidID] = b
	}
	check.Equal(t, types.BidAccepted, byID[fl5.BidID].Status)
	check.Equal(t, "30", byID[fl5.BidID].AllocatedCoverage.String())
	check.Equal(t, "20", byID[fl4.BidID].AllocatedCoverage.String())
	check.Equal(t, types.BidAccepted, byID[senior.BidID].Status)
	check.Equal(t, "50", byID[senior.BidID].AllocatedCoverage.String())

	check.Equal(t, types.LayerFirstLoss, view.Layers[0].Layer)
	check.Equal(t, "50", view.Layers[0].Allocated.String())
	check.Equal(t, 2, view.Layers[0].Bids)
	check.Equal(t, "0", view.Layers[1].Allocated.String())
	check.Equal(t, "50", view.Layers[2].Allocated.String())

	again, err := f.svc.AllocateGuarantee(ctx, r.RequestID)
	assert.NoError(t, err)
	check.Equal(t, types.RequestAllocated, again.Request.Status)
	check.Equal(t, "100", again.Request.AllocatedCoverage.String())
	check.Equal(t, view.Request.AllocatedAt.Unix(), again.Request.AllocatedAt.Unix())
}

func TestAllocateGuarantee_NoBidsExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.open(t, CreateRequest{}, nil)

	view, err := f.svc.AllocateGuarantee(ctx, r.RequestID)
	assert.NoError(t, err)
	check.Equal(t, types.RequestExpired, view.Request.Status)
	check.True(t, view.Request.AllocatedCoverage.IsZero())

	_, err = f.svc.PlaceGuaranteeBid(ctx, r.RequestID, "g_a", PlaceBidRequest{CoveragePercent: dec("10"), FeePercent: dec("1"), Layer: "SENIOR"}, "")
	check.True(t, errors.Is(err, types.ErrRequestNotActive))
}

func TestAllocateGuarantee_NoBidLeftPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.open(t, CreateRequest{RequestedCoverage: dec("40"), MezzanineTarget: decPtr("0")}, nil)

	f.bid(t, r.RequestID, "g_a", "MEZZANINE", "40", "2")
	f.bid(t, r.RequestID, "g_b", "SENIOR", "30", "3")
	f.bid(t, r.RequestID, "g_c", "SENIOR", "30", "4")
	withdrawn := f.bid(t, r.RequestID, "g_c", "FIRST_LOSS", "10", "9")
	_, err := f.svc.WithdrawGuaranteeBid(ctx, withdrawn.BidID, "g_c")
	assert.NoError(t, err)

	view, err := f.svc.AllocateGuarantee(ctx, r.RequestID)
	assert.NoError(t, err)
	check.Equal(t, types.RequestAllocated, view.Request.Status)
	check.Equal(t, "40", view.Request.AllocatedCoverage.String())

	counts, err := f.svc.ledger.Counts(ctx, r.RequestID)
	assert.NoError(t, err)
	check.Equal(t, int64(0), counts[types.BidPending])
	check.Equal(t, int64(2), counts[types.BidAccepted])
	check.Equal(t, int64(1), counts[types.BidRejected])
	check.Equal(t, int64(1), counts[types.BidWithdrawn])
}

func TestAllocateGuarantee_StateErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, CreateRequest{})

	view, err := f.svc.AllocateGuarantee(ctx, r.RequestID)
	check.True(t, errors.Is(err, types.ErrRequestNotActive))
	assert.NotNil(t, view)
	check.Equal(t, types.RequestPending, view.Request.Status)

	_, err = f.svc.PlaceGuaranteeBid(ctx, r.RequestID, "g_a", PlaceBidRequest{CoveragePercent: dec("10"), FeePercent: dec("1"), Layer: "SENIOR"}, "")
	check.True(t, errors.Is(err, types.ErrRequestNotActive))

	_, err = f.svc.OpenBidding(ctx, r.RequestID, nil)
	assert.NoError(t, err)
	view, err = f.svc.OpenBidding(ctx, r.RequestID, nil)
	check.True(t, errors.Is(err, types.ErrRequestNotPending))
	check.Equal(t, types.RequestAuctionActive, view.Request.Status)

	_, err = f.svc.GetGuaranteeRequest(ctx, "GRQ_missing")
	check.True(t, errors.Is(err, types.ErrGuaranteeRequestNotFound))
}

func TestOpenBidding_WindowClosesOnAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	past := t0.Add(-time.Minute)
	pending := f.create(t, CreateRequest{})
	_, err := f.svc.OpenBidding(ctx, pending.RequestID, &past)
	check.True(t, errors.Is(err, types.ErrValidation))

	endsAt := t0.Add(time.Hour)
	r := f.open(t, CreateRequest{RequestedCoverage: dec("60")}, &endsAt)
	f.bid(t, r.RequestID, "g_a", "SENIOR", "25", "2")

	f.clock.Advance(2 * time.Hour)
	view, err := f.svc.GetGuaranteeRequest(ctx, r.RequestID)
	assert.NoError(t, err)
	check.Equal(t, types.RequestAllocated, view.Request.Status)
	check.Equal(t, "25", view.Request.AllocatedCoverage.String())
}

func TestProcessDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	soon := t0.Add(time.Hour)
	later := t0.Add(48 * time.Hour)
	due := f.open(t, CreateRequest{}, &soon)
	notDue := f.open(t, CreateRequest{}, &later)
	openEnded := f.open(t, CreateRequest{}, nil)
	f.bid(t, due.RequestID, "g_b", "FIRST_LOSS", "10", "6")

	f.clock.Advance(2 * time.Hour)
	changed, err := f.svc.ProcessDue(ctx)
	assert.NoError(t, err)
	check.Equal(t, 1, changed)

	for id, want := range map[string]types.RequestStatus{
		due.RequestID:       types.RequestAllocated,
		notDue.RequestID:    types.RequestAuctionActive,
		openEnded.RequestID: types.RequestAuctionActive,
	} {
		stored, err := f.svc.db.GetRequest(ctx, id)
		assert.NoError(t, err)
		check.Equal(t, want, stored.Status)
	}

	changed, err = f.svc.ProcessDue(ctx)
	assert.NoError(t, err)
	check.Equal(t, 0, changed)
}

func TestProcessDue_ClockOutsideUTC(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	est := time.FixedZone("EST", -5*60*60)
	f.svc = f.svc.WithClock(func() time.Time { return f.clock.Now().In(est) })

	endsAt := t0.Add(time.Hour).In(est)
	r := f.open(t, CreateRequest{}, &endsAt)
	f.bid(t, r.RequestID, "g_a", "SENIOR", "40", "2")

	f.clock.Advance(2 * time.Hour)
	changed, err := f.svc.ProcessDue(ctx)
	assert.NoError(t, err)
	check.Equal(t, 1, changed)

	stored, err := f.svc.db.GetRequest(ctx, r.RequestID)
	assert.NoError(t, err)
	check.Equal(t, types.RequestAllocated, stored.Status)
}

func TestPlaceGuaranteeBid_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.open(t, CreateRequest{MinTrustScore: score(50)}, nil)

	tests := []struct {
		name      string
		guarantor string
		req       PlaceBidRequest
		want      error
	}{
		{"zero coverage", "g_a", PlaceBidRequest{CoveragePercent: dec("0"), FeePercent: dec("1"), Layer: "SENIOR"}, types.ErrValidation},
		{"coverage over 100", "g_a", PlaceBidRequest{CoveragePercent: dec("101"), FeePercent: dec("1"), Layer: "SENIOR"}, types.ErrValidation},
		{"zero fee", "g_a", PlaceBidRequest{CoveragePercent: dec("10"), FeePercent: dec("0"), Layer: "SENIOR"}, types.ErrValidation},
		{"unknown layer", "g_a", PlaceBidRequest{CoveragePercent: dec("10"), FeePercent: dec("1"), Layer: "EQUITY"}, types.ErrValidation},
		{"investor cannot guarantee", "inv_a", PlaceBidRequest{CoveragePercent: dec("10"), FeePercent: dec("1"), Layer: "SENIOR"}, types.ErrRoleNotPermitted},
		{"trust below minimum", "g_b", PlaceBidRequest{CoveragePercent: dec("10"), FeePercent: dec("1"), Layer: "SENIOR"}, types.ErrTrustScoreTooLow},
		{"no trust on record", "g_c", PlaceBidRequest{CoveragePercent: dec("10"), FeePercent: dec("1"), Layer: "SENIOR"}, types.ErrTrustScoreTooLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.PlaceGuaranteeBid(ctx, r.RequestID, tt.guarantor, tt.req, "")
			check.True(t, errors.Is(err, tt.want))
		})
	}

	assert.NoError(t, f.dir.SetGatingCourse(ctx, types.AuctionTypeGuarantee, "COURSE_GTR", "Guarantor Essentials"))
	_, err := f.svc.PlaceGuaranteeBid(ctx, r.RequestID, "g_a", PlaceBidRequest{CoveragePercent: dec("10"), FeePercent: dec("1"), Layer: "SENIOR"}, "")
	check.True(t, errors.Is(err, types.ErrLearningGateNotSatisfied))

	assert.NoError(t, f.dir.RecordCompletion(ctx, "g_a", "COURSE_GTR"))
	placed := f.bid(t, r.RequestID, "g_a", "senior", "10", "1.5")
	check.Equal(t, types.LayerSenior, placed.Layer)
	check.Equal(t, types.ParentGuarantee, placed.ParentKind)
	check.Equal(t, "USD", placed.Currency)
	assert.NotNil(t, placed.TrustScore)
	check.Equal(t, 90.0, *placed.TrustScore)
	check.True(t, placed.EffectiveValue.LessThan(placed.RawValue))
}

func TestPlaceGuaranteeBid_IdempotencyKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.open(t, CreateRequest{}, nil)
	req := PlaceBidRequest{CoveragePercent: dec("20"), FeePercent: dec("2"), Layer: "MEZZANINE"}

	first, err := f.svc.PlaceGuaranteeBid(ctx, r.RequestID, "g_a", req, "gb-1")
	assert.NoError(t, err)
	second, err := f.svc.PlaceGuaranteeBid(ctx, r.RequestID, "g_a", req, "gb-1")
	assert.NoError(t, err)
	check.Equal(t, first.Bid.BidID, second.Bid.BidID)

	bids, err := f.svc.ListBids(ctx, r.RequestID)
	assert.NoError(t, err)
	check.Equal(t, 1, len(bids))
}

func TestWithdrawGuaranteeBid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.open(t, CreateRequest{}, nil)
	b := f.bid(t, r.RequestID, "g_a", "SENIOR", "20", "2")

	result, err := f.svc.WithdrawGuaranteeBid(ctx, b.BidID, "g_b")
	check.True(t, errors.Is(err, types.ErrNotBidOwner))
	check.Nil(t, result.Bid)

	result, err = f.svc.WithdrawGuaranteeBid(ctx, b.BidID, "g_a")
	assert.NoError(t, err)
	check.Equal(t, types.BidWithdrawn, result.Bid.Status)
	check.Equal(t, types.BidPending, result.PreviousStatus)

	_, err = f.svc.WithdrawGuaranteeBid(ctx, b.BidID, "g_a")
	check.True(t, errors.Is(err, types.ErrInvalidBidState))

	_, err = f.svc.WithdrawGuaranteeBid(ctx, "BID_missing", "g_a")
	check.True(t, errors.Is(err, types.ErrBidNotFound))
}

func TestAllocateGuarantee_FailureLeavesNothingApplied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.open(t, CreateRequest{}, nil)
	f.bid(t, r.RequestID, "g_a", "FIRST_LOSS", "30", "5")
	f.bid(t, r.RequestID, "g_b", "SENIOR", "60", "1")

	const hook = "test:fail_guarantee_update"
	err := f.db.Callback().Update().Before("gorm:update").Register(hook, func(tx *gorm.DB) {
		if tx.Statement.Table == "guarantee_requests" {
			_ = tx.AddError(errors.New("injected storage failure"))
		}
	})
	assert.NoError(t, err)

	_, err = f.svc.AllocateGuarantee(ctx, r.RequestID)
	check.Error(t, err)

	stored, err := f.svc.db.GetRequest(ctx, r.RequestID)
	assert.NoError(t, err)
	check.Equal(t, types.RequestAuctionActive, stored.Status)
	check.True(t, stored.AllocatedCoverage.IsZero())

	counts, err := f.svc.ledger.Counts(ctx, r.RequestID)
	assert.NoError(t, err)
	check.Equal(t, int64(2), counts[types.BidPending])

	assert.NoError(t, f.db.Callback().Update().Remove(hook))
	view, err := f.svc.AllocateGuarantee(ctx, r.RequestID)
	assert.NoError(t, err)
	check.Equal(t, "90", view.Request.AllocatedCoverage.String())
}
