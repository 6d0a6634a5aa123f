package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ksred/klear-auction/internal/auction"
	"github.com/ksred/klear-auction/internal/eligibility"
	"github.com/ksred/klear-auction/internal/guarantee"
	"github.com/ksred/klear-auction/internal/idempotency"
	"github.com/ksred/klear-auction/internal/ledger"
	"github.com/ksred/klear-auction/internal/lockmap"
	"github.com/ksred/klear-auction/internal/participants"
	"github.com/ksred/klear-auction/internal/testutil"
	"github.com/ksred/klear-auction/internal/types"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
)

type countingSweeper struct {
	calls   atomic.Int32
	running atomic.Int32
	overlap atomic.Bool
	delay   time.Duration
	err     error
}

func (s *countingSweeper) ProcessDue(ctx context.Context) (int, error) {
	if s.running.Add(1) > 1 {
		s.overlap.Store(true)
	}
	defer s.running.Add(-1)
	s.calls.Add(1)
	time.Sleep(s.delay)
	return 1, s.err
}

type countingPurger struct {
	calls atomic.Int32
}

func (p *countingPurger) Purge(ctx context.Context) (int64, error) {
	p.calls.Add(1)
	return 0, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestProcessor_RunsSweepsWithoutOverlap(t *testing.T) {
	auctions := &countingSweeper{delay: 30 * time.Millisecond}
	guarantees := &countingSweeper{err: errors.New("storage offline")}
	keys := &countingPurger{}

	p, err := NewProcessor(auctions, guarantees, keys, Options{
		SweepInterval: 10 * time.Millisecond,
		PurgeInterval: 10 * time.Millisecond,
	})
	assert.NoError(t, err)
	assert.NoError(t, p.Start(context.Background()))

	waitFor(t, func() bool {
		return auctions.calls.Load() >= 3 && guarantees.calls.Load() >= 3 && keys.calls.Load() >= 1
	})
	assert.NoError(t, p.Stop())

	check.False(t, auctions.overlap.Load())
}

func TestNewProcessor_RequiresInterval(t *testing.T) {
	_, err := NewProcessor(nil, nil, nil, Options{})
	check.Error(t, err)
}

func TestRunOnce_DrivesServices(t *testing.T) {
	db := testutil.NewDB(t,
		&auction.Auction{}, &guarantee.Request{}, &ledger.Bid{}, &idempotency.Record{},
		&participants.Participant{}, &participants.CourseCompletion{}, &participants.GatingCourse{},
	)
	t0 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	clock := testutil.NewClock(t0)
	ctx := context.Background()

	dir := participants.NewDirectory(db)
	assert.NoError(t, dir.Seed(ctx, []participants.SeedParticipant{{EntityID: "issuer_1", Role: "ISSUER"}}, nil))
	gate := eligibility.NewGate(dir, dir, dir, time.Second)
	locks := lockmap.New()
	auctions := auction.NewService(db, gate, locks).WithClock(clock.Now)
	guarantees := guarantee.NewService(db, gate, locks).WithClock(clock.Now)
	keys := idempotency.NewStore(db).WithClock(clock.Now)

	created, err := auctions.CreateAuction(ctx, "issuer_1", auction.CreateAuctionRequest{
		Type:      "CAPITAL",
		Currency:  "USD",
		StartTime: t0.Add(time.Minute),
		EndTime:   t0.Add(time.Hour),
	}, "create-1")
	assert.NoError(t, err)

	p, err := NewProcessor(auctions, guarantees, keys, Options{SweepInterval: time.Second})
	assert.NoError(t, err)

	clock.Advance(2 * time.Minute)
	p.RunOnce(ctx)
	// listing reads stored state without applying due transitions
	active, err := auctions.ListAuctions(ctx, string(types.AuctionActive))
	assert.NoError(t, err)
	assert.Equal(t, 1, len(active))
	check.Equal(t, created.Auction.AuctionID, active[0].AuctionID)

	clock.Advance(48 * time.Hour)
	p.RunOnce(ctx)
	closed, err := auctions.ListAuctions(ctx, string(types.AuctionClosed))
	assert.NoError(t, err)
	check.Equal(t, 1, len(closed))

	var remaining int64
	assert.NoError(t, db.Model(&idempotency.Record{}).Count(&remaining).Error)
	check.Equal(t, int64(0), remaining)
}
