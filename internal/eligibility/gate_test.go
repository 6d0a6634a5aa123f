package eligibility

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ksred/klear-auction/internal/types"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
)

type fakeDirectory struct {
	roles     map[string]types.Role
	scores    map[string]float64
	completed map[string]bool
	courses   map[types.AuctionType]types.Course
	delay     time.Duration
	failWith  error
	calls     atomic.Int64
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		roles:     map[string]types.Role{},
		scores:    map[string]float64{},
		completed: map[string]bool{},
		courses:   map[types.AuctionType]types.Course{},
	}
}

func (f *fakeDirectory) wait(ctx context.Context) error {
	f.calls.Add(1)
	if f.failWith != nil {
		return f.failWith
	}
	if f.delay == 0 {
		return nil
	}
	select {
	case <-time.After(f.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeDirectory) TrustScore(ctx context.Context, entityID string) (float64, error) {
	if err := f.wait(ctx); err != nil {
		return 0, err
	}
	s, ok := f.scores[entityID]
	if !ok {
		return 0, types.ErrNotFound
	}
	return s, nil
}

func (f *fakeDirectory) Role(ctx context.Context, entityID string) (types.Role, error) {
	if err := f.wait(ctx); err != nil {
		return "", err
	}
	r, ok := f.roles[entityID]
	if !ok {
		return "", types.ErrNotFound
	}
	return r, nil
}

func (f *fakeDirectory) HasCompletedRequiredCourse(ctx context.Context, entityID string, t types.AuctionType) (bool, error) {
	if err := f.wait(ctx); err != nil {
		return false, err
	}
	if _, gated := f.courses[t]; !gated {
		return true, nil
	}
	return f.completed[entityID+":"+string(t)], nil
}

func (f *fakeDirectory) UnlockingCourse(ctx context.Context, t types.AuctionType) (types.Course, error) {
	if err := f.wait(ctx); err != nil {
		return types.Course{}, err
	}
	c, ok := f.courses[t]
	if !ok {
		return types.Course{}, types.ErrNotFound
	}
	return c, nil
}

func newGate(f *fakeDirectory, timeout time.Duration) *Gate {
	return NewGate(f, f, f, timeout)
}

func minScore(v float64) *float64 {
	return &v
}

func capitalTarget() Target {
	return Target{ID: "AUC_1", Type: types.AuctionTypeCapital, Active: true}
}

func TestCheck_Admits(t *testing.T) {
	f := newFakeDirectory()
	f.roles["inv"] = types.RoleInvestor
	f.scores["inv"] = 72

	admission, err := newGate(f, time.Second).Check(context.Background(), "inv", capitalTarget())
	assert.NoError(t, err)
	check.Equal(t, types.RoleInvestor, admission.Role)
	check.Equal(t, 72.0, *admission.TrustScore)
}

func TestCheck_Order(t *testing.T) {
	f := newFakeDirectory()
	f.roles["inv"] = types.RoleInvestor
	f.roles["sup"] = types.RoleSupplier
	f.scores["inv"] = 40
	f.courses[types.AuctionTypeCapital] = types.Course{ID: "COURSE_101", Title: "Capital Markets Basics"}
	gate := newGate(f, time.Second)
	ctx := context.Background()

	inactive := capitalTarget()
	inactive.Active = false
	inactive.MinTrustScore = minScore(90)
	_, err := gate.Check(ctx, "sup", inactive)
	check.True(t, errors.Is(err, types.ErrAuctionNotActive))

	target := capitalTarget()
	target.MinTrustScore = minScore(90)
	_, err = gate.Check(ctx, "sup", target)
	check.True(t, errors.Is(err, types.ErrRoleNotPermitted))

	_, err = gate.Check(ctx, "inv", target)
	check.True(t, errors.Is(err, types.ErrTrustScoreTooLow))

	target.MinTrustScore = minScore(40)
	_, err = gate.Check(ctx, "inv", target)
	check.True(t, errors.Is(err, types.ErrLearningGateNotSatisfied))

	var denial *types.EligibilityError
	assert.True(t, errors.As(err, &denial))
	assert.NotNil(t, denial.UnlockingCourse)
	check.Equal(t, "COURSE_101", denial.UnlockingCourse.ID)
	check.Equal(t, "Capital Markets Basics", denial.UnlockingCourse.Title)
	check.Equal(t, types.KindEligibility, types.KindOf(err))

	f.completed["inv:CAPITAL"] = true
	_, err = gate.Check(ctx, "inv", target)
	check.NoError(t, err)
}

func TestCheck_UnknownBidderIsNotPermitted(t *testing.T) {
	_, err := newGate(newFakeDirectory(), time.Second).Check(context.Background(), "ghost", capitalTarget())
	check.True(t, errors.Is(err, types.ErrRoleNotPermitted))
}

func TestCheck_MissingTrustCountsAsZero(t *testing.T) {
	f := newFakeDirectory()
	f.roles["inv"] = types.RoleInvestor
	gate := newGate(f, time.Second)

	admission, err := gate.Check(context.Background(), "inv", capitalTarget())
	assert.NoError(t, err)
	check.Nil(t, admission.TrustScore)

	target := capitalTarget()
	target.MinTrustScore = minScore(1)
	_, err = gate.Check(context.Background(), "inv", target)
	check.True(t, errors.Is(err, types.ErrTrustScoreTooLow))

	target.MinTrustScore = minScore(0)
	_, err = gate.Check(context.Background(), "inv", target)
	check.NoError(t, err)
}

func TestCheck_TimeoutIsUnavailable(t *testing.T) {
	f := newFakeDirectory()
	f.roles["inv"] = types.RoleInvestor
	f.delay = time.Second

	start := time.Now()
	_, err := newGate(f, 20*time.Millisecond).Check(context.Background(), "inv", capitalTarget())

	check.True(t, errors.Is(err, types.ErrCollaboratorUnavailable))
	check.True(t, types.Retryable(err))
	check.True(t, time.Since(start) < 500*time.Millisecond)
}

func TestCheck_ProviderFailureIsUnavailable(t *testing.T) {
	f := newFakeDirectory()
	f.failWith = errors.New("connection refused")

	_, err := newGate(f, time.Second).Check(context.Background(), "inv", capitalTarget())
	check.True(t, errors.Is(err, types.ErrCollaboratorUnavailable))
}

func TestCheck_ConcurrentLookupsAreCoalesced(t *testing.T) {
	f := newFakeDirectory()
	f.roles["inv"] = types.RoleInvestor
	f.scores["inv"] = 50
	f.delay = 50 * time.Millisecond
	gate := newGate(f, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gate.Check(context.Background(), "inv", capitalTarget())
			check.NoError(t, err)
		}()
	}
	wg.Wait()

	// three lookups per check; without coalescing this would be 60
	check.True(t, f.calls.Load() < 60)
}

func TestAuthorizeIssuer(t *testing.T) {
	f := newFakeDirectory()
	f.roles["iss"] = types.RoleIssuer
	f.roles["adm"] = types.RoleAdmin
	f.roles["inv"] = types.RoleInvestor
	gate := newGate(f, time.Second)
	ctx := context.Background()

	check.NoError(t, gate.AuthorizeIssuer(ctx, "iss"))
	check.NoError(t, gate.AuthorizeIssuer(ctx, "adm"))
	check.True(t, errors.Is(gate.AuthorizeIssuer(ctx, "inv"), types.ErrIssuerNotAuthorized))
	check.True(t, errors.Is(gate.AuthorizeIssuer(ctx, "ghost"), types.ErrIssuerNotAuthorized))
}

func TestRolePermits(t *testing.T) {
	check.True(t, RolePermits(types.RoleInvestor, types.AuctionTypeCapital))
	check.True(t, RolePermits(types.RoleGuarantor, types.AuctionTypeGuarantee))
	check.True(t, RolePermits(types.RoleSupplier, types.AuctionTypeSupplyContract))
	check.True(t, RolePermits(types.RoleServiceProvider, types.AuctionTypeTradeService))
	check.False(t, RolePermits(types.RoleIssuer, types.AuctionTypeCapital))
	check.False(t, RolePermits(types.RoleInvestor, types.AuctionTypeGuarantee))
}
