package referral_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fly2any/referral-engine/referral"
)

// =============================================================================
// GRANTS
// =============================================================================

func TestProcessBooking_SingleLevel(t *testing.T) {
	// GIVEN: R (level 0) refers A
	// WHEN: A books a $1,000 flight
	// THEN: R gets one locked grant of 500 points

	f := newFixture(t)
	ctx := context.Background()

	r := f.signup(t, "r@example.com", "")
	a := f.signup(t, "a@example.com", r.ReferralCode)

	res, err := f.engine.ProcessBooking(ctx, booking("bk-a", a.ID, 1000, referral.ProductFlight))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 0, res.Skipped)
	assert.Equal(t, int64(500), res.TotalPointsAwarded)
	require.Len(t, res.Transactions, 1)

	tx := res.Transactions[0]
	assert.Equal(t, r.ID, tx.EarnerID)
	assert.Equal(t, a.ID, tx.CustomerID)
	assert.Equal(t, 1, tx.Level)
	assert.Equal(t, int64(50), tx.PointsRate)
	assert.Equal(t, int64(500), tx.PointsCalculated)
	assert.Equal(t, int64(500), tx.PointsAwarded)
	assert.Equal(t, referral.StatusLocked, tx.Status)
	assert.Equal(t, testNow.Add(referral.PointsLockPeriod), tx.PointsExpireAt)

	got := f.user(t, r.ID)
	assert.Equal(t, referral.Balances{Locked: 500, Lifetime: 500}, got.Balances)
}

func TestProcessBooking_ThreeLevels(t *testing.T) {
	// GIVEN: R -> A -> B -> C
	// WHEN: C books a $500 hotel
	// THEN: B earns 375, A earns 150 and R earns 75, all locked

	f := newFixture(t)
	ctx := context.Background()
	r, a, b, c := f.chain(t)

	res, err := f.engine.ProcessBooking(ctx, booking("bk-c", c.ID, 500, referral.ProductHotel))
	require.NoError(t, err)
	require.Len(t, res.Transactions, 3)
	assert.Equal(t, int64(600), res.TotalPointsAwarded)

	byEarner := make(map[referral.UserID]referral.PointsTransaction)
	for _, tx := range res.Transactions {
		byEarner[tx.EarnerID] = tx
	}
	assert.Equal(t, int64(375), byEarner[b.ID].PointsAwarded)
	assert.Equal(t, 1, byEarner[b.ID].Level)
	assert.Equal(t, int64(150), byEarner[a.ID].PointsAwarded)
	assert.Equal(t, 2, byEarner[a.ID].Level)
	assert.Equal(t, int64(75), byEarner[r.ID].PointsAwarded)
	assert.Equal(t, 3, byEarner[r.ID].Level)

	assert.Equal(t, int64(375), f.user(t, b.ID).Balances.Locked)
	assert.Equal(t, int64(150), f.user(t, a.ID).Balances.Locked)
	assert.Equal(t, int64(75), f.user(t, r.ID).Balances.Locked)
	assert.Zero(t, f.user(t, c.ID).Balances.Lifetime)
}

func TestProcessBooking_LevelCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, _, _, c := f.chain(t)
	d := f.signup(t, "d@example.com", c.ReferralCode)

	res, err := f.engine.ProcessBooking(ctx, booking("bk-d", d.ID, 1000, referral.ProductFlight))
	require.NoError(t, err)
	assert.Len(t, res.Transactions, 3)
	for _, tx := range res.Transactions {
		assert.NotEqual(t, r.ID, tx.EarnerID)
	}
	assert.Zero(t, f.user(t, r.ID).Balances.Lifetime)
}

func TestProcessBooking_UpdatesRelationship(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.signup(t, "r@example.com", "")
	a := f.signup(t, "a@example.com", r.ReferralCode)

	_, err := f.engine.ProcessBooking(ctx, booking("bk-1", a.ID, 1000, referral.ProductFlight))
	require.NoError(t, err)

	rels, err := f.store.ListRelationshipsByReferee(ctx, a.ID, nil)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	rel := rels[0]
	assert.Equal(t, referral.RelationshipFirstBooking, rel.Status)
	assert.Equal(t, 1, rel.TotalBookings)
	assert.Equal(t, "1000", rel.TotalRevenue.String())
	assert.Equal(t, int64(500), rel.TotalPointsEarned)
	require.NotNil(t, rel.FirstBookingAt)
	firstBooking := *rel.FirstBookingAt

	_, err = f.engine.ProcessBooking(ctx, booking("bk-2", a.ID, 200, referral.ProductFlight))
	require.NoError(t, err)

	rels, err = f.store.ListRelationshipsByReferee(ctx, a.ID, nil)
	require.NoError(t, err)
	rel = rels[0]
	assert.Equal(t, referral.RelationshipActive, rel.Status)
	assert.Equal(t, 2, rel.TotalBookings)
	assert.Equal(t, "1200", rel.TotalRevenue.String())
	assert.Equal(t, int64(600), rel.TotalPointsEarned)
	assert.Equal(t, firstBooking, *rel.FirstBookingAt)
}

func TestProcessBooking_NoReferrer(t *testing.T) {
	f := newFixture(t)
	u := f.signup(t, "solo@example.com", "")

	res, err := f.engine.ProcessBooking(context.Background(), booking("bk-solo", u.ID, 1000, referral.ProductFlight))
	require.NoError(t, err)
	assert.Empty(t, res.Transactions)
	assert.Zero(t, res.Created)
}

func TestProcessBooking_ZeroPointsSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, b, c := f.chain(t)

	// $1 earns 0 points at every level
	res, err := f.engine.ProcessBooking(ctx, booking("bk-tiny", c.ID, 1, referral.ProductFlight))
	require.NoError(t, err)
	assert.Empty(t, res.Transactions)
	assert.Zero(t, f.user(t, b.ID).Balances.Lifetime)
}

func TestProcessBooking_InvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	valid := booking("bk-1", "u-1", 100, referral.ProductFlight)

	missingID := valid
	missingID.BookingID = " "
	negative := valid
	negative.Amount = decimal.NewFromInt(-5)
	backwards := valid
	backwards.TripEndDate = valid.TripStartDate.AddDate(0, 0, -1)
	noDates := valid
	noDates.TripStartDate = time.Time{}
	noUser := valid
	noUser.UserID = ""

	for name, in := range map[string]referral.BookingInput{
		"missing booking id": missingID,
		"negative amount":    negative,
		"end before start":   backwards,
		"missing trip dates": noDates,
		"missing user":       noUser,
	} {
		_, err := f.engine.ProcessBooking(ctx, in)
		assert.ErrorIs(t, err, referral.ErrInvalidInput, name)
		assert.True(t, referral.IsClientError(err), name)
	}
}

func TestProcessBooking_DefaultsCurrency(t *testing.T) {
	f := newFixture(t)
	r := f.signup(t, "r@example.com", "")
	a := f.signup(t, "a@example.com", r.ReferralCode)

	in := booking("bk-1", a.ID, 100, referral.ProductFlight)
	in.Currency = ""
	res, err := f.engine.ProcessBooking(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, res.Transactions, 1)
	assert.Equal(t, "USD", res.Transactions[0].Currency)
}

func TestProcessBooking_CommissionBasis(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.engine.Basis = referral.BasisCommission

	r := f.signup(t, "r@example.com", "")
	a := f.signup(t, "a@example.com", r.ReferralCode)

	in := booking("bk-1", a.ID, 1000, referral.ProductHotel)
	in.CommissionAmount = decimal.NewFromInt(200)
	res, err := f.engine.ProcessBooking(ctx, in)
	require.NoError(t, err)
	require.Len(t, res.Transactions, 1)
	// floor(200/100*50) = 100, x1.5
	assert.Equal(t, int64(150), res.Transactions[0].PointsAwarded)
	assert.Equal(t, "1000", res.Transactions[0].BookingAmount.String())

	// no commission given: 10% of $1,000 hotel
	res, err = f.engine.ProcessBooking(ctx, booking("bk-2", a.ID, 1000, referral.ProductHotel))
	require.NoError(t, err)
	require.Len(t, res.Transactions, 1)
	assert.Equal(t, int64(75), res.Transactions[0].PointsAwarded)
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestProcessBooking_ReplayDoesNotDoubleGrant(t *testing.T) {
	// GIVEN: a booking that has been processed
	// WHEN: the same booking is processed again
	// THEN: same transactions, balances unchanged, grants reported as skipped

	f := newFixture(t)
	ctx := context.Background()
	r, a, b, c := f.chain(t)

	in := booking("bk-replay", c.ID, 500, referral.ProductHotel)
	first, err := f.engine.ProcessBooking(ctx, in)
	require.NoError(t, err)

	before := map[referral.UserID]referral.Balances{
		r.ID: f.user(t, r.ID).Balances,
		a.ID: f.user(t, a.ID).Balances,
		b.ID: f.user(t, b.ID).Balances,
	}

	second, err := f.engine.ProcessBooking(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 3, second.Skipped)
	assert.Equal(t, first.Transactions, second.Transactions)
	assert.Equal(t, first.TotalPointsAwarded, second.TotalPointsAwarded)

	for id, bal := range before {
		assert.Equal(t, bal, f.user(t, id).Balances)
	}

	rels, err := f.store.ListRelationshipsByReferee(ctx, c.ID, nil)
	require.NoError(t, err)
	for _, rel := range rels {
		assert.Equal(t, 1, rel.TotalBookings)
	}
}

func TestProcessBooking_ConcurrentReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.signup(t, "r@example.com", "")
	a := f.signup(t, "a@example.com", r.ReferralCode)
	in := booking("bk-race", a.ID, 1000, referral.ProductFlight)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.ProcessBooking(ctx, in)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	txs, err := f.engine.BookingTransactions(ctx, "bk-race")
	require.NoError(t, err)
	assert.Len(t, txs, 1)
	assert.Equal(t, referral.Balances{Locked: 500, Lifetime: 500}, f.user(t, r.ID).Balances)
}
