package referral_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fly2any/referral-engine/referral"
	"github.com/fly2any/referral-engine/referral/store"
)

// unlockedReferrer returns R with 500 available points from A's flight.
func unlockedReferrer(t *testing.T, f *fixture) (r, a *referral.User) {
	t.Helper()
	ctx := context.Background()
	r = f.signup(t, "r@example.com", "")
	a = f.signup(t, "a@example.com", r.ReferralCode)

	_, err := f.engine.ProcessBooking(ctx, booking("bk-1", a.ID, 1000, referral.ProductFlight))
	require.NoError(t, err)
	_, err = f.engine.UnlockPointsForCompletedTrip(ctx, "bk-1")
	require.NoError(t, err)
	return f.user(t, r.ID), a
}

// =============================================================================
// REDEEM
// =============================================================================

func TestRedeemPoints(t *testing.T) {
	f := newFixture(t)
	r, _ := unlockedReferrer(t, f)

	bal, err := f.engine.RedeemPoints(context.Background(), r.ID, 200)
	require.NoError(t, err)
	assert.Equal(t, referral.Balances{Available: 300, Lifetime: 500, Redeemed: 200}, bal)
	assert.Equal(t, bal, f.user(t, r.ID).Balances)
}

func TestRedeemPoints_Insufficient(t *testing.T) {
	f := newFixture(t)
	r, _ := unlockedReferrer(t, f)

	bal, err := f.engine.RedeemPoints(context.Background(), r.ID, 501)
	require.Error(t, err)
	assert.ErrorIs(t, err, referral.ErrInsufficientPoints)

	var insufficient *referral.InsufficientPointsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(500), insufficient.Available)
	assert.Equal(t, int64(501), insufficient.Requested)

	assert.Equal(t, int64(500), bal.Available)
	assert.Equal(t, int64(500), f.user(t, r.ID).Balances.Available)
}

// racingRedeemer lets another redemption of competing points land just
// before every RedeemBalance call.
type racingRedeemer struct {
	*store.Memory
	competing int64
}

func (r racingRedeemer) RedeemBalance(ctx context.Context, id referral.UserID, points int64) (bool, error) {
	if _, err := r.Memory.RedeemBalance(ctx, id, r.competing); err != nil {
		return false, err
	}
	return r.Memory.RedeemBalance(ctx, id, points)
}

func TestRedeemPoints_InsufficientReportsBalanceAfterRace(t *testing.T) {
	// GIVEN: R has 500 available
	// WHEN: another redemption of 300 lands right before R redeems 400
	// THEN: the error reports the 200 that refused the update, not the 500
	//       seen before the race
	f := newFixture(t)
	r, _ := unlockedReferrer(t, f)

	e := newTestEngine(racingRedeemer{Memory: f.store, competing: 300})
	bal, err := e.RedeemPoints(context.Background(), r.ID, 400)
	require.ErrorIs(t, err, referral.ErrInsufficientPoints)

	var insufficient *referral.InsufficientPointsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(200), insufficient.Available)
	assert.Equal(t, int64(400), insufficient.Requested)
	assert.Equal(t, int64(200), bal.Available)
	assert.Equal(t, int64(300), f.user(t, r.ID).Balances.Redeemed)
}

func TestRedeemPoints_LockedPointsNotRedeemable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.signup(t, "r@example.com", "")
	a := f.signup(t, "a@example.com", r.ReferralCode)

	_, err := f.engine.ProcessBooking(ctx, booking("bk-1", a.ID, 1000, referral.ProductFlight))
	require.NoError(t, err)

	_, err = f.engine.RedeemPoints(ctx, r.ID, 1)
	assert.ErrorIs(t, err, referral.ErrInsufficientPoints)
}

func TestRedeemPoints_InvalidInput(t *testing.T) {
	f := newFixture(t)
	r, _ := unlockedReferrer(t, f)

	_, err := f.engine.RedeemPoints(context.Background(), r.ID, 0)
	assert.ErrorIs(t, err, referral.ErrInvalidInput)

	_, err = f.engine.RedeemPoints(context.Background(), "nobody", 10)
	assert.ErrorIs(t, err, referral.ErrUserNotFound)
}

func TestRedeemPoints_ConcurrentCannotOverdraw(t *testing.T) {
	f := newFixture(t)
	r, _ := unlockedReferrer(t, f)

	var (
		wg      sync.WaitGroup
		success atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.engine.RedeemPoints(context.Background(), r.ID, 100); err == nil {
				success.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), success.Load())
	bal := f.user(t, r.ID).Balances
	assert.Zero(t, bal.Available)
	assert.Equal(t, int64(500), bal.Redeemed)
}

// =============================================================================
// RECONCILE
// =============================================================================

func TestExpectedBalances(t *testing.T) {
	txs := []referral.PointsTransaction{
		{Status: referral.StatusLocked, PointsAwarded: 100},
		{Status: referral.StatusTripInProgress, PointsAwarded: 20},
		{Status: referral.StatusUnlocked, PointsAwarded: 300},
		{Status: referral.StatusExpired, PointsAwarded: 999},
	}
	got := referral.ExpectedBalances(txs, 50)
	assert.Equal(t, referral.Balances{Available: 250, Locked: 120, Lifetime: 420, Redeemed: 50}, got)
}

func TestReconcileUserBalances_RepairsDrift(t *testing.T) {
	// GIVEN: counters that disagree with the ledger
	// WHEN: reconciling
	// THEN: counters are rebuilt from the ledger and redeemed is kept

	f := newFixture(t)
	ctx := context.Background()
	r, a := unlockedReferrer(t, f)

	_, err := f.engine.RedeemPoints(ctx, r.ID, 200)
	require.NoError(t, err)
	_, err = f.engine.ProcessBooking(ctx, booking("bk-2", a.ID, 100, referral.ProductFlight))
	require.NoError(t, err)

	require.NoError(t, f.store.SetBalances(ctx, r.ID, referral.Balances{Available: 9999, Locked: 1, Lifetime: 3, Redeemed: 200}))

	res, err := f.engine.ReconcileUserBalances(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, res.Drifted)
	assert.Equal(t, int64(9999), res.Before.Available)

	want := referral.Balances{Available: 300, Locked: 50, Lifetime: 550, Redeemed: 200}
	assert.Equal(t, want, res.After)
	assert.Equal(t, want, f.user(t, r.ID).Balances)

	again, err := f.engine.ReconcileUserBalances(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, again.Drifted)
}

func TestReconcileUserBalances_UnknownUser(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.ReconcileUserBalances(context.Background(), "nobody")
	assert.ErrorIs(t, err, referral.ErrUserNotFound)
}

func TestReconcileAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, a := unlockedReferrer(t, f)

	require.NoError(t, f.store.AdjustBalances(ctx, r.ID, referral.BalanceDelta{Locked: 7}))

	summary, err := f.engine.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Users)
	require.Len(t, summary.Repaired, 1)
	assert.Equal(t, r.ID, summary.Repaired[0].UserID)
	assert.Zero(t, f.user(t, r.ID).Balances.Locked)
	assert.Equal(t, referral.Balances{}, f.user(t, a.ID).Balances)
}

// =============================================================================
// SUMMARY AND NETWORK
// =============================================================================

func TestGetUserPointsSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, a := unlockedReferrer(t, f)

	_, err := f.engine.ProcessBooking(ctx, booking("bk-2", a.ID, 300, referral.ProductHotel))
	require.NoError(t, err)

	s, err := f.engine.GetUserPointsSummary(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, s.UserID)
	assert.Equal(t, r.ReferralCode, s.ReferralCode)
	assert.Equal(t, 1, s.DirectReferrals)
	assert.Equal(t, 1, s.NetworkSize)
	assert.Equal(t, 1, s.PendingTransactions)
	assert.Equal(t, int64(225), s.PendingPoints)
	assert.Equal(t, referral.Balances{Available: 500, Locked: 225, Lifetime: 725}, s.Balances)
	assert.Equal(t, "50.00", s.AvailableUSD.StringFixed(2))
}

func TestGetUserPointsSummary_UnknownUser(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.GetUserPointsSummary(context.Background(), "nobody")
	assert.ErrorIs(t, err, referral.ErrUserNotFound)
}

func TestGetReferralNetworkTree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, a, b, c := f.chain(t)
	a2 := f.signup(t, "a2@example.com", r.ReferralCode)

	tree, err := f.engine.GetReferralNetworkTree(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, tree.Total)
	require.Len(t, tree.ByLevel[1], 2)
	require.Len(t, tree.ByLevel[2], 1)
	require.Len(t, tree.ByLevel[3], 1)

	level1 := []referral.UserID{tree.ByLevel[1][0].Referee.ID, tree.ByLevel[1][1].Referee.ID}
	assert.ElementsMatch(t, []referral.UserID{a.ID, a2.ID}, level1)
	assert.Equal(t, b.ID, tree.ByLevel[2][0].Referee.ID)
	assert.Equal(t, c.ID, tree.ByLevel[3][0].Referee.ID)
	assert.Equal(t, "c@example.com", tree.ByLevel[3][0].Referee.Email)
}

func TestGetReferralNetworkTree_EmptyLevels(t *testing.T) {
	f := newFixture(t)
	u := f.signup(t, "solo@example.com", "")

	tree, err := f.engine.GetReferralNetworkTree(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Zero(t, tree.Total)
	for level := 1; level <= referral.MaxLevel; level++ {
		assert.NotNil(t, tree.ByLevel[level])
		assert.Empty(t, tree.ByLevel[level])
	}

	_, err = f.engine.GetReferralNetworkTree(context.Background(), "nobody")
	assert.ErrorIs(t, err, referral.ErrUserNotFound)
}

func TestListTransactions_Filter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, a := unlockedReferrer(t, f)

	_, err := f.engine.ProcessBooking(ctx, booking("bk-2", a.ID, 100, referral.ProductFlight))
	require.NoError(t, err)

	all, err := f.engine.ListTransactions(ctx, referral.TransactionFilter{EarnerID: r.ID})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	locked, err := f.engine.ListTransactions(ctx, referral.TransactionFilter{Statuses: []referral.TransactionStatus{referral.StatusLocked}})
	require.NoError(t, err)
	require.Len(t, locked, 1)
	assert.Equal(t, "bk-2", locked[0].BookingID)

	none, err := f.engine.ListTransactions(ctx, referral.TransactionFilter{EarnerID: a.ID})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

// =============================================================================
// RECORDER
// =============================================================================

type countingRecorder struct {
	referral.NopRecorder
	mu        sync.Mutex
	referrals int
	granted   int64
	unlocked  int64
	forfeited int64
	redeemed  int64
}

func (c *countingRecorder) ReferralCreated(int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.referrals++
}

func (c *countingRecorder) PointsGranted(_ int, p int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.granted += p
}

func (c *countingRecorder) PointsUnlocked(p int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unlocked += p
}

func (c *countingRecorder) PointsForfeited(_ referral.ForfeitReason, p int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forfeited += p
}

func (c *countingRecorder) PointsRedeemed(p int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.redeemed += p
}

func TestRecorder_ReceivesLedgerEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := &countingRecorder{}
	f.engine.Recorder = rec

	_, a, _, c := f.chain(t)
	assert.Equal(t, 6, rec.referrals)

	_, err := f.engine.ProcessBooking(ctx, booking("bk-c", c.ID, 500, referral.ProductHotel))
	require.NoError(t, err)
	_, err = f.engine.ProcessBooking(ctx, booking("bk-a", a.ID, 1000, referral.ProductFlight))
	require.NoError(t, err)
	assert.Equal(t, int64(1100), rec.granted)

	_, err = f.engine.UnlockPointsForCompletedTrip(ctx, "bk-c")
	require.NoError(t, err)
	_, err = f.engine.ForfeitPointsForCancelledTrip(ctx, "bk-a", referral.ReasonCancelled)
	require.NoError(t, err)
	assert.Equal(t, int64(600), rec.unlocked)
	assert.Equal(t, int64(500), rec.forfeited)

	_, err = f.engine.RedeemPoints(ctx, a.ID, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), rec.redeemed)
}
