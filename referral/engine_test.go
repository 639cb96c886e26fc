package referral_test

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fly2any/referral-engine/logging"
	"github.com/fly2any/referral-engine/referral"
	"github.com/fly2any/referral-engine/referral/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	engine *referral.Engine
	store  *store.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	return &fixture{engine: newTestEngine(mem), store: mem}
}

func newTestEngine(s referral.Store) *referral.Engine {
	e := referral.NewEngine(s)
	e.Logger = logging.NewDiscardLogger()
	e.Now = func() time.Time { return testNow }

	var seq atomic.Int64
	e.NewID = func() string { return fmt.Sprintf("id-%04d", seq.Add(1)) }
	return e
}

// signup registers email and, when code is set, attaches it below the
// code's owner. It returns the user as stored afterwards.
func (f *fixture) signup(t *testing.T, email, code string) *referral.User {
	t.Helper()
	ctx := context.Background()

	u, err := f.engine.RegisterUser(ctx, email, strings.Split(email, "@")[0])
	require.NoError(t, err)
	if code != "" {
		_, err = f.engine.CreateReferralRelationship(ctx, email, code)
		require.NoError(t, err)
	}
	return f.user(t, u.ID)
}

func (f *fixture) user(t *testing.T, id referral.UserID) *referral.User {
	t.Helper()
	u, err := f.engine.GetUser(context.Background(), id)
	require.NoError(t, err)
	return u
}

// chain builds R -> A -> B -> C.
func (f *fixture) chain(t *testing.T) (r, a, b, c *referral.User) {
	t.Helper()
	r = f.signup(t, "r@example.com", "")
	a = f.signup(t, "a@example.com", r.ReferralCode)
	b = f.signup(t, "b@example.com", a.ReferralCode)
	c = f.signup(t, "c@example.com", b.ReferralCode)
	return f.user(t, r.ID), f.user(t, a.ID), f.user(t, b.ID), f.user(t, c.ID)
}

func booking(id string, userID referral.UserID, amount int64, product referral.ProductType) referral.BookingInput {
	return referral.BookingInput{
		BookingID:     id,
		UserID:        userID,
		Amount:        decimal.NewFromInt(amount),
		Currency:      "USD",
		ProductType:   product,
		TripStartDate: testNow.AddDate(0, 1, 0),
		TripEndDate:   testNow.AddDate(0, 1, 7),
	}
}

func codeSeq(codes ...string) referral.CodeGenerator {
	var i int
	return func() string {
		c := codes[i%len(codes)]
		i++
		return c
	}
}

// =============================================================================
// REFERRAL CODES
// =============================================================================

func TestGenerateReferralCode_Unique(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		u, err := f.engine.RegisterUser(ctx, fmt.Sprintf("user%d@example.com", i), "")
		require.NoError(t, err)
		assert.Len(t, u.ReferralCode, 8)
		assert.False(t, seen[u.ReferralCode], "code %s issued twice", u.ReferralCode)
		seen[u.ReferralCode] = true
	}
}

func TestGenerateReferralCode_RetriesOnCollision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.Codes = codeSeq("TAKEN001")
	f.signup(t, "owner@example.com", "")

	f.engine.Codes = codeSeq("TAKEN001", "TAKEN001", "FRESH002")
	code, err := f.engine.GenerateReferralCode(ctx)
	require.NoError(t, err)
	assert.Equal(t, "FRESH002", code)
}

func TestGenerateReferralCode_FallsBackAfterMaxAttempts(t *testing.T) {
	// GIVEN: a generator that only ever returns a taken code
	// WHEN: generating a code
	// THEN: it stops after MaxCodeAttempts and appends a time suffix

	f := newFixture(t)
	ctx := context.Background()

	f.engine.Codes = codeSeq("TAKEN001")
	f.signup(t, "owner@example.com", "")

	var calls int
	f.engine.Codes = func() string {
		calls++
		return "TAKEN001"
	}

	code, err := f.engine.GenerateReferralCode(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(code, "TAKEN001"))
	assert.Len(t, code, len("TAKEN001")+3)
	assert.LessOrEqual(t, calls, referral.MaxCodeAttempts+1)

	exists, err := f.store.ReferralCodeExists(ctx, code)
	require.NoError(t, err)
	assert.False(t, exists)
}

// =============================================================================
// STORAGE TIMEOUT
// =============================================================================

// slowStore blocks on the referrer lookup until the context expires.
type slowStore struct {
	referral.Store
}

func (s slowStore) ListRelationshipsByReferee(ctx context.Context, _ referral.UserID, _ []referral.RelationshipStatus) ([]referral.Relationship, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestStorageTimeout_ReturnsErrStorageTimeout(t *testing.T) {
	mem := store.NewMemory()
	e := newTestEngine(slowStore{Store: mem})
	e.StorageTimeout = 20 * time.Millisecond

	_, err := e.ProcessBooking(context.Background(), booking("bk-1", "someone", 1000, referral.ProductFlight))
	require.Error(t, err)
	assert.ErrorIs(t, err, referral.ErrStorageTimeout)
}

func TestStorageTimeout_ZeroUsesCallerContext(t *testing.T) {
	mem := store.NewMemory()
	e := newTestEngine(slowStore{Store: mem})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.ProcessBooking(ctx, booking("bk-1", "someone", 1000, referral.ProductFlight))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, referral.ErrStorageTimeout)
}
