/*
Package referral implements the tiered referral points ledger.

PURPOSE:
  Users who sign up with a referral code join a referral tree. When a user
  books travel, the up-to-three referrers above them earn points. Points are
  LOCKED until the trip completes, then UNLOCKED into the available balance,
  or FORFEITED (expired) when the trip is cancelled or refunded.

KEY CONCEPTS IN THIS FILE (types.go):
  - User:              Referral tree node and owner of the four point counters
  - Relationship:      Directed edge referrer -> referee annotated with level 1..3
  - PointsTransaction: One grant of points for one booking, one earner, one level
  - Status enums:      Closed sets of states for relationships and transactions

COUNTERS VS LEDGER:
  The four balance counters on User (available, locked, lifetime, redeemed)
  are a denormalized cache of the PointsTransaction ledger. The ledger is the
  source of truth. ReconcileUserBalances rebuilds the counters from it.

  INVARIANT: locked == sum(PointsAwarded) over the user's transactions whose
  status is locked or trip_in_progress.

STATE MACHINE (per PointsTransaction):

          ProcessBooking
                |
                v
            [locked] ---- UnlockPointsForCompletedTrip ----> [unlocked]
                |
                +---- ForfeitPointsForCancelledTrip -------> [expired]

  unlocked and expired are terminal. A transaction reaches at most one of them.

SEE ALSO:
  - points.go:    Grant calculation
  - graph.go:     Referral tree construction
  - ledger.go:    Booking processing
  - lifecycle.go: Unlock / forfeit
  - store.go:     Persistence contract
*/
package referral

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type RelationshipID string
type TransactionID string

// MaxLevel is the deepest ancestor that earns from a booking.
const MaxLevel = 3

// =============================================================================
// USER - Referral tree node (external entity, referenced not owned)
// =============================================================================

type User struct {
	ID    UserID
	Email string
	Name  string

	// ReferredBy is a weak back-reference to the parent in the referral tree.
	ReferredBy    *UserID
	ReferralLevel int // depth in the tree, 0 for roots
	ReferralCode  string

	DirectReferrals int
	NetworkSize     int

	Balances  Balances
	CreatedAt time.Time
}

// Balances are the cached point counters of a user.
type Balances struct {
	Available int64
	Locked    int64
	Lifetime  int64
	Redeemed  int64
}

// BalanceDelta is applied with atomic increments, never read-modify-write.
type BalanceDelta struct {
	Available int64
	Locked    int64
	Lifetime  int64
	Redeemed  int64
}

func (d BalanceDelta) IsZero() bool {
	return d.Available == 0 && d.Locked == 0 && d.Lifetime == 0 && d.Redeemed == 0
}

func (b Balances) Apply(d BalanceDelta) Balances {
	return Balances{
		Available: b.Available + d.Available,
		Locked:    b.Locked + d.Locked,
		Lifetime:  b.Lifetime + d.Lifetime,
		Redeemed:  b.Redeemed + d.Redeemed,
	}
}

// =============================================================================
// RELATIONSHIP - Directed referral edge
// =============================================================================

// RelationshipStatus progresses monotonically: signed_up -> first_booking -> active.
type RelationshipStatus string

const (
	RelationshipSignedUp     RelationshipStatus = "signed_up"
	RelationshipFirstBooking RelationshipStatus = "first_booking"
	RelationshipActive       RelationshipStatus = "active"
)

// EarningRelationshipStatuses are the statuses whose referrer earns from bookings.
var EarningRelationshipStatuses = []RelationshipStatus{
	RelationshipSignedUp,
	RelationshipFirstBooking,
	RelationshipActive,
}

func (s RelationshipStatus) Valid() bool {
	switch s {
	case RelationshipSignedUp, RelationshipFirstBooking, RelationshipActive:
		return true
	}
	return false
}

// Advance returns the status after one more booking by the referee.
func (s RelationshipStatus) Advance() RelationshipStatus {
	switch s {
	case RelationshipSignedUp:
		return RelationshipFirstBooking
	default:
		return RelationshipActive
	}
}

type Relationship struct {
	ID         RelationshipID
	ReferrerID UserID
	RefereeID  UserID
	Level      int
	Status     RelationshipStatus

	TotalBookings     int
	TotalRevenue      decimal.Decimal
	TotalPointsEarned int64

	SignupCompletedAt time.Time
	FirstBookingAt    *time.Time
	LastActivityAt    *time.Time
	CreatedAt         time.Time
}

// =============================================================================
// POINTS TRANSACTION - Ledger entry
// =============================================================================

type TransactionStatus string

const (
	StatusLocked         TransactionStatus = "locked"
	StatusTripInProgress TransactionStatus = "trip_in_progress"
	StatusUnlocked       TransactionStatus = "unlocked"
	StatusExpired        TransactionStatus = "expired"
)

// PendingStatuses hold points that count toward the locked balance.
var PendingStatuses = []TransactionStatus{StatusLocked, StatusTripInProgress}

func (s TransactionStatus) Valid() bool {
	switch s {
	case StatusLocked, StatusTripInProgress, StatusUnlocked, StatusExpired:
		return true
	}
	return false
}

func (s TransactionStatus) IsPending() bool {
	return s == StatusLocked || s == StatusTripInProgress
}

func (s TransactionStatus) IsTerminal() bool {
	return s == StatusUnlocked || s == StatusExpired
}

// ProductType selects the product multiplier. Unknown values are allowed.
type ProductType string

const (
	ProductFlight              ProductType = "flight"
	ProductFlightInternational ProductType = "flight_international"
	ProductHotel               ProductType = "hotel"
	ProductPackage             ProductType = "package"
	ProductCar                 ProductType = "car"
	ProductActivity            ProductType = "activity"
)

// ForfeitReason is why a trip's points are forfeited.
type ForfeitReason string

const (
	ReasonCancelled ForfeitReason = "cancelled"
	ReasonRefunded  ForfeitReason = "refunded"
)

func (r ForfeitReason) Valid() bool {
	return r == ReasonCancelled || r == ReasonRefunded
}

type PointsTransaction struct {
	ID TransactionID

	// Immutable once created
	BookingID         string
	BookingAmount     decimal.Decimal
	CommissionAmount  decimal.Decimal
	Currency          string
	ProductType       ProductType
	ProductData       map[string]string
	EarnerID          UserID
	CustomerID        UserID
	Level             int
	PointsRate        int64
	ProductMultiplier decimal.Decimal
	PointsCalculated  int64
	PointsAwarded     int64
	TripStartDate     time.Time
	TripEndDate       time.Time
	PointsExpireAt    time.Time
	CreatedAt         time.Time

	// Mutated only by the lifecycle operations
	Status           TransactionStatus
	TripCancelled    bool
	TripRefunded     bool
	TripCancelledAt  *time.Time
	TripCompletedAt  *time.Time
	PointsUnlockedAt *time.Time
}

// Transition describes a guarded status change applied by the store.
// The store applies it only when the row's current status is in From.
type Transition struct {
	From []TransactionStatus
	To   TransactionStatus

	// Unlock guard: only rows with both trip flags false match.
	RequireActiveTrip bool

	At           time.Time
	SetCompleted bool // sets TripCompletedAt and PointsUnlockedAt
	SetCancelled bool // sets TripCancelled and TripCancelledAt
	SetRefunded  bool // sets TripRefunded
}

// Matches reports whether tx satisfies the transition's guard.
func (t Transition) Matches(tx PointsTransaction) bool {
	if t.RequireActiveTrip && (tx.TripCancelled || tx.TripRefunded) {
		return false
	}
	for _, s := range t.From {
		if tx.Status == s {
			return true
		}
	}
	return false
}

// Apply returns tx with the transition applied. Guards are not checked.
func (t Transition) Apply(tx PointsTransaction) PointsTransaction {
	at := t.At
	tx.Status = t.To
	if t.SetCompleted {
		tx.TripCompletedAt = &at
		tx.PointsUnlockedAt = &at
	}
	if t.SetCancelled {
		tx.TripCancelled = true
		tx.TripCancelledAt = &at
	}
	if t.SetRefunded {
		tx.TripRefunded = true
	}
	return tx
}

// TransactionFilter selects ledger rows for listing/export.
type TransactionFilter struct {
	BookingID string
	EarnerID  UserID
	Statuses  []TransactionStatus
	Limit     int
}
