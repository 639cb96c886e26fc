/*
store.go - Persistence contract for the referral ledger

PURPOSE:
  Defines the interface between the ledger logic and the database.
  Lookups are by unique key; writes are guarded or atomic.

CONCURRENCY CONTRACT:
  Implementations MUST provide, at the storage layer:
  1. Uniqueness: (booking_id, earner_id, level) on transactions,
     (referrer_id, referee_id, level) on relationships, referral_code on users.
     Violations return ErrDuplicateGrant / ErrDuplicateRelationship / ErrDuplicateUser.
  2. Guarded updates: TransitionTransaction, AttachReferrer and RedeemBalance
     only change a row when its current state matches the guard
     (compare-and-swap). A failed guard is (false, nil), not an error.
  3. Atomic increments: AdjustBalances, IncrementNetwork and
     RecordRelationshipBooking never read-modify-write in application code.
  4. Row locks: LockUser holds the user row until the transaction ends, so
     the SetBalances that follows cannot overwrite a concurrent increment.

TRANSACTIONS:
  WithTx runs fn against a transactional view. If fn returns an error the
  whole unit is rolled back. The ledger uses one WithTx per grant and per
  lifecycle transition, never one per batch.

IMPLEMENTATIONS:
  - referral/store/memory.go: In-memory, for tests and local development
  - store/sqlstore:           SQLite and PostgreSQL
*/
package referral

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type Store interface {
	UserStore
	RelationshipStore
	TransactionStore

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// UserStore persists users and their cached counters.
type UserStore interface {
	// SaveUser inserts a new user. Returns ErrDuplicateUser on id/email/code conflict.
	SaveUser(ctx context.Context, u User) error

	// GetUser, GetUserByEmail and GetUserByReferralCode return (nil, nil) when missing.
	GetUser(ctx context.Context, id UserID) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByReferralCode(ctx context.Context, code string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)

	ReferralCodeExists(ctx context.Context, code string) (bool, error)

	// AttachReferrer sets referred_by, referral_level and referral_code only
	// when referred_by is still empty. Returns false when the guard fails.
	AttachReferrer(ctx context.Context, refereeID, referrerID UserID, level int, code string) (bool, error)

	// IncrementNetwork atomically adds to direct_referrals and network_size.
	IncrementNetwork(ctx context.Context, id UserID, direct, network int) error

	// AdjustBalances atomically adds delta to the user's counters.
	AdjustBalances(ctx context.Context, id UserID, delta BalanceDelta) error

	// RedeemBalance moves points from available to redeemed when
	// available >= points. Returns false when the guard fails.
	RedeemBalance(ctx context.Context, id UserID, points int64) (bool, error)

	// LockUser reads a user and locks the row for the rest of the enclosing
	// WithTx. Returns (nil, nil) when missing.
	LockUser(ctx context.Context, id UserID) (*User, error)

	// SetBalances overwrites the counters. Only reconciliation uses it, and
	// only after LockUser in the same transaction.
	SetBalances(ctx context.Context, id UserID, b Balances) error
}

// RelationshipStore persists referral edges.
type RelationshipStore interface {
	// CreateRelationship returns ErrDuplicateRelationship for an existing
	// (referrer, referee, level) triple.
	CreateRelationship(ctx context.Context, r Relationship) error

	ListRelationshipsByReferee(ctx context.Context, refereeID UserID, statuses []RelationshipStatus) ([]Relationship, error)

	// ListRelationshipsByReferrer orders by level ascending, newest first within a level.
	ListRelationshipsByReferrer(ctx context.Context, referrerID UserID) ([]Relationship, error)

	// RecordRelationshipBooking atomically bumps the aggregate counters,
	// advances the status and sets first_booking_at on the first call only.
	RecordRelationshipBooking(ctx context.Context, id RelationshipID, revenue decimal.Decimal, points int64, at time.Time) error
}

// TransactionStore persists the points ledger.
type TransactionStore interface {
	// InsertTransaction returns ErrDuplicateGrant for an existing
	// (booking, earner, level) triple.
	InsertTransaction(ctx context.Context, tx PointsTransaction) error

	GetTransaction(ctx context.Context, id TransactionID) (*PointsTransaction, error)

	// ListTransactions returns rows matching the filter, oldest first.
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]PointsTransaction, error)

	// TransitionTransaction applies t only when the row matches t's guard.
	// Returns false when it did not.
	TransitionTransaction(ctx context.Context, id TransactionID, t Transition) (bool, error)

	// ListDueBookings returns distinct booking ids that still hold locked,
	// non-cancelled grants whose trip ended at or before cutoff.
	ListDueBookings(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}
