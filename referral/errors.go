/*
errors.go - Centralized error types for the referral ledger

ERROR CATEGORIES:
  1. Validation errors - Raised by CreateReferralRelationship, shown to the
     signup flow, never retried (InvalidCode, UserNotFound, SelfReferral,
     AlreadyReferred)
  2. Store errors - Uniqueness violations and timeouts reported by Store
     implementations
  3. Lifecycle errors - Bad input to unlock / forfeit / redeem

"Nothing to do" is NOT an error. Unlocking or forfeiting a booking that has
no matching transactions returns a zero count and a nil error.

USAGE:
  if errors.Is(err, referral.ErrAlreadyReferred) {
      // show "this account already has a referrer"
  }
*/
package referral

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidCode is returned when no user owns the referral code.
	ErrInvalidCode = errors.New("invalid referral code")

	// ErrUserNotFound is returned when a referenced user does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrRelationshipNotFound is returned by the store for unknown relationship ids.
	ErrRelationshipNotFound = errors.New("referral relationship not found")

	// ErrSelfReferral is returned when referrer and referee are the same user.
	ErrSelfReferral = errors.New("cannot refer yourself")

	// ErrAlreadyReferred is returned when the referee already has a referrer.
	ErrAlreadyReferred = errors.New("user already has a referrer")

	// ErrDuplicateRelationship is returned by the store when the
	// (referrer, referee, level) edge already exists.
	ErrDuplicateRelationship = errors.New("duplicate referral relationship")

	// ErrDuplicateGrant is returned by the store when a transaction for the same
	// (booking, earner, level) already exists. The ledger treats it as "already granted".
	ErrDuplicateGrant = errors.New("duplicate points grant")

	// ErrDuplicateUser is returned when a user id, email or referral code is taken.
	ErrDuplicateUser = errors.New("duplicate user")

	// ErrInvalidReason is returned for forfeit reasons other than cancelled/refunded.
	ErrInvalidReason = errors.New("invalid forfeit reason")

	// ErrInsufficientPoints is returned when a redemption exceeds available points.
	ErrInsufficientPoints = errors.New("insufficient available points")

	// ErrInvalidInput is returned for malformed operation input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStorageTimeout is returned when a storage call exceeds its deadline.
	ErrStorageTimeout = errors.New("storage timeout")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// InsufficientPointsError carries the shortfall of a failed redemption.
type InsufficientPointsError struct {
	UserID    UserID
	Available int64
	Requested int64
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient available points: user %s has %d, requested %d",
		e.UserID, e.Available, e.Requested)
}

func (e *InsufficientPointsError) Unwrap() error {
	return ErrInsufficientPoints
}

// InputError names the offending field.
type InputError struct {
	Field   string
	Message string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *InputError) Unwrap() error {
	return ErrInvalidInput
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsValidationError reports a signup validation failure.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidCode) ||
		errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrSelfReferral) ||
		errors.Is(err, ErrAlreadyReferred)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidCode) ||
		errors.Is(err, ErrSelfReferral) ||
		errors.Is(err, ErrInvalidReason) ||
		errors.Is(err, ErrInsufficientPoints) ||
		errors.Is(err, ErrInvalidInput)
}

// IsConflict returns true for uniqueness and already-done conflicts.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyReferred) ||
		errors.Is(err, ErrDuplicateUser) ||
		errors.Is(err, ErrDuplicateRelationship) ||
		errors.Is(err, ErrDuplicateGrant)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrRelationshipNotFound)
}

// storageErr maps deadline expiry to ErrStorageTimeout and leaves other errors wrapped.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", op, ErrStorageTimeout, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
