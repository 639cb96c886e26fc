/*
lifecycle.go - Unlock and forfeit of locked grants

TRANSITIONS:
  Unlock  (trip completed):   locked -> unlocked
      guard:   status = locked AND NOT trip_cancelled AND NOT trip_refunded
      balance: locked -= p, available += p, lifetime unchanged

  Forfeit (cancel / refund):  locked | trip_in_progress -> expired
      guard:   status IN (locked, trip_in_progress)
      balance: locked -= p, lifetime -= p

MUTUAL EXCLUSION:
  Both targets are terminal and both guards exclude terminal states, so a
  grant is adjusted by at most one of the two operations. The guard is
  evaluated by the store as a conditional update, which makes a concurrent
  unlock + forfeit race safe: exactly one of them sees its guard match.

ATOMICITY:
  Each row's status flip and balance adjustment commit together. A batch
  (all grants of a booking) is not atomic; a crash mid-loop leaves the
  remaining rows untouched and a rerun picks them up.

NO-OP:
  A booking without matching grants returns a zero count, never an error.
  Webhooks fire for bookings that have no referral chain.
*/
package referral

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

type UnlockResult struct {
	UnlockedCount  int
	PointsUnlocked int64
}

type ForfeitResult struct {
	ForfeitedCount  int
	PointsForfeited int64
}

// UnlockPointsForCompletedTrip moves the booking's locked grants into the
// earners' available balances.
func (e *Engine) UnlockPointsForCompletedTrip(ctx context.Context, bookingID string) (UnlockResult, error) {
	var result UnlockResult

	txs, err := e.listBooking(ctx, bookingID, []TransactionStatus{StatusLocked})
	if err != nil {
		return result, err
	}

	now := e.now()
	t := Transition{
		From:              []TransactionStatus{StatusLocked},
		To:                StatusUnlocked,
		RequireActiveTrip: true,
		At:                now,
		SetCompleted:      true,
	}

	for _, tx := range txs {
		if !t.Matches(tx) {
			continue
		}
		applied, err := e.transition(ctx, tx, t, BalanceDelta{
			Locked:    -tx.PointsAwarded,
			Available: tx.PointsAwarded,
		})
		if err != nil {
			return result, err
		}
		if !applied {
			continue
		}
		result.UnlockedCount++
		result.PointsUnlocked += tx.PointsAwarded
		e.recorder().PointsUnlocked(tx.PointsAwarded)
		e.log().WithFields(logrus.Fields{
			"booking_id": bookingID,
			"earner_id":  tx.EarnerID,
			"points":     tx.PointsAwarded,
		}).Info("Referral points unlocked")
	}

	if result.UnlockedCount == 0 {
		e.log().WithField("booking_id", bookingID).Debug("No locked transactions to unlock")
	}
	return result, nil
}

// ForfeitPointsForCancelledTrip expires the booking's pending grants and
// removes them from the earners' locked and lifetime balances.
func (e *Engine) ForfeitPointsForCancelledTrip(ctx context.Context, bookingID string, reason ForfeitReason) (ForfeitResult, error) {
	var result ForfeitResult
	if !reason.Valid() {
		return result, ErrInvalidReason
	}

	txs, err := e.listBooking(ctx, bookingID, PendingStatuses)
	if err != nil {
		return result, err
	}

	t := Transition{
		From:         PendingStatuses,
		To:           StatusExpired,
		At:           e.now(),
		SetCancelled: reason == ReasonCancelled,
		SetRefunded:  reason == ReasonRefunded,
	}

	for _, tx := range txs {
		applied, err := e.transition(ctx, tx, t, BalanceDelta{
			Locked:   -tx.PointsAwarded,
			Lifetime: -tx.PointsAwarded,
		})
		if err != nil {
			return result, err
		}
		if !applied {
			continue
		}
		result.ForfeitedCount++
		result.PointsForfeited += tx.PointsAwarded
		e.recorder().PointsForfeited(reason, tx.PointsAwarded)
		e.log().WithFields(logrus.Fields{
			"booking_id": bookingID,
			"earner_id":  tx.EarnerID,
			"points":     tx.PointsAwarded,
			"reason":     reason,
		}).Info("Referral points forfeited")
	}

	if result.ForfeitedCount == 0 {
		e.log().WithField("booking_id", bookingID).Debug("No pending transactions to forfeit")
	}
	return result, nil
}

// transition flips one row and adjusts its earner's balances atomically.
// It reports false when another caller already moved the row.
func (e *Engine) transition(ctx context.Context, tx PointsTransaction, t Transition, delta BalanceDelta) (bool, error) {
	var applied bool
	err := e.inTx(ctx, "transition transaction", func(ctx context.Context, s Store) error {
		ok, err := s.TransitionTransaction(ctx, tx.ID, t)
		if err != nil || !ok {
			return err
		}
		if err := s.AdjustBalances(ctx, tx.EarnerID, delta); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (e *Engine) listBooking(ctx context.Context, bookingID string, statuses []TransactionStatus) ([]PointsTransaction, error) {
	var txs []PointsTransaction
	err := e.call(ctx, "list booking transactions", func(ctx context.Context) error {
		var err error
		txs, err = e.Store.ListTransactions(ctx, TransactionFilter{
			BookingID: bookingID,
			Statuses:  statuses,
		})
		return err
	})
	return txs, err
}

// =============================================================================
// SCHEDULED UNLOCK
// =============================================================================

type DueUnlockResult struct {
	Bookings       int
	UnlockedCount  int
	PointsUnlocked int64
	Failed         []string
}

// UnlockDueTrips unlocks every booking whose trip ended at or before cutoff.
// A failing booking is recorded and the run continues with the next one.
func (e *Engine) UnlockDueTrips(ctx context.Context, cutoff time.Time, limit int) (DueUnlockResult, error) {
	var result DueUnlockResult

	var bookings []string
	err := e.call(ctx, "list due bookings", func(ctx context.Context) error {
		var err error
		bookings, err = e.Store.ListDueBookings(ctx, cutoff, limit)
		return err
	})
	if err != nil {
		return result, err
	}

	for _, id := range bookings {
		r, err := e.UnlockPointsForCompletedTrip(ctx, id)
		if err != nil {
			e.log().WithError(err).WithField("booking_id", id).Error("Failed to unlock completed trip")
			result.Failed = append(result.Failed, id)
			continue
		}
		result.Bookings++
		result.UnlockedCount += r.UnlockedCount
		result.PointsUnlocked += r.PointsUnlocked
	}
	return result, nil
}
