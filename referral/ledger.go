/*
ledger.go - Booking processing (locked point grants)

PURPOSE:
  Converts a completed booking into LOCKED point grants for each earning
  ancestor of the customer. Points stay locked until the trip completes
  (lifecycle.go).

PER GRANT (one store transaction):
  1. Insert PointsTransaction{status: locked, expires: now + 365 days}
  2. earner.locked   += pointsAwarded
     earner.lifetime += pointsAwarded
  3. relationship.totalBookings++, totalRevenue += amount,
     totalPointsEarned += pointsAwarded, status advances,
     firstBookingAt set on first booking only

IDEMPOTENCY:
  The store rejects a second (booking, earner, level) row with
  ErrDuplicateGrant. The whole grant transaction rolls back, so balances and
  relationship counters move exactly once no matter how often (or how
  concurrently) the same booking is replayed. Duplicates are counted in
  BookingResult.Skipped.

LEVEL CAP:
  Relationships deeper than MaxLevel never earn; CalculateGrant reports
  them as not ok and they are skipped.
*/
package referral

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type BookingInput struct {
	BookingID        string
	UserID           UserID
	Amount           decimal.Decimal
	CommissionAmount decimal.Decimal // optional, used with BasisCommission
	Currency         string
	ProductType      ProductType
	TripStartDate    time.Time
	TripEndDate      time.Time
	ProductData      map[string]string
}

func (in BookingInput) validate() error {
	switch {
	case strings.TrimSpace(in.BookingID) == "":
		return &InputError{Field: "booking_id", Message: "required"}
	case in.UserID == "":
		return &InputError{Field: "user_id", Message: "required"}
	case in.Amount.IsNegative():
		return &InputError{Field: "amount", Message: "must not be negative"}
	case in.CommissionAmount.IsNegative():
		return &InputError{Field: "commission_amount", Message: "must not be negative"}
	case in.TripStartDate.IsZero() || in.TripEndDate.IsZero():
		return &InputError{Field: "trip dates", Message: "required"}
	case in.TripEndDate.Before(in.TripStartDate):
		return &InputError{Field: "trip_end_date", Message: "before trip_start_date"}
	}
	return nil
}

type BookingResult struct {
	// Transactions holds every grant recorded for the booking, including
	// grants made by earlier calls.
	Transactions       []PointsTransaction
	TotalPointsAwarded int64
	Created            int
	Skipped            int
}

// ProcessBooking grants locked points to every earning ancestor of the
// booking's customer.
func (e *Engine) ProcessBooking(ctx context.Context, in BookingInput) (BookingResult, error) {
	if err := in.validate(); err != nil {
		return BookingResult{}, err
	}
	if in.Currency == "" {
		in.Currency = "USD"
	}

	logger := e.log().WithFields(logrus.Fields{
		"booking_id": in.BookingID,
		"user_id":    in.UserID,
	})

	earning := e.Rates.EarningAmount(e.Basis, in.Amount, in.CommissionAmount, in.ProductType)
	if !earning.IsPositive() {
		logger.Info("No earning amount on booking, skipping referral points")
		return BookingResult{Transactions: []PointsTransaction{}}, nil
	}

	var rels []Relationship
	err := e.call(ctx, "list referrers", func(ctx context.Context) error {
		var err error
		rels, err = e.Store.ListRelationshipsByReferee(ctx, in.UserID, EarningRelationshipStatuses)
		return err
	})
	if err != nil {
		return BookingResult{}, err
	}
	sort.Slice(rels, func(i, j int) bool { return rels[i].Level < rels[j].Level })

	var result BookingResult
	now := e.now()

	for _, rel := range rels {
		grant, ok := e.Rates.CalculateGrant(earning, rel.Level, in.ProductType)
		if !ok || grant.PointsAwarded <= 0 {
			continue
		}

		tx := e.newGrant(in, rel, grant, now)
		err := e.inTx(ctx, "grant points", func(ctx context.Context, s Store) error {
			if err := s.InsertTransaction(ctx, tx); err != nil {
				return err
			}
			delta := BalanceDelta{Locked: grant.PointsAwarded, Lifetime: grant.PointsAwarded}
			if err := s.AdjustBalances(ctx, rel.ReferrerID, delta); err != nil {
				return err
			}
			return s.RecordRelationshipBooking(ctx, rel.ID, in.Amount, grant.PointsAwarded, now)
		})
		if errors.Is(err, ErrDuplicateGrant) {
			result.Skipped++
			logger.WithFields(logrus.Fields{
				"earner_id": rel.ReferrerID,
				"level":     rel.Level,
			}).Info("Booking already granted for earner, skipping")
			continue
		}
		if err != nil {
			return result, err
		}

		result.Created++
		e.recorder().PointsGranted(rel.Level, grant.PointsAwarded)
		logger.WithFields(logrus.Fields{
			"earner_id": rel.ReferrerID,
			"level":     rel.Level,
			"points":    grant.PointsAwarded,
		}).Info("Locked referral points granted")
	}

	txs, err := e.BookingTransactions(ctx, in.BookingID)
	if err != nil {
		return result, err
	}
	result.Transactions = txs
	for _, tx := range txs {
		result.TotalPointsAwarded += tx.PointsAwarded
	}
	return result, nil
}

// BookingTransactions lists every grant of a booking.
func (e *Engine) BookingTransactions(ctx context.Context, bookingID string) ([]PointsTransaction, error) {
	var txs []PointsTransaction
	err := e.call(ctx, "list booking transactions", func(ctx context.Context) error {
		var err error
		txs, err = e.Store.ListTransactions(ctx, TransactionFilter{BookingID: bookingID})
		return err
	})
	if txs == nil {
		txs = []PointsTransaction{}
	}
	return txs, err
}

func (e *Engine) newGrant(in BookingInput, rel Relationship, g Grant, now time.Time) PointsTransaction {
	return PointsTransaction{
		ID:                TransactionID(e.newID()),
		BookingID:         in.BookingID,
		BookingAmount:     in.Amount,
		CommissionAmount:  in.CommissionAmount,
		Currency:          in.Currency,
		ProductType:       in.ProductType,
		ProductData:       in.ProductData,
		EarnerID:          rel.ReferrerID,
		CustomerID:        in.UserID,
		Level:             rel.Level,
		PointsRate:        g.PointsRate,
		ProductMultiplier: g.ProductMultiplier,
		PointsCalculated:  g.PointsCalculated,
		PointsAwarded:     g.PointsAwarded,
		TripStartDate:     in.TripStartDate,
		TripEndDate:       in.TripEndDate,
		PointsExpireAt:    now.Add(PointsLockPeriod),
		CreatedAt:         now,
		Status:            StatusLocked,
	}
}
