package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fly2any/referral-engine/referral"
)

// =============================================================================
// RELATIONSHIP STORE
// =============================================================================

const relationshipColumns = `id, referrer_id, referee_id, level, status,
	total_bookings, total_revenue_cents, total_points_earned,
	signup_completed_at, first_booking_at, last_activity_at, created_at`

func (s *Store) CreateRelationship(ctx context.Context, r referral.Relationship) error {
	_, err := s.exec(ctx, `
		INSERT INTO referral_relationships (`+relationshipColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.ReferrerID, r.RefereeID, r.Level, r.Status,
		r.TotalBookings, toCents(r.TotalRevenue), r.TotalPointsEarned,
		formatTime(r.SignupCompletedAt), formatTimePtr(r.FirstBookingAt), formatTimePtr(r.LastActivityAt),
		formatTime(r.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return referral.ErrDuplicateRelationship
		}
		return fmt.Errorf("failed to create relationship: %w", err)
	}
	return nil
}

func (s *Store) ListRelationshipsByReferee(ctx context.Context, refereeID referral.UserID, statuses []referral.RelationshipStatus) ([]referral.Relationship, error) {
	where := "referee_id = ?"
	args := []any{refereeID}
	if len(statuses) > 0 {
		values := make([]string, len(statuses))
		for i, st := range statuses {
			values[i] = string(st)
		}
		clause, inArgs := s.inClause("status", values)
		where += " AND " + clause
		args = append(args, inArgs...)
	}
	return s.queryRelationships(ctx, `
		SELECT `+relationshipColumns+`
		FROM referral_relationships
		WHERE `+where+`
		ORDER BY level ASC
	`, args...)
}

func (s *Store) ListRelationshipsByReferrer(ctx context.Context, referrerID referral.UserID) ([]referral.Relationship, error) {
	return s.queryRelationships(ctx, `
		SELECT `+relationshipColumns+`
		FROM referral_relationships
		WHERE referrer_id = ?
		ORDER BY level ASC, created_at DESC
	`, referrerID)
}

// RecordRelationshipBooking bumps the aggregates in one statement.
// COALESCE keeps the first first_booking_at.
func (s *Store) RecordRelationshipBooking(ctx context.Context, id referral.RelationshipID, revenue decimal.Decimal, points int64, at time.Time) error {
	ts := formatTime(at)
	res, err := s.exec(ctx, `
		UPDATE referral_relationships
		SET total_bookings = total_bookings + 1,
		    total_revenue_cents = total_revenue_cents + ?,
		    total_points_earned = total_points_earned + ?,
		    status = CASE WHEN status = ? THEN ? ELSE ? END,
		    first_booking_at = COALESCE(first_booking_at, ?),
		    last_activity_at = ?
		WHERE id = ?
	`,
		toCents(revenue), points,
		referral.RelationshipSignedUp, referral.RelationshipFirstBooking, referral.RelationshipActive,
		ts, ts, id,
	)
	if err != nil {
		return fmt.Errorf("failed to record relationship booking: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return referral.ErrRelationshipNotFound
	}
	return nil
}

func (s *Store) queryRelationships(ctx context.Context, query string, args ...any) ([]referral.Relationship, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query relationships: %w", err)
	}
	defer rows.Close()

	var rels []referral.Relationship
	for rows.Next() {
		var (
			r                        referral.Relationship
			cents                    int64
			signupAt, createdAt      string
			firstBooking, lastActive sql.NullString
		)
		err := rows.Scan(
			&r.ID, &r.ReferrerID, &r.RefereeID, &r.Level, &r.Status,
			&r.TotalBookings, &cents, &r.TotalPointsEarned,
			&signupAt, &firstBooking, &lastActive, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan relationship: %w", err)
		}
		r.TotalRevenue = fromCents(cents)
		if r.SignupCompletedAt, err = parseTime(signupAt); err != nil {
			return nil, err
		}
		if r.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if r.FirstBookingAt, err = parseTimePtr(firstBooking); err != nil {
			return nil, err
		}
		if r.LastActivityAt, err = parseTimePtr(lastActive); err != nil {
			return nil, err
		}
		rels = append(rels, r)
	}
	return rels, rows.Err()
}

func toCents(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

func fromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// =============================================================================
// TRANSACTION STORE
// =============================================================================

const transactionColumns = `id, booking_id, booking_amount, commission_amount, currency,
	product_type, product_data_json, earner_id, customer_id, level,
	points_rate, product_multiplier, points_calculated, points_awarded,
	trip_start_date, trip_end_date, points_expire_at, status,
	trip_cancelled, trip_refunded, trip_cancelled_at, trip_completed_at, points_unlocked_at,
	created_at`

func (s *Store) InsertTransaction(ctx context.Context, tx referral.PointsTransaction) error {
	var productData sql.NullString
	if len(tx.ProductData) > 0 {
		raw, err := json.Marshal(tx.ProductData)
		if err != nil {
			return fmt.Errorf("failed to encode product data: %w", err)
		}
		productData = nullString(string(raw))
	}

	_, err := s.exec(ctx, `
		INSERT INTO points_transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.ID, tx.BookingID, tx.BookingAmount.String(), tx.CommissionAmount.String(), tx.Currency,
		tx.ProductType, productData, tx.EarnerID, tx.CustomerID, tx.Level,
		tx.PointsRate, tx.ProductMultiplier.String(), tx.PointsCalculated, tx.PointsAwarded,
		formatTime(tx.TripStartDate), formatTime(tx.TripEndDate), formatTime(tx.PointsExpireAt), tx.Status,
		tx.TripCancelled, tx.TripRefunded,
		formatTimePtr(tx.TripCancelledAt), formatTimePtr(tx.TripCompletedAt), formatTimePtr(tx.PointsUnlockedAt),
		formatTime(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return referral.ErrDuplicateGrant
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, id referral.TransactionID) (*referral.PointsTransaction, error) {
	rows, err := s.query(ctx, `SELECT `+transactionColumns+` FROM points_transactions WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	tx, err := scanTransaction(rows)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// ListTransactions returns rows matching the filter, oldest first.
func (s *Store) ListTransactions(ctx context.Context, f referral.TransactionFilter) ([]referral.PointsTransaction, error) {
	var (
		conds []string
		args  []any
	)
	if f.BookingID != "" {
		conds = append(conds, "booking_id = ?")
		args = append(args, f.BookingID)
	}
	if f.EarnerID != "" {
		conds = append(conds, "earner_id = ?")
		args = append(args, f.EarnerID)
	}
	if len(f.Statuses) > 0 {
		values := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			values[i] = string(st)
		}
		clause, inArgs := s.inClause("status", values)
		conds = append(conds, clause)
		args = append(args, inArgs...)
	}

	query := `SELECT ` + transactionColumns + ` FROM points_transactions`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at ASC, level ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []referral.PointsTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// TransitionTransaction is a compare-and-swap on status. The WHERE clause
// carries the guard, so of two racing callers only one sees a row change.
func (s *Store) TransitionTransaction(ctx context.Context, id referral.TransactionID, t referral.Transition) (bool, error) {
	at := formatTime(t.At)
	sets := []string{"status = ?"}
	args := []any{t.To}
	if t.SetCompleted {
		sets = append(sets, "trip_completed_at = ?", "points_unlocked_at = ?")
		args = append(args, at, at)
	}
	if t.SetCancelled {
		sets = append(sets, "trip_cancelled = ?", "trip_cancelled_at = ?")
		args = append(args, true, at)
	}
	if t.SetRefunded {
		sets = append(sets, "trip_refunded = ?")
		args = append(args, true)
	}

	from := make([]string, len(t.From))
	for i, st := range t.From {
		from[i] = string(st)
	}
	guard, guardArgs := s.inClause("status", from)

	where := "id = ? AND " + guard
	args = append(args, id)
	args = append(args, guardArgs...)
	if t.RequireActiveTrip {
		where += " AND trip_cancelled = ? AND trip_refunded = ?"
		args = append(args, false, false)
	}

	res, err := s.exec(ctx, `UPDATE points_transactions SET `+strings.Join(sets, ", ")+` WHERE `+where, args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition transaction: %w", err)
	}
	return affected(res)
}

// ListDueBookings returns bookings with locked, active grants whose trip
// ended at or before cutoff, oldest grant first.
func (s *Store) ListDueBookings(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	query := `
		SELECT booking_id
		FROM points_transactions
		WHERE status = ? AND trip_cancelled = ? AND trip_refunded = ? AND trip_end_date <= ?
		GROUP BY booking_id
		ORDER BY MIN(created_at) ASC, booking_id ASC`
	args := []any{referral.StatusLocked, false, false, formatTime(cutoff)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list due bookings: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanTransaction(rows *sql.Rows) (referral.PointsTransaction, error) {
	var (
		tx                                    referral.PointsTransaction
		amount, commission, multiplier        string
		productData                           sql.NullString
		tripStart, tripEnd, expireAt, created string
		cancelledAt, completedAt, unlockedAt  sql.NullString
	)
	err := rows.Scan(
		&tx.ID, &tx.BookingID, &amount, &commission, &tx.Currency,
		&tx.ProductType, &productData, &tx.EarnerID, &tx.CustomerID, &tx.Level,
		&tx.PointsRate, &multiplier, &tx.PointsCalculated, &tx.PointsAwarded,
		&tripStart, &tripEnd, &expireAt, &tx.Status,
		&tx.TripCancelled, &tx.TripRefunded, &cancelledAt, &completedAt, &unlockedAt,
		&created,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	if tx.BookingAmount, err = decimal.NewFromString(amount); err != nil {
		return tx, err
	}
	if tx.CommissionAmount, err = decimal.NewFromString(commission); err != nil {
		return tx, err
	}
	if tx.ProductMultiplier, err = decimal.NewFromString(multiplier); err != nil {
		return tx, err
	}
	if productData.Valid && productData.String != "" {
		if err := json.Unmarshal([]byte(productData.String), &tx.ProductData); err != nil {
			return tx, fmt.Errorf("failed to decode product data: %w", err)
		}
	}

	times := []struct {
		dst *time.Time
		src string
	}{
		{&tx.TripStartDate, tripStart},
		{&tx.TripEndDate, tripEnd},
		{&tx.PointsExpireAt, expireAt},
		{&tx.CreatedAt, created},
	}
	for _, t := range times {
		if *t.dst, err = parseTime(t.src); err != nil {
			return tx, err
		}
	}
	if tx.TripCancelledAt, err = parseTimePtr(cancelledAt); err != nil {
		return tx, err
	}
	if tx.TripCompletedAt, err = parseTimePtr(completedAt); err != nil {
		return tx, err
	}
	if tx.PointsUnlockedAt, err = parseTimePtr(unlockedAt); err != nil {
		return tx, err
	}
	return tx, nil
}
