package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fly2any/referral-engine/referral"
)

// =============================================================================
// USER STORE
// =============================================================================

const userColumns = `id, email, name, referred_by, referral_level, referral_code,
	direct_referrals, network_size,
	available_points, locked_points, lifetime_points, redeemed_points, created_at`

// SaveUser inserts a new user.
func (s *Store) SaveUser(ctx context.Context, u referral.User) error {
	var referredBy sql.NullString
	if u.ReferredBy != nil {
		referredBy = nullString(string(*u.ReferredBy))
	}

	_, err := s.exec(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		u.ID, u.Email, u.Name, referredBy, u.ReferralLevel, u.ReferralCode,
		u.DirectReferrals, u.NetworkSize,
		u.Balances.Available, u.Balances.Locked, u.Balances.Lifetime, u.Balances.Redeemed,
		formatTime(u.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return referral.ErrDuplicateUser
		}
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id referral.UserID) (*referral.User, error) {
	return s.getUserWhere(ctx, "id = ?", id)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*referral.User, error) {
	return s.getUserWhere(ctx, "email = ?", email)
}

func (s *Store) GetUserByReferralCode(ctx context.Context, code string) (*referral.User, error) {
	return s.getUserWhere(ctx, "referral_code = ?", code)
}

func (s *Store) getUserWhere(ctx context.Context, where string, arg any) (*referral.User, error) {
	row := s.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, arg)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// ListUsers returns every user, oldest first.
func (s *Store) ListUsers(ctx context.Context) ([]referral.User, error) {
	rows, err := s.query(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []referral.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) ReferralCodeExists(ctx context.Context, code string) (bool, error) {
	var count int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM users WHERE referral_code = ?`, code).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check referral code: %w", err)
	}
	return count > 0, nil
}

// AttachReferrer only updates a user that has no referrer yet.
func (s *Store) AttachReferrer(ctx context.Context, refereeID, referrerID referral.UserID, level int, code string) (bool, error) {
	res, err := s.exec(ctx, `
		UPDATE users
		SET referred_by = ?, referral_level = ?, referral_code = ?
		WHERE id = ? AND referred_by IS NULL
	`, referrerID, level, code, refereeID)
	if err != nil {
		if isUniqueViolation(err) {
			return false, referral.ErrDuplicateUser
		}
		return false, fmt.Errorf("failed to attach referrer: %w", err)
	}
	return affected(res)
}

func (s *Store) IncrementNetwork(ctx context.Context, id referral.UserID, direct, network int) error {
	res, err := s.exec(ctx, `
		UPDATE users
		SET direct_referrals = direct_referrals + ?, network_size = network_size + ?
		WHERE id = ?
	`, direct, network, id)
	return s.requireUser(res, err, "increment network")
}

func (s *Store) AdjustBalances(ctx context.Context, id referral.UserID, d referral.BalanceDelta) error {
	res, err := s.exec(ctx, `
		UPDATE users
		SET available_points = available_points + ?,
		    locked_points = locked_points + ?,
		    lifetime_points = lifetime_points + ?,
		    redeemed_points = redeemed_points + ?
		WHERE id = ?
	`, d.Available, d.Locked, d.Lifetime, d.Redeemed, id)
	return s.requireUser(res, err, "adjust balances")
}

// RedeemBalance moves points from available to redeemed when enough are available.
func (s *Store) RedeemBalance(ctx context.Context, id referral.UserID, points int64) (bool, error) {
	res, err := s.exec(ctx, `
		UPDATE users
		SET available_points = available_points - ?, redeemed_points = redeemed_points + ?
		WHERE id = ? AND available_points >= ?
	`, points, points, id, points)
	if err != nil {
		return false, fmt.Errorf("failed to redeem points: %w", err)
	}
	ok, err := affected(res)
	if err != nil || ok {
		return ok, err
	}

	u, err := s.GetUser(ctx, id)
	if err != nil {
		return false, err
	}
	if u == nil {
		return false, referral.ErrUserNotFound
	}
	return false, nil
}

// LockUser reads the user with SELECT ... FOR UPDATE on PostgreSQL. SQLite
// runs every transaction on its single connection, so a plain read is
// already exclusive there.
func (s *Store) LockUser(ctx context.Context, id referral.UserID) (*referral.User, error) {
	where := "id = ?"
	if s.dialect == Postgres {
		where += " FOR UPDATE"
	}
	return s.getUserWhere(ctx, where, id)
}

func (s *Store) SetBalances(ctx context.Context, id referral.UserID, b referral.Balances) error {
	res, err := s.exec(ctx, `
		UPDATE users
		SET available_points = ?, locked_points = ?, lifetime_points = ?, redeemed_points = ?
		WHERE id = ?
	`, b.Available, b.Locked, b.Lifetime, b.Redeemed, id)
	return s.requireUser(res, err, "set balances")
}

func (s *Store) requireUser(res sql.Result, err error, op string) error {
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	ok, err := affected(res)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if !ok {
		return referral.ErrUserNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (referral.User, error) {
	var (
		u          referral.User
		referredBy sql.NullString
		createdAt  string
	)
	err := row.Scan(
		&u.ID, &u.Email, &u.Name, &referredBy, &u.ReferralLevel, &u.ReferralCode,
		&u.DirectReferrals, &u.NetworkSize,
		&u.Balances.Available, &u.Balances.Locked, &u.Balances.Lifetime, &u.Balances.Redeemed,
		&createdAt,
	)
	if err != nil {
		return u, err
	}
	if referredBy.Valid {
		parent := referral.UserID(referredBy.String)
		u.ReferredBy = &parent
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return u, fmt.Errorf("failed to parse user created_at: %w", err)
	}
	return u, nil
}
