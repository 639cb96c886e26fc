/*
Package sqlstore provides a SQL implementation of referral.Store.

PURPOSE:
  Persists users, referral relationships and the points ledger in SQLite
  (mattn/go-sqlite3) or PostgreSQL (lib/pq). Both dialects share one schema;
  only placeholders, IN-list binding and error codes differ.

CONCURRENCY GUARANTEES (enforced by the database, not by Go code):
  - idx_points_tx_unique_grant:    UNIQUE(booking_id, earner_id, level)
  - idx_relationships_unique_edge: UNIQUE(referrer_id, referee_id, level)
  - users.referral_code / users.email UNIQUE
  - Guarded updates use "UPDATE ... WHERE <guard>" and report RowsAffected
  - Counters are bumped with "SET x = x + ?", never read-modify-write

KEY TABLES:
  users:                  Referral tree nodes and cached point counters
  referral_relationships: Referrer -> referee edges, levels 1..3
  points_transactions:    Ledger of locked / unlocked / expired grants

STORAGE FORMATS:
  Timestamps are TEXT in a fixed-width UTC layout, so string comparison
  orders them correctly in both dialects. Money amounts are decimal TEXT,
  except total_revenue_cents which is an integer so it can be incremented
  atomically.

SQLITE:
  Opened with WAL and a single connection. ":memory:" databases exist per
  connection, so one connection is also what keeps them alive.

USAGE:
  store, err := sqlstore.New("sqlite3", "./data/referral.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := referral.NewEngine(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - referral/store.go:        Interface definitions
  - referral/store/memory.go: In-memory implementation for testing
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/fly2any/referral-engine/referral"
)

// Dialect selects placeholder syntax and error decoding.
type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "postgres"
)

// ParseDialect accepts the driver names used in configuration.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "", "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	}
	return "", fmt.Errorf("unsupported database driver %q", driver)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements referral.Store on database/sql.
type Store struct {
	db      *sql.DB
	q       querier
	dialect Dialect
	inTx    bool
}

// New opens the database and migrates the schema.
// For SQLite, dsn is a file path or ":memory:".
func New(driver, dsn string) (*Store, error) {
	dialect, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}

	var db *sql.DB
	switch dialect {
	case SQLite:
		db, err = sql.Open(string(SQLite), sqliteDSN(dsn))
		if err == nil {
			db.SetMaxOpenConns(1)
		}
	case Postgres:
		db, err = sql.Open(string(Postgres), dsn)
		if err == nil {
			db.SetMaxOpenConns(50)
			db.SetMaxIdleConns(20)
			db.SetConnMaxLifetime(5 * time.Minute)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := NewFromDB(db, dialect)
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// NewFromDB wraps an open handle without migrating it.
func NewFromDB(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, q: db, dialect: dialect}
}

func sqliteDSN(path string) string {
	if path == ":memory:" {
		return "file::memory:?_foreign_keys=on&_busy_timeout=5000"
	}
	return path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the database schema.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const schema = `
	-- Users (referral tree nodes + cached counters)
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		referred_by TEXT,
		referral_level INTEGER NOT NULL DEFAULT 0,
		referral_code TEXT NOT NULL UNIQUE,
		direct_referrals INTEGER NOT NULL DEFAULT 0,
		network_size INTEGER NOT NULL DEFAULT 0,
		available_points BIGINT NOT NULL DEFAULT 0,
		locked_points BIGINT NOT NULL DEFAULT 0,
		lifetime_points BIGINT NOT NULL DEFAULT 0,
		redeemed_points BIGINT NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_users_referred_by
		ON users(referred_by);

	-- Referral relationships (one row per earning ancestor)
	CREATE TABLE IF NOT EXISTS referral_relationships (
		id TEXT PRIMARY KEY,
		referrer_id TEXT NOT NULL,
		referee_id TEXT NOT NULL,
		level INTEGER NOT NULL,
		status TEXT NOT NULL,
		total_bookings INTEGER NOT NULL DEFAULT 0,
		total_revenue_cents BIGINT NOT NULL DEFAULT 0,
		total_points_earned BIGINT NOT NULL DEFAULT 0,
		signup_completed_at TEXT NOT NULL,
		first_booking_at TEXT,
		last_activity_at TEXT,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: one edge per (referrer, referee, level)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_relationships_unique_edge
		ON referral_relationships(referrer_id, referee_id, level);
	CREATE INDEX IF NOT EXISTS idx_relationships_referee
		ON referral_relationships(referee_id, status);
	CREATE INDEX IF NOT EXISTS idx_relationships_referrer
		ON referral_relationships(referrer_id, level);

	-- Points ledger
	CREATE TABLE IF NOT EXISTS points_transactions (
		id TEXT PRIMARY KEY,
		booking_id TEXT NOT NULL,
		booking_amount TEXT NOT NULL,
		commission_amount TEXT NOT NULL DEFAULT '0',
		currency TEXT NOT NULL,
		product_type TEXT NOT NULL,
		product_data_json TEXT,
		earner_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		level INTEGER NOT NULL,
		points_rate BIGINT NOT NULL,
		product_multiplier TEXT NOT NULL,
		points_calculated BIGINT NOT NULL,
		points_awarded BIGINT NOT NULL,
		trip_start_date TEXT NOT NULL,
		trip_end_date TEXT NOT NULL,
		points_expire_at TEXT NOT NULL,
		status TEXT NOT NULL,
		trip_cancelled BOOLEAN NOT NULL DEFAULT FALSE,
		trip_refunded BOOLEAN NOT NULL DEFAULT FALSE,
		trip_cancelled_at TEXT,
		trip_completed_at TEXT,
		points_unlocked_at TEXT,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: a booking grants an earner at most once per level
	CREATE UNIQUE INDEX IF NOT EXISTS idx_points_tx_unique_grant
		ON points_transactions(booking_id, earner_id, level);
	CREATE INDEX IF NOT EXISTS idx_points_tx_earner_status
		ON points_transactions(earner_id, status);

	-- Scheduler hot path: locked grants by trip end
	CREATE INDEX IF NOT EXISTS idx_points_tx_due
		ON points_transactions(trip_end_date) WHERE status = 'locked';
`

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn within a database transaction. Calls made through the
// store passed to fn run on the transaction's connection.
func (s *Store) WithTx(ctx context.Context, fn func(referral.Store) error) error {
	if s.inTx {
		return fn(s)
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	view := &Store{db: s.db, q: sqlTx, dialect: s.dialect, inTx: true}
	if err := fn(view); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// QUERY HELPERS
// =============================================================================

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.q.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.q.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, s.rebind(query), args...)
}

// rebind rewrites ? placeholders to $1..$n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// inClause renders "column IN (...)" for SQLite and "column = ANY(?)" with a
// text array for PostgreSQL.
func (s *Store) inClause(column string, values []string) (string, []any) {
	if s.dialect == Postgres {
		return column + " = ANY(?)", []any{pq.Array(values)}
	}
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return column + " IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ") + ")", args
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// isUniqueViolation decodes the driver's constraint error.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// =============================================================================
// VALUE ENCODING
// =============================================================================

// timeLayout is fixed width so TEXT comparison matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
