package referral

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// PointsLockPeriod is how long a grant stays redeemable after it is created.
const PointsLockPeriod = 365 * 24 * time.Hour

// =============================================================================
// ENGINE - Entry point for every ledger operation
// =============================================================================

// Engine runs the referral operations against a Store. Every operation is
// synchronous and keeps no state between calls; the Store is the only shared
// mutable resource.
type Engine struct {
	Store Store
	Rates RateTable
	Basis Basis

	Logger   logrus.FieldLogger
	Recorder Recorder

	// Codes generates candidate referral codes.
	Codes CodeGenerator

	// StorageTimeout bounds each storage round trip. Zero means the
	// caller's context alone decides.
	StorageTimeout time.Duration

	Now   func() time.Time
	NewID func() string
}

func NewEngine(store Store) *Engine {
	return &Engine{
		Store:    store,
		Rates:    DefaultRateTable(),
		Basis:    BasisBooking,
		Logger:   logrus.StandardLogger(),
		Recorder: NopRecorder{},
		Codes:    RandomCode,
		Now:      func() time.Time { return time.Now().UTC() },
		NewID:    func() string { return uuid.NewString() },
	}
}

// Recorder receives ledger events for metrics.
type Recorder interface {
	ReferralCreated(level int)
	PointsGranted(level int, points int64)
	PointsUnlocked(points int64)
	PointsForfeited(reason ForfeitReason, points int64)
	PointsRedeemed(points int64)
	BalancesRepaired()
}

type NopRecorder struct{}

func (NopRecorder) ReferralCreated(int) {}
func (NopRecorder) PointsGranted(int, int64) {}
func (NopRecorder) PointsUnlocked(int64) {}
func (NopRecorder) PointsForfeited(ForfeitReason, int64) {}
func (NopRecorder) PointsRedeemed(int64) {}
func (NopRecorder) BalancesRepaired() {}

// call runs one storage round trip under StorageTimeout.
func (e *Engine) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if e.StorageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.StorageTimeout)
		defer cancel()
	}
	return storageErr(op, fn(ctx))
}

// inTx runs fn in a store transaction under StorageTimeout.
func (e *Engine) inTx(ctx context.Context, op string, fn func(context.Context, Store) error) error {
	return e.call(ctx, op, func(ctx context.Context) error {
		return e.Store.WithTx(ctx, func(s Store) error {
			return fn(ctx, s)
		})
	})
}

func (e *Engine) log() logrus.FieldLogger {
	if e.Logger == nil {
		return logrus.StandardLogger()
	}
	return e.Logger
}

func (e *Engine) recorder() Recorder {
	if e.Recorder == nil {
		return NopRecorder{}
	}
	return e.Recorder
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now()
}

func (e *Engine) newID() string {
	if e.NewID == nil {
		return uuid.NewString()
	}
	return e.NewID()
}

func (e *Engine) code() string {
	if e.Codes == nil {
		return RandomCode()
	}
	return e.Codes()
}
