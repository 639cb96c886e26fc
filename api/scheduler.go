/*
scheduler.go - Automated trip completion scheduler

PURPOSE:
  Unlocks points for trips that ended without a completion webhook. The
  booking system normally calls POST /api/bookings/{id}/complete; this is
  the safety net for missed or failed calls.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - A booking is due once its trip ended more than GracePeriod ago, which
    leaves time for a late cancellation or refund to arrive first
  - Each run handles at most BatchSize bookings; the rest wait for the next tick
  - A failing booking is logged and retried on the next tick

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - GracePeriod:   Delay after trip end (default: 24 hours)
  - Enabled:       Whether scheduler is active (default: true)

USAGE:
  scheduler := NewTripCompletionScheduler(engine, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: CompleteBooking endpoint (manual unlock)
  - referral/lifecycle.go: UnlockDueTrips
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fly2any/referral-engine/referral"
)

const DefaultSchedulerBatchSize = 500

// TripCompletionScheduler unlocks points for trips whose end date has passed.
type TripCompletionScheduler struct {
	Engine        *referral.Engine
	Logger        logrus.FieldLogger
	CheckInterval time.Duration
	GracePeriod   time.Duration
	BatchSize     int
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewTripCompletionScheduler(engine *referral.Engine, logger logrus.FieldLogger) *TripCompletionScheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &TripCompletionScheduler{
		Engine:        engine,
		Logger:        logger.WithField("component", "trip_scheduler"),
		CheckInterval: time.Hour,
		GracePeriod:   24 * time.Hour,
		BatchSize:     DefaultSchedulerBatchSize,
		Enabled:       true,
	}
}

// Start begins the scheduler.
func (ts *TripCompletionScheduler) Start() {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if !ts.Enabled {
		ts.Logger.Info("Scheduler disabled, not starting")
		return
	}
	if ts.ticker != nil {
		return
	}

	ts.ticker = time.NewTicker(ts.CheckInterval)
	ts.stop = make(chan struct{})
	ts.wg.Add(1)

	go ts.run(ts.ticker, ts.stop)

	ts.Logger.WithFields(logrus.Fields{
		"interval":     ts.CheckInterval.String(),
		"grace_period": ts.GracePeriod.String(),
	}).Info("Scheduler started")
}

// Stop stops the scheduler and waits for an in-flight run to finish.
func (ts *TripCompletionScheduler) Stop() {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.ticker == nil {
		return
	}
	ts.ticker.Stop()
	close(ts.stop)
	ts.wg.Wait()
	ts.ticker = nil
	ts.Logger.Info("Scheduler stopped")
}

func (ts *TripCompletionScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer ts.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	// Run immediately on start
	ts.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			ts.RunOnce(ctx)
		case <-stop:
			return
		}
	}
}

// RunOnce unlocks every booking that is due now.
func (ts *TripCompletionScheduler) RunOnce(ctx context.Context) referral.DueUnlockResult {
	cutoff := time.Now().UTC().Add(-ts.GracePeriod)

	res, err := ts.Engine.UnlockDueTrips(ctx, cutoff, ts.BatchSize)
	if err != nil {
		ts.Logger.WithError(err).Error("Failed to list completed trips")
		return res
	}

	if res.Bookings > 0 || len(res.Failed) > 0 {
		ts.Logger.WithFields(logrus.Fields{
			"bookings":        res.Bookings,
			"unlocked":        res.UnlockedCount,
			"points_unlocked": res.PointsUnlocked,
			"failed":          len(res.Failed),
		}).Info("Completed trips processed")
	}
	return res
}
