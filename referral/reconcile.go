/*
reconcile.go - Rebuild cached balances from the ledger

PURPOSE:
  The counters on User are incremented and decremented in place. The
  ledger is the source of truth; this repair pass recomputes what the
  counters should be and rewrites them when they drifted.

EXPECTED COUNTERS (per earner):
  locked    = sum(points) of grants in locked / trip_in_progress
  lifetime  = sum(points) of pending grants + sum(points) of unlocked grants
  available = sum(points) of unlocked grants - redeemed
  redeemed  = kept as is (redemptions are not ledger rows)

  Expired grants contribute nothing: forfeiture removed them from lifetime.

IDEMPOTENT:
  Running it twice in a row changes nothing the second time. The read and
  the rewrite share one store transaction.

CONCURRENCY:
  The user row is locked before the ledger is read. Grants, transitions and
  redemptions all update that row, so they either commit before the read
  (and are counted) or wait until the rewrite commits (and apply their
  delta on top of it).
*/
package referral

import (
	"context"

	"github.com/sirupsen/logrus"
)

type ReconcileResult struct {
	UserID  UserID
	Before  Balances
	After   Balances
	Drifted bool
}

// ExpectedBalances derives the counters implied by txs for a user whose
// redeemed counter is redeemed.
func ExpectedBalances(txs []PointsTransaction, redeemed int64) Balances {
	var pending, unlocked int64
	for _, tx := range txs {
		switch {
		case tx.Status.IsPending():
			pending += tx.PointsAwarded
		case tx.Status == StatusUnlocked:
			unlocked += tx.PointsAwarded
		}
	}
	return Balances{
		Available: unlocked - redeemed,
		Locked:    pending,
		Lifetime:  pending + unlocked,
		Redeemed:  redeemed,
	}
}

// ReconcileUserBalances repairs one user's counters.
func (e *Engine) ReconcileUserBalances(ctx context.Context, userID UserID) (ReconcileResult, error) {
	result := ReconcileResult{UserID: userID}

	err := e.inTx(ctx, "reconcile balances", func(ctx context.Context, s Store) error {
		user, err := s.LockUser(ctx, userID)
		if err != nil {
			return err
		}
		if user == nil {
			return ErrUserNotFound
		}
		txs, err := s.ListTransactions(ctx, TransactionFilter{EarnerID: userID})
		if err != nil {
			return err
		}

		result.Before = user.Balances
		result.After = ExpectedBalances(txs, user.Balances.Redeemed)
		if result.After == result.Before {
			return nil
		}
		result.Drifted = true
		return s.SetBalances(ctx, userID, result.After)
	})
	if err != nil {
		return ReconcileResult{UserID: userID}, err
	}

	if result.Drifted {
		e.recorder().BalancesRepaired()
		e.log().WithFields(logrus.Fields{
			"user_id":          userID,
			"locked_before":    result.Before.Locked,
			"locked_after":     result.After.Locked,
			"lifetime_before":  result.Before.Lifetime,
			"lifetime_after":   result.After.Lifetime,
			"available_before": result.Before.Available,
			"available_after":  result.After.Available,
		}).Warn("Repaired drifted point balances")
	}
	return result, nil
}

type ReconcileSummary struct {
	Users    int
	Repaired []ReconcileResult
}

// ReconcileAll repairs every user. It stops at the first storage error.
func (e *Engine) ReconcileAll(ctx context.Context) (ReconcileSummary, error) {
	var summary ReconcileSummary

	var users []User
	err := e.call(ctx, "list users", func(ctx context.Context) error {
		var err error
		users, err = e.Store.ListUsers(ctx)
		return err
	})
	if err != nil {
		return summary, err
	}

	for _, u := range users {
		r, err := e.ReconcileUserBalances(ctx, u.ID)
		if err != nil {
			return summary, err
		}
		summary.Users++
		if r.Drifted {
			summary.Repaired = append(summary.Repaired, r)
		}
	}
	return summary, nil
}
