package referral

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// READ SIDE - Queries for dashboards and admin screens
// =============================================================================

type NetworkNode struct {
	Relationship Relationship
	// Referee is nil when the referee row has been removed.
	Referee *User
}

type NetworkTree struct {
	UserID  UserID
	Total   int
	ByLevel map[int][]NetworkNode
}

// GetReferralNetworkTree returns the user's downline grouped by level 1..MaxLevel.
func (e *Engine) GetReferralNetworkTree(ctx context.Context, userID UserID) (NetworkTree, error) {
	if _, err := e.GetUser(ctx, userID); err != nil {
		return NetworkTree{}, err
	}

	var rels []Relationship
	err := e.call(ctx, "list network", func(ctx context.Context) error {
		var err error
		rels, err = e.Store.ListRelationshipsByReferrer(ctx, userID)
		return err
	})
	if err != nil {
		return NetworkTree{}, err
	}

	tree := NetworkTree{UserID: userID, ByLevel: make(map[int][]NetworkNode, MaxLevel)}
	for level := 1; level <= MaxLevel; level++ {
		tree.ByLevel[level] = []NetworkNode{}
	}

	for _, rel := range rels {
		if rel.Level < 1 || rel.Level > MaxLevel {
			continue
		}
		var referee *User
		err := e.call(ctx, "get referee", func(ctx context.Context) error {
			var err error
			referee, err = e.Store.GetUser(ctx, rel.RefereeID)
			return err
		})
		if err != nil {
			return NetworkTree{}, err
		}
		tree.ByLevel[rel.Level] = append(tree.ByLevel[rel.Level], NetworkNode{
			Relationship: rel,
			Referee:      referee,
		})
		tree.Total++
	}
	return tree, nil
}

type PointsSummary struct {
	UserID          UserID
	Balances        Balances
	ReferralCode    string
	DirectReferrals int
	NetworkSize     int

	PendingTransactions int
	PendingPoints       int64

	AvailableUSD decimal.Decimal
}

// GetUserPointsSummary returns the cached counters plus aggregates over the
// user's pending grants.
func (e *Engine) GetUserPointsSummary(ctx context.Context, userID UserID) (PointsSummary, error) {
	user, err := e.GetUser(ctx, userID)
	if err != nil {
		return PointsSummary{}, err
	}

	var pending []PointsTransaction
	err = e.call(ctx, "list pending transactions", func(ctx context.Context) error {
		var err error
		pending, err = e.Store.ListTransactions(ctx, TransactionFilter{
			EarnerID: userID,
			Statuses: PendingStatuses,
		})
		return err
	})
	if err != nil {
		return PointsSummary{}, err
	}

	summary := PointsSummary{
		UserID:              user.ID,
		Balances:            user.Balances,
		ReferralCode:        user.ReferralCode,
		DirectReferrals:     user.DirectReferrals,
		NetworkSize:         user.NetworkSize,
		PendingTransactions: len(pending),
		AvailableUSD:        PointsToUSD(user.Balances.Available),
	}
	for _, tx := range pending {
		summary.PendingPoints += tx.PointsAwarded
	}
	return summary, nil
}

// ListUsers returns every user, oldest first.
func (e *Engine) ListUsers(ctx context.Context) ([]User, error) {
	var users []User
	err := e.call(ctx, "list users", func(ctx context.Context) error {
		var err error
		users, err = e.Store.ListUsers(ctx)
		return err
	})
	if users == nil {
		users = []User{}
	}
	return users, err
}

// ListTransactions returns ledger rows for export and admin views.
func (e *Engine) ListTransactions(ctx context.Context, filter TransactionFilter) ([]PointsTransaction, error) {
	var txs []PointsTransaction
	err := e.call(ctx, "list transactions", func(ctx context.Context) error {
		var err error
		txs, err = e.Store.ListTransactions(ctx, filter)
		return err
	})
	if txs == nil {
		txs = []PointsTransaction{}
	}
	return txs, err
}
