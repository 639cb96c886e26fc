package referral

import (
	"context"

	"github.com/sirupsen/logrus"
)

// RedeemPoints moves points from the user's available balance to redeemed.
// The store performs the check and the decrement as one conditional update,
// so concurrent redemptions cannot overdraw the balance.
func (e *Engine) RedeemPoints(ctx context.Context, userID UserID, points int64) (Balances, error) {
	if points <= 0 {
		return Balances{}, &InputError{Field: "points", Message: "must be positive"}
	}

	var redeemed bool
	err := e.call(ctx, "redeem points", func(ctx context.Context) error {
		var err error
		redeemed, err = e.Store.RedeemBalance(ctx, userID, points)
		return err
	})
	if err != nil {
		return Balances{}, err
	}
	if !redeemed {
		// Read after the failed update so the error reports the balance that refused it.
		user, err := e.GetUser(ctx, userID)
		if err != nil {
			return Balances{}, err
		}
		return user.Balances, &InsufficientPointsError{
			UserID:    userID,
			Available: user.Balances.Available,
			Requested: points,
		}
	}

	e.recorder().PointsRedeemed(points)
	e.log().WithFields(logrus.Fields{
		"user_id": userID,
		"points":  points,
		"usd":     PointsToUSD(points).StringFixed(2),
	}).Info("Points redeemed")

	updated, err := e.GetUser(ctx, userID)
	if err != nil {
		return Balances{}, err
	}
	return updated.Balances, nil
}
