/*
graph.go - Referral tree construction

PURPOSE:
  Builds the referral tree when a user signs up with a referral code.
  Each user has at most one parent (ReferredBy). Every booking earns for
  the parent (level 1), grandparent (level 2) and great-grandparent
  (level 3), so signup materializes one Relationship per earning ancestor.

SIGNUP FLOW:
  1. Resolve the referrer by code            -> ErrInvalidCode
  2. Resolve the referee by email            -> ErrUserNotFound
  3. Reject referrer == referee, or a referrer
     below the referee in the tree            -> ErrSelfReferral
  4. Reject an already-referred referee      -> ErrAlreadyReferred
  5. Attach referee to referrer, issue a fresh referral code, create the
     level 1 relationship and bump the referrer's counters. One transaction.
  6. Walk up the referrer's ancestors for levels 2..3 (best effort).

BEST EFFORT UPSTREAM:
  Level 1 is guaranteed once step 5 commits. Failures while building
  levels 2 and 3 are logged and swallowed; they never undo level 1.

EXAMPLE:
  R (root) refers A, A refers B, B refers C:

    R --1--> A --1--> B --1--> C
    R --2--> B        A --2--> C
    R --3--> C
*/
package referral

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type ReferralResult struct {
	ReferrerID UserID
	RefereeID  UserID
	// Level is the referee's new depth in the tree.
	Level int
}

// CreateReferralRelationship attaches the user with refereeEmail below the
// owner of referralCode.
func (e *Engine) CreateReferralRelationship(ctx context.Context, refereeEmail, referralCode string) (ReferralResult, error) {
	refereeEmail = normalizeEmail(refereeEmail)

	referrer, err := e.ResolveReferralCode(ctx, referralCode)
	if err != nil {
		return ReferralResult{}, err
	}

	var referee *User
	err = e.call(ctx, "find referee", func(ctx context.Context) error {
		var err error
		referee, err = e.Store.GetUserByEmail(ctx, refereeEmail)
		return err
	})
	if err != nil {
		return ReferralResult{}, err
	}
	if referee == nil {
		return ReferralResult{}, ErrUserNotFound
	}

	if referrer.ID == referee.ID {
		return ReferralResult{}, ErrSelfReferral
	}
	if referee.ReferredBy != nil {
		return ReferralResult{}, ErrAlreadyReferred
	}

	code, err := e.GenerateReferralCode(ctx)
	if err != nil {
		return ReferralResult{}, err
	}

	level := referrer.ReferralLevel + 1
	now := e.now()

	err = e.inTx(ctx, "create level 1 referral", func(ctx context.Context, s Store) error {
		cycle, err := hasAncestor(ctx, s, referrer, referee.ID)
		if err != nil {
			return err
		}
		if cycle {
			return ErrSelfReferral
		}
		attached, err := s.AttachReferrer(ctx, referee.ID, referrer.ID, level, code)
		if err != nil {
			return err
		}
		if !attached {
			return ErrAlreadyReferred
		}
		if err := s.CreateRelationship(ctx, e.newRelationship(referrer.ID, referee.ID, 1, now)); err != nil {
			return err
		}
		return s.IncrementNetwork(ctx, referrer.ID, 1, 1)
	})
	if err != nil {
		return ReferralResult{}, err
	}
	e.recorder().ReferralCreated(1)

	e.log().WithFields(logrus.Fields{
		"referrer_id": referrer.ID,
		"referee_id":  referee.ID,
		"level":       1,
	}).Info("Referral created")

	if err := e.buildUpstreamNetwork(ctx, referrer, referee.ID, now); err != nil {
		e.log().WithError(err).WithField("referee_id", referee.ID).Warn("Failed to build upstream referral network")
	}

	return ReferralResult{
		ReferrerID: referrer.ID,
		RefereeID:  referee.ID,
		Level:      level,
	}, nil
}

// hasAncestor reports whether id sits on u's parent chain. The walk takes at
// most u.ReferralLevel hops.
func hasAncestor(ctx context.Context, s Store, u *User, id UserID) (bool, error) {
	next := u.ReferredBy
	for hops := 0; next != nil && hops < u.ReferralLevel; hops++ {
		if *next == id {
			return true, nil
		}
		parent, err := s.GetUser(ctx, *next)
		if err != nil {
			return false, err
		}
		if parent == nil {
			return false, nil
		}
		next = parent.ReferredBy
	}
	return false, nil
}

// ResolveReferralCode returns the owner of code, or ErrInvalidCode.
func (e *Engine) ResolveReferralCode(ctx context.Context, code string) (*User, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrInvalidCode
	}

	var owner *User
	err := e.call(ctx, "find referrer", func(ctx context.Context) error {
		var err error
		owner, err = e.Store.GetUserByReferralCode(ctx, code)
		return err
	})
	if err != nil {
		return nil, err
	}
	if owner == nil {
		return nil, ErrInvalidCode
	}
	return owner, nil
}

// buildUpstreamNetwork walks the parent chain above referrer and creates the
// level 2..MaxLevel relationships for newUserID. It stops at the first
// missing ancestor.
func (e *Engine) buildUpstreamNetwork(ctx context.Context, referrer *User, newUserID UserID, now time.Time) error {
	next := referrer.ReferredBy
	for level := 2; level <= MaxLevel && next != nil; level++ {
		var ancestor *User
		err := e.call(ctx, "find ancestor", func(ctx context.Context) error {
			var err error
			ancestor, err = e.Store.GetUser(ctx, *next)
			return err
		})
		if err != nil {
			return err
		}
		if ancestor == nil {
			return nil
		}

		err = e.inTx(ctx, "create upstream referral", func(ctx context.Context, s Store) error {
			if err := s.CreateRelationship(ctx, e.newRelationship(ancestor.ID, newUserID, level, now)); err != nil {
				return err
			}
			return s.IncrementNetwork(ctx, ancestor.ID, 0, 1)
		})
		switch {
		case errors.Is(err, ErrDuplicateRelationship):
			// edge already exists, keep walking
		case err != nil:
			return err
		default:
			e.recorder().ReferralCreated(level)
			e.log().WithFields(logrus.Fields{
				"referrer_id": ancestor.ID,
				"referee_id":  newUserID,
				"level":       level,
			}).Info("Upstream referral created")
		}

		next = ancestor.ReferredBy
	}
	return nil
}

func (e *Engine) newRelationship(referrerID, refereeID UserID, level int, now time.Time) Relationship {
	return Relationship{
		ID:                RelationshipID(e.newID()),
		ReferrerID:        referrerID,
		RefereeID:         refereeID,
		Level:             level,
		Status:            RelationshipSignedUp,
		SignupCompletedAt: now,
		CreatedAt:         now,
	}
}

// =============================================================================
// USERS
// =============================================================================

// RegisterUser creates a root user (level 0) with a fresh referral code.
// The signup flow calls CreateReferralRelationship afterwards when the user
// arrived with a code.
func (e *Engine) RegisterUser(ctx context.Context, email, name string) (*User, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, &InputError{Field: "email", Message: "required"}
	}

	code, err := e.GenerateReferralCode(ctx)
	if err != nil {
		return nil, err
	}

	u := User{
		ID:           UserID(e.newID()),
		Email:        email,
		Name:         name,
		ReferralCode: code,
		CreatedAt:    e.now(),
	}
	err = e.call(ctx, "save user", func(ctx context.Context) error {
		return e.Store.SaveUser(ctx, u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// GetUser returns ErrUserNotFound for unknown ids.
func (e *Engine) GetUser(ctx context.Context, id UserID) (*User, error) {
	var u *User
	err := e.call(ctx, "get user", func(ctx context.Context) error {
		var err error
		u, err = e.Store.GetUser(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrUserNotFound
	}
	return u, nil
}
