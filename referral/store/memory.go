// Package store provides an in-memory referral.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fly2any/referral-engine/referral"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every table in maps guarded by one mutex. Unique keys and
// guarded updates are enforced under the lock, which gives the same
// guarantees as the SQL constraints.
type Memory struct {
	mu sync.RWMutex
	st *memState

	// inTx marks the view handed to a WithTx callback.
	inTx bool
}

type edgeKey struct {
	ReferrerID referral.UserID
	RefereeID  referral.UserID
	Level      int
}

type grantKey struct {
	BookingID string
	EarnerID  referral.UserID
	Level     int
}

type memState struct {
	users     map[referral.UserID]referral.User
	userOrder []referral.UserID
	emails    map[string]referral.UserID
	codes     map[string]referral.UserID

	rels     map[referral.RelationshipID]referral.Relationship
	relOrder []referral.RelationshipID
	edges    map[edgeKey]referral.RelationshipID

	txs     map[referral.TransactionID]referral.PointsTransaction
	txOrder []referral.TransactionID
	grants  map[grantKey]referral.TransactionID
}

func newMemState() *memState {
	return &memState{
		users:  make(map[referral.UserID]referral.User),
		emails: make(map[string]referral.UserID),
		codes:  make(map[string]referral.UserID),
		rels:   make(map[referral.RelationshipID]referral.Relationship),
		edges:  make(map[edgeKey]referral.RelationshipID),
		txs:    make(map[referral.TransactionID]referral.PointsTransaction),
		grants: make(map[grantKey]referral.TransactionID),
	}
}

func NewMemory() *Memory {
	return &Memory{st: newMemState()}
}

func (m *Memory) read(ctx context.Context, fn func(*memState) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m.st)
}

func (m *Memory) write(ctx context.Context, fn func(*memState) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.st)
}

// =============================================================================
// USERS
// =============================================================================

func (m *Memory) SaveUser(ctx context.Context, u referral.User) error {
	return m.write(ctx, func(s *memState) error { return s.saveUser(u) })
}

func (m *Memory) GetUser(ctx context.Context, id referral.UserID) (u *referral.User, err error) {
	err = m.read(ctx, func(s *memState) error {
		u = s.getUser(id)
		return nil
	})
	return u, err
}

func (m *Memory) GetUserByEmail(ctx context.Context, email string) (u *referral.User, err error) {
	err = m.read(ctx, func(s *memState) error {
		u = s.getUser(s.emails[email])
		return nil
	})
	return u, err
}

func (m *Memory) GetUserByReferralCode(ctx context.Context, code string) (u *referral.User, err error) {
	err = m.read(ctx, func(s *memState) error {
		u = s.getUser(s.codes[code])
		return nil
	})
	return u, err
}

func (m *Memory) ListUsers(ctx context.Context) (users []referral.User, err error) {
	err = m.read(ctx, func(s *memState) error {
		users = s.listUsers()
		return nil
	})
	return users, err
}

func (m *Memory) ReferralCodeExists(ctx context.Context, code string) (ok bool, err error) {
	err = m.read(ctx, func(s *memState) error {
		_, ok = s.codes[code]
		return nil
	})
	return ok, err
}

func (m *Memory) AttachReferrer(ctx context.Context, refereeID, referrerID referral.UserID, level int, code string) (ok bool, err error) {
	err = m.write(ctx, func(s *memState) error {
		ok, err = s.attachReferrer(refereeID, referrerID, level, code)
		return err
	})
	return ok, err
}

func (m *Memory) IncrementNetwork(ctx context.Context, id referral.UserID, direct, network int) error {
	return m.write(ctx, func(s *memState) error { return s.incrementNetwork(id, direct, network) })
}

func (m *Memory) AdjustBalances(ctx context.Context, id referral.UserID, delta referral.BalanceDelta) error {
	return m.write(ctx, func(s *memState) error { return s.adjustBalances(id, delta) })
}

func (m *Memory) RedeemBalance(ctx context.Context, id referral.UserID, points int64) (ok bool, err error) {
	err = m.write(ctx, func(s *memState) error {
		ok, err = s.redeemBalance(id, points)
		return err
	})
	return ok, err
}

// LockUser is GetUser: WithTx already holds the store mutex for the whole unit.
func (m *Memory) LockUser(ctx context.Context, id referral.UserID) (*referral.User, error) {
	return m.GetUser(ctx, id)
}

func (m *Memory) SetBalances(ctx context.Context, id referral.UserID, b referral.Balances) error {
	return m.write(ctx, func(s *memState) error { return s.setBalances(id, b) })
}

// =============================================================================
// RELATIONSHIPS
// =============================================================================

func (m *Memory) CreateRelationship(ctx context.Context, r referral.Relationship) error {
	return m.write(ctx, func(s *memState) error { return s.createRelationship(r) })
}

func (m *Memory) ListRelationshipsByReferee(ctx context.Context, refereeID referral.UserID, statuses []referral.RelationshipStatus) (rels []referral.Relationship, err error) {
	err = m.read(ctx, func(s *memState) error {
		rels = s.relationshipsByReferee(refereeID, statuses)
		return nil
	})
	return rels, err
}

func (m *Memory) ListRelationshipsByReferrer(ctx context.Context, referrerID referral.UserID) (rels []referral.Relationship, err error) {
	err = m.read(ctx, func(s *memState) error {
		rels = s.relationshipsByReferrer(referrerID)
		return nil
	})
	return rels, err
}

func (m *Memory) RecordRelationshipBooking(ctx context.Context, id referral.RelationshipID, revenue decimal.Decimal, points int64, at time.Time) error {
	return m.write(ctx, func(s *memState) error { return s.recordBooking(id, revenue, points, at) })
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (m *Memory) InsertTransaction(ctx context.Context, tx referral.PointsTransaction) error {
	return m.write(ctx, func(s *memState) error { return s.insertTransaction(tx) })
}

func (m *Memory) GetTransaction(ctx context.Context, id referral.TransactionID) (tx *referral.PointsTransaction, err error) {
	err = m.read(ctx, func(s *memState) error {
		tx = s.getTransaction(id)
		return nil
	})
	return tx, err
}

func (m *Memory) ListTransactions(ctx context.Context, filter referral.TransactionFilter) (txs []referral.PointsTransaction, err error) {
	err = m.read(ctx, func(s *memState) error {
		txs = s.listTransactions(filter)
		return nil
	})
	return txs, err
}

func (m *Memory) TransitionTransaction(ctx context.Context, id referral.TransactionID, t referral.Transition) (ok bool, err error) {
	err = m.write(ctx, func(s *memState) error {
		ok = s.transition(id, t)
		return nil
	})
	return ok, err
}

func (m *Memory) ListDueBookings(ctx context.Context, cutoff time.Time, limit int) (ids []string, err error) {
	err = m.read(ctx, func(s *memState) error {
		ids = s.dueBookings(cutoff, limit)
		return nil
	})
	return ids, err
}

// =============================================================================
// TRANSACTIONS (WithTx)
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(referral.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.inTx {
		return fn(m)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	view := &Memory{st: m.st, inTx: true}

	if err := fn(view); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

// clone copies every map so a rollback restores the previous state.
func (s *memState) clone() *memState {
	c := &memState{
		users:     make(map[referral.UserID]referral.User, len(s.users)),
		userOrder: append([]referral.UserID(nil), s.userOrder...),
		emails:    make(map[string]referral.UserID, len(s.emails)),
		codes:     make(map[string]referral.UserID, len(s.codes)),
		rels:      make(map[referral.RelationshipID]referral.Relationship, len(s.rels)),
		relOrder:  append([]referral.RelationshipID(nil), s.relOrder...),
		edges:     make(map[edgeKey]referral.RelationshipID, len(s.edges)),
		txs:       make(map[referral.TransactionID]referral.PointsTransaction, len(s.txs)),
		txOrder:   append([]referral.TransactionID(nil), s.txOrder...),
		grants:    make(map[grantKey]referral.TransactionID, len(s.grants)),
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.emails {
		c.emails[k] = v
	}
	for k, v := range s.codes {
		c.codes[k] = v
	}
	for k, v := range s.rels {
		c.rels[k] = v
	}
	for k, v := range s.edges {
		c.edges[k] = v
	}
	for k, v := range s.txs {
		c.txs[k] = v
	}
	for k, v := range s.grants {
		c.grants[k] = v
	}
	return c
}

// =============================================================================
// STATE OPERATIONS (caller holds the lock)
// =============================================================================

func (s *memState) saveUser(u referral.User) error {
	if _, ok := s.users[u.ID]; ok {
		return referral.ErrDuplicateUser
	}
	if _, ok := s.emails[u.Email]; ok {
		return referral.ErrDuplicateUser
	}
	if _, ok := s.codes[u.ReferralCode]; ok && u.ReferralCode != "" {
		return referral.ErrDuplicateUser
	}
	s.users[u.ID] = u
	s.userOrder = append(s.userOrder, u.ID)
	s.emails[u.Email] = u.ID
	if u.ReferralCode != "" {
		s.codes[u.ReferralCode] = u.ID
	}
	return nil
}

func (s *memState) getUser(id referral.UserID) *referral.User {
	u, ok := s.users[id]
	if !ok {
		return nil
	}
	return &u
}

func (s *memState) listUsers() []referral.User {
	users := make([]referral.User, 0, len(s.userOrder))
	for _, id := range s.userOrder {
		users = append(users, s.users[id])
	}
	return users
}

func (s *memState) attachReferrer(refereeID, referrerID referral.UserID, level int, code string) (bool, error) {
	u, ok := s.users[refereeID]
	if !ok || u.ReferredBy != nil {
		return false, nil
	}
	if owner, taken := s.codes[code]; taken && owner != refereeID {
		return false, referral.ErrDuplicateUser
	}
	if u.ReferralCode != "" {
		delete(s.codes, u.ReferralCode)
	}
	parent := referrerID
	u.ReferredBy = &parent
	u.ReferralLevel = level
	u.ReferralCode = code
	s.codes[code] = refereeID
	s.users[refereeID] = u
	return true, nil
}

func (s *memState) incrementNetwork(id referral.UserID, direct, network int) error {
	u, ok := s.users[id]
	if !ok {
		return referral.ErrUserNotFound
	}
	u.DirectReferrals += direct
	u.NetworkSize += network
	s.users[id] = u
	return nil
}

func (s *memState) adjustBalances(id referral.UserID, delta referral.BalanceDelta) error {
	u, ok := s.users[id]
	if !ok {
		return referral.ErrUserNotFound
	}
	u.Balances = u.Balances.Apply(delta)
	s.users[id] = u
	return nil
}

func (s *memState) redeemBalance(id referral.UserID, points int64) (bool, error) {
	u, ok := s.users[id]
	if !ok {
		return false, referral.ErrUserNotFound
	}
	if u.Balances.Available < points {
		return false, nil
	}
	u.Balances.Available -= points
	u.Balances.Redeemed += points
	s.users[id] = u
	return true, nil
}

func (s *memState) setBalances(id referral.UserID, b referral.Balances) error {
	u, ok := s.users[id]
	if !ok {
		return referral.ErrUserNotFound
	}
	u.Balances = b
	s.users[id] = u
	return nil
}

func (s *memState) createRelationship(r referral.Relationship) error {
	k := edgeKey{ReferrerID: r.ReferrerID, RefereeID: r.RefereeID, Level: r.Level}
	if _, ok := s.edges[k]; ok {
		return referral.ErrDuplicateRelationship
	}
	if _, ok := s.rels[r.ID]; ok {
		return referral.ErrDuplicateRelationship
	}
	s.rels[r.ID] = r
	s.relOrder = append(s.relOrder, r.ID)
	s.edges[k] = r.ID
	return nil
}

func (s *memState) relationshipsByReferee(refereeID referral.UserID, statuses []referral.RelationshipStatus) []referral.Relationship {
	var out []referral.Relationship
	for _, id := range s.relOrder {
		r := s.rels[id]
		if r.RefereeID != refereeID || !hasRelationshipStatus(statuses, r.Status) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out
}

func hasRelationshipStatus(statuses []referral.RelationshipStatus, s referral.RelationshipStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, x := range statuses {
		if x == s {
			return true
		}
	}
	return false
}

func (s *memState) relationshipsByReferrer(referrerID referral.UserID) []referral.Relationship {
	var out []referral.Relationship
	for _, id := range s.relOrder {
		if r := s.rels[id]; r.ReferrerID == referrerID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (s *memState) recordBooking(id referral.RelationshipID, revenue decimal.Decimal, points int64, at time.Time) error {
	r, ok := s.rels[id]
	if !ok {
		return referral.ErrRelationshipNotFound
	}
	r.TotalBookings++
	r.TotalRevenue = r.TotalRevenue.Add(revenue)
	r.TotalPointsEarned += points
	r.Status = r.Status.Advance()
	ts := at
	if r.FirstBookingAt == nil {
		r.FirstBookingAt = &ts
	}
	r.LastActivityAt = &ts
	s.rels[id] = r
	return nil
}

func (s *memState) insertTransaction(tx referral.PointsTransaction) error {
	k := grantKey{BookingID: tx.BookingID, EarnerID: tx.EarnerID, Level: tx.Level}
	if _, ok := s.grants[k]; ok {
		return referral.ErrDuplicateGrant
	}
	if _, ok := s.txs[tx.ID]; ok {
		return referral.ErrDuplicateGrant
	}
	if tx.ProductData != nil {
		data := make(map[string]string, len(tx.ProductData))
		for k, v := range tx.ProductData {
			data[k] = v
		}
		tx.ProductData = data
	}
	s.txs[tx.ID] = tx
	s.txOrder = append(s.txOrder, tx.ID)
	s.grants[k] = tx.ID
	return nil
}

func (s *memState) getTransaction(id referral.TransactionID) *referral.PointsTransaction {
	tx, ok := s.txs[id]
	if !ok {
		return nil
	}
	return &tx
}

func (s *memState) listTransactions(f referral.TransactionFilter) []referral.PointsTransaction {
	var out []referral.PointsTransaction
	for _, id := range s.txOrder {
		tx := s.txs[id]
		if f.BookingID != "" && tx.BookingID != f.BookingID {
			continue
		}
		if f.EarnerID != "" && tx.EarnerID != f.EarnerID {
			continue
		}
		if !hasStatus(f.Statuses, tx.Status) {
			continue
		}
		out = append(out, tx)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

func hasStatus(statuses []referral.TransactionStatus, s referral.TransactionStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, x := range statuses {
		if x == s {
			return true
		}
	}
	return false
}

func (s *memState) transition(id referral.TransactionID, t referral.Transition) bool {
	tx, ok := s.txs[id]
	if !ok || !t.Matches(tx) {
		return false
	}
	s.txs[id] = t.Apply(tx)
	return true
}

func (s *memState) dueBookings(cutoff time.Time, limit int) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, id := range s.txOrder {
		tx := s.txs[id]
		if tx.Status != referral.StatusLocked || tx.TripCancelled || tx.TripRefunded {
			continue
		}
		if tx.TripEndDate.After(cutoff) || seen[tx.BookingID] {
			continue
		}
		seen[tx.BookingID] = true
		ids = append(ids, tx.BookingID)
		if limit > 0 && len(ids) == limit {
			break
		}
	}
	return ids
}
