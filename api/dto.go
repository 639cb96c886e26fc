/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the referral domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Users:         UserDTO, BalancesDTO, CreateUserRequest
  Referrals:     CreateReferralRequest, ReferralDTO, RelationshipDTO, NetworkTreeDTO
  Points:        PointsSummaryDTO, RedeemRequest, RedeemResponse, ReferralLinkDTO
  Bookings:      ProcessBookingRequest, BookingResultDTO, TransactionDTO,
                 CancelBookingRequest, UnlockResultDTO, ForfeitResultDTO
  Admin:         ReconcileResponse

MONEY:
  Amounts are shopspring/decimal values. They decode from JSON numbers or
  strings and encode as strings, so no precision is lost in transit.

VALIDATION:
  Validation is done in handlers and in the referral package, not in DTOs.
  DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - referral/types.go: Domain model
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/fly2any/referral-engine/referral"
)

// =============================================================================
// USERS
// =============================================================================

type BalancesDTO struct {
	Available int64 `json:"available"`
	Locked    int64 `json:"locked"`
	Lifetime  int64 `json:"lifetime"`
	Redeemed  int64 `json:"redeemed"`
}

// UserDTO represents a user in API responses.
type UserDTO struct {
	ID              string      `json:"id"`
	Email           string      `json:"email"`
	Name            string      `json:"name"`
	ReferredBy      *string     `json:"referred_by,omitempty"`
	ReferralLevel   int         `json:"referral_level"`
	ReferralCode    string      `json:"referral_code"`
	DirectReferrals int         `json:"direct_referrals"`
	NetworkSize     int         `json:"network_size"`
	Balances        BalancesDTO `json:"balances"`
	CreatedAt       string      `json:"created_at"`

	// ReferralError is set when signup succeeded but attaching to the referrer failed.
	ReferralError string `json:"referral_error,omitempty"`
}

// CreateUserRequest registers a user, optionally under a referral code.
type CreateUserRequest struct {
	Email        string `json:"email"`
	Name         string `json:"name"`
	ReferralCode string `json:"referral_code,omitempty"`
}

// =============================================================================
// REFERRALS
// =============================================================================

type CreateReferralRequest struct {
	RefereeEmail string `json:"referee_email"`
	ReferralCode string `json:"referral_code"`
}

type ReferralDTO struct {
	ReferrerID string `json:"referrer_id"`
	RefereeID  string `json:"referee_id"`
	Level      int    `json:"level"`
}

type RelationshipDTO struct {
	ID                string          `json:"id"`
	ReferrerID        string          `json:"referrer_id"`
	RefereeID         string          `json:"referee_id"`
	Level             int             `json:"level"`
	Status            string          `json:"status"`
	TotalBookings     int             `json:"total_bookings"`
	TotalRevenue      decimal.Decimal `json:"total_revenue"`
	TotalPointsEarned int64           `json:"total_points_earned"`
	SignupCompletedAt string          `json:"signup_completed_at"`
	FirstBookingAt    *string         `json:"first_booking_at,omitempty"`
	LastActivityAt    *string         `json:"last_activity_at,omitempty"`
}

type NetworkNodeDTO struct {
	Relationship RelationshipDTO `json:"relationship"`
	Referee      *UserDTO        `json:"referee,omitempty"`
}

// NetworkTreeDTO groups a user's downline by level.
type NetworkTreeDTO struct {
	UserID string           `json:"user_id"`
	Total  int              `json:"total"`
	Level1 []NetworkNodeDTO `json:"level_1"`
	Level2 []NetworkNodeDTO `json:"level_2"`
	Level3 []NetworkNodeDTO `json:"level_3"`
}

// =============================================================================
// POINTS
// =============================================================================

type PointsSummaryDTO struct {
	UserID              string          `json:"user_id"`
	Balances            BalancesDTO     `json:"balances"`
	ReferralCode        string          `json:"referral_code"`
	DirectReferrals     int             `json:"direct_referrals"`
	NetworkSize         int             `json:"network_size"`
	PendingTransactions int             `json:"pending_transactions"`
	PendingPoints       int64           `json:"pending_points"`
	AvailableUSD        decimal.Decimal `json:"available_usd"`
}

type ReferralLinkDTO struct {
	ReferralCode string `json:"referral_code"`
	Link         string `json:"link"`
}

type RedeemRequest struct {
	Points int64 `json:"points"`
}

type RedeemResponse struct {
	UserID   string          `json:"user_id"`
	Redeemed int64           `json:"redeemed"`
	ValueUSD decimal.Decimal `json:"value_usd"`
	Balances BalancesDTO     `json:"balances"`
}

// =============================================================================
// BOOKINGS
// =============================================================================

// ProcessBookingRequest is sent by the booking system once payment settles.
// Dates accept "2006-01-02" or RFC 3339.
type ProcessBookingRequest struct {
	BookingID        string            `json:"booking_id"`
	UserID           string            `json:"user_id"`
	Amount           decimal.Decimal   `json:"amount"`
	CommissionAmount decimal.Decimal   `json:"commission_amount"`
	Currency         string            `json:"currency"`
	ProductType      string            `json:"product_type"`
	TripStartDate    string            `json:"trip_start_date"`
	TripEndDate      string            `json:"trip_end_date"`
	ProductData      map[string]string `json:"product_data,omitempty"`
}

type TransactionDTO struct {
	ID                string            `json:"id"`
	BookingID         string            `json:"booking_id"`
	EarnerID          string            `json:"earner_id"`
	CustomerID        string            `json:"customer_id"`
	Level             int               `json:"level"`
	BookingAmount     decimal.Decimal   `json:"booking_amount"`
	CommissionAmount  decimal.Decimal   `json:"commission_amount"`
	Currency          string            `json:"currency"`
	ProductType       string            `json:"product_type"`
	ProductData       map[string]string `json:"product_data,omitempty"`
	PointsRate        int64             `json:"points_rate"`
	ProductMultiplier decimal.Decimal   `json:"product_multiplier"`
	PointsCalculated  int64             `json:"points_calculated"`
	PointsAwarded     int64             `json:"points_awarded"`
	Status            string            `json:"status"`
	TripStartDate     string            `json:"trip_start_date"`
	TripEndDate       string            `json:"trip_end_date"`
	PointsExpireAt    string            `json:"points_expire_at"`
	TripCancelled     bool              `json:"trip_cancelled"`
	TripRefunded      bool              `json:"trip_refunded"`
	TripCancelledAt   *string           `json:"trip_cancelled_at,omitempty"`
	TripCompletedAt   *string           `json:"trip_completed_at,omitempty"`
	PointsUnlockedAt  *string           `json:"points_unlocked_at,omitempty"`
	CreatedAt         string            `json:"created_at"`
}

type BookingResultDTO struct {
	BookingID          string           `json:"booking_id"`
	Created            int              `json:"created"`
	Skipped            int              `json:"skipped"`
	TotalPointsAwarded int64            `json:"total_points_awarded"`
	Transactions       []TransactionDTO `json:"transactions"`
}

type CancelBookingRequest struct {
	Reason string `json:"reason"`
}

type UnlockResultDTO struct {
	BookingID      string `json:"booking_id"`
	UnlockedCount  int    `json:"unlocked_count"`
	PointsUnlocked int64  `json:"points_unlocked"`
}

type ForfeitResultDTO struct {
	BookingID       string `json:"booking_id"`
	Reason          string `json:"reason"`
	ForfeitedCount  int    `json:"forfeited_count"`
	PointsForfeited int64  `json:"points_forfeited"`
}

// =============================================================================
// ADMIN
// =============================================================================

type ReconcileDTO struct {
	UserID string      `json:"user_id"`
	Before BalancesDTO `json:"before"`
	After  BalancesDTO `json:"after"`
}

type ReconcileResponse struct {
	Users    int            `json:"users"`
	Repaired []ReconcileDTO `json:"repaired"`
}

// ErrorResponse is the standard error format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

const dateLayout = "2006-01-02"

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toBalancesDTO(b referral.Balances) BalancesDTO {
	return BalancesDTO{
		Available: b.Available,
		Locked:    b.Locked,
		Lifetime:  b.Lifetime,
		Redeemed:  b.Redeemed,
	}
}

func toUserDTO(u referral.User) UserDTO {
	dto := UserDTO{
		ID:              string(u.ID),
		Email:           u.Email,
		Name:            u.Name,
		ReferralLevel:   u.ReferralLevel,
		ReferralCode:    u.ReferralCode,
		DirectReferrals: u.DirectReferrals,
		NetworkSize:     u.NetworkSize,
		Balances:        toBalancesDTO(u.Balances),
		CreatedAt:       formatTime(u.CreatedAt),
	}
	if u.ReferredBy != nil {
		parent := string(*u.ReferredBy)
		dto.ReferredBy = &parent
	}
	return dto
}

func toRelationshipDTO(r referral.Relationship) RelationshipDTO {
	return RelationshipDTO{
		ID:                string(r.ID),
		ReferrerID:        string(r.ReferrerID),
		RefereeID:         string(r.RefereeID),
		Level:             r.Level,
		Status:            string(r.Status),
		TotalBookings:     r.TotalBookings,
		TotalRevenue:      r.TotalRevenue,
		TotalPointsEarned: r.TotalPointsEarned,
		SignupCompletedAt: formatTime(r.SignupCompletedAt),
		FirstBookingAt:    formatTimePtr(r.FirstBookingAt),
		LastActivityAt:    formatTimePtr(r.LastActivityAt),
	}
}

func toNetworkTreeDTO(tree referral.NetworkTree) NetworkTreeDTO {
	nodes := func(level int) []NetworkNodeDTO {
		out := make([]NetworkNodeDTO, 0, len(tree.ByLevel[level]))
		for _, n := range tree.ByLevel[level] {
			node := NetworkNodeDTO{Relationship: toRelationshipDTO(n.Relationship)}
			if n.Referee != nil {
				u := toUserDTO(*n.Referee)
				node.Referee = &u
			}
			out = append(out, node)
		}
		return out
	}
	return NetworkTreeDTO{
		UserID: string(tree.UserID),
		Total:  tree.Total,
		Level1: nodes(1),
		Level2: nodes(2),
		Level3: nodes(3),
	}
}

func toPointsSummaryDTO(s referral.PointsSummary) PointsSummaryDTO {
	return PointsSummaryDTO{
		UserID:              string(s.UserID),
		Balances:            toBalancesDTO(s.Balances),
		ReferralCode:        s.ReferralCode,
		DirectReferrals:     s.DirectReferrals,
		NetworkSize:         s.NetworkSize,
		PendingTransactions: s.PendingTransactions,
		PendingPoints:       s.PendingPoints,
		AvailableUSD:        s.AvailableUSD,
	}
}

func toTransactionDTO(tx referral.PointsTransaction) TransactionDTO {
	return TransactionDTO{
		ID:                string(tx.ID),
		BookingID:         tx.BookingID,
		EarnerID:          string(tx.EarnerID),
		CustomerID:        string(tx.CustomerID),
		Level:             tx.Level,
		BookingAmount:     tx.BookingAmount,
		CommissionAmount:  tx.CommissionAmount,
		Currency:          tx.Currency,
		ProductType:       string(tx.ProductType),
		ProductData:       tx.ProductData,
		PointsRate:        tx.PointsRate,
		ProductMultiplier: tx.ProductMultiplier,
		PointsCalculated:  tx.PointsCalculated,
		PointsAwarded:     tx.PointsAwarded,
		Status:            string(tx.Status),
		TripStartDate:     tx.TripStartDate.Format(dateLayout),
		TripEndDate:       tx.TripEndDate.Format(dateLayout),
		PointsExpireAt:    formatTime(tx.PointsExpireAt),
		TripCancelled:     tx.TripCancelled,
		TripRefunded:      tx.TripRefunded,
		TripCancelledAt:   formatTimePtr(tx.TripCancelledAt),
		TripCompletedAt:   formatTimePtr(tx.TripCompletedAt),
		PointsUnlockedAt:  formatTimePtr(tx.PointsUnlockedAt),
		CreatedAt:         formatTime(tx.CreatedAt),
	}
}

func toTransactionDTOs(txs []referral.PointsTransaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	return dtos
}
