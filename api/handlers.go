/*
handlers.go - HTTP API handlers for the referral points ledger

PURPOSE:
  Exposes the referral engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the referral package.

ENDPOINTS:
  Users:
    GET    /api/users                       List users
    POST   /api/users                       Register (optionally with referral_code)
    GET    /api/users/{id}                  User details and balances
    GET    /api/users/{id}/network          Downline grouped by level
    GET    /api/users/{id}/points           Points summary
    GET    /api/users/{id}/referral-link    Share link
    GET    /api/users/{id}/referral-qr      Share link as PNG QR code
    POST   /api/users/{id}/redeem           Redeem available points

  Referrals:
    POST   /api/referrals                   Attach a user below a referral code

  Bookings (called by the booking system):
    POST   /api/bookings                    Grant locked points for a booking
    POST   /api/bookings/{id}/complete      Trip completed: unlock
    POST   /api/bookings/{id}/cancel        Trip cancelled/refunded: forfeit
    GET    /api/bookings/{id}/transactions  Grants of a booking

  Admin:
    POST   /api/admin/reconcile             Rebuild balances from the ledger
    GET    /api/admin/transactions/export   Ledger as XLSX

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: User not found
  - 409: Conflict (already referred, duplicate)
  - 504: Storage timeout
  - 500: Internal errors

SECURITY NOTE:
  No authentication middleware. Booking and admin routes are expected to sit
  behind the gateway's service authentication.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/fly2any/referral-engine/export"
	"github.com/fly2any/referral-engine/referral"
	"github.com/fly2any/referral-engine/share"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *referral.Engine
	Links  share.Links
	Logger logrus.FieldLogger
}

func NewHandler(engine *referral.Engine, links share.Links, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{Engine: engine, Links: links, Logger: logger}
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// ListUsers returns all users.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Engine.ListUsers(r.Context())
	if err != nil {
		h.writeEngineError(w, "Failed to list users", err)
		return
	}

	dtos := make([]UserDTO, len(users))
	for i, u := range users {
		dtos[i] = toUserDTO(u)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateUser registers a user, optionally below the owner of referral_code.
// An unknown code rejects the signup. Once the user exists, a failure to
// attach it is returned in referral_error instead.
// POST /api/users
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()
	code := strings.TrimSpace(req.ReferralCode)
	if code != "" {
		if _, err := h.Engine.ResolveReferralCode(ctx, code); err != nil {
			h.writeEngineError(w, "Invalid referral code", err)
			return
		}
	}

	user, err := h.Engine.RegisterUser(ctx, req.Email, req.Name)
	if err != nil {
		h.writeEngineError(w, "Failed to create user", err)
		return
	}

	var referralErr error
	if code != "" {
		if _, referralErr = h.Engine.CreateReferralRelationship(ctx, user.Email, code); referralErr == nil {
			if updated, err := h.Engine.GetUser(ctx, user.ID); err == nil {
				user = updated
			}
		} else {
			h.Logger.WithError(referralErr).WithField("user_id", user.ID).Info("Signup referral code rejected")
		}
	}

	dto := toUserDTO(*user)
	if referralErr != nil {
		dto.ReferralError = referralErr.Error()
	}
	writeJSON(w, http.StatusCreated, dto)
}

// GetUser returns a single user.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.Engine.GetUser(r.Context(), userIDParam(r))
	if err != nil {
		h.writeEngineError(w, "Failed to get user", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(*user))
}

// GetNetwork returns the user's referral tree.
// GET /api/users/{id}/network
func (h *Handler) GetNetwork(w http.ResponseWriter, r *http.Request) {
	tree, err := h.Engine.GetReferralNetworkTree(r.Context(), userIDParam(r))
	if err != nil {
		h.writeEngineError(w, "Failed to get referral network", err)
		return
	}
	writeJSON(w, http.StatusOK, toNetworkTreeDTO(tree))
}

// GetPoints returns the user's point summary.
// GET /api/users/{id}/points
func (h *Handler) GetPoints(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Engine.GetUserPointsSummary(r.Context(), userIDParam(r))
	if err != nil {
		h.writeEngineError(w, "Failed to get points summary", err)
		return
	}
	writeJSON(w, http.StatusOK, toPointsSummaryDTO(summary))
}

// GetReferralLink returns the user's share link.
func (h *Handler) GetReferralLink(w http.ResponseWriter, r *http.Request) {
	user, err := h.Engine.GetUser(r.Context(), userIDParam(r))
	if err != nil {
		h.writeEngineError(w, "Failed to get user", err)
		return
	}

	link, err := h.Links.ReferralLink(user.ReferralCode)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to build referral link", err)
		return
	}
	writeJSON(w, http.StatusOK, ReferralLinkDTO{ReferralCode: user.ReferralCode, Link: link})
}

// GetReferralQR returns the share link as a PNG. ?size= sets the edge in pixels.
func (h *Handler) GetReferralQR(w http.ResponseWriter, r *http.Request) {
	user, err := h.Engine.GetUser(r.Context(), userIDParam(r))
	if err != nil {
		h.writeEngineError(w, "Failed to get user", err)
		return
	}

	size := share.DefaultQRSize
	if raw := r.URL.Query().Get("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 64 || n > 1024 {
			writeError(w, http.StatusBadRequest, "size must be between 64 and 1024", err)
			return
		}
		size = n
	}

	png, err := h.Links.QRCode(user.ReferralCode, size)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to render QR code", err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

// RedeemPoints redeems available points.
// POST /api/users/{id}/redeem
func (h *Handler) RedeemPoints(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	userID := userIDParam(r)
	balances, err := h.Engine.RedeemPoints(r.Context(), userID, req.Points)
	if err != nil {
		h.writeEngineError(w, "Failed to redeem points", err)
		return
	}
	writeJSON(w, http.StatusOK, RedeemResponse{
		UserID:   string(userID),
		Redeemed: req.Points,
		ValueUSD: referral.PointsToUSD(req.Points),
		Balances: toBalancesDTO(balances),
	})
}

// =============================================================================
// REFERRAL HANDLERS
// =============================================================================

// CreateReferral attaches an existing user below the owner of a code.
// POST /api/referrals
func (h *Handler) CreateReferral(w http.ResponseWriter, r *http.Request) {
	var req CreateReferralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Engine.CreateReferralRelationship(r.Context(), req.RefereeEmail, req.ReferralCode)
	if err != nil {
		h.writeEngineError(w, "Failed to create referral", err)
		return
	}
	writeJSON(w, http.StatusCreated, ReferralDTO{
		ReferrerID: string(res.ReferrerID),
		RefereeID:  string(res.RefereeID),
		Level:      res.Level,
	})
}

// =============================================================================
// BOOKING HANDLERS
// =============================================================================

// ProcessBooking grants locked points to the customer's referrers.
// Replaying the same booking is safe and returns the existing grants.
// POST /api/bookings
func (h *Handler) ProcessBooking(w http.ResponseWriter, r *http.Request) {
	var req ProcessBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	start, err := parseDate(req.TripStartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid trip_start_date", err)
		return
	}
	end, err := parseDate(req.TripEndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid trip_end_date", err)
		return
	}

	res, err := h.Engine.ProcessBooking(r.Context(), referral.BookingInput{
		BookingID:        req.BookingID,
		UserID:           referral.UserID(req.UserID),
		Amount:           req.Amount,
		CommissionAmount: req.CommissionAmount,
		Currency:         strings.ToUpper(req.Currency),
		ProductType:      referral.ProductType(req.ProductType),
		TripStartDate:    start,
		TripEndDate:      end,
		ProductData:      req.ProductData,
	})
	if err != nil {
		h.writeEngineError(w, "Failed to process booking", err)
		return
	}

	status := http.StatusOK
	if res.Created > 0 {
		status = http.StatusCreated
	}
	writeJSON(w, status, BookingResultDTO{
		BookingID:          req.BookingID,
		Created:            res.Created,
		Skipped:            res.Skipped,
		TotalPointsAwarded: res.TotalPointsAwarded,
		Transactions:       toTransactionDTOs(res.Transactions),
	})
}

// CompleteBooking unlocks the booking's points.
// POST /api/bookings/{id}/complete
func (h *Handler) CompleteBooking(w http.ResponseWriter, r *http.Request) {
	bookingID := chi.URLParam(r, "id")
	res, err := h.Engine.UnlockPointsForCompletedTrip(r.Context(), bookingID)
	if err != nil {
		h.writeEngineError(w, "Failed to unlock points", err)
		return
	}
	writeJSON(w, http.StatusOK, UnlockResultDTO{
		BookingID:      bookingID,
		UnlockedCount:  res.UnlockedCount,
		PointsUnlocked: res.PointsUnlocked,
	})
}

// CancelBooking forfeits the booking's pending points.
// POST /api/bookings/{id}/cancel  {"reason": "cancelled" | "refunded"}
func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	var req CancelBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Reason == "" {
		req.Reason = string(referral.ReasonCancelled)
	}

	bookingID := chi.URLParam(r, "id")
	reason := referral.ForfeitReason(strings.ToLower(req.Reason))
	res, err := h.Engine.ForfeitPointsForCancelledTrip(r.Context(), bookingID, reason)
	if err != nil {
		h.writeEngineError(w, "Failed to forfeit points", err)
		return
	}
	writeJSON(w, http.StatusOK, ForfeitResultDTO{
		BookingID:       bookingID,
		Reason:          string(reason),
		ForfeitedCount:  res.ForfeitedCount,
		PointsForfeited: res.PointsForfeited,
	})
}

// GetBookingTransactions lists the grants of a booking.
func (h *Handler) GetBookingTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Engine.BookingTransactions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, "Failed to list transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// Reconcile rebuilds every user's cached balances from the ledger.
// POST /api/admin/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Engine.ReconcileAll(r.Context())
	if err != nil {
		h.writeEngineError(w, "Failed to reconcile balances", err)
		return
	}

	resp := ReconcileResponse{Users: summary.Users, Repaired: []ReconcileDTO{}}
	for _, rr := range summary.Repaired {
		resp.Repaired = append(resp.Repaired, ReconcileDTO{
			UserID: string(rr.UserID),
			Before: toBalancesDTO(rr.Before),
			After:  toBalancesDTO(rr.After),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ExportTransactions streams the ledger as an XLSX workbook.
// GET /api/admin/transactions/export?status=locked&earner_id=...&booking_id=...
func (h *Handler) ExportTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	filter := referral.TransactionFilter{
		BookingID: q.Get("booking_id"),
		EarnerID:  referral.UserID(q.Get("earner_id")),
	}
	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := referral.TransactionStatus(strings.TrimSpace(s))
			if !st.Valid() {
				writeError(w, http.StatusBadRequest, "Invalid status filter", fmt.Errorf("unknown status %q", s))
				return
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}

	txs, err := h.Engine.ListTransactions(ctx, filter)
	if err != nil {
		h.writeEngineError(w, "Failed to list transactions", err)
		return
	}
	users, err := h.Engine.ListUsers(ctx)
	if err != nil {
		h.writeEngineError(w, "Failed to list users", err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, export.FileName(time.Now().UTC())))
	if err := export.Write(w, users, txs); err != nil {
		h.Logger.WithError(err).Error("Failed to write ledger export")
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func userIDParam(r *http.Request) referral.UserID {
	return referral.UserID(chi.URLParam(r, "id"))
}

// parseDate accepts a calendar date or an RFC 3339 timestamp.
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("required")
	}
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// writeEngineError maps referral errors to HTTP status codes.
func (h *Handler) writeEngineError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.WithError(err).Error(message)
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, referral.ErrStorageTimeout):
		return http.StatusGatewayTimeout
	case referral.IsNotFound(err):
		return http.StatusNotFound
	case referral.IsConflict(err):
		return http.StatusConflict
	case referral.IsClientError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
