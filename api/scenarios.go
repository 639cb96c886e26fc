/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Builds small referral networks through the engine so the dashboard has
	something to show. Each scenario signs users up, attaches them below a
	referral code and runs bookings through the ledger.

AVAILABLE SCENARIOS:

	single-referral:   R refers A, A books a $1,000 flight (500 locked for R)
	three-level-chain: R -> A -> B -> C, C books a $500 hotel (375 / 150 / 75)
	completed-trip:    three-level-chain, then the trip completes (unlocked)
	cancelled-trip:    single-referral, then the booking is cancelled (expired)
	level-cap:         four-deep chain, the level 4 ancestor earns nothing

HOW SCENARIOS WORK:
 1. Pick a run tag so repeated loads never collide on email or booking id
 2. Sign users up (RegisterUser + CreateReferralRelationship)
 3. Process bookings
 4. Optionally complete or cancel the trip

USAGE VIA API (only when DEMO_SCENARIOS=true):

	GET  /api/scenarios
	POST /api/scenarios/load
	{"scenario_id": "three-level-chain"}

NOTE:

	Scenarios add data, they never reset the store. Do not enable in production.

SEE ALSO:
  - handlers.go: Endpoint handlers
  - referral/graph.go, referral/ledger.go: Operations being exercised
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fly2any/referral-engine/referral"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ScenarioResultDTO lists what a scenario load created.
type ScenarioResultDTO struct {
	ScenarioID   string             `json:"scenario_id"`
	Users        map[string]UserDTO `json:"users"`
	BookingID    string             `json:"booking_id"`
	Transactions []TransactionDTO   `json:"transactions"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "single-referral",
		Name:        "Single Referral",
		Description: "R refers A; A books a $1,000 flight and R earns 500 locked points",
	},
	{
		ID:          "three-level-chain",
		Name:        "Three-Level Chain",
		Description: "R -> A -> B -> C; C books a $500 hotel, B/A/R earn 375/150/75",
	},
	{
		ID:          "completed-trip",
		Name:        "Completed Trip",
		Description: "Three-level chain whose trip completes; points move to available",
	},
	{
		ID:          "cancelled-trip",
		Name:        "Cancelled Trip",
		Description: "Single referral whose booking is cancelled; points are forfeited",
	},
	{
		ID:          "level-cap",
		Name:        "Level Cap",
		Description: "Four-deep chain; the great-great-grandparent earns nothing",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario runs a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	run := newScenarioRun(h.Engine)
	ctx := r.Context()

	var err error
	switch req.ScenarioID {
	case "single-referral":
		err = run.singleReferral(ctx)
	case "three-level-chain":
		err = run.threeLevelChain(ctx)
	case "completed-trip":
		err = run.completedTrip(ctx)
	case "cancelled-trip":
		err = run.cancelledTrip(ctx)
	case "level-cap":
		err = run.levelCap(ctx)
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}
	if err != nil {
		h.writeEngineError(w, fmt.Sprintf("Failed to load scenario %s", req.ScenarioID), err)
		return
	}

	result, err := run.result(ctx, req.ScenarioID)
	if err != nil {
		h.writeEngineError(w, "Failed to read scenario result", err)
		return
	}

	h.Logger.WithField("scenario", req.ScenarioID).Info("Demo scenario loaded")
	writeJSON(w, http.StatusCreated, result)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

type scenarioRun struct {
	engine *referral.Engine
	tag    string
	users  map[string]referral.UserID
	order  []string

	bookingID string
}

func newScenarioRun(engine *referral.Engine) *scenarioRun {
	return &scenarioRun{
		engine: engine,
		tag:    uuid.NewString()[:8],
		users:  make(map[string]referral.UserID),
	}
}

// signup registers name and attaches it below referrer when set.
func (s *scenarioRun) signup(ctx context.Context, name, referrer string) error {
	email := fmt.Sprintf("%s+%s@demo.fly2any.local", strings.ToLower(name), s.tag)
	u, err := s.engine.RegisterUser(ctx, email, name)
	if err != nil {
		return err
	}
	s.users[name] = u.ID
	s.order = append(s.order, name)

	if referrer == "" {
		return nil
	}
	parent, err := s.engine.GetUser(ctx, s.users[referrer])
	if err != nil {
		return err
	}
	_, err = s.engine.CreateReferralRelationship(ctx, email, parent.ReferralCode)
	return err
}

func (s *scenarioRun) signupChain(ctx context.Context, names ...string) error {
	var parent string
	for _, name := range names {
		if err := s.signup(ctx, name, parent); err != nil {
			return err
		}
		parent = name
	}
	return nil
}

func (s *scenarioRun) book(ctx context.Context, customer string, amount int64, product referral.ProductType) error {
	s.bookingID = fmt.Sprintf("demo-%s-%s", s.tag, strings.ToLower(customer))
	start := time.Now().UTC().AddDate(0, 0, 30).Truncate(24 * time.Hour)
	_, err := s.engine.ProcessBooking(ctx, referral.BookingInput{
		BookingID:     s.bookingID,
		UserID:        s.users[customer],
		Amount:        decimal.NewFromInt(amount),
		Currency:      "USD",
		ProductType:   product,
		TripStartDate: start,
		TripEndDate:   start.AddDate(0, 0, 7),
	})
	return err
}

func (s *scenarioRun) singleReferral(ctx context.Context) error {
	if err := s.signupChain(ctx, "R", "A"); err != nil {
		return err
	}
	return s.book(ctx, "A", 1000, referral.ProductFlight)
}

func (s *scenarioRun) threeLevelChain(ctx context.Context) error {
	if err := s.signupChain(ctx, "R", "A", "B", "C"); err != nil {
		return err
	}
	return s.book(ctx, "C", 500, referral.ProductHotel)
}

func (s *scenarioRun) completedTrip(ctx context.Context) error {
	if err := s.threeLevelChain(ctx); err != nil {
		return err
	}
	_, err := s.engine.UnlockPointsForCompletedTrip(ctx, s.bookingID)
	return err
}

func (s *scenarioRun) cancelledTrip(ctx context.Context) error {
	if err := s.singleReferral(ctx); err != nil {
		return err
	}
	_, err := s.engine.ForfeitPointsForCancelledTrip(ctx, s.bookingID, referral.ReasonCancelled)
	return err
}

func (s *scenarioRun) levelCap(ctx context.Context) error {
	if err := s.signupChain(ctx, "R", "A", "B", "C", "D"); err != nil {
		return err
	}
	return s.book(ctx, "D", 1000, referral.ProductFlight)
}

func (s *scenarioRun) result(ctx context.Context, scenarioID string) (ScenarioResultDTO, error) {
	res := ScenarioResultDTO{
		ScenarioID: scenarioID,
		Users:      make(map[string]UserDTO, len(s.order)),
		BookingID:  s.bookingID,
	}
	for _, name := range s.order {
		u, err := s.engine.GetUser(ctx, s.users[name])
		if err != nil {
			return res, err
		}
		res.Users[name] = toUserDTO(*u)
	}

	txs, err := s.engine.BookingTransactions(ctx, s.bookingID)
	if err != nil {
		return res, err
	}
	res.Transactions = toTransactionDTOs(txs)
	return res, nil
}
