/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario leaves the expected state behind:
	- Users are signed up below each other
	- Grants are created for the right earners and levels
	- Completion and cancellation move points as expected

These tests double as end-to-end checks of the engine through the router.
*/
package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadScenario(t *testing.T, a *testAPI, id string) ScenarioResultDTO {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": id})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[ScenarioResultDTO](t, rec)
}

func awardedByEarner(res ScenarioResultDTO) map[string]int64 {
	out := make(map[string]int64)
	for _, tx := range res.Transactions {
		out[tx.EarnerID] += tx.PointsAwarded
	}
	return out
}

func TestScenarios_Disabled(t *testing.T) {
	a := newTestAPI(t, RouterOptions{})

	rec := a.do(t, http.MethodGet, "/api/scenarios", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScenarios_List(t *testing.T) {
	a := newTestAPI(t, RouterOptions{DemoScenarios: true})

	rec := a.do(t, http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	list := decodeBody[[]ScenarioDTO](t, rec)
	require.Len(t, list, len(scenarios))
	assert.Equal(t, "single-referral", list[0].ID)
}

func TestScenario_SingleReferral(t *testing.T) {
	// GIVEN: R refers A
	// WHEN: A books a $1,000 flight
	// THEN: R holds 500 locked points
	a := newTestAPI(t, RouterOptions{DemoScenarios: true})

	res := loadScenario(t, a, "single-referral")

	require.Len(t, res.Users, 2)
	r := res.Users["R"]
	assert.Equal(t, map[string]int64{r.ID: 500}, awardedByEarner(res))
	assert.Equal(t, BalancesDTO{Locked: 500, Lifetime: 500}, r.Balances)
	assert.Equal(t, 1, res.Users["A"].ReferralLevel)
}

func TestScenario_ThreeLevelChain(t *testing.T) {
	a := newTestAPI(t, RouterOptions{DemoScenarios: true})

	res := loadScenario(t, a, "three-level-chain")

	require.Len(t, res.Transactions, 3)
	assert.Equal(t, map[string]int64{
		res.Users["B"].ID: 375,
		res.Users["A"].ID: 150,
		res.Users["R"].ID: 75,
	}, awardedByEarner(res))
	assert.Equal(t, 3, res.Users["R"].NetworkSize)
}

func TestScenario_CompletedTrip(t *testing.T) {
	a := newTestAPI(t, RouterOptions{DemoScenarios: true})

	res := loadScenario(t, a, "completed-trip")

	for _, tx := range res.Transactions {
		assert.Equal(t, "unlocked", tx.Status)
		assert.NotNil(t, tx.PointsUnlockedAt)
	}
	assert.Equal(t, BalancesDTO{Available: 375, Lifetime: 375}, res.Users["B"].Balances)
}

func TestScenario_CancelledTrip(t *testing.T) {
	a := newTestAPI(t, RouterOptions{DemoScenarios: true})

	res := loadScenario(t, a, "cancelled-trip")

	require.Len(t, res.Transactions, 1)
	assert.Equal(t, "expired", res.Transactions[0].Status)
	assert.True(t, res.Transactions[0].TripCancelled)
	assert.Equal(t, BalancesDTO{}, res.Users["R"].Balances)
}

func TestScenario_LevelCap(t *testing.T) {
	a := newTestAPI(t, RouterOptions{DemoScenarios: true})

	res := loadScenario(t, a, "level-cap")

	awarded := awardedByEarner(res)
	assert.Len(t, awarded, 3)
	assert.NotContains(t, awarded, res.Users["R"].ID)
	assert.Equal(t, int64(500), awarded[res.Users["C"].ID])
}

func TestScenario_LoadTwice(t *testing.T) {
	// Repeated loads use fresh users, nothing collides
	a := newTestAPI(t, RouterOptions{DemoScenarios: true})

	first := loadScenario(t, a, "single-referral")
	second := loadScenario(t, a, "single-referral")

	assert.NotEqual(t, first.BookingID, second.BookingID)
	assert.NotEqual(t, first.Users["R"].Email, second.Users["R"].Email)

	users, err := a.engine.ListUsers(t.Context())
	require.NoError(t, err)
	assert.Len(t, users, 4)
}

func TestScenario_Unknown(t *testing.T) {
	a := newTestAPI(t, RouterOptions{DemoScenarios: true})

	rec := a.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
