/*
points.go - Points calculation engine

PURPOSE:
  Converts a booking amount, a referrer level and a product type into a
  point grant. Pure functions, no storage access.

FORMULA:
  pointsRate        = Rates[level]           (points per $100)
  productMultiplier = Multipliers[product]   (1.0 when unknown)
  basePoints        = floor(amount / 100 * pointsRate)
  pointsAwarded     = floor(basePoints * productMultiplier)

  Level 1: 50 points per $100    Flight:               1.0x
  Level 2: 20 points per $100    International flight: 1.2x
  Level 3: 10 points per $100    Hotel:                1.5x
                                 Package:              2.0x
                                 Car, activity:        1.0x

EXAMPLE:
  $500 hotel, level 2:
    basePoints    = floor(500 / 100 * 20) = 100
    pointsAwarded = floor(100 * 1.5)      = 150

CURRENCY:
  Amounts are assumed to be USD. Non-USD amounts pass through unconverted.
  This preserves point totals of historical grants; FX conversion, if added,
  belongs to the caller.

BASIS:
  BasisBooking (default) earns on the booking amount. BasisCommission earns
  on the commission instead, falling back to DefaultCommissionFor when the
  booking does not carry one.
*/
package referral

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// PointsPerUSD is the redemption rate: 10 points are worth 1 USD.
const PointsPerUSD = 10

// =============================================================================
// RATE TABLE
// =============================================================================

type RateTable struct {
	Rates             map[int]int64
	Multipliers       map[ProductType]decimal.Decimal
	CommissionRates   map[ProductType]decimal.Decimal
	DefaultCommission decimal.Decimal
}

func DefaultRateTable() RateTable {
	return RateTable{
		Rates: map[int]int64{
			1: 50,
			2: 20,
			3: 10,
		},
		Multipliers: map[ProductType]decimal.Decimal{
			ProductFlight:              decimal.RequireFromString("1.0"),
			ProductFlightInternational: decimal.RequireFromString("1.2"),
			ProductHotel:               decimal.RequireFromString("1.5"),
			ProductPackage:             decimal.RequireFromString("2.0"),
			ProductCar:                 decimal.RequireFromString("1.0"),
			ProductActivity:            decimal.RequireFromString("1.0"),
		},
		CommissionRates: map[ProductType]decimal.Decimal{
			ProductFlight:              decimal.RequireFromString("0.03"),
			ProductFlightInternational: decimal.RequireFromString("0.05"),
			ProductHotel:               decimal.RequireFromString("0.10"),
			ProductPackage:             decimal.RequireFromString("0.12"),
			ProductCar:                 decimal.RequireFromString("0.08"),
			ProductActivity:            decimal.RequireFromString("0.15"),
		},
		DefaultCommission: decimal.RequireFromString("0.05"),
	}
}

// Multiplier returns the product multiplier, 1.0 for unknown products.
func (t RateTable) Multiplier(product ProductType) decimal.Decimal {
	if m, ok := t.Multipliers[product]; ok {
		return m
	}
	return decimal.NewFromInt(1)
}

// Grant is the outcome of one level's calculation.
type Grant struct {
	Level             int
	PointsRate        int64
	ProductMultiplier decimal.Decimal
	PointsCalculated  int64 // basePoints, before the multiplier
	PointsAwarded     int64
}

// CalculateGrant computes the grant for one level. ok is false for levels
// outside the rate table; such levels earn nothing.
func (t RateTable) CalculateGrant(amountUSD decimal.Decimal, level int, product ProductType) (Grant, bool) {
	rate, ok := t.Rates[level]
	if !ok {
		return Grant{}, false
	}
	multiplier := t.Multiplier(product)

	base := amountUSD.Div(hundred).Mul(decimal.NewFromInt(rate)).Floor()
	awarded := base.Mul(multiplier).Floor()

	return Grant{
		Level:             level,
		PointsRate:        rate,
		ProductMultiplier: multiplier,
		PointsCalculated:  base.IntPart(),
		PointsAwarded:     awarded.IntPart(),
	}, true
}

// CalculateGrant uses the default rate table.
func CalculateGrant(amountUSD decimal.Decimal, level int, product ProductType) (Grant, bool) {
	return DefaultRateTable().CalculateGrant(amountUSD, level, product)
}

// DefaultCommissionFor estimates the commission on a booking from the
// per-product default rate, rounded to cents.
func (t RateTable) DefaultCommissionFor(bookingAmount decimal.Decimal, product ProductType) decimal.Decimal {
	rate, ok := t.CommissionRates[product]
	if !ok {
		rate = t.DefaultCommission
	}
	return bookingAmount.Mul(rate).Round(2)
}

// =============================================================================
// BASIS
// =============================================================================

// Basis selects which amount earns points.
type Basis string

const (
	BasisBooking    Basis = "booking"
	BasisCommission Basis = "commission"
)

func ParseBasis(s string) (Basis, error) {
	switch Basis(s) {
	case "", BasisBooking:
		return BasisBooking, nil
	case BasisCommission:
		return BasisCommission, nil
	}
	return "", fmt.Errorf("unknown points basis %q", s)
}

// EarningAmount returns the amount points are calculated from.
func (t RateTable) EarningAmount(basis Basis, bookingAmount, commission decimal.Decimal, product ProductType) decimal.Decimal {
	if basis != BasisCommission {
		return bookingAmount
	}
	if commission.IsPositive() {
		return commission
	}
	return t.DefaultCommissionFor(bookingAmount, product)
}

// PointsToUSD converts points to their redemption value.
func PointsToUSD(points int64) decimal.Decimal {
	return decimal.NewFromInt(points).Div(decimal.NewFromInt(PointsPerUSD))
}
