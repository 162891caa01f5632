// Package econ implements the pure pricing mathematics of the game
// economy: the linear demand curve, market pressure, and the price
// formulas that combine them.
//
// Every function here is stateless and side-effect free. All monetary
// values use shopspring/decimal — never float64 for money. Unbounded
// results (elasticity at zero demand, stockout with zero sales) are
// reported through a comma-ok second return rather than an error,
// because they are defined outcomes, not failures.
package econ

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/dealbaron/economy-engine/internal/model"
)

var (
	// ErrNegativeInput is returned when a price or quantity argument
	// is negative.
	ErrNegativeInput = errors.New("econ: input must be non-negative")

	// ErrInvalidCoefficients is returned when a product's demand
	// coefficients are malformed (a < 0 or b < 0).
	ErrInvalidCoefficients = errors.New("econ: demand coefficients invalid")

	// ErrZeroPriceSensitivity is returned when demandCoeffB = 0 makes
	// the optimal price undefined. This is a catalog data-integrity
	// violation, caught here rather than as a runtime division panic.
	ErrZeroPriceSensitivity = errors.New("econ: demand coefficient b must be positive")
)

var two = decimal.NewFromInt(2)

// Demand evaluates the linear demand curve Q = a − bP, floored at zero.
func Demand(p *model.Product, price decimal.Decimal) (decimal.Decimal, error) {
	if price.IsNegative() {
		return decimal.Zero, ErrNegativeInput
	}
	if p.DemandCoeffA.IsNegative() || p.DemandCoeffB.IsNegative() {
		return decimal.Zero, ErrInvalidCoefficients
	}

	q := p.DemandCoeffA.Sub(p.DemandCoeffB.Mul(price))
	if q.IsNegative() {
		return decimal.Zero, nil
	}
	return q, nil
}

// OptimalPrice returns the revenue-maximizing price a/(2b).
//
//	R(P) = P·Q = aP − bP², dR/dP = 0 at P = a/(2b)
func OptimalPrice(p *model.Product) (decimal.Decimal, error) {
	if p.DemandCoeffA.IsNegative() || p.DemandCoeffB.IsNegative() {
		return decimal.Zero, ErrInvalidCoefficients
	}
	if p.DemandCoeffB.IsZero() {
		return decimal.Zero, ErrZeroPriceSensitivity
	}
	return p.DemandCoeffA.Div(p.DemandCoeffB.Mul(two)), nil
}

// Elasticity returns the point price elasticity |−bP / Q|.
//
// The second return is false when demand at the given price is zero,
// meaning the price sits at or beyond the curve's zero-crossing and
// elasticity is unbounded.
func Elasticity(p *model.Product, price decimal.Decimal) (decimal.Decimal, bool, error) {
	q, err := Demand(p, price)
	if err != nil {
		return decimal.Zero, false, err
	}
	if q.IsZero() {
		return decimal.Zero, false, nil
	}
	e := p.DemandCoeffB.Neg().Mul(price).Div(q).Abs()
	return e, true, nil
}
