package econ

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/dealbaron/economy-engine/internal/model"
)

var (
	// ErrInvalidBasePrice is returned when a base price is not positive.
	ErrInvalidBasePrice = errors.New("econ: base price must be positive")

	// ErrInvalidMarkup is returned when markup is outside [-0.5, 5.0].
	ErrInvalidMarkup = errors.New("econ: markup must be between -50% and 500%")

	// ErrInvalidElasticityFactor is returned when the elasticity factor
	// is outside [0.01, 2.0].
	ErrInvalidElasticityFactor = errors.New("econ: elasticity factor must be between 0.01 and 2.0")

	// ErrInvalidReferencePrice is returned when a listing band is
	// requested for a non-positive reference price. Unlike the pressure
	// clamp in FinalPrice this is a hard failure: the band gates real
	// money movement.
	ErrInvalidReferencePrice = errors.New("econ: reference price must be positive")
)

// PriceFloor is the lowest price FinalPrice can produce. Prevents
// degenerate free goods under extreme negative pressure and markup.
var PriceFloor = decimal.NewFromFloat(0.01)

// MarketFeeRate is the fee taken from the seller on player-to-player
// market trades. DealBaron trades carry no fee.
var MarketFeeRate = decimal.NewFromFloat(0.05)

// Markup bounds.
var (
	minMarkup = decimal.NewFromFloat(-0.5)
	maxMarkup = decimal.NewFromFloat(5.0)
)

// Elasticity factor bounds.
var (
	minElasticityFactor = decimal.NewFromFloat(0.01)
	maxElasticityFactor = decimal.NewFromFloat(2.0)
)

// ValidateElasticityFactor checks the [0.01, 2.0] range at product
// registration time so FinalPrice never sees an invalid factor.
func ValidateElasticityFactor(ef decimal.Decimal) error {
	if ef.LessThan(minElasticityFactor) || ef.GreaterThan(maxElasticityFactor) {
		return ErrInvalidElasticityFactor
	}
	return nil
}

// Band price multipliers: player listing prices must fall inside
// [80%, 90%] of the reference price.
var (
	BandLow  = decimal.NewFromFloat(0.80)
	BandHigh = decimal.NewFromFloat(0.90)
)

// PriceBand is the [min, max] window for player listing prices.
type PriceBand struct {
	Min decimal.Decimal `json:"min"`
	Max decimal.Decimal `json:"max"`
}

// Contains reports whether price lies inside the band, inclusive.
func (b PriceBand) Contains(price decimal.Decimal) bool {
	return price.GreaterThanOrEqual(b.Min) && price.LessThanOrEqual(b.Max)
}

// Band derives the player listing price band from a reference price.
func Band(referencePrice decimal.Decimal) (PriceBand, error) {
	if referencePrice.LessThanOrEqual(decimal.Zero) {
		return PriceBand{}, ErrInvalidReferencePrice
	}
	return PriceBand{
		Min: referencePrice.Mul(BandLow),
		Max: referencePrice.Mul(BandHigh),
	}, nil
}

// FinalPrice computes the bounded sale price
//
//	basePrice · (1 + markup) · (1 + elasticityFactor · pressure)
//
// floored at PriceFloor. Base price, markup and elasticity factor are
// validated hard; out-of-range pressure is clamped silently — this path
// serves price previews, not money movement.
func FinalPrice(basePrice, markup, elasticityFactor, pressure decimal.Decimal) (decimal.Decimal, error) {
	if basePrice.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidBasePrice
	}
	if markup.LessThan(minMarkup) || markup.GreaterThan(maxMarkup) {
		return decimal.Zero, ErrInvalidMarkup
	}
	if elasticityFactor.LessThan(minElasticityFactor) || elasticityFactor.GreaterThan(maxElasticityFactor) {
		return decimal.Zero, ErrInvalidElasticityFactor
	}

	pressure = ClampPressure(pressure)

	one := decimal.NewFromInt(1)
	withMarkup := basePrice.Mul(one.Add(markup))
	pressureFactor := one.Add(elasticityFactor.Mul(pressure))
	price := withMarkup.Mul(pressureFactor)

	if price.LessThan(PriceFloor) {
		return PriceFloor, nil
	}
	return price, nil
}

// WeightedAverage returns the quantity-weighted average unit price over
// a sequence of trades. The second return is false when the sequence is
// empty or carries no quantity — callers must distinguish "no trades"
// from a zero price.
func WeightedAverage(records []model.TradeRecord) (decimal.Decimal, bool) {
	totalValue := decimal.Zero
	var totalQty int64

	for _, r := range records {
		qty := decimal.NewFromInt(r.Quantity)
		totalValue = totalValue.Add(r.UnitPrice.Mul(qty))
		totalQty += r.Quantity
	}

	if totalQty <= 0 {
		return decimal.Zero, false
	}
	return totalValue.Div(decimal.NewFromInt(totalQty)), true
}

// Revenue returns price × quantity.
func Revenue(price decimal.Decimal, quantity int64) (decimal.Decimal, error) {
	if price.IsNegative() || quantity < 0 {
		return decimal.Zero, ErrNegativeInput
	}
	return price.Mul(decimal.NewFromInt(quantity)), nil
}

// ProfitMargin returns (sellingPrice − cost) / cost as a percentage.
// The second return is false when cost is zero (margin is unbounded).
func ProfitMargin(sellingPrice, cost decimal.Decimal) (decimal.Decimal, bool) {
	if cost.IsZero() {
		return decimal.Zero, false
	}
	hundred := decimal.NewFromInt(100)
	return sellingPrice.Sub(cost).Div(cost).Mul(hundred), true
}
