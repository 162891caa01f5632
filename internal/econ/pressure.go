package econ

import "github.com/shopspring/decimal"

// Market pressure bounds. Positive pressure = oversupply (prices should
// fall), negative = excess demand (prices should rise).
var (
	MinPressure = decimal.NewFromFloat(-1.0)
	MaxPressure = decimal.NewFromFloat(2.0)
)

// Healthy pressure band for the health score.
var (
	healthyMin = decimal.NewFromFloat(-0.3)
	healthyMax = decimal.NewFromFloat(0.5)
)

// Market condition and price trend labels.
const (
	ConditionOversupply = "oversupply"
	ConditionBalanced   = "balanced"
	ConditionHighDemand = "high_demand"

	TrendRising  = "rising"
	TrendFalling = "falling"
	TrendStable  = "stable"
)

// Pressure computes the supply/demand imbalance signal
// (supply − avgDemand) / avgDemand, clamped to [MinPressure, MaxPressure].
//
// Zero demand with stock on the market is treated as maximum oversupply.
func Pressure(supply, avgDemand decimal.Decimal) (decimal.Decimal, error) {
	if supply.IsNegative() || avgDemand.IsNegative() {
		return decimal.Zero, ErrNegativeInput
	}

	if avgDemand.IsZero() {
		if supply.IsPositive() {
			return MaxPressure, nil
		}
		return decimal.Zero, nil
	}

	return ClampPressure(supply.Sub(avgDemand).Div(avgDemand)), nil
}

// ClampPressure bounds a raw pressure value to [MinPressure, MaxPressure].
func ClampPressure(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(MinPressure) {
		return MinPressure
	}
	if p.GreaterThan(MaxPressure) {
		return MaxPressure
	}
	return p
}

// Condition classifies pressure into a market condition. The 0.5 and
// −0.3 boundaries are inclusive on the balanced side.
func Condition(pressure decimal.Decimal) string {
	switch {
	case pressure.GreaterThan(healthyMax):
		return ConditionOversupply
	case pressure.LessThan(healthyMin):
		return ConditionHighDemand
	default:
		return ConditionBalanced
	}
}

// Trend maps pressure to the expected price direction: oversupply pushes
// prices down, excess demand pushes them up.
func Trend(pressure decimal.Decimal) string {
	switch Condition(pressure) {
	case ConditionOversupply:
		return TrendFalling
	case ConditionHighDemand:
		return TrendRising
	default:
		return TrendStable
	}
}

// HealthScore maps pressure to a [0,100] market health score.
//
// Inside the healthy band [-0.3, 0.5] the score ranges 80–100 with a
// triangular peak at the band midpoint. Outside it the score decays
// linearly at 40 points per unit of pressure beyond the nearest band
// edge, floored at 0.
func HealthScore(pressure decimal.Decimal) decimal.Decimal {
	hundred := decimal.NewFromInt(100)
	eighty := decimal.NewFromInt(80)
	twenty := decimal.NewFromInt(20)
	forty := decimal.NewFromInt(40)
	half := decimal.NewFromFloat(0.5)

	if pressure.GreaterThanOrEqual(healthyMin) && pressure.LessThanOrEqual(healthyMax) {
		width := healthyMax.Sub(healthyMin)
		normalized := pressure.Sub(healthyMin).Div(width)
		// 1 at the midpoint, 0 at either edge.
		peak := decimal.NewFromInt(1).Sub(normalized.Sub(half).Abs().Mul(two))
		score := eighty.Add(twenty.Mul(peak))
		if score.GreaterThan(hundred) {
			return hundred
		}
		return score
	}

	var deviation decimal.Decimal
	if pressure.GreaterThan(healthyMax) {
		deviation = pressure.Sub(healthyMax)
	} else {
		deviation = healthyMin.Sub(pressure)
	}

	score := eighty.Sub(deviation.Mul(forty))
	if score.IsNegative() {
		return decimal.Zero
	}
	return score
}

// SalesVelocity returns the daily turnover rate sold24h/totalSupply,
// zero when there is no supply.
func SalesVelocity(sold24h, totalSupply decimal.Decimal) (decimal.Decimal, error) {
	if sold24h.IsNegative() || totalSupply.IsNegative() {
		return decimal.Zero, ErrNegativeInput
	}
	if totalSupply.IsZero() {
		return decimal.Zero, nil
	}
	return sold24h.Div(totalSupply), nil
}

// StockoutDays estimates days until the stock runs out at the current
// daily sales rate. The second return is false when dailySales is zero:
// with no sales the stock never depletes.
func StockoutDays(stock, dailySales decimal.Decimal) (decimal.Decimal, bool, error) {
	if stock.IsNegative() || dailySales.IsNegative() {
		return decimal.Zero, false, ErrNegativeInput
	}
	if dailySales.IsZero() {
		return decimal.Zero, false, nil
	}
	return stock.Div(dailySales), true, nil
}
