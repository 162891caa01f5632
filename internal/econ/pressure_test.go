package econ

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestPressure_BalancedBoundary(t *testing.T) {
	// supply=150, avgDemand=100 → (150−100)/100 = 0.5, inclusive boundary.
	p, err := Pressure(d(150), d(100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Equal(d(0.5)) {
		t.Fatalf("expected pressure 0.5, got %s", p)
	}
	if got := Condition(p); got != ConditionBalanced {
		t.Errorf("expected balanced at 0.5, got %s", got)
	}
	if got := Trend(p); got != TrendStable {
		t.Errorf("expected stable trend at 0.5, got %s", got)
	}
}

func TestPressure_Clamped(t *testing.T) {
	tests := []struct {
		name      string
		supply    float64
		avgDemand float64
		want      float64
	}{
		{"extreme oversupply clamps high", 10000, 100, 2.0},
		{"zero supply clamps low", 0, 100, -1.0},
		{"mild shortage", 70, 100, -0.3},
		{"zero demand with stock", 50, 0, 2.0},
		{"zero demand no stock", 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Pressure(d(tt.supply), d(tt.avgDemand))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !p.Equal(d(tt.want)) {
				t.Errorf("expected %v, got %s", tt.want, p)
			}
		})
	}
}

func TestPressure_NegativeInputs(t *testing.T) {
	if _, err := Pressure(d(-1), d(100)); err != ErrNegativeInput {
		t.Errorf("expected ErrNegativeInput for negative supply, got %v", err)
	}
	if _, err := Pressure(d(100), d(-1)); err != ErrNegativeInput {
		t.Errorf("expected ErrNegativeInput for negative demand, got %v", err)
	}
}

func TestCondition_Thresholds(t *testing.T) {
	tests := []struct {
		pressure  float64
		condition string
		trend     string
	}{
		{0.51, ConditionOversupply, TrendFalling},
		{2.0, ConditionOversupply, TrendFalling},
		{0.5, ConditionBalanced, TrendStable},
		{0, ConditionBalanced, TrendStable},
		{-0.3, ConditionBalanced, TrendStable},
		{-0.31, ConditionHighDemand, TrendRising},
		{-1.0, ConditionHighDemand, TrendRising},
	}
	for _, tt := range tests {
		if got := Condition(d(tt.pressure)); got != tt.condition {
			t.Errorf("Condition(%v) = %s, want %s", tt.pressure, got, tt.condition)
		}
		if got := Trend(d(tt.pressure)); got != tt.trend {
			t.Errorf("Trend(%v) = %s, want %s", tt.pressure, got, tt.trend)
		}
	}
}

func TestHealthScore_BoundedAndPeaked(t *testing.T) {
	zero := decimal.Zero
	hundred := decimal.NewFromInt(100)

	for _, pressure := range []float64{-1.0, -0.5, -0.3, -0.1, 0, 0.1, 0.3, 0.5, 0.8, 1.5, 2.0} {
		score := HealthScore(d(pressure))
		if score.LessThan(zero) || score.GreaterThan(hundred) {
			t.Errorf("HealthScore(%v) = %s out of [0,100]", pressure, score)
		}
	}

	// Balance beats extremes.
	if HealthScore(d(0)).LessThan(HealthScore(d(1.5))) {
		t.Error("expected higher score at equilibrium than under heavy oversupply")
	}
	// Triangular peak at the band midpoint 0.1.
	peak := HealthScore(d(0.1))
	if !peak.Equal(hundred) {
		t.Errorf("expected score 100 at band midpoint, got %s", peak)
	}
}

func TestHealthScore_HealthyBandFloor(t *testing.T) {
	// Band edges score exactly 80.
	for _, edge := range []float64{-0.3, 0.5} {
		if got := HealthScore(d(edge)); !got.Equal(decimal.NewFromInt(80)) {
			t.Errorf("HealthScore(%v) = %s, want 80", edge, got)
		}
	}
}

func TestHealthScore_LinearDecayOutside(t *testing.T) {
	// One unit beyond the upper edge: 80 − 40 = 40.
	if got := HealthScore(d(1.5)); !got.Equal(decimal.NewFromInt(40)) {
		t.Errorf("HealthScore(1.5) = %s, want 40", got)
	}
	// Half a unit below the lower edge: 80 − 20 = 60.
	if got := HealthScore(d(-0.8)); !got.Equal(decimal.NewFromInt(60)) {
		t.Errorf("HealthScore(-0.8) = %s, want 60", got)
	}
}

func TestSalesVelocity(t *testing.T) {
	v, err := SalesVelocity(d(30), d(120))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.Equal(d(0.25)) {
		t.Errorf("expected velocity 0.25, got %s", v)
	}

	v, err = SalesVelocity(d(30), decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.IsZero() {
		t.Errorf("expected zero velocity with no supply, got %s", v)
	}

	if _, err := SalesVelocity(d(-1), d(10)); err != ErrNegativeInput {
		t.Errorf("expected ErrNegativeInput, got %v", err)
	}
}

func TestStockoutDays(t *testing.T) {
	days, finite, err := StockoutDays(d(100), d(20))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !finite || !days.Equal(d(5)) {
		t.Errorf("expected 5 finite days, got %s finite=%v", days, finite)
	}

	_, finite, err = StockoutDays(d(100), decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if finite {
		t.Error("expected unbounded stockout horizon with zero sales")
	}

	if _, _, err := StockoutDays(d(-1), d(1)); err != ErrNegativeInput {
		t.Errorf("expected ErrNegativeInput, got %v", err)
	}
}
