// Package pricing derives the DealBaron reference price from the trade
// ledger and exposes the market analytics built on top of it.
//
// The reference price is the quantity-weighted average over the trailing
// window of market trades; with no history it falls back to the
// product's base price. Reads are lock-free: a trade settles against the
// price computed at validation time, and a few records of staleness is
// acceptable.
package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dealbaron/economy-engine/internal/econ"
	"github.com/dealbaron/economy-engine/internal/model"
	"github.com/dealbaron/economy-engine/internal/store"
)

// ReferenceWindow is the number of trailing market trades that feed the
// reference-price average.
const ReferenceWindow = 100

// Engine computes reference prices and market statistics over a ledger.
type Engine struct {
	store store.Store
}

// NewEngine creates a price engine over the given store.
func NewEngine(st store.Store) *Engine {
	return &Engine{store: st}
}

// ReferencePrice returns the DealBaron price for a product: the
// quantity-weighted average unit price of the last ReferenceWindow
// market trades, or the catalog base price when no history exists.
func (e *Engine) ReferencePrice(ctx context.Context, productID string) (decimal.Decimal, error) {
	records, err := e.store.RecentTrades(ctx, productID, model.MarketKinds, ReferenceWindow)
	if err != nil {
		return decimal.Zero, fmt.Errorf("load trade window: %w", err)
	}

	if avg, ok := econ.WeightedAverage(records); ok {
		return avg, nil
	}

	product, err := e.store.GetProduct(ctx, productID)
	if err != nil {
		return decimal.Zero, err
	}
	return product.BasePrice, nil
}

// Quote is a reference price with its player listing band.
type Quote struct {
	ProductID      string          `json:"product_id"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
	BasePrice      decimal.Decimal `json:"base_price"`
	Band           econ.PriceBand  `json:"player_price_band"`
}

// Quote returns the reference price and the listing band derived from it.
func (e *Engine) Quote(ctx context.Context, productID string) (*Quote, error) {
	product, err := e.store.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}

	ref, err := e.ReferencePrice(ctx, productID)
	if err != nil {
		return nil, err
	}

	band, err := econ.Band(ref)
	if err != nil {
		return nil, err
	}

	return &Quote{
		ProductID:      productID,
		ReferencePrice: ref,
		BasePrice:      product.BasePrice,
		Band:           band,
	}, nil
}

// Pressure computes the current market pressure for a product: supply is
// the visible market supply (active listing units), demand is the demand
// curve evaluated at the reference price.
func (e *Engine) Pressure(ctx context.Context, productID string) (decimal.Decimal, error) {
	product, err := e.store.GetProduct(ctx, productID)
	if err != nil {
		return decimal.Zero, err
	}

	supply, err := e.store.ActiveListedQuantity(ctx, productID)
	if err != nil {
		return decimal.Zero, err
	}

	ref, err := e.ReferencePrice(ctx, productID)
	if err != nil {
		return decimal.Zero, err
	}

	demand, err := econ.Demand(product, ref)
	if err != nil {
		return decimal.Zero, err
	}

	return econ.Pressure(decimal.NewFromInt(supply), demand)
}

// MarketStats is the analytics bundle for one product.
type MarketStats struct {
	ProductID      string          `json:"product_id"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
	Supply         int64           `json:"supply"`
	Demand         decimal.Decimal `json:"demand"`
	Pressure       decimal.Decimal `json:"pressure"`
	Condition      string          `json:"condition"`
	Trend          string          `json:"trend"`
	HealthScore    decimal.Decimal `json:"health_score"`
	SalesVelocity  decimal.Decimal `json:"sales_velocity"`
	StockoutDays   decimal.Decimal `json:"stockout_days"`
	StockoutFinite bool            `json:"stockout_finite"`
	Sold24h        int64           `json:"sold_24h"`
}

// MarketStats assembles pressure, condition, trend, health, velocity and
// stockout estimates for a product from live ledger and listing data.
func (e *Engine) MarketStats(ctx context.Context, productID string) (*MarketStats, error) {
	product, err := e.store.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}

	supply, err := e.store.ActiveListedQuantity(ctx, productID)
	if err != nil {
		return nil, err
	}

	ref, err := e.ReferencePrice(ctx, productID)
	if err != nil {
		return nil, err
	}

	demand, err := econ.Demand(product, ref)
	if err != nil {
		return nil, err
	}

	supplyDec := decimal.NewFromInt(supply)
	pressure, err := econ.Pressure(supplyDec, demand)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sold, err := e.store.TradesBetween(ctx, productID, model.MarketKinds, now.Add(-24*time.Hour), now)
	if err != nil {
		return nil, err
	}
	var sold24h int64
	for _, t := range sold {
		sold24h += t.Quantity
	}

	velocity, err := econ.SalesVelocity(decimal.NewFromInt(sold24h), supplyDec)
	if err != nil {
		return nil, err
	}

	days, finite, err := econ.StockoutDays(supplyDec, decimal.NewFromInt(sold24h))
	if err != nil {
		return nil, err
	}

	return &MarketStats{
		ProductID:      productID,
		ReferencePrice: ref,
		Supply:         supply,
		Demand:         demand,
		Pressure:       pressure,
		Condition:      econ.Condition(pressure),
		Trend:          econ.Trend(pressure),
		HealthScore:    econ.HealthScore(pressure),
		SalesVelocity:  velocity,
		StockoutDays:   days,
		StockoutFinite: finite,
		Sold24h:        sold24h,
	}, nil
}
