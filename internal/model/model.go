// Package model defines the core domain types shared across the economy
// engine. All monetary and volume values use shopspring/decimal — never
// float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeKind classifies a trade record.
type TradeKind string

const (
	KindMarketBuy     TradeKind = "market_buy"
	KindMarketSell    TradeKind = "market_sell"
	KindDealBaronBuy  TradeKind = "dealbaron_buy"
	KindDealBaronSell TradeKind = "dealbaron_sell"
	KindProduction    TradeKind = "production"
)

// MarketKinds are the trade kinds that feed the reference-price average.
// Production records carry the production cost, not a market price, and
// are excluded.
var MarketKinds = []TradeKind{KindMarketBuy, KindMarketSell}

// Listing statuses. Sold, cancelled and expired are terminal.
const (
	ListingActive    = "active"
	ListingSold      = "sold"
	ListingCancelled = "cancelled"
	ListingExpired   = "expired"
)

// Production job statuses.
const (
	JobInProgress = "in_progress"
	JobCompleted  = "completed"
	JobCollected  = "collected"
	JobCancelled  = "cancelled"
)

// Product is an immutable catalog entry. Created by admin tooling;
// read-only to the engine.
type Product struct {
	ID               string          `json:"id" db:"id"`
	Name             string          `json:"name" db:"name"`
	BasePrice        decimal.Decimal `json:"base_price" db:"base_price"`
	DemandCoeffA     decimal.Decimal `json:"demand_coeff_a" db:"demand_coeff_a"`
	DemandCoeffB     decimal.Decimal `json:"demand_coeff_b" db:"demand_coeff_b"`
	ElasticityFactor decimal.Decimal `json:"elasticity_factor" db:"elasticity_factor"`
	Volume           decimal.Decimal `json:"volume" db:"volume"` // warehouse units per item
	ProductionTime   int64           `json:"production_time" db:"production_time"` // seconds per unit; 0 = not producible
	ProductionCost   decimal.Decimal `json:"production_cost" db:"production_cost"`
}

// Producible reports whether the product can be manufactured.
// Production time and cost are set together or not at all.
func (p *Product) Producible() bool {
	return p.ProductionTime > 0 && p.ProductionCost.IsPositive()
}

// TradeRecord is an immutable fact: one settled trade. Once written these
// are never modified or deleted. BuyerID/SellerID are nil on the
// DealBaron side of NPC trades.
type TradeRecord struct {
	ID        string          `json:"id" db:"id"`
	BuyerID   *string         `json:"buyer_id" db:"buyer_id"`
	SellerID  *string         `json:"seller_id" db:"seller_id"`
	ProductID string          `json:"product_id" db:"product_id"`
	ListingID *string         `json:"listing_id" db:"listing_id"`
	Quantity  int64           `json:"quantity" db:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price" db:"unit_price"`
	Total     decimal.Decimal `json:"total" db:"total"` // quantity × unitPrice, before fees
	Fee       decimal.Decimal `json:"fee" db:"fee"`     // 5% on market trades, 0 for NPC
	Net       decimal.Decimal `json:"net" db:"net"`     // total − fee
	Kind      TradeKind       `json:"kind" db:"kind"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Listing is a mutable player sell offer. UnitPrice was validated against
// the reference-price band at creation time and is not re-checked after.
type Listing struct {
	ID        string          `json:"id" db:"id"`
	SellerID  string          `json:"seller_id" db:"seller_id"`
	ProductID string          `json:"product_id" db:"product_id"`
	Quantity  int64           `json:"quantity" db:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price" db:"unit_price"`
	Status    string          `json:"status" db:"status"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	ExpiresAt time.Time       `json:"expires_at" db:"expires_at"`
}

// Sellable reports whether the listing can still be bought from.
func (l *Listing) Sellable(now time.Time) bool {
	return l.Status == ListingActive && now.Before(l.ExpiresAt)
}

// PlayerAccount holds a player's balance and cumulative trade stats.
// Balance never goes negative; the settlement layer enforces it.
type PlayerAccount struct {
	ID                string          `json:"id" db:"id"`
	Username          string          `json:"username" db:"username"`
	Balance           decimal.Decimal `json:"balance" db:"balance"`
	TotalTransactions int64           `json:"total_transactions" db:"total_transactions"`
	TotalRevenue      decimal.Decimal `json:"total_revenue" db:"total_revenue"`
}

// Business is a player-owned site with bounded warehouse capacity.
type Business struct {
	ID                string          `json:"id" db:"id"`
	PlayerID          string          `json:"player_id" db:"player_id"`
	Name              string          `json:"name" db:"name"`
	WarehouseCapacity decimal.Decimal `json:"warehouse_capacity" db:"warehouse_capacity"`
}

// Inventory is the per-(business, product) quantity counter, ≥ 0.
// One row per pair.
type Inventory struct {
	BusinessID string `json:"business_id" db:"business_id"`
	ProductID  string `json:"product_id" db:"product_id"`
	Quantity   int64  `json:"quantity" db:"quantity"`
}

// ProductionJob is one manufacturing run. Completion is derived from
// elapsed wall time; there is no scheduler.
type ProductionJob struct {
	ID         string          `json:"id" db:"id"`
	BusinessID string          `json:"business_id" db:"business_id"`
	ProductID  string          `json:"product_id" db:"product_id"`
	Quantity   int64           `json:"quantity" db:"quantity"`
	Cost       decimal.Decimal `json:"cost" db:"cost"` // productionCost × quantity, paid up front
	Duration   time.Duration   `json:"duration" db:"duration"`
	Status     string          `json:"status" db:"status"`
	StartedAt  time.Time       `json:"started_at" db:"started_at"`
}

// Done reports whether the job's production time has elapsed.
func (j *ProductionJob) Done(now time.Time) bool {
	return !now.Before(j.StartedAt.Add(j.Duration))
}

// Progress returns completion in [0,1] at the given instant.
func (j *ProductionJob) Progress(now time.Time) float64 {
	if j.Duration <= 0 {
		return 1
	}
	p := float64(now.Sub(j.StartedAt)) / float64(j.Duration)
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// PriceSnapshot is an immutable periodic aggregate per product.
// RecordedAt is floored to a 5-minute bucket; one row per
// (product, bucket).
type PriceSnapshot struct {
	ID               string          `json:"id" db:"id"`
	ProductID        string          `json:"product_id" db:"product_id"`
	AvgPrice         decimal.Decimal `json:"avg_price" db:"avg_price"`
	MinPrice         decimal.Decimal `json:"min_price" db:"min_price"`
	MaxPrice         decimal.Decimal `json:"max_price" db:"max_price"`
	ReferencePrice   decimal.Decimal `json:"reference_price" db:"reference_price"`
	TransactionCount int64           `json:"transaction_count" db:"transaction_count"`
	TotalVolume      int64           `json:"total_volume" db:"total_volume"`
	MarketPressure   decimal.Decimal `json:"market_pressure" db:"market_pressure"`
	RecordedAt       time.Time       `json:"recorded_at" db:"recorded_at"`
}

// SnapshotBucket floors t to the 5-minute snapshot bucket.
func SnapshotBucket(t time.Time) time.Time {
	return t.UTC().Truncate(5 * time.Minute)
}
