// Package snapshot periodically aggregates market trades into
// per-product price history buckets and sweeps expired listings.
package snapshot

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dealbaron/economy-engine/internal/metrics"
	"github.com/dealbaron/economy-engine/internal/model"
	"github.com/dealbaron/economy-engine/internal/pricing"
	"github.com/dealbaron/economy-engine/internal/store"
)

// bucketWidth is the history resolution fixed by model.SnapshotBucket.
// The tick interval only decides how often closed buckets get flushed.
const bucketWidth = 5 * time.Minute

// DefaultInterval flushes each bucket right as it closes.
const DefaultInterval = bucketWidth

// Recorder writes one PriceSnapshot per product per bucket. Buckets are
// keyed on (product, floored time), so restarts and overlapping runs
// cannot double-record.
type Recorder struct {
	store    store.Store
	engine   *pricing.Engine
	interval time.Duration
	logger   *slog.Logger
}

func NewRecorder(st store.Store, engine *pricing.Engine, interval time.Duration, logger *slog.Logger) *Recorder {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: st, engine: engine, interval: interval, logger: logger}
}

// Run ticks until ctx is cancelled. Each tick sweeps expired listings
// and records the bucket that just closed.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Sweep(ctx, now)
			if err := r.RecordAll(ctx, now); err != nil {
				r.logger.Error("snapshot pass failed", "err", err)
			}
		}
	}
}

// Sweep transitions active listings past their expiry to expired.
func (r *Recorder) Sweep(ctx context.Context, now time.Time) {
	n, err := r.store.ExpireListings(ctx, now.UTC())
	if err != nil {
		r.logger.Error("listing sweep failed", "err", err)
		return
	}
	if n > 0 {
		metrics.ListingsExpired.Add(float64(n))
		r.logger.Info("listings expired", "count", n)
	}
}

// RecordAll records every bucket that closed since the previous tick,
// for every product. With a tick interval wider than the bucket width
// one pass flushes several buckets; the duplicate guard makes any
// overlap with an earlier pass a no-op. Still-open buckets are left for
// a later tick so no partial window is ever frozen into history.
func (r *Recorder) RecordAll(ctx context.Context, now time.Time) error {
	products, err := r.store.ListProducts(ctx)
	if err != nil {
		return err
	}
	first := model.SnapshotBucket(now.Add(-r.interval))
	for bucket := first; !bucket.Add(bucketWidth).After(now); bucket = bucket.Add(bucketWidth) {
		for i := range products {
			if err := r.Record(ctx, &products[i], bucket); err != nil {
				r.logger.Error("snapshot failed", "product_id", products[i].ID, "err", err)
			}
		}
	}
	return nil
}

// Record aggregates one product's market trades inside the bucket and
// persists the snapshot. Buckets with no trades still record the
// current reference price so history has no gaps. Duplicate buckets are
// skipped silently.
func (r *Recorder) Record(ctx context.Context, product *model.Product, bucket time.Time) error {
	from := model.SnapshotBucket(bucket)
	to := from.Add(bucketWidth)

	trades, err := r.store.TradesBetween(ctx, product.ID, model.MarketKinds, from, to)
	if err != nil {
		return err
	}

	ref, err := r.engine.ReferencePrice(ctx, product.ID)
	if err != nil {
		return err
	}
	pressure, err := r.engine.Pressure(ctx, product.ID)
	if err != nil {
		return err
	}

	snap := &model.PriceSnapshot{
		ID:             uuid.NewString(),
		ProductID:      product.ID,
		ReferencePrice: ref,
		MarketPressure: pressure,
		RecordedAt:     from,
	}
	if len(trades) > 0 {
		min, max := trades[0].UnitPrice, trades[0].UnitPrice
		totalValue := decimal.Zero
		var totalQty int64
		for _, t := range trades {
			if t.UnitPrice.LessThan(min) {
				min = t.UnitPrice
			}
			if t.UnitPrice.GreaterThan(max) {
				max = t.UnitPrice
			}
			totalValue = totalValue.Add(t.UnitPrice.Mul(decimal.NewFromInt(t.Quantity)))
			totalQty += t.Quantity
		}
		snap.MinPrice = min
		snap.MaxPrice = max
		snap.AvgPrice = totalValue.Div(decimal.NewFromInt(totalQty))
		snap.TransactionCount = int64(len(trades))
		snap.TotalVolume = totalQty
	} else {
		snap.MinPrice = ref
		snap.MaxPrice = ref
		snap.AvgPrice = ref
	}

	if err := r.store.InsertSnapshot(ctx, snap); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil
		}
		return err
	}

	metrics.SnapshotsRecorded.Inc()
	metrics.ReferencePrice.WithLabelValues(product.ID).Set(ref.InexactFloat64())
	metrics.MarketPressure.WithLabelValues(product.ID).Set(pressure.InexactFloat64())
	return nil
}
