package snapshot_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dealbaron/economy-engine/internal/model"
	"github.com/dealbaron/economy-engine/internal/pricing"
	"github.com/dealbaron/economy-engine/internal/snapshot"
	"github.com/dealbaron/economy-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newRecorder(t *testing.T) (*snapshot.Recorder, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	rec := snapshot.NewRecorder(ms, pricing.NewEngine(ms), snapshot.DefaultInterval, nil)
	return rec, ms
}

func seedProduct(t *testing.T, ms *store.MemoryStore) *model.Product {
	t.Helper()
	product := &model.Product{
		ID:               "widget",
		Name:             "Widget",
		BasePrice:        d(100),
		DemandCoeffA:     d(1000),
		DemandCoeffB:     d(2),
		ElasticityFactor: d(0.5),
		Volume:           d(1),
	}
	if err := ms.CreateProduct(context.Background(), product); err != nil {
		t.Fatalf("failed to seed product: %v", err)
	}
	return product
}

func appendTrade(t *testing.T, ms *store.MemoryStore, price float64, qty int64, at time.Time) {
	t.Helper()
	total := d(price).Mul(decimal.NewFromInt(qty))
	trade := &model.TradeRecord{
		ID:        "trade-" + at.Format(time.RFC3339Nano),
		ProductID: "widget",
		Quantity:  qty,
		UnitPrice: d(price),
		Total:     total,
		Net:       total,
		Kind:      model.KindMarketBuy,
		Timestamp: at,
	}
	if err := ms.AppendTrade(context.Background(), trade); err != nil {
		t.Fatalf("failed to append trade: %v", err)
	}
}

func TestRecord_AggregatesBucket(t *testing.T) {
	rec, ms := newRecorder(t)
	product := seedProduct(t, ms)
	ctx := context.Background()

	bucket := model.SnapshotBucket(time.Now().UTC().Add(-10 * time.Minute))
	appendTrade(t, ms, 80, 10, bucket.Add(30*time.Second))
	appendTrade(t, ms, 90, 30, bucket.Add(2*time.Minute))
	appendTrade(t, ms, 100, 5, bucket.Add(10*time.Minute)) // outside the bucket

	if err := rec.Record(ctx, product, bucket); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	snaps, err := ms.Snapshots(ctx, "widget", bucket.Add(-time.Minute))
	if err != nil {
		t.Fatalf("Snapshots failed: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(snaps))
	}
	snap := snaps[0]
	if !snap.MinPrice.Equal(d(80)) || !snap.MaxPrice.Equal(d(90)) {
		t.Errorf("min/max = %s/%s, want 80/90", snap.MinPrice, snap.MaxPrice)
	}
	// (80×10 + 90×30) / 40 = 87.5
	if !snap.AvgPrice.Equal(d(87.5)) {
		t.Errorf("avg = %s, want 87.5", snap.AvgPrice)
	}
	if snap.TransactionCount != 2 || snap.TotalVolume != 40 {
		t.Errorf("count/volume = %d/%d, want 2/40", snap.TransactionCount, snap.TotalVolume)
	}
	if !snap.RecordedAt.Equal(bucket) {
		t.Errorf("recorded at %v, want bucket %v", snap.RecordedAt, bucket)
	}
}

func TestRecord_EmptyBucketCarriesReference(t *testing.T) {
	rec, ms := newRecorder(t)
	product := seedProduct(t, ms)
	ctx := context.Background()

	bucket := model.SnapshotBucket(time.Now().UTC().Add(-10 * time.Minute))
	if err := rec.Record(ctx, product, bucket); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	snaps, err := ms.Snapshots(ctx, "widget", bucket.Add(-time.Minute))
	if err != nil {
		t.Fatalf("Snapshots failed: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(snaps))
	}
	// No trades: reference falls back to base price and fills the bucket.
	if !snaps[0].AvgPrice.Equal(d(100)) || snaps[0].TransactionCount != 0 {
		t.Errorf("avg/count = %s/%d, want 100/0", snaps[0].AvgPrice, snaps[0].TransactionCount)
	}
}

func TestRecord_DuplicateBucketIsIdempotent(t *testing.T) {
	rec, ms := newRecorder(t)
	product := seedProduct(t, ms)
	ctx := context.Background()

	bucket := model.SnapshotBucket(time.Now().UTC().Add(-10 * time.Minute))
	if err := rec.Record(ctx, product, bucket); err != nil {
		t.Fatalf("first Record failed: %v", err)
	}
	if err := rec.Record(ctx, product, bucket); err != nil {
		t.Fatalf("second Record failed: %v", err)
	}

	snaps, _ := ms.Snapshots(ctx, "widget", bucket.Add(-time.Minute))
	if len(snaps) != 1 {
		t.Fatalf("snapshots = %d, want 1 after duplicate record", len(snaps))
	}
}

func TestRecordAll_WideIntervalFlushesEverySubBucket(t *testing.T) {
	ms := store.NewMemoryStore()
	rec := snapshot.NewRecorder(ms, pricing.NewEngine(ms), 10*time.Minute, nil)
	seedProduct(t, ms)
	ctx := context.Background()

	// Tick covers two closed buckets; the trade lands in the second.
	tick := time.Date(2026, 1, 2, 12, 10, 0, 0, time.UTC)
	appendTrade(t, ms, 90, 10, tick.Add(-4*time.Minute))

	if err := rec.RecordAll(ctx, tick); err != nil {
		t.Fatalf("RecordAll failed: %v", err)
	}

	snaps, err := ms.Snapshots(ctx, "widget", tick.Add(-11*time.Minute))
	if err != nil {
		t.Fatalf("Snapshots failed: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("snapshots = %d, want one per closed bucket", len(snaps))
	}
	var volume int64
	for _, snap := range snaps {
		volume += snap.TotalVolume
	}
	if volume != 10 {
		t.Errorf("recorded volume = %d, want the 12:06 trade captured", volume)
	}
}

func TestRecordAll_FastIntervalWaitsForBucketClose(t *testing.T) {
	ms := store.NewMemoryStore()
	rec := snapshot.NewRecorder(ms, pricing.NewEngine(ms), time.Minute, nil)
	seedProduct(t, ms)
	ctx := context.Background()

	bucket := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	appendTrade(t, ms, 90, 10, bucket.Add(4*time.Minute))

	// Mid-bucket ticks must not freeze a partial window into history.
	if err := rec.RecordAll(ctx, bucket.Add(3*time.Minute)); err != nil {
		t.Fatalf("RecordAll failed: %v", err)
	}
	snaps, err := ms.Snapshots(ctx, "widget", bucket.Add(-time.Minute))
	if err != nil {
		t.Fatalf("Snapshots failed: %v", err)
	}
	if len(snaps) != 0 {
		t.Fatalf("snapshots = %d, want none before the bucket closes", len(snaps))
	}

	if err := rec.RecordAll(ctx, bucket.Add(5*time.Minute+30*time.Second)); err != nil {
		t.Fatalf("RecordAll failed: %v", err)
	}
	snaps, _ = ms.Snapshots(ctx, "widget", bucket.Add(-time.Minute))
	if len(snaps) != 1 {
		t.Fatalf("snapshots = %d, want 1 after close", len(snaps))
	}
	if snaps[0].TotalVolume != 10 {
		t.Errorf("volume = %d, want the full bucket aggregated", snaps[0].TotalVolume)
	}
}

func TestSweep_ExpiresListings(t *testing.T) {
	rec, ms := newRecorder(t)
	seedProduct(t, ms)
	ctx := context.Background()
	now := time.Now().UTC()

	listing := &model.Listing{
		ID:        "stale",
		SellerID:  "seller",
		ProductID: "widget",
		Quantity:  10,
		UnitPrice: d(85),
		Status:    model.ListingActive,
		CreatedAt: now.Add(-8 * 24 * time.Hour),
		ExpiresAt: now.Add(-24 * time.Hour),
	}
	if err := ms.CreateListing(ctx, listing); err != nil {
		t.Fatalf("CreateListing failed: %v", err)
	}

	rec.Sweep(ctx, now)

	got, err := ms.GetListing(ctx, "stale")
	if err != nil {
		t.Fatalf("GetListing failed: %v", err)
	}
	if got.Status != model.ListingExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}

	supply, err := ms.ActiveListedQuantity(ctx, "widget")
	if err != nil {
		t.Fatalf("ActiveListedQuantity failed: %v", err)
	}
	if supply != 0 {
		t.Errorf("active supply = %d, want 0 after sweep", supply)
	}
}
