package settle_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dealbaron/economy-engine/internal/model"
	"github.com/dealbaron/economy-engine/internal/pricing"
	"github.com/dealbaron/economy-engine/internal/settle"
	"github.com/dealbaron/economy-engine/internal/store"
)

func TestStartProduction_DebitsCost(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms)
	ctx := context.Background()

	// 25 units × cost 40 = 1000 up front; duration 25 × 60s.
	job, err := svc.StartProduction(ctx, "buyer", "buyer-biz", "widget", 25)
	if err != nil {
		t.Fatalf("StartProduction failed: %v", err)
	}
	if !job.Cost.Equal(d(1000)) {
		t.Errorf("cost = %s, want 1000", job.Cost)
	}
	if job.Duration != 1500*time.Second {
		t.Errorf("duration = %s, want 25m0s", job.Duration)
	}
	if job.Status != model.JobInProgress {
		t.Errorf("status = %s, want in_progress", job.Status)
	}

	player, _ := ms.GetPlayer(ctx, "buyer")
	if !player.Balance.Equal(d(9000)) {
		t.Errorf("balance = %s, want 9000", player.Balance)
	}
}

func TestStartProduction_NotProducible(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms)
	ctx := context.Background()

	raw := &model.Product{
		ID:               "raw-ore",
		Name:             "Raw Ore",
		BasePrice:        d(10),
		DemandCoeffA:     d(1000),
		DemandCoeffB:     d(2),
		ElasticityFactor: d(0.5),
		Volume:           d(1),
	}
	if err := ms.CreateProduct(ctx, raw); err != nil {
		t.Fatalf("failed to seed product: %v", err)
	}

	_, err := svc.StartProduction(ctx, "buyer", "buyer-biz", "raw-ore", 5)
	if !errors.Is(err, settle.ErrNotProducible) {
		t.Fatalf("err = %v, want ErrNotProducible", err)
	}
}

func TestStartProduction_InsufficientFunds(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms)

	_, err := svc.StartProduction(context.Background(), "seller", "seller-biz", "widget", 10)
	if !errors.Is(err, settle.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
}

// finishJob backdates a job so its production time has fully elapsed.
func finishJob(t *testing.T, ms *store.MemoryStore, jobID string) {
	t.Helper()
	ctx := context.Background()
	job, err := ms.GetProductionJob(ctx, jobID)
	if err != nil {
		t.Fatalf("GetProductionJob failed: %v", err)
	}
	job.StartedAt = time.Now().UTC().Add(-(job.Duration + time.Second))
	if err := ms.UpdateProductionJob(ctx, job); err != nil {
		t.Fatalf("UpdateProductionJob failed: %v", err)
	}
}

func TestCollectProduction_DeliversAtCost(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms)
	ctx := context.Background()

	job, err := svc.StartProduction(ctx, "buyer", "buyer-biz", "widget", 25)
	if err != nil {
		t.Fatalf("StartProduction failed: %v", err)
	}
	finishJob(t, ms, job.ID)

	trade, err := svc.CollectProduction(ctx, "buyer", job.ID)
	if err != nil {
		t.Fatalf("CollectProduction failed: %v", err)
	}
	if trade.Kind != model.KindProduction {
		t.Errorf("kind = %s, want production", trade.Kind)
	}
	if !trade.UnitPrice.Equal(d(40)) {
		t.Errorf("unit price = %s, want production cost 40", trade.UnitPrice)
	}

	inv, err := ms.GetInventory(ctx, "buyer-biz", "widget")
	if err != nil {
		t.Fatalf("GetInventory failed: %v", err)
	}
	if inv.Quantity != 25 {
		t.Errorf("delivered = %d, want 25", inv.Quantity)
	}

	got, _ := ms.GetProductionJob(ctx, job.ID)
	if got.Status != model.JobCollected {
		t.Errorf("status = %s, want collected", got.Status)
	}

	// Collecting twice must fail.
	if _, err := svc.CollectProduction(ctx, "buyer", job.ID); !errors.Is(err, settle.ErrJobNotActive) {
		t.Errorf("second collect err = %v, want ErrJobNotActive", err)
	}
}

func TestCollectProduction_Pending(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms)
	ctx := context.Background()

	job, err := svc.StartProduction(ctx, "buyer", "buyer-biz", "widget", 25)
	if err != nil {
		t.Fatalf("StartProduction failed: %v", err)
	}

	_, err = svc.CollectProduction(ctx, "buyer", job.ID)
	if !errors.Is(err, settle.ErrProductionPending) {
		t.Fatalf("err = %v, want ErrProductionPending", err)
	}
}

func TestCollectProduction_DoesNotFeedReference(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms)
	ctx := context.Background()
	engine := pricing.NewEngine(ms)

	job, err := svc.StartProduction(ctx, "buyer", "buyer-biz", "widget", 25)
	if err != nil {
		t.Fatalf("StartProduction failed: %v", err)
	}
	finishJob(t, ms, job.ID)
	if _, err := svc.CollectProduction(ctx, "buyer", job.ID); err != nil {
		t.Fatalf("CollectProduction failed: %v", err)
	}

	// The production record carries cost 40, not a market price.
	ref, err := engine.ReferencePrice(ctx, "widget")
	if err != nil {
		t.Fatalf("ReferencePrice failed: %v", err)
	}
	if !ref.Equal(d(100)) {
		t.Errorf("reference price = %s, want 100 unaffected by production", ref)
	}
}

func TestCancelProduction_RefundsHalfOfRemaining(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms)
	ctx := context.Background()

	job, err := svc.StartProduction(ctx, "buyer", "buyer-biz", "widget", 25)
	if err != nil {
		t.Fatalf("StartProduction failed: %v", err)
	}

	// No measurable time has elapsed; refund is 50% of the full cost.
	refund, err := svc.CancelProduction(ctx, "buyer", job.ID)
	if err != nil {
		t.Fatalf("CancelProduction failed: %v", err)
	}
	want, diff := d(500), d(1) // 50% of 1000, small drift for elapsed time
	if refund.Sub(want).Abs().GreaterThan(diff) {
		t.Errorf("refund = %s, want ~500", refund)
	}

	player, _ := ms.GetPlayer(ctx, "buyer")
	wantBalance := d(9000).Add(refund)
	if !player.Balance.Equal(wantBalance) {
		t.Errorf("balance = %s, want %s", player.Balance, wantBalance)
	}

	got, _ := ms.GetProductionJob(ctx, job.ID)
	if got.Status != model.JobCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}

	// No goods were delivered.
	if inv, err := ms.GetInventory(ctx, "buyer-biz", "widget"); err == nil && inv.Quantity != 0 {
		t.Errorf("delivered = %d, want 0 on cancel", inv.Quantity)
	}
}

func TestCancelProduction_RefundIsExactDecimal(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms)
	ctx := context.Background()

	job, err := svc.StartProduction(ctx, "buyer", "buyer-biz", "widget", 25)
	if err != nil {
		t.Fatalf("StartProduction failed: %v", err)
	}

	// Pin the job before its clock starts so the remaining share is
	// exactly 1 and the refund exactly half the cost. Any float step in
	// the math would leave dust on the balance.
	pinned, _ := ms.GetProductionJob(ctx, job.ID)
	pinned.StartedAt = time.Now().UTC().Add(time.Hour)
	if err := ms.UpdateProductionJob(ctx, pinned); err != nil {
		t.Fatalf("UpdateProductionJob failed: %v", err)
	}

	refund, err := svc.CancelProduction(ctx, "buyer", job.ID)
	if err != nil {
		t.Fatalf("CancelProduction failed: %v", err)
	}
	if !refund.Equal(d(500)) {
		t.Errorf("refund = %s, want exactly 500", refund)
	}
	player, _ := ms.GetPlayer(ctx, "buyer")
	if !player.Balance.Equal(d(9500)) {
		t.Errorf("balance = %s, want exactly 9500", player.Balance)
	}
}

func TestCancelProduction_NothingBackAfterFullRun(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms)
	ctx := context.Background()

	job, err := svc.StartProduction(ctx, "buyer", "buyer-biz", "widget", 25)
	if err != nil {
		t.Fatalf("StartProduction failed: %v", err)
	}

	ran, _ := ms.GetProductionJob(ctx, job.ID)
	ran.StartedAt = time.Now().UTC().Add(-(ran.Duration + time.Hour))
	if err := ms.UpdateProductionJob(ctx, ran); err != nil {
		t.Fatalf("UpdateProductionJob failed: %v", err)
	}

	refund, err := svc.CancelProduction(ctx, "buyer", job.ID)
	if err != nil {
		t.Fatalf("CancelProduction failed: %v", err)
	}
	if !refund.Equal(d(0)) {
		t.Errorf("refund = %s, want exactly 0", refund)
	}
	got, _ := ms.GetProductionJob(ctx, job.ID)
	if got.Status != model.JobCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}

func TestCancelProduction_OnlyInProgress(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms)
	ctx := context.Background()

	job, err := svc.StartProduction(ctx, "buyer", "buyer-biz", "widget", 25)
	if err != nil {
		t.Fatalf("StartProduction failed: %v", err)
	}
	finishJob(t, ms, job.ID)
	if _, err := svc.CollectProduction(ctx, "buyer", job.ID); err != nil {
		t.Fatalf("CollectProduction failed: %v", err)
	}

	_, err = svc.CancelProduction(ctx, "buyer", job.ID)
	if !errors.Is(err, settle.ErrJobNotActive) {
		t.Fatalf("err = %v, want ErrJobNotActive", err)
	}
}
