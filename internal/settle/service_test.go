package settle_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/dealbaron/economy-engine/internal/model"
	"github.com/dealbaron/economy-engine/internal/pricing"
	"github.com/dealbaron/economy-engine/internal/settle"
	"github.com/dealbaron/economy-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv creates a settlement service backed by the in-memory store.
func newTestEnv(t *testing.T) (*settle.Service, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	svc := settle.NewService(ms, pricing.NewEngine(ms), nil, nil)
	return svc, ms
}

// seedProduct registers a product with base price 100 and unit volume 1.
func seedProduct(t *testing.T, ms *store.MemoryStore, id string) *model.Product {
	t.Helper()
	product := &model.Product{
		ID:               id,
		Name:             "Widget " + id,
		BasePrice:        d(100),
		DemandCoeffA:     d(1000),
		DemandCoeffB:     d(2),
		ElasticityFactor: d(0.5),
		Volume:           d(1),
		ProductionTime:   60,
		ProductionCost:   d(40),
	}
	if err := ms.CreateProduct(context.Background(), product); err != nil {
		t.Fatalf("failed to seed product: %v", err)
	}
	return product
}

func seedPlayer(t *testing.T, ms *store.MemoryStore, id string, balance float64) *model.PlayerAccount {
	t.Helper()
	player := &model.PlayerAccount{ID: id, Username: id, Balance: d(balance)}
	if err := ms.CreatePlayer(context.Background(), player); err != nil {
		t.Fatalf("failed to seed player: %v", err)
	}
	return player
}

func seedBusiness(t *testing.T, ms *store.MemoryStore, id, playerID string, capacity float64) *model.Business {
	t.Helper()
	business := &model.Business{
		ID:                id,
		PlayerID:          playerID,
		Name:              "Business " + id,
		WarehouseCapacity: d(capacity),
	}
	if err := ms.CreateBusiness(context.Background(), business); err != nil {
		t.Fatalf("failed to seed business: %v", err)
	}
	return business
}

func addStock(t *testing.T, ms *store.MemoryStore, businessID, productID string, qty int64) {
	t.Helper()
	if err := ms.AddInventory(context.Background(), businessID, productID, qty); err != nil {
		t.Fatalf("failed to seed inventory: %v", err)
	}
}

// seedMarket sets up a seller with stock and a buyer with funds.
func seedMarket(t *testing.T, ms *store.MemoryStore) {
	t.Helper()
	seedProduct(t, ms, "widget")
	seedPlayer(t, ms, "seller", 0)
	seedBusiness(t, ms, "seller-biz", "seller", 10000)
	addStock(t, ms, "seller-biz", "widget", 100)
	seedPlayer(t, ms, "buyer", 10000)
	seedBusiness(t, ms, "buyer-biz", "buyer", 10000)
}

// --- Listing creation ---

func TestCreateListing_EscrowsInventory(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms)
	ctx := context.Background()

	// No trade history: reference falls back to base price 100,
	// band is [80, 90].
	listing, err := svc.CreateListing(ctx, settle.CreateListingRequest{
		SellerID:   "seller",
		BusinessID: "seller-biz",
		ProductID:  "widget",
		Quantity:   40,
		UnitPrice:  d(85),
	})
	if err != nil {
		t.Fatalf("CreateListing failed: %v", err)
	}
	if listing.Status != model.ListingActive {
		t.Errorf("status = %s, want active", listing.Status)
	}
	wantExpiry := listing.CreatedAt.Add(settle.ListingDuration)
	if !listing.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("ExpiresAt = %v, want %v", listing.ExpiresAt, wantExpiry)
	}

	inv, err := ms.GetInventory(ctx, "seller-biz", "widget")
	if err != nil {
		t.Fatalf("GetInventory failed: %v", err)
	}
	if inv.Quantity != 60 {
		t.Errorf("remaining stock = %d, want 60 after escrow", inv.Quantity)
	}
}

func TestCreateListing_PriceOutsideBand(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms)
	ctx := context.Background()

	for _, price := range []float64{79.99, 90.01, 150} {
		_, err := svc.CreateListing(ctx, settle.CreateListingRequest{
			SellerID:   "seller",
			BusinessID: "seller-biz",
			ProductID:  "widget",
			Quantity:   10,
			UnitPrice:  d(price),
		})
		if !errors.Is(err, settle.ErrInvalidPriceBand) {
			t.Errorf("price %v: err = %v, want ErrInvalidPriceBand", price, err)
		}
	}

	// Band edges are inclusive.
	for _, price := range []float64{80, 90} {
		if _, err := svc.CreateListing(ctx, settle.CreateListingRequest{
			SellerID:   "seller",
			BusinessID: "seller-biz",
			ProductID:  "widget",
			Quantity:   10,
			UnitPrice:  d(price),
		}); err != nil {
			t.Errorf("price %v: unexpected error %v", price, err)
		}
	}
}

func TestCreateListing_InsufficientInventory(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms)

	_, err := svc.CreateListing(context.Background(), settle.CreateListingRequest{
		SellerID:   "seller",
		BusinessID: "seller-biz",
		ProductID:  "widget",
		Quantity:   500,
		UnitPrice:  d(85),
	})
	if !errors.Is(err, settle.ErrInsufficientInventory) {
		t.Fatalf("err = %v, want ErrInsufficientInventory", err)
	}

	// Escrow must not have touched the stock.
	inv, err := ms.GetInventory(context.Background(), "seller-biz", "widget")
	if err != nil {
		t.Fatalf("GetInventory failed: %v", err)
	}
	if inv.Quantity != 100 {
		t.Errorf("stock = %d, want 100 untouched", inv.Quantity)
	}
}

func TestCreateListing_WrongBusinessOwner(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms)

	_, err := svc.CreateListing(context.Background(), settle.CreateListingRequest{
		SellerID:   "buyer", // seller-biz belongs to seller
		BusinessID: "seller-biz",
		ProductID:  "widget",
		Quantity:   10,
		UnitPrice:  d(85),
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

// --- Purchases ---

func mustListing(t *testing.T, svc *settle.Service, qty int64, price float64) *model.Listing {
	t.Helper()
	listing, err := svc.CreateListing(context.Background(), settle.CreateListingRequest{
		SellerID:   "seller",
		BusinessID: "seller-biz",
		ProductID:  "widget",
		Quantity:   qty,
		UnitPrice:  d(price),
	})
	if err != nil {
		t.Fatalf("CreateListing failed: %v", err)
	}
	return listing
}

func TestBuyListing_SettlesBalancesAndFee(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms)
	ctx := context.Background()
	listing := mustListing(t, svc, 10, 85)

	result, err := svc.BuyListing(ctx, "buyer", "buyer-biz", listing.ID, 10)
	if err != nil {
		t.Fatalf("BuyListing failed: %v", err)
	}

	// 10 × 85 = 850 total; 5% fee = 42.50; seller nets 807.50.
	if !result.Trade.Total.Equal(d(850)) {
		t.Errorf("total = %s, want 850", result.Trade.Total)
	}
	if !result.Trade.Fee.Equal(d(42.5)) {
		t.Errorf("fee = %s, want 42.5", result.Trade.Fee)
	}
	if !result.Trade.Net.Equal(d(807.5)) {
		t.Errorf("net = %s, want 807.5", result.Trade.Net)
	}
	if result.Trade.Kind != model.KindMarketBuy {
		t.Errorf("kind = %s, want market_buy", result.Trade.Kind)
	}

	buyer, _ := ms.GetPlayer(ctx, "buyer")
	if !buyer.Balance.Equal(d(9150)) {
		t.Errorf("buyer balance = %s, want 9150", buyer.Balance)
	}
	seller, _ := ms.GetPlayer(ctx, "seller")
	if !seller.Balance.Equal(d(807.5)) {
		t.Errorf("seller balance = %s, want 807.5", seller.Balance)
	}
	if !seller.TotalRevenue.Equal(d(807.5)) {
		t.Errorf("seller revenue = %s, want 807.5", seller.TotalRevenue)
	}

	inv, err := ms.GetInventory(ctx, "buyer-biz", "widget")
	if err != nil {
		t.Fatalf("GetInventory failed: %v", err)
	}
	if inv.Quantity != 10 {
		t.Errorf("delivered quantity = %d, want 10", inv.Quantity)
	}

	got, _ := ms.GetListing(ctx, listing.ID)
	if got.Status != model.ListingSold {
		t.Errorf("listing status = %s, want sold after full fill", got.Status)
	}
}

func TestBuyListing_PartialFill(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms)
	listing := mustListing(t, svc, 10, 85)

	if _, err := svc.BuyListing(context.Background(), "buyer", "buyer-biz", listing.ID, 4); err != nil {
		t.Fatalf("BuyListing failed: %v", err)
	}

	got, _ := ms.GetListing(context.Background(), listing.ID)
	if got.Status != model.ListingActive {
		t.Errorf("listing status = %s, want active after partial fill", got.Status)
	}
	if got.Quantity != 6 {
		t.Errorf("remaining quantity = %d, want 6", got.Quantity)
	}
}

func TestBuyListing_SelfTrade(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms)
	listing := mustListing(t, svc, 10, 85)

	_, err := svc.BuyListing(context.Background(), "seller", "seller-biz", listing.ID, 1)
	if !errors.Is(err, settle.ErrSelfTrade) {
		t.Fatalf("err = %v, want ErrSelfTrade", err)
	}
}

func TestBuyListing_InsufficientFunds_NoPartialMutation(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms)
	ctx := context.Background()
	listing := mustListing(t, svc, 10, 85)

	seedPlayer(t, ms, "pauper", 5)
	seedBusiness(t, ms, "pauper-biz", "pauper", 10000)

	_, err := svc.BuyListing(ctx, "pauper", "pauper-biz", listing.ID, 10)
	if !errors.Is(err, settle.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}

	// Nothing moved.
	seller, _ := ms.GetPlayer(ctx, "seller")
	if !seller.Balance.Equal(d(0)) {
		t.Errorf("seller balance = %s, want 0", seller.Balance)
	}
	got, _ := ms.GetListing(ctx, listing.ID)
	if got.Quantity != 10 || got.Status != model.ListingActive {
		t.Errorf("listing mutated: qty=%d status=%s", got.Quantity, got.Status)
	}
	if _, err := ms.GetInventory(ctx, "pauper-biz", "widget"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("pauper received inventory on failed buy")
	}
}

func TestBuyListing_InsufficientCapacity(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms)
	listing := mustListing(t, svc, 10, 85)

	seedPlayer(t, ms, "hoarder", 10000)
	seedBusiness(t, ms, "hoarder-biz", "hoarder", 3) // room for 3 units of volume 1

	_, err := svc.BuyListing(context.Background(), "hoarder", "hoarder-biz", listing.ID, 10)
	if !errors.Is(err, settle.ErrInsufficientCapacity) {
		t.Fatalf("err = %v, want ErrInsufficientCapacity", err)
	}
}

func TestBuyListing_Expired(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms)
	ctx := context.Background()
	listing := mustListing(t, svc, 10, 85)

	// Age the listing past its expiry.
	listing.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	if err := ms.UpdateListing(ctx, listing); err != nil {
		t.Fatalf("UpdateListing failed: %v", err)
	}

	_, err := svc.BuyListing(ctx, "buyer", "buyer-biz", listing.ID, 1)
	if !errors.Is(err, settle.ErrStaleListing) {
		t.Fatalf("err = %v, want ErrStaleListing", err)
	}
}

func TestBuyListing_ConcurrentOversell(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms)
	ctx := context.Background()
	listing := mustListing(t, svc, 5, 85)

	seedPlayer(t, ms, "rival", 10000)
	seedBusiness(t, ms, "rival-biz", "rival", 10000)

	type attempt struct {
		buyer, biz string
	}
	attempts := []attempt{{"buyer", "buyer-biz"}, {"rival", "rival-biz"}}

	var wg sync.WaitGroup
	errs := make([]error, len(attempts))
	for i, a := range attempts {
		wg.Add(1)
		go func(i int, a attempt) {
			defer wg.Done()
			_, errs[i] = svc.BuyListing(ctx, a.buyer, a.biz, listing.ID, 5)
		}(i, a)
	}
	wg.Wait()

	var ok, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, settle.ErrStaleListing), errors.Is(err, settle.ErrInsufficientInventory):
			rejected++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || rejected != 1 {
		t.Fatalf("ok=%d rejected=%d, want exactly one fill", ok, rejected)
	}
}

// --- Cancellation ---

func TestCancelListing_ReturnsInventory(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms)
	ctx := context.Background()
	listing := mustListing(t, svc, 40, 85)

	got, err := svc.CancelListing(ctx, "seller", listing.ID)
	if err != nil {
		t.Fatalf("CancelListing failed: %v", err)
	}
	if got.Status != model.ListingCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}

	// Goods return to the seller's first business.
	inv, err := ms.GetInventory(ctx, "seller-biz", "widget")
	if err != nil {
		t.Fatalf("GetInventory failed: %v", err)
	}
	if inv.Quantity != 100 {
		t.Errorf("stock = %d, want 100 restored", inv.Quantity)
	}
}

func TestCancelListing_OnlyFromActive(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms)
	listing := mustListing(t, svc, 10, 85)

	if _, err := svc.BuyListing(context.Background(), "buyer", "buyer-biz", listing.ID, 10); err != nil {
		t.Fatalf("BuyListing failed: %v", err)
	}
	_, err := svc.CancelListing(context.Background(), "seller", listing.ID)
	if !errors.Is(err, settle.ErrStaleListing) {
		t.Fatalf("err = %v, want ErrStaleListing on sold listing", err)
	}
}

func TestCancelListing_WrongSeller(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms)
	listing := mustListing(t, svc, 10, 85)

	_, err := svc.CancelListing(context.Background(), "buyer", listing.ID)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

// --- Reference price coupling ---

func TestBuyListing_MovesReferencePrice(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms)
	ctx := context.Background()
	engine := pricing.NewEngine(ms)

	listing := mustListing(t, svc, 10, 85)
	if _, err := svc.BuyListing(ctx, "buyer", "buyer-biz", listing.ID, 10); err != nil {
		t.Fatalf("BuyListing failed: %v", err)
	}

	ref, err := engine.ReferencePrice(ctx, "widget")
	if err != nil {
		t.Fatalf("ReferencePrice failed: %v", err)
	}
	if !ref.Equal(d(85)) {
		t.Errorf("reference price = %s, want 85 after settled trade", ref)
	}

	// The band follows the new reference.
	_, err = svc.CreateListing(ctx, settle.CreateListingRequest{
		SellerID:   "seller",
		BusinessID: "seller-biz",
		ProductID:  "widget",
		Quantity:   10,
		UnitPrice:  d(85), // outside [68, 76.5]
	})
	if !errors.Is(err, settle.ErrInvalidPriceBand) {
		t.Errorf("err = %v, want ErrInvalidPriceBand against moved band", err)
	}
}

// --- HTTP handlers ---

func newTestRouter(svc *settle.Service) chi.Router {
	r := chi.NewRouter()
	r.Post("/api/v1/listings", svc.HandleCreateListing)
	r.Post("/api/v1/listings/{listingID}/buy", svc.HandleBuyListing)
	r.Get("/api/v1/products/{productID}/quote", svc.GetQuote)
	r.Post("/api/v1/products/{productID}/price-preview", svc.PricePreview)
	return r
}

func TestHandleBuyListing_HTTP(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms)
	listing := mustListing(t, svc, 10, 85)
	router := newTestRouter(svc)

	body, _ := json.Marshal(settle.BuyListingBody{
		BuyerID:    "buyer",
		BusinessID: "buyer-biz",
		Quantity:   10,
	})
	req := httptest.NewRequest("POST", "/api/v1/listings/"+listing.ID+"/buy", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if resp["total"] != "850.00" {
		t.Errorf("total = %v, want 850.00", resp["total"])
	}
	if resp["fee"] != "42.50" {
		t.Errorf("fee = %v, want 42.50", resp["fee"])
	}
}

func TestHandleBuyListing_HTTP_Conflict(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms)
	listing := mustListing(t, svc, 10, 85)
	router := newTestRouter(svc)

	body, _ := json.Marshal(settle.BuyListingBody{
		BuyerID:    "seller",
		BusinessID: "seller-biz",
		Quantity:   1,
	})
	req := httptest.NewRequest("POST", "/api/v1/listings/"+listing.ID+"/buy", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != 409 {
		t.Fatalf("status = %d, want 409 for self trade", w.Code)
	}
}

func TestGetQuote_HTTP(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms)
	router := newTestRouter(svc)

	req := httptest.NewRequest("GET", "/api/v1/products/widget/quote", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if resp["reference_price"] != "100.00" {
		t.Errorf("reference_price = %q, want 100.00", resp["reference_price"])
	}
	if resp["band_min"] != "80.00" || resp["band_max"] != "90.00" {
		t.Errorf("band = [%q, %q], want [80.00, 90.00]", resp["band_min"], resp["band_max"])
	}
}

func TestPricePreview_HTTP_SupplyDemandOverrides(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms)
	router := newTestRouter(svc)

	// What-if scenario: 600 listed against demand 800 undercuts the
	// live market. 100 × 1.2 × (1 + 0.5 × −0.25) = 105.
	supply := int64(600)
	demand := d(800)
	body, _ := json.Marshal(settle.PricePreviewBody{
		Markup:    d(0.2),
		Supply:    &supply,
		AvgDemand: &demand,
	})
	req := httptest.NewRequest("POST", "/api/v1/products/widget/price-preview", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if resp["price"] != "105.00" {
		t.Errorf("price = %q, want 105.00", resp["price"])
	}
	if resp["pressure"] != "-0.25" {
		t.Errorf("pressure = %q, want -0.25", resp["pressure"])
	}
}

func TestPricePreview_HTTP_RejectsLoneOverride(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedMarket(t, ms)
	router := newTestRouter(svc)

	supply := int64(600)
	body, _ := json.Marshal(settle.PricePreviewBody{
		Markup: d(0.2),
		Supply: &supply,
	})
	req := httptest.NewRequest("POST", "/api/v1/products/widget/price-preview", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != 400 {
		t.Fatalf("status = %d, want 400 for supply without avg_demand", w.Code)
	}
}
