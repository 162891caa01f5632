package settle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dealbaron/economy-engine/internal/econ"
	"github.com/dealbaron/economy-engine/internal/model"
	"github.com/dealbaron/economy-engine/internal/store"
)

// --- Request/Response types ---

// CreateProductRequest is the JSON body for product registration.
type CreateProductRequest struct {
	Name             string          `json:"name"`
	BasePrice        decimal.Decimal `json:"base_price"`
	DemandCoeffA     decimal.Decimal `json:"demand_coeff_a"`
	DemandCoeffB     decimal.Decimal `json:"demand_coeff_b"`
	ElasticityFactor decimal.Decimal `json:"elasticity_factor"`
	Volume           decimal.Decimal `json:"volume"`
	ProductionTime   int64           `json:"production_time"`
	ProductionCost   decimal.Decimal `json:"production_cost"`
}

// CreatePlayerRequest is the JSON body for player registration.
type CreatePlayerRequest struct {
	Username string          `json:"username"`
	Balance  decimal.Decimal `json:"balance"`
}

// CreateBusinessRequest is the JSON body for business registration.
type CreateBusinessRequest struct {
	PlayerID          string          `json:"player_id"`
	Name              string          `json:"name"`
	WarehouseCapacity decimal.Decimal `json:"warehouse_capacity"`
}

// CreateListingBody is the JSON body for POST /listings.
type CreateListingBody struct {
	SellerID   string          `json:"seller_id"`
	BusinessID string          `json:"business_id"`
	ProductID  string          `json:"product_id"`
	Quantity   int64           `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
}

// BuyListingBody is the JSON body for POST /listings/{listingID}/buy.
type BuyListingBody struct {
	BuyerID    string `json:"buyer_id"`
	BusinessID string `json:"business_id"`
	Quantity   int64  `json:"quantity"`
}

// NPCTradeBody is the JSON body for the DealBaron trade endpoints.
type NPCTradeBody struct {
	PlayerID   string `json:"player_id"`
	BusinessID string `json:"business_id"`
	ProductID  string `json:"product_id"`
	Quantity   int64  `json:"quantity"`
}

// StartProductionBody is the JSON body for POST /production.
type StartProductionBody struct {
	PlayerID   string `json:"player_id"`
	BusinessID string `json:"business_id"`
	ProductID  string `json:"product_id"`
	Quantity   int64  `json:"quantity"`
}

type playerIDBody struct {
	PlayerID string `json:"player_id"`
}

type sellerIDBody struct {
	SellerID string `json:"seller_id"`
}

// PricePreviewBody is the JSON body for POST /products/{productID}/price-preview.
// Supply and average demand default to the live market; a caller can
// pass both to price a hypothetical scenario instead.
type PricePreviewBody struct {
	Markup    decimal.Decimal  `json:"markup"`
	Supply    *int64           `json:"supply,omitempty"`
	AvgDemand *decimal.Decimal `json:"avg_demand,omitempty"`
}

// --- Handlers ---

// CreateProduct handles POST /api/v1/products
func (s *Service) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req CreateProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		writeError(w, "name is required", http.StatusBadRequest)
		return
	}
	if req.BasePrice.Sign() <= 0 {
		writeError(w, "base_price must be positive", http.StatusBadRequest)
		return
	}
	if req.DemandCoeffA.Sign() <= 0 || req.DemandCoeffB.Sign() <= 0 {
		writeError(w, "demand coefficients must be positive", http.StatusBadRequest)
		return
	}
	if err := econ.ValidateElasticityFactor(req.ElasticityFactor); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Volume.Sign() <= 0 {
		writeError(w, "volume must be positive", http.StatusBadRequest)
		return
	}
	if (req.ProductionTime > 0) != req.ProductionCost.IsPositive() {
		writeError(w, "production_time and production_cost must be set together", http.StatusBadRequest)
		return
	}

	product := &model.Product{
		ID:               uuid.NewString(),
		Name:             req.Name,
		BasePrice:        req.BasePrice,
		DemandCoeffA:     req.DemandCoeffA,
		DemandCoeffB:     req.DemandCoeffB,
		ElasticityFactor: req.ElasticityFactor,
		Volume:           req.Volume,
		ProductionTime:   req.ProductionTime,
		ProductionCost:   req.ProductionCost,
	}
	if err := s.store.CreateProduct(r.Context(), product); err != nil {
		writeError(w, "failed to create product", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, product)
}

// ListProducts handles GET /api/v1/products
func (s *Service) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := s.store.ListProducts(r.Context())
	if err != nil {
		writeError(w, "failed to list products", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products, "count": len(products)})
}

// GetProduct handles GET /api/v1/products/{productID}
func (s *Service) GetProduct(w http.ResponseWriter, r *http.Request) {
	product, err := s.store.GetProduct(r.Context(), chi.URLParam(r, "productID"))
	if err != nil {
		writeError(w, "product not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

// GetQuote handles GET /api/v1/products/{productID}/quote
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	quote, err := s.engine.Quote(r.Context(), chi.URLParam(r, "productID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"product_id":      quote.ProductID,
		"reference_price": money(quote.ReferencePrice),
		"band_min":        money(quote.Band.Min),
		"band_max":        money(quote.Band.Max),
	})
}

// GetMarketStats handles GET /api/v1/products/{productID}/stats
func (s *Service) GetMarketStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.MarketStats(r.Context(), chi.URLParam(r, "productID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	resp := map[string]any{
		"product_id":      stats.ProductID,
		"reference_price": money(stats.ReferencePrice),
		"supply":          stats.Supply,
		"demand":          stats.Demand.Round(2).String(),
		"pressure":        stats.Pressure.Round(4).String(),
		"condition":       stats.Condition,
		"trend":           stats.Trend,
		"health_score":    stats.HealthScore.Round(1).String(),
		"sales_velocity":  stats.SalesVelocity.Round(4).String(),
		"sold_24h":        stats.Sold24h,
	}
	if stats.StockoutFinite {
		resp["stockout_days"] = stats.StockoutDays.Round(1).String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// PricePreview handles POST /api/v1/products/{productID}/price-preview.
// It prices the product at the requested markup, either under current
// market pressure or under a what-if supply/demand pair supplied by the
// caller, without touching any state.
func (s *Service) PricePreview(w http.ResponseWriter, r *http.Request) {
	var req PricePreviewBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	productID := chi.URLParam(r, "productID")
	product, err := s.store.GetProduct(r.Context(), productID)
	if err != nil {
		writeError(w, "product not found", http.StatusNotFound)
		return
	}

	var pressure decimal.Decimal
	switch {
	case req.Supply != nil && req.AvgDemand != nil:
		pressure, err = econ.Pressure(decimal.NewFromInt(*req.Supply), *req.AvgDemand)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	case req.Supply != nil || req.AvgDemand != nil:
		writeError(w, "supply and avg_demand must be provided together", http.StatusBadRequest)
		return
	default:
		pressure, err = s.engine.Pressure(r.Context(), productID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
	}
	price, err := econ.FinalPrice(product.BasePrice, req.Markup, product.ElasticityFactor, pressure)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"product_id": productID,
		"markup":     req.Markup.String(),
		"pressure":   econ.ClampPressure(pressure).Round(4).String(),
		"price":      money(price),
	})
}

// GetPriceHistory handles GET /api/v1/products/{productID}/history?hours=24
func (s *Service) GetPriceHistory(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 24*30 {
			writeError(w, "hours must be between 1 and 720", http.StatusBadRequest)
			return
		}
		hours = n
	}
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	snaps, err := s.store.Snapshots(r.Context(), chi.URLParam(r, "productID"), since)
	if err != nil {
		writeError(w, "failed to load price history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": snaps, "count": len(snaps)})
}

// CreatePlayer handles POST /api/v1/players
func (s *Service) CreatePlayer(w http.ResponseWriter, r *http.Request) {
	var req CreatePlayerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Username == "" {
		writeError(w, "username is required", http.StatusBadRequest)
		return
	}
	if req.Balance.Sign() < 0 {
		writeError(w, "balance cannot be negative", http.StatusBadRequest)
		return
	}
	player := &model.PlayerAccount{
		ID:       uuid.NewString(),
		Username: req.Username,
		Balance:  req.Balance,
	}
	if err := s.store.CreatePlayer(r.Context(), player); err != nil {
		writeError(w, "failed to create player", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, player)
}

// GetPlayer handles GET /api/v1/players/{playerID}
func (s *Service) GetPlayer(w http.ResponseWriter, r *http.Request) {
	player, err := s.store.GetPlayer(r.Context(), chi.URLParam(r, "playerID"))
	if err != nil {
		writeError(w, "player not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, player)
}

// CreateBusiness handles POST /api/v1/businesses
func (s *Service) CreateBusiness(w http.ResponseWriter, r *http.Request) {
	var req CreateBusinessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PlayerID == "" || req.Name == "" {
		writeError(w, "player_id and name are required", http.StatusBadRequest)
		return
	}
	if req.WarehouseCapacity.Sign() <= 0 {
		writeError(w, "warehouse_capacity must be positive", http.StatusBadRequest)
		return
	}
	if _, err := s.store.GetPlayer(r.Context(), req.PlayerID); err != nil {
		writeError(w, "player not found", http.StatusNotFound)
		return
	}
	business := &model.Business{
		ID:                uuid.NewString(),
		PlayerID:          req.PlayerID,
		Name:              req.Name,
		WarehouseCapacity: req.WarehouseCapacity,
	}
	if err := s.store.CreateBusiness(r.Context(), business); err != nil {
		writeError(w, "failed to create business", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, business)
}

// GetBusinessInventory handles GET /api/v1/businesses/{businessID}/inventory/{productID}
func (s *Service) GetBusinessInventory(w http.ResponseWriter, r *http.Request) {
	inv, err := s.store.GetInventory(r.Context(), chi.URLParam(r, "businessID"), chi.URLParam(r, "productID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]any{"quantity": 0})
			return
		}
		writeError(w, "failed to load inventory", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// HandleCreateListing handles POST /api/v1/listings
func (s *Service) HandleCreateListing(w http.ResponseWriter, r *http.Request) {
	var req CreateListingBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SellerID == "" || req.BusinessID == "" || req.ProductID == "" {
		writeError(w, "seller_id, business_id and product_id are required", http.StatusBadRequest)
		return
	}
	listing, err := s.CreateListing(r.Context(), CreateListingRequest{
		SellerID:   req.SellerID,
		BusinessID: req.BusinessID,
		ProductID:  req.ProductID,
		Quantity:   req.Quantity,
		UnitPrice:  req.UnitPrice,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, listing)
}

// HandleListListings handles GET /api/v1/listings
func (s *Service) HandleListListings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListingFilter{
		ProductID: q.Get("product_id"),
		SortBy:    q.Get("sort"),
	}
	if v := q.Get("min_price"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			writeError(w, "invalid min_price", http.StatusBadRequest)
			return
		}
		filter.MinPrice = &d
	}
	if v := q.Get("max_price"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			writeError(w, "invalid max_price", http.StatusBadRequest)
			return
		}
		filter.MaxPrice = &d
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}
	listings, err := s.store.ListActiveListings(r.Context(), filter)
	if err != nil {
		writeError(w, "failed to list listings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"listings": listings, "count": len(listings)})
}

// HandleGetListing handles GET /api/v1/listings/{listingID}
func (s *Service) HandleGetListing(w http.ResponseWriter, r *http.Request) {
	listing, err := s.store.GetListing(r.Context(), chi.URLParam(r, "listingID"))
	if err != nil {
		writeError(w, "listing not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

// HandleSellerListings handles GET /api/v1/players/{playerID}/listings
func (s *Service) HandleSellerListings(w http.ResponseWriter, r *http.Request) {
	listings, err := s.store.ListingsBySeller(r.Context(), chi.URLParam(r, "playerID"))
	if err != nil {
		writeError(w, "failed to list listings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"listings": listings, "count": len(listings)})
}

// HandleBuyListing handles POST /api/v1/listings/{listingID}/buy
func (s *Service) HandleBuyListing(w http.ResponseWriter, r *http.Request) {
	var req BuyListingBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.BuyerID == "" || req.BusinessID == "" {
		writeError(w, "buyer_id and business_id are required", http.StatusBadRequest)
		return
	}
	result, err := s.BuyListing(r.Context(), req.BuyerID, req.BusinessID, chi.URLParam(r, "listingID"), req.Quantity)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trade_id":    result.Trade.ID,
		"product_id":  result.Trade.ProductID,
		"quantity":    result.Trade.Quantity,
		"unit_price":  money(result.Trade.UnitPrice),
		"total":       money(result.Trade.Total),
		"fee":         money(result.Trade.Fee),
		"new_balance": money(result.NewBalance),
		"listing":     result.Listing,
	})
}

// HandleCancelListing handles POST /api/v1/listings/{listingID}/cancel
func (s *Service) HandleCancelListing(w http.ResponseWriter, r *http.Request) {
	var req sellerIDBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SellerID == "" {
		writeError(w, "seller_id is required", http.StatusBadRequest)
		return
	}
	listing, err := s.CancelListing(r.Context(), req.SellerID, chi.URLParam(r, "listingID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

// HandleNPCBuy handles POST /api/v1/npc/buy
func (s *Service) HandleNPCBuy(w http.ResponseWriter, r *http.Request) {
	s.handleNPCTrade(w, r, s.BuyFromNPC)
}

// HandleNPCSell handles POST /api/v1/npc/sell
func (s *Service) HandleNPCSell(w http.ResponseWriter, r *http.Request) {
	s.handleNPCTrade(w, r, s.SellToNPC)
}

func (s *Service) handleNPCTrade(
	w http.ResponseWriter,
	r *http.Request,
	exec func(ctx context.Context, playerID, businessID, productID string, quantity int64) (*NPCResult, error),
) {
	var req NPCTradeBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PlayerID == "" || req.BusinessID == "" || req.ProductID == "" {
		writeError(w, "player_id, business_id and product_id are required", http.StatusBadRequest)
		return
	}
	result, err := exec(r.Context(), req.PlayerID, req.BusinessID, req.ProductID, req.Quantity)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trade_id":    result.Trade.ID,
		"product_id":  result.Trade.ProductID,
		"kind":        result.Trade.Kind,
		"quantity":    result.Trade.Quantity,
		"unit_price":  money(result.UnitPrice),
		"total":       money(result.Total),
		"new_balance": money(result.NewBalance),
	})
}

// HandleStartProduction handles POST /api/v1/production
func (s *Service) HandleStartProduction(w http.ResponseWriter, r *http.Request) {
	var req StartProductionBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PlayerID == "" || req.BusinessID == "" || req.ProductID == "" {
		writeError(w, "player_id, business_id and product_id are required", http.StatusBadRequest)
		return
	}
	job, err := s.StartProduction(r.Context(), req.PlayerID, req.BusinessID, req.ProductID, req.Quantity)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// HandleGetProductionJob handles GET /api/v1/production/{jobID}
func (s *Service) HandleGetProductionJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetProductionJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, "production job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job":      job,
		"progress": job.Progress(time.Now().UTC()),
	})
}

// HandleBusinessJobs handles GET /api/v1/businesses/{businessID}/production
func (s *Service) HandleBusinessJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.JobsByBusiness(r.Context(), chi.URLParam(r, "businessID"))
	if err != nil {
		writeError(w, "failed to list production jobs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

// HandleCollectProduction handles POST /api/v1/production/{jobID}/collect
func (s *Service) HandleCollectProduction(w http.ResponseWriter, r *http.Request) {
	var req playerIDBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PlayerID == "" {
		writeError(w, "player_id is required", http.StatusBadRequest)
		return
	}
	trade, err := s.CollectProduction(r.Context(), req.PlayerID, chi.URLParam(r, "jobID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trade_id":   trade.ID,
		"product_id": trade.ProductID,
		"quantity":   trade.Quantity,
		"unit_cost":  money(trade.UnitPrice),
	})
}

// HandleCancelProduction handles POST /api/v1/production/{jobID}/cancel
func (s *Service) HandleCancelProduction(w http.ResponseWriter, r *http.Request) {
	var req playerIDBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PlayerID == "" {
		writeError(w, "player_id is required", http.StatusBadRequest)
		return
	}
	refund, err := s.CancelProduction(r.Context(), req.PlayerID, chi.URLParam(r, "jobID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"refund": money(refund)})
}

// --- Helpers ---

// money renders a monetary decimal with two fractional digits. Internal
// arithmetic keeps full precision; rounding happens only here.
func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// writeServiceError maps settlement sentinels to HTTP statuses.
// Precondition rejections are conflicts; unknown lookups are 404s;
// anything else is internal.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidQuantity):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrInsufficientInventory),
		errors.Is(err, ErrInsufficientCapacity),
		errors.Is(err, ErrInvalidPriceBand),
		errors.Is(err, ErrStaleListing),
		errors.Is(err, ErrSelfTrade),
		errors.Is(err, ErrNotProducible),
		errors.Is(err, ErrProductionPending),
		errors.Is(err, ErrJobNotActive),
		errors.Is(err, store.ErrInsufficientQuantity):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	default:
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
