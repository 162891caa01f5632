// Package settle executes trades against the economy ledger: player
// listings, purchases, DealBaron counterparty trades and production
// jobs. All money and inventory movement in the system goes through
// this package.
package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dealbaron/economy-engine/internal/econ"
	"github.com/dealbaron/economy-engine/internal/metrics"
	"github.com/dealbaron/economy-engine/internal/model"
	"github.com/dealbaron/economy-engine/internal/pricing"
	"github.com/dealbaron/economy-engine/internal/store"
)

// ListingDuration is how long a listing stays purchasable after creation.
const ListingDuration = 7 * 24 * time.Hour

// Service coordinates settlement. The mutex serializes all mutating
// operations so that validation and mutation happen as one atomic step;
// the store transaction additionally protects the Postgres backend
// against concurrent writers outside this process.
type Service struct {
	store  store.Store
	engine *pricing.Engine
	hub    *Hub
	logger *slog.Logger

	mu sync.Mutex
}

func NewService(st store.Store, engine *pricing.Engine, hub *Hub, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, engine: engine, hub: hub, logger: logger}
}

// CreateListingRequest describes a new sell offer. UnitPrice must fall
// inside the reference-price band at the moment of creation.
type CreateListingRequest struct {
	SellerID   string
	BusinessID string
	ProductID  string
	Quantity   int64
	UnitPrice  decimal.Decimal
}

// CreateListing escrows the goods out of the seller's warehouse and
// publishes the offer. The listed quantity is no longer available for
// other listings or NPC sales.
func (s *Service) CreateListing(ctx context.Context, req CreateListingRequest) (*model.Listing, error) {
	if req.Quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	if req.UnitPrice.Sign() <= 0 {
		return nil, fmt.Errorf("%w: unit price must be positive", ErrInvalidPriceBand)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var listing *model.Listing
	err := s.store.RunInTx(ctx, func(tx store.Store) error {
		business, err := tx.GetBusiness(ctx, req.BusinessID)
		if err != nil {
			return fmt.Errorf("get business: %w", err)
		}
		if business.PlayerID != req.SellerID {
			return fmt.Errorf("business %s: %w", req.BusinessID, store.ErrNotFound)
		}
		if _, err := tx.GetProduct(ctx, req.ProductID); err != nil {
			return fmt.Errorf("get product: %w", err)
		}

		var have int64
		inv, err := tx.GetInventory(ctx, req.BusinessID, req.ProductID)
		switch {
		case err == nil:
			have = inv.Quantity
		case errors.Is(err, store.ErrNotFound):
			// no stock row yet, have stays 0
		default:
			return fmt.Errorf("get inventory: %w", err)
		}
		if have < req.Quantity {
			return fmt.Errorf("%w: have %d, need %d", ErrInsufficientInventory, have, req.Quantity)
		}

		ref, err := s.refPrice(ctx, tx, req.ProductID)
		if err != nil {
			return err
		}
		band, err := econ.Band(ref)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPriceBand, err)
		}
		if !band.Contains(req.UnitPrice) {
			return fmt.Errorf("%w: price %s outside [%s, %s]",
				ErrInvalidPriceBand, req.UnitPrice, band.Min, band.Max)
		}

		// All preconditions hold; mutate.
		if err := tx.RemoveInventory(ctx, req.BusinessID, req.ProductID, req.Quantity); err != nil {
			return fmt.Errorf("escrow inventory: %w", err)
		}
		now := time.Now().UTC()
		listing = &model.Listing{
			ID:        uuid.NewString(),
			SellerID:  req.SellerID,
			ProductID: req.ProductID,
			Quantity:  req.Quantity,
			UnitPrice: req.UnitPrice,
			Status:    model.ListingActive,
			CreatedAt: now,
			ExpiresAt: now.Add(ListingDuration),
		}
		return tx.CreateListing(ctx, listing)
	})
	if err != nil {
		metrics.SettlementRejections.WithLabelValues("create_listing", rejectionReason(err)).Inc()
		return nil, err
	}

	s.logger.Info("listing created",
		"listing_id", listing.ID,
		"product_id", listing.ProductID,
		"quantity", listing.Quantity,
		"unit_price", listing.UnitPrice.String(),
	)
	s.broadcast(eventListingCreated, listing.ProductID, map[string]any{
		"listing_id": listing.ID,
		"quantity":   listing.Quantity,
		"unit_price": listing.UnitPrice.String(),
	})
	return listing, nil
}

// CancelListing returns the escrowed goods to the seller's first
// business and marks the listing cancelled. Warehouses are pooled, so
// no capacity check applies on the way back.
func (s *Service) CancelListing(ctx context.Context, sellerID, listingID string) (*model.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var listing *model.Listing
	err := s.store.RunInTx(ctx, func(tx store.Store) error {
		var err error
		listing, err = tx.GetListing(ctx, listingID)
		if err != nil {
			return fmt.Errorf("get listing: %w", err)
		}
		if listing.SellerID != sellerID {
			return fmt.Errorf("listing %s: %w", listingID, store.ErrNotFound)
		}
		if listing.Status != model.ListingActive {
			return fmt.Errorf("%w: status %s", ErrStaleListing, listing.Status)
		}

		business, err := tx.FirstBusinessOf(ctx, sellerID)
		if err != nil {
			return fmt.Errorf("no business to return inventory to: %w", err)
		}
		if err := tx.AddInventory(ctx, business.ID, listing.ProductID, listing.Quantity); err != nil {
			return fmt.Errorf("return inventory: %w", err)
		}
		listing.Status = model.ListingCancelled
		return tx.UpdateListing(ctx, listing)
	})
	if err != nil {
		metrics.SettlementRejections.WithLabelValues("cancel_listing", rejectionReason(err)).Inc()
		return nil, err
	}

	s.logger.Info("listing cancelled", "listing_id", listing.ID, "product_id", listing.ProductID)
	return listing, nil
}

// BuyResult reports the outcome of a settled purchase.
type BuyResult struct {
	Trade      *model.TradeRecord
	Listing    *model.Listing
	NewBalance decimal.Decimal
}

// BuyListing settles a purchase against an active listing. Partial
// fills are allowed; the listing's remaining quantity shrinks and the
// listing transitions to sold when it reaches zero. The 5% market fee
// comes out of the seller's proceeds.
func (s *Service) BuyListing(ctx context.Context, buyerID, businessID, listingID string, quantity int64) (*BuyResult, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var result *BuyResult
	err := s.store.RunInTx(ctx, func(tx store.Store) error {
		listing, err := tx.GetListing(ctx, listingID)
		if err != nil {
			return fmt.Errorf("get listing: %w", err)
		}
		now := time.Now().UTC()
		if !listing.Sellable(now) {
			return fmt.Errorf("%w: status %s", ErrStaleListing, listing.Status)
		}
		if listing.SellerID == buyerID {
			return ErrSelfTrade
		}
		if listing.Quantity < quantity {
			return fmt.Errorf("%w: listing has %d, requested %d",
				ErrInsufficientInventory, listing.Quantity, quantity)
		}

		business, err := tx.GetBusiness(ctx, businessID)
		if err != nil {
			return fmt.Errorf("get business: %w", err)
		}
		if business.PlayerID != buyerID {
			return fmt.Errorf("business %s: %w", businessID, store.ErrNotFound)
		}
		product, err := tx.GetProduct(ctx, listing.ProductID)
		if err != nil {
			return fmt.Errorf("get product: %w", err)
		}
		if err := s.checkCapacity(ctx, tx, business, product, quantity); err != nil {
			return err
		}

		qty := decimal.NewFromInt(quantity)
		total := listing.UnitPrice.Mul(qty)

		buyer, err := tx.GetPlayer(ctx, buyerID)
		if err != nil {
			return fmt.Errorf("get buyer: %w", err)
		}
		if buyer.Balance.LessThan(total) {
			return fmt.Errorf("%w: balance %s, need %s", ErrInsufficientFunds, buyer.Balance, total)
		}
		seller, err := tx.GetPlayer(ctx, listing.SellerID)
		if err != nil {
			return fmt.Errorf("get seller: %w", err)
		}

		fee := total.Mul(econ.MarketFeeRate)
		net := total.Sub(fee)

		// All preconditions hold; mutate.
		buyer.Balance = buyer.Balance.Sub(total)
		buyer.TotalTransactions++
		if err := tx.UpdatePlayer(ctx, buyer); err != nil {
			return fmt.Errorf("debit buyer: %w", err)
		}
		seller.Balance = seller.Balance.Add(net)
		seller.TotalTransactions++
		seller.TotalRevenue = seller.TotalRevenue.Add(net)
		if err := tx.UpdatePlayer(ctx, seller); err != nil {
			return fmt.Errorf("credit seller: %w", err)
		}
		if err := tx.AddInventory(ctx, businessID, listing.ProductID, quantity); err != nil {
			return fmt.Errorf("deliver inventory: %w", err)
		}
		listing.Quantity -= quantity
		if listing.Quantity == 0 {
			listing.Status = model.ListingSold
		}
		if err := tx.UpdateListing(ctx, listing); err != nil {
			return fmt.Errorf("update listing: %w", err)
		}

		buyerRef, sellerRef, listingRef := buyerID, listing.SellerID, listing.ID
		trade := &model.TradeRecord{
			ID:        uuid.NewString(),
			ProductID: listing.ProductID,
			BuyerID:   &buyerRef,
			SellerID:  &sellerRef,
			ListingID: &listingRef,
			Quantity:  quantity,
			UnitPrice: listing.UnitPrice,
			Total:     total,
			Fee:       fee,
			Net:       net,
			Kind:      model.KindMarketBuy,
			Timestamp: now,
		}
		if err := tx.AppendTrade(ctx, trade); err != nil {
			return fmt.Errorf("append trade: %w", err)
		}
		result = &BuyResult{Trade: trade, Listing: listing, NewBalance: buyer.Balance}
		return nil
	})
	if err != nil {
		metrics.SettlementRejections.WithLabelValues("buy_listing", rejectionReason(err)).Inc()
		return nil, err
	}

	s.recordTrade(result.Trade)
	return result, nil
}

// checkCapacity verifies the business has free warehouse volume for
// quantity units of product.
func (s *Service) checkCapacity(ctx context.Context, tx store.Store, business *model.Business, product *model.Product, quantity int64) error {
	used, err := tx.UsedCapacity(ctx, business.ID)
	if err != nil {
		return fmt.Errorf("used capacity: %w", err)
	}
	need := product.Volume.Mul(decimal.NewFromInt(quantity))
	free := business.WarehouseCapacity.Sub(used)
	if need.GreaterThan(free) {
		return fmt.Errorf("%w: need %s, free %s", ErrInsufficientCapacity, need, free)
	}
	return nil
}

// refPrice computes the reference price against the transaction view so
// trades appended earlier in the same transaction are visible.
func (s *Service) refPrice(ctx context.Context, tx store.Store, productID string) (decimal.Decimal, error) {
	return pricing.NewEngine(tx).ReferencePrice(ctx, productID)
}

func (s *Service) recordTrade(trade *model.TradeRecord) {
	metrics.TradesSettled.WithLabelValues(string(trade.Kind)).Inc()
	metrics.TradeVolume.WithLabelValues(string(trade.Kind)).Add(trade.Total.InexactFloat64())
	s.logger.Info("trade settled",
		"trade_id", trade.ID,
		"product_id", trade.ProductID,
		"kind", trade.Kind,
		"quantity", trade.Quantity,
		"unit_price", trade.UnitPrice.String(),
		"total", trade.Total.String(),
		"fee", trade.Fee.String(),
	)
	s.broadcast(eventTradeSettled, trade.ProductID, map[string]any{
		"trade_id":   trade.ID,
		"kind":       string(trade.Kind),
		"quantity":   trade.Quantity,
		"unit_price": trade.UnitPrice.String(),
		"total":      trade.Total.String(),
	})
}

func (s *Service) broadcast(event, productID string, payload map[string]any) {
	if s.hub == nil {
		return
	}
	s.hub.Broadcast(Message{Event: event, ProductID: productID, Payload: payload, At: time.Now().UTC()})
}

