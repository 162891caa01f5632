package settle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dealbaron/economy-engine/internal/metrics"
	"github.com/dealbaron/economy-engine/internal/model"
	"github.com/dealbaron/economy-engine/internal/store"
)

// NPCResult reports a settled DealBaron trade. The NPC has no account;
// UnitPrice is the reference price at settlement time and no market fee
// applies.
type NPCResult struct {
	Trade      *model.TradeRecord
	UnitPrice  decimal.Decimal
	Total      decimal.Decimal
	NewBalance decimal.Decimal
}

// SellToNPC moves goods from the player's warehouse to the DealBaron at
// the reference price. The NPC always buys; only stock limits the sale.
func (s *Service) SellToNPC(ctx context.Context, playerID, businessID, productID string, quantity int64) (*NPCResult, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var result *NPCResult
	txErr := s.store.RunInTx(ctx, func(tx store.Store) error {
		business, err := tx.GetBusiness(ctx, businessID)
		if err != nil {
			return fmt.Errorf("get business: %w", err)
		}
		if business.PlayerID != playerID {
			return fmt.Errorf("business %s: %w", businessID, store.ErrNotFound)
		}
		if _, err := tx.GetProduct(ctx, productID); err != nil {
			return fmt.Errorf("get product: %w", err)
		}
		ref, err := s.refPrice(ctx, tx, productID)
		if err != nil {
			return err
		}
		player, err := tx.GetPlayer(ctx, playerID)
		if err != nil {
			return fmt.Errorf("get player: %w", err)
		}

		if err := tx.RemoveInventory(ctx, businessID, productID, quantity); err != nil {
			return fmt.Errorf("%w: %v", ErrInsufficientInventory, err)
		}
		total := ref.Mul(decimal.NewFromInt(quantity))
		player.Balance = player.Balance.Add(total)
		player.TotalTransactions++
		player.TotalRevenue = player.TotalRevenue.Add(total)
		if err := tx.UpdatePlayer(ctx, player); err != nil {
			return fmt.Errorf("credit player: %w", err)
		}

		sellerRef := playerID
		trade := &model.TradeRecord{
			ID:        uuid.NewString(),
			ProductID: productID,
			SellerID:  &sellerRef,
			Quantity:  quantity,
			UnitPrice: ref,
			Total:     total,
			Fee:       decimal.Zero,
			Net:       total,
			Kind:      model.KindDealBaronSell,
			Timestamp: time.Now().UTC(),
		}
		if err := tx.AppendTrade(ctx, trade); err != nil {
			return fmt.Errorf("append trade: %w", err)
		}
		result = &NPCResult{Trade: trade, UnitPrice: ref, Total: total, NewBalance: player.Balance}
		return nil
	})
	if txErr != nil {
		metrics.SettlementRejections.WithLabelValues("npc_sell", rejectionReason(txErr)).Inc()
		return nil, txErr
	}

	s.recordTrade(result.Trade)
	return result, nil
}

// BuyFromNPC moves goods from the DealBaron into the player's warehouse
// at the reference price. The NPC's stock is unlimited; funds and
// warehouse capacity are the only constraints.
func (s *Service) BuyFromNPC(ctx context.Context, playerID, businessID, productID string, quantity int64) (*NPCResult, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var result *NPCResult
	err := s.store.RunInTx(ctx, func(tx store.Store) error {
		business, err := tx.GetBusiness(ctx, businessID)
		if err != nil {
			return fmt.Errorf("get business: %w", err)
		}
		if business.PlayerID != playerID {
			return fmt.Errorf("business %s: %w", businessID, store.ErrNotFound)
		}
		product, err := tx.GetProduct(ctx, productID)
		if err != nil {
			return fmt.Errorf("get product: %w", err)
		}
		if err := s.checkCapacity(ctx, tx, business, product, quantity); err != nil {
			return err
		}
		ref, err := s.refPrice(ctx, tx, productID)
		if err != nil {
			return err
		}
		total := ref.Mul(decimal.NewFromInt(quantity))

		player, err := tx.GetPlayer(ctx, playerID)
		if err != nil {
			return fmt.Errorf("get player: %w", err)
		}
		if player.Balance.LessThan(total) {
			return fmt.Errorf("%w: balance %s, need %s", ErrInsufficientFunds, player.Balance, total)
		}

		player.Balance = player.Balance.Sub(total)
		player.TotalTransactions++
		if err := tx.UpdatePlayer(ctx, player); err != nil {
			return fmt.Errorf("debit player: %w", err)
		}
		if err := tx.AddInventory(ctx, businessID, productID, quantity); err != nil {
			return fmt.Errorf("deliver inventory: %w", err)
		}

		buyerRef := playerID
		trade := &model.TradeRecord{
			ID:        uuid.NewString(),
			ProductID: productID,
			BuyerID:   &buyerRef,
			Quantity:  quantity,
			UnitPrice: ref,
			Total:     total,
			Fee:       decimal.Zero,
			Net:       total,
			Kind:      model.KindDealBaronBuy,
			Timestamp: time.Now().UTC(),
		}
		if err := tx.AppendTrade(ctx, trade); err != nil {
			return fmt.Errorf("append trade: %w", err)
		}
		result = &NPCResult{Trade: trade, UnitPrice: ref, Total: total, NewBalance: player.Balance}
		return nil
	})
	if err != nil {
		metrics.SettlementRejections.WithLabelValues("npc_buy", rejectionReason(err)).Inc()
		return nil, err
	}

	s.recordTrade(result.Trade)
	return result, nil
}
