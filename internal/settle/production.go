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

// cancelRefundRate is the share of the unelapsed production cost that a
// cancellation refunds.
var cancelRefundRate = decimal.NewFromFloat(0.5)

// StartProduction debits the production cost up front and opens a job.
// Duration scales linearly with quantity. The warehouse must already
// have room for the finished goods so collection cannot strand them.
func (s *Service) StartProduction(ctx context.Context, playerID, businessID, productID string, quantity int64) (*model.ProductionJob, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var job *model.ProductionJob
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
		if !product.Producible() {
			return fmt.Errorf("%w: %s", ErrNotProducible, productID)
		}
		if err := s.checkCapacity(ctx, tx, business, product, quantity); err != nil {
			return err
		}

		cost := product.ProductionCost.Mul(decimal.NewFromInt(quantity))
		player, err := tx.GetPlayer(ctx, playerID)
		if err != nil {
			return fmt.Errorf("get player: %w", err)
		}
		if player.Balance.LessThan(cost) {
			return fmt.Errorf("%w: balance %s, need %s", ErrInsufficientFunds, player.Balance, cost)
		}

		player.Balance = player.Balance.Sub(cost)
		if err := tx.UpdatePlayer(ctx, player); err != nil {
			return fmt.Errorf("debit player: %w", err)
		}
		job = &model.ProductionJob{
			ID:         uuid.NewString(),
			BusinessID: businessID,
			ProductID:  productID,
			Quantity:   quantity,
			Cost:       cost,
			Duration:   time.Duration(product.ProductionTime*quantity) * time.Second,
			Status:     model.JobInProgress,
			StartedAt:  time.Now().UTC(),
		}
		return tx.CreateProductionJob(ctx, job)
	})
	if err != nil {
		metrics.SettlementRejections.WithLabelValues("start_production", rejectionReason(err)).Inc()
		return nil, err
	}

	s.logger.Info("production started",
		"job_id", job.ID,
		"product_id", job.ProductID,
		"quantity", job.Quantity,
		"cost", job.Cost.String(),
		"duration", job.Duration.String(),
	)
	return job, nil
}

// CollectProduction delivers a finished job's goods into the warehouse
// and records a production trade at cost. Production trades never feed
// the reference price.
func (s *Service) CollectProduction(ctx context.Context, playerID, jobID string) (*model.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var trade *model.TradeRecord
	err := s.store.RunInTx(ctx, func(tx store.Store) error {
		job, err := tx.GetProductionJob(ctx, jobID)
		if err != nil {
			return fmt.Errorf("get job: %w", err)
		}
		business, err := tx.GetBusiness(ctx, job.BusinessID)
		if err != nil {
			return fmt.Errorf("get business: %w", err)
		}
		if business.PlayerID != playerID {
			return fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
		}
		if job.Status != model.JobInProgress && job.Status != model.JobCompleted {
			return fmt.Errorf("%w: status %s", ErrJobNotActive, job.Status)
		}
		now := time.Now().UTC()
		if !job.Done(now) {
			return fmt.Errorf("%w: %.0f%% elapsed", ErrProductionPending, job.Progress(now)*100)
		}
		product, err := tx.GetProduct(ctx, job.ProductID)
		if err != nil {
			return fmt.Errorf("get product: %w", err)
		}

		if err := tx.AddInventory(ctx, job.BusinessID, job.ProductID, job.Quantity); err != nil {
			return fmt.Errorf("deliver inventory: %w", err)
		}
		job.Status = model.JobCollected
		if err := tx.UpdateProductionJob(ctx, job); err != nil {
			return fmt.Errorf("update job: %w", err)
		}

		buyerRef := playerID
		trade = &model.TradeRecord{
			ID:        uuid.NewString(),
			ProductID: job.ProductID,
			BuyerID:   &buyerRef,
			Quantity:  job.Quantity,
			UnitPrice: product.ProductionCost,
			Total:     job.Cost,
			Fee:       decimal.Zero,
			Net:       job.Cost,
			Kind:      model.KindProduction,
			Timestamp: now,
		}
		return tx.AppendTrade(ctx, trade)
	})
	if err != nil {
		metrics.SettlementRejections.WithLabelValues("collect_production", rejectionReason(err)).Inc()
		return nil, err
	}

	s.recordTrade(trade)
	return trade, nil
}

// CancelProduction aborts an in-progress job. Half of the cost for the
// unelapsed share comes back; work already done is sunk.
func (s *Service) CancelProduction(ctx context.Context, playerID, jobID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var refund decimal.Decimal
	err := s.store.RunInTx(ctx, func(tx store.Store) error {
		job, err := tx.GetProductionJob(ctx, jobID)
		if err != nil {
			return fmt.Errorf("get job: %w", err)
		}
		business, err := tx.GetBusiness(ctx, job.BusinessID)
		if err != nil {
			return fmt.Errorf("get business: %w", err)
		}
		if business.PlayerID != playerID {
			return fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
		}
		if job.Status != model.JobInProgress {
			return fmt.Errorf("%w: status %s", ErrJobNotActive, job.Status)
		}

		refund = job.Cost.Mul(remainingShare(job, time.Now().UTC())).Mul(cancelRefundRate)

		player, err := tx.GetPlayer(ctx, playerID)
		if err != nil {
			return fmt.Errorf("get player: %w", err)
		}
		player.Balance = player.Balance.Add(refund)
		if err := tx.UpdatePlayer(ctx, player); err != nil {
			return fmt.Errorf("refund player: %w", err)
		}
		job.Status = model.JobCancelled
		return tx.UpdateProductionJob(ctx, job)
	})
	if err != nil {
		metrics.SettlementRejections.WithLabelValues("cancel_production", rejectionReason(err)).Inc()
		return decimal.Zero, err
	}

	s.logger.Info("production cancelled", "job_id", jobID, "refund", refund.String())
	return refund, nil
}

// remainingShare is the unelapsed fraction of the job's duration. The
// ratio stays in decimal end to end; money never passes through float64.
func remainingShare(job *model.ProductionJob, now time.Time) decimal.Decimal {
	if job.Duration <= 0 {
		return decimal.Zero
	}
	elapsed := now.Sub(job.StartedAt)
	if elapsed <= 0 {
		return decimal.NewFromInt(1)
	}
	if elapsed >= job.Duration {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(job.Duration - elapsed)).Div(decimal.NewFromInt(int64(job.Duration)))
}
