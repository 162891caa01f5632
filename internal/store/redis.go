package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/dealbaron/economy-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis
// read-through cache for the hot read paths: the immutable product
// catalog, listing lookups and player accounts. Writes go to the
// primary store and invalidate the cache.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// RunInTx delegates to the primary's transaction. The callback sees
// the bare transactional store: reads inside a settlement must observe
// the transaction's own writes, never a cache entry. Keys touched by
// the transaction are invalidated only after the commit succeeds, so a
// rolled-back write can never evict a still-valid entry and a
// concurrent read can never re-cache pre-commit state as fresh.
func (s *CachedStore) RunInTx(ctx context.Context, fn func(Store) error) error {
	inv := &txInvalidator{}
	err := s.primary.RunInTx(ctx, func(tx Store) error {
		inv.Store = tx
		return fn(inv)
	})
	if err != nil {
		return err
	}
	if len(inv.stale) > 0 {
		s.rdb.Del(ctx, inv.stale...)
	}
	return nil
}

// txInvalidator passes every operation through to the transactional
// store and records which cache keys the transaction dirtied.
type txInvalidator struct {
	Store
	stale []string
}

func (v *txInvalidator) UpdatePlayer(ctx context.Context, p *model.PlayerAccount) error {
	if err := v.Store.UpdatePlayer(ctx, p); err != nil {
		return err
	}
	v.stale = append(v.stale, playerKey(p.ID))
	return nil
}

func (v *txInvalidator) UpdateListing(ctx context.Context, l *model.Listing) error {
	if err := v.Store.UpdateListing(ctx, l); err != nil {
		return err
	}
	v.stale = append(v.stale, listingKey(l.ID))
	return nil
}

func productKey(id string) string { return fmt.Sprintf("product:%s", id) }
func listingKey(id string) string { return fmt.Sprintf("listing:%s", id) }
func playerKey(id string) string  { return fmt.Sprintf("player:%s", id) }

// --- Read-through paths ---

func (s *CachedStore) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	if data, err := s.rdb.Get(ctx, productKey(id)).Bytes(); err == nil {
		var p model.Product
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, productKey(id), data, s.ttl)
	}
	return p, nil
}

func (s *CachedStore) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	if data, err := s.rdb.Get(ctx, listingKey(id)).Bytes(); err == nil {
		var l model.Listing
		if json.Unmarshal(data, &l) == nil {
			return &l, nil
		}
	}

	l, err := s.primary.GetListing(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(l); err == nil {
		s.rdb.Set(ctx, listingKey(id), data, s.ttl)
	}
	return l, nil
}

func (s *CachedStore) GetPlayer(ctx context.Context, id string) (*model.PlayerAccount, error) {
	if data, err := s.rdb.Get(ctx, playerKey(id)).Bytes(); err == nil {
		var p model.PlayerAccount
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPlayer(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, playerKey(id), data, s.ttl)
	}
	return p, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpdatePlayer(ctx context.Context, p *model.PlayerAccount) error {
	if err := s.primary.UpdatePlayer(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, playerKey(p.ID))
	return nil
}

func (s *CachedStore) UpdateListing(ctx context.Context, l *model.Listing) error {
	if err := s.primary.UpdateListing(ctx, l); err != nil {
		return err
	}
	s.rdb.Del(ctx, listingKey(l.ID))
	return nil
}

func (s *CachedStore) ExpireListings(ctx context.Context, now time.Time) (int64, error) {
	// Listing TTL covers the stale window; individual keys expire on
	// their own rather than being enumerated here.
	return s.primary.ExpireListings(ctx, now)
}

// --- Passthrough ---

func (s *CachedStore) CreateProduct(ctx context.Context, p *model.Product) error {
	return s.primary.CreateProduct(ctx, p)
}

func (s *CachedStore) ListProducts(ctx context.Context) ([]model.Product, error) {
	return s.primary.ListProducts(ctx)
}

func (s *CachedStore) CreatePlayer(ctx context.Context, p *model.PlayerAccount) error {
	return s.primary.CreatePlayer(ctx, p)
}

func (s *CachedStore) CreateBusiness(ctx context.Context, b *model.Business) error {
	return s.primary.CreateBusiness(ctx, b)
}

func (s *CachedStore) GetBusiness(ctx context.Context, id string) (*model.Business, error) {
	return s.primary.GetBusiness(ctx, id)
}

func (s *CachedStore) FirstBusinessOf(ctx context.Context, playerID string) (*model.Business, error) {
	return s.primary.FirstBusinessOf(ctx, playerID)
}

func (s *CachedStore) GetInventory(ctx context.Context, businessID, productID string) (*model.Inventory, error) {
	return s.primary.GetInventory(ctx, businessID, productID)
}

func (s *CachedStore) AddInventory(ctx context.Context, businessID, productID string, qty int64) error {
	return s.primary.AddInventory(ctx, businessID, productID, qty)
}

func (s *CachedStore) RemoveInventory(ctx context.Context, businessID, productID string, qty int64) error {
	return s.primary.RemoveInventory(ctx, businessID, productID, qty)
}

func (s *CachedStore) UsedCapacity(ctx context.Context, businessID string) (decimal.Decimal, error) {
	return s.primary.UsedCapacity(ctx, businessID)
}

func (s *CachedStore) CreateListing(ctx context.Context, l *model.Listing) error {
	return s.primary.CreateListing(ctx, l)
}

func (s *CachedStore) ListActiveListings(ctx context.Context, f ListingFilter) ([]model.Listing, error) {
	return s.primary.ListActiveListings(ctx, f)
}

func (s *CachedStore) ListingsBySeller(ctx context.Context, sellerID string) ([]model.Listing, error) {
	return s.primary.ListingsBySeller(ctx, sellerID)
}

func (s *CachedStore) ActiveListedQuantity(ctx context.Context, productID string) (int64, error) {
	return s.primary.ActiveListedQuantity(ctx, productID)
}

func (s *CachedStore) AppendTrade(ctx context.Context, t *model.TradeRecord) error {
	return s.primary.AppendTrade(ctx, t)
}

func (s *CachedStore) RecentTrades(ctx context.Context, productID string, kinds []model.TradeKind, limit int) ([]model.TradeRecord, error) {
	return s.primary.RecentTrades(ctx, productID, kinds, limit)
}

func (s *CachedStore) TradesBetween(ctx context.Context, productID string, kinds []model.TradeKind, from, to time.Time) ([]model.TradeRecord, error) {
	return s.primary.TradesBetween(ctx, productID, kinds, from, to)
}

func (s *CachedStore) CreateProductionJob(ctx context.Context, j *model.ProductionJob) error {
	return s.primary.CreateProductionJob(ctx, j)
}

func (s *CachedStore) GetProductionJob(ctx context.Context, id string) (*model.ProductionJob, error) {
	return s.primary.GetProductionJob(ctx, id)
}

func (s *CachedStore) UpdateProductionJob(ctx context.Context, j *model.ProductionJob) error {
	return s.primary.UpdateProductionJob(ctx, j)
}

func (s *CachedStore) JobsByBusiness(ctx context.Context, businessID string) ([]model.ProductionJob, error) {
	return s.primary.JobsByBusiness(ctx, businessID)
}

func (s *CachedStore) InsertSnapshot(ctx context.Context, snap *model.PriceSnapshot) error {
	return s.primary.InsertSnapshot(ctx, snap)
}

func (s *CachedStore) Snapshots(ctx context.Context, productID string, since time.Time) ([]model.PriceSnapshot, error) {
	return s.primary.Snapshots(ctx, productID, since)
}
