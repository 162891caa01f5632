package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dealbaron/economy-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	products   map[string]*model.Product
	players    map[string]*model.PlayerAccount
	businesses map[string]*model.Business
	inventory  map[string]*model.Inventory // key: businessID|productID
	listings   map[string]*model.Listing
	trades     []model.TradeRecord
	jobs       map[string]*model.ProductionJob
	snapshots  map[string]*model.PriceSnapshot // key: productID|bucket
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products:   make(map[string]*model.Product),
		players:    make(map[string]*model.PlayerAccount),
		businesses: make(map[string]*model.Business),
		inventory:  make(map[string]*model.Inventory),
		listings:   make(map[string]*model.Listing),
		jobs:       make(map[string]*model.ProductionJob),
		snapshots:  make(map[string]*model.PriceSnapshot),
	}
}

// RunInTx calls fn directly. The settlement service serializes its
// operations and validates every precondition before the first
// mutation, so a failing fn has made no changes to roll back.
func (s *MemoryStore) RunInTx(_ context.Context, fn func(Store) error) error {
	return fn(s)
}

func invKey(businessID, productID string) string { return businessID + "|" + productID }

// --- Catalog ---

func (s *MemoryStore) CreateProduct(_ context.Context, p *model.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[p.ID]; ok {
		return ErrDuplicate
	}
	cp := *p
	s.products[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetProduct(_ context.Context, id string) (*model.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListProducts(_ context.Context) ([]model.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// --- Players and businesses ---

func (s *MemoryStore) CreatePlayer(_ context.Context, p *model.PlayerAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.players[p.ID]; ok {
		return ErrDuplicate
	}
	cp := *p
	s.players[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPlayer(_ context.Context, id string) (*model.PlayerAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.players[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) UpdatePlayer(_ context.Context, p *model.PlayerAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.players[p.ID]; !ok {
		return ErrNotFound
	}
	cp := *p
	s.players[p.ID] = &cp
	return nil
}

func (s *MemoryStore) CreateBusiness(_ context.Context, b *model.Business) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.businesses[b.ID]; ok {
		return ErrDuplicate
	}
	cp := *b
	s.businesses[b.ID] = &cp
	return nil
}

func (s *MemoryStore) GetBusiness(_ context.Context, id string) (*model.Business, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.businesses[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) FirstBusinessOf(_ context.Context, playerID string) (*model.Business, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []*model.Business
	for _, b := range s.businesses {
		if b.PlayerID == playerID {
			candidates = append(candidates, b)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNotFound
	}
	// Deterministic pick across map iteration order.
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	cp := *candidates[0]
	return &cp, nil
}

// --- Inventory ---

func (s *MemoryStore) GetInventory(_ context.Context, businessID, productID string) (*model.Inventory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.inventory[invKey(businessID, productID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (s *MemoryStore) AddInventory(_ context.Context, businessID, productID string, qty int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := invKey(businessID, productID)
	inv, ok := s.inventory[key]
	if !ok {
		s.inventory[key] = &model.Inventory{
			BusinessID: businessID,
			ProductID:  productID,
			Quantity:   qty,
		}
		return nil
	}
	inv.Quantity += qty
	return nil
}

func (s *MemoryStore) RemoveInventory(_ context.Context, businessID, productID string, qty int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.inventory[invKey(businessID, productID)]
	if !ok || inv.Quantity < qty {
		return ErrInsufficientQuantity
	}
	inv.Quantity -= qty
	return nil
}

func (s *MemoryStore) UsedCapacity(_ context.Context, businessID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	used := decimal.Zero
	for _, inv := range s.inventory {
		if inv.BusinessID != businessID || inv.Quantity == 0 {
			continue
		}
		p, ok := s.products[inv.ProductID]
		if !ok {
			continue
		}
		used = used.Add(p.Volume.Mul(decimal.NewFromInt(inv.Quantity)))
	}
	return used, nil
}

// --- Listings ---

func (s *MemoryStore) CreateListing(_ context.Context, l *model.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.listings[l.ID]; ok {
		return ErrDuplicate
	}
	cp := *l
	s.listings[l.ID] = &cp
	return nil
}

func (s *MemoryStore) GetListing(_ context.Context, id string) (*model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.listings[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *MemoryStore) UpdateListing(_ context.Context, l *model.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.listings[l.ID]; !ok {
		return ErrNotFound
	}
	cp := *l
	s.listings[l.ID] = &cp
	return nil
}

func (s *MemoryStore) ListActiveListings(_ context.Context, f ListingFilter) ([]model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	var out []model.Listing
	for _, l := range s.listings {
		if !l.Sellable(now) {
			continue
		}
		if f.ProductID != "" && l.ProductID != f.ProductID {
			continue
		}
		if f.MinPrice != nil && l.UnitPrice.LessThan(*f.MinPrice) {
			continue
		}
		if f.MaxPrice != nil && l.UnitPrice.GreaterThan(*f.MaxPrice) {
			continue
		}
		out = append(out, *l)
	}

	switch f.SortBy {
	case "price_desc":
		sort.Slice(out, func(i, j int) bool { return out[i].UnitPrice.GreaterThan(out[j].UnitPrice) })
	case "newest":
		sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	default: // cheapest first
		sort.Slice(out, func(i, j int) bool { return out[i].UnitPrice.LessThan(out[j].UnitPrice) })
	}

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ListingsBySeller(_ context.Context, sellerID string) ([]model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Listing
	for _, l := range s.listings {
		if l.SellerID == sellerID {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ExpireListings(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, l := range s.listings {
		if l.Status == model.ListingActive && !now.Before(l.ExpiresAt) {
			l.Status = model.ListingExpired
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ActiveListedQuantity(_ context.Context, productID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	var total int64
	for _, l := range s.listings {
		if l.ProductID == productID && l.Sellable(now) {
			total += l.Quantity
		}
	}
	return total, nil
}

// --- Trade ledger ---

func (s *MemoryStore) AppendTrade(_ context.Context, t *model.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades = append(s.trades, *t)
	return nil
}

func kindMatch(kinds []model.TradeKind, k model.TradeKind) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, want := range kinds {
		if k == want {
			return true
		}
	}
	return false
}

func (s *MemoryStore) RecentTrades(_ context.Context, productID string, kinds []model.TradeKind, limit int) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Trades append in time order; walk backwards for newest first.
	var out []model.TradeRecord
	for i := len(s.trades) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		t := s.trades[i]
		if t.ProductID == productID && kindMatch(kinds, t.Kind) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemoryStore) TradesBetween(_ context.Context, productID string, kinds []model.TradeKind, from, to time.Time) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.TradeRecord
	for _, t := range s.trades {
		if t.ProductID != productID || !kindMatch(kinds, t.Kind) {
			continue
		}
		if t.Timestamp.Before(from) || !t.Timestamp.Before(to) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// --- Production jobs ---

func (s *MemoryStore) CreateProductionJob(_ context.Context, j *model.ProductionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[j.ID]; ok {
		return ErrDuplicate
	}
	cp := *j
	s.jobs[j.ID] = &cp
	return nil
}

func (s *MemoryStore) GetProductionJob(_ context.Context, id string) (*model.ProductionJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *MemoryStore) UpdateProductionJob(_ context.Context, j *model.ProductionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[j.ID]; !ok {
		return ErrNotFound
	}
	cp := *j
	s.jobs[j.ID] = &cp
	return nil
}

func (s *MemoryStore) JobsByBusiness(_ context.Context, businessID string) ([]model.ProductionJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ProductionJob
	for _, j := range s.jobs {
		if j.BusinessID == businessID {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// --- Price snapshots ---

func (s *MemoryStore) InsertSnapshot(_ context.Context, snap *model.PriceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := snap.ProductID + "|" + snap.RecordedAt.UTC().Format(time.RFC3339)
	if _, ok := s.snapshots[key]; ok {
		return ErrDuplicate
	}
	cp := *snap
	s.snapshots[key] = &cp
	return nil
}

func (s *MemoryStore) Snapshots(_ context.Context, productID string, since time.Time) ([]model.PriceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.PriceSnapshot
	for _, snap := range s.snapshots {
		if snap.ProductID == productID && !snap.RecordedAt.Before(since) {
			out = append(out, *snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}
