// Package store defines the persistence interface for the economy
// engine. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dealbaron/economy-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned on unique-constraint violations: a second
	// snapshot for the same (product, bucket), a duplicate inventory row.
	ErrDuplicate = errors.New("store: already exists")

	// ErrInsufficientQuantity is returned when an inventory removal
	// would drive the counter negative.
	ErrInsufficientQuantity = errors.New("store: insufficient inventory quantity")
)

// ListingFilter narrows and orders active-listing queries.
type ListingFilter struct {
	ProductID string
	MinPrice  *decimal.Decimal
	MaxPrice  *decimal.Decimal
	SortBy    string // "price_asc" (default), "price_desc", "newest"
	Limit     int
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
//
// Settlement operations run inside RunInTx so that every balance,
// inventory and listing mutation of one trade commits or rolls back as a
// unit.
type Store interface {
	// RunInTx executes fn against a transactional view of the store.
	// An error from fn aborts every mutation made through that view.
	// The PostgreSQL implementation uses a serializable transaction;
	// the in-memory implementation relies on the caller's serialization.
	RunInTx(ctx context.Context, fn func(Store) error) error

	// --- Catalog (immutable entries, admin-seeded) ---

	CreateProduct(ctx context.Context, p *model.Product) error
	GetProduct(ctx context.Context, id string) (*model.Product, error)
	ListProducts(ctx context.Context) ([]model.Product, error)

	// --- Players and businesses ---

	CreatePlayer(ctx context.Context, p *model.PlayerAccount) error
	GetPlayer(ctx context.Context, id string) (*model.PlayerAccount, error)
	UpdatePlayer(ctx context.Context, p *model.PlayerAccount) error

	CreateBusiness(ctx context.Context, b *model.Business) error
	GetBusiness(ctx context.Context, id string) (*model.Business, error)

	// FirstBusinessOf returns any business owned by the player, used to
	// return escrowed goods on listing cancellation.
	FirstBusinessOf(ctx context.Context, playerID string) (*model.Business, error)

	// --- Inventory ---

	// GetInventory returns ErrNotFound when no row exists for the pair.
	GetInventory(ctx context.Context, businessID, productID string) (*model.Inventory, error)

	// AddInventory credits quantity, creating the row when absent.
	AddInventory(ctx context.Context, businessID, productID string, qty int64) error

	// RemoveInventory debits quantity; ErrInsufficientQuantity when the
	// result would be negative.
	RemoveInventory(ctx context.Context, businessID, productID string, qty int64) error

	// UsedCapacity returns Σ quantity × product.volume over the
	// business's inventory rows.
	UsedCapacity(ctx context.Context, businessID string) (decimal.Decimal, error)

	// --- Listings ---

	CreateListing(ctx context.Context, l *model.Listing) error
	GetListing(ctx context.Context, id string) (*model.Listing, error)
	UpdateListing(ctx context.Context, l *model.Listing) error
	ListActiveListings(ctx context.Context, f ListingFilter) ([]model.Listing, error)
	ListingsBySeller(ctx context.Context, sellerID string) ([]model.Listing, error)

	// ExpireListings transitions active listings past their expiry to
	// expired, returning the number touched.
	ExpireListings(ctx context.Context, now time.Time) (int64, error)

	// ActiveListedQuantity sums the remaining units across active,
	// unexpired listings of a product — the market's visible supply.
	ActiveListedQuantity(ctx context.Context, productID string) (int64, error)

	// --- Trade ledger (append-only) ---

	AppendTrade(ctx context.Context, t *model.TradeRecord) error

	// RecentTrades returns up to limit records for the product, newest
	// first, restricted to the given kinds (all kinds when empty). This
	// is the hot path behind every reference-price lookup.
	RecentTrades(ctx context.Context, productID string, kinds []model.TradeKind, limit int) ([]model.TradeRecord, error)

	// TradesBetween returns records in [from, to), oldest first.
	TradesBetween(ctx context.Context, productID string, kinds []model.TradeKind, from, to time.Time) ([]model.TradeRecord, error)

	// --- Production jobs ---

	CreateProductionJob(ctx context.Context, j *model.ProductionJob) error
	GetProductionJob(ctx context.Context, id string) (*model.ProductionJob, error)
	UpdateProductionJob(ctx context.Context, j *model.ProductionJob) error
	JobsByBusiness(ctx context.Context, businessID string) ([]model.ProductionJob, error)

	// --- Price snapshots ---

	// InsertSnapshot persists one bucket aggregate; ErrDuplicate when
	// the (product, bucket) pair already exists.
	InsertSnapshot(ctx context.Context, s *model.PriceSnapshot) error
	Snapshots(ctx context.Context, productID string, since time.Time) ([]model.PriceSnapshot, error)
}
