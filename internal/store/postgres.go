package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/dealbaron/economy-engine/internal/model"
)

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx, so every
// query method works identically inside and outside a transaction.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of
// truth. All monetary values are stored as NUMERIC for exact decimal
// precision.
type PostgresStore struct {
	db   pgQuerier
	pool *pgxpool.Pool // nil inside a transaction
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool, pool: pool}
}

// NewPool connects a pgx pool with settlement-appropriate limits.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 10 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

// RunInTx runs fn inside one serializable transaction. Nested calls
// reuse the surrounding transaction.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(Store) error) error {
	if s.pool == nil {
		return fn(s)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin settlement tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&PostgresStore{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// mapErr converts driver errors to store sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

// --- Catalog ---

func (s *PostgresStore) CreateProduct(ctx context.Context, p *model.Product) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO products (id, name, base_price, demand_coeff_a, demand_coeff_b,
		                       elasticity_factor, volume, production_time, production_cost)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9::NUMERIC)`,
		p.ID, p.Name, p.BasePrice.String(), p.DemandCoeffA.String(), p.DemandCoeffB.String(),
		p.ElasticityFactor.String(), p.Volume.String(), p.ProductionTime, p.ProductionCost.String(),
	)
	return mapErr(err)
}

const productCols = `id, name, base_price::TEXT, demand_coeff_a::TEXT, demand_coeff_b::TEXT,
	elasticity_factor::TEXT, volume::TEXT, production_time, production_cost::TEXT`

func scanProduct(row pgx.Row) (*model.Product, error) {
	var p model.Product
	var basePrice, a, b, ef, vol, cost string
	if err := row.Scan(&p.ID, &p.Name, &basePrice, &a, &b, &ef, &vol, &p.ProductionTime, &cost); err != nil {
		return nil, mapErr(err)
	}
	p.BasePrice, _ = decimal.NewFromString(basePrice)
	p.DemandCoeffA, _ = decimal.NewFromString(a)
	p.DemandCoeffB, _ = decimal.NewFromString(b)
	p.ElasticityFactor, _ = decimal.NewFromString(ef)
	p.Volume, _ = decimal.NewFromString(vol)
	p.ProductionCost, _ = decimal.NewFromString(cost)
	return &p, nil
}

func (s *PostgresStore) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	return scanProduct(s.db.QueryRow(ctx,
		`SELECT `+productCols+` FROM products WHERE id = $1`, id))
}

func (s *PostgresStore) ListProducts(ctx context.Context) ([]model.Product, error) {
	rows, err := s.db.Query(ctx, `SELECT `+productCols+` FROM products ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []model.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	return products, rows.Err()
}

// --- Players and businesses ---

func (s *PostgresStore) CreatePlayer(ctx context.Context, p *model.PlayerAccount) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO players (id, username, balance, total_transactions, total_revenue)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5::NUMERIC)`,
		p.ID, p.Username, p.Balance.String(), p.TotalTransactions, p.TotalRevenue.String(),
	)
	return mapErr(err)
}

func (s *PostgresStore) GetPlayer(ctx context.Context, id string) (*model.PlayerAccount, error) {
	var p model.PlayerAccount
	var balance, revenue string
	err := s.db.QueryRow(ctx,
		`SELECT id, username, balance::TEXT, total_transactions, total_revenue::TEXT
		 FROM players WHERE id = $1`, id).
		Scan(&p.ID, &p.Username, &balance, &p.TotalTransactions, &revenue)
	if err != nil {
		return nil, mapErr(err)
	}
	p.Balance, _ = decimal.NewFromString(balance)
	p.TotalRevenue, _ = decimal.NewFromString(revenue)
	return &p, nil
}

func (s *PostgresStore) UpdatePlayer(ctx context.Context, p *model.PlayerAccount) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE players
		 SET balance = $2::NUMERIC, total_transactions = $3, total_revenue = $4::NUMERIC
		 WHERE id = $1`,
		p.ID, p.Balance.String(), p.TotalTransactions, p.TotalRevenue.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateBusiness(ctx context.Context, b *model.Business) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO businesses (id, player_id, name, warehouse_capacity)
		 VALUES ($1, $2, $3, $4::NUMERIC)`,
		b.ID, b.PlayerID, b.Name, b.WarehouseCapacity.String(),
	)
	return mapErr(err)
}

func scanBusiness(row pgx.Row) (*model.Business, error) {
	var b model.Business
	var capacity string
	if err := row.Scan(&b.ID, &b.PlayerID, &b.Name, &capacity); err != nil {
		return nil, mapErr(err)
	}
	b.WarehouseCapacity, _ = decimal.NewFromString(capacity)
	return &b, nil
}

func (s *PostgresStore) GetBusiness(ctx context.Context, id string) (*model.Business, error) {
	return scanBusiness(s.db.QueryRow(ctx,
		`SELECT id, player_id, name, warehouse_capacity::TEXT FROM businesses WHERE id = $1`, id))
}

func (s *PostgresStore) FirstBusinessOf(ctx context.Context, playerID string) (*model.Business, error) {
	return scanBusiness(s.db.QueryRow(ctx,
		`SELECT id, player_id, name, warehouse_capacity::TEXT
		 FROM businesses WHERE player_id = $1 ORDER BY id LIMIT 1`, playerID))
}

// --- Inventory ---

func (s *PostgresStore) GetInventory(ctx context.Context, businessID, productID string) (*model.Inventory, error) {
	var inv model.Inventory
	err := s.db.QueryRow(ctx,
		`SELECT business_id, product_id, quantity
		 FROM inventory WHERE business_id = $1 AND product_id = $2`,
		businessID, productID).
		Scan(&inv.BusinessID, &inv.ProductID, &inv.Quantity)
	if err != nil {
		return nil, mapErr(err)
	}
	return &inv, nil
}

func (s *PostgresStore) AddInventory(ctx context.Context, businessID, productID string, qty int64) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO inventory (business_id, product_id, quantity)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (business_id, product_id)
		 DO UPDATE SET quantity = inventory.quantity + EXCLUDED.quantity`,
		businessID, productID, qty,
	)
	return err
}

func (s *PostgresStore) RemoveInventory(ctx context.Context, businessID, productID string, qty int64) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE inventory SET quantity = quantity - $3
		 WHERE business_id = $1 AND product_id = $2 AND quantity >= $3`,
		businessID, productID, qty,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientQuantity
	}
	return nil
}

func (s *PostgresStore) UsedCapacity(ctx context.Context, businessID string) (decimal.Decimal, error) {
	var used string
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(i.quantity * p.volume), 0)::TEXT
		 FROM inventory i
		 JOIN products p ON p.id = i.product_id
		 WHERE i.business_id = $1`, businessID).
		Scan(&used)
	if err != nil {
		return decimal.Zero, err
	}
	d, _ := decimal.NewFromString(used)
	return d, nil
}

// --- Listings ---

const listingCols = `id, seller_id, product_id, quantity, unit_price::TEXT, status, created_at, expires_at`

func scanListing(row pgx.Row) (*model.Listing, error) {
	var l model.Listing
	var price string
	if err := row.Scan(&l.ID, &l.SellerID, &l.ProductID, &l.Quantity, &price,
		&l.Status, &l.CreatedAt, &l.ExpiresAt); err != nil {
		return nil, mapErr(err)
	}
	l.UnitPrice, _ = decimal.NewFromString(price)
	return &l, nil
}

func (s *PostgresStore) CreateListing(ctx context.Context, l *model.Listing) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO listings (id, seller_id, product_id, quantity, unit_price, status, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8)`,
		l.ID, l.SellerID, l.ProductID, l.Quantity, l.UnitPrice.String(),
		l.Status, l.CreatedAt, l.ExpiresAt,
	)
	return mapErr(err)
}

func (s *PostgresStore) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	return scanListing(s.db.QueryRow(ctx,
		`SELECT `+listingCols+` FROM listings WHERE id = $1`, id))
}

func (s *PostgresStore) UpdateListing(ctx context.Context, l *model.Listing) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE listings SET quantity = $2, status = $3 WHERE id = $1`,
		l.ID, l.Quantity, l.Status,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListActiveListings(ctx context.Context, f ListingFilter) ([]model.Listing, error) {
	q := `SELECT ` + listingCols + ` FROM listings WHERE status = 'active' AND expires_at > NOW()`
	args := []any{}
	n := 1

	if f.ProductID != "" {
		q += fmt.Sprintf(" AND product_id = $%d", n)
		args = append(args, f.ProductID)
		n++
	}
	if f.MinPrice != nil {
		q += fmt.Sprintf(" AND unit_price >= $%d::NUMERIC", n)
		args = append(args, f.MinPrice.String())
		n++
	}
	if f.MaxPrice != nil {
		q += fmt.Sprintf(" AND unit_price <= $%d::NUMERIC", n)
		args = append(args, f.MaxPrice.String())
		n++
	}

	switch f.SortBy {
	case "price_desc":
		q += " ORDER BY unit_price DESC"
	case "newest":
		q += " ORDER BY created_at DESC"
	default:
		q += " ORDER BY unit_price ASC"
	}
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectListings(rows)
}

func (s *PostgresStore) ListingsBySeller(ctx context.Context, sellerID string) ([]model.Listing, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+listingCols+` FROM listings WHERE seller_id = $1 ORDER BY created_at DESC`, sellerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectListings(rows)
}

func collectListings(rows pgx.Rows) ([]model.Listing, error) {
	var listings []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *l)
	}
	return listings, rows.Err()
}

func (s *PostgresStore) ExpireListings(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE listings SET status = 'expired' WHERE status = 'active' AND expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) ActiveListedQuantity(ctx context.Context, productID string) (int64, error) {
	var total int64
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(quantity), 0)
		 FROM listings
		 WHERE product_id = $1 AND status = 'active' AND expires_at > NOW()`, productID).
		Scan(&total)
	return total, err
}

// --- Trade ledger ---

func (s *PostgresStore) AppendTrade(ctx context.Context, t *model.TradeRecord) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO trades (id, buyer_id, seller_id, product_id, listing_id,
		                     quantity, unit_price, total, fee, net, kind, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12)`,
		t.ID, t.BuyerID, t.SellerID, t.ProductID, t.ListingID,
		t.Quantity, t.UnitPrice.String(), t.Total.String(), t.Fee.String(), t.Net.String(),
		string(t.Kind), t.Timestamp,
	)
	return mapErr(err)
}

const tradeCols = `id, buyer_id, seller_id, product_id, listing_id,
	quantity, unit_price::TEXT, total::TEXT, fee::TEXT, net::TEXT, kind, timestamp`

func collectTrades(rows pgx.Rows) ([]model.TradeRecord, error) {
	var trades []model.TradeRecord
	for rows.Next() {
		var t model.TradeRecord
		var price, total, fee, net, kind string
		if err := rows.Scan(&t.ID, &t.BuyerID, &t.SellerID, &t.ProductID, &t.ListingID,
			&t.Quantity, &price, &total, &fee, &net, &kind, &t.Timestamp); err != nil {
			return nil, err
		}
		t.UnitPrice, _ = decimal.NewFromString(price)
		t.Total, _ = decimal.NewFromString(total)
		t.Fee, _ = decimal.NewFromString(fee)
		t.Net, _ = decimal.NewFromString(net)
		t.Kind = model.TradeKind(kind)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func kindStrings(kinds []model.TradeKind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

// RecentTrades relies on the (product_id, timestamp DESC) index; this is
// the hot query behind every reference-price lookup.
func (s *PostgresStore) RecentTrades(ctx context.Context, productID string, kinds []model.TradeKind, limit int) ([]model.TradeRecord, error) {
	q := `SELECT ` + tradeCols + ` FROM trades WHERE product_id = $1`
	args := []any{productID}
	if len(kinds) > 0 {
		q += ` AND kind = ANY($2)`
		args = append(args, kindStrings(kinds))
	}
	q += fmt.Sprintf(` ORDER BY timestamp DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTrades(rows)
}

func (s *PostgresStore) TradesBetween(ctx context.Context, productID string, kinds []model.TradeKind, from, to time.Time) ([]model.TradeRecord, error) {
	q := `SELECT ` + tradeCols + ` FROM trades
	      WHERE product_id = $1 AND timestamp >= $2 AND timestamp < $3`
	args := []any{productID, from, to}
	if len(kinds) > 0 {
		q += ` AND kind = ANY($4)`
		args = append(args, kindStrings(kinds))
	}
	q += ` ORDER BY timestamp ASC`

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTrades(rows)
}

// --- Production jobs ---

func (s *PostgresStore) CreateProductionJob(ctx context.Context, j *model.ProductionJob) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO production_jobs (id, business_id, product_id, quantity, cost, duration_seconds, status, started_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8)`,
		j.ID, j.BusinessID, j.ProductID, j.Quantity, j.Cost.String(),
		int64(j.Duration/time.Second), j.Status, j.StartedAt,
	)
	return mapErr(err)
}

func scanJob(row pgx.Row) (*model.ProductionJob, error) {
	var j model.ProductionJob
	var cost string
	var durationSec int64
	if err := row.Scan(&j.ID, &j.BusinessID, &j.ProductID, &j.Quantity, &cost,
		&durationSec, &j.Status, &j.StartedAt); err != nil {
		return nil, mapErr(err)
	}
	j.Cost, _ = decimal.NewFromString(cost)
	j.Duration = time.Duration(durationSec) * time.Second
	return &j, nil
}

const jobCols = `id, business_id, product_id, quantity, cost::TEXT, duration_seconds, status, started_at`

func (s *PostgresStore) GetProductionJob(ctx context.Context, id string) (*model.ProductionJob, error) {
	return scanJob(s.db.QueryRow(ctx,
		`SELECT `+jobCols+` FROM production_jobs WHERE id = $1`, id))
}

func (s *PostgresStore) UpdateProductionJob(ctx context.Context, j *model.ProductionJob) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE production_jobs SET status = $2 WHERE id = $1`, j.ID, j.Status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) JobsByBusiness(ctx context.Context, businessID string) ([]model.ProductionJob, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+jobCols+` FROM production_jobs WHERE business_id = $1 ORDER BY started_at`, businessID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []model.ProductionJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// --- Price snapshots ---

func (s *PostgresStore) InsertSnapshot(ctx context.Context, snap *model.PriceSnapshot) error {
	// The unique (product_id, recorded_at) constraint enforces one row
	// per bucket.
	_, err := s.db.Exec(ctx,
		`INSERT INTO price_snapshots (id, product_id, avg_price, min_price, max_price,
		                              reference_price, transaction_count, total_volume,
		                              market_pressure, recorded_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8, $9::NUMERIC, $10)`,
		snap.ID, snap.ProductID, snap.AvgPrice.String(), snap.MinPrice.String(), snap.MaxPrice.String(),
		snap.ReferencePrice.String(), snap.TransactionCount, snap.TotalVolume,
		snap.MarketPressure.String(), snap.RecordedAt,
	)
	return mapErr(err)
}

func (s *PostgresStore) Snapshots(ctx context.Context, productID string, since time.Time) ([]model.PriceSnapshot, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, product_id, avg_price::TEXT, min_price::TEXT, max_price::TEXT,
		        reference_price::TEXT, transaction_count, total_volume,
		        market_pressure::TEXT, recorded_at
		 FROM price_snapshots
		 WHERE product_id = $1 AND recorded_at >= $2
		 ORDER BY recorded_at ASC`, productID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []model.PriceSnapshot
	for rows.Next() {
		var sn model.PriceSnapshot
		var avg, min, max, ref, pressure string
		if err := rows.Scan(&sn.ID, &sn.ProductID, &avg, &min, &max, &ref,
			&sn.TransactionCount, &sn.TotalVolume, &pressure, &sn.RecordedAt); err != nil {
			return nil, err
		}
		sn.AvgPrice, _ = decimal.NewFromString(avg)
		sn.MinPrice, _ = decimal.NewFromString(min)
		sn.MaxPrice, _ = decimal.NewFromString(max)
		sn.ReferencePrice, _ = decimal.NewFromString(ref)
		sn.MarketPressure, _ = decimal.NewFromString(pressure)
		snaps = append(snaps, sn)
	}
	return snaps, rows.Err()
}
