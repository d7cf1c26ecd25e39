package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stocksim/exchange-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Fills are committed inside a single transaction so the per-fill atomic
// unit required by the settlement contract holds across restarts.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Accounts ---

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, name, balance, created_at)
		 VALUES ($1, $2, $3, $4)`,
		a.ID, a.Name, a.Balance, a.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, balance, created_at FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.Name, &a.Balance, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &model.NotFoundError{Kind: "account", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	return &a, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, balance, created_at FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := make([]model.Account, 0)
	for rows.Next() {
		var a model.Account
		if err := rows.Scan(&a.ID, &a.Name, &a.Balance, &a.CreatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// --- Stocks ---

func (s *PostgresStore) CreateStock(ctx context.Context, st *model.Stock) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO stocks (id, symbol, min_price, max_price)
		 VALUES ($1, $2, $3, $4)`,
		st.ID, st.Symbol, st.MinPrice, st.MaxPrice,
	)
	return err
}

func (s *PostgresStore) GetStock(ctx context.Context, id string) (*model.Stock, error) {
	var st model.Stock
	err := s.pool.QueryRow(ctx,
		`SELECT id, symbol, min_price, max_price FROM stocks WHERE id = $1`, id).
		Scan(&st.ID, &st.Symbol, &st.MinPrice, &st.MaxPrice)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &model.NotFoundError{Kind: "stock", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get stock %s: %w", id, err)
	}
	return &st, nil
}

func (s *PostgresStore) GetStockBySymbol(ctx context.Context, symbol string) (*model.Stock, error) {
	var st model.Stock
	err := s.pool.QueryRow(ctx,
		`SELECT id, symbol, min_price, max_price FROM stocks WHERE symbol = $1`, symbol).
		Scan(&st.ID, &st.Symbol, &st.MinPrice, &st.MaxPrice)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &model.NotFoundError{Kind: "stock", Key: symbol}
	}
	if err != nil {
		return nil, fmt.Errorf("get stock by symbol %s: %w", symbol, err)
	}
	return &st, nil
}

func (s *PostgresStore) ListStocks(ctx context.Context) ([]model.Stock, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, symbol, min_price, max_price FROM stocks ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stocks := make([]model.Stock, 0)
	for rows.Next() {
		var st model.Stock
		if err := rows.Scan(&st.ID, &st.Symbol, &st.MinPrice, &st.MaxPrice); err != nil {
			return nil, err
		}
		stocks = append(stocks, st)
	}
	return stocks, rows.Err()
}

// --- Orders ---

const orderColumns = `id, account_id, stock_id, side, price, qty_total, qty_remaining, status, created_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	err := row.Scan(&o.ID, &o.AccountID, &o.StockID, &o.Side, &o.Price,
		&o.QtyTotal, &o.QtyRemaining, &o.Status, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func scanOrders(rows pgx.Rows) ([]model.Order, error) {
	defer rows.Close()
	orders := make([]model.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (`+orderColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		o.ID, o.AccountID, o.StockID, o.Side, o.Price,
		o.QtyTotal, o.QtyRemaining, o.Status, o.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &model.NotFoundError{Kind: "order", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func (s *PostgresStore) RestingOrders(ctx context.Context, stockID string, side model.Side, price int64) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE stock_id = $1 AND side = $2 AND price = $3
		   AND status = $4 AND qty_remaining > 0
		 ORDER BY created_at, id`,
		stockID, side, price, model.StatusOpen)
	if err != nil {
		return nil, err
	}
	return scanOrders(rows)
}

func (s *PostgresStore) OpenOrdersByStock(ctx context.Context, stockID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE stock_id = $1 AND status = $2 AND qty_remaining > 0
		 ORDER BY created_at, id`,
		stockID, model.StatusOpen)
	if err != nil {
		return nil, err
	}
	return scanOrders(rows)
}

func (s *PostgresStore) OpenOrdersByAccount(ctx context.Context, accountID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE account_id = $1 AND status = $2 AND qty_remaining > 0
		 ORDER BY created_at, id`,
		accountID, model.StatusOpen)
	if err != nil {
		return nil, err
	}
	return scanOrders(rows)
}

func (s *PostgresStore) FilledBuyQty(ctx context.Context, stockID string, since time.Time) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(qty_total - qty_remaining), 0)
		 FROM orders
		 WHERE stock_id = $1 AND side = $2 AND created_at >= $3`,
		stockID, model.Buy, since).Scan(&total)
	return total, err
}

// --- Holdings ---

func (s *PostgresStore) GetHolding(ctx context.Context, accountID, stockID string) (*model.Holding, error) {
	var h model.Holding
	err := s.pool.QueryRow(ctx,
		`SELECT account_id, stock_id, qty, total_cost
		 FROM holdings WHERE account_id = $1 AND stock_id = $2`,
		accountID, stockID).
		Scan(&h.AccountID, &h.StockID, &h.Qty, &h.TotalCost)
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.Holding{AccountID: accountID, StockID: stockID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get holding %s/%s: %w", accountID, stockID, err)
	}
	return &h, nil
}

func (s *PostgresStore) UpsertHolding(ctx context.Context, h *model.Holding) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO holdings (account_id, stock_id, qty, total_cost)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (account_id, stock_id)
		 DO UPDATE SET qty = EXCLUDED.qty, total_cost = EXCLUDED.total_cost`,
		h.AccountID, h.StockID, h.Qty, h.TotalCost)
	return err
}

func (s *PostgresStore) HoldingsByAccount(ctx context.Context, accountID string) ([]model.Holding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, stock_id, qty, total_cost
		 FROM holdings WHERE account_id = $1 ORDER BY stock_id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	holdings := make([]model.Holding, 0)
	for rows.Next() {
		var h model.Holding
		if err := rows.Scan(&h.AccountID, &h.StockID, &h.Qty, &h.TotalCost); err != nil {
			return nil, err
		}
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

// --- Ledger ---

func (s *PostgresStore) LedgerEntriesByAccount(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, order_id, amount, balance, created_at
		 FROM ledger_entries WHERE account_id = $1 ORDER BY created_at, id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]model.LedgerEntry, 0)
	for rows.Next() {
		var e model.LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.OrderID, &e.Amount, &e.Balance, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Price bars ---

func (s *PostgresStore) GetBar(ctx context.Context, stockID string, periodStart time.Time) (*model.PriceBar, error) {
	var b model.PriceBar
	err := s.pool.QueryRow(ctx,
		`SELECT stock_id, period_start, open, high, low, close
		 FROM price_bars WHERE stock_id = $1 AND period_start = $2`,
		stockID, periodStart).
		Scan(&b.StockID, &b.PeriodStart, &b.Open, &b.High, &b.Low, &b.Close)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &model.NotFoundError{Kind: "price bar", Key: stockID}
	}
	if err != nil {
		return nil, fmt.Errorf("get bar %s@%s: %w", stockID, periodStart, err)
	}
	return &b, nil
}

func (s *PostgresStore) LastBar(ctx context.Context, stockID string) (*model.PriceBar, error) {
	var b model.PriceBar
	err := s.pool.QueryRow(ctx,
		`SELECT stock_id, period_start, open, high, low, close
		 FROM price_bars WHERE stock_id = $1
		 ORDER BY period_start DESC LIMIT 1`, stockID).
		Scan(&b.StockID, &b.PeriodStart, &b.Open, &b.High, &b.Low, &b.Close)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &model.NotFoundError{Kind: "price bar", Key: stockID}
	}
	if err != nil {
		return nil, fmt.Errorf("last bar %s: %w", stockID, err)
	}
	return &b, nil
}

func (s *PostgresStore) BarsByStock(ctx context.Context, stockID string) ([]model.PriceBar, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT stock_id, period_start, open, high, low, close
		 FROM price_bars WHERE stock_id = $1 ORDER BY period_start`, stockID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bars := make([]model.PriceBar, 0)
	for rows.Next() {
		var b model.PriceBar
		if err := rows.Scan(&b.StockID, &b.PeriodStart, &b.Open, &b.High, &b.Low, &b.Close); err != nil {
			return nil, err
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// --- Fill commit ---

// ApplyFill commits the whole unit in one transaction. Any failure rolls
// back every mutation, leaving the pre-fill state intact.
func (s *PostgresStore) ApplyFill(ctx context.Context, f *model.Fill) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin fill tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, o := range []*model.Order{f.BuyOrder, f.SellOrder} {
		tag, err := tx.Exec(ctx,
			`UPDATE orders SET qty_remaining = $2, status = $3 WHERE id = $1`,
			o.ID, o.QtyRemaining, o.Status)
		if err != nil {
			return fmt.Errorf("update order %s: %w", o.ID, err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("update order %s: not found", o.ID)
		}
	}

	for _, e := range []*model.LedgerEntry{&f.BuyerEntry, &f.SellerEntry} {
		if _, err := tx.Exec(ctx,
			`INSERT INTO ledger_entries (id, account_id, order_id, amount, balance, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			e.ID, e.AccountID, e.OrderID, e.Amount, e.Balance, e.CreatedAt); err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE accounts SET balance = $2 WHERE id = $1`,
			e.AccountID, e.Balance); err != nil {
			return fmt.Errorf("update balance %s: %w", e.AccountID, err)
		}
	}

	for _, h := range []*model.Holding{&f.SellerHolding, &f.BuyerHolding} {
		if _, err := tx.Exec(ctx,
			`INSERT INTO holdings (account_id, stock_id, qty, total_cost)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (account_id, stock_id)
			 DO UPDATE SET qty = EXCLUDED.qty, total_cost = EXCLUDED.total_cost`,
			h.AccountID, h.StockID, h.Qty, h.TotalCost); err != nil {
			return fmt.Errorf("upsert holding %s/%s: %w", h.AccountID, h.StockID, err)
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO price_bars (stock_id, period_start, open, high, low, close)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (stock_id, period_start)
		 DO UPDATE SET high = EXCLUDED.high, low = EXCLUDED.low, close = EXCLUDED.close`,
		f.Bar.StockID, f.Bar.PeriodStart, f.Bar.Open, f.Bar.High, f.Bar.Low, f.Bar.Close); err != nil {
		return fmt.Errorf("upsert price bar: %w", err)
	}

	return tx.Commit(ctx)
}
