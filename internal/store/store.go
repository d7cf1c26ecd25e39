// Package store defines the persistence interface for the exchange engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"time"

	"github.com/stocksim/exchange-engine/internal/model"
)

// Store is the persistence interface. It covers the account directory,
// the stock catalog, and the durable order/ledger/holding/bar state.
// PostgreSQL is the source of truth; Redis provides a read-through cache.
type Store interface {
	// --- Accounts (directory role) ---

	// CreateAccount persists a new cash account.
	CreateAccount(ctx context.Context, a *model.Account) error

	// GetAccount retrieves an account by ID.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// ListAccounts returns every account, for batch ranking recomputes.
	ListAccounts(ctx context.Context) ([]model.Account, error)

	// --- Stocks (catalog role) ---

	// CreateStock lists a new instrument.
	CreateStock(ctx context.Context, s *model.Stock) error

	// GetStock retrieves a stock by ID.
	GetStock(ctx context.Context, id string) (*model.Stock, error)

	// GetStockBySymbol retrieves a stock by its ticker symbol.
	GetStockBySymbol(ctx context.Context, symbol string) (*model.Stock, error)

	// ListStocks returns every listed stock.
	ListStocks(ctx context.Context) ([]model.Stock, error)

	// --- Orders ---

	// CreateOrder persists a newly submitted order.
	CreateOrder(ctx context.Context, o *model.Order) error

	// GetOrder retrieves an order by ID.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// RestingOrders returns the open orders of one side at exactly the
	// given price, oldest first. An empty book is an empty slice, never
	// nil-as-signal.
	RestingOrders(ctx context.Context, stockID string, side model.Side, price int64) ([]model.Order, error)

	// OpenOrdersByStock returns all open orders for a stock, both sides.
	OpenOrdersByStock(ctx context.Context, stockID string) ([]model.Order, error)

	// OpenOrdersByAccount returns an account's unfilled orders.
	OpenOrdersByAccount(ctx context.Context, accountID string) ([]model.Order, error)

	// FilledBuyQty sums filled buy quantity (total minus remaining) for
	// orders created at or after since. Used for daily volume.
	FilledBuyQty(ctx context.Context, stockID string, since time.Time) (int64, error)

	// --- Holdings ---

	// GetHolding returns the (account, stock) position. A position that
	// was never created is returned as a zero-quantity row, not an error.
	GetHolding(ctx context.Context, accountID, stockID string) (*model.Holding, error)

	// UpsertHolding writes a holding row directly. Used for share
	// issuance outside the matching path.
	UpsertHolding(ctx context.Context, h *model.Holding) error

	// HoldingsByAccount returns every holding row for an account.
	HoldingsByAccount(ctx context.Context, accountID string) ([]model.Holding, error)

	// --- Cash ledger ---

	// LedgerEntriesByAccount returns an account's entries, oldest first.
	LedgerEntriesByAccount(ctx context.Context, accountID string) ([]model.LedgerEntry, error)

	// --- Price bars ---

	// GetBar returns the bar for one stock and period start, or a
	// NotFoundError when no trade has opened that period yet.
	GetBar(ctx context.Context, stockID string, periodStart time.Time) (*model.PriceBar, error)

	// LastBar returns the most recent bar for a stock, or a NotFoundError
	// when the stock has never traded.
	LastBar(ctx context.Context, stockID string) (*model.PriceBar, error)

	// BarsByStock returns all bars for a stock, oldest first.
	BarsByStock(ctx context.Context, stockID string) ([]model.PriceBar, error)

	// --- Fill commit ---

	// ApplyFill commits one fill's atomic unit: both order updates, both
	// ledger entries, both holding rows, both balances, and the price
	// bar. Either everything is applied or nothing is.
	ApplyFill(ctx context.Context, f *model.Fill) error
}
