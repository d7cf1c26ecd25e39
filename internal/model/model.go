// Package model defines the core domain types shared across the exchange
// engine. Prices and quantities are integer currency units / share counts;
// derived ratios use shopspring/decimal — never float64 for money.
package model

import (
	"time"
)

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Valid reports whether s is one of the two known sides.
func (s Side) Valid() bool { return s == Buy || s == Sell }

// Opposite returns the counter side used when drawing resting orders.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderStatus is the lifecycle state of an order. The only legal
// transition is Open → Filled, taken exactly once when the remaining
// quantity reaches zero.
type OrderStatus string

const (
	StatusOpen   OrderStatus = "OPEN"
	StatusFilled OrderStatus = "FILLED"
)

// Order is a buy or sell submission. Orders are historical records:
// they are mutated only by the matcher during fills and never deleted.
type Order struct {
	ID           string      `json:"id" db:"id"`
	AccountID    string      `json:"account_id" db:"account_id"`
	StockID      string      `json:"stock_id" db:"stock_id"`
	Side         Side        `json:"side" db:"side"`
	Price        int64       `json:"price" db:"price"`
	QtyTotal     int64       `json:"qty_total" db:"qty_total"`
	QtyRemaining int64       `json:"qty_remaining" db:"qty_remaining"`
	Status       OrderStatus `json:"status" db:"status"`
	CreatedAt    time.Time   `json:"created_at" db:"created_at"`
}

// Open reports whether the order can still participate in matching.
func (o *Order) Open() bool { return o.Status == StatusOpen && o.QtyRemaining > 0 }

// LedgerEntry is an immutable cash movement record. One entry is written
// per account per fill, carrying the balance that resulted.
type LedgerEntry struct {
	ID        string    `json:"id" db:"id"`
	AccountID string    `json:"account_id" db:"account_id"`
	OrderID   string    `json:"order_id" db:"order_id"`
	Amount    int64     `json:"amount" db:"amount"`   // signed delta
	Balance   int64     `json:"balance" db:"balance"` // resulting balance
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Holding is the aggregate position of one account in one stock.
// TotalCost accumulates acquisition cost and is not reduced on disposal,
// so the average price drifts across repeated partial sells. The row
// persists even at zero quantity.
type Holding struct {
	AccountID string `json:"account_id" db:"account_id"`
	StockID   string `json:"stock_id" db:"stock_id"`
	Qty       int64  `json:"qty" db:"qty"`
	TotalCost int64  `json:"total_cost" db:"total_cost"`
}

// Acquire adds qty shares bought at price.
func (h *Holding) Acquire(qty, price int64) {
	h.Qty += qty
	h.TotalCost += qty * price
}

// Dispose removes qty shares. Cost basis is left untouched.
func (h *Holding) Dispose(qty int64) {
	h.Qty -= qty
}

// PriceBar is one OHLC record for a stock over one period (calendar day).
// The period start is always supplied by the caller so the engine itself
// never consults the wall clock.
type PriceBar struct {
	StockID     string    `json:"stock_id" db:"stock_id"`
	PeriodStart time.Time `json:"period_start" db:"period_start"`
	Open        int64     `json:"open" db:"open"`
	High        int64     `json:"high" db:"high"`
	Low         int64     `json:"low" db:"low"`
	Close       int64     `json:"close" db:"close"`
}

// Stock is a listed instrument together with its allowed price band
// (the StockCatalog role).
type Stock struct {
	ID       string `json:"id" db:"id"`
	Symbol   string `json:"symbol" db:"symbol"`
	MinPrice int64  `json:"min_price" db:"min_price"`
	MaxPrice int64  `json:"max_price" db:"max_price"`
}

// InBand reports whether price falls inside the stock's allowed band.
func (s *Stock) InBand(price int64) bool {
	return price >= s.MinPrice && price <= s.MaxPrice
}

// Account is a user's cash (parking) account.
type Account struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Balance   int64     `json:"balance" db:"balance"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// RankEntry is one leaderboard row. Score is cash plus mark-to-market
// holdings value at recompute time.
type RankEntry struct {
	Rank      int    `json:"rank"`
	AccountID string `json:"account_id"`
	Score     int64  `json:"score"`
}

// Fill records one matching event between a buy and a sell order.
// Fills are transient: they describe the atomic unit applied to the
// store and are not persisted beyond their effects.
type Fill struct {
	BuyOrder  *Order
	SellOrder *Order
	Qty       int64
	Price     int64

	BuyerEntry  LedgerEntry
	SellerEntry LedgerEntry

	BuyerHolding  Holding
	SellerHolding Holding

	Bar PriceBar
}
