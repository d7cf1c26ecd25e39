package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stocksim/exchange-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*model.Account
	stocks   map[string]*model.Stock
	orders   map[string]*model.Order
	holdings map[string]*model.Holding // key accountID|stockID
	ledger   []model.LedgerEntry
	bars     map[string][]model.PriceBar // stockID → oldest first
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*model.Account),
		stocks:   make(map[string]*model.Stock),
		orders:   make(map[string]*model.Order),
		holdings: make(map[string]*model.Holding),
		bars:     make(map[string][]model.PriceBar),
	}
}

func holdingKey(accountID, stockID string) string { return accountID + "|" + stockID }

// --- Accounts ---

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.ID]; ok {
		return fmt.Errorf("account %s already exists", a.ID)
	}
	copy := *a
	s.accounts[a.ID] = &copy
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, &model.NotFoundError{Kind: "account", Key: id}
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		accounts = append(accounts, *a)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	return accounts, nil
}

// --- Stocks ---

func (s *MemoryStore) CreateStock(_ context.Context, st *model.Stock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.stocks {
		if existing.Symbol == st.Symbol {
			return fmt.Errorf("stock %s already listed", st.Symbol)
		}
	}
	copy := *st
	s.stocks[st.ID] = &copy
	return nil
}

func (s *MemoryStore) GetStock(_ context.Context, id string) (*model.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stocks[id]
	if !ok {
		return nil, &model.NotFoundError{Kind: "stock", Key: id}
	}
	copy := *st
	return &copy, nil
}

func (s *MemoryStore) GetStockBySymbol(_ context.Context, symbol string) (*model.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, st := range s.stocks {
		if st.Symbol == symbol {
			copy := *st
			return &copy, nil
		}
	}
	return nil, &model.NotFoundError{Kind: "stock", Key: symbol}
}

func (s *MemoryStore) ListStocks(_ context.Context) ([]model.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stocks := make([]model.Stock, 0, len(s.stocks))
	for _, st := range s.stocks {
		stocks = append(stocks, *st)
	}
	sort.Slice(stocks, func(i, j int) bool { return stocks[i].Symbol < stocks[j].Symbol })
	return stocks, nil
}

// --- Orders ---

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	copy := *o
	s.orders[o.ID] = &copy
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, &model.NotFoundError{Kind: "order", Key: id}
	}
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) RestingOrders(_ context.Context, stockID string, side model.Side, price int64) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := make([]model.Order, 0)
	for _, o := range s.orders {
		if o.StockID == stockID && o.Side == side && o.Price == price && o.Open() {
			orders = append(orders, *o)
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	return orders, nil
}

func (s *MemoryStore) OpenOrdersByStock(_ context.Context, stockID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := make([]model.Order, 0)
	for _, o := range s.orders {
		if o.StockID == stockID && o.Open() {
			orders = append(orders, *o)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.Before(orders[j].CreatedAt) })
	return orders, nil
}

func (s *MemoryStore) OpenOrdersByAccount(_ context.Context, accountID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := make([]model.Order, 0)
	for _, o := range s.orders {
		if o.AccountID == accountID && o.Open() {
			orders = append(orders, *o)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.Before(orders[j].CreatedAt) })
	return orders, nil
}

func (s *MemoryStore) FilledBuyQty(_ context.Context, stockID string, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, o := range s.orders {
		if o.StockID == stockID && o.Side == model.Buy && !o.CreatedAt.Before(since) {
			total += o.QtyTotal - o.QtyRemaining
		}
	}
	return total, nil
}

// --- Holdings ---

func (s *MemoryStore) GetHolding(_ context.Context, accountID, stockID string) (*model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if h, ok := s.holdings[holdingKey(accountID, stockID)]; ok {
		copy := *h
		return &copy, nil
	}
	// Never-acquired positions read as an explicit zero row.
	return &model.Holding{AccountID: accountID, StockID: stockID}, nil
}

func (s *MemoryStore) UpsertHolding(_ context.Context, h *model.Holding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *h
	s.holdings[holdingKey(h.AccountID, h.StockID)] = &copy
	return nil
}

func (s *MemoryStore) HoldingsByAccount(_ context.Context, accountID string) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	holdings := make([]model.Holding, 0)
	for _, h := range s.holdings {
		if h.AccountID == accountID {
			holdings = append(holdings, *h)
		}
	}
	sort.Slice(holdings, func(i, j int) bool { return holdings[i].StockID < holdings[j].StockID })
	return holdings, nil
}

// --- Ledger ---

func (s *MemoryStore) LedgerEntriesByAccount(_ context.Context, accountID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]model.LedgerEntry, 0)
	for _, e := range s.ledger {
		if e.AccountID == accountID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// --- Price bars ---

func (s *MemoryStore) GetBar(_ context.Context, stockID string, periodStart time.Time) (*model.PriceBar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, b := range s.bars[stockID] {
		if b.PeriodStart.Equal(periodStart) {
			copy := b
			return &copy, nil
		}
	}
	return nil, &model.NotFoundError{Kind: "price bar", Key: stockID}
}

func (s *MemoryStore) LastBar(_ context.Context, stockID string) (*model.PriceBar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bars := s.bars[stockID]
	if len(bars) == 0 {
		return nil, &model.NotFoundError{Kind: "price bar", Key: stockID}
	}
	copy := bars[len(bars)-1]
	return &copy, nil
}

func (s *MemoryStore) BarsByStock(_ context.Context, stockID string) ([]model.PriceBar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bars := make([]model.PriceBar, len(s.bars[stockID]))
	copy(bars, s.bars[stockID])
	return bars, nil
}

// --- Fill commit ---

// ApplyFill applies the whole unit under one lock: validate every target
// row first, then mutate, so a failure leaves the pre-fill state intact.
func (s *MemoryStore) ApplyFill(_ context.Context, f *model.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buy, ok := s.orders[f.BuyOrder.ID]
	if !ok {
		return fmt.Errorf("apply fill: order %s not found", f.BuyOrder.ID)
	}
	sell, ok := s.orders[f.SellOrder.ID]
	if !ok {
		return fmt.Errorf("apply fill: order %s not found", f.SellOrder.ID)
	}
	buyer, ok := s.accounts[f.BuyerEntry.AccountID]
	if !ok {
		return fmt.Errorf("apply fill: account %s not found", f.BuyerEntry.AccountID)
	}
	seller, ok := s.accounts[f.SellerEntry.AccountID]
	if !ok {
		return fmt.Errorf("apply fill: account %s not found", f.SellerEntry.AccountID)
	}

	buy.QtyRemaining = f.BuyOrder.QtyRemaining
	buy.Status = f.BuyOrder.Status
	sell.QtyRemaining = f.SellOrder.QtyRemaining
	sell.Status = f.SellOrder.Status

	buyer.Balance = f.BuyerEntry.Balance
	seller.Balance = f.SellerEntry.Balance
	s.ledger = append(s.ledger, f.BuyerEntry, f.SellerEntry)

	bh := f.BuyerHolding
	sh := f.SellerHolding
	s.holdings[holdingKey(bh.AccountID, bh.StockID)] = &bh
	s.holdings[holdingKey(sh.AccountID, sh.StockID)] = &sh

	bars := s.bars[f.Bar.StockID]
	replaced := false
	for i := range bars {
		if bars[i].PeriodStart.Equal(f.Bar.PeriodStart) {
			bars[i] = f.Bar
			replaced = true
			break
		}
	}
	if !replaced {
		s.bars[f.Bar.StockID] = append(bars, f.Bar)
	}
	return nil
}
