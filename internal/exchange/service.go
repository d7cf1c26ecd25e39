// Package exchange provides the HTTP handlers for submitting orders and
// querying the market: order book, price history, market summary,
// portfolios, open orders, and the ranking leaderboard.
//
// Prices and quantities are integer units; derived ratios use
// shopspring/decimal — never float64 for money.
package exchange

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stocksim/exchange-engine/internal/engine"
	"github.com/stocksim/exchange-engine/internal/metrics"
	"github.com/stocksim/exchange-engine/internal/model"
	"github.com/stocksim/exchange-engine/internal/pricebar"
	"github.com/stocksim/exchange-engine/internal/ranking"
	"github.com/stocksim/exchange-engine/internal/store"
)

// Service wires the matcher, the ranking engine, and the store behind
// the HTTP surface.
type Service struct {
	store   store.Store
	matcher *engine.Matcher
	ranking *ranking.Engine
	now     func() time.Time
}

// NewService creates the exchange HTTP service.
func NewService(st store.Store, m *engine.Matcher, r *ranking.Engine) *Service {
	return &Service{
		store:   st,
		matcher: m,
		ranking: r,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Routes mounts every handler on r under /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Post("/accounts", s.CreateAccount)
	r.Post("/stocks", s.CreateStock)
	r.Post("/accounts/{accountID}/holdings", s.GrantHolding)

	r.Post("/orders", s.SubmitOrder)

	r.Get("/stocks", s.MarketSummary)
	r.Get("/stocks/{symbol}/book", s.OrderBook)
	r.Get("/stocks/{symbol}/history", s.PriceHistory)

	r.Get("/accounts/{accountID}/portfolio", s.Portfolio)
	r.Get("/accounts/{accountID}/orders", s.OpenOrders)

	r.Get("/ranking", s.Leaderboard)
	r.Get("/ranking/{accountID}", s.RankOf)
}

// periodStart is the calendar-day boundary passed to the matcher and the
// daily-volume queries.
func (s *Service) periodStart() time.Time {
	return s.now().Truncate(24 * time.Hour)
}

// --- Request/Response types ---

// CreateAccountRequest is the JSON body for account creation.
type CreateAccountRequest struct {
	Name    string `json:"name"`
	Balance int64  `json:"balance"` // opening cash
}

// CreateStockRequest is the JSON body for listing a stock.
type CreateStockRequest struct {
	Symbol   string `json:"symbol"`
	MinPrice int64  `json:"min_price"`
	MaxPrice int64  `json:"max_price"`
}

// SubmitOrderRequest is the JSON body for POST /orders.
type SubmitOrderRequest struct {
	AccountID string     `json:"account_id"`
	Symbol    string     `json:"symbol"`
	Side      model.Side `json:"side"`
	Price     int64      `json:"price"`
	Qty       int64      `json:"qty"`
}

// SubmitOrderResponse reports the order after matching.
type SubmitOrderResponse struct {
	OrderID      string              `json:"order_id"`
	Status       model.OrderStatus   `json:"status"`
	QtyRemaining int64               `json:"qty_remaining"`
	Fills        []engine.FillReport `json:"fills"`
}

// BookLevel is one (price, side) line of the order book snapshot.
type BookLevel struct {
	Price          int64      `json:"price"`
	Side           model.Side `json:"side"`
	OutstandingQty int64      `json:"outstanding_qty"`
}

// OrderBookResponse is the current price plus outstanding order levels.
type OrderBookResponse struct {
	Symbol       string      `json:"symbol"`
	CurrentPrice int64       `json:"current_price"`
	Levels       []BookLevel `json:"levels"`
}

// PricePoint is one close price for line-granularity history.
type PricePoint struct {
	Date  time.Time `json:"date"`
	Close int64     `json:"close"`
}

// SummaryRow is one stock in the market summary.
type SummaryRow struct {
	Symbol              string          `json:"symbol"`
	CurrentPrice        int64           `json:"current_price"`
	DailyIncomeRatioPct decimal.Decimal `json:"daily_income_ratio_pct"`
	DailyVolume         int64           `json:"daily_volume"`
}

// PortfolioRow is one holding valued at the current market price.
type PortfolioRow struct {
	Symbol        string          `json:"symbol"`
	Qty           int64           `json:"qty"`
	AvgCost       int64           `json:"avg_cost"`
	CurrentPrice  int64           `json:"current_price"`
	MarketValue   int64           `json:"market_value"`
	UnrealizedPnL int64           `json:"unrealized_pnl"`
	PnLRatioPct   decimal.Decimal `json:"pnl_ratio_pct"`
}

// PortfolioResponse aggregates an account's holdings.
type PortfolioResponse struct {
	AccountID  string         `json:"account_id"`
	Holdings   []PortfolioRow `json:"holdings"`
	TotalValue int64          `json:"total_value"`
	TotalPnL   int64          `json:"total_pnl"`
}

// OpenOrderRow is one unfilled order of an account.
type OpenOrderRow struct {
	OrderID  string     `json:"order_id"`
	Symbol   string     `json:"symbol"`
	Side     model.Side `json:"side"`
	Price    int64      `json:"price"`
	Qty      int64      `json:"qty"` // remaining
	Notional int64      `json:"notional"`
}

// --- Handlers ---

// CreateAccount handles POST /api/v1/accounts
func (s *Service) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		writeError(w, "name is required", http.StatusBadRequest)
		return
	}
	if req.Balance < 0 {
		writeError(w, "balance must not be negative", http.StatusBadRequest)
		return
	}

	account := &model.Account{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Balance:   req.Balance,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateAccount(r.Context(), account); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	slog.Info("account created", "id", account.ID, "name", account.Name)
	writeJSON(w, http.StatusCreated, account)
}

// symbolRegex matches ticker symbols: 1-10 uppercase alphanumerics
// starting with a letter. Example: ACME, BRK2.
var symbolRegex = regexp.MustCompile(`^[A-Z][A-Z0-9]{0,9}$`)

// CreateStock handles POST /api/v1/stocks
func (s *Service) CreateStock(w http.ResponseWriter, r *http.Request) {
	var req CreateStockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !symbolRegex.MatchString(req.Symbol) {
		writeError(w, "symbol must be 1-10 uppercase alphanumerics starting with a letter", http.StatusBadRequest)
		return
	}
	if req.MinPrice <= 0 || req.MaxPrice < req.MinPrice {
		writeError(w, "price band must satisfy 0 < min_price <= max_price", http.StatusBadRequest)
		return
	}

	stock := &model.Stock{
		ID:       uuid.New().String(),
		Symbol:   req.Symbol,
		MinPrice: req.MinPrice,
		MaxPrice: req.MaxPrice,
	}
	if err := s.store.CreateStock(r.Context(), stock); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	slog.Info("stock listed", "id", stock.ID, "symbol", stock.Symbol)
	writeJSON(w, http.StatusCreated, stock)
}

// GrantHoldingRequest is the JSON body for issuing shares to an account
// outside the matching path (initial distribution).
type GrantHoldingRequest struct {
	Symbol string `json:"symbol"`
	Qty    int64  `json:"qty"`
	Price  int64  `json:"price"` // acquisition price recorded in the cost basis
}

// GrantHolding handles POST /api/v1/accounts/{accountID}/holdings
func (s *Service) GrantHolding(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := chi.URLParam(r, "accountID")

	var req GrantHoldingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Qty <= 0 || req.Price < 0 {
		writeError(w, "qty must be positive and price non-negative", http.StatusBadRequest)
		return
	}

	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		writeEngineError(w, err)
		return
	}
	stock, err := s.store.GetStockBySymbol(ctx, req.Symbol)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	holding, err := s.store.GetHolding(ctx, accountID, stock.ID)
	if err != nil {
		writeError(w, "failed to load holding", http.StatusInternalServerError)
		return
	}
	holding.Acquire(req.Qty, req.Price)
	if err := s.store.UpsertHolding(ctx, holding); err != nil {
		writeError(w, "failed to persist holding", http.StatusInternalServerError)
		return
	}

	slog.Info("shares granted",
		"account", accountID, "symbol", req.Symbol, "qty", req.Qty, "price", req.Price)
	writeJSON(w, http.StatusOK, holding)
}

// SubmitOrder handles POST /api/v1/orders
func (s *Service) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := s.matcher.Submit(r.Context(), engine.SubmitRequest{
		Side:        req.Side,
		AccountID:   req.AccountID,
		Symbol:      req.Symbol,
		Price:       req.Price,
		Qty:         req.Qty,
		PeriodStart: s.periodStart(),
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SubmitOrderResponse{
		OrderID:      result.Order.ID,
		Status:       result.Order.Status,
		QtyRemaining: result.Order.QtyRemaining,
		Fills:        result.Fills,
	})
}

// OrderBook handles GET /api/v1/stocks/{symbol}/book
func (s *Service) OrderBook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stock, err := s.store.GetStockBySymbol(ctx, chi.URLParam(r, "symbol"))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	orders, err := s.store.OpenOrdersByStock(ctx, stock.ID)
	if err != nil {
		writeError(w, "failed to load order book", http.StatusInternalServerError)
		return
	}

	type levelKey struct {
		price int64
		side  model.Side
	}
	agg := make(map[levelKey]int64)
	keys := make([]levelKey, 0)
	for _, o := range orders {
		k := levelKey{price: o.Price, side: o.Side}
		if _, ok := agg[k]; !ok {
			keys = append(keys, k)
		}
		agg[k] += o.QtyRemaining
	}

	levels := make([]BookLevel, 0, len(keys))
	for _, k := range keys {
		levels = append(levels, BookLevel{Price: k.price, Side: k.side, OutstandingQty: agg[k]})
	}

	writeJSON(w, http.StatusOK, OrderBookResponse{
		Symbol:       stock.Symbol,
		CurrentPrice: s.lastPrice(r, stock.ID),
		Levels:       levels,
	})
}

// PriceHistory handles GET /api/v1/stocks/{symbol}/history
// Query params: granularity=line|bar (default line), period=N (default 1).
func (s *Service) PriceHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stock, err := s.store.GetStockBySymbol(ctx, chi.URLParam(r, "symbol"))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	granularity := r.URL.Query().Get("granularity")
	if granularity == "" {
		granularity = "line"
	}
	period := 1
	if p := r.URL.Query().Get("period"); p != "" {
		period, err = strconv.Atoi(p)
		if err != nil || period < 1 {
			writeError(w, "period must be a positive integer", http.StatusBadRequest)
			return
		}
	}

	bars, err := s.store.BarsByStock(ctx, stock.ID)
	if err != nil {
		writeError(w, "failed to load price history", http.StatusInternalServerError)
		return
	}

	switch granularity {
	case "line":
		points := make([]PricePoint, 0, len(bars))
		start := 0
		if len(bars) > period {
			start = len(bars) - period
		}
		for _, b := range bars[start:] {
			points = append(points, PricePoint{Date: b.PeriodStart, Close: b.Close})
		}
		writeJSON(w, http.StatusOK, points)
	case "bar":
		writeJSON(w, http.StatusOK, pricebar.Aggregate(bars, period))
	default:
		writeError(w, "granularity must be line or bar", http.StatusBadRequest)
	}
}

// MarketSummary handles GET /api/v1/stocks
func (s *Service) MarketSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stocks, err := s.store.ListStocks(ctx)
	if err != nil {
		writeError(w, "failed to list stocks", http.StatusInternalServerError)
		return
	}

	since := s.periodStart()
	rows := make([]SummaryRow, 0, len(stocks))
	for _, st := range stocks {
		row := SummaryRow{Symbol: st.Symbol, DailyIncomeRatioPct: decimal.Zero}

		if bar, err := s.store.LastBar(ctx, st.ID); err == nil {
			row.CurrentPrice = bar.Close
			row.DailyIncomeRatioPct = pricebar.ChangeRatioPct(bar.Open, bar.Close)
		} else if !model.IsNotFound(err) {
			writeError(w, "failed to load prices", http.StatusInternalServerError)
			return
		}

		volume, err := s.store.FilledBuyQty(ctx, st.ID, since)
		if err != nil {
			writeError(w, "failed to load volume", http.StatusInternalServerError)
			return
		}
		row.DailyVolume = volume

		rows = append(rows, row)
	}
	writeJSON(w, http.StatusOK, rows)
}

// Portfolio handles GET /api/v1/accounts/{accountID}/portfolio
func (s *Service) Portfolio(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := chi.URLParam(r, "accountID")

	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		writeEngineError(w, err)
		return
	}
	holdings, err := s.store.HoldingsByAccount(ctx, accountID)
	if err != nil {
		writeError(w, "failed to load holdings", http.StatusInternalServerError)
		return
	}

	resp := PortfolioResponse{AccountID: accountID, Holdings: make([]PortfolioRow, 0, len(holdings))}
	for _, h := range holdings {
		if h.Qty == 0 {
			// Sold-out rows persist in the ledger but carry no value.
			continue
		}
		stock, err := s.store.GetStock(ctx, h.StockID)
		if err != nil {
			writeEngineError(w, err)
			return
		}

		current := s.lastPrice(r, h.StockID)
		marketValue := h.Qty * current
		pnl := marketValue - h.TotalCost

		ratio := decimal.Zero
		if current != 0 {
			// Original ratio definition: P&L over one share's current price.
			ratio = decimal.NewFromInt(pnl).
				Div(decimal.NewFromInt(current)).
				Mul(decimal.NewFromInt(100)).
				Round(2)
		}

		resp.Holdings = append(resp.Holdings, PortfolioRow{
			Symbol:        stock.Symbol,
			Qty:           h.Qty,
			AvgCost:       h.TotalCost / h.Qty,
			CurrentPrice:  current,
			MarketValue:   marketValue,
			UnrealizedPnL: pnl,
			PnLRatioPct:   ratio,
		})
		resp.TotalValue += marketValue
		resp.TotalPnL += pnl
	}
	writeJSON(w, http.StatusOK, resp)
}

// OpenOrders handles GET /api/v1/accounts/{accountID}/orders
func (s *Service) OpenOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := chi.URLParam(r, "accountID")

	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		writeEngineError(w, err)
		return
	}
	orders, err := s.store.OpenOrdersByAccount(ctx, accountID)
	if err != nil {
		writeError(w, "failed to load open orders", http.StatusInternalServerError)
		return
	}

	rows := make([]OpenOrderRow, 0, len(orders))
	for _, o := range orders {
		stock, err := s.store.GetStock(ctx, o.StockID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		rows = append(rows, OpenOrderRow{
			OrderID:  o.ID,
			Symbol:   stock.Symbol,
			Side:     o.Side,
			Price:    o.Price,
			Qty:      o.QtyRemaining,
			Notional: o.Price * o.QtyRemaining,
		})
	}
	writeJSON(w, http.StatusOK, rows)
}

// Leaderboard handles GET /api/v1/ranking
func (s *Service) Leaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := s.ranking.Top(r.Context(), ranking.DefaultTopN)
	if err != nil {
		writeError(w, "failed to load leaderboard", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// RankOf handles GET /api/v1/ranking/{accountID}
func (s *Service) RankOf(w http.ResponseWriter, r *http.Request) {
	entry, err := s.ranking.RankOf(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// --- Helpers ---

// lastPrice reads the current market price, zero when never traded.
func (s *Service) lastPrice(r *http.Request, stockID string) int64 {
	bar, err := s.store.LastBar(r.Context(), stockID)
	if err != nil {
		return 0
	}
	return bar.Close
}

// writeEngineError maps the engine's error taxonomy to HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case model.IsValidation(err):
		metrics.ValidationRejections.WithLabelValues(rejectionReason(err)).Inc()
		writeError(w, err.Error(), http.StatusConflict)
	case model.IsNotFound(err):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, model.ErrSettlementFailure):
		writeError(w, err.Error(), http.StatusInternalServerError)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, model.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, model.ErrInsufficientHoldings):
		return "insufficient_holdings"
	case errors.Is(err, model.ErrPriceOutOfBand):
		return "price_out_of_band"
	case errors.Is(err, model.ErrInvalidQuantity):
		return "invalid_quantity"
	default:
		return "other"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
