package exchange_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/stocksim/exchange-engine/internal/engine"
	"github.com/stocksim/exchange-engine/internal/exchange"
	"github.com/stocksim/exchange-engine/internal/model"
	"github.com/stocksim/exchange-engine/internal/ranking"
	"github.com/stocksim/exchange-engine/internal/store"
)

func newTestRouter(t *testing.T) chi.Router {
	t.Helper()
	ms := store.NewMemoryStore()
	matcher := engine.NewMatcher(ms)
	rank := ranking.NewEngine(ms, ranking.NewMemoryLeaderboard())
	svc := exchange.NewService(ms, matcher, rank)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return r
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response: %v (body: %s)", err, rec.Body.String())
	}
	return v
}

func createAccount(t *testing.T, router http.Handler, name string, balance int64) string {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/v1/accounts",
		exchange.CreateAccountRequest{Name: name, Balance: balance})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create account: got %d: %s", rec.Code, rec.Body.String())
	}
	return decode[model.Account](t, rec).ID
}

func createStock(t *testing.T, router http.Handler, symbol string, min, max int64) {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/v1/stocks",
		exchange.CreateStockRequest{Symbol: symbol, MinPrice: min, MaxPrice: max})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create stock: got %d: %s", rec.Code, rec.Body.String())
	}
}

func grantShares(t *testing.T, router http.Handler, accountID, symbol string, qty, price int64) {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost,
		fmt.Sprintf("/api/v1/accounts/%s/holdings", accountID),
		exchange.GrantHoldingRequest{Symbol: symbol, Qty: qty, Price: price})
	if rec.Code != http.StatusOK {
		t.Fatalf("grant holding: got %d: %s", rec.Code, rec.Body.String())
	}
}

func submitOrder(t *testing.T, router http.Handler, accountID, symbol string, side model.Side, price, qty int64) exchange.SubmitOrderResponse {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/v1/orders", exchange.SubmitOrderRequest{
		AccountID: accountID, Symbol: symbol, Side: side, Price: price, Qty: qty,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("submit order: got %d: %s", rec.Code, rec.Body.String())
	}
	return decode[exchange.SubmitOrderResponse](t, rec)
}

func TestCreateAccount(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/accounts",
		exchange.CreateAccountRequest{Name: "alice", Balance: 1000})
	if rec.Code != http.StatusCreated {
		t.Fatalf("got %d: %s", rec.Code, rec.Body.String())
	}
	account := decode[model.Account](t, rec)
	if account.ID == "" || account.Name != "alice" || account.Balance != 1000 {
		t.Errorf("unexpected account: %+v", account)
	}
}

func TestCreateAccount_Invalid(t *testing.T) {
	router := newTestRouter(t)

	cases := []struct {
		name string
		body exchange.CreateAccountRequest
	}{
		{"missing name", exchange.CreateAccountRequest{Balance: 100}},
		{"negative balance", exchange.CreateAccountRequest{Name: "x", Balance: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, router, http.MethodPost, "/api/v1/accounts", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("got %d, want 400", rec.Code)
			}
		})
	}
}

func TestCreateStock_DuplicateSymbol(t *testing.T) {
	router := newTestRouter(t)
	createStock(t, router, "ACME", 1, 1000)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/stocks",
		exchange.CreateStockRequest{Symbol: "ACME", MinPrice: 1, MaxPrice: 1000})
	if rec.Code != http.StatusConflict {
		t.Errorf("got %d, want 409", rec.Code)
	}
}

func TestCreateStock_Invalid(t *testing.T) {
	router := newTestRouter(t)

	cases := []struct {
		name string
		body exchange.CreateStockRequest
	}{
		{"inverted band", exchange.CreateStockRequest{Symbol: "ACME", MinPrice: 100, MaxPrice: 50}},
		{"zero min price", exchange.CreateStockRequest{Symbol: "ACME", MinPrice: 0, MaxPrice: 100}},
		{"lowercase symbol", exchange.CreateStockRequest{Symbol: "acme", MinPrice: 1, MaxPrice: 100}},
		{"empty symbol", exchange.CreateStockRequest{MinPrice: 1, MaxPrice: 100}},
		{"symbol too long", exchange.CreateStockRequest{Symbol: "ABCDEFGHIJK", MinPrice: 1, MaxPrice: 100}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, router, http.MethodPost, "/api/v1/stocks", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("got %d, want 400", rec.Code)
			}
		})
	}
}

func TestSubmitOrder_MatchesThroughAPI(t *testing.T) {
	router := newTestRouter(t)
	createStock(t, router, "ACME", 1, 1000)
	alice := createAccount(t, router, "alice", 10000)
	bob := createAccount(t, router, "bob", 0)
	grantShares(t, router, bob, "ACME", 5, 80)

	sell := submitOrder(t, router, bob, "ACME", model.Sell, 100, 5)
	if sell.Status != model.StatusOpen || len(sell.Fills) != 0 {
		t.Fatalf("sell should rest open, got %+v", sell)
	}

	buy := submitOrder(t, router, alice, "ACME", model.Buy, 100, 5)
	if buy.Status != model.StatusFilled || buy.QtyRemaining != 0 {
		t.Errorf("buy should fill completely, got %+v", buy)
	}
	if len(buy.Fills) != 1 || buy.Fills[0].Qty != 5 || buy.Fills[0].CounterOrderID != sell.OrderID {
		t.Errorf("unexpected fills: %+v", buy.Fills)
	}
}

func TestSubmitOrder_RejectionStatuses(t *testing.T) {
	router := newTestRouter(t)
	createStock(t, router, "ACME", 50, 150)
	alice := createAccount(t, router, "alice", 100)

	cases := []struct {
		name string
		body exchange.SubmitOrderRequest
		want int
	}{
		{"insufficient funds",
			exchange.SubmitOrderRequest{AccountID: alice, Symbol: "ACME", Side: model.Buy, Price: 100, Qty: 5},
			http.StatusConflict},
		{"insufficient holdings",
			exchange.SubmitOrderRequest{AccountID: alice, Symbol: "ACME", Side: model.Sell, Price: 100, Qty: 5},
			http.StatusConflict},
		{"price below band",
			exchange.SubmitOrderRequest{AccountID: alice, Symbol: "ACME", Side: model.Buy, Price: 10, Qty: 1},
			http.StatusConflict},
		{"zero quantity",
			exchange.SubmitOrderRequest{AccountID: alice, Symbol: "ACME", Side: model.Buy, Price: 100, Qty: 0},
			http.StatusConflict},
		{"unknown symbol",
			exchange.SubmitOrderRequest{AccountID: alice, Symbol: "NOPE", Side: model.Buy, Price: 100, Qty: 1},
			http.StatusNotFound},
		{"unknown account",
			exchange.SubmitOrderRequest{AccountID: "nobody", Symbol: "ACME", Side: model.Buy, Price: 100, Qty: 1},
			http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, router, http.MethodPost, "/api/v1/orders", tc.body)
			if rec.Code != tc.want {
				t.Errorf("got %d, want %d: %s", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestOrderBook_AggregatesLevels(t *testing.T) {
	router := newTestRouter(t)
	createStock(t, router, "ACME", 1, 1000)
	alice := createAccount(t, router, "alice", 100000)
	bob := createAccount(t, router, "bob", 0)
	grantShares(t, router, bob, "ACME", 20, 90)

	submitOrder(t, router, bob, "ACME", model.Sell, 100, 5)
	submitOrder(t, router, bob, "ACME", model.Sell, 100, 3)
	submitOrder(t, router, alice, "ACME", model.Buy, 90, 10)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/stocks/ACME/book", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d: %s", rec.Code, rec.Body.String())
	}
	book := decode[exchange.OrderBookResponse](t, rec)

	if len(book.Levels) != 2 {
		t.Fatalf("expected 2 levels, got %d: %+v", len(book.Levels), book.Levels)
	}
	byLevel := make(map[string]int64)
	for _, l := range book.Levels {
		byLevel[fmt.Sprintf("%s@%d", l.Side, l.Price)] = l.OutstandingQty
	}
	if byLevel["SELL@100"] != 8 {
		t.Errorf("SELL@100: got %d, want 8", byLevel["SELL@100"])
	}
	if byLevel["BUY@90"] != 10 {
		t.Errorf("BUY@90: got %d, want 10", byLevel["BUY@90"])
	}
	if book.CurrentPrice != 0 {
		t.Errorf("no trade yet, current price should be 0, got %d", book.CurrentPrice)
	}
}

func TestOrderBook_UnknownSymbol(t *testing.T) {
	router := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/api/v1/stocks/NOPE/book", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("got %d, want 404", rec.Code)
	}
}

func TestPriceHistory(t *testing.T) {
	router := newTestRouter(t)
	createStock(t, router, "ACME", 1, 1000)
	alice := createAccount(t, router, "alice", 100000)
	bob := createAccount(t, router, "bob", 0)
	grantShares(t, router, bob, "ACME", 10, 90)

	submitOrder(t, router, bob, "ACME", model.Sell, 100, 5)
	submitOrder(t, router, alice, "ACME", model.Buy, 100, 5)

	t.Run("line", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodGet, "/api/v1/stocks/ACME/history?granularity=line&period=30", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("got %d: %s", rec.Code, rec.Body.String())
		}
		points := decode[[]exchange.PricePoint](t, rec)
		if len(points) != 1 || points[0].Close != 100 {
			t.Errorf("unexpected points: %+v", points)
		}
	})

	t.Run("bar", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodGet, "/api/v1/stocks/ACME/history?granularity=bar&period=1", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("got %d: %s", rec.Code, rec.Body.String())
		}
		bars := decode[[]model.PriceBar](t, rec)
		if len(bars) != 1 || bars[0].Open != 100 || bars[0].Close != 100 {
			t.Errorf("unexpected bars: %+v", bars)
		}
	})

	t.Run("bad granularity", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodGet, "/api/v1/stocks/ACME/history?granularity=candlestick", nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("got %d, want 400", rec.Code)
		}
	})

	t.Run("bad period", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodGet, "/api/v1/stocks/ACME/history?period=zero", nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("got %d, want 400", rec.Code)
		}
	})
}

func TestMarketSummary(t *testing.T) {
	router := newTestRouter(t)
	createStock(t, router, "ACME", 1, 1000)
	createStock(t, router, "GHOST", 1, 1000)
	alice := createAccount(t, router, "alice", 100000)
	bob := createAccount(t, router, "bob", 0)
	grantShares(t, router, bob, "ACME", 10, 90)

	submitOrder(t, router, bob, "ACME", model.Sell, 100, 4)
	submitOrder(t, router, alice, "ACME", model.Buy, 100, 4)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/stocks", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d: %s", rec.Code, rec.Body.String())
	}
	rows := decode[[]exchange.SummaryRow](t, rec)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}

	byID := make(map[string]exchange.SummaryRow)
	for _, row := range rows {
		byID[row.Symbol] = row
	}
	if acme := byID["ACME"]; acme.CurrentPrice != 100 || acme.DailyVolume != 4 {
		t.Errorf("ACME: got price=%d volume=%d, want 100/4", acme.CurrentPrice, acme.DailyVolume)
	}
	if ghost := byID["GHOST"]; ghost.CurrentPrice != 0 || ghost.DailyVolume != 0 {
		t.Errorf("GHOST never traded: got %+v", ghost)
	}
}

func TestPortfolio(t *testing.T) {
	router := newTestRouter(t)
	createStock(t, router, "ACME", 1, 1000)
	alice := createAccount(t, router, "alice", 10000)
	bob := createAccount(t, router, "bob", 0)
	grantShares(t, router, bob, "ACME", 10, 80)

	submitOrder(t, router, bob, "ACME", model.Sell, 100, 10)
	submitOrder(t, router, alice, "ACME", model.Buy, 100, 10)

	rec := doJSON(t, router, http.MethodGet, fmt.Sprintf("/api/v1/accounts/%s/portfolio", alice), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[exchange.PortfolioResponse](t, rec)

	if len(resp.Holdings) != 1 {
		t.Fatalf("expected 1 holding, got %d", len(resp.Holdings))
	}
	row := resp.Holdings[0]
	if row.Symbol != "ACME" || row.Qty != 10 || row.AvgCost != 100 {
		t.Errorf("unexpected row: %+v", row)
	}
	if row.MarketValue != 1000 || row.UnrealizedPnL != 0 {
		t.Errorf("value/pnl: got %d/%d, want 1000/0", row.MarketValue, row.UnrealizedPnL)
	}
	if resp.TotalValue != 1000 || resp.TotalPnL != 0 {
		t.Errorf("totals: got %d/%d, want 1000/0", resp.TotalValue, resp.TotalPnL)
	}
}

func TestPortfolio_SoldOutRowsHidden(t *testing.T) {
	router := newTestRouter(t)
	createStock(t, router, "ACME", 1, 1000)
	alice := createAccount(t, router, "alice", 10000)
	bob := createAccount(t, router, "bob", 0)
	grantShares(t, router, bob, "ACME", 5, 80)

	submitOrder(t, router, bob, "ACME", model.Sell, 100, 5)
	submitOrder(t, router, alice, "ACME", model.Buy, 100, 5)

	rec := doJSON(t, router, http.MethodGet, fmt.Sprintf("/api/v1/accounts/%s/portfolio", bob), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[exchange.PortfolioResponse](t, rec)
	if len(resp.Holdings) != 0 {
		t.Errorf("sold-out position should not appear, got %+v", resp.Holdings)
	}
}

func TestOpenOrders(t *testing.T) {
	router := newTestRouter(t)
	createStock(t, router, "ACME", 1, 1000)
	alice := createAccount(t, router, "alice", 100000)

	submitOrder(t, router, alice, "ACME", model.Buy, 100, 7)

	rec := doJSON(t, router, http.MethodGet, fmt.Sprintf("/api/v1/accounts/%s/orders", alice), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d: %s", rec.Code, rec.Body.String())
	}
	rows := decode[[]exchange.OpenOrderRow](t, rec)
	if len(rows) != 1 {
		t.Fatalf("expected 1 open order, got %d", len(rows))
	}
	if rows[0].Qty != 7 || rows[0].Notional != 700 {
		t.Errorf("unexpected row: %+v", rows[0])
	}
}

func TestRankingEndpoints(t *testing.T) {
	router := newTestRouter(t)
	alice := createAccount(t, router, "alice", 3000)
	bob := createAccount(t, router, "bob", 1000)

	rec := doJSON(t, router, http.MethodGet, fmt.Sprintf("/api/v1/ranking/%s", alice), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d: %s", rec.Code, rec.Body.String())
	}
	entry := decode[model.RankEntry](t, rec)
	if entry.Rank != 1 || entry.Score != 3000 {
		t.Errorf("alice: got rank=%d score=%d, want 1/3000", entry.Rank, entry.Score)
	}

	rec = doJSON(t, router, http.MethodGet, fmt.Sprintf("/api/v1/ranking/%s", bob), nil)
	entry = decode[model.RankEntry](t, rec)
	if entry.Rank != 2 {
		t.Errorf("bob: got rank=%d, want 2", entry.Rank)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/ranking/nobody", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown account: got %d, want 404", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/ranking", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("leaderboard: got %d: %s", rec.Code, rec.Body.String())
	}
}
