// Package engine implements order matching and settlement: an incoming
// order is validated against cash and holdings, persisted, then matched
// exact-price FIFO against resting counter-orders. Every fill commits as
// one atomic unit covering both orders, both ledger entries, both holding
// rows, and the stock's price bar.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stocksim/exchange-engine/internal/metrics"
	"github.com/stocksim/exchange-engine/internal/model"
	"github.com/stocksim/exchange-engine/internal/pricebar"
	"github.com/stocksim/exchange-engine/internal/store"
)

// Matcher executes order submissions. Concurrent submissions are
// serialized per (stock, price) book scope and per account via keyed
// locks; the store provides per-fill transactional atomicity.
type Matcher struct {
	store store.Store
	locks *keyedMutex
	now   func() time.Time
}

// NewMatcher creates a matcher on top of the given store.
func NewMatcher(st store.Store) *Matcher {
	return &Matcher{
		store: st,
		locks: newKeyedMutex(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SubmitRequest describes one order submission. PeriodStart identifies
// the active price-bar period (calendar day start) and is supplied by the
// caller so matching stays deterministic under test.
type SubmitRequest struct {
	Side        model.Side
	AccountID   string
	Symbol      string
	Price       int64
	Qty         int64
	PeriodStart time.Time
}

// SubmitResult reports the persisted order after all eligible fills, plus
// one report per fill in execution order.
type SubmitResult struct {
	Order *model.Order
	Fills []FillReport
}

// FillReport is the externally visible outcome of one fill.
type FillReport struct {
	CounterOrderID string `json:"counter_order_id"`
	Qty            int64  `json:"qty"`
	Price          int64  `json:"price"`
}

func bookKey(stockID string, price int64) string {
	return fmt.Sprintf("book|%s|%d", stockID, price)
}

func accountKey(accountID string) string {
	return "acct|" + accountID
}

// Submit validates, persists, and matches one order. Validation failures
// surface before any state is mutated. A settlement failure mid-match
// rolls back only that fill's unit and surfaces the error; earlier fills
// stand and the order keeps its remaining quantity.
func (m *Matcher) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if !req.Side.Valid() {
		return nil, model.Validationf(model.ErrInvalidSide, "%q", req.Side)
	}
	if req.Qty <= 0 {
		return nil, model.Validationf(model.ErrInvalidQuantity, "qty %d", req.Qty)
	}

	stock, err := m.store.GetStockBySymbol(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	account, err := m.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if !stock.InBand(req.Price) {
		return nil, model.Validationf(model.ErrPriceOutOfBand,
			"price %d outside [%d, %d]", req.Price, stock.MinPrice, stock.MaxPrice)
	}

	// Hold the (stock, price) book scope for the whole submission:
	// nothing else may draw from or add to this price level meanwhile.
	releaseBook := m.locks.Acquire(bookKey(stock.ID, req.Price))
	defer releaseBook()

	if err := m.validateFunding(ctx, req, stock, account); err != nil {
		return nil, err
	}

	order := &model.Order{
		ID:           uuid.New().String(),
		AccountID:    req.AccountID,
		StockID:      stock.ID,
		Side:         req.Side,
		Price:        req.Price,
		QtyTotal:     req.Qty,
		QtyRemaining: req.Qty,
		Status:       model.StatusOpen,
		CreatedAt:    m.now(),
	}
	if err := m.store.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("persist order: %w", err)
	}
	metrics.OrdersSubmitted.WithLabelValues(string(req.Side)).Inc()

	resting, err := m.store.RestingOrders(ctx, stock.ID, req.Side.Opposite(), req.Price)
	if err != nil {
		return nil, fmt.Errorf("load resting orders: %w", err)
	}

	result := &SubmitResult{Order: order, Fills: make([]FillReport, 0, len(resting))}
	start := m.now()

	for i := range resting {
		if order.QtyRemaining == 0 {
			break
		}
		counter := &resting[i]
		qty := order.QtyRemaining
		if counter.QtyRemaining < qty {
			qty = counter.QtyRemaining
		}

		if err := m.executeFill(ctx, order, counter, stock.ID, req.PeriodStart); err != nil {
			slog.Error("fill failed",
				"order", order.ID,
				"counter", counter.ID,
				"err", err,
			)
			return result, err
		}

		result.Fills = append(result.Fills, FillReport{
			CounterOrderID: counter.ID,
			Qty:            qty,
			Price:          req.Price,
		})
	}

	metrics.SubmitLatency.WithLabelValues(string(req.Side)).Observe(time.Since(start).Seconds())

	slog.Info("order submitted",
		"order", order.ID,
		"account", req.AccountID,
		"symbol", req.Symbol,
		"side", req.Side,
		"price", req.Price,
		"qty", req.Qty,
		"remaining", order.QtyRemaining,
		"fills", len(result.Fills),
	)
	return result, nil
}

// validateFunding enforces the pre-trade checks: buys need cash for the
// full notional, sells need the shares on hand.
func (m *Matcher) validateFunding(ctx context.Context, req SubmitRequest, stock *model.Stock, account *model.Account) error {
	release := m.locks.Acquire(accountKey(req.AccountID))
	defer release()

	switch req.Side {
	case model.Buy:
		// Re-read under the account scope; the earlier read was unlocked.
		fresh, err := m.store.GetAccount(ctx, account.ID)
		if err != nil {
			return err
		}
		if notional := req.Price * req.Qty; fresh.Balance < notional {
			return model.Validationf(model.ErrInsufficientFunds,
				"need %d, have %d", notional, fresh.Balance)
		}
	case model.Sell:
		holding, err := m.store.GetHolding(ctx, req.AccountID, stock.ID)
		if err != nil {
			return err
		}
		if holding.Qty < req.Qty {
			return model.Validationf(model.ErrInsufficientHoldings,
				"need %d, have %d", req.Qty, holding.Qty)
		}
	}
	return nil
}

// executeFill builds and commits one fill's atomic unit between the
// incoming order and one resting counter-order. Both in-memory orders are
// updated only after the store commit succeeds.
func (m *Matcher) executeFill(ctx context.Context, incoming, counter *model.Order, stockID string, periodStart time.Time) error {
	buy, sell := incoming, counter
	if incoming.Side == model.Sell {
		buy, sell = counter, incoming
	}

	release := m.locks.Acquire(accountKey(buy.AccountID), accountKey(sell.AccountID))
	defer release()

	qty := buy.QtyRemaining
	if sell.QtyRemaining < qty {
		qty = sell.QtyRemaining
	}
	price := buy.Price
	amount := qty * price

	buyer, err := m.store.GetAccount(ctx, buy.AccountID)
	if err != nil {
		return err
	}
	seller, err := m.store.GetAccount(ctx, sell.AccountID)
	if err != nil {
		return err
	}

	// Pre-trade validation happened at submission time, so a shortfall
	// here means a sibling order consumed the funding since: internal
	// inconsistency, not a user error.
	if buyer.Balance < amount {
		return fmt.Errorf("%w: buyer %s balance %d below %d",
			model.ErrSettlementFailure, buyer.ID, buyer.Balance, amount)
	}

	sellerHolding, err := m.store.GetHolding(ctx, sell.AccountID, stockID)
	if err != nil {
		return err
	}
	if sellerHolding.Qty < qty {
		return fmt.Errorf("%w: seller %s holds %d of %s, fill needs %d",
			model.ErrSettlementFailure, seller.ID, sellerHolding.Qty, stockID, qty)
	}

	buyerBalance := buyer.Balance - amount
	sellerBalance := seller.Balance + amount
	if buy.AccountID == sell.AccountID {
		sellerBalance = buyerBalance + amount
	}

	sellH := *sellerHolding
	sellH.Dispose(qty)
	var buyH model.Holding
	if buy.AccountID == sell.AccountID {
		buyH = sellH
	} else {
		existing, err := m.store.GetHolding(ctx, buy.AccountID, stockID)
		if err != nil {
			return err
		}
		buyH = *existing
	}
	buyH.Acquire(qty, price)
	if buy.AccountID == sell.AccountID {
		sellH = buyH
	}

	var existingBar *model.PriceBar
	if bar, err := m.store.GetBar(ctx, stockID, periodStart); err == nil {
		existingBar = bar
	} else if !model.IsNotFound(err) {
		return err
	}

	now := m.now()
	buyAfter := *buy
	sellAfter := *sell
	applyFillQty(&buyAfter, qty)
	applyFillQty(&sellAfter, qty)

	fill := &model.Fill{
		BuyOrder:  &buyAfter,
		SellOrder: &sellAfter,
		Qty:       qty,
		Price:     price,
		BuyerEntry: model.LedgerEntry{
			ID:        uuid.New().String(),
			AccountID: buy.AccountID,
			OrderID:   buy.ID,
			Amount:    -amount,
			Balance:   buyerBalance,
			CreatedAt: now,
		},
		SellerEntry: model.LedgerEntry{
			ID:        uuid.New().String(),
			AccountID: sell.AccountID,
			OrderID:   sell.ID,
			Amount:    amount,
			Balance:   sellerBalance,
			CreatedAt: now,
		},
		BuyerHolding:  buyH,
		SellerHolding: sellH,
		Bar:           pricebar.Apply(existingBar, stockID, price, periodStart),
	}

	if err := m.store.ApplyFill(ctx, fill); err != nil {
		return fmt.Errorf("%w: %v", model.ErrSettlementFailure, err)
	}

	*buy = buyAfter
	*sell = sellAfter
	metrics.FillsTotal.Inc()
	metrics.FillVolume.Add(float64(qty))

	slog.Info("fill settled",
		"buy_order", buy.ID,
		"sell_order", sell.ID,
		"stock", stockID,
		"qty", qty,
		"price", price,
	)
	return nil
}

// applyFillQty decrements remaining quantity and flips status to Filled
// exactly once, when remaining reaches zero.
func applyFillQty(o *model.Order, qty int64) {
	o.QtyRemaining -= qty
	if o.QtyRemaining == 0 {
		o.Status = model.StatusFilled
	}
}
