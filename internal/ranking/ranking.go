// Package ranking recomputes the net-worth leaderboard as a periodic
// batch job: score = cash balance + mark-to-market value of holdings at
// each stock's last traded price. The board is rebuilt wholesale on every
// run; reads between clear and rebuild see a partial board, which is
// acceptable for a batch job.
package ranking

import (
	"context"
	"log/slog"
	"time"

	"github.com/stocksim/exchange-engine/internal/metrics"
	"github.com/stocksim/exchange-engine/internal/model"
	"github.com/stocksim/exchange-engine/internal/store"
)

// DefaultTopN is the reported leaderboard window.
const DefaultTopN = 10

// Engine computes scores from best-effort snapshots of holdings and
// prices. It is deliberately unsynchronized with order matching.
type Engine struct {
	store store.Store
	board Leaderboard
	topN  int
}

// NewEngine creates a ranking engine over the given store and board.
func NewEngine(st store.Store, board Leaderboard) *Engine {
	return &Engine{store: st, board: board, topN: DefaultTopN}
}

// Recompute rebuilds the whole leaderboard: clear, then one Add per
// account.
func (e *Engine) Recompute(ctx context.Context) error {
	start := time.Now()

	accounts, err := e.store.ListAccounts(ctx)
	if err != nil {
		return err
	}

	if err := e.board.Clear(ctx); err != nil {
		return err
	}
	for _, a := range accounts {
		score, err := e.score(ctx, &a)
		if err != nil {
			return err
		}
		if err := e.board.Add(ctx, a.ID, score); err != nil {
			return err
		}
	}

	metrics.RankingRecomputes.Inc()
	metrics.RankingDuration.Observe(time.Since(start).Seconds())
	slog.Info("leaderboard rebuilt", "accounts", len(accounts))
	return nil
}

// score is cash plus holdings marked at last traded price. Stocks that
// never traded contribute nothing.
func (e *Engine) score(ctx context.Context, a *model.Account) (int64, error) {
	holdings, err := e.store.HoldingsByAccount(ctx, a.ID)
	if err != nil {
		return 0, err
	}

	score := a.Balance
	for _, h := range holdings {
		bar, err := e.store.LastBar(ctx, h.StockID)
		if model.IsNotFound(err) {
			continue
		}
		if err != nil {
			return 0, err
		}
		score += h.Qty * bar.Close
	}
	return score, nil
}

// Top returns the best n entries. Within the reported window, equal
// scores collapse to the same rank number; entries outside the window
// keep strict ordinals (see RankOf).
func (e *Engine) Top(ctx context.Context, n int) ([]model.RankEntry, error) {
	entries, err := e.board.Top(ctx, n)
	if err != nil {
		return nil, err
	}

	for i := range entries {
		if i > 0 && entries[i].Score == entries[i-1].Score {
			entries[i].Rank = entries[i-1].Rank
		} else {
			entries[i].Rank = i + 1
		}
	}
	return entries, nil
}

// RankOf returns the account's leaderboard entry. Accounts inside the
// top window report the collapsed rank stored there; everyone else gets
// their strict ordinal from the board, falling back to a full recompute
// scan when the board has no entry yet. Never fails for a known account.
func (e *Engine) RankOf(ctx context.Context, accountID string) (*model.RankEntry, error) {
	top, err := e.Top(ctx, e.topN)
	if err != nil {
		return nil, err
	}
	for _, entry := range top {
		if entry.AccountID == accountID {
			return &entry, nil
		}
	}

	ordinal, score, err := e.board.Rank(ctx, accountID)
	if err == nil {
		return &model.RankEntry{Rank: ordinal, AccountID: accountID, Score: score}, nil
	}
	if !model.IsNotFound(err) {
		return nil, err
	}

	// Board is cold (before the first recompute, or the account was
	// created since). Compute directly from store state.
	account, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	score, err = e.score(ctx, account)
	if err != nil {
		return nil, err
	}

	accounts, err := e.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	rank := 1
	for _, a := range accounts {
		if a.ID == accountID {
			continue
		}
		other, err := e.score(ctx, &a)
		if err != nil {
			return nil, err
		}
		if other > score {
			rank++
		}
	}
	return &model.RankEntry{Rank: rank, AccountID: accountID, Score: score}, nil
}

// Run recomputes on a fixed interval until ctx is cancelled. One rebuild
// runs immediately on start.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	if err := e.Recompute(ctx); err != nil {
		slog.Error("ranking recompute failed", "err", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Recompute(ctx); err != nil {
				slog.Error("ranking recompute failed", "err", err)
			}
		}
	}
}
