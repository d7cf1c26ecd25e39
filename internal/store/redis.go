package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stocksim/exchange-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read paths: stock lookups and last price bars. Writes
// go to the primary store and invalidate the cache.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetStock(ctx context.Context, id string) (*model.Stock, error) {
	data, err := s.rdb.Get(ctx, stockKey(id)).Bytes()
	if err == nil {
		var st model.Stock
		if json.Unmarshal(data, &st) == nil {
			return &st, nil
		}
	}

	st, err := s.Store.GetStock(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheStock(ctx, st)
	return st, nil
}

func (s *CachedStore) GetStockBySymbol(ctx context.Context, symbol string) (*model.Stock, error) {
	// Try cache via symbol→stockID mapping.
	id, err := s.rdb.Get(ctx, symbolKey(symbol)).Result()
	if err == nil {
		return s.GetStock(ctx, id)
	}

	st, err := s.Store.GetStockBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}
	s.cacheStock(ctx, st)
	s.rdb.Set(ctx, symbolKey(symbol), st.ID, s.ttl)
	return st, nil
}

func (s *CachedStore) LastBar(ctx context.Context, stockID string) (*model.PriceBar, error) {
	data, err := s.rdb.Get(ctx, lastBarKey(stockID)).Bytes()
	if err == nil {
		var b model.PriceBar
		if json.Unmarshal(data, &b) == nil {
			return &b, nil
		}
	}

	b, err := s.Store.LastBar(ctx, stockID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(b); err == nil {
		s.rdb.Set(ctx, lastBarKey(stockID), data, s.ttl)
	}
	return b, nil
}

// --- Write paths (write to primary, invalidate cache) ---

func (s *CachedStore) CreateStock(ctx context.Context, st *model.Stock) error {
	if err := s.Store.CreateStock(ctx, st); err != nil {
		return err
	}
	s.cacheStock(ctx, st)
	s.rdb.Set(ctx, symbolKey(st.Symbol), st.ID, s.ttl)
	return nil
}

func (s *CachedStore) ApplyFill(ctx context.Context, f *model.Fill) error {
	if err := s.Store.ApplyFill(ctx, f); err != nil {
		return err
	}
	// Invalidate the bar; next read re-populates with the fill's close.
	s.rdb.Del(ctx, lastBarKey(f.Bar.StockID))
	return nil
}

// --- Cache helpers ---

func (s *CachedStore) cacheStock(ctx context.Context, st *model.Stock) {
	if data, err := json.Marshal(st); err == nil {
		s.rdb.Set(ctx, stockKey(st.ID), data, s.ttl)
	}
}

func stockKey(id string) string        { return fmt.Sprintf("stock:%s", id) }
func symbolKey(symbol string) string   { return fmt.Sprintf("symbol:%s", symbol) }
func lastBarKey(stockID string) string { return fmt.Sprintf("lastbar:%s", stockID) }
