package ranking

import (
	"context"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/stocksim/exchange-engine/internal/model"
)

// Leaderboard stores scored accounts ordered best first. Implementations
// must give stable ordinals for equal scores; tie collapsing inside the
// reported window is the Engine's job, not the store's.
type Leaderboard interface {
	// Clear drops every entry.
	Clear(ctx context.Context) error

	// Add inserts or replaces one account's score.
	Add(ctx context.Context, accountID string, score int64) error

	// Top returns up to n entries ordered by score descending, with
	// Rank left unset.
	Top(ctx context.Context, n int) ([]model.RankEntry, error)

	// Rank returns an account's 1-based strict ordinal and raw score,
	// or a NotFoundError when the account is not on the board.
	Rank(ctx context.Context, accountID string) (int, int64, error)
}

const redisBoardKey = "exchange:leaderboard"

// RedisLeaderboard keeps the board in a Redis sorted set, which is what
// backs the production ranking: ZADD on rebuild, ZREVRANGE for the top
// window, ZREVRANK for ordinals.
type RedisLeaderboard struct {
	rdb *redis.Client
}

// NewRedisLeaderboard creates a sorted-set backed leaderboard.
func NewRedisLeaderboard(rdb *redis.Client) *RedisLeaderboard {
	return &RedisLeaderboard{rdb: rdb}
}

func (l *RedisLeaderboard) Clear(ctx context.Context) error {
	return l.rdb.Del(ctx, redisBoardKey).Err()
}

func (l *RedisLeaderboard) Add(ctx context.Context, accountID string, score int64) error {
	return l.rdb.ZAdd(ctx, redisBoardKey, redis.Z{
		Score:  float64(score),
		Member: accountID,
	}).Err()
}

func (l *RedisLeaderboard) Top(ctx context.Context, n int) ([]model.RankEntry, error) {
	zs, err := l.rdb.ZRevRangeWithScores(ctx, redisBoardKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]model.RankEntry, 0, len(zs))
	for _, z := range zs {
		entries = append(entries, model.RankEntry{
			AccountID: z.Member.(string),
			Score:     int64(z.Score),
		})
	}
	return entries, nil
}

func (l *RedisLeaderboard) Rank(ctx context.Context, accountID string) (int, int64, error) {
	ordinal, err := l.rdb.ZRevRank(ctx, redisBoardKey, accountID).Result()
	if err == redis.Nil {
		return 0, 0, &model.NotFoundError{Kind: "account", Key: accountID}
	}
	if err != nil {
		return 0, 0, err
	}
	score, err := l.rdb.ZScore(ctx, redisBoardKey, accountID).Result()
	if err != nil {
		return 0, 0, err
	}
	return int(ordinal) + 1, int64(score), nil
}

// MemoryLeaderboard implements Leaderboard with a map. Used for testing
// and for running without Redis. Equal scores order by account ID
// descending, matching Redis ZREVRANGE's reverse-lexicographic tiebreak.
type MemoryLeaderboard struct {
	mu     sync.RWMutex
	scores map[string]int64
}

// NewMemoryLeaderboard creates an in-memory leaderboard.
func NewMemoryLeaderboard() *MemoryLeaderboard {
	return &MemoryLeaderboard{scores: make(map[string]int64)}
}

func (l *MemoryLeaderboard) Clear(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scores = make(map[string]int64)
	return nil
}

func (l *MemoryLeaderboard) Add(_ context.Context, accountID string, score int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scores[accountID] = score
	return nil
}

func (l *MemoryLeaderboard) sorted() []model.RankEntry {
	entries := make([]model.RankEntry, 0, len(l.scores))
	for id, score := range l.scores {
		entries = append(entries, model.RankEntry{AccountID: id, Score: score})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score == entries[j].Score {
			return entries[i].AccountID > entries[j].AccountID
		}
		return entries[i].Score > entries[j].Score
	})
	return entries
}

func (l *MemoryLeaderboard) Top(_ context.Context, n int) ([]model.RankEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entries := l.sorted()
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}

func (l *MemoryLeaderboard) Rank(_ context.Context, accountID string) (int, int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i, e := range l.sorted() {
		if e.AccountID == accountID {
			return i + 1, e.Score, nil
		}
	}
	return 0, 0, &model.NotFoundError{Kind: "account", Key: accountID}
}
