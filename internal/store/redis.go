package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/spot-exchange/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for order book reads. Transactions go to the primary store and, after
// commit, bump the book version of every symbol whose orders they touched.
// A cached book is served only while its version is current, so a reader
// that filled the cache from a snapshot older than a commit cannot pin the
// stale book until the TTL expires.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	var touched map[string]bool
	err := s.primary.InTx(ctx, func(tx Tx) error {
		// A retried unit starts from scratch.
		rec := &recordingTx{Tx: tx, symbols: make(map[string]bool)}
		touched = rec.symbols
		return fn(rec)
	})
	if err != nil {
		return err
	}

	if len(touched) == 0 {
		return nil
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for sym := range touched {
			pipe.Incr(ctx, bookVersionKey(sym))
			pipe.Del(ctx, bookKeyFor(sym, model.SideBuy), bookKeyFor(sym, model.SideSell))
		}
		return nil
	})
	if err != nil {
		slog.Warn("order book cache invalidation failed", "symbols", len(touched), "error", err)
	}
	return nil
}

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	return s.primary.CreateAccount(ctx, a)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) ListOpenOrders(ctx context.Context, symbol string, side model.Side) ([]model.Order, error) {
	key := bookKeyFor(symbol, side)

	// Try cache. The version is read before the primary so that a commit
	// landing after this point makes whatever we store below stale.
	vals, cacheErr := s.rdb.MGet(ctx, bookVersionKey(symbol), key).Result()
	var version int64
	if cacheErr == nil {
		version = parseVersion(vals[0])
		if orders, ok := decodeBook(vals[1], version); ok {
			return orders, nil
		}
	}

	// Cache miss: read from primary.
	orders, err := s.primary.ListOpenOrders(ctx, symbol, side)
	if err != nil {
		return nil, err
	}

	if cacheErr == nil {
		if data, err := encodeBook(version, orders); err == nil {
			s.rdb.Set(ctx, key, data, s.ttl)
		}
	}
	return orders, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return s.primary.GetAccount(ctx, id)
}

func (s *CachedStore) ListHoldings(ctx context.Context, accountID string) ([]model.Holding, error) {
	return s.primary.ListHoldings(ctx, accountID)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) ListOrdersByAccount(ctx context.Context, accountID string, status model.OrderStatus) ([]model.Order, error) {
	return s.primary.ListOrdersByAccount(ctx, accountID, status)
}

func (s *CachedStore) ListTradesBySymbol(ctx context.Context, symbol string, limit int) ([]model.Trade, error) {
	return s.primary.ListTradesBySymbol(ctx, symbol, limit)
}

// recordingTx notes the symbols whose orders a unit wrote.
type recordingTx struct {
	Tx
	symbols map[string]bool
}

func (t *recordingTx) InsertOrder(ctx context.Context, o *model.Order) error {
	if err := t.Tx.InsertOrder(ctx, o); err != nil {
		return err
	}
	t.symbols[o.Symbol] = true
	return nil
}

func (t *recordingTx) SaveOrder(ctx context.Context, o *model.Order) error {
	if err := t.Tx.SaveOrder(ctx, o); err != nil {
		return err
	}
	t.symbols[o.Symbol] = true
	return nil
}

// --- Cache helpers ---

func bookKeyFor(symbol string, side model.Side) string {
	return fmt.Sprintf("book:%s:%s", symbol, side)
}

func bookVersionKey(symbol string) string {
	return fmt.Sprintf("book:%s:version", symbol)
}

// cachedBook is one side of a book as stored in Redis.
type cachedBook struct {
	Version int64         `json:"version"`
	Orders  []model.Order `json:"orders"`
}

func encodeBook(version int64, orders []model.Order) ([]byte, error) {
	return json.Marshal(cachedBook{Version: version, Orders: orders})
}

// decodeBook returns the cached orders if v holds a book written at the
// current version.
func decodeBook(v any, current int64) ([]model.Order, bool) {
	s, ok := v.(string)
	if !ok {
		return nil, false
	}
	var b cachedBook
	if err := json.Unmarshal([]byte(s), &b); err != nil || b.Version != current {
		return nil, false
	}
	return b.Orders, true
}

// parseVersion reads a version counter; a missing key is version 0.
func parseVersion(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return -1
	}
	return n
}
