package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/atmx/spot-exchange/internal/model"
)

type holdingKey struct {
	accountID string
	symbol    string
}

type bookKey struct {
	symbol string
	side   model.Side
}

// bookEntry carries the immutable priority fields of an open order.
type bookEntry struct {
	id        string
	price     decimal.Decimal
	createdAt time.Time
	seq       int64
}

func newBook(side model.Side) *btree.BTreeG[bookEntry] {
	return btree.NewBTreeG(func(a, b bookEntry) bool {
		return priorityLess(side,
			&model.Order{Price: a.price, CreatedAt: a.createdAt, Seq: a.seq},
			&model.Order{Price: b.price, CreatedAt: b.createdAt, Seq: b.seq})
	})
}

func entryOf(o *model.Order) bookEntry {
	return bookEntry{id: o.ID, price: o.Price, createdAt: o.CreatedAt, seq: o.Seq}
}

// MemoryStore implements Store with in-memory maps and one btree per book
// side. A transaction holds the write lock for its whole unit and stages its
// writes in an overlay that is applied on commit, so a failed unit leaves no
// trace. Used for testing and development; nothing is persisted.
//
// Because every unit takes the store-wide write lock, units for different
// symbols run one at a time here; only PostgresStore matches symbols in
// parallel.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*model.Account
	holdings map[holdingKey]*model.Holding
	orders   map[string]*model.Order
	trades   []model.Trade
	books    map[bookKey]*btree.BTreeG[bookEntry]
	seq      int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*model.Account),
		holdings: make(map[holdingKey]*model.Holding),
		orders:   make(map[string]*model.Order),
		books:    make(map[bookKey]*btree.BTreeG[bookEntry]),
	}
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:        s,
		accounts: make(map[string]*model.Account),
		holdings: make(map[holdingKey]*model.Holding),
		orders:   make(map[string]*model.Order),
		seq:      s.seq,
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

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
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) ListHoldings(_ context.Context, accountID string) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Holding
	for k, h := range s.holdings {
		if k.accountID == accountID {
			result = append(result, *h)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Symbol < result[j].Symbol })
	return result, nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) ListOrdersByAccount(_ context.Context, accountID string, status model.OrderStatus) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.AccountID != accountID {
			continue
		}
		if status != "" && o.Status != status {
			continue
		}
		result = append(result, *o)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq > result[j].Seq })
	return result, nil
}

func (s *MemoryStore) ListOpenOrders(_ context.Context, symbol string, side model.Side) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	book, ok := s.books[bookKey{symbol, side}]
	if !ok {
		return nil, nil
	}
	result := make([]model.Order, 0, book.Len())
	book.Scan(func(e bookEntry) bool {
		result = append(result, *s.orders[e.id])
		return true
	})
	return result, nil
}

func (s *MemoryStore) ListTradesBySymbol(_ context.Context, symbol string, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		if s.trades[i].Symbol != symbol {
			continue
		}
		result = append(result, s.trades[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

// memTx stages writes on top of the store. The store's write lock is held
// for the lifetime of the transaction, so every row is implicitly locked.
type memTx struct {
	s         *MemoryStore
	accounts  map[string]*model.Account
	holdings  map[holdingKey]*model.Holding
	orders    map[string]*model.Order
	newOrders []string
	trades    []model.Trade
	seq       int64
}

func (tx *memTx) LockAccount(_ context.Context, id string) (*model.Account, error) {
	if a, ok := tx.accounts[id]; ok {
		copy := *a
		return &copy, nil
	}
	a, ok := tx.s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

func (tx *memTx) SaveAccount(_ context.Context, a *model.Account) error {
	if _, ok := tx.accounts[a.ID]; !ok {
		if _, ok := tx.s.accounts[a.ID]; !ok {
			return fmt.Errorf("account %s: %w", a.ID, ErrNotFound)
		}
	}
	copy := *a
	tx.accounts[a.ID] = &copy
	return nil
}

func (tx *memTx) LockHolding(_ context.Context, accountID, symbol string) (*model.Holding, error) {
	k := holdingKey{accountID, symbol}
	if h, ok := tx.holdings[k]; ok {
		copy := *h
		return &copy, nil
	}
	if h, ok := tx.s.holdings[k]; ok {
		copy := *h
		return &copy, nil
	}
	if _, ok := tx.accounts[accountID]; !ok {
		if _, ok := tx.s.accounts[accountID]; !ok {
			return nil, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
		}
	}
	h := &model.Holding{
		AccountID:    accountID,
		Symbol:       symbol,
		Amount:       decimal.Zero,
		LockedAmount: decimal.Zero,
		UpdatedAt:    time.Now().UTC(),
	}
	tx.holdings[k] = h
	copy := *h
	return &copy, nil
}

func (tx *memTx) SaveHolding(_ context.Context, h *model.Holding) error {
	copy := *h
	copy.UpdatedAt = time.Now().UTC()
	tx.holdings[holdingKey{h.AccountID, h.Symbol}] = &copy
	return nil
}

func (tx *memTx) InsertOrder(_ context.Context, o *model.Order) error {
	if _, ok := tx.s.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	if _, ok := tx.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	tx.seq++
	o.Seq = tx.seq
	copy := *o
	tx.orders[o.ID] = &copy
	tx.newOrders = append(tx.newOrders, o.ID)
	return nil
}

func (tx *memTx) LockOrder(_ context.Context, id string) (*model.Order, error) {
	o := tx.view(id)
	if o == nil {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	copy := *o
	return &copy, nil
}

func (tx *memTx) SaveOrder(_ context.Context, o *model.Order) error {
	if tx.view(o.ID) == nil {
		return fmt.Errorf("order %s: %w", o.ID, ErrNotFound)
	}
	copy := *o
	tx.orders[o.ID] = &copy
	return nil
}

func (tx *memTx) CounterOrders(_ context.Context, o *model.Order) ([]model.Order, error) {
	var result []model.Order
	seen := make(map[string]bool)

	eligible := func(c *model.Order) bool {
		return c.IsOpen() &&
			c.Symbol == o.Symbol &&
			c.Side == o.Side.Opposite() &&
			c.AccountID != o.AccountID &&
			c.Remaining().IsPositive()
	}

	if book, ok := tx.s.books[bookKey{o.Symbol, o.Side.Opposite()}]; ok {
		book.Scan(func(e bookEntry) bool {
			c := tx.view(e.id)
			seen[e.id] = true
			if !o.Crosses(c) {
				// Entries are in priority order: nothing further crosses.
				return false
			}
			if eligible(c) {
				result = append(result, *c)
			}
			return true
		})
	}

	for _, id := range tx.newOrders {
		if seen[id] || id == o.ID {
			continue
		}
		c := tx.orders[id]
		if eligible(c) && o.Crosses(c) {
			result = append(result, *c)
		}
	}

	side := o.Side.Opposite()
	sort.SliceStable(result, func(i, j int) bool {
		return priorityLess(side, &result[i], &result[j])
	})
	return result, nil
}

func (tx *memTx) InsertTrade(_ context.Context, t *model.Trade) error {
	tx.trades = append(tx.trades, *t)
	return nil
}

// view returns the transaction's current version of an order, or nil.
func (tx *memTx) view(id string) *model.Order {
	if o, ok := tx.orders[id]; ok {
		return o
	}
	return tx.s.orders[id]
}

// commit applies the overlay and keeps the book index in step with order
// status. Called with the store's write lock held.
func (tx *memTx) commit() {
	s := tx.s
	for id, a := range tx.accounts {
		s.accounts[id] = a
	}
	for k, h := range tx.holdings {
		s.holdings[k] = h
	}
	for id, o := range tx.orders {
		prev, existed := s.orders[id]
		s.orders[id] = o

		wasOpen := existed && prev.IsOpen()
		switch {
		case !wasOpen && o.IsOpen():
			s.book(o.Symbol, o.Side).Set(entryOf(o))
		case wasOpen && !o.IsOpen():
			s.book(o.Symbol, o.Side).Delete(entryOf(prev))
		}
	}
	s.trades = append(s.trades, tx.trades...)
	s.seq = tx.seq
}

func (s *MemoryStore) book(symbol string, side model.Side) *btree.BTreeG[bookEntry] {
	k := bookKey{symbol, side}
	b, ok := s.books[k]
	if !ok {
		b = newBook(side)
		s.books[k] = b
	}
	return b
}
