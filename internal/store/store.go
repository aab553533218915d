// Package store defines the persistence interface for the exchange.
// Implementations include PostgreSQL (source of truth, row-level locks), an
// in-memory store with a btree price-time index (tests, development) and a
// Redis read-through cache for order book reads.
package store

import (
	"context"
	"errors"

	"github.com/atmx/spot-exchange/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. Every mutation of balances, holdings,
// orders and trades happens inside InTx; the read methods outside a
// transaction take no row locks.
type Store interface {
	// InTx runs fn as one all-or-nothing unit. If fn returns an error every
	// mutation made through tx is discarded.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// --- Accounts ---

	// CreateAccount persists a new account.
	CreateAccount(ctx context.Context, a *model.Account) error

	// GetAccount retrieves an account by ID.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// ListHoldings returns every holding of an account, ordered by symbol.
	ListHoldings(ctx context.Context, accountID string) ([]model.Holding, error)

	// --- Orders ---

	// GetOrder retrieves an order by ID.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// ListOrdersByAccount returns an account's orders, newest first.
	// An empty status matches every status.
	ListOrdersByAccount(ctx context.Context, accountID string, status model.OrderStatus) ([]model.Order, error)

	// ListOpenOrders returns the open orders of one book side in priority
	// order: best price first, then oldest first.
	ListOpenOrders(ctx context.Context, symbol string, side model.Side) ([]model.Order, error)

	// --- Trades ---

	// ListTradesBySymbol returns the most recent trades of a symbol, newest
	// first. limit <= 0 returns all of them.
	ListTradesBySymbol(ctx context.Context, symbol string, limit int) ([]model.Trade, error)
}

// Tx is one atomic unit of work. Lock* methods take an exclusive lock on the
// row that is held until the unit ends; callers re-validate state after
// acquiring a lock.
type Tx interface {
	// LockAccount locks and returns an account.
	LockAccount(ctx context.Context, id string) (*model.Account, error)

	// SaveAccount writes an account's balance.
	SaveAccount(ctx context.Context, a *model.Account) error

	// LockHolding locks and returns the (account, symbol) holding, creating
	// it with zero balances on first reference.
	LockHolding(ctx context.Context, accountID, symbol string) (*model.Holding, error)

	// SaveHolding writes a holding's available and locked amounts.
	SaveHolding(ctx context.Context, h *model.Holding) error

	// InsertOrder persists a new order and assigns its Seq.
	InsertOrder(ctx context.Context, o *model.Order) error

	// LockOrder locks and returns an order.
	LockOrder(ctx context.Context, id string) (*model.Order, error)

	// SaveOrder writes an order's fill state, reservation and status.
	SaveOrder(ctx context.Context, o *model.Order) error

	// CounterOrders returns the open orders that can trade against o: same
	// symbol, opposite side, different owner, price-compatible, in
	// price-then-time priority. Rows are not locked.
	CounterOrders(ctx context.Context, o *model.Order) ([]model.Order, error)

	// InsertTrade persists a trade.
	InsertTrade(ctx context.Context, t *model.Trade) error
}

// priorityLess orders two orders of the same book side: best price first,
// then earliest creation, then store sequence.
func priorityLess(side model.Side, a, b *model.Order) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		if side == model.SideBuy {
			return c > 0
		}
		return c < 0
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}
