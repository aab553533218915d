// Package matching runs an incoming order against the opposite side of its
// book in price-then-time priority, settling each match as it goes.
package matching

import (
	"context"
	"fmt"

	"github.com/atmx/spot-exchange/internal/model"
	"github.com/atmx/spot-exchange/internal/settlement"
	"github.com/atmx/spot-exchange/internal/store"
)

// Engine matches orders. It holds no book state of its own; the store's
// price-time index is the book.
type Engine struct {
	settler *settlement.Settler
}

// New creates a matching engine that settles through s.
func New(s *settlement.Settler) *Engine {
	return &Engine{settler: s}
}

// Match locks the order and trades it against eligible counter orders until
// it is exhausted or nothing crosses any more. It is a no-op for an order
// that is no longer open, so running it twice produces no extra trades.
// The returned order reflects the post-matching state.
func (e *Engine) Match(ctx context.Context, tx store.Tx, orderID string) (*model.Order, []settlement.Result, error) {
	incoming, err := tx.LockOrder(ctx, orderID)
	if err != nil {
		return nil, nil, fmt.Errorf("lock incoming order: %w", err)
	}
	if !incoming.IsOpen() || !incoming.Remaining().IsPositive() {
		return incoming, nil, nil
	}

	counters, err := tx.CounterOrders(ctx, incoming)
	if err != nil {
		return nil, nil, fmt.Errorf("counter orders: %w", err)
	}

	var results []settlement.Result
	for _, c := range counters {
		if !incoming.Remaining().IsPositive() {
			break
		}

		counter, err := tx.LockOrder(ctx, c.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("lock counter order: %w", err)
		}
		// The row may have changed between the query and the lock.
		if !counter.IsOpen() || !counter.Remaining().IsPositive() {
			continue
		}
		if counter.AccountID == incoming.AccountID || !incoming.Crosses(counter) {
			continue
		}

		res, err := e.settler.Settle(ctx, tx, incoming, counter)
		if err != nil {
			return nil, nil, err
		}
		results = append(results, *res)
	}

	return incoming, results, nil
}
