// Package exchange is the order lifecycle manager: it admits orders,
// reserves what they need, hands them to the matching engine inside the same
// atomic unit and cancels them with an exact release of what is still held.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/spot-exchange/internal/ledger"
	"github.com/atmx/spot-exchange/internal/limits"
	"github.com/atmx/spot-exchange/internal/matching"
	"github.com/atmx/spot-exchange/internal/metrics"
	"github.com/atmx/spot-exchange/internal/model"
	"github.com/atmx/spot-exchange/internal/money"
	"github.com/atmx/spot-exchange/internal/settlement"
	"github.com/atmx/spot-exchange/internal/store"
	"github.com/atmx/spot-exchange/internal/symbol"
)

var (
	ErrInvalidOrder     = errors.New("exchange: invalid order parameters")
	ErrUnauthorized     = errors.New("exchange: order belongs to another account")
	ErrAlreadyFilled    = errors.New("exchange: cannot cancel a filled order")
	ErrAlreadyCancelled = errors.New("exchange: order is already cancelled")
	ErrOrderNotFound    = errors.New("exchange: order not found")
	ErrAccountNotFound  = errors.New("exchange: account not found")

	// ErrTransient is returned when a unit kept failing on lock or
	// serialization conflicts after every retry.
	ErrTransient = errors.New("exchange: store contention, retries exhausted")
)

// Notifier receives settled-trade payloads after their unit has committed.
type Notifier interface {
	Publish(payloads ...model.TradeSettled)
}

// Options configures a Service. Zero values fall back to defaults.
type Options struct {
	Symbols      *symbol.Registry
	Limits       *limits.OrderValueLimiter
	Policy       settlement.Policy
	MaxRetries   int
	RetryBackoff time.Duration

	// IsTransient classifies store errors that warrant re-running a unit.
	IsTransient func(error) bool
}

// Service handles order placement, cancellation and the read models around
// them. Matching for one symbol is serialized in-process; different symbols
// proceed in parallel.
type Service struct {
	store       store.Store
	ledger      *ledger.Ledger
	engine      *matching.Engine
	symbols     *symbol.Registry
	limits      *limits.OrderValueLimiter
	policy      settlement.Policy
	notifier    Notifier
	locks       *keyedMutex
	maxRetries  int
	backoff     time.Duration
	isTransient func(error) bool
	now         func() time.Time
	newID       func() string
}

// NewService creates the order lifecycle manager. notifier may be nil.
func NewService(st store.Store, opts Options, notifier Notifier) *Service {
	if opts.Symbols == nil {
		opts.Symbols, _ = symbol.NewRegistry("BTC", "ETH")
	}
	if opts.Policy.Payer == "" {
		opts.Policy = settlement.DefaultPolicy()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 10 * time.Millisecond
	}
	if opts.IsTransient == nil {
		opts.IsTransient = store.IsTransient
	}

	l := ledger.New(opts.Policy.BalancePrecision, opts.Policy.AmountPrecision)
	return &Service{
		store:       st,
		ledger:      l,
		engine:      matching.New(settlement.New(l, opts.Policy)),
		symbols:     opts.Symbols,
		limits:      opts.Limits,
		policy:      opts.Policy,
		notifier:    notifier,
		locks:       newKeyedMutex(),
		maxRetries:  opts.MaxRetries,
		backoff:     opts.RetryBackoff,
		isTransient: opts.IsTransient,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
	}
}

// Policy returns the settlement policy the service trades under.
func (s *Service) Policy() settlement.Policy {
	return s.policy
}

// PlaceOrderRequest is a new limit order.
type PlaceOrderRequest struct {
	AccountID string
	Symbol    string
	Side      model.Side
	Price     decimal.Decimal
	Amount    decimal.Decimal
}

// PlaceOrder validates and reserves for a new order, inserts it and matches
// it against the book, all as one unit. The returned order is in its
// post-matching state.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*model.Order, error) {
	start := time.Now()

	sym, orderValue, err := s.validate(req)
	if err != nil {
		metrics.OrdersRejected.WithLabelValues("invalid").Inc()
		return nil, err
	}

	unlock := s.locks.Lock(sym)
	defer unlock()

	var (
		order   *model.Order
		results []settlement.Result
	)
	err = s.runUnit(ctx, func(tx store.Tx) error {
		o := &model.Order{
			ID:           s.newID(),
			AccountID:    req.AccountID,
			Symbol:       sym,
			Side:         req.Side,
			Price:        req.Price,
			Amount:       req.Amount,
			FilledAmount: decimal.Zero,
			Reserved:     decimal.Zero,
			Status:       model.StatusOpen,
			CreatedAt:    s.now(),
		}

		switch o.Side {
		case model.SideBuy:
			o.Reserved = orderValue
			if err := s.ledger.ReserveCash(ctx, tx, o.AccountID, orderValue); err != nil {
				return err
			}
		case model.SideSell:
			if err := s.ledger.ReserveAsset(ctx, tx, o.AccountID, sym, o.Amount); err != nil {
				return err
			}
		}

		if err := tx.InsertOrder(ctx, o); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		var err error
		order, results, err = s.engine.Match(ctx, tx, o.ID)
		return err
	})
	if err != nil {
		return nil, s.placementError(req, err)
	}

	metrics.OrdersPlaced.WithLabelValues(sym, string(order.Side)).Inc()
	metrics.MatchLatency.WithLabelValues(sym).Observe(time.Since(start).Seconds())
	s.publish(results)

	slog.Info("order placed",
		"order_id", order.ID,
		"account_id", order.AccountID,
		"symbol", sym,
		"side", order.Side,
		"price", order.Price.String(),
		"amount", order.Amount.String(),
		"filled", order.FilledAmount.String(),
		"status", order.Status,
		"trades", len(results),
	)
	return order, nil
}

// validate checks a request before anything is mutated and returns the
// normalized symbol and the order's cash value.
func (s *Service) validate(req PlaceOrderRequest) (string, decimal.Decimal, error) {
	sym, err := s.symbols.Parse(req.Symbol)
	if err != nil {
		return "", decimal.Zero, fmt.Errorf("%w: %w", ErrInvalidOrder, err)
	}
	if !req.Side.Valid() {
		return "", decimal.Zero, fmt.Errorf("%w: side must be buy or sell, got %q", ErrInvalidOrder, req.Side)
	}
	if !req.Price.IsPositive() {
		return "", decimal.Zero, fmt.Errorf("%w: price must be positive", ErrInvalidOrder)
	}
	if !req.Amount.IsPositive() {
		return "", decimal.Zero, fmt.Errorf("%w: amount must be positive", ErrInvalidOrder)
	}
	if !money.FitsScale(req.Price, s.policy.PricePrecision) {
		return "", decimal.Zero, fmt.Errorf("%w: price has more than %d decimals", ErrInvalidOrder, s.policy.PricePrecision)
	}
	if !money.FitsScale(req.Amount, s.policy.AmountPrecision) {
		return "", decimal.Zero, fmt.Errorf("%w: amount has more than %d decimals", ErrInvalidOrder, s.policy.AmountPrecision)
	}

	value := money.Mul(req.Price, req.Amount, s.policy.BalancePrecision)
	if !value.IsPositive() {
		return "", decimal.Zero, fmt.Errorf("%w: order value rounds to zero", ErrInvalidOrder)
	}
	if err := s.limits.Check(value); err != nil {
		return "", decimal.Zero, fmt.Errorf("%w: %w", ErrInvalidOrder, err)
	}
	return sym, value, nil
}

func (s *Service) placementError(req PlaceOrderRequest, err error) error {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		metrics.OrdersRejected.WithLabelValues("insufficient_funds").Inc()
	case errors.Is(err, ledger.ErrInsufficientAssets):
		metrics.OrdersRejected.WithLabelValues("insufficient_assets").Inc()
	case errors.Is(err, store.ErrNotFound):
		metrics.OrdersRejected.WithLabelValues("unknown_account").Inc()
		return fmt.Errorf("%w: %s", ErrAccountNotFound, req.AccountID)
	case errors.Is(err, ErrTransient), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		metrics.OrdersRejected.WithLabelValues("unavailable").Inc()
	default:
		metrics.OrdersRejected.WithLabelValues("internal").Inc()
		slog.Error("order placement failed",
			"account_id", req.AccountID,
			"symbol", req.Symbol,
			"side", req.Side,
			"internal_fault", ledger.IsInternalFault(err),
			"err", err,
		)
	}
	return err
}

// CancelOrder cancels an open or partially filled order owned by accountID
// and releases exactly what the order still holds.
func (s *Service) CancelOrder(ctx context.Context, orderID, accountID string) (*model.Order, error) {
	existing, err := s.store.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(existing.Symbol)
	defer unlock()

	var cancelled *model.Order
	err = s.runUnit(ctx, func(tx store.Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.AccountID != accountID {
			return ErrUnauthorized
		}
		switch o.Status {
		case model.StatusFilled:
			return ErrAlreadyFilled
		case model.StatusCancelled:
			return ErrAlreadyCancelled
		}

		switch o.Side {
		case model.SideBuy:
			if err := s.ledger.ReleaseCash(ctx, tx, o.AccountID, o.Reserved); err != nil {
				return err
			}
			o.Reserved = decimal.Zero
		case model.SideSell:
			if err := s.ledger.ReleaseAsset(ctx, tx, o.AccountID, o.Symbol, o.Remaining()); err != nil {
				return err
			}
		}

		o.Status = model.StatusCancelled
		if err := tx.SaveOrder(ctx, o); err != nil {
			return err
		}
		cancelled = o
		return nil
	})
	if err != nil {
		if ledger.IsInternalFault(err) {
			slog.Error("order cancellation failed", "order_id", orderID, "err", err)
		}
		return nil, err
	}

	metrics.OrdersCancelled.WithLabelValues(cancelled.Symbol).Inc()
	slog.Info("order cancelled",
		"order_id", cancelled.ID,
		"account_id", accountID,
		"symbol", cancelled.Symbol,
		"side", cancelled.Side,
		"filled", cancelled.FilledAmount.String(),
	)
	return cancelled, nil
}

// GetOrderBook returns the open orders of a symbol, best price first then
// oldest first. An empty side returns the buy side followed by the sell side.
func (s *Service) GetOrderBook(ctx context.Context, sym string, side model.Side) ([]model.Order, error) {
	sym = symbol.Normalize(sym)
	if side != "" {
		if !side.Valid() {
			return nil, fmt.Errorf("%w: side must be buy or sell, got %q", ErrInvalidOrder, side)
		}
		return s.store.ListOpenOrders(ctx, sym, side)
	}

	buys, err := s.store.ListOpenOrders(ctx, sym, model.SideBuy)
	if err != nil {
		return nil, err
	}
	sells, err := s.store.ListOpenOrders(ctx, sym, model.SideSell)
	if err != nil {
		return nil, err
	}
	return append(buys, sells...), nil
}

// GetProfile returns an account's balance, holdings and open orders.
func (s *Service) GetProfile(ctx context.Context, accountID string) (*model.Profile, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	if err != nil {
		return nil, err
	}
	holdings, err := s.store.ListHoldings(ctx, accountID)
	if err != nil {
		return nil, err
	}
	open, err := s.store.ListOrdersByAccount(ctx, accountID, model.StatusOpen)
	if err != nil {
		return nil, err
	}
	if holdings == nil {
		holdings = []model.Holding{}
	}
	if open == nil {
		open = []model.Order{}
	}
	return &model.Profile{Account: *account, Holdings: holdings, OpenOrders: open}, nil
}

// ListOrders returns an account's orders, newest first. An empty status
// matches every status.
func (s *Service) ListOrders(ctx context.Context, accountID string, status model.OrderStatus) ([]model.Order, error) {
	return s.store.ListOrdersByAccount(ctx, accountID, status)
}

// RecentTrades returns the latest trades of a symbol, newest first.
func (s *Service) RecentTrades(ctx context.Context, sym string, limit int) ([]model.Trade, error) {
	return s.store.ListTradesBySymbol(ctx, symbol.Normalize(sym), limit)
}

// OpenAccount creates an account with an opening cash balance.
func (s *Service) OpenAccount(ctx context.Context, name string, balance decimal.Decimal) (*model.Account, error) {
	if balance.IsNegative() || !money.FitsScale(balance, s.policy.BalancePrecision) {
		return nil, fmt.Errorf("%w: opening balance %s", ledger.ErrInvalidAmount, balance)
	}
	a := &model.Account{
		ID:        s.newID(),
		Name:      name,
		Balance:   balance,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateAccount(ctx, a); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	slog.Info("account opened", "account_id", a.ID, "balance", balance.String())
	return a, nil
}

// Deposit credits cash to an account.
func (s *Service) Deposit(ctx context.Context, accountID string, amount decimal.Decimal) error {
	if !amount.IsPositive() || !money.FitsScale(amount, s.policy.BalancePrecision) {
		return fmt.Errorf("%w: deposit %s", ledger.ErrInvalidAmount, amount)
	}
	err := s.runUnit(ctx, func(tx store.Tx) error {
		return s.ledger.CreditCash(ctx, tx, accountID, amount)
	})
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return err
}

// DepositAsset credits an asset to an account's available holding.
func (s *Service) DepositAsset(ctx context.Context, accountID, sym string, amount decimal.Decimal) error {
	parsed, err := s.symbols.Parse(sym)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOrder, err)
	}
	if !amount.IsPositive() || !money.FitsScale(amount, s.policy.AmountPrecision) {
		return fmt.Errorf("%w: deposit %s %s", ledger.ErrInvalidAmount, amount, parsed)
	}
	err = s.runUnit(ctx, func(tx store.Tx) error {
		return s.ledger.CreditAsset(ctx, tx, accountID, parsed, amount)
	})
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return err
}

// runUnit executes fn as one atomic unit, re-running it from scratch after
// transient store failures.
func (s *Service) runUnit(ctx context.Context, fn func(tx store.Tx) error) error {
	for attempt := 0; ; attempt++ {
		err := s.store.InTx(ctx, fn)
		if err == nil || !s.isTransient(err) {
			return err
		}
		if attempt >= s.maxRetries {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}

		metrics.UnitRetries.Inc()
		slog.Warn("retrying unit after transient store error", "attempt", attempt+1, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.backoff * time.Duration(attempt+1)):
		}
	}
}

func (s *Service) publish(results []settlement.Result) {
	if len(results) == 0 {
		return
	}
	payloads := make([]model.TradeSettled, 0, len(results))
	for _, r := range results {
		t := r.Trade
		metrics.TradesTotal.WithLabelValues(t.Symbol).Inc()
		metrics.TradeVolume.WithLabelValues(t.Symbol).Add(t.Amount.InexactFloat64())
		metrics.CommissionTotal.WithLabelValues(t.Symbol).Add(t.Commission.InexactFloat64())
		slog.Info("trade settled",
			"trade_id", t.ID,
			"symbol", t.Symbol,
			"price", t.Price.String(),
			"amount", t.Amount.String(),
			"commission", t.Commission.String(),
			"buyer_id", t.BuyerID,
			"seller_id", t.SellerID,
		)
		payloads = append(payloads, r.Notification)
	}
	if s.notifier != nil {
		s.notifier.Publish(payloads...)
	}
}
