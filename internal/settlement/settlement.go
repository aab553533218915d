// Package settlement turns one match between two orders into a trade: it
// fills both orders, moves the asset from seller to buyer, pays the seller,
// charges the commission and refunds the buyer's price improvement.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/spot-exchange/internal/ledger"
	"github.com/atmx/spot-exchange/internal/model"
	"github.com/atmx/spot-exchange/internal/money"
	"github.com/atmx/spot-exchange/internal/store"
)

// Payer is the side of a trade that bears the commission.
type Payer string

const (
	// PayerBuyer withholds the commission from the asset the buyer receives.
	PayerBuyer Payer = "buyer"
	// PayerSeller deducts the commission from the cash the seller receives.
	PayerSeller Payer = "seller"
)

// Policy holds the commission rule and the precisions trades settle at.
type Policy struct {
	Rate             decimal.Decimal
	Payer            Payer
	PricePrecision   int32
	AmountPrecision  int32
	BalancePrecision int32
}

// DefaultPolicy is 1.5% charged to the buyer at 8 fractional digits.
func DefaultPolicy() Policy {
	return Policy{
		Rate:             decimal.RequireFromString("0.015"),
		Payer:            PayerBuyer,
		PricePrecision:   money.DefaultScale,
		AmountPrecision:  money.DefaultScale,
		BalancePrecision: money.DefaultScale,
	}
}

// Commission is the fee on a trade value, rounded to the balance precision.
func (p Policy) Commission(tradeValue decimal.Decimal) decimal.Decimal {
	return money.Round(tradeValue.Mul(p.Rate), p.BalancePrecision)
}

var errNothingToMatch = errors.New("settlement: no remaining quantity to match")

// Result is what one settlement produced.
type Result struct {
	Trade        *model.Trade
	Notification model.TradeSettled
}

// Settler executes settlements through a Ledger.
type Settler struct {
	ledger *ledger.Ledger
	policy Policy
	now    func() time.Time
	newID  func() string
}

// New creates a Settler.
func New(l *ledger.Ledger, policy Policy) *Settler {
	return &Settler{
		ledger: l,
		policy: policy,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

// Policy returns the commission policy the settler applies.
func (s *Settler) Policy() Policy {
	return s.policy
}

// Settle matches taker against maker at the maker's price. Both orders must
// be locked by tx and are updated in place. The caller is responsible for
// having checked that the orders cross, are open and belong to different
// accounts.
func (s *Settler) Settle(ctx context.Context, tx store.Tx, taker, maker *model.Order) (*Result, error) {
	p := s.policy

	matchAmount := money.Min(taker.Remaining(), maker.Remaining())
	if !matchAmount.IsPositive() {
		return nil, fmt.Errorf("%w: taker %s maker %s", errNothingToMatch, taker.ID, maker.ID)
	}
	matchPrice := maker.Price
	tradeValue := money.Mul(matchPrice, matchAmount, p.BalancePrecision)
	commission := p.Commission(tradeValue)

	buy, sell := taker, maker
	if taker.Side == model.SideSell {
		buy, sell = maker, taker
	}

	now := s.now()
	trade := &model.Trade{
		ID:              s.newID(),
		BuyOrderID:      buy.ID,
		SellOrderID:     sell.ID,
		BuyerID:         buy.AccountID,
		SellerID:        sell.AccountID,
		Symbol:          taker.Symbol,
		Price:           matchPrice,
		Amount:          matchAmount,
		Commission:      commission,
		AssetCommission: decimal.Zero,
		ExecutedAt:      now,
	}
	if p.Payer == PayerBuyer {
		trade.AssetCommission = money.Div(commission, matchPrice, p.AmountPrecision)
	}

	fill(taker, matchAmount, now)
	fill(maker, matchAmount, now)

	// Cash the buy order set aside for this quantity. The last fill takes
	// whatever is left so truncation never strands a remainder.
	held := money.Mul(buy.Price, matchAmount, p.BalancePrecision)
	if !buy.IsOpen() || held.GreaterThan(buy.Reserved) {
		held = buy.Reserved
	}
	buy.Reserved = buy.Reserved.Sub(held)
	refund := held.Sub(tradeValue)
	if refund.IsNegative() {
		return nil, fmt.Errorf("%w: buy order %s holds %s for a trade worth %s",
			ledger.ErrUnderflow, buy.ID, held, tradeValue)
	}

	if err := tx.InsertTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("insert trade: %w", err)
	}
	if err := tx.SaveOrder(ctx, taker); err != nil {
		return nil, fmt.Errorf("save taker: %w", err)
	}
	if err := tx.SaveOrder(ctx, maker); err != nil {
		return nil, fmt.Errorf("save maker: %w", err)
	}

	// Accounts in ascending ID order, then the seller's and buyer's holdings.
	ids := []string{buy.AccountID, sell.AccountID}
	sort.Strings(ids)
	for _, id := range ids {
		if _, err := tx.LockAccount(ctx, id); err != nil {
			return nil, fmt.Errorf("lock account %s: %w", id, err)
		}
	}
	if _, err := tx.LockHolding(ctx, sell.AccountID, trade.Symbol); err != nil {
		return nil, err
	}
	if _, err := tx.LockHolding(ctx, buy.AccountID, trade.Symbol); err != nil {
		return nil, err
	}

	if err := s.ledger.DebitLockedAsset(ctx, tx, sell.AccountID, trade.Symbol, matchAmount); err != nil {
		return nil, err
	}

	switch p.Payer {
	case PayerSeller:
		if err := s.ledger.CreditAsset(ctx, tx, buy.AccountID, trade.Symbol, matchAmount); err != nil {
			return nil, err
		}
		if err := s.ledger.CreditCash(ctx, tx, sell.AccountID, tradeValue.Sub(commission)); err != nil {
			return nil, err
		}
	default:
		if err := s.ledger.CreditAsset(ctx, tx, buy.AccountID, trade.Symbol, matchAmount.Sub(trade.AssetCommission)); err != nil {
			return nil, err
		}
		if err := s.ledger.CreditCash(ctx, tx, sell.AccountID, tradeValue); err != nil {
			return nil, err
		}
	}

	if refund.IsPositive() {
		if err := s.ledger.CreditCash(ctx, tx, buy.AccountID, refund); err != nil {
			return nil, err
		}
	}

	return &Result{Trade: trade, Notification: model.NewTradeSettled(trade)}, nil
}

func fill(o *model.Order, amount decimal.Decimal, now time.Time) {
	o.FilledAmount = o.FilledAmount.Add(amount)
	if o.FilledAmount.GreaterThanOrEqual(o.Amount) {
		o.Status = model.StatusFilled
		filledAt := now
		o.FilledAt = &filledAt
	}
}
