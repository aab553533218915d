// Package model defines the core domain types shared across the exchange.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is buy or sell.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the side a counter order must have.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderStatus is the lifecycle state of an order. Filled and cancelled are
// terminal.
type OrderStatus string

const (
	StatusOpen      OrderStatus = "open"
	StatusFilled    OrderStatus = "filled"
	StatusCancelled OrderStatus = "cancelled"
)

// Account holds a user's cash balance. Balance is never negative.
type Account struct {
	ID        string          `json:"id" db:"id"`
	Name      string          `json:"name" db:"name"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Holding is an account's position in one asset symbol. Amount is available,
// LockedAmount is reserved for open sell orders.
type Holding struct {
	AccountID    string          `json:"account_id" db:"account_id"`
	Symbol       string          `json:"symbol" db:"symbol"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	LockedAmount decimal.Decimal `json:"locked_amount" db:"locked_amount"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Total is available plus locked.
func (h Holding) Total() decimal.Decimal {
	return h.Amount.Add(h.LockedAmount)
}

// Order is a limit order. Seq is assigned by the store and breaks ties between
// orders created in the same instant.
type Order struct {
	ID           string          `json:"id" db:"id"`
	AccountID    string          `json:"account_id" db:"account_id"`
	Symbol       string          `json:"symbol" db:"symbol"`
	Side         Side            `json:"side" db:"side"`
	Price        decimal.Decimal `json:"price" db:"price"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	FilledAmount decimal.Decimal `json:"filled_amount" db:"filled_amount"`
	Reserved     decimal.Decimal `json:"reserved" db:"reserved"` // cash still held by a buy order
	Status       OrderStatus     `json:"status" db:"status"`
	Seq          int64           `json:"seq" db:"seq"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	FilledAt     *time.Time      `json:"filled_at,omitempty" db:"filled_at"`
}

// Remaining is the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.FilledAmount)
}

// IsOpen reports whether the order can still trade.
func (o *Order) IsOpen() bool {
	return o.Status == StatusOpen
}

// Crosses reports whether a resting counter order is price-compatible with o.
func (o *Order) Crosses(counter *Order) bool {
	if o.Side == SideBuy {
		return counter.Price.LessThanOrEqual(o.Price)
	}
	return counter.Price.GreaterThanOrEqual(o.Price)
}

// Trade is an immutable record of one match between a buy and a sell order.
// Commission is in cash units; AssetCommission is the asset withheld from the
// buyer when the buyer pays the commission.
type Trade struct {
	ID              string          `json:"id" db:"id"`
	BuyOrderID      string          `json:"buy_order_id" db:"buy_order_id"`
	SellOrderID     string          `json:"sell_order_id" db:"sell_order_id"`
	BuyerID         string          `json:"buyer_id" db:"buyer_id"`
	SellerID        string          `json:"seller_id" db:"seller_id"`
	Symbol          string          `json:"symbol" db:"symbol"`
	Price           decimal.Decimal `json:"price" db:"price"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	Commission      decimal.Decimal `json:"commission" db:"commission"`
	AssetCommission decimal.Decimal `json:"asset_commission" db:"asset_commission"`
	ExecutedAt      time.Time       `json:"executed_at" db:"executed_at"`
}

// TradeSummary is the trade view carried by settlement notifications.
type TradeSummary struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Price      decimal.Decimal `json:"price"`
	Amount     decimal.Decimal `json:"amount"`
	Commission decimal.Decimal `json:"commission"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// TradeSettled is handed to the notification layer once per settled trade and
// delivered to both parties' private channels.
type TradeSettled struct {
	Trade    TradeSummary `json:"trade"`
	BuyerID  string       `json:"buyer_id"`
	SellerID string       `json:"seller_id"`
}

// NewTradeSettled builds the notification payload for t.
func NewTradeSettled(t *Trade) TradeSettled {
	return TradeSettled{
		Trade: TradeSummary{
			ID:         t.ID,
			Symbol:     t.Symbol,
			Price:      t.Price,
			Amount:     t.Amount,
			Commission: t.Commission,
			ExecutedAt: t.ExecutedAt,
		},
		BuyerID:  t.BuyerID,
		SellerID: t.SellerID,
	}
}

// Profile aggregates an account's balance, holdings and open orders.
type Profile struct {
	Account    Account   `json:"account"`
	Holdings   []Holding `json:"holdings"`
	OpenOrders []Order   `json:"open_orders"`
}
