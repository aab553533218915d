// Package ledger implements the balance primitives every order and trade is
// built from. Cash lives on the account row; assets live in holdings split
// into available and locked. Every call locks the row it touches through the
// caller's transaction, so a primitive is only ever part of a larger unit.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/spot-exchange/internal/money"
	"github.com/atmx/spot-exchange/internal/store"
)

var (
	ErrInsufficientFunds  = errors.New("ledger: insufficient funds")
	ErrInsufficientAssets = errors.New("ledger: insufficient assets")

	// ErrUnderflow means a locked balance would go negative. It is an
	// internal consistency fault, never a user error.
	ErrUnderflow = errors.New("ledger: locked balance underflow")

	ErrInvalidAmount = errors.New("ledger: negative amount")
)

// IsInternalFault reports whether err indicates broken ledger state rather
// than a business rejection.
func IsInternalFault(err error) bool {
	return errors.Is(err, ErrUnderflow) || errors.Is(err, ErrInvalidAmount)
}

// Ledger applies balance changes at fixed precisions.
type Ledger struct {
	balanceScale int32
	amountScale  int32
}

// New creates a Ledger that keeps cash at balanceScale and asset quantities
// at amountScale fractional digits.
func New(balanceScale, amountScale int32) *Ledger {
	return &Ledger{balanceScale: balanceScale, amountScale: amountScale}
}

// ReserveCash deducts amount from the account's available cash.
func (l *Ledger) ReserveCash(ctx context.Context, tx store.Tx, accountID string, amount decimal.Decimal) error {
	if skip, err := checkAmount(amount); skip || err != nil {
		return err
	}
	a, err := tx.LockAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if a.Balance.LessThan(amount) {
		return fmt.Errorf("%w: account %s has %s, needs %s", ErrInsufficientFunds, accountID, a.Balance, amount)
	}
	a.Balance = money.Quantize(a.Balance.Sub(amount), l.balanceScale)
	return tx.SaveAccount(ctx, a)
}

// ReleaseCash returns previously reserved cash to the account. Cash
// reservations are deducted from the balance, so releasing is a credit.
func (l *Ledger) ReleaseCash(ctx context.Context, tx store.Tx, accountID string, amount decimal.Decimal) error {
	return l.CreditCash(ctx, tx, accountID, amount)
}

// CreditCash adds amount to the account's balance.
func (l *Ledger) CreditCash(ctx context.Context, tx store.Tx, accountID string, amount decimal.Decimal) error {
	if skip, err := checkAmount(amount); skip || err != nil {
		return err
	}
	a, err := tx.LockAccount(ctx, accountID)
	if err != nil {
		return err
	}
	a.Balance = money.Quantize(a.Balance.Add(amount), l.balanceScale)
	return tx.SaveAccount(ctx, a)
}

// ReserveAsset moves amount of symbol from available to locked.
func (l *Ledger) ReserveAsset(ctx context.Context, tx store.Tx, accountID, symbol string, amount decimal.Decimal) error {
	if skip, err := checkAmount(amount); skip || err != nil {
		return err
	}
	h, err := tx.LockHolding(ctx, accountID, symbol)
	if err != nil {
		return err
	}
	if h.Amount.LessThan(amount) {
		return fmt.Errorf("%w: account %s has %s %s, needs %s", ErrInsufficientAssets, accountID, h.Amount, symbol, amount)
	}
	h.Amount = money.Quantize(h.Amount.Sub(amount), l.amountScale)
	h.LockedAmount = money.Quantize(h.LockedAmount.Add(amount), l.amountScale)
	return tx.SaveHolding(ctx, h)
}

// ReleaseAsset moves amount of symbol from locked back to available.
func (l *Ledger) ReleaseAsset(ctx context.Context, tx store.Tx, accountID, symbol string, amount decimal.Decimal) error {
	if skip, err := checkAmount(amount); skip || err != nil {
		return err
	}
	h, err := tx.LockHolding(ctx, accountID, symbol)
	if err != nil {
		return err
	}
	if h.LockedAmount.LessThan(amount) {
		return fmt.Errorf("%w: release %s %s from %s locked (account %s)", ErrUnderflow, amount, symbol, h.LockedAmount, accountID)
	}
	h.LockedAmount = money.Quantize(h.LockedAmount.Sub(amount), l.amountScale)
	h.Amount = money.Quantize(h.Amount.Add(amount), l.amountScale)
	return tx.SaveHolding(ctx, h)
}

// CreditAsset adds amount of symbol to the available holding, creating the
// holding on first reference.
func (l *Ledger) CreditAsset(ctx context.Context, tx store.Tx, accountID, symbol string, amount decimal.Decimal) error {
	if skip, err := checkAmount(amount); skip || err != nil {
		return err
	}
	h, err := tx.LockHolding(ctx, accountID, symbol)
	if err != nil {
		return err
	}
	h.Amount = money.Quantize(h.Amount.Add(amount), l.amountScale)
	return tx.SaveHolding(ctx, h)
}

// DebitLockedAsset removes amount of symbol from the locked holding; used
// when a seller's reserved asset is delivered.
func (l *Ledger) DebitLockedAsset(ctx context.Context, tx store.Tx, accountID, symbol string, amount decimal.Decimal) error {
	if skip, err := checkAmount(amount); skip || err != nil {
		return err
	}
	h, err := tx.LockHolding(ctx, accountID, symbol)
	if err != nil {
		return err
	}
	if h.LockedAmount.LessThan(amount) {
		return fmt.Errorf("%w: debit %s %s from %s locked (account %s)", ErrUnderflow, amount, symbol, h.LockedAmount, accountID)
	}
	h.LockedAmount = money.Quantize(h.LockedAmount.Sub(amount), l.amountScale)
	return tx.SaveHolding(ctx, h)
}

// checkAmount rejects negative amounts and reports whether a zero amount
// should be skipped.
func checkAmount(amount decimal.Decimal) (skip bool, err error) {
	switch amount.Sign() {
	case -1:
		return true, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	case 0:
		return true, nil
	}
	return false, nil
}
