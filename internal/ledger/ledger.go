// Package ledger moves value between per-user, per-ticker balances. Every
// operation runs inside a caller-supplied store transaction; the ledger
// itself is stateless.
//
// A balance row holds the free amount only. Reserving funds debits the
// free amount and releasing credits it back, so "free" is always exactly
// what the user can still spend and the row can never go negative.
package ledger

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/ShellBakerIO/TochkaProjectWW/internal/apperr"
	"github.com/ShellBakerIO/TochkaProjectWW/internal/db"
)

// Ledger performs balance arithmetic on a store transaction.
type Ledger struct{}

// New constructs a Ledger.
func New() *Ledger { return &Ledger{} }

// Balance returns the user's free amount of one ticker, zero if they never
// held it.
func (l *Ledger) Balance(tx db.Tx, userID, ticker string) (decimal.Decimal, error) {
	amount, err := tx.Balance(userID, ticker)
	return amount, errors.Wrap(err, "read balance")
}

// Balances returns all of the user's free balances.
func (l *Ledger) Balances(tx db.Tx, userID string) (map[string]decimal.Decimal, error) {
	out, err := tx.BalancesByUser(userID)
	return out, errors.Wrap(err, "read balances")
}

// Credit adds amount to the free balance, creating the row at first use.
func (l *Ledger) Credit(tx db.Tx, userID, ticker string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return apperr.Errorf(apperr.KindSystem, "negative credit of %s %s", amount, ticker)
	}
	return errors.Wrap(tx.AddBalance(userID, ticker, amount), "credit")
}

// Debit removes amount from the free balance. A shortfall fails with
// InsufficientFunds and changes nothing.
func (l *Ledger) Debit(tx db.Tx, userID, ticker string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return apperr.Errorf(apperr.KindSystem, "negative debit of %s %s", amount, ticker)
	}
	err := tx.AddBalance(userID, ticker, amount.Neg())
	if errors.Is(err, db.ErrInsufficientBalance) {
		return apperr.Errorf(apperr.KindInsufficientFunds, "insufficient %s balance", ticker)
	}
	return errors.Wrap(err, "debit")
}

// Reserve holds amount for an order. A hold is a debit of the free
// balance; the name keeps call sites honest about intent.
func (l *Ledger) Reserve(tx db.Tx, userID, ticker string, amount decimal.Decimal) error {
	return l.Debit(tx, userID, ticker, amount)
}

// Release returns a previously reserved amount to the free balance.
func (l *Ledger) Release(tx db.Tx, userID, ticker string, amount decimal.Decimal) error {
	return l.Credit(tx, userID, ticker, amount)
}
