package ledger

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/ShellBakerIO/TochkaProjectWW/internal/apperr"
	"github.com/ShellBakerIO/TochkaProjectWW/internal/db"
)

func withTx(t *testing.T, store db.Store, fn func(tx db.Tx)) {
	t.Helper()
	err := store.Atomic(context.Background(), func(tx db.Tx) error {
		fn(tx)
		return nil
	})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}
}

func TestCreditDebitRoundTrip(t *testing.T) {
	store := db.NewMemory()
	l := New()

	withTx(t, store, func(tx db.Tx) {
		if err := l.Credit(tx, "u1", "RUB", decimal.NewFromInt(100)); err != nil {
			t.Fatalf("credit failed: %v", err)
		}
		if err := l.Debit(tx, "u1", "RUB", decimal.NewFromInt(40)); err != nil {
			t.Fatalf("debit failed: %v", err)
		}

		got, err := l.Balance(tx, "u1", "RUB")
		if err != nil {
			t.Fatalf("balance failed: %v", err)
		}
		if !got.Equal(decimal.NewFromInt(60)) {
			t.Errorf("expected balance 60, got %s", got)
		}
	})
}

func TestDebitInsufficientLeavesBalanceUntouched(t *testing.T) {
	store := db.NewMemory()
	l := New()

	withTx(t, store, func(tx db.Tx) {
		if err := l.Credit(tx, "u1", "RUB", decimal.NewFromInt(30)); err != nil {
			t.Fatalf("credit failed: %v", err)
		}

		err := l.Debit(tx, "u1", "RUB", decimal.NewFromInt(50))
		if err == nil {
			t.Fatal("expected debit to fail")
		}
		if !apperr.Is(err, apperr.KindInsufficientFunds) {
			t.Errorf("expected insufficient funds, got %v", err)
		}

		got, _ := l.Balance(tx, "u1", "RUB")
		if !got.Equal(decimal.NewFromInt(30)) {
			t.Errorf("balance changed by failed debit: %s", got)
		}
	})
}

func TestDebitWithoutRowIsInsufficient(t *testing.T) {
	store := db.NewMemory()
	l := New()

	withTx(t, store, func(tx db.Tx) {
		err := l.Debit(tx, "nobody", "MEMECOIN", decimal.NewFromInt(1))
		if !apperr.Is(err, apperr.KindInsufficientFunds) {
			t.Errorf("expected insufficient funds, got %v", err)
		}
	})
}

func TestBalanceWithoutRowIsZero(t *testing.T) {
	store := db.NewMemory()
	l := New()

	withTx(t, store, func(tx db.Tx) {
		got, err := l.Balance(tx, "nobody", "RUB")
		if err != nil {
			t.Fatalf("balance failed: %v", err)
		}
		if !got.IsZero() {
			t.Errorf("expected zero balance, got %s", got)
		}
	})
}

func TestReserveReleaseRestoresFreeBalance(t *testing.T) {
	store := db.NewMemory()
	l := New()

	withTx(t, store, func(tx db.Tx) {
		if err := l.Credit(tx, "u1", "AAPL", decimal.NewFromInt(10)); err != nil {
			t.Fatalf("credit failed: %v", err)
		}
		if err := l.Reserve(tx, "u1", "AAPL", decimal.NewFromInt(7)); err != nil {
			t.Fatalf("reserve failed: %v", err)
		}

		free, _ := l.Balance(tx, "u1", "AAPL")
		if !free.Equal(decimal.NewFromInt(3)) {
			t.Fatalf("expected free 3 after reserve, got %s", free)
		}

		if err := l.Release(tx, "u1", "AAPL", decimal.NewFromInt(7)); err != nil {
			t.Fatalf("release failed: %v", err)
		}
		free, _ = l.Balance(tx, "u1", "AAPL")
		if !free.Equal(decimal.NewFromInt(10)) {
			t.Errorf("expected free 10 after release, got %s", free)
		}
	})
}

func TestBalancesListsAllTickers(t *testing.T) {
	store := db.NewMemory()
	l := New()

	withTx(t, store, func(tx db.Tx) {
		l.Credit(tx, "u1", "RUB", decimal.NewFromInt(500))
		l.Credit(tx, "u1", "AAPL", decimal.NewFromInt(2))
		l.Credit(tx, "u2", "RUB", decimal.NewFromInt(9))

		got, err := l.Balances(tx, "u1")
		if err != nil {
			t.Fatalf("balances failed: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 balances, got %d", len(got))
		}
		if !got["RUB"].Equal(decimal.NewFromInt(500)) {
			t.Errorf("expected 500 RUB, got %s", got["RUB"])
		}
		if !got["AAPL"].Equal(decimal.NewFromInt(2)) {
			t.Errorf("expected 2 AAPL, got %s", got["AAPL"])
		}
	})
}
