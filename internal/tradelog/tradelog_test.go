package tradelog

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ShellBakerIO/TochkaProjectWW/internal/db"
	"github.com/ShellBakerIO/TochkaProjectWW/internal/models"
)

func appendTrade(t *testing.T, store db.Store, lg *Log, ticker string, price, qty int64) models.Trade {
	t.Helper()
	trade := models.Trade{
		Ticker:      ticker,
		Price:       decimal.NewFromInt(price),
		Quantity:    decimal.NewFromInt(qty),
		BuyerID:     "buyer",
		SellerID:    "seller",
		BuyOrderID:  "bo",
		SellOrderID: "so",
	}
	err := store.Atomic(context.Background(), func(tx db.Tx) error {
		return lg.Append(tx, &trade)
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	return trade
}

func TestAppendAssignsIDAndTimestamp(t *testing.T) {
	store := db.NewMemory()
	lg := New()

	trade := appendTrade(t, store, lg, "AAPL", 100, 2)
	if trade.ID == 0 {
		t.Error("expected an assigned trade id")
	}
	if trade.ExecutedAt.IsZero() {
		t.Error("expected a stamped execution time")
	}
}

func TestAppendKeepsExplicitTimestamp(t *testing.T) {
	store := db.NewMemory()
	lg := New()

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	trade := models.Trade{
		Ticker:     "AAPL",
		Price:      decimal.NewFromInt(10),
		Quantity:   decimal.NewFromInt(1),
		ExecutedAt: at,
	}
	err := store.Atomic(context.Background(), func(tx db.Tx) error {
		return lg.Append(tx, &trade)
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if !trade.ExecutedAt.Equal(at) {
		t.Errorf("expected timestamp %v kept, got %v", at, trade.ExecutedAt)
	}
}

func TestHistoryNewestFirstPerTicker(t *testing.T) {
	store := db.NewMemory()
	lg := New()

	appendTrade(t, store, lg, "AAPL", 100, 1)
	appendTrade(t, store, lg, "MSFT", 55, 3)
	second := appendTrade(t, store, lg, "AAPL", 101, 2)
	third := appendTrade(t, store, lg, "AAPL", 102, 4)

	var got []models.Trade
	err := store.View(context.Background(), func(tx db.Tx) error {
		var err error
		got, err = lg.History(tx, "AAPL", 2)
		return err
	})
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(got))
	}
	if got[0].ID != third.ID || got[1].ID != second.ID {
		t.Errorf("expected newest first (%d, %d), got (%d, %d)",
			third.ID, second.ID, got[0].ID, got[1].ID)
	}
	for _, tr := range got {
		if tr.Ticker != "AAPL" {
			t.Errorf("foreign ticker in history: %s", tr.Ticker)
		}
	}
}
