// Package tradelog persists the immutable trade history. Every executed
// deal becomes exactly one record; records are never updated or deleted.
package tradelog

import (
	"time"

	"github.com/pkg/errors"

	"github.com/ShellBakerIO/TochkaProjectWW/internal/db"
	"github.com/ShellBakerIO/TochkaProjectWW/internal/models"
)

// Log appends and reads trade records inside a caller-supplied
// transaction.
type Log struct{}

// New constructs a Log.
func New() *Log { return &Log{} }

// Append stamps and persists one executed deal. The store assigns the id.
func (lg *Log) Append(tx db.Tx, t *models.Trade) error {
	if t.ExecutedAt.IsZero() {
		t.ExecutedAt = time.Now().UTC()
	}
	return errors.Wrap(tx.AppendTrade(t), "append trade")
}

// History returns up to limit trades of one ticker, newest first.
func (lg *Log) History(tx db.Tx, ticker string, limit int) ([]models.Trade, error) {
	out, err := tx.TradesByTicker(ticker, limit)
	return out, errors.Wrap(err, "trade history")
}
