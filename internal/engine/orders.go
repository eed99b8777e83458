package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ShellBakerIO/TochkaProjectWW/internal/apperr"
	"github.com/ShellBakerIO/TochkaProjectWW/internal/book"
	"github.com/ShellBakerIO/TochkaProjectWW/internal/db"
	"github.com/ShellBakerIO/TochkaProjectWW/internal/models"
)

func validateOrderIn(in *models.OrderIn) error {
	if in.Direction != models.OrderSideBuy && in.Direction != models.OrderSideSell {
		return apperr.E(apperr.KindBadRequest, "direction must be BUY or SELL")
	}
	if !models.ValidTicker(in.Ticker) {
		return apperr.E(apperr.KindBadRequest, "ticker must be 2-10 uppercase letters")
	}
	if in.Ticker == models.TickerRUB {
		return apperr.E(apperr.KindBadRequest, "the settlement currency cannot be traded")
	}
	if in.Qty < 1 {
		return apperr.E(apperr.KindBadRequest, "qty must be at least 1")
	}
	if in.Price != nil && *in.Price <= 0 {
		return apperr.E(apperr.KindBadRequest, "price must be positive")
	}
	return nil
}

// reserve takes the order's upfront reservation. A limit buy locks the full
// cash cost, a sell locks the quantity of the asset, and a market buy locks
// nothing but must start with positive free RUB.
func (e *Engine) reserve(tx db.Tx, o *models.Order) error {
	switch {
	case o.Side == models.OrderSideBuy && o.Type == models.OrderTypeLimit:
		return e.ledger.Reserve(tx, o.UserID, models.TickerRUB, o.Quantity.Mul(*o.Price))
	case o.Side == models.OrderSideBuy:
		free, err := e.ledger.Balance(tx, o.UserID, models.TickerRUB)
		if err != nil {
			return err
		}
		if !free.IsPositive() {
			return apperr.E(apperr.KindInsufficientFunds, "market buy requires a positive RUB balance")
		}
		return nil
	default:
		return e.ledger.Reserve(tx, o.UserID, o.Ticker, o.Quantity)
	}
}

// PlaceOrder validates and admits a new order, reserves what it needs,
// matches it against the resting side of the book and returns it in its
// post-matching state. Admission, reservation, matching, settlement and the
// final status all commit in a single store transaction, serialized with
// every other mutation of the ticker; the in-memory book changes only after
// that transaction commits.
func (e *Engine) PlaceOrder(ctx context.Context, userID string, in *models.OrderIn) (*models.Order, error) {
	if err := validateOrderIn(in); err != nil {
		e.countReject(err)
		return nil, err
	}

	start := time.Now()
	mtx := e.tickerMutex(in.Ticker)
	mtx.Lock()
	defer mtx.Unlock()

	bk := e.book(in.Ticker)

	var (
		order  *models.Order
		result *MatchResult
	)
	err := e.store.Atomic(ctx, func(tx db.Tx) error {
		inst, err := tx.InstrumentByTicker(in.Ticker)
		if errors.Is(err, db.ErrNotFound) {
			return apperr.Errorf(apperr.KindNotFound, "instrument %s not found", in.Ticker)
		}
		if err != nil {
			return err
		}
		if !inst.IsListed {
			return apperr.Errorf(apperr.KindNotFound, "instrument %s is not listed", in.Ticker)
		}
		if _, err := tx.InstrumentByTicker(models.TickerRUB); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return apperr.E(apperr.KindSystem, "settlement currency is not configured")
			}
			return err
		}

		now := time.Now().UTC()
		order = &models.Order{
			ID:        uuid.NewString(),
			UserID:    userID,
			Ticker:    in.Ticker,
			Side:      in.Direction,
			Type:      models.OrderTypeMarket,
			Quantity:  decimal.NewFromInt(in.Qty),
			Filled:    decimal.Zero,
			Status:    models.OrderStatusOpen,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if in.Price != nil {
			p := decimal.NewFromInt(*in.Price)
			order.Type = models.OrderTypeLimit
			order.Price = &p
		}

		if err := e.reserve(tx, order); err != nil {
			return err
		}
		if err := tx.CreateOrder(order); err != nil {
			return errors.Wrap(err, "insert order")
		}

		result, err = e.matcher.Match(tx, order, bk.Counterparties(order.Side, order.Price))
		return err
	})
	if err != nil {
		e.countReject(err)
		return nil, err
	}

	var rest *models.Order
	if order.Type == models.OrderTypeLimit && order.IsActive() {
		rest = order
	}
	bk.Apply(result.Makers, rest)
	e.updateBookGauge(bk)
	e.observePlacement(order, result.Trades, time.Since(start))

	e.log.Info("order placed",
		zap.String("order_id", order.ID),
		zap.String("ticker", order.Ticker),
		zap.String("side", string(order.Side)),
		zap.String("type", string(order.Type)),
		zap.String("status", string(order.Status)),
		zap.Int("trades", len(result.Trades)))
	return order, nil
}

// CancelOrder cancels one of the user's active orders and releases whatever
// it still holds: the unfilled cash of a limit buy or the unfilled quantity
// of a sell. Orders of other users are reported as absent, never as
// forbidden.
func (e *Engine) CancelOrder(ctx context.Context, userID, orderID string) (*models.Order, error) {
	// The ticker picks the lock, so look the order up first; ownership and
	// state are re-checked inside the transaction.
	var ticker string
	err := e.store.View(ctx, func(tx db.Tx) error {
		o, err := tx.OrderByID(orderID)
		if errors.Is(err, db.ErrNotFound) {
			return apperr.Errorf(apperr.KindNotFound, "order %s not found", orderID)
		}
		if err != nil {
			return err
		}
		if o.UserID != userID {
			return apperr.Errorf(apperr.KindNotFound, "order %s not found", orderID)
		}
		ticker = o.Ticker
		return nil
	})
	if err != nil {
		e.countReject(err)
		return nil, err
	}

	mtx := e.tickerMutex(ticker)
	mtx.Lock()
	defer mtx.Unlock()

	var order *models.Order
	err = e.store.Atomic(ctx, func(tx db.Tx) error {
		o, err := tx.OrderByID(orderID)
		if errors.Is(err, db.ErrNotFound) {
			return apperr.Errorf(apperr.KindNotFound, "order %s not found", orderID)
		}
		if err != nil {
			return err
		}
		if o.UserID != userID {
			return apperr.Errorf(apperr.KindNotFound, "order %s not found", orderID)
		}
		if !o.IsActive() {
			return apperr.Errorf(apperr.KindBadState, "order %s is already %s", orderID, o.Status)
		}

		remaining := o.Remaining()
		if remaining.IsPositive() {
			switch {
			case o.Side == models.OrderSideSell:
				err = e.ledger.Release(tx, o.UserID, o.Ticker, remaining)
			case o.Type == models.OrderTypeLimit:
				err = e.ledger.Release(tx, o.UserID, models.TickerRUB, remaining.Mul(*o.Price))
			}
			// A market buy residual held nothing: it funds deal by deal.
			if err != nil {
				return err
			}
		}

		o.Status = models.OrderStatusCancelled
		o.UpdatedAt = time.Now().UTC()
		order = o
		return errors.Wrap(tx.UpdateOrder(o), "update order")
	})
	if err != nil {
		e.countReject(err)
		return nil, err
	}

	bk := e.book(ticker)
	bk.Remove(order)
	e.updateBookGauge(bk)
	if e.metrics != nil {
		e.metrics.OrdersCancelled.WithLabelValues(ticker).Inc()
	}
	e.log.Info("order cancelled",
		zap.String("order_id", order.ID),
		zap.String("ticker", ticker))
	return order, nil
}

// Order returns one of the user's orders. Orders of other users are
// reported as absent.
func (e *Engine) Order(ctx context.Context, userID, orderID string) (*models.Order, error) {
	var order *models.Order
	err := e.store.View(ctx, func(tx db.Tx) error {
		o, err := tx.OrderByID(orderID)
		if errors.Is(err, db.ErrNotFound) {
			return apperr.Errorf(apperr.KindNotFound, "order %s not found", orderID)
		}
		if err != nil {
			return err
		}
		if o.UserID != userID {
			return apperr.Errorf(apperr.KindNotFound, "order %s not found", orderID)
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// Orders returns all of the user's orders, oldest first.
func (e *Engine) Orders(ctx context.Context, userID string) ([]models.Order, error) {
	var orders []models.Order
	err := e.store.View(ctx, func(tx db.Tx) error {
		var err error
		orders, err = tx.OrdersByUser(userID)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	return orders, nil
}

// Balances returns the user's free balances by ticker. Amounts locked by
// resting orders are not included.
func (e *Engine) Balances(ctx context.Context, userID string) (map[string]decimal.Decimal, error) {
	var balances map[string]decimal.Decimal
	err := e.store.View(ctx, func(tx db.Tx) error {
		var err error
		balances, err = e.ledger.Balances(tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return balances, nil
}

// OrderBookSnapshot returns up to depth aggregated price levels per side of
// a listed instrument's book, bids descending and asks ascending.
func (e *Engine) OrderBookSnapshot(ctx context.Context, ticker string, depth int) (bids, asks []book.Level, err error) {
	err = e.store.View(ctx, func(tx db.Tx) error {
		_, err := tx.InstrumentByTicker(ticker)
		if errors.Is(err, db.ErrNotFound) {
			return apperr.Errorf(apperr.KindNotFound, "instrument %s not found", ticker)
		}
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	bids, asks = e.book(ticker).Snapshot(depth)
	return bids, asks, nil
}

// Transactions returns the newest trades of a listed instrument, newest
// first.
func (e *Engine) Transactions(ctx context.Context, ticker string, limit int) ([]models.Trade, error) {
	var trades []models.Trade
	err := e.store.View(ctx, func(tx db.Tx) error {
		if _, err := tx.InstrumentByTicker(ticker); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return apperr.Errorf(apperr.KindNotFound, "instrument %s not found", ticker)
			}
			return err
		}
		var err error
		trades, err = e.trades.History(tx, ticker, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return trades, nil
}

func (e *Engine) observePlacement(o *models.Order, trades []models.Trade, elapsed time.Duration) {
	if e.metrics == nil {
		return
	}
	e.metrics.OrdersPlaced.WithLabelValues(o.Ticker, string(o.Side), string(o.Type)).Inc()
	e.metrics.PlacementSeconds.Observe(elapsed.Seconds())
	if len(trades) == 0 {
		return
	}
	volume := decimal.Zero
	for i := range trades {
		volume = volume.Add(trades[i].Quantity.Mul(trades[i].Price))
	}
	e.metrics.TradesExecuted.WithLabelValues(o.Ticker).Add(float64(len(trades)))
	v, _ := volume.Float64()
	e.metrics.VolumeRUB.WithLabelValues(o.Ticker).Add(v)
}
