// Package engine is the heart of the exchange: order placement and
// cancellation with ledger settlement, per-ticker in-memory books, and the
// administrative operations around them.
//
// Every mutation runs in one store transaction; a book changes only after
// its transaction commits, under the same per-ticker lock that serialized
// the matching.
package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ShellBakerIO/TochkaProjectWW/internal/apperr"
	"github.com/ShellBakerIO/TochkaProjectWW/internal/book"
	"github.com/ShellBakerIO/TochkaProjectWW/internal/db"
	"github.com/ShellBakerIO/TochkaProjectWW/internal/ledger"
	"github.com/ShellBakerIO/TochkaProjectWW/internal/metrics"
	"github.com/ShellBakerIO/TochkaProjectWW/internal/models"
	"github.com/ShellBakerIO/TochkaProjectWW/internal/tradelog"
)

// Engine owns the store, the matcher, the ledger and one book plus one
// mutex per ticker. Books and mutexes are created lazily.
type Engine struct {
	store   db.Store
	log     *zap.Logger
	metrics *metrics.Collector
	matcher *Matcher
	ledger  *ledger.Ledger
	trades  *tradelog.Log

	mu            sync.RWMutex
	books         map[string]*book.Book
	tickerMutexes map[string]*sync.Mutex
}

// New constructs an Engine on top of a store.
func New(store db.Store, log *zap.Logger, collector *metrics.Collector) *Engine {
	led := ledger.New()
	trades := tradelog.New()
	return &Engine{
		store:         store,
		log:           log,
		metrics:       collector,
		ledger:        led,
		trades:        trades,
		matcher:       NewMatcher(led, trades),
		books:         make(map[string]*book.Book),
		tickerMutexes: make(map[string]*sync.Mutex),
	}
}

// tickerMutex returns the mutex serializing all mutations of one ticker,
// creating it if necessary.
func (e *Engine) tickerMutex(ticker string) *sync.Mutex {
	e.mu.RLock()
	mtx, ok := e.tickerMutexes[ticker]
	e.mu.RUnlock()

	if !ok {
		e.mu.Lock()
		if mtx, ok = e.tickerMutexes[ticker]; !ok {
			mtx = &sync.Mutex{}
			e.tickerMutexes[ticker] = mtx
		}
		e.mu.Unlock()
	}
	return mtx
}

// book returns the in-memory book for a ticker, creating it if necessary.
func (e *Engine) book(ticker string) *book.Book {
	e.mu.RLock()
	bk, ok := e.books[ticker]
	e.mu.RUnlock()

	if !ok {
		e.mu.Lock()
		if bk, ok = e.books[ticker]; !ok {
			bk = book.New(ticker)
			e.books[ticker] = bk
		}
		e.mu.Unlock()
	}
	return bk
}

func (e *Engine) dropBook(ticker string) {
	e.mu.Lock()
	delete(e.books, ticker)
	e.mu.Unlock()
}

func (e *Engine) allBooks() []*book.Book {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*book.Book, 0, len(e.books))
	for _, bk := range e.books {
		out = append(out, bk)
	}
	return out
}

// lockAllTickers acquires every known ticker mutex in sorted order, for
// operations that cut across books (user deletion). Placements hold a
// single ticker mutex each, so the sorted multi-acquire cannot deadlock.
func (e *Engine) lockAllTickers() (unlock func()) {
	e.mu.RLock()
	tickers := make([]string, 0, len(e.tickerMutexes))
	for t := range e.tickerMutexes {
		tickers = append(tickers, t)
	}
	e.mu.RUnlock()
	sort.Strings(tickers)

	held := make([]*sync.Mutex, 0, len(tickers))
	for _, t := range tickers {
		mtx := e.tickerMutex(t)
		mtx.Lock()
		held = append(held, mtx)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

// Bootstrap makes sure the settlement currency exists. Idempotent; called
// once at startup before any order is accepted.
func (e *Engine) Bootstrap(ctx context.Context) error {
	return e.store.Atomic(ctx, func(tx db.Tx) error {
		_, err := tx.InstrumentByTicker(models.TickerRUB)
		if err == nil {
			return nil
		}
		if !errors.Is(err, db.ErrNotFound) {
			return err
		}
		e.log.Info("bootstrapping settlement currency", zap.String("ticker", models.TickerRUB))
		return tx.CreateInstrument(&models.Instrument{
			Ticker:         models.TickerRUB,
			Name:           "Russian Ruble",
			Type:           models.InstrumentTypeCurrency,
			CommissionRate: decimal.Zero,
			IsListed:       true,
		})
	})
}

// Ping verifies the store is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.View(ctx, func(db.Tx) error { return nil })
}

// LoadOpenOrders rebuilds the in-memory books from the store. Call during
// startup, before the engine starts serving.
func (e *Engine) LoadOpenOrders(ctx context.Context) error {
	var active []models.Order
	err := e.store.View(ctx, func(tx db.Tx) error {
		var err error
		active, err = tx.ActiveOrders()
		return err
	})
	if err != nil {
		return errors.Wrap(err, "load active orders")
	}

	loaded := 0
	for i := range active {
		o := &active[i]
		// Active market orders are cancellable residuals; only limit
		// orders rest on a book.
		if o.Type != models.OrderTypeLimit || o.Price == nil {
			continue
		}
		e.book(o.Ticker).Insert(o)
		loaded++
	}
	e.refreshBookGauges()

	e.log.Info("restored order books", zap.Int("orders", loaded))
	return nil
}

func (e *Engine) refreshBookGauges() {
	if e.metrics == nil {
		return
	}
	for _, bk := range e.allBooks() {
		bids, asks := bk.Sizes()
		e.metrics.RestingOrders.WithLabelValues(bk.Ticker(), string(models.OrderSideBuy)).Set(float64(bids))
		e.metrics.RestingOrders.WithLabelValues(bk.Ticker(), string(models.OrderSideSell)).Set(float64(asks))
	}
}

func (e *Engine) updateBookGauge(bk *book.Book) {
	if e.metrics == nil {
		return
	}
	bids, asks := bk.Sizes()
	e.metrics.RestingOrders.WithLabelValues(bk.Ticker(), string(models.OrderSideBuy)).Set(float64(bids))
	e.metrics.RestingOrders.WithLabelValues(bk.Ticker(), string(models.OrderSideSell)).Set(float64(asks))
}

func (e *Engine) countReject(err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.OrdersRejected.WithLabelValues(apperr.KindOf(err).String()).Inc()
}
