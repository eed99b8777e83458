// Package db provides the transactional store behind the exchange. Two
// backends implement it: MySQL for real deployments and an in-memory store
// for tests and dependency-free runs.
package db

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/ShellBakerIO/TochkaProjectWW/internal/models"
)

// Sentinel errors reported by Tx operations. Callers translate them into
// the domain error taxonomy.
var (
	ErrNotFound            = errors.New("record not found")
	ErrDuplicate           = errors.New("record already exists")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// Tx is one transactional view of the store. A Tx never outlives the
// Atomic or View callback it was handed to and is not safe for concurrent
// use within that callback.
type Tx interface {
	// CreateUser inserts a new user. The api_key must be unique.
	CreateUser(u *models.User) error
	UserByID(id string) (*models.User, error)
	UserByAPIKey(key string) (*models.User, error)
	// DeleteUser removes the user together with their balances and
	// orders. Trade history keeps its user ids; it is an immutable log.
	DeleteUser(id string) error

	CreateInstrument(in *models.Instrument) error
	InstrumentByTicker(ticker string) (*models.Instrument, error)
	ListInstruments() ([]models.Instrument, error)
	// DeleteInstrument removes the instrument together with every balance
	// and order row of its ticker.
	DeleteInstrument(ticker string) error

	// Balance returns the free amount, zero when no row exists.
	Balance(userID, ticker string) (decimal.Decimal, error)
	// AddBalance adjusts a balance by delta, creating the row on first
	// credit. A delta that would drive the amount below zero fails with
	// ErrInsufficientBalance and changes nothing.
	AddBalance(userID, ticker string, delta decimal.Decimal) error
	BalancesByUser(userID string) (map[string]decimal.Decimal, error)

	CreateOrder(o *models.Order) error
	OrderByID(id string) (*models.Order, error)
	// OrdersByUser returns all of the user's orders, oldest first.
	OrdersByUser(userID string) ([]models.Order, error)
	UpdateOrder(o *models.Order) error
	// ActiveOrders returns every OPEN or PARTIALLY_FILLED order sorted by
	// created_at then id, the order in which books are rebuilt.
	ActiveOrders() ([]models.Order, error)

	// AppendTrade persists a trade record and assigns its id.
	AppendTrade(t *models.Trade) error
	// TradesByTicker returns up to limit trades, newest first.
	TradesByTicker(ticker string, limit int) ([]models.Trade, error)
}

// Store runs callbacks against transactional views.
type Store interface {
	// Atomic runs fn in a writable transaction. An error from fn rolls
	// every change back and is returned unchanged.
	Atomic(ctx context.Context, fn func(tx Tx) error) error
	// View runs fn against a read-only snapshot.
	View(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
