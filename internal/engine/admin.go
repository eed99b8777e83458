package engine

import (
	"context"
	"crypto/rand"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ShellBakerIO/TochkaProjectWW/internal/apperr"
	"github.com/ShellBakerIO/TochkaProjectWW/internal/db"
	"github.com/ShellBakerIO/TochkaProjectWW/internal/models"
)

const (
	apiKeyPrefix   = "toy_"
	apiKeyLength   = 20
	apiKeyAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// newAPIKey generates an opaque credential: the toy_ prefix followed by 20
// random alphanumerics.
func newAPIKey() (string, error) {
	buf := make([]byte, apiKeyLength)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "generate api key")
	}
	for i, b := range buf {
		buf[i] = apiKeyAlphabet[int(b)%len(apiKeyAlphabet)]
	}
	return apiKeyPrefix + string(buf), nil
}

// RegisterUser creates an account with the given role and issues its api
// key. The key is returned exactly once, in the created user.
func (e *Engine) RegisterUser(ctx context.Context, name string, role models.Role) (*models.User, error) {
	if utf8.RuneCountInString(strings.TrimSpace(name)) < 3 {
		return nil, apperr.E(apperr.KindBadRequest, "name must be at least 3 characters")
	}
	if role != models.RoleUser && role != models.RoleAdmin {
		return nil, apperr.Errorf(apperr.KindBadRequest, "unknown role %q", role)
	}

	key, err := newAPIKey()
	if err != nil {
		return nil, err
	}
	user := &models.User{
		ID:        uuid.NewString(),
		Name:      name,
		Role:      role,
		APIKey:    key,
		CreatedAt: time.Now().UTC(),
	}
	err = e.store.Atomic(ctx, func(tx db.Tx) error {
		if err := tx.CreateUser(user); err != nil {
			if errors.Is(err, db.ErrDuplicate) {
				return apperr.E(apperr.KindConflict, "user already exists")
			}
			return errors.Wrap(err, "insert user")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("user registered",
		zap.String("user_id", user.ID),
		zap.String("role", string(role)))
	return user, nil
}

// Authenticate resolves an api key to its user.
func (e *Engine) Authenticate(ctx context.Context, apiKey string) (*models.User, error) {
	var user *models.User
	err := e.store.View(ctx, func(tx db.Tx) error {
		u, err := tx.UserByAPIKey(apiKey)
		if errors.Is(err, db.ErrNotFound) {
			return apperr.E(apperr.KindUnauthorized, "invalid api key")
		}
		if err != nil {
			return err
		}
		user = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// User returns a user by id.
func (e *Engine) User(ctx context.Context, id string) (*models.User, error) {
	var user *models.User
	err := e.store.View(ctx, func(tx db.Tx) error {
		u, err := tx.UserByID(id)
		if errors.Is(err, db.ErrNotFound) {
			return apperr.Errorf(apperr.KindNotFound, "user %s not found", id)
		}
		if err != nil {
			return err
		}
		user = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// DeleteUser removes a user together with their balances and orders, pulls
// their resting orders out of every book and returns the deleted user. The
// trade history keeps their id.
func (e *Engine) DeleteUser(ctx context.Context, id string) (*models.User, error) {
	unlock := e.lockAllTickers()
	defer unlock()

	var user *models.User
	err := e.store.Atomic(ctx, func(tx db.Tx) error {
		u, err := tx.UserByID(id)
		if errors.Is(err, db.ErrNotFound) {
			return apperr.Errorf(apperr.KindNotFound, "user %s not found", id)
		}
		if err != nil {
			return err
		}
		user = u
		return errors.Wrap(tx.DeleteUser(id), "delete user")
	})
	if err != nil {
		return nil, err
	}

	removed := 0
	for _, bk := range e.allBooks() {
		if orders := bk.RemoveUser(id); len(orders) > 0 {
			removed += len(orders)
			e.updateBookGauge(bk)
		}
	}
	e.log.Info("user deleted",
		zap.String("user_id", id),
		zap.Int("resting_orders_removed", removed))
	return user, nil
}

// CreateInstrument lists a new tradable instrument.
func (e *Engine) CreateInstrument(ctx context.Context, in *models.InstrumentIn) (*models.Instrument, error) {
	if !models.ValidTicker(in.Ticker) {
		return nil, apperr.E(apperr.KindBadRequest, "ticker must be 2-10 uppercase letters")
	}
	if strings.TrimSpace(in.Name) == "" {
		return nil, apperr.E(apperr.KindBadRequest, "name is required")
	}

	inst := &models.Instrument{
		Ticker:         in.Ticker,
		Name:           in.Name,
		Type:           models.InstrumentTypeStock,
		CommissionRate: decimal.Zero,
		IsListed:       true,
	}
	err := e.store.Atomic(ctx, func(tx db.Tx) error {
		if err := tx.CreateInstrument(inst); err != nil {
			if errors.Is(err, db.ErrDuplicate) {
				return apperr.Errorf(apperr.KindConflict, "instrument %s already exists", in.Ticker)
			}
			return errors.Wrap(err, "insert instrument")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("instrument created", zap.String("ticker", inst.Ticker))
	return inst, nil
}

// ListInstruments returns every listed instrument, the settlement currency
// included.
func (e *Engine) ListInstruments(ctx context.Context) ([]models.Instrument, error) {
	var instruments []models.Instrument
	err := e.store.View(ctx, func(tx db.Tx) error {
		var err error
		instruments, err = tx.ListInstruments()
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "list instruments")
	}
	return instruments, nil
}

// DeleteInstrument delists an instrument and removes every balance and
// order row of its ticker. Cash still reserved by open buy orders of the
// ticker is not refunded; deletion is an administrative wipe, not a
// wind-down.
func (e *Engine) DeleteInstrument(ctx context.Context, ticker string) error {
	if ticker == models.TickerRUB {
		return apperr.E(apperr.KindBadRequest, "the settlement currency cannot be deleted")
	}

	mtx := e.tickerMutex(ticker)
	mtx.Lock()
	defer mtx.Unlock()

	err := e.store.Atomic(ctx, func(tx db.Tx) error {
		err := tx.DeleteInstrument(ticker)
		if errors.Is(err, db.ErrNotFound) {
			return apperr.Errorf(apperr.KindNotFound, "instrument %s not found", ticker)
		}
		return errors.Wrap(err, "delete instrument")
	})
	if err != nil {
		return err
	}

	e.dropBook(ticker)
	if e.metrics != nil {
		e.metrics.RestingOrders.WithLabelValues(ticker, string(models.OrderSideBuy)).Set(0)
		e.metrics.RestingOrders.WithLabelValues(ticker, string(models.OrderSideSell)).Set(0)
	}
	e.log.Info("instrument deleted", zap.String("ticker", ticker))
	return nil
}

// Deposit credits a user's free balance.
func (e *Engine) Deposit(ctx context.Context, userID, ticker string, amount int64) error {
	return e.adjustBalance(ctx, userID, ticker, amount, true)
}

// Withdraw debits a user's free balance. Funds locked by resting orders are
// not withdrawable.
func (e *Engine) Withdraw(ctx context.Context, userID, ticker string, amount int64) error {
	return e.adjustBalance(ctx, userID, ticker, amount, false)
}

func (e *Engine) adjustBalance(ctx context.Context, userID, ticker string, amount int64, credit bool) error {
	if amount <= 0 {
		return apperr.E(apperr.KindBadRequest, "amount must be positive")
	}
	err := e.store.Atomic(ctx, func(tx db.Tx) error {
		if _, err := tx.UserByID(userID); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return apperr.Errorf(apperr.KindNotFound, "user %s not found", userID)
			}
			return err
		}
		if _, err := tx.InstrumentByTicker(ticker); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return apperr.Errorf(apperr.KindNotFound, "instrument %s not found", ticker)
			}
			return err
		}
		if credit {
			return e.ledger.Credit(tx, userID, ticker, decimal.NewFromInt(amount))
		}
		return e.ledger.Debit(tx, userID, ticker, decimal.NewFromInt(amount))
	})
	if err != nil {
		return err
	}

	op := "withdraw"
	if credit {
		op = "deposit"
	}
	e.log.Info("balance adjusted",
		zap.String("op", op),
		zap.String("user_id", userID),
		zap.String("ticker", ticker),
		zap.Int64("amount", amount))
	return nil
}
