package db

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/ShellBakerIO/TochkaProjectWW/internal/models"
)

var errReadOnlyTx = errors.New("read-only transaction")

type balanceKey struct {
	UserID string
	Ticker string
}

// memoryState is the complete dataset of the in-memory backend.
type memoryState struct {
	users       map[string]*models.User
	usersByKey  map[string]string // api_key -> user id
	instruments map[string]*models.Instrument
	balances    map[balanceKey]decimal.Decimal
	orders      map[string]*models.Order
	trades      []*models.Trade
	nextTradeID int64
}

func newMemoryState() *memoryState {
	return &memoryState{
		users:       make(map[string]*models.User),
		usersByKey:  make(map[string]string),
		instruments: make(map[string]*models.Instrument),
		balances:    make(map[balanceKey]decimal.Decimal),
		orders:      make(map[string]*models.Order),
		nextTradeID: 1,
	}
}

// clone deep-copies the state. Atomic works on a clone and swaps it in on
// success, which makes rollback a no-op. Linear in the dataset, fine at
// this scale.
func (st *memoryState) clone() *memoryState {
	next := &memoryState{
		users:       make(map[string]*models.User, len(st.users)),
		usersByKey:  make(map[string]string, len(st.usersByKey)),
		instruments: make(map[string]*models.Instrument, len(st.instruments)),
		balances:    make(map[balanceKey]decimal.Decimal, len(st.balances)),
		orders:      make(map[string]*models.Order, len(st.orders)),
		trades:      make([]*models.Trade, len(st.trades)),
		nextTradeID: st.nextTradeID,
	}
	for id, u := range st.users {
		cp := *u
		next.users[id] = &cp
	}
	for k, id := range st.usersByKey {
		next.usersByKey[k] = id
	}
	for t, in := range st.instruments {
		cp := *in
		next.instruments[t] = &cp
	}
	for k, v := range st.balances {
		next.balances[k] = v
	}
	for id, o := range st.orders {
		cp := *o
		next.orders[id] = &cp
	}
	copy(next.trades, st.trades)
	return next
}

// MemoryStore keeps the whole exchange in process memory. It backs the
// test suite and STORE_DRIVER=memory runs.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memoryState
}

// NewMemory returns an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{state: newMemoryState()}
}

// Atomic clones the state, runs fn against the clone and swaps it in when
// fn succeeds. The store lock is held throughout, so transactions are
// fully serialized.
func (s *MemoryStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.clone()
	if err := fn(&memoryTx{state: next, writable: true}); err != nil {
		return err
	}
	s.state = next
	return nil
}

// View runs fn against the current state under a read lock. Mutating Tx
// methods fail inside a View.
func (s *MemoryStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memoryTx{state: s.state})
}

func (s *MemoryStore) Close() error { return nil }

type memoryTx struct {
	state    *memoryState
	writable bool
}

func (tx *memoryTx) CreateUser(u *models.User) error {
	if !tx.writable {
		return errReadOnlyTx
	}
	if _, ok := tx.state.users[u.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := tx.state.usersByKey[u.APIKey]; ok {
		return ErrDuplicate
	}
	cp := *u
	tx.state.users[u.ID] = &cp
	tx.state.usersByKey[u.APIKey] = u.ID
	return nil
}

func (tx *memoryTx) UserByID(id string) (*models.User, error) {
	u, ok := tx.state.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (tx *memoryTx) UserByAPIKey(key string) (*models.User, error) {
	id, ok := tx.state.usersByKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	return tx.UserByID(id)
}

func (tx *memoryTx) DeleteUser(id string) error {
	if !tx.writable {
		return errReadOnlyTx
	}
	u, ok := tx.state.users[id]
	if !ok {
		return ErrNotFound
	}
	delete(tx.state.usersByKey, u.APIKey)
	delete(tx.state.users, id)
	for k := range tx.state.balances {
		if k.UserID == id {
			delete(tx.state.balances, k)
		}
	}
	for oid, o := range tx.state.orders {
		if o.UserID == id {
			delete(tx.state.orders, oid)
		}
	}
	return nil
}

func (tx *memoryTx) CreateInstrument(in *models.Instrument) error {
	if !tx.writable {
		return errReadOnlyTx
	}
	if _, ok := tx.state.instruments[in.Ticker]; ok {
		return ErrDuplicate
	}
	cp := *in
	tx.state.instruments[in.Ticker] = &cp
	return nil
}

func (tx *memoryTx) InstrumentByTicker(ticker string) (*models.Instrument, error) {
	in, ok := tx.state.instruments[ticker]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *in
	return &cp, nil
}

func (tx *memoryTx) ListInstruments() ([]models.Instrument, error) {
	out := make([]models.Instrument, 0, len(tx.state.instruments))
	for _, in := range tx.state.instruments {
		out = append(out, *in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out, nil
}

func (tx *memoryTx) DeleteInstrument(ticker string) error {
	if !tx.writable {
		return errReadOnlyTx
	}
	if _, ok := tx.state.instruments[ticker]; !ok {
		return ErrNotFound
	}
	delete(tx.state.instruments, ticker)
	for k := range tx.state.balances {
		if k.Ticker == ticker {
			delete(tx.state.balances, k)
		}
	}
	for oid, o := range tx.state.orders {
		if o.Ticker == ticker {
			delete(tx.state.orders, oid)
		}
	}
	return nil
}

func (tx *memoryTx) Balance(userID, ticker string) (decimal.Decimal, error) {
	return tx.state.balances[balanceKey{userID, ticker}], nil
}

func (tx *memoryTx) AddBalance(userID, ticker string, delta decimal.Decimal) error {
	if !tx.writable {
		return errReadOnlyTx
	}
	k := balanceKey{userID, ticker}
	next := tx.state.balances[k].Add(delta)
	if next.IsNegative() {
		return ErrInsufficientBalance
	}
	tx.state.balances[k] = next
	return nil
}

func (tx *memoryTx) BalancesByUser(userID string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	for k, v := range tx.state.balances {
		if k.UserID == userID {
			out[k.Ticker] = v
		}
	}
	return out, nil
}

func (tx *memoryTx) CreateOrder(o *models.Order) error {
	if !tx.writable {
		return errReadOnlyTx
	}
	if _, ok := tx.state.orders[o.ID]; ok {
		return ErrDuplicate
	}
	cp := *o
	tx.state.orders[o.ID] = &cp
	return nil
}

func (tx *memoryTx) OrderByID(id string) (*models.Order, error) {
	o, ok := tx.state.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (tx *memoryTx) OrdersByUser(userID string) ([]models.Order, error) {
	var out []models.Order
	for _, o := range tx.state.orders {
		if o.UserID == userID {
			out = append(out, *o)
		}
	}
	sortOrders(out)
	return out, nil
}

func (tx *memoryTx) UpdateOrder(o *models.Order) error {
	if !tx.writable {
		return errReadOnlyTx
	}
	if _, ok := tx.state.orders[o.ID]; !ok {
		return ErrNotFound
	}
	cp := *o
	tx.state.orders[o.ID] = &cp
	return nil
}

func (tx *memoryTx) ActiveOrders() ([]models.Order, error) {
	var out []models.Order
	for _, o := range tx.state.orders {
		if o.IsActive() {
			out = append(out, *o)
		}
	}
	sortOrders(out)
	return out, nil
}

func (tx *memoryTx) AppendTrade(t *models.Trade) error {
	if !tx.writable {
		return errReadOnlyTx
	}
	t.ID = tx.state.nextTradeID
	tx.state.nextTradeID++
	cp := *t
	tx.state.trades = append(tx.state.trades, &cp)
	return nil
}

func (tx *memoryTx) TradesByTicker(ticker string, limit int) ([]models.Trade, error) {
	var out []models.Trade
	for i := len(tx.state.trades) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if tx.state.trades[i].Ticker == ticker {
			out = append(out, *tx.state.trades[i])
		}
	}
	return out, nil
}

// sortOrders orders by creation time, breaking ties by id. This is the
// deterministic order books are rebuilt in.
func sortOrders(orders []models.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}
