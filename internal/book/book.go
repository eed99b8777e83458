// Package book keeps the in-memory order book of one instrument: the
// active limit orders, organized for price-time priority matching and L2
// snapshots. Books are rebuilt from the store at startup and only mutate
// after the owning transaction has committed.
package book

import (
	"sync"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/ShellBakerIO/TochkaProjectWW/internal/models"
)

const btreeDegree = 32

// level is one price point with its resting orders in arrival order.
type level struct {
	price  decimal.Decimal
	orders []*models.Order
}

func (l *level) Less(other btree.Item) bool {
	return l.price.LessThan(other.(*level).price)
}

// total is the remaining quantity resting at this price.
func (l *level) total() decimal.Decimal {
	sum := decimal.Zero
	for _, o := range l.orders {
		sum = sum.Add(o.Remaining())
	}
	return sum
}

func (l *level) remove(orderID string) bool {
	for i, o := range l.orders {
		if o.ID == orderID {
			l.orders = append(l.orders[:i], l.orders[i+1:]...)
			return true
		}
	}
	return false
}

// side is one half of a book. desc marks the bid side, which iterates from
// the highest price down; asks iterate from the lowest up.
type side struct {
	tree *btree.BTree
	desc bool
}

func newSide(desc bool) *side {
	return &side{tree: btree.New(btreeDegree), desc: desc}
}

func (s *side) get(price decimal.Decimal) *level {
	item := s.tree.Get(&level{price: price})
	if item == nil {
		return nil
	}
	return item.(*level)
}

func (s *side) getOrCreate(price decimal.Decimal) *level {
	if lvl := s.get(price); lvl != nil {
		return lvl
	}
	lvl := &level{price: price}
	s.tree.ReplaceOrInsert(lvl)
	return lvl
}

func (s *side) removeLevel(price decimal.Decimal) {
	s.tree.Delete(&level{price: price})
}

// iterate visits levels in match priority, best price first. fn returning
// false stops the walk.
func (s *side) iterate(fn func(lvl *level) bool) {
	wrap := func(item btree.Item) bool { return fn(item.(*level)) }
	if s.desc {
		s.tree.Descend(wrap)
	} else {
		s.tree.Ascend(wrap)
	}
}

func (s *side) countOrders() int {
	n := 0
	s.iterate(func(lvl *level) bool {
		n += len(lvl.orders)
		return true
	})
	return n
}

// Book holds the active limit orders of one ticker. It owns private copies
// of every order it stores; callers get copies back and reconcile fill
// state through Apply.
type Book struct {
	ticker string
	mu     sync.RWMutex
	bids   *side
	asks   *side
}

// New returns an empty book for a ticker.
func New(ticker string) *Book {
	return &Book{ticker: ticker, bids: newSide(true), asks: newSide(false)}
}

// Ticker reports which instrument this book serves.
func (b *Book) Ticker() string { return b.ticker }

func (b *Book) sideFor(s models.OrderSide) *side {
	if s == models.OrderSideBuy {
		return b.bids
	}
	return b.asks
}

// Insert adds an active limit order behind everything already resting at
// its price. Market orders never rest and are ignored.
func (b *Book) Insert(o *models.Order) {
	if o.Type != models.OrderTypeLimit || o.Price == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	cp := *o
	lvl := b.sideFor(cp.Side).getOrCreate(*cp.Price)
	lvl.orders = append(lvl.orders, &cp)
}

// Remove deletes the order from its price level. Levels left empty leave
// the tree.
func (b *Book) Remove(o *models.Order) {
	if o.Price == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(o.Side, *o.Price, o.ID)
}

func (b *Book) removeLocked(sd models.OrderSide, price decimal.Decimal, id string) {
	s := b.sideFor(sd)
	lvl := s.get(price)
	if lvl == nil {
		return
	}
	if lvl.remove(id) && len(lvl.orders) == 0 {
		s.removeLevel(price)
	}
}

// RemoveUser drops every resting order of one user and returns the removed
// orders.
func (b *Book) RemoveUser(userID string) []models.Order {
	b.mu.Lock()
	defer b.mu.Unlock()

	var removed []models.Order
	for _, s := range []*side{b.bids, b.asks} {
		var emptied []decimal.Decimal
		s.iterate(func(lvl *level) bool {
			kept := lvl.orders[:0]
			for _, o := range lvl.orders {
				if o.UserID == userID {
					removed = append(removed, *o)
				} else {
					kept = append(kept, o)
				}
			}
			lvl.orders = kept
			if len(lvl.orders) == 0 {
				emptied = append(emptied, lvl.price)
			}
			return true
		})
		// Deleting inside iterate would invalidate the walk.
		for _, price := range emptied {
			s.removeLevel(price)
		}
	}
	return removed
}

// Counterparties returns copies of the resting orders an incoming order
// can trade against, in match priority: best price first, oldest first
// within a level. A nil limit (market order) accepts every level;
// otherwise only price-compatible ones: asks at or below a buy limit,
// bids at or above a sell limit.
func (b *Book) Counterparties(takerSide models.OrderSide, limit *decimal.Decimal) []models.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := b.asks
	if takerSide == models.OrderSideSell {
		s = b.bids
	}

	var out []models.Order
	s.iterate(func(lvl *level) bool {
		if limit != nil {
			if takerSide == models.OrderSideBuy && lvl.price.GreaterThan(*limit) {
				return false
			}
			if takerSide == models.OrderSideSell && lvl.price.LessThan(*limit) {
				return false
			}
		}
		for _, o := range lvl.orders {
			out = append(out, *o)
		}
		return true
	})
	return out
}

// Apply reconciles the book with a committed matching result. Maker copies
// that went terminal leave the book, the rest get their fill state copied
// onto the live entries, and a taker left resting is inserted last, behind
// everything already at its price.
func (b *Book) Apply(makers []models.Order, rest *models.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range makers {
		m := &makers[i]
		if m.Price == nil {
			continue
		}
		if !m.IsActive() {
			b.removeLocked(m.Side, *m.Price, m.ID)
			continue
		}
		if lvl := b.sideFor(m.Side).get(*m.Price); lvl != nil {
			for _, o := range lvl.orders {
				if o.ID == m.ID {
					o.Filled = m.Filled
					o.Status = m.Status
					o.UpdatedAt = m.UpdatedAt
					break
				}
			}
		}
	}

	if rest != nil && rest.Type == models.OrderTypeLimit && rest.Price != nil {
		cp := *rest
		lvl := b.sideFor(cp.Side).getOrCreate(*cp.Price)
		lvl.orders = append(lvl.orders, &cp)
	}
}

// Level is one aggregated price level of an L2 snapshot.
type Level struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// Snapshot returns the book aggregated into L2 levels, bids from the
// highest price down and asks from the lowest up. Each level carries the
// remaining quantity of every order resting at that price; the depth cut
// applies to levels, never to individual orders. depth <= 0 means the
// whole book.
func (b *Book) Snapshot(depth int) (bids, asks []Level) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	collect := func(s *side) []Level {
		var out []Level
		s.iterate(func(lvl *level) bool {
			if depth > 0 && len(out) >= depth {
				return false
			}
			out = append(out, Level{Price: lvl.price, Qty: lvl.total()})
			return true
		})
		return out
	}
	return collect(b.bids), collect(b.asks)
}

// Sizes reports how many orders rest on each side.
func (b *Book) Sizes() (bidOrders, askOrders int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bids.countOrders(), b.asks.countOrders()
}
