package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ShellBakerIO/TochkaProjectWW/internal/apperr"
	"github.com/ShellBakerIO/TochkaProjectWW/internal/db"
	"github.com/ShellBakerIO/TochkaProjectWW/internal/ledger"
	"github.com/ShellBakerIO/TochkaProjectWW/internal/models"
	"github.com/ShellBakerIO/TochkaProjectWW/internal/tradelog"
)

// MatchResult is the outcome of matching one incoming order.
type MatchResult struct {
	// Taker is the incoming order in its final state.
	Taker *models.Order
	// Makers are the resting orders the taker traded against, carrying
	// their updated fill state. Untouched orders are not listed.
	Makers []models.Order
	// Trades are the executed deals, in execution order.
	Trades []models.Trade
}

// Matcher runs the matching loop of a single placement: it walks the
// eligible counter-orders in priority order, settles each deal through the
// ledger and records it in the trade log. It operates entirely inside the
// placement's store transaction and never touches the in-memory book; the
// caller reconciles the book from the MatchResult after commit.
type Matcher struct {
	ledger *ledger.Ledger
	trades *tradelog.Log
}

// NewMatcher returns a Matcher that settles deals through the given ledger
// and trade log.
func NewMatcher(led *ledger.Ledger, trades *tradelog.Log) *Matcher {
	return &Matcher{ledger: led, trades: trades}
}

// Match executes taker against counterparties, which must already be in
// match priority order: best price first, FIFO within a price level, only
// price-compatible orders included. The taker must hold its reservation.
// On return the taker carries its final status; maker updates, balance
// movements and trade records have all been written to tx.
//
// Every deal executes at the resting order's price. A limit buyer who
// reserved more than a deal costs gets the difference back immediately. A
// market buy holds no reservation at all: each deal is funded on the spot
// from the buyer's free RUB, the deal quantity shrinking to what the buyer
// can afford at that level; once not even one unit is affordable the loop
// stops and the residual is finalized.
func (m *Matcher) Match(tx db.Tx, taker *models.Order, counterparties []models.Order) (*MatchResult, error) {
	res := &MatchResult{Taker: taker}
	now := time.Now().UTC()

	for i := range counterparties {
		if taker.Remaining().IsZero() {
			break
		}
		maker := &counterparties[i]
		if maker.UserID == taker.UserID {
			// Self-trade prevention: skip own orders, keep scanning.
			continue
		}
		if maker.Price == nil {
			return nil, apperr.Errorf(apperr.KindSystem, "resting order %s has no price", maker.ID)
		}

		q := decimal.Min(taker.Remaining(), maker.Remaining())
		p := *maker.Price

		if taker.Side == models.OrderSideBuy && taker.Type == models.OrderTypeMarket {
			free, err := m.ledger.Balance(tx, taker.UserID, models.TickerRUB)
			if err != nil {
				return nil, err
			}
			affordable, _ := free.QuoRem(p, 0)
			if affordable.LessThan(q) {
				q = affordable
			}
			if !q.IsPositive() {
				// Deeper levels only get more expensive.
				break
			}
			if err := m.ledger.Debit(tx, taker.UserID, models.TickerRUB, q.Mul(p)); err != nil {
				if apperr.Is(err, apperr.KindInsufficientFunds) {
					break
				}
				return nil, err
			}
		}

		trade, err := m.settle(tx, taker, maker, q, p, now)
		if err != nil {
			return nil, err
		}
		res.Makers = append(res.Makers, *maker)
		res.Trades = append(res.Trades, *trade)
	}

	if err := m.finalize(tx, taker, now); err != nil {
		return nil, err
	}
	return res, nil
}

// settle executes one deal of q units at price p: it moves the asset to the
// buyer and the cash to the seller, refunds a limit buyer's price
// improvement, updates the fill state of both orders and appends the trade
// record. The buyer's cash was taken before the call, either as the limit
// reservation or as the market per-deal debit.
func (m *Matcher) settle(tx db.Tx, taker, maker *models.Order, q, p decimal.Decimal, now time.Time) (*models.Trade, error) {
	buyer, seller := taker, maker
	if taker.Side == models.OrderSideSell {
		buyer, seller = maker, taker
	}

	if err := m.ledger.Credit(tx, buyer.UserID, taker.Ticker, q); err != nil {
		return nil, err
	}
	if err := m.ledger.Credit(tx, seller.UserID, models.TickerRUB, q.Mul(p)); err != nil {
		return nil, err
	}
	if buyer.Type == models.OrderTypeLimit {
		// The buyer reserved q at their own limit but pays q at p.
		refund := q.Mul(buyer.Price.Sub(p))
		if refund.IsPositive() {
			if err := m.ledger.Release(tx, buyer.UserID, models.TickerRUB, refund); err != nil {
				return nil, err
			}
		}
	}

	fill(taker, q, now)
	fill(maker, q, now)
	if err := tx.UpdateOrder(maker); err != nil {
		return nil, err
	}

	trade := &models.Trade{
		Ticker:      taker.Ticker,
		Price:       p,
		Quantity:    q,
		BuyerID:     buyer.UserID,
		SellerID:    seller.UserID,
		BuyOrderID:  buyer.ID,
		SellOrderID: seller.ID,
		ExecutedAt:  now,
	}
	if err := m.trades.Append(tx, trade); err != nil {
		return nil, err
	}
	return trade, nil
}

// fill applies q executed units to an order.
func fill(o *models.Order, q decimal.Decimal, now time.Time) {
	o.Filled = o.Filled.Add(q)
	if o.Remaining().IsZero() {
		o.Status = models.OrderStatusFilled
	} else {
		o.Status = models.OrderStatusPartiallyFilled
	}
	o.UpdatedAt = now
}

// finalize stamps the taker's post-loop status and persists it. A market
// order that never traded is cancelled outright and its admission
// reservation returns to the owner in the same transaction; a market
// residual after at least one fill stays PARTIALLY_FILLED but never rests
// on the book.
func (m *Matcher) finalize(tx db.Tx, taker *models.Order, now time.Time) error {
	switch {
	case taker.Remaining().IsZero():
		taker.Status = models.OrderStatusFilled
	case taker.Type == models.OrderTypeMarket:
		if taker.Filled.IsZero() {
			taker.Status = models.OrderStatusCancelled
			if taker.Side == models.OrderSideSell {
				if err := m.ledger.Release(tx, taker.UserID, taker.Ticker, taker.Quantity); err != nil {
					return err
				}
			}
		} else {
			taker.Status = models.OrderStatusPartiallyFilled
		}
	case taker.Filled.IsZero():
		taker.Status = models.OrderStatusOpen
	default:
		taker.Status = models.OrderStatusPartiallyFilled
	}
	taker.UpdatedAt = now
	return tx.UpdateOrder(taker)
}
