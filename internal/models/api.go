package models

import "time"

// The HTTP API exchanges integer quantities and prices; internal arithmetic
// stays decimal. Every persisted amount is integral by construction, so the
// IntPart conversions below are exact.

// RegisterRequest creates a new account.
type RegisterRequest struct {
	Name string `json:"name" validate:"required,min=3"`
}

// UserOut is the public view of a user, api_key included.
type UserOut struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
	APIKey string `json:"api_key"`
}

// NewUserOut converts a stored user to its API shape.
func NewUserOut(u *User) UserOut {
	return UserOut{ID: u.ID, Name: u.Name, Role: u.Role, APIKey: u.APIKey}
}

// InstrumentIn registers a tradable instrument.
type InstrumentIn struct {
	Ticker string `json:"ticker" validate:"required,ticker"`
	Name   string `json:"name" validate:"required"`
}

// InstrumentOut is one public directory entry.
type InstrumentOut struct {
	Ticker string `json:"ticker"`
	Name   string `json:"name"`
}

// OrderIn places an order. A present price makes it LIMIT, an absent one
// makes it MARKET.
type OrderIn struct {
	Direction OrderSide `json:"direction" validate:"required,oneof=BUY SELL"`
	Ticker    string    `json:"ticker" validate:"required,ticker"`
	Qty       int64     `json:"qty" validate:"required,gte=1"`
	Price     *int64    `json:"price,omitempty" validate:"omitempty,gt=0"`
}

// OrderOut mirrors the stored order with integer amounts.
type OrderOut struct {
	ID             string      `json:"id"`
	Ticker         string      `json:"ticker"`
	Side           OrderSide   `json:"side"`
	OrderType      OrderType   `json:"order_type"`
	Quantity       int64       `json:"quantity"`
	Price          *int64      `json:"price,omitempty"`
	FilledQuantity int64       `json:"filled_quantity"`
	Status         OrderStatus `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// NewOrderOut converts a stored order to its API shape.
func NewOrderOut(o *Order) OrderOut {
	out := OrderOut{
		ID:             o.ID,
		Ticker:         o.Ticker,
		Side:           o.Side,
		OrderType:      o.Type,
		Quantity:       o.Quantity.IntPart(),
		FilledQuantity: o.Filled.IntPart(),
		Status:         o.Status,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	}
	if o.Price != nil {
		p := o.Price.IntPart()
		out.Price = &p
	}
	return out
}

// BookLevel is one aggregated price level of an L2 snapshot.
type BookLevel struct {
	Price    int64 `json:"price"`
	Quantity int64 `json:"quantity"`
}

// OrderBookOut is the aggregated order book response.
type OrderBookOut struct {
	Bids []BookLevel `json:"bids"`
	Asks []BookLevel `json:"asks"`
}

// TransactionOut is one public trade history entry.
type TransactionOut struct {
	Ticker    string    `json:"ticker"`
	Amount    int64     `json:"amount"`
	Price     int64     `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTransactionOut converts a trade record to its API shape.
func NewTransactionOut(t *Trade) TransactionOut {
	return TransactionOut{
		Ticker:    t.Ticker,
		Amount:    t.Quantity.IntPart(),
		Price:     t.Price.IntPart(),
		Timestamp: t.ExecutedAt,
	}
}

// BalanceOperation deposits to or withdraws from a user's balance.
type BalanceOperation struct {
	UserID string `json:"user_id" validate:"required"`
	Ticker string `json:"ticker" validate:"required"`
	Amount int64  `json:"amount" validate:"required,gt=0"`
}

// Ok is the generic success response.
type Ok struct {
	Success bool `json:"success"`
}

// NewOk returns the affirmative Ok.
func NewOk() Ok { return Ok{Success: true} }
