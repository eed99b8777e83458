package models

import (
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// TickerRUB is the settlement currency. It exists from startup, carries the
// cash leg of every trade and is never the traded instrument of an order.
const TickerRUB = "RUB"

// TickerPattern constrains instrument tickers to 2-10 uppercase letters.
var TickerPattern = regexp.MustCompile(`^[A-Z]{2,10}$`)

// ValidTicker reports whether s is a well-formed ticker.
func ValidTicker(s string) bool { return TickerPattern.MatchString(s) }

// Role separates regular traders from administrators.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// OrderSide represents the side of an order (buy or sell)
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType represents the type of an order (limit or market)
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderStatus represents the current status of an order
type OrderStatus string

const (
	OrderStatusOpen            OrderStatus = "OPEN"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
)

// InstrumentType distinguishes the settlement currency from tradable stock.
type InstrumentType string

const (
	InstrumentTypeCurrency InstrumentType = "currency"
	InstrumentTypeStock    InstrumentType = "stock"
)

// User represents a registered account. The api_key is its only credential.
type User struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Role      Role      `json:"role" db:"role"`
	APIKey    string    `json:"api_key" db:"api_key"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Instrument represents a tradable asset or the settlement currency.
// CommissionRate is persisted but always zero; fees are out of scope.
type Instrument struct {
	Ticker         string          `json:"ticker" db:"ticker"`
	Name           string          `json:"name" db:"name"`
	Type           InstrumentType  `json:"type" db:"type"`
	CommissionRate decimal.Decimal `json:"commission_rate" db:"commission_rate"`
	IsListed       bool            `json:"is_listed" db:"is_listed"`
}

// Balance is one user's free amount of one ticker. Reservations are debits
// from this amount, so Amount is always what the user can still spend.
type Balance struct {
	UserID string          `json:"user_id" db:"user_id"`
	Ticker string          `json:"ticker" db:"ticker"`
	Amount decimal.Decimal `json:"amount" db:"amount"`
}

// Order represents an order in the matching engine. Price is nil exactly
// when the order is MARKET.
type Order struct {
	ID        string           `json:"id" db:"id"`
	UserID    string           `json:"user_id" db:"user_id"`
	Ticker    string           `json:"ticker" db:"ticker"`
	Side      OrderSide        `json:"side" db:"side"`
	Type      OrderType        `json:"type" db:"type"`
	Quantity  decimal.Decimal  `json:"quantity" db:"quantity"`
	Price     *decimal.Decimal `json:"price,omitempty" db:"price"`
	Filled    decimal.Decimal  `json:"filled" db:"filled"`
	Status    OrderStatus      `json:"status" db:"status"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt time.Time        `json:"updated_at" db:"updated_at"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.Filled)
}

// IsActive reports whether the order can still trade or be cancelled.
func (o *Order) IsActive() bool {
	return o.Status == OrderStatusOpen || o.Status == OrderStatusPartiallyFilled
}

// Trade represents a completed trade between two orders.
type Trade struct {
	ID          int64           `json:"id" db:"id"`
	Ticker      string          `json:"ticker" db:"ticker"`
	Price       decimal.Decimal `json:"price" db:"price"`
	Quantity    decimal.Decimal `json:"quantity" db:"quantity"`
	BuyerID     string          `json:"buyer_id" db:"buyer_id"`
	SellerID    string          `json:"seller_id" db:"seller_id"`
	BuyOrderID  string          `json:"buy_order_id" db:"buy_order_id"`
	SellOrderID string          `json:"sell_order_id" db:"sell_order_id"`
	ExecutedAt  time.Time       `json:"executed_at" db:"executed_at"`
}
