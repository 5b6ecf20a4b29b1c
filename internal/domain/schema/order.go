// Package schema defines the persisted entities shared by the settlement engine.
package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side enumerates the trade direction of an order or signal.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether the side is recognised.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// ParseSide normalises a textual side.
func ParseSide(raw string) (Side, bool) {
	side := Side(strings.ToUpper(strings.TrimSpace(raw)))
	return side, side.Valid()
}

// OrderType enumerates supported order types.
type OrderType string

const (
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopLoss   OrderType = "STOP_LOSS"
	OrderTypeTakeProfit OrderType = "TAKE_PROFIT"
)

// Valid reports whether the order type is recognised.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeLimit, OrderTypeStopLoss, OrderTypeTakeProfit:
		return true
	default:
		return false
	}
}

// OrderStatus enumerates the lifecycle states of an order.
type OrderStatus string

const (
	OrderStatusCreated         OrderStatus = "CREATED"
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// Valid reports whether the status is recognised.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusCreated, OrderStatusPending, OrderStatusPartiallyFilled,
		OrderStatusFilled, OrderStatusCanceled, OrderStatusExpired, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// Open reports whether the order is live on the exchange.
func (s OrderStatus) Open() bool {
	return s == OrderStatusPending || s == OrderStatusPartiallyFilled
}

// Terminal reports whether no further transitions are accepted.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusExpired, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// OpenStatuses lists the statuses polled against the exchange.
func OpenStatuses() []OrderStatus {
	return []OrderStatus{OrderStatusPending, OrderStatusPartiallyFilled}
}

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusCreated: {OrderStatusPending, OrderStatusRejected},
	OrderStatusPending: {
		OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCanceled,
		OrderStatusExpired, OrderStatusRejected,
	},
	OrderStatusPartiallyFilled: {
		OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCanceled, OrderStatusExpired,
	},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Order is the persisted, append-only record of a strategy order.
type Order struct {
	ID               string          `json:"id"`
	StrategyID       string          `json:"strategyId"`
	AccountID        string          `json:"accountId"`
	PositionID       string          `json:"positionId,omitempty"`
	Side             Side            `json:"side"`
	Type             OrderType       `json:"type"`
	Asset            string          `json:"asset"`
	Quantity         decimal.Decimal `json:"quantity"`
	FilledQuantity   decimal.Decimal `json:"filledQuantity"`
	Price            decimal.Decimal `json:"price"`
	AverageFillPrice decimal.Decimal `json:"averageFillPrice"`
	Fee              decimal.Decimal `json:"fee"`
	FeeSettled       decimal.Decimal `json:"feeSettled"`
	Reserved         decimal.Decimal `json:"reserved"`
	ExchangeOrderID  string          `json:"exchangeOrderId,omitempty"`
	Status           OrderStatus     `json:"status"`
	FailureReason    string          `json:"failureReason,omitempty"`
	Justification    string          `json:"justification,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
	ExecutedAt       *time.Time      `json:"executedAt,omitempty"`
	CanceledAt       *time.Time      `json:"canceledAt,omitempty"`
}

// Remaining returns the unfilled quantity.
func (o Order) Remaining() decimal.Decimal {
	rem := o.Quantity.Sub(o.FilledQuantity)
	if rem.Sign() < 0 {
		return decimal.Zero
	}
	return rem
}

// Notional returns quantity times limit price.
func (o Order) Notional() decimal.Decimal {
	return o.Quantity.Mul(o.Price).Round(8)
}
