// Package provider defines the market data and exchange contracts consumed by the engine.
package provider

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/strategos/internal/domain/schema"
)

// MarketDataKind names a market data series a strategy can request.
type MarketDataKind string

const (
	// MarketDataPrice is the latest traded price.
	MarketDataPrice MarketDataKind = "PRICE"
	// MarketDataCandles is a window of OHLCV candles.
	MarketDataCandles MarketDataKind = "CANDLES"
)

// Interval is a candle width.
type Interval string

var validIntervals = map[Interval]time.Duration{
	"1s": time.Second, "1m": time.Minute, "3m": 3 * time.Minute, "5m": 5 * time.Minute,
	"15m": 15 * time.Minute, "30m": 30 * time.Minute, "1h": time.Hour, "2h": 2 * time.Hour,
	"4h": 4 * time.Hour, "6h": 6 * time.Hour, "8h": 8 * time.Hour, "12h": 12 * time.Hour,
	"1d": 24 * time.Hour, "3d": 72 * time.Hour, "1w": 7 * 24 * time.Hour, "1M": 30 * 24 * time.Hour,
}

// Duration returns the candle width and whether the interval is recognised.
func (i Interval) Duration() (time.Duration, bool) {
	d, ok := validIntervals[Interval(strings.TrimSpace(string(i)))]
	return d, ok
}

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime time.Time       `json:"openTime"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

// MarketDataRequest describes the data needed for one strategy run.
type MarketDataRequest struct {
	Asset    string           `json:"asset"`
	Kinds    []MarketDataKind `json:"kinds"`
	Interval Interval         `json:"interval,omitempty"`
	Start    time.Time        `json:"start"`
	End      time.Time        `json:"end"`
	Limit    int              `json:"limit,omitempty"`
}

// Wants reports whether kind is part of the request.
func (r MarketDataRequest) Wants(kind MarketDataKind) bool {
	for _, k := range r.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// MarketData is the payload handed to Strategy.Analyze.
type MarketData struct {
	Asset   string          `json:"asset"`
	Price   decimal.Decimal `json:"price"`
	Candles []Candle        `json:"candles,omitempty"`
	AsOf    time.Time       `json:"asOf"`
}

// MarketDataProvider retrieves market data.
type MarketDataProvider interface {
	RetrieveMarketData(ctx context.Context, req MarketDataRequest) (MarketData, error)
}

// PlaceStatus is the outcome of an order submission.
type PlaceStatus string

const (
	PlaceStatusSuccess PlaceStatus = "SUCCESS"
	PlaceStatusFail    PlaceStatus = "FAIL"
)

// PlaceOrderResult is the exchange's answer to an order submission.
type PlaceOrderResult struct {
	Status          PlaceStatus     `json:"status"`
	ExchangeOrderID string          `json:"exchangeOrderId,omitempty"`
	Fee             decimal.Decimal `json:"fee"`
	ErrorCode       string          `json:"errorCode,omitempty"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
}

// OrderStatusReport is a poll result. ExecutedQuantity is cumulative and Price is
// the average fill price of the executed quantity.
type OrderStatusReport struct {
	Status           schema.OrderStatus `json:"status"`
	ExecutedQuantity decimal.Decimal    `json:"executedQuantity"`
	Price            decimal.Decimal    `json:"price"`
	Side             schema.Side        `json:"side"`
	Reason           string             `json:"reason,omitempty"`
	UpdatedAt        time.Time          `json:"updatedAt"`
}

// Exchange submits, cancels and polls orders.
type Exchange interface {
	PlaceOrder(ctx context.Context, order schema.Order) (PlaceOrderResult, error)
	CancelOrder(ctx context.Context, order schema.Order) error
	GetOrderStatus(ctx context.Context, order schema.Order) (OrderStatusReport, error)
}

// Instance is a configured venue offering both market data and order routing.
type Instance interface {
	MarketDataProvider
	Exchange
	Name() string
}
