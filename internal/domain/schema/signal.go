package schema

import "github.com/shopspring/decimal"

// TradeSignal is a strategy's request for an order.
type TradeSignal struct {
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	Asset         string          `json:"asset"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	Justification string          `json:"justification,omitempty"`
}
