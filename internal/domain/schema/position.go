package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position tracks holdings of one asset for one account.
//
// CostBasis is the portion of the wallet's placed bucket committed to the quantity held.
type Position struct {
	ID                string              `json:"id"`
	AccountID         string              `json:"accountId"`
	Asset             string              `json:"asset"`
	TotalQuantity     decimal.Decimal     `json:"totalQuantity"`
	AverageEntryPrice decimal.NullDecimal `json:"averageEntryPrice"`
	RealizedPnL       decimal.Decimal     `json:"realizedPnl"`
	CostBasis         decimal.Decimal     `json:"costBasis"`
	Version           int64               `json:"version"`
	CreatedAt         time.Time           `json:"createdAt"`
	UpdatedAt         time.Time           `json:"updatedAt"`
}

// IsEmpty reports whether the position holds no quantity.
func (p Position) IsEmpty() bool {
	return p.TotalQuantity.IsZero()
}
