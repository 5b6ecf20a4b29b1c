package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet holds the three balance buckets of an account.
//
// Free is spendable, Reserved is committed to open BUY orders that have not filled,
// and Placed is the cost basis of filled BUY quantity still held.
type Wallet struct {
	ID        string          `json:"id"`
	AccountID string          `json:"accountId"`
	Free      decimal.Decimal `json:"free"`
	Reserved  decimal.Decimal `json:"reserved"`
	Placed    decimal.Decimal `json:"placed"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Total returns the sum of all buckets.
func (w Wallet) Total() decimal.Decimal {
	return w.Free.Add(w.Reserved).Add(w.Placed)
}
