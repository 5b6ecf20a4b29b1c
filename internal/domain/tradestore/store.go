// Package tradestore defines persistence contracts for orders, wallets and positions.
package tradestore

import (
	"context"

	"github.com/coachpo/strategos/internal/domain/schema"
)

// OrderQuery scopes order lookups.
type OrderQuery struct {
	StrategyID string               `json:"strategyId,omitempty"`
	AccountID  string               `json:"accountId,omitempty"`
	Asset      string               `json:"asset,omitempty"`
	Side       schema.Side          `json:"side,omitempty"`
	Statuses   []schema.OrderStatus `json:"statuses,omitempty"`
	Limit      int                  `json:"limit,omitempty"`
}

// Matches reports whether the order satisfies every populated filter.
func (q OrderQuery) Matches(o schema.Order) bool {
	if q.StrategyID != "" && o.StrategyID != q.StrategyID {
		return false
	}
	if q.AccountID != "" && o.AccountID != q.AccountID {
		return false
	}
	if q.Asset != "" && o.Asset != q.Asset {
		return false
	}
	if q.Side != "" && o.Side != q.Side {
		return false
	}
	if len(q.Statuses) == 0 {
		return true
	}
	for _, status := range q.Statuses {
		if o.Status == status {
			return true
		}
	}
	return false
}

// Tx encapsulates trade persistence operations executed within a single transaction.
//
// Lookups return errs.CodeNotFound envelopes for missing rows. SaveWallet and
// SavePosition are conditional on the Version carried by the argument and return
// errs.CodeConflict when the stored row has moved on; on success they return the
// row with its incremented version.
type Tx interface {
	CreateOrder(ctx context.Context, order schema.Order) error
	UpdateOrder(ctx context.Context, order schema.Order) error
	GetOrder(ctx context.Context, id string) (schema.Order, error)
	ListOrders(ctx context.Context, query OrderQuery) ([]schema.Order, error)

	CreateWallet(ctx context.Context, wallet schema.Wallet) error
	GetWallet(ctx context.Context, accountID string) (schema.Wallet, error)
	SaveWallet(ctx context.Context, wallet schema.Wallet) (schema.Wallet, error)

	CreatePosition(ctx context.Context, position schema.Position) error
	GetPosition(ctx context.Context, accountID, asset string) (schema.Position, error)
	SavePosition(ctx context.Context, position schema.Position) (schema.Position, error)
	ListPositions(ctx context.Context, accountID string) ([]schema.Position, error)
}

// Store defines the contract for trade persistence.
type Store interface {
	Tx
	WithTransaction(ctx context.Context, fn func(context.Context, Tx) error) error
}
