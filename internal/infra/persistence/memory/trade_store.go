// Package memory provides in-process implementations of the persistence contracts.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coachpo/strategos/errs"
	"github.com/coachpo/strategos/internal/domain/schema"
	"github.com/coachpo/strategos/internal/domain/tradestore"
)

const component = "memory"

// TradeStore is an in-memory implementation of tradestore.Store.
//
// Transactions are serialised by a single mutex and run against a copy of the
// tables that replaces the live tables only when the callback succeeds.
type TradeStore struct {
	mu     sync.Mutex
	tables tradeTables
	now    func() time.Time
}

type tradeTables struct {
	orders    map[string]schema.Order
	wallets   map[string]schema.Wallet
	positions map[string]schema.Position
	orderSeq  []string
}

func (t tradeTables) clone() tradeTables {
	out := tradeTables{
		orders:    make(map[string]schema.Order, len(t.orders)),
		wallets:   make(map[string]schema.Wallet, len(t.wallets)),
		positions: make(map[string]schema.Position, len(t.positions)),
		orderSeq:  append([]string(nil), t.orderSeq...),
	}
	for k, v := range t.orders {
		out.orders[k] = v
	}
	for k, v := range t.wallets {
		out.wallets[k] = v
	}
	for k, v := range t.positions {
		out.positions[k] = v
	}
	return out
}

var _ tradestore.Store = (*TradeStore)(nil)

// NewTradeStore creates an empty trade store.
func NewTradeStore() *TradeStore {
	return &TradeStore{
		tables: tradeTables{
			orders:    make(map[string]schema.Order),
			wallets:   make(map[string]schema.Wallet),
			positions: make(map[string]schema.Position),
		},
		now: time.Now,
	}
}

// WithTransaction runs fn with exclusive access to the store.
func (s *TradeStore) WithTransaction(ctx context.Context, fn func(context.Context, tradestore.Tx) error) error {
	if fn == nil {
		return fmt.Errorf("memory trade store: nil transaction func")
	}
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	staged := s.tables.clone()
	if err := fn(ctx, &tradeTx{tables: &staged, now: s.now}); err != nil {
		return err
	}
	s.tables = staged
	return nil
}

func (s *TradeStore) run(ctx context.Context, fn func(*tradeTx) error) error {
	return s.WithTransaction(ctx, func(_ context.Context, tx tradestore.Tx) error {
		return fn(tx.(*tradeTx))
	})
}

// CreateOrder implements tradestore.Tx.
func (s *TradeStore) CreateOrder(ctx context.Context, order schema.Order) error {
	return s.run(ctx, func(tx *tradeTx) error { return tx.CreateOrder(ctx, order) })
}

// UpdateOrder implements tradestore.Tx.
func (s *TradeStore) UpdateOrder(ctx context.Context, order schema.Order) error {
	return s.run(ctx, func(tx *tradeTx) error { return tx.UpdateOrder(ctx, order) })
}

// GetOrder implements tradestore.Tx.
func (s *TradeStore) GetOrder(ctx context.Context, id string) (out schema.Order, err error) {
	err = s.run(ctx, func(tx *tradeTx) error {
		out, err = tx.GetOrder(ctx, id)
		return err
	})
	return out, err
}

// ListOrders implements tradestore.Tx.
func (s *TradeStore) ListOrders(ctx context.Context, query tradestore.OrderQuery) (out []schema.Order, err error) {
	err = s.run(ctx, func(tx *tradeTx) error {
		out, err = tx.ListOrders(ctx, query)
		return err
	})
	return out, err
}

// CreateWallet implements tradestore.Tx.
func (s *TradeStore) CreateWallet(ctx context.Context, wallet schema.Wallet) error {
	return s.run(ctx, func(tx *tradeTx) error { return tx.CreateWallet(ctx, wallet) })
}

// GetWallet implements tradestore.Tx.
func (s *TradeStore) GetWallet(ctx context.Context, accountID string) (out schema.Wallet, err error) {
	err = s.run(ctx, func(tx *tradeTx) error {
		out, err = tx.GetWallet(ctx, accountID)
		return err
	})
	return out, err
}

// SaveWallet implements tradestore.Tx.
func (s *TradeStore) SaveWallet(ctx context.Context, wallet schema.Wallet) (out schema.Wallet, err error) {
	err = s.run(ctx, func(tx *tradeTx) error {
		out, err = tx.SaveWallet(ctx, wallet)
		return err
	})
	return out, err
}

// CreatePosition implements tradestore.Tx.
func (s *TradeStore) CreatePosition(ctx context.Context, position schema.Position) error {
	return s.run(ctx, func(tx *tradeTx) error { return tx.CreatePosition(ctx, position) })
}

// GetPosition implements tradestore.Tx.
func (s *TradeStore) GetPosition(ctx context.Context, accountID, asset string) (out schema.Position, err error) {
	err = s.run(ctx, func(tx *tradeTx) error {
		out, err = tx.GetPosition(ctx, accountID, asset)
		return err
	})
	return out, err
}

// SavePosition implements tradestore.Tx.
func (s *TradeStore) SavePosition(ctx context.Context, position schema.Position) (out schema.Position, err error) {
	err = s.run(ctx, func(tx *tradeTx) error {
		out, err = tx.SavePosition(ctx, position)
		return err
	})
	return out, err
}

// ListPositions implements tradestore.Tx.
func (s *TradeStore) ListPositions(ctx context.Context, accountID string) (out []schema.Position, err error) {
	err = s.run(ctx, func(tx *tradeTx) error {
		out, err = tx.ListPositions(ctx, accountID)
		return err
	})
	return out, err
}

type tradeTx struct {
	tables *tradeTables
	now    func() time.Time
}

func positionKey(accountID, asset string) string {
	return accountID + "\x00" + asset
}

func (tx *tradeTx) CreateOrder(_ context.Context, order schema.Order) error {
	if order.ID == "" {
		return errs.Validation(component, "order id required")
	}
	if _, exists := tx.tables.orders[order.ID]; exists {
		return errs.New(component, errs.CodeAlreadyExists, errs.WithMessage("order already exists"), errs.WithDetail("id", order.ID))
	}
	tx.tables.orders[order.ID] = order
	tx.tables.orderSeq = append(tx.tables.orderSeq, order.ID)
	return nil
}

func (tx *tradeTx) UpdateOrder(_ context.Context, order schema.Order) error {
	if _, exists := tx.tables.orders[order.ID]; !exists {
		return errs.NotFound(component, "order", order.ID)
	}
	order.UpdatedAt = tx.now().UTC()
	tx.tables.orders[order.ID] = order
	return nil
}

func (tx *tradeTx) GetOrder(_ context.Context, id string) (schema.Order, error) {
	order, ok := tx.tables.orders[id]
	if !ok {
		return schema.Order{}, errs.NotFound(component, "order", id)
	}
	return order, nil
}

func (tx *tradeTx) ListOrders(_ context.Context, query tradestore.OrderQuery) ([]schema.Order, error) {
	out := make([]schema.Order, 0)
	for _, id := range tx.tables.orderSeq {
		order := tx.tables.orders[id]
		if !query.Matches(order) {
			continue
		}
		out = append(out, order)
		if query.Limit > 0 && len(out) >= query.Limit {
			break
		}
	}
	return out, nil
}

func (tx *tradeTx) CreateWallet(_ context.Context, wallet schema.Wallet) error {
	if wallet.AccountID == "" {
		return errs.Validation(component, "wallet account id required")
	}
	if _, exists := tx.tables.wallets[wallet.AccountID]; exists {
		return errs.New(component, errs.CodeAlreadyExists, errs.WithMessage("wallet already exists"), errs.WithDetail("account", wallet.AccountID))
	}
	wallet.Version = 1
	wallet.UpdatedAt = tx.now().UTC()
	tx.tables.wallets[wallet.AccountID] = wallet
	return nil
}

func (tx *tradeTx) GetWallet(_ context.Context, accountID string) (schema.Wallet, error) {
	wallet, ok := tx.tables.wallets[accountID]
	if !ok {
		return schema.Wallet{}, errs.NotFound(component, "wallet", accountID)
	}
	return wallet, nil
}

func (tx *tradeTx) SaveWallet(_ context.Context, wallet schema.Wallet) (schema.Wallet, error) {
	current, ok := tx.tables.wallets[wallet.AccountID]
	if !ok {
		return schema.Wallet{}, errs.NotFound(component, "wallet", wallet.AccountID)
	}
	if current.Version != wallet.Version {
		return schema.Wallet{}, errs.New(component, errs.CodeConflict, errs.WithMessage("wallet version conflict"), errs.WithDetail("account", wallet.AccountID))
	}
	wallet.Version = current.Version + 1
	wallet.UpdatedAt = tx.now().UTC()
	tx.tables.wallets[wallet.AccountID] = wallet
	return wallet, nil
}

func (tx *tradeTx) CreatePosition(_ context.Context, position schema.Position) error {
	key := positionKey(position.AccountID, position.Asset)
	if _, exists := tx.tables.positions[key]; exists {
		return errs.New(component, errs.CodeAlreadyExists, errs.WithMessage("position already exists"), errs.WithDetail("asset", position.Asset))
	}
	position.Version = 1
	tx.tables.positions[key] = position
	return nil
}

func (tx *tradeTx) GetPosition(_ context.Context, accountID, asset string) (schema.Position, error) {
	position, ok := tx.tables.positions[positionKey(accountID, asset)]
	if !ok {
		return schema.Position{}, errs.NotFound(component, "position", accountID+"/"+asset)
	}
	return position, nil
}

func (tx *tradeTx) SavePosition(_ context.Context, position schema.Position) (schema.Position, error) {
	key := positionKey(position.AccountID, position.Asset)
	current, ok := tx.tables.positions[key]
	if !ok {
		return schema.Position{}, errs.NotFound(component, "position", position.AccountID+"/"+position.Asset)
	}
	if current.Version != position.Version {
		return schema.Position{}, errs.New(component, errs.CodeConflict, errs.WithMessage("position version conflict"))
	}
	position.Version = current.Version + 1
	position.UpdatedAt = tx.now().UTC()
	tx.tables.positions[key] = position
	return position, nil
}

func (tx *tradeTx) ListPositions(_ context.Context, accountID string) ([]schema.Position, error) {
	out := make([]schema.Position, 0)
	for _, position := range tx.tables.positions {
		if accountID != "" && position.AccountID != accountID {
			continue
		}
		out = append(out, position)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("memory store context: %w", ctx.Err())
	default:
		return nil
	}
}
