package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/strategos/errs"
	"github.com/coachpo/strategos/internal/domain/schema"
	"github.com/coachpo/strategos/internal/domain/tradestore"
)

const (
	defaultOrderLimit = 500
	maxOrderLimit     = 5000
)

const (
	orderInsertSQL = `
INSERT INTO orders (
    id, strategy_id, account_id, position_id, side, type, asset,
    quantity, filled_quantity, price, average_fill_price, fee, fee_settled, reserved,
    exchange_order_id, status, failure_reason, justification,
    created_at, updated_at, executed_at, canceled_at
) VALUES (
    @id, @strategy_id, @account_id, @position_id, @side, @type, @asset,
    @quantity, @filled_quantity, @price, @average_fill_price, @fee, @fee_settled, @reserved,
    @exchange_order_id, @status, @failure_reason, @justification,
    COALESCE(@created_at, NOW()), NOW(), @executed_at, @canceled_at
)`

	orderUpdateSQL = `
UPDATE orders SET
    position_id = @position_id,
    filled_quantity = @filled_quantity,
    average_fill_price = @average_fill_price,
    fee = @fee,
    fee_settled = @fee_settled,
    reserved = @reserved,
    exchange_order_id = @exchange_order_id,
    status = @status,
    failure_reason = @failure_reason,
    executed_at = @executed_at,
    canceled_at = @canceled_at,
    updated_at = NOW()
WHERE id = @id`

	orderSelectBase = `
SELECT
    id, strategy_id, account_id, position_id, side, type, asset,
    quantity::text, filled_quantity::text, price::text, average_fill_price::text,
    fee::text, fee_settled::text, reserved::text,
    exchange_order_id, status, failure_reason, justification,
    created_at, updated_at, executed_at, canceled_at
FROM orders`

	walletInsertSQL = `
INSERT INTO wallets (id, account_id, free, reserved, placed, version, updated_at)
VALUES (@id, @account_id, @free, @reserved, @placed, 1, NOW())`

	walletSelectBase = `
SELECT id, account_id, free::text, reserved::text, placed::text, version, updated_at
FROM wallets
WHERE account_id = @account_id`

	walletSaveSQL = `
UPDATE wallets SET
    free = @free,
    reserved = @reserved,
    placed = @placed,
    version = version + 1,
    updated_at = NOW()
WHERE account_id = @account_id AND version = @version
RETURNING version, updated_at`

	walletExistsSQL = `SELECT EXISTS (SELECT 1 FROM wallets WHERE account_id = @account_id)`

	positionInsertSQL = `
INSERT INTO positions (
    id, account_id, asset, total_quantity, average_entry_price, realized_pnl, cost_basis,
    version, created_at, updated_at
) VALUES (
    @id, @account_id, @asset, @total_quantity, @average_entry_price, @realized_pnl, @cost_basis,
    1, COALESCE(@created_at, NOW()), NOW()
)`

	positionSelectBase = `
SELECT
    id, account_id, asset, total_quantity::text, average_entry_price::text,
    realized_pnl::text, cost_basis::text, version, created_at, updated_at
FROM positions`

	positionSaveSQL = `
UPDATE positions SET
    total_quantity = @total_quantity,
    average_entry_price = @average_entry_price,
    realized_pnl = @realized_pnl,
    cost_basis = @cost_basis,
    version = version + 1,
    updated_at = NOW()
WHERE account_id = @account_id AND asset = @asset AND version = @version
RETURNING version, updated_at`

	positionExistsSQL = `SELECT EXISTS (SELECT 1 FROM positions WHERE account_id = @account_id AND asset = @asset)`
)

// TradeStore persists orders, wallets and positions.
type TradeStore struct {
	pool *pgxpool.Pool
}

var _ tradestore.Store = (*TradeStore)(nil)

// NewTradeStore constructs a TradeStore backed by pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

func (s *TradeStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("trade store: nil pool")
	}
	return s.pool, nil
}

// WithTransaction runs fn in a read-committed transaction. Wallet and position
// reads inside fn take row locks until commit.
func (s *TradeStore) WithTransaction(ctx context.Context, fn func(context.Context, tradestore.Tx) error) error {
	if fn == nil {
		return fmt.Errorf("trade store: transaction callback required")
	}
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return withTx(ctx, pool, "trade store", func(tx pgx.Tx) error {
		return fn(ctx, &tradeTx{q: tx, lock: true})
	})
}

func (s *TradeStore) direct() (*tradeTx, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	return &tradeTx{q: pool}, nil
}

// CreateOrder implements tradestore.Tx.
func (s *TradeStore) CreateOrder(ctx context.Context, order schema.Order) error {
	tx, err := s.direct()
	if err != nil {
		return err
	}
	return tx.CreateOrder(ctx, order)
}

// UpdateOrder implements tradestore.Tx.
func (s *TradeStore) UpdateOrder(ctx context.Context, order schema.Order) error {
	tx, err := s.direct()
	if err != nil {
		return err
	}
	return tx.UpdateOrder(ctx, order)
}

// GetOrder implements tradestore.Tx.
func (s *TradeStore) GetOrder(ctx context.Context, id string) (schema.Order, error) {
	tx, err := s.direct()
	if err != nil {
		return schema.Order{}, err
	}
	return tx.GetOrder(ctx, id)
}

// ListOrders implements tradestore.Tx.
func (s *TradeStore) ListOrders(ctx context.Context, query tradestore.OrderQuery) ([]schema.Order, error) {
	tx, err := s.direct()
	if err != nil {
		return nil, err
	}
	return tx.ListOrders(ctx, query)
}

// CreateWallet implements tradestore.Tx.
func (s *TradeStore) CreateWallet(ctx context.Context, wallet schema.Wallet) error {
	tx, err := s.direct()
	if err != nil {
		return err
	}
	return tx.CreateWallet(ctx, wallet)
}

// GetWallet implements tradestore.Tx.
func (s *TradeStore) GetWallet(ctx context.Context, accountID string) (schema.Wallet, error) {
	tx, err := s.direct()
	if err != nil {
		return schema.Wallet{}, err
	}
	return tx.GetWallet(ctx, accountID)
}

// SaveWallet implements tradestore.Tx.
func (s *TradeStore) SaveWallet(ctx context.Context, wallet schema.Wallet) (schema.Wallet, error) {
	tx, err := s.direct()
	if err != nil {
		return schema.Wallet{}, err
	}
	return tx.SaveWallet(ctx, wallet)
}

// CreatePosition implements tradestore.Tx.
func (s *TradeStore) CreatePosition(ctx context.Context, position schema.Position) error {
	tx, err := s.direct()
	if err != nil {
		return err
	}
	return tx.CreatePosition(ctx, position)
}

// GetPosition implements tradestore.Tx.
func (s *TradeStore) GetPosition(ctx context.Context, accountID, asset string) (schema.Position, error) {
	tx, err := s.direct()
	if err != nil {
		return schema.Position{}, err
	}
	return tx.GetPosition(ctx, accountID, asset)
}

// SavePosition implements tradestore.Tx.
func (s *TradeStore) SavePosition(ctx context.Context, position schema.Position) (schema.Position, error) {
	tx, err := s.direct()
	if err != nil {
		return schema.Position{}, err
	}
	return tx.SavePosition(ctx, position)
}

// ListPositions implements tradestore.Tx.
func (s *TradeStore) ListPositions(ctx context.Context, accountID string) ([]schema.Position, error) {
	tx, err := s.direct()
	if err != nil {
		return nil, err
	}
	return tx.ListPositions(ctx, accountID)
}

type tradeTx struct {
	q    querier
	lock bool
}

func (tx *tradeTx) forUpdate(sql string) string {
	if tx.lock {
		return sql + " FOR UPDATE"
	}
	return sql
}

func orderArgs(o schema.Order) pgx.NamedArgs {
	var created any
	if !o.CreatedAt.IsZero() {
		created = o.CreatedAt.UTC()
	}
	return pgx.NamedArgs{
		"id":                 o.ID,
		"strategy_id":        o.StrategyID,
		"account_id":         o.AccountID,
		"position_id":        o.PositionID,
		"side":               string(o.Side),
		"type":               string(o.Type),
		"asset":              o.Asset,
		"quantity":           toNumeric(o.Quantity),
		"filled_quantity":    toNumeric(o.FilledQuantity),
		"price":              toNumeric(o.Price),
		"average_fill_price": toNumeric(o.AverageFillPrice),
		"fee":                toNumeric(o.Fee),
		"fee_settled":        toNumeric(o.FeeSettled),
		"reserved":           toNumeric(o.Reserved),
		"exchange_order_id":  o.ExchangeOrderID,
		"status":             string(o.Status),
		"failure_reason":     o.FailureReason,
		"justification":      o.Justification,
		"created_at":         created,
		"executed_at":        nullableTime(o.ExecutedAt),
		"canceled_at":        nullableTime(o.CanceledAt),
	}
}

func (tx *tradeTx) CreateOrder(ctx context.Context, order schema.Order) error {
	if strings.TrimSpace(order.ID) == "" {
		return errs.Validation(component, "order id required")
	}
	_, err := tx.q.Exec(ctx, orderInsertSQL, orderArgs(order))
	return classify(err, "order", order.ID, "insert")
}

func (tx *tradeTx) UpdateOrder(ctx context.Context, order schema.Order) error {
	tag, err := tx.q.Exec(ctx, orderUpdateSQL, orderArgs(order))
	if err != nil {
		return classify(err, "order", order.ID, "update")
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound(component, "order", order.ID)
	}
	return nil
}

func scanOrder(row pgx.Row) (schema.Order, error) {
	var (
		o     schema.Order
		nums  decimalScanner
		side  string
		typ   string
		state string
	)
	err := row.Scan(
		&o.ID, &o.StrategyID, &o.AccountID, &o.PositionID, &side, &typ, &o.Asset,
		nums.field("quantity", &o.Quantity),
		nums.field("filled_quantity", &o.FilledQuantity),
		nums.field("price", &o.Price),
		nums.field("average_fill_price", &o.AverageFillPrice),
		nums.field("fee", &o.Fee),
		nums.field("fee_settled", &o.FeeSettled),
		nums.field("reserved", &o.Reserved),
		&o.ExchangeOrderID, &state, &o.FailureReason, &o.Justification,
		&o.CreatedAt, &o.UpdatedAt, &o.ExecutedAt, &o.CanceledAt,
	)
	if err != nil {
		return schema.Order{}, err
	}
	if err := nums.resolve(); err != nil {
		return schema.Order{}, err
	}
	o.Side = schema.Side(side)
	o.Type = schema.OrderType(typ)
	o.Status = schema.OrderStatus(state)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	o.ExecutedAt = timePtr(o.ExecutedAt)
	o.CanceledAt = timePtr(o.CanceledAt)
	return o, nil
}

func (tx *tradeTx) GetOrder(ctx context.Context, id string) (schema.Order, error) {
	row := tx.q.QueryRow(ctx, orderSelectBase+" WHERE id = @id", pgx.NamedArgs{"id": id})
	o, err := scanOrder(row)
	if err != nil {
		return schema.Order{}, classify(err, "order", id, "select")
	}
	return o, nil
}

func (tx *tradeTx) ListOrders(ctx context.Context, query tradestore.OrderQuery) ([]schema.Order, error) {
	var (
		where []string
		args  = pgx.NamedArgs{"limit": clampLimit(query.Limit, defaultOrderLimit, maxOrderLimit)}
	)
	if query.StrategyID != "" {
		where = append(where, "strategy_id = @strategy_id")
		args["strategy_id"] = query.StrategyID
	}
	if query.AccountID != "" {
		where = append(where, "account_id = @account_id")
		args["account_id"] = query.AccountID
	}
	if query.Asset != "" {
		where = append(where, "asset = @asset")
		args["asset"] = query.Asset
	}
	if query.Side != "" {
		where = append(where, "side = @side")
		args["side"] = string(query.Side)
	}
	if len(query.Statuses) > 0 {
		statuses := make([]string, 0, len(query.Statuses))
		for _, st := range query.Statuses {
			statuses = append(statuses, string(st))
		}
		where = append(where, "status = ANY(@statuses)")
		args["statuses"] = statuses
	}

	var b strings.Builder
	b.WriteString(orderSelectBase)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at ASC, id ASC LIMIT @limit")

	rows, err := tx.q.Query(ctx, b.String(), args)
	if err != nil {
		return nil, fmt.Errorf("trade store: list orders: %w", err)
	}
	defer rows.Close()
	out := make([]schema.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("trade store: scan order: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trade store: iterate orders: %w", err)
	}
	return out, nil
}

func (tx *tradeTx) CreateWallet(ctx context.Context, wallet schema.Wallet) error {
	if strings.TrimSpace(wallet.AccountID) == "" {
		return errs.Validation(component, "wallet account id required")
	}
	_, err := tx.q.Exec(ctx, walletInsertSQL, pgx.NamedArgs{
		"id":         wallet.ID,
		"account_id": wallet.AccountID,
		"free":       toNumeric(wallet.Free),
		"reserved":   toNumeric(wallet.Reserved),
		"placed":     toNumeric(wallet.Placed),
	})
	return classify(err, "wallet", wallet.AccountID, "insert")
}

func (tx *tradeTx) GetWallet(ctx context.Context, accountID string) (schema.Wallet, error) {
	var (
		w    schema.Wallet
		nums decimalScanner
	)
	row := tx.q.QueryRow(ctx, tx.forUpdate(walletSelectBase), pgx.NamedArgs{"account_id": accountID})
	err := row.Scan(&w.ID, &w.AccountID,
		nums.field("free", &w.Free),
		nums.field("reserved", &w.Reserved),
		nums.field("placed", &w.Placed),
		&w.Version, &w.UpdatedAt)
	if err != nil {
		return schema.Wallet{}, classify(err, "wallet", accountID, "select")
	}
	if err := nums.resolve(); err != nil {
		return schema.Wallet{}, err
	}
	w.UpdatedAt = w.UpdatedAt.UTC()
	return w, nil
}

func (tx *tradeTx) SaveWallet(ctx context.Context, wallet schema.Wallet) (schema.Wallet, error) {
	err := tx.q.QueryRow(ctx, walletSaveSQL, pgx.NamedArgs{
		"account_id": wallet.AccountID,
		"free":       toNumeric(wallet.Free),
		"reserved":   toNumeric(wallet.Reserved),
		"placed":     toNumeric(wallet.Placed),
		"version":    wallet.Version,
	}).Scan(&wallet.Version, &wallet.UpdatedAt)
	if err == nil {
		wallet.UpdatedAt = wallet.UpdatedAt.UTC()
		return wallet, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return schema.Wallet{}, classify(err, "wallet", wallet.AccountID, "update")
	}
	var exists bool
	if err := tx.q.QueryRow(ctx, walletExistsSQL, pgx.NamedArgs{"account_id": wallet.AccountID}).Scan(&exists); err != nil {
		return schema.Wallet{}, fmt.Errorf("trade store: wallet exists: %w", err)
	}
	if !exists {
		return schema.Wallet{}, errs.NotFound(component, "wallet", wallet.AccountID)
	}
	return schema.Wallet{}, errs.New(component, errs.CodeConflict,
		errs.WithMessage("wallet version conflict"),
		errs.WithDetail("account", wallet.AccountID))
}

func positionArgs(p schema.Position) pgx.NamedArgs {
	var created any
	if !p.CreatedAt.IsZero() {
		created = p.CreatedAt.UTC()
	}
	return pgx.NamedArgs{
		"id":                  p.ID,
		"account_id":          p.AccountID,
		"asset":               p.Asset,
		"total_quantity":      toNumeric(p.TotalQuantity),
		"average_entry_price": toNullNumeric(p.AverageEntryPrice),
		"realized_pnl":        toNumeric(p.RealizedPnL),
		"cost_basis":          toNumeric(p.CostBasis),
		"version":             p.Version,
		"created_at":          created,
	}
}

func (tx *tradeTx) CreatePosition(ctx context.Context, position schema.Position) error {
	_, err := tx.q.Exec(ctx, positionInsertSQL, positionArgs(position))
	return classify(err, "position", position.AccountID+"/"+position.Asset, "insert")
}

func scanPosition(row pgx.Row) (schema.Position, error) {
	var (
		p       schema.Position
		nums    decimalScanner
		avgText *string
	)
	err := row.Scan(&p.ID, &p.AccountID, &p.Asset,
		nums.field("total_quantity", &p.TotalQuantity),
		&avgText,
		nums.field("realized_pnl", &p.RealizedPnL),
		nums.field("cost_basis", &p.CostBasis),
		&p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return schema.Position{}, err
	}
	if err := nums.resolve(); err != nil {
		return schema.Position{}, err
	}
	if p.AverageEntryPrice, err = parseNullDecimal("average_entry_price", avgText); err != nil {
		return schema.Position{}, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func (tx *tradeTx) GetPosition(ctx context.Context, accountID, asset string) (schema.Position, error) {
	row := tx.q.QueryRow(ctx, tx.forUpdate(positionSelectBase+" WHERE account_id = @account_id AND asset = @asset"),
		pgx.NamedArgs{"account_id": accountID, "asset": asset})
	p, err := scanPosition(row)
	if err != nil {
		return schema.Position{}, classify(err, "position", accountID+"/"+asset, "select")
	}
	return p, nil
}

func (tx *tradeTx) SavePosition(ctx context.Context, position schema.Position) (schema.Position, error) {
	err := tx.q.QueryRow(ctx, positionSaveSQL, positionArgs(position)).Scan(&position.Version, &position.UpdatedAt)
	if err == nil {
		position.UpdatedAt = position.UpdatedAt.UTC()
		return position, nil
	}
	id := position.AccountID + "/" + position.Asset
	if !errors.Is(err, pgx.ErrNoRows) {
		return schema.Position{}, classify(err, "position", id, "update")
	}
	var exists bool
	if err := tx.q.QueryRow(ctx, positionExistsSQL, pgx.NamedArgs{
		"account_id": position.AccountID,
		"asset":      position.Asset,
	}).Scan(&exists); err != nil {
		return schema.Position{}, fmt.Errorf("trade store: position exists: %w", err)
	}
	if !exists {
		return schema.Position{}, errs.NotFound(component, "position", id)
	}
	return schema.Position{}, errs.New(component, errs.CodeConflict, errs.WithMessage("position version conflict"))
}

func (tx *tradeTx) ListPositions(ctx context.Context, accountID string) ([]schema.Position, error) {
	sql := positionSelectBase
	args := pgx.NamedArgs{}
	if accountID != "" {
		sql += " WHERE account_id = @account_id"
		args["account_id"] = accountID
	}
	rows, err := tx.q.Query(ctx, sql+" ORDER BY asset", args)
	if err != nil {
		return nil, fmt.Errorf("trade store: list positions: %w", err)
	}
	defer rows.Close()
	out := make([]schema.Position, 0)
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("trade store: scan position: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trade store: iterate positions: %w", err)
	}
	return out, nil
}
