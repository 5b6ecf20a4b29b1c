package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/strategos/errs"
	"github.com/coachpo/strategos/internal/domain/schema"
	"github.com/coachpo/strategos/internal/domain/strategystore"
)

const (
	defaultExecutionLimit = 100
	maxExecutionLimit     = 1000
)

const (
	strategyInsertSQL = `
INSERT INTO strategies (
    id, name, description, account_id, type, asset, schedule, config, state,
    status, archived, created_at, updated_at
) VALUES (
    @id, @name, @description, @account_id, @type, @asset, @schedule, @config, @state,
    @status, @archived, COALESCE(@created_at, NOW()), NOW()
)`

	strategyUpdateSQL = `
UPDATE strategies SET
    name = @name,
    description = @description,
    schedule = @schedule,
    config = @config,
    state = @state,
    status = @status,
    archived = @archived,
    updated_at = NOW()
WHERE id = @id`

	strategySelectBase = `
SELECT id, name, description, account_id, type, asset, schedule, config, state,
       status, archived, created_at, updated_at
FROM strategies`

	executionInsertSQL = `
INSERT INTO strategy_executions (
    id, strategy_id, status, input, result, error_message,
    created_at, started_at, completed_at, failed_at
) VALUES (
    @id, @strategy_id, @status, @input, @result, @error_message,
    COALESCE(@created_at, NOW()), @started_at, @completed_at, @failed_at
)`

	executionUpdateSQL = `
UPDATE strategy_executions SET
    status = @status,
    input = @input,
    result = @result,
    error_message = @error_message,
    started_at = @started_at,
    completed_at = @completed_at,
    failed_at = @failed_at
WHERE id = @id`

	executionSelectBase = `
SELECT id, strategy_id, status, input, result, error_message,
       created_at, started_at, completed_at, failed_at
FROM strategy_executions`

	leaseAcquireSQL = `
INSERT INTO strategy_leases (strategy_id, owner, expires_at)
VALUES (@strategy_id, @owner, NOW() + make_interval(secs => @ttl_seconds::double precision))
ON CONFLICT (strategy_id) DO UPDATE SET
    owner = EXCLUDED.owner,
    expires_at = EXCLUDED.expires_at
WHERE strategy_leases.owner = EXCLUDED.owner OR strategy_leases.expires_at <= NOW()
RETURNING strategy_id, owner, expires_at`

	leaseSelectSQL = `SELECT strategy_id, owner, expires_at FROM strategy_leases WHERE strategy_id = @strategy_id`

	leaseReleaseSQL = `DELETE FROM strategy_leases WHERE strategy_id = @strategy_id AND owner = @owner`
)

// StrategyStore persists strategies, executions and run leases.
type StrategyStore struct {
	pool *pgxpool.Pool
}

var _ strategystore.Store = (*StrategyStore)(nil)

// NewStrategyStore constructs a StrategyStore backed by pool.
func NewStrategyStore(pool *pgxpool.Pool) *StrategyStore {
	return &StrategyStore{pool: pool}
}

func (s *StrategyStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("strategy store: nil pool")
	}
	return s.pool, nil
}

func jsonArg(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func strategyArgs(st schema.Strategy) pgx.NamedArgs {
	var created any
	if !st.CreatedAt.IsZero() {
		created = st.CreatedAt.UTC()
	}
	config := jsonArg(st.Config)
	if config == nil {
		config = "{}"
	}
	return pgx.NamedArgs{
		"id":          st.ID,
		"name":        st.Name,
		"description": st.Description,
		"account_id":  st.AccountID,
		"type":        st.Type,
		"asset":       st.Asset,
		"schedule":    st.Schedule,
		"config":      config,
		"state":       jsonArg(st.State),
		"status":      string(st.Status),
		"archived":    st.Archived,
		"created_at":  created,
	}
}

// CreateStrategy inserts a strategy. Duplicate ids and names map to CodeAlreadyExists.
func (s *StrategyStore) CreateStrategy(ctx context.Context, strategy schema.Strategy) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if strings.TrimSpace(strategy.ID) == "" {
		return errs.Validation(component, "strategy id required")
	}
	_, err = pool.Exec(ctx, strategyInsertSQL, strategyArgs(strategy))
	return classify(err, "strategy", strategy.ID, "insert")
}

// UpdateStrategy rewrites the mutable strategy columns.
func (s *StrategyStore) UpdateStrategy(ctx context.Context, strategy schema.Strategy) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, strategyUpdateSQL, strategyArgs(strategy))
	if err != nil {
		return classify(err, "strategy", strategy.ID, "update")
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound(component, "strategy", strategy.ID)
	}
	return nil
}

func scanStrategy(row pgx.Row) (schema.Strategy, error) {
	var (
		st     schema.Strategy
		config []byte
		state  []byte
		status string
	)
	if err := row.Scan(&st.ID, &st.Name, &st.Description, &st.AccountID, &st.Type, &st.Asset,
		&st.Schedule, &config, &state, &status, &st.Archived, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return schema.Strategy{}, err
	}
	st.Config = config
	if len(state) > 0 {
		st.State = state
	}
	st.Status = schema.StrategyStatus(status)
	st.CreatedAt = st.CreatedAt.UTC()
	st.UpdatedAt = st.UpdatedAt.UTC()
	return st, nil
}

// GetStrategy loads one strategy.
func (s *StrategyStore) GetStrategy(ctx context.Context, id string) (schema.Strategy, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.Strategy{}, err
	}
	st, err := scanStrategy(pool.QueryRow(ctx, strategySelectBase+" WHERE id = @id", pgx.NamedArgs{"id": id}))
	if err != nil {
		return schema.Strategy{}, classify(err, "strategy", id, "select")
	}
	return st, nil
}

// ListStrategies returns matching strategies ordered by creation.
func (s *StrategyStore) ListStrategies(ctx context.Context, query strategystore.StrategyQuery) ([]schema.Strategy, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	var (
		where []string
		args  = pgx.NamedArgs{}
	)
	if !query.IncludeArchived {
		where = append(where, "NOT archived")
	}
	if query.Status != "" {
		where = append(where, "status = @status")
		args["status"] = string(query.Status)
	}
	sql := strategySelectBase
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	rows, err := pool.Query(ctx, sql+" ORDER BY created_at ASC, id ASC", args)
	if err != nil {
		return nil, fmt.Errorf("strategy store: list strategies: %w", err)
	}
	defer rows.Close()
	out := make([]schema.Strategy, 0)
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("strategy store: scan strategy: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("strategy store: iterate strategies: %w", err)
	}
	return out, nil
}

func executionArgs(e schema.StrategyExecution) pgx.NamedArgs {
	var created any
	if !e.CreatedAt.IsZero() {
		created = e.CreatedAt.UTC()
	}
	return pgx.NamedArgs{
		"id":            e.ID,
		"strategy_id":   e.StrategyID,
		"status":        string(e.Status),
		"input":         jsonArg(e.Input),
		"result":        jsonArg(e.Result),
		"error_message": e.ErrorMessage,
		"created_at":    created,
		"started_at":    nullableTime(e.StartedAt),
		"completed_at":  nullableTime(e.CompletedAt),
		"failed_at":     nullableTime(e.FailedAt),
	}
}

// CreateExecution inserts an execution record.
func (s *StrategyStore) CreateExecution(ctx context.Context, execution schema.StrategyExecution) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, executionInsertSQL, executionArgs(execution))
	return classify(err, "execution", execution.ID, "insert")
}

// UpdateExecution rewrites an execution record.
func (s *StrategyStore) UpdateExecution(ctx context.Context, execution schema.StrategyExecution) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, executionUpdateSQL, executionArgs(execution))
	if err != nil {
		return classify(err, "execution", execution.ID, "update")
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound(component, "execution", execution.ID)
	}
	return nil
}

func scanExecution(row pgx.Row) (schema.StrategyExecution, error) {
	var (
		e      schema.StrategyExecution
		input  []byte
		result []byte
		status string
	)
	if err := row.Scan(&e.ID, &e.StrategyID, &status, &input, &result, &e.ErrorMessage,
		&e.CreatedAt, &e.StartedAt, &e.CompletedAt, &e.FailedAt); err != nil {
		return schema.StrategyExecution{}, err
	}
	if len(input) > 0 {
		e.Input = input
	}
	if len(result) > 0 {
		e.Result = result
	}
	e.Status = schema.ExecutionStatus(status)
	e.CreatedAt = e.CreatedAt.UTC()
	e.StartedAt = timePtr(e.StartedAt)
	e.CompletedAt = timePtr(e.CompletedAt)
	e.FailedAt = timePtr(e.FailedAt)
	return e, nil
}

// GetExecution loads one execution.
func (s *StrategyStore) GetExecution(ctx context.Context, id string) (schema.StrategyExecution, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.StrategyExecution{}, err
	}
	e, err := scanExecution(pool.QueryRow(ctx, executionSelectBase+" WHERE id = @id", pgx.NamedArgs{"id": id}))
	if err != nil {
		return schema.StrategyExecution{}, classify(err, "execution", id, "select")
	}
	return e, nil
}

// ListExecutions returns matching executions newest first.
func (s *StrategyStore) ListExecutions(ctx context.Context, query strategystore.ExecutionQuery) ([]schema.StrategyExecution, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	var (
		where []string
		args  = pgx.NamedArgs{"limit": clampLimit(query.Limit, defaultExecutionLimit, maxExecutionLimit)}
	)
	if query.StrategyID != "" {
		where = append(where, "strategy_id = @strategy_id")
		args["strategy_id"] = query.StrategyID
	}
	if len(query.Statuses) > 0 {
		statuses := make([]string, 0, len(query.Statuses))
		for _, st := range query.Statuses {
			statuses = append(statuses, string(st))
		}
		where = append(where, "status = ANY(@statuses)")
		args["statuses"] = statuses
	}
	sql := executionSelectBase
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	rows, err := pool.Query(ctx, sql+" ORDER BY created_at DESC, id DESC LIMIT @limit", args)
	if err != nil {
		return nil, fmt.Errorf("strategy store: list executions: %w", err)
	}
	defer rows.Close()
	out := make([]schema.StrategyExecution, 0)
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("strategy store: scan execution: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("strategy store: iterate executions: %w", err)
	}
	return out, nil
}

// AcquireLease grants or renews the lease unless another owner holds an unexpired one.
func (s *StrategyStore) AcquireLease(ctx context.Context, strategyID, owner string, ttl time.Duration) (schema.Lease, bool, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.Lease{}, false, err
	}
	if strategyID == "" || owner == "" {
		return schema.Lease{}, false, errs.Validation(component, "lease requires strategy and owner")
	}
	var lease schema.Lease
	err = pool.QueryRow(ctx, leaseAcquireSQL, pgx.NamedArgs{
		"strategy_id": strategyID,
		"owner":       owner,
		"ttl_seconds": ttl.Seconds(),
	}).Scan(&lease.StrategyID, &lease.Owner, &lease.ExpiresAt)
	if err == nil {
		lease.ExpiresAt = lease.ExpiresAt.UTC()
		return lease, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return schema.Lease{}, false, classify(err, "lease", strategyID, "acquire")
	}
	// The conflicting row belongs to a live foreign owner.
	err = pool.QueryRow(ctx, leaseSelectSQL, pgx.NamedArgs{"strategy_id": strategyID}).
		Scan(&lease.StrategyID, &lease.Owner, &lease.ExpiresAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return schema.Lease{}, false, fmt.Errorf("strategy store: load lease: %w", err)
	}
	lease.ExpiresAt = lease.ExpiresAt.UTC()
	return lease, false, nil
}

// ReleaseLease deletes the lease when owner still holds it.
func (s *StrategyStore) ReleaseLease(ctx context.Context, strategyID, owner string) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, leaseReleaseSQL, pgx.NamedArgs{"strategy_id": strategyID, "owner": owner}); err != nil {
		return fmt.Errorf("strategy store: release lease: %w", err)
	}
	return nil
}
