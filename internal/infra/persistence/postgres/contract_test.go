package postgres_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	dbmigrations "github.com/coachpo/strategos/db/migrations"
	"github.com/coachpo/strategos/errs"
	"github.com/coachpo/strategos/internal/domain/schema"
	"github.com/coachpo/strategos/internal/domain/strategystore"
	"github.com/coachpo/strategos/internal/domain/tradestore"
	"github.com/coachpo/strategos/internal/infra/persistence/migrations"
	pgstore "github.com/coachpo/strategos/internal/infra/persistence/postgres"
)

var (
	dbOnce sync.Once
	dbPool *pgxpool.Pool
	dbErr  error
)

// testPool starts one postgres container per test binary and applies the embedded migrations.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres contract tests skipped in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	dbOnce.Do(func() {
		ctx := context.Background()
		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "postgres:16-alpine",
				Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "strategos"},
				ExposedPorts: []string{"5432/tcp"},
				WaitingFor: wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).WithStartupTimeout(90 * time.Second),
			},
			Started: true,
		})
		if err != nil {
			dbErr = fmt.Errorf("start postgres: %w", err)
			return
		}
		host, err := container.Host(ctx)
		if err != nil {
			dbErr = err
			return
		}
		port, err := container.MappedPort(ctx, "5432/tcp")
		if err != nil {
			dbErr = err
			return
		}
		dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/strategos?sslmode=disable", host, port.Port())
		if err := migrations.ApplySource(ctx, dsn, migrations.Embedded(dbmigrations.Files), zap.NewNop()); err != nil {
			dbErr = fmt.Errorf("apply migrations: %w", err)
			return
		}
		dbPool, dbErr = pgstore.Connect(ctx, dsn, pgstore.PoolConfig{MaxConns: 8})
	})
	require.NoError(t, dbErr)
	return dbPool
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestTradeStoreWalletVersioning(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	store := pgstore.NewTradeStore(pool)
	account := "acct-" + uuid.NewString()

	require.NoError(t, store.CreateWallet(ctx, schema.Wallet{ID: uuid.NewString(), AccountID: account, Free: dec("100")}))
	err := store.CreateWallet(ctx, schema.Wallet{ID: uuid.NewString(), AccountID: account})
	require.True(t, errs.IsCode(err, errs.CodeAlreadyExists))

	wallet, err := store.GetWallet(ctx, account)
	require.NoError(t, err)
	require.Equal(t, int64(1), wallet.Version)
	require.True(t, wallet.Free.Equal(dec("100")))

	wallet.Free = dec("60")
	wallet.Reserved = dec("40")
	saved, err := store.SaveWallet(ctx, wallet)
	require.NoError(t, err)
	require.Equal(t, int64(2), saved.Version)

	_, err = store.SaveWallet(ctx, wallet)
	require.True(t, errs.IsCode(err, errs.CodeConflict))

	_, err = store.SaveWallet(ctx, schema.Wallet{AccountID: "missing-" + uuid.NewString(), Version: 1})
	require.True(t, errs.IsCode(err, errs.CodeNotFound))

	saved.Free = dec("-1")
	_, err = store.SaveWallet(ctx, saved)
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
}

func TestTradeStoreTransactionRollsBack(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	store := pgstore.NewTradeStore(pool)
	account := "acct-" + uuid.NewString()
	require.NoError(t, store.CreateWallet(ctx, schema.Wallet{ID: uuid.NewString(), AccountID: account, Free: dec("10")}))

	boom := fmt.Errorf("boom")
	err := store.WithTransaction(ctx, func(ctx context.Context, tx tradestore.Tx) error {
		w, err := tx.GetWallet(ctx, account)
		if err != nil {
			return err
		}
		w.Free = dec("0")
		if _, err := tx.SaveWallet(ctx, w); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	wallet, err := store.GetWallet(ctx, account)
	require.NoError(t, err)
	require.True(t, wallet.Free.Equal(dec("10")))
	require.Equal(t, int64(1), wallet.Version)
}

func TestTradeStoreOrdersAndPositions(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	store := pgstore.NewTradeStore(pool)
	account := "acct-" + uuid.NewString()
	strategyID := uuid.NewString()

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, side := range []schema.Side{schema.SideBuy, schema.SideSell, schema.SideBuy} {
		require.NoError(t, store.CreateOrder(ctx, schema.Order{
			ID:         fmt.Sprintf("%s-%d", strategyID, i),
			StrategyID: strategyID,
			AccountID:  account,
			Side:       side,
			Type:       schema.OrderTypeLimit,
			Asset:      "BTC",
			Quantity:   dec("1.5"),
			Price:      dec("100.12345678"),
			Status:     schema.OrderStatusPending,
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}))
	}
	orders, err := store.ListOrders(ctx, tradestore.OrderQuery{StrategyID: strategyID, Side: schema.SideBuy})
	require.NoError(t, err)
	require.Len(t, orders, 2)
	require.Equal(t, strategyID+"-0", orders[0].ID)
	require.True(t, orders[0].Price.Equal(dec("100.12345678")))

	order := orders[1]
	order.Status = schema.OrderStatusFilled
	order.FilledQuantity = order.Quantity
	order.AverageFillPrice = order.Price
	executed := time.Now().UTC()
	order.ExecutedAt = &executed
	require.NoError(t, store.UpdateOrder(ctx, order))

	open, err := store.ListOrders(ctx, tradestore.OrderQuery{StrategyID: strategyID, Statuses: schema.OpenStatuses()})
	require.NoError(t, err)
	require.Len(t, open, 2)

	got, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusFilled, got.Status)
	require.NotNil(t, got.ExecutedAt)

	_, err = store.GetOrder(ctx, "missing")
	require.True(t, errs.IsCode(err, errs.CodeNotFound))

	require.NoError(t, store.CreatePosition(ctx, schema.Position{ID: uuid.NewString(), AccountID: account, Asset: "BTC"}))
	position, err := store.GetPosition(ctx, account, "BTC")
	require.NoError(t, err)
	require.False(t, position.AverageEntryPrice.Valid)
	require.Equal(t, int64(1), position.Version)

	position.TotalQuantity = dec("1.5")
	position.AverageEntryPrice = decimal.NewNullDecimal(dec("100"))
	position, err = store.SavePosition(ctx, position)
	require.NoError(t, err)
	require.Equal(t, int64(2), position.Version)

	positions, err := store.ListPositions(ctx, account)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.True(t, positions[0].AverageEntryPrice.Decimal.Equal(dec("100")))
}

func TestStrategyStoreContract(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	store := pgstore.NewStrategyStore(pool)
	name := "momentum-" + uuid.NewString()

	strategy := schema.Strategy{
		ID:        uuid.NewString(),
		Name:      name,
		AccountID: "acct",
		Type:      "deterministic",
		Asset:     "BTC",
		Schedule:  "@every 1m",
		Config:    []byte(`{"maxRuns":2}`),
		Status:    schema.StrategyStatusStopped,
	}
	require.NoError(t, store.CreateStrategy(ctx, strategy))

	dup := strategy
	dup.ID = uuid.NewString()
	dup.Name = "MOMENTUM-" + name[len("momentum-"):]
	require.True(t, errs.IsCode(store.CreateStrategy(ctx, dup), errs.CodeAlreadyExists))

	strategy.State = []byte(`{"runs":1}`)
	strategy.Status = schema.StrategyStatusActive
	require.NoError(t, store.UpdateStrategy(ctx, strategy))
	loaded, err := store.GetStrategy(ctx, strategy.ID)
	require.NoError(t, err)
	require.Equal(t, schema.StrategyStatusActive, loaded.Status)
	require.JSONEq(t, `{"runs":1}`, string(loaded.State))

	active, err := store.ListStrategies(ctx, strategystore.StrategyQuery{Status: schema.StrategyStatusActive})
	require.NoError(t, err)
	require.NotEmpty(t, active)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.CreateExecution(ctx, schema.StrategyExecution{
			ID:         fmt.Sprintf("%s-exec-%d", strategy.ID, i),
			StrategyID: strategy.ID,
			Status:     schema.ExecutionStatusCompleted,
			CreatedAt:  time.Now().UTC().Add(time.Duration(i) * time.Second),
		}))
	}
	executions, err := store.ListExecutions(ctx, strategystore.ExecutionQuery{StrategyID: strategy.ID, Limit: 2})
	require.NoError(t, err)
	require.Len(t, executions, 2)
	require.Equal(t, strategy.ID+"-exec-2", executions[0].ID)

	lease, ok, err := store.AcquireLease(ctx, strategy.ID, "node-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "node-a", lease.Owner)

	held, ok, err := store.AcquireLease(ctx, strategy.ID, "node-b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, "node-a", held.Owner)

	require.NoError(t, store.ReleaseLease(ctx, strategy.ID, "node-b"))
	_, ok, _ = store.AcquireLease(ctx, strategy.ID, "node-b", time.Minute)
	require.False(t, ok)

	require.NoError(t, store.ReleaseLease(ctx, strategy.ID, "node-a"))
	_, ok, err = store.AcquireLease(ctx, strategy.ID, "node-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}
