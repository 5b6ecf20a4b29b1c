package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/strategos/errs"
	"github.com/coachpo/strategos/internal/domain/schema"
	"github.com/coachpo/strategos/internal/domain/strategystore"
)

func TestStrategyStoreRejectsDuplicateName(t *testing.T) {
	ctx := context.Background()
	store := NewStrategyStore()
	require.NoError(t, store.CreateStrategy(ctx, schema.Strategy{ID: "1", Name: "MA"}))
	err := store.CreateStrategy(ctx, schema.Strategy{ID: "2", Name: "ma"})
	require.True(t, errs.IsCode(err, errs.CodeAlreadyExists))
}

func TestStrategyStoreListFiltersArchived(t *testing.T) {
	ctx := context.Background()
	store := NewStrategyStore()
	now := time.Now()
	require.NoError(t, store.CreateStrategy(ctx, schema.Strategy{ID: "1", Name: "a", Status: schema.StrategyStatusActive, CreatedAt: now}))
	require.NoError(t, store.CreateStrategy(ctx, schema.Strategy{ID: "2", Name: "b", Archived: true, CreatedAt: now.Add(time.Second)}))
	require.NoError(t, store.CreateStrategy(ctx, schema.Strategy{ID: "3", Name: "c", Status: schema.StrategyStatusStopped, CreatedAt: now.Add(2 * time.Second)}))

	all, err := store.ListStrategies(ctx, strategystore.StrategyQuery{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	active, err := store.ListStrategies(ctx, strategystore.StrategyQuery{Status: schema.StrategyStatusActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "1", active[0].ID)
}

func TestStrategyStoreExecutionsNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewStrategyStore()
	require.NoError(t, store.CreateExecution(ctx, schema.StrategyExecution{ID: "e1", StrategyID: "s", Status: schema.ExecutionStatusCompleted}))
	require.NoError(t, store.CreateExecution(ctx, schema.StrategyExecution{ID: "e2", StrategyID: "s", Status: schema.ExecutionStatusInProgress}))

	list, err := store.ListExecutions(ctx, strategystore.ExecutionQuery{StrategyID: "s"})
	require.NoError(t, err)
	require.Equal(t, "e2", list[0].ID)

	active, err := store.ListExecutions(ctx, strategystore.ExecutionQuery{
		StrategyID: "s",
		Statuses:   []schema.ExecutionStatus{schema.ExecutionStatusPending, schema.ExecutionStatusInProgress},
	})
	require.NoError(t, err)
	require.Len(t, active, 1)

	_, err = store.GetExecution(ctx, "missing")
	require.True(t, errs.IsCode(err, errs.CodeNotFound))
}

func TestStrategyStoreLeaseExclusivity(t *testing.T) {
	ctx := context.Background()
	store := NewStrategyStore()
	current := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return current }

	_, ok, err := store.AcquireLease(ctx, "s", "node-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	held, ok, err := store.AcquireLease(ctx, "s", "node-b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, "node-a", held.Owner)

	_, ok, err = store.AcquireLease(ctx, "s", "node-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "owner renews its own lease")

	current = current.Add(2 * time.Minute)
	_, ok, err = store.AcquireLease(ctx, "s", "node-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "expired lease is taken over")

	require.NoError(t, store.ReleaseLease(ctx, "s", "node-a"))
	_, ok, _ = store.AcquireLease(ctx, "s", "node-a", time.Minute)
	require.False(t, ok, "release by non-owner is a no-op")

	require.NoError(t, store.ReleaseLease(ctx, "s", "node-b"))
	_, ok, _ = store.AcquireLease(ctx, "s", "node-a", time.Minute)
	require.True(t, ok)
}
