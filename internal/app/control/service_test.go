package control

import (
	"context"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/strategos/errs"
	"github.com/coachpo/strategos/internal/app/orchestrator"
	"github.com/coachpo/strategos/internal/app/order"
	"github.com/coachpo/strategos/internal/app/scheduler"
	"github.com/coachpo/strategos/internal/app/strategy"
	"github.com/coachpo/strategos/internal/app/strategy/strategies"
	"github.com/coachpo/strategos/internal/domain/schema"
	"github.com/coachpo/strategos/internal/domain/strategystore"
	"github.com/coachpo/strategos/internal/infra/adapters/paper"
	"github.com/coachpo/strategos/internal/infra/persistence/memory"
	"github.com/coachpo/strategos/internal/numeric"
)

type fixture struct {
	ctx        context.Context
	strategies *memory.StrategyStore
	venue      *paper.Exchange
	sched      *scheduler.Scheduler
	svc        *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ctx:        context.Background(),
		strategies: memory.NewStrategyStore(),
		venue:      paper.New(paper.Options{}),
	}
	reg := strategy.NewRegistry()
	require.NoError(t, strategies.Register(reg))
	orders := order.NewManager(order.Config{ExchangeTimeout: time.Second}, memory.NewTradeStore(), f.venue)
	orch := orchestrator.New(orchestrator.Config{Owner: "test"}, f.strategies, orders, f.venue, reg)
	t.Cleanup(orch.Close)
	f.sched = scheduler.New(orch)
	f.svc = NewService(f.strategies, orders, reg, orch, f.sched)
	return f
}

func deterministic(name, cfg string) CreateRequest {
	return CreateRequest{
		Name:      name,
		AccountID: "acct",
		Type:      strategies.DeterministicType,
		Asset:     "btc",
		Schedule:  "@every 1m",
		Config:    json.RawMessage(cfg),
	}
}

func TestCreateStrategyValidation(t *testing.T) {
	f := newFixture(t)

	s, err := f.svc.CreateStrategy(f.ctx, deterministic("alpha", ""))
	require.NoError(t, err)
	require.Equal(t, schema.StrategyStatusStopped, s.Status)
	require.Equal(t, "BTC", s.Asset)
	require.NotEmpty(t, s.ID)

	_, err = f.svc.CreateStrategy(f.ctx, deterministic("ALPHA", ""))
	require.True(t, errs.IsCode(err, errs.CodeAlreadyExists))

	req := deterministic("beta", "")
	req.Type = "nope"
	_, err = f.svc.CreateStrategy(f.ctx, req)
	require.True(t, errs.IsCode(err, errs.CodeNotFound))

	_, err = f.svc.CreateStrategy(f.ctx, deterministic("beta", `{"maxRuns":-1}`))
	require.True(t, errs.IsCode(err, errs.CodeInvalid))

	req = deterministic("gamma", "")
	req.Schedule = "every now and then"
	_, err = f.svc.CreateStrategy(f.ctx, req)
	require.True(t, errs.IsCode(err, errs.CodeInvalid))

	req = deterministic("delta", "")
	req.AccountID = " "
	_, err = f.svc.CreateStrategy(f.ctx, req)
	require.True(t, errs.IsCode(err, errs.CodeInvalid))

	wallet, err := f.svc.Portfolio(f.ctx, "acct")
	require.NoError(t, err)
	require.True(t, wallet.Wallet.Free.IsZero(), "wallet created empty")
}

func TestStartStopLifecycle(t *testing.T) {
	f := newFixture(t)
	req := deterministic("alpha", "")
	req.Start = true
	s, err := f.svc.CreateStrategy(f.ctx, req)
	require.NoError(t, err)
	require.Equal(t, schema.StrategyStatusActive, s.Status)
	require.True(t, f.sched.IsScheduled(s.ID))

	again, err := f.svc.StartStrategy(f.ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, schema.StrategyStatusActive, again.Status)

	stopped, err := f.svc.StopStrategy(f.ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, schema.StrategyStatusStopped, stopped.Status)
	require.False(t, f.sched.IsScheduled(s.ID))

	_, err = f.svc.StopStrategy(f.ctx, s.ID)
	require.NoError(t, err)

	_, err = f.svc.StartStrategy(f.ctx, "missing")
	require.True(t, errs.IsCode(err, errs.CodeNotFound))
}

func TestRunOnceAndQueries(t *testing.T) {
	f := newFixture(t)
	f.venue.SetPrice("BTC", numeric.MustParse("10"))
	_, err := f.svc.Deposit(f.ctx, "acct", numeric.MustParse("100"))
	require.NoError(t, err)

	s, err := f.svc.CreateStrategy(f.ctx, deterministic("alpha", `{"signals":[{"side":"BUY","quantity":"2","price":"10"}]}`))
	require.NoError(t, err)

	exec, err := f.svc.RunOnce(f.ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusCompleted, exec.Status)

	orders, err := f.svc.ListOrders(f.ctx, s.ID, nil, 0)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, schema.OrderStatusPending, orders[0].Status)

	got, err := f.svc.GetOrder(f.ctx, orders[0].ID)
	require.NoError(t, err)
	require.Equal(t, orders[0].ID, got.ID)

	portfolio, err := f.svc.Portfolio(f.ctx, "acct")
	require.NoError(t, err)
	require.True(t, portfolio.Wallet.Free.Equal(numeric.MustParse("80")))
	require.True(t, portfolio.Wallet.Reserved.Equal(numeric.MustParse("20")))

	execs, err := f.svc.ListExecutions(f.ctx, s.ID, 10)
	require.NoError(t, err)
	require.Len(t, execs, 1)

	_, err = f.svc.ListExecutions(f.ctx, "missing", 10)
	require.True(t, errs.IsCode(err, errs.CodeNotFound))

	_, err = f.svc.Withdraw(f.ctx, "acct", numeric.MustParse("500"))
	require.True(t, errs.IsCode(err, errs.CodeInsufficientBalance))
}

func TestArchiveRequiresFlatStrategy(t *testing.T) {
	f := newFixture(t)
	f.venue.SetPrice("BTC", numeric.MustParse("10"))
	_, err := f.svc.Deposit(f.ctx, "acct", numeric.MustParse("100"))
	require.NoError(t, err)

	// The first run places the BUY; the second polls it to FILLED and emits nothing.
	s, err := f.svc.CreateStrategy(f.ctx, deterministic("alpha",
		`{"signals":[{"side":"BUY","quantity":"1","price":"10"}],"maxRuns":1}`))
	require.NoError(t, err)

	_, err = f.svc.RunOnce(f.ctx, s.ID)
	require.NoError(t, err)
	_, err = f.svc.ArchiveStrategy(f.ctx, s.ID)
	require.True(t, errs.IsCode(err, errs.CodeInvalid), "open order blocks archive")

	_, err = f.svc.RunOnce(f.ctx, s.ID)
	require.NoError(t, err)
	_, err = f.svc.ArchiveStrategy(f.ctx, s.ID)
	require.True(t, errs.IsCode(err, errs.CodeInvalid), "held position blocks archive")

	flat, err := f.svc.CreateStrategy(f.ctx, CreateRequest{
		Name: "flat", AccountID: "other", Type: strategies.DeterministicType,
		Asset: "ETH", Schedule: "@hourly", Start: true,
	})
	require.NoError(t, err)
	archived, err := f.svc.ArchiveStrategy(f.ctx, flat.ID)
	require.NoError(t, err)
	require.True(t, archived.Archived)
	require.Equal(t, schema.StrategyStatusStopped, archived.Status)
	require.False(t, f.sched.IsScheduled(flat.ID))

	listed, err := f.svc.ListStrategies(f.ctx, strategystore.StrategyQuery{})
	require.NoError(t, err)
	require.Len(t, listed, 1)

	_, err = f.svc.StartStrategy(f.ctx, flat.ID)
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
}

func TestRestoreSchedules(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"a", "b"} {
		require.NoError(t, f.strategies.CreateStrategy(f.ctx, schema.Strategy{
			ID: id, Name: id, AccountID: "acct", Type: strategies.DeterministicType,
			Asset: "BTC", Schedule: "@every 1m", Status: schema.StrategyStatusActive,
		}))
	}
	require.NoError(t, f.strategies.CreateStrategy(f.ctx, schema.Strategy{
		ID: "c", Name: "c", AccountID: "acct", Type: strategies.DeterministicType,
		Asset: "BTC", Schedule: "@every 1m", Status: schema.StrategyStatusStopped,
	}))

	n, err := f.svc.RestoreSchedules(f.ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.True(t, f.sched.IsScheduled("a"))
	require.True(t, f.sched.IsScheduled("b"))
	require.False(t, f.sched.IsScheduled("c"))

	n, err = f.svc.RestoreSchedules(f.ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestTypes(t *testing.T) {
	f := newFixture(t)
	types := f.svc.Types()
	require.Len(t, types, 2)
	require.Equal(t, strategies.DeterministicType, types[0].Name)
}
