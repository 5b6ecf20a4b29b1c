package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/strategos/errs"
	"github.com/coachpo/strategos/internal/app/order"
	"github.com/coachpo/strategos/internal/app/provider"
	"github.com/coachpo/strategos/internal/app/strategy"
	"github.com/coachpo/strategos/internal/app/strategy/strategies"
	"github.com/coachpo/strategos/internal/domain/schema"
	"github.com/coachpo/strategos/internal/domain/strategystore"
	"github.com/coachpo/strategos/internal/domain/tradestore"
	"github.com/coachpo/strategos/internal/infra/persistence/memory"
	"github.com/coachpo/strategos/internal/numeric"
	"github.com/coachpo/strategos/lib/retry"
)

type fakeVenue struct {
	mu      sync.Mutex
	price   string
	err     error
	entered chan struct{}
	gate    chan struct{}
	calls   int
}

func (f *fakeVenue) RetrieveMarketData(ctx context.Context, req provider.MarketDataRequest) (provider.MarketData, error) {
	f.mu.Lock()
	f.calls++
	entered, gate, err, price := f.entered, f.gate, f.err, f.price
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return provider.MarketData{}, ctx.Err()
		}
	}
	if err != nil {
		return provider.MarketData{}, err
	}
	return provider.MarketData{Asset: req.Asset, Price: numeric.MustParse(price), AsOf: req.End}, nil
}

func (f *fakeVenue) PlaceOrder(_ context.Context, o schema.Order) (provider.PlaceOrderResult, error) {
	return provider.PlaceOrderResult{Status: provider.PlaceStatusSuccess, ExchangeOrderID: "ex-" + o.ID}, nil
}

func (f *fakeVenue) CancelOrder(context.Context, schema.Order) error { return nil }

func (f *fakeVenue) GetOrderStatus(_ context.Context, o schema.Order) (provider.OrderStatusReport, error) {
	return provider.OrderStatusReport{Status: o.Status, ExecutedQuantity: o.FilledQuantity}, nil
}

type fixture struct {
	ctx        context.Context
	trades     *memory.TradeStore
	strategies *memory.StrategyStore
	venue      *fakeVenue
	orders     *order.Manager
	registry   *strategy.Registry
	orch       *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ctx:        context.Background(),
		trades:     memory.NewTradeStore(),
		strategies: memory.NewStrategyStore(),
		venue:      &fakeVenue{price: "10"},
	}
	f.registry = strategy.NewRegistry()
	require.NoError(t, strategies.Register(f.registry))
	f.orders = order.NewManager(order.Config{ExchangeTimeout: time.Second}, f.trades, f.venue)
	f.orch = New(Config{Owner: "test", MarketDataTimeout: time.Second}, f.strategies, f.orders, f.venue, f.registry)
	t.Cleanup(f.orch.Close)
	_, err := f.orders.Ledger().Deposit(f.ctx, "acct", numeric.MustParse("100"))
	require.NoError(t, err)
	return f
}

func (f *fixture) addStrategy(t *testing.T, id string, status schema.StrategyStatus, cfg string) schema.Strategy {
	t.Helper()
	s := schema.Strategy{
		ID:        id,
		Name:      id,
		AccountID: "acct",
		Type:      strategies.DeterministicType,
		Asset:     "BTC",
		Schedule:  "@every 1m",
		Config:    json.RawMessage(cfg),
		Status:    status,
	}
	require.NoError(t, f.strategies.CreateStrategy(f.ctx, s))
	return s
}

func decodeResult(t *testing.T, exec schema.StrategyExecution) Result {
	t.Helper()
	var r Result
	require.NoError(t, json.Unmarshal(exec.Result, &r))
	return r
}

const oneBuy = `{"signals":[{"side":"BUY","quantity":"1","price":"10"}]}`

func TestExecuteCompletesAndPersistsState(t *testing.T) {
	f := newFixture(t)
	f.addStrategy(t, "s1", schema.StrategyStatusActive, oneBuy)

	exec, err := f.orch.Execute(f.ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	require.NotNil(t, exec.StartedAt)
	require.NotNil(t, exec.CompletedAt)

	result := decodeResult(t, exec)
	require.Len(t, result.Signals, 1)
	require.Len(t, result.Dispatched, 1)
	require.Empty(t, result.Rejected)

	var input Input
	require.NoError(t, json.Unmarshal(exec.Input, &input))
	require.Equal(t, ModeScheduled, input.Mode)
	require.Equal(t, "test", input.Owner)

	stored, err := f.strategies.GetStrategy(f.ctx, "s1")
	require.NoError(t, err)
	require.JSONEq(t, `{"version":1,"runs":1,"lastPrice":"10"}`, string(stored.State))

	second, err := f.orch.Execute(f.ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusCompleted, second.Status)
	stored, err = f.strategies.GetStrategy(f.ctx, "s1")
	require.NoError(t, err)
	require.Contains(t, string(stored.State), `"runs":2`)
}

func TestConcurrentExecutionIsRejected(t *testing.T) {
	f := newFixture(t)
	f.addStrategy(t, "s1", schema.StrategyStatusActive, oneBuy)
	f.venue.entered = make(chan struct{}, 1)
	f.venue.gate = make(chan struct{})

	first := make(chan schema.StrategyExecution, 1)
	go func() {
		exec, err := f.orch.Execute(f.ctx, "s1")
		if err != nil {
			t.Errorf("first execution: %v", err)
		}
		first <- exec
	}()
	<-f.venue.entered

	second, err := f.orch.Execute(f.ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusFailed, second.Status)
	require.Equal(t, AlreadyRunning, second.ErrorMessage)

	once, err := f.orch.RunOnce(f.ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusFailed, once.Status)

	close(f.venue.gate)
	done := <-first
	require.Equal(t, schema.ExecutionStatusCompleted, done.Status)

	orders, err := f.trades.ListOrders(f.ctx, tradestore.OrderQuery{StrategyID: "s1"})
	require.NoError(t, err)
	require.Len(t, orders, 1, "only one set of signals is dispatched")
	require.False(t, f.orch.Running("s1"))
}

func TestExecuteRequiresActiveStrategy(t *testing.T) {
	f := newFixture(t)
	f.addStrategy(t, "s1", schema.StrategyStatusStopped, oneBuy)

	_, err := f.orch.Execute(f.ctx, "s1")
	require.True(t, errs.IsCode(err, errs.CodeInvalid))

	exec, err := f.orch.RunOnce(f.ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusCompleted, exec.Status)

	_, err = f.orch.Execute(f.ctx, "missing")
	require.True(t, errs.IsCode(err, errs.CodeNotFound))
}

func TestMarketDataFailureFailsExecution(t *testing.T) {
	f := newFixture(t)
	f.addStrategy(t, "s1", schema.StrategyStatusActive, oneBuy)
	f.venue.err = errs.External("paper", "feed down", errors.New("eof"))

	exec, err := f.orch.Execute(f.ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	require.Contains(t, exec.ErrorMessage, "retrieve market data")
	require.NotNil(t, exec.FailedAt)

	orders, err := f.trades.ListOrders(f.ctx, tradestore.OrderQuery{StrategyID: "s1"})
	require.NoError(t, err)
	require.Empty(t, orders)

	f.venue.err = nil
	next, err := f.orch.Execute(f.ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusCompleted, next.Status, "failure does not wedge the strategy")
}

func TestSignalFailuresAreIsolated(t *testing.T) {
	f := newFixture(t)
	f.addStrategy(t, "s1", schema.StrategyStatusActive,
		`{"signals":[{"side":"BUY","quantity":"1000","price":"10"},{"side":"BUY","quantity":"1","price":"10"}]}`)

	exec, err := f.orch.Execute(f.ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	result := decodeResult(t, exec)
	require.Len(t, result.Dispatched, 1)
	require.Len(t, result.Rejected, 1)
	require.Equal(t, 0, result.Rejected[0].Index)
	require.Equal(t, string(errs.CodeInsufficientBalance), result.Rejected[0].Code)
}

func TestAbandonedOrdersAreCanceled(t *testing.T) {
	f := newFixture(t)
	f.addStrategy(t, "s1", schema.StrategyStatusActive,
		`{"signals":[{"side":"BUY","quantity":"1","price":"10"}],"abandonOpen":true,"maxRuns":1}`)

	first, err := f.orch.Execute(f.ctx, "s1")
	require.NoError(t, err)
	placed := decodeResult(t, first).Dispatched
	require.Len(t, placed, 1)

	second, err := f.orch.Execute(f.ctx, "s1")
	require.NoError(t, err)
	result := decodeResult(t, second)
	require.Equal(t, placed, result.Canceled)
	require.Empty(t, result.Dispatched)

	o, err := f.orders.GetOrder(f.ctx, placed[0])
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusCanceled, o.Status)
	w, err := f.orders.Ledger().Wallet(f.ctx, "acct")
	require.NoError(t, err)
	require.Equal(t, "100.00000000", numeric.Format(w.Free))
}

func TestForeignLeaseBlocksExecution(t *testing.T) {
	f := newFixture(t)
	f.addStrategy(t, "s1", schema.StrategyStatusActive, oneBuy)
	_, ok, err := f.strategies.AcquireLease(f.ctx, "s1", "other-process", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	exec, err := f.orch.Execute(f.ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	require.Equal(t, AlreadyRunning, exec.ErrorMessage)
	require.Zero(t, f.venue.calls)
}

func TestUnsupportedStateVersionFails(t *testing.T) {
	f := newFixture(t)
	s := f.addStrategy(t, "s1", schema.StrategyStatusActive, oneBuy)
	s.State = json.RawMessage(`{"version":42}`)
	require.NoError(t, f.strategies.UpdateStrategy(f.ctx, s))

	exec, err := f.orch.Execute(f.ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	require.Contains(t, exec.ErrorMessage, "restore state")
}

func TestRecoverInterrupted(t *testing.T) {
	f := newFixture(t)
	f.addStrategy(t, "s1", schema.StrategyStatusActive, oneBuy)
	f.addStrategy(t, "s2", schema.StrategyStatusActive, oneBuy)
	started := time.Now().UTC()
	require.NoError(t, f.strategies.CreateExecution(f.ctx, schema.StrategyExecution{
		ID: "stale", StrategyID: "s1", Status: schema.ExecutionStatusInProgress, CreatedAt: started, StartedAt: &started,
	}))
	require.NoError(t, f.strategies.CreateExecution(f.ctx, schema.StrategyExecution{
		ID: "foreign", StrategyID: "s2", Status: schema.ExecutionStatusInProgress, CreatedAt: started,
	}))
	_, ok, err := f.strategies.AcquireLease(f.ctx, "s2", "other-process", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := f.orch.RecoverInterrupted(f.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	stale, err := f.strategies.GetExecution(f.ctx, "stale")
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusFailed, stale.Status)
	require.Equal(t, InterruptedMessage, stale.ErrorMessage)
	foreign, err := f.strategies.GetExecution(f.ctx, "foreign")
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusInProgress, foreign.Status)

	exec, err := f.orch.Execute(f.ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusCompleted, exec.Status)

	history, err := f.strategies.ListExecutions(f.ctx, strategystore.ExecutionQuery{StrategyID: "s1"})
	require.NoError(t, err)
	require.Len(t, history, 2)
}

// flakyStrategies fails the next n writes of a finished execution.
type flakyStrategies struct {
	*memory.StrategyStore

	mu       sync.Mutex
	failures int
	attempts int
}

var errStorageBlip = errors.New("storage blip")

func (s *flakyStrategies) failNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

func (s *flakyStrategies) UpdateExecution(ctx context.Context, exec schema.StrategyExecution) error {
	s.mu.Lock()
	finished := exec.Status == schema.ExecutionStatusCompleted || exec.Status == schema.ExecutionStatusFailed
	if finished && s.failures > 0 {
		s.failures--
		s.attempts++
		s.mu.Unlock()
		return errStorageBlip
	}
	s.mu.Unlock()
	return s.StrategyStore.UpdateExecution(ctx, exec)
}

func (f *fixture) withFlakyStrategies(t *testing.T) *flakyStrategies {
	t.Helper()
	flaky := &flakyStrategies{StrategyStore: f.strategies}
	f.orch = New(Config{Owner: "test", MarketDataTimeout: time.Second}, flaky, f.orders, f.venue, f.registry,
		WithRetryPolicy(retry.Policy{Attempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}))
	t.Cleanup(f.orch.Close)
	return flaky
}

func TestCompletionWriteIsRetried(t *testing.T) {
	f := newFixture(t)
	flaky := f.withFlakyStrategies(t)
	f.addStrategy(t, "s1", schema.StrategyStatusActive, oneBuy)
	flaky.failNext(1)

	exec, err := f.orch.Execute(f.ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	require.Equal(t, 1, flaky.attempts)

	stored, err := f.strategies.GetExecution(f.ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusCompleted, stored.Status)

	next, err := f.orch.Execute(f.ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusCompleted, next.Status)
}

func TestCompletionWriteFallsBackToFailure(t *testing.T) {
	f := newFixture(t)
	flaky := f.withFlakyStrategies(t)
	f.addStrategy(t, "s1", schema.StrategyStatusActive, oneBuy)
	flaky.failNext(2)

	exec, err := f.orch.Execute(f.ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	require.Contains(t, exec.ErrorMessage, "complete execution")
	require.Nil(t, exec.CompletedAt)

	stored, err := f.strategies.GetExecution(f.ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusFailed, stored.Status)
}

func TestUnrecordedOutcomeDoesNotBlockLaterRuns(t *testing.T) {
	f := newFixture(t)
	flaky := f.withFlakyStrategies(t)
	f.addStrategy(t, "s1", schema.StrategyStatusActive, oneBuy)
	flaky.failNext(4)

	lost, err := f.orch.Execute(f.ctx, "s1")
	require.ErrorIs(t, err, errStorageBlip)
	stored, err := f.strategies.GetExecution(f.ctx, lost.ID)
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusInProgress, stored.Status)

	for i := 0; i < 3; i++ {
		exec, err := f.orch.Execute(f.ctx, "s1")
		require.NoError(t, err)
		require.Equal(t, schema.ExecutionStatusCompleted, exec.Status, "run %d", i)
	}
	stored, err = f.strategies.GetExecution(f.ctx, lost.ID)
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusFailed, stored.Status)
	require.Equal(t, InterruptedMessage, stored.ErrorMessage)
}

func TestExpiredForeignRunIsTakenOver(t *testing.T) {
	f := newFixture(t)
	f.addStrategy(t, "s1", schema.StrategyStatusActive, oneBuy)
	started := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, f.strategies.CreateExecution(f.ctx, schema.StrategyExecution{
		ID: "crashed", StrategyID: "s1", Status: schema.ExecutionStatusInProgress, CreatedAt: started, StartedAt: &started,
	}))
	_, ok, err := f.strategies.AcquireLease(f.ctx, "s1", "other-process", time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	time.Sleep(5 * time.Millisecond)

	exec, err := f.orch.Execute(f.ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusCompleted, exec.Status)

	crashed, err := f.strategies.GetExecution(f.ctx, "crashed")
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusFailed, crashed.Status)
	require.Equal(t, InterruptedMessage, crashed.ErrorMessage)
}
