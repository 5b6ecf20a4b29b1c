package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/strategos/errs"
	"github.com/coachpo/strategos/internal/domain/schema"
)

type countingRunner struct {
	mu    sync.Mutex
	calls map[string]int
	panic atomic.Bool
	block chan struct{}
}

func newCountingRunner() *countingRunner {
	return &countingRunner{calls: make(map[string]int)}
}

func (r *countingRunner) Execute(_ context.Context, strategyID string) (schema.StrategyExecution, error) {
	r.mu.Lock()
	r.calls[strategyID]++
	block := r.block
	r.mu.Unlock()
	if block != nil {
		<-block
	}
	if r.panic.Load() {
		panic("boom")
	}
	return schema.StrategyExecution{StrategyID: strategyID, Status: schema.ExecutionStatusFailed}, errors.New("ignored")
}

func (r *countingRunner) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

func TestValidateExpression(t *testing.T) {
	for _, expr := range []string{"*/5 * * * *", "*/2 * * * * *", "@every 30s", "@hourly"} {
		require.NoError(t, ValidateExpression(expr), expr)
	}
	for _, expr := range []string{"", "not a cron", "61 * * * *"} {
		require.True(t, errs.IsCode(ValidateExpression(expr), errs.CodeInvalid), expr)
	}
}

func TestScheduleBookkeeping(t *testing.T) {
	s := New(newCountingRunner())
	require.NoError(t, s.Schedule("a", "@every 1h"))
	require.True(t, s.IsScheduled("a"))

	err := s.Schedule("a", "@every 1m")
	require.True(t, errs.IsCode(err, errs.CodeAlreadyScheduled))

	require.True(t, errs.IsCode(s.Schedule("b", "bogus"), errs.CodeInvalid))
	require.False(t, s.IsScheduled("b"))

	entries := s.Scheduled()
	require.Len(t, entries, 1)
	require.Equal(t, "@every 1h", entries[0].Expression)

	require.NoError(t, s.Unschedule("a"))
	require.True(t, errs.IsCode(s.Unschedule("a"), errs.CodeNotFound))
	require.Empty(t, s.Scheduled())
}

func TestFiresSurvivePanicsAndErrors(t *testing.T) {
	runner := newCountingRunner()
	runner.panic.Store(true)
	s := New(runner)
	require.NoError(t, s.Schedule("a", "@every 1s"))
	s.Start()
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	require.Eventually(t, func() bool { return runner.count("a") >= 2 }, 5*time.Second, 50*time.Millisecond)
}

func TestStopWaitsForInFlightRuns(t *testing.T) {
	runner := newCountingRunner()
	runner.block = make(chan struct{})
	s := New(runner)
	require.NoError(t, s.Schedule("a", "@every 1s"))
	s.Start()
	require.Eventually(t, func() bool { return runner.count("a") >= 1 }, 5*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.Error(t, s.Stop(ctx), "in-flight run still blocked")

	close(runner.block)
	require.NoError(t, s.Stop(context.Background()))
}
