package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/coachpo/strategos/errs"
	"github.com/coachpo/strategos/internal/app/order"
	"github.com/coachpo/strategos/internal/app/provider"
	"github.com/coachpo/strategos/internal/app/strategy"
	"github.com/coachpo/strategos/internal/domain/schema"
	"github.com/coachpo/strategos/internal/domain/strategystore"
	"github.com/coachpo/strategos/internal/numeric"
	"github.com/coachpo/strategos/lib/retry"
)

// Mode distinguishes scheduled executions from one-shot runs.
type Mode string

const (
	ModeScheduled Mode = "scheduled"
	ModeOnce      Mode = "once"
)

// Input is the snapshot stored on the execution when it starts.
type Input struct {
	Mode       Mode            `json:"mode"`
	Owner      string          `json:"owner"`
	StrategyID string          `json:"strategyId"`
	Type       string          `json:"type"`
	Asset      string          `json:"asset"`
	Config     json.RawMessage `json:"config,omitempty"`
	State      json.RawMessage `json:"state,omitempty"`
}

// Rejection records a signal that did not become an open order.
type Rejection struct {
	Index   int    `json:"index"`
	OrderID string `json:"orderId,omitempty"`
	Code    string `json:"code,omitempty"`
	Reason  string `json:"reason"`
}

// Result is the snapshot stored on a completed execution.
type Result struct {
	Signals    []schema.TradeSignal `json:"signals"`
	State      json.RawMessage      `json:"state,omitempty"`
	Dispatched []string             `json:"dispatched"`
	Rejected   []Rejection          `json:"rejected"`
	Canceled   []string             `json:"canceled,omitempty"`
	Poll       order.PollReport     `json:"poll"`
}

// Execute runs a scheduled execution. The strategy must be ACTIVE.
func (o *Orchestrator) Execute(ctx context.Context, strategyID string) (schema.StrategyExecution, error) {
	s, err := o.strategies.GetStrategy(ctx, strategyID)
	if err != nil {
		return schema.StrategyExecution{}, err
	}
	if s.Archived || s.Status != schema.StrategyStatusActive {
		return schema.StrategyExecution{}, errs.Validation(component, "strategy is not active",
			errs.WithDetail("strategy", strategyID),
			errs.WithDetail("status", string(s.Status)))
	}
	inst, err := o.instance(s)
	if err != nil {
		return schema.StrategyExecution{}, err
	}
	return o.run(ctx, s, inst, ModeScheduled)
}

// RunOnce executes the strategy once on a fresh instance, regardless of schedule.
func (o *Orchestrator) RunOnce(ctx context.Context, strategyID string) (schema.StrategyExecution, error) {
	s, err := o.strategies.GetStrategy(ctx, strategyID)
	if err != nil {
		return schema.StrategyExecution{}, err
	}
	if s.Archived {
		return schema.StrategyExecution{}, errs.Validation(component, "strategy is archived", errs.WithDetail("strategy", strategyID))
	}
	inst, err := o.registry.New(s.Type, s.Config)
	if err != nil {
		return schema.StrategyExecution{}, fmt.Errorf("instantiate strategy %s: %w", s.ID, err)
	}
	defer closeInstance(inst)
	return o.run(ctx, s, inst, ModeOnce)
}

func (o *Orchestrator) run(ctx context.Context, s schema.Strategy, inst strategy.Strategy, mode Mode) (schema.StrategyExecution, error) {
	started := o.now()
	exec := schema.StrategyExecution{
		ID:         uuid.NewString(),
		StrategyID: s.ID,
		Status:     schema.ExecutionStatusPending,
		CreatedAt:  started.UTC(),
	}
	if err := o.strategies.CreateExecution(ctx, exec); err != nil {
		return exec, fmt.Errorf("create execution: %w", err)
	}
	logger := o.logger.With(zap.String("strategy", s.ID), zap.String("execution", exec.ID), zap.String("mode", string(mode)))

	release, err := o.guard(ctx, exec)
	if err != nil {
		if errs.IsCode(err, errs.CodeConflict) {
			logger.Warn("execution rejected", zap.Error(err))
			return o.fail(ctx, exec, started, AlreadyRunning)
		}
		return o.fail(ctx, exec, started, err.Error())
	}
	defer release()

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.RunTimeout)
	defer cancel()

	input, err := json.Marshal(Input{
		Mode:       mode,
		Owner:      o.cfg.Owner,
		StrategyID: s.ID,
		Type:       s.Type,
		Asset:      s.Asset,
		Config:     s.Config,
		State:      s.State,
	})
	if err != nil {
		return o.fail(ctx, exec, started, fmt.Sprintf("encode input: %v", err))
	}
	now := o.now().UTC()
	exec.Status = schema.ExecutionStatusInProgress
	exec.Input = input
	exec.StartedAt = &now
	if err := o.writeExecution(ctx, exec); err != nil {
		return o.fail(ctx, exec, started, fmt.Sprintf("start execution: %v", err))
	}

	result, err := o.steps(runCtx, s, inst, logger)
	if err != nil {
		logger.Error("execution failed", zap.Error(err))
		return o.fail(ctx, exec, started, err.Error())
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return o.fail(ctx, exec, started, fmt.Sprintf("encode result: %v", err))
	}
	done := o.now().UTC()
	exec.Status = schema.ExecutionStatusCompleted
	exec.Result = raw
	exec.CompletedAt = &done
	if err := o.writeExecution(ctx, exec); err != nil {
		logger.Error("complete execution", zap.Error(err))
		exec.Result = nil
		exec.CompletedAt = nil
		return o.fail(ctx, exec, started, fmt.Sprintf("complete execution: %v", err))
	}
	o.record(ctx, exec, started)
	logger.Info("execution completed",
		zap.Int("signals", len(result.Signals)),
		zap.Int("dispatched", len(result.Dispatched)),
		zap.Int("rejected", len(result.Rejected)),
		zap.Int("canceled", len(result.Canceled)))
	return exec, nil
}

// guard admits exec only when no other execution of the strategy is in flight
// in this process or under another lease owner. Once the lease is held, other
// IN_PROGRESS records of the strategy belong to runs that ended without
// recording an outcome and are failed as interrupted. PENDING records are not
// inspected: every competing tick creates one before reaching the lease.
func (o *Orchestrator) guard(ctx context.Context, exec schema.StrategyExecution) (func(), error) {
	busy := func(reason string) error {
		return errs.New(component, errs.CodeConflict,
			errs.WithMessage(AlreadyRunning),
			errs.WithDetail("strategy", exec.StrategyID),
			errs.WithDetail("holder", reason))
	}
	if !o.claim(exec.StrategyID) {
		return nil, busy("process")
	}
	_, ok, err := o.strategies.AcquireLease(ctx, exec.StrategyID, o.cfg.Owner, o.cfg.LeaseTTL)
	if err != nil {
		o.unclaim(exec.StrategyID)
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		o.unclaim(exec.StrategyID)
		return nil, busy("lease")
	}
	release := func() {
		if err := o.strategies.ReleaseLease(context.WithoutCancel(ctx), exec.StrategyID, o.cfg.Owner); err != nil {
			o.logger.Warn("release lease", zap.String("strategy", exec.StrategyID), zap.Error(err))
		}
		o.unclaim(exec.StrategyID)
	}
	running, err := o.strategies.ListExecutions(ctx, strategystore.ExecutionQuery{
		StrategyID: exec.StrategyID,
		Statuses:   []schema.ExecutionStatus{schema.ExecutionStatusInProgress},
	})
	if err != nil {
		release()
		return nil, fmt.Errorf("list running executions: %w", err)
	}
	for _, other := range running {
		if other.ID == exec.ID {
			continue
		}
		if err := o.interrupt(ctx, other); err != nil {
			release()
			return nil, err
		}
		o.logger.Warn("failed interrupted execution",
			zap.String("strategy", exec.StrategyID),
			zap.String("execution", other.ID))
	}
	return release, nil
}

func (o *Orchestrator) interrupt(ctx context.Context, exec schema.StrategyExecution) error {
	now := o.now().UTC()
	exec.Status = schema.ExecutionStatusFailed
	exec.ErrorMessage = InterruptedMessage
	exec.FailedAt = &now
	if err := o.writeExecution(ctx, exec); err != nil {
		return fmt.Errorf("fail interrupted execution %s: %w", exec.ID, err)
	}
	return nil
}

// writeExecution persists exec, retrying transient storage failures.
func (o *Orchestrator) writeExecution(ctx context.Context, exec schema.StrategyExecution) error {
	return retry.Do(context.WithoutCancel(ctx), o.retry, retry.Transient, func(ctx context.Context) error {
		return o.strategies.UpdateExecution(ctx, exec)
	})
}

// fail records exec as FAILED with msg. The returned error is non-nil only when
// the failure itself cannot be persisted.
func (o *Orchestrator) fail(ctx context.Context, exec schema.StrategyExecution, started time.Time, msg string) (schema.StrategyExecution, error) {
	now := o.now().UTC()
	exec.Status = schema.ExecutionStatusFailed
	exec.ErrorMessage = msg
	exec.FailedAt = &now
	if err := o.writeExecution(ctx, exec); err != nil {
		return exec, fmt.Errorf("fail execution %s: %w", exec.ID, err)
	}
	o.record(ctx, exec, started)
	return exec, nil
}

// steps runs reconcile, sync, market data, analyze, save and dispatch.
func (o *Orchestrator) steps(ctx context.Context, s schema.Strategy, inst strategy.Strategy, logger *zap.Logger) (Result, error) {
	var result Result

	poll, err := o.orders.UpdateOpenOrders(ctx, s.ID)
	result.Poll = poll
	if err != nil {
		return result, fmt.Errorf("reconcile open orders: %w", err)
	}

	open, err := o.sync(ctx, s, inst)
	if err != nil {
		return result, err
	}

	data, err := o.marketData(ctx, s, inst)
	if err != nil {
		return result, err
	}
	if err := inst.Analyze(data); err != nil {
		return result, fmt.Errorf("analyze: %w", err)
	}
	result.Signals = inst.GenerateSignals()

	state, canceled, err := o.save(ctx, s, inst, open, logger)
	result.State = state
	result.Canceled = canceled
	if err != nil {
		return result, err
	}

	dispatched, rejected, err := o.dispatch(ctx, s, result.Signals, logger)
	result.Dispatched = dispatched
	result.Rejected = rejected
	if err != nil {
		return result, err
	}
	return result, nil
}

// sync restores persisted state, open orders and the current position into inst.
func (o *Orchestrator) sync(ctx context.Context, s schema.Strategy, inst strategy.Strategy) ([]schema.Order, error) {
	if err := inst.SetState(s.State); err != nil {
		return nil, fmt.Errorf("restore state: %w", err)
	}
	open, err := o.orders.OpenOrders(ctx, s.ID)
	if err != nil {
		return nil, fmt.Errorf("load open orders: %w", err)
	}
	inst.SetActiveOrders(open)
	if aware, ok := inst.(strategy.PositionAware); ok {
		p, err := o.orders.Positions().Get(ctx, s.AccountID, s.Asset)
		switch {
		case err == nil:
		case errs.IsCode(err, errs.CodeNotFound):
			p = schema.Position{AccountID: s.AccountID, Asset: s.Asset}
		default:
			return nil, fmt.Errorf("load position: %w", err)
		}
		aware.SetPosition(p)
	}
	return open, nil
}

func (o *Orchestrator) marketData(ctx context.Context, s schema.Strategy, inst strategy.Strategy) (provider.MarketData, error) {
	now := o.now().UTC()
	req := provider.MarketDataRequest{
		Asset: s.Asset,
		Kinds: inst.RequiredMarketData(),
		End:   now,
	}
	if window, ok := inst.(strategy.CandleWindow); ok && req.Wants(provider.MarketDataCandles) {
		interval, lookback := window.CandleWindow()
		req.Interval = interval
		req.Start = now.Add(-lookback)
		if width, ok := interval.Duration(); ok && width > 0 {
			req.Limit = int(lookback / width)
		}
	}
	if len(req.Kinds) == 0 {
		return provider.MarketData{Asset: s.Asset, AsOf: now}, nil
	}
	mdCtx, cancel := context.WithTimeout(ctx, o.cfg.MarketDataTimeout)
	defer cancel()
	data, err := o.market.RetrieveMarketData(mdCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errs.IsCode(err, errs.CodeExternalProvider) {
			err = errs.External(component, "market data timed out", err)
		}
		return provider.MarketData{}, fmt.Errorf("retrieve market data: %w", err)
	}
	if data.Asset == "" {
		data.Asset = s.Asset
	}
	return data, nil
}

// save persists the new strategy state and cancels open orders the strategy no
// longer claims.
func (o *Orchestrator) save(ctx context.Context, s schema.Strategy, inst strategy.Strategy, open []schema.Order, logger *zap.Logger) (json.RawMessage, []string, error) {
	state, err := inst.State()
	if err != nil {
		return nil, nil, fmt.Errorf("encode state: %w", err)
	}
	current, err := o.strategies.GetStrategy(ctx, s.ID)
	if err != nil {
		return state, nil, fmt.Errorf("reload strategy: %w", err)
	}
	current.State = state
	current.UpdatedAt = o.now().UTC()
	if err := o.strategies.UpdateStrategy(ctx, current); err != nil {
		return state, nil, fmt.Errorf("persist state: %w", err)
	}

	keep := make(map[string]struct{})
	for _, id := range inst.ActiveOrderIDs() {
		keep[id] = struct{}{}
	}
	var canceled []string
	for _, ord := range open {
		if _, ok := keep[ord.ID]; ok {
			continue
		}
		updated, err := o.orders.CancelOrder(ctx, ord)
		if err != nil {
			if errs.IsCode(err, errs.CodeInternal) {
				return state, canceled, fmt.Errorf("cancel abandoned order %s: %w", ord.ID, err)
			}
			logger.Warn("cancel abandoned order", zap.String("order", ord.ID), zap.Error(err))
			continue
		}
		canceled = append(canceled, updated.ID)
	}
	return state, canceled, nil
}

// dispatch places every signal. Business and provider failures are recorded per
// signal; broken invariants are collected and fail the execution after the batch.
func (o *Orchestrator) dispatch(ctx context.Context, s schema.Strategy, signals []schema.TradeSignal, logger *zap.Logger) ([]string, []Rejection, error) {
	dispatched := make([]string, 0, len(signals))
	rejected := make([]Rejection, 0)
	var fatal []error
	for idx, sig := range signals {
		placed, err := o.orders.PlaceOrder(ctx, s, sig)
		if err == nil {
			dispatched = append(dispatched, placed.ID)
			continue
		}
		rejected = append(rejected, Rejection{
			Index:   idx,
			OrderID: placed.ID,
			Code:    string(errs.CodeOf(err)),
			Reason:  err.Error(),
		})
		logger.Warn("signal not placed",
			zap.Int("index", idx),
			zap.String("side", string(sig.Side)),
			zap.String("quantity", numeric.Format(sig.Quantity)),
			zap.String("price", numeric.Format(sig.Price)),
			zap.Error(err))
		if errs.IsCode(err, errs.CodeInternal) {
			fatal = append(fatal, err)
		}
	}
	if len(fatal) > 0 {
		return dispatched, rejected, fmt.Errorf("dispatch signals: %w", errors.Join(fatal...))
	}
	return dispatched, rejected, nil
}
