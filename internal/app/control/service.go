// Package control exposes the strategy lifecycle and account operations used by the HTTP adapter and the engine binary.
package control

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coachpo/strategos/errs"
	"github.com/coachpo/strategos/internal/app/order"
	"github.com/coachpo/strategos/internal/app/scheduler"
	"github.com/coachpo/strategos/internal/app/strategy"
	"github.com/coachpo/strategos/internal/domain/schema"
	"github.com/coachpo/strategos/internal/domain/strategystore"
	"github.com/coachpo/strategos/internal/domain/tradestore"
)

const component = "control"

// Runner executes strategies outside the schedule.
type Runner interface {
	RunOnce(ctx context.Context, strategyID string) (schema.StrategyExecution, error)
	Running(strategyID string) bool
	Evict(strategyID string)
}

// Scheduler registers cron triggers.
type Scheduler interface {
	Schedule(strategyID, expr string) error
	Unschedule(strategyID string) error
	IsScheduled(strategyID string) bool
}

// CreateRequest describes a new strategy.
type CreateRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	AccountID   string          `json:"accountId"`
	Type        string          `json:"type"`
	Asset       string          `json:"asset"`
	Schedule    string          `json:"schedule"`
	Config      json.RawMessage `json:"config,omitempty"`
	Start       bool            `json:"start,omitempty"`
}

// Portfolio is the wallet and held positions of an account.
type Portfolio struct {
	Wallet    schema.Wallet     `json:"wallet"`
	Positions []schema.Position `json:"positions"`
}

// Service coordinates strategy lifecycle changes across storage, scheduler and orchestrator.
type Service struct {
	strategies strategystore.Store
	orders     *order.Manager
	registry   *strategy.Registry
	runner     Runner
	scheduler  Scheduler
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService constructs a control service.
func NewService(strategies strategystore.Store, orders *order.Manager, registry *strategy.Registry, runner Runner, sched Scheduler, opts ...Option) *Service {
	s := &Service{
		strategies: strategies,
		orders:     orders,
		registry:   registry,
		runner:     runner,
		scheduler:  sched,
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Types lists the registered strategy types.
func (s *Service) Types() []strategy.Metadata {
	return s.registry.Types()
}

// CreateStrategy validates and stores a STOPPED strategy, starting it when requested.
func (s *Service) CreateStrategy(ctx context.Context, req CreateRequest) (schema.Strategy, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.AccountID = strings.TrimSpace(req.AccountID)
	req.Asset = strings.ToUpper(strings.TrimSpace(req.Asset))
	req.Schedule = strings.TrimSpace(req.Schedule)
	switch {
	case req.Name == "":
		return schema.Strategy{}, errs.Validation(component, "strategy name required")
	case req.AccountID == "":
		return schema.Strategy{}, errs.Validation(component, "account id required")
	case req.Asset == "":
		return schema.Strategy{}, errs.Validation(component, "asset required")
	}
	def, err := s.registry.Definition(req.Type)
	if err != nil {
		return schema.Strategy{}, err
	}
	if len(req.Config) == 0 {
		req.Config = json.RawMessage(`{}`)
	}
	if _, err := s.registry.Validate(def.Metadata.Name, req.Config); err != nil {
		return schema.Strategy{}, err
	}
	if err := scheduler.ValidateExpression(req.Schedule); err != nil {
		return schema.Strategy{}, err
	}
	if _, err := s.orders.Ledger().Ensure(ctx, req.AccountID); err != nil {
		return schema.Strategy{}, err
	}

	now := s.now().UTC()
	created := schema.Strategy{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: strings.TrimSpace(req.Description),
		AccountID:   req.AccountID,
		Type:        def.Metadata.Name,
		Asset:       req.Asset,
		Schedule:    req.Schedule,
		Config:      req.Config,
		Status:      schema.StrategyStatusStopped,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.strategies.CreateStrategy(ctx, created); err != nil {
		return schema.Strategy{}, err
	}
	s.logger.Info("strategy created",
		zap.String("strategy", created.ID),
		zap.String("name", created.Name),
		zap.String("type", created.Type))
	if req.Start {
		return s.StartStrategy(ctx, created.ID)
	}
	return created, nil
}

// GetStrategy loads one strategy.
func (s *Service) GetStrategy(ctx context.Context, id string) (schema.Strategy, error) {
	return s.strategies.GetStrategy(ctx, id)
}

// ListStrategies lists strategies matching query.
func (s *Service) ListStrategies(ctx context.Context, query strategystore.StrategyQuery) ([]schema.Strategy, error) {
	return s.strategies.ListStrategies(ctx, query)
}

// StartStrategy marks the strategy ACTIVE and registers its schedule.
func (s *Service) StartStrategy(ctx context.Context, id string) (schema.Strategy, error) {
	st, err := s.strategies.GetStrategy(ctx, id)
	if err != nil {
		return schema.Strategy{}, err
	}
	if st.Archived {
		return schema.Strategy{}, errs.Validation(component, "strategy is archived", errs.WithDetail("strategy", id))
	}
	if err := s.scheduler.Schedule(st.ID, st.Schedule); err != nil && !errs.IsCode(err, errs.CodeAlreadyScheduled) {
		return schema.Strategy{}, err
	}
	if st.Status == schema.StrategyStatusActive {
		return st, nil
	}
	st.Status = schema.StrategyStatusActive
	if err := s.strategies.UpdateStrategy(ctx, st); err != nil {
		_ = s.scheduler.Unschedule(st.ID)
		return schema.Strategy{}, err
	}
	s.logger.Info("strategy started", zap.String("strategy", st.ID), zap.String("schedule", st.Schedule))
	return s.strategies.GetStrategy(ctx, id)
}

// StopStrategy removes the schedule and marks the strategy STOPPED. A run in flight completes.
func (s *Service) StopStrategy(ctx context.Context, id string) (schema.Strategy, error) {
	st, err := s.strategies.GetStrategy(ctx, id)
	if err != nil {
		return schema.Strategy{}, err
	}
	if err := s.scheduler.Unschedule(st.ID); err != nil && !errs.IsCode(err, errs.CodeNotFound) {
		return schema.Strategy{}, err
	}
	if !s.runner.Running(st.ID) {
		s.runner.Evict(st.ID)
	}
	if st.Status == schema.StrategyStatusStopped {
		return st, nil
	}
	st.Status = schema.StrategyStatusStopped
	if err := s.strategies.UpdateStrategy(ctx, st); err != nil {
		return schema.Strategy{}, err
	}
	s.logger.Info("strategy stopped", zap.String("strategy", st.ID))
	return s.strategies.GetStrategy(ctx, id)
}

// ArchiveStrategy stops the strategy and hides it from listings. The position
// must be empty and no order may be open.
func (s *Service) ArchiveStrategy(ctx context.Context, id string) (schema.Strategy, error) {
	st, err := s.strategies.GetStrategy(ctx, id)
	if err != nil {
		return schema.Strategy{}, err
	}
	if st.Archived {
		return st, nil
	}
	if s.runner.Running(st.ID) {
		return schema.Strategy{}, errs.New(component, errs.CodeConflict,
			errs.WithMessage("strategy execution in progress"),
			errs.WithDetail("strategy", id))
	}
	open, err := s.orders.OpenOrders(ctx, st.ID)
	if err != nil {
		return schema.Strategy{}, err
	}
	if len(open) > 0 {
		return schema.Strategy{}, errs.Validation(component, "strategy has open orders",
			errs.WithDetail("strategy", id),
			errs.WithDetail("open", strconv.Itoa(len(open))))
	}
	pos, err := s.orders.Positions().Get(ctx, st.AccountID, st.Asset)
	switch {
	case errs.IsCode(err, errs.CodeNotFound):
	case err != nil:
		return schema.Strategy{}, err
	case !pos.IsEmpty():
		return schema.Strategy{}, errs.Validation(component, "strategy position is not empty",
			errs.WithDetail("strategy", id),
			errs.WithDetail("quantity", pos.TotalQuantity.String()))
	}

	if _, err := s.StopStrategy(ctx, id); err != nil {
		return schema.Strategy{}, err
	}
	st, err = s.strategies.GetStrategy(ctx, id)
	if err != nil {
		return schema.Strategy{}, err
	}
	st.Archived = true
	if err := s.strategies.UpdateStrategy(ctx, st); err != nil {
		return schema.Strategy{}, err
	}
	s.logger.Info("strategy archived", zap.String("strategy", st.ID))
	return s.strategies.GetStrategy(ctx, id)
}

// RunOnce executes the strategy immediately.
func (s *Service) RunOnce(ctx context.Context, id string) (schema.StrategyExecution, error) {
	return s.runner.RunOnce(ctx, id)
}

// ListExecutions returns the strategy's executions, newest first.
func (s *Service) ListExecutions(ctx context.Context, id string, limit int) ([]schema.StrategyExecution, error) {
	if _, err := s.strategies.GetStrategy(ctx, id); err != nil {
		return nil, err
	}
	return s.strategies.ListExecutions(ctx, strategystore.ExecutionQuery{StrategyID: id, Limit: limit})
}

// GetOrder loads one order.
func (s *Service) GetOrder(ctx context.Context, id string) (schema.Order, error) {
	return s.orders.GetOrder(ctx, id)
}

// ListOrders returns the strategy's orders filtered by status.
func (s *Service) ListOrders(ctx context.Context, id string, statuses []schema.OrderStatus, limit int) ([]schema.Order, error) {
	if _, err := s.strategies.GetStrategy(ctx, id); err != nil {
		return nil, err
	}
	return s.orders.ListOrders(ctx, tradestore.OrderQuery{StrategyID: id, Statuses: statuses, Limit: limit})
}

// Deposit credits the account's free balance.
func (s *Service) Deposit(ctx context.Context, accountID string, amount decimal.Decimal) (schema.Wallet, error) {
	return s.orders.Ledger().Deposit(ctx, accountID, amount)
}

// Withdraw debits the account's free balance.
func (s *Service) Withdraw(ctx context.Context, accountID string, amount decimal.Decimal) (schema.Wallet, error) {
	return s.orders.Ledger().Withdraw(ctx, accountID, amount)
}

// Portfolio returns the wallet and positions of the account.
func (s *Service) Portfolio(ctx context.Context, accountID string) (Portfolio, error) {
	wallet, err := s.orders.Ledger().Wallet(ctx, accountID)
	if err != nil {
		return Portfolio{}, err
	}
	positions, err := s.orders.Positions().List(ctx, accountID)
	if err != nil {
		return Portfolio{}, err
	}
	if positions == nil {
		positions = []schema.Position{}
	}
	return Portfolio{Wallet: wallet, Positions: positions}, nil
}

// RestoreSchedules registers a trigger for every ACTIVE strategy. A strategy
// whose schedule fails to register is logged and skipped.
func (s *Service) RestoreSchedules(ctx context.Context) (int, error) {
	active, err := s.strategies.ListStrategies(ctx, strategystore.StrategyQuery{Status: schema.StrategyStatusActive})
	if err != nil {
		return 0, err
	}
	restored := 0
	var failed error
	for _, st := range active {
		err := s.scheduler.Schedule(st.ID, st.Schedule)
		switch {
		case err == nil:
			restored++
		case errs.IsCode(err, errs.CodeAlreadyScheduled):
		default:
			s.logger.Warn("restore schedule failed", zap.String("strategy", st.ID), zap.Error(err))
			failed = errors.Join(failed, err)
		}
	}
	s.logger.Info("schedules restored", zap.Int("count", restored), zap.Int("active", len(active)))
	if failed != nil && restored == 0 && len(active) > 0 {
		return 0, failed
	}
	return restored, nil
}
