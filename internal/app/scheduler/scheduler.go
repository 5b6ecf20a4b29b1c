// Package scheduler fires strategy executions on cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/coachpo/strategos/errs"
	"github.com/coachpo/strategos/internal/domain/schema"
)

const component = "scheduler"

// Runner executes one scheduled run of a strategy.
type Runner interface {
	Execute(ctx context.Context, strategyID string) (schema.StrategyExecution, error)
}

// Entry describes one scheduled strategy.
type Entry struct {
	StrategyID string    `json:"strategyId"`
	Expression string    `json:"expression"`
	Next       time.Time `json:"next"`
	Prev       time.Time `json:"prev,omitempty"`
}

// Scheduler maps strategy ids to cron triggers. One trigger per strategy.
type Scheduler struct {
	runner Runner
	logger *zap.Logger
	parser cron.Parser
	cron   *cron.Cron

	mu      sync.Mutex
	entries map[string]scheduled
}

type scheduled struct {
	id   cron.EntryID
	expr string
}

// Option configures a Scheduler.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	location *time.Location
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithLocation evaluates expressions in loc instead of UTC.
func WithLocation(loc *time.Location) Option {
	return func(o *options) {
		if loc != nil {
			o.location = loc
		}
	}
}

// Parser accepts five-field expressions, six with a leading seconds field, and descriptors such as @every 30s.
func Parser() cron.Parser {
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// ValidateExpression reports whether expr is a usable schedule.
func ValidateExpression(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return errs.Validation(component, "schedule expression required")
	}
	if _, err := Parser().Parse(strings.TrimSpace(expr)); err != nil {
		return errs.Validation(component, "invalid schedule expression",
			errs.WithDetail("expression", expr),
			errs.WithCause(err))
	}
	return nil
}

// New constructs a stopped scheduler.
func New(runner Runner, opts ...Option) *Scheduler {
	o := options{logger: zap.NewNop(), location: time.UTC}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	parser := Parser()
	cronLogger := cronLog{logger: o.logger.Sugar()}
	return &Scheduler{
		runner: runner,
		logger: o.logger,
		parser: parser,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(o.location),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger)),
		),
		entries: make(map[string]scheduled),
	}
}

// Schedule registers expr for strategyID.
func (s *Scheduler) Schedule(strategyID, expr string) error {
	expr = strings.TrimSpace(expr)
	if err := ValidateExpression(expr); err != nil {
		return err
	}
	sched, err := s.parser.Parse(expr)
	if err != nil {
		return errs.Validation(component, "invalid schedule expression", errs.WithCause(err))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[strategyID]; exists {
		return errs.New(component, errs.CodeAlreadyScheduled,
			errs.WithMessage("strategy already scheduled"),
			errs.WithDetail("strategy", strategyID))
	}
	id := s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(strategyID) }))
	s.entries[strategyID] = scheduled{id: id, expr: expr}
	s.logger.Info("strategy scheduled", zap.String("strategy", strategyID), zap.String("expression", expr))
	return nil
}

// Unschedule removes the trigger of strategyID. In-flight runs are not canceled.
func (s *Scheduler) Unschedule(strategyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, exists := s.entries[strategyID]
	if !exists {
		return errs.New(component, errs.CodeNotFound,
			errs.WithMessage("strategy not scheduled"),
			errs.WithDetail("strategy", strategyID))
	}
	s.cron.Remove(entry.id)
	delete(s.entries, strategyID)
	s.logger.Info("strategy unscheduled", zap.String("strategy", strategyID))
	return nil
}

// IsScheduled reports whether strategyID has a trigger.
func (s *Scheduler) IsScheduled(strategyID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[strategyID]
	return ok
}

// Scheduled lists every trigger sorted by strategy id.
func (s *Scheduler) Scheduled() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.entries))
	for strategyID, entry := range s.entries {
		ce := s.cron.Entry(entry.id)
		out = append(out, Entry{StrategyID: strategyID, Expression: entry.expr, Next: ce.Next, Prev: ce.Prev})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StrategyID < out[j].StrategyID })
	return out
}

// Start begins firing triggers.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts future fires and waits for in-flight runs or ctx, whichever ends first.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

func (s *Scheduler) fire(strategyID string) {
	started := time.Now()
	exec, err := s.runner.Execute(context.Background(), strategyID)
	logger := s.logger.With(zap.String("strategy", strategyID), zap.Duration("elapsed", time.Since(started)))
	switch {
	case err != nil:
		logger.Error("scheduled execution error", zap.Error(err))
	case exec.Status == schema.ExecutionStatusFailed:
		logger.Warn("scheduled execution failed",
			zap.String("execution", exec.ID),
			zap.String("reason", exec.ErrorMessage))
	default:
		logger.Debug("scheduled execution finished",
			zap.String("execution", exec.ID),
			zap.String("status", string(exec.Status)))
	}
}

// cronLog adapts zap to cron.Logger.
type cronLog struct {
	logger *zap.SugaredLogger
}

func (l cronLog) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLog) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
