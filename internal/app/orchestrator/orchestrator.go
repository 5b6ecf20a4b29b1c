// Package orchestrator runs one strategy execution end to end: reconcile open
// orders, restore the strategy, fetch market data, analyze, persist state and
// dispatch signals, recording the outcome as a StrategyExecution.
package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/coachpo/strategos/internal/app/order"
	"github.com/coachpo/strategos/internal/app/provider"
	"github.com/coachpo/strategos/internal/app/strategy"
	"github.com/coachpo/strategos/internal/domain/schema"
	"github.com/coachpo/strategos/internal/domain/strategystore"
	"github.com/coachpo/strategos/lib/retry"
)

const component = "orchestrator"

// AlreadyRunning is the failure message of an execution rejected by the re-entrancy guard.
const AlreadyRunning = "already running"

// Config tunes execution behaviour.
type Config struct {
	// MarketDataTimeout bounds market data retrieval.
	MarketDataTimeout time.Duration
	// RunTimeout bounds a whole execution. It should stay below LeaseTTL.
	RunTimeout time.Duration
	// LeaseTTL is the lifetime of the per-strategy execution lease.
	LeaseTTL time.Duration
	// Owner identifies this process in leases. Defaults to hostname plus a random suffix.
	Owner string
}

// DefaultConfig returns the defaults applied to zero fields.
func DefaultConfig() Config {
	return Config{
		MarketDataTimeout: 15 * time.Second,
		RunTimeout:        2 * time.Minute,
		LeaseTTL:          5 * time.Minute,
	}
}

func (c Config) normalise() Config {
	def := DefaultConfig()
	if c.MarketDataTimeout <= 0 {
		c.MarketDataTimeout = def.MarketDataTimeout
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = def.RunTimeout
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = def.LeaseTTL
	}
	if c.Owner == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "strategos"
		}
		c.Owner = host + "-" + uuid.NewString()[:8]
	}
	return c
}

// Orchestrator executes strategies.
type Orchestrator struct {
	cfg        Config
	strategies strategystore.Store
	orders     *order.Manager
	market     provider.MarketDataProvider
	registry   *strategy.Registry
	logger     *zap.Logger
	now        func() time.Time
	retry      retry.Policy

	mu     sync.Mutex
	active map[string]struct{}

	instMu    sync.Mutex
	instances map[string]*cachedInstance

	executions metric.Int64Counter
	duration   metric.Float64Histogram
}

type cachedInstance struct {
	typ    string
	config []byte
	inst   strategy.Strategy
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMeter records execution outcomes on meter.
func WithMeter(meter metric.Meter) Option {
	return func(o *Orchestrator) {
		if meter != nil {
			o.initMetrics(meter)
		}
	}
}

// WithRetryPolicy overrides the retry policy of execution record writes.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(o *Orchestrator) {
		o.retry = policy
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New constructs an orchestrator.
func New(cfg Config, strategies strategystore.Store, orders *order.Manager, market provider.MarketDataProvider, registry *strategy.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg.normalise(),
		strategies: strategies,
		orders:     orders,
		market:     market,
		registry:   registry,
		logger:     zap.NewNop(),
		now:        time.Now,
		retry:      retry.DefaultPolicy(),
		active:     make(map[string]struct{}),
		instances:  make(map[string]*cachedInstance),
	}
	o.initMetrics(noop.NewMeterProvider().Meter(component))
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

func (o *Orchestrator) initMetrics(meter metric.Meter) {
	if counter, err := meter.Int64Counter("strategos.executions",
		metric.WithDescription("Finished strategy executions"),
		metric.WithUnit("{execution}")); err == nil {
		o.executions = counter
	}
	if hist, err := meter.Float64Histogram("strategos.execution.duration",
		metric.WithDescription("Strategy execution wall time"),
		metric.WithUnit("s")); err == nil {
		o.duration = hist
	}
}

func (o *Orchestrator) record(ctx context.Context, exec schema.StrategyExecution, started time.Time) {
	attrs := metric.WithAttributes(attribute.String("status", string(exec.Status)))
	if o.executions != nil {
		o.executions.Add(ctx, 1, attrs)
	}
	if o.duration != nil {
		o.duration.Record(ctx, o.now().Sub(started).Seconds(), attrs)
	}
}

// Owner returns the lease owner id of this orchestrator.
func (o *Orchestrator) Owner() string {
	return o.cfg.Owner
}

// Running reports whether an execution for strategyID is in flight in this process.
func (o *Orchestrator) Running(strategyID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[strategyID]
	return ok
}

func (o *Orchestrator) claim(strategyID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.active[strategyID]; busy {
		return false
	}
	o.active[strategyID] = struct{}{}
	return true
}

func (o *Orchestrator) unclaim(strategyID string) {
	o.mu.Lock()
	delete(o.active, strategyID)
	o.mu.Unlock()
}

// instance returns the cached instance for s, rebuilding it when type or config changed.
func (o *Orchestrator) instance(s schema.Strategy) (strategy.Strategy, error) {
	o.instMu.Lock()
	defer o.instMu.Unlock()
	if cached, ok := o.instances[s.ID]; ok {
		if cached.typ == s.Type && bytes.Equal(cached.config, s.Config) {
			return cached.inst, nil
		}
		closeInstance(cached.inst)
		delete(o.instances, s.ID)
	}
	inst, err := o.registry.New(s.Type, s.Config)
	if err != nil {
		return nil, fmt.Errorf("instantiate strategy %s: %w", s.ID, err)
	}
	o.instances[s.ID] = &cachedInstance{typ: s.Type, config: append([]byte(nil), s.Config...), inst: inst}
	return inst, nil
}

// Evict drops the cached instance of strategyID.
func (o *Orchestrator) Evict(strategyID string) {
	o.instMu.Lock()
	cached, ok := o.instances[strategyID]
	delete(o.instances, strategyID)
	o.instMu.Unlock()
	if ok {
		closeInstance(cached.inst)
	}
}

// Close releases every cached instance.
func (o *Orchestrator) Close() {
	o.instMu.Lock()
	instances := o.instances
	o.instances = make(map[string]*cachedInstance)
	o.instMu.Unlock()
	for _, cached := range instances {
		closeInstance(cached.inst)
	}
}

func closeInstance(inst strategy.Strategy) {
	if c, ok := inst.(strategy.Closer); ok {
		c.Close()
	}
}
