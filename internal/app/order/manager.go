// Package order owns the order state machine: it turns trade signals into exchange
// orders and reconciles exchange status reports against the wallet and position.
package order

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/coachpo/strategos/internal/app/ledger"
	"github.com/coachpo/strategos/internal/app/position"
	"github.com/coachpo/strategos/internal/app/provider"
	"github.com/coachpo/strategos/internal/app/risk"
	"github.com/coachpo/strategos/internal/domain/schema"
	"github.com/coachpo/strategos/internal/domain/tradestore"
	"github.com/coachpo/strategos/lib/retry"
)

const component = "order"

// Config tunes the order manager.
type Config struct {
	// FeeRate estimates the exchange fee as a fraction of notional for pre-submit balance checks.
	FeeRate decimal.Decimal
	// ExchangeTimeout bounds each submit, cancel and status call.
	ExchangeTimeout time.Duration
	// PollParallelism bounds concurrent status polls in UpdateOpenOrders.
	PollParallelism int
}

// DefaultConfig returns the defaults used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		FeeRate:         decimal.NewFromFloat(0.001),
		ExchangeTimeout: 10 * time.Second,
		PollParallelism: 4,
	}
}

func (c Config) normalise() Config {
	def := DefaultConfig()
	if c.FeeRate.Sign() < 0 {
		c.FeeRate = def.FeeRate
	}
	if c.ExchangeTimeout <= 0 {
		c.ExchangeTimeout = def.ExchangeTimeout
	}
	if c.PollParallelism <= 0 {
		c.PollParallelism = def.PollParallelism
	}
	return c
}

// Manager coordinates order submission and settlement.
type Manager struct {
	cfg       Config
	trades    tradestore.Store
	exchange  provider.Exchange
	ledger    *ledger.Service
	positions *position.Tracker
	risk      *risk.Manager
	logger    *zap.Logger
	retry     retry.Policy
	now       func() time.Time

	locks accountLocks

	transitions metric.Int64Counter
	fills       metric.Int64Counter
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithRisk installs pre-trade risk checks.
func WithRisk(r *risk.Manager) Option {
	return func(m *Manager) {
		m.risk = r
	}
}

// WithMeter records order transitions and fills on meter.
func WithMeter(meter metric.Meter) Option {
	return func(m *Manager) {
		if meter != nil {
			m.initMetrics(meter)
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager constructs an order manager.
func NewManager(cfg Config, trades tradestore.Store, exchange provider.Exchange, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg.normalise(),
		trades:   trades,
		exchange: exchange,
		logger:   zap.NewNop(),
		retry:    retry.DefaultPolicy(),
		now:      time.Now,
	}
	m.initMetrics(noop.NewMeterProvider().Meter(component))
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.ledger = ledger.NewService(trades, ledger.WithLogger(m.logger))
	m.positions = position.NewTracker(trades, m.logger)
	return m
}

func (m *Manager) initMetrics(meter metric.Meter) {
	transitions, err := meter.Int64Counter("strategos.order.transitions",
		metric.WithDescription("Order status transitions"),
		metric.WithUnit("{transition}"))
	if err == nil {
		m.transitions = transitions
	}
	fills, err := meter.Int64Counter("strategos.order.fills",
		metric.WithDescription("Applied fill deltas"),
		metric.WithUnit("{fill}"))
	if err == nil {
		m.fills = fills
	}
}

func (m *Manager) recordTransition(ctx context.Context, side schema.Side, status schema.OrderStatus) {
	if m.transitions == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("side", string(side)),
		attribute.String("status", string(status)),
	))
}

func (m *Manager) recordFill(ctx context.Context, side schema.Side) {
	if m.fills == nil {
		return
	}
	m.fills.Add(ctx, 1, metric.WithAttributes(attribute.String("side", string(side))))
}

// Ledger exposes the wallet service the manager settles against.
func (m *Manager) Ledger() *ledger.Service {
	return m.ledger
}

// Positions exposes the position tracker the manager settles against.
func (m *Manager) Positions() *position.Tracker {
	return m.positions
}

func (m *Manager) exchangeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.cfg.ExchangeTimeout)
}

// accountLocks serialises validate, submit and reserve for one account.
type accountLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *accountLocks) lock(accountID string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	mu, ok := l.locks[accountID]
	if !ok {
		mu = new(sync.Mutex)
		l.locks[accountID] = mu
	}
	l.mu.Unlock()
	mu.Lock()
	return mu.Unlock
}
