// Package risk applies pre-trade limits to strategy signals before they reach the exchange.
package risk

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/coachpo/strategos/errs"
	"github.com/coachpo/strategos/internal/domain/schema"
	"github.com/coachpo/strategos/internal/numeric"
)

const component = "risk"

// Limits defines risk parameters applied to every order. Zero values disable a limit.
type Limits struct {
	// MaxOrderQuantity caps the quantity of a single order.
	MaxOrderQuantity decimal.Decimal `yaml:"maxOrderQuantity"`

	// MaxOrderNotional caps quantity times limit price of a single order.
	MaxOrderNotional decimal.Decimal `yaml:"maxOrderNotional"`

	// MaxPositionSize caps the quantity held of one asset after a BUY fills.
	MaxPositionSize decimal.Decimal `yaml:"maxPositionSize"`

	// OrderThrottle is the maximum rate of order submissions per second.
	OrderThrottle float64 `yaml:"orderThrottle"`
}

// Manager enforces risk limits for trading strategies.
type Manager struct {
	mu      sync.RWMutex
	limits  Limits
	limiter *rate.Limiter
}

// NewManager creates a new risk manager with the given limits.
func NewManager(limits Limits) *Manager {
	return &Manager{
		limits:  limits,
		limiter: newLimiter(limits.OrderThrottle),
	}
}

func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

// Limits returns the active limits.
func (m *Manager) Limits() Limits {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limits
}

// UpdateLimits swaps the active limits.
func (m *Manager) UpdateLimits(limits Limits) {
	m.mu.Lock()
	m.limits = limits
	m.limiter = newLimiter(limits.OrderThrottle)
	m.mu.Unlock()
}

// CheckOrder validates the order against the static limits. held is the current
// position quantity of the order's asset.
func (m *Manager) CheckOrder(order schema.Order, held decimal.Decimal) error {
	m.mu.RLock()
	limits := m.limits
	m.mu.RUnlock()

	if numeric.Positive(limits.MaxOrderQuantity) && order.Quantity.GreaterThan(limits.MaxOrderQuantity) {
		return errs.Validation(component, "order quantity exceeds limit",
			errs.WithDetail("quantity", numeric.Format(order.Quantity)),
			errs.WithDetail("limit", numeric.Format(limits.MaxOrderQuantity)))
	}
	if numeric.Positive(limits.MaxOrderNotional) && order.Notional().GreaterThan(limits.MaxOrderNotional) {
		return errs.Validation(component, "order notional exceeds limit",
			errs.WithDetail("notional", numeric.Format(order.Notional())),
			errs.WithDetail("limit", numeric.Format(limits.MaxOrderNotional)))
	}
	if order.Side == schema.SideBuy && numeric.Positive(limits.MaxPositionSize) &&
		held.Add(order.Quantity).GreaterThan(limits.MaxPositionSize) {
		return errs.Validation(component, "position size would exceed limit",
			errs.WithDetail("held", numeric.Format(held)),
			errs.WithDetail("limit", numeric.Format(limits.MaxPositionSize)))
	}
	return nil
}

// Throttle blocks until the submission rate allows another order or ctx is done.
func (m *Manager) Throttle(ctx context.Context) error {
	m.mu.RLock()
	limiter := m.limiter
	m.mu.RUnlock()
	if err := limiter.Wait(ctx); err != nil {
		return errs.External(component, "order throttle limit exceeded", fmt.Errorf("throttle: %w", err))
	}
	return nil
}
