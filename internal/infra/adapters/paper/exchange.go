// Package paper provides a deterministic simulated venue used for paper trading and tests.
package paper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/strategos/internal/app/provider"
	"github.com/coachpo/strategos/internal/domain/schema"
	"github.com/coachpo/strategos/internal/numeric"
)

// ErrUnknownOrder is returned for exchange ids the venue never issued.
var ErrUnknownOrder = errors.New("paper: unknown order")

type restingOrder struct {
	order    schema.Order
	executed decimal.Decimal
	status   schema.OrderStatus
	reason   string
}

type placeRejection struct {
	code    string
	message string
}

// Exchange is a simulated venue serving market data and order routing.
type Exchange struct {
	opts Options

	mu       sync.Mutex
	feeds    map[string]*assetFeed
	orders   map[string]*restingOrder
	rejects  []placeRejection
	failures []error
}

var _ provider.Instance = (*Exchange)(nil)

// New constructs a paper venue.
func New(opts Options) *Exchange {
	return &Exchange{
		opts:   opts.normalise(),
		feeds:  make(map[string]*assetFeed),
		orders: make(map[string]*restingOrder),
	}
}

// Name returns the venue name.
func (e *Exchange) Name() string {
	return e.opts.Name
}

func (e *Exchange) feed(asset string) *assetFeed {
	f, ok := e.feeds[asset]
	if ok {
		return f
	}
	seed := e.opts.Seed
	for _, r := range asset {
		seed = seed*31 + uint64(r)
	}
	script := e.opts.Ticks[asset]
	f = newAssetFeed(script, e.opts.StartPrice, e.opts.Volatility, seed, e.opts.HistoryLimit)
	if len(script) == 0 && e.opts.Warmup > 0 {
		now := e.opts.Now().UTC()
		for i := e.opts.Warmup; i > 0; i-- {
			f.next(now.Add(-e.opts.CandleWidth * time.Duration(i)))
		}
	}
	e.feeds[asset] = f
	return f
}

// SetPrice appends a scripted tick for asset.
func (e *Exchange) SetPrice(asset string, price decimal.Decimal) {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	e.mu.Lock()
	defer e.mu.Unlock()
	f := e.feed(asset)
	f.script = append(f.script, price)
}

// RejectNext makes the next PlaceOrder answer FAIL with code and message.
func (e *Exchange) RejectNext(code, message string) {
	e.mu.Lock()
	e.rejects = append(e.rejects, placeRejection{code: code, message: message})
	e.mu.Unlock()
}

// FailNext makes the next order call (place, cancel or status) return err.
func (e *Exchange) FailNext(err error) {
	e.mu.Lock()
	e.failures = append(e.failures, err)
	e.mu.Unlock()
}

// Expire ends a resting order as EXPIRED, keeping whatever already filled.
func (e *Exchange) Expire(exchangeOrderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ro, ok := e.orders[exchangeOrderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, exchangeOrderID)
	}
	if ro.status.Open() {
		ro.status = schema.OrderStatusExpired
		ro.reason = "expired by venue"
	}
	return nil
}

func (e *Exchange) popFailure() error {
	if len(e.failures) == 0 {
		return nil
	}
	err := e.failures[0]
	e.failures = e.failures[1:]
	return err
}

// RetrieveMarketData advances the asset's feed by one tick.
func (e *Exchange) RetrieveMarketData(ctx context.Context, req provider.MarketDataRequest) (provider.MarketData, error) {
	if err := ctx.Err(); err != nil {
		return provider.MarketData{}, err
	}
	asset := strings.ToUpper(strings.TrimSpace(req.Asset))
	if asset == "" {
		return provider.MarketData{}, fmt.Errorf("paper: asset required")
	}
	now := e.opts.Now().UTC()
	if req.End.IsZero() || req.End.Before(now) {
		req.End = now
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	f := e.feed(asset)
	price := f.next(now)
	out := provider.MarketData{Asset: asset, Price: price, AsOf: now}
	if req.Wants(provider.MarketDataCandles) {
		width := e.opts.CandleWidth
		if d, ok := req.Interval.Duration(); ok {
			width = d
		}
		out.Candles = f.candles(width, req.Start, req.End, req.Limit)
	}
	return out, nil
}

// PlaceOrder accepts the order and prices its fee on the full notional.
func (e *Exchange) PlaceOrder(ctx context.Context, order schema.Order) (provider.PlaceOrderResult, error) {
	if err := ctx.Err(); err != nil {
		return provider.PlaceOrderResult{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.popFailure(); err != nil {
		return provider.PlaceOrderResult{}, err
	}
	if len(e.rejects) > 0 {
		r := e.rejects[0]
		e.rejects = e.rejects[1:]
		return provider.PlaceOrderResult{Status: provider.PlaceStatusFail, ErrorCode: r.code, ErrorMessage: r.message}, nil
	}
	if !numeric.Positive(order.Quantity) || !numeric.Positive(order.Price) {
		return provider.PlaceOrderResult{
			Status:       provider.PlaceStatusFail,
			ErrorCode:    "INVALID_ORDER",
			ErrorMessage: "quantity and price must be positive",
		}, nil
	}
	id := "paper-" + uuid.NewString()
	ro := &restingOrder{order: order, executed: decimal.Zero, status: schema.OrderStatusPending}
	ro.order.ExchangeOrderID = id
	e.orders[id] = ro
	return provider.PlaceOrderResult{
		Status:          provider.PlaceStatusSuccess,
		ExchangeOrderID: id,
		Fee:             numeric.Mul(numeric.Mul(order.Quantity, order.Price), e.opts.FeeRate),
	}, nil
}

// CancelOrder cancels a resting order. Cancelling an ended order is a no-op.
func (e *Exchange) CancelOrder(ctx context.Context, order schema.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.popFailure(); err != nil {
		return err
	}
	ro, ok := e.orders[order.ExchangeOrderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, order.ExchangeOrderID)
	}
	if ro.status.Open() {
		ro.status = schema.OrderStatusCanceled
		ro.reason = "canceled by request"
	}
	return nil
}

// GetOrderStatus fills FillFraction of the original quantity per poll at the limit price.
func (e *Exchange) GetOrderStatus(ctx context.Context, order schema.Order) (provider.OrderStatusReport, error) {
	if err := ctx.Err(); err != nil {
		return provider.OrderStatusReport{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.popFailure(); err != nil {
		return provider.OrderStatusReport{}, err
	}
	ro, ok := e.orders[order.ExchangeOrderID]
	if !ok {
		return provider.OrderStatusReport{}, fmt.Errorf("%w: %s", ErrUnknownOrder, order.ExchangeOrderID)
	}
	if ro.status.Open() {
		step := numeric.Mul(ro.order.Quantity, e.opts.FillFraction)
		remaining := ro.order.Quantity.Sub(ro.executed)
		ro.executed = ro.executed.Add(numeric.Min(step, remaining))
		if ro.executed.GreaterThanOrEqual(ro.order.Quantity) {
			ro.status = schema.OrderStatusFilled
		} else {
			ro.status = schema.OrderStatusPartiallyFilled
		}
	}
	return provider.OrderStatusReport{
		Status:           ro.status,
		ExecutedQuantity: ro.executed,
		Price:            ro.order.Price,
		Side:             ro.order.Side,
		Reason:           ro.reason,
		UpdatedAt:        e.opts.Now().UTC(),
	}, nil
}
