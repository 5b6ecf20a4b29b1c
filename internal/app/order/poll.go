package order

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/coachpo/strategos/errs"
	"github.com/coachpo/strategos/internal/app/provider"
	"github.com/coachpo/strategos/internal/domain/schema"
	"github.com/coachpo/strategos/internal/domain/tradestore"
)

// PollReport summarises one UpdateOpenOrders pass.
type PollReport struct {
	Polled  int `json:"polled"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

// OpenOrders lists the strategy's PENDING and PARTIALLY_FILLED orders.
func (m *Manager) OpenOrders(ctx context.Context, strategyID string) ([]schema.Order, error) {
	return m.trades.ListOrders(ctx, tradestore.OrderQuery{
		StrategyID: strategyID,
		Statuses:   schema.OpenStatuses(),
	})
}

// GetOrder loads an order by id.
func (m *Manager) GetOrder(ctx context.Context, id string) (schema.Order, error) {
	return m.trades.GetOrder(ctx, id)
}

// ListOrders lists orders matching query.
func (m *Manager) ListOrders(ctx context.Context, query tradestore.OrderQuery) ([]schema.Order, error) {
	return m.trades.ListOrders(ctx, query)
}

// UpdateOpenOrders polls the exchange for every open order of the strategy and
// applies each report. A failing poll or update is logged and does not stop the
// others; invariant violations are collected and returned.
func (m *Manager) UpdateOpenOrders(ctx context.Context, strategyID string) (PollReport, error) {
	open, err := m.OpenOrders(ctx, strategyID)
	if err != nil {
		return PollReport{}, fmt.Errorf("list open orders: %w", err)
	}
	report := PollReport{Polled: len(open)}
	if len(open) == 0 {
		return report, nil
	}

	workers := m.cfg.PollParallelism
	if workers > len(open) {
		workers = len(open)
	}
	var (
		mu    sync.Mutex
		fatal []error
	)
	p := pool.New().WithMaxGoroutines(workers)
	for _, candidate := range open {
		o := candidate
		p.Go(func() {
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					report.Failed++
					fatal = append(fatal, errs.Internal(component, fmt.Sprintf("order %s poll panic: %v", o.ID, r)))
					mu.Unlock()
				}
			}()
			updated, err := m.pollOne(ctx, o)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				if updated {
					report.Updated++
				}
			case errs.IsCode(err, errs.CodeInternal):
				report.Failed++
				fatal = append(fatal, err)
			default:
				report.Failed++
				m.logger.Warn("order poll failed",
					zap.String("order", o.ID),
					zap.String("strategy", strategyID),
					zap.Error(err))
			}
		})
	}
	p.Wait()

	if len(fatal) > 0 {
		for _, err := range fatal {
			m.logger.Error("order settlement invariant violated", zap.String("strategy", strategyID), zap.Error(err))
		}
		return report, errors.Join(fatal...)
	}
	return report, nil
}

func (m *Manager) pollOne(ctx context.Context, o schema.Order) (bool, error) {
	pollCtx, cancel := m.exchangeContext(ctx)
	status, err := m.exchange.GetOrderStatus(pollCtx, o)
	cancel()
	if err != nil {
		return false, errs.External(component, "order status poll failed", err)
	}
	updated, err := m.UpdateOrder(ctx, o, status)
	if err != nil {
		return false, err
	}
	return updated.Status != o.Status || !updated.FilledQuantity.Equal(o.FilledQuantity), nil
}

// CancelOrder cancels an open order on the exchange and settles its final state.
func (m *Manager) CancelOrder(ctx context.Context, o schema.Order) (schema.Order, error) {
	current, err := m.trades.GetOrder(ctx, o.ID)
	if err != nil {
		return schema.Order{}, err
	}
	if !current.Status.Open() {
		return current, nil
	}
	cancelCtx, cancel := m.exchangeContext(ctx)
	err = m.exchange.CancelOrder(cancelCtx, current)
	cancel()
	if err != nil {
		return current, errs.External(component, "order cancel failed", err)
	}

	pollCtx, cancel := m.exchangeContext(ctx)
	status, err := m.exchange.GetOrderStatus(pollCtx, current)
	cancel()
	if err != nil {
		m.logger.Warn("status after cancel unavailable; settling with persisted fills",
			zap.String("order", current.ID), zap.Error(err))
		status = provider.OrderStatusReport{ExecutedQuantity: current.FilledQuantity, Price: current.AverageFillPrice}
	}
	if !status.Status.Terminal() {
		status.Status = schema.OrderStatusCanceled
	}
	updated, err := m.UpdateOrder(ctx, current, status)
	if err != nil {
		return current, err
	}
	m.logger.Info("order canceled",
		zap.String("order", updated.ID),
		zap.String("status", string(updated.Status)))
	return updated, nil
}
