package order

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coachpo/strategos/errs"
	"github.com/coachpo/strategos/internal/app/ledger"
	"github.com/coachpo/strategos/internal/app/position"
	"github.com/coachpo/strategos/internal/app/provider"
	"github.com/coachpo/strategos/internal/domain/schema"
	"github.com/coachpo/strategos/internal/domain/tradestore"
	"github.com/coachpo/strategos/internal/numeric"
	"github.com/coachpo/strategos/lib/retry"
)

// settlement accumulates the effects of one status report before they are written.
type settlement struct {
	order     schema.Order
	walletOps []ledger.Op
	position  *schema.Position
	changed   bool
}

// UpdateOrder applies an exchange status report to the persisted state of order.
//
// Fill deltas are computed against the persisted filled quantity, so repeated
// reports are idempotent and a single report may jump straight to fully filled.
// Reports for terminal orders are ignored. All wallet, position and order writes
// of one report commit together.
func (m *Manager) UpdateOrder(ctx context.Context, order schema.Order, report provider.OrderStatusReport) (schema.Order, error) {
	var (
		out     schema.Order
		applied bool
	)
	err := retry.OnConflict(ctx, m.retry, func(ctx context.Context) error {
		return m.trades.WithTransaction(ctx, func(ctx context.Context, tx tradestore.Tx) error {
			current, err := tx.GetOrder(ctx, order.ID)
			if err != nil {
				return err
			}
			s, err := m.settle(ctx, tx, current, report)
			if err != nil {
				return err
			}
			out = s.order
			applied = s.changed
			if !s.changed {
				return nil
			}
			if len(s.walletOps) > 0 {
				if _, err := m.ledger.ApplyTx(ctx, tx, s.order.AccountID, s.walletOps...); err != nil {
					if errs.IsCode(err, errs.CodeConflict) {
						return err
					}
					return errs.Internal(component, "wallet cannot absorb order settlement",
						errs.WithDetail("order", s.order.ID),
						errs.WithCause(err))
				}
			}
			if s.position != nil {
				if _, err := tx.SavePosition(ctx, *s.position); err != nil {
					return fmt.Errorf("save position: %w", err)
				}
			}
			return tx.UpdateOrder(ctx, s.order)
		})
	})
	if err != nil {
		return out, err
	}
	if applied {
		m.recordTransition(ctx, out.Side, out.Status)
		m.logger.Debug("order updated",
			zap.String("order", out.ID),
			zap.String("status", string(out.Status)),
			zap.String("filled", numeric.Format(out.FilledQuantity)))
	}
	return out, nil
}

func (m *Manager) settle(ctx context.Context, tx tradestore.Tx, current schema.Order, report provider.OrderStatusReport) (settlement, error) {
	s := settlement{order: current}
	if current.Status.Terminal() {
		m.logger.Debug("status report for terminal order ignored",
			zap.String("order", current.ID),
			zap.String("status", string(current.Status)),
			zap.String("reported", string(report.Status)))
		return s, nil
	}
	if current.Status == schema.OrderStatusCreated {
		return s, errs.Validation(component, "order has not been submitted", errs.WithDetail("order", current.ID))
	}

	switch report.Status {
	case schema.OrderStatusCreated:
		m.logger.Error("exchange reported CREATED for a submitted order",
			zap.String("order", current.ID),
			zap.String("exchangeOrder", current.ExchangeOrderID))
		return s, nil
	case schema.OrderStatusRejected:
		if !schema.CanTransition(current.Status, schema.OrderStatusRejected) {
			return s, errs.New(component, errs.CodeExternalProvider,
				errs.WithMessage("rejection reported for an order with fills"),
				errs.WithDetail("order", current.ID),
				errs.WithDetail("status", string(current.Status)))
		}
		s.order.Status = schema.OrderStatusRejected
		s.order.FailureReason = report.Reason
		if s.order.FailureReason == "" {
			s.order.FailureReason = "rejected by exchange"
		}
		m.releaseReservation(&s)
		s.changed = true
		return s, nil
	case schema.OrderStatusPending, schema.OrderStatusPartiallyFilled, schema.OrderStatusFilled,
		schema.OrderStatusCanceled, schema.OrderStatusExpired:
	default:
		return s, errs.External(component, "unknown order status reported",
			fmt.Errorf("status %q for order %s", report.Status, current.ID))
	}

	executed := numeric.Round(report.ExecutedQuantity)
	if report.Status == schema.OrderStatusFilled {
		executed = current.Quantity
	}
	if executed.GreaterThan(current.Quantity) {
		return s, errs.New(component, errs.CodeExternalProvider,
			errs.WithMessage("reported executed quantity exceeds order quantity"),
			errs.WithDetail("order", current.ID),
			errs.WithDetail("executed", numeric.Format(executed)),
			errs.WithDetail("quantity", numeric.Format(current.Quantity)))
	}
	delta := executed.Sub(current.FilledQuantity)
	if delta.Sign() < 0 {
		m.logger.Warn("reported executed quantity below persisted fill",
			zap.String("order", current.ID),
			zap.String("executed", numeric.Format(executed)),
			zap.String("filled", numeric.Format(current.FilledQuantity)))
		delta = decimal.Zero
	}
	if delta.Sign() > 0 {
		if err := m.applyFill(ctx, tx, &s, delta, report.Price); err != nil {
			return s, err
		}
	}

	now := m.now().UTC()
	next := s.order.Status
	switch {
	case s.order.FilledQuantity.Equal(s.order.Quantity):
		next = schema.OrderStatusFilled
	case report.Status == schema.OrderStatusCanceled || report.Status == schema.OrderStatusExpired:
		next = report.Status
	case s.order.FilledQuantity.Sign() > 0:
		next = schema.OrderStatusPartiallyFilled
	}
	if next != current.Status {
		if !schema.CanTransition(current.Status, next) {
			return s, errs.Internal(component, "illegal order transition",
				errs.WithDetail("order", current.ID),
				errs.WithDetail("from", string(current.Status)),
				errs.WithDetail("to", string(next)))
		}
		s.order.Status = next
		s.changed = true
	}
	switch next {
	case schema.OrderStatusFilled:
		if s.order.ExecutedAt == nil {
			s.order.ExecutedAt = &now
		}
		m.releaseReservation(&s)
	case schema.OrderStatusCanceled, schema.OrderStatusExpired:
		if s.order.CanceledAt == nil {
			s.order.CanceledAt = &now
		}
		m.releaseReservation(&s)
	}
	return s, nil
}

// fillPrice derives the price of the newly executed delta from the cumulative
// average reported by the exchange.
func fillPrice(current schema.Order, executed, delta, reported decimal.Decimal) decimal.Decimal {
	if !numeric.Positive(reported) {
		return current.Price
	}
	if current.FilledQuantity.IsZero() || !numeric.Positive(current.AverageFillPrice) {
		return numeric.Round(reported)
	}
	total := reported.Mul(executed).Sub(current.AverageFillPrice.Mul(current.FilledQuantity))
	price := numeric.Round(total.Div(delta))
	if !numeric.Positive(price) {
		return numeric.Round(reported)
	}
	return price
}

// feeShare returns the part of the order fee attributable to delta. The fill that
// completes the order takes whatever remains unsettled.
func feeShare(o schema.Order, delta decimal.Decimal, final bool) decimal.Decimal {
	unsettled := o.Fee.Sub(o.FeeSettled)
	if unsettled.Sign() <= 0 {
		return decimal.Zero
	}
	if final {
		return unsettled
	}
	return numeric.Min(numeric.Round(o.Fee.Mul(delta).Div(o.Quantity)), unsettled)
}

func (m *Manager) applyFill(ctx context.Context, tx tradestore.Tx, s *settlement, delta, reported decimal.Decimal) error {
	o := &s.order
	executed := o.FilledQuantity.Add(delta)
	price := fillPrice(*o, executed, delta, reported)
	final := executed.Equal(o.Quantity)
	fee := feeShare(*o, delta, final)

	p, err := tx.GetPosition(ctx, o.AccountID, o.Asset)
	if err != nil {
		if !errs.IsCode(err, errs.CodeNotFound) || o.Side == schema.SideSell {
			return errs.Internal(component, "fill for an order without a position",
				errs.WithDetail("order", o.ID), errs.WithCause(err))
		}
		p, err = m.positions.GetOrCreateTx(ctx, tx, o.AccountID, o.Asset)
		if err != nil {
			return err
		}
	}

	switch o.Side {
	case schema.SideBuy:
		cost := numeric.Mul(delta, price)
		share := o.Reserved
		if !final {
			share = numeric.Min(o.Reserved, numeric.Round(numeric.Mul(delta, o.Price).Add(fee)))
		}
		need := numeric.Round(cost.Add(fee))
		if need.GreaterThan(share) {
			s.walletOps = append(s.walletOps, ledger.Amount(ledger.Reserve, need.Sub(share)))
		}
		if numeric.Positive(cost) {
			s.walletOps = append(s.walletOps, ledger.Amount(ledger.Place, cost))
		}
		if numeric.Positive(fee) {
			s.walletOps = append(s.walletOps, ledger.Amount(ledger.ChargeReserved, fee))
		}
		if share.GreaterThan(need) {
			s.walletOps = append(s.walletOps, ledger.Amount(ledger.ReleaseReserved, share.Sub(need)))
		}
		o.Reserved = numeric.Round(o.Reserved.Sub(share))
		next, err := position.ApplyBuy(p, delta, price)
		if err != nil {
			return err
		}
		p = next
	case schema.SideSell:
		next, res, err := position.ApplySell(p, delta, price)
		if err != nil {
			if errs.IsCode(err, errs.CodeInternal) {
				return err
			}
			return errs.Internal(component, "sell fill exceeds position", errs.WithDetail("order", o.ID), errs.WithCause(err))
		}
		p = next
		proceeds := numeric.Round(numeric.Mul(delta, price).Sub(fee))
		switch {
		case proceeds.Sign() >= 0:
			if numeric.Positive(res.Committed) || numeric.Positive(proceeds) {
				s.walletOps = append(s.walletOps, func(w schema.Wallet) (schema.Wallet, error) {
					return ledger.Settle(w, res.Committed, proceeds)
				})
			}
		default:
			if numeric.Positive(res.Committed) {
				s.walletOps = append(s.walletOps, func(w schema.Wallet) (schema.Wallet, error) {
					return ledger.Settle(w, res.Committed, decimal.Zero)
				})
			}
			s.walletOps = append(s.walletOps, ledger.Amount(ledger.Withdraw, proceeds.Neg()))
		}
		m.logger.Debug("sell fill realized",
			zap.String("order", o.ID),
			zap.String("pnl", numeric.Format(res.PnL)),
			zap.String("committed", numeric.Format(res.Committed)))
	}

	filledBefore := o.FilledQuantity
	o.FilledQuantity = numeric.Round(executed)
	o.AverageFillPrice = numeric.Round(o.AverageFillPrice.Mul(filledBefore).Add(price.Mul(delta)).Div(o.FilledQuantity))
	o.FeeSettled = numeric.Round(o.FeeSettled.Add(fee))
	o.PositionID = p.ID
	s.position = &p
	s.changed = true
	m.recordFill(ctx, o.Side)
	return nil
}

// releaseReservation returns whatever the order still holds in reserved to free.
func (m *Manager) releaseReservation(s *settlement) {
	if !numeric.Positive(s.order.Reserved) {
		return
	}
	s.walletOps = append(s.walletOps, ledger.Amount(ledger.ReleaseReserved, s.order.Reserved))
	s.order.Reserved = decimal.Zero
	s.changed = true
}
