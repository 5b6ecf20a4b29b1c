package order

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coachpo/strategos/errs"
	"github.com/coachpo/strategos/internal/app/ledger"
	"github.com/coachpo/strategos/internal/app/provider"
	"github.com/coachpo/strategos/internal/domain/schema"
	"github.com/coachpo/strategos/internal/domain/tradestore"
	"github.com/coachpo/strategos/internal/numeric"
	"github.com/coachpo/strategos/lib/retry"
)

// normaliseSignal validates a signal and fills the asset from the strategy when omitted.
func normaliseSignal(strategy schema.Strategy, signal schema.TradeSignal) (schema.TradeSignal, error) {
	if !signal.Side.Valid() {
		return signal, errs.Validation(component, "signal side invalid", errs.WithDetail("side", string(signal.Side)))
	}
	if signal.Type == "" {
		signal.Type = schema.OrderTypeLimit
	}
	if !signal.Type.Valid() {
		return signal, errs.Validation(component, "signal order type invalid", errs.WithDetail("type", string(signal.Type)))
	}
	signal.Asset = strings.ToUpper(strings.TrimSpace(signal.Asset))
	if signal.Asset == "" {
		signal.Asset = strings.ToUpper(strings.TrimSpace(strategy.Asset))
	}
	if signal.Asset == "" {
		return signal, errs.Validation(component, "signal asset required")
	}
	signal.Quantity = numeric.Round(signal.Quantity)
	signal.Price = numeric.Round(signal.Price)
	if !numeric.Positive(signal.Quantity) {
		return signal, errs.Validation(component, "signal quantity must be positive",
			errs.WithDetail("quantity", numeric.Format(signal.Quantity)))
	}
	if !numeric.Positive(signal.Price) {
		return signal, errs.Validation(component, "signal price must be positive",
			errs.WithDetail("price", numeric.Format(signal.Price)))
	}
	if strings.TrimSpace(strategy.ID) == "" || strings.TrimSpace(strategy.AccountID) == "" {
		return signal, errs.Validation(component, "strategy id and account required")
	}
	return signal, nil
}

// EstimatedFee is the fee assumed for pre-submit balance checks.
func (m *Manager) EstimatedFee(notional decimal.Decimal) decimal.Decimal {
	return numeric.Mul(notional, m.cfg.FeeRate)
}

// businessRejection reports whether err should persist the order as REJECTED.
func businessRejection(err error) bool {
	return errs.IsCode(err, errs.CodeInsufficientBalance) || errs.IsCode(err, errs.CodeInsufficientQuantity)
}

// availableToSell returns the position quantity not already committed to open SELL orders.
func availableToSell(ctx context.Context, tx tradestore.Tx, p schema.Position, excludeOrderID string) (decimal.Decimal, error) {
	open, err := tx.ListOrders(ctx, tradestore.OrderQuery{
		AccountID: p.AccountID,
		Asset:     p.Asset,
		Side:      schema.SideSell,
		Statuses:  schema.OpenStatuses(),
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("list open sell orders: %w", err)
	}
	available := p.TotalQuantity
	for _, o := range open {
		if o.ID == excludeOrderID {
			continue
		}
		available = available.Sub(o.Remaining())
	}
	if available.Sign() < 0 {
		return decimal.Zero, nil
	}
	return available, nil
}

// checkFunds runs the balance or quantity precondition for order inside tx.
func (m *Manager) checkFunds(ctx context.Context, tx tradestore.Tx, order schema.Order, p *schema.Position) error {
	if order.Side == schema.SideBuy {
		wallet, err := tx.GetWallet(ctx, order.AccountID)
		if err != nil {
			return fmt.Errorf("load wallet: %w", err)
		}
		required := numeric.Round(order.Notional().Add(m.EstimatedFee(order.Notional())))
		if wallet.Free.LessThan(required) {
			return errs.InsufficientBalance(component, string(ledger.BucketFree), numeric.Format(required), numeric.Format(wallet.Free))
		}
		return nil
	}
	if p == nil {
		return errs.InsufficientQuantity(component, order.Asset, numeric.Format(order.Quantity), numeric.Format(decimal.Zero))
	}
	available, err := availableToSell(ctx, tx, *p, order.ID)
	if err != nil {
		return err
	}
	if available.LessThan(order.Quantity) {
		return errs.InsufficientQuantity(component, order.Asset, numeric.Format(order.Quantity), numeric.Format(available))
	}
	return nil
}

// CreateOrder validates signal for strategy and persists the resulting order.
//
// Malformed signals return a validation error and persist nothing. When the wallet
// or position cannot cover the order the order is persisted REJECTED, returned,
// and the business error is returned alongside it. Otherwise the order is
// persisted CREATED and linked to the account's position for the asset.
func (m *Manager) CreateOrder(ctx context.Context, strategy schema.Strategy, signal schema.TradeSignal) (schema.Order, error) {
	signal, err := normaliseSignal(strategy, signal)
	if err != nil {
		return schema.Order{}, err
	}
	now := m.now().UTC()
	order := schema.Order{
		ID:               uuid.NewString(),
		StrategyID:       strategy.ID,
		AccountID:        strategy.AccountID,
		Side:             signal.Side,
		Type:             signal.Type,
		Asset:            signal.Asset,
		Quantity:         signal.Quantity,
		FilledQuantity:   decimal.Zero,
		Price:            signal.Price,
		AverageFillPrice: decimal.Zero,
		Fee:              decimal.Zero,
		FeeSettled:       decimal.Zero,
		Reserved:         decimal.Zero,
		Status:           schema.OrderStatusCreated,
		Justification:    signal.Justification,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	var rejection error
	err = m.trades.WithTransaction(ctx, func(ctx context.Context, tx tradestore.Tx) error {
		var held *schema.Position
		if existing, err := tx.GetPosition(ctx, order.AccountID, order.Asset); err == nil {
			held = &existing
		} else if !errs.IsCode(err, errs.CodeNotFound) {
			return fmt.Errorf("load position: %w", err)
		}
		if m.risk != nil {
			heldQty := decimal.Zero
			if held != nil {
				heldQty = held.TotalQuantity
			}
			if err := m.risk.CheckOrder(order, heldQty); err != nil {
				return err
			}
		}
		if err := m.checkFunds(ctx, tx, order, held); err != nil {
			if !businessRejection(err) {
				return err
			}
			rejection = err
			order.Status = schema.OrderStatusRejected
			order.FailureReason = reasonOf(err)
			if held != nil {
				order.PositionID = held.ID
			}
			return tx.CreateOrder(ctx, order)
		}
		p, err := m.positions.GetOrCreateTx(ctx, tx, order.AccountID, order.Asset)
		if err != nil {
			return fmt.Errorf("position: %w", err)
		}
		order.PositionID = p.ID
		return tx.CreateOrder(ctx, order)
	})
	if err != nil {
		if errs.IsCode(err, errs.CodeInvalid) {
			return schema.Order{}, err
		}
		m.logger.Error("order attempt abandoned",
			zap.String("strategy", strategy.ID),
			zap.String("side", string(signal.Side)),
			zap.Error(err))
		return schema.Order{}, fmt.Errorf("create order: %w", err)
	}
	m.recordTransition(ctx, order.Side, order.Status)
	if rejection != nil {
		m.logger.Warn("order rejected",
			zap.String("order", order.ID),
			zap.String("strategy", strategy.ID),
			zap.String("reason", order.FailureReason))
		return order, rejection
	}
	m.logger.Debug("order created",
		zap.String("order", order.ID),
		zap.String("strategy", strategy.ID),
		zap.String("side", string(order.Side)),
		zap.String("quantity", numeric.Format(order.Quantity)),
		zap.String("price", numeric.Format(order.Price)))
	return order, nil
}

// PlaceOrder creates the order and submits it to the exchange.
//
// On a successful submit a BUY reserves quantity*price plus the exchange-reported
// fee and the order moves to PENDING; a SELL re-verifies the available position
// quantity. Submit failures, timeouts and post-submit reservation failures leave
// the order REJECTED with no balance mutation.
func (m *Manager) PlaceOrder(ctx context.Context, strategy schema.Strategy, signal schema.TradeSignal) (schema.Order, error) {
	unlock := m.locks.lock(strategy.AccountID)
	defer unlock()

	order, err := m.CreateOrder(ctx, strategy, signal)
	if err != nil {
		return order, err
	}

	if m.risk != nil {
		if err := m.risk.Throttle(ctx); err != nil {
			return m.rejectWith(ctx, order, reasonOf(err), err)
		}
	}

	submitCtx, cancel := m.exchangeContext(ctx)
	result, err := m.exchange.PlaceOrder(submitCtx, order)
	cancel()
	if err != nil {
		return m.rejectWith(ctx, order, "submit failed: "+err.Error(), errs.External(component, "order submit failed", err))
	}
	if result.Status != provider.PlaceStatusSuccess {
		reason := strings.TrimSpace(strings.Trim(result.ErrorCode+": "+result.ErrorMessage, ": "))
		if reason == "" {
			reason = "exchange rejected order"
		}
		return m.rejectWith(ctx, order, reason, errs.New(component, errs.CodeExternalProvider,
			errs.WithMessage("exchange rejected order"),
			errs.WithDetail("code", result.ErrorCode),
			errs.WithDetail("message", result.ErrorMessage)))
	}

	acked, err := m.acknowledge(ctx, order, result)
	if err != nil {
		cancelCtx, cancel := m.exchangeContext(ctx)
		order.ExchangeOrderID = result.ExchangeOrderID
		if cerr := m.exchange.CancelOrder(cancelCtx, order); cerr != nil {
			m.logger.Error("cancel after failed acknowledgement",
				zap.String("order", order.ID),
				zap.String("exchangeOrder", result.ExchangeOrderID),
				zap.Error(cerr))
		}
		cancel()
		return m.rejectWith(ctx, order, reasonOf(err), err)
	}
	m.recordTransition(ctx, acked.Side, acked.Status)
	m.logger.Info("order placed",
		zap.String("order", acked.ID),
		zap.String("exchangeOrder", acked.ExchangeOrderID),
		zap.String("side", string(acked.Side)),
		zap.String("reserved", numeric.Format(acked.Reserved)),
		zap.String("fee", numeric.Format(acked.Fee)))
	return acked, nil
}

// acknowledge records a successful submit: reservation for BUY, quantity check for SELL.
func (m *Manager) acknowledge(ctx context.Context, order schema.Order, result provider.PlaceOrderResult) (schema.Order, error) {
	var out schema.Order
	err := retry.OnConflict(ctx, m.retry, func(ctx context.Context) error {
		return m.trades.WithTransaction(ctx, func(ctx context.Context, tx tradestore.Tx) error {
			current, err := tx.GetOrder(ctx, order.ID)
			if err != nil {
				return err
			}
			if current.Status != schema.OrderStatusCreated {
				return errs.Internal(component, "acknowledged order is not CREATED",
					errs.WithDetail("order", order.ID),
					errs.WithDetail("status", string(current.Status)))
			}
			fee := numeric.Round(result.Fee)
			if fee.Sign() < 0 {
				fee = decimal.Zero
			}
			current.Fee = fee
			current.ExchangeOrderID = result.ExchangeOrderID
			switch current.Side {
			case schema.SideBuy:
				reserve := numeric.Round(current.Notional().Add(fee))
				if _, err := m.ledger.ApplyTx(ctx, tx, current.AccountID, ledger.Amount(ledger.Reserve, reserve)); err != nil {
					return err
				}
				current.Reserved = reserve
			case schema.SideSell:
				p, err := tx.GetPosition(ctx, current.AccountID, current.Asset)
				if err != nil {
					if errs.IsCode(err, errs.CodeNotFound) {
						return errs.InsufficientQuantity(component, current.Asset, numeric.Format(current.Quantity), numeric.Format(decimal.Zero))
					}
					return err
				}
				available, err := availableToSell(ctx, tx, p, current.ID)
				if err != nil {
					return err
				}
				if available.LessThan(current.Quantity) {
					return errs.InsufficientQuantity(component, current.Asset, numeric.Format(current.Quantity), numeric.Format(available))
				}
			}
			current.Status = schema.OrderStatusPending
			if err := tx.UpdateOrder(ctx, current); err != nil {
				return err
			}
			out = current
			return nil
		})
	})
	return out, err
}

// rejectWith persists order as REJECTED with reason and returns it with cause.
func (m *Manager) rejectWith(ctx context.Context, order schema.Order, reason string, cause error) (schema.Order, error) {
	order.Status = schema.OrderStatusRejected
	order.FailureReason = reason
	if err := m.trades.WithTransaction(ctx, func(ctx context.Context, tx tradestore.Tx) error {
		current, err := tx.GetOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		current.Status = schema.OrderStatusRejected
		current.FailureReason = reason
		order = current
		return tx.UpdateOrder(ctx, current)
	}); err != nil {
		m.logger.Error("persist order rejection",
			zap.String("order", order.ID),
			zap.String("reason", reason),
			zap.Error(err))
		return order, fmt.Errorf("reject order %s: %w", order.ID, err)
	}
	m.recordTransition(ctx, order.Side, order.Status)
	m.logger.Warn("order rejected",
		zap.String("order", order.ID),
		zap.String("strategy", order.StrategyID),
		zap.String("reason", reason))
	return order, cause
}

func reasonOf(err error) string {
	var e *errs.E
	if errors.As(err, &e) && e.Message != "" {
		parts := []string{e.Message}
		for _, key := range []string{"bucket", "asset", "requested", "available"} {
			if v := e.Detail(key); v != "" {
				parts = append(parts, key+"="+v)
			}
		}
		return strings.Join(parts, " ")
	}
	return err.Error()
}
