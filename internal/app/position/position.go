// Package position tracks per-asset holdings, average entry price and realized P&L.
package position

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coachpo/strategos/errs"
	"github.com/coachpo/strategos/internal/domain/schema"
	"github.com/coachpo/strategos/internal/domain/tradestore"
	"github.com/coachpo/strategos/internal/numeric"
)

const component = "position"

// IsEmpty reports whether the position holds no quantity.
func IsEmpty(p schema.Position) bool {
	return p.IsEmpty()
}

// ApplyBuy adds a BUY fill of qty at price and recomputes the average entry price.
func ApplyBuy(p schema.Position, qty, price decimal.Decimal) (schema.Position, error) {
	if !numeric.Positive(qty) || !numeric.Positive(price) {
		return p, errs.Validation(component, "buy fill requires positive quantity and price")
	}
	if !p.AverageEntryPrice.Valid || p.TotalQuantity.IsZero() {
		if p.TotalQuantity.Sign() > 0 {
			return p, errs.Internal(component, "position holds quantity without an average entry price",
				errs.WithDetail("position", p.ID))
		}
		p.AverageEntryPrice = decimal.NewNullDecimal(numeric.Round(price))
		p.TotalQuantity = numeric.Round(qty)
		p.CostBasis = numeric.Mul(qty, price)
		return p, nil
	}
	oldQty := p.TotalQuantity
	newQty := oldQty.Add(qty)
	cost := p.AverageEntryPrice.Decimal.Mul(oldQty).Add(price.Mul(qty))
	p.AverageEntryPrice = decimal.NewNullDecimal(numeric.Round(cost.Div(newQty)))
	p.TotalQuantity = numeric.Round(newQty)
	p.CostBasis = numeric.Round(p.CostBasis.Add(numeric.Mul(qty, price)))
	return p, nil
}

// SellResult describes the accounting effect of one SELL fill.
type SellResult struct {
	// PnL is the realized profit or loss of the fill.
	PnL decimal.Decimal
	// Committed is the cost basis released by the fill.
	Committed decimal.Decimal
}

// ApplySell removes a SELL fill of qty at price and accrues realized P&L.
// The average entry price is unchanged. Closing the whole position releases
// all remaining cost basis so rounding never strands placed balance.
func ApplySell(p schema.Position, qty, price decimal.Decimal) (schema.Position, SellResult, error) {
	if !numeric.Positive(qty) || !numeric.Positive(price) {
		return p, SellResult{}, errs.Validation(component, "sell fill requires positive quantity and price")
	}
	if !p.AverageEntryPrice.Valid {
		return p, SellResult{}, errs.Internal(component, "sell fill on a position without an average entry price",
			errs.WithDetail("position", p.ID))
	}
	if p.TotalQuantity.LessThan(qty) {
		return p, SellResult{}, errs.InsufficientQuantity(component, p.Asset, numeric.Format(qty), numeric.Format(p.TotalQuantity))
	}
	avg := p.AverageEntryPrice.Decimal
	result := SellResult{PnL: numeric.Round(price.Sub(avg).Mul(qty))}
	if qty.Equal(p.TotalQuantity) {
		result.Committed = p.CostBasis
	} else {
		result.Committed = numeric.Min(numeric.Mul(qty, avg), p.CostBasis)
	}
	p.RealizedPnL = numeric.Round(p.RealizedPnL.Add(result.PnL))
	p.TotalQuantity = numeric.Round(p.TotalQuantity.Sub(qty))
	p.CostBasis = numeric.Round(p.CostBasis.Sub(result.Committed))
	return p, result, nil
}

// Tracker persists positions through a trade store.
type Tracker struct {
	store  tradestore.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewTracker constructs a Tracker. A nil logger disables logging.
func NewTracker(store tradestore.Store, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{store: store, logger: logger, now: time.Now}
}

// GetOrCreateTx returns the position for (accountID, asset), creating an empty one inside tx.
func (t *Tracker) GetOrCreateTx(ctx context.Context, tx tradestore.Tx, accountID, asset string) (schema.Position, error) {
	accountID = strings.TrimSpace(accountID)
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if accountID == "" || asset == "" {
		return schema.Position{}, errs.Validation(component, "position requires account and asset")
	}
	existing, err := tx.GetPosition(ctx, accountID, asset)
	if err == nil {
		return existing, nil
	}
	if !errs.IsCode(err, errs.CodeNotFound) {
		return schema.Position{}, err
	}
	now := t.now().UTC()
	fresh := schema.Position{
		ID:            uuid.NewString(),
		AccountID:     accountID,
		Asset:         asset,
		TotalQuantity: decimal.Zero,
		RealizedPnL:   decimal.Zero,
		CostBasis:     decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := tx.CreatePosition(ctx, fresh); err != nil {
		return schema.Position{}, err
	}
	t.logger.Debug("position created", zap.String("account", accountID), zap.String("asset", asset))
	return tx.GetPosition(ctx, accountID, asset)
}

// GetOrCreate is GetOrCreateTx in its own transaction. Repeated calls return the same position.
func (t *Tracker) GetOrCreate(ctx context.Context, accountID, asset string) (schema.Position, error) {
	var out schema.Position
	err := t.store.WithTransaction(ctx, func(ctx context.Context, tx tradestore.Tx) error {
		p, err := t.GetOrCreateTx(ctx, tx, accountID, asset)
		out = p
		return err
	})
	return out, err
}

// Get loads an existing position.
func (t *Tracker) Get(ctx context.Context, accountID, asset string) (schema.Position, error) {
	return t.store.GetPosition(ctx, accountID, strings.ToUpper(strings.TrimSpace(asset)))
}

// List returns every position of the account.
func (t *Tracker) List(ctx context.Context, accountID string) ([]schema.Position, error) {
	return t.store.ListPositions(ctx, accountID)
}
