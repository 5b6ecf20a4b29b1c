package risk

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/strategos/errs"
	"github.com/coachpo/strategos/internal/domain/schema"
)

func TestManager_Throttle(t *testing.T) {
	manager := NewManager(Limits{OrderThrottle: 10})

	for i := 0; i < 10; i++ {
		if err := manager.Throttle(context.Background()); err != nil {
			t.Fatalf("order %d should have passed, but got error: %v", i+1, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := manager.Throttle(ctx); err == nil {
		t.Fatal("order should have been throttled, but it was not")
	} else if !errs.IsCode(err, errs.CodeExternalProvider) {
		t.Fatalf("expected retryable throttle error, got %v", err)
	}
}

func TestManager_ThrottleDisabled(t *testing.T) {
	manager := NewManager(Limits{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	for i := 0; i < 100; i++ {
		if err := manager.Throttle(ctx); err != nil {
			t.Fatalf("unthrottled manager rejected order %d: %v", i, err)
		}
	}
}

func TestManager_CheckOrder(t *testing.T) {
	manager := NewManager(Limits{
		MaxOrderQuantity: decimal.NewFromInt(10),
		MaxOrderNotional: decimal.NewFromInt(1000),
		MaxPositionSize:  decimal.NewFromInt(15),
	})

	ok := schema.Order{Side: schema.SideBuy, Quantity: decimal.NewFromInt(5), Price: decimal.NewFromInt(100)}
	if err := manager.CheckOrder(ok, decimal.NewFromInt(5)); err != nil {
		t.Fatalf("order within limits rejected: %v", err)
	}

	tooBig := ok
	tooBig.Quantity = decimal.NewFromInt(11)
	if err := manager.CheckOrder(tooBig, decimal.Zero); !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("expected quantity limit violation, got %v", err)
	}

	tooExpensive := ok
	tooExpensive.Price = decimal.NewFromInt(300)
	if err := manager.CheckOrder(tooExpensive, decimal.Zero); !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("expected notional limit violation, got %v", err)
	}

	if err := manager.CheckOrder(ok, decimal.NewFromInt(11)); !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("expected position limit violation, got %v", err)
	}

	sell := ok
	sell.Side = schema.SideSell
	if err := manager.CheckOrder(sell, decimal.NewFromInt(11)); err != nil {
		t.Fatalf("sell should not be bound by position size: %v", err)
	}
}

func TestManager_UpdateLimits(t *testing.T) {
	manager := NewManager(Limits{})
	manager.UpdateLimits(Limits{MaxOrderQuantity: decimal.NewFromInt(1)})
	if !manager.Limits().MaxOrderQuantity.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("limits not updated")
	}
}
