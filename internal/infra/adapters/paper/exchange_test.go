package paper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/strategos/internal/app/provider"
	"github.com/coachpo/strategos/internal/domain/schema"
	"github.com/coachpo/strategos/internal/numeric"
)

func d(s string) decimal.Decimal { return numeric.MustParse(s) }

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func TestScriptedTicksAndCandles(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	ex := New(Options{
		Ticks:       map[string][]decimal.Decimal{"btc": {d("100"), d("101"), d("99")}},
		CandleWidth: time.Minute,
		Now:         c.Now,
	})

	var last provider.MarketData
	for i := 0; i < 4; i++ {
		md, err := ex.RetrieveMarketData(ctx, provider.MarketDataRequest{
			Asset: "BTC",
			Kinds: []provider.MarketDataKind{provider.MarketDataPrice, provider.MarketDataCandles},
		})
		require.NoError(t, err)
		last = md
		c.now = c.now.Add(time.Minute)
	}
	require.True(t, last.Price.Equal(d("99")), "script holds its last tick")
	require.Len(t, last.Candles, 4)
	require.True(t, last.Candles[0].Close.Equal(d("100")))
	require.True(t, last.Candles[1].Close.Equal(d("101")))

	md, err := ex.RetrieveMarketData(ctx, provider.MarketDataRequest{
		Asset: "BTC", Kinds: []provider.MarketDataKind{provider.MarketDataCandles}, Limit: 2,
	})
	require.NoError(t, err)
	require.Len(t, md.Candles, 2)
}

func TestRandomWalkIsSeeded(t *testing.T) {
	ctx := context.Background()
	series := func() []string {
		ex := New(Options{Seed: 7, StartPrice: d("50")})
		var out []string
		for i := 0; i < 5; i++ {
			md, err := ex.RetrieveMarketData(ctx, provider.MarketDataRequest{Asset: "ETH"})
			require.NoError(t, err)
			require.True(t, md.Price.IsPositive())
			out = append(out, md.Price.String())
		}
		return out
	}
	require.Equal(t, series(), series())
}

func TestWarmupPopulatesCandles(t *testing.T) {
	ex := New(Options{Seed: 1, Warmup: 30})
	md, err := ex.RetrieveMarketData(context.Background(), provider.MarketDataRequest{
		Asset: "SOL", Kinds: []provider.MarketDataKind{provider.MarketDataCandles}, Interval: "1m",
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(md.Candles), 30)
}

func TestOrderLifecycle(t *testing.T) {
	ctx := context.Background()
	ex := New(Options{FeeRate: d("0.001"), FillFraction: d("0.5")})
	order := schema.Order{ID: "o1", Side: schema.SideBuy, Asset: "BTC", Quantity: d("2"), Price: d("100")}

	res, err := ex.PlaceOrder(ctx, order)
	require.NoError(t, err)
	require.Equal(t, provider.PlaceStatusSuccess, res.Status)
	require.True(t, res.Fee.Equal(d("0.2")))
	order.ExchangeOrderID = res.ExchangeOrderID

	report, err := ex.GetOrderStatus(ctx, order)
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusPartiallyFilled, report.Status)
	require.True(t, report.ExecutedQuantity.Equal(d("1")))

	report, err = ex.GetOrderStatus(ctx, order)
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusFilled, report.Status)
	require.True(t, report.ExecutedQuantity.Equal(d("2")))
	require.True(t, report.Price.Equal(d("100")))

	require.NoError(t, ex.CancelOrder(ctx, order))
	report, err = ex.GetOrderStatus(ctx, order)
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusFilled, report.Status, "cancel after fill is a no-op")
}

func TestCancelAndExpire(t *testing.T) {
	ctx := context.Background()
	ex := New(Options{FillFraction: d("0.25")})
	place := func() schema.Order {
		o := schema.Order{Side: schema.SideSell, Quantity: d("4"), Price: d("10")}
		res, err := ex.PlaceOrder(ctx, o)
		require.NoError(t, err)
		o.ExchangeOrderID = res.ExchangeOrderID
		return o
	}

	a := place()
	_, err := ex.GetOrderStatus(ctx, a)
	require.NoError(t, err)
	require.NoError(t, ex.CancelOrder(ctx, a))
	report, err := ex.GetOrderStatus(ctx, a)
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusCanceled, report.Status)
	require.True(t, report.ExecutedQuantity.Equal(d("1")))

	b := place()
	require.NoError(t, ex.Expire(b.ExchangeOrderID))
	report, err = ex.GetOrderStatus(ctx, b)
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusExpired, report.Status)
	require.True(t, report.ExecutedQuantity.IsZero())

	_, err = ex.GetOrderStatus(ctx, schema.Order{ExchangeOrderID: "nope"})
	require.ErrorIs(t, err, ErrUnknownOrder)
}

func TestInjectedFailures(t *testing.T) {
	ctx := context.Background()
	ex := New(Options{})
	order := schema.Order{Quantity: d("1"), Price: d("1")}

	ex.RejectNext("INSUFFICIENT_MARGIN", "no margin")
	res, err := ex.PlaceOrder(ctx, order)
	require.NoError(t, err)
	require.Equal(t, provider.PlaceStatusFail, res.Status)
	require.Equal(t, "INSUFFICIENT_MARGIN", res.ErrorCode)

	boom := errors.New("connection reset")
	ex.FailNext(boom)
	_, err = ex.PlaceOrder(ctx, order)
	require.ErrorIs(t, err, boom)

	res, err = ex.PlaceOrder(ctx, order)
	require.NoError(t, err)
	require.Equal(t, provider.PlaceStatusSuccess, res.Status)
}

func TestRegisterFactory(t *testing.T) {
	reg := provider.NewRegistry()
	RegisterFactory(reg)
	inst, err := reg.Create(context.Background(), "paper", map[string]any{
		"name":     "sim",
		"fee_rate": "0.002",
		"ticks":    map[string]any{"BTC": []any{"10", 11.5}},
	})
	require.NoError(t, err)
	require.Equal(t, "sim", inst.Name())

	md, err := inst.RetrieveMarketData(context.Background(), provider.MarketDataRequest{Asset: "btc"})
	require.NoError(t, err)
	require.True(t, md.Price.Equal(d("10")))

	_, err = reg.Create(context.Background(), "paper", map[string]any{"ticks": map[string]any{"BTC": "bad"}})
	require.Error(t, err)
}
