package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/strategos/internal/domain/schema"
)

type stubInstance struct{ name string }

func (s stubInstance) Name() string { return s.name }
func (stubInstance) RetrieveMarketData(context.Context, MarketDataRequest) (MarketData, error) {
	return MarketData{}, nil
}
func (stubInstance) PlaceOrder(context.Context, schema.Order) (PlaceOrderResult, error) {
	return PlaceOrderResult{}, nil
}
func (stubInstance) CancelOrder(context.Context, schema.Order) error { return nil }
func (stubInstance) GetOrderStatus(context.Context, schema.Order) (OrderStatusReport, error) {
	return OrderStatusReport{}, nil
}

func TestRegistryCreate(t *testing.T) {
	reg := NewRegistry()
	reg.Register(AdapterMetadata{Identifier: " Stub "}, func(_ context.Context, settings map[string]any) (Instance, error) {
		name, _ := settings["name"].(string)
		return stubInstance{name: name}, nil
	})

	inst, err := reg.Create(context.Background(), "STUB", map[string]any{"name": "x"})
	require.NoError(t, err)
	require.Equal(t, "x", inst.Name())

	_, err = reg.Create(context.Background(), "missing", nil)
	require.Error(t, err)

	adapters := reg.Adapters()
	require.Len(t, adapters, 1)
	require.Equal(t, "stub", adapters[0].Identifier)
}

func TestRegistryWrapsFactoryError(t *testing.T) {
	reg := NewRegistry()
	boom := errors.New("boom")
	reg.Register(AdapterMetadata{Identifier: "bad"}, func(context.Context, map[string]any) (Instance, error) {
		return nil, boom
	})
	_, err := reg.Create(context.Background(), "bad", nil)
	require.ErrorIs(t, err, boom)
}

func TestIntervalDuration(t *testing.T) {
	d, ok := Interval("15m").Duration()
	require.True(t, ok)
	require.Equal(t, "15m0s", d.String())
	_, ok = Interval("7m").Duration()
	require.False(t, ok)
}

func TestRequestWants(t *testing.T) {
	req := MarketDataRequest{Kinds: []MarketDataKind{MarketDataPrice}}
	require.True(t, req.Wants(MarketDataPrice))
	require.False(t, req.Wants(MarketDataCandles))
}
