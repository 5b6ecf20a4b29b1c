package js

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coachpo/strategos/internal/app/provider"
	"github.com/coachpo/strategos/internal/app/strategy"
	"github.com/coachpo/strategos/internal/domain/schema"
	"github.com/coachpo/strategos/internal/numeric"
)

const scriptStateVersion = 1

type scriptState struct {
	Version int             `json:"version"`
	Module  string          `json:"module"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type envConfig struct {
	Config   map[string]any    `json:"config"`
	Metadata strategy.Metadata `json:"metadata"`
}

// Strategy adapts a JavaScript handler object to strategy.Strategy.
type Strategy struct {
	instance *Instance
	handler  *goja.Object
	module   *Module
	logger   *zap.Logger
	signals  []schema.TradeSignal
	sigErr   error
	active   []string
}

// NewStrategy instantiates module and calls its create export with params.
func NewStrategy(module *Module, params map[string]any, timeout time.Duration, logger *zap.Logger) (*Strategy, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	instance, err := NewInstance(module, timeout, logger)
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}
	value, err := instance.Call("create", envConfig{Config: params, Metadata: strategy.CloneMetadata(module.Metadata)})
	if err != nil {
		instance.Close()
		return nil, fmt.Errorf("script %s: create failed: %w", module.Name, err)
	}
	raw, err := instance.Execute(func(rt *goja.Runtime, _ *goja.Object) (goja.Value, error) {
		if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
			return nil, fmt.Errorf("create returned no handler")
		}
		return value.ToObject(rt), nil
	})
	if err != nil {
		instance.Close()
		return nil, fmt.Errorf("script %s: %w", module.Name, err)
	}
	handler, ok := raw.(*goja.Object)
	if !ok {
		instance.Close()
		return nil, fmt.Errorf("script %s: create result not an object", module.Name)
	}
	for _, required := range []string{"analyze", "generateSignals"} {
		if !instance.Has(handler, required) {
			instance.Close()
			return nil, fmt.Errorf("script %s: handler must implement %s", module.Name, required)
		}
	}
	return &Strategy{instance: instance, handler: handler, module: module, logger: logger}, nil
}

// Close releases the VM.
func (s *Strategy) Close() {
	s.instance.Close()
}

func (s *Strategy) optional(method string, args ...any) (goja.Value, bool, error) {
	if !s.instance.Has(s.handler, method) {
		return nil, false, nil
	}
	v, err := s.instance.CallMethod(s.handler, method, args...)
	return v, true, err
}

func (s *Strategy) RequiredMarketData() []provider.MarketDataKind {
	v, ok, err := s.optional("requiredMarketData")
	if err != nil {
		s.logger.Warn("script requiredMarketData failed", zap.String("script", s.module.Name), zap.Error(err))
	}
	if !ok || err != nil {
		return []provider.MarketDataKind{provider.MarketDataPrice}
	}
	items, _ := s.instance.Export(v).([]any)
	out := make([]provider.MarketDataKind, 0, len(items))
	for _, item := range items {
		if kind, ok := item.(string); ok {
			out = append(out, provider.MarketDataKind(strings.ToUpper(strings.TrimSpace(kind))))
		}
	}
	return out
}

// CandleWindow reads {interval, lookbackSeconds} from the optional candleWindow method.
func (s *Strategy) CandleWindow() (provider.Interval, time.Duration) {
	v, ok, err := s.optional("candleWindow")
	if !ok || err != nil {
		return "", 0
	}
	window, _ := s.instance.Export(v).(map[string]any)
	interval, _ := window["interval"].(string)
	seconds, _ := toDecimal(window["lookbackSeconds"])
	return provider.Interval(interval), time.Duration(seconds.IntPart()) * time.Second
}

func (s *Strategy) SetPosition(p schema.Position) {
	payload := map[string]any{
		"asset":       p.Asset,
		"quantity":    p.TotalQuantity.InexactFloat64(),
		"realizedPnl": p.RealizedPnL.InexactFloat64(),
	}
	if p.AverageEntryPrice.Valid {
		payload["averageEntryPrice"] = p.AverageEntryPrice.Decimal.InexactFloat64()
	}
	if _, _, err := s.optional("setPosition", payload); err != nil {
		s.logger.Warn("script setPosition failed", zap.String("script", s.module.Name), zap.Error(err))
	}
}

func marketDataValue(data provider.MarketData) map[string]any {
	candles := make([]any, 0, len(data.Candles))
	for _, c := range data.Candles {
		candles = append(candles, map[string]any{
			"openTime": c.OpenTime.UnixMilli(),
			"open":     c.Open.InexactFloat64(),
			"high":     c.High.InexactFloat64(),
			"low":      c.Low.InexactFloat64(),
			"close":    c.Close.InexactFloat64(),
			"volume":   c.Volume.InexactFloat64(),
		})
	}
	return map[string]any{
		"asset":   data.Asset,
		"price":   data.Price.InexactFloat64(),
		"asOf":    data.AsOf.UnixMilli(),
		"candles": candles,
	}
}

// Analyze calls analyze(data) and then captures generateSignals() so the
// signals are computed against exactly this analysis.
func (s *Strategy) Analyze(data provider.MarketData) error {
	s.signals, s.sigErr = nil, nil
	if _, err := s.instance.CallMethod(s.handler, "analyze", marketDataValue(data)); err != nil {
		return fmt.Errorf("script %s: analyze: %w", s.module.Name, err)
	}
	v, err := s.instance.CallMethod(s.handler, "generateSignals")
	if err != nil {
		s.sigErr = fmt.Errorf("script %s: generateSignals: %w", s.module.Name, err)
		return s.sigErr
	}
	signals, err := parseSignals(s.instance.Export(v))
	if err != nil {
		s.sigErr = fmt.Errorf("script %s: %w", s.module.Name, err)
		return s.sigErr
	}
	s.signals = signals
	return nil
}

func (s *Strategy) GenerateSignals() []schema.TradeSignal {
	return append([]schema.TradeSignal(nil), s.signals...)
}

func (s *Strategy) State() (json.RawMessage, error) {
	st := scriptState{Module: s.module.Name}
	v, ok, err := s.optional("getState")
	if err != nil {
		return nil, fmt.Errorf("script %s: getState: %w", s.module.Name, err)
	}
	if ok {
		data, err := json.Marshal(s.instance.Export(v))
		if err != nil {
			return nil, fmt.Errorf("script %s: encode state: %w", s.module.Name, err)
		}
		st.Data = data
	}
	return strategy.EncodeState(scriptStateVersion, st)
}

func (s *Strategy) SetState(raw json.RawMessage) error {
	var st scriptState
	ok, err := strategy.DecodeState(Type, raw, scriptStateVersion, &st)
	if err != nil || !ok {
		return err
	}
	if st.Module != "" && st.Module != s.module.Name {
		return fmt.Errorf("script %s: state belongs to module %s", s.module.Name, st.Module)
	}
	if len(st.Data) == 0 {
		return nil
	}
	var data any
	if err := json.Unmarshal(st.Data, &data); err != nil {
		return fmt.Errorf("script %s: decode state: %w", s.module.Name, err)
	}
	if _, _, err := s.optional("setState", data); err != nil {
		return fmt.Errorf("script %s: setState: %w", s.module.Name, err)
	}
	return nil
}

func (s *Strategy) SetActiveOrders(orders []schema.Order) {
	s.active = strategy.ActiveIDs(orders)
	ids := make([]any, 0, len(s.active))
	for _, id := range s.active {
		ids = append(ids, id)
	}
	if _, _, err := s.optional("setActiveOrders", ids); err != nil {
		s.logger.Warn("script setActiveOrders failed", zap.String("script", s.module.Name), zap.Error(err))
	}
}

// ActiveOrderIDs asks activeOrderIds() when implemented and otherwise keeps every open order.
func (s *Strategy) ActiveOrderIDs() []string {
	v, ok, err := s.optional("activeOrderIds")
	if !ok || err != nil {
		if err != nil {
			s.logger.Warn("script activeOrderIds failed; keeping open orders", zap.String("script", s.module.Name), zap.Error(err))
		}
		return append([]string(nil), s.active...)
	}
	items, _ := s.instance.Export(v).([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if id, ok := item.(string); ok && id != "" {
			out = append(out, id)
		}
	}
	return out
}

func parseSignals(raw any) ([]schema.TradeSignal, error) {
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, errors.New("generateSignals must return an array")
	}
	out := make([]schema.TradeSignal, 0, len(items))
	for idx, item := range items {
		fields, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("signal %d must be an object", idx)
		}
		side, _ := fields["side"].(string)
		orderType, _ := fields["type"].(string)
		asset, _ := fields["asset"].(string)
		justification, _ := fields["justification"].(string)
		qty, err := toDecimal(fields["quantity"])
		if err != nil {
			return nil, fmt.Errorf("signal %d quantity: %w", idx, err)
		}
		price, err := toDecimal(fields["price"])
		if err != nil {
			return nil, fmt.Errorf("signal %d price: %w", idx, err)
		}
		out = append(out, schema.TradeSignal{
			Side:          schema.Side(strings.ToUpper(strings.TrimSpace(side))),
			Type:          schema.OrderType(strings.ToUpper(strings.TrimSpace(orderType))),
			Asset:         asset,
			Quantity:      qty,
			Price:         price,
			Justification: justification,
		})
	}
	return out, nil
}

func toDecimal(value any) (decimal.Decimal, error) {
	switch v := value.(type) {
	case nil:
		return decimal.Zero, errors.New("value required")
	case string:
		d, ok := numeric.Parse(v)
		if !ok {
			return decimal.Zero, fmt.Errorf("invalid number %q", v)
		}
		return d, nil
	case float64:
		return numeric.Round(decimal.NewFromFloat(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	default:
		return decimal.Zero, fmt.Errorf("unsupported number type %T", value)
	}
}
