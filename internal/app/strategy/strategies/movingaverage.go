package strategies

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/strategos/internal/app/provider"
	"github.com/coachpo/strategos/internal/app/strategy"
	"github.com/coachpo/strategos/internal/domain/schema"
	"github.com/coachpo/strategos/internal/numeric"
)

// MovingAverageType is the registry tag of the moving-average crossover strategy.
const MovingAverageType = "moving_average"

const movingAverageStateVersion = 1

// MovingAverageConfig configures the crossover thresholds.
type MovingAverageConfig struct {
	// ShortPeriod and LongPeriod are window lengths in candles.
	ShortPeriod int `json:"shortPeriod"`
	LongPeriod  int `json:"longPeriod"`
	// ThresholdBuy and ThresholdSell are fractions of the long average in (0,1].
	ThresholdBuy  decimal.Decimal   `json:"thresholdBuy"`
	ThresholdSell decimal.Decimal   `json:"thresholdSell"`
	Interval      provider.Interval `json:"interval"`
	// Quantity is the size of each entry order.
	Quantity decimal.Decimal `json:"quantity"`
}

// MovingAverageMetadata describes the moving-average strategy.
var MovingAverageMetadata = strategy.Metadata{
	Name:        MovingAverageType,
	Version:     "1.0.0",
	DisplayName: "Moving Average Crossover",
	Description: "Buys when the short moving average falls below the long average by thresholdBuy and sells the holding when it rises above by thresholdSell. One position at a time.",
	Config: []strategy.ConfigField{
		{Name: "shortPeriod", Type: "int", Description: "Short window in candles", Required: true},
		{Name: "longPeriod", Type: "int", Description: "Long window in candles", Required: true},
		{Name: "thresholdBuy", Type: "decimal", Description: "Buy threshold as a fraction of the long average", Required: true},
		{Name: "thresholdSell", Type: "decimal", Description: "Sell threshold as a fraction of the long average", Required: true},
		{Name: "interval", Type: "string", Description: "Candle interval", Required: true},
		{Name: "quantity", Type: "decimal", Description: "Entry order quantity", Required: true},
	},
}

// ValidateMovingAverageConfig checks every field independently so all problems
// are reported at once.
func ValidateMovingAverageConfig(raw json.RawMessage) []strategy.ConfigIssue {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return []strategy.ConfigIssue{{Message: "config must be a JSON object"}}
	}
	var issues []strategy.ConfigIssue
	add := func(field, msg string) {
		issues = append(issues, strategy.ConfigIssue{Field: field, Message: msg})
	}

	short, shortOK := positiveInt(fields, "shortPeriod", add)
	long, longOK := positiveInt(fields, "longPeriod", add)
	if shortOK && longOK && short >= long {
		add("shortPeriod", "shortPeriod must be less than longPeriod")
	}
	for _, name := range []string{"thresholdBuy", "thresholdSell"} {
		v, ok := decimalField(fields, name, add)
		if ok && (v.Sign() <= 0 || v.GreaterThan(decimal.NewFromInt(1))) {
			add(name, name+" must be between 0 and 1")
		}
	}
	switch v, ok := fields["interval"]; {
	case !ok || v == nil:
		add("interval", "interval is required")
	default:
		s, isString := v.(string)
		if _, valid := provider.Interval(s).Duration(); !isString || !valid {
			add("interval", fmt.Sprintf("interval %v is not supported", v))
		}
	}
	if q, ok := decimalField(fields, "quantity", add); ok && !numeric.Positive(q) {
		add("quantity", "quantity must be positive")
	}
	return issues
}

func positiveInt(fields map[string]any, name string, add func(string, string)) (int, bool) {
	v, ok := fields[name]
	if !ok || v == nil {
		add(name, name+" is required")
		return 0, false
	}
	f, isNumber := v.(float64)
	if !isNumber {
		add(name, name+" must be a number")
		return 0, false
	}
	if f != float64(int(f)) || f < 1 {
		add(name, name+" must be a positive integer")
		return 0, false
	}
	return int(f), true
}

func decimalField(fields map[string]any, name string, add func(string, string)) (decimal.Decimal, bool) {
	v, ok := fields[name]
	if !ok || v == nil {
		add(name, name+" is required")
		return decimal.Zero, false
	}
	switch typed := v.(type) {
	case float64:
		return decimal.NewFromFloat(typed), true
	case string:
		if d, ok := numeric.Parse(typed); ok {
			return d, true
		}
	}
	add(name, name+" must be a number")
	return decimal.Zero, false
}

type movingAverageState struct {
	Version     int             `json:"version"`
	LastShortMA decimal.Decimal `json:"lastShortMA"`
	LastLongMA  decimal.Decimal `json:"lastLongMA"`
	LastPrice   decimal.Decimal `json:"lastPrice"`
	HoldReason  string          `json:"holdReason,omitempty"`
	Entries     int             `json:"entries"`
	Exits       int             `json:"exits"`
}

// MovingAverage implements the crossover strategy.
type MovingAverage struct {
	cfg      MovingAverageConfig
	asset    string
	state    movingAverageState
	active   []string
	held     decimal.Decimal
	analyzed bool
	ready    bool
}

// NewMovingAverage builds the strategy from raw configuration.
func NewMovingAverage(raw json.RawMessage) (strategy.Strategy, error) {
	if issues := ValidateMovingAverageConfig(raw); len(issues) > 0 {
		return nil, fmt.Errorf("invalid config: %s", issues[0])
	}
	var cfg MovingAverageConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &MovingAverage{cfg: cfg, state: movingAverageState{Version: movingAverageStateVersion}}, nil
}

func (s *MovingAverage) RequiredMarketData() []provider.MarketDataKind {
	return []provider.MarketDataKind{provider.MarketDataCandles, provider.MarketDataPrice}
}

// CandleWindow requests LongPeriod candles of the configured interval.
func (s *MovingAverage) CandleWindow() (provider.Interval, time.Duration) {
	width, _ := s.cfg.Interval.Duration()
	return s.cfg.Interval, time.Duration(s.cfg.LongPeriod) * width
}

func (s *MovingAverage) SetPosition(p schema.Position) {
	s.held = p.TotalQuantity
	s.asset = p.Asset
}

func (s *MovingAverage) Analyze(data provider.MarketData) error {
	s.analyzed = true
	s.ready = false
	if data.Asset != "" {
		s.asset = data.Asset
	}
	closes := make([]decimal.Decimal, 0, len(data.Candles))
	for _, c := range data.Candles {
		if numeric.Positive(c.Close) {
			closes = append(closes, c.Close)
		}
	}
	price := data.Price
	if !numeric.Positive(price) && len(closes) > 0 {
		price = closes[len(closes)-1]
	}
	s.state.LastPrice = numeric.Round(price)
	if len(closes) < s.cfg.LongPeriod || !numeric.Positive(price) {
		s.state.HoldReason = fmt.Sprintf("need %d candles and a price, have %d", s.cfg.LongPeriod, len(closes))
		return nil
	}
	s.state.LastShortMA = mean(closes[len(closes)-s.cfg.ShortPeriod:])
	s.state.LastLongMA = mean(closes[len(closes)-s.cfg.LongPeriod:])
	s.ready = true
	return nil
}

func mean(values []decimal.Decimal) decimal.Decimal {
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}
	return numeric.Round(sum.Div(decimal.NewFromInt(int64(len(values)))))
}

func (s *MovingAverage) GenerateSignals() []schema.TradeSignal {
	if !s.analyzed || !s.ready {
		return nil
	}
	one := decimal.NewFromInt(1)
	short, long := s.state.LastShortMA, s.state.LastLongMA
	buyBelow := numeric.Mul(long, one.Sub(s.cfg.ThresholdBuy))
	sellAbove := numeric.Mul(long, one.Add(s.cfg.ThresholdSell))
	flat := len(s.active) == 0

	switch {
	case flat && s.held.IsZero() && short.LessThan(buyBelow):
		s.state.HoldReason = ""
		s.state.Entries++
		return []schema.TradeSignal{{
			Side:     schema.SideBuy,
			Type:     schema.OrderTypeLimit,
			Asset:    s.asset,
			Quantity: s.cfg.Quantity,
			Price:    s.state.LastPrice,
			Justification: fmt.Sprintf("short MA %s below buy threshold %s",
				numeric.Format(short), numeric.Format(buyBelow)),
		}}
	case flat && s.held.Sign() > 0 && short.GreaterThan(sellAbove):
		s.state.HoldReason = ""
		s.state.Exits++
		return []schema.TradeSignal{{
			Side:     schema.SideSell,
			Type:     schema.OrderTypeLimit,
			Asset:    s.asset,
			Quantity: s.held,
			Price:    s.state.LastPrice,
			Justification: fmt.Sprintf("short MA %s above sell threshold %s",
				numeric.Format(short), numeric.Format(sellAbove)),
		}}
	}
	s.state.HoldReason = fmt.Sprintf("short MA: %s, long MA: %s, threshold buy: %s, threshold sell: %s",
		numeric.Format(short), numeric.Format(long), numeric.Format(buyBelow), numeric.Format(sellAbove))
	return nil
}

func (s *MovingAverage) State() (json.RawMessage, error) {
	return strategy.EncodeState(movingAverageStateVersion, s.state)
}

func (s *MovingAverage) SetState(raw json.RawMessage) error {
	var st movingAverageState
	ok, err := strategy.DecodeState(MovingAverageType, raw, movingAverageStateVersion, &st)
	if err != nil {
		return err
	}
	if ok {
		s.state = st
	}
	return nil
}

func (s *MovingAverage) SetActiveOrders(orders []schema.Order) {
	s.active = strategy.ActiveIDs(orders)
}

// ActiveOrderIDs keeps every open order; the strategy never abandons an entry.
func (s *MovingAverage) ActiveOrderIDs() []string {
	return append([]string(nil), s.active...)
}
