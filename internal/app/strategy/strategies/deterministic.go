package strategies

import (
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/strategos/internal/app/provider"
	"github.com/coachpo/strategos/internal/app/strategy"
	"github.com/coachpo/strategos/internal/domain/schema"
	"github.com/coachpo/strategos/internal/numeric"
)

// DeterministicType is the registry tag of the scripted test strategy.
const DeterministicType = "deterministic"

const deterministicStateVersion = 1

// DeterministicConfig lists the signals emitted on every run.
type DeterministicConfig struct {
	Signals []schema.TradeSignal `json:"signals"`
	// AbandonOpen drops every open order from the active set so the orchestrator cancels it.
	AbandonOpen bool `json:"abandonOpen"`
	// MaxRuns stops emitting signals after this many runs when positive.
	MaxRuns int `json:"maxRuns"`
}

// DeterministicMetadata describes the deterministic strategy.
var DeterministicMetadata = strategy.Metadata{
	Name:        DeterministicType,
	Version:     "1.0.0",
	DisplayName: "Deterministic",
	Description: "Emits a fixed list of signals on every run. Used for testing the settlement pipeline.",
	Config: []strategy.ConfigField{
		{Name: "signals", Type: "[]signal", Description: "Signals emitted on each run"},
		{Name: "abandonOpen", Type: "bool", Description: "Release every open order on each run", Default: false},
		{Name: "maxRuns", Type: "int", Description: "Stop emitting after this many runs", Default: 0},
	},
}

func defaultDeterministicSignals() []schema.TradeSignal {
	return []schema.TradeSignal{
		{Side: schema.SideBuy, Type: schema.OrderTypeLimit, Quantity: decimal.NewFromInt(1), Price: numeric.MustParse("100.123"), Justification: "deterministic buy"},
		{Side: schema.SideSell, Type: schema.OrderTypeLimit, Quantity: decimal.NewFromInt(1), Price: numeric.MustParse("100.124"), Justification: "deterministic sell"},
	}
}

// ValidateDeterministicConfig checks the configured signals.
func ValidateDeterministicConfig(raw json.RawMessage) []strategy.ConfigIssue {
	if len(raw) == 0 {
		return nil
	}
	var cfg DeterministicConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return []strategy.ConfigIssue{{Message: "config malformed: " + err.Error()}}
	}
	var issues []strategy.ConfigIssue
	for idx, sig := range cfg.Signals {
		field := fmt.Sprintf("signals[%d]", idx)
		if !sig.Side.Valid() {
			issues = append(issues, strategy.ConfigIssue{Field: field + ".side", Message: "side must be BUY or SELL"})
		}
		if sig.Type != "" && !sig.Type.Valid() {
			issues = append(issues, strategy.ConfigIssue{Field: field + ".type", Message: "unsupported order type"})
		}
		if !numeric.Positive(sig.Quantity) {
			issues = append(issues, strategy.ConfigIssue{Field: field + ".quantity", Message: "quantity must be positive"})
		}
		if !numeric.Positive(sig.Price) {
			issues = append(issues, strategy.ConfigIssue{Field: field + ".price", Message: "price must be positive"})
		}
	}
	if cfg.MaxRuns < 0 {
		issues = append(issues, strategy.ConfigIssue{Field: "maxRuns", Message: "maxRuns must not be negative"})
	}
	return issues
}

type deterministicState struct {
	Version   int             `json:"version"`
	Runs      int             `json:"runs"`
	LastPrice decimal.Decimal `json:"lastPrice"`
}

// Deterministic emits its configured signals unchanged.
type Deterministic struct {
	cfg    DeterministicConfig
	state  deterministicState
	active []string
}

// NewDeterministic builds the strategy from raw configuration.
func NewDeterministic(raw json.RawMessage) (strategy.Strategy, error) {
	var cfg DeterministicConfig
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	if len(cfg.Signals) == 0 {
		cfg.Signals = defaultDeterministicSignals()
	}
	return &Deterministic{cfg: cfg, state: deterministicState{Version: deterministicStateVersion}}, nil
}

func (s *Deterministic) RequiredMarketData() []provider.MarketDataKind {
	return []provider.MarketDataKind{provider.MarketDataPrice}
}

func (s *Deterministic) Analyze(data provider.MarketData) error {
	s.state.Runs++
	s.state.LastPrice = numeric.Round(data.Price)
	return nil
}

func (s *Deterministic) GenerateSignals() []schema.TradeSignal {
	if s.cfg.MaxRuns > 0 && s.state.Runs > s.cfg.MaxRuns {
		return nil
	}
	out := make([]schema.TradeSignal, len(s.cfg.Signals))
	copy(out, s.cfg.Signals)
	return out
}

func (s *Deterministic) State() (json.RawMessage, error) {
	return strategy.EncodeState(deterministicStateVersion, s.state)
}

func (s *Deterministic) SetState(raw json.RawMessage) error {
	var st deterministicState
	ok, err := strategy.DecodeState(DeterministicType, raw, deterministicStateVersion, &st)
	if err != nil {
		return err
	}
	if ok {
		s.state = st
	}
	return nil
}

func (s *Deterministic) SetActiveOrders(orders []schema.Order) {
	s.active = strategy.ActiveIDs(orders)
}

func (s *Deterministic) ActiveOrderIDs() []string {
	if s.cfg.AbandonOpen {
		return nil
	}
	return append([]string(nil), s.active...)
}
