// Package strategy defines the runtime contract every trading strategy implements
// and the registry that maps strategy type tags to constructors.
package strategy

import (
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/strategos/internal/app/provider"
	"github.com/coachpo/strategos/internal/domain/schema"
)

// Strategy is the capability set the orchestrator drives on every run.
//
// Analyze must not perform I/O. GenerateSignals is deterministic given the
// preceding Analyze call. State and SetState round-trip a versioned JSON blob
// owned by the strategy.
type Strategy interface {
	RequiredMarketData() []provider.MarketDataKind
	Analyze(data provider.MarketData) error
	GenerateSignals() []schema.TradeSignal
	State() (json.RawMessage, error)
	SetState(state json.RawMessage) error
	SetActiveOrders(orders []schema.Order)
	ActiveOrderIDs() []string
}

// CandleWindow is implemented by strategies that need a candle history. The
// orchestrator requests candles of Interval covering Lookback before now.
type CandleWindow interface {
	CandleWindow() (interval provider.Interval, lookback time.Duration)
}

// PositionAware is implemented by strategies that size signals from the
// account's current holding of the strategy asset.
type PositionAware interface {
	SetPosition(position schema.Position)
}

// Closer is implemented by strategies holding resources such as script VMs.
type Closer interface {
	Close()
}

// ConfigIssue is one configuration validation failure.
type ConfigIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (i ConfigIssue) String() string {
	if i.Field == "" {
		return i.Message
	}
	return i.Field + ": " + i.Message
}

// ActiveIDs returns the ids of orders in their input order.
func ActiveIDs(orders []schema.Order) []string {
	if len(orders) == 0 {
		return nil
	}
	out := make([]string, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.ID)
	}
	return out
}
