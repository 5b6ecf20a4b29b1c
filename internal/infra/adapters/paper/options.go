package paper

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultName         = "paper"
	defaultStartPrice   = "100"
	defaultVolatility   = 0.01
	defaultCandleWidth  = time.Minute
	defaultHistoryLimit = 1000
)

// Options configures the paper venue.
type Options struct {
	Name string
	// Ticks holds scripted prices per asset. Each market data request consumes one
	// tick and the last tick repeats once the script is exhausted.
	Ticks map[string][]decimal.Decimal
	// StartPrice seeds the random walk of assets without scripted ticks.
	StartPrice decimal.Decimal
	Volatility float64
	Seed       uint64
	// Warmup pre-generates that many ticks before the first request so candle
	// windows are populated immediately.
	Warmup int
	// FeeRate is charged on the notional of every accepted order.
	FeeRate decimal.Decimal
	// FillFraction is the share of the original quantity filled per status poll.
	FillFraction decimal.Decimal
	CandleWidth  time.Duration
	HistoryLimit int
	Now          func() time.Time
}

func (o Options) normalise() Options {
	o.Name = strings.TrimSpace(o.Name)
	if o.Name == "" {
		o.Name = defaultName
	}
	if !o.StartPrice.IsPositive() {
		o.StartPrice = decimal.RequireFromString(defaultStartPrice)
	}
	if o.Volatility < 0 {
		o.Volatility = 0
	} else if o.Volatility == 0 {
		o.Volatility = defaultVolatility
	}
	if o.FeeRate.IsNegative() {
		o.FeeRate = decimal.Zero
	}
	if !o.FillFraction.IsPositive() || o.FillFraction.GreaterThan(decimal.NewFromInt(1)) {
		o.FillFraction = decimal.NewFromInt(1)
	}
	if o.CandleWidth <= 0 {
		o.CandleWidth = defaultCandleWidth
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = defaultHistoryLimit
	}
	if o.Warmup < 0 {
		o.Warmup = 0
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	ticks := make(map[string][]decimal.Decimal, len(o.Ticks))
	for asset, series := range o.Ticks {
		ticks[strings.ToUpper(strings.TrimSpace(asset))] = append([]decimal.Decimal(nil), series...)
	}
	o.Ticks = ticks
	return o
}
