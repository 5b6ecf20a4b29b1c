package paper

import (
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/strategos/internal/app/provider"
	"github.com/coachpo/strategos/internal/numeric"
)

type tick struct {
	at    time.Time
	price decimal.Decimal
}

// assetFeed produces the price series of one asset.
type assetFeed struct {
	script  []decimal.Decimal
	cursor  int
	last    decimal.Decimal
	rng     *rand.Rand
	vol     float64
	history []tick
	limit   int
}

func newAssetFeed(script []decimal.Decimal, start decimal.Decimal, vol float64, seed uint64, limit int) *assetFeed {
	return &assetFeed{
		script: script,
		last:   start,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		vol:    vol,
		limit:  limit,
	}
}

func (f *assetFeed) next(at time.Time) decimal.Decimal {
	switch {
	case len(f.script) > 0 && f.cursor < len(f.script):
		f.last = f.script[f.cursor]
		f.cursor++
	case len(f.script) > 0:
	default:
		step := 1 + f.vol*f.rng.NormFloat64()
		if step <= 0.01 {
			step = 0.01
		}
		f.last = numeric.Round(f.last.Mul(decimal.NewFromFloat(step)))
	}
	f.history = append(f.history, tick{at: at, price: f.last})
	if len(f.history) > f.limit {
		f.history = f.history[len(f.history)-f.limit:]
	}
	return f.last
}

// candles folds the recorded ticks into bars of width, oldest first, keeping the newest limit bars.
func (f *assetFeed) candles(width time.Duration, start, end time.Time, limit int) []provider.Candle {
	var out []provider.Candle
	for _, t := range f.history {
		if !start.IsZero() && t.at.Before(start) {
			continue
		}
		if !end.IsZero() && t.at.After(end) {
			continue
		}
		open := t.at.Truncate(width)
		if n := len(out); n > 0 && out[n-1].OpenTime.Equal(open) {
			bar := &out[n-1]
			bar.High = decimal.Max(bar.High, t.price)
			bar.Low = decimal.Min(bar.Low, t.price)
			bar.Close = t.price
			bar.Volume = bar.Volume.Add(decimal.NewFromInt(1))
			continue
		}
		out = append(out, provider.Candle{
			OpenTime: open,
			Open:     t.price,
			High:     t.price,
			Low:      t.price,
			Close:    t.price,
			Volume:   decimal.NewFromInt(1),
		})
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
