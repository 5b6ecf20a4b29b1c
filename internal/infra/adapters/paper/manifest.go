package paper

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/strategos/internal/app/provider"
)

// Identifier is the adapter name used in configuration.
const Identifier = "paper"

// Metadata describes the adapter settings.
func Metadata() provider.AdapterMetadata {
	return provider.AdapterMetadata{
		Identifier:  Identifier,
		DisplayName: "Paper venue",
		Description: "Simulated exchange with scripted or random-walk prices and deterministic fills",
		SettingsSchema: []provider.AdapterSetting{
			{Name: "name", Type: "string", Default: defaultName},
			{Name: "start_price", Type: "decimal", Default: defaultStartPrice, Description: "First price of random-walk assets"},
			{Name: "volatility", Type: "float", Default: defaultVolatility, Description: "Per-tick standard deviation of the walk"},
			{Name: "seed", Type: "int", Description: "Random walk seed"},
			{Name: "warmup", Type: "int", Description: "Ticks generated before the first request"},
			{Name: "fee_rate", Type: "decimal", Description: "Fee charged on order notional"},
			{Name: "fill_fraction", Type: "decimal", Default: "1", Description: "Share of quantity filled per poll"},
			{Name: "candle_width", Type: "duration", Default: defaultCandleWidth.String()},
			{Name: "ticks", Type: "map", Description: "Scripted prices per asset"},
		},
	}
}

// RegisterFactory registers the paper adapter with reg.
func RegisterFactory(reg *provider.Registry) {
	reg.Register(Metadata(), func(_ context.Context, cfg map[string]any) (provider.Instance, error) {
		opts, err := OptionsFromSettings(cfg)
		if err != nil {
			return nil, err
		}
		return New(opts), nil
	})
}

// OptionsFromSettings decodes adapter settings.
func OptionsFromSettings(cfg map[string]any) (Options, error) {
	var opts Options
	if name, ok := cfg["name"].(string); ok {
		opts.Name = strings.TrimSpace(name)
	}
	if v, ok, err := decimalFromConfig(cfg, "start_price"); err != nil {
		return opts, err
	} else if ok {
		opts.StartPrice = v
	}
	if v, ok, err := decimalFromConfig(cfg, "fee_rate"); err != nil {
		return opts, err
	} else if ok {
		opts.FeeRate = v
	}
	if v, ok, err := decimalFromConfig(cfg, "fill_fraction"); err != nil {
		return opts, err
	} else if ok {
		opts.FillFraction = v
	}
	if vol, ok := floatFromConfig(cfg, "volatility"); ok {
		opts.Volatility = vol
	}
	if seed, ok := intFromConfig(cfg, "seed"); ok && seed >= 0 {
		opts.Seed = uint64(seed)
	}
	if warmup, ok := intFromConfig(cfg, "warmup"); ok {
		opts.Warmup = warmup
	}
	if width, ok := durationFromConfig(cfg, "candle_width"); ok {
		opts.CandleWidth = width
	}
	if raw, ok := cfg["ticks"].(map[string]any); ok {
		opts.Ticks = make(map[string][]decimal.Decimal, len(raw))
		for asset, series := range raw {
			list, ok := series.([]any)
			if !ok {
				return opts, fmt.Errorf("paper: ticks for %s must be a list", asset)
			}
			for i, item := range list {
				d, err := toDecimal(item)
				if err != nil {
					return opts, fmt.Errorf("paper: ticks for %s[%d]: %w", asset, i, err)
				}
				opts.Ticks[asset] = append(opts.Ticks[asset], d)
			}
		}
	}
	return opts, nil
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch value := v.(type) {
	case string:
		return decimal.NewFromString(strings.TrimSpace(value))
	case float64:
		return decimal.NewFromFloat(value), nil
	case int:
		return decimal.NewFromInt(int64(value)), nil
	case int64:
		return decimal.NewFromInt(value), nil
	default:
		return decimal.Zero, fmt.Errorf("unsupported number %T", v)
	}
}

func decimalFromConfig(cfg map[string]any, key string) (decimal.Decimal, bool, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return decimal.Zero, false, nil
	}
	d, err := toDecimal(v)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("paper: %s: %w", key, err)
	}
	return d, true, nil
}

func durationFromConfig(cfg map[string]any, key string) (time.Duration, bool) {
	v, ok := cfg[key]
	if !ok {
		return 0, false
	}
	switch value := v.(type) {
	case string:
		d, err := time.ParseDuration(value)
		if err != nil {
			return 0, false
		}
		return d, true
	case int:
		return time.Duration(value) * time.Second, true
	case float64:
		return time.Duration(value * float64(time.Second)), true
	default:
		return 0, false
	}
}

func floatFromConfig(cfg map[string]any, key string) (float64, bool) {
	switch value := cfg[key].(type) {
	case float64:
		return value, true
	case int:
		return float64(value), true
	case string:
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

func intFromConfig(cfg map[string]any, key string) (int, bool) {
	switch value := cfg[key].(type) {
	case int:
		return value, true
	case int64:
		return int(value), true
	case float64:
		return int(value), true
	case string:
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed, true
		}
	}
	return 0, false
}
