package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/strategos/internal/infra/telemetry"
)

type poolGauge struct {
	name        string
	description string
	read        func(*pgxpool.Stat) int64
}

var poolGauges = []poolGauge{
	{"strategos.db.pool.connections.total", "Total connections (idle + acquired + constructing)",
		func(s *pgxpool.Stat) int64 { return int64(s.TotalConns()) }},
	{"strategos.db.pool.connections.idle", "Idle connections ready for checkout",
		func(s *pgxpool.Stat) int64 { return int64(s.IdleConns()) }},
	{"strategos.db.pool.connections.acquired", "Connections currently acquired by callers",
		func(s *pgxpool.Stat) int64 { return int64(s.AcquiredConns()) }},
	{"strategos.db.pool.connections.constructing", "Connections currently being constructed",
		func(s *pgxpool.Stat) int64 { return int64(s.ConstructingConns()) }},
}

// ObservePoolMetrics registers observable gauges reporting pgx pool health.
// A nil meter falls back to the global provider.
func ObservePoolMetrics(meter metric.Meter, pool *pgxpool.Pool, poolName string) error {
	if pool == nil {
		return nil
	}
	if meter == nil {
		meter = otel.Meter("strategos/postgres")
	}
	name := strings.TrimSpace(poolName)
	if name == "" {
		name = "primary"
	}
	attrs := metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrPoolName.String(name),
	)

	observables := make([]metric.Observable, 0, len(poolGauges))
	gauges := make([]metric.Int64ObservableGauge, 0, len(poolGauges))
	for _, g := range poolGauges {
		gauge, err := meter.Int64ObservableGauge(g.name,
			metric.WithDescription(g.description),
			metric.WithUnit("{connection}"))
		if err != nil {
			return fmt.Errorf("postgres: register %s: %w", g.name, err)
		}
		gauges = append(gauges, gauge)
		observables = append(observables, gauge)
	}
	_, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stat := pool.Stat()
		for i, g := range poolGauges {
			o.ObserveInt64(gauges[i], g.read(stat), attrs)
		}
		return nil
	}, observables...)
	if err != nil {
		return fmt.Errorf("postgres: register pool callback: %w", err)
	}
	return nil
}
