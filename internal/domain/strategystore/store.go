// Package strategystore defines persistence contracts for strategies, their executions and run leases.
package strategystore

import (
	"context"
	"time"

	"github.com/coachpo/strategos/internal/domain/schema"
)

// StrategyQuery scopes strategy lookups.
type StrategyQuery struct {
	Status          schema.StrategyStatus `json:"status,omitempty"`
	IncludeArchived bool                  `json:"includeArchived,omitempty"`
}

// Matches reports whether the strategy satisfies the query.
func (q StrategyQuery) Matches(s schema.Strategy) bool {
	if s.Archived && !q.IncludeArchived {
		return false
	}
	return q.Status == "" || s.Status == q.Status
}

// ExecutionQuery scopes execution lookups.
type ExecutionQuery struct {
	StrategyID string                   `json:"strategyId,omitempty"`
	Statuses   []schema.ExecutionStatus `json:"statuses,omitempty"`
	Limit      int                      `json:"limit,omitempty"`
}

// Matches reports whether the execution satisfies every populated filter.
func (q ExecutionQuery) Matches(e schema.StrategyExecution) bool {
	if q.StrategyID != "" && e.StrategyID != q.StrategyID {
		return false
	}
	if len(q.Statuses) == 0 {
		return true
	}
	for _, status := range q.Statuses {
		if e.Status == status {
			return true
		}
	}
	return false
}

// Store abstracts persistence operations for strategies.
//
// CreateStrategy returns an errs.CodeAlreadyExists envelope when the name is taken.
// AcquireLease grants the lease when it is free, expired, or already held by owner,
// and reports false without error when another owner holds it.
type Store interface {
	CreateStrategy(ctx context.Context, strategy schema.Strategy) error
	UpdateStrategy(ctx context.Context, strategy schema.Strategy) error
	GetStrategy(ctx context.Context, id string) (schema.Strategy, error)
	ListStrategies(ctx context.Context, query StrategyQuery) ([]schema.Strategy, error)

	CreateExecution(ctx context.Context, execution schema.StrategyExecution) error
	UpdateExecution(ctx context.Context, execution schema.StrategyExecution) error
	GetExecution(ctx context.Context, id string) (schema.StrategyExecution, error)
	ListExecutions(ctx context.Context, query ExecutionQuery) ([]schema.StrategyExecution, error)

	AcquireLease(ctx context.Context, strategyID, owner string, ttl time.Duration) (schema.Lease, bool, error)
	ReleaseLease(ctx context.Context, strategyID, owner string) error
}
