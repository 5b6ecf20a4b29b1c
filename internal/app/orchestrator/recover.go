package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/coachpo/strategos/internal/domain/schema"
	"github.com/coachpo/strategos/internal/domain/strategystore"
)

// InterruptedMessage is recorded on executions that ended without recording an outcome.
const InterruptedMessage = "interrupted: execution ended without recording an outcome"

// RecoverInterrupted fails executions left PENDING or IN_PROGRESS by a previous
// process. Executions whose strategy lease is held by another live owner are
// left alone. It returns the number of executions recovered.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) (int, error) {
	stale, err := o.strategies.ListExecutions(ctx, strategystore.ExecutionQuery{
		Statuses: []schema.ExecutionStatus{schema.ExecutionStatusPending, schema.ExecutionStatusInProgress},
	})
	if err != nil {
		return 0, fmt.Errorf("list unfinished executions: %w", err)
	}
	recovered := 0
	leased := make(map[string]bool)
	for _, exec := range stale {
		if o.Running(exec.StrategyID) {
			continue
		}
		mine, seen := leased[exec.StrategyID]
		if !seen {
			_, ok, err := o.strategies.AcquireLease(ctx, exec.StrategyID, o.cfg.Owner, o.cfg.LeaseTTL)
			if err != nil {
				return recovered, fmt.Errorf("acquire lease for %s: %w", exec.StrategyID, err)
			}
			mine = ok
			leased[exec.StrategyID] = ok
		}
		if !mine {
			o.logger.Info("execution owned by another process; not recovered",
				zap.String("strategy", exec.StrategyID),
				zap.String("execution", exec.ID))
			continue
		}
		if err := o.interrupt(ctx, exec); err != nil {
			return recovered, err
		}
		recovered++
	}
	for strategyID, mine := range leased {
		if !mine {
			continue
		}
		if err := o.strategies.ReleaseLease(ctx, strategyID, o.cfg.Owner); err != nil {
			o.logger.Warn("release recovery lease", zap.String("strategy", strategyID), zap.Error(err))
		}
	}
	if recovered > 0 {
		o.logger.Warn("recovered interrupted executions", zap.Int("count", recovered))
	}
	return recovered, nil
}
