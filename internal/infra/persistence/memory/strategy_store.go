package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/strategos/errs"
	"github.com/coachpo/strategos/internal/domain/schema"
	"github.com/coachpo/strategos/internal/domain/strategystore"
)

// StrategyStore is an in-memory implementation of strategystore.Store.
type StrategyStore struct {
	mu         sync.RWMutex
	strategies map[string]schema.Strategy
	executions map[string]schema.StrategyExecution
	execSeq    []string
	leases     map[string]schema.Lease
	now        func() time.Time
}

var _ strategystore.Store = (*StrategyStore)(nil)

// NewStrategyStore creates an empty strategy store.
func NewStrategyStore() *StrategyStore {
	return &StrategyStore{
		strategies: make(map[string]schema.Strategy),
		executions: make(map[string]schema.StrategyExecution),
		leases:     make(map[string]schema.Lease),
		now:        time.Now,
	}
}

// CreateStrategy stores a new strategy; names are unique case-insensitively.
func (s *StrategyStore) CreateStrategy(ctx context.Context, strategy schema.Strategy) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.strategies[strategy.ID]; exists {
		return errs.New(component, errs.CodeAlreadyExists, errs.WithMessage("strategy already exists"), errs.WithDetail("id", strategy.ID))
	}
	for _, existing := range s.strategies {
		if strings.EqualFold(existing.Name, strategy.Name) {
			return errs.New(component, errs.CodeAlreadyExists, errs.WithMessage("strategy name already exists"), errs.WithDetail("name", strategy.Name))
		}
	}
	s.strategies[strategy.ID] = strategy
	return nil
}

// UpdateStrategy replaces a stored strategy.
func (s *StrategyStore) UpdateStrategy(ctx context.Context, strategy schema.Strategy) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.strategies[strategy.ID]; !exists {
		return errs.NotFound(component, "strategy", strategy.ID)
	}
	strategy.UpdatedAt = s.now().UTC()
	s.strategies[strategy.ID] = strategy
	return nil
}

// GetStrategy loads a strategy by id.
func (s *StrategyStore) GetStrategy(ctx context.Context, id string) (schema.Strategy, error) {
	if err := ctxErr(ctx); err != nil {
		return schema.Strategy{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	strategy, ok := s.strategies[id]
	if !ok {
		return schema.Strategy{}, errs.NotFound(component, "strategy", id)
	}
	return strategy, nil
}

// ListStrategies returns strategies ordered by creation time.
func (s *StrategyStore) ListStrategies(ctx context.Context, query strategystore.StrategyQuery) ([]schema.Strategy, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]schema.Strategy, 0, len(s.strategies))
	for _, strategy := range s.strategies {
		if query.Matches(strategy) {
			out = append(out, strategy)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// CreateExecution stores a new execution record.
func (s *StrategyStore) CreateExecution(ctx context.Context, execution schema.StrategyExecution) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[execution.ID]; exists {
		return errs.New(component, errs.CodeAlreadyExists, errs.WithMessage("execution already exists"), errs.WithDetail("id", execution.ID))
	}
	s.executions[execution.ID] = execution
	s.execSeq = append(s.execSeq, execution.ID)
	return nil
}

// UpdateExecution replaces a stored execution record.
func (s *StrategyStore) UpdateExecution(ctx context.Context, execution schema.StrategyExecution) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[execution.ID]; !exists {
		return errs.NotFound(component, "execution", execution.ID)
	}
	s.executions[execution.ID] = execution
	return nil
}

// GetExecution loads an execution by id.
func (s *StrategyStore) GetExecution(ctx context.Context, id string) (schema.StrategyExecution, error) {
	if err := ctxErr(ctx); err != nil {
		return schema.StrategyExecution{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	execution, ok := s.executions[id]
	if !ok {
		return schema.StrategyExecution{}, errs.NotFound(component, "execution", id)
	}
	return execution, nil
}

// ListExecutions returns executions newest first.
func (s *StrategyStore) ListExecutions(ctx context.Context, query strategystore.ExecutionQuery) ([]schema.StrategyExecution, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]schema.StrategyExecution, 0)
	for i := len(s.execSeq) - 1; i >= 0; i-- {
		execution := s.executions[s.execSeq[i]]
		if !query.Matches(execution) {
			continue
		}
		out = append(out, execution)
		if query.Limit > 0 && len(out) >= query.Limit {
			break
		}
	}
	return out, nil
}

// AcquireLease grants or renews the run lease for strategyID.
func (s *StrategyStore) AcquireLease(ctx context.Context, strategyID, owner string, ttl time.Duration) (schema.Lease, bool, error) {
	if err := ctxErr(ctx); err != nil {
		return schema.Lease{}, false, err
	}
	if strategyID == "" || owner == "" {
		return schema.Lease{}, false, errs.Validation(component, "lease requires strategy and owner")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	current, exists := s.leases[strategyID]
	if exists && current.Held(now) && current.Owner != owner {
		return current, false, nil
	}
	lease := schema.Lease{StrategyID: strategyID, Owner: owner, ExpiresAt: now.Add(ttl)}
	s.leases[strategyID] = lease
	return lease, true, nil
}

// ReleaseLease drops the lease when owner still holds it.
func (s *StrategyStore) ReleaseLease(ctx context.Context, strategyID, owner string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, exists := s.leases[strategyID]; exists && current.Owner == owner {
		delete(s.leases, strategyID)
	}
	return nil
}
