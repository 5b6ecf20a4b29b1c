package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coachpo/strategos/errs"
	"github.com/coachpo/strategos/internal/domain/schema"
	"github.com/coachpo/strategos/internal/domain/tradestore"
	"github.com/coachpo/strategos/internal/numeric"
	"github.com/coachpo/strategos/lib/retry"
)

// Op transforms a wallet atomically.
type Op func(schema.Wallet) (schema.Wallet, error)

// Amount binds one of the package operations to an amount.
func Amount(fn func(schema.Wallet, decimal.Decimal) (schema.Wallet, error), amount decimal.Decimal) Op {
	return func(w schema.Wallet) (schema.Wallet, error) { return fn(w, amount) }
}

// Service applies ledger operations to persisted wallets.
type Service struct {
	store  tradestore.Store
	logger *zap.Logger
	retry  retry.Policy
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRetryPolicy overrides the version-conflict retry policy.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(s *Service) {
		s.retry = policy
	}
}

// NewService constructs a ledger service over store.
func NewService(store tradestore.Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: zap.NewNop(),
		retry:  retry.DefaultPolicy(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// ApplyTx reads the account wallet inside tx, applies ops in order and writes the
// result once. Any failing op leaves the wallet untouched.
func (s *Service) ApplyTx(ctx context.Context, tx tradestore.Tx, accountID string, ops ...Op) (schema.Wallet, error) {
	wallet, err := tx.GetWallet(ctx, accountID)
	if err != nil {
		return schema.Wallet{}, err
	}
	next := wallet
	for _, op := range ops {
		if op == nil {
			continue
		}
		next, err = op(next)
		if err != nil {
			return wallet, err
		}
	}
	saved, err := tx.SaveWallet(ctx, next)
	if err != nil {
		return wallet, fmt.Errorf("save wallet %s: %w", accountID, err)
	}
	return saved, nil
}

// Apply runs ApplyTx in its own transaction, retrying version conflicts.
func (s *Service) Apply(ctx context.Context, accountID string, ops ...Op) (schema.Wallet, error) {
	var out schema.Wallet
	err := retry.OnConflict(ctx, s.retry, func(ctx context.Context) error {
		return s.store.WithTransaction(ctx, func(ctx context.Context, tx tradestore.Tx) error {
			wallet, err := s.ApplyTx(ctx, tx, accountID, ops...)
			if err != nil {
				return err
			}
			out = wallet
			return nil
		})
	})
	return out, err
}

// Ensure returns the account wallet, creating an empty one when missing.
func (s *Service) Ensure(ctx context.Context, accountID string) (schema.Wallet, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return schema.Wallet{}, errs.Validation(component, "account id required")
	}
	wallet, err := s.store.GetWallet(ctx, accountID)
	if err == nil {
		return wallet, nil
	}
	if !errs.IsCode(err, errs.CodeNotFound) {
		return schema.Wallet{}, err
	}
	fresh := schema.Wallet{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Free:      decimal.Zero,
		Reserved:  decimal.Zero,
		Placed:    decimal.Zero,
		UpdatedAt: s.now().UTC(),
	}
	if err := s.store.CreateWallet(ctx, fresh); err != nil && !errs.IsCode(err, errs.CodeAlreadyExists) {
		return schema.Wallet{}, err
	}
	s.logger.Info("wallet created", zap.String("account", accountID))
	return s.store.GetWallet(ctx, accountID)
}

// Wallet returns the persisted wallet.
func (s *Service) Wallet(ctx context.Context, accountID string) (schema.Wallet, error) {
	return s.store.GetWallet(ctx, accountID)
}

// Deposit credits free, creating the wallet on first use.
func (s *Service) Deposit(ctx context.Context, accountID string, amount decimal.Decimal) (schema.Wallet, error) {
	if _, err := s.Ensure(ctx, accountID); err != nil {
		return schema.Wallet{}, err
	}
	wallet, err := s.Apply(ctx, accountID, Amount(Deposit, amount))
	if err != nil {
		return schema.Wallet{}, err
	}
	s.logger.Info("deposit applied",
		zap.String("account", accountID),
		zap.String("amount", numeric.Format(amount)),
		zap.String("free", numeric.Format(wallet.Free)))
	return wallet, nil
}

// Withdraw debits free.
func (s *Service) Withdraw(ctx context.Context, accountID string, amount decimal.Decimal) (schema.Wallet, error) {
	wallet, err := s.Apply(ctx, accountID, Amount(Withdraw, amount))
	if err != nil {
		return schema.Wallet{}, err
	}
	s.logger.Info("withdrawal applied",
		zap.String("account", accountID),
		zap.String("amount", numeric.Format(amount)),
		zap.String("free", numeric.Format(wallet.Free)))
	return wallet, nil
}
