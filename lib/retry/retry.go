// Package retry re-runs operations that lost a version race or hit a transient failure.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/strategos/errs"
)

// DefaultAttempts bounds the number of tries made by OnConflict.
const DefaultAttempts = 8

// Policy configures conflict retries.
type Policy struct {
	Attempts        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy returns the policy used when callers do not configure one.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:        DefaultAttempts,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     250 * time.Millisecond,
	}
}

func (p Policy) normalise() Policy {
	def := DefaultPolicy()
	if p.Attempts <= 0 {
		p.Attempts = def.Attempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = def.MaxInterval
	}
	return p
}

// OnConflict runs fn until it succeeds, fails with anything other than
// errs.CodeConflict, the attempts are exhausted, or ctx is done.
func OnConflict(ctx context.Context, policy Policy, fn func(context.Context) error) error {
	return Do(ctx, policy, func(err error) bool { return errs.IsCode(err, errs.CodeConflict) }, fn)
}

// Transient reports whether err may clear on a later attempt. Validation,
// missing resources, broken invariants and context errors are final.
func Transient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch errs.CodeOf(err) {
	case errs.CodeInvalid, errs.CodeNotFound, errs.CodeAlreadyExists, errs.CodeInternal:
		return false
	default:
		return true
	}
}

// Do runs fn until it succeeds, fails with an error retryable rejects, the
// attempts are exhausted, or ctx is done.
func Do(ctx context.Context, policy Policy, retryable func(error) bool, fn func(context.Context) error) error {
	if fn == nil {
		return errs.Validation("lib/retry", "operation must not be nil")
	}
	if retryable == nil {
		retryable = Transient
	}
	policy = policy.normalise()
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = policy.InitialInterval
	backoffCfg.MaxInterval = policy.MaxInterval

	var err error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !retryable(err) {
			return err
		}
		if attempt == policy.Attempts {
			break
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry: %w", ctx.Err())
		case <-time.After(sleep):
		}
	}
	return fmt.Errorf("retry: %d attempts exhausted: %w", policy.Attempts, err)
}
