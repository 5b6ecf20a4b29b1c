package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/strategos/errs"
)

func fastPolicy(attempts int) Policy {
	return Policy{Attempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestOnConflictRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := OnConflict(context.Background(), fastPolicy(5), func(context.Context) error {
		calls++
		if calls < 3 {
			return errs.New("test", errs.CodeConflict)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestOnConflictStopsOnOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := OnConflict(context.Background(), fastPolicy(5), func(context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

func TestOnConflictExhaustsAttempts(t *testing.T) {
	calls := 0
	err := OnConflict(context.Background(), fastPolicy(3), func(context.Context) error {
		calls++
		return errs.New("test", errs.CodeConflict)
	})
	require.Error(t, err)
	require.True(t, errs.IsCode(err, errs.CodeConflict))
	require.Equal(t, 3, calls)
}

func TestOnConflictNilOperation(t *testing.T) {
	require.True(t, errs.IsCode(OnConflict(context.Background(), Policy{}, nil), errs.CodeInvalid))
}

func TestDoRetriesTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(4), nil, func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestDoStopsOnFinalErrors(t *testing.T) {
	for _, final := range []error{
		errs.NotFound("test", "execution", "e1"),
		errs.Validation("test", "bad"),
		context.Canceled,
	} {
		calls := 0
		err := Do(context.Background(), fastPolicy(4), nil, func(context.Context) error {
			calls++
			return final
		})
		require.ErrorIs(t, err, final)
		require.Equal(t, 1, calls)
	}
}

func TestTransient(t *testing.T) {
	require.False(t, Transient(nil))
	require.True(t, Transient(errors.New("blip")))
	require.True(t, Transient(errs.New("test", errs.CodeConflict)))
	require.False(t, Transient(errs.Internal("test", "broken")))
	require.False(t, Transient(context.DeadlineExceeded))
}
