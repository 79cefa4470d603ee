package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errFlaky   = errors.New("flaky")
	errLimited = errors.New("limited")
	errBad     = errors.New("bad input")
)

func classify(err error) Class {
	switch {
	case errors.Is(err, errLimited):
		return RateLimited
	case errors.Is(err, errBad):
		return Terminal
	default:
		return Transient
	}
}

// recordingSleep captures requested delays instead of sleeping.
type recordingSleep struct {
	delays []time.Duration
}

func (r *recordingSleep) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func TestExecute_SucceedsAfterKFailures(t *testing.T) {
	for k := 0; k < DefaultMaxAttempts; k++ {
		rec := &recordingSleep{}
		var seen []Attempt
		calls := 0
		p := Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			Classify:    classify,
			Sleep:       rec.sleep,
			OnAttempt:   func(a Attempt) { seen = append(seen, a) },
		}

		got, attempts, err := Execute(context.Background(), p, func(_ context.Context, attempt int) (string, error) {
			calls++
			assert.Equal(t, calls, attempt)
			if calls <= k {
				return "", errFlaky
			}
			return "ok", nil
		})

		require.NoError(t, err)
		assert.Equal(t, "ok", got)
		assert.Equal(t, k+1, attempts)
		assert.Len(t, seen, k+1)
		assert.Len(t, rec.delays, k)
		assert.NoError(t, seen[len(seen)-1].Err)
	}
}

func TestExecute_AlwaysFailingExhausts(t *testing.T) {
	rec := &recordingSleep{}
	calls := 0
	p := Policy{MaxAttempts: 3, BaseDelay: time.Second, Classify: classify, Sleep: rec.sleep}

	_, attempts, err := Execute(context.Background(), p, func(context.Context, int) (int, error) {
		calls++
		return 0, errFlaky
	})

	require.Error(t, err)
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.delays)
}

func TestExecute_RateLimitedStopsImmediately(t *testing.T) {
	rec := &recordingSleep{}
	calls := 0
	p := Policy{MaxAttempts: 5, Classify: classify, Sleep: rec.sleep}

	_, attempts, err := Execute(context.Background(), p, func(context.Context, int) (int, error) {
		calls++
		return 0, errLimited
	})

	var stopped *StoppedError
	require.ErrorAs(t, err, &stopped)
	assert.Equal(t, RateLimited, stopped.Class)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.delays)
}

func TestExecute_TerminalStopsImmediately(t *testing.T) {
	calls := 0
	p := Policy{MaxAttempts: 5, Classify: classify, Sleep: (&recordingSleep{}).sleep}

	_, attempts, err := Execute(context.Background(), p, func(context.Context, int) (int, error) {
		calls++
		if calls == 2 {
			return 0, errBad
		}
		return 0, errFlaky
	})

	var stopped *StoppedError
	require.ErrorAs(t, err, &stopped)
	assert.Equal(t, Terminal, stopped.Class)
	assert.Equal(t, 2, attempts)
	assert.ErrorIs(t, err, errBad)
}

func TestExecute_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Hour,
		Classify:    classify,
	}

	calls := 0
	_, attempts, err := Execute(ctx, p, func(context.Context, int) (int, error) {
		calls++
		cancel()
		return 0, errFlaky
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestPolicy_Delay(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		n      int
		want   time.Duration
	}{
		{"first retry uses base", Policy{BaseDelay: time.Second}, 1, time.Second},
		{"second doubles", Policy{BaseDelay: time.Second}, 2, 2 * time.Second},
		{"third quadruples", Policy{BaseDelay: time.Second}, 3, 4 * time.Second},
		{"default base", Policy{}, 2, 2 * DefaultBaseDelay},
		{"capped", Policy{BaseDelay: time.Second, MaxDelay: 3 * time.Second}, 4, 3 * time.Second},
		{"zero attempt treated as first", Policy{BaseDelay: 10 * time.Millisecond}, 0, 10 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Delay(tt.n))
		})
	}
}

func TestDo(t *testing.T) {
	calls := 0
	n, err := Do(context.Background(), Policy{Sleep: (&recordingSleep{}).sleep}, func(context.Context, int) error {
		calls++
		if calls < 2 {
			return errFlaky
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestClassString(t *testing.T) {
	assert.Equal(t, "transient", Transient.String())
	assert.Equal(t, "terminal", Terminal.String())
	assert.Equal(t, "rate_limited", RateLimited.String())
	assert.Equal(t, "class(9)", Class(9).String())
}
