// Package retry provides a generic exponential backoff executor.
//
// Each failure is classified by a caller-supplied function. Transient
// failures are retried after baseDelay*2^(attempt-1); rate-limited and
// terminal failures stop the loop immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Class is the retry classification of an error.
type Class int

const (
	// Transient errors are retried with backoff.
	Transient Class = iota
	// Terminal errors are returned without another attempt.
	Terminal
	// RateLimited errors are returned without another attempt so the caller
	// can skip or route to a fallback.
	RateLimited
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Terminal:
		return "terminal"
	case RateLimited:
		return "rate_limited"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Classifier maps an operation error to a Class.
type Classifier func(error) Class

// Defaults used when a Policy field is zero.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
)

// Attempt describes one finished invocation of the operation.
type Attempt struct {
	Number   int
	Err      error
	Class    Class
	Duration time.Duration
}

// Policy configures Execute.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// MaxDelay caps a single backoff sleep. Zero means no cap.
	MaxDelay time.Duration
	Classify Classifier
	// OnAttempt is called after every attempt, before any backoff sleep.
	OnAttempt func(Attempt)
	// Sleep waits for d or until ctx is done. Defaults to a timer select.
	Sleep func(ctx context.Context, d time.Duration) error
}

// ExhaustedError is returned when every allowed attempt failed transiently.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// StoppedError is returned when a rate-limited or terminal failure ended the
// loop before MaxAttempts.
type StoppedError struct {
	Attempts int
	Class    Class
	Err      error
}

func (e *StoppedError) Error() string {
	return fmt.Sprintf("stopped after %d attempts (%s): %v", e.Attempts, e.Class, e.Err)
}

func (e *StoppedError) Unwrap() error {
	return e.Err
}

// Delay returns the backoff before the attempt that follows attempt n.
func (p Policy) Delay(n int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	n = min(max(n, 1), 31)
	d := base << (n - 1)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Execute runs op until it succeeds, a non-transient failure occurs, or
// MaxAttempts is reached. It returns the value, the number of attempts made
// and the final error.
func Execute[T any](ctx context.Context, p Policy, op func(ctx context.Context, attempt int) (T, error)) (T, int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	classify := p.Classify
	if classify == nil {
		classify = func(error) Class { return Transient }
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var zero T
	for attempt := 1; ; attempt++ {
		start := time.Now()
		value, err := op(ctx, attempt)
		elapsed := time.Since(start)

		if err == nil {
			notify(p, Attempt{Number: attempt, Duration: elapsed})
			return value, attempt, nil
		}

		class := classify(err)
		notify(p, Attempt{Number: attempt, Err: err, Class: class, Duration: elapsed})

		if class != Transient {
			return zero, attempt, &StoppedError{Attempts: attempt, Class: class, Err: err}
		}
		if attempt >= maxAttempts {
			return zero, attempt, &ExhaustedError{Attempts: attempt, Err: err}
		}
		if serr := sleep(ctx, p.Delay(attempt)); serr != nil {
			return zero, attempt, &StoppedError{Attempts: attempt, Class: Terminal, Err: errors.Join(err, serr)}
		}
	}
}

// Do is Execute for operations without a result value.
func Do(ctx context.Context, p Policy, op func(ctx context.Context, attempt int) error) (int, error) {
	_, n, err := Execute(ctx, p, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, op(ctx, attempt)
	})
	return n, err
}

func notify(p Policy, a Attempt) {
	if p.OnAttempt != nil {
		p.OnAttempt(a)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
